package repo

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"taskrelay/internal/domain"
)

func (r Repo) InsertProject(ctx context.Context, p domain.Project) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	_, err := r.DB.ExecContext(ctx, r.q(`INSERT INTO projects(id,workspace_id,name,created_at) VALUES (?,?,?,?)`),
		p.ID, nullable(p.WorkspaceID), p.Name, FormatTime(p.CreatedAt))
	return err
}

func (r Repo) GetProject(ctx context.Context, id string) (domain.Project, error) {
	var p domain.Project
	var workspaceID sql.NullString
	var createdAt string
	err := r.DB.QueryRowContext(ctx, r.q(`SELECT id,workspace_id,name,created_at FROM projects WHERE id=?`), id).
		Scan(&p.ID, &workspaceID, &p.Name, &createdAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	p.WorkspaceID = workspaceID.String
	p.CreatedAt = scanTime(createdAt)
	return p, nil
}

func (r Repo) InsertTask(ctx context.Context, t domain.Task) error {
	if t.ID == "" {
		return errors.New("task id required")
	}
	if t.Status == "" {
		t.Status = domain.TaskTodo
	}
	now := time.Now()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = now
	}
	_, err := r.DB.ExecContext(ctx, r.q(`INSERT INTO tasks(id,project_id,title,description,status,assignee_id,due_date,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?)`),
		t.ID, t.ProjectID, t.Title, nullable(t.Description), string(t.Status), nullableStringPtr(t.AssigneeID),
		nullableTime(t.DueDate), FormatTime(t.CreatedAt), FormatTime(t.UpdatedAt))
	return err
}

func (r Repo) UpdateTaskStatus(ctx context.Context, id string, status domain.TaskStatus) error {
	res, err := r.DB.ExecContext(ctx, r.q(`UPDATE tasks SET status=?, updated_at=? WHERE id=?`),
		string(status), FormatTime(time.Now()), id)
	if err != nil {
		return err
	}
	return expectAffected(res)
}

func (r Repo) AssignTask(ctx context.Context, id, assigneeID string) error {
	res, err := r.DB.ExecContext(ctx, r.q(`UPDATE tasks SET assignee_id=?, updated_at=? WHERE id=?`),
		nullable(assigneeID), FormatTime(time.Now()), id)
	if err != nil {
		return err
	}
	return expectAffected(res)
}

func (r Repo) DeleteTask(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, r.q(`DELETE FROM tasks WHERE id=?`), id)
	if err != nil {
		return err
	}
	return expectAffected(res)
}

// FindTask reads a task with its assignee and project in a single query.
func (r Repo) FindTask(ctx context.Context, id string) (domain.TaskDetail, error) {
	var d domain.TaskDetail
	var description, assigneeID, dueDate, workspaceID sql.NullString
	var userID, email, name, image, userCreated, userUpdated sql.NullString
	var status, taskCreated, taskUpdated, projectCreated string
	err := r.DB.QueryRowContext(ctx, r.q(`SELECT t.id,t.project_id,t.title,t.description,t.status,t.assignee_id,t.due_date,t.created_at,t.updated_at,
       p.id,p.workspace_id,p.name,p.created_at,
       u.id,u.email,u.name,u.image,u.created_at,u.updated_at
FROM tasks t
JOIN projects p ON p.id=t.project_id
LEFT JOIN users u ON u.id=t.assignee_id
WHERE t.id=?`), id).Scan(
		&d.Task.ID, &d.Task.ProjectID, &d.Task.Title, &description, &status, &assigneeID, &dueDate, &taskCreated, &taskUpdated,
		&d.Project.ID, &workspaceID, &d.Project.Name, &projectCreated,
		&userID, &email, &name, &image, &userCreated, &userUpdated,
	)
	if err == sql.ErrNoRows {
		return d, ErrNotFound
	}
	if err != nil {
		return d, err
	}
	d.Task.Description = description.String
	d.Task.Status = domain.TaskStatus(status)
	if assigneeID.Valid {
		d.Task.AssigneeID = &assigneeID.String
	}
	d.Task.DueDate = scanNullTime(dueDate)
	d.Task.CreatedAt = scanTime(taskCreated)
	d.Task.UpdatedAt = scanTime(taskUpdated)
	d.Project.WorkspaceID = workspaceID.String
	d.Project.CreatedAt = scanTime(projectCreated)
	if userID.Valid {
		d.Assignee = &domain.User{
			ID:        userID.String,
			Email:     email.String,
			Name:      name.String,
			Image:     image.String,
			CreatedAt: scanTime(userCreated.String),
			UpdatedAt: scanTime(userUpdated.String),
		}
	}
	return d, nil
}
