package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"taskrelay/internal/domain"
)

// CreateWorkspace stores the workspace and its owner membership atomically.
func (r Repo) CreateWorkspace(ctx context.Context, w domain.Workspace, owner domain.WorkspaceMember) error {
	if w.ID == "" {
		return errors.New("workspace id required")
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	now := FormatTime(time.Now())
	if _, err := tx.ExecContext(ctx, r.q(`INSERT INTO workspaces(id,name,slug,owner_id,image_url,created_at,updated_at) VALUES (?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET name=excluded.name, slug=excluded.slug, owner_id=excluded.owner_id, image_url=excluded.image_url, updated_at=excluded.updated_at`),
		w.ID, w.Name, w.Slug, w.OwnerID, nullable(w.ImageURL), now, now); err != nil {
		return fmt.Errorf("insert workspace: %w", err)
	}
	if owner.UserID != "" {
		owner.WorkspaceID = w.ID
		if err := r.addMember(ctx, tx, owner); err != nil {
			return fmt.Errorf("insert owner membership: %w", err)
		}
	}
	return tx.Commit()
}

func (r Repo) UpdateWorkspace(ctx context.Context, w domain.Workspace) error {
	res, err := r.DB.ExecContext(ctx, r.q(`UPDATE workspaces SET name=?, slug=?, image_url=?, updated_at=? WHERE id=?`),
		w.Name, w.Slug, nullable(w.ImageURL), FormatTime(time.Now()), w.ID)
	if err != nil {
		return err
	}
	return expectAffected(res)
}

// DeleteWorkspace removes the workspace; memberships cascade.
func (r Repo) DeleteWorkspace(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, r.q(`DELETE FROM workspaces WHERE id=?`), id)
	if err != nil {
		return err
	}
	return expectAffected(res)
}

func (r Repo) GetWorkspace(ctx context.Context, id string) (domain.Workspace, error) {
	var w domain.Workspace
	var image sql.NullString
	var createdAt, updatedAt string
	err := r.DB.QueryRowContext(ctx, r.q(`SELECT id,name,slug,owner_id,image_url,created_at,updated_at FROM workspaces WHERE id=?`), id).
		Scan(&w.ID, &w.Name, &w.Slug, &w.OwnerID, &image, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return w, ErrNotFound
	}
	if err != nil {
		return w, err
	}
	w.ImageURL = image.String
	w.CreatedAt = scanTime(createdAt)
	w.UpdatedAt = scanTime(updatedAt)
	return w, nil
}

// AddMember records a membership; the role is normalized to uppercase.
func (r Repo) AddMember(ctx context.Context, m domain.WorkspaceMember) error {
	return r.addMember(ctx, nil, m)
}

func (r Repo) addMember(ctx context.Context, tx *sql.Tx, m domain.WorkspaceMember) error {
	if m.UserID == "" || m.WorkspaceID == "" {
		return errors.New("user id and workspace id required")
	}
	role := strings.ToUpper(strings.TrimSpace(m.Role))
	if role == "" {
		role = domain.RoleMember
	}
	_, err := r.on(tx).ExecContext(ctx, r.q(`INSERT INTO workspace_members(user_id,workspace_id,role,created_at) VALUES (?,?,?,?)
ON CONFLICT(user_id,workspace_id) DO UPDATE SET role=excluded.role`),
		m.UserID, m.WorkspaceID, role, FormatTime(time.Now()))
	return err
}

func (r Repo) ListMembers(ctx context.Context, workspaceID string) ([]domain.WorkspaceMember, error) {
	rows, err := r.DB.QueryContext(ctx, r.q(`SELECT user_id,workspace_id,role,created_at FROM workspace_members WHERE workspace_id=? ORDER BY created_at, user_id`), workspaceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.WorkspaceMember
	for rows.Next() {
		var m domain.WorkspaceMember
		var createdAt string
		if err := rows.Scan(&m.UserID, &m.WorkspaceID, &m.Role, &createdAt); err != nil {
			return nil, err
		}
		m.CreatedAt = scanTime(createdAt)
		res = append(res, m)
	}
	return res, rows.Err()
}
