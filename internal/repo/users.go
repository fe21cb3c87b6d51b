package repo

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"taskrelay/internal/domain"
)

// CreateUser inserts a user, refreshing the profile when the id already exists
// so a redelivered creation event converges on the same row.
func (r Repo) CreateUser(ctx context.Context, u domain.User) error {
	if u.ID == "" {
		return errors.New("user id required")
	}
	now := FormatTime(time.Now())
	_, err := r.DB.ExecContext(ctx, r.q(`INSERT INTO users(id,email,name,image,created_at,updated_at) VALUES (?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET email=excluded.email, name=excluded.name, image=excluded.image, updated_at=excluded.updated_at`),
		u.ID, u.Email, u.Name, nullable(u.Image), now, now)
	return err
}

func (r Repo) UpdateUser(ctx context.Context, u domain.User) error {
	res, err := r.DB.ExecContext(ctx, r.q(`UPDATE users SET email=?, name=?, image=?, updated_at=? WHERE id=?`),
		u.Email, u.Name, nullable(u.Image), FormatTime(time.Now()), u.ID)
	if err != nil {
		return err
	}
	return expectAffected(res)
}

func (r Repo) DeleteUser(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, r.q(`DELETE FROM users WHERE id=?`), id)
	if err != nil {
		return err
	}
	return expectAffected(res)
}

func (r Repo) GetUser(ctx context.Context, id string) (domain.User, error) {
	var u domain.User
	var image sql.NullString
	var createdAt, updatedAt string
	err := r.DB.QueryRowContext(ctx, r.q(`SELECT id,email,name,image,created_at,updated_at FROM users WHERE id=?`), id).
		Scan(&u.ID, &u.Email, &u.Name, &image, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return u, ErrNotFound
	}
	if err != nil {
		return u, err
	}
	u.Image = image.String
	u.CreatedAt = scanTime(createdAt)
	u.UpdatedAt = scanTime(updatedAt)
	return u, nil
}
