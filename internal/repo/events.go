package repo

import (
	"context"
	"database/sql"

	"taskrelay/internal/domain"
)

func (r Repo) GetEvent(ctx context.Context, id string) (domain.Event, error) {
	var evt domain.Event
	var data, ts string
	err := r.DB.QueryRowContext(ctx, r.q(`SELECT id,name,data_json,ts FROM events WHERE id=?`), id).Scan(&evt.ID, &evt.Name, &data, &ts)
	if err == sql.ErrNoRows {
		return evt, ErrNotFound
	}
	if err != nil {
		return evt, err
	}
	evt.Data = []byte(data)
	evt.TS = scanTime(ts)
	return evt, nil
}

func (r Repo) LatestEvents(ctx context.Context, limit int, name string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `SELECT id,name,data_json,ts FROM events`
	var args []any
	if name != "" {
		query += ` WHERE name=?`
		args = append(args, name)
	}
	query += ` ORDER BY ts DESC, id DESC LIMIT ?`
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, r.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var evt domain.Event
		var data, ts string
		if err := rows.Scan(&evt.ID, &evt.Name, &data, &ts); err != nil {
			return nil, err
		}
		evt.Data = []byte(data)
		evt.TS = scanTime(ts)
		res = append(res, evt)
	}
	return res, rows.Err()
}
