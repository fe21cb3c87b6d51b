package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"taskrelay/internal/db"
	"taskrelay/internal/domain"
	"taskrelay/internal/repo"
)

type Writer struct {
	DB      *sql.DB
	Dialect db.Dialect
	Now     func() time.Time
}

// New builds an event envelope, marshalling data unless it is already raw JSON.
func New(id, name string, data any) (domain.Event, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return domain.Event{}, errors.New("event name required")
	}
	if id == "" {
		id = uuid.NewString()
	}
	var raw json.RawMessage
	switch v := data.(type) {
	case nil:
		raw = json.RawMessage(`{}`)
	case json.RawMessage:
		raw = v
	case []byte:
		raw = json.RawMessage(v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return domain.Event{}, fmt.Errorf("marshal event data: %w", err)
		}
		raw = b
	}
	if !json.Valid(raw) {
		return domain.Event{}, errors.New("event data must be valid JSON")
	}
	return domain.Event{ID: id, Name: name, Data: raw}, nil
}

// Decode unmarshals the event payload into v.
func Decode(evt domain.Event, v any) error {
	if len(evt.Data) == 0 {
		return fmt.Errorf("event %s has no data", evt.Name)
	}
	if err := json.Unmarshal(evt.Data, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", evt.Name, err)
	}
	return nil
}

// Append records the event and reports whether it was new. A repeated id is a
// redelivery and leaves the log untouched.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evt *domain.Event) (bool, error) {
	if w.Now == nil {
		w.Now = time.Now
	}
	if evt.TS.IsZero() {
		evt.TS = w.Now()
	}
	evt.TS = evt.TS.UTC()
	if len(evt.Data) == 0 {
		evt.Data = json.RawMessage(`{}`)
	}
	res, err := tx.ExecContext(ctx, w.Dialect.Rebind(`INSERT INTO events(id,name,data_json,ts) VALUES (?,?,?,?) ON CONFLICT(id) DO NOTHING`),
		evt.ID, evt.Name, string(evt.Data), repo.FormatTime(evt.TS))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
