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

const runColumns = `id,function_id,event_id,status,step,attempt,wake_at,last_error,created_at,updated_at,completed_at,claimed_by,lease_until`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (domain.Run, error) {
	var run domain.Run
	var status, createdAt, updatedAt string
	var step, wakeAt, lastError, completedAt, claimedBy, leaseUntil sql.NullString
	err := row.Scan(&run.ID, &run.FunctionID, &run.EventID, &status, &step, &run.Attempt, &wakeAt, &lastError, &createdAt, &updatedAt, &completedAt, &claimedBy, &leaseUntil)
	if err == sql.ErrNoRows {
		return run, ErrNotFound
	}
	if err != nil {
		return run, err
	}
	run.Status = domain.RunStatus(status)
	run.Step = step.String
	run.WakeAt = scanNullTime(wakeAt)
	run.LastError = lastError.String
	run.CreatedAt = scanTime(createdAt)
	run.UpdatedAt = scanTime(updatedAt)
	run.CompletedAt = scanNullTime(completedAt)
	run.ClaimedBy = claimedBy.String
	run.LeaseUntil = scanNullTime(leaseUntil)
	return run, nil
}

// CreateRun inserts a run unless one already exists for the same function and
// event. It reports whether a new row was written.
func (r Repo) CreateRun(ctx context.Context, tx *sql.Tx, run domain.Run) (bool, error) {
	now := time.Now()
	if run.CreatedAt.IsZero() {
		run.CreatedAt = now
	}
	if run.UpdatedAt.IsZero() {
		run.UpdatedAt = run.CreatedAt
	}
	res, err := r.on(tx).ExecContext(ctx, r.q(`INSERT INTO workflow_runs(`+runColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(function_id,event_id) DO NOTHING`),
		run.ID, run.FunctionID, run.EventID, string(run.Status), nullable(run.Step), run.Attempt, nullableTime(run.WakeAt),
		nullable(run.LastError), FormatTime(run.CreatedAt), FormatTime(run.UpdatedAt), nullableTime(run.CompletedAt),
		nullable(run.ClaimedBy), nullableTime(run.LeaseUntil))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r Repo) GetRun(ctx context.Context, id string) (domain.Run, error) {
	return scanRun(r.DB.QueryRowContext(ctx, r.q(`SELECT `+runColumns+` FROM workflow_runs WHERE id=?`), id))
}

type RunFilters struct {
	Status     string
	FunctionID string
	EventID    string
	Limit      int
}

func (r Repo) ListRuns(ctx context.Context, f RunFilters) ([]domain.Run, error) {
	var clauses []string
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.FunctionID != "" {
		clauses = append(clauses, "function_id=?")
		args = append(args, f.FunctionID)
	}
	if f.EventID != "" {
		clauses = append(clauses, "event_id=?")
		args = append(args, f.EventID)
	}
	query := `SELECT ` + runColumns + ` FROM workflow_runs`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	return r.queryRuns(ctx, query, args...)
}

// DueRuns lists queued or sleeping runs whose wake time has passed.
func (r Repo) DueRuns(ctx context.Context, now time.Time, limit int) ([]domain.Run, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.queryRuns(ctx, `SELECT `+runColumns+` FROM workflow_runs
WHERE status IN ('queued','sleeping') AND (wake_at IS NULL OR wake_at<=?)
ORDER BY wake_at, created_at LIMIT ?`, FormatTime(now), limit)
}

func (r Repo) queryRuns(ctx context.Context, query string, args ...any) ([]domain.Run, error) {
	rows, err := r.DB.QueryContext(ctx, r.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, run)
	}
	return res, rows.Err()
}

// ClaimRun moves a due run to running under owner's lease. It returns false
// when another worker got there first or the run is no longer due.
func (r Repo) ClaimRun(ctx context.Context, id, owner string, now, leaseUntil time.Time) (bool, error) {
	if owner == "" {
		return false, errors.New("claim owner required")
	}
	ts := FormatTime(now)
	res, err := r.DB.ExecContext(ctx, r.q(`UPDATE workflow_runs SET status='running', claimed_by=?, lease_until=?, updated_at=?
WHERE id=? AND status IN ('queued','sleeping') AND (wake_at IS NULL OR wake_at<=?)`), owner, FormatTime(leaseUntil), ts, id, ts)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ExtendLease pushes the lease of a run owner still holds.
func (r Repo) ExtendLease(ctx context.Context, id, owner string, until time.Time) error {
	res, err := r.DB.ExecContext(ctx, r.q(`UPDATE workflow_runs SET lease_until=? WHERE id=? AND status='running' AND claimed_by=?`),
		FormatTime(until), id, owner)
	if err != nil {
		return err
	}
	return leaseHeld(res)
}

// UpdateRun records the outcome of an execution and releases the claim. It
// only applies while run.ClaimedBy still holds the run.
func (r Repo) UpdateRun(ctx context.Context, run domain.Run) error {
	if run.UpdatedAt.IsZero() {
		run.UpdatedAt = time.Now()
	}
	res, err := r.DB.ExecContext(ctx, r.q(`UPDATE workflow_runs SET status=?, step=?, attempt=?, wake_at=?, last_error=?, updated_at=?, completed_at=?, claimed_by=NULL, lease_until=NULL
WHERE id=? AND status='running' AND claimed_by=?`),
		string(run.Status), nullable(run.Step), run.Attempt, nullableTime(run.WakeAt), nullable(run.LastError),
		FormatTime(run.UpdatedAt), nullableTime(run.CompletedAt), run.ID, run.ClaimedBy)
	if err != nil {
		return err
	}
	return leaseHeld(res)
}

// RequeueExpired hands running runs whose lease has lapsed back to the queue.
// Runs under a live lease are left alone.
func (r Repo) RequeueExpired(ctx context.Context, now time.Time) (int64, error) {
	ts := FormatTime(now)
	res, err := r.DB.ExecContext(ctx, r.q(`UPDATE workflow_runs SET status='queued', wake_at=NULL, claimed_by=NULL, lease_until=NULL, updated_at=?
WHERE status='running' AND (lease_until IS NULL OR lease_until<=?)`), ts, ts)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func leaseHeld(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrLeaseLost
	}
	return nil
}

func (r Repo) ListSteps(ctx context.Context, runID string) ([]domain.StepRecord, error) {
	rows, err := r.DB.QueryContext(ctx, r.q(`SELECT run_id,name,status,output_json,wake_at,created_at,completed_at FROM workflow_steps WHERE run_id=? ORDER BY created_at, name`), runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.StepRecord
	for rows.Next() {
		var rec domain.StepRecord
		var status, createdAt string
		var output, wakeAt, completedAt sql.NullString
		if err := rows.Scan(&rec.RunID, &rec.Name, &status, &output, &wakeAt, &createdAt, &completedAt); err != nil {
			return nil, err
		}
		rec.Status = domain.StepStatus(status)
		if output.Valid {
			rec.Output = []byte(output.String)
		}
		rec.WakeAt = scanNullTime(wakeAt)
		rec.CreatedAt = scanTime(createdAt)
		rec.CompletedAt = scanNullTime(completedAt)
		res = append(res, rec)
	}
	return res, rows.Err()
}

// SaveStep upserts a step record and advances the run's step pointer in the
// same transaction, provided owner still holds the run.
func (r Repo) SaveStep(ctx context.Context, rec domain.StepRecord, owner string) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	var output any
	if len(rec.Output) > 0 {
		output = string(rec.Output)
	}
	if _, err := tx.ExecContext(ctx, r.q(`INSERT INTO workflow_steps(run_id,name,status,output_json,wake_at,created_at,completed_at) VALUES (?,?,?,?,?,?,?)
ON CONFLICT(run_id,name) DO UPDATE SET status=excluded.status, output_json=excluded.output_json, wake_at=excluded.wake_at, completed_at=excluded.completed_at`),
		rec.RunID, rec.Name, string(rec.Status), output, nullableTime(rec.WakeAt), FormatTime(rec.CreatedAt), nullableTime(rec.CompletedAt)); err != nil {
		return fmt.Errorf("save step %s: %w", rec.Name, err)
	}
	res, err := tx.ExecContext(ctx, r.q(`UPDATE workflow_runs SET step=?, updated_at=? WHERE id=? AND status='running' AND claimed_by=?`),
		rec.Name, FormatTime(rec.CreatedAt), rec.RunID, owner)
	if err != nil {
		return fmt.Errorf("advance run step: %w", err)
	}
	if err := leaseHeld(res); err != nil {
		return err
	}
	return tx.Commit()
}
