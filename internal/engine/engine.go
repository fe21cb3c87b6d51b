package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"taskrelay/internal/db"
	"taskrelay/internal/domain"
	"taskrelay/internal/events"
	"taskrelay/internal/repo"
)

const (
	defaultMaxAttempts  = 3
	defaultRetryBackoff = 30 * time.Second
	defaultConcurrency  = 4
	defaultBatch        = 50
	defaultLease        = 5 * time.Minute
)

// Handler is the body of a registered function. It is replayed from the top on
// every execution of a run; completed steps return their memoized output.
type Handler func(ctx context.Context, evt domain.Event, step Step) error

type Function struct {
	ID      string
	Topic   string
	Handler Handler
}

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Logger zerolog.Logger
	Now    func() time.Time

	maxAttempts  int
	retryBackoff time.Duration
	concurrency  int
	batch        int
	owner        string
	lease        time.Duration

	mu        sync.RWMutex
	functions map[string]Function
	topics    map[string][]string
}

type Option func(*Engine)

func WithLogger(l zerolog.Logger) Option {
	return func(e *Engine) { e.Logger = l }
}

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.Now = now }
}

// WithRetry sets how many attempts a run gets and the base delay between
// them. The delay grows linearly with the attempt number.
func WithRetry(maxAttempts int, backoff time.Duration) Option {
	return func(e *Engine) {
		if maxAttempts > 0 {
			e.maxAttempts = maxAttempts
		}
		if backoff >= 0 {
			e.retryBackoff = backoff
		}
	}
}

// WithConcurrency bounds how many runs a single Tick executes at once.
func WithConcurrency(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.concurrency = n
		}
	}
}

func WithBatch(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.batch = n
		}
	}
}

// WithWorkerID names the lease owner recorded on claimed runs. It defaults to
// a random id per engine.
func WithWorkerID(id string) Option {
	return func(e *Engine) {
		if id != "" {
			e.owner = id
		}
	}
}

// WithLease sets how long a claim stays valid without a heartbeat. A running
// run whose lease lapses is handed back to the queue by RequeueStale.
func WithLease(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.lease = d
		}
	}
}

func New(conn *sql.DB, dialect db.Dialect, opts ...Option) *Engine {
	e := &Engine{
		DB:           conn,
		Repo:         repo.New(conn, dialect),
		Events:       events.Writer{DB: conn, Dialect: dialect},
		Logger:       zerolog.Nop(),
		Now:          time.Now,
		maxAttempts:  defaultMaxAttempts,
		retryBackoff: defaultRetryBackoff,
		concurrency:  defaultConcurrency,
		batch:        defaultBatch,
		owner:        uuid.NewString(),
		lease:        defaultLease,
		functions:    map[string]Function{},
		topics:       map[string][]string{},
	}
	for _, opt := range opts {
		opt(e)
	}
	e.Events.Now = e.now
	return e
}

// WorkerID reports the owner this engine claims runs under.
func (e *Engine) WorkerID() string { return e.owner }

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

// Register binds a handler to an event topic under a stable function id.
func (e *Engine) Register(topic, id string, h Handler) error {
	if topic == "" || id == "" {
		return errors.New("engine: topic and function id required")
	}
	if h == nil {
		return fmt.Errorf("engine: nil handler for %s", id)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.functions[id]; ok {
		return fmt.Errorf("engine: function %s already registered", id)
	}
	e.functions[id] = Function{ID: id, Topic: topic, Handler: h}
	e.topics[topic] = append(e.topics[topic], id)
	return nil
}

func (e *Engine) function(id string) (Function, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	fn, ok := e.functions[id]
	return fn, ok
}

// Functions lists registered functions ordered by id.
func (e *Engine) Functions() []Function {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Function, 0, len(e.functions))
	for _, fn := range e.functions {
		out = append(out, fn)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// RunID derives the run identity for a function and triggering event, so a
// redelivered event maps onto the run it already created.
func RunID(functionID, eventID string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(functionID+"|"+eventID)).String()
}

type SendResult struct {
	EventID   string   `json:"event_id"`
	RunIDs    []string `json:"run_ids"`
	Duplicate bool     `json:"duplicate"`
}

// Send records an event and queues one run per function subscribed to its
// topic, atomically. Sending an event id twice queues nothing new.
func (e *Engine) Send(ctx context.Context, evt domain.Event) (SendResult, error) {
	if evt.ID == "" || evt.Name == "" {
		return SendResult{}, errors.New("engine: event id and name required")
	}
	res := SendResult{EventID: evt.ID}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return res, err
	}
	defer tx.Rollback()

	inserted, err := e.Events.Append(ctx, tx, &evt)
	if err != nil {
		return res, fmt.Errorf("append event: %w", err)
	}
	if !inserted {
		tx.Rollback()
		runs, err := e.Repo.ListRuns(ctx, repo.RunFilters{EventID: evt.ID})
		if err != nil {
			return res, err
		}
		for _, run := range runs {
			res.RunIDs = append(res.RunIDs, run.ID)
		}
		res.Duplicate = true
		e.Logger.Info().Str("event_id", evt.ID).Str("event", evt.Name).Msg("duplicate event ignored")
		return res, nil
	}

	e.mu.RLock()
	subscribers := append([]string(nil), e.topics[evt.Name]...)
	e.mu.RUnlock()

	now := e.now()
	for _, fnID := range subscribers {
		run := domain.Run{
			ID:         RunID(fnID, evt.ID),
			FunctionID: fnID,
			EventID:    evt.ID,
			Status:     domain.RunQueued,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if _, err := e.Repo.CreateRun(ctx, tx, run); err != nil {
			return res, fmt.Errorf("create run for %s: %w", fnID, err)
		}
		res.RunIDs = append(res.RunIDs, run.ID)
	}
	if err := tx.Commit(); err != nil {
		return res, err
	}
	e.Logger.Info().Str("event_id", evt.ID).Str("event", evt.Name).Int("runs", len(res.RunIDs)).Msg("event accepted")
	return res, nil
}

// Tick executes every run that is due now and returns how many it claimed.
func (e *Engine) Tick(ctx context.Context) (int, error) {
	due, err := e.Repo.DueRuns(ctx, e.now(), e.batch)
	if err != nil {
		return 0, fmt.Errorf("list due runs: %w", err)
	}
	if len(due) == 0 {
		return 0, nil
	}
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		claimed int
		errs    []error
	)
	sem := make(chan struct{}, e.concurrency)
	for _, run := range due {
		if ctx.Err() != nil {
			break
		}
		sem <- struct{}{}
		wg.Add(1)
		go func(run domain.Run) {
			defer wg.Done()
			defer func() { <-sem }()
			ok, err := e.Execute(ctx, run.ID)
			mu.Lock()
			defer mu.Unlock()
			if ok {
				claimed++
			}
			if err != nil {
				errs = append(errs, err)
			}
		}(run)
	}
	wg.Wait()
	return claimed, errors.Join(errs...)
}

// Execute claims the run and drives it until it completes, suspends or
// fails. It reports false when the run was not due or was claimed elsewhere.
func (e *Engine) Execute(ctx context.Context, runID string) (bool, error) {
	now := e.now()
	ok, err := e.Repo.ClaimRun(ctx, runID, e.owner, now, now.Add(e.lease))
	if err != nil {
		return false, fmt.Errorf("claim run %s: %w", runID, err)
	}
	if !ok {
		return false, nil
	}
	run, err := e.Repo.GetRun(ctx, runID)
	if err != nil {
		return true, fmt.Errorf("load run %s: %w", runID, err)
	}
	return true, e.execute(ctx, run)
}

func (e *Engine) execute(ctx context.Context, run domain.Run) error {
	log := e.Logger.With().Str("run_id", run.ID).Str("function_id", run.FunctionID).Logger()

	fn, ok := e.function(run.FunctionID)
	if !ok {
		return e.finish(ctx, log, run, nil, NonRetriable(fmt.Errorf("function %s not registered", run.FunctionID)))
	}
	evt, err := e.Repo.GetEvent(ctx, run.EventID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			err = NonRetriable(fmt.Errorf("event %s missing", run.EventID))
		}
		return e.finish(ctx, log, run, nil, err)
	}
	records, err := e.Repo.ListSteps(ctx, run.ID)
	if err != nil {
		return e.finish(ctx, log, run, nil, fmt.Errorf("load steps: %w", err))
	}
	st := newStepController(e, &run, records)
	log.Debug().Int("attempt", run.Attempt).Int("memoized_steps", len(records)).Msg("run executing")
	runCtx, cancel := context.WithCancel(ctx)
	stop := e.heartbeat(runCtx, log, run.ID, cancel)
	herr := invoke(log.WithContext(runCtx), fn.Handler, evt, st)
	stop()
	cancel()
	return e.finish(ctx, log, run, st, herr)
}

// heartbeat keeps extending the lease on runID until stop is called. Losing
// the lease cancels the handler's context.
func (e *Engine) heartbeat(ctx context.Context, log zerolog.Logger, runID string, cancel context.CancelFunc) (stop func()) {
	interval := e.lease / 3
	if interval <= 0 {
		interval = time.Second
	}
	done := make(chan struct{})
	exited := make(chan struct{})
	go func() {
		defer close(exited)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				err := e.Repo.ExtendLease(ctx, runID, e.owner, e.now().Add(e.lease))
				switch {
				case errors.Is(err, repo.ErrLeaseLost):
					log.Warn().Msg("run lease lost, abandoning execution")
					cancel()
					return
				case err != nil && ctx.Err() == nil:
					log.Error().Err(err).Msg("extend run lease")
				}
			}
		}
	}()
	return func() {
		close(done)
		<-exited
	}
}

func invoke(ctx context.Context, h Handler, evt domain.Event, st Step) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, evt, st)
}

// finish persists the outcome of one execution of a run. It is written even
// when ctx has been cancelled, since the handler's side effects already
// happened.
func (e *Engine) finish(ctx context.Context, log zerolog.Logger, run domain.Run, st *stepController, herr error) error {
	ctx = context.WithoutCancel(ctx)
	now := e.now()
	run.UpdatedAt = now
	run.ClaimedBy = e.owner
	switch {
	case herr == nil:
		run.Status = domain.RunCompleted
		run.WakeAt = nil
		run.LastError = ""
		run.CompletedAt = &now
	case errors.Is(herr, ErrSuspended) && st != nil && st.wakeAt != nil:
		run.Status = domain.RunSleeping
		run.WakeAt = st.wakeAt
	case IsNonRetriable(herr):
		run.Status = domain.RunFailed
		run.WakeAt = nil
		run.LastError = herr.Error()
		run.CompletedAt = &now
	default:
		run.Attempt++
		run.LastError = herr.Error()
		if run.Attempt >= e.maxAttempts {
			run.Status = domain.RunFailed
			run.WakeAt = nil
			run.CompletedAt = &now
		} else {
			wake := now.Add(e.retryBackoff * time.Duration(run.Attempt))
			run.Status = domain.RunQueued
			run.WakeAt = &wake
		}
	}
	if err := e.Repo.UpdateRun(ctx, run); err != nil {
		if errors.Is(err, repo.ErrLeaseLost) {
			log.Warn().Str("status", string(run.Status)).Msg("run claimed elsewhere, outcome discarded")
		}
		return fmt.Errorf("update run %s: %w", run.ID, err)
	}

	ev := log.Info()
	if run.Status == domain.RunFailed || (run.Status == domain.RunQueued && herr != nil) {
		ev = log.Warn().Err(herr)
	}
	ev = ev.Str("status", string(run.Status)).Str("step", run.Step).Int("attempt", run.Attempt)
	if run.WakeAt != nil {
		ev = ev.Time("wake_at", *run.WakeAt)
	}
	ev.Msg("run " + string(run.Status))
	return nil
}

// RequeueStale returns running runs whose lease has expired to the queue.
// Runs held under a live lease by any worker are untouched.
func (e *Engine) RequeueStale(ctx context.Context) (int64, error) {
	n, err := e.Repo.RequeueExpired(ctx, e.now())
	if err != nil {
		return 0, fmt.Errorf("requeue expired runs: %w", err)
	}
	if n > 0 {
		e.Logger.Warn().Int64("runs", n).Msg("requeued runs abandoned mid-execution")
	}
	return n, nil
}
