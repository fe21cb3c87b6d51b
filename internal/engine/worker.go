package engine

import (
	"context"
	"time"
)

const defaultPollInterval = time.Second

// Worker polls the engine for due runs until its context is cancelled.
type Worker struct {
	Engine   *Engine
	Interval time.Duration
}

func NewWorker(e *Engine, interval time.Duration) *Worker {
	if interval <= 0 {
		interval = defaultPollInterval
	}
	return &Worker{Engine: e, Interval: interval}
}

// Run ticks on every interval until ctx is cancelled. Each tick first
// requeues runs whose lease expired.
func (w *Worker) Run(ctx context.Context) error {
	w.tick(ctx)
	ticker := time.NewTicker(w.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.tick(ctx)
		}
	}
}

func (w *Worker) tick(ctx context.Context) {
	if _, err := w.Engine.RequeueStale(ctx); err != nil && ctx.Err() == nil {
		w.Engine.Logger.Error().Err(err).Msg("requeue expired runs")
	}
	n, err := w.Engine.Tick(ctx)
	if err != nil && ctx.Err() == nil {
		w.Engine.Logger.Error().Err(err).Msg("engine tick")
		return
	}
	if n > 0 {
		w.Engine.Logger.Debug().Int("runs", n).Msg("engine tick")
	}
}
