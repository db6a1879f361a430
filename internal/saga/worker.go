package saga

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Worker resumes incomplete sagas: once at startup, then on an interval.
// Financial steps carry operation keys, so resuming a saga that another
// instance is still driving double-applies nothing.
type Worker struct {
	orchestrator *Orchestrator
	interval     time.Duration
	logger       *slog.Logger
}

// NewWorker builds a saga resume worker.
func NewWorker(orchestrator *Orchestrator, interval time.Duration, logger *slog.Logger) *Worker {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Worker{orchestrator: orchestrator, interval: interval, logger: logger}
}

// Run resumes incomplete sagas until the context is cancelled.
func (w *Worker) Run(ctx context.Context) {
	w.resumeAll(ctx)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.resumeAll(ctx)
		}
	}
}

func (w *Worker) resumeAll(ctx context.Context) {
	incomplete, err := w.orchestrator.store.ListIncomplete(ctx)
	if err != nil {
		w.logger.Error("saga resume listing failed", "error", err)
		return
	}
	for _, sg := range incomplete {
		res, err := w.orchestrator.Resume(ctx, sg.ID)
		if err != nil {
			if errors.Is(err, ErrReviewRequired) {
				continue
			}
			w.logger.Error("saga resume failed", "saga_id", sg.ID, "status", res.Status, "error", err)
			continue
		}
		w.logger.Info("saga resumed", "saga_id", sg.ID, "status", res.Status)
	}
}
