package worker

import (
	"context"
	"time"

	"repaircoin/internal/reconcile"
	"repaircoin/internal/redemption"

	"github.com/rs/zerolog"
)

// Worker owns the background loops: the 1-minute session expiry sweep and the
// periodic payment reconciliation. It is started explicitly and stops when
// its context is cancelled; nothing runs as an import side effect.
type Worker struct {
	Sessions          *redemption.Manager
	Reconciler        *reconcile.Reconciler
	SweepInterval     time.Duration
	ReconcileInterval time.Duration
	Log               zerolog.Logger
}

func (w *Worker) Run(ctx context.Context) {
	go w.runReconcile(ctx)

	interval := w.SweepInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := w.Sessions.SweepExpired(ctx); err != nil {
			w.Log.Error().Err(err).Msg("expiry sweep failed")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (w *Worker) runReconcile(ctx context.Context) {
	if w.Reconciler == nil {
		return
	}
	interval := w.ReconcileInterval
	if interval <= 0 {
		interval = 30 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if _, err := w.Reconciler.ReconcileBatch(ctx); err != nil {
			w.Log.Error().Err(err).Msg("reconcile batch failed")
		}
	}
}
