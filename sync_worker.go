package main

import (
	"context"
	"sync"
	"time"
)

// SyncWorker drives the reconciliation pipeline on a timer and on pushed
// block events. Passes never overlap; a trigger arriving mid-pass is skipped
// and the next trigger covers it.
type SyncWorker struct {
	transactions *TransactionReconciler
	lightning    *LightningReconciler
	invitations  *InvitationReconciler
	client       LedgerClient
	notifier     *Notifier
	metrics      *Metrics
	logger       Logger

	interval time.Duration
	mu       sync.Mutex
}

func NewSyncWorker(transactions *TransactionReconciler, lightning *LightningReconciler, invitations *InvitationReconciler, client LedgerClient, notifier *Notifier, metrics *Metrics, cfg *Config, logger Logger) *SyncWorker {
	return &SyncWorker{
		transactions: transactions,
		lightning:    lightning,
		invitations:  invitations,
		client:       client,
		notifier:     notifier,
		metrics:      metrics,
		logger:       logger.NewSystem("sync-worker"),
		interval:     cfg.SyncInterval,
	}
}

// Run blocks until ctx is canceled. It runs one pass immediately, then on
// every tick and on every pushed block event.
func (w *SyncWorker) Run(ctx context.Context) error {
	blocks, err := w.client.SubscribeBlocks(ctx)
	if err != nil {
		w.logger.Warn("block feed unavailable, relying on timer only", "error", err)
	}

	w.RunOnce(ctx)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			w.RunOnce(ctx)
		case event, ok := <-blocks:
			if !ok {
				blocks = nil
				continue
			}
			w.logger.Debug("block event received", "height", event.Height)
			w.RunOnce(ctx)
		}
	}
}

// RunOnce runs a single incremental pass if no pass is in flight.
func (w *SyncWorker) RunOnce(ctx context.Context) {
	if !w.mu.TryLock() {
		w.logger.Debug("sync pass already running, skipping trigger")
		if w.metrics != nil {
			w.metrics.SyncSkipped.Inc()
		}
		return
	}
	defer w.mu.Unlock()

	w.pass(ctx, func(ctx context.Context) error {
		return w.transactions.SyncIncremental(ctx)
	})
}

// RunFull forces a full rescan pass, waiting for any in-flight pass first.
func (w *SyncWorker) RunFull(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.pass(ctx, func(ctx context.Context) error {
		return w.transactions.SyncFull(ctx)
	})
}

func (w *SyncWorker) pass(ctx context.Context, syncTransactions func(context.Context) error) {
	started := time.Now()
	var failed bool

	steps := []struct {
		name string
		run  func(context.Context) error
	}{
		{"transactions", syncTransactions},
		{"lightning", w.lightning.Sync},
		{"received-invitations", w.invitations.UpdateReceivedAddressRequests},
		{"sent-invitations", w.invitations.UpdateSentAddressRequests},
	}
	for _, step := range steps {
		if ctx.Err() != nil {
			return
		}
		if err := step.run(ctx); err != nil {
			// Later steps still run; invitation convergence should not wait
			// on a flaky transaction feed.
			w.logger.Error("sync step failed", "step", step.name, "error", err)
			failed = true
		}
	}

	elapsed := time.Since(started)
	if w.metrics != nil {
		w.metrics.SyncDuration.Observe(elapsed.Seconds())
		if failed {
			w.metrics.SyncFailures.Inc()
		} else {
			w.metrics.SyncPasses.Inc()
		}
	}
	if !failed {
		w.notifier.Emit(SyncCompletedEventType, nil)
	}
	w.logger.Info("sync pass finished", "durationMs", elapsed.Milliseconds(), "failed", failed)
}
