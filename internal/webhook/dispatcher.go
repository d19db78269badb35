package webhook

import (
	"context"
	"errors"
	"log/slog"
	stdsync "sync"
	"time"

	"github.com/mirrorstack/mailmirror/internal/store"
	syncsvc "github.com/mirrorstack/mailmirror/internal/sync"
)

const (
	dispatchBatchSize   = 32
	dispatchIdleDelay   = 500 * time.Millisecond
	dispatchBackoffBase = 30 * time.Second
	dispatchBackoffMax  = 10 * time.Minute
	dispatchMaxAttempts = 5
)

// SyncRunner is the orchestrator surface the dispatcher drives.
type SyncRunner interface {
	SyncAccount(ctx context.Context, accountID string) (*syncsvc.AccountResult, error)
	SyncOne(ctx context.Context, accountID string, scope syncsvc.Scope) (*syncsvc.Result, error)
}

// Dispatcher drains the sync-trigger outbox into a bounded worker pool.
// Notification handling stays decoupled from the provider's delivery call:
// triggers are acknowledged at enqueue time and executed here with their
// own retry budget.
type Dispatcher struct {
	store   *store.Store
	runner  SyncRunner
	logger  *slog.Logger
	workers int
}

// NewDispatcher creates a trigger dispatcher with the given worker count.
func NewDispatcher(st *store.Store, runner SyncRunner, workers int, logger *slog.Logger) *Dispatcher {
	if workers < 1 {
		workers = 1
	}
	return &Dispatcher{
		store:   st,
		runner:  runner,
		logger:  logger.With("component", "dispatcher"),
		workers: workers,
	}
}

// Run polls for due triggers until ctx is cancelled. Blocks; callers run
// it in a goroutine.
func (d *Dispatcher) Run(ctx context.Context) {
	jobs := make(chan store.SyncTrigger)
	var wg stdsync.WaitGroup

	for i := 0; i < d.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for trigger := range jobs {
				d.execute(ctx, trigger)
			}
		}()
	}

	defer func() {
		close(jobs)
		wg.Wait()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		triggers, err := d.store.DequeueSyncTriggers(ctx, dispatchBatchSize)
		if err != nil {
			d.logger.Error("failed to dequeue triggers", "error", err)
			time.Sleep(time.Second)
			continue
		}
		if len(triggers) == 0 {
			time.Sleep(dispatchIdleDelay)
			continue
		}

		for _, trigger := range triggers {
			// Defer redelivery now so a crash mid-run cannot lose the
			// trigger; success rewrites it to done.
			_ = d.store.MarkTriggerRetry(ctx, trigger.ID, d.backoff(trigger.Attempts))
			select {
			case jobs <- trigger:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (d *Dispatcher) backoff(attempts int) time.Duration {
	wait := dispatchBackoffBase << attempts
	if wait > dispatchBackoffMax || wait <= 0 {
		wait = dispatchBackoffMax
	}
	return wait
}

func (d *Dispatcher) execute(ctx context.Context, trigger store.SyncTrigger) {
	var err error
	if trigger.Scope == ScopeAccount {
		_, err = d.runner.SyncAccount(ctx, trigger.AccountID)
	} else {
		var scope syncsvc.Scope
		scope, err = syncsvc.ParseScope(trigger.Scope)
		if err == nil {
			_, err = d.runner.SyncOne(ctx, trigger.AccountID, scope)
		}
	}

	switch {
	case err == nil:
		_ = d.store.MarkTriggerDone(ctx, trigger.ID)
	case errors.Is(err, store.ErrSyncInProgress):
		// Another caller is already syncing the scope; the retry row left
		// by Run picks this up again after its backoff.
		d.logger.Debug("trigger deferred, sync in progress",
			"account", trigger.AccountID, "scope", trigger.Scope)
	case trigger.Attempts+1 >= dispatchMaxAttempts:
		d.logger.Error("trigger dropped after repeated failures",
			"account", trigger.AccountID, "scope", trigger.Scope, "error", err)
		_ = d.store.MarkTriggerDone(ctx, trigger.ID)
	default:
		d.logger.Warn("trigger failed, will retry",
			"account", trigger.AccountID, "scope", trigger.Scope,
			"attempt", trigger.Attempts+1, "error", err)
	}
}
