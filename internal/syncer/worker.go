package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/nexusti/possync/internal/remote"
	"github.com/nexusti/possync/internal/schema"
)

// Store is the subset of the local store used by the worker.
type Store interface {
	GetPendingSale(ctx context.Context, id int64) (*schema.PendingSale, error)
	ListUnsynced(ctx context.Context) ([]*schema.PendingSale, error)
	MarkSynced(ctx context.Context, id int64, remoteID string, at time.Time) error
	MarkSaleSynced(ctx context.Context, number string) error
	RecordSyncFailure(ctx context.Context, id int64, msg string, at time.Time) error
	ResetRetries(ctx context.Context, id int64) error
}

// PayloadBuilder converts an outbox row into the remote payload.
type PayloadBuilder func(p *schema.PendingSale, syncedAt time.Time) (remote.SalePayload, error)

// Option customizes a worker.
type Option func(*worker)

// WithPayloadBuilder replaces remote.BuildSalePayload.
func WithPayloadBuilder(b PayloadBuilder) Option {
	return func(w *worker) { w.build = b }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(w *worker) { w.now = now }
}

// worker implements the Worker interface.
type worker struct {
	store  Store
	remote remote.SaleCreator
	cfg    Config
	logger *zap.Logger
	build  PayloadBuilder
	now    func() time.Time

	sweeping atomic.Bool

	mu       sync.Mutex
	inFlight map[int64]struct{}

	synced, failed, skipped, sweeps atomic.Int64
	lastSweep                       atomic.Int64
}

// New creates a Worker.
//
// Zero config values fall back to DefaultConfig. If logger is nil, output is
// discarded.
//
// Example:
//
//	client := remote.NewHTTPClient(remote.HTTPConfig{BaseURL: url})
//	w := syncer.New(db, client, syncer.DefaultConfig(), logger)
//	n, err := w.SyncAll(ctx)
func New(st Store, creator remote.SaleCreator, cfg Config, logger *zap.Logger, opts ...Option) Worker {
	def := DefaultConfig()
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	w := &worker{
		store:    st,
		remote:   creator,
		cfg:      cfg,
		logger:   logger,
		build:    remote.BuildSalePayload,
		now:      time.Now,
		inFlight: make(map[int64]struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// SyncOne implements Worker.SyncOne.
func (w *worker) SyncOne(ctx context.Context, id int64) (string, error) {
	if !w.acquire(id) {
		return "", ErrRowBusy
	}
	defer w.release(id)

	row, err := w.store.GetPendingSale(ctx, id)
	if err != nil {
		return "", fmt.Errorf("failed to load pending sale %d: %w", id, err)
	}
	remoteID, _, err := w.push(ctx, row)
	return remoteID, err
}

// push sends one row and reports whether the remote was actually called
// successfully. The caller holds the row's in-flight slot. A push cut short
// by the caller's cancellation is not an attempt and leaves the row as is.
func (w *worker) push(ctx context.Context, row *schema.PendingSale) (string, bool, error) {
	if row.Synced {
		return row.RemoteID, false, nil
	}

	// Bookkeeping must survive the per-row deadline and caller cancellation.
	bookCtx := context.WithoutCancel(ctx)
	now := w.now()

	payload, err := w.build(row, now)
	if err != nil {
		return "", false, w.fail(bookCtx, row, err.Error(), err)
	}

	pushCtx, cancel := context.WithTimeout(ctx, w.cfg.Timeout)
	remoteID, err := w.remote.CreateRemoteSale(pushCtx, payload)
	timedOut := errors.Is(pushCtx.Err(), context.DeadlineExceeded)
	cancel()

	if err != nil {
		if cerr := ctx.Err(); errors.Is(cerr, context.Canceled) {
			w.logger.Debug("sale push interrupted",
				zap.Int64("pending_id", row.ID),
				zap.String("sale_number", row.SaleNumber))
			return "", false, cerr
		}
		if timedOut || errors.Is(err, context.DeadlineExceeded) {
			return "", false, w.fail(bookCtx, row, ErrTimeout.Error(), ErrTimeout)
		}
		return "", false, w.fail(bookCtx, row, err.Error(), err)
	}
	if err := w.store.MarkSynced(bookCtx, row.ID, remoteID, w.now()); err != nil {
		return "", false, fmt.Errorf("failed to mark pending sale %d synced: %w", row.ID, err)
	}
	if err := w.store.MarkSaleSynced(bookCtx, row.SaleNumber); err != nil {
		w.logger.Warn("failed to flag local sale as synced",
			zap.String("sale_number", row.SaleNumber),
			zap.Error(err))
	}

	w.synced.Add(1)
	w.logger.Info("sale synced",
		zap.Int64("pending_id", row.ID),
		zap.String("sale_number", row.SaleNumber),
		zap.String("remote_id", remoteID))
	return remoteID, true, nil
}

// pushFresh reloads the row before pushing so a row synced since the sweep
// listed it short-circuits.
func (w *worker) pushFresh(ctx context.Context, id int64) (bool, error) {
	row, err := w.store.GetPendingSale(ctx, id)
	if err != nil {
		return false, fmt.Errorf("failed to load pending sale %d: %w", id, err)
	}
	if !row.Synced && row.RetryCount >= w.cfg.MaxRetries {
		return false, fmt.Errorf("pending sale %d reached the retry ceiling", id)
	}
	_, pushed, err := w.push(ctx, row)
	return pushed, err
}

// fail records a failed attempt on the row and returns the sync error.
func (w *worker) fail(ctx context.Context, row *schema.PendingSale, msg string, cause error) error {
	w.failed.Add(1)
	if err := w.store.RecordSyncFailure(ctx, row.ID, msg, w.now()); err != nil {
		w.logger.Error("failed to record sync failure",
			zap.Int64("pending_id", row.ID),
			zap.Error(err))
	}
	return &RemoteSyncError{PendingID: row.ID, Msg: msg, Err: cause}
}

// SyncAll implements Worker.SyncAll.
func (w *worker) SyncAll(ctx context.Context) (int, error) {
	if !w.sweeping.CompareAndSwap(false, true) {
		return 0, ErrSweepInProgress
	}
	defer w.sweeping.Store(false)

	w.sweeps.Add(1)
	w.lastSweep.Store(w.now().UnixNano())

	rows, err := w.store.ListUnsynced(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list unsynced sales: %w", err)
	}

	var synced, failed, skipped int
	for _, row := range rows {
		if err := ctx.Err(); err != nil {
			return synced, err
		}
		if row.RetryCount >= w.cfg.MaxRetries {
			skipped++
			w.skipped.Add(1)
			continue
		}
		if !w.acquire(row.ID) {
			skipped++
			continue
		}
		pushed, err := w.pushFresh(ctx, row.ID)
		w.release(row.ID)
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			return synced, err
		}
		if err != nil {
			w.logger.Warn("failed to sync sale",
				zap.Int64("pending_id", row.ID),
				zap.String("sale_number", row.SaleNumber),
				zap.Int("retry_count", row.RetryCount+1),
				zap.Error(err))
			failed++
			continue
		}
		if pushed {
			synced++
		} else {
			skipped++
		}
	}

	w.logger.Info("sync sweep complete",
		zap.Int("synced", synced),
		zap.Int("failed", failed),
		zap.Int("skipped", skipped))
	return synced, nil
}

// Retry implements Worker.Retry.
func (w *worker) Retry(ctx context.Context, id int64) (string, error) {
	if err := w.store.ResetRetries(ctx, id); err != nil {
		return "", fmt.Errorf("failed to reset retries of pending sale %d: %w", id, err)
	}
	return w.SyncOne(ctx, id)
}

// Stats implements Worker.Stats.
func (w *worker) Stats() Stats {
	s := Stats{
		Synced:  w.synced.Load(),
		Failed:  w.failed.Load(),
		Skipped: w.skipped.Load(),
		Sweeps:  w.sweeps.Load(),
	}
	if ns := w.lastSweep.Load(); ns != 0 {
		s.LastSweep = time.Unix(0, ns)
	}
	return s
}

func (w *worker) acquire(id int64) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, busy := w.inFlight[id]; busy {
		return false
	}
	w.inFlight[id] = struct{}{}
	return true
}

func (w *worker) release(id int64) {
	w.mu.Lock()
	delete(w.inFlight, id)
	w.mu.Unlock()
}
