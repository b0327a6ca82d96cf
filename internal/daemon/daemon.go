// Package daemon runs the long-lived background side of a device.
//
// The daemon:
//  1. Runs the startup sync once
//  2. Sweeps the outbox and the document stage on a ticker
//  3. Watches the receipt spool and uploads new tickets after a short debounce
//  4. Purges completed outbox rows on a slower ticker
//  5. Shuts down when its context is cancelled
package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nexusti/possync/internal/documents"
	"github.com/nexusti/possync/internal/orchestrator"
	"github.com/nexusti/possync/internal/syncer"
)

// Syncer runs sync passes. Implemented by *orchestrator.Orchestrator.
type Syncer interface {
	RunStartupSync(ctx context.Context)
	RunManualSync(ctx context.Context) (int, error)
}

// Uploader pushes spooled documents. Implemented by *documents.Pipeline.
type Uploader interface {
	UploadPending(ctx context.Context) (int, error)
}

// Cleaner purges finished outbox rows. Implemented by *store.DB.
type Cleaner interface {
	PurgeCompleted(ctx context.Context) (int, error)
	PurgeSyncedBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// Config holds configuration for the daemon.
type Config struct {
	// SpoolDir is the receipt spool directory to watch. No watch when empty.
	SpoolDir string

	// SweepInterval is how often the outbox and documents are swept.
	SweepInterval time.Duration

	// CleanupInterval is how often completed rows are purged.
	CleanupInterval time.Duration

	// Retention is how long synced rows are kept regardless of their
	// document stage. Zero keeps them until fully completed.
	Retention time.Duration

	// DebounceInterval batches rapid spool changes into one upload pass.
	DebounceInterval time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		SweepInterval:    time.Minute,
		CleanupInterval:  time.Hour,
		Retention:        30 * 24 * time.Hour,
		DebounceInterval: 500 * time.Millisecond,
	}
}

// Daemon supervises the sync, document and cleanup loops.
type Daemon struct {
	syncer   Syncer
	uploader Uploader
	cleaner  Cleaner
	config   Config
	logger   *zap.Logger
	now      func() time.Time

	watcher       *SpoolWatcher
	changeQueue   map[string]time.Time
	changeQueueMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	stopOnce sync.Once
}

// New creates a Daemon. uploader and cleaner may be nil to disable the
// spool watch and the cleanup loop.
func New(s Syncer, uploader Uploader, cleaner Cleaner, config Config, logger *zap.Logger) (*Daemon, error) {
	if s == nil {
		return nil, fmt.Errorf("syncer cannot be nil")
	}
	def := DefaultConfig()
	if config.SweepInterval <= 0 {
		config.SweepInterval = def.SweepInterval
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = def.CleanupInterval
	}
	if config.DebounceInterval <= 0 {
		config.DebounceInterval = def.DebounceInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &Daemon{
		ctx:         ctx,
		cancel:      cancel,
		syncer:      s,
		uploader:    uploader,
		cleaner:     cleaner,
		config:      config,
		logger:      logger.Named("daemon"),
		now:         time.Now,
		changeQueue: make(map[string]time.Time),
	}

	if uploader != nil && config.SpoolDir != "" {
		w, err := NewSpoolWatcher(".pdf")
		if err != nil {
			cancel()
			return nil, err
		}
		d.watcher = w
	}
	return d, nil
}

// Start runs the daemon and blocks until ctx is cancelled or Stop is called.
func (d *Daemon) Start(ctx context.Context) error {
	unlink := context.AfterFunc(ctx, d.cancel)
	defer unlink()

	d.logger.Info("starting daemon",
		zap.Duration("sweep_interval", d.config.SweepInterval),
		zap.Duration("cleanup_interval", d.config.CleanupInterval))

	d.syncer.RunStartupSync(d.ctx)

	if d.watcher != nil {
		if err := os.MkdirAll(d.config.SpoolDir, 0755); err != nil {
			d.cancel()
			return fmt.Errorf("failed to create spool directory: %w", err)
		}
		if err := d.watcher.Start(d.config.SpoolDir); err != nil {
			d.cancel()
			return err
		}
		d.logger.Info("watching spool", zap.String("dir", d.config.SpoolDir))

		d.wg.Add(2)
		go d.watchSpoolEvents()
		go d.processChangeQueue()
	}

	d.wg.Add(1)
	go d.sweepLoop()

	if d.cleaner != nil {
		d.wg.Add(1)
		go d.cleanupLoop()
	}

	<-d.ctx.Done()
	d.logger.Info("shutdown signal received")
	return d.Stop()
}

// Stop cancels the loops and waits for them to exit. Safe to call more than
// once.
func (d *Daemon) Stop() error {
	d.stopOnce.Do(func() {
		d.logger.Info("stopping daemon")
		d.cancel()
		if d.watcher != nil {
			if cerr := d.watcher.Stop(); cerr != nil {
				d.logger.Warn("error closing watcher", zap.Error(cerr))
			}
		}
		d.wg.Wait()
		d.logger.Info("daemon stopped")
	})
	return nil
}

// Sweep runs one outbox and document pass now.
func (d *Daemon) Sweep(ctx context.Context) {
	synced, err := d.syncer.RunManualSync(ctx)
	switch {
	case errors.Is(err, orchestrator.ErrConnectivityUnavailable):
		d.logger.Debug("sweep skipped: offline")
	case errors.Is(err, syncer.ErrSweepInProgress):
		d.logger.Debug("sweep skipped: already running")
	case err != nil:
		d.logger.Warn("sweep failed", zap.Error(err))
	case synced > 0:
		d.logger.Info("sweep synced sales", zap.Int("synced", synced))
	}
}

// Cleanup purges completed rows, then synced rows older than Retention.
func (d *Daemon) Cleanup(ctx context.Context) (int, error) {
	if d.cleaner == nil {
		return 0, nil
	}
	total, err := d.cleaner.PurgeCompleted(ctx)
	if err != nil {
		return 0, err
	}
	if d.config.Retention > 0 {
		n, err := d.cleaner.PurgeSyncedBefore(ctx, d.now().Add(-d.config.Retention))
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

func (d *Daemon) sweepLoop() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.guard("sweep", func() { d.Sweep(d.ctx) })
		}
	}
}

func (d *Daemon) cleanupLoop() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.guard("cleanup", func() {
				n, err := d.Cleanup(d.ctx)
				if err != nil {
					d.logger.Warn("cleanup failed", zap.Error(err))
					return
				}
				if n > 0 {
					d.logger.Info("purged pending sales", zap.Int("count", n))
				}
			})
		}
	}
}

// watchSpoolEvents queues created or rewritten documents.
func (d *Daemon) watchSpoolEvents() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return

		case ev, ok := <-d.watcher.Events():
			if !ok {
				return
			}
			if ev.Op == OpDelete {
				continue
			}
			d.logger.Debug("spool event", zap.String("op", ev.Op.String()), zap.String("path", ev.Path))
			d.queueChange(ev.Path)

		case err, ok := <-d.watcher.Errors():
			if !ok {
				return
			}
			d.logger.Warn("watcher error", zap.Error(err))
		}
	}
}

func (d *Daemon) queueChange(path string) {
	d.changeQueueMu.Lock()
	defer d.changeQueueMu.Unlock()

	d.changeQueue[path] = d.now()
}

func (d *Daemon) processChangeQueue() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.DebounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			if d.takeSettled() > 0 {
				d.guard("upload", d.uploadSpool)
			}
		}
	}
}

// takeSettled drops queued paths that have been quiet for a full debounce
// interval and returns how many there were.
func (d *Daemon) takeSettled() int {
	d.changeQueueMu.Lock()
	defer d.changeQueueMu.Unlock()

	now := d.now()
	n := 0
	for path, queuedAt := range d.changeQueue {
		if now.Sub(queuedAt) < d.config.DebounceInterval {
			continue
		}
		delete(d.changeQueue, path)
		n++
	}
	return n
}

func (d *Daemon) uploadSpool() {
	n, err := d.uploader.UploadPending(d.ctx)
	switch {
	case errors.Is(err, documents.ErrSweepInProgress):
		d.logger.Debug("upload skipped: sweep running")
	case err != nil:
		d.logger.Warn("spool upload failed", zap.Error(err))
	case n > 0:
		d.logger.Info("uploaded spooled documents", zap.Int("count", n))
	}
}

// guard keeps a panic in one loop from taking down the others.
func (d *Daemon) guard(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("loop iteration panicked", zap.String("loop", name), zap.Any("panic", r))
		}
	}()
	fn()
}
