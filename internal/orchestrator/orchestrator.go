// Package orchestrator sequences the background sync stages: sales first,
// then receipt documents, then notification reconciliation.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/nexusti/possync/internal/connectivity"
	"github.com/nexusti/possync/internal/syncer"
)

// ErrConnectivityUnavailable is returned by RunManualSync when offline.
var ErrConnectivityUnavailable = errors.New("network unavailable")

// Counter reports how many outbox rows are still unsynced.
type Counter interface {
	CountUnsynced(ctx context.Context) (int, error)
}

// DocumentSweeper is the document stage.
type DocumentSweeper interface {
	RenderMissing(ctx context.Context) (int, error)
	UploadPending(ctx context.Context) (int, error)
	ReconcileNotifications(ctx context.Context) (int, error)
}

// Event types published to an EventSink.
const (
	EventSyncStarted       = "sync_started"
	EventSyncComplete      = "sync_complete"
	EventPendingCount      = "pending_count"
	EventDocumentsUploaded = "document_uploaded"
)

// Event describes progress of a sync pass.
type Event struct {
	Type      string    `json:"type"`
	Trigger   string    `json:"trigger,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Pending   int       `json:"pending,omitempty"`
	Synced    int       `json:"synced,omitempty"`
	Uploaded  int       `json:"uploaded,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// EventSink receives progress events. Publish must not block.
type EventSink interface {
	Publish(Event)
}

// Orchestrator runs sync passes on startup and on demand.
type Orchestrator struct {
	checker connectivity.Checker
	counter Counter
	worker  syncer.Worker
	docs    DocumentSweeper
	sink    EventSink
	logger  *zap.Logger
}

// New creates an Orchestrator. docs and sink may be nil.
func New(checker connectivity.Checker, counter Counter, worker syncer.Worker, docs DocumentSweeper, sink EventSink, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		checker: checker,
		counter: counter,
		worker:  worker,
		docs:    docs,
		sink:    sink,
		logger:  logger,
	}
}

// RunStartupSync runs one background pass. When the network is down it
// returns without touching the store or the remote, and with nothing unsynced
// it stops after the count. Every failure is logged and swallowed.
func (o *Orchestrator) RunStartupSync(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("startup sync panicked", zap.Any("panic", r))
		}
	}()

	if !o.checker.IsNetworkAvailable() {
		o.logger.Debug("startup sync skipped: offline")
		return
	}

	pending, err := o.counter.CountUnsynced(ctx)
	if err != nil {
		o.logger.Warn("failed to count unsynced sales", zap.Error(err))
		return
	}
	o.publish(Event{Type: EventPendingCount, Pending: pending})

	if pending == 0 {
		return
	}

	o.logger.Info("startup sync", zap.Int("pending", pending))
	if _, err := o.syncSales(ctx, "startup"); err != nil {
		o.logger.Warn("startup sale sync failed", zap.Error(err))
	}
	o.syncDocuments(ctx)
}

// StartupAsync runs RunStartupSync on its own goroutine. The returned
// channel is closed when it finishes.
func (o *Orchestrator) StartupAsync(ctx context.Context) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		o.RunStartupSync(ctx)
	}()
	return done
}

// RunManualSync runs a pass on user request and returns the number of sales
// synced. It fails with ErrConnectivityUnavailable when offline.
func (o *Orchestrator) RunManualSync(ctx context.Context) (int, error) {
	if !o.checker.IsNetworkAvailable() {
		return 0, ErrConnectivityUnavailable
	}

	synced, err := o.syncSales(ctx, "manual")
	if err != nil {
		return synced, err
	}
	o.syncDocuments(ctx)
	return synced, nil
}

func (o *Orchestrator) syncSales(ctx context.Context, trigger string) (int, error) {
	o.publish(Event{Type: EventSyncStarted, Trigger: trigger})

	synced, err := o.worker.SyncAll(ctx)
	ev := Event{Type: EventSyncComplete, Trigger: trigger, Synced: synced}
	if err != nil {
		ev.Error = err.Error()
	}
	if pending, cerr := o.counter.CountUnsynced(ctx); cerr == nil {
		ev.Pending = pending
	}
	o.publish(ev)

	if err != nil {
		return synced, fmt.Errorf("failed to sync sales: %w", err)
	}
	return synced, nil
}

// syncDocuments renders, uploads and reconciles documents, logging failures.
func (o *Orchestrator) syncDocuments(ctx context.Context) {
	if o.docs == nil {
		return
	}

	if n, err := o.docs.RenderMissing(ctx); err != nil {
		o.logger.Warn("failed to render missing receipts", zap.Error(err))
	} else if n > 0 {
		o.logger.Info("rendered missing receipts", zap.Int("count", n))
	}

	uploaded, err := o.docs.UploadPending(ctx)
	if err != nil {
		o.logger.Warn("document sweep failed", zap.Error(err))
	}
	if uploaded > 0 {
		o.publish(Event{Type: EventDocumentsUploaded, Uploaded: uploaded})
	}

	if _, err := o.docs.ReconcileNotifications(ctx); err != nil {
		o.logger.Warn("notification reconcile failed", zap.Error(err))
	}
}

func (o *Orchestrator) publish(ev Event) {
	if o.sink == nil {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	o.sink.Publish(ev)
}
