package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/nexusti/possync/internal/connectivity"
	"github.com/nexusti/possync/internal/syncer"
)

type fakeCounter struct {
	calls int
	n     int
	err   error
}

func (f *fakeCounter) CountUnsynced(ctx context.Context) (int, error) {
	f.calls++
	return f.n, f.err
}

type fakeWorker struct {
	syncAllCalls int
	synced       int
	err          error
	panics       bool
}

func (f *fakeWorker) SyncOne(ctx context.Context, id int64) (string, error) { return "", nil }
func (f *fakeWorker) Retry(ctx context.Context, id int64) (string, error)   { return "", nil }
func (f *fakeWorker) Stats() syncer.Stats                                   { return syncer.Stats{} }
func (f *fakeWorker) SyncAll(ctx context.Context) (int, error) {
	f.syncAllCalls++
	if f.panics {
		panic("boom")
	}
	return f.synced, f.err
}

type fakeDocs struct {
	order    []string
	uploaded int
	err      error
}

func (f *fakeDocs) RenderMissing(ctx context.Context) (int, error) {
	f.order = append(f.order, "render")
	return 0, nil
}

func (f *fakeDocs) UploadPending(ctx context.Context) (int, error) {
	f.order = append(f.order, "upload")
	return f.uploaded, f.err
}

func (f *fakeDocs) ReconcileNotifications(ctx context.Context) (int, error) {
	f.order = append(f.order, "reconcile")
	return 0, nil
}

type recordingSink struct {
	mu     sync.Mutex
	events []Event
}

func (r *recordingSink) Publish(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recordingSink) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, ev := range r.events {
		out = append(out, ev.Type)
	}
	return out
}

func TestRunStartupSync_OfflineTouchesNothing(t *testing.T) {
	counter := &fakeCounter{n: 5}
	worker := &fakeWorker{}
	docs := &fakeDocs{}
	o := New(connectivity.Static(false), counter, worker, docs, nil, zaptest.NewLogger(t))

	o.RunStartupSync(context.Background())

	assert.Zero(t, counter.calls)
	assert.Zero(t, worker.syncAllCalls)
	assert.Empty(t, docs.order)
}

func TestRunStartupSync_NothingPendingSkipsSales(t *testing.T) {
	counter := &fakeCounter{n: 0}
	worker := &fakeWorker{}
	docs := &fakeDocs{}
	o := New(connectivity.Static(true), counter, worker, docs, nil, zaptest.NewLogger(t))

	o.RunStartupSync(context.Background())

	assert.Equal(t, 1, counter.calls)
	assert.Zero(t, worker.syncAllCalls)
	assert.Empty(t, docs.order)
}

func TestRunStartupSync_SequencesStagesAndSwallowsErrors(t *testing.T) {
	counter := &fakeCounter{n: 3}
	worker := &fakeWorker{err: errors.New("remote down")}
	docs := &fakeDocs{err: errors.New("upload failed")}
	sink := &recordingSink{}
	o := New(connectivity.Static(true), counter, worker, docs, sink, zaptest.NewLogger(t))

	o.RunStartupSync(context.Background())

	assert.Equal(t, 1, worker.syncAllCalls)
	assert.Equal(t, []string{"render", "upload", "reconcile"}, docs.order)
	assert.Equal(t, []string{EventPendingCount, EventSyncStarted, EventSyncComplete}, sink.types())
}

func TestRunStartupSync_RecoversPanic(t *testing.T) {
	o := New(connectivity.Static(true), &fakeCounter{n: 1}, &fakeWorker{panics: true}, nil, nil, zaptest.NewLogger(t))
	assert.NotPanics(t, func() { o.RunStartupSync(context.Background()) })
}

func TestStartupAsync(t *testing.T) {
	worker := &fakeWorker{synced: 1}
	o := New(connectivity.Static(true), &fakeCounter{n: 1}, worker, nil, nil, zaptest.NewLogger(t))
	<-o.StartupAsync(context.Background())
	assert.Equal(t, 1, worker.syncAllCalls)
}

func TestRunManualSync(t *testing.T) {
	t.Run("offline", func(t *testing.T) {
		worker := &fakeWorker{}
		o := New(connectivity.Static(false), &fakeCounter{}, worker, nil, nil, zaptest.NewLogger(t))
		_, err := o.RunManualSync(context.Background())
		assert.ErrorIs(t, err, ErrConnectivityUnavailable)
		assert.Zero(t, worker.syncAllCalls)
	})

	t.Run("online", func(t *testing.T) {
		worker := &fakeWorker{synced: 2}
		docs := &fakeDocs{uploaded: 2}
		sink := &recordingSink{}
		o := New(connectivity.Static(true), &fakeCounter{}, worker, docs, sink, zaptest.NewLogger(t))
		n, err := o.RunManualSync(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 2, n)
		assert.Equal(t, []string{"render", "upload", "reconcile"}, docs.order)
		assert.Contains(t, sink.types(), EventDocumentsUploaded)
	})

	t.Run("sweep busy", func(t *testing.T) {
		worker := &fakeWorker{err: syncer.ErrSweepInProgress}
		docs := &fakeDocs{}
		o := New(connectivity.Static(true), &fakeCounter{}, worker, docs, nil, zaptest.NewLogger(t))
		_, err := o.RunManualSync(context.Background())
		assert.ErrorIs(t, err, syncer.ErrSweepInProgress)
		assert.Empty(t, docs.order)
	})
}
