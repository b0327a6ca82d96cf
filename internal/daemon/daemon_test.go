package daemon

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/nexusti/possync/internal/checkout"
	"github.com/nexusti/possync/internal/connectivity"
	"github.com/nexusti/possync/internal/documents"
	"github.com/nexusti/possync/internal/orchestrator"
	"github.com/nexusti/possync/internal/syncer"
)

type fakeSyncer struct {
	mu           sync.Mutex
	startupCalls int
	manualCalls  int
	panicOnce    bool
	err          error
}

func (f *fakeSyncer) RunStartupSync(ctx context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.startupCalls++
}

func (f *fakeSyncer) RunManualSync(ctx context.Context) (int, error) {
	f.mu.Lock()
	f.manualCalls++
	shouldPanic := f.panicOnce
	f.panicOnce = false
	err := f.err
	f.mu.Unlock()
	if shouldPanic {
		panic("sweep exploded")
	}
	return 0, err
}

func (f *fakeSyncer) counts() (startup, manual int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.startupCalls, f.manualCalls
}

type fakeUploader struct {
	mu    sync.Mutex
	calls int
}

func (f *fakeUploader) UploadPending(ctx context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return 1, nil
}

func (f *fakeUploader) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeCleaner struct {
	completed int
	old       int
	cutoff    time.Time
}

func (f *fakeCleaner) PurgeCompleted(ctx context.Context) (int, error) { return f.completed, nil }
func (f *fakeCleaner) PurgeSyncedBefore(ctx context.Context, cutoff time.Time) (int, error) {
	f.cutoff = cutoff
	return f.old, nil
}

func runDaemon(t *testing.T, d *Daemon) (cancel func()) {
	t.Helper()
	ctx, stop := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Start(ctx) }()
	return func() {
		stop()
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("daemon did not stop")
		}
	}
}

func TestNew_RequiresSyncer(t *testing.T) {
	_, err := New(nil, nil, nil, DefaultConfig(), nil)
	require.Error(t, err)
}

func TestDaemon_StartupThenPeriodicSweeps(t *testing.T) {
	s := &fakeSyncer{}
	d, err := New(s, nil, nil, Config{SweepInterval: 10 * time.Millisecond}, zaptest.NewLogger(t))
	require.NoError(t, err)

	stop := runDaemon(t, d)
	require.Eventually(t, func() bool {
		_, manual := s.counts()
		return manual >= 2
	}, 2*time.Second, 5*time.Millisecond)
	stop()

	startup, _ := s.counts()
	assert.Equal(t, 1, startup)
}

func TestDaemon_SweepPanicDoesNotStopLoop(t *testing.T) {
	s := &fakeSyncer{panicOnce: true}
	d, err := New(s, nil, nil, Config{SweepInterval: 10 * time.Millisecond}, zaptest.NewLogger(t))
	require.NoError(t, err)

	stop := runDaemon(t, d)
	defer stop()
	require.Eventually(t, func() bool {
		_, manual := s.counts()
		return manual >= 3
	}, 2*time.Second, 5*time.Millisecond)
}

func TestDaemon_OfflineSweepIsQuiet(t *testing.T) {
	s := &fakeSyncer{err: orchestrator.ErrConnectivityUnavailable}
	d, err := New(s, nil, nil, DefaultConfig(), zaptest.NewLogger(t))
	require.NoError(t, err)

	d.Sweep(context.Background())
	_, manual := s.counts()
	assert.Equal(t, 1, manual)
}

func TestDaemon_StopWithoutContextCancel(t *testing.T) {
	s := &fakeSyncer{}
	d, err := New(s, nil, nil, DefaultConfig(), zaptest.NewLogger(t))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- d.Start(context.Background()) }()
	require.Eventually(t, func() bool {
		startup, _ := s.counts()
		return startup == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, d.Stop())
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Start did not return after Stop")
	}
}

func TestDaemon_SpoolDocumentTriggersUpload(t *testing.T) {
	spool := t.TempDir()
	up := &fakeUploader{}
	d, err := New(&fakeSyncer{}, up, nil, Config{
		SpoolDir:         spool,
		SweepInterval:    time.Hour,
		DebounceInterval: 20 * time.Millisecond,
	}, zaptest.NewLogger(t))
	require.NoError(t, err)

	stop := runDaemon(t, d)
	defer stop()

	require.Eventually(t, d.watcher.IsRunning, time.Second, 5*time.Millisecond)
	require.NoError(t, os.WriteFile(filepath.Join(spool, "ticket_V-2026-001.pdf"), []byte("%PDF-"), 0644))

	require.Eventually(t, func() bool { return up.count() >= 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestDaemon_Cleanup(t *testing.T) {
	fixed := time.Date(2026, 3, 31, 12, 0, 0, 0, time.UTC)
	c := &fakeCleaner{completed: 2, old: 3}
	d, err := New(&fakeSyncer{}, nil, c, Config{Retention: 24 * time.Hour}, zaptest.NewLogger(t))
	require.NoError(t, err)
	d.now = func() time.Time { return fixed }

	n, err := d.Cleanup(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, fixed.Add(-24*time.Hour), c.cutoff)
}

func TestDaemon_CleanupWithoutRetention(t *testing.T) {
	c := &fakeCleaner{completed: 2, old: 3}
	d, err := New(&fakeSyncer{}, nil, c, Config{}, zaptest.NewLogger(t))
	require.NoError(t, err)

	n, err := d.Cleanup(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.True(t, c.cutoff.IsZero())
}

func TestSpoolWatcher_ConvertEvent(t *testing.T) {
	dir := t.TempDir()
	w, err := NewSpoolWatcher("")
	require.NoError(t, err)
	defer w.Stop()
	w.dir = dir

	tests := []struct {
		name   string
		event  fsnotify.Event
		wantOK bool
		wantOp EventOp
	}{
		{"create pdf", fsnotify.Event{Name: filepath.Join(dir, "ticket_1.pdf"), Op: fsnotify.Create}, true, OpCreate},
		{"write pdf", fsnotify.Event{Name: filepath.Join(dir, "ticket_1.pdf"), Op: fsnotify.Write}, true, OpModify},
		{"rename pdf", fsnotify.Event{Name: filepath.Join(dir, "ticket_1.pdf"), Op: fsnotify.Rename}, true, OpDelete},
		{"temp file", fsnotify.Event{Name: filepath.Join(dir, ".render-123"), Op: fsnotify.Create}, false, 0},
		{"other ext", fsnotify.Event{Name: filepath.Join(dir, "notes.txt"), Op: fsnotify.Create}, false, 0},
		{"chmod", fsnotify.Event{Name: filepath.Join(dir, "ticket_1.pdf"), Op: fsnotify.Chmod}, false, 0},
		{"other dir", fsnotify.Event{Name: filepath.Join(dir, "sub", "ticket_1.pdf"), Op: fsnotify.Create}, false, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, ok := w.convertEvent(tt.event)
			assert.Equal(t, tt.wantOK, ok)
			if ok {
				assert.Equal(t, tt.wantOp, ev.Op)
			}
		})
	}
}

type fakeRenderer struct {
	pendingID int64
	number    string
	err       error
}

func (f *fakeRenderer) RenderForSale(ctx context.Context, pendingID int64, rc documents.Receipt) (string, error) {
	f.pendingID = pendingID
	f.number = rc.SaleNumber
	return "ticket.pdf", f.err
}

type fakeWorker struct {
	mu  sync.Mutex
	ids []int64
	err error
}

func (f *fakeWorker) SyncOne(ctx context.Context, id int64) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ids = append(f.ids, id)
	return "remote-1", f.err
}
func (f *fakeWorker) SyncAll(ctx context.Context) (int, error)            { return 0, nil }
func (f *fakeWorker) Retry(ctx context.Context, id int64) (string, error) { return "", nil }
func (f *fakeWorker) Stats() syncer.Stats                                 { return syncer.Stats{} }

func TestPostCheckout_RendersAndPushes(t *testing.T) {
	r := &fakeRenderer{}
	w := &fakeWorker{}
	h := NewPostCheckout(r, w, nil, true, zaptest.NewLogger(t))

	h.Hook(context.Background(), &checkout.Result{PendingID: 7, SaleNumber: "V-2026-001"})
	h.Wait()

	assert.Equal(t, int64(7), r.pendingID)
	assert.Equal(t, "V-2026-001", r.number)
	assert.Equal(t, []int64{7}, w.ids)
}

func TestPostCheckout_FailuresAreSwallowed(t *testing.T) {
	r := &fakeRenderer{err: errors.New("disk full")}
	w := &fakeWorker{err: syncer.ErrTimeout}
	h := NewPostCheckout(r, w, nil, true, zaptest.NewLogger(t))

	h.Hook(context.Background(), &checkout.Result{PendingID: 3, SaleNumber: "V-2026-002"})
	h.Wait()
	assert.Equal(t, []int64{3}, w.ids)
}

func TestPostCheckout_OfflineSkipsPush(t *testing.T) {
	r := &fakeRenderer{}
	w := &fakeWorker{}
	h := NewPostCheckout(r, w, connectivity.Static(false), true, zaptest.NewLogger(t))

	h.Hook(context.Background(), &checkout.Result{PendingID: 5, SaleNumber: "V-2026-005"})
	h.Wait()
	assert.Equal(t, int64(5), r.pendingID)
	assert.Empty(t, w.ids)
}

func TestPostCheckout_NotEager(t *testing.T) {
	w := &fakeWorker{}
	h := NewPostCheckout(nil, w, nil, false, zaptest.NewLogger(t))

	h.Hook(context.Background(), &checkout.Result{PendingID: 1})
	h.Wait()
	assert.Empty(t, w.ids)
}
