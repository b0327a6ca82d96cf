package documents

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/nexusti/possync/internal/checkout"
	"github.com/nexusti/possync/internal/remote"
	"github.com/nexusti/possync/internal/schema"
	"github.com/nexusti/possync/internal/store"
)

type fakeUploader struct {
	calls atomic.Int32
	err   error
	names []string
	metas []remote.Metadata
	// hang makes every call wait for its context.
	hang bool
}

func (f *fakeUploader) UploadDocument(ctx context.Context, data []byte, name string, meta remote.Metadata) (string, error) {
	f.calls.Add(1)
	if f.hang {
		<-ctx.Done()
		return "", ctx.Err()
	}
	if f.err != nil {
		return "", f.err
	}
	f.names = append(f.names, name)
	f.metas = append(f.metas, meta)
	return "https://blobs.example.com/" + name, nil
}

type fakeNotifier map[string]bool

func (f fakeNotifier) NotificationSent(ctx context.Context, ticket string) (bool, error) {
	return f[ticket], nil
}

var fakeRenderer = RendererFunc(func(r Receipt) ([]byte, error) {
	return []byte("%PDF " + r.SaleNumber), nil
})

func setupTestDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "pos.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.InitSchema())
	return db
}

func enqueue(t *testing.T, db *store.DB, number, email string) *schema.PendingSale {
	t.Helper()
	lines, err := schema.EncodeLines([]schema.LineSnapshot{{
		ProductID: 1, Code: "A", Name: "Café", Quantity: 2,
		UnitPrice: decimal.RequireFromString("2.50"), Subtotal: decimal.NewFromInt(5),
	}})
	require.NoError(t, err)
	p := &schema.PendingSale{
		CreatedAt:     time.Now(),
		Total:         decimal.NewFromInt(5),
		PaymentMethod: schema.PaymentCash,
		CustomerName:  "Ana",
		CustomerEmail: email,
		LinesJSON:     lines,
		SaleNumber:    number,
	}
	require.NoError(t, db.InsertPendingSale(context.Background(), p))
	return p
}

func newPipeline(t *testing.T, db *store.DB, up remote.DocumentUploader, n remote.NotificationChecker) *Pipeline {
	t.Helper()
	cfg := DefaultConfig()
	cfg.SpoolDir = filepath.Join(t.TempDir(), "spool")
	return New(db, up, n, fakeRenderer, cfg, zaptest.NewLogger(t))
}

func TestRenderForSale_WritesSpoolAndRecordsPath(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	row := enqueue(t, db, "V-2026-001", "")
	p := newPipeline(t, db, &fakeUploader{}, nil)

	path, err := p.RenderForSale(ctx, row.ID, Receipt{SaleNumber: row.SaleNumber})
	require.NoError(t, err)
	assert.Equal(t, "ticket_V-2026-001.pdf", filepath.Base(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "%PDF V-2026-001", string(data))

	got, err := db.GetPendingSale(ctx, row.ID)
	require.NoError(t, err)
	assert.Equal(t, path, got.DocumentPath)

	// No temp files are left behind.
	entries, err := os.ReadDir(p.SpoolDir())
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestUploadPending_MarksUploadedAndSecondSweepIsNoop(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	row := enqueue(t, db, "V-2026-001", "ana@example.com")
	up := &fakeUploader{}
	p := newPipeline(t, db, up, nil)

	path, err := p.RenderForSale(ctx, row.ID, Receipt{SaleNumber: row.SaleNumber})
	require.NoError(t, err)

	n, err := p.UploadPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := db.GetPendingSale(ctx, row.ID)
	require.NoError(t, err)
	assert.True(t, got.DocumentUploaded)
	assert.Equal(t, "https://blobs.example.com/ticket_V-2026-001.pdf", got.DocumentURL)
	assert.False(t, got.NotificationSent)

	require.Len(t, up.metas, 1)
	assert.Equal(t, "ana@example.com", up.metas[0].CustomerEmail)
	assert.Equal(t, "V-2026-001", up.metas[0].TicketNumber)
	assert.Equal(t, "5.00", up.metas[0].TotalAmount)

	_, err = os.Stat(path)
	assert.True(t, errors.Is(err, os.ErrNotExist))

	n, err = p.UploadPending(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, int32(1), up.calls.Load())
}

func TestUploadPending_FailureIsBounded(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	row := enqueue(t, db, "V-2026-001", "")
	up := &fakeUploader{err: errors.New("HTTP 503")}
	p := newPipeline(t, db, up, nil)

	path, err := p.RenderForSale(ctx, row.ID, Receipt{SaleNumber: row.SaleNumber})
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		n, err := p.UploadPending(ctx)
		require.NoError(t, err)
		assert.Zero(t, n)
	}
	assert.Equal(t, int32(3), up.calls.Load())

	got, err := db.GetPendingSale(ctx, row.ID)
	require.NoError(t, err)
	assert.False(t, got.DocumentUploaded)
	assert.Equal(t, 3, got.DocRetryCount)
	assert.Equal(t, "HTTP 503", got.DocLastError)

	// The local file is kept for a manual retry.
	_, err = os.Stat(path)
	assert.NoError(t, err)
}

func TestUploadPending_CancelledSweepKeepsRetryBudget(t *testing.T) {
	db := setupTestDB(t)
	row := enqueue(t, db, "V-2026-001", "")
	up := &fakeUploader{hang: true}
	p := newPipeline(t, db, up, nil)

	path, err := p.RenderForSale(context.Background(), row.ID, Receipt{SaleNumber: row.SaleNumber})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)
	_, err = p.UploadPending(ctx)
	assert.ErrorIs(t, err, context.Canceled)

	got, err := db.GetPendingSale(context.Background(), row.ID)
	require.NoError(t, err)
	assert.False(t, got.DocumentUploaded)
	assert.Zero(t, got.DocRetryCount)
	assert.Empty(t, got.DocLastError)
	assert.FileExists(t, path)
}

func TestUploadPending_MissingFile(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	row := enqueue(t, db, "V-2026-001", "")
	require.NoError(t, db.SetDocumentPath(ctx, row.ID, filepath.Join(t.TempDir(), "gone.pdf")))

	up := &fakeUploader{}
	p := newPipeline(t, db, up, nil)
	n, err := p.UploadPending(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Zero(t, up.calls.Load())

	got, err := db.GetPendingSale(ctx, row.ID)
	require.NoError(t, err)
	assert.Equal(t, "document file missing", got.DocLastError)
}

func TestRenderMissing(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	enqueue(t, db, "V-2026-001", "")
	enqueue(t, db, "V-2026-002", "")
	p := newPipeline(t, db, &fakeUploader{}, nil)

	n, err := p.RenderMissing(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = p.RenderMissing(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestReconcileNotifications_OnlyConfirmed(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	a := enqueue(t, db, "V-2026-001", "a@example.com")
	b := enqueue(t, db, "V-2026-002", "b@example.com")
	p := newPipeline(t, db, &fakeUploader{}, fakeNotifier{"V-2026-001": true})

	for _, row := range []*schema.PendingSale{a, b} {
		_, err := p.RenderForSale(ctx, row.ID, Receipt{SaleNumber: row.SaleNumber})
		require.NoError(t, err)
	}
	_, err := p.UploadPending(ctx)
	require.NoError(t, err)

	n, err := p.ReconcileNotifications(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	gotA, err := db.GetPendingSale(ctx, a.ID)
	require.NoError(t, err)
	assert.True(t, gotA.NotificationSent)
	gotB, err := db.GetPendingSale(ctx, b.ID)
	require.NoError(t, err)
	assert.False(t, gotB.NotificationSent)
}

func TestPDFRenderer(t *testing.T) {
	res := &checkout.Result{
		SaleNumber:    "V-2026-007",
		CreatedAt:     time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC),
		PaymentMethod: schema.PaymentCard,
		Customer:      checkout.CustomerInfo{Name: "José Pérez", Document: "900"},
		Lines: []schema.LineSnapshot{
			{Name: "Café molido", Quantity: 2, UnitPrice: decimal.RequireFromString("59.50"), Subtotal: decimal.NewFromInt(119)},
		},
		Totals: checkout.ComputeTotals(
			[]schema.CartLine{{Quantity: 2, UnitPrice: decimal.RequireFromString("59.50")}},
			decimal.Zero, decimal.NewFromInt(19)),
	}

	data, err := PDFRenderer{StoreName: "Tienda"}.Render(ReceiptFromResult(res))
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(data, []byte("%PDF-")))
}
