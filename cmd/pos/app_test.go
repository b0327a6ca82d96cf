package main

import (
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/nexusti/possync/internal/checkout"
	"github.com/nexusti/possync/internal/config"
	"github.com/nexusti/possync/internal/remote/server"
	"github.com/nexusti/possync/internal/schema"
)

// setupApp points the global config at a temp data dir and a reference
// remote API.
func setupApp(t *testing.T, eager bool) (*app, *server.MemoryBackend) {
	t.Helper()

	backend := server.NewMemoryBackend()
	blobs := t.TempDir()
	ts := httptest.NewServer(server.New(server.Config{BlobDir: blobs, NotifyOnUpload: true}, backend, zaptest.NewLogger(t)).Handler())
	t.Cleanup(ts.Close)

	c := config.Default()
	dir := t.TempDir()
	c.DataDir = dir
	c.DBPath = filepath.Join(dir, "pos.db")
	c.SpoolDir = filepath.Join(dir, "receipts")
	c.Remote.BaseURL = ts.URL
	c.Checkout.EagerSync = eager
	cfg = &c
	logger = zaptest.NewLogger(t)

	a, err := openApp()
	require.NoError(t, err)
	t.Cleanup(a.close)

	require.NoError(t, a.db.UpsertProductContext(context.Background(), &schema.Product{
		Code: "A1", Name: "Apple", Price: decimal.RequireFromString("2.50"), Stock: 10, MinStock: 2, Active: true,
	}))
	return a, backend
}

func TestParseCart(t *testing.T) {
	a, _ := setupApp(t, false)
	ctx := context.Background()

	lines, err := parseCart(ctx, a.db, []string{"A1:3", "A1"})
	require.NoError(t, err)
	require.Len(t, lines, 2)
	assert.Equal(t, 3, lines[0].Quantity)
	assert.Equal(t, 1, lines[1].Quantity)
	assert.True(t, lines[0].UnitPrice.Equal(decimal.RequireFromString("2.5")))

	_, err = parseCart(ctx, a.db, []string{"ZZ"})
	assert.ErrorContains(t, err, "unknown product")

	_, err = parseCart(ctx, a.db, []string{"A1:0"})
	assert.ErrorContains(t, err, "invalid quantity")
}

func TestCheckoutThenManualSync(t *testing.T) {
	a, backend := setupApp(t, false)
	ctx := context.Background()

	lines, err := parseCart(ctx, a.db, []string{"A1:2"})
	require.NoError(t, err)
	res, err := a.checkout.Checkout(ctx, lines, checkout.Params{
		PaymentMethod: "CASH",
		TaxPercent:    taxPercent(),
		Customer:      checkout.CustomerInfo{Name: "Ana", Document: "123", Email: "ana@example.com"},
	})
	require.NoError(t, err)

	row, err := a.db.GetPendingSale(ctx, res.PendingID)
	require.NoError(t, err)
	require.NotEmpty(t, row.DocumentPath, "receipt is rendered at checkout")
	_, err = os.Stat(row.DocumentPath)
	require.NoError(t, err)

	synced, err := a.orch.RunManualSync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, synced)
	assert.Equal(t, 1, backend.SalesWithNumber(res.SaleNumber))

	row, err = a.db.GetPendingSale(ctx, res.PendingID)
	require.NoError(t, err)
	assert.True(t, row.Synced)
	assert.True(t, row.DocumentUploaded)
	assert.NotEmpty(t, row.DocumentURL)
	assert.True(t, row.NotificationSent)

	// A second pass pushes nothing.
	synced, err = a.orch.RunManualSync(ctx)
	require.NoError(t, err)
	assert.Zero(t, synced)
	assert.Equal(t, 1, backend.SalesWithNumber(res.SaleNumber))
}

func TestCheckout_EagerSync(t *testing.T) {
	a, backend := setupApp(t, true)
	ctx := context.Background()

	lines, err := parseCart(ctx, a.db, []string{"A1"})
	require.NoError(t, err)
	res, err := a.checkout.Checkout(ctx, lines, checkout.Params{PaymentMethod: "CARD", TaxPercent: taxPercent()})
	require.NoError(t, err)

	a.post.Wait()
	assert.Equal(t, 1, backend.SalesWithNumber(res.SaleNumber))
	n, err := a.db.CountUnsynced(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}
