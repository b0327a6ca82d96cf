package export

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexusti/possync/internal/schema"
	"github.com/nexusti/possync/internal/store"
)

func newTestDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "pos.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.InitSchema())
	return db
}

func enqueue(t *testing.T, db *store.DB, number string) *schema.PendingSale {
	t.Helper()
	p := &schema.PendingSale{
		CreatedAt:     time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		Total:         decimal.RequireFromString("25.50"),
		PaymentMethod: schema.PaymentCard,
		CustomerName:  "Ana",
		LinesJSON:     `[{"product_id":1,"code":"A1","name":"Apple","quantity":2,"unit_price":"12.75","subtotal":"25.5"}]`,
		SaleNumber:    number,
	}
	require.NoError(t, db.InsertPendingSale(context.Background(), p))
	return p
}

func TestReadJSONL_RejectsInvalidRows(t *testing.T) {
	_, err := ReadJSONL(strings.NewReader(`{"sale_number":"V-2026-001"}` + "\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 1")

	_, err = ReadJSONL(strings.NewReader("not json\n"))
	require.Error(t, err)
}

func TestWriteReadJSONL(t *testing.T) {
	db := newTestDB(t)
	enqueue(t, db, "V-2026-001")
	enqueue(t, db, "V-2026-002")

	rows, err := db.ListAllPending(context.Background())
	require.NoError(t, err)

	var buf bytes.Buffer
	n, err := WriteJSONL(&buf, rows)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 2, strings.Count(buf.String(), "\n"))

	got, err := ReadJSONL(&buf)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "V-2026-001", got[0].SaleNumber)
	assert.True(t, got[0].Total.Equal(decimal.RequireFromString("25.5")))
}

func TestExportImportFile(t *testing.T) {
	ctx := context.Background()
	src := newTestDB(t)
	enqueue(t, src, "V-2026-001")
	synced := enqueue(t, src, "V-2026-002")
	failing := enqueue(t, src, "V-2026-003")
	require.NoError(t, src.MarkSynced(ctx, synced.ID, "r-2", time.Now()))
	require.NoError(t, src.RecordSyncFailure(ctx, failing.ID, "boom", time.Now()))

	path := filepath.Join(t.TempDir(), "out", "outbox.jsonl")
	n, err := ExportFile(ctx, src, path)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	dst := newTestDB(t)
	enqueue(t, dst, "V-2026-003")

	res, err := ImportFile(ctx, dst, path)
	require.NoError(t, err)
	assert.Equal(t, ImportResult{Imported: 1, SkippedSynced: 1, SkippedExisting: 1}, res)

	rows, err := dst.ListUnsynced(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	for _, r := range rows {
		assert.Zero(t, r.RetryCount)
		assert.Empty(t, r.DocumentPath)
	}

	// A second import adds nothing.
	res, err = ImportFile(ctx, dst, path)
	require.NoError(t, err)
	assert.Zero(t, res.Imported)
}
