package catalog

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/nexusti/possync/internal/schema"
	"github.com/nexusti/possync/internal/store"
)

const sampleCatalog = `
[[product]]
code = "A1"
name = "Apple"
price = "1.50"
stock = 10

[[product]]
code = "B2"
name = "Bread"
price = "2"
stock = 0
min_stock = 2
active = false
`

func setupTestDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "pos.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.InitSchema())
	return db
}

func TestParseTOML(t *testing.T) {
	products, err := ParseTOML([]byte(sampleCatalog))
	require.NoError(t, err)
	require.Len(t, products, 2)

	assert.Equal(t, "A1", products[0].Code)
	assert.True(t, products[0].Price.Equal(decimal.RequireFromString("1.5")))
	assert.Equal(t, schema.DefaultMinStock, products[0].MinStock)
	assert.True(t, products[0].Active)

	assert.Equal(t, 2, products[1].MinStock)
	assert.False(t, products[1].Active)
}

func TestParseTOML_Errors(t *testing.T) {
	tests := map[string]string{
		"bad price":    "[[product]]\ncode = \"A\"\nname = \"A\"\nprice = \"abc\"\n",
		"missing code": "[[product]]\nname = \"A\"\nprice = \"1\"\n",
		"bad syntax":   "[[product]\n",
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ParseTOML([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestImportTOML(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "catalog.toml")
	require.NoError(t, os.WriteFile(path, []byte(sampleCatalog), 0644))

	n, err := ImportTOML(ctx, db, path)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	p, err := db.GetProductByCode(ctx, "A1")
	require.NoError(t, err)
	assert.Equal(t, 10, p.Stock)
}

type fakeSource struct {
	products []schema.Product
	err      error
}

func (f fakeSource) FetchCatalog(ctx context.Context) ([]schema.Product, error) {
	return f.products, f.err
}

func TestRefresh(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	require.NoError(t, db.UpsertProductContext(ctx, &schema.Product{Code: "OLD", Name: "Old", Price: decimal.NewFromInt(1), Active: true}))

	src := fakeSource{products: []schema.Product{
		{Code: "A1", Name: "Apple", Price: decimal.NewFromInt(2), Stock: 5, Active: true, RemoteID: "r-1"},
		{Code: "", Name: "Broken", Price: decimal.NewFromInt(1)},
	}}
	r := NewRefresher(db, src, zaptest.NewLogger(t))

	res, err := r.Refresh(ctx)
	require.NoError(t, err)
	assert.Equal(t, RefreshResult{Upserted: 1, Deactivated: 1}, res)

	p, err := db.GetProductByCode(ctx, "A1")
	require.NoError(t, err)
	assert.Equal(t, "r-1", p.RemoteID)
	assert.Equal(t, schema.DefaultMinStock, p.MinStock)
	assert.True(t, p.Synced)

	old, err := db.GetProductByCode(ctx, "OLD")
	require.NoError(t, err)
	assert.False(t, old.Active)
}

func TestRefresh_SourceError(t *testing.T) {
	db := setupTestDB(t)
	r := NewRefresher(db, fakeSource{err: errors.New("offline")}, zaptest.NewLogger(t))
	_, err := r.Refresh(context.Background())
	assert.Error(t, err)
}
