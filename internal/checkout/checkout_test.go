package checkout

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/nexusti/possync/internal/schema"
	"github.com/nexusti/possync/internal/store"
)

var fixedNow = time.Date(2026, 5, 10, 15, 30, 0, 0, time.UTC)

func newTestStore(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "pos.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.InitSchema())
	return db
}

func addProduct(t *testing.T, db *store.DB, code string, price string, stock int) *schema.Product {
	t.Helper()
	p := &schema.Product{Code: code, Name: "Product " + code, Price: decimal.RequireFromString(price), Stock: stock, MinStock: 1, Active: true}
	require.NoError(t, db.UpsertProductContext(context.Background(), p))
	return p
}

func cartLine(p *schema.Product, qty int) schema.CartLine {
	return schema.CartLine{ProductID: p.ID, Code: p.Code, Name: p.Name, Quantity: qty, UnitPrice: p.Price}
}

func newProcessor(t *testing.T, st Store, opts Options) *Processor {
	t.Helper()
	opts.Now = func() time.Time { return fixedNow }
	return New(st, StaticSession(7), opts, zaptest.NewLogger(t))
}

func cashParams() Params {
	return Params{PaymentMethod: "cash", DiscountPercent: decimal.Zero, TaxPercent: decimal.NewFromInt(19)}
}

func TestComputeTotals(t *testing.T) {
	tests := []struct {
		name      string
		lines     []schema.CartLine
		discount  string
		tax       string
		wantTotal string
		wantSub   string
		wantTax   string
	}{
		{
			name:      "no discount",
			lines:     []schema.CartLine{{Quantity: 2, UnitPrice: decimal.RequireFromString("59.50")}},
			discount:  "0",
			tax:       "19",
			wantTotal: "119",
			wantSub:   "100",
			wantTax:   "19",
		},
		{
			name:      "discount before tax extraction",
			lines:     []schema.CartLine{{Quantity: 1, UnitPrice: decimal.RequireFromString("100")}},
			discount:  "10",
			tax:       "20",
			wantTotal: "90",
			wantSub:   "75",
			wantTax:   "15",
		},
		{
			name:      "zero tax",
			lines:     []schema.CartLine{{Quantity: 3, UnitPrice: decimal.RequireFromString("10")}},
			discount:  "50",
			tax:       "0",
			wantTotal: "15",
			wantSub:   "15",
			wantTax:   "0",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ComputeTotals(tt.lines, decimal.RequireFromString(tt.discount), decimal.RequireFromString(tt.tax))
			assert.True(t, got.Total.Equal(decimal.RequireFromString(tt.wantTotal)), "total %s", got.Total)
			assert.True(t, got.SubtotalWithoutTax.Equal(decimal.RequireFromString(tt.wantSub)), "subtotal %s", got.SubtotalWithoutTax)
			assert.True(t, got.TaxAmount.Equal(decimal.RequireFromString(tt.wantTax)), "tax %s", got.TaxAmount)
		})
	}
}

func TestComputeTotals_Rounding(t *testing.T) {
	lines := []schema.CartLine{{Quantity: 1, UnitPrice: decimal.RequireFromString("100")}}
	got := ComputeTotals(lines, decimal.NewFromInt(10), decimal.NewFromInt(19))

	// 90 / 1.19 = 75.6302...
	assert.Equal(t, "90.00", got.Total.StringFixed(2))
	assert.Equal(t, "75.63", got.SubtotalWithoutTax.StringFixed(2))
	assert.Equal(t, "14.37", got.TaxAmount.StringFixed(2))
	assert.True(t, got.SubtotalWithoutTax.Add(got.TaxAmount).Equal(got.Total))
}

func TestCheckout_PersistsSaleLinesAndStock(t *testing.T) {
	db := newTestStore(t)
	ctx := context.Background()
	a := addProduct(t, db, "A", "10.00", 10)
	b := addProduct(t, db, "B", "2.50", 5)

	p := newProcessor(t, db, DefaultOptions())
	res, err := p.Checkout(ctx, []schema.CartLine{cartLine(a, 3), cartLine(b, 2)}, cashParams())
	require.NoError(t, err)
	assert.Equal(t, "V-2026-001", res.SaleNumber)
	assert.NotZero(t, res.PendingID)

	n, err := db.CountSales(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	lines, err := db.GetSaleLines(ctx, res.SaleID)
	require.NoError(t, err)
	assert.Len(t, lines, 2)

	gotA, err := db.GetProductContext(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, 7, gotA.Stock)
	gotB, err := db.GetProductContext(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, gotB.Stock)

	sale, err := db.GetSale(ctx, res.SaleID)
	require.NoError(t, err)
	assert.Equal(t, int64(7), sale.UserID)
	assert.Equal(t, schema.PaymentCash, sale.PaymentMethod)
	assert.True(t, sale.Total.Equal(decimal.RequireFromString("35")))

	pending, err := db.GetPendingSale(ctx, res.PendingID)
	require.NoError(t, err)
	assert.Equal(t, "V-2026-001", pending.SaleNumber)
	snap, err := pending.Lines()
	require.NoError(t, err)
	require.Len(t, snap, 2)
	assert.Equal(t, "A", snap[0].Code)
}

func TestCheckout_SaleNumberIgnoresOtherYears(t *testing.T) {
	for _, mode := range []NumberingMode{NumberingCounter, NumberingCount} {
		t.Run(string(mode), func(t *testing.T) {
			db := newTestStore(t)
			ctx := context.Background()
			a := addProduct(t, db, "A", "1", 100)

			// Three sales last year and three this year.
			opts := DefaultOptions()
			opts.NumberingMode = mode
			for _, year := range []int{2025, 2026} {
				for i := 0; i < 3; i++ {
					y := year
					o := opts
					o.Now = func() time.Time { return time.Date(y, 1, 2, 0, 0, 0, 0, time.UTC) }
					p := New(db, StaticSession(1), o, zaptest.NewLogger(t))
					_, err := p.Checkout(ctx, []schema.CartLine{cartLine(a, 1)}, cashParams())
					require.NoError(t, err)
				}
			}

			p := newProcessor(t, db, opts)
			res, err := p.Checkout(ctx, []schema.CartLine{cartLine(a, 1)}, cashParams())
			require.NoError(t, err)
			assert.Equal(t, "V-2026-004", res.SaleNumber)
		})
	}
}

func TestCheckout_FirstSaleOfYear(t *testing.T) {
	db := newTestStore(t)
	a := addProduct(t, db, "A", "1", 10)

	p := newProcessor(t, db, DefaultOptions())
	res, err := p.Checkout(context.Background(), []schema.CartLine{cartLine(a, 1)}, cashParams())
	require.NoError(t, err)
	assert.Equal(t, "V-2026-001", res.SaleNumber)
}

func TestCheckout_Preconditions(t *testing.T) {
	db := newTestStore(t)
	ctx := context.Background()
	a := addProduct(t, db, "A", "1", 10)

	p := newProcessor(t, db, DefaultOptions())
	_, err := p.Checkout(ctx, nil, cashParams())
	assert.ErrorIs(t, err, ErrEmptyCart)

	_, err = p.Checkout(ctx, []schema.CartLine{cartLine(a, 0)}, cashParams())
	assert.ErrorIs(t, err, ErrInvalidLine)

	params := cashParams()
	params.PaymentMethod = "barter"
	_, err = p.Checkout(ctx, []schema.CartLine{cartLine(a, 1)}, params)
	assert.Error(t, err)

	anon := New(db, StaticSession(0), DefaultOptions(), zaptest.NewLogger(t))
	_, err = anon.Checkout(ctx, []schema.CartLine{cartLine(a, 1)}, cashParams())
	assert.ErrorIs(t, err, ErrUnauthenticated)

	percents := []struct {
		name     string
		discount string
		tax      string
	}{
		{"negative discount", "-5", "19"},
		{"discount over 100", "150", "19"},
		{"negative tax", "0", "-19"},
		{"tax cancelling price", "0", "-100"},
	}
	for _, tt := range percents {
		t.Run(tt.name, func(t *testing.T) {
			params := cashParams()
			params.DiscountPercent = decimal.RequireFromString(tt.discount)
			params.TaxPercent = decimal.RequireFromString(tt.tax)

			var err error
			require.NotPanics(t, func() {
				_, err = p.Checkout(ctx, []schema.CartLine{cartLine(a, 1)}, params)
			})
			assert.ErrorIs(t, err, ErrInvalidPercent)

			var perr *PersistenceError
			assert.False(t, errors.As(err, &perr))
		})
	}

	params = cashParams()
	params.DiscountPercent = decimal.NewFromInt(100)
	params.TaxPercent = decimal.Zero
	res, err := p.Checkout(ctx, []schema.CartLine{cartLine(a, 1)}, params)
	require.NoError(t, err)
	assert.True(t, res.Totals.Total.IsZero())

	n, err := db.CountSales(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestCheckout_StockPolicies(t *testing.T) {
	tests := []struct {
		policy    StockPolicy
		wantErr   error
		wantStock int
	}{
		{StockReject, ErrInsufficientStock, 2},
		{StockAllow, nil, -3},
		{StockClamp, nil, 0},
	}

	for _, tt := range tests {
		t.Run(string(tt.policy), func(t *testing.T) {
			db := newTestStore(t)
			ctx := context.Background()
			a := addProduct(t, db, "A", "1", 2)

			opts := DefaultOptions()
			opts.StockPolicy = tt.policy
			p := newProcessor(t, db, opts)
			_, err := p.Checkout(ctx, []schema.CartLine{cartLine(a, 4), cartLine(a, 1)}, cashParams())
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				n, cerr := db.CountSales(ctx)
				require.NoError(t, cerr)
				assert.Equal(t, 0, n)
			} else {
				require.NoError(t, err)
			}

			got, err := db.GetProductContext(ctx, a.ID)
			require.NoError(t, err)
			assert.Equal(t, tt.wantStock, got.Stock)
		})
	}
}

func TestCheckout_ResolvesCustomer(t *testing.T) {
	db := newTestStore(t)
	ctx := context.Background()
	a := addProduct(t, db, "A", "1", 10)
	p := newProcessor(t, db, DefaultOptions())

	params := cashParams()
	params.Customer = CustomerInfo{Name: "Ana", Document: "900", Email: "ana@example.com"}

	first, err := p.Checkout(ctx, []schema.CartLine{cartLine(a, 1)}, params)
	require.NoError(t, err)
	second, err := p.Checkout(ctx, []schema.CartLine{cartLine(a, 1)}, params)
	require.NoError(t, err)

	s1, err := db.GetSale(ctx, first.SaleID)
	require.NoError(t, err)
	s2, err := db.GetSale(ctx, second.SaleID)
	require.NoError(t, err)
	require.NotNil(t, s1.CustomerID)
	require.NotNil(t, s2.CustomerID)
	assert.Equal(t, *s1.CustomerID, *s2.CustomerID)

	pending, err := db.GetPendingSale(ctx, first.PendingID)
	require.NoError(t, err)
	assert.Equal(t, "ana@example.com", pending.CustomerEmail)

	// Name without document does not create a customer.
	params.Customer = CustomerInfo{Name: "Walk-in"}
	third, err := p.Checkout(ctx, []schema.CartLine{cartLine(a, 1)}, params)
	require.NoError(t, err)
	s3, err := db.GetSale(ctx, third.SaleID)
	require.NoError(t, err)
	assert.Nil(t, s3.CustomerID)
}

// failingOutbox makes the post-commit outbox insert fail.
type failingOutbox struct {
	*store.DB
}

func (f failingOutbox) InsertPendingSale(ctx context.Context, p *schema.PendingSale) error {
	return errors.New("disk full")
}

func TestCheckout_BestEffortOutboxFailureStillSucceeds(t *testing.T) {
	db := newTestStore(t)
	ctx := context.Background()
	a := addProduct(t, db, "A", "1", 10)

	opts := DefaultOptions()
	opts.OutboxMode = OutboxBestEffort
	called := false
	opts.AfterCommit = func(context.Context, *Result) { called = true }
	p := newProcessor(t, failingOutbox{db}, opts)

	res, err := p.Checkout(ctx, []schema.CartLine{cartLine(a, 1)}, cashParams())
	require.NoError(t, err)
	assert.Zero(t, res.PendingID)
	assert.False(t, called)

	// The sale exists but the outbox silently missed it.
	n, err := db.CountSales(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	pending, err := db.CountUnsynced(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, pending)
}

func TestCheckout_TransactionalOutboxIgnoresPostCommitPath(t *testing.T) {
	db := newTestStore(t)
	ctx := context.Background()
	a := addProduct(t, db, "A", "1", 10)

	var hooked *Result
	opts := DefaultOptions()
	opts.AfterCommit = func(_ context.Context, r *Result) { hooked = r }
	p := newProcessor(t, failingOutbox{db}, opts)

	res, err := p.Checkout(ctx, []schema.CartLine{cartLine(a, 1)}, cashParams())
	require.NoError(t, err)
	assert.NotZero(t, res.PendingID)
	require.NotNil(t, hooked)
	assert.Equal(t, res.SaleNumber, hooked.SaleNumber)

	pending, err := db.CountUnsynced(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, pending)
}

func TestPersistenceError_Unwraps(t *testing.T) {
	err := &PersistenceError{Op: "insert sale", Err: store.ErrNotFound}
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Contains(t, err.Error(), "insert sale")
}
