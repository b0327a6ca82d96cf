// Package loadtest drives concurrent checkouts against one local store.
//
// It checks that sale numbers stay unique under contention and that stock
// and outbox counts agree with the number of completed sales, and it
// reports checkout latency.
package loadtest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/nexusti/possync/internal/checkout"
	"github.com/nexusti/possync/internal/schema"
	"github.com/nexusti/possync/internal/store"
)

// TestStore is a populated store for load testing.
type TestStore struct {
	DB           *store.DB
	Products     []*schema.Product
	InitialStock int
}

// LatencyStats captures checkout latency.
type LatencyStats struct {
	Min   time.Duration
	Max   time.Duration
	Mean  time.Duration
	P50   time.Duration
	P95   time.Duration
	P99   time.Duration
	Total int
}

// Report is the outcome of a run.
type Report struct {
	Completed int
	// Rejected checkouts ran out of stock under StockReject.
	Rejected int
	Errors   int
	Latency  *LatencyStats
}

// CreateTestStore opens dbPath and seeds numProducts products with stock
// units each.
func CreateTestStore(dbPath string, numProducts, stock int) (*TestStore, error) {
	database, err := store.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := database.InitSchema(); err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	ts := &TestStore{DB: database}
	ctx := context.Background()
	for i := 0; i < numProducts; i++ {
		p := &schema.Product{
			Code:     fmt.Sprintf("LT-%03d", i+1),
			Name:     fmt.Sprintf("Load product %d", i+1),
			Price:    decimal.NewFromInt(int64(1 + i%20)).Add(decimal.RequireFromString("0.99")),
			Stock:    stock,
			MinStock: schema.DefaultMinStock,
			Active:   true,
		}
		if err := database.UpsertProductContext(ctx, p); err != nil {
			_ = database.Close()
			return nil, fmt.Errorf("failed to insert product %s: %w", p.Code, err)
		}
		ts.Products = append(ts.Products, p)
		ts.InitialStock += stock
	}
	return ts, nil
}

// Close closes the test database.
func (ts *TestStore) Close() error {
	if ts.DB != nil {
		return ts.DB.Close()
	}
	return nil
}

// RunConcurrentCheckouts runs cashiers goroutines, each ringing up
// salesPerCashier single-unit sales of a random product.
func (ts *TestStore) RunConcurrentCheckouts(ctx context.Context, cashiers, salesPerCashier int, opts checkout.Options, logger *zap.Logger) (*Report, error) {
	if len(ts.Products) == 0 {
		return nil, fmt.Errorf("no products to sell")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	proc := checkout.New(ts.DB, checkout.StaticSession(1), opts, logger)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		durations []time.Duration
		report    Report
	)

	for i := 0; i < cashiers; i++ {
		wg.Add(1)
		go func(cashier int) {
			defer wg.Done()
			// #nosec G404 - product choice, not security sensitive
			rng := rand.New(rand.NewSource(int64(cashier) + 1))

			for j := 0; j < salesPerCashier; j++ {
				if ctx.Err() != nil {
					return
				}
				p := ts.Products[rng.Intn(len(ts.Products))]
				line := schema.CartLine{ProductID: p.ID, Code: p.Code, Name: p.Name, Quantity: 1, UnitPrice: p.Price}

				start := time.Now()
				_, err := proc.Checkout(ctx, []schema.CartLine{line}, checkout.Params{
					PaymentMethod: string(schema.PaymentCash),
					TaxPercent:    decimal.NewFromInt(19),
				})
				elapsed := time.Since(start)

				mu.Lock()
				switch {
				case err == nil:
					report.Completed++
					durations = append(durations, elapsed)
				case errors.Is(err, checkout.ErrInsufficientStock):
					report.Rejected++
				default:
					report.Errors++
					logger.Warn("checkout failed", zap.Int("cashier", cashier), zap.Error(err))
				}
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	if len(durations) == 0 {
		return &report, fmt.Errorf("no checkout completed")
	}
	report.Latency = computeLatencyStats(durations)
	return &report, nil
}

// Verify checks the store against a report: sale numbers are unique, every
// sale has an outbox row, and stock went down by exactly one unit per sale.
// The stock check only holds for runs under checkout.StockReject.
func (ts *TestStore) Verify(ctx context.Context, report *Report) error {
	numbers, err := ts.DB.ListSaleNumbers(ctx)
	if err != nil {
		return err
	}
	seen := make(map[string]bool, len(numbers))
	for _, n := range numbers {
		if seen[n] {
			return fmt.Errorf("duplicate sale number %s", n)
		}
		seen[n] = true
	}
	if len(numbers) != report.Completed {
		return fmt.Errorf("expected %d sales, found %d", report.Completed, len(numbers))
	}

	pending, err := ts.DB.ListAllPending(ctx)
	if err != nil {
		return err
	}
	if len(pending) != report.Completed {
		return fmt.Errorf("expected %d outbox rows, found %d", report.Completed, len(pending))
	}

	products, err := ts.DB.ListProducts(ctx, true)
	if err != nil {
		return err
	}
	remaining := 0
	for _, p := range products {
		if p.Stock < 0 {
			return fmt.Errorf("product %s has negative stock %d", p.Code, p.Stock)
		}
		remaining += p.Stock
	}
	if sold := ts.InitialStock - remaining; sold != report.Completed {
		return fmt.Errorf("stock dropped by %d for %d sales", sold, report.Completed)
	}
	return nil
}

func computeLatencyStats(durations []time.Duration) *LatencyStats {
	if len(durations) == 0 {
		return &LatencyStats{}
	}

	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var sum time.Duration
	for _, d := range sorted {
		sum += d
	}

	return &LatencyStats{
		Min:   sorted[0],
		Max:   sorted[len(sorted)-1],
		Mean:  sum / time.Duration(len(sorted)),
		P50:   sorted[len(sorted)*50/100],
		P95:   sorted[len(sorted)*95/100],
		P99:   sorted[len(sorted)*99/100],
		Total: len(sorted),
	}
}

// PrintStats writes the latency summary to w.
func (s *LatencyStats) PrintStats(w io.Writer) {
	fmt.Fprintf(w, "Checkout latency:\n")
	fmt.Fprintf(w, "  Sales:         %d\n", s.Total)
	fmt.Fprintf(w, "  Min:           %v\n", s.Min)
	fmt.Fprintf(w, "  P50 (Median):  %v\n", s.P50)
	fmt.Fprintf(w, "  Mean:          %v\n", s.Mean)
	fmt.Fprintf(w, "  P95:           %v\n", s.P95)
	fmt.Fprintf(w, "  P99:           %v\n", s.P99)
	fmt.Fprintf(w, "  Max:           %v\n", s.Max)
}
