// Package checkout turns a cart into a persisted sale and its outbox row.
package checkout

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/nexusti/possync/internal/schema"
	"github.com/nexusti/possync/internal/store"
)

var (
	// ErrEmptyCart is returned when Checkout is called without lines.
	ErrEmptyCart = errors.New("cart is empty")

	// ErrUnauthenticated is returned when no user session is present.
	ErrUnauthenticated = errors.New("unauthenticated")

	// ErrInvalidLine is returned for a line with a non-positive quantity or
	// a negative price.
	ErrInvalidLine = errors.New("invalid cart line")

	// ErrInsufficientStock is returned under StockReject when a line asks
	// for more units than the product has.
	ErrInsufficientStock = errors.New("insufficient stock")

	// ErrInvalidPercent is returned for a discount outside [0, 100] or a
	// negative tax rate.
	ErrInvalidPercent = errors.New("invalid percentage")
)

// PersistenceError wraps a local store failure during checkout.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("checkout: %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// OutboxMode selects how the pending-sale row is written.
type OutboxMode string

const (
	// OutboxTransactional writes the row in the sale transaction.
	OutboxTransactional OutboxMode = "transactional"
	// OutboxBestEffort writes the row after commit and only logs a failure.
	OutboxBestEffort OutboxMode = "best-effort"
)

// StockPolicy selects what happens when a line exceeds available stock.
type StockPolicy string

const (
	StockAllow  StockPolicy = "allow"
	StockReject StockPolicy = "reject"
	StockClamp  StockPolicy = "clamp"
)

// NumberingMode selects how the per-year sale sequence is produced.
type NumberingMode string

const (
	// NumberingCounter reserves numbers from the sale_counters table.
	NumberingCounter NumberingMode = "counter"
	// NumberingCount uses the count of existing numbers for the year plus one.
	NumberingCount NumberingMode = "count"
)

// SessionProvider reports the authenticated user, if any.
type SessionProvider interface {
	CurrentUserID() (int64, bool)
}

// StaticSession is a SessionProvider for a fixed user. Zero means logged out.
type StaticSession int64

// CurrentUserID implements SessionProvider.
func (s StaticSession) CurrentUserID() (int64, bool) {
	return int64(s), s > 0
}

// Store is the subset of the local store used by checkout.
type Store interface {
	GetCustomerByDocument(ctx context.Context, document string) (*schema.Customer, error)
	CreateCustomer(ctx context.Context, c *schema.Customer) error
	WithTx(ctx context.Context, fn func(tx *store.Tx) error) error
	InsertPendingSale(ctx context.Context, p *schema.PendingSale) error
}

// Options configures a Processor.
type Options struct {
	OutboxMode    OutboxMode
	StockPolicy   StockPolicy
	NumberingMode NumberingMode

	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time

	// AfterCommit, when set, is called after a sale and its outbox row
	// are durable. It must not block for long.
	AfterCommit func(ctx context.Context, res *Result)
}

// DefaultOptions returns the recommended options.
func DefaultOptions() Options {
	return Options{
		OutboxMode:    OutboxTransactional,
		StockPolicy:   StockReject,
		NumberingMode: NumberingCounter,
	}
}

// CustomerInfo identifies the buyer. Name and Document must both be set for
// a customer record to be resolved.
type CustomerInfo struct {
	Name     string `json:"name,omitempty"`
	Document string `json:"document,omitempty"`
	Phone    string `json:"phone,omitempty"`
	Email    string `json:"email,omitempty"`
}

// Params are the checkout parameters besides the cart.
type Params struct {
	PaymentMethod   string
	DiscountPercent decimal.Decimal
	TaxPercent      decimal.Decimal
	Customer        CustomerInfo
}

// Result describes a completed checkout.
type Result struct {
	SaleID     int64  `json:"sale_id"`
	SaleNumber string `json:"sale_number"`
	// PendingID is zero when the best-effort outbox insert failed.
	PendingID     int64                 `json:"pending_id"`
	Totals        Totals                `json:"totals"`
	CreatedAt     time.Time             `json:"created_at"`
	PaymentMethod schema.PaymentMethod  `json:"payment_method"`
	Customer      CustomerInfo          `json:"customer"`
	Lines         []schema.LineSnapshot `json:"lines"`
}

// Processor runs checkouts against the local store.
type Processor struct {
	store   Store
	session SessionProvider
	opts    Options
	logger  *zap.Logger
}

// New creates a Processor. A nil logger discards output; zero-valued
// options fall back to DefaultOptions.
func New(st Store, session SessionProvider, opts Options, logger *zap.Logger) *Processor {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultOptions()
	if opts.OutboxMode == "" {
		opts.OutboxMode = def.OutboxMode
	}
	if opts.StockPolicy == "" {
		opts.StockPolicy = def.StockPolicy
	}
	if opts.NumberingMode == "" {
		opts.NumberingMode = def.NumberingMode
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Processor{store: st, session: session, opts: opts, logger: logger}
}

// Checkout persists a sale for the given cart.
//
// The sale header, its lines, the stock decrements and (in transactional
// mode) the outbox row are written in one transaction. Store failures are
// returned as *PersistenceError.
func (p *Processor) Checkout(ctx context.Context, lines []schema.CartLine, params Params) (*Result, error) {
	if len(lines) == 0 {
		return nil, ErrEmptyCart
	}
	for _, l := range lines {
		if l.Quantity <= 0 || l.UnitPrice.IsNegative() {
			return nil, fmt.Errorf("%w: product %d quantity %d", ErrInvalidLine, l.ProductID, l.Quantity)
		}
	}

	if err := ValidatePercents(params.DiscountPercent, params.TaxPercent); err != nil {
		return nil, err
	}

	userID, ok := p.session.CurrentUserID()
	if !ok {
		return nil, ErrUnauthenticated
	}

	method, err := schema.ParsePaymentMethod(params.PaymentMethod)
	if err != nil {
		return nil, err
	}

	customerID, err := p.resolveCustomer(ctx, params.Customer)
	if err != nil {
		return nil, &PersistenceError{Op: "resolve customer", Err: err}
	}

	totals := ComputeTotals(lines, params.DiscountPercent, params.TaxPercent)
	now := p.opts.Now()
	snapshot := schema.SnapshotLines(lines)
	linesJSON, err := schema.EncodeLines(snapshot)
	if err != nil {
		return nil, err
	}

	res := &Result{
		Totals:        totals,
		CreatedAt:     now,
		PaymentMethod: method,
		Customer:      params.Customer,
		Lines:         snapshot,
	}

	pending := &schema.PendingSale{
		CreatedAt:        now,
		Total:            totals.Total,
		PaymentMethod:    method,
		CustomerName:     strings.TrimSpace(params.Customer.Name),
		CustomerDocument: strings.TrimSpace(params.Customer.Document),
		CustomerEmail:    strings.TrimSpace(params.Customer.Email),
		LinesJSON:        linesJSON,
	}

	err = p.store.WithTx(ctx, func(tx *store.Tx) error {
		number, err := p.nextSaleNumber(ctx, tx, now.Year())
		if err != nil {
			return &PersistenceError{Op: "number sale", Err: err}
		}

		sale := &schema.Sale{
			Number:          number,
			UserID:          userID,
			CustomerID:      customerID,
			Subtotal:        totals.SubtotalWithoutTax,
			DiscountPercent: params.DiscountPercent,
			TaxPercent:      params.TaxPercent,
			Total:           totals.Total,
			PaymentMethod:   method,
			Status:          schema.StatusCompleted,
			CreatedAt:       now,
		}
		if err := tx.InsertSale(ctx, sale); err != nil {
			return &PersistenceError{Op: "insert sale", Err: err}
		}

		saleLines := make([]*schema.SaleLine, 0, len(lines))
		for _, l := range lines {
			saleLines = append(saleLines, &schema.SaleLine{
				ProductID: l.ProductID,
				Quantity:  l.Quantity,
				UnitPrice: l.UnitPrice,
				Subtotal:  l.Subtotal(),
			})
		}
		if err := tx.InsertSaleLines(ctx, sale.ID, saleLines); err != nil {
			return &PersistenceError{Op: "insert sale lines", Err: err}
		}

		if err := p.decrementStock(ctx, tx, lines); err != nil {
			return err
		}

		res.SaleID = sale.ID
		res.SaleNumber = number
		pending.SaleNumber = number

		if p.opts.OutboxMode == OutboxTransactional {
			if err := tx.InsertPendingSale(ctx, pending); err != nil {
				return &PersistenceError{Op: "enqueue pending sale", Err: err}
			}
			res.PendingID = pending.ID
		}
		return nil
	})
	if err != nil {
		var pe *PersistenceError
		if errors.As(err, &pe) || errors.Is(err, ErrInsufficientStock) {
			return nil, err
		}
		return nil, &PersistenceError{Op: "commit sale", Err: err}
	}

	if p.opts.OutboxMode == OutboxBestEffort {
		if err := p.store.InsertPendingSale(ctx, pending); err != nil {
			p.logger.Error("failed to enqueue pending sale; sale will not be synced",
				zap.String("sale_number", res.SaleNumber),
				zap.Int64("sale_id", res.SaleID),
				zap.Error(err))
		} else {
			res.PendingID = pending.ID
		}
	}

	p.logger.Info("sale completed",
		zap.String("sale_number", res.SaleNumber),
		zap.Int64("sale_id", res.SaleID),
		zap.Int64("pending_id", res.PendingID),
		zap.String("total", totals.Total.StringFixed(2)))

	if p.opts.AfterCommit != nil && res.PendingID != 0 {
		p.opts.AfterCommit(ctx, res)
	}
	return res, nil
}

// resolveCustomer looks the customer up by document and creates it when
// missing. It returns nil when name or document is blank.
func (p *Processor) resolveCustomer(ctx context.Context, info CustomerInfo) (*int64, error) {
	name := strings.TrimSpace(info.Name)
	document := strings.TrimSpace(info.Document)
	if name == "" || document == "" {
		return nil, nil
	}

	c, err := p.store.GetCustomerByDocument(ctx, document)
	if err == nil {
		return &c.ID, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	c = &schema.Customer{
		Name:     name,
		Document: document,
		Phone:    strings.TrimSpace(info.Phone),
		Email:    strings.TrimSpace(info.Email),
	}
	if err := p.store.CreateCustomer(ctx, c); err != nil {
		return nil, err
	}
	return &c.ID, nil
}

func (p *Processor) nextSaleNumber(ctx context.Context, tx *store.Tx, year int) (string, error) {
	if p.opts.NumberingMode == NumberingCount {
		n, err := tx.CountSaleNumbersWithPrefix(ctx, schema.SaleNumberYearPrefix(year))
		if err != nil {
			return "", err
		}
		return schema.SaleNumber(year, n+1), nil
	}

	seq, err := tx.NextSaleSequence(ctx, year)
	if err != nil {
		return "", err
	}
	return schema.SaleNumber(year, seq), nil
}

func (p *Processor) decrementStock(ctx context.Context, tx *store.Tx, lines []schema.CartLine) error {
	// Sum per product so two lines of the same item are checked together.
	wanted := make(map[int64]int)
	var order []int64
	for _, l := range lines {
		if _, seen := wanted[l.ProductID]; !seen {
			order = append(order, l.ProductID)
		}
		wanted[l.ProductID] += l.Quantity
	}

	for _, id := range order {
		qty := wanted[id]
		if p.opts.StockPolicy != StockAllow {
			stock, err := tx.StockOf(ctx, id)
			if err != nil {
				return &PersistenceError{Op: "read stock", Err: err}
			}
			if stock < qty {
				if p.opts.StockPolicy == StockReject {
					return fmt.Errorf("%w: product %d has %d, wanted %d", ErrInsufficientStock, id, stock, qty)
				}
				p.logger.Warn("stock clamped to zero",
					zap.Int64("product_id", id),
					zap.Int("stock", stock),
					zap.Int("quantity", qty))
			}
		}
		if err := tx.DecrementStock(ctx, id, qty, p.opts.StockPolicy == StockClamp); err != nil {
			return &PersistenceError{Op: "decrement stock", Err: err}
		}
	}
	return nil
}
