package schema

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// SaleNumberPrefix is the literal prefix of every sale number.
const SaleNumberPrefix = "V-"

// Sale statuses.
const (
	StatusCompleted = "COMPLETED"
)

// PaymentMethod is how the customer paid.
type PaymentMethod string

const (
	PaymentCash     PaymentMethod = "CASH"
	PaymentCard     PaymentMethod = "CARD"
	PaymentTransfer PaymentMethod = "TRANSFER"
)

// ParsePaymentMethod normalizes s and checks it against the known methods.
func ParsePaymentMethod(s string) (PaymentMethod, error) {
	m := PaymentMethod(strings.ToUpper(strings.TrimSpace(s)))
	switch m {
	case PaymentCash, PaymentCard, PaymentTransfer:
		return m, nil
	default:
		return "", fmt.Errorf("invalid payment method: %q (allowed: CASH, CARD, TRANSFER)", s)
	}
}

// Sale is one completed checkout.
type Sale struct {
	ID              int64           `json:"id"`
	Number          string          `json:"number"`
	UserID          int64           `json:"user_id"`
	CustomerID      *int64          `json:"customer_id,omitempty"`
	Subtotal        decimal.Decimal `json:"subtotal"` // without tax
	DiscountPercent decimal.Decimal `json:"discount_percent"`
	TaxPercent      decimal.Decimal `json:"tax_percent"`
	Total           decimal.Decimal `json:"total"`
	PaymentMethod   PaymentMethod   `json:"payment_method"`
	Status          string          `json:"status"`
	CreatedAt       time.Time       `json:"created_at"`
	Synced          bool            `json:"synced"`
}

// Validate checks if the Sale has valid field values.
func (s *Sale) Validate() error {
	if s.Number == "" {
		return fmt.Errorf("number is required")
	}
	if s.UserID <= 0 {
		return fmt.Errorf("user_id is required")
	}
	if s.PaymentMethod == "" {
		return fmt.Errorf("payment_method is required")
	}
	if s.Total.IsNegative() {
		return fmt.Errorf("total must not be negative (got %s)", s.Total)
	}
	if s.CreatedAt.IsZero() {
		return fmt.Errorf("created_at is required")
	}
	return nil
}

// SaleLine is one line of a sale.
type SaleLine struct {
	ID        int64           `json:"id"`
	SaleID    int64           `json:"sale_id"`
	ProductID int64           `json:"product_id"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Subtotal  decimal.Decimal `json:"subtotal"`
}

// CartLine is a line of a cart presented for checkout.
type CartLine struct {
	ProductID int64
	Code      string
	Name      string
	Quantity  int
	UnitPrice decimal.Decimal
}

// Subtotal returns quantity * unit price.
func (c CartLine) Subtotal() decimal.Decimal {
	return c.UnitPrice.Mul(decimal.NewFromInt(int64(c.Quantity)))
}

// SaleNumber formats the sale number for the given year and sequence.
func SaleNumber(year, seq int) string {
	return fmt.Sprintf("%s%d-%03d", SaleNumberPrefix, year, seq)
}

// SaleNumberYearPrefix returns the prefix shared by every sale number of year.
func SaleNumberYearPrefix(year int) string {
	return fmt.Sprintf("%s%d", SaleNumberPrefix, year)
}

// DocumentName is the blob name of the receipt for a sale number.
func DocumentName(saleNumber string) string {
	return fmt.Sprintf("ticket_%s.pdf", saleNumber)
}
