package schema

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// DefaultMinStock is the low-stock threshold applied when a product omits one.
const DefaultMinStock = 5

// Product is a catalog entry as kept on the device.
type Product struct {
	ID       int64           `json:"id" toml:"-"`
	Code     string          `json:"code" toml:"code"`
	Name     string          `json:"name" toml:"name"`
	Price    decimal.Decimal `json:"price" toml:"-"`
	Stock    int             `json:"stock" toml:"stock"`
	MinStock int             `json:"min_stock" toml:"min_stock"`
	Active   bool            `json:"active" toml:"active"`

	// Remote bookkeeping. RemoteID is empty until the product has been seen
	// in the remote catalog.
	RemoteID   string     `json:"remote_id,omitempty" toml:"remote_id"`
	Synced     bool       `json:"synced" toml:"-"`
	LastSyncAt *time.Time `json:"last_sync_at,omitempty" toml:"-"`
}

// Validate checks if the Product has valid field values.
func (p *Product) Validate() error {
	if p.Code == "" {
		return fmt.Errorf("code is required")
	}
	if p.Name == "" {
		return fmt.Errorf("name is required")
	}
	if p.Price.IsNegative() {
		return fmt.Errorf("price must not be negative (got %s)", p.Price)
	}
	if p.MinStock < 0 {
		return fmt.Errorf("min_stock must not be negative (got %d)", p.MinStock)
	}
	return nil
}

// LowStock reports whether the product is at or below its minimum stock.
func (p *Product) LowStock() bool {
	return p.Stock <= p.MinStock
}

// Customer is a buyer identified by a tax or identity document.
type Customer struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Document  string    `json:"document"`
	Phone     string    `json:"phone,omitempty"`
	Email     string    `json:"email,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
