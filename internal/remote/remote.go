// Package remote defines the system-of-record collaborators used by the
// sync engine and an HTTP client implementing them.
package remote

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/nexusti/possync/internal/schema"
)

// ErrNotFound is returned by backends for an unknown record.
var ErrNotFound = errors.New("remote: not found")

// SaleDateLayout is the format of Metadata.SaleDate.
const SaleDateLayout = "02/01/2006 15:04"

// LineItem is one line of a remote sale.
type LineItem struct {
	ProductID   int64           `json:"productId"`
	ProductCode string          `json:"productCode"`
	ProductName string          `json:"productName"`
	Quantity    int             `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unitPrice"`
	Subtotal    decimal.Decimal `json:"subtotal"`
}

// SalePayload is the remote-shaped representation of an outbox row.
type SalePayload struct {
	SaleNumber       string          `json:"saleNumber"`
	Timestamp        time.Time       `json:"timestamp"`
	Total            decimal.Decimal `json:"total"`
	PaymentMethod    string          `json:"paymentMethod"`
	CustomerName     string          `json:"customerName,omitempty"`
	CustomerDocument string          `json:"customerDocument,omitempty"`
	LineItems        []LineItem      `json:"lineItems"`
	SyncedAt         time.Time       `json:"syncedAt"`
}

// Metadata accompanies an uploaded receipt document.
type Metadata struct {
	CustomerEmail string `json:"customerEmail"`
	TicketNumber  string `json:"ticketNumber"`
	TotalAmount   string `json:"totalAmount"`
	SaleDate      string `json:"saleDate"`
}

// SaleCreator creates sales in the system of record. It is create-only.
type SaleCreator interface {
	CreateRemoteSale(ctx context.Context, payload SalePayload) (remoteID string, err error)
}

// DocumentUploader stores receipt documents in remote blob storage.
type DocumentUploader interface {
	UploadDocument(ctx context.Context, data []byte, name string, meta Metadata) (url string, err error)
}

// NotificationChecker reports whether the remote notified the customer
// about a ticket.
type NotificationChecker interface {
	NotificationSent(ctx context.Context, ticketNumber string) (bool, error)
}

// CatalogSource lists the remote product catalog.
type CatalogSource interface {
	FetchCatalog(ctx context.Context) ([]schema.Product, error)
}

// StatusError is returned for a non-2xx remote response.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s %s: HTTP %d", e.Method, e.Path, e.Code)
	}
	return fmt.Sprintf("%s %s: HTTP %d: %s", e.Method, e.Path, e.Code, e.Body)
}

// BuildSalePayload converts an outbox row into the remote payload using
// only the row's own snapshot.
func BuildSalePayload(p *schema.PendingSale, syncedAt time.Time) (SalePayload, error) {
	lines, err := p.Lines()
	if err != nil {
		return SalePayload{}, fmt.Errorf("failed to decode lines of %s: %w", p.SaleNumber, err)
	}

	items := make([]LineItem, 0, len(lines))
	for _, l := range lines {
		items = append(items, LineItem{
			ProductID:   l.ProductID,
			ProductCode: l.Code,
			ProductName: l.Name,
			Quantity:    l.Quantity,
			UnitPrice:   l.UnitPrice,
			Subtotal:    l.Subtotal,
		})
	}

	return SalePayload{
		SaleNumber:       p.SaleNumber,
		Timestamp:        p.CreatedAt,
		Total:            p.Total,
		PaymentMethod:    string(p.PaymentMethod),
		CustomerName:     p.CustomerName,
		CustomerDocument: p.CustomerDocument,
		LineItems:        items,
		SyncedAt:         syncedAt,
	}, nil
}

// MetadataFor builds the upload metadata of a row's receipt.
func MetadataFor(p *schema.PendingSale) Metadata {
	return Metadata{
		CustomerEmail: p.CustomerEmail,
		TicketNumber:  p.SaleNumber,
		TotalAmount:   p.Total.StringFixed(2),
		SaleDate:      p.CreatedAt.Local().Format(SaleDateLayout),
	}
}
