package schema

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// LineSnapshot is a self-contained copy of a sale line stored on the outbox row.
type LineSnapshot struct {
	ProductID int64           `json:"product_id"`
	Code      string          `json:"code"`
	Name      string          `json:"name"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Subtotal  decimal.Decimal `json:"subtotal"`
}

// SnapshotLines copies cart lines into outbox snapshots.
func SnapshotLines(lines []CartLine) []LineSnapshot {
	out := make([]LineSnapshot, 0, len(lines))
	for _, l := range lines {
		out = append(out, LineSnapshot{
			ProductID: l.ProductID,
			Code:      l.Code,
			Name:      l.Name,
			Quantity:  l.Quantity,
			UnitPrice: l.UnitPrice,
			Subtotal:  l.Subtotal(),
		})
	}
	return out
}

// EncodeLines serializes a line snapshot for storage.
func EncodeLines(lines []LineSnapshot) (string, error) {
	if lines == nil {
		lines = []LineSnapshot{}
	}
	data, err := json.Marshal(lines)
	if err != nil {
		return "", fmt.Errorf("failed to marshal line snapshot: %w", err)
	}
	return string(data), nil
}

// DecodeLines parses a stored line snapshot.
func DecodeLines(s string) ([]LineSnapshot, error) {
	if s == "" || s == "null" {
		return []LineSnapshot{}, nil
	}
	var lines []LineSnapshot
	if err := json.Unmarshal([]byte(s), &lines); err != nil {
		return nil, fmt.Errorf("failed to unmarshal line snapshot: %w", err)
	}
	return lines, nil
}

// SyncState is the derived sync state of an outbox row.
type SyncState string

const (
	StatePending   SyncState = "pending"
	StateSynced    SyncState = "synced"
	StateAbandoned SyncState = "abandoned"
)

// PendingSale is the outbox row for one sale.
type PendingSale struct {
	ID               int64           `json:"id"`
	CreatedAt        time.Time       `json:"created_at"`
	Total            decimal.Decimal `json:"total"`
	PaymentMethod    PaymentMethod   `json:"payment_method"`
	CustomerName     string          `json:"customer_name,omitempty"`
	CustomerDocument string          `json:"customer_document,omitempty"`
	CustomerEmail    string          `json:"customer_email,omitempty"`
	LinesJSON        string          `json:"lines"`
	SaleNumber       string          `json:"sale_number"`

	// Sale sync stage.
	RetryCount    int        `json:"retry_count"`
	LastAttemptAt *time.Time `json:"last_attempt_at,omitempty"`
	LastError     string     `json:"last_error,omitempty"`
	Synced        bool       `json:"synced"`
	RemoteID      string     `json:"remote_id,omitempty"`

	// Document stage.
	DocumentPath     string     `json:"document_path,omitempty"`
	DocumentUploaded bool       `json:"document_uploaded"`
	DocumentURL      string     `json:"document_url,omitempty"`
	DocRetryCount    int        `json:"doc_retry_count"`
	DocLastAttemptAt *time.Time `json:"doc_last_attempt_at,omitempty"`
	DocLastError     string     `json:"doc_last_error,omitempty"`
	NotificationSent bool       `json:"notification_sent"`
}

// Validate checks if the PendingSale has the fields required to enqueue it.
func (p *PendingSale) Validate() error {
	if p.CreatedAt.IsZero() {
		return fmt.Errorf("created_at is required")
	}
	if p.PaymentMethod == "" {
		return fmt.Errorf("payment_method is required")
	}
	if p.SaleNumber == "" {
		return fmt.Errorf("sale_number is required")
	}
	if _, err := DecodeLines(p.LinesJSON); err != nil {
		return err
	}
	return nil
}

// Lines decodes the row's line snapshot.
func (p *PendingSale) Lines() ([]LineSnapshot, error) {
	return DecodeLines(p.LinesJSON)
}

// State derives the sync state given the retry ceiling.
func (p *PendingSale) State(maxRetries int) SyncState {
	switch {
	case p.Synced:
		return StateSynced
	case p.RetryCount >= maxRetries:
		return StateAbandoned
	default:
		return StatePending
	}
}

// Completed reports whether every stage of the row is done.
func (p *PendingSale) Completed() bool {
	return p.Synced && p.DocumentUploaded && p.NotificationSent
}
