// Package pgstore persists the remote system of record in PostgreSQL.
package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/nexusti/possync/internal/remote"
)

// Store is a pgx-backed remote backend.
type Store struct {
	pool *pgxpool.Pool
}

// Connect opens a pool for url and checks it with a ping.
func Connect(ctx context.Context, url string, maxConns int32) (*Store, error) {
	poolConfig, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection URL: %w", err)
	}
	if maxConns > 0 {
		poolConfig.MaxConns = maxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{pool: pool}, nil
}

// NewFromPool wraps an existing pool.
func NewFromPool(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close closes the pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Migrate creates the tables if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sales (
			id UUID PRIMARY KEY,
			sale_number TEXT NOT NULL,
			sold_at TIMESTAMPTZ NOT NULL,
			total NUMERIC(14,2) NOT NULL,
			payment_method TEXT NOT NULL,
			customer_name TEXT NOT NULL DEFAULT '',
			customer_document TEXT NOT NULL DEFAULT '',
			lines JSONB NOT NULL,
			synced_at TIMESTAMPTZ NOT NULL,
			received_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sales_number ON sales(sale_number)`,
		`CREATE TABLE IF NOT EXISTS documents (
			name TEXT PRIMARY KEY,
			url TEXT NOT NULL,
			ticket_number TEXT NOT NULL,
			customer_email TEXT NOT NULL DEFAULT '',
			total_amount TEXT NOT NULL DEFAULT '',
			sale_date TEXT NOT NULL DEFAULT '',
			uploaded_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			notified BOOLEAN NOT NULL DEFAULT FALSE,
			notified_at TIMESTAMPTZ
		)`,
		`CREATE TABLE IF NOT EXISTS products (
			id UUID PRIMARY KEY,
			code TEXT NOT NULL UNIQUE,
			name TEXT NOT NULL,
			price NUMERIC(14,2) NOT NULL,
			stock INTEGER NOT NULL DEFAULT 0,
			min_stock INTEGER NOT NULL DEFAULT 5,
			active BOOLEAN NOT NULL DEFAULT TRUE
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to migrate: %w", err)
		}
	}
	return nil
}

// CreateSale stores a sale under a new UUID and returns it.
func (s *Store) CreateSale(ctx context.Context, p remote.SalePayload) (string, error) {
	lines, err := json.Marshal(p.LineItems)
	if err != nil {
		return "", fmt.Errorf("failed to encode line items: %w", err)
	}

	id := uuid.New()
	_, err = s.pool.Exec(ctx, `
		INSERT INTO sales (id, sale_number, sold_at, total, payment_method,
			customer_name, customer_document, lines, synced_at)
		VALUES ($1::text::uuid, $2, $3, $4::text::numeric, $5, $6, $7, $8, $9)
	`, id.String(), p.SaleNumber, p.Timestamp, p.Total.String(), p.PaymentMethod,
		p.CustomerName, p.CustomerDocument, lines, p.SyncedAt)
	if err != nil {
		return "", fmt.Errorf("failed to insert sale %s: %w", p.SaleNumber, err)
	}
	return id.String(), nil
}

// CountSales returns the number of stored sales with the given number.
func (s *Store) CountSales(ctx context.Context, saleNumber string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM sales WHERE sale_number = $1`, saleNumber).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count sales: %w", err)
	}
	return n, nil
}

// SaveDocument records an uploaded document. Re-uploading a name replaces
// its URL and metadata and keeps the notification state.
func (s *Store) SaveDocument(ctx context.Context, name, url string, meta remote.Metadata) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO documents (name, url, ticket_number, customer_email, total_amount, sale_date)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (name) DO UPDATE SET
			url = EXCLUDED.url,
			ticket_number = EXCLUDED.ticket_number,
			customer_email = EXCLUDED.customer_email,
			total_amount = EXCLUDED.total_amount,
			sale_date = EXCLUDED.sale_date,
			uploaded_at = NOW()
	`, name, url, meta.TicketNumber, meta.CustomerEmail, meta.TotalAmount, meta.SaleDate)
	if err != nil {
		return fmt.Errorf("failed to save document %s: %w", name, err)
	}
	return nil
}

// MarkNotified records that the customer was notified about a document.
func (s *Store) MarkNotified(ctx context.Context, name string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE documents SET notified = TRUE, notified_at = NOW() WHERE name = $1
	`, name)
	if err != nil {
		return fmt.Errorf("failed to mark document %s notified: %w", name, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("document %s: %w", name, remote.ErrNotFound)
	}
	return nil
}

// NotificationSent reports whether the document's notification went out.
func (s *Store) NotificationSent(ctx context.Context, name string) (bool, error) {
	var notified bool
	err := s.pool.QueryRow(ctx, `SELECT notified FROM documents WHERE name = $1`, name).Scan(&notified)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, fmt.Errorf("document %s: %w", name, remote.ErrNotFound)
	}
	if err != nil {
		return false, fmt.Errorf("failed to read document %s: %w", name, err)
	}
	return notified, nil
}

// UpsertProduct inserts or updates a catalog product by code.
func (s *Store) UpsertProduct(ctx context.Context, p remote.RemoteProduct) (string, error) {
	var id string
	err := s.pool.QueryRow(ctx, `
		INSERT INTO products (id, code, name, price, stock, min_stock, active)
		VALUES ($1::text::uuid, $2, $3, $4::text::numeric, $5, $6, $7)
		ON CONFLICT (code) DO UPDATE SET
			name = EXCLUDED.name,
			price = EXCLUDED.price,
			stock = EXCLUDED.stock,
			min_stock = EXCLUDED.min_stock,
			active = EXCLUDED.active
		RETURNING id::text
	`, uuid.NewString(), p.Code, p.Name, p.Price.String(), p.Stock, p.MinStock, p.Active).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("failed to upsert product %s: %w", p.Code, err)
	}
	return id, nil
}

// ListProducts returns the catalog ordered by name.
func (s *Store) ListProducts(ctx context.Context) ([]remote.RemoteProduct, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id::text, code, name, price::text, stock, min_stock, active
		FROM products ORDER BY name, code
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list products: %w", err)
	}
	defer rows.Close()

	var out []remote.RemoteProduct
	for rows.Next() {
		var p remote.RemoteProduct
		var price string
		if err := rows.Scan(&p.ID, &p.Code, &p.Name, &price, &p.Stock, &p.MinStock, &p.Active); err != nil {
			return nil, fmt.Errorf("failed to scan product: %w", err)
		}
		if p.Price, err = decimal.NewFromString(price); err != nil {
			return nil, fmt.Errorf("failed to parse price of %s: %w", p.Code, err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return s.pool.Ping(ctx)
}
