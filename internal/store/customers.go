package store

import (
	"context"
	"fmt"
	"time"

	"github.com/nexusti/possync/internal/schema"
)

// GetCustomerByDocument looks a customer up by document number.
func (db *DB) GetCustomerByDocument(ctx context.Context, document string) (*schema.Customer, error) {
	row := db.conn.QueryRowContext(ctx, `
		SELECT id, name, document, phone, email, created_at
		FROM customers WHERE document = ?
	`, document)
	c, err := scanCustomer(row)
	if err != nil {
		return nil, notFound(err, fmt.Sprintf("customer %s", document))
	}
	return c, nil
}

// GetCustomer retrieves a customer by ID.
func (db *DB) GetCustomer(ctx context.Context, id int64) (*schema.Customer, error) {
	row := db.conn.QueryRowContext(ctx, `
		SELECT id, name, document, phone, email, created_at
		FROM customers WHERE id = ?
	`, id)
	c, err := scanCustomer(row)
	if err != nil {
		return nil, notFound(err, fmt.Sprintf("customer %d", id))
	}
	return c, nil
}

// CreateCustomer inserts a customer and sets its ID.
func (db *DB) CreateCustomer(ctx context.Context, c *schema.Customer) error {
	if c.Name == "" || c.Document == "" {
		return fmt.Errorf("invalid customer: name and document are required")
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}

	res, err := db.conn.ExecContext(ctx, `
		INSERT INTO customers (name, document, phone, email, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, c.Name, c.Document, c.Phone, c.Email, formatTime(c.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to create customer: %w", err)
	}
	if c.ID, err = res.LastInsertId(); err != nil {
		return fmt.Errorf("failed to read customer id: %w", err)
	}
	return nil
}

func scanCustomer(row rowScanner) (*schema.Customer, error) {
	var c schema.Customer
	var createdAt string
	if err := row.Scan(&c.ID, &c.Name, &c.Document, &c.Phone, &c.Email, &createdAt); err != nil {
		return nil, err
	}
	t, err := parseTime(createdAt)
	if err != nil {
		return nil, err
	}
	c.CreatedAt = t
	return &c, nil
}
