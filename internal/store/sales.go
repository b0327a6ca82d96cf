package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/nexusti/possync/internal/schema"
)

const saleColumns = `id, sale_number, user_id, customer_id, subtotal, discount_percent, tax_percent, total, payment_method, status, created_at, synced`

// GetSale retrieves a sale by ID.
func (db *DB) GetSale(ctx context.Context, id int64) (*schema.Sale, error) {
	row := db.conn.QueryRowContext(ctx, `SELECT `+saleColumns+` FROM sales WHERE id = ?`, id)
	s, err := scanSale(row)
	if err != nil {
		return nil, notFound(err, fmt.Sprintf("sale %d", id))
	}
	return s, nil
}

// GetSaleByNumber retrieves a sale by its human-readable number.
func (db *DB) GetSaleByNumber(ctx context.Context, number string) (*schema.Sale, error) {
	row := db.conn.QueryRowContext(ctx, `SELECT `+saleColumns+` FROM sales WHERE sale_number = ?`, number)
	s, err := scanSale(row)
	if err != nil {
		return nil, notFound(err, fmt.Sprintf("sale %s", number))
	}
	return s, nil
}

// GetSaleLines returns the lines of a sale in insertion order.
func (db *DB) GetSaleLines(ctx context.Context, saleID int64) ([]*schema.SaleLine, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT id, sale_id, product_id, quantity, unit_price, subtotal
		FROM sale_lines WHERE sale_id = ? ORDER BY id
	`, saleID)
	if err != nil {
		return nil, fmt.Errorf("failed to get sale lines: %w", err)
	}
	defer rows.Close()

	var lines []*schema.SaleLine
	for rows.Next() {
		var l schema.SaleLine
		var unitPrice, subtotal string
		if err := rows.Scan(&l.ID, &l.SaleID, &l.ProductID, &l.Quantity, &unitPrice, &subtotal); err != nil {
			return nil, fmt.Errorf("failed to scan sale line: %w", err)
		}
		if l.UnitPrice, err = parseDecimal(unitPrice); err != nil {
			return nil, err
		}
		if l.Subtotal, err = parseDecimal(subtotal); err != nil {
			return nil, err
		}
		lines = append(lines, &l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sale lines: %w", err)
	}
	return lines, nil
}

// ListSaleNumbers returns every sale number on the device.
func (db *DB) ListSaleNumbers(ctx context.Context) ([]string, error) {
	return listSaleNumbers(ctx, db.conn)
}

func listSaleNumbers(ctx context.Context, q execQuerier) ([]string, error) {
	rows, err := q.QueryContext(ctx, `SELECT sale_number FROM sales ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list sale numbers: %w", err)
	}
	defer rows.Close()

	var numbers []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, fmt.Errorf("failed to scan sale number: %w", err)
		}
		numbers = append(numbers, n)
	}
	return numbers, rows.Err()
}

// CountSales returns the number of sales on the device.
func (db *DB) CountSales(ctx context.Context) (int, error) {
	var n int
	if err := db.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM sales`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count sales: %w", err)
	}
	return n, nil
}

// MarkSaleSynced flags the sale with the given number as synced.
func (db *DB) MarkSaleSynced(ctx context.Context, number string) error {
	res, err := db.conn.ExecContext(ctx, `UPDATE sales SET synced = 1 WHERE sale_number = ?`, number)
	if err != nil {
		return fmt.Errorf("failed to mark sale %s synced: %w", number, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("sale %s: %w", number, ErrNotFound)
	}
	return nil
}

// InsertSale inserts the sale header and sets its ID.
func (tx *Tx) InsertSale(ctx context.Context, s *schema.Sale) error {
	if err := s.Validate(); err != nil {
		return fmt.Errorf("invalid sale: %w", err)
	}
	if s.Status == "" {
		s.Status = schema.StatusCompleted
	}

	var customerID sql.NullInt64
	if s.CustomerID != nil {
		customerID = sql.NullInt64{Int64: *s.CustomerID, Valid: true}
	}

	res, err := tx.tx.ExecContext(ctx, `
		INSERT INTO sales (sale_number, user_id, customer_id, subtotal, discount_percent,
			tax_percent, total, payment_method, status, created_at, synced)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, s.Number, s.UserID, customerID, s.Subtotal.String(), s.DiscountPercent.String(),
		s.TaxPercent.String(), s.Total.String(), string(s.PaymentMethod), s.Status,
		formatTime(s.CreatedAt), boolToInt(s.Synced))
	if err != nil {
		return fmt.Errorf("failed to insert sale %s: %w", s.Number, err)
	}
	if s.ID, err = res.LastInsertId(); err != nil {
		return fmt.Errorf("failed to read sale id: %w", err)
	}
	return nil
}

// InsertSaleLines inserts the lines of a sale and sets their IDs.
func (tx *Tx) InsertSaleLines(ctx context.Context, saleID int64, lines []*schema.SaleLine) error {
	stmt, err := tx.tx.PrepareContext(ctx, `
		INSERT INTO sale_lines (sale_id, product_id, quantity, unit_price, subtotal)
		VALUES (?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare sale line insert: %w", err)
	}
	defer stmt.Close()

	for _, l := range lines {
		l.SaleID = saleID
		res, err := stmt.ExecContext(ctx, saleID, l.ProductID, l.Quantity, l.UnitPrice.String(), l.Subtotal.String())
		if err != nil {
			return fmt.Errorf("failed to insert sale line for product %d: %w", l.ProductID, err)
		}
		if l.ID, err = res.LastInsertId(); err != nil {
			return fmt.Errorf("failed to read sale line id: %w", err)
		}
	}
	return nil
}

// StockOf returns the current stock of a product.
func (tx *Tx) StockOf(ctx context.Context, productID int64) (int, error) {
	var stock int
	err := tx.tx.QueryRowContext(ctx, `SELECT stock FROM products WHERE id = ?`, productID).Scan(&stock)
	if err != nil {
		return 0, notFound(err, fmt.Sprintf("product %d", productID))
	}
	return stock, nil
}

// DecrementStock subtracts qty from a product's stock. With floorAtZero the
// result never goes below zero.
func (tx *Tx) DecrementStock(ctx context.Context, productID int64, qty int, floorAtZero bool) error {
	query := `UPDATE products SET stock = stock - ? WHERE id = ?`
	if floorAtZero {
		query = `UPDATE products SET stock = MAX(stock - ?, 0) WHERE id = ?`
	}
	res, err := tx.tx.ExecContext(ctx, query, qty, productID)
	if err != nil {
		return fmt.Errorf("failed to decrement stock of product %d: %w", productID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("product %d: %w", productID, ErrNotFound)
	}
	return nil
}

// NextSaleSequence atomically reserves the next sequence number for year.
// The counter is seeded from the sales already numbered for that year.
func (tx *Tx) NextSaleSequence(ctx context.Context, year int) (int, error) {
	prefix := schema.SaleNumberYearPrefix(year)
	_, err := tx.tx.ExecContext(ctx, `
		INSERT INTO sale_counters (year, last_seq)
		VALUES (?, (SELECT COUNT(*) FROM sales WHERE substr(sale_number, 1, length(?)) = ?))
		ON CONFLICT(year) DO NOTHING
	`, year, prefix, prefix)
	if err != nil {
		return 0, fmt.Errorf("failed to seed sale counter for %d: %w", year, err)
	}

	var seq int
	err = tx.tx.QueryRowContext(ctx, `
		UPDATE sale_counters SET last_seq = last_seq + 1 WHERE year = ? RETURNING last_seq
	`, year).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("failed to bump sale counter for %d: %w", year, err)
	}
	return seq, nil
}

// CountSaleNumbersWithPrefix counts existing sale numbers starting with prefix.
func (tx *Tx) CountSaleNumbersWithPrefix(ctx context.Context, prefix string) (int, error) {
	numbers, err := listSaleNumbers(ctx, tx.tx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, num := range numbers {
		if strings.HasPrefix(num, prefix) {
			n++
		}
	}
	return n, nil
}

func scanSale(row rowScanner) (*schema.Sale, error) {
	var s schema.Sale
	var customerID sql.NullInt64
	var subtotal, discount, tax, total, method, createdAt string
	var synced int

	if err := row.Scan(&s.ID, &s.Number, &s.UserID, &customerID, &subtotal, &discount,
		&tax, &total, &method, &s.Status, &createdAt, &synced); err != nil {
		return nil, err
	}

	var err error
	if s.Subtotal, err = parseDecimal(subtotal); err != nil {
		return nil, err
	}
	if s.DiscountPercent, err = parseDecimal(discount); err != nil {
		return nil, err
	}
	if s.TaxPercent, err = parseDecimal(tax); err != nil {
		return nil, err
	}
	if s.Total, err = parseDecimal(total); err != nil {
		return nil, err
	}
	if s.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if customerID.Valid {
		id := customerID.Int64
		s.CustomerID = &id
	}
	s.PaymentMethod = schema.PaymentMethod(method)
	s.Synced = synced != 0
	return &s, nil
}
