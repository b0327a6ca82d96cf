package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/nexusti/possync/internal/schema"
)

const productColumns = `id, code, name, price, stock, min_stock, active, remote_id, synced, last_sync_at`

// UpsertProduct inserts a product or updates the one with the same code.
// The product's ID is set on return.
func (db *DB) UpsertProduct(p *schema.Product) error {
	return db.UpsertProductContext(context.Background(), p)
}

// UpsertProductContext inserts or updates a product with context support.
func (db *DB) UpsertProductContext(ctx context.Context, p *schema.Product) error {
	return upsertProduct(ctx, db.conn, p)
}

type execQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func upsertProduct(ctx context.Context, q execQuerier, p *schema.Product) error {
	if err := p.Validate(); err != nil {
		return fmt.Errorf("invalid product: %w", err)
	}

	query := `
		INSERT INTO products (code, name, price, stock, min_stock, active, remote_id, synced, last_sync_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(code) DO UPDATE SET
			name = excluded.name,
			price = excluded.price,
			stock = excluded.stock,
			min_stock = excluded.min_stock,
			active = excluded.active,
			remote_id = excluded.remote_id,
			synced = excluded.synced,
			last_sync_at = excluded.last_sync_at
		RETURNING id
	`
	err := q.QueryRowContext(ctx, query,
		p.Code, p.Name, p.Price.String(), p.Stock, p.MinStock, boolToInt(p.Active),
		stringToNull(p.RemoteID), boolToInt(p.Synced), timeToNullString(p.LastSyncAt),
	).Scan(&p.ID)
	if err != nil {
		return fmt.Errorf("failed to upsert product %s: %w", p.Code, err)
	}
	return nil
}

// GetProduct retrieves a product by ID.
func (db *DB) GetProduct(id int64) (*schema.Product, error) {
	return db.GetProductContext(context.Background(), id)
}

// GetProductContext retrieves a product by ID with context support.
func (db *DB) GetProductContext(ctx context.Context, id int64) (*schema.Product, error) {
	row := db.conn.QueryRowContext(ctx, `SELECT `+productColumns+` FROM products WHERE id = ?`, id)
	p, err := scanProduct(row)
	if err != nil {
		return nil, notFound(err, fmt.Sprintf("product %d", id))
	}
	return p, nil
}

// GetProductByCode retrieves a product by its catalog code.
func (db *DB) GetProductByCode(ctx context.Context, code string) (*schema.Product, error) {
	row := db.conn.QueryRowContext(ctx, `SELECT `+productColumns+` FROM products WHERE code = ?`, code)
	p, err := scanProduct(row)
	if err != nil {
		return nil, notFound(err, fmt.Sprintf("product %s", code))
	}
	return p, nil
}

// ListProducts returns products ordered by name. Inactive products are
// included only when includeInactive is set.
func (db *DB) ListProducts(ctx context.Context, includeInactive bool) ([]*schema.Product, error) {
	query := `SELECT ` + productColumns + ` FROM products`
	if !includeInactive {
		query += ` WHERE active = 1`
	}
	query += ` ORDER BY name, id`

	rows, err := db.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list products: %w", err)
	}
	defer rows.Close()
	return scanProducts(rows)
}

// ListLowStock returns active products at or below their minimum stock.
func (db *DB) ListLowStock(ctx context.Context) ([]*schema.Product, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT `+productColumns+` FROM products
		WHERE active = 1 AND stock <= min_stock
		ORDER BY stock, name
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list low stock products: %w", err)
	}
	defer rows.Close()
	return scanProducts(rows)
}

// ReplaceCatalog upserts every product in one transaction and deactivates
// local products missing from the list. Products referenced by sales are
// never deleted. Returns the number of upserted and deactivated products.
func (db *DB) ReplaceCatalog(ctx context.Context, products []*schema.Product, syncedAt time.Time) (upserted, deactivated int, err error) {
	err = db.WithTx(ctx, func(tx *Tx) error {
		if _, err := tx.tx.ExecContext(ctx, `CREATE TEMP TABLE IF NOT EXISTS catalog_codes (code TEXT PRIMARY KEY)`); err != nil {
			return fmt.Errorf("failed to create catalog scratch table: %w", err)
		}
		if _, err := tx.tx.ExecContext(ctx, `DELETE FROM catalog_codes`); err != nil {
			return fmt.Errorf("failed to reset catalog scratch table: %w", err)
		}

		for _, p := range products {
			p.Synced = true
			p.LastSyncAt = &syncedAt
			if err := upsertProduct(ctx, tx.tx, p); err != nil {
				return err
			}
			if _, err := tx.tx.ExecContext(ctx, `INSERT OR IGNORE INTO catalog_codes (code) VALUES (?)`, p.Code); err != nil {
				return fmt.Errorf("failed to record catalog code: %w", err)
			}
			upserted++
		}

		res, err := tx.tx.ExecContext(ctx, `
			UPDATE products SET active = 0
			WHERE active = 1 AND code NOT IN (SELECT code FROM catalog_codes)
		`)
		if err != nil {
			return fmt.Errorf("failed to deactivate missing products: %w", err)
		}
		n, _ := res.RowsAffected()
		deactivated = int(n)
		return nil
	})
	if err != nil {
		return 0, 0, err
	}
	return upserted, deactivated, nil
}

func scanProduct(row rowScanner) (*schema.Product, error) {
	var p schema.Product
	var price string
	var active, synced int
	var remoteID, lastSync sql.NullString

	if err := row.Scan(&p.ID, &p.Code, &p.Name, &price, &p.Stock, &p.MinStock,
		&active, &remoteID, &synced, &lastSync); err != nil {
		return nil, err
	}

	var err error
	if p.Price, err = parseDecimal(price); err != nil {
		return nil, err
	}
	p.Active = active != 0
	p.Synced = synced != 0
	p.RemoteID = remoteID.String
	p.LastSyncAt = nullStringToTime(lastSync)
	return &p, nil
}

func scanProducts(rows *sql.Rows) ([]*schema.Product, error) {
	var products []*schema.Product
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan product: %w", err)
		}
		products = append(products, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating products: %w", err)
	}
	return products, nil
}
