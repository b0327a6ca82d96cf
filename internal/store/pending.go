package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/nexusti/possync/internal/schema"
)

const pendingColumns = `id, created_at, total, payment_method, customer_name, customer_document,
	customer_email, lines_json, sale_number, retry_count, last_attempt_at, last_error, synced,
	remote_id, document_path, document_uploaded, document_url, doc_retry_count,
	doc_last_attempt_at, doc_last_error, notification_sent`

// InsertPendingSale enqueues an outbox row in its own transaction.
func (db *DB) InsertPendingSale(ctx context.Context, p *schema.PendingSale) error {
	return insertPendingSale(ctx, db.conn, p)
}

// InsertPendingSale enqueues an outbox row inside the sale transaction.
func (tx *Tx) InsertPendingSale(ctx context.Context, p *schema.PendingSale) error {
	return insertPendingSale(ctx, tx.tx, p)
}

func insertPendingSale(ctx context.Context, q execQuerier, p *schema.PendingSale) error {
	if err := p.Validate(); err != nil {
		return fmt.Errorf("invalid pending sale: %w", err)
	}

	res, err := q.ExecContext(ctx, `
		INSERT INTO pending_sales (created_at, total, payment_method, customer_name,
			customer_document, customer_email, lines_json, sale_number, document_path)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, formatTime(p.CreatedAt), p.Total.String(), string(p.PaymentMethod),
		stringToNull(p.CustomerName), stringToNull(p.CustomerDocument), stringToNull(p.CustomerEmail),
		p.LinesJSON, p.SaleNumber, stringToNull(p.DocumentPath))
	if err != nil {
		return fmt.Errorf("failed to insert pending sale %s: %w", p.SaleNumber, err)
	}
	if p.ID, err = res.LastInsertId(); err != nil {
		return fmt.Errorf("failed to read pending sale id: %w", err)
	}
	return nil
}

// GetPendingSale retrieves an outbox row by ID.
func (db *DB) GetPendingSale(ctx context.Context, id int64) (*schema.PendingSale, error) {
	row := db.conn.QueryRowContext(ctx, `SELECT `+pendingColumns+` FROM pending_sales WHERE id = ?`, id)
	p, err := scanPendingSale(row)
	if err != nil {
		return nil, notFound(err, fmt.Sprintf("pending sale %d", id))
	}
	return p, nil
}

// ListUnsynced returns every unsynced row, oldest first.
func (db *DB) ListUnsynced(ctx context.Context) ([]*schema.PendingSale, error) {
	return db.queryPending(ctx, `WHERE synced = 0 ORDER BY created_at, id`)
}

// CountUnsynced returns the number of unsynced rows.
func (db *DB) CountUnsynced(ctx context.Context) (int, error) {
	var n int
	if err := db.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM pending_sales WHERE synced = 0`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count unsynced sales: %w", err)
	}
	return n, nil
}

// ListRetryable returns unsynced rows whose retry count is below maxRetries,
// oldest first.
func (db *DB) ListRetryable(ctx context.Context, maxRetries int) ([]*schema.PendingSale, error) {
	return db.queryPending(ctx, `WHERE synced = 0 AND retry_count < ? ORDER BY created_at, id`, maxRetries)
}

// ListPendingDocuments returns rows with a local document not yet uploaded
// and fewer than maxRetries failed upload attempts.
func (db *DB) ListPendingDocuments(ctx context.Context, maxRetries int) ([]*schema.PendingSale, error) {
	return db.queryPending(ctx, `
		WHERE document_path IS NOT NULL AND document_uploaded = 0 AND doc_retry_count < ?
		ORDER BY created_at, id`, maxRetries)
}

// ListMissingDocuments returns rows that have no local document yet.
func (db *DB) ListMissingDocuments(ctx context.Context) ([]*schema.PendingSale, error) {
	return db.queryPending(ctx, `WHERE document_path IS NULL AND document_uploaded = 0 ORDER BY created_at, id`)
}

// ListPendingNotifications returns rows with an uploaded document whose
// notification has not been confirmed.
func (db *DB) ListPendingNotifications(ctx context.Context) ([]*schema.PendingSale, error) {
	return db.queryPending(ctx, `WHERE document_uploaded = 1 AND notification_sent = 0 ORDER BY created_at, id`)
}

// ListAllPending returns every outbox row, oldest first.
func (db *DB) ListAllPending(ctx context.Context) ([]*schema.PendingSale, error) {
	return db.queryPending(ctx, `ORDER BY created_at, id`)
}

func (db *DB) queryPending(ctx context.Context, where string, args ...any) ([]*schema.PendingSale, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT `+pendingColumns+` FROM pending_sales `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending sales: %w", err)
	}
	defer rows.Close()

	var out []*schema.PendingSale
	for rows.Next() {
		p, err := scanPendingSale(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan pending sale: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating pending sales: %w", err)
	}
	return out, nil
}

// MarkSynced records a successful remote creation. The retry count is left
// untouched as history.
func (db *DB) MarkSynced(ctx context.Context, id int64, remoteID string, at time.Time) error {
	return db.execOne(ctx, id, "mark synced", `
		UPDATE pending_sales
		SET synced = 1, remote_id = ?, last_attempt_at = ?, last_error = NULL
		WHERE id = ?
	`, remoteID, formatTime(at), id)
}

// RecordSyncFailure bumps the retry count and stores the error text in a
// single statement.
func (db *DB) RecordSyncFailure(ctx context.Context, id int64, msg string, at time.Time) error {
	return db.execOne(ctx, id, "record sync failure", `
		UPDATE pending_sales
		SET retry_count = retry_count + 1, last_attempt_at = ?, last_error = ?
		WHERE id = ?
	`, formatTime(at), msg, id)
}

// ResetRetries clears both retry counters of a row so an abandoned row
// becomes eligible again.
func (db *DB) ResetRetries(ctx context.Context, id int64) error {
	return db.execOne(ctx, id, "reset retries", `
		UPDATE pending_sales
		SET retry_count = 0, doc_retry_count = 0, last_error = NULL, doc_last_error = NULL
		WHERE id = ?
	`, id)
}

// ResetAllRetries clears the retry counts of every unsynced row.
func (db *DB) ResetAllRetries(ctx context.Context) (int, error) {
	res, err := db.conn.ExecContext(ctx, `
		UPDATE pending_sales
		SET retry_count = 0, doc_retry_count = 0, last_error = NULL, doc_last_error = NULL
		WHERE synced = 0 OR document_uploaded = 0
	`)
	if err != nil {
		return 0, fmt.Errorf("failed to reset retries: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// SetDocumentPath records where the row's rendered document lives locally.
func (db *DB) SetDocumentPath(ctx context.Context, id int64, path string) error {
	return db.execOne(ctx, id, "set document path", `
		UPDATE pending_sales SET document_path = ? WHERE id = ?
	`, path, id)
}

// MarkDocumentUploaded stores the remote URL of the uploaded document.
func (db *DB) MarkDocumentUploaded(ctx context.Context, id int64, url string, at time.Time) error {
	return db.execOne(ctx, id, "mark document uploaded", `
		UPDATE pending_sales
		SET document_uploaded = 1, document_url = ?, doc_last_attempt_at = ?, doc_last_error = NULL
		WHERE id = ?
	`, url, formatTime(at), id)
}

// RecordDocumentFailure bumps the document retry count and stores the error.
func (db *DB) RecordDocumentFailure(ctx context.Context, id int64, msg string, at time.Time) error {
	return db.execOne(ctx, id, "record document failure", `
		UPDATE pending_sales
		SET doc_retry_count = doc_retry_count + 1, doc_last_attempt_at = ?, doc_last_error = ?
		WHERE id = ?
	`, formatTime(at), msg, id)
}

// MarkNotificationSent records that the remote confirmed the notification.
func (db *DB) MarkNotificationSent(ctx context.Context, id int64) error {
	return db.execOne(ctx, id, "mark notification sent", `
		UPDATE pending_sales SET notification_sent = 1 WHERE id = ? AND document_uploaded = 1
	`, id)
}

// PurgeCompleted deletes rows whose three completion flags are all set.
func (db *DB) PurgeCompleted(ctx context.Context) (int, error) {
	res, err := db.conn.ExecContext(ctx, `
		DELETE FROM pending_sales
		WHERE synced = 1 AND document_uploaded = 1 AND notification_sent = 1
	`)
	if err != nil {
		return 0, fmt.Errorf("failed to purge completed pending sales: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// PurgeSyncedBefore deletes synced rows created before cutoff, whatever the
// state of their document stage.
func (db *DB) PurgeSyncedBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := db.conn.ExecContext(ctx, `
		DELETE FROM pending_sales WHERE synced = 1 AND created_at < ?
	`, formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("failed to purge synced pending sales: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (db *DB) execOne(ctx context.Context, id int64, op string, query string, args ...any) error {
	res, err := db.conn.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to %s for pending sale %d: %w", op, id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("pending sale %d: %w", id, ErrNotFound)
	}
	return nil
}

func scanPendingSale(row rowScanner) (*schema.PendingSale, error) {
	var p schema.PendingSale
	var createdAt, total, method string
	var customerName, customerDoc, customerEmail sql.NullString
	var lastAttempt, lastError, remoteID sql.NullString
	var docPath, docURL, docLastAttempt, docLastError sql.NullString
	var synced, uploaded, notified int

	if err := row.Scan(&p.ID, &createdAt, &total, &method, &customerName, &customerDoc,
		&customerEmail, &p.LinesJSON, &p.SaleNumber, &p.RetryCount, &lastAttempt, &lastError,
		&synced, &remoteID, &docPath, &uploaded, &docURL, &p.DocRetryCount,
		&docLastAttempt, &docLastError, &notified); err != nil {
		return nil, err
	}

	var err error
	if p.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if p.Total, err = parseDecimal(total); err != nil {
		return nil, err
	}
	p.PaymentMethod = schema.PaymentMethod(method)
	p.CustomerName = customerName.String
	p.CustomerDocument = customerDoc.String
	p.CustomerEmail = customerEmail.String
	p.LastAttemptAt = nullStringToTime(lastAttempt)
	p.LastError = lastError.String
	p.Synced = synced != 0
	p.RemoteID = remoteID.String
	p.DocumentPath = docPath.String
	p.DocumentUploaded = uploaded != 0
	p.DocumentURL = docURL.String
	p.DocLastAttemptAt = nullStringToTime(docLastAttempt)
	p.DocLastError = docLastError.String
	p.NotificationSent = notified != 0
	return &p, nil
}
