// Package export moves outbox rows between devices as JSONL, one pending
// sale per line. It is the manual recovery path when a device dies with
// unsynced sales on it.
package export

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/nexusti/possync/internal/schema"
)

// Source lists outbox rows. Implemented by *store.DB.
type Source interface {
	ListAllPending(ctx context.Context) ([]*schema.PendingSale, error)
}

// Sink receives imported rows. Implemented by *store.DB.
type Sink interface {
	Source
	InsertPendingSale(ctx context.Context, p *schema.PendingSale) error
}

// ImportResult contains statistics about an import.
type ImportResult struct {
	Imported int
	// SkippedSynced rows were already pushed from the source device.
	SkippedSynced int
	// SkippedExisting rows share a sale number with a local row.
	SkippedExisting int
}

// WriteJSONL writes rows one per line and returns how many were written.
func WriteJSONL(w io.Writer, rows []*schema.PendingSale) (int, error) {
	enc := json.NewEncoder(w)
	for i, row := range rows {
		if err := enc.Encode(row); err != nil {
			return i, fmt.Errorf("failed to encode pending sale %s: %w", row.SaleNumber, err)
		}
	}
	return len(rows), nil
}

// ReadJSONL parses rows written by WriteJSONL. Every row must validate.
func ReadJSONL(r io.Reader) ([]*schema.PendingSale, error) {
	dec := json.NewDecoder(r)
	var rows []*schema.PendingSale
	for line := 1; ; line++ {
		var row schema.PendingSale
		if err := dec.Decode(&row); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("invalid JSON at line %d: %w", line, err)
		}
		if err := row.Validate(); err != nil {
			return nil, fmt.Errorf("invalid pending sale at line %d: %w", line, err)
		}
		rows = append(rows, &row)
	}
	return rows, nil
}

// ExportFile writes every outbox row to path, replacing it atomically.
func ExportFile(ctx context.Context, src Source, path string) (int, error) {
	rows, err := src.ListAllPending(ctx)
	if err != nil {
		return 0, err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return 0, fmt.Errorf("failed to create export directory: %w", err)
	}
	tmpPath := path + ".tmp"
	// #nosec G304 - controlled path from CLI
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return 0, fmt.Errorf("failed to create temp file: %w", err)
	}
	n, err := WriteJSONL(f, rows)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmpPath)
		return 0, err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return 0, fmt.Errorf("failed to rename temp file: %w", err)
	}
	return n, nil
}

// ImportFile enqueues the unsynced rows of an export. Imported rows start a
// fresh retry budget and have their receipt re-rendered locally, since the
// source device's spool is not carried over.
func ImportFile(ctx context.Context, dst Sink, path string) (ImportResult, error) {
	// #nosec G304 - controlled path from CLI
	f, err := os.Open(path)
	if err != nil {
		return ImportResult{}, fmt.Errorf("failed to open JSONL file: %w", err)
	}
	defer f.Close()

	rows, err := ReadJSONL(f)
	if err != nil {
		return ImportResult{}, err
	}
	return Import(ctx, dst, rows)
}

// Import enqueues rows as described by ImportFile.
func Import(ctx context.Context, dst Sink, rows []*schema.PendingSale) (ImportResult, error) {
	existing, err := dst.ListAllPending(ctx)
	if err != nil {
		return ImportResult{}, err
	}
	seen := make(map[string]bool, len(existing))
	for _, p := range existing {
		seen[p.SaleNumber] = true
	}

	var res ImportResult
	for _, row := range rows {
		switch {
		case row.Synced:
			res.SkippedSynced++
			continue
		case seen[row.SaleNumber]:
			res.SkippedExisting++
			continue
		}

		fresh := &schema.PendingSale{
			CreatedAt:        row.CreatedAt,
			Total:            row.Total,
			PaymentMethod:    row.PaymentMethod,
			CustomerName:     row.CustomerName,
			CustomerDocument: row.CustomerDocument,
			CustomerEmail:    row.CustomerEmail,
			LinesJSON:        row.LinesJSON,
			SaleNumber:       row.SaleNumber,
		}
		if err := dst.InsertPendingSale(ctx, fresh); err != nil {
			return res, err
		}
		seen[row.SaleNumber] = true
		res.Imported++
	}
	return res, nil
}
