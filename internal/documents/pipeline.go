package documents

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/nexusti/possync/internal/remote"
	"github.com/nexusti/possync/internal/schema"
)

var (
	// ErrSweepInProgress is returned while another upload sweep runs.
	ErrSweepInProgress = errors.New("document sweep already in progress")

	errMissingFile = errors.New("document file missing")
)

// Store is the subset of the local store used by the pipeline.
type Store interface {
	SetDocumentPath(ctx context.Context, id int64, path string) error
	ListMissingDocuments(ctx context.Context) ([]*schema.PendingSale, error)
	ListPendingDocuments(ctx context.Context, maxRetries int) ([]*schema.PendingSale, error)
	MarkDocumentUploaded(ctx context.Context, id int64, url string, at time.Time) error
	RecordDocumentFailure(ctx context.Context, id int64, msg string, at time.Time) error
	ListPendingNotifications(ctx context.Context) ([]*schema.PendingSale, error)
	MarkNotificationSent(ctx context.Context, id int64) error
}

// Config tunes a Pipeline.
type Config struct {
	// SpoolDir holds rendered documents waiting for upload.
	SpoolDir string
	// MaxRetries is the upload retry ceiling.
	MaxRetries int
	// Timeout bounds a single upload.
	Timeout time.Duration
	// KeepLocal keeps the local file after a successful upload.
	KeepLocal bool
}

// DefaultConfig returns the default pipeline configuration.
func DefaultConfig() Config {
	return Config{
		SpoolDir:   "receipts",
		MaxRetries: 3,
		Timeout:    5 * time.Second,
	}
}

// Pipeline renders receipts into the spool directory and uploads them.
type Pipeline struct {
	store    Store
	uploader remote.DocumentUploader
	notifier remote.NotificationChecker
	renderer Renderer
	cfg      Config
	logger   *zap.Logger
	now      func() time.Time

	sweeping atomic.Bool
	uploaded atomic.Int64
	failed   atomic.Int64
}

// New creates a Pipeline. notifier may be nil, in which case notifications
// are never reconciled.
func New(st Store, uploader remote.DocumentUploader, notifier remote.NotificationChecker, renderer Renderer, cfg Config, logger *zap.Logger) *Pipeline {
	def := DefaultConfig()
	if cfg.SpoolDir == "" {
		cfg.SpoolDir = def.SpoolDir
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if renderer == nil {
		renderer = PDFRenderer{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		store:    st,
		uploader: uploader,
		notifier: notifier,
		renderer: renderer,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
}

// SpoolDir returns the directory rendered documents are written to.
func (p *Pipeline) SpoolDir() string {
	return p.cfg.SpoolDir
}

// RenderForSale renders a receipt into the spool directory and records its
// path on the outbox row. It returns the file path.
func (p *Pipeline) RenderForSale(ctx context.Context, pendingID int64, rc Receipt) (string, error) {
	data, err := p.renderer.Render(rc)
	if err != nil {
		return "", err
	}

	path, err := p.writeSpool(schema.DocumentName(rc.SaleNumber), data)
	if err != nil {
		return "", err
	}
	if err := p.store.SetDocumentPath(ctx, pendingID, path); err != nil {
		return "", fmt.Errorf("failed to record document path: %w", err)
	}

	p.logger.Debug("receipt rendered",
		zap.Int64("pending_id", pendingID),
		zap.String("path", path))
	return path, nil
}

// RenderMissing renders receipts for rows that never got one, for example
// after a crash between checkout and rendering. Returns how many were
// rendered.
func (p *Pipeline) RenderMissing(ctx context.Context) (int, error) {
	rows, err := p.store.ListMissingDocuments(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list rows without documents: %w", err)
	}

	rendered := 0
	for _, row := range rows {
		rc, err := ReceiptFromPending(row)
		if err != nil {
			p.logger.Warn("failed to rebuild receipt", zap.Int64("pending_id", row.ID), zap.Error(err))
			continue
		}
		if _, err := p.RenderForSale(ctx, row.ID, rc); err != nil {
			p.logger.Warn("failed to render receipt", zap.Int64("pending_id", row.ID), zap.Error(err))
			continue
		}
		rendered++
	}
	return rendered, nil
}

// writeSpool writes data atomically so watchers never see a partial file.
func (p *Pipeline) writeSpool(name string, data []byte) (string, error) {
	if err := os.MkdirAll(p.cfg.SpoolDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create spool directory: %w", err)
	}

	tmp, err := os.CreateTemp(p.cfg.SpoolDir, ".render-*")
	if err != nil {
		return "", fmt.Errorf("failed to create temp document: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("failed to write document: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("failed to close document: %w", err)
	}

	path := filepath.Join(p.cfg.SpoolDir, name)
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("failed to move document into spool: %w", err)
	}
	return path, nil
}

// UploadPending uploads every rendered document not yet uploaded and below
// the retry ceiling. Returns the number uploaded in this pass.
func (p *Pipeline) UploadPending(ctx context.Context) (int, error) {
	if !p.sweeping.CompareAndSwap(false, true) {
		return 0, ErrSweepInProgress
	}
	defer p.sweeping.Store(false)

	rows, err := p.store.ListPendingDocuments(ctx, p.cfg.MaxRetries)
	if err != nil {
		return 0, fmt.Errorf("failed to list pending documents: %w", err)
	}

	uploaded := 0
	for _, row := range rows {
		if err := ctx.Err(); err != nil {
			return uploaded, err
		}
		if err := p.uploadOne(ctx, row); err != nil {
			if errors.Is(err, context.Canceled) && ctx.Err() != nil {
				return uploaded, err
			}
			p.logger.Warn("failed to upload document",
				zap.Int64("pending_id", row.ID),
				zap.String("sale_number", row.SaleNumber),
				zap.Int("doc_retry_count", row.DocRetryCount+1),
				zap.Error(err))
			continue
		}
		uploaded++
	}

	if len(rows) > 0 {
		p.logger.Info("document sweep complete",
			zap.Int("uploaded", uploaded),
			zap.Int("failed", len(rows)-uploaded))
	}
	return uploaded, nil
}

func (p *Pipeline) uploadOne(ctx context.Context, row *schema.PendingSale) error {
	bookCtx := context.WithoutCancel(ctx)

	data, err := os.ReadFile(row.DocumentPath)
	if err != nil {
		msg := err.Error()
		if errors.Is(err, os.ErrNotExist) {
			msg = errMissingFile.Error()
		}
		return p.fail(bookCtx, row, msg, err)
	}

	upCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	url, err := p.uploader.UploadDocument(upCtx, data, schema.DocumentName(row.SaleNumber), remote.MetadataFor(row))
	timedOut := errors.Is(upCtx.Err(), context.DeadlineExceeded)
	cancel()
	if err != nil {
		// Interrupted by the caller: not an attempt.
		if cerr := ctx.Err(); errors.Is(cerr, context.Canceled) {
			return cerr
		}
		if timedOut || errors.Is(err, context.DeadlineExceeded) {
			return p.fail(bookCtx, row, "Timeout", err)
		}
		return p.fail(bookCtx, row, err.Error(), err)
	}

	if err := p.store.MarkDocumentUploaded(bookCtx, row.ID, url, p.now()); err != nil {
		return fmt.Errorf("failed to mark document uploaded: %w", err)
	}
	p.uploaded.Add(1)

	if !p.cfg.KeepLocal {
		if err := os.Remove(row.DocumentPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			p.logger.Warn("failed to remove uploaded document",
				zap.String("path", row.DocumentPath),
				zap.Error(err))
		}
	}

	p.logger.Info("document uploaded",
		zap.Int64("pending_id", row.ID),
		zap.String("sale_number", row.SaleNumber),
		zap.String("url", url))
	return nil
}

func (p *Pipeline) fail(ctx context.Context, row *schema.PendingSale, msg string, cause error) error {
	p.failed.Add(1)
	if err := p.store.RecordDocumentFailure(ctx, row.ID, msg, p.now()); err != nil {
		p.logger.Error("failed to record document failure",
			zap.Int64("pending_id", row.ID),
			zap.Error(err))
	}
	return fmt.Errorf("%s: %w", msg, cause)
}

// ReconcileNotifications asks the remote whether the customer notification
// of each uploaded document went out and records confirmed ones. Returns the
// number of rows newly marked.
func (p *Pipeline) ReconcileNotifications(ctx context.Context) (int, error) {
	if p.notifier == nil {
		return 0, nil
	}

	rows, err := p.store.ListPendingNotifications(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list pending notifications: %w", err)
	}

	marked := 0
	for _, row := range rows {
		reqCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
		sent, err := p.notifier.NotificationSent(reqCtx, row.SaleNumber)
		cancel()
		if err != nil {
			p.logger.Warn("failed to check notification",
				zap.String("sale_number", row.SaleNumber),
				zap.Error(err))
			continue
		}
		if !sent {
			continue
		}
		if err := p.store.MarkNotificationSent(ctx, row.ID); err != nil {
			p.logger.Warn("failed to mark notification sent",
				zap.Int64("pending_id", row.ID),
				zap.Error(err))
			continue
		}
		marked++
	}
	return marked, nil
}

// Stats returns upload counters since the pipeline was created.
func (p *Pipeline) Stats() (uploaded, failed int64) {
	return p.uploaded.Load(), p.failed.Load()
}
