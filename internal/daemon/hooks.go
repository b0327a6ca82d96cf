package daemon

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/nexusti/possync/internal/checkout"
	"github.com/nexusti/possync/internal/connectivity"
	"github.com/nexusti/possync/internal/documents"
	"github.com/nexusti/possync/internal/syncer"
)

// ReceiptRenderer renders a receipt into the spool. Implemented by
// *documents.Pipeline.
type ReceiptRenderer interface {
	RenderForSale(ctx context.Context, pendingID int64, rc documents.Receipt) (string, error)
}

// PostCheckout is the work done after a sale commits: the ticket is rendered
// into the spool and, when eager and online, the sale is pushed in the
// background. Failures are only logged; the sweep picks the row up later.
type PostCheckout struct {
	renderer ReceiptRenderer
	worker   syncer.Worker
	checker  connectivity.Checker
	eager    bool
	logger   *zap.Logger

	wg sync.WaitGroup
}

// NewPostCheckout creates the hook. renderer, worker and checker may be nil.
// Without a checker the push is always attempted.
func NewPostCheckout(renderer ReceiptRenderer, worker syncer.Worker, checker connectivity.Checker, eager bool, logger *zap.Logger) *PostCheckout {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PostCheckout{renderer: renderer, worker: worker, checker: checker, eager: eager, logger: logger}
}

// Hook matches checkout.Options.AfterCommit.
func (h *PostCheckout) Hook(ctx context.Context, res *checkout.Result) {
	ctx = context.WithoutCancel(ctx)

	if h.renderer != nil {
		if _, err := h.renderer.RenderForSale(ctx, res.PendingID, documents.ReceiptFromResult(res)); err != nil {
			h.logger.Warn("failed to render receipt",
				zap.String("sale_number", res.SaleNumber), zap.Error(err))
		}
	}

	if !h.eager || h.worker == nil {
		return
	}
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		// Offline attempts would only burn the row's retry budget.
		if h.checker != nil && !h.checker.IsNetworkAvailable() {
			h.logger.Debug("offline, sale left for the sweep", zap.String("sale_number", res.SaleNumber))
			return
		}
		remoteID, err := h.worker.SyncOne(ctx, res.PendingID)
		if err != nil {
			h.logger.Info("eager sync deferred to sweep",
				zap.String("sale_number", res.SaleNumber), zap.Error(err))
			return
		}
		h.logger.Debug("sale pushed", zap.String("sale_number", res.SaleNumber), zap.String("remote_id", remoteID))
	}()
}

// Wait blocks until background pushes started by Hook have finished.
func (h *PostCheckout) Wait() {
	h.wg.Wait()
}
