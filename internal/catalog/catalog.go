// Package catalog keeps the local product list in step with the remote
// catalog and provisions it from TOML files.
package catalog

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/nexusti/possync/internal/remote"
	"github.com/nexusti/possync/internal/schema"
)

// Store is the subset of the local store used by the catalog.
type Store interface {
	ReplaceCatalog(ctx context.Context, products []*schema.Product, syncedAt time.Time) (int, int, error)
	UpsertProductContext(ctx context.Context, p *schema.Product) error
}

// RefreshResult summarizes a refresh.
type RefreshResult struct {
	Upserted    int `json:"upserted"`
	Deactivated int `json:"deactivated"`
}

// Refresher pulls the remote catalog into the local store.
type Refresher struct {
	store  Store
	source remote.CatalogSource
	logger *zap.Logger
}

// NewRefresher creates a Refresher.
func NewRefresher(st Store, source remote.CatalogSource, logger *zap.Logger) *Refresher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Refresher{store: st, source: source, logger: logger}
}

// Refresh replaces local products with the remote catalog. Local products
// missing remotely are deactivated, not deleted, because sales reference
// them.
func (r *Refresher) Refresh(ctx context.Context) (RefreshResult, error) {
	products, err := r.source.FetchCatalog(ctx)
	if err != nil {
		return RefreshResult{}, fmt.Errorf("failed to fetch remote catalog: %w", err)
	}

	ptrs := make([]*schema.Product, 0, len(products))
	for i := range products {
		p := products[i]
		if p.MinStock == 0 {
			p.MinStock = schema.DefaultMinStock
		}
		if err := p.Validate(); err != nil {
			r.logger.Warn("skipping invalid remote product", zap.String("code", p.Code), zap.Error(err))
			continue
		}
		ptrs = append(ptrs, &p)
	}

	upserted, deactivated, err := r.store.ReplaceCatalog(ctx, ptrs, time.Now())
	if err != nil {
		return RefreshResult{}, err
	}

	r.logger.Info("catalog refreshed",
		zap.Int("upserted", upserted),
		zap.Int("deactivated", deactivated))
	return RefreshResult{Upserted: upserted, Deactivated: deactivated}, nil
}

// File is the TOML layout of a catalog file:
//
//	[[product]]
//	code = "A1"
//	name = "Apple"
//	price = "1.50"
//	stock = 10
type File struct {
	Products []FileProduct `toml:"product"`
}

// FileProduct is one product entry of a catalog file.
type FileProduct struct {
	Code     string `toml:"code"`
	Name     string `toml:"name"`
	Price    string `toml:"price"`
	Stock    int    `toml:"stock"`
	MinStock *int   `toml:"min_stock"`
	Active   *bool  `toml:"active"`
}

// ParseTOML decodes a catalog file into products.
func ParseTOML(data []byte) ([]schema.Product, error) {
	var f File
	if _, err := toml.Decode(string(data), &f); err != nil {
		return nil, fmt.Errorf("failed to parse catalog: %w", err)
	}

	products := make([]schema.Product, 0, len(f.Products))
	for i, fp := range f.Products {
		price, err := decimal.NewFromString(fp.Price)
		if err != nil {
			return nil, fmt.Errorf("product %d (%s): invalid price %q: %w", i+1, fp.Code, fp.Price, err)
		}
		p := schema.Product{
			Code:     fp.Code,
			Name:     fp.Name,
			Price:    price,
			Stock:    fp.Stock,
			MinStock: schema.DefaultMinStock,
			Active:   true,
		}
		if fp.MinStock != nil {
			p.MinStock = *fp.MinStock
		}
		if fp.Active != nil {
			p.Active = *fp.Active
		}
		if err := p.Validate(); err != nil {
			return nil, fmt.Errorf("product %d: %w", i+1, err)
		}
		products = append(products, p)
	}
	return products, nil
}

// ImportTOML upserts every product of a catalog file into the local store
// and returns how many were imported.
func ImportTOML(ctx context.Context, st Store, path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("failed to read catalog: %w", err)
	}
	products, err := ParseTOML(data)
	if err != nil {
		return 0, err
	}
	for i := range products {
		if err := st.UpsertProductContext(ctx, &products[i]); err != nil {
			return i, err
		}
	}
	return len(products), nil
}

// ToRemote converts a local product to its remote representation.
func ToRemote(p schema.Product) remote.RemoteProduct {
	return remote.RemoteProduct{
		ID:       p.RemoteID,
		Code:     p.Code,
		Name:     p.Name,
		Price:    p.Price,
		Stock:    p.Stock,
		MinStock: p.MinStock,
		Active:   p.Active,
	}
}
