package server

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/nexusti/possync/internal/remote"
)

// Backend persists what the API receives. pgstore.Store implements it.
type Backend interface {
	CreateSale(ctx context.Context, p remote.SalePayload) (string, error)
	SaveDocument(ctx context.Context, name, url string, meta remote.Metadata) error
	MarkNotified(ctx context.Context, name string) error
	NotificationSent(ctx context.Context, name string) (bool, error)
	UpsertProduct(ctx context.Context, p remote.RemoteProduct) (string, error)
	ListProducts(ctx context.Context) ([]remote.RemoteProduct, error)
}

type memDocument struct {
	url      string
	meta     remote.Metadata
	notified bool
}

// MemoryBackend keeps everything in memory.
type MemoryBackend struct {
	mu       sync.RWMutex
	sales    map[string]remote.SalePayload
	docs     map[string]*memDocument
	products map[string]remote.RemoteProduct
}

// NewMemoryBackend creates an empty MemoryBackend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		sales:    make(map[string]remote.SalePayload),
		docs:     make(map[string]*memDocument),
		products: make(map[string]remote.RemoteProduct),
	}
}

// CreateSale implements Backend.
func (m *MemoryBackend) CreateSale(ctx context.Context, p remote.SalePayload) (string, error) {
	id := uuid.NewString()
	m.mu.Lock()
	m.sales[id] = p
	m.mu.Unlock()
	return id, nil
}

// SalesWithNumber counts stored sales with the given number.
func (m *MemoryBackend) SalesWithNumber(number string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, s := range m.sales {
		if s.SaleNumber == number {
			n++
		}
	}
	return n
}

// SaveDocument implements Backend.
func (m *MemoryBackend) SaveDocument(ctx context.Context, name, url string, meta remote.Metadata) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d, ok := m.docs[name]; ok {
		d.url = url
		d.meta = meta
		return nil
	}
	m.docs[name] = &memDocument{url: url, meta: meta}
	return nil
}

// MarkNotified implements Backend.
func (m *MemoryBackend) MarkNotified(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.docs[name]
	if !ok {
		return fmt.Errorf("document %s: %w", name, remote.ErrNotFound)
	}
	d.notified = true
	return nil
}

// NotificationSent implements Backend.
func (m *MemoryBackend) NotificationSent(ctx context.Context, name string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.docs[name]
	if !ok {
		return false, fmt.Errorf("document %s: %w", name, remote.ErrNotFound)
	}
	return d.notified, nil
}

// UpsertProduct implements Backend.
func (m *MemoryBackend) UpsertProduct(ctx context.Context, p remote.RemoteProduct) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if old, ok := m.products[p.Code]; ok {
		p.ID = old.ID
	} else {
		p.ID = uuid.NewString()
	}
	m.products[p.Code] = p
	return p.ID, nil
}

// ListProducts implements Backend.
func (m *MemoryBackend) ListProducts(ctx context.Context) ([]remote.RemoteProduct, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]remote.RemoteProduct, 0, len(m.products))
	for _, p := range m.products {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}
