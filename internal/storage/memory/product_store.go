// Package memory provides in-memory stores for standalone mode and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/JakeFAU/pricepulse/internal/tracker"
)

// ProductStore implements tracker.Store in memory.
type ProductStore struct {
	mu       sync.RWMutex
	products map[int64]tracker.Product
	byURL    map[string]int64
	history  map[int64][]tracker.PriceHistory
	nextID   int64
	nextHist int64
	now      func() time.Time
	closed   bool
}

// NewProductStore constructs a ProductStore. A nil now uses the UTC wall clock.
func NewProductStore(now func() time.Time) *ProductStore {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &ProductStore{
		products: make(map[int64]tracker.Product),
		byURL:    make(map[string]int64),
		history:  make(map[int64][]tracker.PriceHistory),
		now:      now,
	}
}

// CreateProduct stores a new active product.
func (s *ProductStore) CreateProduct(_ context.Context, p tracker.NewProduct) (tracker.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byURL[p.URL]; exists {
		return tracker.Product{}, fmt.Errorf("%w: url %q already tracked", tracker.ErrConflict, p.URL)
	}
	s.nextID++
	now := s.now()
	product := tracker.Product{
		ID:          s.nextID,
		Name:        cloneString(p.Name),
		URL:         p.URL,
		Platform:    p.Platform,
		TargetPrice: cloneDecimal(p.TargetPrice),
		Currency:    cloneString(p.Currency),
		IsActive:    true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.products[product.ID] = product
	s.byURL[product.URL] = product.ID
	return cloneProduct(product), nil
}

// ListProducts returns products newest first.
func (s *ProductStore) ListProducts(_ context.Context, withHistory bool) ([]tracker.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]tracker.Product, 0, len(s.products))
	for _, p := range s.products {
		c := cloneProduct(p)
		if withHistory {
			c.PriceHistory = s.historyNewestFirst(p.ID)
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// GetProduct fetches a product by ID.
func (s *ProductStore) GetProduct(_ context.Context, id int64) (tracker.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.products[id]
	if !ok {
		return tracker.Product{}, fmt.Errorf("%w: product %d", tracker.ErrNotFound, id)
	}
	return cloneProduct(p), nil
}

// UpdateProduct applies the non-nil fields of u.
func (s *ProductStore) UpdateProduct(_ context.Context, id int64, u tracker.ProductUpdate) (tracker.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.products[id]
	if !ok {
		return tracker.Product{}, fmt.Errorf("%w: product %d", tracker.ErrNotFound, id)
	}
	if u.Name != nil {
		p.Name = cloneString(u.Name)
	}
	if u.TargetPrice != nil {
		p.TargetPrice = cloneDecimal(u.TargetPrice)
	}
	if u.Currency != nil {
		p.Currency = cloneString(u.Currency)
	}
	if u.IsActive != nil {
		p.IsActive = *u.IsActive
	}
	p.UpdatedAt = s.now()
	s.products[id] = p
	return cloneProduct(p), nil
}

// ListPriceHistory returns observations newest first.
func (s *ProductStore) ListPriceHistory(_ context.Context, productID int64) ([]tracker.PriceHistory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.products[productID]; !ok {
		return nil, fmt.Errorf("%w: product %d", tracker.ErrNotFound, productID)
	}
	return s.historyNewestFirst(productID), nil
}

// RecordPrice appends a history row and moves last_price under one lock.
func (s *ProductStore) RecordPrice(_ context.Context, productID int64, price decimal.Decimal) (tracker.PriceHistory, error) {
	normalized, err := tracker.NormalizePrice(price)
	if err != nil {
		return tracker.PriceHistory{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return tracker.PriceHistory{}, fmt.Errorf("%w: store closed", tracker.ErrStore)
	}
	p, ok := s.products[productID]
	if !ok {
		return tracker.PriceHistory{}, fmt.Errorf("%w: product %d", tracker.ErrNotFound, productID)
	}
	s.nextHist++
	h := tracker.PriceHistory{
		ID:        s.nextHist,
		ProductID: productID,
		Price:     normalized,
		CheckedAt: s.now(),
	}
	s.history[productID] = append(s.history[productID], h)
	p.LastPrice = &normalized
	p.UpdatedAt = h.CheckedAt
	s.products[productID] = p
	return h, nil
}

// SetTrackingTask records the latest job id on a product.
func (s *ProductStore) SetTrackingTask(_ context.Context, productID int64, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.products[productID]
	if !ok {
		return fmt.Errorf("%w: product %d", tracker.ErrNotFound, productID)
	}
	p.TrackingTaskID = &jobID
	p.UpdatedAt = s.now()
	s.products[productID] = p
	return nil
}

// ListProductIDs returns all product ids in ascending order.
func (s *ProductStore) ListProductIDs(_ context.Context) ([]int64, error) {
	return s.ids(false), nil
}

// ListActiveProductIDs returns active product ids in ascending order.
func (s *ProductStore) ListActiveProductIDs(_ context.Context) ([]int64, error) {
	return s.ids(true), nil
}

// Ping reports whether the store is still open.
func (s *ProductStore) Ping(_ context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return fmt.Errorf("%w: store closed", tracker.ErrStore)
	}
	return nil
}

// Close marks the store closed.
func (s *ProductStore) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

func (s *ProductStore) ids(activeOnly bool) []int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]int64, 0, len(s.products))
	for id, p := range s.products {
		if activeOnly && !p.IsActive {
			continue
		}
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// historyNewestFirst must be called with the lock held.
func (s *ProductStore) historyNewestFirst(productID int64) []tracker.PriceHistory {
	rows := s.history[productID]
	out := make([]tracker.PriceHistory, len(rows))
	for i, h := range rows {
		out[len(rows)-1-i] = h
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CheckedAt.After(out[j].CheckedAt)
	})
	return out
}

func cloneProduct(p tracker.Product) tracker.Product {
	c := p
	c.Name = cloneString(p.Name)
	c.Currency = cloneString(p.Currency)
	c.TrackingTaskID = cloneString(p.TrackingTaskID)
	c.TargetPrice = cloneDecimal(p.TargetPrice)
	c.LastPrice = cloneDecimal(p.LastPrice)
	c.PriceHistory = nil
	return c
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func cloneDecimal(d *decimal.Decimal) *decimal.Decimal {
	if d == nil {
		return nil
	}
	v := *d
	return &v
}
