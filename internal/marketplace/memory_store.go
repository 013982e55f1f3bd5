package marketplace

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// Compile-time assertion.
var _ Store = (*MemoryStore)(nil)

// MemoryStore is an in-memory Store for demo/testing.
type MemoryStore struct {
	listings map[string]*Listing
	requests map[string]*Request
	mu       sync.RWMutex
}

// NewMemoryStore creates a new in-memory marketplace store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		listings: make(map[string]*Listing),
		requests: make(map[string]*Request),
	}
}

func (m *MemoryStore) CreateListing(_ context.Context, l *Listing) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *l
	m.listings[l.ServiceID] = &cp
	return nil
}

func (m *MemoryStore) GetListing(_ context.Context, serviceID string) (*Listing, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	l, ok := m.listings[serviceID]
	if !ok {
		return nil, ErrServiceNotFound
	}
	cp := *l
	return &cp, nil
}

func (m *MemoryStore) UpdateListing(_ context.Context, l *Listing) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.listings[l.ServiceID]; !ok {
		return ErrServiceNotFound
	}
	cp := *l
	m.listings[l.ServiceID] = &cp
	return nil
}

// ListListings returns listings in publication order.
func (m *MemoryStore) ListListings(_ context.Context, filter ListingFilter) ([]*Listing, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*Listing
	for _, l := range m.listings {
		if filter.Provider != "" && !strings.EqualFold(l.Provider, filter.Provider) {
			continue
		}
		if filter.ServiceType != "" && l.ServiceType != filter.ServiceType {
			continue
		}
		if filter.ActiveOnly && !l.IsActive {
			continue
		}
		cp := *l
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Ordinal < result[j].Ordinal })
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

func (m *MemoryStore) CountListings(_ context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.listings)), nil
}

func (m *MemoryStore) CreateRequest(_ context.Context, req *Request, l *Listing) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.listings[l.ServiceID]; !ok {
		return ErrServiceNotFound
	}
	rcp := *req
	lcp := *l
	m.requests[req.RequestID] = &rcp
	m.listings[l.ServiceID] = &lcp
	return nil
}

func (m *MemoryStore) GetRequest(_ context.Context, requestID string) (*Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.requests[requestID]
	if !ok {
		return nil, ErrRequestNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) CompleteRequest(_ context.Context, req *Request, l *Listing) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.requests[req.RequestID]; !ok {
		return ErrRequestNotFound
	}
	if _, ok := m.listings[l.ServiceID]; !ok {
		return ErrServiceNotFound
	}
	rcp := *req
	lcp := *l
	m.requests[req.RequestID] = &rcp
	m.listings[l.ServiceID] = &lcp
	return nil
}

// ListRequestsByConsumer returns the newest requests first.
func (m *MemoryStore) ListRequestsByConsumer(_ context.Context, consumer string, limit int) ([]*Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*Request
	for _, r := range m.requests {
		if strings.EqualFold(r.Consumer, consumer) {
			cp := *r
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Ordinal > result[j].Ordinal })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) CountRequests(_ context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.requests)), nil
}
