package revenue

import (
	"context"
	"math/big"
	"sort"
	"sync"

	"github.com/agenthub/agenthub/internal/units"
)

// Compile-time assertion.
var _ Store = (*MemoryStore)(nil)

type balanceKey struct {
	kind, pool, staker string
}

// MemoryStore is an in-memory Store for demo/testing.
type MemoryStore struct {
	shares        *Shares
	pending       map[balanceKey]*big.Int
	distributions []*Distribution
	references    map[string]struct{}
	mu            sync.RWMutex
}

// NewMemoryStore creates a new in-memory revenue store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		pending:    make(map[balanceKey]*big.Int),
		references: make(map[string]struct{}),
	}
}

func (m *MemoryStore) GetShares(_ context.Context) (*Shares, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.shares == nil {
		return nil, ErrSharesNotSet
	}
	cp := *m.shares
	return &cp, nil
}

func (m *MemoryStore) SetShares(_ context.Context, shares *Shares) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *shares
	m.shares = &cp
	return nil
}

func (m *MemoryStore) Credit(_ context.Context, dist *Distribution) error {
	parts := []struct {
		key    balanceKey
		amount string
	}{
		{balanceKey{KindCreator, dist.Creator, ""}, dist.CreatorAmount},
		{balanceKey{KindStaker, dist.Pool, dist.Staker}, dist.StakerAmount},
		{balanceKey{KindProtocol, protocolPool, ""}, dist.ProtocolAmount},
	}
	amounts := make([]*big.Int, len(parts))
	for i, p := range parts {
		amt, err := units.ParseUSDC(p.amount)
		if err != nil {
			return err
		}
		amounts[i] = amt
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if dist.Reference != "" {
		if _, seen := m.references[dist.Reference]; seen {
			return ErrDuplicateReference
		}
		m.references[dist.Reference] = struct{}{}
	}
	for i, p := range parts {
		cur, ok := m.pending[p.key]
		if !ok {
			cur = new(big.Int)
			m.pending[p.key] = cur
		}
		cur.Add(cur, amounts[i])
	}
	cp := *dist
	m.distributions = append(m.distributions, &cp)
	return nil
}

func (m *MemoryStore) Claim(_ context.Context, kind, pool, staker string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := balanceKey{kind, pool, staker}
	cur, ok := m.pending[key]
	if !ok || cur.Sign() == 0 {
		return "", ErrNothingToClaim
	}
	claimed := units.FormatUSDC(cur)
	m.pending[key] = new(big.Int)
	return claimed, nil
}

func (m *MemoryStore) Balance(_ context.Context, kind, pool, staker string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return units.FormatUSDC(m.pending[balanceKey{kind, pool, staker}]), nil
}

func (m *MemoryStore) StakerBalances(_ context.Context, staker string) ([]*Balance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*Balance
	for k, amt := range m.pending {
		if k.kind != KindStaker || k.staker != staker || amt.Sign() == 0 {
			continue
		}
		result = append(result, &Balance{Kind: KindStaker, Pool: k.pool, Staker: k.staker, Amount: units.FormatUSDC(amt)})
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Pool < result[j].Pool })
	return result, nil
}

// ListDistributions returns the newest distributions first.
func (m *MemoryStore) ListDistributions(_ context.Context, creator string, limit int) ([]*Distribution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*Distribution
	for i := len(m.distributions) - 1; i >= 0; i-- {
		if limit > 0 && len(result) >= limit {
			break
		}
		d := m.distributions[i]
		if creator != "" && d.Creator != creator {
			continue
		}
		cp := *d
		result = append(result, &cp)
	}
	return result, nil
}
