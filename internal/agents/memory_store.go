package agents

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
	agents  map[string]*Agent
	history map[string][]*ReputationEvent
	mu      sync.RWMutex
}

// NewMemoryStore creates a new in-memory agent store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		agents:  make(map[string]*Agent),
		history: make(map[string][]*ReputationEvent),
	}
}

func (m *MemoryStore) Create(_ context.Context, agent *Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.agents[agent.AgentID]; ok {
		return ErrAgentExists
	}
	cp := *agent
	m.agents[agent.AgentID] = &cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, agentID string) (*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.agents[agentID]
	if !ok {
		return nil, ErrAgentNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *MemoryStore) Update(_ context.Context, agent *Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.agents[agent.AgentID]; !ok {
		return ErrAgentNotFound
	}
	cp := *agent
	m.agents[agent.AgentID] = &cp
	return nil
}

func (m *MemoryStore) SaveReputation(_ context.Context, agent *Agent, event *ReputationEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.agents[agent.AgentID]; !ok {
		return ErrAgentNotFound
	}
	cp := *agent
	m.agents[agent.AgentID] = &cp
	ev := *event
	m.history[agent.AgentID] = append(m.history[agent.AgentID], &ev)
	return nil
}

func (m *MemoryStore) List(_ context.Context, limit int) ([]*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]*Agent, 0, len(m.agents))
	for _, a := range m.agents {
		cp := *a
		result = append(result, &cp)
	}
	sortNewestFirst(result)
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) ListByOwner(_ context.Context, owner string) ([]*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*Agent
	for _, a := range m.agents {
		if strings.EqualFold(a.Owner, owner) {
			cp := *a
			result = append(result, &cp)
		}
	}
	sortNewestFirst(result)
	return result, nil
}

func (m *MemoryStore) Count(_ context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.agents), nil
}

// ListReputation returns the most recent events first.
func (m *MemoryStore) ListReputation(_ context.Context, agentID string, limit int) ([]*ReputationEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	events := m.history[agentID]
	result := make([]*ReputationEvent, 0, len(events))
	for i := len(events) - 1; i >= 0; i-- {
		if limit > 0 && len(result) >= limit {
			break
		}
		cp := *events[i]
		result = append(result, &cp)
	}
	return result, nil
}

func sortNewestFirst(agents []*Agent) {
	sort.Slice(agents, func(i, j int) bool {
		if agents[i].RegisteredAt.Equal(agents[j].RegisteredAt) {
			return agents[i].AgentID < agents[j].AgentID
		}
		return agents[i].RegisteredAt.After(agents[j].RegisteredAt)
	})
}
