package agents

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/agenthub/agenthub/internal/logging"
	"github.com/agenthub/agenthub/internal/metrics"
	"github.com/agenthub/agenthub/internal/syncutil"
	"github.com/agenthub/agenthub/internal/units"
	"github.com/agenthub/agenthub/internal/validation"
)

const ledgerName = "agents"

// Service implements registry, stake and reputation business logic.
type Service struct {
	store    Store
	minStake *big.Int
	operator string
	locks    syncutil.ShardedMutex
	now      func() time.Time
}

// NewService creates an agent service. minStake is in wei; operator is the
// address allowed to report transaction outcomes (empty disables reporting).
func NewService(store Store, minStake *big.Int, operator string) *Service {
	return &Service{
		store:    store,
		minStake: new(big.Int).Set(minStake),
		operator: operator,
		now:      time.Now,
	}
}

// MinStake returns the minimum collateral in ether.
func (s *Service) MinStake() string {
	return units.FormatEther(s.minStake)
}

// Register creates a new active agent owned by owner with trust score 5000.
func (s *Service) Register(ctx context.Context, owner string, req RegisterRequest) (agent *Agent, err error) {
	defer func() { metrics.RecordLedgerOp(ledgerName, "register", err) }()

	if !validation.IsValidEthAddress(owner) || validation.IsZeroAddress(owner) {
		return nil, ErrInvalidOwner
	}
	if strings.TrimSpace(req.AgentID) == "" {
		return nil, ErrInvalidAgentID
	}
	agentID := HashAgentID(req.AgentID)
	if validation.IsZeroHash(agentID) {
		return nil, ErrInvalidAgentID
	}
	if strings.TrimSpace(req.Metadata) == "" {
		return nil, ErrMetadataRequired
	}
	stake, err := units.ParseEther(req.Stake)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAmount, err)
	}
	if stake.Cmp(s.minStake) < 0 {
		return nil, fmt.Errorf("%w: stake %s below minimum %s", ErrInsufficientStake,
			units.FormatEther(stake), s.MinStake())
	}
	if req.PoAIHash != "" && !isProofHash(req.PoAIHash) {
		return nil, ErrInvalidProof
	}

	unlock := s.locks.Lock(agentID)
	defer unlock()

	now := s.now()
	agent = &Agent{
		AgentID:        agentID,
		Owner:          common.HexToAddress(owner).Hex(),
		Metadata:       req.Metadata,
		TrustScore:     InitialTrustScore,
		StakedAmount:   units.FormatEther(stake),
		IsActive:       true,
		PoAIHash:       strings.ToLower(req.PoAIHash),
		RegisteredAt:   now,
		LastActivityAt: now,
	}
	if err := s.store.Create(ctx, agent); err != nil {
		return nil, err
	}

	logging.L(ctx).Info("agent registered", "agent_id", agentID, "owner", agent.Owner, "stake", agent.StakedAmount)
	return agent, nil
}

// UpdateReputation counts one transaction outcome and recomputes the trust
// score. Only the platform operator may report.
func (s *Service) UpdateReputation(ctx context.Context, caller, agentID string, req ReputationRequest) (agent *Agent, err error) {
	defer func() { metrics.RecordLedgerOp(ledgerName, "update_reputation", err) }()

	if err := s.requireOperator(caller); err != nil {
		return nil, err
	}
	if req.Success == nil {
		return nil, ErrOutcomeRequired
	}
	agentID = HashAgentID(agentID)

	unlock := s.locks.Lock(agentID)
	defer unlock()

	agent, err = s.store.Get(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if !agent.IsActive {
		return nil, ErrAgentInactive
	}

	agent.TotalTransactions++
	if *req.Success {
		agent.SuccessfulTransactions++
	}
	agent.TrustScore = NextTrustScore(agent.TrustScore, agent.SuccessfulTransactions, agent.TotalTransactions)
	agent.LastActivityAt = s.now()

	event := &ReputationEvent{
		AgentID:          agentID,
		Successful:       *req.Success,
		TransactionValue: req.TransactionValue,
		ServiceType:      req.ServiceType,
		TrustScore:       agent.TrustScore,
		Timestamp:        agent.LastActivityAt,
	}
	if err := s.store.SaveReputation(ctx, agent, event); err != nil {
		return nil, fmt.Errorf("failed to save reputation: %w", err)
	}
	return agent, nil
}

// AddStake adds collateral to an agent. Owner only.
func (s *Service) AddStake(ctx context.Context, caller, agentID, amount string) (agent *Agent, err error) {
	defer func() { metrics.RecordLedgerOp(ledgerName, "add_stake", err) }()

	amt, err := parsePositiveEther(amount)
	if err != nil {
		return nil, err
	}

	return s.mutate(ctx, agentID, func(a *Agent) error {
		if !isOwner(a, caller) {
			return ErrNotOwner
		}
		staked, _ := units.ParseEther(a.StakedAmount)
		a.StakedAmount = units.FormatEther(new(big.Int).Add(staked, amt))
		return nil
	})
}

// WithdrawStake returns collateral to the owner. The remainder must stay at
// or above the minimum stake.
func (s *Service) WithdrawStake(ctx context.Context, caller, agentID, amount string) (agent *Agent, err error) {
	defer func() { metrics.RecordLedgerOp(ledgerName, "withdraw_stake", err) }()

	amt, err := parsePositiveEther(amount)
	if err != nil {
		return nil, err
	}

	return s.mutate(ctx, agentID, func(a *Agent) error {
		if !isOwner(a, caller) {
			return ErrNotOwner
		}
		if !a.IsActive {
			return ErrAgentInactive
		}
		staked, _ := units.ParseEther(a.StakedAmount)
		if amt.Cmp(staked) > 0 {
			return fmt.Errorf("%w: requested %s, staked %s", ErrInsufficientStake, amount, a.StakedAmount)
		}
		remaining := new(big.Int).Sub(staked, amt)
		if remaining.Cmp(s.minStake) < 0 {
			return ErrBelowMinimumStake
		}
		a.StakedAmount = units.FormatEther(remaining)
		return nil
	})
}

// Deactivate marks an agent inactive. The owner or the operator may do this.
func (s *Service) Deactivate(ctx context.Context, caller, agentID string) (agent *Agent, err error) {
	defer func() { metrics.RecordLedgerOp(ledgerName, "deactivate", err) }()

	return s.mutate(ctx, agentID, func(a *Agent) error {
		if !isOwner(a, caller) && !s.isOperator(caller) {
			return ErrNotAuthorized
		}
		if !a.IsActive {
			return ErrAgentInactive
		}
		a.IsActive = false
		return nil
	})
}

// Reactivate marks an inactive agent active again, provided it still holds
// the minimum stake. Owner only.
func (s *Service) Reactivate(ctx context.Context, caller, agentID string) (agent *Agent, err error) {
	defer func() { metrics.RecordLedgerOp(ledgerName, "reactivate", err) }()

	return s.mutate(ctx, agentID, func(a *Agent) error {
		if !isOwner(a, caller) {
			return ErrNotOwner
		}
		if a.IsActive {
			return ErrAgentActive
		}
		staked, _ := units.ParseEther(a.StakedAmount)
		if staked.Cmp(s.minStake) < 0 {
			return ErrInsufficientStake
		}
		a.IsActive = true
		return nil
	})
}

// RecordProof stores a PoAI proof hash on the agent. Owner only.
func (s *Service) RecordProof(ctx context.Context, caller, agentID, proofHash string) (agent *Agent, err error) {
	defer func() { metrics.RecordLedgerOp(ledgerName, "record_proof", err) }()

	if !isProofHash(proofHash) {
		return nil, ErrInvalidProof
	}
	return s.mutate(ctx, agentID, func(a *Agent) error {
		if !isOwner(a, caller) {
			return ErrNotOwner
		}
		a.PoAIHash = strings.ToLower(proofHash)
		return nil
	})
}

// mutate loads an agent under its lock, applies fn and persists the result.
// Nothing is written when fn fails.
func (s *Service) mutate(ctx context.Context, agentID string, fn func(*Agent) error) (*Agent, error) {
	agentID = HashAgentID(agentID)

	unlock := s.locks.Lock(agentID)
	defer unlock()

	agent, err := s.store.Get(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if err := fn(agent); err != nil {
		return nil, err
	}
	agent.LastActivityAt = s.now()
	if err := s.store.Update(ctx, agent); err != nil {
		return nil, fmt.Errorf("failed to update agent: %w", err)
	}
	return agent, nil
}

// Get returns an agent by ID (hex hash or name).
func (s *Service) Get(ctx context.Context, agentID string) (*Agent, error) {
	return s.store.Get(ctx, HashAgentID(agentID))
}

// IsRegistered reports whether an agent ID is taken.
func (s *Service) IsRegistered(ctx context.Context, agentID string) (bool, error) {
	_, err := s.Get(ctx, agentID)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, ErrAgentNotFound):
		return false, nil
	default:
		return false, err
	}
}

// List returns the newest agents first.
func (s *Service) List(ctx context.Context, limit int) ([]*Agent, error) {
	return s.store.List(ctx, limit)
}

// ListByOwner returns every agent held by owner.
func (s *Service) ListByOwner(ctx context.Context, owner string) ([]*Agent, error) {
	return s.store.ListByOwner(ctx, owner)
}

// Count returns the total number of registered agents.
func (s *Service) Count(ctx context.Context) (int, error) {
	return s.store.Count(ctx)
}

// History returns the agent's reputation events, most recent first.
func (s *Service) History(ctx context.Context, agentID string, limit int) ([]*ReputationEvent, error) {
	agentID = HashAgentID(agentID)
	if _, err := s.store.Get(ctx, agentID); err != nil {
		return nil, err
	}
	return s.store.ListReputation(ctx, agentID, limit)
}

func (s *Service) requireOperator(caller string) error {
	if s.operator == "" {
		return ErrNoOperator
	}
	if !s.isOperator(caller) {
		return ErrNotOperator
	}
	return nil
}

func (s *Service) isOperator(caller string) bool {
	return s.operator != "" && strings.EqualFold(s.operator, caller)
}

func isOwner(a *Agent, caller string) bool {
	return caller != "" && strings.EqualFold(a.Owner, caller)
}

func isProofHash(h string) bool {
	return validation.IsValidHash(h) && !validation.IsZeroHash(h)
}

func parsePositiveEther(amount string) (*big.Int, error) {
	amt, err := units.ParseEther(amount)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAmount, err)
	}
	if amt.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	return amt, nil
}
