package revenue

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agenthub/agenthub/internal/logging"
	"github.com/agenthub/agenthub/internal/metrics"
	"github.com/agenthub/agenthub/internal/syncutil"
	"github.com/agenthub/agenthub/internal/traces"
	"github.com/agenthub/agenthub/internal/units"
	"github.com/agenthub/agenthub/internal/validation"
)

const ledgerName = "revenue"

// Service implements the revenue split ledger.
type Service struct {
	store    Store
	operator string
	locks    syncutil.ShardedMutex
	sharesMu sync.RWMutex // writers: UpdateShares; readers: credits
	now      func() time.Time
}

// NewService creates a revenue service. operator may claim protocol fees
// and administer the split.
func NewService(store Store, operator string) *Service {
	return &Service{
		store:    store,
		operator: strings.ToLower(operator),
		now:      time.Now,
	}
}

// Shares returns the current split, falling back to the defaults.
func (s *Service) Shares(ctx context.Context) (*Shares, error) {
	sh, err := s.store.GetShares(ctx)
	if errors.Is(err, ErrSharesNotSet) {
		d := DefaultShares()
		return &d, nil
	}
	return sh, err
}

// UpdateShares replaces the split. The previous split stays in force when
// the new one does not sum to 100%.
func (s *Service) UpdateShares(ctx context.Context, caller string, req SharesRequest) (shares *Shares, err error) {
	defer func() { metrics.RecordLedgerOp(ledgerName, "update_shares", err) }()

	if err := s.requireOperator(caller); err != nil {
		return nil, err
	}
	if req.CreatorShare == nil || req.StakersShare == nil || req.ProtocolFee == nil {
		return nil, ErrInvalidShareSum
	}
	shares = &Shares{
		CreatorShare: *req.CreatorShare,
		StakersShare: *req.StakersShare,
		ProtocolFee:  *req.ProtocolFee,
		UpdatedAt:    s.now(),
	}
	if !shares.Valid() {
		return nil, fmt.Errorf("%w: got %d/%d/%d", ErrInvalidShareSum,
			shares.CreatorShare, shares.StakersShare, shares.ProtocolFee)
	}

	s.sharesMu.Lock()
	defer s.sharesMu.Unlock()
	if err := s.store.SetShares(ctx, shares); err != nil {
		return nil, fmt.Errorf("failed to save shares: %w", err)
	}

	logging.L(ctx).Info("revenue shares updated",
		"creator", shares.CreatorShare, "stakers", shares.StakersShare, "protocol", shares.ProtocolFee)
	return shares, nil
}

// Distribute credits revenue on the operator's behalf.
func (s *Service) Distribute(ctx context.Context, caller string, req DistributeRequest) (*Distribution, error) {
	if err := s.requireOperator(caller); err != nil {
		metrics.RecordLedgerOp(ledgerName, "distribute", err)
		return nil, err
	}
	return s.Record(ctx, req)
}

// Record splits amount between creator, stakers and protocol under the
// current shares. The protocol receives the rounding remainder, so the
// three parts always add up to amount.
func (s *Service) Record(ctx context.Context, req DistributeRequest) (dist *Distribution, err error) {
	defer func() { metrics.RecordLedgerOp(ledgerName, "distribute", err) }()

	ctx, span := traces.StartSpan(ctx, "revenue.Record",
		traces.Address(req.Creator), traces.Amount(req.Amount))
	defer span.End()
	defer func() { traces.Fail(span, err, "distribution failed") }()

	amount, err := units.ParseUSDC(req.Amount)
	if err != nil || amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	if !validation.IsValidEthAddress(req.Creator) || validation.IsZeroAddress(req.Creator) {
		return nil, ErrInvalidCreator
	}
	creator := validation.NormalizeAddress(req.Creator)

	staker := creator
	if req.Staker != "" {
		if !validation.IsValidEthAddress(req.Staker) || validation.IsZeroAddress(req.Staker) {
			return nil, ErrInvalidStaker
		}
		staker = validation.NormalizeAddress(req.Staker)
	}

	pool := creator
	if req.AgentID != "" {
		if !validation.IsValidHash(req.AgentID) {
			return nil, ErrInvalidPool
		}
		pool = strings.ToLower(req.AgentID)
	}

	s.sharesMu.RLock()
	defer s.sharesMu.RUnlock()

	shares, err := s.Shares(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load shares: %w", err)
	}
	creatorAmt, stakerAmt, protocolAmt := Split(amount, *shares)

	dist = &Distribution{
		ID:             "dist_" + uuid.NewString(),
		Reference:      req.Reference,
		Creator:        creator,
		Pool:           pool,
		Staker:         staker,
		Amount:         units.FormatUSDC(amount),
		CreatorAmount:  units.FormatUSDC(creatorAmt),
		StakerAmount:   units.FormatUSDC(stakerAmt),
		ProtocolAmount: units.FormatUSDC(protocolAmt),
		Shares:         *shares,
		CreatedAt:      s.now(),
	}

	unlock := s.locks.Lock(creator)
	defer unlock()

	if err := s.store.Credit(ctx, dist); err != nil {
		if errors.Is(err, ErrDuplicateReference) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to credit revenue: %w", err)
	}
	return dist, nil
}

// Split divides amount by shares. Creator and staker parts round down; the
// protocol takes the remainder.
func Split(amount *big.Int, shares Shares) (creator, staker, protocol *big.Int) {
	bps := big.NewInt(BasisPoints)
	creator = new(big.Int).Mul(amount, big.NewInt(int64(shares.CreatorShare)))
	creator.Div(creator, bps)
	staker = new(big.Int).Mul(amount, big.NewInt(int64(shares.StakersShare)))
	staker.Div(staker, bps)
	protocol = new(big.Int).Sub(amount, creator)
	protocol.Sub(protocol, staker)
	return creator, staker, protocol
}

// ClaimCreator pays out the caller's pending creator balance.
func (s *Service) ClaimCreator(ctx context.Context, caller string) (*Claim, error) {
	caller = validation.NormalizeAddress(caller)
	return s.claim(ctx, KindCreator, caller, "", caller)
}

// ClaimStaker pays out the caller's pending balance in one staker pool.
func (s *Service) ClaimStaker(ctx context.Context, caller, pool string) (*Claim, error) {
	pool = strings.ToLower(strings.TrimSpace(pool))
	if !validation.IsValidHash(pool) && !validation.IsValidEthAddress(pool) {
		metrics.RecordLedgerOp(ledgerName, "claim_staker", ErrInvalidPool)
		return nil, ErrInvalidPool
	}
	caller = validation.NormalizeAddress(caller)
	return s.claim(ctx, KindStaker, pool, caller, caller)
}

// ClaimProtocol pays out accumulated protocol fees to the operator.
func (s *Service) ClaimProtocol(ctx context.Context, caller string) (*Claim, error) {
	if err := s.requireOperator(caller); err != nil {
		metrics.RecordLedgerOp(ledgerName, "claim_protocol", err)
		return nil, err
	}
	return s.claim(ctx, KindProtocol, protocolPool, "", s.operator)
}

func (s *Service) claim(ctx context.Context, kind, pool, staker, claimant string) (c *Claim, err error) {
	defer func() { metrics.RecordLedgerOp(ledgerName, "claim_"+kind, err) }()

	unlock := s.locks.Lock(kind + ":" + pool + ":" + staker)
	defer unlock()

	amount, err := s.store.Claim(ctx, kind, pool, staker)
	if err != nil {
		return nil, err
	}

	logging.L(ctx).Info("revenue claimed", "kind", kind, "pool", pool, "claimant", claimant, "amount", amount)
	return &Claim{
		Kind:      kind,
		Pool:      pool,
		Claimant:  claimant,
		Amount:    amount,
		ClaimedAt: s.now(),
	}, nil
}

// Pending lists every balance address can claim.
func (s *Service) Pending(ctx context.Context, address string) (*PendingBalances, error) {
	address = validation.NormalizeAddress(address)

	creator, err := s.store.Balance(ctx, KindCreator, address, "")
	if err != nil {
		return nil, err
	}
	staker, err := s.store.StakerBalances(ctx, address)
	if err != nil {
		return nil, err
	}
	if staker == nil {
		staker = []*Balance{}
	}

	pending := &PendingBalances{Address: address, Creator: creator, Staker: staker}
	if s.isOperator(address) {
		protocol, err := s.store.Balance(ctx, KindProtocol, protocolPool, "")
		if err != nil {
			return nil, err
		}
		pending.Protocol = protocol
	}
	return pending, nil
}

// ListDistributions returns recent distributions, optionally for one creator.
func (s *Service) ListDistributions(ctx context.Context, creator string, limit int) ([]*Distribution, error) {
	if creator != "" {
		creator = validation.NormalizeAddress(creator)
	}
	return s.store.ListDistributions(ctx, creator, limit)
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
