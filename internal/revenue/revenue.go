// Package revenue splits service revenue between creators, stakers and the
// protocol, and holds each party's pending balance until it is claimed.
package revenue

import (
	"context"
	"errors"
	"time"
)

var (
	ErrInvalidShareSum    = errors.New("revenue: shares must equal 100%")
	ErrInvalidAmount      = errors.New("revenue: invalid revenue amount")
	ErrInvalidCreator     = errors.New("revenue: invalid creator address")
	ErrInvalidStaker      = errors.New("revenue: invalid staker address")
	ErrInvalidPool        = errors.New("revenue: invalid staker pool")
	ErrNothingToClaim     = errors.New("revenue: no pending revenue")
	ErrNotOperator        = errors.New("revenue: caller is not the platform operator")
	ErrNoOperator         = errors.New("revenue: platform operator not configured")
	ErrDuplicateReference = errors.New("revenue: reference already distributed")
	ErrSharesNotSet       = errors.New("revenue: shares not configured")
)

// BasisPoints is 100% in basis points.
const BasisPoints = 10000

// Pending balance kinds.
const (
	KindCreator  = "creator"
	KindStaker   = "staker"
	KindProtocol = "protocol"
)

// protocolPool is the single pool key for protocol fees.
const protocolPool = "protocol"

// Shares is the revenue split in basis points.
type Shares struct {
	CreatorShare int       `json:"creatorShare"`
	StakersShare int       `json:"stakersShare"`
	ProtocolFee  int       `json:"protocolFee"`
	UpdatedAt    time.Time `json:"updatedAt,omitempty"`
}

// DefaultShares is the 70/20/10 split used until the operator changes it.
func DefaultShares() Shares {
	return Shares{CreatorShare: 7000, StakersShare: 2000, ProtocolFee: 1000}
}

// Valid reports whether the shares are non-negative and sum to 100%.
func (s Shares) Valid() bool {
	if s.CreatorShare < 0 || s.StakersShare < 0 || s.ProtocolFee < 0 {
		return false
	}
	return s.CreatorShare+s.StakersShare+s.ProtocolFee == BasisPoints
}

// Distribution records one revenue credit and how it was split. Amounts are
// USDC with 6 decimals.
type Distribution struct {
	ID             string    `json:"id"`
	Reference      string    `json:"reference,omitempty"`
	Creator        string    `json:"creator"`
	Pool           string    `json:"pool"`
	Staker         string    `json:"staker"`
	Amount         string    `json:"amount"`
	CreatorAmount  string    `json:"creatorAmount"`
	StakerAmount   string    `json:"stakerAmount"`
	ProtocolAmount string    `json:"protocolAmount"`
	Shares         Shares    `json:"shares"`
	CreatedAt      time.Time `json:"createdAt"`
}

// Balance is one pending balance.
type Balance struct {
	Kind   string `json:"kind"`
	Pool   string `json:"pool"`
	Staker string `json:"staker,omitempty"`
	Amount string `json:"amount"`
}

// PendingBalances lists everything an address can currently claim.
type PendingBalances struct {
	Address  string     `json:"address"`
	Creator  string     `json:"creator"`
	Staker   []*Balance `json:"staker"`
	Protocol string     `json:"protocol,omitempty"`
}

// Claim is the result of a successful claim.
type Claim struct {
	Kind      string    `json:"kind"`
	Pool      string    `json:"pool"`
	Claimant  string    `json:"claimant"`
	Amount    string    `json:"amount"`
	ClaimedAt time.Time `json:"claimedAt"`
}

// Store persists the split configuration and pending balances.
type Store interface {
	// GetShares returns ErrSharesNotSet when the split was never written.
	GetShares(ctx context.Context) (*Shares, error)
	SetShares(ctx context.Context, shares *Shares) error
	// Credit records the distribution and adds its three parts to the
	// matching pending balances atomically.
	Credit(ctx context.Context, dist *Distribution) error
	// Claim zeroes a pending balance and returns what it held. A zero or
	// missing balance gives ErrNothingToClaim.
	Claim(ctx context.Context, kind, pool, staker string) (string, error)
	Balance(ctx context.Context, kind, pool, staker string) (string, error)
	StakerBalances(ctx context.Context, staker string) ([]*Balance, error)
	ListDistributions(ctx context.Context, creator string, limit int) ([]*Distribution, error)
}

// SharesRequest replaces the split.
type SharesRequest struct {
	CreatorShare *int `json:"creatorShare" binding:"required"`
	StakersShare *int `json:"stakersShare" binding:"required"`
	ProtocolFee  *int `json:"protocolFee" binding:"required"`
}

// DistributeRequest credits revenue earned by creator. The staker pool is
// AgentID when set, otherwise the creator; Staker defaults to the creator.
// A non-empty Reference makes the call idempotent.
type DistributeRequest struct {
	Creator   string `json:"creator" binding:"required"`
	Amount    string `json:"amount" binding:"required"`
	AgentID   string `json:"agentId"`
	Staker    string `json:"staker"`
	Reference string `json:"reference"`
}

// ClaimStakerRequest names the pool a staker claims from.
type ClaimStakerRequest struct {
	Pool string `json:"pool" binding:"required"`
}
