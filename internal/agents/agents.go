// Package agents is the agent registry: registration against collateral,
// stake top-ups and withdrawals, lifecycle toggles, and the trust score that
// moves with every reported transaction outcome.
//
// Every mutation is all-or-nothing: a failed precondition leaves the profile
// untouched. Mutations on the same agent are serialized by the Service.
package agents

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/agenthub/agenthub/internal/validation"
)

var (
	ErrAgentNotFound     = errors.New("agents: agent not registered")
	ErrAgentExists       = errors.New("agents: agent ID already registered")
	ErrInvalidAgentID    = errors.New("agents: invalid agent ID")
	ErrInvalidOwner      = errors.New("agents: invalid owner address")
	ErrMetadataRequired  = errors.New("agents: metadata required")
	ErrInsufficientStake = errors.New("agents: insufficient stake")
	ErrBelowMinimumStake = errors.New("agents: must maintain minimum stake")
	ErrInvalidAmount     = errors.New("agents: amount must be positive")
	ErrNotOwner          = errors.New("agents: caller is not the agent owner")
	ErrNotAuthorized     = errors.New("agents: caller is neither the agent owner nor the operator")
	ErrNotOperator       = errors.New("agents: caller is not the platform operator")
	ErrNoOperator        = errors.New("agents: platform operator not configured")
	ErrAgentInactive     = errors.New("agents: agent not active")
	ErrAgentActive       = errors.New("agents: agent already active")
	ErrInvalidProof      = errors.New("agents: invalid proof hash")
	ErrOutcomeRequired   = errors.New("agents: success flag required")
)

const (
	// MaxTrustScore is the top of the basis-point trust range.
	MaxTrustScore = 10000
	// InitialTrustScore is assigned on registration.
	InitialTrustScore = 5000
)

// HashAgentID turns a client-supplied agent identifier into its 32-byte form.
// A 0x-prefixed 32-byte hex value is taken as-is (lowercased); anything else
// is a human-readable name and is hashed with keccak256 over its UTF-8 bytes.
func HashAgentID(id string) string {
	id = strings.TrimSpace(id)
	if validation.IsValidHash(id) {
		return strings.ToLower(id)
	}
	return crypto.Keccak256Hash([]byte(id)).Hex()
}

// Agent is a registered agent profile. Amounts are ether decimal strings.
type Agent struct {
	AgentID                string    `json:"agentId"`
	Owner                  string    `json:"owner"`
	Metadata               string    `json:"metadata"`
	TrustScore             int       `json:"trustScore"`
	TotalTransactions      int64     `json:"totalTransactions"`
	SuccessfulTransactions int64     `json:"successfulTransactions"`
	StakedAmount           string    `json:"stakedAmount"`
	IsActive               bool      `json:"isActive"`
	PoAIHash               string    `json:"kitePoAIHash,omitempty"`
	RegisteredAt           time.Time `json:"registeredAt"`
	LastActivityAt         time.Time `json:"lastActivityAt"`
}

// SuccessRate returns successful/total in basis points, 0 with no history.
func (a *Agent) SuccessRate() int {
	if a.TotalTransactions == 0 {
		return 0
	}
	return int(a.SuccessfulTransactions * MaxTrustScore / a.TotalTransactions)
}

// ReputationEvent is one reported transaction outcome.
type ReputationEvent struct {
	AgentID          string    `json:"agentId"`
	Successful       bool      `json:"successful"`
	TransactionValue string    `json:"transactionValue"`
	ServiceType      string    `json:"serviceType"`
	TrustScore       int       `json:"trustScore"` // score after this event
	Timestamp        time.Time `json:"timestamp"`
}

// Store persists agent profiles and reputation history.
type Store interface {
	Create(ctx context.Context, agent *Agent) error
	Get(ctx context.Context, agentID string) (*Agent, error)
	Update(ctx context.Context, agent *Agent) error
	// SaveReputation writes the updated profile and appends the event
	// atomically.
	SaveReputation(ctx context.Context, agent *Agent, event *ReputationEvent) error
	List(ctx context.Context, limit int) ([]*Agent, error)
	ListByOwner(ctx context.Context, owner string) ([]*Agent, error)
	Count(ctx context.Context) (int, error)
	ListReputation(ctx context.Context, agentID string, limit int) ([]*ReputationEvent, error)
}

// RegisterRequest registers a new agent. Stake is in ether.
type RegisterRequest struct {
	AgentID  string `json:"agentId" binding:"required"`
	Metadata string `json:"metadata" binding:"required"`
	Stake    string `json:"stake" binding:"required"`
	PoAIHash string `json:"kitePoAIHash"`
}

// ReputationRequest reports a transaction outcome for an agent.
type ReputationRequest struct {
	Success          *bool  `json:"success" binding:"required"`
	TransactionValue string `json:"transactionValue"`
	ServiceType      string `json:"serviceType"`
}

// StakeRequest adds or withdraws collateral. Amount is in ether.
type StakeRequest struct {
	Amount string `json:"amount" binding:"required"`
}

// ProofRequest records a PoAI proof hash against an agent.
type ProofRequest struct {
	ProofHash string `json:"proofHash" binding:"required"`
}
