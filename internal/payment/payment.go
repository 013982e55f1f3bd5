// Package payment gates HTTP routes behind x402 payments.
//
// A client pays the merchant on-chain, then retries the request with the
// transaction hash in X-Payment-Tx and X-Payment-Verified: true. The gate
// looks up the receipt and lets the request through when the transaction
// succeeded and paid the merchant. Each hash opens the gate once.
package payment

import (
	"context"
	"errors"

	"github.com/agenthub/agenthub/internal/wallet"
)

var (
	ErrPaymentRequired    = errors.New("payment: payment required")
	ErrVerificationFailed = errors.New("payment: verification failed")
	ErrRPCUnavailable     = errors.New("payment: chain RPC unavailable")
	ErrTxNotFound         = errors.New("payment: transaction not found")
	ErrInvalidTxHash      = errors.New("payment: invalid transaction hash")
	ErrReplayed           = errors.New("payment: transaction already used")
	ErrNotConfigured      = errors.New("payment: facilitator not configured")
	ErrInvalidRecipient   = errors.New("payment: recipient must be the merchant")
)

// Request headers sent by paying clients.
const (
	HeaderVerified = "X-Payment-Verified"
	HeaderTx       = "X-Payment-Tx"
	HeaderAmount   = "X-Payment-Amount"
	HeaderToken    = "X-Payment-Token"
)

// Response headers on a 402.
const (
	HeaderAcceptPayment = "X-Accept-Payment"
	HeaderChain         = "X-Payment-Chain"
	HeaderTier          = "X-Payment-Tier"
)

const (
	TierBasic   = "basic"
	TierPremium = "premium"

	DefaultToken = "USDC"
	DefaultChain = "avalanche-fuji"
)

// Tier is a price point for gated routes.
type Tier struct {
	Name   string `json:"tier"`
	Amount string `json:"amount"`
	Token  string `json:"token"`
	Chain  string `json:"chain"`
}

// Tiers returns the basic and premium tiers on chain.
func Tiers(chain string) map[string]Tier {
	if chain == "" {
		chain = DefaultChain
	}
	return map[string]Tier{
		TierBasic:   {Name: TierBasic, Amount: "0.01", Token: DefaultToken, Chain: chain},
		TierPremium: {Name: TierPremium, Amount: "0.15", Token: DefaultToken, Chain: chain},
	}
}

// Result is the outcome of checking a request's payment headers.
type Result struct {
	Paid            bool   `json:"paid"`
	Required        bool   `json:"required"`
	Verified        bool   `json:"verified"`
	TransactionHash string `json:"transactionHash,omitempty"`
	Amount          string `json:"amount,omitempty"`
	Token           string `json:"token,omitempty"`
	PaymentURL      string `json:"paymentUrl,omitempty"`
	Reason          string `json:"reason,omitempty"`
}

// Check is the on-chain view of one transaction.
type Check struct {
	Verified       bool   `json:"verified"`
	Confirmed      bool   `json:"confirmed"`
	BlockNumber    uint64 `json:"blockNumber"`
	Status         uint64 `json:"status"`
	To             string `json:"to"`
	From           string `json:"from"`
	Destination    string `json:"destination"`
	TokenRecipient string `json:"tokenRecipient,omitempty"` // first USDC Transfer log
	TokenAmount    string `json:"tokenAmount,omitempty"`
}

// TxLookup fetches a mined transaction. *wallet.Reader implements it.
type TxLookup interface {
	Lookup(ctx context.Context, txHash string) (*wallet.TxInfo, error)
}

// Payer funds /x402/pay. *wallet.Wallet implements it.
type Payer interface {
	Address() string
	Pay(ctx context.Context, recipient, amount string) (*wallet.TransferResult, error)
	WaitForConfirmation(ctx context.Context, txHash string) (*wallet.TransferResult, error)
}

// ReplayStore remembers transaction hashes that already opened a gate.
type ReplayStore interface {
	// Use marks txHash as spent. It returns false if it was spent before.
	Use(ctx context.Context, txHash string) (bool, error)
}
