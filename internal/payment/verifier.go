package payment

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/agenthub/agenthub/internal/logging"
	"github.com/agenthub/agenthub/internal/metrics"
	"github.com/agenthub/agenthub/internal/traces"
	"github.com/agenthub/agenthub/internal/units"
	"github.com/agenthub/agenthub/internal/validation"
	"github.com/agenthub/agenthub/internal/wallet"
)

// Config configures a Verifier.
type Config struct {
	Merchant   string        // payee; gates are open when empty
	Chain      string        // x402 network name
	Timeout    time.Duration // per RPC lookup
	PaymentURL string        // advertised in 402 responses
}

// Verifier checks payment transactions against the chain.
type Verifier struct {
	chain      TxLookup
	replay     ReplayStore
	merchant   string
	tiers      map[string]Tier
	timeout    time.Duration
	paymentURL string
}

// NewVerifier creates a verifier. chain may be nil when no RPC is
// configured; every lookup then fails with ErrRPCUnavailable.
func NewVerifier(chain TxLookup, replay ReplayStore, cfg Config) *Verifier {
	if replay == nil {
		replay = NewMemoryReplayStore(0)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.PaymentURL == "" {
		cfg.PaymentURL = "/x402/pay"
	}
	return &Verifier{
		chain:      chain,
		replay:     replay,
		merchant:   cfg.Merchant,
		tiers:      Tiers(cfg.Chain),
		timeout:    cfg.Timeout,
		paymentURL: cfg.PaymentURL,
	}
}

// Enabled reports whether gates demand payment.
func (v *Verifier) Enabled() bool {
	return v.merchant != ""
}

// Merchant returns the configured payee.
func (v *Verifier) Merchant() string {
	return v.merchant
}

// Tier returns a tier by name, falling back to basic.
func (v *Verifier) Tier(name string) Tier {
	if t, ok := v.tiers[name]; ok {
		return t
	}
	return v.tiers[TierBasic]
}

// CheckTx looks up txHash and reports whether it succeeded and paid the
// merchant. Without a merchant, any successful transaction verifies.
func (v *Verifier) CheckTx(ctx context.Context, txHash string) (check *Check, err error) {
	if !validation.IsValidHash(txHash) {
		return nil, ErrInvalidTxHash
	}
	if v.chain == nil {
		return nil, fmt.Errorf("%w: no RPC configured", ErrRPCUnavailable)
	}

	ctx, span := traces.StartSpan(ctx, "payment.CheckTx", traces.TxHash(txHash))
	defer span.End()
	defer func() { traces.Fail(span, err, "tx lookup failed") }()

	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	info, err := v.chain.Lookup(ctx, txHash)
	switch {
	case errors.Is(err, wallet.ErrTxNotFound):
		return nil, ErrTxNotFound
	case err != nil:
		return nil, fmt.Errorf("%w: %v", ErrRPCUnavailable, err)
	}

	check = &Check{
		Confirmed:      info.Succeeded(),
		BlockNumber:    info.BlockNumber,
		Status:         info.Status,
		To:             info.To,
		From:           info.From,
		Destination:    info.Destination,
		TokenRecipient: info.TokenRecipient,
		TokenAmount:    info.TokenAmount,
	}
	check.Verified = check.Confirmed && (v.merchant == "" || strings.EqualFold(info.Destination, v.merchant))
	return check, nil
}

// Verify inspects the payment headers on r against tier. The error is
// non-nil only when the chain could not be reached; every other failure is
// reported through Result.Reason.
func (v *Verifier) Verify(ctx context.Context, r *http.Request, tier Tier) (*Result, error) {
	res := &Result{
		Required:   v.Enabled(),
		Token:      DefaultToken,
		PaymentURL: v.paymentURL,
	}
	if tok := r.Header.Get(HeaderToken); tok != "" {
		res.Token = tok
	}

	txHash := strings.TrimSpace(r.Header.Get(HeaderTx))
	if r.Header.Get(HeaderVerified) != "true" || txHash == "" {
		res.Reason = "missing payment headers"
		v.record(tier, res, "missing")
		return res, nil
	}
	res.TransactionHash = txHash

	check, err := v.CheckTx(ctx, txHash)
	switch {
	case errors.Is(err, ErrRPCUnavailable):
		v.record(tier, res, "rpc_error")
		return res, err
	case err != nil:
		res.Reason = err.Error()
		v.record(tier, res, "invalid")
		return res, nil
	case !check.Verified:
		if !check.Confirmed {
			res.Reason = "transaction not confirmed"
		} else {
			res.Reason = "transaction did not pay the merchant"
		}
		v.record(tier, res, "rejected")
		return res, nil
	}

	if reason := v.priceShortfall(check, tier); reason != "" {
		res.Reason = reason
		v.record(tier, res, "underpaid")
		return res, nil
	}

	fresh, err := v.replay.Use(ctx, txHash)
	if err != nil {
		return res, fmt.Errorf("%w: %v", ErrVerificationFailed, err)
	}
	if !fresh {
		res.Reason = ErrReplayed.Error()
		v.record(tier, res, "replayed")
		return res, nil
	}

	res.Paid = true
	res.Verified = true
	res.Reason = ""
	res.Amount = check.TokenAmount
	v.record(tier, res, "verified")
	logging.L(ctx).Info("payment verified", "tier", tier.Name, "tx_hash", txHash, "from", check.From)
	return res, nil
}

func (v *Verifier) record(tier Tier, res *Result, outcome string) {
	if !res.Required && outcome == "missing" {
		outcome = "skipped"
	}
	metrics.PaymentVerificationsTotal.WithLabelValues(tier.Name, outcome).Inc()
}

// priceShortfall explains why check does not cover tier, or returns "".
// With a merchant configured the tier price must arrive as a USDC Transfer
// to the merchant; the client's X-Payment-Amount is never trusted. Open
// gates only reject a token transfer that is visibly short.
func (v *Verifier) priceShortfall(check *Check, tier Tier) string {
	if v.Enabled() && (check.TokenAmount == "" || !strings.EqualFold(check.TokenRecipient, v.merchant)) {
		return fmt.Sprintf("no %s transfer to the merchant, tier %s costs %s", tier.Token, tier.Name, tier.Amount)
	}
	if check.TokenAmount != "" && underpaid(check.TokenAmount, tier.Amount) {
		return fmt.Sprintf("paid %s, tier %s costs %s", check.TokenAmount, tier.Name, tier.Amount)
	}
	return ""
}

func underpaid(paid, price string) bool {
	p, err := units.ParseUSDC(paid)
	if err != nil {
		return true
	}
	want, err := units.ParseUSDC(price)
	if err != nil {
		return false
	}
	return p.Cmp(want) < 0
}
