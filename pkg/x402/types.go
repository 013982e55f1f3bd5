// Package x402 is the client side of AgentHub's HTTP 402 payment gates.
//
// A gated endpoint answers 402 with its payment terms. The client settles
// the payment, either through the server's facilitator or from its own
// wallet, then replays the request carrying the payment headers.
package x402

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/agenthub/agenthub/internal/payment"
)

// Terms are the payment terms of a gated endpoint.
type Terms struct {
	Tier   string `json:"tier"`
	Amount string `json:"amount"`
	Token  string `json:"token"`
	Chain  string `json:"chain"`
}

// Requirement is the body of a 402 response.
type Requirement struct {
	Error      string `json:"error"`
	Message    string `json:"message"`
	Payment    Terms  `json:"payment"`
	PaymentURL string `json:"paymentUrl,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// Proof identifies a settled payment.
type Proof struct {
	TxHash string `json:"txHash"`
	Amount string `json:"amount"`
	Token  string `json:"token"`
}

// Error is a non-402 error body returned by the server.
type Error struct {
	Status  int    `json:"-"`
	Code    string `json:"error"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("x402: %d %s: %s", e.Status, e.Code, e.Message)
}

// Is402Response checks if an HTTP response is a 402 Payment Required
func Is402Response(resp *http.Response) bool {
	return resp.StatusCode == http.StatusPaymentRequired
}

// ParseRequirement reads the payment terms from a 402 response. Terms
// missing from the body are filled from the X-Payment-* headers.
func ParseRequirement(resp *http.Response) (*Requirement, error) {
	if !Is402Response(resp) {
		return nil, fmt.Errorf("not a 402 response: got %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read 402 body: %w", err)
	}
	var req Requirement
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("parse payment requirement: %w", err)
	}

	fill := func(dst *string, header string) {
		if *dst == "" {
			*dst = resp.Header.Get(header)
		}
	}
	fill(&req.Payment.Amount, payment.HeaderAmount)
	fill(&req.Payment.Token, payment.HeaderAcceptPayment)
	fill(&req.Payment.Chain, payment.HeaderChain)
	fill(&req.Payment.Tier, payment.HeaderTier)

	if req.Payment.Amount == "" {
		return nil, fmt.Errorf("parse payment requirement: no amount")
	}
	return &req, nil
}

// Apply sets the payment headers on r.
func (p *Proof) Apply(r *http.Request) {
	r.Header.Set(payment.HeaderVerified, "true")
	r.Header.Set(payment.HeaderTx, p.TxHash)
	if p.Amount != "" {
		r.Header.Set(payment.HeaderAmount, p.Amount)
	}
	token := p.Token
	if token == "" {
		token = payment.DefaultToken
	}
	r.Header.Set(payment.HeaderToken, token)
}

func decodeError(resp *http.Response) error {
	e := &Error{Status: resp.StatusCode}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err := json.Unmarshal(body, e); err != nil || e.Code == "" {
		e.Code = http.StatusText(resp.StatusCode)
		e.Message = string(body)
	}
	return e
}
