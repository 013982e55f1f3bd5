package payment

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/agenthub/agenthub/internal/apierror"
	"github.com/agenthub/agenthub/internal/logging"
	"github.com/agenthub/agenthub/internal/realtime"
	"github.com/agenthub/agenthub/internal/wallet"
)

// Publisher fans events out to realtime subscribers.
type Publisher interface {
	Publish(eventType realtime.EventType, data map[string]any)
}

// Handler serves the x402 pay and verify endpoints.
type Handler struct {
	verifier  *Verifier
	payer     Payer
	publisher Publisher
	timeout   time.Duration
}

// NewHandler creates a payment handler. payer and publisher may be nil.
func NewHandler(verifier *Verifier, payer Payer, publisher Publisher, timeout time.Duration) *Handler {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Handler{verifier: verifier, payer: payer, publisher: publisher, timeout: timeout}
}

// RegisterRoutes sets up the x402 routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/x402/pay", h.Pay)
	r.POST("/x402/verify", h.Verify)
}

// VerifyRequest is the body of POST /x402/verify.
type VerifyRequest struct {
	TxHash string `json:"txHash" binding:"required"`
	Chain  string `json:"chain"`
}

// PayRequest is the body of POST /x402/pay.
type PayRequest struct {
	Amount    string `json:"amount"`
	Token     string `json:"token"`
	Chain     string `json:"chain"`
	Recipient string `json:"recipient"`
	Tier      string `json:"tier"`
}

// Verify handles POST /x402/verify
func (h *Handler) Verify(c *gin.Context) {
	var req VerifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Transaction hash required"})
		return
	}

	check, err := h.verifier.CheckTx(c.Request.Context(), strings.TrimSpace(req.TxHash))
	switch {
	case errors.Is(err, ErrTxNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"verified":  false,
			"confirmed": false,
			"error":     "not_found",
			"message":   "Transaction not found",
		})
		return
	case errors.Is(err, ErrInvalidTxHash):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_tx_hash", "message": err.Error()})
		return
	case err != nil:
		apierror.Respond(c, http.StatusBadGateway, "upstream_unavailable", "Verification failed", err)
		return
	}
	c.JSON(http.StatusOK, check)
}

// Pay handles POST /x402/pay
//
// The facilitator wallet pays the merchant the tier price (or the explicit
// amount) and waits for the transfer to be mined.
func (h *Handler) Pay(c *gin.Context) {
	var req PayRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
			return
		}
	}

	merchant := h.verifier.Merchant()
	if h.payer == nil || merchant == "" {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "not_configured", "message": ErrNotConfigured.Error()})
		return
	}
	if req.Recipient != "" && !strings.EqualFold(req.Recipient, merchant) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_recipient", "message": ErrInvalidRecipient.Error()})
		return
	}

	tier, known := h.verifier.tiers[req.Tier]
	amount := tier.Amount
	if !known {
		tier = h.verifier.Tier(TierBasic)
		amount = tier.Amount
		if req.Amount != "" {
			amount = req.Amount
		}
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), h.timeout)
	defer cancel()

	sent, err := h.payer.Pay(ctx, merchant, amount)
	if err != nil {
		writePayError(c, err)
		return
	}
	confirmed, err := h.payer.WaitForConfirmation(ctx, sent.TxHash)
	if err != nil {
		writePayError(c, err)
		return
	}

	token := req.Token
	if token == "" {
		token = DefaultToken
	}
	chain := req.Chain
	if chain == "" {
		chain = tier.Chain
	}

	logging.L(ctx).Info("x402 payment sent", "tx_hash", sent.TxHash, "amount", sent.Amount, "tier", tier.Name)
	if h.publisher != nil {
		h.publisher.Publish(realtime.EventPayment, map[string]any{
			"txHash": sent.TxHash,
			"from":   sent.From,
			"to":     sent.To,
			"amount": sent.Amount,
			"tier":   tier.Name,
		})
	}

	c.JSON(http.StatusOK, gin.H{
		"success":     true,
		"txHash":      sent.TxHash,
		"blockNumber": confirmed.BlockNumber,
		"amount":      sent.Amount,
		"token":       token,
		"chain":       chain,
		"recipient":   merchant,
		"facilitator": h.payer.Address(),
	})
}

func writePayError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "payment_failed"
	switch {
	case errors.Is(err, wallet.ErrInvalidAmount):
		status, code = http.StatusBadRequest, "invalid_amount"
	case errors.Is(err, wallet.ErrInvalidAddress):
		status, code = http.StatusBadRequest, "invalid_address"
	case errors.Is(err, wallet.ErrInsufficientBalance):
		status, code = http.StatusServiceUnavailable, "facilitator_underfunded"
	case errors.Is(err, wallet.ErrRPCConnection), errors.Is(err, wallet.ErrTimeout):
		status, code = http.StatusBadGateway, "upstream_unavailable"
	}
	apierror.Respond(c, status, code, "", err)
}
