package ai

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/agenthub/agenthub/internal/apierror"
	"github.com/agenthub/agenthub/internal/logging"
	"github.com/agenthub/agenthub/internal/payment"
	"github.com/agenthub/agenthub/internal/poai"
)

// ProtocolAgentID attributes PoAI proofs for completions not run on behalf
// of a registered agent.
const ProtocolAgentID = "agenthub-protocol"

const chatSystemInstruction = `You are an AI assistant for AgentHub Protocol, a platform for autonomous AI agents on Avalanche.

You help users with:
- Creating and configuring AI agents
- Understanding the x402 payment protocol
- Trust scores and reputation
- Marketplace services
- Technical architecture

Be concise, helpful, and technical when needed. Format code blocks with markdown.`

const demoReply = "I'm currently running in demo mode. To enable full AI capabilities, configure GEMINI_API_KEY."

const (
	healthPrompt     = "Say 'Hello from Gemini AI' and confirm you are working correctly. Respond in JSON format: {\"status\": \"ok\", \"message\": \"your message\"}"
	healthTextPrompt = "Say 'Hello from Gemini AI' and confirm you are working correctly."
	premiumPrompt    = "Generate a brief, premium market sentiment analysis for Avalanche (AVAX) based on latest trends."
)

// Handler serves the AI endpoints.
type Handler struct {
	client   *Client
	verifier *payment.Verifier
}

// NewHandler creates an AI handler. Premium data is gated by verifier's
// premium tier.
func NewHandler(client *Client, verifier *payment.Verifier) *Handler {
	return &Handler{client: client, verifier: verifier}
}

// RegisterRoutes sets up the AI routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/chat", h.Chat)
	r.GET("/test-completion", h.HealthCheck)
	r.POST("/test-completion", h.TestPrompt)
	// The gate spends the tx hash, so an unconfigured client is refused first.
	r.GET("/protected/premium-data", h.configured, h.verifier.Gate(payment.TierPremium), h.PremiumData)
}

// ChatRequest is the body of POST /chat.
type ChatRequest struct {
	Messages []Message `json:"messages" binding:"required"`
}

// Chat handles POST /chat
func (h *Handler) Chat(c *gin.Context) {
	var req ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil || len(req.Messages) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "messages are required"})
		return
	}
	if !h.client.Enabled() {
		c.JSON(http.StatusOK, gin.H{"content": demoReply, "demo": true})
		return
	}

	resp, err := h.client.Chat(c.Request.Context(), chatSystemInstruction, req.Messages, DefaultOptions())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"content": resp.Content, "model": resp.Model})
}

// HealthCheck handles GET /test-completion
func (h *Handler) HealthCheck(c *gin.Context) {
	if !h.requireClient(c) {
		return
	}
	opts := DefaultOptions()
	opts.MaxOutputTokens = 256

	h.complete(c, ProtocolAgentID, healthPrompt, healthTextPrompt, opts)
}

// TestPromptRequest is the body of POST /test-completion.
type TestPromptRequest struct {
	Prompt  string `json:"prompt"`
	AgentID string `json:"agentId"`
}

// TestPrompt handles POST /test-completion
func (h *Handler) TestPrompt(c *gin.Context) {
	var req TestPromptRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Prompt) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid_request", "message": "Prompt is required"})
		return
	}
	if !h.requireClient(c) {
		return
	}
	agentID := req.AgentID
	if agentID == "" {
		agentID = ProtocolAgentID
	}
	h.complete(c, agentID, req.Prompt, req.Prompt, DefaultOptions())
}

// complete asks for JSON and retries once in text mode when the reply
// can't be parsed.
func (h *Handler) complete(c *gin.Context, agentID, prompt, textPrompt string, opts Options) {
	ctx := c.Request.Context()

	data, resp, err := h.client.GenerateJSON(ctx, prompt, opts)
	if err == nil {
		c.JSON(http.StatusOK, gin.H{
			"success":   true,
			"data":      data,
			"modelUsed": resp.Model,
			"message":   "Gemini AI is working correctly",
			"poai":      poai.Generate(agentID, resp.Model, prompt, resp.Content, h.client.now()),
		})
		return
	}
	if !errors.Is(err, ErrNoJSON) {
		writeError(c, err)
		return
	}

	logging.L(ctx).Info("ai reply was not JSON, retrying in text mode", "model", resp.Model)
	resp, err = h.client.Generate(ctx, textPrompt, opts)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":   true,
		"data":      gin.H{"status": "ok", "content": resp.Content},
		"modelUsed": resp.Model,
		"message":   "Gemini AI is working (text response mode)",
		"poai":      poai.Generate(agentID, resp.Model, textPrompt, resp.Content, h.client.now()),
	})
}

// PremiumData handles GET /protected/premium-data
func (h *Handler) PremiumData(c *gin.Context) {
	if !h.requireClient(c) {
		return
	}
	resp, err := h.client.Generate(c.Request.Context(), premiumPrompt, DefaultOptions())
	if err != nil {
		writeError(c, err)
		return
	}

	proof := gin.H{"verified": false}
	if res := payment.FromContext(c); res != nil {
		proof = gin.H{"verified": res.Verified, "txHash": res.TransactionHash, "amount": res.Amount}
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data": gin.H{
			"analysis":  resp.Content,
			"modelUsed": resp.Model,
			"timestamp": resp.Timestamp,
		},
		"paymentProof": proof,
		"poai":         poai.Generate(ProtocolAgentID, resp.Model, premiumPrompt, resp.Content, h.client.now()),
	})
}

func (h *Handler) configured(c *gin.Context) {
	if !h.requireClient(c) {
		c.Abort()
	}
}

func (h *Handler) requireClient(c *gin.Context) bool {
	if h.client.Enabled() {
		return true
	}
	c.JSON(http.StatusServiceUnavailable, gin.H{"success": false, "error": "not_configured", "message": "GEMINI_API_KEY not configured"})
	return false
}

func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrEmptyPrompt):
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid_request", "message": err.Error()})
	case errors.Is(err, ErrNotConfigured):
		c.JSON(http.StatusServiceUnavailable, gin.H{"success": false, "error": "not_configured", "message": "GEMINI_API_KEY not configured"})
	case errors.Is(err, ErrUpstreamUnavailable):
		writeServerError(c, http.StatusBadGateway, "upstream_unavailable", "AI service unavailable", err)
	default:
		writeServerError(c, http.StatusInternalServerError, "internal_error", "Failed to get AI response", err)
	}
}

func writeServerError(c *gin.Context, status int, code, msg string, err error) {
	body := apierror.Body(c, status, code, msg, err)
	body["success"] = false
	c.JSON(status, body)
}
