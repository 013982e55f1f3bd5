package agents

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/agenthub/agenthub/internal/apierror"
	"github.com/agenthub/agenthub/internal/realtime"
	"github.com/agenthub/agenthub/internal/validation"
)

// EventPublisher fans registry events out to realtime subscribers.
type EventPublisher interface {
	Publish(eventType realtime.EventType, data map[string]any)
}

// Handler provides HTTP endpoints for the agent registry.
type Handler struct {
	service *Service
	events  EventPublisher
}

// NewHandler creates a new agents handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// WithEvents publishes registrations to events.
func (h *Handler) WithEvents(events EventPublisher) *Handler {
	h.events = events
	return h
}

// RegisterRoutes sets up read-only agent routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/agents", h.ListAgents)
	r.GET("/agents/:agentId", h.GetAgent)
	r.GET("/agents/:agentId/reputation", h.GetReputation)
}

// RegisterProtectedRoutes sets up routes that act on behalf of the caller.
// The group must run validation.CallerMiddleware.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/agents", h.RegisterAgent)
	r.POST("/agents/:agentId/reputation", h.UpdateReputation)
	r.POST("/agents/:agentId/stake", h.AddStake)
	r.POST("/agents/:agentId/stake/withdraw", h.WithdrawStake)
	r.POST("/agents/:agentId/deactivate", h.Deactivate)
	r.POST("/agents/:agentId/reactivate", h.Reactivate)
	r.POST("/agents/:agentId/poai", h.RecordProof)
}

// RegisterAgent handles POST /agents
func (h *Handler) RegisterAgent(c *gin.Context) {
	var req RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "agentId, metadata and stake are required",
		})
		return
	}

	if errs := validation.Validate(
		validation.MaxLength("agentId", req.AgentID, 256),
		validation.MaxLength("metadata", req.Metadata, validation.MaxStringLength),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": errs.Error(), "details": errs})
		return
	}

	agent, err := h.service.Register(c.Request.Context(), validation.CallerAddress(c), req)
	if err != nil {
		writeError(c, err, "registration_failed")
		return
	}

	if h.events != nil {
		h.events.Publish(realtime.EventAgentRegistered, map[string]any{
			"agentId":      agent.AgentID,
			"owner":        agent.Owner,
			"stakedAmount": agent.StakedAmount,
		})
	}
	c.JSON(http.StatusCreated, gin.H{"agent": agent})
}

// GetAgent handles GET /agents/:agentId
func (h *Handler) GetAgent(c *gin.Context) {
	agent, err := h.service.Get(c.Request.Context(), c.Param("agentId"))
	if err != nil {
		writeError(c, err, "internal_error")
		return
	}
	c.JSON(http.StatusOK, gin.H{"agent": agent, "successRate": agent.SuccessRate()})
}

// ListAgents handles GET /agents. With ?owner= it returns that owner's agents.
func (h *Handler) ListAgents(c *gin.Context) {
	ctx := c.Request.Context()

	if owner := c.Query("owner"); owner != "" {
		if !validation.IsValidEthAddress(owner) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_address", "message": "owner must be a valid address"})
			return
		}
		agents, err := h.service.ListByOwner(ctx, owner)
		if err != nil {
			writeError(c, err, "internal_error")
			return
		}
		c.JSON(http.StatusOK, gin.H{"agents": agents, "count": len(agents)})
		return
	}

	agents, err := h.service.List(ctx, parseLimit(c, 100, 1000))
	if err != nil {
		writeError(c, err, "internal_error")
		return
	}
	total, err := h.service.Count(ctx)
	if err != nil {
		writeError(c, err, "internal_error")
		return
	}
	c.JSON(http.StatusOK, gin.H{"agents": agents, "count": len(agents), "total": total})
}

// GetReputation handles GET /agents/:agentId/reputation
func (h *Handler) GetReputation(c *gin.Context) {
	events, err := h.service.History(c.Request.Context(), c.Param("agentId"), parseLimit(c, 50, 500))
	if err != nil {
		writeError(c, err, "internal_error")
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events, "count": len(events)})
}

// UpdateReputation handles POST /agents/:agentId/reputation
func (h *Handler) UpdateReputation(c *gin.Context) {
	var req ReputationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "success is required"})
		return
	}

	agent, err := h.service.UpdateReputation(c.Request.Context(), validation.CallerAddress(c), c.Param("agentId"), req)
	if err != nil {
		writeError(c, err, "reputation_failed")
		return
	}
	c.JSON(http.StatusOK, gin.H{"agent": agent})
}

// AddStake handles POST /agents/:agentId/stake
func (h *Handler) AddStake(c *gin.Context) {
	var req StakeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "amount is required"})
		return
	}

	agent, err := h.service.AddStake(c.Request.Context(), validation.CallerAddress(c), c.Param("agentId"), req.Amount)
	if err != nil {
		writeError(c, err, "stake_failed")
		return
	}
	c.JSON(http.StatusOK, gin.H{"agent": agent})
}

// WithdrawStake handles POST /agents/:agentId/stake/withdraw
func (h *Handler) WithdrawStake(c *gin.Context) {
	var req StakeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "amount is required"})
		return
	}

	agent, err := h.service.WithdrawStake(c.Request.Context(), validation.CallerAddress(c), c.Param("agentId"), req.Amount)
	if err != nil {
		writeError(c, err, "withdraw_failed")
		return
	}
	c.JSON(http.StatusOK, gin.H{"agent": agent, "withdrawn": req.Amount})
}

// Deactivate handles POST /agents/:agentId/deactivate
func (h *Handler) Deactivate(c *gin.Context) {
	agent, err := h.service.Deactivate(c.Request.Context(), validation.CallerAddress(c), c.Param("agentId"))
	if err != nil {
		writeError(c, err, "deactivate_failed")
		return
	}
	c.JSON(http.StatusOK, gin.H{"agent": agent})
}

// Reactivate handles POST /agents/:agentId/reactivate
func (h *Handler) Reactivate(c *gin.Context) {
	agent, err := h.service.Reactivate(c.Request.Context(), validation.CallerAddress(c), c.Param("agentId"))
	if err != nil {
		writeError(c, err, "reactivate_failed")
		return
	}
	c.JSON(http.StatusOK, gin.H{"agent": agent})
}

// RecordProof handles POST /agents/:agentId/poai
func (h *Handler) RecordProof(c *gin.Context) {
	var req ProofRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "proofHash is required"})
		return
	}

	agent, err := h.service.RecordProof(c.Request.Context(), validation.CallerAddress(c), c.Param("agentId"), req.ProofHash)
	if err != nil {
		writeError(c, err, "proof_failed")
		return
	}
	c.JSON(http.StatusOK, gin.H{"agent": agent})
}

func writeError(c *gin.Context, err error, fallback string) {
	status := http.StatusInternalServerError
	code := fallback
	switch {
	case errors.Is(err, ErrAgentNotFound):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, ErrAgentExists):
		status, code = http.StatusConflict, "agent_exists"
	case errors.Is(err, ErrInsufficientStake):
		status, code = http.StatusBadRequest, "insufficient_stake"
	case errors.Is(err, ErrBelowMinimumStake):
		status, code = http.StatusBadRequest, "below_minimum_stake"
	case errors.Is(err, ErrInvalidAmount):
		status, code = http.StatusBadRequest, "invalid_amount"
	case errors.Is(err, ErrInvalidAgentID), errors.Is(err, ErrInvalidOwner),
		errors.Is(err, ErrMetadataRequired), errors.Is(err, ErrInvalidProof),
		errors.Is(err, ErrOutcomeRequired):
		status, code = http.StatusBadRequest, "invalid_request"
	case errors.Is(err, ErrNotOwner), errors.Is(err, ErrNotAuthorized), errors.Is(err, ErrNotOperator):
		status, code = http.StatusForbidden, "forbidden"
	case errors.Is(err, ErrAgentInactive):
		status, code = http.StatusConflict, "agent_inactive"
	case errors.Is(err, ErrAgentActive):
		status, code = http.StatusConflict, "agent_active"
	case errors.Is(err, ErrNoOperator):
		status, code = http.StatusServiceUnavailable, "operator_not_configured"
	}
	apierror.Respond(c, status, code, "", err)
}

func parseLimit(c *gin.Context, defaultLimit, maxLimit int) int {
	limit := defaultLimit
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > maxLimit {
				limit = maxLimit
			}
		}
	}
	return limit
}
