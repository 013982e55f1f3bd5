package revenue

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/agenthub/agenthub/internal/apierror"
	"github.com/agenthub/agenthub/internal/validation"
)

// Handler provides HTTP endpoints for revenue distribution.
type Handler struct {
	service *Service
}

// NewHandler creates a new revenue handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up public revenue routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/revenue/shares", h.GetShares)
	r.GET("/revenue/pending/:address", validation.AddressParamMiddleware(), h.GetPending)
	r.GET("/revenue/distributions", h.ListDistributions)
}

// RegisterProtectedRoutes sets up caller-authenticated revenue routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.PUT("/revenue/shares", h.UpdateShares)
	r.POST("/revenue/distribute", h.Distribute)
	r.POST("/revenue/claim/creator", h.ClaimCreator)
	r.POST("/revenue/claim/staker", h.ClaimStaker)
	r.POST("/revenue/claim/protocol", h.ClaimProtocol)
}

// GetShares handles GET /revenue/shares
func (h *Handler) GetShares(c *gin.Context) {
	shares, err := h.service.Shares(c.Request.Context())
	if err != nil {
		writeError(c, err, "internal_error")
		return
	}
	c.JSON(http.StatusOK, gin.H{"shares": shares})
}

// UpdateShares handles PUT /revenue/shares
func (h *Handler) UpdateShares(c *gin.Context) {
	var req SharesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "creatorShare, stakersShare and protocolFee are required",
		})
		return
	}

	shares, err := h.service.UpdateShares(c.Request.Context(), validation.CallerAddress(c), req)
	if err != nil {
		writeError(c, err, "update_failed")
		return
	}
	c.JSON(http.StatusOK, gin.H{"shares": shares})
}

// Distribute handles POST /revenue/distribute
func (h *Handler) Distribute(c *gin.Context) {
	var req DistributeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "creator and amount are required"})
		return
	}

	dist, err := h.service.Distribute(c.Request.Context(), validation.CallerAddress(c), req)
	if err != nil {
		writeError(c, err, "distribute_failed")
		return
	}
	c.JSON(http.StatusCreated, gin.H{"distribution": dist})
}

// GetPending handles GET /revenue/pending/:address
func (h *Handler) GetPending(c *gin.Context) {
	pending, err := h.service.Pending(c.Request.Context(), c.Param("address"))
	if err != nil {
		writeError(c, err, "internal_error")
		return
	}
	c.JSON(http.StatusOK, gin.H{"pending": pending})
}

// ListDistributions handles GET /revenue/distributions
func (h *Handler) ListDistributions(c *gin.Context) {
	creator := c.Query("creator")
	if creator != "" && !validation.IsValidEthAddress(creator) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_address", "message": "creator must be a valid address"})
		return
	}

	limit := 50
	if l, err := strconv.Atoi(c.Query("limit")); err == nil && l > 0 && l <= 500 {
		limit = l
	}

	dists, err := h.service.ListDistributions(c.Request.Context(), creator, limit)
	if err != nil {
		writeError(c, err, "internal_error")
		return
	}
	c.JSON(http.StatusOK, gin.H{"distributions": dists, "count": len(dists)})
}

// ClaimCreator handles POST /revenue/claim/creator
func (h *Handler) ClaimCreator(c *gin.Context) {
	claim, err := h.service.ClaimCreator(c.Request.Context(), validation.CallerAddress(c))
	if err != nil {
		writeError(c, err, "claim_failed")
		return
	}
	c.JSON(http.StatusOK, gin.H{"claim": claim})
}

// ClaimStaker handles POST /revenue/claim/staker
func (h *Handler) ClaimStaker(c *gin.Context) {
	var req ClaimStakerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "pool is required"})
		return
	}

	claim, err := h.service.ClaimStaker(c.Request.Context(), validation.CallerAddress(c), req.Pool)
	if err != nil {
		writeError(c, err, "claim_failed")
		return
	}
	c.JSON(http.StatusOK, gin.H{"claim": claim})
}

// ClaimProtocol handles POST /revenue/claim/protocol
func (h *Handler) ClaimProtocol(c *gin.Context) {
	claim, err := h.service.ClaimProtocol(c.Request.Context(), validation.CallerAddress(c))
	if err != nil {
		writeError(c, err, "claim_failed")
		return
	}
	c.JSON(http.StatusOK, gin.H{"claim": claim})
}

func writeError(c *gin.Context, err error, fallback string) {
	status := http.StatusInternalServerError
	code := fallback
	switch {
	case errors.Is(err, ErrInvalidShareSum):
		status, code = http.StatusBadRequest, "invalid_share_sum"
	case errors.Is(err, ErrInvalidAmount):
		status, code = http.StatusBadRequest, "invalid_amount"
	case errors.Is(err, ErrInvalidCreator), errors.Is(err, ErrInvalidStaker), errors.Is(err, ErrInvalidPool):
		status, code = http.StatusBadRequest, "invalid_address"
	case errors.Is(err, ErrNothingToClaim):
		status, code = http.StatusBadRequest, "nothing_to_claim"
	case errors.Is(err, ErrNotOperator):
		status, code = http.StatusForbidden, "forbidden"
	case errors.Is(err, ErrDuplicateReference):
		status, code = http.StatusConflict, "duplicate_reference"
	case errors.Is(err, ErrNoOperator):
		status, code = http.StatusServiceUnavailable, "operator_not_configured"
	}
	apierror.Respond(c, status, code, "", err)
}
