package marketplace

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/agenthub/agenthub/internal/apierror"
	"github.com/agenthub/agenthub/internal/realtime"
	"github.com/agenthub/agenthub/internal/validation"
)

// EventPublisher fans marketplace events out to realtime subscribers.
type EventPublisher interface {
	Publish(eventType realtime.EventType, data map[string]any)
}

// Handler provides HTTP endpoints for the service marketplace.
type Handler struct {
	service *Service
	events  EventPublisher
}

// NewHandler creates a new marketplace handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// WithEvents publishes accepted service requests to events.
func (h *Handler) WithEvents(events EventPublisher) *Handler {
	h.events = events
	return h
}

// RegisterRoutes sets up public marketplace routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/services", h.ListServices)
	r.GET("/services/:serviceId", h.GetService)
	r.GET("/requests/:requestId", h.GetRequest)
	r.GET("/consumers/:address/requests", validation.AddressParamMiddleware(), h.ListConsumerRequests)
}

// RegisterProtectedRoutes sets up caller-authenticated marketplace routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/services", h.PublishService)
	r.POST("/services/:serviceId/requests", h.RequestService)
	r.PUT("/services/:serviceId/price", h.UpdatePrice)
	r.POST("/services/:serviceId/deactivate", h.Deactivate)
	r.POST("/services/:serviceId/reactivate", h.Reactivate)
	r.POST("/requests/:requestId/complete", h.CompleteRequest)
}

// PublishService handles POST /services
func (h *Handler) PublishService(c *gin.Context) {
	var req PublishRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "pricePerRequest is required"})
		return
	}

	listing, err := h.service.Publish(c.Request.Context(), validation.CallerAddress(c), req)
	if err != nil {
		writeError(c, err, "publish_failed")
		return
	}
	c.JSON(http.StatusCreated, gin.H{"service": listing})
}

// ListServices handles GET /services
//
// Query: provider, type, active (default true), limit.
func (h *Handler) ListServices(c *gin.Context) {
	filter := ListingFilter{
		Provider:    c.Query("provider"),
		ServiceType: c.Query("type"),
		ActiveOnly:  c.DefaultQuery("active", "true") != "false",
		Limit:       parseLimit(c, 100, 500),
	}
	if filter.Provider != "" && !validation.IsValidEthAddress(filter.Provider) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_address", "message": "provider must be a valid address"})
		return
	}

	ctx := c.Request.Context()
	listings, err := h.service.List(ctx, filter)
	if err != nil {
		writeError(c, err, "internal_error")
		return
	}
	total, err := h.service.Count(ctx)
	if err != nil {
		writeError(c, err, "internal_error")
		return
	}
	c.JSON(http.StatusOK, gin.H{"services": listings, "count": len(listings), "total": total})
}

// GetService handles GET /services/:serviceId
func (h *Handler) GetService(c *gin.Context) {
	listing, err := h.service.Get(c.Request.Context(), c.Param("serviceId"))
	if err != nil {
		writeError(c, err, "internal_error")
		return
	}
	c.JSON(http.StatusOK, gin.H{"service": listing})
}

// RequestService handles POST /services/:serviceId/requests
func (h *Handler) RequestService(c *gin.Context) {
	var body ServiceRequestBody
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
			return
		}
	}

	req, err := h.service.RequestService(c.Request.Context(), validation.CallerAddress(c), c.Param("serviceId"), body)
	if err != nil {
		writeError(c, err, "request_failed")
		return
	}
	if h.events != nil {
		h.events.Publish(realtime.EventServiceRequest, map[string]any{
			"requestId":  req.RequestID,
			"serviceId":  req.ServiceID,
			"consumer":   req.Consumer,
			"amountPaid": req.AmountPaid,
		})
	}
	c.JSON(http.StatusCreated, gin.H{"request": req})
}

// CompleteRequest handles POST /requests/:requestId/complete
func (h *Handler) CompleteRequest(c *gin.Context) {
	var body CompleteRequestBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "rating is required"})
		return
	}

	req, err := h.service.CompleteRequest(c.Request.Context(), validation.CallerAddress(c), c.Param("requestId"), body.Rating)
	if err != nil {
		writeError(c, err, "complete_failed")
		return
	}
	c.JSON(http.StatusOK, gin.H{"request": req})
}

// GetRequest handles GET /requests/:requestId
func (h *Handler) GetRequest(c *gin.Context) {
	req, err := h.service.GetRequest(c.Request.Context(), c.Param("requestId"))
	if err != nil {
		writeError(c, err, "internal_error")
		return
	}
	c.JSON(http.StatusOK, gin.H{"request": req})
}

// ListConsumerRequests handles GET /consumers/:address/requests
func (h *Handler) ListConsumerRequests(c *gin.Context) {
	reqs, err := h.service.ListConsumerRequests(c.Request.Context(), c.Param("address"), parseLimit(c, 50, 500))
	if err != nil {
		writeError(c, err, "internal_error")
		return
	}
	c.JSON(http.StatusOK, gin.H{"requests": reqs, "count": len(reqs)})
}

// UpdatePrice handles PUT /services/:serviceId/price
func (h *Handler) UpdatePrice(c *gin.Context) {
	var body PriceRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "pricePerRequest is required"})
		return
	}

	listing, err := h.service.UpdatePrice(c.Request.Context(), validation.CallerAddress(c), c.Param("serviceId"), body.Price)
	if err != nil {
		writeError(c, err, "update_failed")
		return
	}
	c.JSON(http.StatusOK, gin.H{"service": listing})
}

// Deactivate handles POST /services/:serviceId/deactivate
func (h *Handler) Deactivate(c *gin.Context) {
	listing, err := h.service.Deactivate(c.Request.Context(), validation.CallerAddress(c), c.Param("serviceId"))
	if err != nil {
		writeError(c, err, "deactivate_failed")
		return
	}
	c.JSON(http.StatusOK, gin.H{"service": listing})
}

// Reactivate handles POST /services/:serviceId/reactivate
func (h *Handler) Reactivate(c *gin.Context) {
	listing, err := h.service.Reactivate(c.Request.Context(), validation.CallerAddress(c), c.Param("serviceId"))
	if err != nil {
		writeError(c, err, "reactivate_failed")
		return
	}
	c.JSON(http.StatusOK, gin.H{"service": listing})
}

func writeError(c *gin.Context, err error, fallback string) {
	status := http.StatusInternalServerError
	code := fallback
	switch {
	case errors.Is(err, ErrServiceNotFound), errors.Is(err, ErrRequestNotFound):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, ErrInvalidPrice):
		status, code = http.StatusBadRequest, "invalid_price"
	case errors.Is(err, ErrNameRequired), errors.Is(err, ErrDescriptionRequired),
		errors.Is(err, ErrEndpointRequired), errors.Is(err, ErrInvalidEndpoint),
		errors.Is(err, ErrInvalidAddress):
		status, code = http.StatusBadRequest, "invalid_request"
	case errors.Is(err, ErrInvalidRating):
		status, code = http.StatusBadRequest, "invalid_rating"
	case errors.Is(err, ErrInsufficientPayment):
		status, code = http.StatusPaymentRequired, "insufficient_payment"
	case errors.Is(err, ErrOwnService):
		status, code = http.StatusBadRequest, "own_service"
	case errors.Is(err, ErrNotProvider), errors.Is(err, ErrNotConsumer):
		status, code = http.StatusForbidden, "forbidden"
	case errors.Is(err, ErrServiceInactive):
		status, code = http.StatusConflict, "service_inactive"
	case errors.Is(err, ErrServiceActive):
		status, code = http.StatusConflict, "service_active"
	case errors.Is(err, ErrAlreadyCompleted):
		status, code = http.StatusConflict, "already_completed"
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
