package sensors

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/agenthub/agenthub/internal/apierror"
	"github.com/agenthub/agenthub/internal/payment"
	"github.com/agenthub/agenthub/internal/validation"
)

const maxBodyBytes = 64 << 10

// Handler serves the IoT endpoints.
type Handler struct {
	service  *Service
	verifier *payment.Verifier
}

// NewHandler creates a sensor handler. Alerts are gated by verifier's basic
// tier.
func NewHandler(service *Service, verifier *payment.Verifier) *Handler {
	return &Handler{service: service, verifier: verifier}
}

// RegisterRoutes sets up the IoT routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	iot := r.Group("/iot")
	iot.POST("/sensors", h.PostReading)
	iot.GET("/sensors", h.GetReadings)
	iot.POST("/alerts", h.verifier.Gate(payment.TierBasic), h.PostAlert)
}

// PostReading handles POST /iot/sensors
func (h *Handler) PostReading(c *gin.Context) {
	body, ok := readBody(c)
	if !ok {
		return
	}
	rd, err := h.service.Ingest(c.Request.Context(), c.GetHeader(AgentHeader), body)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": "Sensor data received",
		"data":    rd,
	})
}

// GetReadings handles GET /iot/sensors
func (h *Handler) GetReadings(c *gin.Context) {
	agentID := c.GetHeader(AgentHeader)
	if agentID == "" {
		agentID = c.Query("agentId")
	}
	readings, err := h.service.Readings(c.Request.Context(), agentID)
	if err != nil {
		writeError(c, err)
		return
	}
	message := "Sensor data retrieved"
	if len(readings) == 0 {
		message = "No sensor data found for this agent"
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"agentId": agentID,
		"message": message,
		"data":    readings,
		"count":   len(readings),
	})
}

// PostAlert handles POST /iot/alerts
func (h *Handler) PostAlert(c *gin.Context) {
	body, ok := readBody(c)
	if !ok {
		return
	}

	var paid bool
	var txHash string
	if res := payment.FromContext(c); res != nil {
		paid = res.Verified
		txHash = res.TransactionHash
	}

	alert, err := h.service.RaiseAlert(c.Request.Context(), c.GetHeader(AgentHeader), body, paid, txHash)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": "Alert received and processed",
		"alert":   alert,
		"txHash":  txHash,
	})
}

func readBody(c *gin.Context) ([]byte, bool) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes+1))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Could not read body"})
		return nil, false
	}
	if len(body) > maxBodyBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "payload_too_large", "message": "Body exceeds 64KB"})
		return nil, false
	}
	return body, true
}

func writeError(c *gin.Context, err error) {
	var verrs validation.ValidationErrors
	switch {
	case errors.Is(err, ErrAgentRequired):
		c.JSON(http.StatusBadRequest, gin.H{"error": "agent_required", "message": "Agent ID required (X-Agent-ID header)"})
	case errors.Is(err, ErrInvalidAgent):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_agent", "message": err.Error()})
	case errors.As(err, &verrs):
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_failed", "message": verrs.Error(), "details": verrs})
	default:
		apierror.Respond(c, http.StatusInternalServerError, "internal_error", "Failed to process sensor data", err)
	}
}
