// Package poai builds Proof of Attributed Intelligence records: keccak
// commitments tying an agent and model to a prompt and its response
// without revealing either.
package poai

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gin-gonic/gin"

	"github.com/agenthub/agenthub/internal/validation"
)

var ErrInvalidProof = errors.New("poai: invalid proof")

// Proof is the attributed part of a PoAI record. Timestamp is unix seconds.
type Proof struct {
	AgentID    string `json:"agentId"`
	Model      string `json:"model"`
	InputHash  string `json:"inputHash"`
	OutputHash string `json:"outputHash"`
	Timestamp  int64  `json:"timestamp"`
}

// Attribution is a proof plus its hash, ready to be stored on an agent.
type Attribution struct {
	Proof     Proof  `json:"proof"`
	ProofHash string `json:"proofHash"`
}

// HashText returns the 0x-prefixed keccak256 of s.
func HashText(s string) string {
	return crypto.Keccak256Hash([]byte(s)).Hex()
}

// Generate commits to prompt and response for agentID and model.
func Generate(agentID, model, prompt, response string, now time.Time) Attribution {
	p := Proof{
		AgentID:    agentID,
		Model:      model,
		InputHash:  HashText(prompt),
		OutputHash: HashText(response),
		Timestamp:  now.Unix(),
	}
	return Attribution{Proof: p, ProofHash: p.Hash()}
}

// Hash is keccak256("agentId:model:inputHash:outputHash:timestamp").
func (p Proof) Hash() string {
	return HashText(strings.Join([]string{
		p.AgentID,
		p.Model,
		p.InputHash,
		p.OutputHash,
		strconv.FormatInt(p.Timestamp, 10),
	}, ":"))
}

// Verify recomputes the proof hash and compares it case-insensitively.
func Verify(p Proof, proofHash string) bool {
	return strings.EqualFold(p.Hash(), strings.TrimSpace(proofHash))
}

// VerifyRequest is the body of POST /poai/verify.
type VerifyRequest struct {
	Proof     Proof  `json:"proof"`
	ProofHash string `json:"proofHash" binding:"required"`
}

// Handler serves PoAI verification.
type Handler struct{}

func NewHandler() *Handler { return &Handler{} }

func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/poai/verify", h.Verify)
}

// Verify handles POST /poai/verify
func (h *Handler) Verify(c *gin.Context) {
	var req VerifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "proof and proofHash required"})
		return
	}
	if !validation.IsValidHash(req.ProofHash) || req.Proof.AgentID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_proof", "message": ErrInvalidProof.Error()})
		return
	}
	computed := req.Proof.Hash()
	c.JSON(http.StatusOK, gin.H{
		"valid":        strings.EqualFold(computed, req.ProofHash),
		"computedHash": computed,
	})
}
