package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"sort"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/agenthub/agenthub/internal/poai"
	"github.com/agenthub/agenthub/internal/units"
	"github.com/agenthub/agenthub/internal/validation"
)

// Handlers implements the MCP tool handlers on top of a Client.
type Handlers struct {
	client *Client
}

// NewHandlers creates handlers bound to client.
func NewHandlers(client *Client) *Handlers {
	return &Handlers{client: client}
}

// HandleListAgents lists registered agents.
func (h *Handlers) HandleListAgents(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	owner := req.GetString("owner", "")
	if owner != "" && !validation.IsValidEthAddress(owner) {
		return mcp.NewToolResultError("owner must be a 0x-prefixed address"), nil
	}

	raw, err := h.client.ListAgents(ctx, owner, req.GetInt("limit", 20))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list agents: %v", err)), nil
	}
	text, err := formatAgentList(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse agents: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleGetAgent shows one agent's profile.
func (h *Handlers) HandleGetAgent(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	agentID := req.GetString("agent_id", "")
	if agentID == "" {
		return mcp.NewToolResultError("agent_id is required"), nil
	}

	raw, err := h.client.GetAgent(ctx, agentID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get agent: %v", err)), nil
	}
	text, err := formatAgent(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse agent: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleGetReputation shows an agent's recent reputation events.
func (h *Handlers) HandleGetReputation(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	agentID := req.GetString("agent_id", "")
	if agentID == "" {
		return mcp.NewToolResultError("agent_id is required"), nil
	}

	raw, err := h.client.GetReputation(ctx, agentID, req.GetInt("limit", 10))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get reputation: %v", err)), nil
	}
	text, err := formatReputation(agentID, raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse reputation: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleDiscoverServices searches the marketplace, cheapest first.
func (h *Handlers) HandleDiscoverServices(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var maxPrice *big.Int
	if s := req.GetString("max_price", ""); s != "" {
		p, err := units.ParseUSDC(s)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid max_price: %v", err)), nil
		}
		maxPrice = p
	}

	raw, err := h.client.ListServices(ctx, req.GetString("service_type", ""), req.GetString("provider", ""), 0)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to discover services: %v", err)), nil
	}
	services, err := parseServices(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse services: %v", err)), nil
	}
	return mcp.NewToolResultText(formatServices(filterServices(services, maxPrice))), nil
}

// HandleRequestService requests a listing as the configured caller.
func (h *Handlers) HandleRequestService(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	serviceID := req.GetString("service_id", "")
	if serviceID == "" {
		return mcp.NewToolResultError("service_id is required"), nil
	}
	amount := req.GetString("amount", "")
	if amount != "" {
		if _, err := units.ParseUSDC(amount); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid amount: %v", err)), nil
		}
	}

	raw, err := h.client.RequestService(ctx, serviceID, amount)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Service request failed: %v", err)), nil
	}

	var resp struct {
		Request map[string]any `json:"request"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil || resp.Request == nil {
		return mcp.NewToolResultText(formatJSON(raw)), nil
	}
	var sb strings.Builder
	sb.WriteString("Service requested.\n")
	fmt.Fprintf(&sb, "  Request:  %s\n", getString(resp.Request, "requestId"))
	fmt.Fprintf(&sb, "  Service:  %s\n", getString(resp.Request, "serviceId"))
	fmt.Fprintf(&sb, "  Paid:     %s USDC\n", getString(resp.Request, "amountPaid"))
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleReadSensors returns an agent's cached readings.
func (h *Handlers) HandleReadSensors(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.ReadSensors(ctx, req.GetString("agent_id", ""))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to read sensors: %v", err)), nil
	}
	return mcp.NewToolResultText(formatJSON(raw)), nil
}

// HandleSubmitReading reports a reading.
func (h *Handlers) HandleSubmitReading(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	values, ok := req.GetArguments()["values"].(map[string]any)
	if !ok || len(values) == 0 {
		return mcp.NewToolResultError("values must be a non-empty object"), nil
	}

	raw, err := h.client.SubmitReading(ctx, req.GetString("agent_id", ""), values)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to submit reading: %v", err)), nil
	}
	return mcp.NewToolResultText(formatJSON(raw)), nil
}

// HandleSendAlert raises a paid alert.
func (h *Handlers) HandleSendAlert(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	kind := req.GetString("alert", "")
	if kind == "" {
		return mcp.NewToolResultError("alert is required"), nil
	}
	body := map[string]any{"alert": kind}
	if t, ok := req.GetArguments()["temperature"].(float64); ok {
		body["temperature"] = t
	}

	res, err := h.client.SendAlert(ctx, req.GetString("agent_id", ""), body)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Alert failed: %v", err)), nil
	}
	return mcp.NewToolResultText(paymentNote(res) + formatJSON(res.raw)), nil
}

// HandlePremiumAnalysis buys the premium analysis.
func (h *Handlers) HandlePremiumAnalysis(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	res, err := h.client.PremiumAnalysis(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Premium analysis failed: %v", err)), nil
	}

	var resp struct {
		Data struct {
			Analysis  string `json:"analysis"`
			ModelUsed string `json:"modelUsed"`
		} `json:"data"`
		PoAI poai.Attribution `json:"poai"`
	}
	if err := json.Unmarshal(res.raw, &resp); err != nil || resp.Data.Analysis == "" {
		return mcp.NewToolResultText(paymentNote(res) + formatJSON(res.raw)), nil
	}

	var sb strings.Builder
	sb.WriteString(paymentNote(res))
	sb.WriteString(resp.Data.Analysis)
	sb.WriteString("\n\n")
	fmt.Fprintf(&sb, "Model: %s\n", resp.Data.ModelUsed)
	if resp.PoAI.ProofHash != "" {
		fmt.Fprintf(&sb, "PoAI proof: %s\n", resp.PoAI.ProofHash)
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleVerifyPayment checks a transfer on chain.
func (h *Handlers) HandleVerifyPayment(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	txHash := req.GetString("tx_hash", "")
	if !validation.IsValidHash(txHash) {
		return mcp.NewToolResultError("tx_hash must be a 0x-prefixed 32-byte hash"), nil
	}

	raw, err := h.client.VerifyPayment(ctx, txHash)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Verification failed: %v", err)), nil
	}
	return mcp.NewToolResultText(formatJSON(raw)), nil
}

// HandleVerifyPoAI recomputes a proof hash locally.
func (h *Handlers) HandleVerifyPoAI(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	claimed := req.GetString("proof_hash", "")
	if !validation.IsValidHash(claimed) {
		return mcp.NewToolResultError("proof_hash must be a 0x-prefixed 32-byte hash"), nil
	}
	proof := poai.Proof{
		AgentID:    req.GetString("agent_id", ""),
		Model:      req.GetString("model", ""),
		InputHash:  req.GetString("input_hash", ""),
		OutputHash: req.GetString("output_hash", ""),
		Timestamp:  int64(req.GetFloat("timestamp", 0)),
	}
	if proof.AgentID == "" {
		return mcp.NewToolResultError("agent_id is required"), nil
	}

	if poai.Verify(proof, claimed) {
		return mcp.NewToolResultText("Proof is valid.\n  Hash: " + proof.Hash()), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Proof is INVALID.\n  Claimed:  %s\n  Computed: %s", claimed, proof.Hash())), nil
}

// HandleGetNetworkStats returns platform statistics.
func (h *Handlers) HandleGetNetworkStats(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.NetworkStats(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get network stats: %v", err)), nil
	}
	return mcp.NewToolResultText(formatJSON(raw)), nil
}

// --- Formatting ---

type serviceInfo struct {
	ID       string
	Name     string
	Provider string
	Type     string
	Price    string
	Rating   float64
	price    *big.Int
}

func parseServices(raw json.RawMessage) ([]serviceInfo, error) {
	var resp struct {
		Services []map[string]any `json:"services"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, err
	}

	services := make([]serviceInfo, 0, len(resp.Services))
	for _, m := range resp.Services {
		s := serviceInfo{
			ID:       getString(m, "serviceId"),
			Name:     getString(m, "name"),
			Provider: getString(m, "provider"),
			Type:     getString(m, "serviceType"),
			Price:    getString(m, "pricePerRequest"),
		}
		s.Rating, _ = getFloat(m, "rating")
		p, err := units.ParseUSDC(s.Price)
		if err != nil {
			continue
		}
		s.price = p
		services = append(services, s)
	}
	return services, nil
}

// filterServices drops listings above maxPrice (nil means no limit) and
// sorts the rest cheapest first.
func filterServices(services []serviceInfo, maxPrice *big.Int) []serviceInfo {
	out := services[:0]
	for _, s := range services {
		if maxPrice != nil && s.price.Cmp(maxPrice) > 0 {
			continue
		}
		out = append(out, s)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].price.Cmp(out[j].price) < 0 })
	return out
}

func formatServices(services []serviceInfo) string {
	if len(services) == 0 {
		return "No services found matching your criteria."
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d service(s):\n\n", len(services))
	for i, s := range services {
		fmt.Fprintf(&sb, "%d. %s [%s] - %s USDC\n", i+1, s.Name, s.Type, s.Price)
		fmt.Fprintf(&sb, "   ID: %s\n", s.ID)
		fmt.Fprintf(&sb, "   Provider: %s\n", s.Provider)
		if s.Rating > 0 {
			fmt.Fprintf(&sb, "   Rating: %.1f/5\n", s.Rating/2000)
		}
	}
	return sb.String()
}

func formatAgentList(raw json.RawMessage) (string, error) {
	var resp struct {
		Agents []map[string]any `json:"agents"`
		Total  *float64         `json:"total"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", fmt.Errorf("unexpected agents response format")
	}
	if len(resp.Agents) == 0 {
		return "No agents found.", nil
	}

	var sb strings.Builder
	if resp.Total != nil {
		fmt.Fprintf(&sb, "Showing %d of %.0f agent(s):\n\n", len(resp.Agents), *resp.Total)
	} else {
		fmt.Fprintf(&sb, "Found %d agent(s):\n\n", len(resp.Agents))
	}
	for i, a := range resp.Agents {
		status := "active"
		if active, ok := a["isActive"].(bool); ok && !active {
			status = "inactive"
		}
		fmt.Fprintf(&sb, "%d. %s (%s)\n", i+1, getString(a, "agentId"), status)
		fmt.Fprintf(&sb, "   Owner: %s\n", getString(a, "owner"))
		trust, _ := getFloat(a, "trustScore")
		fmt.Fprintf(&sb, "   Trust: %s, staked %s\n", percent(trust), getString(a, "stakedAmount"))
	}
	return sb.String(), nil
}

func formatAgent(raw json.RawMessage) (string, error) {
	var resp struct {
		Agent       map[string]any `json:"agent"`
		SuccessRate float64        `json:"successRate"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	if resp.Agent == nil {
		return "", fmt.Errorf("no agent in response")
	}

	a := resp.Agent
	var sb strings.Builder
	fmt.Fprintf(&sb, "Agent %s:\n", getString(a, "agentId"))
	fmt.Fprintf(&sb, "  Owner:        %s\n", getString(a, "owner"))
	trust, _ := getFloat(a, "trustScore")
	fmt.Fprintf(&sb, "  Trust Score:  %s\n", percent(trust))
	fmt.Fprintf(&sb, "  Staked:       %s\n", getString(a, "stakedAmount"))
	fmt.Fprintf(&sb, "  Transactions: %s (%s successful)\n", getString(a, "totalTransactions"), percent(resp.SuccessRate))
	if active, ok := a["isActive"].(bool); ok && !active {
		sb.WriteString("  Status:       inactive\n")
	}
	if v := getString(a, "kitePoAIHash"); v != "" {
		fmt.Fprintf(&sb, "  PoAI:         %s\n", v)
	}
	return sb.String(), nil
}

func formatReputation(agentID string, raw json.RawMessage) (string, error) {
	var resp struct {
		Events []map[string]any `json:"events"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	if len(resp.Events) == 0 {
		return fmt.Sprintf("No reputation events for %s.", agentID), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Reputation history for %s:\n", agentID)
	for _, e := range resp.Events {
		outcome := "failed"
		if ok, _ := e["successful"].(bool); ok {
			outcome = "succeeded"
		}
		line := fmt.Sprintf("  %s: %s", getString(e, "timestamp"), outcome)
		if v := getString(e, "transactionValue"); v != "" {
			line += fmt.Sprintf(", %s USDC", v)
		}
		if v := getString(e, "serviceType"); v != "" {
			line += " (" + v + ")"
		}
		trust, _ := getFloat(e, "trustScore")
		fmt.Fprintf(&sb, "%s -> trust %s\n", line, percent(trust))
	}
	return sb.String(), nil
}

// percent renders a basis-point score.
func percent(bps float64) string {
	return fmt.Sprintf("%.2f%%", bps/100)
}

func paymentNote(res *result) string {
	if res.proof == nil {
		return ""
	}
	tier := ""
	if res.terms != nil && res.terms.Payment.Tier != "" {
		tier = " (" + res.terms.Payment.Tier + ")"
	}
	return fmt.Sprintf("Paid %s USDC%s, tx %s\n\n", res.proof.Amount, tier, res.proof.TxHash)
}

func formatJSON(raw json.RawMessage) string {
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, raw, "", "  "); err != nil {
		return string(raw)
	}
	return pretty.String()
}

// getString extracts a string value from a map, trying multiple key names.
func getString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if s, ok := v.(string); ok {
				return s
			}
			if f, ok := v.(float64); ok {
				return fmt.Sprintf("%g", f)
			}
		}
	}
	return ""
}

// getFloat extracts a float64 value from a map, trying multiple key names.
func getFloat(m map[string]any, keys ...string) (float64, bool) {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if f, ok := v.(float64); ok {
				return f, true
			}
		}
	}
	return 0, false
}
