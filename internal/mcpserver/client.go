package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/agenthub/agenthub/internal/sensors"
	"github.com/agenthub/agenthub/internal/validation"
	"github.com/agenthub/agenthub/pkg/x402"
)

// Config holds the connection settings for an AgentHub server.
type Config struct {
	APIURL        string // Base URL, e.g. "http://localhost:8080"
	CallerAddress string // Sent as X-Caller-Address on marketplace writes
	AgentID       string // Default agent for the sensor tools
	MaxPayment    string // Per-call ceiling for 402-gated endpoints, in USDC
}

// Client is an HTTP client for the AgentHub API. Gated endpoints are paid
// through the server's x402 facilitator.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// NewClient creates a client for cfg.APIURL.
func NewClient(cfg Config) *Client {
	cfg.APIURL = strings.TrimRight(cfg.APIURL, "/")
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
}

type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// call describes one API request.
type call struct {
	method  string
	path    string
	query   url.Values
	body    any
	headers map[string]string
}

// result is a decoded response plus the payment made to obtain it, if any.
type result struct {
	raw   json.RawMessage
	proof *x402.Proof
	terms *x402.Requirement
}

func (c *Client) do(ctx context.Context, in call) (*result, error) {
	u := c.cfg.APIURL + in.path
	if len(in.query) > 0 {
		u += "?" + in.query.Encode()
	}

	var reqBody io.Reader
	if in.body != nil {
		data, err := json.Marshal(in.body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, in.method, u, reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if in.body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range in.headers {
		req.Header.Set(k, v)
	}

	out := &result{}
	payer := x402.NewClient(&x402.Facilitator{BaseURL: c.cfg.APIURL, HTTPClient: c.httpClient}, c.httpClient)
	payer.MaxPayment = c.cfg.MaxPayment
	payer.OnPayment = func(r *x402.Requirement, p *x402.Proof) {
		out.terms, out.proof = r, p
	}

	resp, err := payer.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Message != "" {
			return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, apiErr.Message)
		}
		return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, string(respBody))
	}
	out.raw = respBody
	return out, nil
}

func (c *Client) get(ctx context.Context, path string, query url.Values) (json.RawMessage, error) {
	res, err := c.do(ctx, call{method: http.MethodGet, path: path, query: query})
	if err != nil {
		return nil, err
	}
	return res.raw, nil
}

// ListAgents lists registered agents, or one owner's agents.
func (c *Client) ListAgents(ctx context.Context, owner string, limit int) (json.RawMessage, error) {
	q := url.Values{}
	if owner != "" {
		q.Set("owner", owner)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	return c.get(ctx, "/agents", q)
}

// GetAgent fetches one agent.
func (c *Client) GetAgent(ctx context.Context, agentID string) (json.RawMessage, error) {
	return c.get(ctx, "/agents/"+url.PathEscape(agentID), nil)
}

// GetReputation fetches an agent's reputation history, newest first.
func (c *Client) GetReputation(ctx context.Context, agentID string, limit int) (json.RawMessage, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	return c.get(ctx, "/agents/"+url.PathEscape(agentID)+"/reputation", q)
}

// ListServices searches the marketplace.
func (c *Client) ListServices(ctx context.Context, serviceType, provider string, limit int) (json.RawMessage, error) {
	q := url.Values{}
	if serviceType != "" {
		q.Set("type", serviceType)
	}
	if provider != "" {
		q.Set("provider", provider)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	return c.get(ctx, "/services", q)
}

// RequestService records a paid request against a listing as the
// configured caller.
func (c *Client) RequestService(ctx context.Context, serviceID, amount string) (json.RawMessage, error) {
	if c.cfg.CallerAddress == "" {
		return nil, fmt.Errorf("no caller address configured")
	}
	body := map[string]string{}
	if amount != "" {
		body["amountPaid"] = amount
	}
	res, err := c.do(ctx, call{
		method:  http.MethodPost,
		path:    "/services/" + url.PathEscape(serviceID) + "/requests",
		body:    body,
		headers: map[string]string{validation.CallerHeader: c.cfg.CallerAddress},
	})
	if err != nil {
		return nil, err
	}
	return res.raw, nil
}

// ReadSensors returns the cached readings of agentID.
func (c *Client) ReadSensors(ctx context.Context, agentID string) (json.RawMessage, error) {
	return c.get(ctx, "/iot/sensors", url.Values{"agentId": {c.agent(agentID)}})
}

// SubmitReading posts one sensor reading for agentID.
func (c *Client) SubmitReading(ctx context.Context, agentID string, values map[string]any) (json.RawMessage, error) {
	res, err := c.do(ctx, call{
		method:  http.MethodPost,
		path:    "/iot/sensors",
		body:    values,
		headers: map[string]string{sensors.AgentHeader: c.agent(agentID)},
	})
	if err != nil {
		return nil, err
	}
	return res.raw, nil
}

// SendAlert raises a paid alert for agentID.
func (c *Client) SendAlert(ctx context.Context, agentID string, alert map[string]any) (*result, error) {
	return c.do(ctx, call{
		method:  http.MethodPost,
		path:    "/iot/alerts",
		body:    alert,
		headers: map[string]string{sensors.AgentHeader: c.agent(agentID)},
	})
}

// PremiumAnalysis buys the premium analysis.
func (c *Client) PremiumAnalysis(ctx context.Context) (*result, error) {
	return c.do(ctx, call{method: http.MethodGet, path: "/protected/premium-data"})
}

// VerifyPayment asks the server for the on-chain status of txHash.
func (c *Client) VerifyPayment(ctx context.Context, txHash string) (json.RawMessage, error) {
	res, err := c.do(ctx, call{
		method: http.MethodPost,
		path:   "/x402/verify",
		body:   map[string]string{"txHash": txHash},
	})
	if err != nil {
		return nil, err
	}
	return res.raw, nil
}

// NetworkStats returns platform counters.
func (c *Client) NetworkStats(ctx context.Context) (json.RawMessage, error) {
	return c.get(ctx, "/stats", nil)
}

func (c *Client) agent(agentID string) string {
	if agentID != "" {
		return agentID
	}
	return c.cfg.AgentID
}
