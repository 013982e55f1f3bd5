package x402

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/agenthub/agenthub/internal/payment"
	"github.com/agenthub/agenthub/internal/units"
)

var ErrPaymentLimit = errors.New("x402: payment exceeds limit")

// Settler pays for a requirement.
type Settler interface {
	Settle(ctx context.Context, req *Requirement) (*Proof, error)
}

// Client wraps http.Client with automatic 402 payment handling
type Client struct {
	httpClient *http.Client
	settler    Settler

	MaxPayment string // per-request ceiling in USDC; empty means unlimited

	// OnPayment is called after each settled payment.
	OnPayment func(req *Requirement, proof *Proof)
}

// NewClient creates an x402-enabled HTTP client.
func NewClient(settler Settler, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	return &Client{httpClient: httpClient, settler: settler}
}

// Do performs req, paying and retrying once if the server answers 402.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	ctx := req.Context()

	var body []byte
	if req.Body != nil {
		var err error
		body, err = io.ReadAll(req.Body)
		if err != nil {
			return nil, fmt.Errorf("read request body: %w", err)
		}
		_ = req.Body.Close()
		req.Body = io.NopCloser(bytes.NewReader(body))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	if !Is402Response(resp) || c.settler == nil {
		return resp, nil
	}

	payReq, err := ParseRequirement(resp)
	_ = resp.Body.Close()
	if err != nil {
		return nil, err
	}
	if err := c.checkLimit(payReq.Payment.Amount); err != nil {
		return nil, err
	}

	proof, err := c.settler.Settle(ctx, payReq)
	if err != nil {
		return nil, fmt.Errorf("payment failed: %w", err)
	}
	if c.OnPayment != nil {
		c.OnPayment(payReq, proof)
	}

	retry := req.Clone(ctx)
	if body != nil {
		retry.Body = io.NopCloser(bytes.NewReader(body))
	}
	proof.Apply(retry)
	return c.httpClient.Do(retry)
}

// Get performs a GET request with automatic 402 handling
func (c *Client) Get(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	return c.Do(req)
}

func (c *Client) checkLimit(price string) error {
	if c.MaxPayment == "" {
		return nil
	}
	limit, err := units.ParseUSDC(c.MaxPayment)
	if err != nil {
		return fmt.Errorf("invalid max payment: %w", err)
	}
	amount, err := units.ParseUSDC(price)
	if err != nil {
		return fmt.Errorf("invalid price %q: %w", price, err)
	}
	if amount.Cmp(limit) > 0 {
		return fmt.Errorf("%w: %s > %s", ErrPaymentLimit, price, c.MaxPayment)
	}
	return nil
}

// Facilitator settles through the server's /x402/pay endpoint, where the
// server-side wallet pays the merchant.
type Facilitator struct {
	BaseURL    string
	HTTPClient *http.Client
}

// Compile-time assertion.
var _ Settler = (*Facilitator)(nil)

func (f *Facilitator) Settle(ctx context.Context, req *Requirement) (*Proof, error) {
	path := req.PaymentURL
	if path == "" {
		path = "/x402/pay"
	}
	var out struct {
		TxHash string `json:"txHash"`
		Amount string `json:"amount"`
		Token  string `json:"token"`
	}
	err := f.post(ctx, path, payment.PayRequest{
		Tier:  req.Payment.Tier,
		Token: req.Payment.Token,
		Chain: req.Payment.Chain,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &Proof{TxHash: out.TxHash, Amount: out.Amount, Token: out.Token}, nil
}

// Verify asks the server for the on-chain status of txHash.
func (f *Facilitator) Verify(ctx context.Context, txHash string) (*payment.Check, error) {
	var check payment.Check
	if err := f.post(ctx, "/x402/verify", payment.VerifyRequest{TxHash: txHash}, &check); err != nil {
		return nil, err
	}
	return &check, nil
}

func (f *Facilitator) post(ctx context.Context, path string, in, out any) error {
	data, err := json.Marshal(in)
	if err != nil {
		return err
	}
	url := strings.TrimRight(f.BaseURL, "/") + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	hc := f.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	resp, err := hc.Do(req)
	if err != nil {
		return fmt.Errorf("x402: %s: %w", path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return decodeError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("x402: decode %s response: %w", path, err)
	}
	return nil
}

// WalletSettler pays the merchant directly from a local wallet and waits
// for the transfer to be mined.
type WalletSettler struct {
	Payer    payment.Payer
	Merchant string
}

// Compile-time assertion.
var _ Settler = (*WalletSettler)(nil)

func (w *WalletSettler) Settle(ctx context.Context, req *Requirement) (*Proof, error) {
	sent, err := w.Payer.Pay(ctx, w.Merchant, req.Payment.Amount)
	if err != nil {
		return nil, err
	}
	if _, err := w.Payer.WaitForConfirmation(ctx, sent.TxHash); err != nil {
		return nil, err
	}
	return &Proof{TxHash: sent.TxHash, Amount: sent.Amount, Token: req.Payment.Token}, nil
}
