package payment

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agenthub/agenthub/internal/realtime"
	"github.com/agenthub/agenthub/internal/units"
	"github.com/agenthub/agenthub/internal/wallet"
)

type fakePayer struct {
	mu     sync.Mutex
	paid   []string
	payErr error
}

func (f *fakePayer) Address() string { return payer }

func (f *fakePayer) Pay(_ context.Context, recipient, amount string) (*wallet.TransferResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.payErr != nil {
		return nil, f.payErr
	}
	raw, err := units.ParseUSDC(amount)
	if err != nil {
		return nil, wallet.ErrInvalidAmount
	}
	f.paid = append(f.paid, recipient+"="+amount)
	return &wallet.TransferResult{TxHash: goodTx, From: payer, To: recipient, Amount: units.FormatUSDC(raw)}, nil
}

func (f *fakePayer) WaitForConfirmation(_ context.Context, txHash string) (*wallet.TransferResult, error) {
	return &wallet.TransferResult{TxHash: txHash, BlockNumber: 99}, nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []realtime.EventType
}

func (p *recordingPublisher) Publish(t realtime.EventType, _ map[string]any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, t)
}

func setupRouter(v *Verifier, p Payer, pub Publisher) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	NewHandler(v, p, pub, 0).RegisterRoutes(r.Group(""))
	r.GET("/basic", v.Gate(TierBasic), func(c *gin.Context) {
		c.JSON(http.StatusOK, FromContext(c))
	})
	r.GET("/premium", v.Gate(TierPremium), func(c *gin.Context) {
		c.JSON(http.StatusOK, FromContext(c))
	})
	return r
}

func do(r http.Handler, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func paidHeaders(tx string) map[string]string {
	return map[string]string{HeaderVerified: "true", HeaderTx: tx}
}

func TestGate_PaymentRequired(t *testing.T) {
	r := setupRouter(newTestVerifier(newFakeChain(), merchant), nil, nil)

	w := do(r, "GET", "/premium", "", nil)
	require.Equal(t, http.StatusPaymentRequired, w.Code)
	assert.Equal(t, "USDC", w.Header().Get(HeaderAcceptPayment))
	assert.Equal(t, "0.15", w.Header().Get(HeaderAmount))
	assert.Equal(t, "avalanche-fuji", w.Header().Get(HeaderChain))
	assert.Equal(t, "premium", w.Header().Get(HeaderTier))

	var body struct {
		Error   string `json:"error"`
		Message string `json:"message"`
		Payment Tier   `json:"payment"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "Payment required", body.Error)
	assert.Equal(t, "This endpoint requires payment of 0.15 USDC", body.Message)
	assert.Equal(t, Tier{Name: "premium", Amount: "0.15", Token: "USDC", Chain: "avalanche-fuji"}, body.Payment)
}

func TestGate_VerifiedPaymentPassesOnce(t *testing.T) {
	r := setupRouter(newTestVerifier(newFakeChain(), merchant), nil, nil)

	w := do(r, "GET", "/basic", "", paidHeaders(goodTx))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"verified":true`)
	assert.Contains(t, w.Body.String(), goodTx)

	w = do(r, "GET", "/basic", "", paidHeaders(goodTx))
	require.Equal(t, http.StatusPaymentRequired, w.Code)
	assert.Contains(t, w.Body.String(), "already used")
}

func TestGate_RejectsFailedAndMisdirected(t *testing.T) {
	r := setupRouter(newTestVerifier(newFakeChain(), merchant), nil, nil)

	for _, tx := range []string{failedTx, strangerTx, missingTx} {
		w := do(r, "GET", "/basic", "", paidHeaders(tx))
		assert.Equal(t, http.StatusPaymentRequired, w.Code, tx)
	}
}

func TestGate_RPCDown(t *testing.T) {
	chain := newFakeChain()
	chain.err = assert.AnError
	r := setupRouter(newTestVerifier(chain, merchant), nil, nil)

	w := do(r, "GET", "/basic", "", paidHeaders(goodTx))
	assert.Equal(t, http.StatusBadGateway, w.Code)
}

func TestGate_OpenWithoutMerchant(t *testing.T) {
	r := setupRouter(newTestVerifier(newFakeChain(), ""), nil, nil)

	w := do(r, "GET", "/premium", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"required":false`)
}

func TestVerifyHandler(t *testing.T) {
	r := setupRouter(newTestVerifier(newFakeChain(), merchant), nil, nil)

	w := do(r, "POST", "/x402/verify", `{"txHash":"`+goodTx+`","chain":"avalanche-fuji"}`, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var check Check
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &check))
	assert.True(t, check.Verified)
	assert.True(t, check.Confirmed)
	assert.Equal(t, uint64(10), check.BlockNumber)
	assert.Equal(t, payer, check.From)

	w = do(r, "POST", "/x402/verify", `{"txHash":"`+strangerTx+`"}`, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"verified":false`)
	assert.Contains(t, w.Body.String(), `"confirmed":true`)

	w = do(r, "POST", "/x402/verify", `{"txHash":"`+missingTx+`"}`, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "Transaction not found")

	w = do(r, "POST", "/x402/verify", `{}`, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(r, "POST", "/x402/verify", `{"txHash":"0xnope"}`, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPayHandler(t *testing.T) {
	p := &fakePayer{}
	pub := &recordingPublisher{}
	r := setupRouter(newTestVerifier(newFakeChain(), merchant), p, pub)

	w := do(r, "POST", "/x402/pay", `{"tier":"premium"}`, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "0.150000", body["amount"])
	assert.Equal(t, "USDC", body["token"])
	assert.Equal(t, "avalanche-fuji", body["chain"])
	assert.Equal(t, merchant, body["recipient"])
	assert.Equal(t, payer, body["facilitator"])
	assert.Equal(t, float64(99), body["blockNumber"])

	w = do(r, "POST", "/x402/pay", `{"amount":"0.5"}`, nil)
	require.Equal(t, http.StatusOK, w.Code)
	w = do(r, "POST", "/x402/pay", "", nil)
	require.Equal(t, http.StatusOK, w.Code)

	assert.Equal(t, []string{merchant + "=0.15", merchant + "=0.5", merchant + "=0.01"}, p.paid)
	assert.Len(t, pub.events, 3)

	w = do(r, "POST", "/x402/pay", `{"recipient":"`+payer+`"}`, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "invalid_recipient")

	w = do(r, "POST", "/x402/pay", `{"recipient":"`+strings.ToUpper(merchant[2:])+`"}`, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPayHandler_Errors(t *testing.T) {
	w := do(setupRouter(newTestVerifier(newFakeChain(), merchant), nil, nil), "POST", "/x402/pay", `{}`, nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	w = do(setupRouter(newTestVerifier(newFakeChain(), ""), &fakePayer{}, nil), "POST", "/x402/pay", `{}`, nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	p := &fakePayer{payErr: wallet.ErrInsufficientBalance}
	w = do(setupRouter(newTestVerifier(newFakeChain(), merchant), p, nil), "POST", "/x402/pay", `{}`, nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "facilitator_underfunded")

	p = &fakePayer{}
	w = do(setupRouter(newTestVerifier(newFakeChain(), merchant), p, nil), "POST", "/x402/pay", `{"amount":"abc"}`, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
