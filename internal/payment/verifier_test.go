package payment

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agenthub/agenthub/internal/wallet"
)

const (
	merchant = "0x1111111111111111111111111111111111111111"
	payer    = "0x2222222222222222222222222222222222222222"
	usdc     = "0x5425890298aed601595a70AB815c96711a31Bc65"
)

var (
	goodTx     = "0x" + strings.Repeat("a", 64)
	failedTx   = "0x" + strings.Repeat("b", 64)
	strangerTx = "0x" + strings.Repeat("c", 64)
	tokenTx    = "0x" + strings.Repeat("d", 64)
	cheapTx    = "0x" + strings.Repeat("e", 64)
	missingTx  = "0x" + strings.Repeat("f", 64)
	nativeTx   = "0x" + strings.Repeat("1", 64)
	elsewhere  = "0x" + strings.Repeat("2", 64)
)

type fakeChain struct {
	mu  sync.Mutex
	txs map[string]*wallet.TxInfo
	err error
}

func newFakeChain() *fakeChain {
	return &fakeChain{txs: map[string]*wallet.TxInfo{
		goodTx: {Hash: goodTx, Status: 1, BlockNumber: 10, From: payer, To: usdc,
			TokenRecipient: merchant, TokenAmount: "0.150000", Destination: merchant},
		// Native value transfer: no USDC Transfer log at all.
		nativeTx: {Hash: nativeTx, Status: 1, BlockNumber: 15, From: payer, To: merchant, Destination: merchant},
		// Called through the merchant, but the USDC went to the payer.
		elsewhere: {Hash: elsewhere, Status: 1, BlockNumber: 16, From: payer, To: merchant,
			TokenRecipient: payer, TokenAmount: "5.000000", Destination: merchant},
		failedTx:   {Hash: failedTx, Status: 0, BlockNumber: 11, From: payer, To: merchant, Destination: merchant},
		strangerTx: {Hash: strangerTx, Status: 1, BlockNumber: 12, From: payer, To: payer, Destination: payer},
		tokenTx: {Hash: tokenTx, Status: 1, BlockNumber: 13, From: payer, To: usdc,
			TokenRecipient: strings.ToLower(merchant), TokenAmount: "0.150000", Destination: strings.ToLower(merchant)},
		cheapTx: {Hash: cheapTx, Status: 1, BlockNumber: 14, From: payer, To: usdc,
			TokenRecipient: merchant, TokenAmount: "0.010000", Destination: merchant},
	}}
}

func (f *fakeChain) Lookup(_ context.Context, txHash string) (*wallet.TxInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	info, ok := f.txs[txHash]
	if !ok {
		return nil, wallet.ErrTxNotFound
	}
	return info, nil
}

func newTestVerifier(chain TxLookup, merchantAddr string) *Verifier {
	return NewVerifier(chain, NewMemoryReplayStore(0), Config{Merchant: merchantAddr, Chain: DefaultChain})
}

func paidRequest(txHash string) *http.Request {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set(HeaderVerified, "true")
	r.Header.Set(HeaderTx, txHash)
	r.Header.Set(HeaderAmount, "0.01")
	return r
}

func TestTiers(t *testing.T) {
	tiers := Tiers("")
	assert.Equal(t, Tier{Name: TierBasic, Amount: "0.01", Token: "USDC", Chain: "avalanche-fuji"}, tiers[TierBasic])
	assert.Equal(t, Tier{Name: TierPremium, Amount: "0.15", Token: "USDC", Chain: "avalanche-fuji"}, tiers[TierPremium])

	v := newTestVerifier(nil, merchant)
	assert.Equal(t, TierBasic, v.Tier("gold").Name)
}

func TestCheckTx(t *testing.T) {
	v := newTestVerifier(newFakeChain(), merchant)
	ctx := context.Background()

	tests := []struct {
		name          string
		tx            string
		wantConfirmed bool
		wantVerified  bool
	}{
		{"success to merchant", goodTx, true, true},
		{"reverted", failedTx, false, false},
		{"paid someone else", strangerTx, true, false},
		{"token transfer to merchant, lowercase", tokenTx, true, true},
		{"native transfer to merchant", nativeTx, true, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			check, err := v.CheckTx(ctx, tt.tx)
			require.NoError(t, err)
			assert.Equal(t, tt.wantConfirmed, check.Confirmed)
			assert.Equal(t, tt.wantVerified, check.Verified)
		})
	}

	check, err := v.CheckTx(ctx, goodTx)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), check.BlockNumber)
	assert.Equal(t, uint64(1), check.Status)
	assert.Equal(t, payer, check.From)
	assert.Equal(t, usdc, check.To)
	assert.Equal(t, merchant, check.TokenRecipient)
}

func TestCheckTx_NoMerchantVerifiesAnySuccess(t *testing.T) {
	v := newTestVerifier(newFakeChain(), "")

	check, err := v.CheckTx(context.Background(), strangerTx)
	require.NoError(t, err)
	assert.True(t, check.Verified)

	check, err = v.CheckTx(context.Background(), failedTx)
	require.NoError(t, err)
	assert.False(t, check.Verified)
}

func TestCheckTx_Errors(t *testing.T) {
	chain := newFakeChain()
	v := newTestVerifier(chain, merchant)
	ctx := context.Background()

	_, err := v.CheckTx(ctx, "0x1234")
	assert.ErrorIs(t, err, ErrInvalidTxHash)

	_, err = v.CheckTx(ctx, missingTx)
	assert.ErrorIs(t, err, ErrTxNotFound)

	chain.err = errors.New("dial tcp: connection refused")
	_, err = v.CheckTx(ctx, goodTx)
	assert.ErrorIs(t, err, ErrRPCUnavailable)

	_, err = newTestVerifier(nil, merchant).CheckTx(ctx, goodTx)
	assert.ErrorIs(t, err, ErrRPCUnavailable)
}

func TestVerify(t *testing.T) {
	ctx := context.Background()
	basic := Tiers("")[TierBasic]
	premium := Tiers("")[TierPremium]

	t.Run("no headers", func(t *testing.T) {
		v := newTestVerifier(newFakeChain(), merchant)
		res, err := v.Verify(ctx, httptest.NewRequest(http.MethodGet, "/", nil), basic)
		require.NoError(t, err)
		assert.True(t, res.Required)
		assert.False(t, res.Verified)
		assert.Equal(t, "/x402/pay", res.PaymentURL)
	})

	t.Run("verified header without tx", func(t *testing.T) {
		v := newTestVerifier(newFakeChain(), merchant)
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.Header.Set(HeaderVerified, "true")
		res, err := v.Verify(ctx, r, basic)
		require.NoError(t, err)
		assert.False(t, res.Verified)
	})

	t.Run("good payment", func(t *testing.T) {
		v := newTestVerifier(newFakeChain(), merchant)
		res, err := v.Verify(ctx, paidRequest(goodTx), basic)
		require.NoError(t, err)
		assert.True(t, res.Paid)
		assert.True(t, res.Verified)
		assert.Equal(t, goodTx, res.TransactionHash)
		assert.Equal(t, "USDC", res.Token)
		assert.Equal(t, "0.150000", res.Amount, "amount comes from the Transfer log")
	})

	t.Run("tier price needs a USDC transfer to the merchant", func(t *testing.T) {
		v := newTestVerifier(newFakeChain(), merchant)
		for _, tx := range []string{nativeTx, elsewhere} {
			r := paidRequest(tx)
			r.Header.Set(HeaderAmount, "0.15")
			res, err := v.Verify(ctx, r, premium)
			require.NoError(t, err)
			assert.False(t, res.Verified, tx)
			assert.False(t, res.Paid, tx)
			assert.Empty(t, res.Amount, "client amount is never reported")
			assert.Contains(t, res.Reason, "no USDC transfer to the merchant")
		}

		// A rejected price check does not burn the hash.
		chain := newFakeChain()
		chain.txs[nativeTx] = chain.txs[goodTx]
		v = NewVerifier(chain, v.replay, Config{Merchant: merchant, Chain: DefaultChain})
		res, err := v.Verify(ctx, paidRequest(nativeTx), premium)
		require.NoError(t, err)
		assert.True(t, res.Verified)
	})

	t.Run("replay rejected", func(t *testing.T) {
		v := newTestVerifier(newFakeChain(), merchant)
		res, err := v.Verify(ctx, paidRequest(goodTx), basic)
		require.NoError(t, err)
		require.True(t, res.Verified)

		res, err = v.Verify(ctx, paidRequest(strings.ToUpper(goodTx[2:])), basic)
		require.NoError(t, err)
		assert.False(t, res.Verified, "malformed hash must not verify")

		res, err = v.Verify(ctx, paidRequest(goodTx), basic)
		require.NoError(t, err)
		assert.False(t, res.Verified)
		assert.Equal(t, ErrReplayed.Error(), res.Reason)
	})

	t.Run("wrong destination", func(t *testing.T) {
		v := newTestVerifier(newFakeChain(), merchant)
		res, err := v.Verify(ctx, paidRequest(strangerTx), basic)
		require.NoError(t, err)
		assert.False(t, res.Verified)
		assert.Contains(t, res.Reason, "merchant")
	})

	t.Run("token amount below tier", func(t *testing.T) {
		v := newTestVerifier(newFakeChain(), merchant)
		res, err := v.Verify(ctx, paidRequest(cheapTx), premium)
		require.NoError(t, err)
		assert.False(t, res.Verified)

		res, err = v.Verify(ctx, paidRequest(tokenTx), premium)
		require.NoError(t, err)
		assert.True(t, res.Verified)
		assert.Equal(t, "0.150000", res.Amount)
	})

	t.Run("rpc down", func(t *testing.T) {
		chain := newFakeChain()
		chain.err = errors.New("timeout")
		v := newTestVerifier(chain, merchant)
		_, err := v.Verify(ctx, paidRequest(goodTx), basic)
		assert.ErrorIs(t, err, ErrRPCUnavailable)
	})

	t.Run("payments disabled", func(t *testing.T) {
		v := newTestVerifier(newFakeChain(), "")
		res, err := v.Verify(ctx, httptest.NewRequest(http.MethodGet, "/", nil), basic)
		require.NoError(t, err)
		assert.False(t, res.Required)
		assert.False(t, res.Verified)
	})
}

func TestMemoryReplayStore(t *testing.T) {
	s := NewMemoryReplayStore(0)
	ctx := context.Background()

	ok, err := s.Use(ctx, goodTx)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.Use(ctx, strings.ToUpper(goodTx))
	require.NoError(t, err)
	assert.False(t, ok, "hash comparison is case-insensitive")
}

func TestMemoryReplayStore_Lifetime(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	forever := NewMemoryReplayStore(0)
	forever.now = clock
	ok, _ := forever.Use(ctx, goodTx)
	require.True(t, ok)
	now = now.Add(365 * 24 * time.Hour)
	ok, _ = forever.Use(ctx, goodTx)
	assert.False(t, ok, "spent hashes never expire without a ttl")

	bounded := NewMemoryReplayStore(time.Hour)
	bounded.now = clock
	ok, _ = bounded.Use(ctx, goodTx)
	require.True(t, ok)
	now = now.Add(2 * time.Hour)
	ok, _ = bounded.Use(ctx, goodTx)
	assert.True(t, ok, "an explicit ttl still expires")
}

func TestMemoryReplayStore_Concurrent(t *testing.T) {
	s := NewMemoryReplayStore(0)

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, _ := s.Use(context.Background(), goodTx); ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}
