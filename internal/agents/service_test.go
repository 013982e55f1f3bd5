package agents

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testOwner    = "0x1111111111111111111111111111111111111111"
	testOther    = "0x2222222222222222222222222222222222222222"
	testOperator = "0x9999999999999999999999999999999999999999"
)

var oneEther = big.NewInt(1_000_000_000_000_000_000)

func newTestService() *Service {
	return NewService(NewMemoryStore(), oneEther, testOperator)
}

func registerTestAgent(t *testing.T, svc *Service, name, stake string) *Agent {
	t.Helper()
	agent, err := svc.Register(context.Background(), testOwner, RegisterRequest{
		AgentID:  name,
		Metadata: `{"name":"` + name + `"}`,
		Stake:    stake,
	})
	require.NoError(t, err)
	return agent
}

func ptr(b bool) *bool { return &b }

func TestRegister(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	agent := registerTestAgent(t, svc, "weather-bot", "2")
	assert.Equal(t, HashAgentID("weather-bot"), agent.AgentID)
	assert.Equal(t, InitialTrustScore, agent.TrustScore)
	assert.True(t, agent.IsActive)
	assert.Equal(t, "2", agent.StakedAmount)
	assert.Equal(t, "0x1111111111111111111111111111111111111111", agent.Owner)

	_, err := svc.Register(ctx, testOther, RegisterRequest{AgentID: "weather-bot", Metadata: "m", Stake: "1"})
	assert.ErrorIs(t, err, ErrAgentExists)

	// Same owner, second agent.
	registerTestAgent(t, svc, "trader-bot", "1")
	mine, err := svc.ListByOwner(ctx, testOwner)
	require.NoError(t, err)
	assert.Len(t, mine, 2)

	n, err := svc.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestRegisterValidation(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()
	zeroHash := "0x0000000000000000000000000000000000000000000000000000000000000000"

	tests := []struct {
		name  string
		owner string
		req   RegisterRequest
		want  error
	}{
		{"below minimum stake", testOwner, RegisterRequest{AgentID: "a", Metadata: "m", Stake: "0.5"}, ErrInsufficientStake},
		{"zero agent id", testOwner, RegisterRequest{AgentID: zeroHash, Metadata: "m", Stake: "1"}, ErrInvalidAgentID},
		{"blank agent id", testOwner, RegisterRequest{AgentID: "  ", Metadata: "m", Stake: "1"}, ErrInvalidAgentID},
		{"empty metadata", testOwner, RegisterRequest{AgentID: "a", Metadata: " ", Stake: "1"}, ErrMetadataRequired},
		{"bad stake", testOwner, RegisterRequest{AgentID: "a", Metadata: "m", Stake: "lots"}, ErrInvalidAmount},
		{"bad owner", "0x12", RegisterRequest{AgentID: "a", Metadata: "m", Stake: "1"}, ErrInvalidOwner},
		{"bad proof", testOwner, RegisterRequest{AgentID: "a", Metadata: "m", Stake: "1", PoAIHash: zeroHash}, ErrInvalidProof},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Register(ctx, tt.owner, tt.req)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	n, _ := svc.Count(ctx)
	assert.Zero(t, n)
}

func TestUpdateReputation(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()
	agent := registerTestAgent(t, svc, "bot", "1")

	for _, ok := range []bool{true, true, true, false} {
		_, err := svc.UpdateReputation(ctx, testOperator, agent.AgentID, ReputationRequest{
			Success: ptr(ok), TransactionValue: "1.5", ServiceType: "weather",
		})
		require.NoError(t, err)
	}

	got, err := svc.Get(ctx, agent.AgentID)
	require.NoError(t, err)
	assert.Equal(t, 7750, got.TrustScore)
	assert.Equal(t, int64(4), got.TotalTransactions)
	assert.Equal(t, int64(3), got.SuccessfulTransactions)
	assert.Equal(t, 7500, got.SuccessRate())

	events, err := svc.History(ctx, "bot", 10)
	require.NoError(t, err)
	require.Len(t, events, 4)
	assert.False(t, events[0].Successful)
	assert.Equal(t, 7750, events[0].TrustScore)
	assert.Equal(t, "weather", events[0].ServiceType)
}

func TestUpdateReputationPermissions(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()
	agent := registerTestAgent(t, svc, "bot", "1")
	req := ReputationRequest{Success: ptr(true)}

	_, err := svc.UpdateReputation(ctx, testOwner, agent.AgentID, req)
	assert.ErrorIs(t, err, ErrNotOperator)

	_, err = svc.UpdateReputation(ctx, testOperator, "missing", req)
	assert.ErrorIs(t, err, ErrAgentNotFound)

	_, err = svc.Deactivate(ctx, testOwner, agent.AgentID)
	require.NoError(t, err)
	_, err = svc.UpdateReputation(ctx, testOperator, agent.AgentID, req)
	assert.ErrorIs(t, err, ErrAgentInactive)

	unconfigured := NewService(NewMemoryStore(), oneEther, "")
	_, err = unconfigured.UpdateReputation(ctx, testOperator, agent.AgentID, req)
	assert.ErrorIs(t, err, ErrNoOperator)

	got, _ := svc.Get(ctx, agent.AgentID)
	assert.Equal(t, InitialTrustScore, got.TrustScore)
	assert.Zero(t, got.TotalTransactions)
}

func TestStakeLifecycle(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()
	agent := registerTestAgent(t, svc, "bot", "1")

	_, err := svc.AddStake(ctx, testOther, agent.AgentID, "1")
	assert.ErrorIs(t, err, ErrNotOwner)
	_, err = svc.AddStake(ctx, testOwner, agent.AgentID, "0")
	assert.ErrorIs(t, err, ErrInvalidAmount)

	got, err := svc.AddStake(ctx, testOwner, agent.AgentID, "1.5")
	require.NoError(t, err)
	assert.Equal(t, "2.5", got.StakedAmount)

	_, err = svc.WithdrawStake(ctx, testOwner, agent.AgentID, "3")
	assert.ErrorIs(t, err, ErrInsufficientStake)

	_, err = svc.WithdrawStake(ctx, testOwner, agent.AgentID, "2")
	assert.ErrorIs(t, err, ErrBelowMinimumStake)

	got, err = svc.Get(ctx, agent.AgentID)
	require.NoError(t, err)
	assert.Equal(t, "2.5", got.StakedAmount, "failed withdrawal must leave stake untouched")

	got, err = svc.WithdrawStake(ctx, testOwner, agent.AgentID, "1.5")
	require.NoError(t, err)
	assert.Equal(t, "1", got.StakedAmount)
}

func TestDeactivateReactivate(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()
	agent := registerTestAgent(t, svc, "bot", "1")

	_, err := svc.Deactivate(ctx, testOther, agent.AgentID)
	assert.ErrorIs(t, err, ErrNotAuthorized)

	got, err := svc.Deactivate(ctx, testOperator, agent.AgentID)
	require.NoError(t, err)
	assert.False(t, got.IsActive)

	_, err = svc.Deactivate(ctx, testOwner, agent.AgentID)
	assert.ErrorIs(t, err, ErrAgentInactive)

	_, err = svc.WithdrawStake(ctx, testOwner, agent.AgentID, "0.1")
	assert.ErrorIs(t, err, ErrAgentInactive)

	_, err = svc.Reactivate(ctx, testOperator, agent.AgentID)
	assert.ErrorIs(t, err, ErrNotOwner)

	got, err = svc.Reactivate(ctx, testOwner, agent.AgentID)
	require.NoError(t, err)
	assert.True(t, got.IsActive)

	_, err = svc.Reactivate(ctx, testOwner, agent.AgentID)
	assert.ErrorIs(t, err, ErrAgentActive)
}

func TestReactivateRequiresMinimumStake(t *testing.T) {
	store := NewMemoryStore()
	svc := NewService(store, oneEther, testOperator)
	ctx := context.Background()
	agent := registerTestAgent(t, svc, "bot", "1")
	_, err := svc.Deactivate(ctx, testOwner, agent.AgentID)
	require.NoError(t, err)

	raised := NewService(store, new(big.Int).Mul(oneEther, big.NewInt(5)), testOperator)
	_, err = raised.Reactivate(ctx, testOwner, agent.AgentID)
	assert.ErrorIs(t, err, ErrInsufficientStake)
}

func TestRecordProof(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()
	agent := registerTestAgent(t, svc, "bot", "1")
	proof := "0xAA00000000000000000000000000000000000000000000000000000000000001"

	_, err := svc.RecordProof(ctx, testOwner, agent.AgentID, "0x1234")
	assert.ErrorIs(t, err, ErrInvalidProof)
	_, err = svc.RecordProof(ctx, testOther, agent.AgentID, proof)
	assert.ErrorIs(t, err, ErrNotOwner)

	got, err := svc.RecordProof(ctx, testOwner, agent.AgentID, proof)
	require.NoError(t, err)
	assert.Equal(t, "0xaa00000000000000000000000000000000000000000000000000000000000001", got.PoAIHash)
}

func TestIsRegistered(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()
	registerTestAgent(t, svc, "bot", "1")

	ok, err := svc.IsRegistered(ctx, "bot")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = svc.IsRegistered(ctx, "ghost")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestConcurrentReputationUpdates(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()
	agent := registerTestAgent(t, svc, "bot", "1")

	var wg sync.WaitGroup
	errs := make(chan error, 50)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := svc.UpdateReputation(ctx, testOperator, agent.AgentID, ReputationRequest{Success: ptr(i%2 == 0)})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.False(t, errors.Is(err, ErrAgentNotFound))
		require.NoError(t, err)
	}

	got, err := svc.Get(ctx, agent.AgentID)
	require.NoError(t, err)
	assert.Equal(t, int64(50), got.TotalTransactions)
	assert.Equal(t, int64(25), got.SuccessfulTransactions)

	events, err := svc.History(ctx, agent.AgentID, 100)
	require.NoError(t, err)
	assert.Len(t, events, 50)
}
