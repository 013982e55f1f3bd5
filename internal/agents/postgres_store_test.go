package agents

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agenthub/agenthub/internal/testutil"
)

func TestPostgresStore(t *testing.T) {
	db := testutil.PGTest(t)

	store := NewPostgresStore(db)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	agent := &Agent{
		AgentID:        HashAgentID("pg-bot"),
		Owner:          "0x1111111111111111111111111111111111111111",
		Metadata:       "{}",
		TrustScore:     InitialTrustScore,
		StakedAmount:   "1.5",
		IsActive:       true,
		RegisteredAt:   now,
		LastActivityAt: now,
	}
	require.NoError(t, store.Create(ctx, agent))
	assert.ErrorIs(t, store.Create(ctx, agent), ErrAgentExists)

	got, err := store.Get(ctx, agent.AgentID)
	require.NoError(t, err)
	assert.Equal(t, "1.5", got.StakedAmount)
	assert.True(t, got.IsActive)

	_, err = store.Get(ctx, HashAgentID("nobody"))
	assert.ErrorIs(t, err, ErrAgentNotFound)

	got.TotalTransactions = 1
	got.SuccessfulTransactions = 1
	got.TrustScore = 10000
	require.NoError(t, store.SaveReputation(ctx, got, &ReputationEvent{
		AgentID: got.AgentID, Successful: true, ServiceType: "weather", TrustScore: 10000, Timestamp: now,
	}))

	events, err := store.ListReputation(ctx, agent.AgentID, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, 10000, events[0].TrustScore)

	owned, err := store.ListByOwner(ctx, "0x1111111111111111111111111111111111111111")
	require.NoError(t, err)
	assert.Len(t, owned, 1)

	n, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	missing := *agent
	missing.AgentID = HashAgentID("ghost")
	assert.ErrorIs(t, store.Update(ctx, &missing), ErrAgentNotFound)
}
