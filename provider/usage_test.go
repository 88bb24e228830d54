package provider

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUsageRecorder_CostsSpansHourlyBuckets(t *testing.T) {
	usage, client := newTestRecorder(t)
	ctx := context.Background()

	usage.RecordSuccess(ctx, "anthropic", 100, 200)

	// Seed a counter hash two hours back as another instance would
	// have written it. The window sizes below leave an hour of slack
	// so a wall-clock hour rollover mid-test cannot skew the split.
	staleKey := fmt.Sprintf(usageKeyFormat, "anthropic",
		time.Now().UTC().Add(-2*time.Hour).Format(usageHourLayout))
	require.NoError(t, client.HSet(ctx, staleKey,
		"requests", 2, "tokens_in", 50, "tokens_out", 75).Err())

	narrow, err := usage.Costs(ctx, []string{"anthropic"}, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(1), narrow["anthropic"].Requests)
	assert.Equal(t, int64(100), narrow["anthropic"].TokensIn)

	wide, err := usage.Costs(ctx, []string{"anthropic"}, 4)
	require.NoError(t, err)
	assert.Equal(t, int64(3), wide["anthropic"].Requests)
	assert.Equal(t, int64(150), wide["anthropic"].TokensIn)
	assert.Equal(t, int64(275), wide["anthropic"].TokensOut)
	assert.InDelta(t, 150*3.0/1e6+275*15.0/1e6, wide["anthropic"].CostUSD, 1e-9)
}

func TestUsageRecorder_CostsClampsWindow(t *testing.T) {
	usage, _ := newTestRecorder(t)
	ctx := context.Background()

	usage.RecordSuccess(ctx, "openai", 10, 20)

	// Non-positive windows clamp to one hour and still cover the
	// current bucket.
	costs, err := usage.Costs(ctx, []string{"openai"}, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), costs["openai"].Requests)

	costs, err = usage.Costs(ctx, []string{"openai"}, -12)
	require.NoError(t, err)
	assert.Equal(t, int64(1), costs["openai"].Requests)

	// Oversized windows clamp to the retention horizon.
	costs, err = usage.Costs(ctx, []string{"openai"}, 100000)
	require.NoError(t, err)
	assert.Equal(t, int64(1), costs["openai"].Requests)
}

func TestUsageRecorder_CostsWithoutRedisUsesLocalTotals(t *testing.T) {
	usage := NewUsageRecorder(nil)
	ctx := context.Background()

	usage.RecordSuccess(ctx, "anthropic", 1000, 2000)
	usage.RecordFailure(ctx, "anthropic")

	costs, err := usage.Costs(ctx, []string{"anthropic"}, 24)
	require.NoError(t, err)

	a := costs["anthropic"]
	assert.Equal(t, int64(2), a.Requests)
	assert.Equal(t, int64(1), a.Failures)
	assert.Equal(t, int64(1000), a.TokensIn)
	assert.Equal(t, int64(2000), a.TokensOut)
	assert.InDelta(t, 0.033, a.CostUSD, 1e-9)
}

func TestUsageRecorder_UnknownProviderReadsZero(t *testing.T) {
	usage, _ := newTestRecorder(t)

	costs, err := usage.Costs(context.Background(), []string{"never-called"}, 1)
	require.NoError(t, err)
	assert.Zero(t, costs["never-called"].Requests)
	assert.Zero(t, costs["never-called"].CostUSD)
}
