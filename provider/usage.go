package provider

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/recasthq/recast/common"
	"github.com/recasthq/recast/errdefs"
)

const (
	usageKeyFormat  = "provider:usage:%s:%s"
	usageHourLayout = "2006010215"
	usageRetention  = 7 * 24 * time.Hour
)

// tokenRates holds USD per million tokens, input then output.
var tokenRates = map[string][2]float64{
	"anthropic": {3.0, 15.0},
	"openai":    {2.5, 10.0},
	"mock":      {0, 0},
}

// EstimateCost returns the USD cost of a token count for a provider.
// Unknown providers cost nothing.
func EstimateCost(name string, tokensIn, tokensOut int64) float64 {
	r := tokenRates[name]
	return float64(tokensIn)*r[0]/1e6 + float64(tokensOut)*r[1]/1e6
}

// UsageTotals is the counter set for one provider.
type UsageTotals struct {
	Requests  int64   `json:"requests"`
	Failures  int64   `json:"failures"`
	TokensIn  int64   `json:"tokens_in"`
	TokensOut int64   `json:"tokens_out"`
	CostUSD   float64 `json:"cost_usd"`
}

// UsageRecorder keeps per-provider token counters in process and
// replicates them to redis hourly hashes so any instance can serve
// the aggregated cost view. Replication is best-effort: a lost write
// under-counts mildly and is never worth failing a transformation.
type UsageRecorder struct {
	rdb *redis.Client

	mu     sync.Mutex
	totals map[string]*UsageTotals
}

// NewUsageRecorder builds a recorder. A nil client disables
// replication and keeps counters process-local.
func NewUsageRecorder(rdb *redis.Client) *UsageRecorder {
	return &UsageRecorder{rdb: rdb, totals: make(map[string]*UsageTotals)}
}

// RecordSuccess adds one completed call to the counters.
func (u *UsageRecorder) RecordSuccess(ctx context.Context, name string, tokensIn, tokensOut int) {
	u.mu.Lock()
	t := u.total(name)
	t.Requests++
	t.TokensIn += int64(tokensIn)
	t.TokensOut += int64(tokensOut)
	t.CostUSD += EstimateCost(name, int64(tokensIn), int64(tokensOut))
	u.mu.Unlock()

	u.replicate(ctx, name, map[string]int64{
		"requests":   1,
		"tokens_in":  int64(tokensIn),
		"tokens_out": int64(tokensOut),
	})
}

// RecordFailure counts one failed call.
func (u *UsageRecorder) RecordFailure(ctx context.Context, name string) {
	u.mu.Lock()
	t := u.total(name)
	t.Requests++
	t.Failures++
	u.mu.Unlock()

	u.replicate(ctx, name, map[string]int64{
		"requests": 1,
		"failures": 1,
	})
}

// total returns the counter struct for name; the caller holds the lock.
func (u *UsageRecorder) total(name string) *UsageTotals {
	t, ok := u.totals[name]
	if !ok {
		t = &UsageTotals{}
		u.totals[name] = t
	}
	return t
}

func (u *UsageRecorder) replicate(ctx context.Context, name string, fields map[string]int64) {
	if u.rdb == nil {
		return
	}
	key := fmt.Sprintf(usageKeyFormat, name, time.Now().UTC().Format(usageHourLayout))
	pipe := u.rdb.Pipeline()
	for field, n := range fields {
		pipe.HIncrBy(ctx, key, field, n)
	}
	pipe.Expire(ctx, key, usageRetention)
	if _, err := pipe.Exec(ctx); err != nil {
		common.Logger.WithError(err).Warn("provider usage replication failed")
	}
}

// Totals snapshots the in-process counters per provider.
func (u *UsageRecorder) Totals() map[string]UsageTotals {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := make(map[string]UsageTotals, len(u.totals))
	for name, t := range u.totals {
		out[name] = *t
	}
	return out
}

// Costs aggregates the replicated counters for the trailing window,
// covering calls made by every instance. Hours outside [1, 168] are
// clamped.
func (u *UsageRecorder) Costs(ctx context.Context, names []string, hours int) (map[string]UsageTotals, error) {
	if hours < 1 {
		hours = 1
	}
	if hours > 168 {
		hours = 168
	}
	if u.rdb == nil {
		return u.Totals(), nil
	}

	now := time.Now().UTC()
	out := make(map[string]UsageTotals, len(names))
	for _, name := range names {
		var agg UsageTotals
		for h := 0; h < hours; h++ {
			key := fmt.Sprintf(usageKeyFormat, name, now.Add(-time.Duration(h)*time.Hour).Format(usageHourLayout))
			vals, err := u.rdb.HGetAll(ctx, key).Result()
			if err != nil {
				return nil, errdefs.Wrapf(errdefs.ErrTransient, err, "read usage counters")
			}
			agg.Requests += parseCounter(vals["requests"])
			agg.Failures += parseCounter(vals["failures"])
			agg.TokensIn += parseCounter(vals["tokens_in"])
			agg.TokensOut += parseCounter(vals["tokens_out"])
		}
		agg.CostUSD = EstimateCost(name, agg.TokensIn, agg.TokensOut)
		out[name] = agg
	}
	return out, nil
}

func parseCounter(s string) int64 {
	if s == "" {
		return 0
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return n
}
