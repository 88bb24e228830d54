package provider

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"github.com/recasthq/recast/audit"
	"github.com/recasthq/recast/common"
	"github.com/recasthq/recast/config"
	"github.com/recasthq/recast/errdefs"
	"github.com/recasthq/recast/transform"
)

const (
	defaultFailureThreshold = 5
	defaultCooldown         = 30 * time.Second
)

// Registry holds the ordered provider list with one circuit breaker
// per provider and shared usage accounting.
type Registry struct {
	entries []*entry
	usage   *UsageRecorder
	auditor audit.Publisher
}

// SetAuditor attaches the sink breaker state changes are reported to.
// Must be called before traffic starts.
func (r *Registry) SetAuditor(p audit.Publisher) { r.auditor = p }

type entry struct {
	provider Provider
	breaker  *gobreaker.CircuitBreaker
}

// NewRegistry builds the failover chain from config. Unknown names and
// providers without credentials are skipped with a warning. The mock
// provider is appended as a fallback when enabled and not already
// listed.
func NewRegistry(cfg config.ProvidersConfig, usage *UsageRecorder) *Registry {
	r := &Registry{usage: usage}
	for _, name := range cfg.Order {
		switch name {
		case "anthropic":
			if cfg.Anthropic.APIKey == "" {
				common.Logger.Warn("anthropic is in the provider order but has no api key, skipping")
				continue
			}
			r.Register(NewAnthropicProvider(cfg.Anthropic), cfg.Breaker)
		case "openai":
			if cfg.OpenAI.APIKey == "" {
				common.Logger.Warn("openai is in the provider order but has no api key, skipping")
				continue
			}
			r.Register(NewOpenAIProvider(cfg.OpenAI), cfg.Breaker)
		case "mock":
			r.Register(NewMockProvider(), cfg.Breaker)
		default:
			common.Logger.WithField("provider", name).Warn("unknown provider in order, skipping")
		}
	}
	if cfg.MockEnabled && r.find("mock") == nil {
		r.Register(NewMockProvider(), cfg.Breaker)
	}
	return r
}

// Register appends a provider to the end of the failover order.
func (r *Registry) Register(p Provider, bc config.BreakerConfig) {
	threshold := bc.FailureThreshold
	if threshold <= 0 {
		threshold = defaultFailureThreshold
	}
	cooldown := bc.Cooldown
	if cooldown <= 0 {
		cooldown = defaultCooldown
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        p.Name(),
		MaxRequests: 1,
		Timeout:     cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(threshold)
		},
		// Only provider health problems trip the breaker. Invalid
		// input and cancellation belong to the caller.
		IsSuccessful: func(err error) bool {
			return err == nil || !errdefs.Retryable(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			common.Logger.WithFields(logrus.Fields{
				"provider": name,
				"from":     from.String(),
				"to":       to.String(),
			}).Warn("provider breaker state changed")
			if to == gobreaker.StateOpen {
				audit.Emit(context.Background(), r.auditor, audit.Event{
					Type:       audit.EventProviderBreakerOpen,
					Resource:   "provider",
					ResourceID: name,
					Detail:     map[string]interface{}{"from": from.String()},
				})
			}
		},
	})
	r.entries = append(r.entries, &entry{provider: p, breaker: cb})
}

func (r *Registry) find(name string) *entry {
	for _, e := range r.entries {
		if e.provider.Name() == name {
			return e
		}
	}
	return nil
}

// Names lists the registered providers in failover order.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.provider.Name())
	}
	return out
}

// Usage exposes the shared recorder for the cost endpoints.
func (r *Registry) Usage() *UsageRecorder { return r.usage }

// Select returns the candidates able to serve kind whose breakers
// currently admit traffic, in failover order.
func (r *Registry) Select(kind transform.Kind) []*Candidate {
	var out []*Candidate
	for _, e := range r.entries {
		if !e.provider.Supports(kind) {
			continue
		}
		if e.breaker.State() == gobreaker.StateOpen {
			continue
		}
		out = append(out, &Candidate{entry: e, usage: r.usage})
	}
	return out
}

// Candidate is one selectable provider bound to its breaker.
type Candidate struct {
	entry *entry
	usage *UsageRecorder
}

func (c *Candidate) Name() string { return c.entry.provider.Name() }

// Invoke runs the provider through its breaker and records usage. A
// breaker that opened since selection surfaces as a transient error so
// the failover loop moves on.
func (c *Candidate) Invoke(ctx context.Context, req Request) (*Result, error) {
	out, err := c.entry.breaker.Execute(func() (interface{}, error) {
		return c.entry.provider.Transform(ctx, req)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, errdefs.Wrapf(errdefs.ErrTransient, err, "provider %s circuit open", c.Name())
		}
		if c.usage != nil {
			c.usage.RecordFailure(ctx, c.Name())
		}
		return nil, err
	}
	res := out.(*Result)
	if c.usage != nil {
		c.usage.RecordSuccess(ctx, c.Name(), res.TokensIn, res.TokensOut)
	}
	return res, nil
}

// Status is the admin view of one provider.
type Status struct {
	Name      string  `json:"name"`
	State     string  `json:"state"`
	Requests  int64   `json:"requests"`
	Failures  int64   `json:"failures"`
	TokensIn  int64   `json:"tokens_in"`
	TokensOut int64   `json:"tokens_out"`
	CostUSD   float64 `json:"cost_usd"`
}

// Status reports breaker state and local counters per provider in
// failover order.
func (r *Registry) Status() []Status {
	totals := map[string]UsageTotals{}
	if r.usage != nil {
		totals = r.usage.Totals()
	}
	out := make([]Status, 0, len(r.entries))
	for _, e := range r.entries {
		name := e.provider.Name()
		t := totals[name]
		out = append(out, Status{
			Name:      name,
			State:     e.breaker.State().String(),
			Requests:  t.Requests,
			Failures:  t.Failures,
			TokensIn:  t.TokensIn,
			TokensOut: t.TokensOut,
			CostUSD:   t.CostUSD,
		})
	}
	return out
}
