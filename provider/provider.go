// Package provider holds the AI provider adapters and the ordered
// failover registry the executor draws candidates from. Adapters
// classify their failures with errdefs kinds: throttled and transient
// errors let the failover loop move to the next candidate, anything
// else stops it.
package provider

import (
	"context"

	"github.com/recasthq/recast/errdefs"
	"github.com/recasthq/recast/transform"
)

const (
	defaultMaxTokens   = 4096
	defaultTemperature = 0.7
)

// Request is one provider invocation. The prompt is fully rendered
// before it reaches an adapter.
type Request struct {
	Kind        transform.Kind
	System      string
	Prompt      string
	MaxTokens   int
	Temperature float64
}

// Result is a successful provider response.
type Result struct {
	Text      string
	Model     string
	TokensIn  int
	TokensOut int
}

// TotalTokens is the value persisted as tokens_used.
func (r *Result) TotalTokens() int { return r.TokensIn + r.TokensOut }

// Provider adapts one external AI service.
type Provider interface {
	Name() string
	Supports(kind transform.Kind) bool
	Transform(ctx context.Context, req Request) (*Result, error)
}

// classifyStatus maps a provider HTTP status onto the error taxonomy.
// Rejected credentials are deterministic: failing over would only mask
// a configuration problem.
func classifyStatus(status int) error {
	switch {
	case status == 429:
		return errdefs.ErrThrottled
	case status >= 500:
		return errdefs.ErrTransient
	case status == 401 || status == 403:
		return errdefs.ErrFatal
	default:
		return errdefs.ErrInvalidInput
	}
}
