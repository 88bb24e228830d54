// Package api is the HTTP face of Recast. It owns the echo server,
// the route table, the JWT middleware that turns bearer tokens into
// request subjects and the single error boundary translating the
// error taxonomy into status codes. Handlers stay thin; every rule
// lives in the service layer.
package api

import (
	"context"
	"net/http"

	"github.com/recasthq/recast/auth"
	"github.com/recasthq/recast/db"
	"github.com/recasthq/recast/provider"
	"github.com/recasthq/recast/service"
)

// Transformations is the slice of the transformation service the
// handlers call.
type Transformations interface {
	Create(ctx context.Context, sub auth.Subject, input service.CreateTransformationInput) (*db.Transformation, error)
	Get(ctx context.Context, sub auth.Subject, id string) (*db.Transformation, error)
	List(ctx context.Context, sub auth.Subject, filter db.TransformationFilter) ([]*db.Transformation, int64, error)
	Cancel(ctx context.Context, sub auth.Subject, id string) error
}

// Documents is the slice of the document service the handlers call.
type Documents interface {
	Upload(ctx context.Context, sub auth.Subject, input service.UploadInput) (*db.Document, error)
	Get(ctx context.Context, sub auth.Subject, id string) (*db.Document, error)
	List(ctx context.Context, sub auth.Subject, filter db.DocumentFilter) ([]*db.Document, int64, error)
	Content(ctx context.Context, sub auth.Subject, id string) (*service.DocumentContent, error)
	Reprocess(ctx context.Context, sub auth.Subject, id string) (*db.Document, error)
	Delete(ctx context.Context, sub auth.Subject, id string) error
}

// Presets is the slice of the preset service the handlers call.
type Presets interface {
	Create(ctx context.Context, sub auth.Subject, input service.CreatePresetInput) (*db.Preset, error)
	Get(ctx context.Context, sub auth.Subject, id string) (*db.Preset, error)
	List(ctx context.Context, sub auth.Subject, filter db.PresetFilter) ([]*db.Preset, int64, error)
	Update(ctx context.Context, sub auth.Subject, id string, input service.UpdatePresetInput) (*db.Preset, error)
	Delete(ctx context.Context, sub auth.Subject, id string) error
}

// ProviderOps is the admin view over the provider registry.
type ProviderOps interface {
	Status() []provider.Status
	Names() []string
	Usage() *provider.UsageRecorder
}

// ReadyCheck probes one dependency for the readiness endpoint.
type ReadyCheck struct {
	Name  string
	Probe func(ctx context.Context) error
}

// Handlers bundles everything the route table needs. Nil optional
// fields (WS, Limiter, Providers, Usage) disable the matching routes
// or checks.
type Handlers struct {
	Auth            auth.Service
	Tokens          *auth.TokenService
	Transformations Transformations
	Documents       Documents
	Presets         Presets
	Providers       ProviderOps
	Usage           service.StatsStore
	Limiter         *auth.RateLimiter

	// WS serves the /ws upgrade; usually hub.SessionHub.Accept.
	WS http.Handler

	// Checks back the readiness endpoint.
	Checks []ReadyCheck
}
