// Package audit publishes structured audit events to an external sink.
// Publishing is fire-and-forget from the caller's point of view: sink
// outages are logged and never fail the request path.
package audit

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/recasthq/recast/common"
)

// EventType names one auditable action. The dotted form doubles as the
// routing key on the audit exchange.
type EventType string

const (
	EventAuthRegister        EventType = "auth.register"
	EventAuthLogin           EventType = "auth.login"
	EventAuthLoginFailed     EventType = "auth.login_failed"
	EventAuthRefresh         EventType = "auth.refresh"
	EventAuthReplayDetected  EventType = "auth.replay_detected"
	EventAuthLogout          EventType = "auth.logout"
	EventAuthPasswordChanged EventType = "auth.password_changed"
	EventAuthSessionRevoked  EventType = "auth.session_revoked"

	EventDocumentUploaded    EventType = "document.uploaded"
	EventDocumentDeleted     EventType = "document.deleted"
	EventDocumentReprocessed EventType = "document.reprocessed"

	EventTransformationCreated   EventType = "transformation.created"
	EventTransformationCompleted EventType = "transformation.completed"
	EventTransformationFailed    EventType = "transformation.failed"
	EventTransformationCancelled EventType = "transformation.cancelled"

	EventPresetCreated EventType = "preset.created"
	EventPresetUpdated EventType = "preset.updated"
	EventPresetDeleted EventType = "preset.deleted"

	EventProviderFailover    EventType = "provider.failover"
	EventProviderBreakerOpen EventType = "provider.breaker_open"
)

// Event is one audit record.
type Event struct {
	ID          string                 `json:"id"`
	Type        EventType              `json:"type"`
	WorkspaceID string                 `json:"workspace_id,omitempty"`
	UserID      string                 `json:"user_id,omitempty"`
	Resource    string                 `json:"resource,omitempty"`
	ResourceID  string                 `json:"resource_id,omitempty"`
	Detail      map[string]interface{} `json:"detail,omitempty"`
	OccurredAt  time.Time              `json:"occurred_at"`
}

// Publisher delivers audit events to the sink.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

// Emit stamps the event with an id and timestamp before publishing.
// Publish failures are logged; the request path never fails on audit.
func Emit(ctx context.Context, p Publisher, event Event) {
	if p == nil {
		return
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	if err := p.Publish(ctx, event); err != nil {
		common.Logger.WithError(err).WithField("event_type", event.Type).
			Warn("audit publish failed")
	}
}

// NopPublisher discards every event. Used when auditing is disabled.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Event) error { return nil }
func (NopPublisher) Close() error                         { return nil }
