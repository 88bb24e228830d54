package bus

import "time"

// Event kinds carried on workspace topics. The hub maps them onto the
// client frame types.
const (
	KindTransformationStarted   = "transformation.started"
	KindTransformationProgress  = "transformation.progress"
	KindTransformationCompleted = "transformation.completed"
	KindTransformationFailed    = "transformation.failed"
	KindPresenceJoin            = "presence.join"
	KindPresenceLeave           = "presence.leave"
	KindWorkspaceMessage        = "workspace.message"
)

// KindPresenceSummary is the instance-topic gossip kind: one
// instance's local presence view, published periodically so peers can
// reconcile an approximate cluster-wide union.
const KindPresenceSummary = "presence.summary"

// TransformationEvent is the payload of the transformation.* kinds.
// Fields beyond the id and status are populated per kind: progress and
// stage on progress events, preview/provider/tokens on completion,
// reason on failure.
type TransformationEvent struct {
	TransformationID string `json:"transformation_id"`
	WorkspaceID      string `json:"workspace_id"`
	Kind             string `json:"kind,omitempty"`
	Status           string `json:"status"`
	Progress         int    `json:"progress,omitempty"`
	Stage            string `json:"stage,omitempty"`
	Provider         string `json:"provider,omitempty"`
	ResultPreview    string `json:"result_preview,omitempty"`
	TokensUsed       int    `json:"tokens_used,omitempty"`
	Reason           string `json:"reason,omitempty"`
}

// PresenceEvent is the payload of presence.join and presence.leave.
type PresenceEvent struct {
	WorkspaceID string `json:"workspace_id"`
	UserID      string `json:"user_id"`
	Status      string `json:"status"`
}

// Presence status values.
const (
	PresenceOnline  = "online"
	PresenceOffline = "offline"
)

// MessageEvent is the payload of workspace.message: a client-sent chat
// line rebroadcast to the workspace with the sender attached.
type MessageEvent struct {
	WorkspaceID string    `json:"workspace_id"`
	UserID      string    `json:"user_id"`
	Message     string    `json:"message"`
	SentAt      time.Time `json:"sent_at"`
}

// PresenceSummary is the payload of presence.summary: the publishing
// instance's local map of workspace id to online user ids.
type PresenceSummary struct {
	InstanceID string              `json:"instance_id"`
	Workspaces map[string][]string `json:"workspaces"`
}
