package hub

import (
	"encoding/json"
	"time"

	"github.com/recasthq/recast/bus"
)

// FrameType identifies a WebSocket frame.
type FrameType string

// Server-originated frame types.
const (
	FrameConnectionEstablished   FrameType = "connection_established"
	FramePong                    FrameType = "pong"
	FrameTransformationStarted   FrameType = "transformation_started"
	FrameTransformationProgress  FrameType = "transformation_progress"
	FrameTransformationCompleted FrameType = "transformation_completed"
	FrameTransformationFailed    FrameType = "transformation_failed"
	FramePresenceUpdate          FrameType = "presence_update"
	FrameWorkspacePresence       FrameType = "workspace_presence"
	FrameWorkspaceMessage        FrameType = "workspace_message"
	FrameError                   FrameType = "error"
)

// Client-originated frame types.
const (
	FramePing                 FrameType = "ping"
	FrameGetWorkspacePresence FrameType = "get_workspace_presence"
)

// Frame is the wire format on the realtime channel, both directions.
type Frame struct {
	Type      FrameType   `json:"type"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// NewFrame stamps a frame with the current time.
func NewFrame(frameType FrameType, data interface{}) *Frame {
	return &Frame{
		Type:      frameType,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}
}

// terminal frames announce a transformation's final state. They are
// never dropped from a full send queue.
func (f *Frame) terminal() bool {
	return f.Type == FrameTransformationCompleted || f.Type == FrameTransformationFailed
}

// frameTypeForKind maps bus event kinds onto client frame types.
// Unmapped kinds are control-plane traffic that never reaches clients.
func frameTypeForKind(kind string) (FrameType, bool) {
	switch kind {
	case bus.KindTransformationStarted:
		return FrameTransformationStarted, true
	case bus.KindTransformationProgress:
		return FrameTransformationProgress, true
	case bus.KindTransformationCompleted:
		return FrameTransformationCompleted, true
	case bus.KindTransformationFailed:
		return FrameTransformationFailed, true
	case bus.KindPresenceJoin, bus.KindPresenceLeave:
		return FramePresenceUpdate, true
	case bus.KindWorkspaceMessage:
		return FrameWorkspaceMessage, true
	}
	return "", false
}

// clientFrame is an incoming frame before dispatch. Data stays loosely
// typed; each handler picks out the fields it needs.
type clientFrame struct {
	Type FrameType              `json:"type"`
	Data map[string]interface{} `json:"data,omitempty"`
}

// parseClientFrame decodes raw bytes from the socket.
func parseClientFrame(data []byte) (*clientFrame, error) {
	var f clientFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	return &f, nil
}

// stringField extracts a string value from a client frame payload.
func (f *clientFrame) stringField(key string) string {
	if f.Data == nil {
		return ""
	}
	s, _ := f.Data[key].(string)
	return s
}

// errorData is the payload of error frames.
type errorData struct {
	Error string `json:"error"`
}

// connectionData is the payload of connection_established frames.
type connectionData struct {
	SessionID   string `json:"session_id"`
	WorkspaceID string `json:"workspace_id"`
	UserID      string `json:"user_id"`
}

// presenceData is the payload of workspace_presence frames.
type presenceData struct {
	WorkspaceID string   `json:"workspace_id"`
	Users       []string `json:"users"`
	Count       int      `json:"count"`
}
