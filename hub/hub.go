// Package hub manages the realtime side of Recast: long-lived
// WebSocket sessions, fan-out of bus events to connected clients and
// cross-instance presence. One SessionHub runs per recastd instance;
// instances share nothing but the event bus.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/recasthq/recast/auth"
	"github.com/recasthq/recast/bus"
	"github.com/recasthq/recast/common"
	"github.com/recasthq/recast/config"
)

// CloseTokenExpired is the application close code sent when the access
// token presented at the handshake has expired. Clients treat it as a
// cue to refresh and reconnect.
const CloseTokenExpired = 4401

const (
	defaultHeartbeat = 30 * time.Second
	defaultSendQueue = 64

	// maxMessageChars caps workspace chat lines.
	maxMessageChars = 2000
)

// Authenticator validates an access token during the WebSocket
// handshake. Implemented by auth.Service.
type Authenticator interface {
	Authenticate(ctx context.Context, accessToken string) (auth.Subject, error)
}

// SessionHub accepts WebSocket sessions and fans bus envelopes out to
// them. Missed events are not replayed on reconnect; clients reconcile
// through the HTTP API.
type SessionHub struct {
	bus      *bus.Bus
	authn    Authenticator
	presence *PresenceTracker
	logger   *logrus.Entry

	heartbeat time.Duration
	sendQueue int
	upgrader  websocket.Upgrader

	mu          sync.RWMutex
	sessions    map[string]*session
	byWorkspace map[string]map[*session]struct{}
}

// NewSessionHub wires the hub onto the event bus.
func NewSessionHub(b *bus.Bus, authn Authenticator, cfg config.HubConfig, allowedOrigins []string) *SessionHub {
	heartbeat := cfg.Heartbeat
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeat
	}
	queue := cfg.SendQueue
	if queue <= 0 {
		queue = defaultSendQueue
	}

	h := &SessionHub{
		bus:       b,
		authn:     authn,
		presence:  NewPresenceTracker(b, cfg.GossipInterval),
		logger:    logrus.NewEntry(common.Logger).WithField("component", "hub"),
		heartbeat: heartbeat,
		sendQueue: queue,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     originChecker(allowedOrigins),
		},
		sessions:    make(map[string]*session),
		byWorkspace: make(map[string]map[*session]struct{}),
	}
	return h
}

// Presence exposes the tracker for HTTP handlers and tests.
func (h *SessionHub) Presence() *PresenceTracker { return h.presence }

// Run subscribes the hub to the workspace and instance channels and
// starts presence gossip. It returns once the subscription is live;
// delivery continues until ctx is cancelled.
func (h *SessionHub) Run(ctx context.Context) error {
	err := h.bus.Subscribe(ctx, func(env bus.Envelope) {
		if strings.HasPrefix(env.Topic, "instance.") {
			h.presence.absorb(env)
			return
		}
		h.route(env)
	}, bus.PatternWorkspaces, bus.PatternInstances)
	if err != nil {
		return err
	}
	go h.presence.Run(ctx)
	return nil
}

// Accept upgrades an HTTP request to a WebSocket session and runs it
// until the peer disconnects or the heartbeat lapses. Authentication
// happens after the upgrade so rejections carry a close code the
// client can distinguish.
func (h *SessionHub) Accept(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote an HTTP error.
		h.logger.WithError(err).Debug("websocket upgrade rejected")
		return
	}

	query := r.URL.Query()
	sub, err := h.authn.Authenticate(r.Context(), query.Get("token"))
	if err != nil {
		code := websocket.ClosePolicyViolation
		reason := "unauthorized"
		if errors.Is(err, auth.ErrTokenExpired) {
			code = CloseTokenExpired
			reason = "token expired"
		}
		closeRejected(conn, code, reason)
		return
	}
	// The requested workspace must match the credential. Sessions are
	// workspace-scoped; there is no cross-workspace subscription.
	if workspaceID := query.Get("workspace_id"); workspaceID != sub.WorkspaceID {
		closeRejected(conn, websocket.ClosePolicyViolation, "workspace mismatch")
		return
	}

	sess := newSession(uuid.NewString(), sub, conn, h)
	h.register(sess)
	defer h.teardown(sess)

	h.presence.Join(r.Context(), sub.WorkspaceID, sub.UserID)

	sess.push(NewFrame(FrameConnectionEstablished, connectionData{
		SessionID:   sess.id,
		WorkspaceID: sub.WorkspaceID,
		UserID:      sub.UserID,
	}))

	go sess.writeLoop()
	sess.readLoop()
}

// Shutdown closes every open session with a normal close code.
func (h *SessionHub) Shutdown() {
	h.mu.RLock()
	open := make([]*session, 0, len(h.sessions))
	for _, s := range h.sessions {
		open = append(open, s)
	}
	h.mu.RUnlock()

	for _, s := range open {
		s.close(websocket.CloseNormalClosure, "server shutting down")
	}
}

// SessionCount reports the number of open sessions on this instance.
func (h *SessionHub) SessionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

func (h *SessionHub) register(s *session) {
	h.mu.Lock()
	h.sessions[s.id] = s
	workspace := h.byWorkspace[s.subject.WorkspaceID]
	if workspace == nil {
		workspace = make(map[*session]struct{})
		h.byWorkspace[s.subject.WorkspaceID] = workspace
	}
	workspace[s] = struct{}{}
	h.mu.Unlock()

	s.logger.Info("session connected")
}

func (h *SessionHub) teardown(s *session) {
	h.mu.Lock()
	delete(h.sessions, s.id)
	if workspace := h.byWorkspace[s.subject.WorkspaceID]; workspace != nil {
		delete(workspace, s)
		if len(workspace) == 0 {
			delete(h.byWorkspace, s.subject.WorkspaceID)
		}
	}
	h.mu.Unlock()

	s.close(websocket.CloseNormalClosure, "")
	// The request context is gone by now; the leave event must still
	// go out.
	h.presence.Leave(context.Background(), s.subject.WorkspaceID, s.subject.UserID)
	s.logger.WithField("backpressure_drops", s.backpressureDrops()).Info("session closed")
}

// route fans one workspace envelope out to the matching local
// sessions. Every delivery rides the broker, including events this
// instance published itself, so envelopes are not filtered by origin
// here; that would silence locally produced events.
func (h *SessionHub) route(env bus.Envelope) {
	workspaceID, userID, ok := bus.SplitTopic(env.Topic)
	if !ok {
		return
	}
	frameType, ok := frameTypeForKind(env.Kind)
	if !ok {
		return
	}

	frame := &Frame{
		Type:      frameType,
		Data:      json.RawMessage(env.Payload),
		Timestamp: env.EmittedAt,
	}

	h.mu.RLock()
	for sess := range h.byWorkspace[workspaceID] {
		if userID != "" && sess.subject.UserID != userID {
			continue
		}
		sess.push(frame)
	}
	h.mu.RUnlock()
}

func (h *SessionHub) handleClientFrame(s *session, f *clientFrame) {
	switch f.Type {
	case FramePing:
		s.push(NewFrame(FramePong, nil))
	case FrameGetWorkspacePresence:
		users := h.presence.Snapshot(s.subject.WorkspaceID)
		s.push(NewFrame(FrameWorkspacePresence, presenceData{
			WorkspaceID: s.subject.WorkspaceID,
			Users:       users,
			Count:       len(users),
		}))
	case FrameWorkspaceMessage:
		h.relayMessage(s, f)
	default:
		s.push(NewFrame(FrameError, errorData{Error: "unsupported frame type"}))
	}
}

// relayMessage rebroadcasts a workspace chat line through the bus so
// sessions on every instance receive it, the sender's included.
func (h *SessionHub) relayMessage(s *session, f *clientFrame) {
	text := strings.TrimSpace(f.stringField("message"))
	if text == "" {
		s.push(NewFrame(FrameError, errorData{Error: "message is required"}))
		return
	}
	if utf8.RuneCountInString(text) > maxMessageChars {
		s.push(NewFrame(FrameError, errorData{Error: "message too long"}))
		return
	}

	event := bus.MessageEvent{
		WorkspaceID: s.subject.WorkspaceID,
		UserID:      s.subject.UserID,
		Message:     text,
		SentAt:      time.Now().UTC(),
	}
	err := h.bus.Publish(context.Background(), bus.WorkspaceTopic(s.subject.WorkspaceID), bus.KindWorkspaceMessage, event)
	if err != nil {
		s.logger.WithError(err).Warn("workspace message publish failed")
		s.push(NewFrame(FrameError, errorData{Error: "message delivery failed"}))
	}
}

// closeRejected refuses a handshake after the upgrade completed.
func closeRejected(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	_ = conn.Close()
}

// originChecker builds the upgrade origin policy from the configured
// CORS origins. Requests without an Origin header (non-browser
// clients) always pass.
func originChecker(allowed []string) func(*http.Request) bool {
	for _, origin := range allowed {
		if origin == "*" {
			return func(*http.Request) bool { return true }
		}
	}
	set := make(map[string]struct{}, len(allowed))
	for _, origin := range allowed {
		set[strings.TrimSuffix(origin, "/")] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[strings.TrimSuffix(origin, "/")]
		return ok
	}
}
