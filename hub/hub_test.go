package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/recasthq/recast/auth"
	"github.com/recasthq/recast/bus"
	"github.com/recasthq/recast/config"
)

type fakeAuthenticator struct {
	subjects map[string]auth.Subject
	errs     map[string]error
}

func (f *fakeAuthenticator) Authenticate(_ context.Context, token string) (auth.Subject, error) {
	if err, ok := f.errs[token]; ok {
		return auth.Subject{}, err
	}
	sub, ok := f.subjects[token]
	if !ok {
		return auth.Subject{}, auth.ErrTokenInvalid
	}
	return sub, nil
}

type hubFixture struct {
	hub   *SessionHub
	bus   *bus.Bus
	srv   *httptest.Server
	authn *fakeAuthenticator
}

func newTestHub(t *testing.T) *hubFixture {
	return newTestHubWithConfig(t, config.HubConfig{
		Heartbeat:      time.Second,
		SendQueue:      16,
		GossipInterval: 50 * time.Millisecond,
	})
}

func newTestHubWithConfig(t *testing.T, cfg config.HubConfig) *hubFixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	b := bus.New(client, "hub-test")

	authn := &fakeAuthenticator{
		subjects: make(map[string]auth.Subject),
		errs:     make(map[string]error),
	}
	h := NewSessionHub(b, authn, cfg, []string{"*"})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, h.Run(ctx))

	srv := httptest.NewServer(http.HandlerFunc(h.Accept))
	t.Cleanup(srv.Close)

	return &hubFixture{hub: h, bus: b, srv: srv, authn: authn}
}

func (f *hubFixture) grant(token string, sub auth.Subject) {
	f.authn.subjects[token] = sub
}

func (f *hubFixture) wsURL(token, workspaceID string) string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/ws?token=" + token + "&workspace_id=" + workspaceID
}

func (f *hubFixture) dial(t *testing.T, token, workspaceID string) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(f.wsURL(token, workspaceID), nil)
	require.NoError(t, err)
	if resp != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// wireFrame mirrors Frame with an undecoded payload for assertions.
type wireFrame struct {
	Type      FrameType       `json:"type"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

func readFrame(t *testing.T, conn *websocket.Conn) wireFrame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var f wireFrame
	require.NoError(t, json.Unmarshal(data, &f))
	return f
}

// awaitFrame reads frames until one of the wanted type arrives,
// skipping interleaved presence traffic.
func awaitFrame(t *testing.T, conn *websocket.Conn, want FrameType) wireFrame {
	t.Helper()
	for i := 0; i < 16; i++ {
		f := readFrame(t, conn)
		if f.Type == want {
			return f
		}
	}
	t.Fatalf("no %s frame after 16 reads", want)
	return wireFrame{}
}

// collectFrameTypes drains frames until the deadline and returns the
// observed types.
func collectFrameTypes(conn *websocket.Conn, d time.Duration) []FrameType {
	_ = conn.SetReadDeadline(time.Now().Add(d))
	var types []FrameType
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return types
		}
		var f wireFrame
		if json.Unmarshal(data, &f) == nil {
			types = append(types, f.Type)
		}
	}
}

func testSubject(workspaceID, userID string) auth.Subject {
	return auth.Subject{
		UserID:      userID,
		WorkspaceID: workspaceID,
		Role:        auth.RoleMember,
		SessionID:   "sess-" + userID,
	}
}

func TestHub_ConnectionEstablished(t *testing.T) {
	f := newTestHub(t)
	f.grant("tok-u1", testSubject("w1", "u1"))

	conn := f.dial(t, "tok-u1", "w1")
	frame := awaitFrame(t, conn, FrameConnectionEstablished)

	var data connectionData
	require.NoError(t, json.Unmarshal(frame.Data, &data))
	assert.NotEmpty(t, data.SessionID)
	assert.Equal(t, "w1", data.WorkspaceID)
	assert.Equal(t, "u1", data.UserID)
	assert.False(t, frame.Timestamp.IsZero())
	assert.Equal(t, 1, f.hub.SessionCount())
}

func TestHub_RejectsInvalidToken(t *testing.T) {
	f := newTestHub(t)

	// The upgrade succeeds; the rejection arrives as a close frame so
	// the client can tell why.
	conn, resp, err := websocket.DefaultDialer.Dial(f.wsURL("bogus", "w1"), nil)
	require.NoError(t, err)
	if resp != nil {
		_ = resp.Body.Close()
	}
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, websocket.ClosePolicyViolation, closeErr.Code)
}

func TestHub_RejectsExpiredTokenWithDedicatedCode(t *testing.T) {
	f := newTestHub(t)
	f.authn.errs["stale"] = auth.ErrTokenExpired

	conn, resp, err := websocket.DefaultDialer.Dial(f.wsURL("stale", "w1"), nil)
	require.NoError(t, err)
	if resp != nil {
		_ = resp.Body.Close()
	}
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, CloseTokenExpired, closeErr.Code)
}

func TestHub_RejectsWorkspaceMismatch(t *testing.T) {
	f := newTestHub(t)
	f.grant("tok-u1", testSubject("w1", "u1"))

	conn, resp, err := websocket.DefaultDialer.Dial(f.wsURL("tok-u1", "w2"), nil)
	require.NoError(t, err)
	if resp != nil {
		_ = resp.Body.Close()
	}
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, websocket.ClosePolicyViolation, closeErr.Code)
}

func TestHub_RoutesWorkspaceEvents(t *testing.T) {
	f := newTestHub(t)
	f.grant("tok-u1", testSubject("w1", "u1"))

	conn := f.dial(t, "tok-u1", "w1")
	awaitFrame(t, conn, FrameConnectionEstablished)

	ctx := context.Background()
	// Another workspace's event must not leak into this session.
	require.NoError(t, f.bus.Publish(ctx, bus.WorkspaceTopic("w2"), bus.KindTransformationCompleted,
		bus.TransformationEvent{TransformationID: "t-other", WorkspaceID: "w2", Status: "completed"}))
	// The hub instance published this envelope itself; it still gets
	// delivered because all fan-out rides the broker.
	require.NoError(t, f.bus.Publish(ctx, bus.WorkspaceTopic("w1"), bus.KindTransformationCompleted,
		bus.TransformationEvent{
			TransformationID: "t1",
			WorkspaceID:      "w1",
			Status:           "completed",
			Provider:         "anthropic",
			TokensUsed:       42,
		}))

	frame := awaitFrame(t, conn, FrameTransformationCompleted)
	var event bus.TransformationEvent
	require.NoError(t, json.Unmarshal(frame.Data, &event))
	assert.Equal(t, "t1", event.TransformationID)
	assert.Equal(t, "anthropic", event.Provider)
	assert.Equal(t, 42, event.TokensUsed)
}

func TestHub_UserTargetedEventsStayPrivate(t *testing.T) {
	f := newTestHub(t)
	f.grant("tok-u1", testSubject("w1", "u1"))
	f.grant("tok-u2", testSubject("w1", "u2"))

	conn1 := f.dial(t, "tok-u1", "w1")
	awaitFrame(t, conn1, FrameConnectionEstablished)
	conn2 := f.dial(t, "tok-u2", "w1")
	awaitFrame(t, conn2, FrameConnectionEstablished)

	require.NoError(t, f.bus.Publish(context.Background(), bus.UserTopic("w1", "u2"),
		bus.KindTransformationProgress, bus.TransformationEvent{
			TransformationID: "t1",
			WorkspaceID:      "w1",
			Status:           "running",
			Progress:         40,
			Stage:            "anthropic attempt",
		}))

	frame := awaitFrame(t, conn2, FrameTransformationProgress)
	var event bus.TransformationEvent
	require.NoError(t, json.Unmarshal(frame.Data, &event))
	assert.Equal(t, 40, event.Progress)

	for _, frameType := range collectFrameTypes(conn1, 300*time.Millisecond) {
		assert.NotEqual(t, FrameTransformationProgress, frameType,
			"user-targeted event leaked to another user's session")
	}
}

func TestHub_PingPong(t *testing.T) {
	f := newTestHub(t)
	f.grant("tok-u1", testSubject("w1", "u1"))

	conn := f.dial(t, "tok-u1", "w1")
	awaitFrame(t, conn, FrameConnectionEstablished)

	require.NoError(t, conn.WriteJSON(map[string]interface{}{"type": "ping"}))
	awaitFrame(t, conn, FramePong)
}

func TestHub_PresenceQuery(t *testing.T) {
	f := newTestHub(t)
	f.grant("tok-u1", testSubject("w1", "u1"))
	f.grant("tok-u2", testSubject("w1", "u2"))

	conn1 := f.dial(t, "tok-u1", "w1")
	awaitFrame(t, conn1, FrameConnectionEstablished)
	conn2 := f.dial(t, "tok-u2", "w1")
	awaitFrame(t, conn2, FrameConnectionEstablished)

	require.NoError(t, conn1.WriteJSON(map[string]interface{}{"type": "get_workspace_presence"}))
	frame := awaitFrame(t, conn1, FrameWorkspacePresence)

	var data presenceData
	require.NoError(t, json.Unmarshal(frame.Data, &data))
	assert.Equal(t, "w1", data.WorkspaceID)
	assert.ElementsMatch(t, []string{"u1", "u2"}, data.Users)
	assert.Equal(t, 2, data.Count)
}

func TestHub_WorkspaceMessageRoundTrip(t *testing.T) {
	f := newTestHub(t)
	f.grant("tok-u1", testSubject("w1", "u1"))
	f.grant("tok-u2", testSubject("w1", "u2"))

	conn1 := f.dial(t, "tok-u1", "w1")
	awaitFrame(t, conn1, FrameConnectionEstablished)
	conn2 := f.dial(t, "tok-u2", "w1")
	awaitFrame(t, conn2, FrameConnectionEstablished)

	require.NoError(t, conn1.WriteJSON(map[string]interface{}{
		"type": "workspace_message",
		"data": map[string]interface{}{"message": "shipping the draft now"},
	}))

	for _, conn := range []*websocket.Conn{conn1, conn2} {
		frame := awaitFrame(t, conn, FrameWorkspaceMessage)
		var event bus.MessageEvent
		require.NoError(t, json.Unmarshal(frame.Data, &event))
		assert.Equal(t, "u1", event.UserID)
		assert.Equal(t, "shipping the draft now", event.Message)
		assert.False(t, event.SentAt.IsZero())
	}
}

func TestHub_EmptyWorkspaceMessageRejected(t *testing.T) {
	f := newTestHub(t)
	f.grant("tok-u1", testSubject("w1", "u1"))

	conn := f.dial(t, "tok-u1", "w1")
	awaitFrame(t, conn, FrameConnectionEstablished)

	require.NoError(t, conn.WriteJSON(map[string]interface{}{
		"type": "workspace_message",
		"data": map[string]interface{}{"message": "   "},
	}))

	frame := awaitFrame(t, conn, FrameError)
	var data errorData
	require.NoError(t, json.Unmarshal(frame.Data, &data))
	assert.Contains(t, data.Error, "required")
}

func TestHub_UnsupportedFrameType(t *testing.T) {
	f := newTestHub(t)
	f.grant("tok-u1", testSubject("w1", "u1"))

	conn := f.dial(t, "tok-u1", "w1")
	awaitFrame(t, conn, FrameConnectionEstablished)

	require.NoError(t, conn.WriteJSON(map[string]interface{}{"type": "repaint"}))
	frame := awaitFrame(t, conn, FrameError)

	var data errorData
	require.NoError(t, json.Unmarshal(frame.Data, &data))
	assert.Contains(t, data.Error, "unsupported")
}

func TestHub_HeartbeatClosesSilentSessions(t *testing.T) {
	f := newTestHubWithConfig(t, config.HubConfig{
		Heartbeat:      25 * time.Millisecond,
		SendQueue:      16,
		GossipInterval: time.Second,
	})
	f.grant("tok-u1", testSubject("w1", "u1"))

	// Never reading means the client never answers pings, so the read
	// deadline on the server side lapses after two heartbeats.
	conn := f.dial(t, "tok-u1", "w1")
	defer conn.Close()

	require.Eventually(t, func() bool {
		return f.hub.SessionCount() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestHub_ShutdownClosesSessionsNormally(t *testing.T) {
	f := newTestHub(t)
	f.grant("tok-u1", testSubject("w1", "u1"))

	conn := f.dial(t, "tok-u1", "w1")
	awaitFrame(t, conn, FrameConnectionEstablished)

	f.hub.Shutdown()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var closeErr *websocket.CloseError
	for {
		_, _, err := conn.ReadMessage()
		if err != nil {
			require.ErrorAs(t, err, &closeErr)
			break
		}
	}
	assert.Equal(t, websocket.CloseNormalClosure, closeErr.Code)

	require.Eventually(t, func() bool {
		return f.hub.SessionCount() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSession_QueueDropsOldestNonTerminal(t *testing.T) {
	f := newTestHubWithConfig(t, config.HubConfig{
		Heartbeat:      time.Second,
		SendQueue:      3,
		GossipInterval: time.Second,
	})
	s := newSession("s1", testSubject("w1", "u1"), nil, f.hub)

	for i := 0; i < 4; i++ {
		s.push(NewFrame(FrameTransformationProgress, map[string]int{"seq": i}))
	}

	assert.Equal(t, int64(1), s.backpressureDrops())
	for want := 1; want <= 3; want++ {
		frame := s.pop()
		require.NotNil(t, frame)
		assert.Equal(t, want, frame.Data.(map[string]int)["seq"])
	}
	assert.Nil(t, s.pop())
}

func TestSession_QueueNeverDropsTerminalFrames(t *testing.T) {
	f := newTestHubWithConfig(t, config.HubConfig{
		Heartbeat:      time.Second,
		SendQueue:      3,
		GossipInterval: time.Second,
	})
	s := newSession("s1", testSubject("w1", "u1"), nil, f.hub)

	for i := 0; i < 3; i++ {
		s.push(NewFrame(FrameTransformationCompleted, map[string]int{"seq": i}))
	}

	// A non-terminal frame cannot evict queued terminal frames; it is
	// the one that gets dropped.
	s.push(NewFrame(FrameTransformationProgress, nil))
	assert.Equal(t, int64(1), s.backpressureDrops())

	// A terminal frame is still admitted past the cap.
	s.push(NewFrame(FrameTransformationFailed, nil))

	types := []FrameType{}
	for frame := s.pop(); frame != nil; frame = s.pop() {
		types = append(types, frame.Type)
	}
	assert.Equal(t, []FrameType{
		FrameTransformationCompleted,
		FrameTransformationCompleted,
		FrameTransformationCompleted,
		FrameTransformationFailed,
	}, types)
}
