package hub

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/recasthq/recast/auth"
)

const (
	// writeWait bounds a single frame write to a slow socket.
	writeWait = 10 * time.Second

	// maxFrameBytes caps incoming client frames. Client traffic is
	// pings, presence queries and short chat lines.
	maxFrameBytes = 32 << 10
)

// session is one connected WebSocket. Reads from the socket and writes
// from the send queue run as two goroutines joined by the done channel;
// either side failing tears both down.
type session struct {
	id      string
	subject auth.Subject
	conn    *websocket.Conn
	hub     *SessionHub
	logger  *logrus.Entry

	mu       sync.Mutex
	frames   []*Frame
	notify   chan struct{}
	dropped  int64
	lastPong time.Time

	done      chan struct{}
	closeOnce sync.Once
}

func newSession(id string, sub auth.Subject, conn *websocket.Conn, h *SessionHub) *session {
	return &session{
		id:      id,
		subject: sub,
		conn:    conn,
		hub:     h,
		logger: h.logger.WithFields(logrus.Fields{
			"session_id":   id,
			"workspace_id": sub.WorkspaceID,
			"user_id":      sub.UserID,
		}),
		notify:   make(chan struct{}, 1),
		lastPong: time.Now(),
		done:     make(chan struct{}),
	}
}

// push queues a frame for delivery. When the queue is full the oldest
// non-terminal frame is evicted first; terminal frames are never
// evicted, and if the queue is somehow all-terminal only another
// terminal frame may still enter.
func (s *session) push(f *Frame) {
	s.mu.Lock()
	if len(s.frames) >= s.hub.sendQueue {
		evicted := false
		for i, queued := range s.frames {
			if !queued.terminal() {
				s.frames = append(s.frames[:i], s.frames[i+1:]...)
				evicted = true
				break
			}
		}
		if evicted {
			s.dropped++
		} else if !f.terminal() {
			s.dropped++
			s.mu.Unlock()
			s.logger.WithField("frame_type", f.Type).Warn("send queue full, frame dropped")
			return
		}
	}
	s.frames = append(s.frames, f)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// pop returns the next queued frame, or nil when the queue is empty.
func (s *session) pop() *Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.frames) == 0 {
		return nil
	}
	f := s.frames[0]
	s.frames = s.frames[1:]
	return f
}

// backpressureDrops reports how many frames were evicted so far.
func (s *session) backpressureDrops() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

func (s *session) touchPong() {
	s.mu.Lock()
	s.lastPong = time.Now()
	s.mu.Unlock()
}

// readLoop consumes client frames until the socket errors or the read
// deadline lapses with no liveness signal. It runs on the handler
// goroutine; returning triggers session teardown.
func (s *session) readLoop() {
	cutoff := 2 * s.hub.heartbeat
	s.conn.SetReadLimit(maxFrameBytes)
	_ = s.conn.SetReadDeadline(time.Now().Add(cutoff))
	s.conn.SetPongHandler(func(string) error {
		s.touchPong()
		return s.conn.SetReadDeadline(time.Now().Add(cutoff))
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.WithError(err).Debug("session read ended")
			}
			return
		}
		// Any complete frame proves the peer is alive.
		s.touchPong()
		_ = s.conn.SetReadDeadline(time.Now().Add(cutoff))

		frame, err := parseClientFrame(data)
		if err != nil {
			s.push(NewFrame(FrameError, errorData{Error: "malformed frame"}))
			continue
		}
		s.hub.handleClientFrame(s, frame)
	}
}

// writeLoop drains the send queue onto the socket and emits heartbeat
// pings. It is the only goroutine writing data frames.
func (s *session) writeLoop() {
	ticker := time.NewTicker(s.hub.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-s.notify:
			for f := s.pop(); f != nil; f = s.pop() {
				_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := s.conn.WriteJSON(f); err != nil {
					s.logger.WithError(err).Debug("session write failed")
					s.close(websocket.CloseAbnormalClosure, "")
					return
				}
			}
		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				s.logger.WithError(err).Debug("heartbeat ping failed")
				s.close(websocket.CloseAbnormalClosure, "")
				return
			}
		}
	}
}

// close sends a close frame with the given code and shuts the socket.
// Safe to call from any goroutine, idempotent.
func (s *session) close(code int, reason string) {
	s.closeOnce.Do(func() {
		close(s.done)
		msg := websocket.FormatCloseMessage(code, reason)
		_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		_ = s.conn.Close()
	})
}
