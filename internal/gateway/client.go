package gateway

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeTimeout  = 10 * time.Second
	sendQueueSize = 64
	maxFrameSize  = 1 << 20
)

// Session is one live client connection, owned exclusively by the gateway
// instance that accepted it. Its background tasks share a lifetime: closing
// the session cancels the read loop, write pump, and heartbeat watchdog
// together.
type Session struct {
	ID          string
	UserID      uuid.UUID
	InstanceID  string
	ConnectedAt time.Time

	conn   *websocket.Conn
	send   chan []byte
	logger *zap.Logger

	mu              sync.Mutex
	lastHeartbeatAt time.Time
	missedBeats     int

	closeOnce sync.Once
	done      chan struct{}
}

func newSession(userID uuid.UUID, instanceID string, conn *websocket.Conn, logger *zap.Logger) *Session {
	now := time.Now()
	return &Session{
		ID:              uuid.NewString(),
		UserID:          userID,
		InstanceID:      instanceID,
		ConnectedAt:     now,
		conn:            conn,
		send:            make(chan []byte, sendQueueSize),
		logger:          logger,
		lastHeartbeatAt: now,
		done:            make(chan struct{}),
	}
}

// Enqueue queues an outbound frame. Returns false if the session's send
// buffer is full, which the gateway treats as a dead client.
func (s *Session) Enqueue(payload []byte) bool {
	select {
	case <-s.done:
		return false
	default:
	}

	select {
	case s.send <- payload:
		return true
	default:
		return false
	}
}

// Close tears the session down exactly once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.conn.Close()
	})
}

// Done is closed when the session has been torn down.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// beat resets the liveness counter on a client heartbeat.
func (s *Session) beat() {
	s.mu.Lock()
	s.lastHeartbeatAt = time.Now()
	s.missedBeats = 0
	s.mu.Unlock()
}

// miss records one missed heartbeat interval and returns the running count.
func (s *Session) miss() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.missedBeats++
	return s.missedBeats
}

// LastHeartbeatAt returns the time of the most recent heartbeat.
func (s *Session) LastHeartbeatAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastHeartbeatAt
}

// writePump drains the send queue onto the wire. It exits when the session
// closes or a write fails.
func (s *Session) writePump() {
	for {
		select {
		case <-s.done:
			return
		case msg := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				s.logger.Debug("session write failed",
					zap.String("connection_id", s.ID),
					zap.Error(err),
				)
				return
			}
		}
	}
}
