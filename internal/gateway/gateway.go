// Package gateway owns live websocket connections: handshake auth, session
// lifecycle, heartbeat liveness, local emission, and cross-instance relay
// over the broadcast bus.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/lumenhq/pulse/internal/db"
	"github.com/lumenhq/pulse/internal/metrics"
	"github.com/lumenhq/pulse/internal/presence"
	"github.com/lumenhq/pulse/internal/ratelimit"
	"github.com/lumenhq/pulse/internal/redis"
)

// maxMissedBeats closes the session after this many silent intervals.
const maxMissedBeats = 3

// replayLimit bounds how many notifications a reconnect replay can emit.
const replayLimit = 200

// Envelope is the JSON shape of every message sent to clients. Clients must
// ignore unknown event values for forward compatibility.
type Envelope struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data,omitempty"`
}

// Client event names.
const (
	EventNotificationNew = "notification:new"
	EventPresenceUpdate  = "presence:update"
	EventTyping          = "typing"
	EventError           = "error"
)

// inboundMessage is what connected clients send us.
type inboundMessage struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NotificationSource provides the bounded replay window on reconnect.
type NotificationSource interface {
	ListNotificationsSince(ctx context.Context, recipientID uuid.UUID, since time.Time, limit int) ([]*db.Notification, error)
}

// Config holds gateway tunables.
type Config struct {
	InstanceID        string
	HeartbeatInterval time.Duration
	ReplayWindow      time.Duration
}

// Gateway accepts websocket connections for this process, keeps the presence
// directory in sync via the broadcast bus, and emits messages to users
// wherever they are connected.
type Gateway struct {
	config    Config
	verifier  TokenVerifier
	bus       *redis.Bus
	directory *presence.Directory
	limiter   *ratelimit.ConnectionLimiter
	source    NotificationSource
	logger    *zap.Logger

	upgrader websocket.Upgrader

	mu       sync.RWMutex
	sessions map[string]*Session            // connectionID -> session (local only)
	byUser   map[uuid.UUID]map[string]*Session
}

// New creates a gateway for this process instance.
func New(cfg Config, verifier TokenVerifier, bus *redis.Bus, directory *presence.Directory, limiter *ratelimit.ConnectionLimiter, source NotificationSource, logger *zap.Logger) *Gateway {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.ReplayWindow <= 0 {
		cfg.ReplayWindow = 15 * time.Minute
	}

	return &Gateway{
		config:    cfg,
		verifier:  verifier,
		bus:       bus,
		directory: directory,
		limiter:   limiter,
		source:    source,
		logger:    logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		sessions: make(map[string]*Session),
		byUser:   make(map[uuid.UUID]map[string]*Session),
	}
}

// Start subscribes the gateway to the broadcast bus. Presence events from
// every instance (including this one) feed the directory; relay events
// addressed to this instance are written to local connections.
func (g *Gateway) Start(ctx context.Context) error {
	return g.bus.Subscribe(ctx, g.handleBusEvent)
}

func (g *Gateway) handleBusEvent(ev redis.BusEvent) {
	metrics.RecordBusEvent(ev.Kind)

	switch ev.Kind {
	case redis.EventPresenceJoined:
		g.directory.Join(ev.UserID, ev.ConnectionID, ev.InstanceID)

	case redis.EventPresenceLeft:
		g.directory.Leave(ev.UserID, ev.ConnectionID)

	case redis.EventRelay:
		if ev.TargetInstance != g.config.InstanceID {
			return
		}
		userID, err := uuid.Parse(ev.UserID)
		if err != nil {
			return
		}
		g.writeLocal(userID, ev.Payload)

	default:
		// Unknown kinds are ignorable; newer instances may speak more.
	}
}

// HandleWS upgrades an HTTP request into a managed session. The bearer
// identity token comes from the token query parameter because browser
// websocket clients cannot set custom headers.
func (g *Gateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	identity, err := g.verifier.Verify(r.URL.Query().Get("token"))
	if err != nil {
		g.logger.Info("handshake rejected", zap.Error(err))
		http.Error(w, "authentication failed", http.StatusUnauthorized)
		return
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	sess := newSession(identity.UserID, g.config.InstanceID, conn, g.logger)
	g.register(sess)

	g.logger.Info("session connected",
		zap.String("connection_id", sess.ID),
		zap.String("user_id", sess.UserID.String()),
	)

	if err := g.bus.Publish(r.Context(), redis.BusEvent{
		Kind:         redis.EventPresenceJoined,
		UserID:       sess.UserID.String(),
		ConnectionID: sess.ID,
		InstanceID:   g.config.InstanceID,
	}); err != nil {
		// Other instances will think this user is offline; deliveries for
		// them defer to queued channels, which is safe.
		g.logger.Warn("failed to broadcast presence joined", zap.Error(err))
		g.directory.Join(sess.UserID.String(), sess.ID, g.config.InstanceID)
	}

	go g.runWritePump(sess)
	go g.heartbeatWatchdog(sess)

	if since := r.URL.Query().Get("since"); since != "" && g.source != nil {
		g.replay(r.Context(), sess, since)
	}

	g.readLoop(sess)
}

// register adds the session to the local connection maps.
func (g *Gateway) register(sess *Session) {
	g.mu.Lock()
	g.sessions[sess.ID] = sess
	set := g.byUser[sess.UserID]
	if set == nil {
		set = make(map[string]*Session)
		g.byUser[sess.UserID] = set
	}
	set[sess.ID] = sess
	count := len(g.sessions)
	g.mu.Unlock()

	metrics.SetConnections(count)
}

// disconnect tears down a local session and broadcasts its departure.
func (g *Gateway) disconnect(sess *Session, reason string) {
	g.mu.Lock()
	if _, ok := g.sessions[sess.ID]; !ok {
		g.mu.Unlock()
		return
	}
	delete(g.sessions, sess.ID)
	if set := g.byUser[sess.UserID]; set != nil {
		delete(set, sess.ID)
		if len(set) == 0 {
			delete(g.byUser, sess.UserID)
		}
	}
	count := len(g.sessions)
	g.mu.Unlock()

	sess.Close()
	g.limiter.Remove(sess.ID)
	metrics.SetConnections(count)

	// Apply locally first so our own view never lags our own sessions.
	g.directory.Leave(sess.UserID.String(), sess.ID)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := g.bus.Publish(ctx, redis.BusEvent{
		Kind:         redis.EventPresenceLeft,
		UserID:       sess.UserID.String(),
		ConnectionID: sess.ID,
		InstanceID:   g.config.InstanceID,
	}); err != nil {
		g.logger.Warn("failed to broadcast presence left", zap.Error(err))
	}

	g.logger.Info("session disconnected",
		zap.String("connection_id", sess.ID),
		zap.String("user_id", sess.UserID.String()),
		zap.String("reason", reason),
	)
}

// runWritePump drains the session's outbound queue and tears the session
// down as soon as the wire rejects a write, so presence does not wait for
// the read deadline to notice a dead peer. On a normal close the disconnect
// is a no-op.
func (g *Gateway) runWritePump(sess *Session) {
	sess.writePump()
	g.disconnect(sess, "write_failed")
}

// heartbeatWatchdog closes the session after maxMissedBeats silent
// intervals. The client must send a heartbeat event each interval.
func (g *Gateway) heartbeatWatchdog(sess *Session) {
	ticker := time.NewTicker(g.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-sess.Done():
			return
		case <-ticker.C:
			if time.Since(sess.LastHeartbeatAt()) < g.config.HeartbeatInterval {
				continue
			}
			if missed := sess.miss(); missed >= maxMissedBeats {
				g.logger.Info("session missed heartbeats, closing",
					zap.String("connection_id", sess.ID),
					zap.Int("missed", missed),
				)
				g.disconnect(sess, "heartbeat_timeout")
				return
			}
		}
	}
}

// readLoop consumes inbound frames until the connection dies. Inbound
// events other than heartbeats are bounded by the per-connection bucket.
func (g *Gateway) readLoop(sess *Session) {
	defer g.disconnect(sess, "read_closed")

	sess.conn.SetReadLimit(maxFrameSize)

	for {
		// Generous wire deadline; the heartbeat watchdog is authoritative.
		_ = sess.conn.SetReadDeadline(time.Now().Add((maxMissedBeats + 1) * g.config.HeartbeatInterval))

		var msg inboundMessage
		if err := sess.conn.ReadJSON(&msg); err != nil {
			return
		}

		if msg.Event == "heartbeat" {
			sess.beat()
			continue
		}

		if err := g.limiter.Allow(sess.ID); err != nil {
			if errors.Is(err, ratelimit.ErrRateLimited) {
				metrics.RecordRateLimitedEvent()
				g.sendTo(sess, Envelope{
					Event: EventError,
					Data:  map[string]string{"code": "rate_limit_exceeded"},
				})
				continue
			}
			return
		}

		g.handleClientEvent(sess, msg)
	}
}

// handleClientEvent dispatches a rate-limited inbound event.
func (g *Gateway) handleClientEvent(sess *Session, msg inboundMessage) {
	switch msg.Event {
	case EventTyping:
		var data struct {
			To string `json:"to"`
		}
		if err := json.Unmarshal(msg.Data, &data); err != nil {
			return
		}
		target, err := uuid.Parse(data.To)
		if err != nil {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = g.Emit(ctx, target, EventTyping, map[string]interface{}{
			"from": sess.UserID.String(),
		})

	default:
		// Unknown inbound events are dropped; clients newer than the
		// gateway must not break it.
		g.logger.Debug("ignoring unknown client event",
			zap.String("event", msg.Event),
		)
	}
}

// Emit delivers a message to every connection of the user. Connections owned
// by this instance are written directly; for connections on other instances
// a directed relay is published, so no instance ever holds another's socket
// handles.
func (g *Gateway) Emit(ctx context.Context, userID uuid.UUID, event string, data interface{}) error {
	payload, err := json.Marshal(Envelope{Event: event, Data: data})
	if err != nil {
		return err
	}

	g.writeLocal(userID, payload)
	metrics.RecordEmit(event)

	for _, instanceID := range g.directory.InstancesFor(userID.String()) {
		if instanceID == g.config.InstanceID {
			continue
		}
		if err := g.bus.Publish(ctx, redis.BusEvent{
			Kind:           redis.EventRelay,
			UserID:         userID.String(),
			InstanceID:     g.config.InstanceID,
			TargetInstance: instanceID,
			Payload:        payload,
		}); err != nil {
			return err
		}
	}

	return nil
}

// writeLocal enqueues a pre-marshaled frame to the user's local sessions.
// A session that cannot keep up is treated as dead.
func (g *Gateway) writeLocal(userID uuid.UUID, payload []byte) {
	g.mu.RLock()
	set := g.byUser[userID]
	targets := make([]*Session, 0, len(set))
	for _, sess := range set {
		targets = append(targets, sess)
	}
	g.mu.RUnlock()

	for _, sess := range targets {
		if !sess.Enqueue(payload) {
			g.disconnect(sess, "send_buffer_full")
		}
	}
}

// sendTo writes an envelope to a single session.
func (g *Gateway) sendTo(sess *Session, env Envelope) {
	payload, err := json.Marshal(env)
	if err != nil {
		return
	}
	if !sess.Enqueue(payload) {
		g.disconnect(sess, "send_buffer_full")
	}
}

// replay emits notifications created since the client's last-seen time,
// clamped to the configured window. Older history lives behind the paged
// list endpoint.
func (g *Gateway) replay(ctx context.Context, sess *Session, sinceParam string) {
	since, err := time.Parse(time.RFC3339, sinceParam)
	if err != nil {
		g.sendTo(sess, Envelope{
			Event: EventError,
			Data:  map[string]string{"code": "invalid_since"},
		})
		return
	}

	floor := time.Now().Add(-g.config.ReplayWindow)
	if since.Before(floor) {
		since = floor
	}

	notifications, err := g.source.ListNotificationsSince(ctx, sess.UserID, since, replayLimit)
	if err != nil {
		g.logger.Warn("replay lookup failed",
			zap.String("user_id", sess.UserID.String()),
			zap.Error(err),
		)
		return
	}

	for _, notif := range notifications {
		g.sendTo(sess, Envelope{Event: EventNotificationNew, Data: notif})
	}

	g.logger.Debug("replayed notifications",
		zap.String("connection_id", sess.ID),
		zap.Int("count", len(notifications)),
	)
}

// LocalConnectionCount returns the number of sessions this instance owns.
func (g *Gateway) LocalConnectionCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.sessions)
}

// InstanceID returns this gateway's identity on the bus.
func (g *Gateway) InstanceID() string {
	return g.config.InstanceID
}
