package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// ErrBusUnavailable indicates the bus has no Redis backing it. Single
// instance deployments run this way; presence stays process-local.
var ErrBusUnavailable = errors.New("broadcast bus unavailable")

// busChannel is the shared pub/sub channel every gateway instance joins.
const busChannel = "pulse:bus"

// Bus event kinds.
const (
	EventPresenceJoined = "presence:joined"
	EventPresenceLeft   = "presence:left"
	EventRelay          = "relay"
)

// BusEvent is the wire format of the cross-instance broadcast channel.
// Presence events carry the session identity; relay events additionally
// carry a target instance and an opaque client message.
type BusEvent struct {
	Kind           string          `json:"kind"`
	UserID         string          `json:"user_id,omitempty"`
	ConnectionID   string          `json:"connection_id,omitempty"`
	InstanceID     string          `json:"instance_id"`
	TargetInstance string          `json:"target_instance,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
}

// Bus is the process-to-process broadcast channel, backed by Redis pub/sub.
// Every instance publishes its own session lifecycle events and subscribes
// to everyone's, including its own; no instance ever reaches into another's
// connections directly.
type Bus struct {
	client *Client
	logger *zap.Logger
}

// NewBus creates a broadcast bus on the shared Redis client.
func NewBus(client *Client, logger *zap.Logger) *Bus {
	return &Bus{
		client: client,
		logger: logger,
	}
}

// Publish sends an event to every subscribed instance.
func (b *Bus) Publish(ctx context.Context, ev BusEvent) error {
	if b.client == nil {
		return ErrBusUnavailable
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal bus event: %w", err)
	}

	if err := b.client.rdb.Publish(ctx, busChannel, data).Err(); err != nil {
		return fmt.Errorf("publish bus event: %w", err)
	}

	return nil
}

// Subscribe delivers every bus event to handler until ctx is cancelled.
// Malformed events are logged and dropped; the subscription survives them.
func (b *Bus) Subscribe(ctx context.Context, handler func(BusEvent)) error {
	if b.client == nil {
		return ErrBusUnavailable
	}

	sub := b.client.rdb.Subscribe(ctx, busChannel)

	// Confirm the subscription before returning so callers can publish
	// immediately after.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("subscribe to bus: %w", err)
	}

	go func() {
		defer func() { _ = sub.Close() }()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var ev BusEvent
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					b.logger.Warn("dropping malformed bus event", zap.Error(err))
					continue
				}
				handler(ev)
			}
		}
	}()

	b.logger.Info("subscribed to broadcast bus", zap.String("channel", busChannel))
	return nil
}
