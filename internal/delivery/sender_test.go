package delivery

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"go.uber.org/zap"

	"github.com/lumenhq/pulse/internal/circuitbreaker"
	"github.com/lumenhq/pulse/internal/db"
)

func TestPermanentError(t *testing.T) {
	base := errors.New("bad payload")
	wrapped := Permanent(base)

	if !IsPermanent(wrapped) {
		t.Fatal("expected wrapped error to be permanent")
	}
	if !errors.Is(wrapped, base) {
		t.Fatal("expected wrapped error to unwrap to the cause")
	}
	if IsPermanent(base) {
		t.Fatal("plain error must not be permanent")
	}
	if IsPermanent(fmt.Errorf("outer: %w", base)) {
		t.Fatal("wrapping a plain error must not make it permanent")
	}
	if !IsPermanent(fmt.Errorf("outer: %w", wrapped)) {
		t.Fatal("permanence must survive further wrapping")
	}
	if Permanent(nil) != nil {
		t.Fatal("Permanent(nil) must be nil")
	}
}

type channelSender struct {
	channel string
	err     error
	calls   int
}

func (s *channelSender) Send(ctx context.Context, task *Task) error {
	s.calls++
	return s.err
}

func (s *channelSender) SupportsChannel(channel string) bool {
	return channel == s.channel
}

func TestMultiSender_RoutesByChannel(t *testing.T) {
	email := &channelSender{channel: db.ChannelEmail}
	push := &channelSender{channel: db.ChannelPush}
	multi := NewMultiSender(zap.NewNop(), email, push)

	if err := multi.Send(context.Background(), testTask(db.ChannelPush)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if push.calls != 1 || email.calls != 0 {
		t.Fatalf("push calls = %d, email calls = %d", push.calls, email.calls)
	}
}

func TestMultiSender_UnknownChannelIsPermanent(t *testing.T) {
	multi := NewMultiSender(zap.NewNop(), &channelSender{channel: db.ChannelEmail})

	err := multi.Send(context.Background(), testTask("carrier_pigeon"))
	if !IsPermanent(err) {
		t.Fatalf("expected permanent rejection, got: %v", err)
	}
}

func TestMultiSender_SupportsChannel(t *testing.T) {
	multi := NewMultiSender(zap.NewNop(), &channelSender{channel: db.ChannelEmail})

	if !multi.SupportsChannel(db.ChannelEmail) {
		t.Fatal("should support email")
	}
	if multi.SupportsChannel(db.ChannelPush) {
		t.Fatal("should not support push")
	}
}

func TestLogSender_AcceptsConfiguredChannels(t *testing.T) {
	sender := NewLogSender(zap.NewNop(), db.ChannelEmail, db.ChannelPush)

	if !sender.SupportsChannel(db.ChannelEmail) || !sender.SupportsChannel(db.ChannelPush) {
		t.Fatal("configured channels should be supported")
	}
	if sender.SupportsChannel(db.ChannelSocket) {
		t.Fatal("unconfigured channel should not be supported")
	}
	if err := sender.Send(context.Background(), testTask(db.ChannelEmail)); err != nil {
		t.Fatalf("log sender must not fail: %v", err)
	}
}

func TestProtectedSender_PassesThrough(t *testing.T) {
	inner := &channelSender{channel: db.ChannelEmail}
	cb := circuitbreaker.New(circuitbreaker.Config{Name: "test", MaxFailures: 5}, zap.NewNop())
	ps := NewProtectedSender(inner, cb, zap.NewNop())

	if err := ps.Send(context.Background(), testTask(db.ChannelEmail)); err != nil {
		t.Fatalf("unexpected: %v", err)
	}
	if inner.calls != 1 {
		t.Fatalf("calls = %d", inner.calls)
	}
}

func TestProtectedSender_FailFastWhenOpen(t *testing.T) {
	inner := &channelSender{channel: db.ChannelEmail, err: errors.New("down")}
	cb := circuitbreaker.New(circuitbreaker.Config{Name: "test", MaxFailures: 2}, zap.NewNop())
	ps := NewProtectedSender(inner, cb, zap.NewNop())

	task := testTask(db.ChannelEmail)
	_ = ps.Send(context.Background(), task)
	_ = ps.Send(context.Background(), task)

	inner.calls = 0
	err := ps.Send(context.Background(), task)
	if !errors.Is(err, circuitbreaker.ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got: %v", err)
	}
	if inner.calls != 0 {
		t.Fatalf("provider called %d times while circuit open", inner.calls)
	}
}

func TestProtectedSender_PermanentRejectionDoesNotTrip(t *testing.T) {
	inner := &channelSender{channel: db.ChannelEmail, err: Permanent(errors.New("bad address"))}
	cb := circuitbreaker.New(circuitbreaker.Config{Name: "test", MaxFailures: 2}, zap.NewNop())
	ps := NewProtectedSender(inner, cb, zap.NewNop())

	task := testTask(db.ChannelEmail)
	for i := 0; i < 5; i++ {
		err := ps.Send(context.Background(), task)
		if !IsPermanent(err) {
			t.Fatalf("expected permanent error, got: %v", err)
		}
	}

	// The provider answered every time; the circuit stays closed.
	if cb.GetState() != circuitbreaker.StateClosed {
		t.Fatalf("state = %s, want closed", cb.GetState())
	}
}
