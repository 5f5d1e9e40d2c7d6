package delivery

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lumenhq/pulse/internal/circuitbreaker"
	"github.com/lumenhq/pulse/internal/db"
	"github.com/lumenhq/pulse/internal/metrics"
	"github.com/lumenhq/pulse/internal/redis"
)

// Store is the subset of the repository the worker needs.
type Store interface {
	GetNotificationState(ctx context.Context, id uuid.UUID) (string, error)
	MarkChannelDelivered(ctx context.Context, notificationID uuid.UUID, channel string, attemptCount int) error
	MarkChannelFailed(ctx context.Context, notificationID uuid.UUID, channel string, attemptCount int, lastError string) error
	RecordChannelAttempt(ctx context.Context, attempt *db.DeliveryAttempt) error
}

// Config tunes the worker pool.
type Config struct {
	Workers     int
	MaxTries    int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	SendTimeout time.Duration
}

// Pool processes queued delivery tasks on a fixed set of workers. Every
// provider call goes through the idempotency store and a circuit-protected
// sender; transient failures are requeued with exponential backoff and full
// jitter, permanent rejections mark the channel failed.
type Pool struct {
	queue       Queue
	store       Store
	idempotency *redis.IdempotencyStore // nil when Redis is unavailable
	sender      Sender
	config      Config
	logger      *zap.Logger

	wg sync.WaitGroup
}

// NewPool creates a delivery worker pool.
func NewPool(queue Queue, store Store, idempotency *redis.IdempotencyStore, sender Sender, cfg Config, logger *zap.Logger) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.MaxTries <= 0 {
		cfg.MaxTries = 5
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = 1 * time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 2 * time.Minute
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 30 * time.Second
	}

	return &Pool{
		queue:       queue,
		store:       store,
		idempotency: idempotency,
		sender:      sender,
		config:      cfg,
		logger:      logger,
	}
}

// Start launches the workers. It returns immediately; Wait blocks until all
// workers have drained after ctx is cancelled.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.config.Workers; i++ {
		p.wg.Add(1)
		go func(id int) {
			defer p.wg.Done()
			p.run(ctx, id)
		}(i)
	}

	p.logger.Info("delivery workers started",
		zap.Int("workers", p.config.Workers),
		zap.Int("max_tries", p.config.MaxTries),
	)
}

// Wait blocks until every worker has exited.
func (p *Pool) Wait() {
	p.wg.Wait()
}

func (p *Pool) run(ctx context.Context, id int) {
	for {
		task, err := p.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				p.logger.Debug("delivery worker stopping", zap.Int("worker", id))
				return
			}
			p.logger.Warn("dequeue failed", zap.Error(err))
			continue
		}

		p.process(ctx, task)
	}
}

// process runs one delivery attempt end to end.
func (p *Pool) process(ctx context.Context, task *Task) {
	logger := p.logger.With(
		zap.String("notification_id", task.NotificationID.String()),
		zap.String("channel", task.Channel),
		zap.Int("attempt", task.Attempt),
	)

	// A notification independently marked read or suppressed no longer
	// needs this channel; drop the work.
	if state, err := p.store.GetNotificationState(ctx, task.NotificationID); err == nil {
		if state == db.StateRead || state == db.StateSuppressed {
			logger.Debug("delivery cancelled", zap.String("state", state))
			return
		}
	}

	key := redis.DeliveryKey(task.NotificationID.String(), task.Channel)

	if p.idempotency != nil {
		outcome, err := p.idempotency.CheckOrReserve(ctx, key, 0)
		switch {
		case errors.Is(err, redis.ErrInProgress):
			// Another worker owns this delivery right now.
			logger.Debug("delivery already in progress elsewhere")
			return
		case err != nil:
			// Degrade to at-least-once without the dedup guard.
			logger.Warn("idempotency check failed, proceeding", zap.Error(err))
		case outcome != nil && outcome.Result == db.AttemptDelivered:
			metrics.RecordIdempotencyHit()
			logger.Debug("delivery outcome already recorded, skipping provider")
			_ = p.store.MarkChannelDelivered(ctx, task.NotificationID, task.Channel, task.Attempt)
			return
		case outcome != nil:
			logger.Debug("terminal outcome already recorded", zap.String("result", outcome.Result))
			return
		}
	}

	sendCtx, cancel := context.WithTimeout(ctx, p.config.SendTimeout)
	err := p.sender.Send(sendCtx, task)
	cancel()

	switch {
	case err == nil:
		p.recordSuccess(ctx, task, key, logger)

	case errors.Is(err, circuitbreaker.ErrCircuitOpen):
		// Deferred, not attempted: the attempt counter does not advance.
		p.release(ctx, key)
		metrics.RecordChannelAttempt(task.Channel, "deferred_circuit_open")
		logger.Info("delivery deferred, circuit open")
		p.requeueAfter(ctx, task, p.backoff(task.Attempt))

	case IsPermanent(err):
		p.recordPermanentFailure(ctx, task, key, err, logger)

	default:
		p.retryOrFail(ctx, task, key, err, logger)
	}
}

func (p *Pool) recordSuccess(ctx context.Context, task *Task, key string, logger *zap.Logger) {
	if p.idempotency != nil {
		if err := p.idempotency.Store(ctx, key, &redis.Outcome{
			Result:         db.AttemptDelivered,
			NotificationID: task.NotificationID.String(),
			Channel:        task.Channel,
		}, redis.DeliveryOutcomeTTL); err != nil {
			logger.Warn("failed to record delivery outcome", zap.Error(err))
		}
	}

	if err := p.store.MarkChannelDelivered(ctx, task.NotificationID, task.Channel, task.Attempt+1); err != nil {
		logger.Error("failed to mark channel delivered", zap.Error(err))
	}

	metrics.RecordChannelAttempt(task.Channel, db.AttemptDelivered)
	metrics.RecordDeliveryLatency(task.Channel, task.Age())
	logger.Info("delivery succeeded")
}

func (p *Pool) recordPermanentFailure(ctx context.Context, task *Task, key string, cause error, logger *zap.Logger) {
	if p.idempotency != nil {
		if err := p.idempotency.Store(ctx, key, &redis.Outcome{
			Result:         db.AttemptFailed,
			NotificationID: task.NotificationID.String(),
			Channel:        task.Channel,
		}, redis.DeliveryOutcomeTTL); err != nil {
			logger.Warn("failed to record failure outcome", zap.Error(err))
		}
	}

	if err := p.store.MarkChannelFailed(ctx, task.NotificationID, task.Channel, task.Attempt+1, cause.Error()); err != nil {
		logger.Error("failed to mark channel failed", zap.Error(err))
	}

	metrics.RecordChannelAttempt(task.Channel, db.AttemptFailed)
	logger.Warn("delivery permanently rejected", zap.Error(cause))
}

func (p *Pool) retryOrFail(ctx context.Context, task *Task, key string, cause error, logger *zap.Logger) {
	p.release(ctx, key)

	nextAttempt := task.Attempt + 1
	if nextAttempt >= p.config.MaxTries {
		if err := p.store.MarkChannelFailed(ctx, task.NotificationID, task.Channel, nextAttempt, cause.Error()); err != nil {
			logger.Error("failed to mark channel failed", zap.Error(err))
		}
		metrics.RecordChannelAttempt(task.Channel, db.AttemptFailed)
		logger.Warn("delivery retries exhausted", zap.Error(cause))
		return
	}

	delay := p.backoff(nextAttempt)
	nextRetry := time.Now().Add(delay)
	errMsg := cause.Error()
	if err := p.store.RecordChannelAttempt(ctx, &db.DeliveryAttempt{
		NotificationID: task.NotificationID,
		Channel:        task.Channel,
		State:          db.AttemptPending,
		Attempt:        nextAttempt,
		ErrorMessage:   &errMsg,
		NextRetryAt:    &nextRetry,
	}); err != nil {
		logger.Warn("failed to record retry attempt", zap.Error(err))
	}

	logger.Info("delivery failed, retrying",
		zap.Error(cause),
		zap.Duration("delay", delay),
	)

	retry := *task
	retry.Attempt = nextAttempt
	p.requeueAfter(ctx, &retry, delay)
}

func (p *Pool) release(ctx context.Context, key string) {
	if p.idempotency == nil {
		return
	}
	if err := p.idempotency.Release(ctx, key); err != nil {
		p.logger.Warn("failed to release idempotency reservation", zap.Error(err))
	}
}

// requeueAfter re-enqueues the task once the delay elapses. The timer is
// abandoned if the pool shuts down first; a durable queue redelivers the
// task on the next start.
func (p *Pool) requeueAfter(ctx context.Context, task *Task, delay time.Duration) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()

		timer := time.NewTimer(delay)
		defer timer.Stop()

		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		if err := p.queue.Enqueue(ctx, task); err != nil {
			p.logger.Warn("failed to requeue task",
				zap.String("notification_id", task.NotificationID.String()),
				zap.Error(err),
			)
		}
	}()
}

// backoff returns an exponential delay with full jitter.
func (p *Pool) backoff(attempt int) time.Duration {
	d := p.config.BaseBackoff
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= p.config.MaxBackoff {
			d = p.config.MaxBackoff
			break
		}
	}

	jittered := time.Duration(rand.Int63n(int64(d) + 1))
	if jittered < 50*time.Millisecond {
		jittered = 50 * time.Millisecond
	}
	return jittered
}
