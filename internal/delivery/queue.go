package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"go.uber.org/zap"
)

// Queue carries delivery tasks from the router to the worker pool.
type Queue interface {
	Enqueue(ctx context.Context, task *Task) error
	Dequeue(ctx context.Context) (*Task, error)
}

// MemoryQueue is the in-process queue used in single-instance deployments
// and tests. Multi-instance deployments use the SQS queue so tasks survive
// process crashes.
type MemoryQueue struct {
	tasks chan *Task
}

// NewMemoryQueue creates an in-process task queue.
func NewMemoryQueue(size int) *MemoryQueue {
	if size <= 0 {
		size = 1024
	}
	return &MemoryQueue{tasks: make(chan *Task, size)}
}

// Enqueue adds a task, blocking if the queue is full.
func (q *MemoryQueue) Enqueue(ctx context.Context, task *Task) error {
	if task.EnqueuedAt == 0 {
		task.EnqueuedAt = time.Now().UnixNano()
	}

	select {
	case q.tasks <- task:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dequeue blocks until a task is available or ctx is cancelled.
func (q *MemoryQueue) Dequeue(ctx context.Context) (*Task, error) {
	select {
	case task := <-q.tasks:
		return task, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Len returns the number of buffered tasks.
func (q *MemoryQueue) Len() int {
	return len(q.tasks)
}

// SQSQueue is a durable task queue on AWS SQS with long polling.
type SQSQueue struct {
	client   *sqs.Client
	queueURL string
	logger   *zap.Logger
}

type SQSConfig struct {
	Region   string
	QueueURL string
}

// NewSQSQueue creates a durable SQS-backed task queue.
func NewSQSQueue(ctx context.Context, cfg SQSConfig, logger *zap.Logger) (*SQSQueue, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	logger.Info("sqs delivery queue initialized",
		zap.String("queue_url", cfg.QueueURL),
	)

	return &SQSQueue{
		client:   sqs.NewFromConfig(awsCfg),
		queueURL: cfg.QueueURL,
		logger:   logger,
	}, nil
}

// Enqueue sends a task to SQS for asynchronous processing.
func (q *SQSQueue) Enqueue(ctx context.Context, task *Task) error {
	if task.EnqueuedAt == 0 {
		task.EnqueuedAt = time.Now().UnixNano()
	}

	body, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to marshal task: %w", err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(q.queueURL),
		MessageBody: aws.String(string(body)),
	}

	if _, err := q.client.SendMessage(ctx, input); err != nil {
		q.logger.Error("failed to send task to sqs",
			zap.Error(err),
			zap.String("notification_id", task.NotificationID.String()),
		)
		return fmt.Errorf("sqs send failed: %w", err)
	}

	return nil
}

// Dequeue receives one task with long polling. The message is deleted
// immediately; redelivery safety comes from the idempotency store, not from
// SQS visibility timeouts.
func (q *SQSQueue) Dequeue(ctx context.Context) (*Task, error) {
	for {
		input := &sqs.ReceiveMessageInput{
			QueueUrl:            aws.String(q.queueURL),
			MaxNumberOfMessages: 1,
			WaitTimeSeconds:     20,
			VisibilityTimeout:   60,
		}

		result, err := q.client.ReceiveMessage(ctx, input)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("sqs receive failed: %w", err)
		}

		if len(result.Messages) == 0 {
			continue
		}

		msg := result.Messages[0]

		var task Task
		if err := json.Unmarshal([]byte(*msg.Body), &task); err != nil {
			q.logger.Error("dropping malformed sqs task", zap.Error(err))
			q.delete(ctx, msg.ReceiptHandle)
			continue
		}

		q.delete(ctx, msg.ReceiptHandle)
		return &task, nil
	}
}

func (q *SQSQueue) delete(ctx context.Context, receiptHandle *string) {
	input := &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(q.queueURL),
		ReceiptHandle: receiptHandle,
	}
	if _, err := q.client.DeleteMessage(ctx, input); err != nil {
		q.logger.Warn("sqs delete failed", zap.Error(err))
	}
}
