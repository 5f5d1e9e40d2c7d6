package delivery

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"go.uber.org/zap"

	"github.com/lumenhq/pulse/internal/db"
)

// PushSender delivers push channel tasks via AWS SNS platform endpoints.
type PushSender struct {
	client *sns.Client
	logger *zap.Logger
}

type PushConfig struct {
	Region string
}

// NewPushSender creates an SNS-backed push sender.
func NewPushSender(ctx context.Context, cfg PushConfig, logger *zap.Logger) (*PushSender, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load default AWS config for SNS: %w", err)
	}

	return &PushSender{
		client: sns.NewFromConfig(awsCfg),
		logger: logger,
	}, nil
}

// Send publishes one push task to the device endpoint in the payload.
func (s *PushSender) Send(ctx context.Context, task *Task) error {
	if task.Channel != db.ChannelPush {
		return Permanent(fmt.Errorf("push sender only supports push, got: %s", task.Channel))
	}

	var payload PushPayload
	if err := json.Unmarshal(task.Payload, &payload); err != nil {
		return Permanent(fmt.Errorf("invalid push payload: %w", err))
	}

	if payload.TargetARN == "" {
		return Permanent(fmt.Errorf("push payload missing target_arn"))
	}
	if payload.Body == "" {
		return Permanent(fmt.Errorf("push payload missing body"))
	}

	message := payload.Body
	if payload.Title != "" {
		message = payload.Title + "\n" + payload.Body
	}

	input := &sns.PublishInput{
		TargetArn: aws.String(payload.TargetARN),
		Message:   aws.String(message),
	}

	result, err := s.client.Publish(ctx, input)
	if err != nil {
		return fmt.Errorf("sns publish failed: %w", err)
	}

	s.logger.Info("push sent via SNS",
		zap.String("notification_id", task.NotificationID.String()),
		zap.String("target_arn", payload.TargetARN),
		zap.String("message_id", *result.MessageId),
	)

	return nil
}

// SupportsChannel checks if this sender supports the push channel
func (s *PushSender) SupportsChannel(channel string) bool {
	return channel == db.ChannelPush
}
