package delivery

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
	"go.uber.org/zap"

	"github.com/lumenhq/pulse/internal/db"
)

// EmailSender delivers email channel tasks via AWS SES.
type EmailSender struct {
	client *ses.Client
	from   string
	logger *zap.Logger
}

type EmailConfig struct {
	Region    string
	FromEmail string
}

// NewEmailSender creates an SES-backed email sender.
func NewEmailSender(ctx context.Context, cfg EmailConfig, logger *zap.Logger) (*EmailSender, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load default AWS config: %w", err)
	}

	return &EmailSender{
		client: ses.NewFromConfig(awsCfg),
		from:   cfg.FromEmail,
		logger: logger,
	}, nil
}

// Send dispatches one email task. Payload validation failures are permanent;
// SES errors are transient and retried by the worker.
func (s *EmailSender) Send(ctx context.Context, task *Task) error {
	if task.Channel != db.ChannelEmail {
		return Permanent(fmt.Errorf("email sender only supports email, got: %s", task.Channel))
	}

	var payload EmailPayload
	if err := json.Unmarshal(task.Payload, &payload); err != nil {
		return Permanent(fmt.Errorf("invalid email payload: %w", err))
	}

	if payload.To == "" {
		return Permanent(fmt.Errorf("email payload missing 'to' field"))
	}
	if payload.Subject == "" {
		return Permanent(fmt.Errorf("email payload missing 'subject' field"))
	}
	if payload.Body == "" {
		return Permanent(fmt.Errorf("email payload missing 'body' field"))
	}

	input := &ses.SendEmailInput{
		Source: aws.String(s.from),
		Destination: &types.Destination{
			ToAddresses: []string{payload.To},
		},
		Message: &types.Message{
			Subject: &types.Content{
				Data:    aws.String(payload.Subject),
				Charset: aws.String("UTF-8"),
			},
			Body: &types.Body{
				Text: &types.Content{
					Data:    aws.String(payload.Body),
					Charset: aws.String("UTF-8"),
				},
			},
		},
	}

	result, err := s.client.SendEmail(ctx, input)
	if err != nil {
		return fmt.Errorf("ses send failed: %w", err)
	}

	s.logger.Info("email sent via SES",
		zap.String("notification_id", task.NotificationID.String()),
		zap.String("to", payload.To),
		zap.String("message_id", *result.MessageId),
	)

	return nil
}

// SupportsChannel checks if this sender supports the email channel
func (s *EmailSender) SupportsChannel(channel string) bool {
	return channel == db.ChannelEmail
}
