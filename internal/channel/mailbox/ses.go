package mailbox

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awscfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
	"go.uber.org/zap"

	"github.com/switchboardhq/switchboard/internal/channel"
)

// sesProvider sends outbound mail through AWS SES. It has no inbound
// surface; channels on it are outbound only.
type sesProvider struct {
	client *ses.Client
	from   string
	logger *zap.Logger
}

func newSESProvider(ctx context.Context, cfg ProviderConfig, logger *zap.Logger) (*sesProvider, error) {
	awsCfg, err := awscfg.LoadDefaultConfig(ctx, awscfg.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load default AWS config: %w", err)
	}
	return &sesProvider{
		client: ses.NewFromConfig(awsCfg),
		from:   cfg.Address,
		logger: logger,
	}, nil
}

func (s *sesProvider) Send(ctx context.Context, mail OutboundMail) (string, error) {
	if mail.To == "" {
		return "", fmt.Errorf("mail missing recipient")
	}
	if mail.Subject == "" {
		return "", fmt.Errorf("mail missing subject")
	}

	input := &ses.SendEmailInput{
		Source: aws.String(s.from),
		Destination: &types.Destination{
			ToAddresses: []string{mail.To},
		},
		Message: &types.Message{
			Subject: &types.Content{
				Data:    aws.String(mail.Subject),
				Charset: aws.String("UTF-8"),
			},
			Body: &types.Body{
				Text: &types.Content{
					Data:    aws.String(mail.Body),
					Charset: aws.String("UTF-8"),
				},
			},
		},
	}

	result, err := s.client.SendEmail(ctx, input)
	if err != nil {
		return "", fmt.Errorf("ses send failed: %w", err)
	}

	s.logger.Info("mail sent via SES",
		zap.String("to", mail.To),
		zap.String("message_id", aws.ToString(result.MessageId)),
	)
	return aws.ToString(result.MessageId), nil
}

func (s *sesProvider) Fetch(ctx context.Context, since time.Time, limit int) ([]InboundMail, error) {
	return nil, fmt.Errorf("inbound mail: %w", channel.ErrUnsupportedProvider)
}

func (s *sesProvider) MarkRead(ctx context.Context, externalID string) error {
	return fmt.Errorf("mark read: %w", channel.ErrUnsupportedProvider)
}

func (s *sesProvider) Healthy(ctx context.Context) error {
	_, err := s.client.GetSendQuota(ctx, &ses.GetSendQuotaInput{})
	if err != nil {
		return fmt.Errorf("ses quota check failed: %w", err)
	}
	return nil
}
