package alert

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awscfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
	"go.uber.org/zap"
)

// SNSNotifier publishes batch summaries to an SNS topic.
type SNSNotifier struct {
	client   *sns.Client
	topicARN string
	logger   *zap.Logger
}

// NewSNSNotifier creates a notifier for the given topic.
func NewSNSNotifier(ctx context.Context, topicARN, region string, logger *zap.Logger) (*SNSNotifier, error) {
	cfg, err := awscfg.LoadDefaultConfig(ctx, awscfg.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return &SNSNotifier{
		client:   sns.NewFromConfig(cfg),
		topicARN: topicARN,
		logger:   logger,
	}, nil
}

// NewSNSNotifierWithEndpoint creates a notifier against a custom endpoint
// (for LocalStack).
func NewSNSNotifierWithEndpoint(ctx context.Context, topicARN, endpoint, region string, logger *zap.Logger) (*SNSNotifier, error) {
	cfg, err := awscfg.LoadDefaultConfig(ctx, awscfg.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	client := sns.NewFromConfig(cfg, func(o *sns.Options) {
		o.BaseEndpoint = aws.String(endpoint)
	})
	return &SNSNotifier{
		client:   client,
		topicARN: topicARN,
		logger:   logger,
	}, nil
}

type summaryMessage struct {
	Kind             string    `json:"kind"`
	DispatchIDs      []string  `json:"dispatch_ids"`
	FailedRecipients int       `json:"failed_recipients"`
	SentRecipients   int       `json:"sent_recipients"`
	Threshold        int       `json:"threshold"`
	OccurredAt       time.Time `json:"occurred_at"`
}

// NotifyBatchFailures publishes one summary message for the batch.
func (n *SNSNotifier) NotifyBatchFailures(ctx context.Context, s Summary) error {
	ids := make([]string, len(s.DispatchIDs))
	for i, id := range s.DispatchIDs {
		ids[i] = id.String()
	}

	payload, err := json.Marshal(summaryMessage{
		Kind:             "dispatch.batch_failures",
		DispatchIDs:      ids,
		FailedRecipients: s.FailedRecipient,
		SentRecipients:   s.SentRecipient,
		Threshold:        s.Threshold,
		OccurredAt:       time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal summary: %w", err)
	}

	result, err := n.client.Publish(ctx, &sns.PublishInput{
		TopicArn: aws.String(n.topicARN),
		Message:  aws.String(string(payload)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"kind": {
				DataType:    aws.String("String"),
				StringValue: aws.String("dispatch.batch_failures"),
			},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to publish to SNS: %w", err)
	}

	n.logger.Info("batch failure summary published",
		zap.String("message_id", aws.ToString(result.MessageId)),
		zap.Int("failed_recipients", s.FailedRecipient),
	)
	return nil
}
