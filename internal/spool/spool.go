// Package spool buffers raw webhook bodies on SQS so the HTTP handler
// can acknowledge the platform immediately and normalization happens off
// the request path. Enabled only when a queue URL is configured.
package spool

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awscfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/switchboardhq/switchboard/internal/channel"
)

// Config holds SQS spool configuration.
type Config struct {
	Region   string
	QueueURL string
}

// Envelope is the queued webhook payload.
type Envelope struct {
	ChannelID  uuid.UUID       `json:"channel_id"`
	Body       json.RawMessage `json:"body"`
	EnqueuedAt int64           `json:"enqueued_at"`
}

// Producer enqueues webhook bodies.
type Producer struct {
	client   *sqs.Client
	queueURL string
	logger   *zap.Logger
}

// NewProducer creates a spool producer.
func NewProducer(ctx context.Context, cfg Config, logger *zap.Logger) (*Producer, error) {
	awsCfg, err := awscfg.LoadDefaultConfig(ctx, awscfg.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	logger.Info("webhook spool producer initialized",
		zap.String("queue_url", cfg.QueueURL),
	)

	return &Producer{
		client:   sqs.NewFromConfig(awsCfg),
		queueURL: cfg.QueueURL,
		logger:   logger,
	}, nil
}

// Enqueue spools one raw webhook body for a channel.
func (p *Producer) Enqueue(ctx context.Context, channelID uuid.UUID, raw []byte) error {
	body, err := json.Marshal(Envelope{
		ChannelID:  channelID,
		Body:       raw,
		EnqueuedAt: time.Now().UnixNano(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}

	_, err = p.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
	})
	if err != nil {
		p.logger.Error("failed to spool webhook",
			zap.Error(err),
			zap.String("channel_id", channelID.String()),
		)
		return fmt.Errorf("sqs send failed: %w", err)
	}
	return nil
}

// Registry resolves a channel adapter by id.
type Registry interface {
	ByID(id uuid.UUID) (channel.Channel, bool)
}

// Consumer drains the spool and routes bodies into adapters.
type Consumer struct {
	client   *sqs.Client
	queueURL string
	registry Registry
	logger   *zap.Logger
}

// NewConsumer creates a spool consumer.
func NewConsumer(ctx context.Context, cfg Config, registry Registry, logger *zap.Logger) (*Consumer, error) {
	awsCfg, err := awscfg.LoadDefaultConfig(ctx, awscfg.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	logger.Info("webhook spool consumer initialized",
		zap.String("queue_url", cfg.QueueURL),
	)

	return &Consumer{
		client:   sqs.NewFromConfig(awsCfg),
		queueURL: cfg.QueueURL,
		registry: registry,
		logger:   logger,
	}, nil
}

// Run long-polls the queue until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) {
	c.logger.Info("webhook spool consumer started")
	for {
		if ctx.Err() != nil {
			c.logger.Info("webhook spool consumer stopped")
			return
		}
		if err := c.receiveOne(ctx); err != nil && ctx.Err() == nil {
			c.logger.Error("spool receive failed", zap.Error(err))
			time.Sleep(2 * time.Second)
		}
	}
}

func (c *Consumer) receiveOne(ctx context.Context) error {
	result, err := c.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(c.queueURL),
		MaxNumberOfMessages: 1,
		WaitTimeSeconds:     20,
		VisibilityTimeout:   60,
	})
	if err != nil {
		return fmt.Errorf("sqs receive failed: %w", err)
	}
	if len(result.Messages) == 0 {
		return nil
	}

	msg := result.Messages[0]
	var env Envelope
	if err := json.Unmarshal([]byte(aws.ToString(msg.Body)), &env); err != nil {
		// A body that cannot parse will never parse; drop it.
		c.logger.Error("invalid spool envelope, deleting", zap.Error(err))
		return c.delete(ctx, aws.ToString(msg.ReceiptHandle))
	}

	adapter, ok := c.registry.ByID(env.ChannelID)
	if !ok {
		// Channel disconnected after spooling; nothing to route to.
		c.logger.Warn("spooled webhook for unknown channel, deleting",
			zap.String("channel_id", env.ChannelID.String()))
		return c.delete(ctx, aws.ToString(msg.ReceiptHandle))
	}

	res := adapter.ReceiveWebhook(ctx, env.Body)
	if !res.Success {
		// Leave the message; it becomes visible again and retries.
		c.logger.Warn("spooled webhook processing failed",
			zap.String("channel_id", env.ChannelID.String()),
			zap.String("error", res.Err))
		return nil
	}

	c.logger.Debug("spooled webhook processed",
		zap.String("channel_id", env.ChannelID.String()),
		zap.Int("processed", res.Processed),
		zap.Int("skipped", res.Skipped))
	return c.delete(ctx, aws.ToString(msg.ReceiptHandle))
}

func (c *Consumer) delete(ctx context.Context, receiptHandle string) error {
	_, err := c.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.queueURL),
		ReceiptHandle: aws.String(receiptHandle),
	})
	if err != nil {
		return fmt.Errorf("sqs delete failed: %w", err)
	}
	return nil
}
