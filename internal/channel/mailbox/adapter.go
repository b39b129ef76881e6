package mailbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/switchboardhq/switchboard/internal/channel"
	"github.com/switchboardhq/switchboard/internal/db"
	"github.com/switchboardhq/switchboard/internal/normalize"
)

// Defaults for a poll pass.
const (
	defaultFetchLimit  = 50
	defaultPassCeiling = 45 * time.Second
)

// ChannelStore is the slice of persistence the adapter needs.
type ChannelStore interface {
	SetChannelStatus(ctx context.Context, id uuid.UUID, status string, lastError *string) error
	TouchChannelSync(ctx context.Context, id uuid.UUID, at time.Time) error
}

// Config carries the adapter's construction inputs.
type Config struct {
	Channel     *db.Channel
	Provider    ProviderConfig
	PassCeiling time.Duration
}

// Adapter implements the Channel Contract for mail. Inbound arrives
// through PollOnce rather than webhooks.
type Adapter struct {
	ch          *db.Channel
	provider    Provider
	pipeline    *normalize.Pipeline
	store       ChannelStore
	passCeiling time.Duration
	logger      *zap.Logger
}

// NewAdapter builds the adapter. An unsupported provider name fails
// construction via the provider factory.
func NewAdapter(ctx context.Context, cfg Config, pipeline *normalize.Pipeline, store ChannelStore, tokens TokenSource, logger *zap.Logger) (*Adapter, error) {
	provider, err := NewProvider(ctx, cfg.Provider, cfg.Channel, tokens, logger)
	if err != nil {
		return nil, err
	}
	ceiling := cfg.PassCeiling
	if ceiling == 0 {
		ceiling = defaultPassCeiling
	}
	return &Adapter{
		ch:          cfg.Channel,
		provider:    provider,
		pipeline:    pipeline,
		store:       store,
		passCeiling: ceiling,
		logger:      logger,
	}, nil
}

func (a *Adapter) ID() uuid.UUID { return a.ch.ID }
func (a *Adapter) Type() string  { return db.ChannelTypeMailbox }

// SendMessage sends a mail. The subject comes from request metadata and
// falls back to a body-derived line.
func (a *Adapter) SendMessage(ctx context.Context, req channel.SendRequest) channel.SendResult {
	if req.Type != "" && req.Type != db.MessageTypeText {
		return channel.Unsupported("message type " + req.Type)
	}

	subject := req.Metadata["subject"]
	if subject == "" {
		subject = subjectFromBody(req.Body)
	}

	externalID, err := a.provider.Send(ctx, OutboundMail{
		To:      req.To,
		Subject: subject,
		Body:    req.Body,
	})
	if err != nil {
		return channel.Failure(err)
	}
	return channel.SendResult{Success: true, ExternalID: externalID}
}

// SendAttachment is not supported by the mail providers here.
func (a *Adapter) SendAttachment(ctx context.Context, att channel.Attachment) channel.SendResult {
	return channel.Unsupported("attachments")
}

// ReceiveWebhook is a no-op; mail is a poll channel.
func (a *Adapter) ReceiveWebhook(ctx context.Context, raw []byte) channel.WebhookResult {
	return channel.WebhookResult{Success: false, Err: "mailbox channels do not receive webhooks"}
}

// PollOnce fetches and ingests new mail. A pass stops at the wall-clock
// ceiling; whatever remains is picked up by the next pass because the
// sync cursor only advances past ingested messages.
func (a *Adapter) PollOnce(ctx context.Context) error {
	since := time.Now().Add(-24 * time.Hour)
	if a.ch.LastSyncAt != nil {
		since = *a.ch.LastSyncAt
	}

	mails, err := a.provider.Fetch(ctx, since, defaultFetchLimit)
	if err != nil {
		if errors.Is(err, channel.ErrUnsupportedProvider) {
			return nil
		}
		reason := err.Error()
		_ = a.store.SetChannelStatus(ctx, a.ch.ID, db.ChannelStatusError, &reason)
		return fmt.Errorf("poll mailbox: %w", err)
	}

	deadline := time.Now().Add(a.passCeiling)
	cursor := since
	var ingested int
	for _, mail := range mails {
		if time.Now().After(deadline) {
			a.logger.Info("poll pass ceiling reached",
				zap.String("channel_id", a.ch.ID.String()),
				zap.Int("deferred", len(mails)-ingested))
			break
		}

		event := normalize.Event{
			SenderAddress: mail.From,
			SenderName:    mail.FromName,
			ExternalID:    mail.ExternalID,
			Timestamp:     mail.ReceivedAt,
			Type:          db.MessageTypeText,
			Body:          mail.Body,
			Subject:       mail.Subject,
			ThreadID:      mail.ThreadID,
			ReplyTo:       mail.InReplyTo,
		}
		outcome, err := a.pipeline.ProcessInbound(ctx, a.ch, event)
		if err != nil {
			a.logger.Error("mail ingestion failed", zap.Error(err),
				zap.String("external_id", mail.ExternalID))
			break
		}
		ingested++
		if mail.ReceivedAt.After(cursor) {
			cursor = mail.ReceivedAt
		}
		if outcome == normalize.OutcomeIngested {
			if err := a.provider.MarkRead(ctx, mail.ExternalID); err != nil {
				a.logger.Debug("mark read failed", zap.Error(err))
			}
		}
	}

	if cursor.After(since) {
		if err := a.store.TouchChannelSync(ctx, a.ch.ID, cursor); err != nil {
			return fmt.Errorf("advance sync cursor: %w", err)
		}
		a.ch.LastSyncAt = &cursor
	}
	return nil
}

// SetupWebhook is a no-op for a poll channel and reports success.
func (a *Adapter) SetupWebhook(ctx context.Context) bool { return true }

// ValidateCredentials checks the provider and records the outcome on the
// channel row.
func (a *Adapter) ValidateCredentials(ctx context.Context) bool {
	if err := a.provider.Healthy(ctx); err != nil {
		reason := err.Error()
		_ = a.store.SetChannelStatus(ctx, a.ch.ID, db.ChannelStatusError, &reason)
		return false
	}
	if err := a.store.SetChannelStatus(ctx, a.ch.ID, db.ChannelStatusActive, nil); err != nil {
		a.logger.Error("failed to activate channel", zap.Error(err))
		return false
	}
	return true
}

// MarkAsRead flags the provider message read.
func (a *Adapter) MarkAsRead(ctx context.Context, externalID string) bool {
	return a.provider.MarkRead(ctx, externalID) == nil
}

func subjectFromBody(body string) string {
	const max = 60
	for i, r := range body {
		if r == '\n' || i >= max {
			return body[:i]
		}
	}
	return body
}
