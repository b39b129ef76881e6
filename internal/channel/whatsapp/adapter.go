package whatsapp

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/switchboardhq/switchboard/internal/channel"
	"github.com/switchboardhq/switchboard/internal/db"
	"github.com/switchboardhq/switchboard/internal/normalize"
	"github.com/switchboardhq/switchboard/internal/resolver"
)

const privacyIDSuffix = "@lid"

// ChannelStore is the slice of persistence the adapter touches directly.
type ChannelStore interface {
	SetChannelStatus(ctx context.Context, id uuid.UUID, status string, lastError *string) error
}

// Adapter implements the Channel Contract for the chat-messaging family
// over an interchangeable provider driver.
type Adapter struct {
	ch        *db.Channel
	driver    Driver
	pipeline  *normalize.Pipeline
	resolver  *resolver.Resolver
	store     ChannelStore
	publicURL string
	logger    *zap.Logger
}

// Config wires an adapter from its collaborators.
type Config struct {
	Channel   *db.Channel
	Driver    DriverConfig
	PublicURL string // base URL this deployment is reachable at
}

// NewAdapter constructs the adapter, selecting the provider driver by the
// channel's explicit discriminator. Construction fails on unsupported
// providers.
func NewAdapter(cfg Config, pipeline *normalize.Pipeline, res *resolver.Resolver, store ChannelStore, logger *zap.Logger) (*Adapter, error) {
	driver, err := NewDriver(cfg.Driver, logger)
	if err != nil {
		return nil, err
	}
	return &Adapter{
		ch:        cfg.Channel,
		driver:    driver,
		pipeline:  pipeline,
		resolver:  res,
		store:     store,
		publicURL: cfg.PublicURL,
		logger:    logger,
	}, nil
}

func (a *Adapter) ID() uuid.UUID { return a.ch.ID }
func (a *Adapter) Type() string  { return db.ChannelTypeChat }

// resolveRecipient converts an opaque privacy id into the stable address
// the driver needs. ok is false when the mapping is not known yet.
func (a *Adapter) resolveRecipient(ctx context.Context, to string) (string, bool) {
	if !strings.HasSuffix(to, privacyIDSuffix) {
		return to, true
	}
	if !a.driver.SupportsPrivacyID() {
		return "", false
	}
	return a.resolver.ResolveToAddress(ctx, to)
}

// SendMessage sends one message through the provider driver.
func (a *Adapter) SendMessage(ctx context.Context, req channel.SendRequest) channel.SendResult {
	to, ok := a.resolveRecipient(ctx, req.To)
	if !ok {
		return channel.SendResult{Success: false, Err: "recipient identifier not resolved yet"}
	}

	var externalID string
	var err error
	switch req.Type {
	case db.MessageTypeText, "":
		externalID, err = a.driver.SendText(ctx, to, req.Body)
	case db.MessageTypeImage:
		externalID, err = a.driver.SendImage(ctx, to, req.MediaURL, req.Caption)
	case db.MessageTypeVideo:
		externalID, err = a.driver.SendVideo(ctx, to, req.MediaURL, req.Caption)
	case db.MessageTypeAudio:
		externalID, err = a.driver.SendAudio(ctx, to, req.MediaURL)
	case db.MessageTypeDocument:
		externalID, err = a.driver.SendDocument(ctx, to, req.MediaURL, req.Caption)
	case db.MessageTypeLocation:
		lat, lng := parseLatLng(req.Body)
		externalID, err = a.driver.SendLocation(ctx, to, lat, lng)
	default:
		return channel.Unsupported("message type " + req.Type)
	}
	if err != nil {
		a.logger.Warn("send failed",
			zap.Error(err),
			zap.String("channel_id", a.ch.ID.String()),
			zap.String("type", req.Type),
		)
		return channel.Failure(err)
	}

	return channel.SendResult{Success: true, ExternalID: externalID}
}

// SendAttachment delivers a standalone binary through the matching send
// primitive.
func (a *Adapter) SendAttachment(ctx context.Context, att channel.Attachment) channel.SendResult {
	to, ok := a.resolveRecipient(ctx, att.To)
	if !ok {
		return channel.SendResult{Success: false, Err: "recipient identifier not resolved yet"}
	}

	var externalID string
	var err error
	switch att.Type {
	case db.MessageTypeImage:
		externalID, err = a.driver.SendImage(ctx, to, att.URL, att.Caption)
	case db.MessageTypeVideo:
		externalID, err = a.driver.SendVideo(ctx, to, att.URL, att.Caption)
	case db.MessageTypeAudio:
		externalID, err = a.driver.SendAudio(ctx, to, att.URL)
	case db.MessageTypeDocument:
		externalID, err = a.driver.SendDocument(ctx, to, att.URL, att.Filename)
	default:
		return channel.Unsupported("attachment type " + att.Type)
	}
	if err != nil {
		return channel.Failure(err)
	}

	return channel.SendResult{Success: true, ExternalID: externalID}
}

// webhookEnvelope is the provider callback batch. One POST may carry any
// number of logical events.
type webhookEnvelope struct {
	Events []webhookEvent `json:"events"`
}

type webhookEvent struct {
	Kind      string  `json:"kind"` // "message" or "status"
	ID        string  `json:"id"`
	From      string  `json:"from"`
	Phone     string  `json:"phone,omitempty"` // stable address when the transport reveals it
	PushName  string  `json:"pushName,omitempty"`
	Timestamp int64   `json:"timestamp,omitempty"`
	Text      string  `json:"text,omitempty"`
	Status    string  `json:"status,omitempty"`
	Media     *struct {
		URL      string `json:"url"`
		Filename string `json:"filename,omitempty"`
		Caption  string `json:"caption,omitempty"`
	} `json:"media,omitempty"`
	Location *struct {
		Latitude  float64 `json:"latitude"`
		Longitude float64 `json:"longitude"`
	} `json:"location,omitempty"`
}

// ReceiveWebhook normalizes one callback batch. Malformed sub-events are
// skipped so a single bad event cannot drop the rest of the batch.
func (a *Adapter) ReceiveWebhook(ctx context.Context, raw []byte) channel.WebhookResult {
	var envelope webhookEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		a.logger.Warn("malformed webhook payload",
			zap.Error(err),
			zap.String("channel_id", a.ch.ID.String()),
		)
		return channel.WebhookResult{Success: false, Err: "malformed payload"}
	}

	result := channel.WebhookResult{Success: true}
	for _, ev := range envelope.Events {
		switch ev.Kind {
		case "message":
			outcome, err := a.processMessage(ctx, ev)
			if err != nil {
				a.logger.Error("event processing failed",
					zap.Error(err),
					zap.String("channel_id", a.ch.ID.String()),
					zap.String("external_id", ev.ID),
				)
				result.Skipped++
				continue
			}
			if outcome == normalize.OutcomeIngested {
				result.Processed++
			} else {
				result.Skipped++
			}
		case "status":
			advanced, err := a.pipeline.ProcessStatus(ctx, a.ch, ev.ID, ev.Status)
			if err != nil || !advanced {
				result.Skipped++
				continue
			}
			result.Processed++
		default:
			result.Skipped++
		}
	}

	return result
}

func (a *Adapter) processMessage(ctx context.Context, ev webhookEvent) (normalize.Outcome, error) {
	sender := ev.From

	if strings.HasSuffix(ev.From, privacyIDSuffix) {
		if ev.Phone != "" {
			// The transport revealed both identifiers; learn the pair.
			if err := a.resolver.Learn(ctx, ev.From, ev.Phone); err != nil {
				a.logger.Warn("failed to learn identifier mapping", zap.Error(err))
			}
			sender = ev.Phone
		} else if address, ok := a.resolver.ResolveToAddress(ctx, ev.From); ok {
			sender = address
		}
		// Unresolved with no revealed address: the opaque id stands in
		// until the mapping is learned from later traffic.
	}

	event := normalize.Event{
		SenderAddress: sender,
		SenderName:    ev.PushName,
		ExternalID:    ev.ID,
		Body:          ev.Text,
		Raw:           mustMarshal(ev),
	}
	if ev.Timestamp > 0 {
		event.Timestamp = time.Unix(ev.Timestamp, 0)
	}
	if ev.Media != nil {
		event.MediaURL = ev.Media.URL
		event.Filename = ev.Media.Filename
		event.Caption = ev.Media.Caption
	}
	if ev.Location != nil {
		event.Lat = ev.Location.Latitude
		event.Lng = ev.Location.Longitude
	}

	return a.pipeline.ProcessInbound(ctx, a.ch, event)
}

// SetupWebhook (re)registers the callback URL with the provider.
func (a *Adapter) SetupWebhook(ctx context.Context) bool {
	callbackURL := a.publicURL + "/webhooks/" + db.ChannelTypeChat
	if err := a.driver.RegisterWebhook(ctx, callbackURL); err != nil {
		a.logger.Warn("webhook registration failed",
			zap.Error(err),
			zap.String("channel_id", a.ch.ID.String()),
		)
		return false
	}
	return true
}

// ValidateCredentials checks the driver session and transitions the
// channel's status.
func (a *Adapter) ValidateCredentials(ctx context.Context) bool {
	status, err := a.driver.Status(ctx)
	if err != nil {
		reason := err.Error()
		if stErr := a.store.SetChannelStatus(ctx, a.ch.ID, db.ChannelStatusError, &reason); stErr != nil {
			a.logger.Error("failed to flag channel", zap.Error(stErr))
		}
		return false
	}
	if !status.Connected {
		reason := "provider session not connected"
		_ = a.store.SetChannelStatus(ctx, a.ch.ID, db.ChannelStatusError, &reason)
		return false
	}

	if err := a.store.SetChannelStatus(ctx, a.ch.ID, db.ChannelStatusActive, nil); err != nil {
		a.logger.Error("failed to activate channel", zap.Error(err))
		return false
	}

	a.logger.Info("credentials validated",
		zap.String("channel_id", a.ch.ID.String()),
		zap.String("phone", status.Phone),
	)
	return true
}

// MarkAsRead is best-effort; providers without the primitive yield false.
func (a *Adapter) MarkAsRead(ctx context.Context, externalID string) bool {
	if err := a.driver.MarkRead(ctx, externalID); err != nil {
		return false
	}
	return true
}

func parseLatLng(body string) (float64, float64) {
	var loc struct {
		Latitude  float64 `json:"latitude"`
		Longitude float64 `json:"longitude"`
	}
	if err := json.Unmarshal([]byte(body), &loc); err != nil {
		return 0, 0
	}
	return loc.Latitude, loc.Longitude
}

func mustMarshal(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}
