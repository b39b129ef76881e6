// Package messenger implements the direct-message channel over a graph
// style API: push webhooks with a GET verification challenge, page-token
// authenticated sends.
package messenger

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/switchboardhq/switchboard/internal/channel"
	"github.com/switchboardhq/switchboard/internal/db"
	"github.com/switchboardhq/switchboard/internal/normalize"
)

// ChannelStore is the slice of persistence the adapter touches directly.
type ChannelStore interface {
	SetChannelStatus(ctx context.Context, id uuid.UUID, status string, lastError *string) error
}

// Config carries the adapter's construction inputs.
type Config struct {
	Channel     *db.Channel
	BaseURL     string // graph API base
	PageToken   string
	VerifyToken string // shared secret for the GET challenge
	PublicURL   string
	Timeout     time.Duration
}

// Adapter implements the Channel Contract for direct messaging.
type Adapter struct {
	ch          *db.Channel
	baseURL     string
	pageToken   string
	verifyToken string
	publicURL   string
	client      *http.Client
	pipeline    *normalize.Pipeline
	store       ChannelStore
	logger      *zap.Logger
}

// NewAdapter constructs the adapter. A missing page token or verify token
// is a configuration error and fails construction.
func NewAdapter(cfg Config, pipeline *normalize.Pipeline, store ChannelStore, logger *zap.Logger) (*Adapter, error) {
	if cfg.PageToken == "" {
		return nil, fmt.Errorf("direct-message channel requires a page token")
	}
	if cfg.VerifyToken == "" {
		return nil, fmt.Errorf("direct-message channel requires a verify token")
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 25 * time.Second
	}
	return &Adapter{
		ch:          cfg.Channel,
		baseURL:     cfg.BaseURL,
		pageToken:   cfg.PageToken,
		verifyToken: cfg.VerifyToken,
		publicURL:   cfg.PublicURL,
		client:      &http.Client{Timeout: timeout},
		pipeline:    pipeline,
		store:       store,
		logger:      logger,
	}, nil
}

func (a *Adapter) ID() uuid.UUID { return a.ch.ID }
func (a *Adapter) Type() string  { return db.ChannelTypeDirect }

// VerifyChallenge answers the platform's GET subscription check with the
// challenge when the shared secret matches.
func (a *Adapter) VerifyChallenge(mode, token, challenge string) (string, bool) {
	if mode != "subscribe" {
		return "", false
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(a.verifyToken)) != 1 {
		return "", false
	}
	return challenge, true
}

func (a *Adapter) post(ctx context.Context, path string, payload, out any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	endpoint := fmt.Sprintf("%s%s?access_token=%s", a.baseURL, path, url.QueryEscape(a.pageToken))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, _ = io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		preview := data
		if len(preview) > 1024 {
			preview = preview[:1024]
		}
		return fmt.Errorf("status %d: %s", resp.StatusCode, preview)
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// SendMessage sends a text or media message to a correspondent.
func (a *Adapter) SendMessage(ctx context.Context, req channel.SendRequest) channel.SendResult {
	message := map[string]any{}
	switch req.Type {
	case db.MessageTypeText, "":
		message["text"] = req.Body
	case db.MessageTypeImage, db.MessageTypeVideo, db.MessageTypeAudio, db.MessageTypeDocument:
		attachType := req.Type
		if attachType == db.MessageTypeDocument {
			attachType = "file"
		}
		message["attachment"] = map[string]any{
			"type":    attachType,
			"payload": map[string]any{"url": req.MediaURL, "is_reusable": true},
		}
	default:
		return channel.Unsupported("message type " + req.Type)
	}

	var resp struct {
		MessageID string `json:"message_id"`
	}
	err := a.post(ctx, "/me/messages", map[string]any{
		"recipient": map[string]string{"id": req.To},
		"message":   message,
	}, &resp)
	if err != nil {
		return channel.Failure(err)
	}

	return channel.SendResult{Success: true, ExternalID: resp.MessageID}
}

// SendAttachment reuses the media send path.
func (a *Adapter) SendAttachment(ctx context.Context, att channel.Attachment) channel.SendResult {
	return a.SendMessage(ctx, channel.SendRequest{
		To:       att.To,
		Type:     att.Type,
		MediaURL: att.URL,
		Caption:  att.Caption,
	})
}

type envelope struct {
	Entry []struct {
		Messaging []messagingEvent `json:"messaging"`
	} `json:"entry"`
}

type messagingEvent struct {
	Sender struct {
		ID string `json:"id"`
	} `json:"sender"`
	Timestamp int64 `json:"timestamp"`
	Message   *struct {
		MID         string `json:"mid"`
		Text        string `json:"text"`
		Attachments []struct {
			Type    string `json:"type"`
			Payload struct {
				URL string `json:"url"`
			} `json:"payload"`
		} `json:"attachments"`
	} `json:"message"`
	Delivery *struct {
		MIDs []string `json:"mids"`
	} `json:"delivery"`
	Read *struct {
		MIDs []string `json:"mids"`
	} `json:"read"`
}

// ReceiveWebhook processes one callback batch; each entry may carry
// several messaging events and bad ones are skipped individually.
func (a *Adapter) ReceiveWebhook(ctx context.Context, raw []byte) channel.WebhookResult {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		a.logger.Warn("malformed webhook payload", zap.Error(err))
		return channel.WebhookResult{Success: false, Err: "malformed payload"}
	}

	result := channel.WebhookResult{Success: true}
	for _, entry := range env.Entry {
		for _, ev := range entry.Messaging {
			if a.processEvent(ctx, ev) {
				result.Processed++
			} else {
				result.Skipped++
			}
		}
	}
	return result
}

func (a *Adapter) processEvent(ctx context.Context, ev messagingEvent) bool {
	switch {
	case ev.Message != nil:
		event := normalize.Event{
			SenderAddress: ev.Sender.ID,
			ExternalID:    ev.Message.MID,
			Body:          ev.Message.Text,
			Raw:           rawOf(ev),
		}
		if ev.Timestamp > 0 {
			event.Timestamp = time.UnixMilli(ev.Timestamp)
		}
		if len(ev.Message.Attachments) > 0 {
			att := ev.Message.Attachments[0]
			event.MediaURL = att.Payload.URL
			switch att.Type {
			case "image", "video", "audio":
				event.Type = att.Type
			default:
				event.Type = db.MessageTypeDocument
			}
		}
		outcome, err := a.pipeline.ProcessInbound(ctx, a.ch, event)
		if err != nil {
			a.logger.Error("event processing failed", zap.Error(err), zap.String("mid", ev.Message.MID))
			return false
		}
		return outcome == normalize.OutcomeIngested

	case ev.Delivery != nil:
		return a.advanceAll(ctx, ev.Delivery.MIDs, db.MessageStatusDelivered)

	case ev.Read != nil:
		return a.advanceAll(ctx, ev.Read.MIDs, db.MessageStatusRead)
	}
	return false
}

// advanceAll applies one delivery state to a batch of message ids and
// reports whether any row actually advanced.
func (a *Adapter) advanceAll(ctx context.Context, mids []string, status string) bool {
	var any bool
	for _, mid := range mids {
		advanced, err := a.pipeline.ProcessStatus(ctx, a.ch, mid, status)
		if err != nil {
			a.logger.Error("status processing failed", zap.Error(err), zap.String("mid", mid))
			continue
		}
		if advanced {
			any = true
		}
	}
	return any
}

// SetupWebhook subscribes the page to messaging events.
func (a *Adapter) SetupWebhook(ctx context.Context) bool {
	err := a.post(ctx, "/me/subscribed_apps", map[string]any{
		"subscribed_fields": []string{"messages", "message_deliveries", "message_reads"},
	}, nil)
	if err != nil {
		a.logger.Warn("webhook subscription failed", zap.Error(err))
		return false
	}
	return true
}

// ValidateCredentials performs a lightweight authenticated call.
func (a *Adapter) ValidateCredentials(ctx context.Context) bool {
	endpoint := fmt.Sprintf("%s/me?access_token=%s", a.baseURL, url.QueryEscape(a.pageToken))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return false
	}

	resp, err := a.client.Do(req)
	if err != nil {
		reason := err.Error()
		_ = a.store.SetChannelStatus(ctx, a.ch.ID, db.ChannelStatusError, &reason)
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		preview, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		reason := fmt.Sprintf("status %d: %s", resp.StatusCode, preview)
		_ = a.store.SetChannelStatus(ctx, a.ch.ID, db.ChannelStatusError, &reason)
		return false
	}

	if err := a.store.SetChannelStatus(ctx, a.ch.ID, db.ChannelStatusActive, nil); err != nil {
		a.logger.Error("failed to activate channel", zap.Error(err))
		return false
	}
	return true
}

// MarkAsRead signals mark_seen to the correspondent.
func (a *Adapter) MarkAsRead(ctx context.Context, externalID string) bool {
	// The graph API takes the correspondent, not a message id; the
	// externalID here is the sender's id recorded on the conversation.
	err := a.post(ctx, "/me/messages", map[string]any{
		"recipient":     map[string]string{"id": externalID},
		"sender_action": "mark_seen",
	}, nil)
	return err == nil
}

func rawOf(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}
