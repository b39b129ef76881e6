// Package teamchat implements the enterprise-chat channel: webhook
// inbound with a shared-secret verification handshake, and media assets
// that are fetched from the platform behind a bearer token.
package teamchat

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
	"github.com/switchboardhq/switchboard/internal/retry"
)

// maxAssetSize bounds fetched attachments to 32 MiB.
const maxAssetSize = 32 << 20

// ChannelStore is the slice of persistence the adapter needs.
type ChannelStore interface {
	SetChannelStatus(ctx context.Context, id uuid.UUID, status string, lastError *string) error
}

// Config carries the adapter's construction inputs.
type Config struct {
	Channel     *db.Channel
	BaseURL     string
	Token       string
	VerifyToken string
	PublicURL   string
	Timeout     time.Duration
	Retry       retry.Policy
}

// Adapter implements the Channel Contract for enterprise chat.
type Adapter struct {
	ch          *db.Channel
	baseURL     string
	token       string
	verifyToken string
	publicURL   string
	client      *http.Client
	retry       retry.Policy
	pipeline    *normalize.Pipeline
	store       ChannelStore
	logger      *zap.Logger
}

// NewAdapter constructs the adapter.
func NewAdapter(cfg Config, pipeline *normalize.Pipeline, store ChannelStore, logger *zap.Logger) (*Adapter, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("enterprise-chat channel requires an API token")
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	policy := cfg.Retry
	if policy.MaxAttempts == 0 {
		policy = retry.Default()
	}
	return &Adapter{
		ch:          cfg.Channel,
		baseURL:     cfg.BaseURL,
		token:       cfg.Token,
		verifyToken: cfg.VerifyToken,
		publicURL:   cfg.PublicURL,
		client:      &http.Client{Timeout: timeout},
		retry:       policy,
		pipeline:    pipeline,
		store:       store,
		logger:      logger,
	}, nil
}

func (a *Adapter) ID() uuid.UUID { return a.ch.ID }
func (a *Adapter) Type() string  { return db.ChannelTypeTeamChat }

// VerifyChallenge answers the platform's GET handshake.
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

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+a.token)
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

type sendResponse struct {
	MessageID string `json:"message_id"`
}

// SendMessage posts a message to a room or user.
func (a *Adapter) SendMessage(ctx context.Context, req channel.SendRequest) channel.SendResult {
	payload := map[string]any{"to": req.To}
	switch req.Type {
	case db.MessageTypeText, "":
		payload["type"] = "text"
		payload["text"] = req.Body
	case db.MessageTypeImage, db.MessageTypeVideo, db.MessageTypeAudio, db.MessageTypeDocument:
		payload["type"] = "file"
		payload["file_url"] = req.MediaURL
		payload["caption"] = req.Caption
	default:
		return channel.Unsupported("message type " + req.Type)
	}

	var resp sendResponse
	if err := a.post(ctx, "/v1/messages", payload, &resp); err != nil {
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

// FetchAsset downloads a platform-hosted attachment. The platform rate
// limits asset reads aggressively, so the fetch runs under the shared
// backoff policy: 429 and 5xx back off and retry, 404 fails immediately.
func (a *Adapter) FetchAsset(ctx context.Context, assetURL string) ([]byte, error) {
	var body []byte
	err := a.retry.Do(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, assetURL, nil)
		if err != nil {
			return retry.Permanent(fmt.Errorf("build request: %w", err))
		}
		req.Header.Set("Authorization", "Bearer "+a.token)

		resp, err := a.client.Do(req)
		if err != nil {
			return fmt.Errorf("asset request failed: %w", err)
		}
		defer resp.Body.Close()

		if err := retry.ClassifyHTTPStatus(resp.StatusCode); err != nil {
			return err
		}

		body, err = io.ReadAll(io.LimitReader(resp.Body, maxAssetSize))
		if err != nil {
			return fmt.Errorf("read asset body: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("fetch asset: %w", err)
	}
	return body, nil
}

type webhookEvent struct {
	Kind      string `json:"kind"` // "message" or "status"
	MessageID string `json:"message_id"`
	From      struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"from"`
	RoomID    string `json:"room_id"`
	Timestamp int64  `json:"timestamp"`
	Text      string `json:"text"`
	Status    string `json:"status"`
	Asset     *struct {
		URL      string `json:"url"`
		Kind     string `json:"kind"`
		Filename string `json:"filename"`
		Caption  string `json:"caption"`
	} `json:"asset"`
	ThreadID string `json:"thread_id"`
}

type webhookEnvelope struct {
	Events []webhookEvent `json:"events"`
}

// ReceiveWebhook processes a callback batch; bad events are skipped
// individually.
func (a *Adapter) ReceiveWebhook(ctx context.Context, raw []byte) channel.WebhookResult {
	var env webhookEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		a.logger.Warn("malformed webhook payload", zap.Error(err))
		return channel.WebhookResult{Success: false, Err: "malformed payload"}
	}

	result := channel.WebhookResult{Success: true}
	for _, ev := range env.Events {
		if a.processEvent(ctx, ev) {
			result.Processed++
		} else {
			result.Skipped++
		}
	}
	return result
}

func (a *Adapter) processEvent(ctx context.Context, ev webhookEvent) bool {
	switch ev.Kind {
	case "message":
		event := normalize.Event{
			SenderAddress: ev.From.ID,
			SenderName:    ev.From.Name,
			ExternalID:    ev.MessageID,
			Body:          ev.Text,
			ThreadID:      ev.ThreadID,
			Raw:           rawOf(ev),
		}
		if ev.Timestamp > 0 {
			event.Timestamp = time.Unix(ev.Timestamp, 0)
		}
		if ev.Asset != nil {
			// The platform URL needs the bot's bearer token; store the
			// gateway proxy URL so downstream readers can fetch it.
			event.MediaURL = a.assetProxyURL(ev.Asset.URL)
			event.Filename = ev.Asset.Filename
			event.Caption = ev.Asset.Caption
			switch ev.Asset.Kind {
			case "image", "video", "audio":
				event.Type = ev.Asset.Kind
			default:
				event.Type = db.MessageTypeDocument
			}
		}
		outcome, err := a.pipeline.ProcessInbound(ctx, a.ch, event)
		if err != nil {
			a.logger.Error("event processing failed", zap.Error(err),
				zap.String("message_id", ev.MessageID))
			return false
		}
		return outcome == normalize.OutcomeIngested

	case "status":
		if ev.MessageID == "" || ev.Status == "" {
			return false
		}
		advanced, err := a.pipeline.ProcessStatus(ctx, a.ch, ev.MessageID, ev.Status)
		if err != nil {
			a.logger.Error("status processing failed", zap.Error(err),
				zap.String("message_id", ev.MessageID))
			return false
		}
		return advanced
	}
	return false
}

func (a *Adapter) assetProxyURL(assetURL string) string {
	return fmt.Sprintf("%s/v1/channels/%s/asset?url=%s",
		a.publicURL, a.ch.ID, url.QueryEscape(assetURL))
}

// SetupWebhook registers the callback URL with the platform.
func (a *Adapter) SetupWebhook(ctx context.Context) bool {
	err := a.post(ctx, "/v1/webhooks", map[string]any{
		"url":          a.publicURL + "/webhooks/teamchat",
		"verify_token": a.verifyToken,
	}, nil)
	if err != nil {
		a.logger.Warn("webhook registration failed", zap.Error(err))
		return false
	}
	return true
}

// ValidateCredentials performs a lightweight authenticated call.
func (a *Adapter) ValidateCredentials(ctx context.Context) bool {
	var resp struct {
		BotID string `json:"bot_id"`
	}
	if err := a.post(ctx, "/v1/whoami", map[string]any{}, &resp); err != nil {
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

// MarkAsRead acknowledges a message on the platform, best effort.
func (a *Adapter) MarkAsRead(ctx context.Context, externalID string) bool {
	err := a.post(ctx, "/v1/messages/ack", map[string]any{"message_id": externalID}, nil)
	return err == nil
}

func rawOf(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}
