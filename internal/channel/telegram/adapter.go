// Package telegram implements the bot channel. Callbacks carry the bot
// token in the URL path rather than a signature header, so routing maps
// tokens back to channels before dispatching here.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/switchboardhq/switchboard/internal/channel"
	"github.com/switchboardhq/switchboard/internal/db"
	"github.com/switchboardhq/switchboard/internal/normalize"
)

// ChannelStore is the slice of persistence the adapter needs.
type ChannelStore interface {
	SetChannelStatus(ctx context.Context, id uuid.UUID, status string, lastError *string) error
}

// Config carries the adapter's construction inputs.
type Config struct {
	Channel   *db.Channel
	BaseURL   string // bot API base, e.g. https://api.telegram.org
	Token     string
	PublicURL string
	Timeout   time.Duration
}

// Adapter implements the Channel Contract for the bot API.
type Adapter struct {
	ch        *db.Channel
	baseURL   string
	token     string
	publicURL string
	client    *http.Client
	pipeline  *normalize.Pipeline
	store     ChannelStore
	logger    *zap.Logger
}

// NewAdapter constructs the adapter. An empty bot token fails construction.
func NewAdapter(cfg Config, pipeline *normalize.Pipeline, store ChannelStore, logger *zap.Logger) (*Adapter, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("bot channel requires a token")
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 25 * time.Second
	}
	return &Adapter{
		ch:        cfg.Channel,
		baseURL:   cfg.BaseURL,
		token:     cfg.Token,
		publicURL: cfg.PublicURL,
		client:    &http.Client{Timeout: timeout},
		pipeline:  pipeline,
		store:     store,
		logger:    logger,
	}, nil
}

func (a *Adapter) ID() uuid.UUID { return a.ch.ID }
func (a *Adapter) Type() string  { return db.ChannelTypeBot }

// Token returns the bot token used to route callbacks to this adapter.
func (a *Adapter) Token() string { return a.token }

type apiResponse struct {
	OK          bool            `json:"ok"`
	Description string          `json:"description"`
	Result      json.RawMessage `json:"result"`
}

func (a *Adapter) call(ctx context.Context, method string, payload any, result any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	endpoint := fmt.Sprintf("%s/bot%s/%s", a.baseURL, a.token, method)
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

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var parsed apiResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return fmt.Errorf("decode response (status %d): %w", resp.StatusCode, err)
	}
	if !parsed.OK {
		return fmt.Errorf("%s failed: %s", method, parsed.Description)
	}
	if result != nil {
		if err := json.Unmarshal(parsed.Result, result); err != nil {
			return fmt.Errorf("decode result: %w", err)
		}
	}
	return nil
}

type sentMessage struct {
	MessageID int64 `json:"message_id"`
}

// SendMessage sends text, media or a location to a chat.
func (a *Adapter) SendMessage(ctx context.Context, req channel.SendRequest) channel.SendResult {
	var (
		method  string
		payload map[string]any
	)
	switch req.Type {
	case db.MessageTypeText, "":
		method = "sendMessage"
		payload = map[string]any{"chat_id": req.To, "text": req.Body}
	case db.MessageTypeImage:
		method = "sendPhoto"
		payload = map[string]any{"chat_id": req.To, "photo": req.MediaURL, "caption": req.Caption}
	case db.MessageTypeVideo:
		method = "sendVideo"
		payload = map[string]any{"chat_id": req.To, "video": req.MediaURL, "caption": req.Caption}
	case db.MessageTypeAudio:
		method = "sendAudio"
		payload = map[string]any{"chat_id": req.To, "audio": req.MediaURL, "caption": req.Caption}
	case db.MessageTypeDocument:
		method = "sendDocument"
		payload = map[string]any{"chat_id": req.To, "document": req.MediaURL, "caption": req.Caption}
	case db.MessageTypeLocation:
		lat, errLat := strconv.ParseFloat(req.Metadata["latitude"], 64)
		lng, errLng := strconv.ParseFloat(req.Metadata["longitude"], 64)
		if errLat != nil || errLng != nil {
			return channel.Failure(fmt.Errorf("location message missing coordinates"))
		}
		method = "sendLocation"
		payload = map[string]any{"chat_id": req.To, "latitude": lat, "longitude": lng}
	default:
		return channel.Unsupported("message type " + req.Type)
	}

	var sent sentMessage
	if err := a.call(ctx, method, payload, &sent); err != nil {
		return channel.Failure(err)
	}
	return channel.SendResult{Success: true, ExternalID: strconv.FormatInt(sent.MessageID, 10)}
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

type update struct {
	UpdateID int64 `json:"update_id"`
	Message  *struct {
		MessageID int64 `json:"message_id"`
		From      struct {
			ID        int64  `json:"id"`
			FirstName string `json:"first_name"`
			LastName  string `json:"last_name"`
			Username  string `json:"username"`
		} `json:"from"`
		Chat struct {
			ID int64 `json:"id"`
		} `json:"chat"`
		Date     int64  `json:"date"`
		Text     string `json:"text"`
		Caption  string `json:"caption"`
		Photo    []file `json:"photo"`
		Video    *file  `json:"video"`
		Voice    *file  `json:"voice"`
		Audio    *file  `json:"audio"`
		Document *struct {
			file
			FileName string `json:"file_name"`
		} `json:"document"`
		Location *struct {
			Latitude  float64 `json:"latitude"`
			Longitude float64 `json:"longitude"`
		} `json:"location"`
		ReplyToMessage *struct {
			MessageID int64 `json:"message_id"`
		} `json:"reply_to_message"`
	} `json:"message"`
}

type file struct {
	FileID string `json:"file_id"`
}

// ReceiveWebhook processes one update. The bot API delivers a single
// update per callback.
func (a *Adapter) ReceiveWebhook(ctx context.Context, raw []byte) channel.WebhookResult {
	var upd update
	if err := json.Unmarshal(raw, &upd); err != nil {
		a.logger.Warn("malformed update payload", zap.Error(err))
		return channel.WebhookResult{Success: false, Err: "malformed payload"}
	}
	if upd.Message == nil {
		// Edited messages, channel posts and other update kinds are ignored.
		return channel.WebhookResult{Success: true, Skipped: 1}
	}

	msg := upd.Message
	name := msg.From.FirstName
	if msg.From.LastName != "" {
		name += " " + msg.From.LastName
	}
	if name == "" {
		name = msg.From.Username
	}

	event := normalize.Event{
		SenderAddress: strconv.FormatInt(msg.Chat.ID, 10),
		SenderName:    name,
		ExternalID:    strconv.FormatInt(msg.MessageID, 10),
		Body:          msg.Text,
		Caption:       msg.Caption,
		Raw:           rawOf(upd),
	}
	if msg.Date > 0 {
		event.Timestamp = time.Unix(msg.Date, 0)
	}
	if msg.ReplyToMessage != nil {
		event.ReplyTo = strconv.FormatInt(msg.ReplyToMessage.MessageID, 10)
	}

	switch {
	case len(msg.Photo) > 0:
		event.Type = db.MessageTypeImage
		event.MediaURL = msg.Photo[len(msg.Photo)-1].FileID
	case msg.Video != nil:
		event.Type = db.MessageTypeVideo
		event.MediaURL = msg.Video.FileID
	case msg.Voice != nil:
		event.Type = db.MessageTypeAudio
		event.MediaURL = msg.Voice.FileID
	case msg.Audio != nil:
		event.Type = db.MessageTypeAudio
		event.MediaURL = msg.Audio.FileID
	case msg.Document != nil:
		event.Type = db.MessageTypeDocument
		event.MediaURL = msg.Document.FileID
		event.Filename = msg.Document.FileName
	case msg.Location != nil:
		event.Type = db.MessageTypeLocation
		event.Lat = msg.Location.Latitude
		event.Lng = msg.Location.Longitude
	}

	outcome, err := a.pipeline.ProcessInbound(ctx, a.ch, event)
	if err != nil {
		a.logger.Error("update processing failed", zap.Error(err),
			zap.Int64("update_id", upd.UpdateID))
		return channel.WebhookResult{Success: false, Err: err.Error()}
	}
	if outcome == normalize.OutcomeIngested {
		return channel.WebhookResult{Success: true, Processed: 1}
	}
	return channel.WebhookResult{Success: true, Skipped: 1}
}

// SetupWebhook registers the token-addressed callback URL.
func (a *Adapter) SetupWebhook(ctx context.Context) bool {
	callback := fmt.Sprintf("%s/webhooks/bot/%s", a.publicURL, a.token)
	if err := a.call(ctx, "setWebhook", map[string]any{"url": callback}, nil); err != nil {
		a.logger.Warn("webhook registration failed", zap.Error(err))
		return false
	}
	return true
}

// ValidateCredentials checks the token with getMe.
func (a *Adapter) ValidateCredentials(ctx context.Context) bool {
	var me struct {
		ID       int64  `json:"id"`
		Username string `json:"username"`
	}
	if err := a.call(ctx, "getMe", map[string]any{}, &me); err != nil {
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

// MarkAsRead is not part of the bot API surface.
func (a *Adapter) MarkAsRead(ctx context.Context, externalID string) bool {
	return false
}

func rawOf(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}
