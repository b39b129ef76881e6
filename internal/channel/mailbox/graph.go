package mailbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/switchboardhq/switchboard/internal/db"
)

// TokenSource hands out a valid OAuth access token for a channel.
type TokenSource interface {
	AccessToken(ctx context.Context, channelID uuid.UUID) (string, error)
}

// graphProvider talks to a Microsoft-graph style REST mailbox API.
type graphProvider struct {
	baseURL string
	ch      *db.Channel
	tokens  TokenSource
	client  *http.Client
	logger  *zap.Logger
}

func newGraphProvider(cfg ProviderConfig, ch *db.Channel, tokens TokenSource, logger *zap.Logger) *graphProvider {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &graphProvider{
		baseURL: cfg.BaseURL,
		ch:      ch,
		tokens:  tokens,
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

func (g *graphProvider) do(ctx context.Context, method, path string, payload, out any) error {
	token, err := g.tokens.AccessToken(ctx, g.ch.ID)
	if err != nil {
		return fmt.Errorf("get access token: %w", err)
	}

	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal payload: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, g.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		preview := data
		if len(preview) > 1024 {
			preview = preview[:1024]
		}
		return fmt.Errorf("status %d: %s", resp.StatusCode, preview)
	}
	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

func (g *graphProvider) Send(ctx context.Context, mail OutboundMail) (string, error) {
	payload := map[string]any{
		"message": map[string]any{
			"subject": mail.Subject,
			"body":    map[string]any{"contentType": "Text", "content": mail.Body},
			"toRecipients": []map[string]any{
				{"emailAddress": map[string]string{"address": mail.To}},
			},
		},
		"saveToSentItems": true,
	}
	if err := g.do(ctx, http.MethodPost, "/me/sendMail", payload, nil); err != nil {
		return "", err
	}
	// sendMail returns 202 with no body; the provider id surfaces on the
	// next poll via the sent-items thread. Callers treat empty as unknown.
	return "", nil
}

type graphMessage struct {
	ID   string `json:"id"`
	From struct {
		EmailAddress struct {
			Address string `json:"address"`
			Name    string `json:"name"`
		} `json:"emailAddress"`
	} `json:"from"`
	Subject           string    `json:"subject"`
	BodyPreview       string    `json:"bodyPreview"`
	ConversationID    string    `json:"conversationId"`
	InternetMessageID string    `json:"internetMessageId"`
	ReceivedDateTime  time.Time `json:"receivedDateTime"`
	HasAttachments    bool      `json:"hasAttachments"`
	Body              struct {
		Content string `json:"content"`
	} `json:"body"`
	UniqueBody struct {
		Content string `json:"content"`
	} `json:"uniqueBody"`
	ReplyTo []struct {
		EmailAddress struct {
			Address string `json:"address"`
		} `json:"emailAddress"`
	} `json:"replyTo"`
	InReplyTo string `json:"inReplyTo"`
}

func (g *graphProvider) Fetch(ctx context.Context, since time.Time, limit int) ([]InboundMail, error) {
	filter := url.QueryEscape(fmt.Sprintf("receivedDateTime gt %s", since.UTC().Format(time.RFC3339)))
	path := fmt.Sprintf("/me/mailFolders/inbox/messages?$filter=%s&$orderby=receivedDateTime&$top=%d", filter, limit)

	var resp struct {
		Value []graphMessage `json:"value"`
	}
	if err := g.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, fmt.Errorf("fetch inbox: %w", err)
	}

	out := make([]InboundMail, 0, len(resp.Value))
	for _, m := range resp.Value {
		body := m.UniqueBody.Content
		if body == "" {
			body = m.Body.Content
		}
		out = append(out, InboundMail{
			ExternalID: m.InternetMessageID,
			From:       m.From.EmailAddress.Address,
			FromName:   m.From.EmailAddress.Name,
			Subject:    m.Subject,
			Body:       body,
			ThreadID:   m.ConversationID,
			InReplyTo:  m.InReplyTo,
			ReceivedAt: m.ReceivedDateTime,
			HasAttach:  m.HasAttachments,
		})
	}
	return out, nil
}

func (g *graphProvider) MarkRead(ctx context.Context, externalID string) error {
	path := "/me/messages/" + url.PathEscape(externalID)
	return g.do(ctx, http.MethodPatch, path, map[string]any{"isRead": true}, nil)
}

func (g *graphProvider) Healthy(ctx context.Context) error {
	var me struct {
		Mail string `json:"mail"`
	}
	return g.do(ctx, http.MethodGet, "/me", nil, &me)
}
