package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/switchboardhq/switchboard/internal/channel"
	"github.com/switchboardhq/switchboard/internal/db"
)

type fakeAdapter struct {
	id          uuid.UUID
	channelType string
	received    chan []byte
}

func newFakeAdapter(channelType string) *fakeAdapter {
	return &fakeAdapter{
		id:          uuid.New(),
		channelType: channelType,
		received:    make(chan []byte, 8),
	}
}

func (f *fakeAdapter) ID() uuid.UUID { return f.id }
func (f *fakeAdapter) Type() string  { return f.channelType }

func (f *fakeAdapter) SendMessage(ctx context.Context, req channel.SendRequest) channel.SendResult {
	return channel.SendResult{Success: true}
}

func (f *fakeAdapter) SendAttachment(ctx context.Context, att channel.Attachment) channel.SendResult {
	return channel.Unsupported("attachments")
}

func (f *fakeAdapter) ReceiveWebhook(ctx context.Context, raw []byte) channel.WebhookResult {
	f.received <- raw
	return channel.WebhookResult{Success: true, Processed: 1}
}

func (f *fakeAdapter) SetupWebhook(ctx context.Context) bool                  { return true }
func (f *fakeAdapter) ValidateCredentials(ctx context.Context) bool           { return true }
func (f *fakeAdapter) MarkAsRead(ctx context.Context, externalID string) bool { return false }

// fakeVerifierAdapter additionally answers the GET handshake.
type fakeVerifierAdapter struct {
	*fakeAdapter
	verifyToken string
}

func (f *fakeVerifierAdapter) VerifyChallenge(mode, token, challenge string) (string, bool) {
	if mode != "subscribe" || token != f.verifyToken {
		return "", false
	}
	return challenge, true
}

func webhookRouter(h *WebhookHandler) http.Handler {
	r := chi.NewRouter()
	r.Route("/webhooks", func(r chi.Router) {
		r.Get("/bot/{token}", h.VerifyBot)
		r.Post("/bot/{token}", h.ReceiveBot)
		r.Get("/{channelType}", h.Verify)
		r.Post("/{channelType}", h.Receive)
	})
	return r
}

func TestWebhookHandler_Verify_UnknownType(t *testing.T) {
	h := NewWebhookHandler(channel.NewRegistry(), nil, zap.NewNop())
	router := webhookRouter(h)

	req := httptest.NewRequest("GET", "/webhooks/direct", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestWebhookHandler_Verify_ChallengeEcho(t *testing.T) {
	registry := channel.NewRegistry()
	registry.Register(&fakeVerifierAdapter{
		fakeAdapter: newFakeAdapter(db.ChannelTypeDirect),
		verifyToken: "secret-token",
	})
	h := NewWebhookHandler(registry, nil, zap.NewNop())
	router := webhookRouter(h)

	req := httptest.NewRequest("GET",
		"/webhooks/direct?hub.mode=subscribe&hub.verify_token=secret-token&hub.challenge=12345", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Body.String() != "12345" {
		t.Errorf("expected challenge echoed, got %q", rec.Body.String())
	}
}

func TestWebhookHandler_Verify_TokenMismatch(t *testing.T) {
	registry := channel.NewRegistry()
	registry.Register(&fakeVerifierAdapter{
		fakeAdapter: newFakeAdapter(db.ChannelTypeDirect),
		verifyToken: "secret-token",
	})
	h := NewWebhookHandler(registry, nil, zap.NewNop())
	router := webhookRouter(h)

	req := httptest.NewRequest("GET",
		"/webhooks/direct?hub.mode=subscribe&hub.verify_token=wrong&hub.challenge=12345", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
	if rec.Body.Len() != 0 {
		t.Errorf("403 must carry no body, got %q", rec.Body.String())
	}
}

func TestWebhookHandler_Verify_NonVerifierChannel(t *testing.T) {
	registry := channel.NewRegistry()
	registry.Register(newFakeAdapter(db.ChannelTypeChat))
	h := NewWebhookHandler(registry, nil, zap.NewNop())
	router := webhookRouter(h)

	req := httptest.NewRequest("GET", "/webhooks/chat", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("channels without a handshake should answer 200, got %d", rec.Code)
	}
}

func TestWebhookHandler_Receive_FastAck(t *testing.T) {
	adapter := newFakeAdapter(db.ChannelTypeChat)
	registry := channel.NewRegistry()
	registry.Register(adapter)
	h := NewWebhookHandler(registry, nil, zap.NewNop())
	router := webhookRouter(h)

	payload := `{"events":[{"kind":"message","id":"m1"}]}`
	req := httptest.NewRequest("POST", "/webhooks/chat", strings.NewReader(payload))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	// Processing is asynchronous; the payload still reaches the adapter.
	select {
	case raw := <-adapter.received:
		if string(raw) != payload {
			t.Errorf("adapter got %q", raw)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("adapter never received the payload")
	}
}

func TestWebhookHandler_Receive_UnknownType(t *testing.T) {
	h := NewWebhookHandler(channel.NewRegistry(), nil, zap.NewNop())
	router := webhookRouter(h)

	req := httptest.NewRequest("POST", "/webhooks/chat", strings.NewReader("{}"))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestWebhookHandler_Bot_TokenRouting(t *testing.T) {
	adapter := newFakeAdapter(db.ChannelTypeBot)
	registry := channel.NewRegistry()
	registry.RegisterBotToken("tok-abc123", adapter)
	h := NewWebhookHandler(registry, nil, zap.NewNop())
	router := webhookRouter(h)

	req := httptest.NewRequest("GET", "/webhooks/bot/tok-abc123", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("known token probe should answer 200, got %d", rec.Code)
	}

	req = httptest.NewRequest("POST", "/webhooks/bot/tok-abc123", strings.NewReader(`{"update_id":1}`))
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}

	select {
	case <-adapter.received:
	case <-time.After(2 * time.Second):
		t.Fatal("bot adapter never received the payload")
	}
}

func TestWebhookHandler_Bot_UnknownToken(t *testing.T) {
	h := NewWebhookHandler(channel.NewRegistry(), nil, zap.NewNop())
	router := webhookRouter(h)

	req := httptest.NewRequest("POST", "/webhooks/bot/no-such-token", strings.NewReader("{}"))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown bot token must 404, got %d", rec.Code)
	}
}

func TestWebhookHandler_BotChannelID(t *testing.T) {
	adapter := newFakeAdapter(db.ChannelTypeBot)
	registry := channel.NewRegistry()
	registry.RegisterBotToken("tok-abc123", adapter)
	h := NewWebhookHandler(registry, nil, zap.NewNop())

	id, ok := h.BotChannelID("tok-abc123")
	if !ok || id != adapter.ID() {
		t.Errorf("expected adapter id, got %v %v", id, ok)
	}
	if _, ok := h.BotChannelID("other"); ok {
		t.Error("unknown token must not resolve")
	}
}
