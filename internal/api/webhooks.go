package api

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/switchboardhq/switchboard/internal/channel"
	"github.com/switchboardhq/switchboard/internal/metrics"
	"github.com/switchboardhq/switchboard/internal/spool"
)

// maxWebhookBody bounds inbound callback bodies to 2 MiB.
const maxWebhookBody = 2 << 20

// webhookProcessTimeout bounds async processing of one callback.
const webhookProcessTimeout = 60 * time.Second

// WebhookHandler routes platform callbacks to channel adapters. Push
// platforms expect a fast 200 and retry aggressively on anything else,
// so processing errors are logged, never surfaced.
type WebhookHandler struct {
	registry *channel.Registry
	spooler  *spool.Producer // nil when the spool is not configured
	logger   *zap.Logger
}

// NewWebhookHandler creates the webhook router handler.
func NewWebhookHandler(registry *channel.Registry, spooler *spool.Producer, logger *zap.Logger) *WebhookHandler {
	return &WebhookHandler{
		registry: registry,
		spooler:  spooler,
		logger:   logger,
	}
}

// Verify handles GET /webhooks/{channelType}: the platform's subscription
// handshake. A verify-token mismatch answers 403 with no body.
func (h *WebhookHandler) Verify(w http.ResponseWriter, r *http.Request) {
	channelType := chi.URLParam(r, "channelType")
	adapter, ok := h.registry.ByType(channelType)
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	verifier, ok := adapter.(channel.Verifier)
	if !ok {
		// Channel family without a GET handshake.
		w.WriteHeader(http.StatusOK)
		return
	}

	q := r.URL.Query()
	response, ok := verifier.VerifyChallenge(
		q.Get("hub.mode"),
		q.Get("hub.verify_token"),
		q.Get("hub.challenge"),
	)
	if !ok {
		metrics.RecordWebhook(channelType, "verify_rejected")
		w.WriteHeader(http.StatusForbidden)
		return
	}

	metrics.RecordWebhook(channelType, "verified")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(response))
}

// Receive handles POST /webhooks/{channelType}.
func (h *WebhookHandler) Receive(w http.ResponseWriter, r *http.Request) {
	channelType := chi.URLParam(r, "channelType")
	adapter, ok := h.registry.ByType(channelType)
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	h.ack(w, r, adapter)
}

// VerifyBot handles GET /webhooks/bot/{token}. Bot platforms have no GET
// handshake; the route exists so registration probes get a clean 200.
func (h *WebhookHandler) VerifyBot(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.registry.ByBotToken(chi.URLParam(r, "token")); !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// ReceiveBot handles POST /webhooks/bot/{token}. An unknown or inactive
// token is 404; the token is the only authentication on this route.
func (h *WebhookHandler) ReceiveBot(w http.ResponseWriter, r *http.Request) {
	adapter, ok := h.registry.ByBotToken(chi.URLParam(r, "token"))
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	h.ack(w, r, adapter)
}

// ack reads the body, acknowledges the platform, and hands the payload to
// the spool or an inline goroutine.
func (h *WebhookHandler) ack(w http.ResponseWriter, r *http.Request, adapter channel.Channel) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		h.logger.Warn("failed to read webhook body", zap.Error(err))
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	w.WriteHeader(http.StatusOK)

	if h.spooler != nil {
		if err := h.spooler.Enqueue(r.Context(), adapter.ID(), raw); err == nil {
			metrics.RecordWebhook(adapter.Type(), "spooled")
			return
		}
		// Spool down: fall through to inline processing rather than drop.
		h.logger.Warn("spool enqueue failed, processing inline",
			zap.String("channel_id", adapter.ID().String()))
	}

	go h.process(adapter, raw)
}

func (h *WebhookHandler) process(adapter channel.Channel, raw []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), webhookProcessTimeout)
	defer cancel()

	res := adapter.ReceiveWebhook(ctx, raw)
	if !res.Success {
		metrics.RecordWebhook(adapter.Type(), "failed")
		h.logger.Warn("webhook processing failed",
			zap.String("channel_id", adapter.ID().String()),
			zap.String("channel_type", adapter.Type()),
			zap.String("error", res.Err),
		)
		return
	}

	metrics.RecordWebhook(adapter.Type(), "processed")
	h.logger.Debug("webhook processed",
		zap.String("channel_id", adapter.ID().String()),
		zap.Int("processed", res.Processed),
		zap.Int("skipped", res.Skipped),
	)
}

// BotChannelID exposes the adapter id for a bot token, for tests and
// operator tooling.
func (h *WebhookHandler) BotChannelID(token string) (uuid.UUID, bool) {
	adapter, ok := h.registry.ByBotToken(token)
	if !ok {
		return uuid.Nil, false
	}
	return adapter.ID(), true
}
