package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/switchboardhq/switchboard/internal/channel"
	"github.com/switchboardhq/switchboard/internal/db"
	"github.com/switchboardhq/switchboard/internal/metrics"
	"github.com/switchboardhq/switchboard/internal/redis"
)

// GatewayStore defines the persistence operations the API needs.
type GatewayStore interface {
	CreateChannel(ctx context.Context, ch *db.Channel) error
	GetChannel(ctx context.Context, id uuid.UUID) (*db.Channel, error)
	DisconnectChannel(ctx context.Context, id uuid.UUID) error
	UpsertCredential(ctx context.Context, cred *db.Credential) error
	ListConversations(ctx context.Context, channelID uuid.UUID, limit, offset int) ([]*db.Conversation, error)
	ListMessages(ctx context.Context, conversationID uuid.UUID, limit, offset int) ([]*db.Message, error)
	CreateDispatch(ctx context.Context, d *db.ScheduledDispatch) error
	GetDispatch(ctx context.Context, id uuid.UUID) (*db.ScheduledDispatch, error)
	ListDispatches(ctx context.Context, accountID uuid.UUID, limit, offset int) ([]*db.ScheduledDispatch, error)
}

// Connector turns a persisted channel row into a live registered adapter.
// The HTTP layer stays thin; adapter construction happens behind this.
type Connector interface {
	Connect(ctx context.Context, ch *db.Channel) error
	Disconnect(channelID uuid.UUID)
}

// AssetFetcher is implemented by adapters whose media URLs require
// platform credentials to read; the gateway proxies those assets for
// downstream consumers.
type AssetFetcher interface {
	FetchAsset(ctx context.Context, assetURL string) ([]byte, error)
}

// ErrorResponse represents an error in problem+json format
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Handler holds dependencies for the operator API.
type Handler struct {
	logger      *zap.Logger
	store       GatewayStore
	registry    *channel.Registry
	connector   Connector
	idempotency *redis.IdempotencyService // nil if Redis not configured
}

// NewHandler creates the operator API handler.
func NewHandler(logger *zap.Logger, store GatewayStore, registry *channel.Registry, connector Connector, idempotency *redis.IdempotencyService) *Handler {
	return &Handler{
		logger:      logger,
		store:       store,
		registry:    registry,
		connector:   connector,
		idempotency: idempotency,
	}
}

// ConnectChannelRequest is the body for POST /v1/channels.
type ConnectChannelRequest struct {
	AccountID  string        `json:"account_id"`
	Type       string        `json:"type"`
	Provider   string        `json:"provider"`
	BotToken   string        `json:"bot_token,omitempty"`
	Credential db.Credential `json:"credential"`
}

// ConnectChannel handles POST /v1/channels: persist the channel and its
// credential, then bring the adapter up.
func (h *Handler) ConnectChannel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req ConnectChannelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	accountID, err := uuid.Parse(req.AccountID)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid account_id", "account_id must be a valid UUID")
		return
	}

	switch req.Type {
	case db.ChannelTypeChat, db.ChannelTypeDirect, db.ChannelTypeBot, db.ChannelTypeMailbox, db.ChannelTypeTeamChat:
	default:
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid channel type",
			"type must be one of: chat, direct, bot, mailbox, teamchat")
		return
	}

	ch := &db.Channel{
		ID:        uuid.New(),
		AccountID: accountID,
		Type:      req.Type,
		Provider:  req.Provider,
		Status:    db.ChannelStatusActive,
	}
	if req.BotToken != "" {
		ch.BotToken = &req.BotToken
	}

	if err := h.store.CreateChannel(ctx, ch); err != nil {
		h.logger.Error("failed to create channel",
			zap.Error(err),
			zap.String("account_id", req.AccountID),
			zap.String("type", req.Type),
		)
		h.writeError(w, http.StatusConflict, "channel_conflict", "Failed to create channel",
			"an active channel of this type may already exist for the account")
		return
	}

	req.Credential.ChannelID = ch.ID
	if err := h.store.UpsertCredential(ctx, &req.Credential); err != nil {
		h.logger.Error("failed to store credential",
			zap.Error(err),
			zap.String("channel_id", ch.ID.String()),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to store credential", "")
		return
	}

	if h.connector != nil {
		if err := h.connector.Connect(ctx, ch); err != nil {
			if errors.Is(err, channel.ErrUnsupportedProvider) {
				h.writeError(w, http.StatusBadRequest, "unsupported_provider",
					"Unsupported provider", err.Error())
				return
			}
			h.logger.Error("failed to bring channel up",
				zap.Error(err),
				zap.String("channel_id", ch.ID.String()),
			)
			h.writeError(w, http.StatusInternalServerError, "channel_error", "Failed to connect channel", "")
			return
		}
	}

	h.logger.Info("channel connected",
		zap.String("channel_id", ch.ID.String()),
		zap.String("type", ch.Type),
		zap.String("provider", ch.Provider),
	)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(ch)
}

// ValidateChannel handles POST /v1/channels/{id}/validate.
func (h *Handler) ValidateChannel(w http.ResponseWriter, r *http.Request) {
	channelID, ok := h.parseID(w, r, "id")
	if !ok {
		return
	}

	adapter, found := h.registry.ByID(channelID)
	if !found {
		h.writeError(w, http.StatusNotFound, "not_found", "Channel not connected", "")
		return
	}

	valid := adapter.ValidateCredentials(r.Context())

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]bool{"valid": valid})
}

// GetChannelAsset handles GET /v1/channels/{id}/asset?url=xxx: fetch a
// platform-hosted attachment through the channel's credentials and relay
// the bytes.
func (h *Handler) GetChannelAsset(w http.ResponseWriter, r *http.Request) {
	channelID, ok := h.parseID(w, r, "id")
	if !ok {
		return
	}

	assetURL := r.URL.Query().Get("url")
	if assetURL == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing url", "url query parameter is required")
		return
	}

	adapter, found := h.registry.ByID(channelID)
	if !found {
		h.writeError(w, http.StatusNotFound, "not_found", "Channel not connected", "")
		return
	}

	fetcher, supported := adapter.(AssetFetcher)
	if !supported {
		h.writeError(w, http.StatusBadRequest, "unsupported_operation",
			"Channel does not proxy assets", "this channel type serves media over public URLs")
		return
	}

	data, err := fetcher.FetchAsset(r.Context(), assetURL)
	if err != nil {
		h.logger.Warn("asset fetch failed",
			zap.Error(err),
			zap.String("channel_id", channelID.String()),
		)
		h.writeError(w, http.StatusBadGateway, "upstream_error", "Failed to fetch asset", "")
		return
	}

	w.Header().Set("Content-Type", http.DetectContentType(data))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// DisconnectChannel handles DELETE /v1/channels/{id}: retire the channel
// row, drop its credential, unregister the adapter.
func (h *Handler) DisconnectChannel(w http.ResponseWriter, r *http.Request) {
	channelID, ok := h.parseID(w, r, "id")
	if !ok {
		return
	}

	if err := h.store.DisconnectChannel(r.Context(), channelID); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", "Channel not found", "")
			return
		}
		h.logger.Error("failed to disconnect channel",
			zap.Error(err),
			zap.String("channel_id", channelID.String()),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to disconnect channel", "")
		return
	}

	if h.connector != nil {
		h.connector.Disconnect(channelID)
	}

	h.logger.Info("channel disconnected", zap.String("channel_id", channelID.String()))

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"id":     channelID.String(),
		"status": db.ChannelStatusInactive,
	})
}

// ListConversations handles GET /v1/conversations?channel_id=xxx.
func (h *Handler) ListConversations(w http.ResponseWriter, r *http.Request) {
	channelIDStr := r.URL.Query().Get("channel_id")
	channelID, err := uuid.Parse(channelIDStr)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid channel_id", "channel_id must be a valid UUID")
		return
	}

	limit, offset := pagination(r)
	conversations, err := h.store.ListConversations(r.Context(), channelID, limit, offset)
	if err != nil {
		h.logger.Error("failed to list conversations",
			zap.Error(err),
			zap.String("channel_id", channelIDStr),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to list conversations", "")
		return
	}

	h.writeList(w, conversations, len(conversations), limit, offset)
}

// ListMessages handles GET /v1/conversations/{id}/messages.
func (h *Handler) ListMessages(w http.ResponseWriter, r *http.Request) {
	conversationID, ok := h.parseID(w, r, "id")
	if !ok {
		return
	}

	limit, offset := pagination(r)
	messages, err := h.store.ListMessages(r.Context(), conversationID, limit, offset)
	if err != nil {
		h.logger.Error("failed to list messages",
			zap.Error(err),
			zap.String("conversation_id", conversationID.String()),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to list messages", "")
		return
	}

	h.writeList(w, messages, len(messages), limit, offset)
}

// DispatchRequest is the body for POST /v1/dispatches.
type DispatchRequest struct {
	AccountID  string                 `json:"account_id"`
	ChannelID  string                 `json:"channel_id"`
	Template   string                 `json:"template"`
	Recipients []db.DispatchRecipient `json:"recipients"`
	DueAt      time.Time              `json:"due_at"`
}

// DispatchResponse is returned after creating a dispatch.
type DispatchResponse struct {
	ID string `json:"id"`
}

// CreateDispatch handles POST /v1/dispatches.
// Supports idempotency via the Idempotency-Key header.
func (h *Handler) CreateDispatch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	idempotencyKey := r.Header.Get("Idempotency-Key")

	var req DispatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	if req.Template == "" || len(req.Recipients) == 0 {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing required fields",
			"template and at least one recipient are required")
		return
	}

	accountID, err := uuid.Parse(req.AccountID)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid account_id", "account_id must be a valid UUID")
		return
	}
	channelID, err := uuid.Parse(req.ChannelID)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid channel_id", "channel_id must be a valid UUID")
		return
	}

	if idempotencyKey != "" && h.idempotency != nil {
		cached, err := h.idempotency.CheckOrReserve(ctx, req.AccountID, idempotencyKey)
		if err != nil {
			if errors.Is(err, redis.ErrDuplicateRequest) {
				h.writeError(w, http.StatusConflict, "duplicate_request",
					"Request is already being processed",
					"Another request with this idempotency key is in progress")
				return
			}
			h.logger.Warn("idempotency check failed, proceeding",
				zap.Error(err),
				zap.String("idempotency_key", idempotencyKey),
			)
		} else if cached != nil {
			metrics.RecordIdempotencyHit()
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("X-Idempotency-Replayed", "true")
			w.WriteHeader(cached.StatusCode)
			_ = json.NewEncoder(w).Encode(DispatchResponse{ID: cached.DispatchID})
			return
		}
	}

	dueAt := req.DueAt
	if dueAt.IsZero() {
		dueAt = time.Now()
	}

	d := &db.ScheduledDispatch{
		ID:         uuid.New(),
		AccountID:  accountID,
		ChannelID:  channelID,
		Template:   req.Template,
		Recipients: req.Recipients,
		DueAt:      dueAt,
		Status:     db.DispatchStatusPending,
	}

	if err := h.store.CreateDispatch(ctx, d); err != nil {
		h.logger.Error("failed to create dispatch",
			zap.Error(err),
			zap.String("account_id", req.AccountID),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to create dispatch", "")
		return
	}

	if idempotencyKey != "" && h.idempotency != nil {
		result := &redis.IdempotencyResult{
			DispatchID: d.ID.String(),
			StatusCode: http.StatusCreated,
		}
		if err := h.idempotency.Store(ctx, req.AccountID, idempotencyKey, result); err != nil {
			h.logger.Warn("failed to store idempotency result",
				zap.Error(err),
				zap.String("idempotency_key", idempotencyKey),
			)
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(DispatchResponse{ID: d.ID.String()})
}

// GetDispatch handles GET /v1/dispatches/{id}.
func (h *Handler) GetDispatch(w http.ResponseWriter, r *http.Request) {
	dispatchID, ok := h.parseID(w, r, "id")
	if !ok {
		return
	}

	d, err := h.store.GetDispatch(r.Context(), dispatchID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", "Dispatch not found", "")
			return
		}
		h.logger.Error("failed to get dispatch",
			zap.Error(err),
			zap.String("dispatch_id", dispatchID.String()),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to get dispatch", "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(d)
}

// ListDispatches handles GET /v1/dispatches?account_id=xxx.
func (h *Handler) ListDispatches(w http.ResponseWriter, r *http.Request) {
	accountIDStr := r.URL.Query().Get("account_id")
	accountID, err := uuid.Parse(accountIDStr)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid account_id", "account_id must be a valid UUID")
		return
	}

	limit, offset := pagination(r)
	dispatches, err := h.store.ListDispatches(r.Context(), accountID, limit, offset)
	if err != nil {
		h.logger.Error("failed to list dispatches",
			zap.Error(err),
			zap.String("account_id", accountIDStr),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to list dispatches", "")
		return
	}

	h.writeList(w, dispatches, len(dispatches), limit, offset)
}

func (h *Handler) parseID(w http.ResponseWriter, r *http.Request, param string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, param))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid ID", "ID must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

func pagination(r *http.Request) (limit, offset int) {
	limit = 20
	offset = 0

	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= 100 {
			limit = l
		}
	}
	if offsetStr := r.URL.Query().Get("offset"); offsetStr != "" {
		if o, err := strconv.Atoi(offsetStr); err == nil && o >= 0 {
			offset = o
		}
	}
	return limit, offset
}

func (h *Handler) writeList(w http.ResponseWriter, data any, count, limit, offset int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"data":   data,
		"limit":  limit,
		"offset": offset,
		"count":  count,
	})
}

func (h *Handler) writeError(w http.ResponseWriter, status int, errType, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}
