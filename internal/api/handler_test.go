package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/switchboardhq/switchboard/internal/channel"
	"github.com/switchboardhq/switchboard/internal/db"
	"github.com/switchboardhq/switchboard/internal/redis"
)

type fakeStore struct {
	channels      map[uuid.UUID]*db.Channel
	dispatches    map[uuid.UUID]*db.ScheduledDispatch
	createChanErr error
	createdCount  int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		channels:   make(map[uuid.UUID]*db.Channel),
		dispatches: make(map[uuid.UUID]*db.ScheduledDispatch),
	}
}

func (f *fakeStore) CreateChannel(ctx context.Context, ch *db.Channel) error {
	if f.createChanErr != nil {
		return f.createChanErr
	}
	f.channels[ch.ID] = ch
	return nil
}

func (f *fakeStore) GetChannel(ctx context.Context, id uuid.UUID) (*db.Channel, error) {
	ch, ok := f.channels[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	return ch, nil
}

func (f *fakeStore) DisconnectChannel(ctx context.Context, id uuid.UUID) error {
	if _, ok := f.channels[id]; !ok {
		return db.ErrNotFound
	}
	f.channels[id].Status = db.ChannelStatusInactive
	return nil
}

func (f *fakeStore) UpsertCredential(ctx context.Context, cred *db.Credential) error {
	return nil
}

func (f *fakeStore) ListConversations(ctx context.Context, channelID uuid.UUID, limit, offset int) ([]*db.Conversation, error) {
	return nil, nil
}

func (f *fakeStore) ListMessages(ctx context.Context, conversationID uuid.UUID, limit, offset int) ([]*db.Message, error) {
	return nil, nil
}

func (f *fakeStore) CreateDispatch(ctx context.Context, d *db.ScheduledDispatch) error {
	f.createdCount++
	f.dispatches[d.ID] = d
	return nil
}

func (f *fakeStore) GetDispatch(ctx context.Context, id uuid.UUID) (*db.ScheduledDispatch, error) {
	d, ok := f.dispatches[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	return d, nil
}

func (f *fakeStore) ListDispatches(ctx context.Context, accountID uuid.UUID, limit, offset int) ([]*db.ScheduledDispatch, error) {
	var out []*db.ScheduledDispatch
	for _, d := range f.dispatches {
		if d.AccountID == accountID {
			out = append(out, d)
		}
	}
	return out, nil
}

type fakeConnector struct {
	connectErr  error
	connected   []uuid.UUID
	disconnects []uuid.UUID
}

func (f *fakeConnector) Connect(ctx context.Context, ch *db.Channel) error {
	if f.connectErr != nil {
		return f.connectErr
	}
	f.connected = append(f.connected, ch.ID)
	return nil
}

func (f *fakeConnector) Disconnect(channelID uuid.UUID) {
	f.disconnects = append(f.disconnects, channelID)
}

func testIdempotency(t *testing.T) *redis.IdempotencyService {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return redis.NewIdempotencyService(redis.NewFromClient(rdb, zap.NewNop()), zap.NewNop())
}

func apiRouter(h *Handler) http.Handler {
	r := chi.NewRouter()
	r.Route("/v1", func(r chi.Router) {
		r.Post("/channels", h.ConnectChannel)
		r.Post("/channels/{id}/validate", h.ValidateChannel)
		r.Get("/channels/{id}/asset", h.GetChannelAsset)
		r.Delete("/channels/{id}", h.DisconnectChannel)
		r.Get("/conversations", h.ListConversations)
		r.Get("/conversations/{id}/messages", h.ListMessages)
		r.Post("/dispatches", h.CreateDispatch)
		r.Get("/dispatches", h.ListDispatches)
		r.Get("/dispatches/{id}", h.GetDispatch)
	})
	return r
}

func doJSON(t *testing.T, router http.Handler, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestConnectChannel_Success(t *testing.T) {
	store := newFakeStore()
	connector := &fakeConnector{}
	h := NewHandler(zap.NewNop(), store, channel.NewRegistry(), connector, nil)
	router := apiRouter(h)

	rec := doJSON(t, router, "POST", "/v1/channels", ConnectChannelRequest{
		AccountID: uuid.New().String(),
		Type:      db.ChannelTypeChat,
		Provider:  "direct",
		Credential: db.Credential{
			Kind:   db.CredentialKindStatic,
			Secret: "api-key",
		},
	}, nil)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	var ch db.Channel
	if err := json.Unmarshal(rec.Body.Bytes(), &ch); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if ch.Type != db.ChannelTypeChat || ch.Provider != "direct" {
		t.Errorf("unexpected channel %+v", ch)
	}
	if len(connector.connected) != 1 {
		t.Errorf("expected adapter brought up, got %d", len(connector.connected))
	}
}

func TestConnectChannel_InvalidType(t *testing.T) {
	h := NewHandler(zap.NewNop(), newFakeStore(), channel.NewRegistry(), &fakeConnector{}, nil)
	router := apiRouter(h)

	rec := doJSON(t, router, "POST", "/v1/channels", ConnectChannelRequest{
		AccountID: uuid.New().String(),
		Type:      "pager",
	}, nil)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/problem+json" {
		t.Errorf("expected problem+json, got %q", ct)
	}
}

func TestConnectChannel_UnsupportedProvider(t *testing.T) {
	connector := &fakeConnector{connectErr: channel.ErrUnsupportedProvider}
	h := NewHandler(zap.NewNop(), newFakeStore(), channel.NewRegistry(), connector, nil)
	router := apiRouter(h)

	rec := doJSON(t, router, "POST", "/v1/channels", ConnectChannelRequest{
		AccountID: uuid.New().String(),
		Type:      db.ChannelTypeChat,
		Provider:  "carrier-pigeon",
	}, nil)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp ErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode error response: %v", err)
	}
	if resp.Type != "unsupported_provider" {
		t.Errorf("expected unsupported_provider, got %q", resp.Type)
	}
}

func TestConnectChannel_Conflict(t *testing.T) {
	store := newFakeStore()
	store.createChanErr = errors.New("duplicate active channel")
	h := NewHandler(zap.NewNop(), store, channel.NewRegistry(), &fakeConnector{}, nil)
	router := apiRouter(h)

	rec := doJSON(t, router, "POST", "/v1/channels", ConnectChannelRequest{
		AccountID: uuid.New().String(),
		Type:      db.ChannelTypeChat,
	}, nil)

	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
}

func TestDisconnectChannel(t *testing.T) {
	store := newFakeStore()
	channelID := uuid.New()
	store.channels[channelID] = &db.Channel{ID: channelID, Status: db.ChannelStatusActive}
	connector := &fakeConnector{}
	h := NewHandler(zap.NewNop(), store, channel.NewRegistry(), connector, nil)
	router := apiRouter(h)

	rec := doJSON(t, router, "DELETE", "/v1/channels/"+channelID.String(), nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if store.channels[channelID].Status != db.ChannelStatusInactive {
		t.Error("channel not retired")
	}
	if len(connector.disconnects) != 1 || connector.disconnects[0] != channelID {
		t.Errorf("adapter not torn down: %v", connector.disconnects)
	}
}

func TestDisconnectChannel_NotFound(t *testing.T) {
	h := NewHandler(zap.NewNop(), newFakeStore(), channel.NewRegistry(), &fakeConnector{}, nil)
	router := apiRouter(h)

	rec := doJSON(t, router, "DELETE", "/v1/channels/"+uuid.New().String(), nil, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func dispatchBody() DispatchRequest {
	return DispatchRequest{
		AccountID: uuid.New().String(),
		ChannelID: uuid.New().String(),
		Template:  "Hi {{name}}",
		Recipients: []db.DispatchRecipient{
			{Phone: "5511999887766", Variables: map[string]string{"name": "Ana"}},
		},
		DueAt: time.Now().Add(time.Hour),
	}
}

func TestCreateDispatch_Success(t *testing.T) {
	store := newFakeStore()
	h := NewHandler(zap.NewNop(), store, channel.NewRegistry(), nil, nil)
	router := apiRouter(h)

	rec := doJSON(t, router, "POST", "/v1/dispatches", dispatchBody(), nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp DispatchResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	id, err := uuid.Parse(resp.ID)
	if err != nil {
		t.Fatalf("invalid dispatch id %q", resp.ID)
	}
	if store.dispatches[id].Status != db.DispatchStatusPending {
		t.Errorf("dispatch not pending: %+v", store.dispatches[id])
	}
}

func TestCreateDispatch_MissingFields(t *testing.T) {
	h := NewHandler(zap.NewNop(), newFakeStore(), channel.NewRegistry(), nil, nil)
	router := apiRouter(h)

	body := dispatchBody()
	body.Recipients = nil
	rec := doJSON(t, router, "POST", "/v1/dispatches", body, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestCreateDispatch_IdempotentReplay(t *testing.T) {
	store := newFakeStore()
	h := NewHandler(zap.NewNop(), store, channel.NewRegistry(), nil, testIdempotency(t))
	router := apiRouter(h)

	body := dispatchBody()
	headers := map[string]string{"Idempotency-Key": "key-1"}

	first := doJSON(t, router, "POST", "/v1/dispatches", body, headers)
	if first.Code != http.StatusCreated {
		t.Fatalf("first request: expected 201, got %d", first.Code)
	}
	var firstResp DispatchResponse
	_ = json.Unmarshal(first.Body.Bytes(), &firstResp)

	second := doJSON(t, router, "POST", "/v1/dispatches", body, headers)
	if second.Code != http.StatusCreated {
		t.Fatalf("replay: expected 201, got %d", second.Code)
	}
	if second.Header().Get("X-Idempotency-Replayed") != "true" {
		t.Error("replay must be marked")
	}
	var secondResp DispatchResponse
	_ = json.Unmarshal(second.Body.Bytes(), &secondResp)
	if secondResp.ID != firstResp.ID {
		t.Errorf("replay returned different id: %q vs %q", secondResp.ID, firstResp.ID)
	}
	if store.createdCount != 1 {
		t.Errorf("replay must not create a second dispatch, got %d", store.createdCount)
	}
}

func TestGetDispatch(t *testing.T) {
	store := newFakeStore()
	d := &db.ScheduledDispatch{
		ID:        uuid.New(),
		AccountID: uuid.New(),
		Status:    db.DispatchStatusCompleted,
		SentCount: 5,
	}
	store.dispatches[d.ID] = d
	h := NewHandler(zap.NewNop(), store, channel.NewRegistry(), nil, nil)
	router := apiRouter(h)

	rec := doJSON(t, router, "GET", "/v1/dispatches/"+d.ID.String(), nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var got db.ScheduledDispatch
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Status != db.DispatchStatusCompleted || got.SentCount != 5 {
		t.Errorf("unexpected dispatch %+v", got)
	}
}

func TestGetDispatch_NotFound(t *testing.T) {
	h := NewHandler(zap.NewNop(), newFakeStore(), channel.NewRegistry(), nil, nil)
	router := apiRouter(h)

	rec := doJSON(t, router, "GET", "/v1/dispatches/"+uuid.New().String(), nil, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestListConversations_RequiresChannelID(t *testing.T) {
	h := NewHandler(zap.NewNop(), newFakeStore(), channel.NewRegistry(), nil, nil)
	router := apiRouter(h)

	rec := doJSON(t, router, "GET", "/v1/conversations", nil, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

// fakeAssetAdapter additionally serves platform-hosted media.
type fakeAssetAdapter struct {
	*fakeAdapter
	data     []byte
	fetchErr error
	fetched  []string
}

func (f *fakeAssetAdapter) FetchAsset(ctx context.Context, assetURL string) ([]byte, error) {
	f.fetched = append(f.fetched, assetURL)
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	return f.data, nil
}

func TestGetChannelAsset(t *testing.T) {
	adapter := &fakeAssetAdapter{
		fakeAdapter: newFakeAdapter(db.ChannelTypeTeamChat),
		data:        []byte("asset bytes"),
	}
	registry := channel.NewRegistry()
	registry.Register(adapter)
	h := NewHandler(zap.NewNop(), newFakeStore(), registry, nil, nil)
	router := apiRouter(h)

	rec := doJSON(t, router, "GET",
		"/v1/channels/"+adapter.ID().String()+"/asset?url=https%3A%2F%2Fchat.example.com%2Fassets%2Fa1", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if rec.Body.String() != "asset bytes" {
		t.Errorf("body = %q", rec.Body.String())
	}
	if len(adapter.fetched) != 1 || adapter.fetched[0] != "https://chat.example.com/assets/a1" {
		t.Errorf("fetched = %v", adapter.fetched)
	}
}

func TestGetChannelAsset_MissingURL(t *testing.T) {
	adapter := &fakeAssetAdapter{fakeAdapter: newFakeAdapter(db.ChannelTypeTeamChat)}
	registry := channel.NewRegistry()
	registry.Register(adapter)
	h := NewHandler(zap.NewNop(), newFakeStore(), registry, nil, nil)
	router := apiRouter(h)

	rec := doJSON(t, router, "GET", "/v1/channels/"+adapter.ID().String()+"/asset", nil, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestGetChannelAsset_ChannelNotConnected(t *testing.T) {
	h := NewHandler(zap.NewNop(), newFakeStore(), channel.NewRegistry(), nil, nil)
	router := apiRouter(h)

	rec := doJSON(t, router, "GET", "/v1/channels/"+uuid.New().String()+"/asset?url=x", nil, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestGetChannelAsset_UnsupportedChannel(t *testing.T) {
	adapter := newFakeAdapter(db.ChannelTypeChat)
	registry := channel.NewRegistry()
	registry.Register(adapter)
	h := NewHandler(zap.NewNop(), newFakeStore(), registry, nil, nil)
	router := apiRouter(h)

	rec := doJSON(t, router, "GET", "/v1/channels/"+adapter.ID().String()+"/asset?url=x", nil, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestGetChannelAsset_UpstreamError(t *testing.T) {
	adapter := &fakeAssetAdapter{
		fakeAdapter: newFakeAdapter(db.ChannelTypeTeamChat),
		fetchErr:    errors.New("status 500"),
	}
	registry := channel.NewRegistry()
	registry.Register(adapter)
	h := NewHandler(zap.NewNop(), newFakeStore(), registry, nil, nil)
	router := apiRouter(h)

	rec := doJSON(t, router, "GET", "/v1/channels/"+adapter.ID().String()+"/asset?url=x", nil, nil)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rec.Code)
	}
}
