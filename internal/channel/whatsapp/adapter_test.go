package whatsapp

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/switchboardhq/switchboard/internal/channel"
	"github.com/switchboardhq/switchboard/internal/db"
	"github.com/switchboardhq/switchboard/internal/normalize"
	"github.com/switchboardhq/switchboard/internal/resolver"
)

// fakePipelineStore backs a real normalize.Pipeline in tests.
type fakePipelineStore struct {
	messages []*db.Message
	contacts []string // source ids seen by UpsertContact
}

func (f *fakePipelineStore) GetMessageByExternalID(ctx context.Context, channelID uuid.UUID, externalID string) (*db.Message, error) {
	for _, m := range f.messages {
		if m.ExternalID != nil && *m.ExternalID == externalID {
			return m, nil
		}
	}
	return nil, nil
}

func (f *fakePipelineStore) UpsertContact(ctx context.Context, accountID uuid.UUID, sourceType, sourceID, displayName string) (*db.Contact, error) {
	f.contacts = append(f.contacts, sourceID)
	return &db.Contact{ID: uuid.New(), SourceID: sourceID}, nil
}

func (f *fakePipelineStore) FindConversationByReplyReference(ctx context.Context, channelID uuid.UUID, reference string) (*db.Conversation, error) {
	return nil, nil
}

func (f *fakePipelineStore) FindConversationByThreadID(ctx context.Context, channelID uuid.UUID, threadID string) (*db.Conversation, error) {
	return nil, nil
}

func (f *fakePipelineStore) FindLatestConversation(ctx context.Context, channelID, contactID uuid.UUID) (*db.Conversation, error) {
	return nil, nil
}

func (f *fakePipelineStore) CreateConversation(ctx context.Context, conv *db.Conversation) error {
	return nil
}

func (f *fakePipelineStore) BumpConversation(ctx context.Context, id uuid.UUID, at time.Time) error {
	return nil
}

func (f *fakePipelineStore) CreateMessage(ctx context.Context, msg *db.Message) error {
	f.messages = append(f.messages, msg)
	return nil
}

func (f *fakePipelineStore) AdvanceMessageStatus(ctx context.Context, channelID uuid.UUID, externalID, status string) (bool, error) {
	for _, m := range f.messages {
		if m.ExternalID != nil && *m.ExternalID == externalID {
			m.Status = status
			return true, nil
		}
	}
	return false, nil
}

func (f *fakePipelineStore) MarkMessageFailed(ctx context.Context, id uuid.UUID, reason string) error {
	for _, m := range f.messages {
		if m.ID == id {
			m.Status = db.MessageStatusFailed
		}
	}
	return nil
}

type fakeResolverStore struct {
	byOpaque map[string]string
	learned  map[string]string
}

func (f *fakeResolverStore) UpsertLIDMapping(ctx context.Context, opaqueID, address string) error {
	if f.learned == nil {
		f.learned = make(map[string]string)
	}
	f.learned[opaqueID] = address
	return nil
}

func (f *fakeResolverStore) AddressForOpaqueID(ctx context.Context, opaqueID string) (string, error) {
	return f.byOpaque[opaqueID], nil
}

func (f *fakeResolverStore) OpaqueIDForAddress(ctx context.Context, address string) (string, error) {
	return "", nil
}

type fakeChannelStore struct {
	statuses []string
}

func (f *fakeChannelStore) SetChannelStatus(ctx context.Context, id uuid.UUID, status string, lastError *string) error {
	f.statuses = append(f.statuses, status)
	return nil
}

type adapterFixture struct {
	adapter       *Adapter
	pipelineStore *fakePipelineStore
	resolverStore *fakeResolverStore
	channelStore  *fakeChannelStore
}

func newTestAdapter(t *testing.T, baseURL, provider string) *adapterFixture {
	t.Helper()
	logger := zap.NewNop()
	ps := &fakePipelineStore{}
	rs := &fakeResolverStore{}
	cs := &fakeChannelStore{}
	pipeline := normalize.NewPipeline(ps, nil, logger)
	res := resolver.New(rs, nil, logger)

	adapter, err := NewAdapter(Config{
		Channel: &db.Channel{
			ID:        uuid.New(),
			AccountID: uuid.New(),
			Type:      db.ChannelTypeChat,
			Provider:  provider,
			Status:    db.ChannelStatusActive,
		},
		Driver: DriverConfig{
			Provider: provider,
			BaseURL:  baseURL,
			Token:    "test-key",
			Instance: "inst-1",
		},
		PublicURL: "https://gateway.example.com",
	}, pipeline, res, cs, logger)
	if err != nil {
		t.Fatalf("NewAdapter: %v", err)
	}
	return &adapterFixture{adapter: adapter, pipelineStore: ps, resolverStore: rs, channelStore: cs}
}

func TestNewDriver_UnsupportedProvider(t *testing.T) {
	_, err := NewDriver(DriverConfig{Provider: "carrier-pigeon"}, zap.NewNop())
	if !errors.Is(err, channel.ErrUnsupportedProvider) {
		t.Fatalf("expected ErrUnsupportedProvider, got %v", err)
	}
}

func TestNewDriver_SelectsByDiscriminator(t *testing.T) {
	direct, err := NewDriver(DriverConfig{Provider: ProviderDirect}, zap.NewNop())
	if err != nil {
		t.Fatalf("direct: %v", err)
	}
	if !direct.SupportsPrivacyID() {
		t.Error("direct driver should support privacy ids")
	}

	gateway, err := NewDriver(DriverConfig{Provider: ProviderGateway}, zap.NewNop())
	if err != nil {
		t.Fatalf("gateway: %v", err)
	}
	if gateway.SupportsPrivacyID() {
		t.Error("gateway driver should not support privacy ids")
	}
}

func TestAdapter_SendMessage_Text(t *testing.T) {
	var gotPath, gotKey string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get("apikey")
		w.Write([]byte(`{"key":{"id":"msg-abc"}}`))
	}))
	defer server.Close()

	fx := newTestAdapter(t, server.URL, ProviderDirect)
	result := fx.adapter.SendMessage(context.Background(), channel.SendRequest{
		To:   "5511999887766",
		Type: db.MessageTypeText,
		Body: "hello",
	})

	if !result.Success {
		t.Fatalf("send failed: %s", result.Err)
	}
	if result.ExternalID != "msg-abc" {
		t.Errorf("expected provider message id, got %q", result.ExternalID)
	}
	if gotPath != "/message/text/inst-1" {
		t.Errorf("unexpected path %q", gotPath)
	}
	if gotKey != "test-key" {
		t.Errorf("expected api key header, got %q", gotKey)
	}
}

func TestAdapter_SendMessage_ProviderError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error":"instance down"}`))
	}))
	defer server.Close()

	fx := newTestAdapter(t, server.URL, ProviderDirect)
	result := fx.adapter.SendMessage(context.Background(), channel.SendRequest{
		To:   "5511999887766",
		Body: "hello",
	})

	if result.Success {
		t.Fatal("expected failure result")
	}
	if result.Err == "" {
		t.Error("expected provider error in result")
	}
}

func TestAdapter_SendMessage_UnresolvedPrivacyID(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("unresolved recipient must not reach the provider")
	}))
	defer server.Close()

	fx := newTestAdapter(t, server.URL, ProviderDirect)
	result := fx.adapter.SendMessage(context.Background(), channel.SendRequest{
		To:   "18628163211@lid",
		Body: "hello",
	})

	if result.Success {
		t.Fatal("expected failure for unresolved privacy id")
	}
	if result.Err != "recipient identifier not resolved yet" {
		t.Errorf("unexpected error %q", result.Err)
	}
}

func TestAdapter_SendMessage_ResolvedPrivacyID(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"key":{"id":"msg-1"}}`))
	}))
	defer server.Close()

	fx := newTestAdapter(t, server.URL, ProviderDirect)
	fx.resolverStore.byOpaque = map[string]string{"18628163211@lid": "5511999887766"}

	result := fx.adapter.SendMessage(context.Background(), channel.SendRequest{
		To:   "18628163211@lid",
		Body: "hello",
	})
	if !result.Success {
		t.Fatalf("expected resolved send to succeed: %s", result.Err)
	}
}

func TestAdapter_ReceiveWebhook_Batch(t *testing.T) {
	fx := newTestAdapter(t, "http://unused", ProviderDirect)

	raw := []byte(`{"events":[
		{"kind":"message","id":"m1","from":"5511999887766","pushName":"Ana","text":"oi"},
		{"kind":"message","id":"m2","from":"5511999887766","text":"tudo bem?"},
		{"kind":"presence","id":"x"}
	]}`)

	result := fx.adapter.ReceiveWebhook(context.Background(), raw)
	if !result.Success {
		t.Fatalf("webhook failed: %s", result.Err)
	}
	if result.Processed != 2 {
		t.Errorf("expected 2 processed, got %d", result.Processed)
	}
	if result.Skipped != 1 {
		t.Errorf("expected 1 skipped, got %d", result.Skipped)
	}
	if len(fx.pipelineStore.messages) != 2 {
		t.Errorf("expected 2 persisted messages, got %d", len(fx.pipelineStore.messages))
	}
}

func TestAdapter_ReceiveWebhook_DuplicateDelivery(t *testing.T) {
	fx := newTestAdapter(t, "http://unused", ProviderDirect)
	raw := []byte(`{"events":[{"kind":"message","id":"m1","from":"5511999887766","text":"oi"}]}`)

	first := fx.adapter.ReceiveWebhook(context.Background(), raw)
	if first.Processed != 1 {
		t.Fatalf("first delivery should ingest, got %d", first.Processed)
	}

	second := fx.adapter.ReceiveWebhook(context.Background(), raw)
	if second.Processed != 0 || second.Skipped != 1 {
		t.Errorf("redelivery should skip, got processed=%d skipped=%d", second.Processed, second.Skipped)
	}
	if len(fx.pipelineStore.messages) != 1 {
		t.Errorf("redelivery must not duplicate the message, got %d", len(fx.pipelineStore.messages))
	}
}

func TestAdapter_ReceiveWebhook_Malformed(t *testing.T) {
	fx := newTestAdapter(t, "http://unused", ProviderDirect)

	result := fx.adapter.ReceiveWebhook(context.Background(), []byte(`not json`))
	if result.Success {
		t.Fatal("malformed payload must fail the batch")
	}
}

func TestAdapter_ReceiveWebhook_LearnsPrivacyPair(t *testing.T) {
	fx := newTestAdapter(t, "http://unused", ProviderDirect)

	raw := []byte(`{"events":[{"kind":"message","id":"m1","from":"18628163211@lid","phone":"5511999887766","text":"oi"}]}`)
	result := fx.adapter.ReceiveWebhook(context.Background(), raw)
	if result.Processed != 1 {
		t.Fatalf("expected ingestion, got processed=%d", result.Processed)
	}

	if fx.resolverStore.learned["18628163211@lid"] != "5511999887766" {
		t.Error("revealed pair should be learned")
	}
	if len(fx.pipelineStore.contacts) != 1 || fx.pipelineStore.contacts[0] != "5511999887766" {
		t.Errorf("contact should use the stable address, got %v", fx.pipelineStore.contacts)
	}
}

func TestAdapter_ReceiveWebhook_UnresolvedPrivacySender(t *testing.T) {
	fx := newTestAdapter(t, "http://unused", ProviderDirect)

	// No revealed phone and no learned mapping: the opaque id stands in.
	raw := []byte(`{"events":[{"kind":"message","id":"m1","from":"18628163211@lid","text":"oi"}]}`)
	result := fx.adapter.ReceiveWebhook(context.Background(), raw)
	if result.Processed != 1 {
		t.Fatalf("expected ingestion, got processed=%d", result.Processed)
	}
	if len(fx.pipelineStore.contacts) != 1 || fx.pipelineStore.contacts[0] != "18628163211@lid" {
		t.Errorf("unresolved sender should keep the opaque id, got %v", fx.pipelineStore.contacts)
	}
}

func TestAdapter_ValidateCredentials(t *testing.T) {
	connected := true
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if connected {
			w.Write([]byte(`{"connected":true,"phone":"5511888776655"}`))
		} else {
			w.Write([]byte(`{"connected":false}`))
		}
	}))
	defer server.Close()

	fx := newTestAdapter(t, server.URL, ProviderDirect)

	if !fx.adapter.ValidateCredentials(context.Background()) {
		t.Fatal("expected validation to pass")
	}
	if len(fx.channelStore.statuses) != 1 || fx.channelStore.statuses[0] != db.ChannelStatusActive {
		t.Errorf("expected channel activated, got %v", fx.channelStore.statuses)
	}

	connected = false
	if fx.adapter.ValidateCredentials(context.Background()) {
		t.Fatal("disconnected session must fail validation")
	}
	if fx.channelStore.statuses[len(fx.channelStore.statuses)-1] != db.ChannelStatusError {
		t.Errorf("expected channel flagged, got %v", fx.channelStore.statuses)
	}
}

func TestAdapter_ReceiveWebhook_StatusCountsOnlyAdvances(t *testing.T) {
	fx := newTestAdapter(t, "http://unused", ProviderDirect)
	externalID := "m9"
	fx.pipelineStore.messages = append(fx.pipelineStore.messages, &db.Message{
		ID:         uuid.New(),
		ExternalID: &externalID,
		FromMe:     true,
		Status:     db.MessageStatusSent,
	})

	raw := []byte(`{"events":[
		{"kind":"status","id":"m9","status":"delivered"},
		{"kind":"status","id":"zz","status":"delivered"}
	]}`)

	result := fx.adapter.ReceiveWebhook(context.Background(), raw)
	if !result.Success {
		t.Fatalf("webhook failed: %s", result.Err)
	}
	if result.Processed != 1 {
		t.Errorf("only the advancing callback counts as processed, got %d", result.Processed)
	}
	if result.Skipped != 1 {
		t.Errorf("a callback for an unknown message is skipped, got %d", result.Skipped)
	}
	if fx.pipelineStore.messages[0].Status != db.MessageStatusDelivered {
		t.Errorf("status = %q, want %q", fx.pipelineStore.messages[0].Status, db.MessageStatusDelivered)
	}
}
