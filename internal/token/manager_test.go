package token

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/switchboardhq/switchboard/internal/db"
)

type MockStore struct {
	mu          sync.Mutex
	cred        *db.Credential
	rotations   int
	statusCalls []string
}

func (m *MockStore) GetCredential(ctx context.Context, channelID uuid.UUID) (*db.Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cred == nil {
		return nil, errors.New("credential not found")
	}
	c := *m.cred
	return &c, nil
}

func (m *MockStore) RotateOAuthTokens(ctx context.Context, channelID uuid.UUID, accessToken, refreshToken string, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rotations++
	m.cred.AccessToken = accessToken
	m.cred.RefreshToken = refreshToken
	m.cred.ExpiresAt = &expiresAt
	return nil
}

func (m *MockStore) SetChannelStatus(ctx context.Context, id uuid.UUID, status string, lastError *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statusCalls = append(m.statusCalls, status)
	return nil
}

func oauthCred(expiresIn time.Duration) *db.Credential {
	expiresAt := time.Now().Add(expiresIn)
	return &db.Credential{
		ChannelID:    uuid.New(),
		Kind:         db.CredentialKindOAuth,
		AccessToken:  "old-access",
		RefreshToken: "old-refresh",
		ExpiresAt:    &expiresAt,
		ClientID:     "client-1",
		ClientSecret: "secret-1",
		Tenant:       "common",
	}
}

func TestManager_AccessToken_FreshTokenSkipsRefresh(t *testing.T) {
	called := false
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer server.Close()

	store := &MockStore{cred: oauthCred(time.Hour)}
	m := NewManager(store, Config{Endpoint: server.URL}, zap.NewNop())

	token, err := m.AccessToken(context.Background(), store.cred.ChannelID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if token != "old-access" {
		t.Errorf("expected cached token, got %q", token)
	}
	if called {
		t.Error("fresh token must not hit the token endpoint")
	}
}

func TestManager_AccessToken_RefreshesInsideGrace(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Fatalf("parse form: %v", err)
		}
		if r.PostForm.Get("grant_type") != "refresh_token" {
			t.Errorf("expected refresh_token grant, got %q", r.PostForm.Get("grant_type"))
		}
		if r.PostForm.Get("refresh_token") != "old-refresh" {
			t.Errorf("unexpected refresh token %q", r.PostForm.Get("refresh_token"))
		}
		json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "new-access",
			"refresh_token": "new-refresh",
			"expires_in":    3600,
		})
	}))
	defer server.Close()

	store := &MockStore{cred: oauthCred(time.Minute)} // inside the 5m grace
	m := NewManager(store, Config{Endpoint: server.URL}, zap.NewNop())

	token, err := m.AccessToken(context.Background(), store.cred.ChannelID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if token != "new-access" {
		t.Errorf("expected refreshed token, got %q", token)
	}
	if store.rotations != 1 {
		t.Errorf("expected 1 rotation, got %d", store.rotations)
	}
	if store.cred.RefreshToken != "new-refresh" {
		t.Errorf("refresh token not rotated, got %q", store.cred.RefreshToken)
	}
}

func TestManager_AccessToken_KeepsRefreshTokenWhenOmitted(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"access_token": "new-access",
			"expires_in":   3600,
		})
	}))
	defer server.Close()

	store := &MockStore{cred: oauthCred(time.Minute)}
	m := NewManager(store, Config{Endpoint: server.URL}, zap.NewNop())

	if _, err := m.AccessToken(context.Background(), store.cred.ChannelID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if store.cred.RefreshToken != "old-refresh" {
		t.Errorf("omitted refresh token must keep the old one, got %q", store.cred.RefreshToken)
	}
}

func TestManager_AccessToken_RejectedRefreshFlagsChannel(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]any{
			"error":             "invalid_grant",
			"error_description": "refresh token revoked",
		})
	}))
	defer server.Close()

	store := &MockStore{cred: oauthCred(time.Minute)}
	m := NewManager(store, Config{Endpoint: server.URL}, zap.NewNop())

	_, err := m.AccessToken(context.Background(), store.cred.ChannelID)
	if !errors.Is(err, ErrReconnectRequired) {
		t.Fatalf("expected ErrReconnectRequired, got %v", err)
	}
	if len(store.statusCalls) != 1 || store.statusCalls[0] != db.ChannelStatusError {
		t.Errorf("expected channel flipped to error, got %v", store.statusCalls)
	}
	if store.rotations != 0 {
		t.Errorf("rejected refresh must not rotate tokens")
	}
}

func TestManager_AccessToken_ServerErrorIsRetryable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		json.NewEncoder(w).Encode(map[string]any{})
	}))
	defer server.Close()

	store := &MockStore{cred: oauthCred(time.Minute)}
	m := NewManager(store, Config{Endpoint: server.URL}, zap.NewNop())

	_, err := m.AccessToken(context.Background(), store.cred.ChannelID)
	if err == nil {
		t.Fatal("expected error")
	}
	if errors.Is(err, ErrReconnectRequired) {
		t.Error("5xx must not be terminal for the credential")
	}
	if len(store.statusCalls) != 0 {
		t.Errorf("5xx must not flag the channel, got %v", store.statusCalls)
	}
}

func TestManager_AccessToken_NonOAuthCredential(t *testing.T) {
	store := &MockStore{cred: &db.Credential{
		ChannelID: uuid.New(),
		Kind:      db.CredentialKindStatic,
		Secret:    "api-key",
	}}
	m := NewManager(store, Config{Endpoint: "http://unused"}, zap.NewNop())

	if _, err := m.AccessToken(context.Background(), store.cred.ChannelID); err == nil {
		t.Fatal("expected error for non-oauth credential")
	}
}

func TestManager_AccessToken_SingleFlight(t *testing.T) {
	var exchanges int
	var exchangeMu sync.Mutex
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		exchangeMu.Lock()
		exchanges++
		exchangeMu.Unlock()
		time.Sleep(20 * time.Millisecond)
		json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "new-access",
			"refresh_token": "new-refresh",
			"expires_in":    3600,
		})
	}))
	defer server.Close()

	store := &MockStore{cred: oauthCred(time.Minute)}
	m := NewManager(store, Config{Endpoint: server.URL}, zap.NewNop())

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.AccessToken(context.Background(), store.cred.ChannelID); err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	// The first caller refreshes; the rest see the rotated expiry and
	// return the cached token.
	if exchanges != 1 {
		t.Errorf("expected 1 exchange, got %d", exchanges)
	}
}

func TestManager_AccessToken_TenantSubstitution(t *testing.T) {
	var path string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		json.NewEncoder(w).Encode(map[string]any{
			"access_token": "new-access",
			"expires_in":   3600,
		})
	}))
	defer server.Close()

	cred := oauthCred(time.Minute)
	cred.Tenant = "contoso"
	store := &MockStore{cred: cred}
	m := NewManager(store, Config{Endpoint: server.URL + "/{tenant}/oauth2/token"}, zap.NewNop())

	if _, err := m.AccessToken(context.Background(), store.cred.ChannelID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if path != "/contoso/oauth2/token" {
		t.Errorf("tenant not substituted, got %q", path)
	}
}
