// Package token owns the OAuth token lifecycle for channels backed by an
// OAuth-protected transport: grace-period expiry checks, the refresh-token
// exchange, and atomic persistence of rotated pairs.
package token

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/switchboardhq/switchboard/internal/db"
	"github.com/switchboardhq/switchboard/internal/metrics"
)

// ErrReconnectRequired is returned when the refresh token itself was
// revoked or expired. Retrying a revoked credential cannot succeed, so the
// channel is flipped to error and an operator must reconnect it.
var ErrReconnectRequired = errors.New("oauth refresh rejected: reconnection required")

// DefaultGrace is how long before expiry a token is treated as stale.
const DefaultGrace = 5 * time.Minute

// Store is the credential persistence the manager needs.
type Store interface {
	GetCredential(ctx context.Context, channelID uuid.UUID) (*db.Credential, error)
	RotateOAuthTokens(ctx context.Context, channelID uuid.UUID, accessToken, refreshToken string, expiresAt time.Time) error
	SetChannelStatus(ctx context.Context, id uuid.UUID, status string, lastError *string) error
}

// Config holds the token endpoint settings.
type Config struct {
	// Endpoint is the token URL; "{tenant}" is replaced with the
	// credential's tenant.
	Endpoint string
	Grace    time.Duration
	Timeout  time.Duration
}

// Manager hands out valid access tokens, refreshing them behind a
// per-channel lock so one stale token triggers exactly one exchange.
type Manager struct {
	store  Store
	cfg    Config
	client *http.Client
	logger *zap.Logger

	mu    sync.Mutex
	locks map[uuid.UUID]*sync.Mutex
}

// NewManager creates a token manager.
func NewManager(store Store, cfg Config, logger *zap.Logger) *Manager {
	if cfg.Grace == 0 {
		cfg.Grace = DefaultGrace
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 20 * time.Second
	}
	return &Manager{
		store:  store,
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger,
		locks:  make(map[uuid.UUID]*sync.Mutex),
	}
}

func (m *Manager) channelLock(id uuid.UUID) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.locks[id]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[id] = lock
	}
	return lock
}

// AccessToken returns a usable access token for the channel, performing a
// refresh exchange first when the cached token is inside the grace window.
// A concurrent second caller in the same window waits for the first
// exchange instead of starting its own.
func (m *Manager) AccessToken(ctx context.Context, channelID uuid.UUID) (string, error) {
	lock := m.channelLock(channelID)
	lock.Lock()
	defer lock.Unlock()

	cred, err := m.store.GetCredential(ctx, channelID)
	if err != nil {
		return "", fmt.Errorf("load credential: %w", err)
	}
	if cred.Kind != db.CredentialKindOAuth {
		return "", fmt.Errorf("channel %s credential is not oauth", channelID)
	}

	if cred.ExpiresAt != nil && time.Until(*cred.ExpiresAt) > m.cfg.Grace {
		return cred.AccessToken, nil
	}

	return m.refresh(ctx, channelID, cred)
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	Error        string `json:"error"`
	ErrorDesc    string `json:"error_description"`
}

func (m *Manager) refresh(ctx context.Context, channelID uuid.UUID, cred *db.Credential) (string, error) {
	endpoint := strings.ReplaceAll(m.cfg.Endpoint, "{tenant}", cred.Tenant)

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", cred.RefreshToken)
	form.Set("client_id", cred.ClientID)
	form.Set("client_secret", cred.ClientSecret)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("build refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := m.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("refresh exchange: %w", err)
	}
	defer resp.Body.Close()

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return "", fmt.Errorf("decode refresh response: %w", err)
	}

	// 4xx from the token endpoint means the refresh token is no longer
	// honored. That is terminal for this credential.
	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		reason := tr.ErrorDesc
		if reason == "" {
			reason = tr.Error
		}
		if reason == "" {
			reason = fmt.Sprintf("token endpoint returned %d", resp.StatusCode)
		}
		m.logger.Warn("oauth refresh rejected",
			zap.String("channel_id", channelID.String()),
			zap.String("reason", reason),
		)
		if err := m.store.SetChannelStatus(ctx, channelID, db.ChannelStatusError, &reason); err != nil {
			m.logger.Error("failed to flag channel after refresh rejection", zap.Error(err))
		}
		metrics.RecordTokenRefresh("rejected")
		return "", ErrReconnectRequired
	}
	if resp.StatusCode != http.StatusOK {
		metrics.RecordTokenRefresh("error")
		return "", fmt.Errorf("token endpoint returned %d", resp.StatusCode)
	}
	if tr.AccessToken == "" {
		return "", fmt.Errorf("token endpoint returned empty access token")
	}

	refreshToken := tr.RefreshToken
	if refreshToken == "" {
		refreshToken = cred.RefreshToken
	}
	expiresAt := time.Now().Add(time.Duration(tr.ExpiresIn) * time.Second)

	if err := m.store.RotateOAuthTokens(ctx, channelID, tr.AccessToken, refreshToken, expiresAt); err != nil {
		return "", fmt.Errorf("persist rotated tokens: %w", err)
	}

	metrics.RecordTokenRefresh("success")
	m.logger.Info("oauth token refreshed",
		zap.String("channel_id", channelID.String()),
		zap.Time("expires_at", expiresAt),
	)

	return tr.AccessToken, nil
}
