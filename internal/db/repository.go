package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// ErrNotFound is returned when a record the caller asked for by primary key
// does not exist. Lookups that legitimately come back empty (dedup probes,
// resolver lookups) return (nil, nil) instead.
var ErrNotFound = errors.New("record not found")

// Store handles database operations for the channel gateway.
type Store struct {
	db     *DB
	logger *zap.Logger
}

// NewStore creates a new gateway store.
func NewStore(db *DB, logger *zap.Logger) *Store {
	return &Store{
		db:     db,
		logger: logger,
	}
}

// CreateChannel inserts a new channel.
func (s *Store) CreateChannel(ctx context.Context, ch *Channel) error {
	query := `
		INSERT INTO channels (id, account_id, type, provider, status, bot_token)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at, updated_at
	`

	err := s.db.Pool().QueryRow(ctx, query,
		ch.ID, ch.AccountID, ch.Type, ch.Provider, ch.Status, ch.BotToken,
	).Scan(&ch.CreatedAt, &ch.UpdatedAt)
	if err != nil {
		s.logger.Error("failed to create channel",
			zap.Error(err),
			zap.String("channel_id", ch.ID.String()),
			zap.String("type", ch.Type),
		)
		return fmt.Errorf("insert channel: %w", err)
	}

	s.logger.Info("channel created",
		zap.String("channel_id", ch.ID.String()),
		zap.String("account_id", ch.AccountID.String()),
		zap.String("type", ch.Type),
		zap.String("provider", ch.Provider),
	)

	return nil
}

// GetChannel retrieves a channel by ID.
func (s *Store) GetChannel(ctx context.Context, id uuid.UUID) (*Channel, error) {
	query := `
		SELECT id, account_id, type, provider, status, bot_token,
		       last_error, last_sync_at, created_at, updated_at
		FROM channels
		WHERE id = $1
	`

	var ch Channel
	err := s.db.Pool().QueryRow(ctx, query, id).Scan(
		&ch.ID, &ch.AccountID, &ch.Type, &ch.Provider, &ch.Status,
		&ch.BotToken, &ch.LastError, &ch.LastSyncAt, &ch.CreatedAt, &ch.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("channel %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query channel: %w", err)
	}

	return &ch, nil
}

// GetChannelByBotToken resolves a bot channel by the opaque token embedded
// in its callback URL. Returns (nil, nil) when no active channel owns the
// token.
func (s *Store) GetChannelByBotToken(ctx context.Context, token string) (*Channel, error) {
	query := `
		SELECT id, account_id, type, provider, status, bot_token,
		       last_error, last_sync_at, created_at, updated_at
		FROM channels
		WHERE bot_token = $1 AND status = $2
	`

	var ch Channel
	err := s.db.Pool().QueryRow(ctx, query, token, ChannelStatusActive).Scan(
		&ch.ID, &ch.AccountID, &ch.Type, &ch.Provider, &ch.Status,
		&ch.BotToken, &ch.LastError, &ch.LastSyncAt, &ch.CreatedAt, &ch.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query channel by bot token: %w", err)
	}

	return &ch, nil
}

// ListActiveChannels returns every active channel, optionally filtered by
// type (empty string means all types).
func (s *Store) ListActiveChannels(ctx context.Context, channelType string) ([]*Channel, error) {
	query := `
		SELECT id, account_id, type, provider, status, bot_token,
		       last_error, last_sync_at, created_at, updated_at
		FROM channels
		WHERE status = $1 AND ($2 = '' OR type = $2)
		ORDER BY created_at ASC
	`

	rows, err := s.db.Pool().Query(ctx, query, ChannelStatusActive, channelType)
	if err != nil {
		return nil, fmt.Errorf("query active channels: %w", err)
	}
	defer rows.Close()

	var channels []*Channel
	for rows.Next() {
		var ch Channel
		err := rows.Scan(
			&ch.ID, &ch.AccountID, &ch.Type, &ch.Provider, &ch.Status,
			&ch.BotToken, &ch.LastError, &ch.LastSyncAt, &ch.CreatedAt, &ch.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan channel: %w", err)
		}
		channels = append(channels, &ch)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return channels, nil
}

// SetChannelStatus transitions a channel's lifecycle status and records the
// provider's error text, if any.
func (s *Store) SetChannelStatus(ctx context.Context, id uuid.UUID, status string, lastError *string) error {
	query := `
		UPDATE channels
		SET status = $1, last_error = $2, updated_at = NOW()
		WHERE id = $3
	`

	result, err := s.db.Pool().Exec(ctx, query, status, lastError, id)
	if err != nil {
		s.logger.Error("failed to set channel status",
			zap.Error(err),
			zap.String("channel_id", id.String()),
			zap.String("status", status),
		)
		return fmt.Errorf("update channel status: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("channel %s: %w", id, ErrNotFound)
	}

	return nil
}

// TouchChannelSync records the last successful poll for a channel.
func (s *Store) TouchChannelSync(ctx context.Context, id uuid.UUID, at time.Time) error {
	query := `UPDATE channels SET last_sync_at = $1, updated_at = NOW() WHERE id = $2`

	if _, err := s.db.Pool().Exec(ctx, query, at, id); err != nil {
		return fmt.Errorf("touch channel sync: %w", err)
	}
	return nil
}

// DisconnectChannel retires a channel without purging its history: the row
// flips to inactive and the channel-owned secrets are deleted in one
// transaction.
func (s *Store) DisconnectChannel(ctx context.Context, id uuid.UUID) error {
	tx, err := s.db.Pool().Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	result, err := tx.Exec(ctx,
		`UPDATE channels SET status = $1, updated_at = NOW() WHERE id = $2`,
		ChannelStatusInactive, id,
	)
	if err != nil {
		return fmt.Errorf("retire channel: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("channel %s: %w", id, ErrNotFound)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM credentials WHERE channel_id = $1`, id); err != nil {
		return fmt.Errorf("delete credential: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	s.logger.Info("channel disconnected", zap.String("channel_id", id.String()))

	return nil
}

// UpsertCredential stores the secret bundle for a channel, replacing any
// previous bundle.
func (s *Store) UpsertCredential(ctx context.Context, cred *Credential) error {
	query := `
		INSERT INTO credentials (
			channel_id, kind, secret, access_token, refresh_token,
			expires_at, client_id, client_secret, tenant, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())
		ON CONFLICT (channel_id) DO UPDATE SET
			kind = EXCLUDED.kind,
			secret = EXCLUDED.secret,
			access_token = EXCLUDED.access_token,
			refresh_token = EXCLUDED.refresh_token,
			expires_at = EXCLUDED.expires_at,
			client_id = EXCLUDED.client_id,
			client_secret = EXCLUDED.client_secret,
			tenant = EXCLUDED.tenant,
			updated_at = NOW()
	`

	_, err := s.db.Pool().Exec(ctx, query,
		cred.ChannelID, cred.Kind, cred.Secret, cred.AccessToken, cred.RefreshToken,
		cred.ExpiresAt, cred.ClientID, cred.ClientSecret, cred.Tenant,
	)
	if err != nil {
		s.logger.Error("failed to upsert credential",
			zap.Error(err),
			zap.String("channel_id", cred.ChannelID.String()),
		)
		return fmt.Errorf("upsert credential: %w", err)
	}

	return nil
}

// GetCredential retrieves the secret bundle for a channel.
func (s *Store) GetCredential(ctx context.Context, channelID uuid.UUID) (*Credential, error) {
	query := `
		SELECT channel_id, kind, secret, access_token, refresh_token,
		       expires_at, client_id, client_secret, tenant, updated_at
		FROM credentials
		WHERE channel_id = $1
	`

	var cred Credential
	err := s.db.Pool().QueryRow(ctx, query, channelID).Scan(
		&cred.ChannelID, &cred.Kind, &cred.Secret, &cred.AccessToken, &cred.RefreshToken,
		&cred.ExpiresAt, &cred.ClientID, &cred.ClientSecret, &cred.Tenant, &cred.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("credential for channel %s: %w", channelID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query credential: %w", err)
	}

	return &cred, nil
}

// RotateOAuthTokens atomically persists a refreshed access+refresh token
// pair and the new expiry for an OAuth credential.
func (s *Store) RotateOAuthTokens(ctx context.Context, channelID uuid.UUID, accessToken, refreshToken string, expiresAt time.Time) error {
	query := `
		UPDATE credentials
		SET access_token = $1, refresh_token = $2, expires_at = $3, updated_at = NOW()
		WHERE channel_id = $4 AND kind = $5
	`

	result, err := s.db.Pool().Exec(ctx, query,
		accessToken, refreshToken, expiresAt, channelID, CredentialKindOAuth,
	)
	if err != nil {
		return fmt.Errorf("rotate oauth tokens: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("oauth credential for channel %s: %w", channelID, ErrNotFound)
	}

	s.logger.Info("oauth tokens rotated",
		zap.String("channel_id", channelID.String()),
		zap.Time("expires_at", expiresAt),
	)

	return nil
}
