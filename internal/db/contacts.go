package db

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// UpsertContact finds or creates a contact by (account, source_type,
// source_id) and refreshes the display name when the correspondent changed
// it.
func (s *Store) UpsertContact(ctx context.Context, accountID uuid.UUID, sourceType, sourceID, displayName string) (*Contact, error) {
	query := `
		INSERT INTO contacts (id, account_id, source_type, source_id, display_name)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (account_id, source_type, source_id) DO UPDATE SET
			display_name = CASE
				WHEN EXCLUDED.display_name <> '' THEN EXCLUDED.display_name
				ELSE contacts.display_name
			END,
			updated_at = NOW()
		RETURNING id, account_id, source_type, source_id, display_name, created_at, updated_at
	`

	var c Contact
	err := s.db.Pool().QueryRow(ctx, query,
		uuid.New(), accountID, sourceType, sourceID, displayName,
	).Scan(&c.ID, &c.AccountID, &c.SourceType, &c.SourceID, &c.DisplayName, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		s.logger.Error("failed to upsert contact",
			zap.Error(err),
			zap.String("source_type", sourceType),
			zap.String("source_id", sourceID),
		)
		return nil, fmt.Errorf("upsert contact: %w", err)
	}

	return &c, nil
}

// GetContact retrieves a contact by ID.
func (s *Store) GetContact(ctx context.Context, id uuid.UUID) (*Contact, error) {
	query := `
		SELECT id, account_id, source_type, source_id, display_name, created_at, updated_at
		FROM contacts
		WHERE id = $1
	`

	var c Contact
	err := s.db.Pool().QueryRow(ctx, query, id).Scan(
		&c.ID, &c.AccountID, &c.SourceType, &c.SourceID, &c.DisplayName, &c.CreatedAt, &c.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("contact %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query contact: %w", err)
	}

	return &c, nil
}

// FindContactBySource looks up a contact by its channel-native identifier.
// Returns (nil, nil) when the correspondent has never been seen.
func (s *Store) FindContactBySource(ctx context.Context, accountID uuid.UUID, sourceType, sourceID string) (*Contact, error) {
	query := `
		SELECT id, account_id, source_type, source_id, display_name, created_at, updated_at
		FROM contacts
		WHERE account_id = $1 AND source_type = $2 AND source_id = $3
	`

	var c Contact
	err := s.db.Pool().QueryRow(ctx, query, accountID, sourceType, sourceID).Scan(
		&c.ID, &c.AccountID, &c.SourceType, &c.SourceID, &c.DisplayName, &c.CreatedAt, &c.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query contact by source: %w", err)
	}

	return &c, nil
}
