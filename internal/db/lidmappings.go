package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// UpsertLIDMapping records an opaque-id/address pair learned from traffic.
func (s *Store) UpsertLIDMapping(ctx context.Context, opaqueID, address string) error {
	query := `
		INSERT INTO lid_mappings (opaque_id, address, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (opaque_id) DO UPDATE SET
			address = EXCLUDED.address,
			updated_at = NOW()
	`

	if _, err := s.db.Pool().Exec(ctx, query, opaqueID, address); err != nil {
		return fmt.Errorf("upsert lid mapping: %w", err)
	}
	return nil
}

// AddressForOpaqueID returns the stable address for an opaque id, or
// ("", nil) when the mapping has not been learned yet.
func (s *Store) AddressForOpaqueID(ctx context.Context, opaqueID string) (string, error) {
	query := `SELECT address FROM lid_mappings WHERE opaque_id = $1`

	var address string
	err := s.db.Pool().QueryRow(ctx, query, opaqueID).Scan(&address)
	if err == pgx.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("query lid mapping: %w", err)
	}
	return address, nil
}

// OpaqueIDForAddress is the reverse lookup; ("", nil) when unknown.
func (s *Store) OpaqueIDForAddress(ctx context.Context, address string) (string, error) {
	query := `SELECT opaque_id FROM lid_mappings WHERE address = $1 ORDER BY updated_at DESC LIMIT 1`

	var opaqueID string
	err := s.db.Pool().QueryRow(ctx, query, address).Scan(&opaqueID)
	if err == pgx.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("query lid mapping by address: %w", err)
	}
	return opaqueID, nil
}
