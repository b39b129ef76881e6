package db

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// CreateDispatch inserts a new bulk-send job in pending state.
func (s *Store) CreateDispatch(ctx context.Context, d *ScheduledDispatch) error {
	recipients, err := json.Marshal(d.Recipients)
	if err != nil {
		return fmt.Errorf("marshal recipients: %w", err)
	}

	query := `
		INSERT INTO scheduled_dispatches (id, account_id, channel_id, template, recipients, due_at, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, updated_at
	`

	if d.Status == "" {
		d.Status = DispatchStatusPending
	}

	err = s.db.Pool().QueryRow(ctx, query,
		d.ID, d.AccountID, d.ChannelID, d.Template, recipients, d.DueAt, d.Status,
	).Scan(&d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		s.logger.Error("failed to create dispatch",
			zap.Error(err),
			zap.String("dispatch_id", d.ID.String()),
		)
		return fmt.Errorf("insert dispatch: %w", err)
	}

	s.logger.Info("dispatch scheduled",
		zap.String("dispatch_id", d.ID.String()),
		zap.Int("recipients", len(d.Recipients)),
		zap.Time("due_at", d.DueAt),
	)

	return nil
}

func scanDispatch(row pgx.Row) (*ScheduledDispatch, error) {
	var d ScheduledDispatch
	var recipients []byte
	err := row.Scan(
		&d.ID, &d.AccountID, &d.ChannelID, &d.Template, &recipients,
		&d.DueAt, &d.Status, &d.SentCount, &d.FailedCount, &d.LastError,
		&d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(recipients, &d.Recipients); err != nil {
		return nil, fmt.Errorf("unmarshal recipients: %w", err)
	}
	return &d, nil
}

const dispatchColumns = `
	id, account_id, channel_id, template, recipients, due_at, status,
	sent_count, failed_count, last_error, created_at, updated_at
`

// GetDispatch retrieves a dispatch job by ID.
func (s *Store) GetDispatch(ctx context.Context, id uuid.UUID) (*ScheduledDispatch, error) {
	query := `SELECT ` + dispatchColumns + ` FROM scheduled_dispatches WHERE id = $1`

	d, err := scanDispatch(s.db.Pool().QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("dispatch %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query dispatch: %w", err)
	}
	return d, nil
}

// DueDispatches returns pending jobs whose due time has passed, oldest
// first.
func (s *Store) DueDispatches(ctx context.Context, now time.Time, limit int) ([]*ScheduledDispatch, error) {
	query := `
		SELECT ` + dispatchColumns + `
		FROM scheduled_dispatches
		WHERE status = $1 AND due_at <= $2
		ORDER BY due_at ASC
		LIMIT $3
	`

	rows, err := s.db.Pool().Query(ctx, query, DispatchStatusPending, now, limit)
	if err != nil {
		return nil, fmt.Errorf("query due dispatches: %w", err)
	}
	defer rows.Close()

	var dispatches []*ScheduledDispatch
	for rows.Next() {
		d, err := scanDispatch(rows)
		if err != nil {
			return nil, fmt.Errorf("scan dispatch: %w", err)
		}
		dispatches = append(dispatches, d)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return dispatches, nil
}

// ClaimDispatch attempts the pending -> processing transition as a single
// conditional write. Exactly one claimant wins; losers see false and move
// on. This is the only concurrency control over dispatch jobs.
func (s *Store) ClaimDispatch(ctx context.Context, id uuid.UUID) (bool, error) {
	query := `
		UPDATE scheduled_dispatches
		SET status = $1, updated_at = NOW()
		WHERE id = $2 AND status = $3
	`

	result, err := s.db.Pool().Exec(ctx, query, DispatchStatusProcessing, id, DispatchStatusPending)
	if err != nil {
		return false, fmt.Errorf("claim dispatch: %w", err)
	}

	return result.RowsAffected() > 0, nil
}

// FinishDispatch records the terminal state and the per-recipient outcome
// counts for a claimed job.
func (s *Store) FinishDispatch(ctx context.Context, id uuid.UUID, status string, sent, failed int, lastError *string) error {
	query := `
		UPDATE scheduled_dispatches
		SET status = $1, sent_count = $2, failed_count = $3, last_error = $4, updated_at = NOW()
		WHERE id = $5 AND status = $6
	`

	result, err := s.db.Pool().Exec(ctx, query, status, sent, failed, lastError, id, DispatchStatusProcessing)
	if err != nil {
		return fmt.Errorf("finish dispatch: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("dispatch %s not in processing state: %w", id, ErrNotFound)
	}

	s.logger.Info("dispatch finished",
		zap.String("dispatch_id", id.String()),
		zap.String("status", status),
		zap.Int("sent", sent),
		zap.Int("failed", failed),
	)

	return nil
}

// ListDispatches returns jobs for an account, newest first.
func (s *Store) ListDispatches(ctx context.Context, accountID uuid.UUID, limit, offset int) ([]*ScheduledDispatch, error) {
	query := `
		SELECT ` + dispatchColumns + `
		FROM scheduled_dispatches
		WHERE account_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := s.db.Pool().Query(ctx, query, accountID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query dispatches: %w", err)
	}
	defer rows.Close()

	var dispatches []*ScheduledDispatch
	for rows.Next() {
		d, err := scanDispatch(rows)
		if err != nil {
			return nil, fmt.Errorf("scan dispatch: %w", err)
		}
		dispatches = append(dispatches, d)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return dispatches, nil
}
