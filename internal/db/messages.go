package db

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

const messageColumns = `
	id, conversation_id, channel_id, from_me, external_id, body, preview,
	type, status, payload, created_at, updated_at
`

func scanMessage(row pgx.Row) (*Message, error) {
	var m Message
	err := row.Scan(
		&m.ID, &m.ConversationID, &m.ChannelID, &m.FromMe, &m.ExternalID,
		&m.Body, &m.Preview, &m.Type, &m.Status, &m.Payload,
		&m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// CreateMessage inserts a message. The partial unique index on
// (channel_id, external_id) enforces at-most-once ingestion for messages
// that carry a provider-native id.
func (s *Store) CreateMessage(ctx context.Context, msg *Message) error {
	query := `
		INSERT INTO messages (id, conversation_id, channel_id, from_me, external_id, body, preview, type, status, payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING created_at, updated_at
	`

	err := s.db.Pool().QueryRow(ctx, query,
		msg.ID, msg.ConversationID, msg.ChannelID, msg.FromMe, msg.ExternalID,
		msg.Body, msg.Preview, msg.Type, msg.Status, msg.Payload,
	).Scan(&msg.CreatedAt, &msg.UpdatedAt)
	if err != nil {
		s.logger.Error("failed to create message",
			zap.Error(err),
			zap.String("conversation_id", msg.ConversationID.String()),
		)
		return fmt.Errorf("insert message: %w", err)
	}

	return nil
}

// GetMessageByExternalID is the dedup probe: it returns (nil, nil) when no
// message with the given provider-native id exists on the channel.
func (s *Store) GetMessageByExternalID(ctx context.Context, channelID uuid.UUID, externalID string) (*Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE channel_id = $1 AND external_id = $2`

	msg, err := scanMessage(s.db.Pool().QueryRow(ctx, query, channelID, externalID))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query message by external id: %w", err)
	}
	return msg, nil
}

// statusRank orders outbound delivery states so transitions can only move
// forward.
var statusRank = map[string]int{
	MessageStatusSent:      1,
	MessageStatusDelivered: 2,
	MessageStatusRead:      3,
}

// AdvanceMessageStatus moves an outbound message's delivery status forward.
// Regressions (a late "delivered" after "read") are ignored, not errors.
// Returns true when the row actually changed.
func (s *Store) AdvanceMessageStatus(ctx context.Context, channelID uuid.UUID, externalID, status string) (bool, error) {
	rank, ok := statusRank[status]
	if !ok {
		return false, fmt.Errorf("status %q is not a delivery state", status)
	}

	query := `
		UPDATE messages
		SET status = $1, updated_at = NOW()
		WHERE channel_id = $2 AND external_id = $3
		  AND status = ANY($4)
	`

	// Only states strictly below the target are eligible.
	var eligible []string
	for st, r := range statusRank {
		if r < rank {
			eligible = append(eligible, st)
		}
	}

	result, err := s.db.Pool().Exec(ctx, query, status, channelID, externalID, eligible)
	if err != nil {
		return false, fmt.Errorf("advance message status: %w", err)
	}

	return result.RowsAffected() > 0, nil
}

// MarkMessageFailed records a terminal send failure on an outbound message.
func (s *Store) MarkMessageFailed(ctx context.Context, id uuid.UUID, reason string) error {
	query := `
		UPDATE messages
		SET status = $1, payload = COALESCE(payload, '{}'::jsonb) || jsonb_build_object('error', $2::text), updated_at = NOW()
		WHERE id = $3
	`

	if _, err := s.db.Pool().Exec(ctx, query, MessageStatusFailed, reason, id); err != nil {
		return fmt.Errorf("mark message failed: %w", err)
	}
	return nil
}

// ListMessages returns a conversation's messages, oldest first.
func (s *Store) ListMessages(ctx context.Context, conversationID uuid.UUID, limit, offset int) ([]*Message, error) {
	query := `
		SELECT ` + messageColumns + `
		FROM messages
		WHERE conversation_id = $1
		ORDER BY created_at ASC
		LIMIT $2 OFFSET $3
	`

	rows, err := s.db.Pool().Query(ctx, query, conversationID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, msg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return messages, nil
}
