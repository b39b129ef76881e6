package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

const conversationColumns = `
	id, channel_id, contact_id, subject, status, thread_id,
	metadata, last_message_at, created_at
`

func scanConversation(row pgx.Row) (*Conversation, error) {
	var c Conversation
	err := row.Scan(
		&c.ID, &c.ChannelID, &c.ContactID, &c.Subject, &c.Status,
		&c.ThreadID, &c.Metadata, &c.LastMessageAt, &c.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// CreateConversation inserts a new conversation thread.
func (s *Store) CreateConversation(ctx context.Context, conv *Conversation) error {
	query := `
		INSERT INTO conversations (id, channel_id, contact_id, subject, status, thread_id, metadata, last_message_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at
	`

	if conv.Status == "" {
		conv.Status = ConversationStatusActive
	}
	if conv.LastMessageAt.IsZero() {
		conv.LastMessageAt = time.Now()
	}

	err := s.db.Pool().QueryRow(ctx, query,
		conv.ID, conv.ChannelID, conv.ContactID, conv.Subject, conv.Status,
		conv.ThreadID, conv.Metadata, conv.LastMessageAt,
	).Scan(&conv.CreatedAt)
	if err != nil {
		s.logger.Error("failed to create conversation",
			zap.Error(err),
			zap.String("channel_id", conv.ChannelID.String()),
			zap.String("contact_id", conv.ContactID.String()),
		)
		return fmt.Errorf("insert conversation: %w", err)
	}

	return nil
}

// GetConversation retrieves a conversation by ID.
func (s *Store) GetConversation(ctx context.Context, id uuid.UUID) (*Conversation, error) {
	query := `SELECT ` + conversationColumns + ` FROM conversations WHERE id = $1`

	conv, err := scanConversation(s.db.Pool().QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("conversation %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query conversation: %w", err)
	}
	return conv, nil
}

// FindConversationByThreadID matches a conversation by the provider-native
// thread identifier. Returns (nil, nil) on no match.
func (s *Store) FindConversationByThreadID(ctx context.Context, channelID uuid.UUID, threadID string) (*Conversation, error) {
	query := `SELECT ` + conversationColumns + ` FROM conversations WHERE channel_id = $1 AND thread_id = $2`

	conv, err := scanConversation(s.db.Pool().QueryRow(ctx, query, channelID, threadID))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query conversation by thread: %w", err)
	}
	return conv, nil
}

// FindLatestConversation returns the most recent conversation between a
// contact and a channel, or (nil, nil) when none exists.
func (s *Store) FindLatestConversation(ctx context.Context, channelID, contactID uuid.UUID) (*Conversation, error) {
	query := `
		SELECT ` + conversationColumns + `
		FROM conversations
		WHERE channel_id = $1 AND contact_id = $2
		ORDER BY last_message_at DESC
		LIMIT 1
	`

	conv, err := scanConversation(s.db.Pool().QueryRow(ctx, query, channelID, contactID))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query latest conversation: %w", err)
	}
	return conv, nil
}

// FindConversationByReplyReference resolves a mailbox reply by the external
// id of the message it references. Returns (nil, nil) when the referenced
// message is unknown.
func (s *Store) FindConversationByReplyReference(ctx context.Context, channelID uuid.UUID, reference string) (*Conversation, error) {
	query := `
		SELECT ` + conversationColumns + `
		FROM conversations
		WHERE id = (
			SELECT conversation_id FROM messages
			WHERE channel_id = $1 AND external_id = $2
			LIMIT 1
		)
	`

	conv, err := scanConversation(s.db.Pool().QueryRow(ctx, query, channelID, reference))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query conversation by reference: %w", err)
	}
	return conv, nil
}

// BumpConversation advances last_message_at to the given time.
func (s *Store) BumpConversation(ctx context.Context, id uuid.UUID, at time.Time) error {
	query := `UPDATE conversations SET last_message_at = $1 WHERE id = $2 AND last_message_at < $1`

	if _, err := s.db.Pool().Exec(ctx, query, at, id); err != nil {
		return fmt.Errorf("bump conversation: %w", err)
	}
	return nil
}

// SetConversationStatus archives, unarchives or pins a conversation.
// Archival is a status flag; conversation rows are never deleted.
func (s *Store) SetConversationStatus(ctx context.Context, id uuid.UUID, status string) error {
	query := `UPDATE conversations SET status = $1 WHERE id = $2`

	result, err := s.db.Pool().Exec(ctx, query, status, id)
	if err != nil {
		return fmt.Errorf("update conversation status: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("conversation %s: %w", id, ErrNotFound)
	}
	return nil
}

// ListConversations returns conversations for a channel ordered by recency.
func (s *Store) ListConversations(ctx context.Context, channelID uuid.UUID, limit, offset int) ([]*Conversation, error) {
	query := `
		SELECT ` + conversationColumns + `
		FROM conversations
		WHERE channel_id = $1
		ORDER BY last_message_at DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := s.db.Pool().Query(ctx, query, channelID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query conversations: %w", err)
	}
	defer rows.Close()

	var conversations []*Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		conversations = append(conversations, conv)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return conversations, nil
}
