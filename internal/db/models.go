package db

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ChannelType identifies the transport family a Channel is configured for.
const (
	ChannelTypeChat     = "chat"     // chat-messaging platforms (provider-driven)
	ChannelTypeDirect   = "direct"   // direct-message graph webhooks
	ChannelTypeBot      = "bot"      // bot API, token-addressed callbacks
	ChannelTypeMailbox  = "mailbox"  // polled mailbox
	ChannelTypeTeamChat = "teamchat" // enterprise chat
)

// Channel status constants
const (
	ChannelStatusActive   = "active"
	ChannelStatusInactive = "inactive"
	ChannelStatusError    = "error"
)

// Channel is a configured endpoint for one external transport.
// At most one active channel per (account, type).
type Channel struct {
	ID         uuid.UUID  `json:"id"`
	AccountID  uuid.UUID  `json:"account_id"`
	Type       string     `json:"type"`
	Provider   string     `json:"provider"` // explicit discriminator, set at configuration time
	Status     string     `json:"status"`
	BotToken   *string    `json:"bot_token,omitempty"` // opaque callback-URL token, bot channels only
	LastError  *string    `json:"last_error,omitempty"`
	LastSyncAt *time.Time `json:"last_sync_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// Credential kind constants
const (
	CredentialKindStatic = "static"
	CredentialKindOAuth  = "oauth"
)

// Credential is the secret bundle owned 1:1 by a Channel. Static channels
// carry only Secret; OAuth channels carry the token pair plus expiry.
type Credential struct {
	ChannelID    uuid.UUID  `json:"channel_id"`
	Kind         string     `json:"kind"`
	Secret       string     `json:"secret,omitempty"` // token or app password
	AccessToken  string     `json:"access_token,omitempty"`
	RefreshToken string     `json:"refresh_token,omitempty"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	ClientID     string     `json:"client_id,omitempty"`
	ClientSecret string     `json:"client_secret,omitempty"`
	Tenant       string     `json:"tenant,omitempty"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Contact is a deduplicated external correspondent, keyed by
// (account, source_type, source_id).
type Contact struct {
	ID          uuid.UUID `json:"id"`
	AccountID   uuid.UUID `json:"account_id"`
	SourceType  string    `json:"source_type"`
	SourceID    string    `json:"source_id"` // channel-native identifier: phone, user id, address
	DisplayName string    `json:"display_name"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Conversation status constants
const (
	ConversationStatusActive   = "active"
	ConversationStatusArchived = "archived"
	ConversationStatusPinned   = "pinned"
)

// Conversation is a thread between one Contact and one Channel.
type Conversation struct {
	ID            uuid.UUID       `json:"id"`
	ChannelID     uuid.UUID       `json:"channel_id"`
	ContactID     uuid.UUID       `json:"contact_id"`
	Subject       string          `json:"subject,omitempty"`
	Status        string          `json:"status"`
	ThreadID      *string         `json:"thread_id,omitempty"` // provider-native thread identifier
	Metadata      json.RawMessage `json:"metadata,omitempty"`
	LastMessageAt time.Time       `json:"last_message_at"`
	CreatedAt     time.Time       `json:"created_at"`
}

// Message type constants
const (
	MessageTypeText     = "text"
	MessageTypeImage    = "image"
	MessageTypeVideo    = "video"
	MessageTypeAudio    = "audio"
	MessageTypeDocument = "document"
	MessageTypeLocation = "location"
	MessageTypeSystem   = "system"
)

// Message status constants. Outbound statuses only move forward:
// sent -> delivered -> read.
const (
	MessageStatusReceived  = "received"
	MessageStatusSent      = "sent"
	MessageStatusDelivered = "delivered"
	MessageStatusRead      = "read"
	MessageStatusFailed    = "failed"
)

// Message is one unit of communication. A Message with a non-nil
// ExternalID is inserted at most once per channel.
type Message struct {
	ID             uuid.UUID       `json:"id"`
	ConversationID uuid.UUID       `json:"conversation_id"`
	ChannelID      uuid.UUID       `json:"channel_id"`
	FromMe         bool            `json:"from_me"`
	ExternalID     *string         `json:"external_id,omitempty"`
	Body           string          `json:"body"`
	Preview        string          `json:"preview"`
	Type           string          `json:"type"`
	Status         string          `json:"status"`
	Payload        json.RawMessage `json:"payload,omitempty"` // raw provider metadata
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Dispatch status constants
const (
	DispatchStatusPending    = "pending"
	DispatchStatusProcessing = "processing"
	DispatchStatusCompleted  = "completed"
	DispatchStatusFailed     = "failed"
)

// DispatchRecipient is one entry in a bulk job's recipient list.
type DispatchRecipient struct {
	ContactID uuid.UUID         `json:"contact_id"`
	Phone     string            `json:"phone"`
	Variables map[string]string `json:"variables,omitempty"`
}

// ScheduledDispatch is a bulk-send job: a message template plus a recipient
// list and a due time. Completed records partial-failure counts; failed
// means zero recipients succeeded.
type ScheduledDispatch struct {
	ID          uuid.UUID           `json:"id"`
	AccountID   uuid.UUID           `json:"account_id"`
	ChannelID   uuid.UUID           `json:"channel_id"`
	Template    string              `json:"template"`
	Recipients  []DispatchRecipient `json:"recipients"`
	DueAt       time.Time           `json:"due_at"`
	Status      string              `json:"status"`
	SentCount   int                 `json:"sent_count"`
	FailedCount int                 `json:"failed_count"`
	LastError   *string             `json:"last_error,omitempty"`
	CreatedAt   time.Time           `json:"created_at"`
	UpdatedAt   time.Time           `json:"updated_at"`
}

// LIDMapping pairs a transport's opaque privacy-preserving identifier with
// the stable addressable identifier for the same correspondent. Learned
// from traffic only.
type LIDMapping struct {
	OpaqueID  string    `json:"opaque_id"`
	Address   string    `json:"address"`
	UpdatedAt time.Time `json:"updated_at"`
}
