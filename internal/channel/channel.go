// Package channel defines the contract every channel adapter implements and
// the registry the webhook router resolves adapters through.
package channel

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// ErrUnsupportedProvider is returned at construction time when a channel's
// provider discriminator names a driver this build does not ship.
// Misconfiguration surfaces at setup, never at first send.
var ErrUnsupportedProvider = errors.New("unsupported provider")

// ErrChannelNotFound indicates the caller referenced a channel that does not
// exist at all. Predictable send/receive failures are reported through
// result structs instead.
var ErrChannelNotFound = errors.New("channel not found")

// SendRequest is the canonical outbound payload accepted by every adapter.
type SendRequest struct {
	ConversationID *uuid.UUID        `json:"conversation_id,omitempty"`
	To             string            `json:"to"`
	Type           string            `json:"type"`
	Body           string            `json:"body,omitempty"`
	MediaURL       string            `json:"media_url,omitempty"`
	Caption        string            `json:"caption,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// Attachment is a standalone binary to deliver outside a message body.
type Attachment struct {
	To       string `json:"to"`
	Type     string `json:"type"` // image, video, audio, document
	URL      string `json:"url"`
	Filename string `json:"filename,omitempty"`
	Caption  string `json:"caption,omitempty"`
}

// SendResult reports one send attempt. Err is a provider error string, not
// a Go error: predictable failures never cross the contract as panics or
// returned errors.
type SendResult struct {
	Success    bool   `json:"success"`
	ExternalID string `json:"external_id,omitempty"`
	Err        string `json:"error,omitempty"`
}

// WebhookResult reports one inbound callback batch. Processed counts the
// logical events ingested; malformed sub-events are skipped and do not fail
// the batch.
type WebhookResult struct {
	Success   bool   `json:"success"`
	Processed int    `json:"processed"`
	Skipped   int    `json:"skipped"`
	Err       string `json:"error,omitempty"`
}

// Channel is the capability set every adapter is polymorphic over.
type Channel interface {
	// ID returns the persisted channel identity this adapter serves.
	ID() uuid.UUID
	// Type returns the channel type discriminator (db.ChannelType*).
	Type() string

	SendMessage(ctx context.Context, req SendRequest) SendResult
	// SendAttachment delivers a standalone binary; adapters without
	// attachment support report unsupported via the result.
	SendAttachment(ctx context.Context, att Attachment) SendResult
	// ReceiveWebhook parses one inbound callback batch.
	ReceiveWebhook(ctx context.Context, raw []byte) WebhookResult
	// SetupWebhook idempotently (re)registers the callback URL with the
	// external transport.
	SetupWebhook(ctx context.Context) bool
	// ValidateCredentials performs a lightweight authenticated call and
	// transitions the channel's status accordingly.
	ValidateCredentials(ctx context.Context) bool
	// MarkAsRead is best-effort; channels without a read-receipt primitive
	// return false without error.
	MarkAsRead(ctx context.Context, externalID string) bool
}

// Verifier is implemented by push-model adapters that answer a GET
// verification challenge. The returned string is echoed to the platform
// when ok is true.
type Verifier interface {
	VerifyChallenge(mode, token, challenge string) (string, bool)
}

// Unsupported builds the result for a primitive a channel does not offer.
func Unsupported(op string) SendResult {
	return SendResult{Success: false, Err: op + " not supported on this channel"}
}

// Failure wraps a provider error into a send result.
func Failure(err error) SendResult {
	return SendResult{Success: false, Err: err.Error()}
}
