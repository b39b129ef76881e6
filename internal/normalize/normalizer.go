// Package normalize converts provider-specific inbound events into
// canonical Contact/Conversation/Message records. The pipeline is the same
// for every channel type; adapters only do payload extraction.
package normalize

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/switchboardhq/switchboard/internal/db"
	"github.com/switchboardhq/switchboard/internal/metrics"
)

// Event is the provider-agnostic shape an adapter extracts from one logical
// webhook sub-event.
type Event struct {
	SenderAddress string
	SenderName    string
	ExternalID    string
	Timestamp     time.Time

	Type     string // db.MessageType*; empty means classify from shape
	Body     string
	MediaURL string
	Filename string
	Caption  string
	Lat, Lng float64

	// ReplyTo is the external id or address the event explicitly replies
	// to (mailbox In-Reply-To). ThreadID is the provider-native thread
	// identifier. Either may be empty.
	ReplyTo  string
	ThreadID string
	Subject  string

	Raw json.RawMessage
}

// Outcome says what the pipeline did with an event.
type Outcome string

const (
	OutcomeIngested  Outcome = "ingested"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeInvalid   Outcome = "invalid"
)

// Store is the persistence surface the pipeline writes through.
type Store interface {
	GetMessageByExternalID(ctx context.Context, channelID uuid.UUID, externalID string) (*db.Message, error)
	UpsertContact(ctx context.Context, accountID uuid.UUID, sourceType, sourceID, displayName string) (*db.Contact, error)
	FindConversationByReplyReference(ctx context.Context, channelID uuid.UUID, reference string) (*db.Conversation, error)
	FindConversationByThreadID(ctx context.Context, channelID uuid.UUID, threadID string) (*db.Conversation, error)
	FindLatestConversation(ctx context.Context, channelID, contactID uuid.UUID) (*db.Conversation, error)
	CreateConversation(ctx context.Context, conv *db.Conversation) error
	BumpConversation(ctx context.Context, id uuid.UUID, at time.Time) error
	CreateMessage(ctx context.Context, msg *db.Message) error
	AdvanceMessageStatus(ctx context.Context, channelID uuid.UUID, externalID, status string) (bool, error)
	MarkMessageFailed(ctx context.Context, id uuid.UUID, reason string) error
}

// EventPublisher receives canonical events after persistence. Implementations
// must be safe to call concurrently; a nil publisher disables publishing.
type EventPublisher interface {
	MessageReceived(ctx context.Context, msg *db.Message)
}

// Pipeline applies the normalization steps in order: extract check, dedup,
// contact, conversation, classify, persist, log.
type Pipeline struct {
	store  Store
	events EventPublisher
	logger *zap.Logger
}

// NewPipeline creates a normalizer. events may be nil.
func NewPipeline(store Store, events EventPublisher, logger *zap.Logger) *Pipeline {
	return &Pipeline{
		store:  store,
		events: events,
		logger: logger,
	}
}

// ProcessInbound runs one event through the pipeline. Invalid events are a
// no-op outcome, not an error; errors are reserved for persistence
// failures.
func (p *Pipeline) ProcessInbound(ctx context.Context, ch *db.Channel, ev Event) (Outcome, error) {
	// Step 1: minimal required fields.
	if ev.SenderAddress == "" || ev.ExternalID == "" {
		p.logger.Debug("inbound event missing required fields",
			zap.String("channel_id", ch.ID.String()),
			zap.String("external_id", ev.ExternalID),
		)
		metrics.RecordMessageIngested(ch.Type, string(OutcomeInvalid))
		return OutcomeInvalid, nil
	}

	// Step 2: dedup before any side effect.
	existing, err := p.store.GetMessageByExternalID(ctx, ch.ID, ev.ExternalID)
	if err != nil {
		return "", fmt.Errorf("dedup lookup: %w", err)
	}
	if existing != nil {
		p.logger.Debug("inbound event already ingested",
			zap.String("channel_id", ch.ID.String()),
			zap.String("external_id", ev.ExternalID),
		)
		metrics.RecordMessageIngested(ch.Type, string(OutcomeDuplicate))
		return OutcomeDuplicate, nil
	}

	// Step 3: contact.
	contact, err := p.store.UpsertContact(ctx, ch.AccountID, ch.Type, ev.SenderAddress, ev.SenderName)
	if err != nil {
		return "", fmt.Errorf("resolve contact: %w", err)
	}

	// Step 4: conversation.
	conv, err := p.resolveConversation(ctx, ch, contact, ev)
	if err != nil {
		return "", fmt.Errorf("resolve conversation: %w", err)
	}

	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	if err := p.store.BumpConversation(ctx, conv.ID, ts); err != nil {
		return "", fmt.Errorf("bump conversation: %w", err)
	}

	// Step 5: classify and build the preview.
	msgType := ev.Type
	if msgType == "" {
		msgType = classify(ev)
	}
	preview := buildPreview(msgType, ev)

	// Step 6: persist.
	externalID := ev.ExternalID
	msg := &db.Message{
		ID:             uuid.New(),
		ConversationID: conv.ID,
		ChannelID:      ch.ID,
		FromMe:         false,
		ExternalID:     &externalID,
		Body:           ev.Body,
		Preview:        preview,
		Type:           msgType,
		Status:         db.MessageStatusReceived,
		Payload:        ev.Raw,
	}
	if err := p.store.CreateMessage(ctx, msg); err != nil {
		return "", fmt.Errorf("persist message: %w", err)
	}

	if p.events != nil {
		p.events.MessageReceived(ctx, msg)
	}

	// Step 7: structured outcome log.
	p.logger.Info("inbound message ingested",
		zap.String("channel_id", ch.ID.String()),
		zap.String("conversation_id", conv.ID.String()),
		zap.String("message_id", msg.ID.String()),
		zap.String("external_id", ev.ExternalID),
		zap.String("type", msgType),
	)
	metrics.RecordMessageIngested(ch.Type, string(OutcomeIngested))

	return OutcomeIngested, nil
}

// Outbound describes a message the gateway itself sent through a channel.
type Outbound struct {
	ChannelID   uuid.UUID
	AccountID   uuid.UUID
	ChannelType string
	To          string
	Body        string
	ExternalID  string // provider-native id; empty when the provider hands out none
}

// RecordOutbound persists a sent message so later delivery and read
// callbacks have a row to advance. The contact and the conversation are
// resolved the same way as for inbound traffic.
func (p *Pipeline) RecordOutbound(ctx context.Context, out Outbound) (*db.Message, error) {
	if out.To == "" {
		return nil, fmt.Errorf("outbound message missing recipient")
	}

	contact, err := p.store.UpsertContact(ctx, out.AccountID, out.ChannelType, out.To, "")
	if err != nil {
		return nil, fmt.Errorf("resolve contact: %w", err)
	}

	ch := &db.Channel{ID: out.ChannelID, AccountID: out.AccountID, Type: out.ChannelType}
	conv, err := p.resolveConversation(ctx, ch, contact, Event{SenderAddress: out.To})
	if err != nil {
		return nil, fmt.Errorf("resolve conversation: %w", err)
	}
	if err := p.store.BumpConversation(ctx, conv.ID, time.Now()); err != nil {
		return nil, fmt.Errorf("bump conversation: %w", err)
	}

	msg := &db.Message{
		ID:             uuid.New(),
		ConversationID: conv.ID,
		ChannelID:      out.ChannelID,
		FromMe:         true,
		Body:           out.Body,
		Preview:        truncate(out.Body, previewMax),
		Type:           db.MessageTypeText,
		Status:         db.MessageStatusSent,
	}
	if out.ExternalID != "" {
		externalID := out.ExternalID
		msg.ExternalID = &externalID
	}
	if err := p.store.CreateMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("persist message: %w", err)
	}

	p.logger.Info("outbound message recorded",
		zap.String("channel_id", out.ChannelID.String()),
		zap.String("conversation_id", conv.ID.String()),
		zap.String("message_id", msg.ID.String()),
	)

	return msg, nil
}

// resolveConversation applies the priority order: explicit reply reference,
// provider-native thread id, most recent conversation with the contact,
// then a new thread.
func (p *Pipeline) resolveConversation(ctx context.Context, ch *db.Channel, contact *db.Contact, ev Event) (*db.Conversation, error) {
	if ev.ReplyTo != "" {
		conv, err := p.store.FindConversationByReplyReference(ctx, ch.ID, ev.ReplyTo)
		if err != nil {
			return nil, err
		}
		if conv != nil {
			return conv, nil
		}
	}

	if ev.ThreadID != "" {
		conv, err := p.store.FindConversationByThreadID(ctx, ch.ID, ev.ThreadID)
		if err != nil {
			return nil, err
		}
		if conv != nil {
			return conv, nil
		}
	}

	conv, err := p.store.FindLatestConversation(ctx, ch.ID, contact.ID)
	if err != nil {
		return nil, err
	}
	if conv != nil {
		return conv, nil
	}

	conv = &db.Conversation{
		ID:        uuid.New(),
		ChannelID: ch.ID,
		ContactID: contact.ID,
		Subject:   ev.Subject,
		Status:    db.ConversationStatusActive,
	}
	if ev.ThreadID != "" {
		threadID := ev.ThreadID
		conv.ThreadID = &threadID
	}
	if err := p.store.CreateConversation(ctx, conv); err != nil {
		return nil, err
	}

	p.logger.Info("conversation created",
		zap.String("conversation_id", conv.ID.String()),
		zap.String("channel_id", ch.ID.String()),
		zap.String("contact_id", contact.ID.String()),
	)

	return conv, nil
}

// ProcessStatus handles delivery/read callbacks: it advances an existing
// outbound message's status monotonically and never creates messages.
// Returns false when the message is unknown or the transition is a
// regression.
func (p *Pipeline) ProcessStatus(ctx context.Context, ch *db.Channel, externalID, status string) (bool, error) {
	if externalID == "" {
		return false, nil
	}

	// A provider-reported failure is terminal, not part of the forward
	// sent>delivered>read chain.
	if status == db.MessageStatusFailed {
		msg, err := p.store.GetMessageByExternalID(ctx, ch.ID, externalID)
		if err != nil {
			return false, fmt.Errorf("failed-status lookup: %w", err)
		}
		if msg == nil || !msg.FromMe {
			return false, nil
		}
		if err := p.store.MarkMessageFailed(ctx, msg.ID, "provider reported delivery failure"); err != nil {
			return false, fmt.Errorf("mark message failed: %w", err)
		}
		p.logger.Warn("outbound message failed at provider",
			zap.String("channel_id", ch.ID.String()),
			zap.String("external_id", externalID),
		)
		return true, nil
	}

	advanced, err := p.store.AdvanceMessageStatus(ctx, ch.ID, externalID, status)
	if err != nil {
		return false, fmt.Errorf("advance status: %w", err)
	}

	p.logger.Debug("delivery callback processed",
		zap.String("channel_id", ch.ID.String()),
		zap.String("external_id", externalID),
		zap.String("status", status),
		zap.Bool("advanced", advanced),
	)

	return advanced, nil
}

func classify(ev Event) string {
	switch {
	case ev.Lat != 0 || ev.Lng != 0:
		return db.MessageTypeLocation
	case ev.MediaURL != "":
		return mediaType(ev)
	case ev.Body != "":
		return db.MessageTypeText
	default:
		return db.MessageTypeSystem
	}
}

func mediaType(ev Event) string {
	name := strings.ToLower(ev.Filename)
	if name == "" {
		name = strings.ToLower(ev.MediaURL)
	}
	switch {
	case hasAnySuffix(name, ".jpg", ".jpeg", ".png", ".gif", ".webp"):
		return db.MessageTypeImage
	case hasAnySuffix(name, ".mp4", ".mov", ".avi", ".webm"):
		return db.MessageTypeVideo
	case hasAnySuffix(name, ".mp3", ".ogg", ".wav", ".m4a", ".opus"):
		return db.MessageTypeAudio
	default:
		return db.MessageTypeDocument
	}
}

func hasAnySuffix(s string, suffixes ...string) bool {
	for _, suffix := range suffixes {
		if strings.HasSuffix(s, suffix) {
			return true
		}
	}
	return false
}

const previewMax = 120

func buildPreview(msgType string, ev Event) string {
	switch msgType {
	case db.MessageTypeText, db.MessageTypeSystem:
		return truncate(ev.Body, previewMax)
	case db.MessageTypeLocation:
		return fmt.Sprintf("Location: %.6f, %.6f", ev.Lat, ev.Lng)
	default:
		label := "[" + msgType + "]"
		if ev.Caption != "" {
			return truncate(label+" "+ev.Caption, previewMax)
		}
		if ev.Filename != "" {
			return truncate(label+" "+ev.Filename, previewMax)
		}
		return label
	}
}

func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max-1]) + "…"
}
