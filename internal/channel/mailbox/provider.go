// Package mailbox implements the mail channel. Unlike the push channels
// it polls the provider for new messages on an interval instead of
// receiving webhooks.
package mailbox

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/switchboardhq/switchboard/internal/channel"
	"github.com/switchboardhq/switchboard/internal/db"
)

// Provider names accepted by the factory.
const (
	ProviderGraph = "graph"
	ProviderSES   = "ses"
)

// OutboundMail is a provider-neutral message to send.
type OutboundMail struct {
	To      string
	Subject string
	Body    string
}

// InboundMail is a provider-neutral received message.
type InboundMail struct {
	ExternalID string
	From       string
	FromName   string
	Subject    string
	Body       string
	ThreadID   string
	InReplyTo  string
	ReceivedAt time.Time
	HasAttach  bool
}

// Provider abstracts the concrete mail backend.
type Provider interface {
	// Send sends a mail and returns the provider message id.
	Send(ctx context.Context, mail OutboundMail) (string, error)
	// Fetch returns messages received after the cursor, oldest first.
	// Providers without an inbound surface return channel.ErrUnsupportedProvider.
	Fetch(ctx context.Context, since time.Time, limit int) ([]InboundMail, error)
	// MarkRead flags a message read at the provider, best effort.
	MarkRead(ctx context.Context, externalID string) error
	// Healthy reports whether the provider's credentials work.
	Healthy(ctx context.Context) error
}

// ProviderConfig carries factory inputs common to all providers.
type ProviderConfig struct {
	Provider string
	BaseURL  string
	Address  string // the mailbox address the channel represents
	Region   string // ses only
	Timeout  time.Duration
}

// NewProvider builds the provider named in cfg. Unknown names fail here,
// before any channel is registered.
func NewProvider(ctx context.Context, cfg ProviderConfig, ch *db.Channel, tokens TokenSource, logger *zap.Logger) (Provider, error) {
	switch cfg.Provider {
	case ProviderGraph:
		return newGraphProvider(cfg, ch, tokens, logger), nil
	case ProviderSES:
		return newSESProvider(ctx, cfg, logger)
	default:
		return nil, fmt.Errorf("provider %q: %w", cfg.Provider, channel.ErrUnsupportedProvider)
	}
}
