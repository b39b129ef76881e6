package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/switchboardhq/switchboard/internal/channel"
	"github.com/switchboardhq/switchboard/internal/channel/mailbox"
	"github.com/switchboardhq/switchboard/internal/channel/messenger"
	"github.com/switchboardhq/switchboard/internal/channel/teamchat"
	"github.com/switchboardhq/switchboard/internal/channel/telegram"
	"github.com/switchboardhq/switchboard/internal/channel/whatsapp"
	"github.com/switchboardhq/switchboard/internal/config"
	"github.com/switchboardhq/switchboard/internal/db"
	"github.com/switchboardhq/switchboard/internal/normalize"
	"github.com/switchboardhq/switchboard/internal/resolver"
	"github.com/switchboardhq/switchboard/internal/token"
)

// channelManager builds adapters from persisted channel rows and keeps
// the registry in sync. It implements api.Connector.
type channelManager struct {
	cfg      *config.Config
	store    *db.Store
	registry *channel.Registry
	pipeline *normalize.Pipeline
	resolver *resolver.Resolver
	tokens   *token.Manager
	logger   *zap.Logger

	mu        sync.Mutex
	mailboxes map[uuid.UUID]*mailbox.Adapter
}

func newChannelManager(cfg *config.Config, store *db.Store, registry *channel.Registry, pipeline *normalize.Pipeline, res *resolver.Resolver, tokens *token.Manager, logger *zap.Logger) *channelManager {
	return &channelManager{
		cfg:       cfg,
		store:     store,
		registry:  registry,
		pipeline:  pipeline,
		resolver:  res,
		tokens:    tokens,
		logger:    logger,
		mailboxes: make(map[uuid.UUID]*mailbox.Adapter),
	}
}

// ConnectAll brings up every persisted active channel. A channel that
// fails to construct is logged and skipped so one bad row cannot keep
// the gateway down.
func (m *channelManager) ConnectAll(ctx context.Context) error {
	channels, err := m.store.ListActiveChannels(ctx, "")
	if err != nil {
		return fmt.Errorf("list active channels: %w", err)
	}

	for _, ch := range channels {
		if err := m.Connect(ctx, ch); err != nil {
			m.logger.Error("failed to bring channel up",
				zap.Error(err),
				zap.String("channel_id", ch.ID.String()),
				zap.String("type", ch.Type),
			)
		}
	}

	m.logger.Info("channels connected", zap.Int("count", len(channels)))
	return nil
}

// Connect builds the adapter for one channel row and registers it.
func (m *channelManager) Connect(ctx context.Context, ch *db.Channel) error {
	cred, err := m.store.GetCredential(ctx, ch.ID)
	if err != nil {
		return fmt.Errorf("load credential: %w", err)
	}

	var adapter channel.Channel
	switch ch.Type {
	case db.ChannelTypeChat:
		adapter, err = whatsapp.NewAdapter(whatsapp.Config{
			Channel: ch,
			Driver: whatsapp.DriverConfig{
				Provider: ch.Provider,
				BaseURL:  m.cfg.ChatAPIURL,
				Token:    cred.Secret,
				Instance: cred.Tenant,
			},
			PublicURL: m.cfg.PublicURL,
		}, m.pipeline, m.resolver, m.store, m.logger)

	case db.ChannelTypeDirect:
		adapter, err = messenger.NewAdapter(messenger.Config{
			Channel:     ch,
			BaseURL:     m.cfg.GraphAPIURL,
			PageToken:   cred.AccessToken,
			VerifyToken: cred.Secret,
			PublicURL:   m.cfg.PublicURL,
		}, m.pipeline, m.store, m.logger)

	case db.ChannelTypeBot:
		botToken := cred.Secret
		if ch.BotToken != nil {
			botToken = *ch.BotToken
		}
		adapter, err = telegram.NewAdapter(telegram.Config{
			Channel:   ch,
			BaseURL:   m.cfg.BotAPIURL,
			Token:     botToken,
			PublicURL: m.cfg.PublicURL,
		}, m.pipeline, m.store, m.logger)

	case db.ChannelTypeMailbox:
		var mb *mailbox.Adapter
		mb, err = mailbox.NewAdapter(ctx, mailbox.Config{
			Channel: ch,
			Provider: mailbox.ProviderConfig{
				Provider: ch.Provider,
				BaseURL:  m.cfg.MailAPIURL,
				Address:  m.cfg.MailFromAddress,
				Region:   m.cfg.AWSRegion,
			},
		}, m.pipeline, m.store, m.tokens, m.logger)
		if err == nil {
			m.mu.Lock()
			m.mailboxes[ch.ID] = mb
			m.mu.Unlock()
			adapter = mb
		}

	case db.ChannelTypeTeamChat:
		adapter, err = teamchat.NewAdapter(teamchat.Config{
			Channel:     ch,
			BaseURL:     m.cfg.TeamChatAPIURL,
			Token:       cred.Secret,
			VerifyToken: cred.ClientSecret,
			PublicURL:   m.cfg.PublicURL,
		}, m.pipeline, m.store, m.logger)

	default:
		return fmt.Errorf("channel type %q: %w", ch.Type, channel.ErrUnsupportedProvider)
	}
	if err != nil {
		return err
	}

	m.registry.Register(adapter)
	if bot, ok := adapter.(*telegram.Adapter); ok {
		m.registry.RegisterBotToken(bot.Token(), adapter)
	}

	m.logger.Info("channel adapter registered",
		zap.String("channel_id", ch.ID.String()),
		zap.String("type", ch.Type),
		zap.String("provider", ch.Provider),
	)
	return nil
}

// Disconnect drops a channel's adapter from the registry.
func (m *channelManager) Disconnect(channelID uuid.UUID) {
	if adapter, ok := m.registry.ByID(channelID); ok {
		m.registry.Unregister(adapter)
	}
	m.mu.Lock()
	delete(m.mailboxes, channelID)
	m.mu.Unlock()
}

// pollMailboxes runs poll passes over every mailbox channel until ctx is
// cancelled.
func (m *channelManager) pollMailboxes(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.logger.Info("mailbox poller started", zap.Duration("interval", interval))

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("mailbox poller stopping")
			return
		case <-ticker.C:
			m.mu.Lock()
			adapters := make([]*mailbox.Adapter, 0, len(m.mailboxes))
			for _, mb := range m.mailboxes {
				adapters = append(adapters, mb)
			}
			m.mu.Unlock()

			for _, mb := range adapters {
				if err := mb.PollOnce(ctx); err != nil {
					m.logger.Error("mailbox poll failed",
						zap.Error(err),
						zap.String("channel_id", mb.ID().String()),
					)
				}
			}
		}
	}
}
