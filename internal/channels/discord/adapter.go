// Package discord implements the Discord channel adapter on top of
// discordgo's gateway session. Discord has no editable ephemeral status
// surface, so the status stream only drives the typing indicator.
package discord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/cyph3rasi/kyber/internal/bus"
	"github.com/cyph3rasi/kyber/internal/channels"
	"github.com/cyph3rasi/kyber/pkg/models"
)

// ChannelName is the routing name for this adapter.
const ChannelName = "discord"

// Config configures the adapter.
type Config struct {
	// Token is the bot token from the Discord developer portal.
	Token string

	// Allowlist restricts which author ids may talk to the bot.
	Allowlist channels.Allowlist

	Logger *slog.Logger
}

// Adapter connects Discord to the message bus.
type Adapter struct {
	config Config
	bus    *bus.MessageBus
	logger *slog.Logger

	mu      sync.Mutex
	session *discordgo.Session
	started bool
}

// New creates the adapter and subscribes it to the status stream.
func New(config Config, b *bus.MessageBus) (*Adapter, error) {
	if config.Token == "" {
		return nil, fmt.Errorf("discord: token is required")
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	a := &Adapter{
		config: config,
		bus:    b,
		logger: config.Logger.With("component", "channel", "channel", ChannelName),
	}
	b.SubscribeStatus(ChannelName, a.handleStatus)
	return a, nil
}

// Name returns "discord".
func (a *Adapter) Name() string {
	return ChannelName
}

// Start opens the gateway session and registers the message handler.
func (a *Adapter) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started {
		return fmt.Errorf("discord: adapter already started")
	}

	session, err := discordgo.New("Bot " + a.config.Token)
	if err != nil {
		return fmt.Errorf("discord: create session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentMessageContent
	session.AddHandler(a.handleMessageCreate)

	if err := session.Open(); err != nil {
		return fmt.Errorf("discord: open gateway: %w", err)
	}

	a.session = session
	a.started = true
	a.logger.Info("discord adapter started")
	return nil
}

// Stop closes the gateway session.
func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.started {
		return nil
	}
	a.started = false
	if err := a.session.Close(); err != nil {
		return fmt.Errorf("discord: close gateway: %w", err)
	}
	return nil
}

// handleMessageCreate forwards one Discord message to the bus.
func (a *Adapter) handleMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot {
		return
	}
	if s.State != nil && s.State.User != nil && m.Author.ID == s.State.User.ID {
		return
	}
	if !a.config.Allowlist.Allows(m.Author.ID) {
		a.logger.Warn("dropping message from sender not on allowlist", "sender_id", m.Author.ID)
		return
	}

	a.bus.PublishInbound(models.InboundMessage{
		Channel:   ChannelName,
		SenderID:  m.Author.ID,
		ChatID:    m.ChannelID,
		Content:   m.Content,
		Timestamp: time.Now(),
	})
}

// Send delivers one message, classifying failures for the dispatcher.
func (a *Adapter) Send(ctx context.Context, msg models.OutboundMessage) error {
	a.mu.Lock()
	session := a.session
	a.mu.Unlock()
	if session == nil {
		return channels.TemporaryDelivery(channels.ErrCodeUnavailable, "discord session not started", nil)
	}

	_, err := session.ChannelMessageSend(msg.ChatID, msg.Content, discordgo.WithContext(ctx))
	if err != nil {
		return classifySendError(err)
	}
	return nil
}

// handleStatus fires the typing indicator while a turn is working. Individual
// status lines are not mirrored to Discord.
func (a *Adapter) handleStatus(ctx context.Context, update models.StatusUpdate) {
	if update.Line != models.StatusStart {
		return
	}
	a.mu.Lock()
	session := a.session
	a.mu.Unlock()
	if session == nil {
		return
	}
	if err := session.ChannelTyping(update.ChatID, discordgo.WithContext(ctx)); err != nil {
		a.logger.Debug("typing indicator failed", "error", err)
	}
}

// classifySendError maps Discord API failures onto the delivery taxonomy.
func classifySendError(err error) error {
	var rest *discordgo.RESTError
	if errors.As(err, &rest) && rest.Response != nil {
		switch rest.Response.StatusCode {
		case http.StatusForbidden:
			return channels.PermanentDelivery(channels.ErrCodeForbidden, "missing access to channel", err)
		case http.StatusNotFound:
			return channels.PermanentDelivery(channels.ErrCodeNotFound, "channel not found", err)
		case http.StatusBadRequest:
			return channels.PermanentDelivery(channels.ErrCodeInvalidInput, "discord rejected the message", err)
		case http.StatusTooManyRequests:
			return channels.TemporaryDelivery(channels.ErrCodeRateLimit, "discord rate limit", err)
		}
		if rest.Response.StatusCode >= 500 {
			return channels.TemporaryDelivery(channels.ErrCodeUnavailable, "discord server error", err)
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return channels.TemporaryDelivery(channels.ErrCodeTimeout, "discord send timed out", err)
	}
	return channels.TemporaryDelivery(channels.ErrCodeConnection, "discord send failed", err)
}
