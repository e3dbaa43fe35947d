// Package telegram implements the Telegram channel adapter on top of
// go-telegram/bot, using long polling. Status updates for a turn are rendered
// as one editable message that is deleted when the final answer arrives.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-telegram/bot"
	tgmodels "github.com/go-telegram/bot/models"

	"github.com/cyph3rasi/kyber/internal/bus"
	"github.com/cyph3rasi/kyber/internal/channels"
	"github.com/cyph3rasi/kyber/pkg/models"
)

// ChannelName is the routing name for this adapter.
const ChannelName = "telegram"

// Config configures the adapter.
type Config struct {
	// Token is the bot token from @BotFather.
	Token string

	// Allowlist restricts which sender ids may talk to the bot.
	Allowlist channels.Allowlist

	Logger *slog.Logger
}

// statusMessage tracks the editable progress message for one turn.
type statusMessage struct {
	chatID    int64
	messageID int
	lines     []string
}

// Adapter connects Telegram to the message bus.
type Adapter struct {
	config Config
	bus    *bus.MessageBus
	logger *slog.Logger

	bot    *bot.Bot
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	status map[string]*statusMessage
}

// New creates the adapter and subscribes it to the status stream.
func New(config Config, b *bus.MessageBus) (*Adapter, error) {
	if config.Token == "" {
		return nil, fmt.Errorf("telegram: token is required")
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	a := &Adapter{
		config: config,
		bus:    b,
		logger: config.Logger.With("component", "channel", "channel", ChannelName),
		status: make(map[string]*statusMessage),
	}
	b.SubscribeStatus(ChannelName, a.handleStatus)
	return a, nil
}

// Name returns "telegram".
func (a *Adapter) Name() string {
	return ChannelName
}

// Start connects the bot and begins long polling in the background.
func (a *Adapter) Start(ctx context.Context) error {
	b, err := bot.New(a.config.Token)
	if err != nil {
		return fmt.Errorf("telegram: create bot: %w", err)
	}
	a.bot = b
	a.bot.RegisterHandler(bot.HandlerTypeMessageText, "", bot.MatchTypePrefix, a.handleUpdate)

	runCtx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.bot.Start(runCtx)
	}()

	a.logger.Info("telegram adapter started")
	return nil
}

// Stop ends long polling and waits for the receive loop.
func (a *Adapter) Stop(ctx context.Context) error {
	if a.cancel != nil {
		a.cancel()
	}
	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// handleUpdate forwards one Telegram message to the bus.
func (a *Adapter) handleUpdate(ctx context.Context, b *bot.Bot, update *tgmodels.Update) {
	if update.Message == nil || update.Message.From == nil {
		return
	}
	senderID := strconv.FormatInt(update.Message.From.ID, 10)
	if !a.config.Allowlist.Allows(senderID) {
		a.logger.Warn("dropping message from sender not on allowlist", "sender_id", senderID)
		return
	}

	a.bus.PublishInbound(models.InboundMessage{
		Channel:   ChannelName,
		SenderID:  senderID,
		ChatID:    strconv.FormatInt(update.Message.Chat.ID, 10),
		Content:   update.Message.Text,
		Timestamp: time.Unix(int64(update.Message.Date), 0),
	})
}

// Send delivers one message, classifying failures for the dispatcher.
func (a *Adapter) Send(ctx context.Context, msg models.OutboundMessage) error {
	chatID, err := strconv.ParseInt(msg.ChatID, 10, 64)
	if err != nil {
		return channels.PermanentDelivery(channels.ErrCodeInvalidInput,
			fmt.Sprintf("invalid telegram chat id %q", msg.ChatID), err)
	}

	// A final answer replaces any status message still on screen.
	a.clearStatusFor(ctx, chatID)

	_, err = a.bot.SendMessage(ctx, &bot.SendMessageParams{
		ChatID: chatID,
		Text:   msg.Content,
	})
	if err != nil {
		return classifySendError(err)
	}
	return nil
}

// handleStatus renders the status stream as a single edited message per turn.
func (a *Adapter) handleStatus(ctx context.Context, update models.StatusUpdate) {
	switch update.Line {
	case models.StatusStart:
		chatID, err := strconv.ParseInt(update.ChatID, 10, 64)
		if err != nil {
			return
		}
		a.mu.Lock()
		a.status[update.StatusKey] = &statusMessage{chatID: chatID}
		a.mu.Unlock()

	case models.StatusEnd:
		a.mu.Lock()
		sm := a.status[update.StatusKey]
		delete(a.status, update.StatusKey)
		a.mu.Unlock()
		if sm != nil && sm.messageID != 0 {
			a.deleteMessage(ctx, sm.chatID, sm.messageID)
		}

	default:
		a.mu.Lock()
		sm, ok := a.status[update.StatusKey]
		if !ok {
			a.mu.Unlock()
			return
		}
		sm.lines = append(sm.lines, update.Line)
		text := strings.Join(sm.lines, "\n")
		messageID := sm.messageID
		chatID := sm.chatID
		a.mu.Unlock()

		if messageID == 0 {
			sent, err := a.bot.SendMessage(ctx, &bot.SendMessageParams{ChatID: chatID, Text: text})
			if err != nil {
				a.logger.Debug("status message send failed", "error", err)
				return
			}
			a.mu.Lock()
			if sm, ok := a.status[update.StatusKey]; ok {
				sm.messageID = sent.ID
			}
			a.mu.Unlock()
			return
		}

		_, err := a.bot.EditMessageText(ctx, &bot.EditMessageTextParams{
			ChatID:    chatID,
			MessageID: messageID,
			Text:      text,
		})
		if err != nil {
			a.logger.Debug("status message edit failed", "error", err)
		}
	}
}

// clearStatusFor deletes any lingering status messages in a chat before a
// final answer lands there.
func (a *Adapter) clearStatusFor(ctx context.Context, chatID int64) {
	a.mu.Lock()
	var stale []*statusMessage
	for key, sm := range a.status {
		if sm.chatID == chatID && sm.messageID != 0 {
			stale = append(stale, sm)
			delete(a.status, key)
		}
	}
	a.mu.Unlock()

	for _, sm := range stale {
		a.deleteMessage(ctx, sm.chatID, sm.messageID)
	}
}

func (a *Adapter) deleteMessage(ctx context.Context, chatID int64, messageID int) {
	_, err := a.bot.DeleteMessage(ctx, &bot.DeleteMessageParams{
		ChatID:    chatID,
		MessageID: messageID,
	})
	if err != nil {
		a.logger.Debug("status message delete failed", "error", err)
	}
}

// classifySendError maps Telegram API failures onto the delivery taxonomy.
func classifySendError(err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "chat not found"):
		return channels.PermanentDelivery(channels.ErrCodeNotFound, "chat not found", err)
	case strings.Contains(msg, "bot was blocked"), strings.Contains(msg, "forbidden"):
		return channels.PermanentDelivery(channels.ErrCodeForbidden, "bot is blocked or forbidden", err)
	case strings.Contains(msg, "message is too long"), strings.Contains(msg, "bad request"):
		return channels.PermanentDelivery(channels.ErrCodeInvalidInput, "telegram rejected the message", err)
	case strings.Contains(msg, "too many requests"), strings.Contains(msg, "retry after"):
		return channels.TemporaryDelivery(channels.ErrCodeRateLimit, "telegram rate limit", err)
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "deadline exceeded"):
		return channels.TemporaryDelivery(channels.ErrCodeTimeout, "telegram send timed out", err)
	default:
		return channels.TemporaryDelivery(channels.ErrCodeConnection, "telegram send failed", err)
	}
}
