// Package whatsapp implements the WhatsApp channel adapter on top of
// whatsmeow. Device credentials live in a sqlite store under the data
// directory; first start prints a QR code pairing flow to the log.
package whatsapp

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"

	_ "github.com/mattn/go-sqlite3"

	"github.com/cyph3rasi/kyber/internal/bus"
	"github.com/cyph3rasi/kyber/internal/channels"
	"github.com/cyph3rasi/kyber/pkg/models"
)

// ChannelName is the routing name for this adapter.
const ChannelName = "whatsapp"

// Config configures the adapter.
type Config struct {
	// DataDir holds the sqlite session store (whatsapp.db).
	DataDir string

	// Allowlist restricts which sender JIDs may talk to the bot.
	Allowlist channels.Allowlist

	Logger *slog.Logger
}

// Adapter connects WhatsApp to the message bus.
type Adapter struct {
	config Config
	bus    *bus.MessageBus
	logger *slog.Logger

	mu        sync.Mutex
	container *sqlstore.Container
	client    *whatsmeow.Client
	started   bool
}

// New creates the adapter and subscribes it to the status stream. WhatsApp
// has no ephemeral status surface, so status updates are dropped.
func New(config Config, b *bus.MessageBus) (*Adapter, error) {
	if config.DataDir == "" {
		return nil, fmt.Errorf("whatsapp: data dir is required")
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	a := &Adapter{
		config: config,
		bus:    b,
		logger: config.Logger.With("component", "channel", "channel", ChannelName),
	}
	return a, nil
}

// Name returns "whatsapp".
func (a *Adapter) Name() string {
	return ChannelName
}

// Start opens the device store and connects, running the QR pairing flow if
// no device is registered yet.
func (a *Adapter) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started {
		return fmt.Errorf("whatsapp: adapter already started")
	}

	dbPath := filepath.Join(a.config.DataDir, "whatsapp.db")
	container, err := sqlstore.New(ctx, "sqlite3", fmt.Sprintf("file:%s?_foreign_keys=on", dbPath), waLog.Noop)
	if err != nil {
		return fmt.Errorf("whatsapp: open session store: %w", err)
	}

	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		return fmt.Errorf("whatsapp: load device: %w", err)
	}

	client := whatsmeow.NewClient(device, waLog.Noop)
	client.AddEventHandler(a.handleEvent)

	if client.Store.ID == nil {
		// Not paired yet. The QR channel must be requested before Connect.
		qrChan, err := client.GetQRChannel(ctx)
		if err != nil {
			return fmt.Errorf("whatsapp: qr channel: %w", err)
		}
		if err := client.Connect(); err != nil {
			return fmt.Errorf("whatsapp: connect: %w", err)
		}
		go func() {
			for evt := range qrChan {
				if evt.Event == "code" {
					a.logger.Info("scan this QR code in WhatsApp to pair", "code", evt.Code)
				} else {
					a.logger.Info("whatsapp pairing event", "event", evt.Event)
				}
			}
		}()
	} else {
		if err := client.Connect(); err != nil {
			return fmt.Errorf("whatsapp: connect: %w", err)
		}
	}

	a.container = container
	a.client = client
	a.started = true
	a.logger.Info("whatsapp adapter started", "store", dbPath)
	return nil
}

// Stop disconnects the client and closes the session store.
func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.started {
		return nil
	}
	a.started = false
	a.client.Disconnect()
	if err := a.container.Close(); err != nil {
		return fmt.Errorf("whatsapp: close session store: %w", err)
	}
	return nil
}

// handleEvent forwards incoming text messages to the bus.
func (a *Adapter) handleEvent(evt any) {
	msg, ok := evt.(*events.Message)
	if !ok {
		return
	}
	if msg.Info.IsFromMe || msg.Info.Chat.Server == "broadcast" {
		return
	}

	content := extractText(msg)
	if content == "" {
		return
	}

	senderID := msg.Info.Sender.ToNonAD().String()
	if !a.config.Allowlist.Allows(senderID) {
		a.logger.Warn("dropping message from sender not on allowlist", "sender_id", senderID)
		return
	}

	a.bus.PublishInbound(models.InboundMessage{
		Channel:   ChannelName,
		SenderID:  senderID,
		ChatID:    msg.Info.Chat.String(),
		Content:   content,
		Timestamp: msg.Info.Timestamp,
	})
}

// extractText pulls the text body out of the message variants that carry one.
func extractText(msg *events.Message) string {
	if msg.Message == nil {
		return ""
	}
	if text := msg.Message.GetConversation(); text != "" {
		return text
	}
	if ext := msg.Message.GetExtendedTextMessage(); ext != nil {
		return ext.GetText()
	}
	return ""
}

// Send delivers one message, classifying failures for the dispatcher.
func (a *Adapter) Send(ctx context.Context, msg models.OutboundMessage) error {
	a.mu.Lock()
	client := a.client
	a.mu.Unlock()
	if client == nil {
		return channels.TemporaryDelivery(channels.ErrCodeUnavailable, "whatsapp client not started", nil)
	}

	jid, err := types.ParseJID(msg.ChatID)
	if err != nil {
		return channels.PermanentDelivery(channels.ErrCodeInvalidInput,
			fmt.Sprintf("invalid whatsapp jid %q", msg.ChatID), err)
	}

	_, err = client.SendMessage(ctx, jid, &waE2E.Message{
		Conversation: proto.String(msg.Content),
	})
	if err != nil {
		if ctx.Err() != nil {
			return channels.TemporaryDelivery(channels.ErrCodeTimeout, "whatsapp send timed out", err)
		}
		return channels.TemporaryDelivery(channels.ErrCodeConnection, "whatsapp send failed", err)
	}
	return nil
}
