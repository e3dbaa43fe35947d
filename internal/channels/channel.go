// Package channels defines the chat platform adapter contract and the
// delivery error taxonomy the outbound dispatcher classifies against.
package channels

import (
	"context"

	"github.com/cyph3rasi/kyber/pkg/models"
)

// Adapter is implemented by every chat platform integration. Adapters turn
// platform events into InboundMessages on the bus and deliver
// OutboundMessages back to the platform.
type Adapter interface {
	// Name returns the channel name used for routing ("telegram", "discord",
	// "whatsapp"). It must match the Channel field of messages the adapter
	// publishes.
	Name() string

	// Start connects to the platform and begins forwarding inbound events to
	// the bus. It returns once the adapter is receiving; the receive loop
	// runs until ctx is cancelled or Stop is called.
	Start(ctx context.Context) error

	// Stop disconnects and releases resources.
	Stop(ctx context.Context) error

	// Send delivers one message. It must return a permanent delivery error
	// (see errors.go) for bad-recipient and forbidden cases; any other error
	// is treated as transient and retried.
	Send(ctx context.Context, msg models.OutboundMessage) error
}

// Allowlist restricts which platform senders may talk to the agent. An empty
// allowlist admits everyone.
type Allowlist []string

// Allows reports whether senderID may use the channel.
func (a Allowlist) Allows(senderID string) bool {
	if len(a) == 0 {
		return true
	}
	for _, id := range a {
		if id == senderID {
			return true
		}
	}
	return false
}
