// Package bus implements the in-memory message bus connecting channel
// adapters, the agent core, and the outbound dispatcher.
//
// The bus owns three unbounded FIFO queues: inbound (channel → agent),
// outbound (agent → dispatcher), and status (agent → channel status
// renderers). It is rebuilt on every process start; durability lives in the
// task registry's history log and the dispatcher's retry queue, not here.
package bus

import (
	"context"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/cyph3rasi/kyber/pkg/models"
)

// StatusFunc receives one status line for a subscribed channel. Callbacks for
// a single channel are invoked sequentially in publish order.
type StatusFunc func(ctx context.Context, update models.StatusUpdate)

// MessageBus routes messages between channels and the agent.
type MessageBus struct {
	inbound  *queue[models.InboundMessage]
	outbound *queue[models.OutboundMessage]
	status   *queue[models.StatusUpdate]

	mu         sync.RWMutex
	statusSubs map[string][]StatusFunc

	inboundDepth  prometheus.Gauge
	outboundDepth prometheus.Gauge
}

// New creates an empty message bus. If reg is non-nil, queue depth gauges are
// registered on it.
func New(reg prometheus.Registerer) *MessageBus {
	b := &MessageBus{
		inbound:    newQueue[models.InboundMessage](),
		outbound:   newQueue[models.OutboundMessage](),
		status:     newQueue[models.StatusUpdate](),
		statusSubs: make(map[string][]StatusFunc),
		inboundDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "kyber", Subsystem: "bus", Name: "inbound_depth",
			Help: "Messages waiting on the inbound queue.",
		}),
		outboundDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "kyber", Subsystem: "bus", Name: "outbound_depth",
			Help: "Messages waiting on the outbound queue.",
		}),
	}
	if reg != nil {
		reg.MustRegister(b.inboundDepth, b.outboundDepth)
	}
	return b
}

// PublishInbound appends a message from a channel adapter.
func (b *MessageBus) PublishInbound(msg models.InboundMessage) {
	b.inbound.push(msg)
	b.inboundDepth.Set(float64(b.inbound.len()))
}

// ConsumeInbound blocks until an inbound message is available or ctx is done.
func (b *MessageBus) ConsumeInbound(ctx context.Context) (models.InboundMessage, error) {
	msg, err := b.inbound.pop(ctx)
	b.inboundDepth.Set(float64(b.inbound.len()))
	return msg, err
}

// PublishOutbound appends a message destined for a channel.
func (b *MessageBus) PublishOutbound(msg models.OutboundMessage) {
	b.outbound.push(msg)
	b.outboundDepth.Set(float64(b.outbound.len()))
}

// ConsumeOutbound blocks until an outbound message is available or ctx is
// done. The dispatcher is the sole consumer.
func (b *MessageBus) ConsumeOutbound(ctx context.Context) (models.OutboundMessage, error) {
	msg, err := b.outbound.pop(ctx)
	b.outboundDepth.Set(float64(b.outbound.len()))
	return msg, err
}

// PublishStatus appends a status line for dispatch to channel subscribers.
func (b *MessageBus) PublishStatus(update models.StatusUpdate) {
	b.status.push(update)
}

// SubscribeStatus registers a callback invoked for every status line
// addressed to the named channel.
func (b *MessageBus) SubscribeStatus(channel string, fn StatusFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.statusSubs[channel] = append(b.statusSubs[channel], fn)
}

// DispatchStatus consumes the status queue and fans lines out to subscribers
// until ctx is cancelled. Lines for one channel are delivered in publish
// order because dispatch is sequential.
func (b *MessageBus) DispatchStatus(ctx context.Context) {
	for {
		update, err := b.status.pop(ctx)
		if err != nil {
			return
		}
		b.mu.RLock()
		subs := b.statusSubs[update.Channel]
		b.mu.RUnlock()
		for _, fn := range subs {
			fn(ctx, update)
		}
	}
}
