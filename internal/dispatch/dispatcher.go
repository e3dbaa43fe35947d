// Package dispatch implements the outbound delivery loop: it consumes the
// bus's outbound queue, routes each message to its channel adapter, and
// retries transient failures with jittered exponential backoff.
//
// The dispatcher is the delivery-guarantee backbone: as long as the process
// runs, every published message is eventually delivered or dropped on an
// explicit permanent classification. There is no attempt cap; retries are
// bounded only by process lifetime.
package dispatch

import (
	"container/heap"
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/cyph3rasi/kyber/internal/backoff"
	"github.com/cyph3rasi/kyber/internal/bus"
	"github.com/cyph3rasi/kyber/internal/channels"
	"github.com/cyph3rasi/kyber/internal/observability"
	"github.com/cyph3rasi/kyber/pkg/models"
)

// crashBackoff is how long the loop sleeps after an unexpected panic before
// continuing.
const crashBackoff = 500 * time.Millisecond

// retryItem is one queued redelivery.
type retryItem struct {
	retryAt   time.Time
	attempts  int
	msg       models.OutboundMessage
	lastError error
}

// retryQueue is a min-heap ordered by retryAt.
type retryQueue []*retryItem

func (q retryQueue) Len() int            { return len(q) }
func (q retryQueue) Less(i, j int) bool  { return q[i].retryAt.Before(q[j].retryAt) }
func (q retryQueue) Swap(i, j int)       { q[i], q[j] = q[j], q[i] }
func (q *retryQueue) Push(x any)         { *q = append(*q, x.(*retryItem)) }
func (q *retryQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return item
}

// Dispatcher consumes the outbound queue and delivers messages to channels.
type Dispatcher struct {
	bus      *bus.MessageBus
	manager  *channels.Manager
	logger   *slog.Logger
	errorLog *observability.ErrorLog

	policy      backoff.Policy
	sendTimeout time.Duration

	retries retryQueue

	attempts   *prometheus.CounterVec
	dropped    *prometheus.CounterVec
	retried    prometheus.Counter
}

// Options configures a Dispatcher.
type Options struct {
	Bus      *bus.MessageBus
	Manager  *channels.Manager
	Logger   *slog.Logger
	ErrorLog *observability.ErrorLog

	// SendTimeout bounds one channel.Send call. Defaults to 30 s.
	SendTimeout time.Duration

	// Policy overrides the retry curve; zero value uses DeliveryPolicy.
	Policy backoff.Policy

	// Registerer receives delivery metrics when non-nil.
	Registerer prometheus.Registerer
}

// New creates a dispatcher. Run must be called to start delivery.
func New(opts Options) *Dispatcher {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	policy := opts.Policy
	if policy == (backoff.Policy{}) {
		policy = backoff.DeliveryPolicy()
	}
	sendTimeout := opts.SendTimeout
	if sendTimeout <= 0 {
		sendTimeout = 30 * time.Second
	}

	d := &Dispatcher{
		bus:         opts.Bus,
		manager:     opts.Manager,
		logger:      logger.With("component", "dispatcher"),
		errorLog:    opts.ErrorLog,
		policy:      policy,
		sendTimeout: sendTimeout,
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kyber", Subsystem: "dispatch", Name: "attempts_total",
			Help: "Delivery attempts by channel and outcome.",
		}, []string{"channel", "outcome"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kyber", Subsystem: "dispatch", Name: "dropped_total",
			Help: "Messages dropped by reason.",
		}, []string{"reason"}),
		retried: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kyber", Subsystem: "dispatch", Name: "retries_total",
			Help: "Redelivery attempts queued.",
		}),
	}
	if opts.Registerer != nil {
		opts.Registerer.MustRegister(d.attempts, d.dropped, d.retried)
	}
	return d
}

// Run consumes outbound messages until ctx is cancelled, then makes one final
// delivery pass over the retry queue before returning. The loop never
// terminates on a delivery failure; unexpected panics are logged and the loop
// continues after a short sleep.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			d.drain()
			return
		}
		d.step(ctx)
	}
}

// drain gives every queued retry one last attempt at shutdown, ignoring the
// backoff schedule. The whole pass shares a single send-timeout window;
// whatever still fails is logged and abandoned.
func (d *Dispatcher) drain() {
	if len(d.retries) == 0 {
		return
	}
	d.logger.Info("final delivery pass for queued retries", "pending", len(d.retries))

	items := make([]*retryItem, 0, len(d.retries))
	for len(d.retries) > 0 {
		items = append(items, heap.Pop(&d.retries).(*retryItem))
	}

	ctx, cancel := context.WithTimeout(context.Background(), d.sendTimeout)
	defer cancel()
	for _, item := range items {
		if ctx.Err() != nil {
			break
		}
		d.deliver(ctx, item.msg, item.attempts)
	}
	if n := len(d.retries); n > 0 {
		d.logger.Warn("abandoning undelivered retries at shutdown", "count", n)
	}
}

// step serves one due retry or one fresh outbound message. Separated from Run
// so the panic guard re-arms every iteration.
func (d *Dispatcher) step(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("dispatcher panic, continuing", "panic", r)
			select {
			case <-ctx.Done():
			case <-time.After(crashBackoff):
			}
		}
	}()

	// Serve all due retries before blocking on the bus.
	now := time.Now()
	for len(d.retries) > 0 && !d.retries[0].retryAt.After(now) {
		item := heap.Pop(&d.retries).(*retryItem)
		d.deliver(ctx, item.msg, item.attempts)
	}

	// Block on the bus, preempted by at most the time until the next retry
	// is due.
	waitCtx := ctx
	var cancel context.CancelFunc
	if len(d.retries) > 0 {
		waitCtx, cancel = context.WithDeadline(ctx, d.retries[0].retryAt)
	}
	msg, err := d.bus.ConsumeOutbound(waitCtx)
	if cancel != nil {
		cancel()
	}
	if err != nil {
		// Deadline → loop around to serve the due retry; cancellation →
		// Run's ctx check exits.
		return
	}
	d.deliver(ctx, msg, 0)
}

// deliver makes one send attempt. priorAttempts counts earlier failures for
// this message.
func (d *Dispatcher) deliver(ctx context.Context, msg models.OutboundMessage, priorAttempts int) {
	adapter, ok := d.manager.Get(msg.Channel)
	if !ok {
		d.logger.Error("dropping message for unknown channel", "channel", msg.Channel, "chat_id", msg.ChatID)
		d.dropped.WithLabelValues("unknown_channel").Inc()
		return
	}

	sendCtx, cancel := context.WithTimeout(ctx, d.sendTimeout)
	err := adapter.Send(sendCtx, msg)
	cancel()

	attempt := priorAttempts + 1
	switch {
	case err == nil:
		d.attempts.WithLabelValues(msg.Channel, "ok").Inc()
		if priorAttempts > 0 {
			d.logger.Info("delivery recovered", "channel", msg.Channel, "chat_id", msg.ChatID, "attempt", attempt)
		}

	case channels.IsPermanentDelivery(err):
		d.attempts.WithLabelValues(msg.Channel, "permanent").Inc()
		d.dropped.WithLabelValues("permanent").Inc()
		d.logger.Error("permanent delivery failure, dropping",
			"channel", msg.Channel, "chat_id", msg.ChatID, "attempt", attempt, "error", err)
		d.recordError("permanent delivery failure on " + msg.Channel + ": " + err.Error())

	default:
		d.attempts.WithLabelValues(msg.Channel, "transient").Inc()
		d.retried.Inc()
		delay := d.policy.Delay(attempt)
		d.logger.Warn("transient delivery failure, scheduling retry",
			"channel", msg.Channel, "chat_id", msg.ChatID, "attempt", attempt,
			"retry_in", delay, "error", err)
		heap.Push(&d.retries, &retryItem{
			retryAt:   time.Now().Add(delay),
			attempts:  attempt,
			msg:       msg,
			lastError: err,
		})
	}
}

// PendingRetries reports how many messages are waiting for redelivery.
func (d *Dispatcher) PendingRetries() int {
	return len(d.retries)
}

func (d *Dispatcher) recordError(msg string) {
	if d.errorLog != nil {
		d.errorLog.Record("dispatcher", msg)
	}
}
