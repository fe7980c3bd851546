// Package bus implements the per-agent MessageBus client: topic-addressed
// publish with three QoS levels over a pluggable Transport, and ordered,
// deduplicated delivery to local subscribers.
package bus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/orbitalfleet/swarmcore/agentid"
	"github.com/orbitalfleet/swarmcore/internal/corelog"
	"github.com/orbitalfleet/swarmcore/internal/metrics"
)

// QoS is one of the three delivery guarantees a publish or subscribe can
// request.
type QoS int

const (
	AtMostOnce QoS = iota
	AtLeastOnce
	ExactlyOnce
)

func (q QoS) String() string {
	switch q {
	case AtMostOnce:
		return "at_most_once"
	case AtLeastOnce:
		return "at_least_once"
	case ExactlyOnce:
		return "exactly_once"
	default:
		return "unknown_qos"
	}
}

// ErrBackpressure is returned by Publish when the bus's outstanding-send
// limit is exceeded; callers may retry.
var ErrBackpressure = errors.New("bus: backpressure threshold exceeded")

// Envelope is one message on the wire: a published payload tagged with its
// sender and a monotone per-(topic,sender) sequence number.
type Envelope struct {
	Topic    string
	SenderID agentid.ID
	MsgID    uint64
	QoS      QoS
	Payload  []byte
}

// Transport is the out-of-scope wire layer. Send must return nil only once
// the message is durably accepted for carriage; any other outcome is a
// transient failure the bus may retry under AT_LEAST_ONCE/EXACTLY_ONCE.
type Transport interface {
	Send(ctx context.Context, env Envelope) error
}

// Handler processes one delivered envelope. Handlers that panic are
// recovered and logged by the bus; the envelope is not redelivered.
type Handler func(env Envelope)

// Subscription is a live registration returned by Subscribe; call
// Unsubscribe to stop receiving further deliveries.
type Subscription struct {
	id    uint64
	topic string
	bus   *Bus
}

// Unsubscribe removes this subscription. Idempotent.
func (s *Subscription) Unsubscribe() {
	s.bus.unsubscribe(s.topic, s.id)
}

type subEntry struct {
	id      uint64
	qos     QoS
	handler Handler
}

type orderKey struct {
	topic  string
	sender agentid.ID
}

const (
	defaultBackpressureLimit = 256
	defaultRetryAttempts     = 5
	defaultRetryBackoff      = 50 * time.Millisecond
)

// Bus is one agent's MessageBus client. It owns outbound retry for
// AT_LEAST_ONCE/EXACTLY_ONCE publishes and inbound dedup plus
// per-(topic,sender) ordering for delivery to local subscribers.
type Bus struct {
	selfID    agentid.ID
	transport Transport
	log       corelog.Logger
	metrics   *metrics.Set

	backpressureLimit int
	retryAttempts     int
	retryBackoff      time.Duration

	inFlight int64 // atomic

	mu       sync.Mutex
	subs     map[string][]*subEntry
	nextSub  uint64
	seq      map[orderKey]uint64
	dedup    map[orderKey]map[uint64]struct{}
	expected map[orderKey]uint64
	pending  map[orderKey]map[uint64]Envelope

	publishedTotal uint64 // atomic, for Utilization
	failedTotal    uint64 // atomic, for Utilization
}

// Option configures a Bus at construction.
type Option func(*Bus)

func WithLogger(l corelog.Logger) Option { return func(b *Bus) { b.log = l } }
func WithMetrics(m *metrics.Set) Option  { return func(b *Bus) { b.metrics = m } }
func WithBackpressureLimit(n int) Option { return func(b *Bus) { b.backpressureLimit = n } }
func WithRetry(attempts int, backoff time.Duration) Option {
	return func(b *Bus) { b.retryAttempts = attempts; b.retryBackoff = backoff }
}

// New constructs a Bus for selfID that sends outbound messages through
// transport.
func New(selfID agentid.ID, transport Transport, opts ...Option) *Bus {
	b := &Bus{
		selfID:            selfID,
		transport:         transport,
		log:               corelog.NoOp{},
		backpressureLimit: defaultBackpressureLimit,
		retryAttempts:     defaultRetryAttempts,
		retryBackoff:      defaultRetryBackoff,
		subs:              make(map[string][]*subEntry),
		seq:               make(map[orderKey]uint64),
		dedup:             make(map[orderKey]map[uint64]struct{}),
		expected:          make(map[orderKey]uint64),
		pending:           make(map[orderKey]map[uint64]Envelope),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish accepts payload for delivery on topic at the given QoS. It returns
// once the message is accepted (AT_MOST_ONCE: handed to the transport once;
// AT_LEAST_ONCE/EXACTLY_ONCE: accepted by the transport, retrying transient
// failures up to the configured attempt budget), not once it is received.
func (b *Bus) Publish(ctx context.Context, topic string, payload []byte, qos QoS) error {
	if atomic.LoadInt64(&b.inFlight) >= int64(b.backpressureLimit) {
		return ErrBackpressure
	}
	atomic.AddInt64(&b.inFlight, 1)
	defer atomic.AddInt64(&b.inFlight, -1)

	env := Envelope{
		Topic:    topic,
		SenderID: b.selfID,
		MsgID:    b.nextMsgID(topic),
		QoS:      qos,
		Payload:  payload,
	}

	var err error
	attempts := 1
	if qos != AtMostOnce {
		attempts = b.retryAttempts
	}
	for i := 0; i < attempts; i++ {
		err = b.transport.Send(ctx, env)
		if err == nil {
			atomic.AddUint64(&b.publishedTotal, 1)
			return nil
		}
		if qos == AtMostOnce {
			break
		}
		select {
		case <-ctx.Done():
			atomic.AddUint64(&b.failedTotal, 1)
			return ctx.Err()
		case <-time.After(b.retryBackoff):
		}
	}
	atomic.AddUint64(&b.failedTotal, 1)
	if qos == AtMostOnce {
		b.log.Debug("publish dropped at AT_MOST_ONCE", zap.String("topic", topic))
		return nil
	}
	return err
}

// Subscribe registers handler for topic. Re-subscribing the same handler
// value is not detected (Go func values aren't comparable); callers that
// need idempotent re-subscription should keep the returned *Subscription and
// reuse it instead of calling Subscribe twice.
func (b *Bus) Subscribe(topic string, qos QoS, handler Handler) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextSub++
	id := b.nextSub
	b.subs[topic] = append(b.subs[topic], &subEntry{id: id, qos: qos, handler: handler})
	return &Subscription{id: id, topic: topic, bus: b}
}

// nextMsgID returns the next sequence number for (topic, this agent),
// starting at 1. Ordering at receivers (deliverOrdered) relies on this being
// contiguous per (topic, sender); a single bus-wide counter shared across
// topics would let unrelated topics' publishes advance the sequence a
// receiver is waiting on for this one, so each topic gets its own.
func (b *Bus) nextMsgID(topic string) uint64 {
	key := orderKey{topic: topic, sender: b.selfID}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq[key]++
	return b.seq[key]
}

func (b *Bus) unsubscribe(topic string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	entries := b.subs[topic]
	for i, e := range entries {
		if e.id == id {
			b.subs[topic] = append(entries[:i], entries[i+1:]...)
			return
		}
	}
}

// Deliver is called by the transport when an envelope arrives from a peer.
// It applies EXACTLY_ONCE dedup and per-(topic,sender) ordering for
// AT_LEAST_ONCE/EXACTLY_ONCE, then dispatches to local subscribers.
func (b *Bus) Deliver(env Envelope) {
	switch env.QoS {
	case AtMostOnce:
		b.dispatch(env)
	case AtLeastOnce:
		b.deliverOrdered(env)
	case ExactlyOnce:
		if b.alreadySeen(env) {
			return
		}
		b.deliverOrdered(env)
	}
}

func (b *Bus) alreadySeen(env Envelope) bool {
	key := orderKey{topic: env.Topic, sender: env.SenderID}
	b.mu.Lock()
	defer b.mu.Unlock()
	seen, ok := b.dedup[key]
	if !ok {
		seen = make(map[uint64]struct{})
		b.dedup[key] = seen
	}
	if _, dup := seen[env.MsgID]; dup {
		return true
	}
	seen[env.MsgID] = struct{}{}
	return false
}

// pruneDedup drops dedup entries for key older than the ordering baseline:
// once expected has advanced past a MsgID, that sequence number can never
// arrive again from this sender, so its dedup entry is dead weight. Caller
// must hold b.mu.
func (b *Bus) pruneDedup(key orderKey, baseline uint64) {
	seen, ok := b.dedup[key]
	if !ok {
		return
	}
	for msgID := range seen {
		if msgID < baseline {
			delete(seen, msgID)
		}
	}
}

// deliverOrdered buffers out-of-order arrivals and flushes any now-contiguous
// run starting at the key's expected sequence number.
func (b *Bus) deliverOrdered(env Envelope) {
	key := orderKey{topic: env.Topic, sender: env.SenderID}

	b.mu.Lock()
	if _, ok := b.expected[key]; !ok {
		b.expected[key] = 1 // sequence numbers start at 1 (see nextMsgID)
	}
	if b.pending[key] == nil {
		b.pending[key] = make(map[uint64]Envelope)
	}
	b.pending[key][env.MsgID] = env

	var ready []Envelope
	for {
		next, ok := b.pending[key][b.expected[key]]
		if !ok {
			break
		}
		ready = append(ready, next)
		delete(b.pending[key], b.expected[key])
		b.expected[key]++
	}
	b.pruneDedup(key, b.expected[key])
	b.mu.Unlock()

	for _, e := range ready {
		b.dispatch(e)
	}
}

func (b *Bus) dispatch(env Envelope) {
	b.mu.Lock()
	entries := append([]*subEntry(nil), b.subs[env.Topic]...)
	b.mu.Unlock()

	for _, e := range entries {
		b.invoke(e, env)
	}
}

func (b *Bus) invoke(e *subEntry, env Envelope) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("subscribe handler panicked", zap.String("topic", env.Topic))
		}
	}()
	e.handler(env)
}

// Utilization reports a congestion signal in [0,1]: the share of failed
// publishes among all publishes since construction. Consumed by
// governor.Governor.
func (b *Bus) Utilization() float64 {
	pub := atomic.LoadUint64(&b.publishedTotal)
	failed := atomic.LoadUint64(&b.failedTotal)
	total := pub + failed
	if total == 0 {
		return 0
	}
	u := float64(failed) / float64(total)
	if u > 1 {
		u = 1
	}
	return u
}
