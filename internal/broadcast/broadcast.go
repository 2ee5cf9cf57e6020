// Package broadcast fans schema change notifications out to any number of
// live subscribers, typically SSE connections.
//
// Delivery is best effort. Every subscriber gets a small buffered channel and
// a publish that finds the buffer full removes that subscriber from the
// active set instead of blocking: a stalled consumer must never hold up
// change processing or its fellow subscribers, who keep receiving. Idle
// streams receive periodic heartbeats so proxies do not reap them.
package broadcast

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/schemapilot/schemapilot/internal/log"
)

// Kind discriminates the two message types a subscriber can receive.
type Kind int

const (
	// KindEvent carries a JSON-encoded schema change event.
	KindEvent Kind = iota
	// KindHeartbeat is a keepalive with no payload.
	KindHeartbeat
)

// Message is one unit of delivery to a subscriber.
type Message struct {
	Kind Kind
	Data []byte
}

const (
	defaultBuffer            = 16
	defaultHeartbeatInterval = 15 * time.Second
)

// Broadcaster distributes messages to registered subscribers.
type Broadcaster struct {
	logger   log.Logger
	buffer   int
	interval time.Duration

	mu        sync.Mutex
	subs      map[string]chan Message
	closed    bool
	lastSend  time.Time
	dropped   uint64
	published uint64
}

// Option configures a Broadcaster.
type Option func(*Broadcaster)

// WithBuffer sets the per-subscriber channel capacity.
func WithBuffer(n int) Option {
	return func(b *Broadcaster) { b.buffer = n }
}

// WithHeartbeatInterval sets how long a stream may stay silent before a
// heartbeat is sent.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(b *Broadcaster) { b.interval = d }
}

// New creates a Broadcaster. Call Run to enable heartbeats.
func New(logger log.Logger, opts ...Option) *Broadcaster {
	b := &Broadcaster{
		logger:   logger,
		buffer:   defaultBuffer,
		interval: defaultHeartbeatInterval,
		subs:     make(map[string]chan Message),
		lastSend: time.Now(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers a new subscriber and returns its handle and receive
// channel. The channel is closed by Unsubscribe or when Run's context ends.
func (b *Broadcaster) Subscribe() (string, <-chan Message) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := uuid.NewString()
	ch := make(chan Message, b.buffer)
	if b.closed {
		close(ch)
		return id, ch
	}
	b.subs[id] = ch
	return id, ch
}

// Unsubscribe removes a subscriber and closes its channel. Unknown handles
// are ignored, so racing a disconnect against shutdown is harmless.
func (b *Broadcaster) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch, ok := b.subs[id]
	if !ok {
		return
	}
	delete(b.subs, id)
	close(ch)
}

// SubscriberCount returns the number of live subscribers.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Dropped returns how many subscribers were removed on full buffers.
func (b *Broadcaster) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// Publish sends data to every live subscriber. A subscriber whose buffer is
// full is removed from the active set and its channel closed; the rest keep
// receiving.
func (b *Broadcaster) Publish(data []byte) {
	b.send(Message{Kind: KindEvent, Data: data})
}

func (b *Broadcaster) send(msg Message) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.lastSend = time.Now()
	b.published++
	for id, ch := range b.subs {
		select {
		case ch <- msg:
		default:
			// A full buffer means the consumer stopped draining. Cut it
			// loose so the others keep receiving.
			delete(b.subs, id)
			close(ch)
			b.dropped++
			b.logger.Warn("subscriber buffer full, dropping subscriber", "subscriber", id)
		}
	}
}

// Run emits heartbeats until ctx is done, then closes every subscriber
// channel. After Run returns no further messages are delivered.
func (b *Broadcaster) Run(ctx context.Context) {
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			b.shutdown()
			return
		case <-ticker.C:
			b.mu.Lock()
			idle := time.Since(b.lastSend) >= b.interval
			b.mu.Unlock()
			if idle {
				b.send(Message{Kind: KindHeartbeat})
			}
		}
	}
}

func (b *Broadcaster) shutdown() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
