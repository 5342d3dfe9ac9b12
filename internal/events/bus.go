// Package events provides a typed in-process event bus for channel
// lifecycle and log events. Publishing never blocks: each subscriber
// owns a bounded buffer and overflowing events are dropped.
package events

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/dhaslett/restreamd/internal/models"
)

// EventType identifies the kind of an event.
type EventType string

// Event kinds emitted by the supervisor.
const (
	ChannelStarted EventType = "channel_started"
	ChannelStopped EventType = "channel_stopped"
	ChannelError   EventType = "channel_error"
	ChannelLog     EventType = "channel_log"
)

// Event is one bus message. Only the fields relevant to Type are set.
type Event struct {
	Type      EventType
	ChannelID models.ULID
	Timestamp time.Time

	// ChannelStarted.
	PID int

	// ChannelStopped: nil when stop was operator initiated.
	ExitCode *int

	// ChannelError.
	Err string

	// ChannelLog.
	Level   models.LogLevel
	Message string
}

// Subscription is one subscriber's view of the bus.
type Subscription struct {
	id string
	ch chan Event
}

// Events returns the subscriber's receive channel. It is closed when
// the subscription is cancelled or the bus shuts down.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// Bus fans events out to subscribers.
type Bus struct {
	mu      sync.RWMutex
	subs    map[string]*Subscription
	bufSize int
	closed  bool
	logger  *slog.Logger
	dropped atomic.Uint64
}

// Dropped returns the number of events dropped on slow subscribers.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// NewBus creates a bus whose subscribers buffer up to bufSize events.
func NewBus(bufSize int, logger *slog.Logger) *Bus {
	if bufSize < 1 {
		bufSize = 16
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		subs:    make(map[string]*Subscription),
		bufSize: bufSize,
		logger:  logger,
	}
}

// Subscribe registers a new subscriber. Returns nil if the bus is closed.
func (b *Bus) Subscribe() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	sub := &Subscription{
		id: uuid.NewString(),
		ch: make(chan Event, b.bufSize),
	}
	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub.id]; ok {
		delete(b.subs, sub.id)
		close(sub.ch)
	}
}

// Publish delivers the event to all subscribers without blocking.
// Events a subscriber cannot accept are dropped.
func (b *Bus) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs {
		select {
		case sub.ch <- event:
		default:
			b.dropped.Add(1)
			b.logger.Debug("event dropped for slow subscriber",
				slog.String("type", string(event.Type)),
				slog.String("channel_id", event.ChannelID.String()),
			)
		}
	}
}

// Close shuts down the bus and closes all subscriber channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.ch)
	}
}
