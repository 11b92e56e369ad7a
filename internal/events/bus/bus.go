// Package bus provides the in-process broadcast channel that distributes
// event envelopes to UI subscribers.
package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/opencode-studio/studio/internal/common/logger"
	"github.com/opencode-studio/studio/internal/events"
)

// DefaultCapacity is the per-subscriber queue size. A subscriber that falls
// further behind loses its oldest envelopes and receives a lag signal.
const DefaultCapacity = 1000

// ErrClosed is returned from Recv after the subscriber is closed.
var ErrClosed = errors.New("subscriber closed")

// LaggedError signals that the subscriber's queue overflowed and Count
// envelopes were dropped. The subscriber keeps receiving fresh envelopes
// after observing the signal.
type LaggedError struct {
	Count uint64
}

func (e *LaggedError) Error() string {
	return fmt.Sprintf("subscriber lagged, dropped %d envelopes", e.Count)
}

// Broadcaster fans envelopes out to all live subscribers. Publish never
// blocks: full subscriber queues drop their oldest entry instead.
type Broadcaster struct {
	mu         sync.Mutex
	subs       map[*Subscriber]struct{}
	eventCount atomic.Uint64
	capacity   int
	logger     *logger.Logger
}

// Subscriber is one receiver handle. Envelopes published before Subscribe are
// never seen.
type Subscriber struct {
	bus     *Broadcaster
	ch      chan events.Envelope
	mu      sync.Mutex
	dropped uint64
	closed  bool
}

// NewBroadcaster creates a broadcaster with the default per-subscriber
// capacity.
func NewBroadcaster(log *logger.Logger) *Broadcaster {
	return NewBroadcasterWithCapacity(log, DefaultCapacity)
}

// NewBroadcasterWithCapacity creates a broadcaster with a custom
// per-subscriber queue capacity (used by tests).
func NewBroadcasterWithCapacity(log *logger.Logger, capacity int) *Broadcaster {
	if log == nil {
		log = logger.Default()
	}
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Broadcaster{
		subs:     make(map[*Subscriber]struct{}),
		capacity: capacity,
		logger:   log.WithFields(zap.String("component", "event-bus")),
	}
}

// Publish delivers the envelope to every live subscriber and returns the
// number of subscribers it reached. It never blocks and never fails.
// Publishes are serialized so every subscriber observes the same relative
// order.
func (b *Broadcaster) Publish(env events.Envelope) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.eventCount.Add(1)

	delivered := 0
	for sub := range b.subs {
		sub.push(env)
		delivered++
	}

	b.logger.Debug("published envelope",
		zap.String("event_type", env.Event.EventType()),
		zap.String("envelope_id", env.ID),
		zap.Int("subscribers", delivered))

	return delivered
}

// Subscribe registers a new receiver. The receiver only sees envelopes
// published after this call returns.
func (b *Broadcaster) Subscribe() *Subscriber {
	sub := &Subscriber{
		bus: b,
		ch:  make(chan events.Envelope, b.capacity),
	}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

// SubscriberCount returns the number of live receivers.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// EventCount returns the total number of published envelopes. Monitoring only.
func (b *Broadcaster) EventCount() uint64 {
	return b.eventCount.Load()
}

func (b *Broadcaster) remove(sub *Subscriber) {
	b.mu.Lock()
	delete(b.subs, sub)
	b.mu.Unlock()
}

// push enqueues an envelope, evicting the oldest entry when the queue is full.
func (s *Subscriber) push(env events.Envelope) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}

	for {
		select {
		case s.ch <- env:
			return
		default:
		}
		// Queue full: evict the oldest and count the drop.
		select {
		case <-s.ch:
			s.dropped++
		default:
		}
	}
}

// Recv returns the next envelope. When the subscriber has dropped envelopes
// since the last call, it returns a *LaggedError first; the caller is
// expected to resync and keep receiving. After Close, Recv returns ErrClosed
// once the queue drains.
func (s *Subscriber) Recv(ctx context.Context) (events.Envelope, error) {
	s.mu.Lock()
	if s.dropped > 0 {
		n := s.dropped
		s.dropped = 0
		s.mu.Unlock()
		return events.Envelope{}, &LaggedError{Count: n}
	}
	closed := s.closed
	s.mu.Unlock()

	if closed {
		select {
		case env, ok := <-s.ch:
			if !ok {
				return events.Envelope{}, ErrClosed
			}
			return env, nil
		default:
			return events.Envelope{}, ErrClosed
		}
	}

	select {
	case <-ctx.Done():
		return events.Envelope{}, ctx.Err()
	case env, ok := <-s.ch:
		if !ok {
			return events.Envelope{}, ErrClosed
		}
		return env, nil
	}
}

// Chan exposes the raw receive channel for select loops. Lag detection still
// requires calling Recv.
func (s *Subscriber) Chan() <-chan events.Envelope {
	return s.ch
}

// Lagged reports and resets the number of envelopes dropped since the last
// check.
func (s *Subscriber) Lagged() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.dropped
	s.dropped = 0
	return n
}

// Close unregisters the subscriber. Safe to call more than once.
func (s *Subscriber) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.bus.remove(s)
}
