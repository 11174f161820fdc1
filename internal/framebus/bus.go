// Package framebus provides non-blocking fan-out of dashboard updates.
//
// Every value published on the bus is offered to each subscriber channel.
// If a subscriber's channel is full, the value is dropped for that
// subscriber rather than queued: a browser that falls behind only ever
// needs the newest snapshot.
//
//	bus := framebus.New[core.Update]()
//	defer bus.Close()
//
//	ch := make(chan core.Update, 16)
//	bus.Subscribe("ws-1", ch)
//
//	bus.Publish(update)
//
// All methods are safe for concurrent use.
package framebus

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrSubscriberExists is returned when Subscribe is called with a duplicate id.
	ErrSubscriberExists = errors.New("framebus: subscriber id already exists")

	// ErrSubscriberNotFound is returned when Unsubscribe is called with unknown id.
	ErrSubscriberNotFound = errors.New("framebus: subscriber id not found")

	// ErrBusClosed is returned when operations are attempted on a closed bus.
	ErrBusClosed = errors.New("framebus: bus is closed")

	errNilChannel = errors.New("framebus: subscriber channel cannot be nil")
)

// BusStats contains global and per-subscriber metrics.
type BusStats struct {
	TotalPublished uint64                     `json:"total_published"`
	TotalSent      uint64                     `json:"total_sent"`
	TotalDropped   uint64                     `json:"total_dropped"`
	Subscribers    map[string]SubscriberStats `json:"subscribers"`
}

// SubscriberStats tracks metrics for a single subscriber.
type SubscriberStats struct {
	Sent    uint64 `json:"sent"`
	Dropped uint64 `json:"dropped"`
}

// DropRate returns the fraction of offered values that were dropped
func (s SubscriberStats) DropRate() float64 {
	total := s.Sent + s.Dropped
	if total == 0 {
		return 0
	}
	return float64(s.Dropped) / float64(total)
}

type subscriberStats struct {
	sent    atomic.Uint64
	dropped atomic.Uint64
}

// Bus distributes values of type T to multiple subscribers with drop policy.
type Bus[T any] struct {
	mu          sync.RWMutex
	subscribers map[string]chan<- T
	stats       map[string]*subscriberStats
	closed      bool

	totalPublished atomic.Uint64
}

// New creates an empty bus.
func New[T any]() *Bus[T] {
	return &Bus[T]{
		subscribers: make(map[string]chan<- T),
		stats:       make(map[string]*subscriberStats),
	}
}

// Subscribe registers a channel to receive values.
func (b *Bus[T]) Subscribe(id string, ch chan<- T) error {
	if ch == nil {
		return errNilChannel
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrBusClosed
	}
	if _, exists := b.subscribers[id]; exists {
		return ErrSubscriberExists
	}

	b.subscribers[id] = ch
	b.stats[id] = &subscriberStats{}
	return nil
}

// Unsubscribe removes a subscriber by id.
func (b *Bus[T]) Unsubscribe(id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrBusClosed
	}
	if _, exists := b.subscribers[id]; !exists {
		return ErrSubscriberNotFound
	}

	delete(b.subscribers, id)
	delete(b.stats, id)
	return nil
}

// Publish offers v to every subscriber without blocking.
//
// A full subscriber channel drops v and increments that subscriber's
// Dropped counter. Publishing on a closed bus is a no-op: late countdown
// ticks may still fire while the dashboard shuts down.
func (b *Bus[T]) Publish(v T) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}
	b.totalPublished.Add(1)

	for id, ch := range b.subscribers {
		select {
		case ch <- v:
			b.stats[id].sent.Add(1)
		default:
			b.stats[id].dropped.Add(1)
		}
	}
}

// Len returns the number of subscribers.
func (b *Bus[T]) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Stats returns a snapshot of bus statistics.
func (b *Bus[T]) Stats() BusStats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	result := BusStats{
		TotalPublished: b.totalPublished.Load(),
		Subscribers:    make(map[string]SubscriberStats, len(b.stats)),
	}

	for id, stats := range b.stats {
		s := SubscriberStats{
			Sent:    stats.sent.Load(),
			Dropped: stats.dropped.Load(),
		}
		result.TotalSent += s.Sent
		result.TotalDropped += s.Dropped
		result.Subscribers[id] = s
	}

	return result
}

// Close stops the bus. Subscriber channels are not closed; each
// subscriber owns its channel. Close is idempotent.
func (b *Bus[T]) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	return nil
}

// StartStatsLogger logs bus statistics every interval until ctx is done.
// Subscribers whose drop rate exceeds 10% are logged at warn level.
func (b *Bus[T]) StartStatsLogger(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := b.Stats()
			slog.Debug("framebus stats",
				"published", stats.TotalPublished,
				"sent", stats.TotalSent,
				"dropped", stats.TotalDropped,
				"subscribers", len(stats.Subscribers),
			)
			for id, s := range stats.Subscribers {
				if s.DropRate() > 0.10 {
					slog.Warn("subscriber falling behind",
						"subscriber", id,
						"drop_rate", s.DropRate(),
						"dropped", s.Dropped,
					)
				}
			}
		}
	}
}
