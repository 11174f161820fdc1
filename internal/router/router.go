// Package router dispatches incoming bus messages to per-topic handlers.
package router

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
)

// HandlerFunc handles one message. A returned error is logged and the
// message is dropped; it never propagates to the transport.
type HandlerFunc func(topic, payload string) error

// Stats counts dispatch outcomes
type Stats struct {
	Handled   uint64 `json:"handled"`
	Ignored   uint64 `json:"ignored"`
	Failed    uint64 `json:"failed"`
	Recovered uint64 `json:"recovered"`
}

// Router maps topic strings to handlers
type Router struct {
	mu     sync.RWMutex
	routes map[string]HandlerFunc

	handled   atomic.Uint64
	ignored   atomic.Uint64
	failed    atomic.Uint64
	recovered atomic.Uint64
}

// New creates an empty router
func New() *Router {
	return &Router{routes: make(map[string]HandlerFunc)}
}

// Handle registers fn for topic, replacing any previous handler
func (r *Router) Handle(topic string, fn HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes[topic] = fn
}

// Topics returns the registered topics in sorted order
func (r *Router) Topics() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	topics := make([]string, 0, len(r.routes))
	for t := range r.routes {
		topics = append(topics, t)
	}
	sort.Strings(topics)
	return topics
}

// Dispatch runs the handler registered for topic. Unknown topics are a
// no-op. Returns true if a handler ran without error.
func (r *Router) Dispatch(topic, payload string) (ok bool) {
	r.mu.RLock()
	fn, found := r.routes[topic]
	r.mu.RUnlock()

	if !found {
		r.ignored.Add(1)
		slog.Debug("ignoring message on unrouted topic", "topic", topic)
		return false
	}

	defer func() {
		if rec := recover(); rec != nil {
			r.recovered.Add(1)
			slog.Error("telemetry handler panicked",
				"topic", topic,
				"panic", fmt.Sprint(rec),
			)
			ok = false
		}
	}()

	if err := fn(topic, payload); err != nil {
		r.failed.Add(1)
		slog.Error("dropping telemetry message",
			"topic", topic,
			"payload", payload,
			"error", err,
		)
		return false
	}

	r.handled.Add(1)
	return true
}

// Stats returns a snapshot of the dispatch counters
func (r *Router) Stats() Stats {
	return Stats{
		Handled:   r.handled.Load(),
		Ignored:   r.ignored.Load(),
		Failed:    r.failed.Load(),
		Recovered: r.recovered.Load(),
	}
}
