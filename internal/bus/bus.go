// Package bus implements the in-process event bus: a bounded ring buffer of
// recent events, wildcard-pattern subscriptions, live streaming fan-out to
// SSE clients, and durable storage of a critical subset in a SQLite audit
// store.
//
// Publish never blocks on a subscriber. Each subscription and each streaming
// client owns a bounded mailbox drained by a single worker goroutine, so one
// subscription sees matching events in publish order. The bus is safe for
// concurrent use.
package bus

import (
	"encoding/json"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// DefaultRingCapacity is the ring buffer size used when the configured
// capacity is zero or negative.
const DefaultRingCapacity = 1000

const (
	// subscriberMailbox bounds each subscription's pending-event queue.
	// Publish drops the event for a full subscriber rather than blocking.
	subscriberMailbox = 256
	// streamMailbox bounds each streaming client's pending-write queue.
	streamMailbox = 64
)

var eventsPublishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "torbo_events_published_total",
	Help: "Total events published to the bus, by source subsystem.",
}, []string{"source"})

// Event is a single bus event. Payload values are flat strings so events
// serialize identically on the wire and in the audit store.
type Event struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	Payload   map[string]string `json:"payload"`
	Timestamp int64             `json:"timestamp"`
	Source    string            `json:"source"`
}

// Handler receives events whose name matched the subscription pattern.
type Handler func(Event)

type subscription struct {
	pattern string
	ch      chan Event
}

type streamClient struct {
	pattern string
	ch      chan []byte
}

// Bus is the process-wide event bus. Create one with New and share it by
// reference; all methods are safe for concurrent use.
type Bus struct {
	mu        sync.Mutex
	ring      []Event
	capacity  int
	published uint64
	subs      map[string]subscription
	streams   map[string]streamClient
	audit     *AuditStore // nil = persistence disabled
	logger    *zap.Logger
}

// New creates a Bus with the given ring capacity. audit may be nil to
// disable durable storage of critical events.
func New(capacity int, audit *AuditStore, logger *zap.Logger) *Bus {
	if capacity <= 0 {
		capacity = DefaultRingCapacity
	}
	return &Bus{
		ring:     make([]Event, 0, capacity),
		capacity: capacity,
		subs:     make(map[string]subscription),
		streams:  make(map[string]streamClient),
		audit:    audit,
		logger:   logger,
	}
}

// Publish appends an event to the ring buffer, persists it if its name is in
// the critical set, and enqueues it for matching subscribers and streaming
// clients. A subscriber or client whose mailbox is full misses the event;
// Publish itself never waits on either.
func (b *Bus) Publish(name string, payload map[string]string, source string) Event {
	if payload == nil {
		payload = map[string]string{}
	}
	evt := Event{
		ID:        uuid.NewString(),
		Name:      name,
		Payload:   payload,
		Timestamp: time.Now().Unix(),
		Source:    source,
	}

	b.mu.Lock()
	if len(b.ring) == b.capacity {
		copy(b.ring, b.ring[1:])
		b.ring[len(b.ring)-1] = evt
	} else {
		b.ring = append(b.ring, evt)
	}
	b.published++

	// Persist before notifying anyone, so the audit trail never lags a
	// subscriber's view of the same event.
	if b.audit != nil && IsCritical(name) {
		if err := b.audit.Record(evt); err != nil {
			b.logger.Error("audit record failed", zap.String("event", name), zap.Error(err))
		}
	}

	for id, s := range b.subs {
		if !MatchTopic(s.pattern, name) {
			continue
		}
		select {
		case s.ch <- evt:
		default:
			b.logger.Warn("subscriber mailbox full, dropping event",
				zap.String("event", name), zap.String("subscription", id))
		}
	}

	var line []byte
	for id, sc := range b.streams {
		if !MatchTopic(sc.pattern, name) {
			continue
		}
		if line == nil {
			line, _ = json.Marshal(evt)
		}
		select {
		case sc.ch <- line:
		default:
			b.logger.Warn("streaming client lagging, dropping event",
				zap.String("event", name), zap.String("client", id))
		}
	}
	b.mu.Unlock()

	eventsPublishedTotal.WithLabelValues(source).Inc()
	return evt
}

// Subscribe registers a handler for events matching pattern and returns the
// subscription id. The handler runs on a dedicated goroutine that drains the
// subscription's mailbox, so it observes matching events in publish order.
func (b *Bus) Subscribe(pattern string, handler Handler) string {
	id := uuid.NewString()
	sub := subscription{pattern: pattern, ch: make(chan Event, subscriberMailbox)}
	b.mu.Lock()
	b.subs[id] = sub
	b.mu.Unlock()

	go func() {
		for evt := range sub.ch {
			b.invoke(handler, evt)
		}
	}()
	return id
}

func (b *Bus) invoke(handler Handler, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Warn("event handler panicked", zap.String("event", evt.Name), zap.Any("panic", r))
		}
	}()
	handler(evt)
}

// Unsubscribe removes a subscription and stops its dispatcher. Unknown ids
// are ignored.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	if sub, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(sub.ch)
	}
	b.mu.Unlock()
}

// AddStreamingClient registers a live client. Matching events are written to
// w as one JSON document per call by a dedicated goroutine; a write error
// drops the client.
func (b *Bus) AddStreamingClient(id, pattern string, w io.Writer) {
	sc := streamClient{pattern: pattern, ch: make(chan []byte, streamMailbox)}
	b.mu.Lock()
	b.streams[id] = sc
	b.mu.Unlock()

	go func() {
		for line := range sc.ch {
			if _, err := w.Write(line); err != nil {
				b.logger.Debug("streaming client write failed", zap.String("client", id), zap.Error(err))
				b.RemoveStreamingClient(id)
				return
			}
		}
	}()
}

// RemoveStreamingClient drops a live client and stops its writer. Unknown
// ids are ignored.
func (b *Bus) RemoveStreamingClient(id string) {
	b.mu.Lock()
	if sc, ok := b.streams[id]; ok {
		delete(b.streams, id)
		close(sc.ch)
	}
	b.mu.Unlock()
}

// RecentEvents returns up to limit events from the ring buffer, oldest first,
// optionally filtered by pattern. Pattern "" or "*" matches everything.
func (b *Bus) RecentEvents(limit int, pattern string) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []Event
	for _, evt := range b.ring {
		if pattern == "" || MatchTopic(pattern, evt.Name) {
			out = append(out, evt)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// PublishedCount reports the total number of events published since startup.
func (b *Bus) PublishedCount() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.published
}

// MatchTopic reports whether an event name matches a subscription pattern.
// "*" matches any name; "prefix.*" matches "prefix" and any name starting
// with "prefix."; anything else is an exact match.
func MatchTopic(pattern, name string) bool {
	if pattern == "*" {
		return true
	}
	if prefix, ok := strings.CutSuffix(pattern, ".*"); ok {
		return name == prefix || strings.HasPrefix(name, prefix+".")
	}
	return pattern == name
}
