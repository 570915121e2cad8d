package bus_test

import (
	"bytes"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/torbolabs/torbo-base/internal/bus"
)

func newBus(t *testing.T, capacity int) *bus.Bus {
	t.Helper()
	return bus.New(capacity, nil, zap.NewNop())
}

// waitFor polls cond until it holds or the timeout elapses.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestMatchTopic(t *testing.T) {
	cases := []struct {
		pattern, name string
		want          bool
	}{
		{"*", "anything.at.all", true},
		{"agent.created", "agent.created", true},
		{"agent.created", "agent.deleted", false},
		{"security.*", "security.anomaly", true},
		{"security.*", "security", true},
		{"security.*", "securityx.anomaly", false},
		{"delegation.*", "delegation.sent", true},
		{"", "agent.created", false},
	}
	for _, c := range cases {
		if got := bus.MatchTopic(c.pattern, c.name); got != c.want {
			t.Errorf("MatchTopic(%q, %q) = %v, want %v", c.pattern, c.name, got, c.want)
		}
	}
}

func TestPublishAppearsInRecent(t *testing.T) {
	b := newBus(t, 10)
	b.Publish("agent.created", map[string]string{"id": "helper"}, "registry")

	events := b.RecentEvents(0, "")
	if len(events) != 1 {
		t.Fatalf("RecentEvents: got %d events, want 1", len(events))
	}
	evt := events[0]
	if evt.Name != "agent.created" {
		t.Errorf("Name: got %q, want %q", evt.Name, "agent.created")
	}
	if evt.Payload["id"] != "helper" {
		t.Errorf("Payload[id]: got %q, want %q", evt.Payload["id"], "helper")
	}
	if evt.ID == "" {
		t.Error("ID must not be empty")
	}
	if evt.Timestamp == 0 {
		t.Error("Timestamp must be set")
	}
}

func TestRingEvictsOldest(t *testing.T) {
	b := newBus(t, 5)
	for i := 0; i < 8; i++ {
		b.Publish(fmt.Sprintf("tick.%d", i), nil, "test")
	}

	events := b.RecentEvents(0, "")
	if len(events) != 5 {
		t.Fatalf("ring size: got %d, want 5", len(events))
	}
	if events[0].Name != "tick.3" {
		t.Errorf("oldest retained: got %q, want %q", events[0].Name, "tick.3")
	}
	if events[4].Name != "tick.7" {
		t.Errorf("newest: got %q, want %q", events[4].Name, "tick.7")
	}
	if got := b.PublishedCount(); got != 8 {
		t.Errorf("PublishedCount: got %d, want 8", got)
	}
}

func TestRecentEventsFilterAndLimit(t *testing.T) {
	b := newBus(t, 20)
	b.Publish("agent.created", nil, "registry")
	b.Publish("security.anomaly", nil, "iam")
	b.Publish("security.breach", nil, "iam")
	b.Publish("delegation.sent", nil, "delegation")

	sec := b.RecentEvents(0, "security.*")
	if len(sec) != 2 {
		t.Fatalf("filtered: got %d events, want 2", len(sec))
	}

	limited := b.RecentEvents(1, "security.*")
	if len(limited) != 1 {
		t.Fatalf("limited: got %d events, want 1", len(limited))
	}
	if limited[0].Name != "security.breach" {
		t.Errorf("limit keeps newest: got %q, want %q", limited[0].Name, "security.breach")
	}
}

func TestSubscribeReceivesMatching(t *testing.T) {
	b := newBus(t, 10)

	var mu sync.Mutex
	var got []string
	done := make(chan struct{}, 2)

	b.Subscribe("iam.*", func(evt bus.Event) {
		mu.Lock()
		got = append(got, evt.Name)
		mu.Unlock()
		done <- struct{}{}
	})

	b.Publish("iam.access.denied", nil, "iam")
	b.Publish("agent.created", nil, "registry")
	b.Publish("iam.granted", nil, "iam")

	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for subscriber")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 {
		t.Fatalf("handler calls: got %d, want 2 (%v)", len(got), got)
	}
}

func TestSubscriptionDeliveryOrdered(t *testing.T) {
	b := newBus(t, 10)

	var mu sync.Mutex
	var got []string
	done := make(chan struct{}, 2)

	// Stall the first delivery; the second event must still arrive after it.
	b.Subscribe("sync.*", func(evt bus.Event) {
		if evt.Name == "sync.first" {
			time.Sleep(100 * time.Millisecond)
		}
		mu.Lock()
		got = append(got, evt.Name)
		mu.Unlock()
		done <- struct{}{}
	})

	b.Publish("sync.first", nil, "test")
	b.Publish("sync.second", nil, "test")

	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for subscriber")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 || got[0] != "sync.first" || got[1] != "sync.second" {
		t.Errorf("delivery order: got %v, want [sync.first sync.second]", got)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := newBus(t, 10)

	delivered := make(chan string, 4)
	id := b.Subscribe("*", func(evt bus.Event) {
		delivered <- evt.Name
	})

	b.Publish("before", nil, "test")
	select {
	case <-delivered:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for first delivery")
	}

	b.Unsubscribe(id)
	b.Publish("after", nil, "test")

	select {
	case name := <-delivered:
		t.Errorf("received %q after unsubscribe", name)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestPanickingHandlerDoesNotKillPublish(t *testing.T) {
	b := newBus(t, 10)
	b.Subscribe("*", func(bus.Event) {
		panic("boom")
	})

	b.Publish("first", nil, "test")
	b.Publish("second", nil, "test")
	time.Sleep(50 * time.Millisecond)

	if got := b.PublishedCount(); got != 2 {
		t.Errorf("PublishedCount: got %d, want 2", got)
	}
}

// syncBuffer is a threadsafe bytes.Buffer for streaming assertions.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestStreamingClientReceivesJSON(t *testing.T) {
	b := newBus(t, 10)
	var buf syncBuffer
	b.AddStreamingClient("c1", "delegation.*", &buf)

	b.Publish("delegation.sent", map[string]string{"task_id": "t1"}, "delegation")
	b.Publish("agent.created", nil, "registry")

	waitFor(t, 2*time.Second, func() bool {
		return bytes.Contains([]byte(buf.String()), []byte(`"delegation.sent"`))
	})
	if bytes.Contains([]byte(buf.String()), []byte(`"agent.created"`)) {
		t.Errorf("stream output contains unmatched event: %q", buf.String())
	}

	b.RemoveStreamingClient("c1")
	b.Publish("delegation.completed", nil, "delegation")
	time.Sleep(50 * time.Millisecond)
	if bytes.Contains([]byte(buf.String()), []byte(`"delegation.completed"`)) {
		t.Error("stream received event after removal")
	}
}

// blockingWriter blocks every Write until release is closed.
type blockingWriter struct {
	release chan struct{}
}

func (w *blockingWriter) Write(p []byte) (int, error) {
	<-w.release
	return len(p), nil
}

func TestSlowStreamingClientDoesNotBlockPublish(t *testing.T) {
	b := newBus(t, 10)
	w := &blockingWriter{release: make(chan struct{})}
	b.AddStreamingClient("slow", "*", w)
	t.Cleanup(func() {
		close(w.release)
		b.RemoveStreamingClient("slow")
	})

	start := time.Now()
	b.Publish("tick.1", nil, "test")
	b.Publish("tick.2", nil, "test")
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("publish stalled behind a slow client: took %v", elapsed)
	}
	if got := b.PublishedCount(); got != 2 {
		t.Errorf("PublishedCount: got %d, want 2", got)
	}
}

func TestCriticalEventsPersisted(t *testing.T) {
	dir := t.TempDir()
	audit, err := bus.OpenAuditStore(filepath.Join(dir, "audit.sqlite"), zap.NewNop())
	if err != nil {
		t.Fatalf("open audit store: %v", err)
	}
	defer audit.Close()

	b := bus.New(10, audit, zap.NewNop())
	b.Publish("iam.access.denied", map[string]string{"agent_id": "helper"}, "iam")
	b.Publish("agent.created", nil, "registry")
	b.Publish("security.anomaly", nil, "iam")

	records, err := audit.CriticalEvents(10, "")
	if err != nil {
		t.Fatalf("CriticalEvents: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("persisted records: got %d, want 2", len(records))
	}

	byTopic, err := audit.CriticalEvents(10, "iam.access.denied")
	if err != nil {
		t.Fatalf("CriticalEvents filtered: %v", err)
	}
	if len(byTopic) != 1 {
		t.Fatalf("filtered records: got %d, want 1", len(byTopic))
	}
	if byTopic[0].Severity != "warning" {
		t.Errorf("severity: got %q, want %q", byTopic[0].Severity, "warning")
	}
}

func TestIsCritical(t *testing.T) {
	cases := []struct {
		name string
		want bool
	}{
		{"security.anomaly", true},
		{"escalation.blocked", true},
		{"iam.access.denied", true},
		{"iam.access.allowed", false},
		{"delegation.failed", true},
		{"delegation.sent", false},
		{"agent.error", true},
		{"agent.created", false},
	}
	for _, c := range cases {
		if got := bus.IsCritical(c.name); got != c.want {
			t.Errorf("IsCritical(%q) = %v, want %v", c.name, got, c.want)
		}
	}
}

func TestSeverity(t *testing.T) {
	cases := []struct {
		name, want string
	}{
		{"security.anomaly", "critical"},
		{"delegation.failure", "critical"},
		{"system.error", "error"},
		{"iam.access.denied", "warning"},
		{"agent.created", "info"},
	}
	for _, c := range cases {
		if got := bus.Severity(c.name); got != c.want {
			t.Errorf("Severity(%q) = %q, want %q", c.name, got, c.want)
		}
	}
}
