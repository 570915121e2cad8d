package health

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/torbolabs/torbo-base/internal/delegation"
)

// ── Test setup ────────────────────────────────────────────────────────────

type eventRecorder struct {
	mu     sync.Mutex
	events []string
}

func (r *eventRecorder) sink(name string, _ map[string]string) {
	r.mu.Lock()
	r.events = append(r.events, name)
	r.mu.Unlock()
}

func (r *eventRecorder) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func peerFor(t *testing.T, srv *httptest.Server) delegation.Peer {
	t.Helper()
	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	port, err := strconv.Atoi(u.Port())
	if err != nil {
		t.Fatal(err)
	}
	return delegation.Peer{Host: u.Hostname(), Port: port}
}

// ── Tests ────────────────────────────────────────────────────────────────

func TestProbe_success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(nil, Config{ProbeTimeout: 5 * time.Second}, nil, zap.NewNop())
	if !c.probe(context.Background(), peerFor(t, srv)) {
		t.Error("expected probe to succeed")
	}
}

func TestProbe_failure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(nil, Config{ProbeTimeout: 5 * time.Second}, nil, zap.NewNop())
	if c.probe(context.Background(), peerFor(t, srv)) {
		t.Error("expected probe to fail")
	}
}

func TestCheckAll_unreachableAfterThreshold(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	rec := &eventRecorder{}
	c := New([]delegation.Peer{peerFor(t, srv)}, Config{
		ProbeTimeout:  5 * time.Second,
		FailThreshold: 3,
	}, rec.sink, zap.NewNop())

	// Run 3 times to hit the threshold.
	for i := 0; i < 3; i++ {
		c.CheckAll(context.Background())
	}

	statuses := c.Statuses()
	if len(statuses) != 1 || statuses[0].Healthy {
		t.Errorf("expected unhealthy peer, got %+v", statuses)
	}
	if names := rec.names(); len(names) != 1 || names[0] != "peer.unreachable" {
		t.Errorf("events: got %v, want one peer.unreachable", names)
	}
}

func TestCheckAll_recoversOnSuccess(t *testing.T) {
	failCount := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if failCount < 6 {
			// Each CheckAll costs two requests, HEAD then GET.
			failCount++
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	rec := &eventRecorder{}
	c := New([]delegation.Peer{peerFor(t, srv)}, Config{
		ProbeTimeout:  5 * time.Second,
		FailThreshold: 3,
	}, rec.sink, zap.NewNop())

	// Fail 3 times, then succeed.
	for i := 0; i < 4; i++ {
		c.CheckAll(context.Background())
	}

	statuses := c.Statuses()
	if len(statuses) != 1 || !statuses[0].Healthy {
		t.Errorf("expected recovered peer, got %+v", statuses)
	}
	if statuses[0].LastSeen.IsZero() {
		t.Error("LastSeen must be set after a successful probe")
	}

	names := rec.names()
	if len(names) != 2 || names[0] != "peer.unreachable" || names[1] != "peer.recovered" {
		t.Errorf("events: got %v, want [peer.unreachable peer.recovered]", names)
	}
}

func TestStatuses_initiallyNeutral(t *testing.T) {
	c := New([]delegation.Peer{{Host: "127.0.0.1", Port: 7711}}, Config{}, nil, zap.NewNop())
	statuses := c.Statuses()
	if len(statuses) != 1 {
		t.Fatalf("statuses: got %d, want 1", len(statuses))
	}
	if statuses[0].FailCount != 0 || !statuses[0].LastSeen.IsZero() {
		t.Errorf("fresh status should be neutral: %+v", statuses[0])
	}
}
