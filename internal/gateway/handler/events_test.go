package handler_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/torbolabs/torbo-base/internal/bus"
	"github.com/torbolabs/torbo-base/internal/gateway/handler"
)

// ── Test setup ────────────────────────────────────────────────────────────

func setupEventsRouter(t *testing.T, audit *bus.AuditStore) (*gin.Engine, *bus.Bus) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	b := bus.New(100, audit, zap.NewNop())
	h := handler.NewEventsHandler(b, audit, zap.NewNop())

	r := gin.New()
	v1 := r.Group("/api/v1")
	h.Register(v1)
	return r, b
}

// ── Tests ─────────────────────────────────────────────────────────────────

func TestRecentEvents_filteredByPattern(t *testing.T) {
	router, b := setupEventsRouter(t, nil)
	b.Publish("agent.created", map[string]string{"id": "helper"}, "registry")
	b.Publish("delegation.sent", nil, "delegation")

	req := httptest.NewRequest(http.MethodGet, "/api/v1/events/recent?pattern=agent.*", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp struct {
		Events []bus.Event `json:"events"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Events) != 1 || resp.Events[0].Name != "agent.created" {
		t.Errorf("events: got %+v", resp.Events)
	}
}

func TestRecentEvents_emptyIsArray(t *testing.T) {
	router, _ := setupEventsRouter(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/events/recent", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if body := w.Body.String(); body != `{"events":[]}` {
		t.Errorf("body: got %s", body)
	}
}

func TestCriticalEvents_503_withoutAuditStore(t *testing.T) {
	router, _ := setupEventsRouter(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/events/critical", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
}

func TestCriticalEvents_readsAuditStore(t *testing.T) {
	audit, err := bus.OpenAuditStore(filepath.Join(t.TempDir(), "audit.sqlite"), zap.NewNop())
	if err != nil {
		t.Fatalf("open audit store: %v", err)
	}
	t.Cleanup(func() { audit.Close() }) //nolint:errcheck
	router, b := setupEventsRouter(t, audit)

	// Critical events reach the durable store; routine ones do not.
	b.Publish("iam.access.denied", map[string]string{"agent_id": "helper"}, "iam")
	b.Publish("agent.created", nil, "registry")

	req := httptest.NewRequest(http.MethodGet, "/api/v1/events/critical", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		Events []bus.AuditRecord `json:"events"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Events) != 1 || resp.Events[0].Topic != "iam.access.denied" {
		t.Errorf("critical events: got %+v", resp.Events)
	}
}
