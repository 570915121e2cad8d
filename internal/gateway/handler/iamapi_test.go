package handler_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/torbolabs/torbo-base/internal/gateway/handler"
	"github.com/torbolabs/torbo-base/internal/iam"
)

// ── Test setup ────────────────────────────────────────────────────────────

func setupIAMRouter(t *testing.T) (*gin.Engine, *iam.Engine) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	engine, err := iam.Open(filepath.Join(t.TempDir(), "iam.sqlite"), zap.NewNop())
	if err != nil {
		t.Fatalf("open iam: %v", err)
	}
	t.Cleanup(func() { engine.Close() }) //nolint:errcheck

	auth, err := handler.NewAuthHandler("", testKey(t), zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	h := handler.NewIAMHandler(engine, auth, zap.NewNop())

	r := gin.New()
	v1 := r.Group("/api/v1")
	h.Register(v1)
	return r, engine
}

func postJSON(t *testing.T, router *gin.Engine, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

// ── Tests ─────────────────────────────────────────────────────────────────

func TestIAMCheck_grantedAndDenied(t *testing.T) {
	router, engine := setupIAMRouter(t)
	if err := engine.Grant("helper", "file:/docs*", []string{"read"}, "test"); err != nil {
		t.Fatal(err)
	}

	w := postJSON(t, router, "/api/v1/iam/check",
		`{"agent_id":"helper","resource":"file:/docs/a.txt","action":"read"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		Allowed bool `json:"allowed"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if !resp.Allowed {
		t.Error("granted access should report allowed")
	}

	w = postJSON(t, router, "/api/v1/iam/check",
		`{"agent_id":"helper","resource":"file:/etc/passwd","action":"read"}`)
	json.Unmarshal(w.Body.Bytes(), &resp) //nolint:errcheck
	if resp.Allowed {
		t.Error("out-of-pattern access should report denied")
	}
}

func TestIAMCheck_400_missingFields(t *testing.T) {
	router, _ := setupIAMRouter(t)
	w := postJSON(t, router, "/api/v1/iam/check", `{"agent_id":"helper"}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestIAMGrantRevoke_overHTTP(t *testing.T) {
	router, engine := setupIAMRouter(t)

	w := postJSON(t, router, "/api/v1/iam/grant",
		`{"agent_id":"helper","resource":"tool:calc","actions":["use"]}`)
	if w.Code != http.StatusOK {
		t.Fatalf("grant: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if !engine.Check("helper", "tool:calc", "use") {
		t.Error("grant over HTTP should take effect")
	}

	w = postJSON(t, router, "/api/v1/iam/revoke",
		`{"agent_id":"helper","resource":"tool:calc"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("revoke: expected 200, got %d", w.Code)
	}
	if engine.Check("helper", "tool:calc", "use") {
		t.Error("revoke over HTTP should take effect")
	}
}

func TestIAMGetAgent_404(t *testing.T) {
	router, _ := setupIAMRouter(t)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/iam/agents/ghost", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestIAMWithAccess(t *testing.T) {
	router, engine := setupIAMRouter(t)
	if err := engine.Grant("reader", "file:*", []string{"read"}, "test"); err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/iam/with-access?resource=file:/notes.txt", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp struct {
		Agents []string `json:"agents"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Agents) != 1 || resp.Agents[0] != "reader" {
		t.Errorf("agents: got %v, want [reader]", resp.Agents)
	}

	// Missing resource parameter is a client error.
	req = httptest.NewRequest(http.MethodGet, "/api/v1/iam/with-access", nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without resource, got %d", w.Code)
	}
}

func TestIAMAnomalies_emptyIsArray(t *testing.T) {
	router, _ := setupIAMRouter(t)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/iam/anomalies", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"anomalies":[]`) {
		t.Errorf("empty result should serialize as an array: %s", w.Body.String())
	}
}

func TestIAMAccessLog_filtered(t *testing.T) {
	router, engine := setupIAMRouter(t)
	if err := engine.Grant("helper", "file:/docs*", []string{"read"}, "test"); err != nil {
		t.Fatal(err)
	}
	engine.CheckAndLog("helper", "file:/docs/a.txt", "read")
	engine.CheckAndLog("helper", "tool:calc", "use")

	req := httptest.NewRequest(http.MethodGet, "/api/v1/iam/access-log?agent_id=helper&resource=file:*", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp struct {
		Entries []iam.AccessLogEntry `json:"entries"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Entries) != 1 {
		t.Fatalf("entries: got %d, want 1", len(resp.Entries))
	}
	if resp.Entries[0].Resource != "file:/docs/a.txt" {
		t.Errorf("entry resource: got %q", resp.Entries[0].Resource)
	}
}

func TestIAMPrune_200(t *testing.T) {
	router, _ := setupIAMRouter(t)
	w := postJSON(t, router, "/api/v1/iam/prune", `{"older_than_days":30}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), `"deleted":0`) {
		t.Errorf("fresh log should prune nothing: %s", w.Body.String())
	}
}
