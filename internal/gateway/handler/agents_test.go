package handler_test

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/torbolabs/torbo-base/internal/agentconfig"
	"github.com/torbolabs/torbo-base/internal/gateway/handler"
	"github.com/torbolabs/torbo-base/internal/iam"
)

// ── Test setup ────────────────────────────────────────────────────────────

func setupAgentsRouter(t *testing.T) (*gin.Engine, *agentconfig.Store, *iam.Engine) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := agentconfig.NewStore(t.TempDir(), agentconfig.LevelFull, zap.NewNop())
	if err := store.Bootstrap(); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	engine, err := iam.Open(filepath.Join(t.TempDir(), "iam.sqlite"), zap.NewNop())
	if err != nil {
		t.Fatalf("open iam: %v", err)
	}
	t.Cleanup(func() { engine.Close() }) //nolint:errcheck

	auth, err := handler.NewAuthHandler("", testKey(t), zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	h := handler.NewAgentsHandler(store, engine, auth, zap.NewNop())

	r := gin.New()
	v1 := r.Group("/api/v1")
	h.Register(v1)
	return r, store, engine
}

// ── Tests ─────────────────────────────────────────────────────────────────

func TestListAgents_includesBuiltIn(t *testing.T) {
	router, _, _ := setupAgentsRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/agents", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp struct {
		Agents []agentconfig.Agent `json:"agents"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Agents) == 0 || resp.Agents[0].ID != agentconfig.BuiltInAgentID {
		t.Errorf("built-in agent should lead the list, got %+v", resp.Agents)
	}
}

func TestCreateAgent_201_mirrorsIAMGrants(t *testing.T) {
	router, _, engine := setupAgentsRouter(t)

	body := `{"id":"helper","name":"Helper","accessLevel":2}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/agents", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	// The new agent holds the READ-level default bundle in IAM.
	if !engine.Check("helper", "tool:web_search", "use") {
		t.Error("created agent should hold its level's default tool grant")
	}
	if engine.Check("helper", "tool:run_command", "execute") {
		t.Error("READ-level agent must not hold execution grants")
	}
}

func TestCreateAgent_derivesIDFromName(t *testing.T) {
	router, store, _ := setupAgentsRouter(t)

	body := `{"name":"Night Owl"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/agents", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	if _, err := store.Get("night-owl"); err != nil {
		t.Errorf("slug-derived agent missing: %v", err)
	}
}

func TestCreateAgent_409_duplicate(t *testing.T) {
	router, _, _ := setupAgentsRouter(t)

	body := `{"id":"` + agentconfig.BuiltInAgentID + `","name":"Impostor"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/agents", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", w.Code)
	}
}

func TestCreateAgent_400_invalidID(t *testing.T) {
	router, _, _ := setupAgentsRouter(t)

	body := `{"id":"Not A Slug!","name":"x"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/agents", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestGetAgent_404(t *testing.T) {
	router, _, _ := setupAgentsRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/agents/ghost", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestDeleteAgent_403_builtIn(t *testing.T) {
	router, _, _ := setupAgentsRouter(t)

	req := httptest.NewRequest(http.MethodDelete, "/api/v1/agents/"+agentconfig.BuiltInAgentID, nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", w.Code)
	}
}

func TestDeleteAgent_200_removesIAMIdentity(t *testing.T) {
	router, _, engine := setupAgentsRouter(t)

	body := `{"id":"temp","name":"Temp","accessLevel":1}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/agents", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d: %s", w.Code, w.Body.String())
	}

	req = httptest.NewRequest(http.MethodDelete, "/api/v1/agents/temp", nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("delete: expected 200, got %d: %s", w.Code, w.Body.String())
	}

	if _, _, err := engine.Get("temp"); !errors.Is(err, iam.ErrNotFound) {
		t.Errorf("IAM identity should be gone, got %v", err)
	}
}

func TestIdentityBlock_rendersPrompt(t *testing.T) {
	router, _, _ := setupAgentsRouter(t)

	req := httptest.NewRequest(http.MethodGet,
		"/api/v1/agents/"+agentconfig.BuiltInAgentID+"/identity-block?access_level=2&tools=web_search", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	body := w.Body.String()
	if !strings.Contains(body, "Torbo") {
		t.Errorf("identity block should name the agent: %q", body)
	}
	if !strings.Contains(body, "READ") {
		t.Errorf("identity block should name the access level: %q", body)
	}
}

func TestExportImport_roundTrip(t *testing.T) {
	router, _, _ := setupAgentsRouter(t)

	body := `{"id":"scribe","name":"Scribe","accessLevel":2}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/agents", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusCreated {
		t.Fatalf("create: %d: %s", w.Code, w.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/agents/scribe/export", nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("export: %d", w.Code)
	}
	if cd := w.Header().Get("Content-Disposition"); !strings.Contains(cd, "scribe.json") {
		t.Errorf("Content-Disposition: got %q", cd)
	}
	exported := w.Body.Bytes()

	// Re-importing without overwrite conflicts; with overwrite it succeeds.
	req = httptest.NewRequest(http.MethodPost, "/api/v1/agents/import", strings.NewReader(string(exported)))
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusConflict {
		t.Fatalf("import without overwrite: expected 409, got %d", w.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/v1/agents/import?overwrite=true", strings.NewReader(string(exported)))
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("import with overwrite: expected 200, got %d: %s", w.Code, w.Body.String())
	}
}
