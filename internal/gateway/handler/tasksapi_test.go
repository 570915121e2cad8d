package handler_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/torbolabs/torbo-base/internal/delegation"
	"github.com/torbolabs/torbo-base/internal/gateway/handler"
	"github.com/torbolabs/torbo-base/internal/nodeid"
	"github.com/torbolabs/torbo-base/internal/tasks"
)

// ── Test setup ────────────────────────────────────────────────────────────

func setupTasksRouter(t *testing.T) (*gin.Engine, *tasks.Queue) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	id, err := nodeid.LoadOrCreate(t.TempDir(), "Tasks Node", zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	queue := tasks.NewQueue()
	engine := delegation.New(delegation.Config{
		StatePath: filepath.Join(t.TempDir(), "delegated_tasks.json"),
	}, id, nodeid.NewKeyDirectory(time.Second, zap.NewNop()),
		queue, nil, nil, nil, zap.NewNop())

	auth, err := handler.NewAuthHandler("", testKey(t), zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	h := handler.NewTasksHandler(queue, engine, auth, zap.NewNop())

	r := gin.New()
	v1 := r.Group("/api/v1")
	h.Register(v1)
	return r, queue
}

// ── Tests ─────────────────────────────────────────────────────────────────

func TestListTasks_200(t *testing.T) {
	router, queue := setupTasksRouter(t)
	queue.Add("Write report", "", 1, "")

	req := httptest.NewRequest(http.MethodGet, "/api/v1/tasks", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp struct {
		Tasks []tasks.Task `json:"tasks"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Tasks) != 1 || resp.Tasks[0].Title != "Write report" {
		t.Errorf("tasks: got %+v", resp.Tasks)
	}
}

func TestGetTask_404(t *testing.T) {
	router, _ := setupTasksRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/tasks/ghost", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestDelegate_503_noPeer(t *testing.T) {
	router, _ := setupTasksRouter(t)

	w := postJSON(t, router, "/api/v1/tasks/delegate", `{"title":"Lonely task"}`)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 without peers, got %d: %s", w.Code, w.Body.String())
	}
}

func TestDelegate_400_missingTitle(t *testing.T) {
	router, _ := setupTasksRouter(t)

	w := postJSON(t, router, "/api/v1/tasks/delegate", `{"description":"no title"}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestCompleteInbound_400_badStatus(t *testing.T) {
	router, _ := setupTasksRouter(t)

	w := postJSON(t, router, "/api/v1/tasks/some-id/result", `{"status":"paused"}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad status, got %d", w.Code)
	}
}

func TestCompleteInbound_422_notInbound(t *testing.T) {
	router, queue := setupTasksRouter(t)
	id := queue.Add("Local only", "", 0, "")

	w := postJSON(t, router, "/api/v1/tasks/"+id+"/result", `{"status":"completed","result":"done"}`)
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for non-delegated task, got %d: %s", w.Code, w.Body.String())
	}
}
