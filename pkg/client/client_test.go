package client_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/torbolabs/torbo-base/pkg/client"
)

// ── Stub server ─────────────────────────────────────────────────────────

func stubNodeServer(t *testing.T, tokenRequests *int64) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()

	mux.HandleFunc("/api/v1/auth/token", func(w http.ResponseWriter, r *http.Request) {
		if tokenRequests != nil {
			atomic.AddInt64(tokenRequests, 1)
		}
		var req struct {
			Secret string `json:"secret"`
		}
		json.NewDecoder(r.Body).Decode(&req) //nolint:errcheck
		if req.Secret != "hunter2" {
			http.Error(w, `{"error":"invalid admin secret"}`, http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{ //nolint:errcheck
			"token":      "session-token",
			"expires_at": time.Now().Add(24 * time.Hour).UTC().Format(time.RFC3339),
		})
	})

	mux.HandleFunc("/api/v1/agents", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{ //nolint:errcheck
			"agents": []map[string]any{
				{"id": "torbo", "isBuiltIn": true, "name": "Torbo", "accessLevel": 2},
				{"id": "helper", "name": "Helper", "accessLevel": 1},
			},
		})
	})

	mux.HandleFunc("/api/v1/agents/", func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimPrefix(r.URL.Path, "/api/v1/agents/")
		if id == "ghost" {
			http.Error(w, `{"error":"agent not found"}`, http.StatusNotFound)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"id": id, "name": "Helper", "accessLevel": 1}) //nolint:errcheck
	})

	mux.HandleFunc("/api/v1/iam/check", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Resource string `json:"resource"`
		}
		json.NewDecoder(r.Body).Decode(&req) //nolint:errcheck
		json.NewEncoder(w).Encode(map[string]bool{ //nolint:errcheck
			"allowed": strings.HasPrefix(req.Resource, "file:/docs"),
		})
	})

	mux.HandleFunc("/api/v1/iam/grant", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer session-token" {
			http.Error(w, `{"error":"missing bearer token"}`, http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"status": "granted"}) //nolint:errcheck
	})

	mux.HandleFunc("/api/v1/tasks/delegate", func(w http.ResponseWriter, r *http.Request) {
		var req client.DelegateRequest
		json.NewDecoder(r.Body).Decode(&req) //nolint:errcheck
		if req.Title == "" {
			http.Error(w, `{"error":"title required"}`, http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(map[string]string{"task_id": "task-42"}) //nolint:errcheck
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

// ── Tests ───────────────────────────────────────────────────────────────

func TestListAgents(t *testing.T) {
	srv := stubNodeServer(t, nil)
	c, err := client.New(srv.URL)
	if err != nil {
		t.Fatal(err)
	}

	agents, err := c.ListAgents(context.Background())
	if err != nil {
		t.Fatalf("list agents: %v", err)
	}
	if len(agents) != 2 {
		t.Fatalf("agents: got %d, want 2", len(agents))
	}
	if agents[0].ID != "torbo" || !agents[0].IsBuiltIn {
		t.Errorf("first agent: got %+v", agents[0])
	}
}

func TestGetAgent_notFound(t *testing.T) {
	srv := stubNodeServer(t, nil)
	c, _ := client.New(srv.URL)

	_, err := c.GetAgent(context.Background(), "ghost")
	if err == nil {
		t.Fatal("expected error for unknown agent")
	}
	if !strings.Contains(err.Error(), "agent not found") {
		t.Errorf("error should carry the server message: %v", err)
	}
}

func TestCheck(t *testing.T) {
	srv := stubNodeServer(t, nil)
	c, _ := client.New(srv.URL)

	allowed, err := c.Check(context.Background(), "helper", "file:/docs/a.txt", "read")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !allowed {
		t.Error("expected allowed")
	}

	allowed, err = c.Check(context.Background(), "helper", "file:/etc/passwd", "read")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if allowed {
		t.Error("expected denied")
	}
}

func TestAdminTokenAcquiredOnceAndReused(t *testing.T) {
	var tokenRequests int64
	srv := stubNodeServer(t, &tokenRequests)
	c, err := client.New(srv.URL, client.WithAdminSecret("hunter2"))
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 3; i++ {
		if err := c.Grant(context.Background(), "helper", "tool:calc", []string{"use"}); err != nil {
			t.Fatalf("grant %d: %v", i, err)
		}
	}
	if got := atomic.LoadInt64(&tokenRequests); got != 1 {
		t.Errorf("token requests: got %d, want 1 (token should be cached)", got)
	}
}

func TestAdminToken_wrongSecret(t *testing.T) {
	srv := stubNodeServer(t, nil)
	c, _ := client.New(srv.URL, client.WithAdminSecret("wrong"))

	err := c.Grant(context.Background(), "helper", "tool:calc", []string{"use"})
	if err == nil {
		t.Fatal("expected token acquisition to fail")
	}
	if !strings.Contains(err.Error(), "invalid admin secret") {
		t.Errorf("error should carry the server message: %v", err)
	}
}

func TestDelegate(t *testing.T) {
	srv := stubNodeServer(t, nil)
	c, _ := client.New(srv.URL)

	taskID, err := c.Delegate(context.Background(), client.DelegateRequest{Title: "Summarize"})
	if err != nil {
		t.Fatalf("delegate: %v", err)
	}
	if taskID != "task-42" {
		t.Errorf("task id: got %q, want %q", taskID, "task-42")
	}
}

func TestNew_requiresBaseURL(t *testing.T) {
	if _, err := client.New(""); err == nil {
		t.Error("empty base URL must error")
	}
}
