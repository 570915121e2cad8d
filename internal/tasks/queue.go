// Package tasks is the local task queue the delegation engine records
// outbound and inbound delegated work in. It is intentionally small: an
// in-memory store with a strict per-queue serialization order.
package tasks

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned for unknown task ids.
var ErrNotFound = errors.New("task not found")

// Task statuses.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Task is one unit of tracked work.
type Task struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Priority    int       `json:"priority"`
	Status      string    `json:"status"`
	Result      string    `json:"result,omitempty"`
	Error       string    `json:"error,omitempty"`
	// Delegated marks tasks shipped to a peer ("outbound") or accepted
	// from one ("inbound"). Empty for purely local tasks.
	Delegated   string    `json:"delegated,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	CompletedAt time.Time `json:"completed_at,omitempty"`
}

// Queue is an in-memory task store safe for concurrent use.
type Queue struct {
	mu    sync.Mutex
	tasks map[string]*Task
}

// NewQueue creates an empty Queue.
func NewQueue() *Queue {
	return &Queue{tasks: make(map[string]*Task)}
}

// Add creates a task and returns its id. delegated is "", "outbound", or
// "inbound".
func (q *Queue) Add(title, description string, priority int, delegated string) string {
	t := &Task{
		ID:          uuid.NewString(),
		Title:       title,
		Description: description,
		Priority:    priority,
		Status:      StatusPending,
		Delegated:   delegated,
		CreatedAt:   time.Now().UTC(),
	}
	q.mu.Lock()
	q.tasks[t.ID] = t
	q.mu.Unlock()
	return t.ID
}

// Get returns a copy of the task with the given id.
func (q *Queue) Get(id string) (*Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

// List returns all tasks ordered by creation time, oldest first.
func (q *Queue) List() []*Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*Task, 0, len(q.tasks))
	for _, t := range q.tasks {
		cp := *t
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Complete marks a task completed with a result.
func (q *Queue) Complete(id, result string) error {
	return q.finish(id, StatusCompleted, result, "")
}

// Fail marks a task failed with an error string.
func (q *Queue) Fail(id, errMsg string) error {
	return q.finish(id, StatusFailed, "", errMsg)
}

func (q *Queue) finish(id, status, result, errMsg string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.tasks[id]
	if !ok {
		return ErrNotFound
	}
	t.Status = status
	t.Result = result
	t.Error = errMsg
	t.CompletedAt = time.Now().UTC()
	return nil
}

// ActiveCount reports the number of pending or running tasks. The
// delegation engine advertises this as the node's current load.
func (q *Queue) ActiveCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, t := range q.tasks {
		if t.Status == StatusPending || t.Status == StatusRunning {
			n++
		}
	}
	return n
}
