// Package iam implements the authoritative access-control store: agent
// identities, fine-grained permissions (resource glob × action set), the
// append-only access log, per-agent risk scores, and anomaly detection.
//
// Backing storage is a single SQLite database opened in WAL mode. Hot-path
// reads go through two caches keyed by agent id (identity and permission
// list); every permission or identity mutation drops the affected entries
// before returning, so a check immediately after a grant observes it.
package iam

import (
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// ErrNotFound is returned when an identity does not exist.
var ErrNotFound = errors.New("iam: agent identity not found")

// Actions recognized in permission sets.
var knownActions = []string{"read", "write", "execute", "use", "*"}

var checksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "torbo_iam_checks_total",
	Help: "Total permission checks, by outcome.",
}, []string{"allowed"})

// Identity is one agent identity row. Owner "" means local.
type Identity struct {
	ID        string    `json:"id"`
	Owner     string    `json:"owner"`
	Purpose   string    `json:"purpose"`
	CreatedAt time.Time `json:"created_at"`
	RiskScore float64   `json:"risk_score"`
}

// Permission associates an agent with a resource pattern and an action set.
type Permission struct {
	ID        int64     `json:"id"`
	AgentID   string    `json:"agent_id"`
	Resource  string    `json:"resource"`
	Actions   []string  `json:"actions"`
	GrantedAt time.Time `json:"granted_at"`
	GrantedBy string    `json:"granted_by"`
}

// AccessLogEntry is one row of the append-only access log.
type AccessLogEntry struct {
	ID        int64     `json:"id"`
	AgentID   string    `json:"agent_id"`
	Resource  string    `json:"resource"`
	Action    string    `json:"action"`
	Timestamp time.Time `json:"timestamp"`
	Allowed   bool      `json:"allowed"`
	Reason    string    `json:"reason,omitempty"`
}

// EventSink receives bus events the engine emits (denied checks, anomaly
// sweeps). Nil disables emission; tests leave it unset.
type EventSink func(name string, payload map[string]string)

// Engine is the IAM engine. A single mutex serializes all operations so
// callers observe a strict total order; no lock is held while the engine
// calls out to the event sink.
type Engine struct {
	mu         sync.Mutex
	db         *sql.DB
	identCache map[string]*Identity
	permCache  map[string][]Permission
	sink       EventSink
	logger     *zap.Logger
}

// Open opens (creating if necessary) the IAM database at path and applies
// the schema.
func Open(path string, logger *zap.Logger) (*Engine, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open iam db: %w", err)
	}
	db.SetMaxOpenConns(1)

	schema := `
		CREATE TABLE IF NOT EXISTS agent_identities (
			id         TEXT PRIMARY KEY,
			owner      TEXT NOT NULL DEFAULT '',
			purpose    TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			risk_score REAL NOT NULL DEFAULT 0.0
		);
		CREATE TABLE IF NOT EXISTS iam_permissions (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			agent_id   TEXT NOT NULL REFERENCES agent_identities(id) ON DELETE CASCADE,
			resource   TEXT NOT NULL,
			actions    TEXT NOT NULL,
			granted_at INTEGER NOT NULL,
			granted_by TEXT NOT NULL DEFAULT ''
		);
		CREATE TABLE IF NOT EXISTS iam_access_log (
			id        INTEGER PRIMARY KEY AUTOINCREMENT,
			agent_id  TEXT NOT NULL,
			resource  TEXT NOT NULL,
			action    TEXT NOT NULL,
			timestamp INTEGER NOT NULL,
			allowed   INTEGER NOT NULL,
			reason    TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_iam_permissions_agent ON iam_permissions(agent_id);
		CREATE INDEX IF NOT EXISTS idx_iam_permissions_resource ON iam_permissions(resource);
		CREATE INDEX IF NOT EXISTS idx_iam_access_log_agent ON iam_access_log(agent_id);
		CREATE INDEX IF NOT EXISTS idx_iam_access_log_timestamp ON iam_access_log(timestamp);
		CREATE INDEX IF NOT EXISTS idx_iam_access_log_resource ON iam_access_log(resource);`
	if _, err := db.Exec(schema); err != nil {
		db.Close() //nolint:errcheck
		return nil, fmt.Errorf("create iam schema: %w", err)
	}

	return &Engine{
		db:         db,
		identCache: make(map[string]*Identity),
		permCache:  make(map[string][]Permission),
		logger:     logger,
	}, nil
}

// SetEventSink configures the bus publisher for denied checks and anomaly
// sweeps. Must be called before concurrent use.
func (e *Engine) SetEventSink(sink EventSink) {
	e.sink = sink
}

// Close releases the database handle.
func (e *Engine) Close() error {
	return e.db.Close()
}

// Register creates an agent identity. Registering an existing id is a no-op
// that warms the identity cache.
func (e *Engine) Register(id, owner, purpose string) error {
	if id == "" {
		return fmt.Errorf("iam: empty agent id")
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	ident, err := e.loadIdentity(id)
	if err == nil {
		e.identCache[id] = ident
		return nil
	}
	if !errors.Is(err, ErrNotFound) {
		return err
	}

	now := time.Now().UTC()
	if _, err := e.db.Exec(
		`INSERT INTO agent_identities (id, owner, purpose, created_at, risk_score)
		 VALUES (?, ?, ?, ?, 0.0)`,
		id, owner, purpose, now.Unix(),
	); err != nil {
		return fmt.Errorf("insert identity: %w", err)
	}
	e.identCache[id] = &Identity{ID: id, Owner: owner, Purpose: purpose, CreatedAt: now}
	return nil
}

// Grant installs a permission, replacing any existing permission for the
// same (agent, resource) pair. The agent identity is created if absent.
// Empty inputs are rejected silently.
func (e *Engine) Grant(agentID, resource string, actions []string, grantedBy string) error {
	if agentID == "" || resource == "" || len(actions) == 0 {
		return nil
	}
	if err := e.Register(agentID, "", ""); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, err := e.db.Exec(
		`DELETE FROM iam_permissions WHERE agent_id = ? AND resource = ?`,
		agentID, resource,
	); err != nil {
		e.invalidate(agentID)
		return fmt.Errorf("replace permission: %w", err)
	}
	if _, err := e.db.Exec(
		`INSERT INTO iam_permissions (agent_id, resource, actions, granted_at, granted_by)
		 VALUES (?, ?, ?, ?, ?)`,
		agentID, resource, encodeActions(actions), time.Now().Unix(), grantedBy,
	); err != nil {
		e.invalidate(agentID)
		return fmt.Errorf("insert permission: %w", err)
	}
	e.invalidate(agentID)
	return nil
}

// Revoke removes the permission for exactly this (agent, resource) pair.
func (e *Engine) Revoke(agentID, resource string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	_, err := e.db.Exec(
		`DELETE FROM iam_permissions WHERE agent_id = ? AND resource = ?`,
		agentID, resource,
	)
	e.invalidate(agentID)
	if err != nil {
		return fmt.Errorf("revoke permission: %w", err)
	}
	return nil
}

// RevokeAll removes every permission held by an agent.
func (e *Engine) RevokeAll(agentID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	_, err := e.db.Exec(`DELETE FROM iam_permissions WHERE agent_id = ?`, agentID)
	e.invalidate(agentID)
	if err != nil {
		return fmt.Errorf("revoke all permissions: %w", err)
	}
	return nil
}

// Remove deletes an agent identity; its permissions cascade.
func (e *Engine) Remove(agentID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	_, err := e.db.Exec(`DELETE FROM agent_identities WHERE id = ?`, agentID)
	e.invalidate(agentID)
	if err != nil {
		return fmt.Errorf("remove identity: %w", err)
	}
	return nil
}

// Check reports whether the agent holds a permission matching the resource
// that permits the action. SQL errors deny and are logged.
func (e *Engine) Check(agentID, resource, action string) bool {
	e.mu.Lock()
	perms, err := e.permissionsLocked(agentID)
	e.mu.Unlock()
	if err != nil {
		e.logger.Error("permission load failed, denying", zap.String("agent", agentID), zap.Error(err))
		return false
	}
	for _, p := range perms {
		if Matches(p.Resource, resource) && actionsAllow(p.Actions, action) {
			return true
		}
	}
	return false
}

// CheckAndLog runs Check and appends the outcome to the access log. Denied
// checks carry a reason and are emitted on the event bus.
func (e *Engine) CheckAndLog(agentID, resource, action string) bool {
	allowed := e.Check(agentID, resource, action)
	reason := ""
	if !allowed {
		reason = fmt.Sprintf("No matching permission for %s on %s", action, resource)
	}
	if err := e.Log(agentID, resource, action, allowed, reason); err != nil {
		e.logger.Error("access log append failed", zap.String("agent", agentID), zap.Error(err))
	}
	checksTotal.WithLabelValues(fmt.Sprintf("%t", allowed)).Inc()

	if !allowed {
		e.logger.Warn("access denied",
			zap.String("agent", agentID),
			zap.String("resource", resource),
			zap.String("action", action),
		)
		if e.sink != nil {
			e.sink("iam.access.denied", map[string]string{
				"agent_id": agentID,
				"resource": resource,
				"action":   action,
				"reason":   reason,
			})
		}
	}
	return allowed
}

// Log appends a raw access log entry.
func (e *Engine) Log(agentID, resource, action string, allowed bool, reason string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	allowedInt := 0
	if allowed {
		allowedInt = 1
	}
	_, err := e.db.Exec(
		`INSERT INTO iam_access_log (agent_id, resource, action, timestamp, allowed, reason)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		agentID, resource, action, time.Now().Unix(), allowedInt, nullable(reason),
	)
	if err != nil {
		return fmt.Errorf("append access log: %w", err)
	}
	return nil
}

// Get returns an agent identity with its permissions refreshed from disk,
// even when the identity itself is cached.
func (e *Engine) Get(id string) (*Identity, []Permission, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	ident, ok := e.identCache[id]
	if !ok {
		var err error
		ident, err = e.loadIdentity(id)
		if err != nil {
			return nil, nil, err
		}
		e.identCache[id] = ident
	}
	perms, err := e.loadPermissions(id)
	if err != nil {
		return nil, nil, err
	}
	e.permCache[id] = perms
	cp := *ident
	return &cp, perms, nil
}

// ListAgents returns all identities, optionally filtered by owner.
func (e *Engine) ListAgents(owner string) ([]Identity, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	rows, err := e.db.Query(
		`SELECT id, owner, purpose, created_at, risk_score
		 FROM agent_identities
		 WHERE (? = '' OR owner = ?)
		 ORDER BY id ASC`, owner, owner)
	if err != nil {
		return nil, fmt.Errorf("list identities: %w", err)
	}
	defer rows.Close()

	var out []Identity
	for rows.Next() {
		var ident Identity
		var created int64
		if err := rows.Scan(&ident.ID, &ident.Owner, &ident.Purpose, &created, &ident.RiskScore); err != nil {
			return nil, fmt.Errorf("scan identity: %w", err)
		}
		ident.CreatedAt = time.Unix(created, 0).UTC()
		out = append(out, ident)
	}
	return out, rows.Err()
}

// FindAgentsWithAccess returns the ids of agents holding any permission that
// allows any known action on the resource.
func (e *Engine) FindAgentsWithAccess(resource string) ([]string, error) {
	e.mu.Lock()
	rows, err := e.db.Query(`SELECT DISTINCT agent_id FROM iam_permissions`)
	if err != nil {
		e.mu.Unlock()
		return nil, fmt.Errorf("enumerate permission holders: %w", err)
	}
	var candidates []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close() //nolint:errcheck
			e.mu.Unlock()
			return nil, fmt.Errorf("scan agent id: %w", err)
		}
		candidates = append(candidates, id)
	}
	err = rows.Err()
	rows.Close() //nolint:errcheck
	e.mu.Unlock()
	if err != nil {
		return nil, err
	}

	var out []string
	for _, id := range candidates {
		for _, action := range knownActions {
			if e.Check(id, resource, action) {
				out = append(out, id)
				break
			}
		}
	}
	return out, nil
}

// AccessLog returns access log entries, newest first. agentID and resource
// are optional filters; resource supports "*" wildcards (translated to SQL
// LIKE).
func (e *Engine) AccessLog(agentID, resource string, limit, offset int) ([]AccessLogEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	resourceLike := strings.ReplaceAll(resource, "*", "%")
	rows, err := e.db.Query(
		`SELECT id, agent_id, resource, action, timestamp, allowed, COALESCE(reason, '')
		 FROM iam_access_log
		 WHERE (? = '' OR agent_id = ?)
		   AND (? = '' OR resource LIKE ?)
		 ORDER BY timestamp DESC, id DESC
		 LIMIT ? OFFSET ?`,
		agentID, agentID, resource, resourceLike, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query access log: %w", err)
	}
	defer rows.Close()

	var out []AccessLogEntry
	for rows.Next() {
		var entry AccessLogEntry
		var ts int64
		var allowed int
		if err := rows.Scan(&entry.ID, &entry.AgentID, &entry.Resource, &entry.Action, &ts, &allowed, &entry.Reason); err != nil {
			return nil, fmt.Errorf("scan access log entry: %w", err)
		}
		entry.Timestamp = time.Unix(ts, 0).UTC()
		entry.Allowed = allowed != 0
		out = append(out, entry)
	}
	return out, rows.Err()
}

// Prune deletes access log entries older than the retention window and
// reports how many were removed.
func (e *Engine) Prune(olderThanDays int) (int64, error) {
	if olderThanDays <= 0 {
		return 0, nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	cutoff := time.Now().Add(-time.Duration(olderThanDays) * 24 * time.Hour).Unix()
	res, err := e.db.Exec(`DELETE FROM iam_access_log WHERE timestamp < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune access log: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		e.logger.Info("pruned access log", zap.Int64("deleted", n), zap.Int("older_than_days", olderThanDays))
	}
	return n, nil
}

// ── internals ────────────────────────────────────────────────────────────────

// permissionsLocked returns the agent's permissions, cache-first.
// Caller holds e.mu.
func (e *Engine) permissionsLocked(agentID string) ([]Permission, error) {
	if perms, ok := e.permCache[agentID]; ok {
		return perms, nil
	}
	perms, err := e.loadPermissions(agentID)
	if err != nil {
		return nil, err
	}
	e.permCache[agentID] = perms
	return perms, nil
}

func (e *Engine) loadPermissions(agentID string) ([]Permission, error) {
	rows, err := e.db.Query(
		`SELECT id, agent_id, resource, actions, granted_at, granted_by
		 FROM iam_permissions WHERE agent_id = ?`, agentID)
	if err != nil {
		return nil, fmt.Errorf("load permissions: %w", err)
	}
	defer rows.Close()

	perms := []Permission{}
	for rows.Next() {
		var p Permission
		var actions string
		var granted int64
		if err := rows.Scan(&p.ID, &p.AgentID, &p.Resource, &actions, &granted, &p.GrantedBy); err != nil {
			return nil, fmt.Errorf("scan permission: %w", err)
		}
		p.Actions = decodeActions(actions)
		p.GrantedAt = time.Unix(granted, 0).UTC()
		perms = append(perms, p)
	}
	return perms, rows.Err()
}

func (e *Engine) loadIdentity(id string) (*Identity, error) {
	var ident Identity
	var created int64
	err := e.db.QueryRow(
		`SELECT id, owner, purpose, created_at, risk_score
		 FROM agent_identities WHERE id = ?`, id,
	).Scan(&ident.ID, &ident.Owner, &ident.Purpose, &created, &ident.RiskScore)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load identity: %w", err)
	}
	ident.CreatedAt = time.Unix(created, 0).UTC()
	return &ident, nil
}

// invalidate drops both cache entries for an agent. Conservative: called on
// every permission or identity write, including failed ones, so the next
// read reconciles against the durable store.
func (e *Engine) invalidate(agentID string) {
	delete(e.identCache, agentID)
	delete(e.permCache, agentID)
}

// encodeActions serializes an action set as a sorted, comma-separated,
// deduplicated string.
func encodeActions(actions []string) string {
	seen := make(map[string]bool, len(actions))
	var out []string
	for _, a := range actions {
		a = strings.TrimSpace(a)
		if a == "" || seen[a] {
			continue
		}
		seen[a] = true
		out = append(out, a)
	}
	sort.Strings(out)
	return strings.Join(out, ",")
}

func decodeActions(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
