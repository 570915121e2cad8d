package bus

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

// criticalNames is the allow-list of event names persisted to the audit
// store. Entries ending in "." are prefixes; anything else is exact.
var criticalNames = []string{
	"security.",
	"escalation.",
	"iam.access.denied",
	"agent.error",
	"system.error",
	"delegation.failed",
	"delegation.timeout",
}

// IsCritical reports whether an event name belongs to the audit-worthy
// subset that must be persisted durably.
func IsCritical(name string) bool {
	for _, c := range criticalNames {
		if strings.HasSuffix(c, ".") {
			if strings.HasPrefix(name, c) {
				return true
			}
			continue
		}
		if name == c {
			return true
		}
	}
	return false
}

// Severity derives a severity label from keywords in the event name:
// security/failure → critical, error → error, access/forget → warning,
// everything else → info.
func Severity(name string) string {
	switch {
	case strings.Contains(name, "security"), strings.Contains(name, "failure"):
		return "critical"
	case strings.Contains(name, "error"):
		return "error"
	case strings.Contains(name, "access"), strings.Contains(name, "forget"):
		return "warning"
	default:
		return "info"
	}
}

// AuditRecord is one persisted critical event.
type AuditRecord struct {
	ID        int64     `json:"id"`
	Topic     string    `json:"topic"`
	Payload   string    `json:"payload_json"`
	Source    string    `json:"source"`
	Severity  string    `json:"severity"`
	Timestamp time.Time `json:"timestamp"`
}

// AuditStore persists critical bus events to a SQLite database.
type AuditStore struct {
	db     *sql.DB
	logger *zap.Logger
}

// OpenAuditStore opens (creating if necessary) the audit database at path.
func OpenAuditStore(path string, logger *zap.Logger) (*AuditStore, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}
	// SQLite handles one writer at a time; avoid busy errors under the
	// bus's concurrent callers.
	db.SetMaxOpenConns(1)

	schema := `
		CREATE TABLE IF NOT EXISTS audit_events (
			id           INTEGER PRIMARY KEY AUTOINCREMENT,
			topic        TEXT NOT NULL,
			payload_json TEXT NOT NULL,
			source       TEXT NOT NULL,
			severity     TEXT NOT NULL,
			timestamp    REAL NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_audit_events_topic ON audit_events(topic);
		CREATE INDEX IF NOT EXISTS idx_audit_events_timestamp ON audit_events(timestamp);`
	if _, err := db.Exec(schema); err != nil {
		db.Close() //nolint:errcheck
		return nil, fmt.Errorf("create audit schema: %w", err)
	}
	return &AuditStore{db: db, logger: logger}, nil
}

// Record appends one event to the audit table.
func (s *AuditStore) Record(evt Event) error {
	payload, err := json.Marshal(evt.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO audit_events (topic, payload_json, source, severity, timestamp)
		 VALUES (?, ?, ?, ?, ?)`,
		evt.Name, string(payload), evt.Source, Severity(evt.Name), float64(evt.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

// CriticalEvents returns up to limit persisted records, newest first,
// optionally filtered by exact topic name.
func (s *AuditStore) CriticalEvents(limit int, name string) ([]AuditRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT id, topic, payload_json, source, severity, timestamp
		FROM audit_events
		WHERE (? = '' OR topic = ?)
		ORDER BY timestamp DESC, id DESC
		LIMIT ?`
	rows, err := s.db.Query(query, name, name, limit)
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	defer rows.Close()

	var out []AuditRecord
	for rows.Next() {
		var r AuditRecord
		var ts float64
		if err := rows.Scan(&r.ID, &r.Topic, &r.Payload, &r.Source, &r.Severity, &ts); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		r.Timestamp = time.Unix(int64(ts), 0).UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}

// Close releases the underlying database handle.
func (s *AuditStore) Close() error {
	return s.db.Close()
}
