package iam

import (
	"fmt"
	"strings"
	"time"
)

// Anomaly types.
const (
	AnomalyRapidAccess         = "rapid_access"
	AnomalyDeniedSpike         = "denied_spike"
	AnomalyUnusualResource     = "unusual_resource"
	AnomalyPrivilegeEscalation = "privilege_escalation"
)

// Anomaly is a derived record naming a suspicious behavior pattern found in
// the access log. Anomalies are not persisted.
type Anomaly struct {
	AgentID     string    `json:"agent_id"`
	Type        string    `json:"type"`
	Description string    `json:"description"`
	Severity    string    `json:"severity"`
	DetectedAt  time.Time `json:"detected_at"`
}

// DetectAnomalies scans the access log and returns the union of all rule
// hits. Thresholds are strict: exactly 100 accesses in the rapid window is
// not an anomaly, 101 is.
func (e *Engine) DetectAnomalies() ([]Anomaly, error) {
	now := time.Now()
	var out []Anomaly

	rapid, err := e.detectRapidAccess(now)
	if err != nil {
		return nil, err
	}
	out = append(out, rapid...)

	denied, err := e.detectDeniedSpike(now)
	if err != nil {
		return nil, err
	}
	out = append(out, denied...)

	unusual, err := e.detectUnusualResources(now)
	if err != nil {
		return nil, err
	}
	out = append(out, unusual...)

	escalation, err := e.detectPrivilegeEscalation(now)
	if err != nil {
		return nil, err
	}
	out = append(out, escalation...)

	return out, nil
}

// detectRapidAccess flags agents with more than 100 accesses in the last
// 60 seconds; more than 500 is critical.
func (e *Engine) detectRapidAccess(now time.Time) ([]Anomaly, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	rows, err := e.db.Query(
		`SELECT agent_id, COUNT(*) FROM iam_access_log
		 WHERE timestamp >= ? GROUP BY agent_id HAVING COUNT(*) > 100`,
		now.Add(-60*time.Second).Unix())
	if err != nil {
		return nil, fmt.Errorf("rapid access query: %w", err)
	}
	defer rows.Close()

	var out []Anomaly
	for rows.Next() {
		var agentID string
		var n int
		if err := rows.Scan(&agentID, &n); err != nil {
			return nil, fmt.Errorf("scan rapid access row: %w", err)
		}
		severity := "high"
		if n > 500 {
			severity = "critical"
		}
		out = append(out, Anomaly{
			AgentID:     agentID,
			Type:        AnomalyRapidAccess,
			Description: fmt.Sprintf("%d accesses in the last 60s", n),
			Severity:    severity,
			DetectedAt:  now.UTC(),
		})
	}
	return out, rows.Err()
}

// detectDeniedSpike flags agents with more than 10 denied accesses in the
// last 300 seconds; more than 50 is critical.
func (e *Engine) detectDeniedSpike(now time.Time) ([]Anomaly, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	rows, err := e.db.Query(
		`SELECT agent_id, COUNT(*) FROM iam_access_log
		 WHERE allowed = 0 AND timestamp >= ?
		 GROUP BY agent_id HAVING COUNT(*) > 10`,
		now.Add(-300*time.Second).Unix())
	if err != nil {
		return nil, fmt.Errorf("denied spike query: %w", err)
	}
	defer rows.Close()

	var out []Anomaly
	for rows.Next() {
		var agentID string
		var n int
		if err := rows.Scan(&agentID, &n); err != nil {
			return nil, fmt.Errorf("scan denied spike row: %w", err)
		}
		severity := "medium"
		if n > 50 {
			severity = "critical"
		}
		out = append(out, Anomaly{
			AgentID:     agentID,
			Type:        AnomalyDeniedSpike,
			Description: fmt.Sprintf("%d denied accesses in the last 300s", n),
			Severity:    severity,
			DetectedAt:  now.UTC(),
		})
	}
	return out, rows.Err()
}

// detectUnusualResources flags resources an agent touched for the first
// time within the last 24 hours. A resource with no history before the
// window at all is flagged too; callers wanting a minimum-history
// requirement filter on their side.
func (e *Engine) detectUnusualResources(now time.Time) ([]Anomaly, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	dayAgo := now.Add(-24 * time.Hour).Unix()
	rows, err := e.db.Query(
		`SELECT agent_id, resource, MIN(timestamp) AS first_seen
		 FROM iam_access_log
		 GROUP BY agent_id, resource
		 HAVING first_seen >= ?`, dayAgo)
	if err != nil {
		return nil, fmt.Errorf("unusual resource query: %w", err)
	}
	defer rows.Close()

	var out []Anomaly
	for rows.Next() {
		var agentID, resource string
		var firstSeen int64
		if err := rows.Scan(&agentID, &resource, &firstSeen); err != nil {
			return nil, fmt.Errorf("scan unusual resource row: %w", err)
		}
		out = append(out, Anomaly{
			AgentID:     agentID,
			Type:        AnomalyUnusualResource,
			Description: fmt.Sprintf("first access to %s", resource),
			Severity:    "low",
			DetectedAt:  now.UTC(),
		})
	}
	return out, rows.Err()
}

// detectPrivilegeEscalation flags agents with more than 5 denied accesses in
// the last hour targeting execution resources (tool:execute_*, tool:run_*)
// or using the execute action.
func (e *Engine) detectPrivilegeEscalation(now time.Time) ([]Anomaly, error) {
	e.mu.Lock()
	rows, err := e.db.Query(
		`SELECT agent_id, resource, action FROM iam_access_log
		 WHERE allowed = 0 AND timestamp >= ?`,
		now.Add(-3600*time.Second).Unix())
	if err != nil {
		e.mu.Unlock()
		return nil, fmt.Errorf("privilege escalation query: %w", err)
	}

	counts := make(map[string]int)
	for rows.Next() {
		var agentID, resource, action string
		if err := rows.Scan(&agentID, &resource, &action); err != nil {
			rows.Close() //nolint:errcheck
			e.mu.Unlock()
			return nil, fmt.Errorf("scan escalation row: %w", err)
		}
		if strings.HasPrefix(resource, "tool:execute_") ||
			strings.HasPrefix(resource, "tool:run_") ||
			action == "execute" {
			counts[agentID]++
		}
	}
	err = rows.Err()
	rows.Close() //nolint:errcheck
	e.mu.Unlock()
	if err != nil {
		return nil, err
	}

	var out []Anomaly
	for agentID, n := range counts {
		if n <= 5 {
			continue
		}
		out = append(out, Anomaly{
			AgentID:     agentID,
			Type:        AnomalyPrivilegeEscalation,
			Description: fmt.Sprintf("%d denied execution attempts in the last hour", n),
			Severity:    "high",
			DetectedAt:  now.UTC(),
		})
	}
	return out, nil
}

// SweepAnomalies runs DetectAnomalies and publishes each finding as a
// security.anomaly event. Used by the daemon's scheduled sweep.
func (e *Engine) SweepAnomalies() ([]Anomaly, error) {
	anomalies, err := e.DetectAnomalies()
	if err != nil {
		return nil, err
	}
	if e.sink != nil {
		for _, a := range anomalies {
			e.sink("security.anomaly", map[string]string{
				"agent_id":    a.AgentID,
				"type":        a.Type,
				"severity":    a.Severity,
				"description": a.Description,
			})
		}
	}
	return anomalies, nil
}
