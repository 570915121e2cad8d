package iam

import (
	"fmt"
	"time"
)

// CalculateRisk computes, persists, and returns the agent's risk score in
// [0.0, 1.0]. Factors are additive and clamped:
//
//	+0.30 any wildcard-resource permission, +0.15 if >10 permissions
//	       (or +0.10 if >5)
//	+0.20 any permission granting execute
//	+0.10 any permission granting write
//	+0.20 >20 denied accesses in 24h (or +0.10 if >5)
//	+0.10 >1000 total accesses in 24h
func (e *Engine) CalculateRisk(agentID string) (float64, error) {
	e.mu.Lock()
	perms, err := e.permissionsLocked(agentID)
	if err != nil {
		e.mu.Unlock()
		return 0, err
	}

	score := 0.0
	hasWildcard := false
	hasExecute := false
	hasWrite := false
	for _, p := range perms {
		if p.Resource == "*" {
			hasWildcard = true
		}
		if actionsContain(p.Actions, "execute") {
			hasExecute = true
		}
		if actionsContain(p.Actions, "write") {
			hasWrite = true
		}
	}
	if hasWildcard {
		score += 0.30
		switch {
		case len(perms) > 10:
			score += 0.15
		case len(perms) > 5:
			score += 0.10
		}
	}
	if hasExecute {
		score += 0.20
	}
	if hasWrite {
		score += 0.10
	}

	dayAgo := time.Now().Add(-24 * time.Hour).Unix()
	var denied, total int
	if err := e.db.QueryRow(
		`SELECT COUNT(*) FROM iam_access_log WHERE agent_id = ? AND allowed = 0 AND timestamp >= ?`,
		agentID, dayAgo,
	).Scan(&denied); err != nil {
		e.mu.Unlock()
		return 0, fmt.Errorf("count denied accesses: %w", err)
	}
	if err := e.db.QueryRow(
		`SELECT COUNT(*) FROM iam_access_log WHERE agent_id = ? AND timestamp >= ?`,
		agentID, dayAgo,
	).Scan(&total); err != nil {
		e.mu.Unlock()
		return 0, fmt.Errorf("count accesses: %w", err)
	}
	switch {
	case denied > 20:
		score += 0.20
	case denied > 5:
		score += 0.10
	}
	if total > 1000 {
		score += 0.10
	}

	if score > 1.0 {
		score = 1.0
	}

	if _, err := e.db.Exec(
		`UPDATE agent_identities SET risk_score = ? WHERE id = ?`,
		score, agentID,
	); err != nil {
		e.invalidate(agentID)
		e.mu.Unlock()
		return 0, fmt.Errorf("persist risk score: %w", err)
	}

	// Rebuild the identity cache entry with the new score.
	delete(e.identCache, agentID)
	if ident, err := e.loadIdentity(agentID); err == nil {
		e.identCache[agentID] = ident
	}
	e.mu.Unlock()
	return score, nil
}

func actionsContain(set []string, action string) bool {
	for _, a := range set {
		if a == action {
			return true
		}
	}
	return false
}
