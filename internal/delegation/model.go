// Package delegation implements cross-node task delegation: capability
// advertisement, peer selection, Ed25519-signed task submission and result
// delivery, and a timeout watchdog over outbound delegations.
package delegation

import "time"

// Task statuses carried in result payloads.
const (
	ResultCompleted = "completed"
	ResultFailed    = "failed"
)

// Task is the wire payload of POST /delegation/submit.
type Task struct {
	TaskID              string   `json:"task_id"`
	OriginNodeID        string   `json:"origin_node_id"`
	OriginHost          string   `json:"origin_host"`
	OriginPort          int      `json:"origin_port"`
	Title               string   `json:"title"`
	Description         string   `json:"description"`
	Priority            int      `json:"priority"`
	RequiredSkillIDs    []string `json:"required_skill_ids"`
	RequiredAccessLevel int      `json:"required_access_level"`
	TimeoutSeconds      int      `json:"timeout_seconds"`
	Signature           string   `json:"signature"`
	CreatedAt           string   `json:"created_at"`
	Context             string   `json:"context,omitempty"`
}

// Result is the wire payload of POST /delegation/result.
type Result struct {
	TaskID               string  `json:"task_id"`
	ExecutorNodeID       string  `json:"executor_node_id"`
	Status               string  `json:"status"`
	Result               string  `json:"result,omitempty"`
	Error                string  `json:"error,omitempty"`
	ExecutionTimeSeconds float64 `json:"execution_time_seconds"`
	Signature            string  `json:"signature"`
	CompletedAt          string  `json:"completed_at"`
}

// NodeCapabilities is the document a node advertises at
// /delegation/capabilities.
type NodeCapabilities struct {
	NodeID                 string    `json:"node_id"`
	DisplayName            string    `json:"display_name"`
	SkillIDs               []string  `json:"skill_ids"`
	AgentIDs               []string  `json:"agent_ids"`
	MaxAccessLevel         int       `json:"max_access_level"`
	AcceptsDelegation      bool      `json:"accepts_delegation"`
	CurrentLoad            int       `json:"current_load"`
	MaxConcurrentDelegated int       `json:"max_concurrent_delegated"`
	UpdatedAt              time.Time `json:"updated_at"`
}

// SubmitResponse is returned to the origin node by /delegation/submit.
type SubmitResponse struct {
	Status      string `json:"status"` // "accepted" or "rejected"
	TaskID      string `json:"task_id,omitempty"`
	LocalTaskID string `json:"local_task_id,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

// ResultResponse is returned to the executor node by /delegation/result.
type ResultResponse struct {
	Status string `json:"status"` // "ok" or "error"
	Reason string `json:"reason,omitempty"`
}

// Peer is one entry of the static node directory.
type Peer struct {
	Host string
	Port int
}

// outboundRecord tracks a task this node delegated to a peer.
type outboundRecord struct {
	TaskID         string    `json:"task_id"`
	TargetNodeID   string    `json:"target_node_id"`
	TargetHost     string    `json:"target_host"`
	TargetPort     int       `json:"target_port"`
	Title          string    `json:"title"`
	SentAt         time.Time `json:"sent_at"`
	TimeoutSeconds int       `json:"timeout_seconds"`
	LocalTaskID    string    `json:"local_task_id"`
}

// inboundRecord tracks a task this node accepted from a peer.
type inboundRecord struct {
	TaskID       string    `json:"task_id"`
	OriginNodeID string    `json:"origin_node_id"`
	OriginHost   string    `json:"origin_host"`
	OriginPort   int       `json:"origin_port"`
	ReceivedAt   time.Time `json:"received_at"`
	LocalTaskID  string    `json:"local_task_id"`
}

// stateFile is the serialized delegation tracking state
// (delegated_tasks.json).
type stateFile struct {
	Outbound []outboundRecord `json:"outbound"`
	Inbound  []inboundRecord  `json:"inbound"`
}

// peerCacheEntry is one cached peer capability document.
type peerCacheEntry struct {
	peer     Peer
	caps     NodeCapabilities
	cachedAt time.Time
}

// submitSigningString is the canonical string signed by the origin node.
func submitSigningString(taskID, title, nodeID string) string {
	return taskID + "|" + title + "|" + nodeID
}

// resultSigningString is the canonical string signed by the executor node.
func resultSigningString(taskID, status, nodeID string) string {
	return taskID + "|" + status + "|" + nodeID
}
