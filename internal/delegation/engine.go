package delegation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/torbolabs/torbo-base/internal/nodeid"
	"github.com/torbolabs/torbo-base/internal/tasks"
	"github.com/torbolabs/torbo-base/pkg/retry"
)

// Sentinel errors surfaced to callers.
var (
	ErrNoIdentity      = errors.New("delegation: node identity not initialized")
	ErrNoPeerAvailable = errors.New("delegation: no peer available for task")
	ErrPeerRejected    = errors.New("delegation: peer rejected task")
	ErrUnknownTask     = errors.New("delegation: unknown outbound task")
	ErrDeliveryFailed  = errors.New("delegation: result delivery failed")
)

var delegationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "torbo_delegations_total",
	Help: "Total delegations by direction and outcome.",
}, []string{"direction", "outcome"})

// EventSink receives delegation lifecycle events for the bus.
type EventSink func(name string, payload map[string]string)

// Catalog supplies the local skill and agent inventory advertised in
// capabilities and checked against inbound skill requirements.
type Catalog func() (skillIDs, agentIDs []string)

// Config holds the delegation engine's tunables. Zero values fall back to
// the documented defaults.
type Config struct {
	StatePath              string
	DefaultTimeoutSeconds  int           // 300
	CapabilityTTL          time.Duration // 5m
	MaxConcurrentInbound   int           // 2
	MaxAcceptedAccessLevel int           // 2 (READ)
	PeerRequestTimeout     time.Duration // 10s, task/result POSTs
	CapabilityFetchTimeout time.Duration // 5s
	WatchdogInterval       time.Duration // 30s
	SubmitAttempts         int           // 3
	SubmitBaseDelay        time.Duration // 1s
}

func (c *Config) applyDefaults() {
	if c.DefaultTimeoutSeconds <= 0 {
		c.DefaultTimeoutSeconds = 300
	}
	if c.CapabilityTTL <= 0 {
		c.CapabilityTTL = 5 * time.Minute
	}
	if c.MaxConcurrentInbound <= 0 {
		c.MaxConcurrentInbound = 2
	}
	if c.MaxAcceptedAccessLevel <= 0 {
		c.MaxAcceptedAccessLevel = 2
	}
	if c.PeerRequestTimeout <= 0 {
		c.PeerRequestTimeout = 10 * time.Second
	}
	if c.CapabilityFetchTimeout <= 0 {
		c.CapabilityFetchTimeout = 5 * time.Second
	}
	if c.WatchdogInterval <= 0 {
		c.WatchdogInterval = 30 * time.Second
	}
	if c.SubmitAttempts <= 0 {
		c.SubmitAttempts = 3
	}
	if c.SubmitBaseDelay <= 0 {
		c.SubmitBaseDelay = time.Second
	}
}

// Engine tracks outbound and inbound delegations and speaks the signed wire
// protocol. A single mutex serializes all state mutations; no lock is held
// during outbound HTTP.
type Engine struct {
	cfg      Config
	identity *nodeid.Identity // nil = cannot delegate or accept
	keys     *nodeid.KeyDirectory
	queue    *tasks.Queue
	catalog  Catalog
	sink     EventSink
	peers    []Peer
	logger   *zap.Logger

	taskClient *http.Client
	capsClient *http.Client

	// selfHost/selfPort are how peers reach this node for result delivery.
	selfHost string
	selfPort int

	mu        sync.Mutex
	outbound  map[string]outboundRecord
	inbound   map[string]inboundRecord
	peerCache map[string]peerCacheEntry // node_id → entry
}

// New creates a delegation engine. identity may be nil, which disables both
// directions until one is configured.
func New(cfg Config, identity *nodeid.Identity, keys *nodeid.KeyDirectory, queue *tasks.Queue, catalog Catalog, sink EventSink, peers []Peer, logger *zap.Logger) *Engine {
	cfg.applyDefaults()
	e := &Engine{
		cfg:        cfg,
		identity:   identity,
		keys:       keys,
		queue:      queue,
		catalog:    catalog,
		sink:       sink,
		peers:      peers,
		logger:     logger,
		taskClient: &http.Client{Timeout: cfg.PeerRequestTimeout},
		capsClient: &http.Client{Timeout: cfg.CapabilityFetchTimeout},
		outbound:   make(map[string]outboundRecord),
		inbound:    make(map[string]inboundRecord),
		peerCache:  make(map[string]peerCacheEntry),
	}
	e.loadState()
	return e
}

// Capabilities returns this node's current capability advertisement.
func (e *Engine) Capabilities() NodeCapabilities {
	skills, agents := []string{}, []string{}
	if e.catalog != nil {
		skills, agents = e.catalog()
	}
	nodeID, displayName := "", ""
	if e.identity != nil {
		nodeID = e.identity.NodeID
		displayName = e.identity.DisplayName
	}
	return NodeCapabilities{
		NodeID:                 nodeID,
		DisplayName:            displayName,
		SkillIDs:               skills,
		AgentIDs:               agents,
		MaxAccessLevel:         e.cfg.MaxAcceptedAccessLevel,
		AcceptsDelegation:      e.identity != nil,
		CurrentLoad:            e.queue.ActiveCount(),
		MaxConcurrentDelegated: e.cfg.MaxConcurrentInbound,
		UpdatedAt:              time.Now().UTC(),
	}
}

// RefreshPeerCapabilities queries every peer in the node directory and
// replaces its cache entry. Unreachable peers keep their stale entry until
// it ages out.
func (e *Engine) RefreshPeerCapabilities(ctx context.Context) {
	for _, p := range e.peers {
		caps, err := e.fetchCapabilities(ctx, p)
		if err != nil {
			e.logger.Warn("peer capability refresh failed",
				zap.String("peer", fmt.Sprintf("%s:%d", p.Host, p.Port)),
				zap.Error(err),
			)
			continue
		}
		e.mu.Lock()
		e.peerCache[caps.NodeID] = peerCacheEntry{peer: p, caps: caps, cachedAt: time.Now()}
		e.mu.Unlock()
	}
}

func (e *Engine) fetchCapabilities(ctx context.Context, p Peer) (NodeCapabilities, error) {
	url := fmt.Sprintf("http://%s:%d/delegation/capabilities", p.Host, p.Port)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return NodeCapabilities{}, fmt.Errorf("build capabilities request: %w", err)
	}
	resp, err := e.capsClient.Do(req)
	if err != nil {
		return NodeCapabilities{}, fmt.Errorf("fetch capabilities: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck
	if resp.StatusCode != http.StatusOK {
		return NodeCapabilities{}, fmt.Errorf("capabilities endpoint returned status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return NodeCapabilities{}, fmt.Errorf("read capabilities: %w", err)
	}
	var caps NodeCapabilities
	if err := json.Unmarshal(body, &caps); err != nil {
		return NodeCapabilities{}, fmt.Errorf("decode capabilities: %w", err)
	}
	if caps.NodeID == "" {
		return NodeCapabilities{}, fmt.Errorf("peer advertised no node id")
	}
	return caps, nil
}

// findBestPeer returns the least-loaded peer satisfying the requirement, or
// nil. Stale cache entries are refreshed in place before filtering.
func (e *Engine) findBestPeer(ctx context.Context, requiredSkills []string, requiredLevel int) *peerCacheEntry {
	e.mu.Lock()
	entries := make([]peerCacheEntry, 0, len(e.peerCache))
	for _, entry := range e.peerCache {
		entries = append(entries, entry)
	}
	e.mu.Unlock()

	var best *peerCacheEntry
	for i := range entries {
		entry := entries[i]
		if time.Since(entry.cachedAt) > e.cfg.CapabilityTTL {
			caps, err := e.fetchCapabilities(ctx, entry.peer)
			if err != nil {
				continue
			}
			entry = peerCacheEntry{peer: entry.peer, caps: caps, cachedAt: time.Now()}
			e.mu.Lock()
			e.peerCache[caps.NodeID] = entry
			e.mu.Unlock()
		}
		caps := entry.caps
		if !caps.AcceptsDelegation ||
			caps.MaxAccessLevel < requiredLevel ||
			caps.CurrentLoad >= caps.MaxConcurrentDelegated {
			continue
		}
		if !hasAllSkills(caps.SkillIDs, requiredSkills) {
			continue
		}
		if best == nil || caps.CurrentLoad < best.caps.CurrentLoad {
			cp := entry
			best = &cp
		}
	}
	return best
}

func hasAllSkills(have, want []string) bool {
	if len(want) == 0 {
		return true
	}
	set := make(map[string]bool, len(have))
	for _, s := range have {
		set[s] = true
	}
	for _, s := range want {
		if !set[s] {
			return false
		}
	}
	return true
}

// DelegateTask signs and submits a task to the best available peer, records
// the outbound delegation, and returns the task id.
func (e *Engine) DelegateTask(ctx context.Context, title, description string, priority int, requiredSkills []string, requiredLevel int, taskContext string) (string, error) {
	if e.identity == nil {
		return "", ErrNoIdentity
	}
	peer := e.findBestPeer(ctx, requiredSkills, requiredLevel)
	if peer == nil {
		return "", ErrNoPeerAvailable
	}

	taskID := uuid.NewString()
	task := Task{
		TaskID:              taskID,
		OriginNodeID:        e.identity.NodeID,
		OriginHost:          e.originHost(),
		OriginPort:          e.originPort(),
		Title:               title,
		Description:         description,
		Priority:            priority,
		RequiredSkillIDs:    requiredSkills,
		RequiredAccessLevel: requiredLevel,
		TimeoutSeconds:      e.cfg.DefaultTimeoutSeconds,
		Signature:           e.identity.Sign(submitSigningString(taskID, title, e.identity.NodeID)),
		CreatedAt:           time.Now().UTC().Format(time.RFC3339),
		Context:             taskContext,
	}

	url := fmt.Sprintf("http://%s:%d/delegation/submit", peer.peer.Host, peer.peer.Port)
	var lastBody string
	err := retry.Do(ctx, e.cfg.SubmitAttempts, e.cfg.SubmitBaseDelay, func() error {
		body, err := e.postJSON(ctx, e.taskClient, url, task)
		if err != nil {
			return err
		}
		lastBody = body
		return nil
	})
	if err != nil {
		delegationsTotal.WithLabelValues("outbound", "rejected").Inc()
		return "", fmt.Errorf("%w: %s", ErrPeerRejected, err)
	}

	var resp SubmitResponse
	if err := json.Unmarshal([]byte(lastBody), &resp); err == nil && resp.Status == "rejected" {
		delegationsTotal.WithLabelValues("outbound", "rejected").Inc()
		return "", fmt.Errorf("%w: %s", ErrPeerRejected, resp.Reason)
	}

	localTaskID := e.queue.Add(title, description, priority, "outbound")

	e.mu.Lock()
	e.outbound[taskID] = outboundRecord{
		TaskID:         taskID,
		TargetNodeID:   peer.caps.NodeID,
		TargetHost:     peer.peer.Host,
		TargetPort:     peer.peer.Port,
		Title:          title,
		SentAt:         time.Now().UTC(),
		TimeoutSeconds: task.TimeoutSeconds,
		LocalTaskID:    localTaskID,
	}
	e.persistLocked()
	e.mu.Unlock()

	delegationsTotal.WithLabelValues("outbound", "sent").Inc()
	e.emit("delegation.sent", map[string]string{
		"task_id": taskID,
		"target":  peer.caps.NodeID,
		"title":   title,
	})
	return taskID, nil
}

// HandleIncomingTask validates a submitted task and, if acceptable, creates
// a local task and records the inbound delegation. The declared origin host
// is trusted for result delivery; a mismatch with the observed sender is
// logged but not rejected (NAT-friendly).
func (e *Engine) HandleIncomingTask(ctx context.Context, task Task, senderIP string) SubmitResponse {
	if e.identity == nil {
		return SubmitResponse{Status: "rejected", Reason: "node identity not initialized"}
	}
	if task.TaskID == "" || task.OriginNodeID == "" || task.OriginHost == "" || task.Title == "" || task.Signature == "" {
		return SubmitResponse{Status: "rejected", Reason: "missing fields"}
	}

	if senderIP != "" && senderIP != task.OriginHost {
		e.logger.Warn("delegation origin host differs from sender",
			zap.String("declared", task.OriginHost),
			zap.String("observed", senderIP),
		)
	}

	// Signature verification is strict: an unobtainable peer key rejects
	// the task rather than waving it through.
	peerKey, err := e.keys.PeerKey(ctx, task.OriginHost, task.OriginPort)
	if err != nil {
		e.logger.Warn("peer key unavailable, rejecting task",
			zap.String("origin", task.OriginNodeID), zap.Error(err))
		return SubmitResponse{Status: "rejected", Reason: "origin public key unavailable"}
	}
	if !nodeid.Verify(peerKey, submitSigningString(task.TaskID, task.Title, task.OriginNodeID), task.Signature) {
		e.logger.Warn("invalid delegation signature", zap.String("origin", task.OriginNodeID))
		return SubmitResponse{Status: "rejected", Reason: "invalid signature"}
	}

	if task.RequiredAccessLevel > e.cfg.MaxAcceptedAccessLevel {
		return SubmitResponse{Status: "rejected", Reason: fmt.Sprintf(
			"required access level %d exceeds maximum accepted %d",
			task.RequiredAccessLevel, e.cfg.MaxAcceptedAccessLevel)}
	}

	e.mu.Lock()
	inboundCount := len(e.inbound)
	e.mu.Unlock()
	if inboundCount >= e.cfg.MaxConcurrentInbound {
		return SubmitResponse{Status: "rejected", Reason: "at inbound delegation capacity"}
	}

	if len(task.RequiredSkillIDs) > 0 {
		localSkills := []string{}
		if e.catalog != nil {
			localSkills, _ = e.catalog()
		}
		var missing []string
		set := make(map[string]bool, len(localSkills))
		for _, s := range localSkills {
			set[s] = true
		}
		for _, s := range task.RequiredSkillIDs {
			if !set[s] {
				missing = append(missing, s)
			}
		}
		if len(missing) > 0 {
			return SubmitResponse{Status: "rejected", Reason: "missing skills: " + strings.Join(missing, ", ")}
		}
	}

	description := task.Description
	if task.Context != "" {
		description += "\n\nContext:\n" + task.Context
	}
	localTaskID := e.queue.Add(task.Title, description, task.Priority, "inbound")

	e.mu.Lock()
	e.inbound[task.TaskID] = inboundRecord{
		TaskID:       task.TaskID,
		OriginNodeID: task.OriginNodeID,
		OriginHost:   task.OriginHost,
		OriginPort:   task.OriginPort,
		ReceivedAt:   time.Now().UTC(),
		LocalTaskID:  localTaskID,
	}
	e.persistLocked()
	e.mu.Unlock()

	delegationsTotal.WithLabelValues("inbound", "accepted").Inc()
	e.emit("delegation.received", map[string]string{
		"task_id": task.TaskID,
		"origin":  task.OriginNodeID,
		"title":   task.Title,
	})
	return SubmitResponse{Status: "accepted", TaskID: task.TaskID, LocalTaskID: localTaskID}
}

// DeliverResult signs and posts the result of a completed inbound delegation
// back to its origin, then drops the inbound record. When every delivery
// attempt fails the local task is failed with the transport error and the
// record is dropped anyway; the origin's watchdog times the task out on its
// side.
func (e *Engine) DeliverResult(ctx context.Context, localTaskID, status, result, errMsg string) error {
	if e.identity == nil {
		return ErrNoIdentity
	}

	e.mu.Lock()
	var rec inboundRecord
	found := false
	for _, r := range e.inbound {
		if r.LocalTaskID == localTaskID {
			rec = r
			found = true
			break
		}
	}
	e.mu.Unlock()
	if !found {
		return fmt.Errorf("delegation: no inbound delegation for local task %s", localTaskID)
	}

	payload := Result{
		TaskID:               rec.TaskID,
		ExecutorNodeID:       e.identity.NodeID,
		Status:               status,
		Result:               result,
		Error:                errMsg,
		ExecutionTimeSeconds: time.Since(rec.ReceivedAt).Seconds(),
		Signature:            e.identity.Sign(resultSigningString(rec.TaskID, status, e.identity.NodeID)),
		CompletedAt:          time.Now().UTC().Format(time.RFC3339),
	}

	url := fmt.Sprintf("http://%s:%d/delegation/result", rec.OriginHost, rec.OriginPort)
	err := retry.Do(ctx, e.cfg.SubmitAttempts, e.cfg.SubmitBaseDelay, func() error {
		_, err := e.postJSON(ctx, e.taskClient, url, payload)
		return err
	})

	e.mu.Lock()
	delete(e.inbound, rec.TaskID)
	e.persistLocked()
	e.mu.Unlock()

	if err != nil {
		e.logger.Error("result delivery failed",
			zap.String("task", rec.TaskID),
			zap.String("origin", rec.OriginNodeID),
			zap.Error(err))
		deliveryErr := fmt.Errorf("%w to %s:%d: %v", ErrDeliveryFailed, rec.OriginHost, rec.OriginPort, err)
		if ferr := e.queue.Fail(rec.LocalTaskID, deliveryErr.Error()); ferr != nil {
			e.logger.Error("failing local task failed", zap.String("task", rec.LocalTaskID), zap.Error(ferr))
		}
		delegationsTotal.WithLabelValues("inbound", "failed").Inc()
		e.emit("delegation.failed", map[string]string{
			"task_id": rec.TaskID,
			"origin":  rec.OriginNodeID,
			"reason":  "result delivery failed",
		})
		return deliveryErr
	}
	return nil
}

// HandleTaskResult verifies and applies a result delivered by an executor
// node: the local outbound task is completed or failed and the outbound
// record dropped.
func (e *Engine) HandleTaskResult(ctx context.Context, res Result) error {
	e.mu.Lock()
	rec, ok := e.outbound[res.TaskID]
	e.mu.Unlock()
	if !ok {
		return ErrUnknownTask
	}

	peerKey, err := e.keys.PeerKey(ctx, rec.TargetHost, rec.TargetPort)
	if err != nil {
		return fmt.Errorf("executor public key unavailable: %w", err)
	}
	if !nodeid.Verify(peerKey, resultSigningString(res.TaskID, res.Status, res.ExecutorNodeID), res.Signature) {
		e.logger.Warn("invalid result signature", zap.String("executor", res.ExecutorNodeID))
		return fmt.Errorf("delegation: invalid result signature")
	}

	if res.Status == ResultCompleted {
		if err := e.queue.Complete(rec.LocalTaskID, res.Result); err != nil {
			e.logger.Error("completing local task failed", zap.String("task", rec.LocalTaskID), zap.Error(err))
		}
	} else {
		reason := res.Error
		if reason == "" {
			reason = "delegated task failed on executor " + res.ExecutorNodeID
		}
		if err := e.queue.Fail(rec.LocalTaskID, reason); err != nil {
			e.logger.Error("failing local task failed", zap.String("task", rec.LocalTaskID), zap.Error(err))
		}
	}

	e.mu.Lock()
	delete(e.outbound, res.TaskID)
	e.persistLocked()
	e.mu.Unlock()

	if res.Status == ResultCompleted {
		delegationsTotal.WithLabelValues("outbound", "completed").Inc()
		e.emit("delegation.completed", map[string]string{
			"task_id":  res.TaskID,
			"executor": res.ExecutorNodeID,
		})
	} else {
		delegationsTotal.WithLabelValues("outbound", "failed").Inc()
		e.emit("delegation.failed", map[string]string{
			"task_id":  res.TaskID,
			"executor": res.ExecutorNodeID,
			"error":    res.Error,
		})
	}
	return nil
}

// RunWatchdog fails outbound delegations whose timeout elapsed without a
// result. It ticks until ctx is cancelled; cancelling is idempotent.
func (e *Engine) RunWatchdog(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.WatchdogInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			e.reapTimeouts()
		case <-ctx.Done():
			return
		}
	}
}

func (e *Engine) reapTimeouts() {
	now := time.Now()

	e.mu.Lock()
	var expired []outboundRecord
	for id, rec := range e.outbound {
		if now.Sub(rec.SentAt) > time.Duration(rec.TimeoutSeconds)*time.Second {
			expired = append(expired, rec)
			delete(e.outbound, id)
		}
	}
	if len(expired) > 0 {
		e.persistLocked()
	}
	e.mu.Unlock()

	for _, rec := range expired {
		reason := fmt.Sprintf("Delegation timed out after %ds", rec.TimeoutSeconds)
		if err := e.queue.Fail(rec.LocalTaskID, reason); err != nil {
			e.logger.Error("failing timed-out task failed", zap.String("task", rec.LocalTaskID), zap.Error(err))
		}
		delegationsTotal.WithLabelValues("outbound", "timeout").Inc()
		e.emit("delegation.timeout", map[string]string{
			"task_id": rec.TaskID,
			"target":  rec.TargetNodeID,
			"reason":  reason,
		})
		e.logger.Warn("delegation timed out",
			zap.String("task_id", rec.TaskID),
			zap.String("target", rec.TargetNodeID),
		)
	}
}

// OutboundCount and InboundCount report tracking table sizes (dashboards,
// tests).
func (e *Engine) OutboundCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.outbound)
}

func (e *Engine) InboundCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.inbound)
}

// ── helpers ──────────────────────────────────────────────────────────────────

// postJSON posts a JSON body and returns the response body. Transport errors
// and non-2xx statuses are returned as retriable errors.
func (e *Engine) postJSON(ctx context.Context, client *http.Client, url string, payload any) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", retry.Permanent(fmt.Errorf("marshal payload: %w", err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return "", retry.Permanent(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("post to %s: %w", url, err)
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("peer returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return string(body), nil
}

func (e *Engine) emit(name string, payload map[string]string) {
	if e.sink != nil {
		e.sink(name, payload)
	}
}

// SetOriginAddr configures the host and port peers use to deliver results
// back to this node. The daemon calls this once at startup.
func (e *Engine) SetOriginAddr(host string, port int) {
	e.selfHost = host
	e.selfPort = port
}

func (e *Engine) originHost() string { return e.selfHost }
func (e *Engine) originPort() int    { return e.selfPort }

// persistLocked writes the tracking tables to the state file. Caller holds
// e.mu. Write failures are logged; in-memory state stays authoritative.
func (e *Engine) persistLocked() {
	if e.cfg.StatePath == "" {
		return
	}
	state := stateFile{Outbound: []outboundRecord{}, Inbound: []inboundRecord{}}
	for _, rec := range e.outbound {
		state.Outbound = append(state.Outbound, rec)
	}
	for _, rec := range e.inbound {
		state.Inbound = append(state.Inbound, rec)
	}
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		e.logger.Error("encode delegation state failed", zap.Error(err))
		return
	}
	tmp := e.cfg.StatePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		e.logger.Error("stage delegation state failed", zap.Error(err))
		return
	}
	if err := os.Rename(tmp, e.cfg.StatePath); err != nil {
		os.Remove(tmp) //nolint:errcheck
		e.logger.Error("commit delegation state failed", zap.Error(err))
	}
}

// loadState restores the tracking tables from the state file at startup.
func (e *Engine) loadState() {
	if e.cfg.StatePath == "" {
		return
	}
	data, err := os.ReadFile(e.cfg.StatePath)
	if err != nil {
		return
	}
	var state stateFile
	if err := json.Unmarshal(data, &state); err != nil {
		e.logger.Warn("delegation state unreadable, starting fresh", zap.Error(err))
		return
	}
	for _, rec := range state.Outbound {
		e.outbound[rec.TaskID] = rec
	}
	for _, rec := range state.Inbound {
		e.inbound[rec.TaskID] = rec
	}
	if len(e.outbound)+len(e.inbound) > 0 {
		e.logger.Info("restored delegation state",
			zap.Int("outbound", len(e.outbound)),
			zap.Int("inbound", len(e.inbound)),
		)
	}
}
