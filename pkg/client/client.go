// Package client provides the Torbo Go SDK for talking to a running
// torbod node: agent registry management, IAM operations, event queries,
// and task delegation.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Agent mirrors the agent registry's record as served by the API.
type Agent struct {
	ID                 string   `json:"id"`
	IsBuiltIn          bool     `json:"isBuiltIn"`
	Name               string   `json:"name"`
	Role               string   `json:"role"`
	AccessLevel        int      `json:"accessLevel"`
	DirectoryScopes    []string `json:"directoryScopes"`
	EnabledSkillIDs    []string `json:"enabledSkillIDs"`
	CustomInstructions string   `json:"customInstructions"`
}

// IAMIdentity is an agent's IAM record.
type IAMIdentity struct {
	ID        string    `json:"id"`
	Owner     string    `json:"owner"`
	Purpose   string    `json:"purpose"`
	CreatedAt time.Time `json:"created_at"`
	RiskScore float64   `json:"risk_score"`
}

// Permission is a single (resource, actions) grant.
type Permission struct {
	Resource  string    `json:"resource"`
	Actions   []string  `json:"actions"`
	GrantedAt time.Time `json:"granted_at"`
	GrantedBy string    `json:"granted_by"`
}

// Anomaly is one detection result from the access-pattern sweep.
type Anomaly struct {
	AgentID     string    `json:"agent_id"`
	Type        string    `json:"type"`
	Description string    `json:"description"`
	Severity    string    `json:"severity"`
	DetectedAt  time.Time `json:"detected_at"`
}

// AccessLogEntry is one row of the IAM access log.
type AccessLogEntry struct {
	AgentID   string    `json:"agent_id"`
	Resource  string    `json:"resource"`
	Action    string    `json:"action"`
	Timestamp time.Time `json:"timestamp"`
	Allowed   bool      `json:"allowed"`
	Reason    string    `json:"reason,omitempty"`
}

// Event is one bus event as served by /events/recent.
type Event struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	Payload   map[string]string `json:"payload"`
	Timestamp int64             `json:"timestamp"`
	Source    string            `json:"source"`
}

// Client is the Torbo SDK entry point.
type Client struct {
	baseURL    string
	httpClient *http.Client

	// token state, guarded by mu
	mu          sync.Mutex
	adminSecret string
	bearerToken string
	tokenExpiry time.Time
}

// Option is a functional option for configuring a Client.
type Option func(*Client) error

// WithHTTPClient sets a custom http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) error {
		c.httpClient = hc
		return nil
	}
}

// WithAdminSecret enables automatic admin token acquisition and refresh.
func WithAdminSecret(secret string) Option {
	return func(c *Client) error {
		c.adminSecret = secret
		return nil
	}
}

// WithBearerToken attaches a pre-obtained admin token to every request.
// The token is treated as long-lived and will not be auto-refreshed.
func WithBearerToken(token string) Option {
	return func(c *Client) error {
		c.bearerToken = token
		c.tokenExpiry = time.Time{}
		return nil
	}
}

// New creates a Client for the node at baseURL (e.g. http://localhost:7711).
func New(baseURL string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("client: base URL required")
	}
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// ensureToken exchanges the admin secret for a bearer token when needed.
func (c *Client) ensureToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.bearerToken != "" && (c.tokenExpiry.IsZero() || time.Until(c.tokenExpiry) > time.Minute) {
		return c.bearerToken, nil
	}
	if c.adminSecret == "" {
		return "", nil
	}

	body, _ := json.Marshal(map[string]string{"secret": c.adminSecret})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/auth/token", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("obtain token: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("obtain token: %s", readError(resp))
	}

	var out struct {
		Token     string `json:"token"`
		ExpiresAt string `json:"expires_at"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode token response: %w", err)
	}
	c.bearerToken = out.Token
	if exp, err := time.Parse(time.RFC3339, out.ExpiresAt); err == nil {
		c.tokenExpiry = exp
	} else {
		c.tokenExpiry = time.Now().Add(23 * time.Hour)
	}
	return c.bearerToken, nil
}

func (c *Client) do(ctx context.Context, method, path string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	token, err := c.ensureToken(ctx)
	if err != nil {
		return err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%s %s: %s", method, path, readError(resp))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func readError(resp *http.Response) string {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var body struct {
		Error  string `json:"error"`
		Reason string `json:"reason"`
	}
	if json.Unmarshal(data, &body) == nil {
		if body.Error != "" {
			return fmt.Sprintf("%s (%s)", body.Error, resp.Status)
		}
		if body.Reason != "" {
			return fmt.Sprintf("%s (%s)", body.Reason, resp.Status)
		}
	}
	return resp.Status
}

// ── Agents ───────────────────────────────────────────────────────────────────

// ListAgents returns every configured agent.
func (c *Client) ListAgents(ctx context.Context) ([]Agent, error) {
	var out struct {
		Agents []Agent `json:"agents"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/agents", nil, &out); err != nil {
		return nil, err
	}
	return out.Agents, nil
}

// GetAgent returns a single agent by id.
func (c *Client) GetAgent(ctx context.Context, id string) (*Agent, error) {
	var a Agent
	if err := c.do(ctx, http.MethodGet, "/api/v1/agents/"+url.PathEscape(id), nil, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

// CreateAgent registers a new agent configuration.
func (c *Client) CreateAgent(ctx context.Context, a Agent) (*Agent, error) {
	var created Agent
	if err := c.do(ctx, http.MethodPost, "/api/v1/agents", a, &created); err != nil {
		return nil, err
	}
	return &created, nil
}

// DeleteAgent removes an agent and its IAM identity.
func (c *Client) DeleteAgent(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/v1/agents/"+url.PathEscape(id), nil, nil)
}

// ── IAM ──────────────────────────────────────────────────────────────────────

// Grant gives an agent actions on a resource pattern.
func (c *Client) Grant(ctx context.Context, agentID, resource string, actions []string) error {
	payload := map[string]any{
		"agent_id": agentID,
		"resource": resource,
		"actions":  actions,
	}
	return c.do(ctx, http.MethodPost, "/api/v1/iam/grant", payload, nil)
}

// Revoke removes an agent's permission on a resource. An empty resource
// revokes everything.
func (c *Client) Revoke(ctx context.Context, agentID, resource string) error {
	payload := map[string]any{"agent_id": agentID}
	if resource != "" {
		payload["resource"] = resource
	}
	return c.do(ctx, http.MethodPost, "/api/v1/iam/revoke", payload, nil)
}

// Check asks whether an agent may perform action on resource. The check is
// logged on the node.
func (c *Client) Check(ctx context.Context, agentID, resource, action string) (bool, error) {
	payload := map[string]string{
		"agent_id": agentID,
		"resource": resource,
		"action":   action,
	}
	var out struct {
		Allowed bool `json:"allowed"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/v1/iam/check", payload, &out); err != nil {
		return false, err
	}
	return out.Allowed, nil
}

// IAMAgent fetches an agent's IAM identity and current permissions.
func (c *Client) IAMAgent(ctx context.Context, id string) (*IAMIdentity, []Permission, error) {
	var out struct {
		Identity    IAMIdentity  `json:"identity"`
		Permissions []Permission `json:"permissions"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/iam/agents/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, nil, err
	}
	return &out.Identity, out.Permissions, nil
}

// Anomalies runs a detection pass over the node's access log.
func (c *Client) Anomalies(ctx context.Context) ([]Anomaly, error) {
	var out struct {
		Anomalies []Anomaly `json:"anomalies"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/iam/anomalies", nil, &out); err != nil {
		return nil, err
	}
	return out.Anomalies, nil
}

// AccessLog fetches access log entries, newest first.
func (c *Client) AccessLog(ctx context.Context, agentID, resource string, limit int) ([]AccessLogEntry, error) {
	q := url.Values{}
	if agentID != "" {
		q.Set("agent_id", agentID)
	}
	if resource != "" {
		q.Set("resource", resource)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out struct {
		Entries []AccessLogEntry `json:"entries"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/iam/access-log?"+q.Encode(), nil, &out); err != nil {
		return nil, err
	}
	return out.Entries, nil
}

// Prune deletes access log entries older than the given number of days and
// returns how many rows were removed.
func (c *Client) Prune(ctx context.Context, olderThanDays int) (int64, error) {
	var out struct {
		Deleted int64 `json:"deleted"`
	}
	payload := map[string]int{"older_than_days": olderThanDays}
	if err := c.do(ctx, http.MethodPost, "/api/v1/iam/prune", payload, &out); err != nil {
		return 0, err
	}
	return out.Deleted, nil
}

// ── Events ───────────────────────────────────────────────────────────────────

// RecentEvents fetches recent bus events, optionally filtered by pattern.
func (c *Client) RecentEvents(ctx context.Context, pattern string, limit int) ([]Event, error) {
	q := url.Values{}
	if pattern != "" {
		q.Set("pattern", pattern)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out struct {
		Events []Event `json:"events"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/events/recent?"+q.Encode(), nil, &out); err != nil {
		return nil, err
	}
	return out.Events, nil
}

// ── Delegation ───────────────────────────────────────────────────────────────

// DelegateRequest describes a task to hand to a peer node.
type DelegateRequest struct {
	Title               string   `json:"title"`
	Description         string   `json:"description,omitempty"`
	Priority            int      `json:"priority,omitempty"`
	RequiredSkillIDs    []string `json:"required_skill_ids,omitempty"`
	RequiredAccessLevel int      `json:"required_access_level,omitempty"`
	Context             string   `json:"context,omitempty"`
}

// Delegate submits a task for delegation and returns the local task id.
func (c *Client) Delegate(ctx context.Context, req DelegateRequest) (string, error) {
	var out struct {
		TaskID string `json:"task_id"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/v1/tasks/delegate", req, &out); err != nil {
		return "", err
	}
	return out.TaskID, nil
}
