package taskgraphsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal taskgraph HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	BearerToken string
	// ActorID is sent as X-Actor-Id when no token is set (servers without a
	// JWT secret).
	ActorID    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v0",
		Timeout:  10 * time.Second,
	}
}

// Task represents the API task model.
type Task struct {
	ID              string   `json:"id"`
	ProjectID       string   `json:"projectId,omitempty"`
	Title           string   `json:"title,omitempty"`
	Status          string   `json:"status,omitempty"`
	Priority        string   `json:"priority,omitempty"`
	StartDate       int      `json:"startDate,omitempty"`
	Duration        int      `json:"duration,omitempty"`
	PlannedDuration int      `json:"plannedDuration,omitempty"`
	Progress        int      `json:"progress,omitempty"`
	OwnerID         string   `json:"ownerId,omitempty"`
	PersonaID       string   `json:"personaId,omitempty"`
	DependencyIDs   []string `json:"dependencyIds,omitempty"`
	Tags            []string `json:"tags,omitempty"`
	IsMilestone     bool     `json:"isMilestone,omitempty"`
}

type Persona struct {
	ID       string  `json:"id"`
	Name     string  `json:"name,omitempty"`
	Role     string  `json:"role,omitempty"`
	Capacity float64 `json:"capacity"`
}

type User struct {
	ID           string    `json:"id"`
	Name         string    `json:"name,omitempty"`
	BaseCapacity float64   `json:"baseCapacity,omitempty"`
	Personas     []Persona `json:"personas,omitempty"`
}

type Dependency struct {
	FromID string `json:"fromId"`
	ToID   string `json:"toId"`
	Type   string `json:"type,omitempty"`
	Note   string `json:"note,omitempty"`
}

type Project struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Visible bool   `json:"visible"`
}

type Graph struct {
	Version      uint64       `json:"version,omitempty"`
	Projects     []Project    `json:"projects,omitempty"`
	Users        []User       `json:"users,omitempty"`
	Tasks        []Task       `json:"tasks,omitempty"`
	Dependencies []Dependency `json:"dependencies,omitempty"`
}

type CriticalPath struct {
	Version uint64     `json:"version"`
	TaskIDs []string   `json:"taskIds"`
	Chains  [][]string `json:"chains"`
}

type Shift struct {
	TaskID  string `json:"taskId"`
	ESShift int    `json:"esShift"`
	EFShift int    `json:"efShift"`
	Slack   int    `json:"slack"`
}

type Impact struct {
	TaskID      string  `json:"taskId"`
	Version     uint64  `json:"version"`
	Slippage    int     `json:"slippage"`
	FinishDelay int     `json:"finishDelay"`
	Shifts      []Shift `json:"shifts"`
}

// Load is a persona or user workload; Percent is nil when capacity is zero
// and work is assigned.
type Load struct {
	UserID     string   `json:"userId"`
	PersonaID  string   `json:"personaId,omitempty"`
	Period     int      `json:"period"`
	Hours      float64  `json:"hours"`
	Capacity   float64  `json:"capacity"`
	Percent    *float64 `json:"percent"`
	Overloaded bool     `json:"overloaded"`
	AtRisk     bool     `json:"atRisk"`
}

type NextItem struct {
	Task  Task `json:"task"`
	Slack int  `json:"slack"`
}

// Event represents a log entry.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	Version    uint64 `json:"version"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// IsStale reports whether err rejected a request made against an older
// graph version.
func IsStale(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == "stale_snapshot"
}

type versionResponse struct {
	Version uint64 `json:"version"`
}

// Graph returns the current graph.
func (c *Client) Graph(ctx context.Context) (Graph, error) {
	var resp Graph
	err := c.do(ctx, http.MethodGet, "graph", nil, &resp)
	return resp, err
}

// LoadGraph replaces the server graph and returns the new version.
func (c *Client) LoadGraph(ctx context.Context, g Graph) (uint64, error) {
	var resp versionResponse
	err := c.do(ctx, http.MethodPut, "graph", g, &resp)
	return resp.Version, err
}

func (c *Client) UpsertTask(ctx context.Context, t Task) (uint64, error) {
	var resp versionResponse
	err := c.do(ctx, http.MethodPut, "tasks/"+url.PathEscape(t.ID), t, &resp)
	return resp.Version, err
}

func (c *Client) DeleteTask(ctx context.Context, id string, cascade bool) (uint64, error) {
	var resp versionResponse
	endpoint := fmt.Sprintf("tasks/%s?cascade=%t", url.PathEscape(id), cascade)
	err := c.do(ctx, http.MethodDelete, endpoint, nil, &resp)
	return resp.Version, err
}

func (c *Client) UpsertUser(ctx context.Context, u User) (uint64, error) {
	var resp versionResponse
	err := c.do(ctx, http.MethodPut, "users/"+url.PathEscape(u.ID), u, &resp)
	return resp.Version, err
}

func (c *Client) AddDependency(ctx context.Context, d Dependency) (uint64, error) {
	var resp versionResponse
	err := c.do(ctx, http.MethodPost, "dependencies", d, &resp)
	return resp.Version, err
}

func (c *Client) RemoveDependency(ctx context.Context, fromID, toID string) (uint64, error) {
	var resp versionResponse
	endpoint := fmt.Sprintf("dependencies/%s/%s", url.PathEscape(fromID), url.PathEscape(toID))
	err := c.do(ctx, http.MethodDelete, endpoint, nil, &resp)
	return resp.Version, err
}

// CriticalPath returns the zero-slack tasks at version (0 for current).
func (c *Client) CriticalPath(ctx context.Context, version uint64) (CriticalPath, error) {
	var resp CriticalPath
	err := c.do(ctx, http.MethodGet, withVersion("critical-path", version), nil, &resp)
	return resp, err
}

// Impact returns the downstream shift of a task's slippage. duration < 0
// uses the recorded duration; otherwise it is a what-if.
func (c *Client) Impact(ctx context.Context, id string, duration int, version uint64) (Impact, error) {
	endpoint := withVersion(fmt.Sprintf("tasks/%s/impact", url.PathEscape(id)), version)
	if duration >= 0 {
		endpoint = appendQuery(endpoint, "duration", strconv.Itoa(duration))
	}
	var resp Impact
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) Load(ctx context.Context, userID, personaID string, period int) (Load, error) {
	var resp struct {
		Load Load `json:"load"`
	}
	endpoint := fmt.Sprintf("load/%s/%s/%d", url.PathEscape(userID), url.PathEscape(personaID), period)
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Load, err
}

func (c *Client) Next(ctx context.Context, userID string) ([]NextItem, error) {
	var resp struct {
		Items []NextItem `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("users/%s/next", url.PathEscape(userID)), nil, &resp)
	return resp.Items, err
}

// Suggestions returns rebalancing proposals as raw envelopes, ready to be
// passed back to ApplyProposal.
func (c *Client) Suggestions(ctx context.Context, period int) (uint64, []json.RawMessage, error) {
	var resp struct {
		Version   uint64            `json:"version"`
		Proposals []json.RawMessage `json:"proposals"`
	}
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("suggestions?period=%d", period), nil, &resp)
	return resp.Version, resp.Proposals, err
}

// ApplyProposal submits a proposal computed at version.
func (c *Client) ApplyProposal(ctx context.Context, proposal any, version uint64) (uint64, error) {
	var resp versionResponse
	err := c.do(ctx, http.MethodPost, withVersion("proposals", version), proposal, &resp)
	return resp.Version, err
}

// EventsPage returns a paginated event listing, newest first.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	endpoint := "events"
	if limit > 0 {
		endpoint = appendQuery(endpoint, "limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		endpoint = appendQuery(endpoint, "cursor", cursor)
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case json.RawMessage:
		buf.Write(b)
	default:
		if err := json.NewEncoder(&buf).Encode(b); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.ActorID != "":
		req.Header.Set("X-Actor-Id", c.ActorID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string         `json:"code"`
				Message string         `json:"message"`
				Details map[string]any `json:"details"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
			apiErr.Details = env.Error.Details
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if p := strings.Trim(c.BasePath, "/"); p != "" {
		base += "/" + p
	}
	return base
}

func withVersion(endpoint string, version uint64) string {
	if version == 0 {
		return endpoint
	}
	return appendQuery(endpoint, "version", strconv.FormatUint(version, 10))
}

func appendQuery(endpoint, key, value string) string {
	sep := "?"
	if strings.Contains(endpoint, "?") {
		sep = "&"
	}
	return endpoint + sep + key + "=" + url.QueryEscape(value)
}
