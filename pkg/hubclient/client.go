// Package hubclient is the typed HTTP client for the hub API, used by
// agents, the reconciler and the CLI.
package hubclient

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
	"time"

	"github.com/openprobe/openprobe/pkg/plan"
	"github.com/openprobe/openprobe/pkg/stores"
)

// Client talks to the hub API.
type Client struct {
	baseURL string
	apiKey  string
	token   string
	http    *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithAPIKey sends the key as the X-Api-Key header on every request.
func WithAPIKey(key string) Option {
	return func(c *Client) { c.apiKey = key }
}

// WithBearerToken sends the token as an Authorization bearer header.
func WithBearerToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// New creates a client for the hub at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// APIError is a non-2xx hub response.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("hub returned %d: %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether the error is a hub 404.
func IsNotFound(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusNotFound
	}
	return false
}

// envelope is the hub's uniform response wrapper.
type envelope struct {
	Data  json.RawMessage `json:"data"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("X-Api-Key", c.apiKey)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("hub request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read hub response: %w", err)
	}

	var env envelope
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &env); err != nil {
			if resp.StatusCode >= 400 {
				return &APIError{StatusCode: resp.StatusCode, Message: string(raw)}
			}
			return fmt.Errorf("failed to decode hub response: %w", err)
		}
	}

	if resp.StatusCode >= 400 {
		message := http.StatusText(resp.StatusCode)
		if env.Error != nil {
			message = env.Error.Message
		}
		return &APIError{StatusCode: resp.StatusCode, Message: message}
	}

	if out != nil && env.Data != nil {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("failed to decode hub response data: %w", err)
		}
	}
	return nil
}

// Plans

// CreatePlan stores a new plan and returns it with its assigned ID.
func (c *Client) CreatePlan(ctx context.Context, doc *plan.Plan) (*plan.Plan, error) {
	var created plan.Plan
	if err := c.do(ctx, http.MethodPost, "/plan", doc, &created); err != nil {
		return nil, err
	}
	return &created, nil
}

// UpdatePlan replaces a plan by ID.
func (c *Client) UpdatePlan(ctx context.Context, id string, doc *plan.Plan) (*plan.Plan, error) {
	var updated plan.Plan
	if err := c.do(ctx, http.MethodPut, "/plan/"+url.PathEscape(id), doc, &updated); err != nil {
		return nil, err
	}
	return &updated, nil
}

// DeletePlan removes a plan by ID.
func (c *Client) DeletePlan(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/plan/"+url.PathEscape(id), nil, nil)
}

// ListPlans lists plans for a project and environment.
func (c *Client) ListPlans(ctx context.Context, projectID, environment string, limit, offset int) ([]*plan.Plan, error) {
	q := url.Values{}
	if projectID != "" {
		q.Set("projectId", projectID)
	}
	if environment != "" {
		q.Set("environment", environment)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if offset > 0 {
		q.Set("offset", strconv.Itoa(offset))
	}

	var plans []*plan.Plan
	if err := c.do(ctx, http.MethodGet, "/plan?"+q.Encode(), nil, &plans); err != nil {
		return nil, err
	}
	return plans, nil
}

// GetPlanByName fetches one plan by its identity tuple. With latest,
// the hub migrates the document to the newest schema version before
// returning it.
func (c *Client) GetPlanByName(ctx context.Context, projectID, environment, name string, latest bool) (*plan.Plan, error) {
	q := url.Values{}
	q.Set("projectId", projectID)
	q.Set("environment", environment)
	q.Set("name", name)
	if latest {
		q.Set("version", "latest")
	}

	var doc plan.Plan
	if err := c.do(ctx, http.MethodGet, "/plan/by-name?"+q.Encode(), nil, &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

// Runs

// TriggerRun fires a plan immediately, like a scheduler tick would.
func (c *Client) TriggerRun(ctx context.Context, planID, environment string) ([]*stores.Run, error) {
	body := map[string]string{"environment": environment}
	var runs []*stores.Run
	if err := c.do(ctx, http.MethodPost, "/runs/trigger-by-plan-id/"+url.PathEscape(planID), body, &runs); err != nil {
		return nil, err
	}
	return runs, nil
}

// GetRun fetches one run.
func (c *Client) GetRun(ctx context.Context, id string) (*stores.Run, error) {
	var run stores.Run
	if err := c.do(ctx, http.MethodGet, "/runs/"+url.PathEscape(id), nil, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// ListRuns lists runs, optionally filtered by plan.
func (c *Client) ListRuns(ctx context.Context, planID string, limit, offset int) ([]*stores.Run, error) {
	q := url.Values{}
	if planID != "" {
		q.Set("planId", planID)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if offset > 0 {
		q.Set("offset", strconv.Itoa(offset))
	}

	var runs []*stores.Run
	if err := c.do(ctx, http.MethodGet, "/runs?"+q.Encode(), nil, &runs); err != nil {
		return nil, err
	}
	return runs, nil
}

// RunPatch is the worker's run status update.
type RunPatch struct {
	Status     stores.RunStatus `json:"status"`
	DurationMS *int64           `json:"durationMs,omitempty"`
	Success    *bool            `json:"success,omitempty"`
	Errors     []string         `json:"errors,omitempty"`
}

// PatchRun applies a status update to a run.
func (c *Client) PatchRun(ctx context.Context, id string, patch RunPatch) error {
	return c.do(ctx, http.MethodPatch, "/runs/"+url.PathEscape(id), patch, nil)
}

// Agents

// RegisterAgent registers this process as an executor for a location.
func (c *Client) RegisterAgent(ctx context.Context, location string, metadata map[string]string) (*stores.Agent, error) {
	body := map[string]any{"location": location, "metadata": metadata}
	var agent stores.Agent
	if err := c.do(ctx, http.MethodPost, "/agents/register", body, &agent); err != nil {
		return nil, err
	}
	return &agent, nil
}

// HeartbeatAgent refreshes the agent's liveness record.
func (c *Client) HeartbeatAgent(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/agents/"+url.PathEscape(id)+"/heartbeat", nil, nil)
}

// DeregisterAgent removes the agent's record.
func (c *Client) DeregisterAgent(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/agents/"+url.PathEscape(id), nil, nil)
}

// AgentLocations returns the distinct ONLINE locations.
func (c *Client) AgentLocations(ctx context.Context) ([]string, error) {
	var locations []string
	if err := c.do(ctx, http.MethodGet, "/agents/locations", nil, &locations); err != nil {
		return nil, err
	}
	return locations, nil
}

// Targets

// GetTargets fetches the full target map for an (organization,
// environment) pair.
func (c *Client) GetTargets(ctx context.Context, organization, environment string) (map[string]string, error) {
	path := fmt.Sprintf("/config/%s/%s/targets", url.PathEscape(organization), url.PathEscape(environment))
	var targets map[string]string
	if err := c.do(ctx, http.MethodGet, path, nil, &targets); err != nil {
		return nil, err
	}
	return targets, nil
}

// PutTarget sets one target mapping.
func (c *Client) PutTarget(ctx context.Context, organization, environment, key, baseURL string) error {
	path := fmt.Sprintf("/config/%s/%s/targets/%s", url.PathEscape(organization), url.PathEscape(environment), url.PathEscape(key))
	return c.do(ctx, http.MethodPut, path, map[string]string{"baseUrl": baseURL}, nil)
}

// DeleteTarget removes one target mapping.
func (c *Client) DeleteTarget(ctx context.Context, organization, environment, key string) error {
	path := fmt.Sprintf("/config/%s/%s/targets/%s", url.PathEscape(organization), url.PathEscape(environment), url.PathEscape(key))
	return c.do(ctx, http.MethodDelete, path, nil, nil)
}
