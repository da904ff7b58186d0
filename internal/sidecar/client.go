// Package sidecar adapts the external simulation service that owns and steps
// the environment. All calls are plain request/response; retry policy, if
// any, belongs to the caller.
package sidecar

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const defaultRequestTimeout = 5 * time.Second

// ActionSpace describes the discrete action set exposed by an environment.
type ActionSpace struct {
	Type   string   `json:"type"`
	N      int      `json:"n"`
	Labels []string `json:"labels,omitempty"`
}

// Spec is the observation/action-space specification of a live session.
type Spec struct {
	ObservationShape []int       `json:"observation_shape"`
	ActionSpace      ActionSpace `json:"action_space"`
	DT               float64     `json:"dt"`
	Seed             int         `json:"seed"`
	MaxSteps         int         `json:"max_steps,omitempty"`
	SpecHash         string      `json:"spec_hash"`
}

// CreateRequest carries the parameters for a new simulation session.
type CreateRequest struct {
	Task           string  `json:"task"`
	Seed           int     `json:"seed"`
	NumAgents      int     `json:"num_agents"`
	NumLandmarks   int     `json:"num_landmarks"`
	LocalRatio     float64 `json:"local_ratio,omitempty"`
	ActionType     string  `json:"action_type,omitempty"`
	EpisodeHorizon int     `json:"episode_horizon,omitempty"`
}

// AgentState mirrors the per-agent public state returned by a step call.
type AgentState struct {
	Pos [2]float64 `json:"pos"`
	Vel [2]float64 `json:"vel,omitempty"`
}

// Landmark mirrors a landmark entry in the public state.
type Landmark struct {
	Pos    [2]float64 `json:"pos"`
	Radius float64    `json:"radius,omitempty"`
}

// StepState is the environment state after one step.
type StepState struct {
	Agents    map[string]AgentState `json:"agents"`
	Landmarks []Landmark            `json:"landmarks"`
	Step      int                   `json:"step"`
	EpisodeID string                `json:"episodeId"`
}

// StepResult bundles the new public state with optional per-agent rewards.
type StepResult struct {
	State   StepState          `json:"state"`
	Rewards map[string]float64 `json:"rewards,omitempty"`
}

// Client talks JSON over HTTP to the simulation sidecar. It is stateless
// beyond the base URL; session identifiers are owned by callers.
type Client struct {
	base string
	http *http.Client
}

// NewClient constructs a client for the sidecar at the given base URL.
func NewClient(baseURL string) *Client {
	return &Client{
		base: baseURL,
		http: &http.Client{Timeout: defaultRequestTimeout},
	}
}

// NewClientWithHTTP constructs a client using the provided *http.Client,
// which tests use to control timeouts and transports.
func NewClientWithHTTP(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultRequestTimeout}
	}
	return &Client{base: baseURL, http: httpClient}
}

// CreateEnv provisions a new session and returns its identifier.
func (c *Client) CreateEnv(ctx context.Context, req CreateRequest) (string, error) {
	var resp struct {
		OK    bool   `json:"ok"`
		EnvID string `json:"env_id"`
	}
	if err := c.post(ctx, "/env/create", req, &resp); err != nil {
		return "", err
	}
	if resp.EnvID == "" {
		return "", fmt.Errorf("sidecar create: empty env id")
	}
	return resp.EnvID, nil
}

// Spec fetches the observation/action-space specification for a session.
func (c *Client) Spec(ctx context.Context, envID string) (Spec, error) {
	var spec Spec
	req := struct {
		EnvID string `json:"env_id"`
	}{EnvID: envID}
	if err := c.post(ctx, "/env/spec", req, &spec); err != nil {
		return Spec{}, err
	}
	return spec, nil
}

// Reset resets a session to the start of a fresh episode.
func (c *Client) Reset(ctx context.Context, envID string) error {
	req := struct {
		EnvID string `json:"env_id"`
	}{EnvID: envID}
	return c.post(ctx, "/env/reset", req, nil)
}

// Step advances a session by one tick given a joint action mapping keyed by
// agent slot identifier.
func (c *Client) Step(ctx context.Context, envID string, actions map[string]int) (StepResult, error) {
	var result StepResult
	req := struct {
		EnvID   string         `json:"env_id"`
		Actions map[string]int `json:"actions"`
	}{EnvID: envID, Actions: actions}
	if err := c.post(ctx, "/env/step", req, &result); err != nil {
		return StepResult{}, err
	}
	return result, nil
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("sidecar %s: marshal request: %w", path, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("sidecar %s: build request: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("sidecar %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("sidecar %s: status %d: %s", path, resp.StatusCode, bytes.TrimSpace(detail))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("sidecar %s: decode response: %w", path, err)
	}
	return nil
}
