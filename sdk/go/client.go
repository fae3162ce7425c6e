// Package govtechsdk is a small client for the GovTech HTTP API.
package govtechsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal GovTech HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Protocol is the API protocol model (partial).
type Protocol struct {
	ID               string     `json:"id"`
	Number           string     `json:"number"`
	ServiceCode      string     `json:"service_code"`
	RequesterID      string     `json:"requester_id"`
	Subject          string     `json:"subject,omitempty"`
	Department       string     `json:"department,omitempty"`
	CurrentStepIndex int        `json:"current_step_index"`
	Status           string     `json:"status"`
	Priority         string     `json:"priority"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
	DeadlineAt       *time.Time `json:"deadline_at,omitempty"`
	Version          int64      `json:"version"`
}

type Step struct {
	StepIndex  int        `json:"step_index"`
	Status     string     `json:"status"`
	AssignedTo string     `json:"assigned_to,omitempty"`
	DeadlineAt *time.Time `json:"deadline_at,omitempty"`
}

// ProtocolState is returned by every write on a protocol.
type ProtocolState struct {
	Protocol Protocol `json:"protocol"`
	Steps    []Step   `json:"steps"`
	Allowed  []string `json:"allowed"`
}

// Event is one entry of the global log.
type Event struct {
	ProtocolID string         `json:"protocol_id"`
	Sequence   int64          `json:"sequence"`
	Position   int64          `json:"position"`
	Kind       string         `json:"kind"`
	ActorID    string         `json:"actor_id"`
	Timestamp  time.Time      `json:"timestamp"`
	Data       map[string]any `json:"data"`
}

// EventPage wraps an event listing with its cursor.
type EventPage struct {
	Items      []Event `json:"items"`
	NextCursor int64   `json:"next_cursor"`
}

type Tracking struct {
	Number      string `json:"number"`
	ServiceName string `json:"service_name"`
	Status      string `json:"status"`
	CurrentStep string `json:"current_step,omitempty"`
}

type Escalation struct {
	ProtocolID string    `json:"protocol_id"`
	Number     string    `json:"number"`
	StepIndex  int       `json:"step_index"`
	StepName   string    `json:"step_name"`
	DeadlineAt time.Time `json:"deadline_at"`
}

// CreateRequest opens a protocol. RequesterID defaults to the caller.
type CreateRequest struct {
	ServiceCode string `json:"service_code"`
	RequesterID string `json:"requester_id,omitempty"`
	Priority    string `json:"priority,omitempty"`
	Subject     string `json:"subject,omitempty"`
	Description string `json:"description,omitempty"`
}

// CommandRequest names a state machine command and its arguments.
type CommandRequest struct {
	Command    string `json:"command"`
	Department string `json:"department,omitempty"`
	Reason     string `json:"reason,omitempty"`
	Note       string `json:"note,omitempty"`
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

// CreateProtocol opens a protocol.
func (c *Client) CreateProtocol(ctx context.Context, req CreateRequest) (ProtocolState, error) {
	var resp ProtocolState
	err := c.do(ctx, http.MethodPost, "protocols", req, &resp)
	return resp, err
}

// Apply runs a command against a protocol.
func (c *Client) Apply(ctx context.Context, protocolID string, cmd CommandRequest) (ProtocolState, error) {
	var resp ProtocolState
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("protocols/%s/commands", url.PathEscape(protocolID)), cmd, &resp)
	return resp, err
}

// Assign assigns a step to a user.
func (c *Client) Assign(ctx context.Context, protocolID string, stepIndex int, assigneeID string) (ProtocolState, error) {
	var resp ProtocolState
	endpoint := fmt.Sprintf("protocols/%s/steps/%d/assign", url.PathEscape(protocolID), stepIndex)
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"assignee_id": assigneeID}, &resp)
	return resp, err
}

// Track looks up a protocol by number without credentials.
func (c *Client) Track(ctx context.Context, number string) (Tracking, error) {
	var resp Tracking
	err := c.do(ctx, http.MethodGet, "track/"+url.PathEscape(number), nil, &resp)
	return resp, err
}

// Sweep triggers an escalation sweep.
func (c *Client) Sweep(ctx context.Context) ([]Escalation, error) {
	var resp struct {
		Escalations []Escalation `json:"escalations"`
	}
	err := c.do(ctx, http.MethodPost, "escalations/sweep", nil, &resp)
	return resp.Escalations, err
}

// EventsPage returns events after the given log position.
func (c *Client) EventsPage(ctx context.Context, after int64, limit int) (EventPage, error) {
	q := url.Values{}
	q.Set("after", fmt.Sprintf("%d", after))
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	var resp EventPage
	err := c.do(ctx, http.MethodGet, "events?"+q.Encode(), nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/v1/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
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
	return strings.TrimRight(c.BaseURL, "/")
}
