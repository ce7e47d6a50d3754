package skillgatesdk

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
	"time"
)

// Client is a minimal Skillgate HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, token string) *Client {
	return &Client{
		BaseURL:     baseURL,
		BasePath:    "/v0",
		BearerToken: token,
		Timeout:     10 * time.Second,
	}
}

// HistoryEntry is one step of a proposal's lifecycle.
type HistoryEntry struct {
	Seq     int64  `json:"seq"`
	TS      string `json:"ts"`
	Status  string `json:"status"`
	Actor   string `json:"actor"`
	Outcome string `json:"outcome"`
	Reason  string `json:"reason,omitempty"`
}

// Proposal represents the API proposal model.
type Proposal struct {
	ID              string         `json:"id"`
	Slug            string         `json:"slug"`
	Name            string         `json:"name"`
	Description     string         `json:"description"`
	Capabilities    []string       `json:"capabilities"`
	HandledEvents   []string       `json:"handled_events"`
	Dependencies    []string       `json:"dependencies"`
	Status          string         `json:"status"`
	Pending         bool           `json:"pending"`
	Escalated       bool           `json:"escalated"`
	RejectionKind   *string        `json:"rejection_kind,omitempty"`
	RejectionReason *string        `json:"rejection_reason,omitempty"`
	RevisionOf      *string        `json:"revision_of,omitempty"`
	CreatedAt       string         `json:"created_at"`
	UpdatedAt       string         `json:"updated_at"`
	History         []HistoryEntry `json:"history,omitempty"`
}

// Summary is the list view of a proposal.
type Summary struct {
	ID        string `json:"id"`
	Slug      string `json:"slug"`
	Name      string `json:"name"`
	Status    string `json:"status"`
	Pending   bool   `json:"pending"`
	Escalated bool   `json:"escalated"`
	CreatedAt string `json:"created_at"`
}

// SubmitRequest carries a new skill proposal.
type SubmitRequest struct {
	Slug          string   `json:"slug"`
	Name          string   `json:"name"`
	Description   string   `json:"description"`
	Capabilities  []string `json:"capabilities"`
	HandledEvents []string `json:"handled_events,omitempty"`
	Dependencies  []string `json:"dependencies,omitempty"`
	Rationale     string   `json:"rationale,omitempty"`
	UserContext   string   `json:"user_context,omitempty"`
}

// ReviseRequest overrides fields of a rejected proposal. Nil fields are inherited.
type ReviseRequest struct {
	Slug          *string  `json:"slug,omitempty"`
	Name          *string  `json:"name,omitempty"`
	Description   *string  `json:"description,omitempty"`
	Capabilities  []string `json:"capabilities,omitempty"`
	HandledEvents []string `json:"handled_events,omitempty"`
	Dependencies  []string `json:"dependencies,omitempty"`
	Rationale     *string  `json:"rationale,omitempty"`
}

// Finding is one composition concern.
type Finding struct {
	Check    string   `json:"check"`
	Severity string   `json:"severity"`
	Message  string   `json:"message"`
	Tokens   []string `json:"tokens,omitempty"`
}

// Report is a composition analysis result.
type Report struct {
	Findings       []Finding `json:"findings"`
	Recommendation string    `json:"recommendation"`
	UnionSize      int       `json:"union_size"`
}

// Review bundles what a reviewer needs to decide on a proposal.
type Review struct {
	Proposal  Proposal `json:"proposal"`
	NextStage string   `json:"next_stage,omitempty"`
	Gate      string   `json:"gate,omitempty"`
	Scan      *struct {
		Pass     bool     `json:"pass"`
		Findings []string `json:"findings"`
	} `json:"scan,omitempty"`
	Analysis *Report `json:"analysis,omitempty"`
}

// Decision is a capability guard outcome.
type Decision struct {
	Allowed     bool     `json:"allowed"`
	Missing     []string `json:"missing,omitempty"`
	Component   string   `json:"component,omitempty"`
	Interaction string   `json:"interaction,omitempty"`
}

// Skill is one manifest entry.
type Skill struct {
	Name          string   `json:"name"`
	Description   string   `json:"description,omitempty"`
	Origin        string   `json:"origin,omitempty"`
	Proposal      string   `json:"proposal,omitempty"`
	Capabilities  []string `json:"capabilities"`
	HandlesEvents []string `json:"handles_events,omitempty"`
	Dependencies  []string `json:"dependencies,omitempty"`
}

type ManifestView struct {
	Version int     `json:"version"`
	Skills  []Skill `json:"skills"`
}

// Manifest pairs the manifest the server booted with and the one staged on disk.
type Manifest struct {
	Running ManifestView `json:"running"`
	Staged  ManifestView `json:"staged"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// EventQuery filters an event listing.
type EventQuery struct {
	Type       string
	EntityKind string
	EntityID   string
	Limit      int
	Cursor     string
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// ListProposals returns proposal summaries, optionally filtered by status.
func (c *Client) ListProposals(ctx context.Context, status string) ([]Summary, error) {
	endpoint := "proposals"
	if status != "" {
		endpoint += "?status=" + url.QueryEscape(status)
	}
	var resp struct {
		Items []Summary `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// GetProposal fetches a proposal by id or slug.
func (c *Client) GetProposal(ctx context.Context, idOrSlug string) (Proposal, error) {
	var resp Proposal
	err := c.do(ctx, http.MethodGet, proposalPath(idOrSlug, ""), nil, &resp)
	return resp, err
}

// Submit creates a proposal.
func (c *Client) Submit(ctx context.Context, req SubmitRequest) (Proposal, error) {
	var resp Proposal
	err := c.do(ctx, http.MethodPost, "proposals", req, &resp)
	return resp, err
}

// Approve answers a pending decision. Force advances a proposal that is not waiting.
func (c *Client) Approve(ctx context.Context, idOrSlug string, force bool, reason string) (Proposal, error) {
	body := map[string]any{"force": force}
	if reason != "" {
		body["reason"] = reason
	}
	var resp Proposal
	err := c.do(ctx, http.MethodPost, proposalPath(idOrSlug, "approve"), body, &resp)
	return resp, err
}

// Reject closes a proposal with a human rejection.
func (c *Client) Reject(ctx context.Context, idOrSlug, reason string) (Proposal, error) {
	var resp Proposal
	err := c.do(ctx, http.MethodPost, proposalPath(idOrSlug, "reject"), map[string]any{"reason": reason}, &resp)
	return resp, err
}

// Revise submits a new proposal derived from a rejected one.
func (c *Client) Revise(ctx context.Context, idOrSlug string, req ReviseRequest) (Proposal, error) {
	var resp Proposal
	err := c.do(ctx, http.MethodPost, proposalPath(idOrSlug, "revise"), req, &resp)
	return resp, err
}

// History returns the lifecycle of a proposal.
func (c *Client) History(ctx context.Context, idOrSlug string) ([]HistoryEntry, error) {
	var resp struct {
		Items []HistoryEntry `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, proposalPath(idOrSlug, "history"), nil, &resp)
	return resp.Items, err
}

// Review returns the review bundle of a proposal.
func (c *Client) Review(ctx context.Context, idOrSlug string) (Review, error) {
	var resp Review
	err := c.do(ctx, http.MethodGet, proposalPath(idOrSlug, "review"), nil, &resp)
	return resp, err
}

// Analyze runs the composition analyzer against the active skill set.
func (c *Client) Analyze(ctx context.Context, capabilities []string) (Report, error) {
	var resp Report
	err := c.do(ctx, http.MethodPost, "analyze", map[string]any{"capabilities": capabilities}, &resp)
	return resp, err
}

// Manifest returns the running and staged manifests.
func (c *Client) Manifest(ctx context.Context) (Manifest, error) {
	var resp Manifest
	err := c.do(ctx, http.MethodGet, "manifest", nil, &resp)
	return resp, err
}

// GuardCheck asks whether a skill may perform an interaction.
func (c *Client) GuardCheck(ctx context.Context, skill, interaction string) (Decision, error) {
	var resp Decision
	err := c.do(ctx, http.MethodPost, "guard/check", map[string]any{
		"component":   skill,
		"interaction": interaction,
	}, &resp)
	return resp, err
}

// Events returns a paginated event listing, newest first.
func (c *Client) Events(ctx context.Context, q EventQuery) (PaginatedEvents, error) {
	values := url.Values{}
	if q.Type != "" {
		values.Set("type", q.Type)
	}
	if q.EntityKind != "" {
		values.Set("entity_kind", q.EntityKind)
	}
	if q.EntityID != "" {
		values.Set("entity_id", q.EntityID)
	}
	if q.Limit > 0 {
		values.Set("limit", strconv.Itoa(q.Limit))
	}
	if q.Cursor != "" {
		values.Set("cursor", q.Cursor)
	}
	endpoint := "events"
	if len(values) > 0 {
		endpoint += "?" + values.Encode()
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
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
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
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func proposalPath(idOrSlug, action string) string {
	p := "proposals/" + url.PathEscape(idOrSlug)
	if action != "" {
		p += "/" + action
	}
	return p
}

func (c *Client) base() string {
	basePath := strings.Trim(c.BasePath, "/")
	base := strings.TrimRight(c.BaseURL, "/")
	if basePath == "" {
		return base
	}
	return base + "/" + basePath
}
