package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/colebrumley/agentq/internal/security"
)

// maxErrorBody bounds how much of a failed response is kept in an APIError.
const maxErrorBody = 512

// APIError is returned for any non-2xx response.
type APIError struct {
	Method string
	Path   string
	Status int
	// Body is scrubbed of credentials and truncated.
	Body string
}

func (e *APIError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s %s: status %d", e.Method, e.Path, e.Status)
	}
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.Status, e.Body)
}

// NotFound reports whether the server answered 404.
func (e *APIError) NotFound() bool { return e.Status == http.StatusNotFound }

// Client talks to the chat application's agents API.
type Client struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewClient creates a client for the API rooted at baseURL. token is sent as
// a bearer token when non-empty.
func NewClient(baseURL, token string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

// ListAgents returns one page of agents visible to the caller.
func (c *Client) ListAgents(ctx context.Context, params AgentListParams) (*AgentListResponse, error) {
	var resp AgentListResponse
	if err := c.get(ctx, "/api/agents", listQuery(params), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetAgent returns the basic detail of an agent.
func (c *Client) GetAgent(ctx context.Context, id string) (*Agent, error) {
	var agent Agent
	if err := c.get(ctx, "/api/agents/"+url.PathEscape(id), nil, &agent); err != nil {
		return nil, err
	}
	return &agent, nil
}

// GetExpandedAgent returns an agent with its editor-only details.
func (c *Client) GetExpandedAgent(ctx context.Context, id string) (*ExpandedAgent, error) {
	var agent ExpandedAgent
	if err := c.get(ctx, "/api/agents/"+url.PathEscape(id)+"/expanded", nil, &agent); err != nil {
		return nil, err
	}
	return &agent, nil
}

// ListAvailableTools returns the tools agents can be configured with.
func (c *Client) ListAvailableTools(ctx context.Context) ([]ToolMetadata, error) {
	var tools []ToolMetadata
	if err := c.get(ctx, "/api/agents/tools", nil, &tools); err != nil {
		return nil, err
	}
	return tools, nil
}

// GetActiveRunStatus reports whether a generation is in progress for the
// conversation.
func (c *Client) GetActiveRunStatus(ctx context.Context, conversationID string) (*ActiveJobStatus, error) {
	var status ActiveJobStatus
	if err := c.get(ctx, "/api/agents/chat/status/"+url.PathEscape(conversationID), nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// ListCategories returns the marketplace categories.
func (c *Client) ListCategories(ctx context.Context) ([]Category, error) {
	var categories []Category
	if err := c.get(ctx, "/api/agents/categories", nil, &categories); err != nil {
		return nil, err
	}
	return categories, nil
}

// ListMarketplaceAgents returns one page of marketplace agents. Pass the
// previous page's NextCursor in params.Cursor to continue.
func (c *Client) ListMarketplaceAgents(ctx context.Context, params AgentListParams) (*AgentListResponse, error) {
	var resp AgentListResponse
	if err := c.get(ctx, "/api/agents/marketplace", listQuery(params), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetEndpointsConfig returns the endpoint capability flags of the server.
func (c *Client) GetEndpointsConfig(ctx context.Context) (EndpointsConfig, error) {
	var cfg EndpointsConfig
	if err := c.get(ctx, "/api/endpoints", nil, &cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Encode returns the query string for p with keys in sorted order.
func (p AgentListParams) Encode() string {
	return listQuery(p).Encode()
}

func listQuery(p AgentListParams) url.Values {
	q := url.Values{}
	if p.RequiredPermission > 0 {
		q.Set("requiredPermission", strconv.Itoa(p.RequiredPermission))
	}
	if p.Category != "" {
		q.Set("category", p.Category)
	}
	if p.Search != "" {
		q.Set("search", p.Search)
	}
	if p.Limit > 0 {
		q.Set("limit", strconv.Itoa(p.Limit))
	}
	if p.Cursor != "" {
		q.Set("cursor", p.Cursor)
	}
	if p.Promoted != nil {
		q.Set("promoted", strconv.FormatBool(*p.Promoted))
	}
	return q
}

func (c *Client) get(ctx context.Context, path string, query url.Values, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", uuid.New().String())
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("GET %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4*maxErrorBody))
		msg := security.ScrubOutput(strings.TrimSpace(string(body)))
		if len(msg) > maxErrorBody {
			msg = msg[:maxErrorBody]
		}
		return &APIError{Method: http.MethodGet, Path: path, Status: resp.StatusCode, Body: msg}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s response: %w", path, err)
	}
	return nil
}
