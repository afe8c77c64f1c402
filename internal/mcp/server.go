// internal/mcp/server.go
package mcp

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/colebrumley/agentq/internal/agents"
	"github.com/colebrumley/agentq/internal/api"
	"github.com/colebrumley/agentq/internal/app"
	"github.com/colebrumley/agentq/internal/conversation"
	"github.com/colebrumley/agentq/internal/query"
	"github.com/colebrumley/agentq/internal/template"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Server exposes the agent queries as MCP tools.
type Server struct {
	app    *app.App
	server *mcp.Server
}

// ListAgentsInput is the input schema for list_agents and marketplace_agents
type ListAgentsInput struct {
	Category string `json:"category,omitempty" jsonschema:"Only agents in this category"`
	Search   string `json:"search,omitempty" jsonschema:"Free-text filter on name and description"`
	Limit    int    `json:"limit,omitempty" jsonschema:"Maximum number of agents per page"`
	Cursor   string `json:"cursor,omitempty" jsonschema:"Cursor from a previous next_cursor"`
	Promoted *bool  `json:"promoted,omitempty" jsonschema:"Only promoted (true) or unpromoted (false) agents"`
}

func (in ListAgentsInput) params() api.AgentListParams {
	return api.AgentListParams{
		Category: in.Category,
		Search:   in.Search,
		Limit:    in.Limit,
		Cursor:   in.Cursor,
		Promoted: in.Promoted,
	}
}

// AgentsOutput is a page of agents
type AgentsOutput struct {
	Agents     []api.Agent `json:"agents"`
	Count      int         `json:"count"`
	NextCursor string      `json:"next_cursor,omitempty"`
}

// GetAgentInput is the input schema for get_agent
type GetAgentInput struct {
	ID       string `json:"id" jsonschema:"Agent ID"`
	Expanded bool   `json:"expanded,omitempty" jsonschema:"Include tool resources and actions (requires edit access)"`
}

// GetAgentOutput is the output schema for get_agent
type GetAgentOutput struct {
	Agent         api.Agent      `json:"agent"`
	ToolResources map[string]any `json:"tool_resources,omitempty"`
	Actions       []string       `json:"actions,omitempty"`
}

// ToolsOutput is the output schema for list_tools
type ToolsOutput struct {
	Tools []api.ToolMetadata `json:"tools"`
}

// RunStatusInput is the input schema for run_status
type RunStatusInput struct {
	ConversationID string `json:"conversation_id" jsonschema:"Conversation to check"`
}

// RunStatusOutput is the output schema for run_status
type RunStatusOutput struct {
	ConversationID string    `json:"conversation_id"`
	Active         bool      `json:"active"`
	CheckedAt      time.Time `json:"checked_at"`
}

// CategoriesOutput is the output schema for list_categories
type CategoriesOutput struct {
	Categories []api.Category `json:"categories"`
}

// SearchCatalogInput is the input schema for search_catalog
type SearchCatalogInput struct {
	Query    string `json:"query,omitempty" jsonschema:"Search terms; empty lists every indexed agent"`
	Category string `json:"category,omitempty" jsonschema:"Optional category filter"`
	Limit    int    `json:"limit,omitempty" jsonschema:"Maximum number of results (default 20)"`
}

// ExpandTemplateInput is the input schema for expand_template
type ExpandTemplateInput struct {
	Text     string          `json:"text" jsonschema:"Prompt text containing {{variables}}"`
	UserName string          `json:"user_name,omitempty" jsonschema:"Value for {{current_user}}"`
	Files    []template.File `json:"files,omitempty" jsonschema:"Attachments listed by {{attached_files}}"`
}

// ExpandTemplateOutput is the output schema for expand_template
type ExpandTemplateOutput struct {
	Text string `json:"text"`
}

// ParseConversationInput is the input schema for parse_conversation
type ParseConversationInput struct {
	Endpoint     string         `json:"endpoint,omitempty" jsonschema:"Endpoint used when the conversation names none"`
	Conversation map[string]any `json:"conversation" jsonschema:"Raw conversation settings"`
}

// ParseConversationOutput is the output schema for parse_conversation
type ParseConversationOutput struct {
	Conversation *conversation.Conversation `json:"conversation"`
}

// NewServer creates an MCP server backed by a.
func NewServer(a *app.App) *Server {
	s := &Server{app: a}

	server := mcp.NewServer(&mcp.Implementation{
		Name:    "agentq",
		Version: "1.0.0",
	}, nil)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "list_agents",
		Description: "List agents the configured user can see. Supports category, search and promoted filters and cursor paging.",
	}, s.handleListAgents)
	mcp.AddTool(server, &mcp.Tool{
		Name:        "get_agent",
		Description: "Fetch one agent by ID. Set expanded to include tool resources and actions.",
	}, s.handleGetAgent)
	mcp.AddTool(server, &mcp.Tool{
		Name:        "list_tools",
		Description: "List the tools that can be attached to agents.",
	}, s.handleListTools)
	mcp.AddTool(server, &mcp.Tool{
		Name:        "run_status",
		Description: "Report whether a generation is currently running in a conversation.",
	}, s.handleRunStatus)
	mcp.AddTool(server, &mcp.Tool{
		Name:        "list_categories",
		Description: "List agent categories.",
	}, s.handleListCategories)
	mcp.AddTool(server, &mcp.Tool{
		Name:        "marketplace_agents",
		Description: "Page through the agent marketplace. Pass next_cursor from the previous call to continue.",
	}, s.handleMarketplace)
	mcp.AddTool(server, &mcp.Tool{
		Name:        "search_catalog",
		Description: "Full-text search over every agent seen so far, without calling the API.",
	}, s.handleSearchCatalog)
	mcp.AddTool(server, &mcp.Tool{
		Name:        "expand_template",
		Description: "Replace {{current_date}}, {{current_datetime}}, {{iso_datetime}}, {{current_user}} and {{attached_files}} in prompt text.",
	}, s.handleExpandTemplate)
	mcp.AddTool(server, &mcp.Tool{
		Name:        "parse_conversation",
		Description: "Normalize untrusted conversation settings, dropping unknown fields and the icon URL.",
	}, s.handleParseConversation)

	s.server = server
	return s
}

func (s *Server) handleListAgents(ctx context.Context, req *mcp.CallToolRequest, input ListAgentsInput) (*mcp.CallToolResult, AgentsOutput, error) {
	resp, err := s.app.Agents.ListAgents(input.params()).Get(ctx)
	if err != nil {
		return nil, AgentsOutput{}, toolError("failed to list agents", err)
	}
	return nil, agentsOutput(resp), nil
}

func (s *Server) handleGetAgent(ctx context.Context, req *mcp.CallToolRequest, input GetAgentInput) (*mcp.CallToolResult, GetAgentOutput, error) {
	if input.ID == "" {
		return nil, GetAgentOutput{}, errors.New("id is required")
	}
	if input.Expanded {
		ea, err := s.app.Agents.ExpandedAgent(input.ID).Get(ctx)
		if err != nil {
			return nil, GetAgentOutput{}, toolError("failed to get agent", err)
		}
		return nil, GetAgentOutput{Agent: ea.Agent, ToolResources: ea.ToolResources, Actions: ea.Actions}, nil
	}

	agent, err := s.app.Agents.Agent(input.ID).Get(ctx)
	if err != nil {
		return nil, GetAgentOutput{}, toolError("failed to get agent", err)
	}
	return nil, GetAgentOutput{Agent: agent}, nil
}

func (s *Server) handleListTools(ctx context.Context, req *mcp.CallToolRequest, _ struct{}) (*mcp.CallToolResult, ToolsOutput, error) {
	tools, err := s.app.Agents.AvailableTools().Get(ctx)
	if err != nil {
		return nil, ToolsOutput{}, toolError("failed to list tools", err)
	}
	return nil, ToolsOutput{Tools: tools}, nil
}

func (s *Server) handleRunStatus(ctx context.Context, req *mcp.CallToolRequest, input RunStatusInput) (*mcp.CallToolResult, RunStatusOutput, error) {
	if input.ConversationID == "" {
		return nil, RunStatusOutput{}, errors.New("conversation_id is required")
	}
	q := s.app.Agents.ActiveRunStatus(input.ConversationID)
	st, err := q.Get(ctx)
	if err != nil {
		return nil, RunStatusOutput{}, toolError("failed to get run status", err)
	}
	return nil, RunStatusOutput{
		ConversationID: input.ConversationID,
		Active:         st.Active,
		CheckedAt:      q.State().UpdatedAt,
	}, nil
}

func (s *Server) handleListCategories(ctx context.Context, req *mcp.CallToolRequest, _ struct{}) (*mcp.CallToolResult, CategoriesOutput, error) {
	cats, err := s.app.Agents.Categories().Get(ctx)
	if err != nil {
		return nil, CategoriesOutput{}, toolError("failed to list categories", err)
	}
	return nil, CategoriesOutput{Categories: cats}, nil
}

func (s *Server) handleMarketplace(ctx context.Context, req *mcp.CallToolRequest, input ListAgentsInput) (*mcp.CallToolResult, AgentsOutput, error) {
	mq := s.app.Agents.MarketplaceAgents(input.params())
	page, err := agents.MarketplacePage(ctx, mq, input.Cursor)
	if errors.Is(err, agents.ErrUnknownCursor) {
		return nil, AgentsOutput{}, err
	}
	if err != nil {
		return nil, AgentsOutput{}, toolError("failed to list marketplace agents", err)
	}
	return nil, agentsOutput(page), nil
}

func (s *Server) handleSearchCatalog(ctx context.Context, req *mcp.CallToolRequest, input SearchCatalogInput) (*mcp.CallToolResult, AgentsOutput, error) {
	if s.app.Catalog == nil {
		return nil, AgentsOutput{}, errors.New("catalog is disabled; set catalog.enabled in the config")
	}
	entries, err := s.app.Catalog.Search(input.Query, input.Category, input.Limit)
	if err != nil {
		return nil, AgentsOutput{}, fmt.Errorf("failed to search catalog: %w", err)
	}
	out := AgentsOutput{Agents: make([]api.Agent, len(entries)), Count: len(entries)}
	for i, e := range entries {
		out.Agents[i] = e.Agent
	}
	return nil, out, nil
}

func (s *Server) handleExpandTemplate(ctx context.Context, req *mcp.CallToolRequest, input ExpandTemplateInput) (*mcp.CallToolResult, ExpandTemplateOutput, error) {
	vars := template.Vars{Files: input.Files}
	if input.UserName != "" {
		vars.User = &template.User{Name: input.UserName}
	}
	return nil, ExpandTemplateOutput{Text: template.ReplaceSpecialVars(input.Text, vars)}, nil
}

func (s *Server) handleParseConversation(ctx context.Context, req *mcp.CallToolRequest, input ParseConversationInput) (*mcp.CallToolResult, ParseConversationOutput, error) {
	conv := conversation.ParseMap(conversation.Endpoint(input.Endpoint), input.Conversation)
	if conv == nil {
		return nil, ParseConversationOutput{}, errors.New("conversation must be an object")
	}
	return nil, ParseConversationOutput{Conversation: conv}, nil
}

func agentsOutput(resp api.AgentListResponse) AgentsOutput {
	return AgentsOutput{Agents: resp.Data, Count: len(resp.Data), NextCursor: resp.NextCursor()}
}

func toolError(msg string, err error) error {
	if errors.Is(err, query.ErrDisabled) {
		return fmt.Errorf("%s: the agents endpoint is not enabled on the server", msg)
	}
	return fmt.Errorf("%s: %w", msg, err)
}

// Run starts the MCP server on stdio
func (s *Server) Run(ctx context.Context) error {
	return s.server.Run(ctx, &mcp.StdioTransport{})
}

// RunHTTP serves the MCP streamable HTTP transport on addr until ctx is
// cancelled.
func (s *Server) RunHTTP(ctx context.Context, addr string) error {
	handler := mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server { return s.server }, nil)
	srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
