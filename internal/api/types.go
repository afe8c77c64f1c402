package api

import "time"

// Agent is an agent as returned by the agents API.
type Agent struct {
	ID                   string         `json:"id"`
	Name                 string         `json:"name"`
	Description          string         `json:"description,omitempty"`
	Instructions         string         `json:"instructions,omitempty"`
	Provider             string         `json:"provider,omitempty"`
	Model                string         `json:"model,omitempty"`
	Category             string         `json:"category,omitempty"`
	Author               string         `json:"author,omitempty"`
	AuthorName           string         `json:"authorName,omitempty"`
	Avatar               *AgentAvatar   `json:"avatar,omitempty"`
	Tools                []string       `json:"tools,omitempty"`
	IsPromoted           bool           `json:"is_promoted,omitempty"`
	IsPublic             bool           `json:"isPublic,omitempty"`
	ConversationStarters []string       `json:"conversation_starters,omitempty"`
	ModelParameters      map[string]any `json:"model_parameters,omitempty"`
	CreatedAt            *time.Time     `json:"createdAt,omitempty"`
	UpdatedAt            *time.Time     `json:"updatedAt,omitempty"`
}

// AgentAvatar points at an uploaded avatar image.
type AgentAvatar struct {
	Filepath string `json:"filepath"`
	Source   string `json:"source"`
}

// ExpandedAgent is an agent together with the details only its editors may
// see.
type ExpandedAgent struct {
	Agent
	ToolResources map[string]any `json:"tool_resources,omitempty"`
	Actions       []string       `json:"actions,omitempty"`
	Versions      []any          `json:"versions,omitempty"`
}

// Permission levels accepted by requiredPermission.
const (
	PermissionView  = 1
	PermissionEdit  = 2
	PermissionShare = 4
)

// AgentListParams filters ListAgents and ListMarketplaceAgents.
type AgentListParams struct {
	RequiredPermission int    `json:"requiredPermission,omitempty"`
	Category           string `json:"category,omitempty"`
	Search             string `json:"search,omitempty"`
	Limit              int    `json:"limit,omitempty"`
	Cursor             string `json:"cursor,omitempty"`
	Promoted           *bool  `json:"promoted,omitempty"`
}

// AgentListResponse is one page of agents. After is the cursor of the next
// page and is empty on the last one.
type AgentListResponse struct {
	Object  string  `json:"object"`
	Data    []Agent `json:"data"`
	FirstID string  `json:"first_id"`
	LastID  string  `json:"last_id"`
	HasMore bool    `json:"has_more"`
	After   string  `json:"after,omitempty"`
}

// NextCursor returns the cursor of the following page, or "" when this is
// the last page.
func (r AgentListResponse) NextCursor() string {
	if !r.HasMore {
		return ""
	}
	return r.After
}

// ToolMetadata describes a tool that agents can be given.
type ToolMetadata struct {
	Name          string           `json:"name"`
	PluginKey     string           `json:"pluginKey"`
	Description   string           `json:"description,omitempty"`
	Icon          string           `json:"icon,omitempty"`
	AuthConfig    []ToolAuthConfig `json:"authConfig,omitempty"`
	Authenticated bool             `json:"authenticated,omitempty"`
}

// ToolAuthConfig names a credential a tool needs.
type ToolAuthConfig struct {
	AuthField   string `json:"authField"`
	Label       string `json:"label"`
	Description string `json:"description,omitempty"`
}

// ActiveJobStatus reports whether a generation is running for a
// conversation.
type ActiveJobStatus struct {
	Active bool `json:"active"`
}

// Category is a marketplace category.
type Category struct {
	Value       string `json:"value"`
	Label       string `json:"label"`
	Description string `json:"description,omitempty"`
	Count       int    `json:"count,omitempty"`
}

// EndpointConfig holds the capability flags of one endpoint.
type EndpointConfig struct {
	Type         string   `json:"type,omitempty"`
	Disabled     bool     `json:"disabled,omitempty"`
	UserProvide  bool     `json:"userProvide,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
	Order        int      `json:"order,omitempty"`
}

// EndpointsConfig maps endpoint names to their config. A missing or nil
// entry means the endpoint is not available.
type EndpointsConfig map[string]*EndpointConfig

// Available reports whether endpoint is configured and not disabled.
func (c EndpointsConfig) Available(endpoint string) bool {
	cfg, ok := c[endpoint]
	return ok && cfg != nil && !cfg.Disabled
}
