package daemon

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/colebrumley/agentq/internal/agents"
	"github.com/colebrumley/agentq/internal/api"
	"github.com/colebrumley/agentq/internal/conversation"
	"github.com/colebrumley/agentq/internal/query"
	"github.com/colebrumley/agentq/internal/template"
	"github.com/tidwall/gjson"
)

var (
	agentsEndpointsKey = agents.EndpointsKey
	agentsKey          = query.Key{"agents"}
)

// maxBodyBytes caps POST bodies.
const maxBodyBytes = 1 << 20

func (d *Daemon) routes() http.Handler {
	d.mu.RLock()
	rpm := d.config.Server.RateLimitPerMinute
	d.mu.RUnlock()

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", rateLimitHandler(60, d.handleHealth))

	mux.HandleFunc("GET /api/agents", rateLimitHandler(rpm, d.handleListAgents))
	mux.HandleFunc("GET /api/agents/{id}", rateLimitHandler(rpm, d.handleGetAgent))
	mux.HandleFunc("GET /api/tools", rateLimitHandler(rpm, d.handleTools))
	mux.HandleFunc("GET /api/status/{conversationId}", rateLimitHandler(rpm, d.handleStatus))
	mux.HandleFunc("GET /api/categories", rateLimitHandler(rpm, d.handleCategories))
	mux.HandleFunc("GET /api/marketplace", rateLimitHandler(rpm, d.handleMarketplace))
	mux.HandleFunc("GET /api/catalog/search", rateLimitHandler(rpm, d.handleCatalogSearch))

	mux.HandleFunc("POST /api/template/expand", rateLimitHandler(rpm, d.handleExpandTemplate))
	mux.HandleFunc("POST /api/conversations/parse", rateLimitHandler(rpm, d.handleParseConversation))
	return mux
}

func (d *Daemon) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"status":         "ok",
		"uptime":         time.Since(d.startTime).Truncate(time.Second).String(),
		"agents_enabled": d.app.Agents.Enabled(),
		"cached_queries": len(d.app.Queries.Keys()),
		"watched":        d.watchedCount(),
	}
	if d.app.Catalog != nil {
		if n, err := d.app.Catalog.Count(); err == nil {
			resp["catalog_agents"] = n
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (d *Daemon) handleListAgents(w http.ResponseWriter, r *http.Request) {
	params, err := listParams(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	resp, err := d.app.Agents.ListAgents(params).Get(r.Context())
	if err != nil {
		d.writeQueryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (d *Daemon) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if expanded, _ := strconv.ParseBool(r.URL.Query().Get("expanded")); expanded {
		agent, err := d.app.Agents.ExpandedAgent(id).Get(r.Context())
		if err != nil {
			d.writeQueryError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, agent)
		return
	}

	agent, err := d.app.Agents.Agent(id).Get(r.Context())
	if err != nil {
		d.writeQueryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

func (d *Daemon) handleTools(w http.ResponseWriter, r *http.Request) {
	tools, err := d.app.Agents.AvailableTools().Get(r.Context())
	if err != nil {
		d.writeQueryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tools)
}

// handleStatus serves the polled status of watched conversations and
// fetches the others on demand.
func (d *Daemon) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("conversationId")
	q := d.app.Agents.ActiveRunStatus(id)

	if d.touchWatch(id) {
		if st := q.State(); st.HasData {
			writeJSON(w, http.StatusOK, statusResponse(id, st, true))
			return
		}
	}
	if _, err := q.Get(r.Context()); err != nil {
		d.writeQueryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse(id, q.State(), false))
}

type runStatus struct {
	ConversationID string    `json:"conversation_id"`
	Active         bool      `json:"active"`
	UpdatedAt      time.Time `json:"updated_at"`
	Watched        bool      `json:"watched"`
	Error          string    `json:"error,omitempty"`
}

func statusResponse(id string, st query.State[api.ActiveJobStatus], watched bool) runStatus {
	rs := runStatus{ConversationID: id, Active: st.Data.Active, UpdatedAt: st.UpdatedAt, Watched: watched}
	if st.Err != nil {
		rs.Error = st.Err.Error()
	}
	return rs
}

func (d *Daemon) handleCategories(w http.ResponseWriter, r *http.Request) {
	cats, err := d.app.Agents.Categories().Get(r.Context())
	if err != nil {
		d.writeQueryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cats)
}

// handleMarketplace returns the page after cursor, or the first page. The
// response carries the cursor of the following page.
func (d *Daemon) handleMarketplace(w http.ResponseWriter, r *http.Request) {
	params, err := listParams(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	mq := d.app.Agents.MarketplaceAgents(params)

	page, err := agents.MarketplacePage(r.Context(), mq, params.Cursor)
	if errors.Is(err, agents.ErrUnknownCursor) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		d.writeQueryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"data":        page.Data,
		"next_cursor": page.NextCursor(),
		"has_more":    page.NextCursor() != "",
	})
}

func (d *Daemon) handleCatalogSearch(w http.ResponseWriter, r *http.Request) {
	if d.app.Catalog == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("catalog is disabled"))
		return
	}
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	if limit > 100 {
		limit = 100
	}
	entries, err := d.app.Catalog.Search(q.Get("q"), q.Get("category"), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	out := make([]api.Agent, len(entries))
	for i, e := range entries {
		out[i] = e.Agent
	}
	writeJSON(w, http.StatusOK, out)
}

type expandRequest struct {
	Text  string          `json:"text"`
	User  *template.User  `json:"user,omitempty"`
	Files []template.File `json:"files,omitempty"`
}

func (d *Daemon) handleExpandTemplate(w http.ResponseWriter, r *http.Request) {
	var req expandRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decoding request: %w", err))
		return
	}
	text := template.ReplaceSpecialVars(req.Text, template.Vars{User: req.User, Files: req.Files, Now: time.Now()})
	writeJSON(w, http.StatusOK, map[string]string{"text": text})
}

// handleParseConversation accepts {"endpoint": ..., "conversation": {...}}
// and returns the sanitized conversation.
func (d *Daemon) handleParseConversation(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if !gjson.ValidBytes(body) {
		writeError(w, http.StatusBadRequest, errors.New("request body is not valid JSON"))
		return
	}
	endpoint := gjson.GetBytes(body, "endpoint").String()
	raw := gjson.GetBytes(body, "conversation").Raw

	conv := conversation.Parse(conversation.Endpoint(endpoint), []byte(raw))
	if conv == nil {
		writeError(w, http.StatusBadRequest, errors.New("conversation must be a JSON object"))
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

// writeQueryError maps query errors to HTTP status codes.
func (d *Daemon) writeQueryError(w http.ResponseWriter, err error) {
	var apiErr *api.APIError
	switch {
	case errors.Is(err, query.ErrDisabled):
		writeError(w, http.StatusServiceUnavailable, errors.New("agents endpoint is not enabled"))
	case errors.As(err, &apiErr) && apiErr.NotFound():
		writeError(w, http.StatusNotFound, err)
	default:
		d.logger.Warn("upstream request failed", "error", err)
		writeError(w, http.StatusBadGateway, err)
	}
}

func listParams(r *http.Request) (api.AgentListParams, error) {
	q := r.URL.Query()
	p := api.AgentListParams{
		Category: q.Get("category"),
		Search:   q.Get("search"),
		Cursor:   q.Get("cursor"),
	}
	var err error
	if v := q.Get("limit"); v != "" {
		if p.Limit, err = strconv.Atoi(v); err != nil || p.Limit < 0 {
			return p, fmt.Errorf("invalid limit %q", v)
		}
	}
	if v := q.Get("requiredPermission"); v != "" {
		if p.RequiredPermission, err = strconv.Atoi(v); err != nil {
			return p, fmt.Errorf("invalid requiredPermission %q", v)
		}
	}
	if v := q.Get("promoted"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return p, fmt.Errorf("invalid promoted %q", v)
		}
		p.Promoted = &b
	}
	return p, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// rateLimitHandler wraps an HTTP handler with a simple token-bucket rate limiter.
func rateLimitHandler(requestsPerMinute int, handler http.HandlerFunc) http.HandlerFunc {
	var mu sync.Mutex
	tokens := requestsPerMinute
	lastRefill := time.Now()

	return func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		now := time.Now()
		elapsed := now.Sub(lastRefill)
		refill := int(elapsed.Minutes() * float64(requestsPerMinute))
		if refill > 0 {
			tokens += refill
			if tokens > requestsPerMinute {
				tokens = requestsPerMinute
			}
			lastRefill = now
		}

		if tokens <= 0 {
			mu.Unlock()
			w.Header().Set("Retry-After", "60")
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		tokens--
		mu.Unlock()

		handler(w, r)
	}
}
