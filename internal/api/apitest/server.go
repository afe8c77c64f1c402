// Package apitest provides an in-memory agents API for tests.
package apitest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/colebrumley/agentq/internal/api"
)

// Server is a fake agents API backed by httptest.
type Server struct {
	*httptest.Server

	mu        sync.Mutex
	agents    []api.Agent
	pages     [][]api.Agent
	tools     []api.ToolMetadata
	cats      []api.Category
	endpoints api.EndpointsConfig
	active    map[string]bool
	hits      map[string]int
}

// NewServer starts a fake API with one agent, two marketplace pages and
// the agents endpoint enabled. It is closed when the test ends.
func NewServer(t testing.TB) *Server {
	t.Helper()
	s := &Server{
		agents: []api.Agent{{ID: "agent_1", Name: "Tax Helper", Category: "finance", Description: "Answers tax questions"}},
		pages: [][]api.Agent{
			{{ID: "m1", Name: "Budget Planner", Category: "finance"}},
			{{ID: "m2", Name: "Code Reviewer", Category: "it"}},
		},
		tools:     []api.ToolMetadata{{Name: "Calculator", PluginKey: "calculator"}},
		cats:      []api.Category{{Value: "finance", Label: "Finance"}, {Value: "it", Label: "IT"}},
		endpoints: api.EndpointsConfig{"agents": {}},
		active:    map[string]bool{},
		hits:      map[string]int{},
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serve))
	t.Cleanup(s.Close)
	return s
}

// SetActive sets the run status of a conversation.
func (s *Server) SetActive(conversationID string, active bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active[conversationID] = active
}

// SetEndpoints replaces the endpoints config.
func (s *Server) SetEndpoints(cfg api.EndpointsConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.endpoints = cfg
}

// Hits returns how many requests reached path.
func (s *Server) Hits(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits[path]
}

func (s *Server) serve(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hits[r.URL.Path]++

	path := r.URL.Path
	switch {
	case path == "/api/endpoints":
		writeJSON(w, s.endpoints)
	case path == "/api/agents":
		writeJSON(w, api.AgentListResponse{Object: "list", Data: s.agents})
	case path == "/api/agents/tools":
		writeJSON(w, s.tools)
	case path == "/api/agents/categories":
		writeJSON(w, s.cats)
	case path == "/api/agents/marketplace":
		page := 0
		if r.URL.Query().Get("cursor") == "page2" {
			page = 1
		}
		resp := api.AgentListResponse{Object: "list", Data: s.pages[page]}
		if page == 0 {
			resp.HasMore = true
			resp.After = "page2"
		}
		writeJSON(w, resp)
	case strings.HasPrefix(path, "/api/agents/chat/status/"):
		id := strings.TrimPrefix(path, "/api/agents/chat/status/")
		writeJSON(w, api.ActiveJobStatus{Active: s.active[id]})
	case strings.HasPrefix(path, "/api/agents/"):
		rest := strings.TrimPrefix(path, "/api/agents/")
		id, expanded := strings.CutSuffix(rest, "/expanded")
		for _, a := range s.agents {
			if a.ID != id {
				continue
			}
			if expanded {
				writeJSON(w, api.ExpandedAgent{Agent: a, Actions: []string{"action_1"}})
			} else {
				writeJSON(w, a)
			}
			return
		}
		http.Error(w, `{"message":"Agent not found"}`, http.StatusNotFound)
	default:
		http.NotFound(w, r)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
