// internal/daemon/daemon_test.go
package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/colebrumley/agentq/internal/api/apitest"
	"github.com/colebrumley/agentq/internal/app"
	"github.com/colebrumley/agentq/internal/config"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(t *testing.T, baseURL string) *config.Global {
	t.Helper()
	cfg := config.Default()
	cfg.API.BaseURL = baseURL
	cfg.Cache.Path = filepath.Join(t.TempDir(), "cache.db")
	cfg.Catalog.Enabled = true
	cfg.Catalog.Path = filepath.Join(t.TempDir(), "catalog.db")
	return cfg
}

// newTestDaemon wires a daemon to a fake API without starting servers.
func newTestDaemon(t *testing.T, srv *apitest.Server, mutate func(*config.Global)) *Daemon {
	t.Helper()
	cfg := testConfig(t, srv.URL)
	if mutate != nil {
		mutate(cfg)
	}
	a, err := app.Open(cfg, quietLogger())
	if err != nil {
		t.Fatalf("app.Open() error = %v", err)
	}
	t.Cleanup(func() { a.Close() })
	a.Start(context.Background())

	return &Daemon{config: cfg, logger: quietLogger(), app: a, startTime: time.Now()}
}

func do(t *testing.T, h http.Handler, method, target, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, target, r))

	var out map[string]any
	if strings.HasPrefix(strings.TrimSpace(rec.Body.String()), "{") {
		json.Unmarshal(rec.Body.Bytes(), &out)
	}
	return rec, out
}

func TestHealth(t *testing.T) {
	d := newTestDaemon(t, apitest.NewServer(t), nil)

	rec, out := do(t, d.routes(), http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if out["status"] != "ok" || out["agents_enabled"] != true {
		t.Errorf("unexpected health %v", out)
	}
	if _, ok := out["catalog_agents"]; !ok {
		t.Error("missing catalog_agents")
	}

	rec, _ = do(t, d.routes(), http.MethodPost, "/health", "")
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("POST /health status = %d, want 405", rec.Code)
	}
}

func TestAgentEndpoints(t *testing.T) {
	srv := apitest.NewServer(t)
	d := newTestDaemon(t, srv, nil)
	h := d.routes()

	tests := []struct {
		name     string
		target   string
		wantCode int
		wantBody string
	}{
		{"list", "/api/agents?category=finance", http.StatusOK, `"agent_1"`},
		{"detail", "/api/agents/agent_1", http.StatusOK, `"Tax Helper"`},
		{"expanded", "/api/agents/agent_1?expanded=1", http.StatusOK, `"action_1"`},
		{"missing agent", "/api/agents/nope", http.StatusNotFound, `Agent not found`},
		{"tools", "/api/tools", http.StatusOK, `"calculator"`},
		{"categories", "/api/categories", http.StatusOK, `"finance"`},
		{"bad limit", "/api/agents?limit=x", http.StatusBadRequest, `invalid limit`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, _ := do(t, h, http.MethodGet, tt.target, "")
			if rec.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d (body %s)", rec.Code, tt.wantCode, rec.Body)
			}
			if !strings.Contains(rec.Body.String(), tt.wantBody) {
				t.Errorf("body %s does not contain %s", rec.Body, tt.wantBody)
			}
		})
	}

	// Agent lists are fetched on every request by default.
	do(t, h, http.MethodGet, "/api/agents?category=finance", "")
	if got := srv.Hits("/api/agents"); got != 2 {
		t.Errorf("/api/agents hit %d times, want 2", got)
	}
	// Categories are cached.
	do(t, h, http.MethodGet, "/api/categories", "")
	if got := srv.Hits("/api/agents/categories"); got != 1 {
		t.Errorf("/api/agents/categories hit %d times, want 1", got)
	}
}

func TestAgentEndpoints_Disabled(t *testing.T) {
	srv := apitest.NewServer(t)
	srv.SetEndpoints(nil)
	d := newTestDaemon(t, srv, nil)

	rec, out := do(t, d.routes(), http.MethodGet, "/api/agents", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	if !strings.Contains(fmt.Sprint(out["error"]), "not enabled") {
		t.Errorf("error = %v", out["error"])
	}
	if srv.Hits("/api/agents") != 0 {
		t.Error("disabled query reached the API")
	}
}

func TestStatus_Unwatched(t *testing.T) {
	srv := apitest.NewServer(t)
	srv.SetActive("conv-1", true)
	d := newTestDaemon(t, srv, nil)

	rec, out := do(t, d.routes(), http.MethodGet, "/api/status/conv-1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if out["active"] != true || out["watched"] != false || out["conversation_id"] != "conv-1" {
		t.Errorf("unexpected status %v", out)
	}
}

func TestMarketplace(t *testing.T) {
	d := newTestDaemon(t, apitest.NewServer(t), nil)
	h := d.routes()

	rec, out := do(t, h, http.MethodGet, "/api/marketplace", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d (%s)", rec.Code, rec.Body)
	}
	if out["next_cursor"] != "page2" || out["has_more"] != true {
		t.Errorf("first page = %v", out)
	}

	rec, out = do(t, h, http.MethodGet, "/api/marketplace?cursor=page2", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d (%s)", rec.Code, rec.Body)
	}
	if out["has_more"] != false || !strings.Contains(rec.Body.String(), `"m2"`) {
		t.Errorf("second page = %s", rec.Body)
	}

	rec, _ = do(t, h, http.MethodGet, "/api/marketplace?cursor=bogus", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown cursor status = %d, want 404", rec.Code)
	}

	// Both pages were indexed on the way.
	rec, _ = do(t, h, http.MethodGet, "/api/catalog/search?q=code", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"m2"`) {
		t.Errorf("catalog search = %d %s", rec.Code, rec.Body)
	}
}

func TestCatalog_DropsAgentsTheAPIForgot(t *testing.T) {
	d := newTestDaemon(t, apitest.NewServer(t), nil)
	h := d.routes()

	do(t, h, http.MethodGet, "/api/marketplace", "")
	rec, _ := do(t, h, http.MethodGet, "/api/catalog/search?q=budget", "")
	if !strings.Contains(rec.Body.String(), `"m1"`) {
		t.Fatalf("m1 not indexed: %s", rec.Body)
	}

	// The fake API only serves agent_1 by id.
	rec, _ = do(t, h, http.MethodGet, "/api/agents/m1", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}

	rec, _ = do(t, h, http.MethodGet, "/api/catalog/search?q=budget", "")
	if strings.Contains(rec.Body.String(), `"m1"`) {
		t.Errorf("m1 still in catalog after 404: %s", rec.Body)
	}
}

func TestCatalogSearch_Disabled(t *testing.T) {
	d := newTestDaemon(t, apitest.NewServer(t), func(c *config.Global) { c.Catalog.Enabled = false })

	rec, _ := do(t, d.routes(), http.MethodGet, "/api/catalog/search?q=x", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
}

func TestExpandTemplate(t *testing.T) {
	d := newTestDaemon(t, apitest.NewServer(t), nil)
	h := d.routes()

	rec, out := do(t, h, http.MethodPost, "/api/template/expand",
		`{"text":"Hi {{current_user}}, files: {{attached_files}}","user":{"name":"Ada"},"files":[{"filename":"a.txt","filepath":"/f/a.txt","type":"text/plain","source":"local"}]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d (%s)", rec.Code, rec.Body)
	}
	want := `Hi Ada, files: [{"filename":"a.txt","filepath":"/f/a.txt","type":"text/plain","source":"local"}]`
	if out["text"] != want {
		t.Errorf("text = %q, want %q", out["text"], want)
	}

	rec, _ = do(t, h, http.MethodPost, "/api/template/expand", `not json`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("invalid body status = %d, want 400", rec.Code)
	}
}

func TestParseConversation(t *testing.T) {
	d := newTestDaemon(t, apitest.NewServer(t), nil)
	h := d.routes()

	rec, out := do(t, h, http.MethodPost, "/api/conversations/parse",
		`{"endpoint":"agents","conversation":{"agent_id":"agent_1","iconURL":"https://tracker.example/p.gif","temperature":0.3}}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d (%s)", rec.Code, rec.Body)
	}
	if _, ok := out["iconURL"]; ok {
		t.Error("iconURL survived parsing")
	}
	if out["agent_id"] != "agent_1" || out["endpoint"] != "agents" || out["temperature"] != 0.3 {
		t.Errorf("unexpected conversation %v", out)
	}

	for _, body := range []string{`{"endpoint":"agents"}`, `{"conversation":[1]}`, `nope`} {
		rec, _ := do(t, h, http.MethodPost, "/api/conversations/parse", body)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("body %s: status = %d, want 400", body, rec.Code)
		}
	}
}

func TestRateLimitHandler(t *testing.T) {
	h := rateLimitHandler(2, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	codes := make([]int, 3)
	for i := range codes {
		rec := httptest.NewRecorder()
		h(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		codes[i] = rec.Code
	}
	if codes[0] != http.StatusOK || codes[1] != http.StatusOK || codes[2] != http.StatusTooManyRequests {
		t.Errorf("codes = %v, want [200 200 429]", codes)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestWatches(t *testing.T) {
	srv := apitest.NewServer(t)
	srv.SetActive("conv-1", true)
	d := newTestDaemon(t, srv, func(c *config.Global) {
		c.Watch.Conversations = []string{"conv-1", "conv-1", ""}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.startWatches(ctx, d.config.Watch)
	defer d.stopWatches()

	if got := d.watchedCount(); got != 1 {
		t.Errorf("watchedCount() = %d, want 1", got)
	}
	waitFor(t, "first status poll", func() bool {
		return d.app.Agents.ActiveRunStatus("conv-1").State().HasData
	})

	rec, out := do(t, d.routes(), http.MethodGet, "/api/status/conv-1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if out["watched"] != true || out["active"] != true {
		t.Errorf("unexpected status %v", out)
	}
	if d.touchWatch("conv-2") {
		t.Error("touchWatch reported an unwatched conversation")
	}

	d.stopWatches()
	if d.watchedCount() != 0 {
		t.Error("watches not cleared")
	}
}

func TestWatch_ResumesWhenTouched(t *testing.T) {
	srv := apitest.NewServer(t)
	d := newTestDaemon(t, srv, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// A zero window hides the conversation as soon as the first poll lands.
	d.startWatches(ctx, config.WatchConfig{Conversations: []string{"conv-1"}})
	defer d.stopWatches()

	path := "/api/agents/chat/status/conv-1"
	waitFor(t, "first status poll", func() bool { return srv.Hits(path) >= 1 })
	time.Sleep(50 * time.Millisecond)
	if got := srv.Hits(path); got != 1 {
		t.Fatalf("polled %d times while unobserved, want 1", got)
	}

	if !d.touchWatch("conv-1") {
		t.Fatal("touchWatch() = false for a watched conversation")
	}
	waitFor(t, "resumed status poll", func() bool { return srv.Hits(path) >= 2 })
}

func writeConfigFile(t *testing.T, path, baseURL string, conversations ...string) {
	t.Helper()
	content := fmt.Sprintf("api:\n  base_url: %s\nwatch:\n  conversations: [%s]\n", baseURL, strings.Join(conversations, ", "))
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
}

func TestReload(t *testing.T) {
	srv := apitest.NewServer(t)
	d := newTestDaemon(t, srv, nil)
	d.configPath = filepath.Join(t.TempDir(), "config.yaml")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	defer d.stopWatches()

	before := srv.Hits("/api/endpoints")
	writeConfigFile(t, d.configPath, srv.URL, "conv-a", "conv-b")
	d.reload(ctx)

	if got := d.watchedCount(); got != 2 {
		t.Errorf("watchedCount() after reload = %d, want 2", got)
	}
	if srv.Hits("/api/endpoints") != before+1 {
		t.Error("endpoints config not refreshed on reload")
	}

	if err := os.WriteFile(d.configPath, []byte("api: [broken\n"), 0600); err != nil {
		t.Fatal(err)
	}
	d.reload(ctx)
	if got := d.watchedCount(); got != 2 {
		t.Errorf("invalid config replaced watches: watchedCount() = %d", got)
	}
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func TestRun(t *testing.T) {
	srv := apitest.NewServer(t)
	dir := t.TempDir()
	port := freePort(t)
	path := filepath.Join(dir, "config.yaml")
	content := fmt.Sprintf(`api:
  base_url: %s
cache:
  path: %s
logging:
  file: %s
server:
  listen_port: %d
refresh:
  prefetch_on_start: false
`, srv.URL, filepath.Join(dir, "cache.db"), filepath.Join(dir, "logs", "agentqd.log"), port)
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	d := New(path)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	url := fmt.Sprintf("http://127.0.0.1:%d/health", port)
	waitFor(t, "health endpoint", func() bool {
		resp, err := http.Get(url)
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	})

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() = %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	if _, err := os.Stat(filepath.Join(dir, "logs", "agentqd.log")); err != nil {
		t.Errorf("log file not written: %v", err)
	}
}

func TestRun_MissingConfig(t *testing.T) {
	d := New(filepath.Join(t.TempDir(), "missing.yaml"))
	if err := d.Run(context.Background()); err == nil {
		t.Error("expected error for missing config")
	}
}
