// internal/daemon/daemon.go
package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"time"

	"github.com/colebrumley/agentq/internal/app"
	"github.com/colebrumley/agentq/internal/config"
	"github.com/colebrumley/agentq/internal/logging"
	"github.com/colebrumley/agentq/internal/refresh"
	"github.com/colebrumley/agentq/internal/security"
	"github.com/fsnotify/fsnotify"
)

// Daemon keeps the agent queries warm, polls watched conversations and
// serves the cached results over HTTP.
type Daemon struct {
	configPath string
	config     *config.Global
	logger     *slog.Logger
	logWriter  io.Closer
	app        *app.App
	scheduler  *refresh.Scheduler
	httpServer *http.Server
	startTime  time.Time

	mu      sync.RWMutex
	watches *watchSet
}

// New creates a new daemon instance
func New(configPath string) *Daemon {
	return &Daemon{configPath: configPath}
}

// Run starts the daemon and blocks until context is cancelled
func (d *Daemon) Run(ctx context.Context) error {
	d.startTime = time.Now()

	cfg, err := d.loadConfig()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	d.config = cfg

	d.logger = d.initLogger()
	d.logger.Info("starting daemon", "config", d.configPath, "api", cfg.API.BaseURL)

	// The config may hold the API token.
	if err := security.ValidateSecretFilePermissions(d.configPath); err != nil {
		d.logger.Error("CRITICAL: config file has unsafe permissions", "error", err, "path", d.configPath)
	}

	a, err := app.Open(cfg, d.logger)
	if err != nil {
		return err
	}
	d.app = a

	if err := a.Start(ctx); err != nil {
		d.logger.Warn("agent queries disabled until endpoints config loads", "error", err)
	}

	d.scheduler = refresh.New(d.logger)
	if err := a.RegisterJobs(d.scheduler); err != nil {
		a.Close()
		return fmt.Errorf("registering refresh jobs: %w", err)
	}
	if cfg.Refresh.Prefetch() {
		go func() {
			if err := d.scheduler.Prefetch(ctx); err != nil {
				d.logger.Warn("prefetch incomplete", "error", err)
			}
		}()
	}
	go d.scheduler.Start(ctx)

	d.startWatches(ctx, cfg.Watch)

	errCh := make(chan error, 1)
	go func() { errCh <- d.serveHTTP(ctx) }()

	go d.startHotReload(ctx)

	d.logger.Info("daemon started", "watched_conversations", len(cfg.Watch.Conversations))

	select {
	case <-ctx.Done():
		d.logger.Info("daemon stopping")
	case err = <-errCh:
		d.logger.Error("HTTP server failed", "error", err)
	}
	if shutdownErr := d.shutdown(); err == nil {
		err = shutdownErr
	}
	return err
}

func (d *Daemon) loadConfig() (*config.Global, error) {
	cfg, err := config.LoadGlobal(d.configPath)
	if err != nil {
		return nil, err
	}
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// initLogger writes to a rotating file when logging.file is set, and to
// stderr otherwise or when the file cannot be opened.
func (d *Daemon) initLogger() *slog.Logger {
	lc := d.config.Logging
	if lc.File == "" {
		return logging.NewLogger(lc.Format, lc.Level, os.Stderr)
	}

	if err := os.MkdirAll(filepath.Dir(lc.File), 0755); err == nil {
		w, err := logging.NewRotatingWriter(lc.File, int64(lc.MaxSizeMB)*1024*1024, logging.DefaultMaxBackups)
		if err == nil {
			d.logWriter = w
			return logging.NewLogger(lc.Format, lc.Level, w)
		}
	}
	logger := logging.NewLogger(lc.Format, lc.Level, os.Stderr)
	logger.Warn("failed to open log file, using stderr", "path", lc.File)
	return logger
}

func (d *Daemon) serveHTTP(ctx context.Context) error {
	d.mu.RLock()
	addr := fmt.Sprintf("%s:%d", d.config.Server.ListenAddress, d.config.Server.ListenPort)
	d.mu.RUnlock()

	d.httpServer = &http.Server{
		Addr:              addr,
		Handler:           d.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	d.logger.Info("starting HTTP server", "address", addr)

	errCh := make(chan error, 1)
	go func() {
		if err := d.httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
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
	return d.httpServer.Shutdown(shutdownCtx)
}

// startHotReload watches the config file and reloads it after changes
// settle.
func (d *Daemon) startHotReload(ctx context.Context) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		d.logger.Error("could not create config watcher", "error", err)
		return
	}
	defer watcher.Close()

	// Editors replace files on save, so watch the directory.
	dir := filepath.Dir(d.configPath)
	if err := watcher.Add(dir); err != nil {
		d.logger.Error("could not watch config directory", "error", err, "dir", dir)
		return
	}
	d.logger.Info("hot-reload watcher started", "path", d.configPath)

	// Debounce: wait 1 second after last event before reloading
	var debounceTimer *time.Timer
	debounceCh := make(chan struct{}, 1)

	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(d.configPath) {
				continue
			}

			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(1*time.Second, func() {
				select {
				case debounceCh <- struct{}{}:
				default:
				}
			})

		case <-debounceCh:
			d.logger.Info("reloading config (hot-reload)")
			d.reload(ctx)

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			d.logger.Error("config watcher error", "error", err)

		case <-ctx.Done():
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			return
		}
	}
}

// reload applies a changed config. Watched conversations and refresh of
// the endpoints config take effect immediately; api, cache, catalog and
// server changes need a restart.
func (d *Daemon) reload(ctx context.Context) {
	cfg, err := d.loadConfig()
	if err != nil {
		d.logger.Error("config reload failed, keeping previous config", "error", err)
		return
	}

	d.mu.Lock()
	old := d.config
	d.config = cfg
	d.mu.Unlock()

	if !reflect.DeepEqual(old.API, cfg.API) || !reflect.DeepEqual(old.Cache, cfg.Cache) ||
		old.Catalog != cfg.Catalog || old.Server != cfg.Server {
		d.logger.Warn("api, cache, catalog or server settings changed; restart the daemon to apply them")
	}

	d.app.Queries.Invalidate(agentsEndpointsKey)
	d.app.Queries.Invalidate(agentsKey)
	if _, err := d.app.Endpoints.Refresh(ctx); err != nil {
		d.logger.Warn("endpoints refresh after reload failed", "error", err)
	}

	d.startWatches(ctx, cfg.Watch)
	d.logger.Info("config reloaded", "watched_conversations", len(cfg.Watch.Conversations))
}

func (d *Daemon) shutdown() error {
	d.stopWatches()

	var errs []error
	if d.scheduler != nil {
		errs = append(errs, d.scheduler.Stop())
	}
	if d.app != nil {
		errs = append(errs, d.app.Close())
	}
	d.logger.Info("daemon stopped")
	if d.logWriter != nil {
		errs = append(errs, d.logWriter.Close())
	}
	return errors.Join(errs...)
}
