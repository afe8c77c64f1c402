// Package app wires the services shared by the daemon, the MCP server and
// the CLI from a loaded configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/colebrumley/agentq/internal/agents"
	"github.com/colebrumley/agentq/internal/api"
	"github.com/colebrumley/agentq/internal/cache"
	"github.com/colebrumley/agentq/internal/catalog"
	"github.com/colebrumley/agentq/internal/config"
	"github.com/colebrumley/agentq/internal/query"
	"github.com/colebrumley/agentq/internal/refresh"
	"github.com/colebrumley/agentq/internal/security"
)

// App holds the wired services. Cache and Catalog are nil when disabled.
type App struct {
	Config    *config.Global
	Logger    *slog.Logger
	API       *api.Client
	Cache     *cache.DB
	Catalog   *catalog.DB
	Queries   *query.Client
	Endpoints *agents.CachedEndpoints
	Agents    *agents.Queries
}

// Open builds an App. A cache or catalog that fails to open is logged and
// left out rather than failing startup.
func Open(cfg *config.Global, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	a := &App{
		Config: cfg,
		Logger: logger,
		API:    api.NewClient(cfg.API.BaseURL, cfg.API.Token, cfg.API.Timeout()),
	}

	var store query.Store
	if cfg.Cache.CacheEnabled() {
		db, err := cache.Open(cfg.Cache.Path)
		if err != nil {
			logger.Warn("failed to open query cache, results will not persist", "error", err, "path", cfg.Cache.Path)
		} else {
			a.Cache = db
			store = db
			if err := security.ValidateDirectoryPermissions(filepath.Dir(cfg.Cache.Path)); err != nil {
				logger.Warn("cache directory has unsafe permissions", "error", err)
			}
		}
	}

	var indexer agents.Indexer
	if cfg.Catalog.Enabled {
		db, err := catalog.Open(cfg.Catalog.Path)
		if err != nil {
			logger.Warn("failed to open catalog, search disabled", "error", err, "path", cfg.Catalog.Path)
		} else {
			a.Catalog = db
			indexer = db
		}
	}

	a.Queries = query.NewClient(store, logger)
	a.Endpoints = agents.NewCachedEndpoints(a.Queries, a.API, config.Seconds(cfg.Queries.AgentsStaleSeconds))
	a.Agents = agents.New(agents.Config{
		Client:              a.Queries,
		API:                 a.API,
		Endpoints:           a.Endpoints,
		Indexer:             indexer,
		Logger:              logger,
		AgentsStaleTime:     config.Seconds(cfg.Queries.AgentsStaleSeconds),
		ToolsStaleTime:      config.Seconds(cfg.Queries.ToolsStaleSeconds),
		CategoriesStaleTime: config.Seconds(cfg.Queries.CategoriesStaleSeconds),
		MarketplacePageSize: cfg.Queries.MarketplacePageSize,
	})
	return a, nil
}

// Start loads the endpoints config that gates the agent queries. Errors
// are returned but leave the App usable; agent queries stay disabled until
// a later refresh succeeds.
func (a *App) Start(ctx context.Context) error {
	if _, err := a.Endpoints.Load(ctx); err != nil {
		return fmt.Errorf("loading endpoints config: %w", err)
	}
	return nil
}

// RegisterJobs adds the refresh jobs to s.
func (a *App) RegisterJobs(s *refresh.Scheduler) error {
	r := a.Config.Refresh
	jobs := []struct {
		name  string
		sched config.Schedule
		job   refresh.Job
	}{
		{"endpoints", r.Endpoints, func(ctx context.Context) error {
			_, err := a.Endpoints.Refresh(ctx)
			return err
		}},
		{"categories", r.Categories, skipDisabled(func(ctx context.Context) error {
			_, err := a.Agents.Categories().Refetch(ctx)
			return err
		})},
		{"tools", r.Tools, skipDisabled(func(ctx context.Context) error {
			_, err := a.Agents.AvailableTools().Refetch(ctx)
			return err
		})},
		{"marketplace", r.Marketplace, skipDisabled(func(ctx context.Context) error {
			_, err := a.Agents.MarketplaceAgents(api.AgentListParams{}).Refetch(ctx)
			return err
		})},
		{"cleanup", r.Cleanup, a.cleanup},
	}

	for _, j := range jobs {
		if err := s.Add(j.name, j.sched, j.job); err != nil {
			return err
		}
	}
	return nil
}

func (a *App) cleanup(ctx context.Context) error {
	if a.Cache == nil {
		return nil
	}
	deleted, err := a.Cache.Cleanup(a.Config.Cache.RetentionDays)
	if err != nil {
		return err
	}
	if deleted > 0 {
		a.Logger.Info("cleaned up cached queries", "deleted", deleted)
	}
	return nil
}

// Close releases the databases.
func (a *App) Close() error {
	var errs []error
	if a.Cache != nil {
		errs = append(errs, a.Cache.Close())
	}
	if a.Catalog != nil {
		errs = append(errs, a.Catalog.Close())
	}
	return errors.Join(errs...)
}

// skipDisabled treats a disabled agents endpoint as nothing to refresh.
func skipDisabled(job refresh.Job) refresh.Job {
	return func(ctx context.Context) error {
		if err := job(ctx); err != nil && !errors.Is(err, query.ErrDisabled) {
			return err
		}
		return nil
	}
}
