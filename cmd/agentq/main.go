// cmd/agentq/main.go
package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/colebrumley/agentq/internal/app"
	"github.com/colebrumley/agentq/internal/config"
	"github.com/colebrumley/agentq/internal/logging"
	"github.com/spf13/cobra"
)

type rootOptions struct {
	ConfigPath string
	LogLevel   string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:           "agentq",
		Short:         "Query agents, tools and run status from the chat API",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", config.DefaultPath(), "Path to the config file")
	rootCmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "warn", "Log level for diagnostics on stderr")

	rootCmd.AddCommand(
		newInitCmd(opts),
		newValidateCmd(opts),
		newDaemonStatusCmd(opts),
		newAgentsCmd(opts),
		newAgentCmd(opts),
		newToolsCmd(opts),
		newStatusCmd(opts),
		newCategoriesCmd(opts),
		newMarketplaceCmd(opts),
		newSearchCmd(opts),
		newExpandCmd(),
		newParseCmd(),
	)
	return rootCmd
}

// loadConfig reads the config file, falling back to defaults when it does
// not exist.
func (o *rootOptions) loadConfig() (*config.Global, error) {
	cfg, err := config.LoadGlobal(o.ConfigPath)
	if errors.Is(err, fs.ErrNotExist) {
		return config.Default(), nil
	}
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// openApp loads the config and starts an App whose diagnostics go to stderr.
func (o *rootOptions) openApp(cmd *cobra.Command) (*app.App, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, err
	}
	logger := logging.NewLogger("text", o.LogLevel, cmd.ErrOrStderr())
	a, err := app.Open(cfg, logger)
	if err != nil {
		return nil, err
	}
	if err := a.Start(cmd.Context()); err != nil {
		logger.Warn("continuing without the endpoints config", "error", err)
	}
	return a, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newInitCmd(opts *rootOptions) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := opts.ConfigPath
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}

			cfg := config.Default()
			// The token belongs in the environment, not in a generated file.
			cfg.API.Token = ""
			data, err := config.Marshal(cfg)
			if err != nil {
				return err
			}

			if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
				return fmt.Errorf("creating config directory: %w", err)
			}
			if err := os.WriteFile(path, data, 0600); err != nil {
				return fmt.Errorf("writing config: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created %s\nSet %s or api.token_env_var to authenticate.\n", path, config.EnvToken)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing config file")
	return cmd
}

func newValidateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the config file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadGlobal(opts.ConfigPath)
			if err != nil {
				return err
			}
			if err := config.Validate(cfg); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s is valid\n", opts.ConfigPath)
			return nil
		},
	}
}

func newDaemonStatusCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "daemon-status",
		Short: "Show the health of a running agentqd",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			url := fmt.Sprintf("http://%s:%d/health", cfg.Server.ListenAddress, cfg.Server.ListenPort)

			client := &http.Client{Timeout: 5 * time.Second}
			req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet, url, nil)
			if err != nil {
				return err
			}
			resp, err := client.Do(req)
			if err != nil {
				return fmt.Errorf("daemon is not running: %w", err)
			}
			defer resp.Body.Close()

			var health map[string]any
			if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
				return fmt.Errorf("decoding health response: %w", err)
			}
			return printJSON(cmd.OutOrStdout(), health)
		},
	}
}
