// cmd/agentqd/main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/colebrumley/agentq/internal/app"
	"github.com/colebrumley/agentq/internal/config"
	"github.com/colebrumley/agentq/internal/daemon"
	"github.com/colebrumley/agentq/internal/logging"
	"github.com/colebrumley/agentq/internal/mcp"
)

const defaultMCPPort = "9878"

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "mcp-server":
			runMCPServer()
			return
		case "mcp-http-server":
			runMCPHTTPServer()
			return
		}
	}

	runDaemon()
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(onSignal func()) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		if onSignal != nil {
			onSignal()
		}
		cancel()
	}()
	return ctx, cancel
}

// openApp builds the services for the MCP servers. Logs go to stderr so
// they never mix with the stdio transport.
func openApp(ctx context.Context) (*app.App, error) {
	path := config.DefaultPath()
	cfg, err := config.LoadGlobal(path)
	if errors.Is(err, fs.ErrNotExist) {
		cfg = config.Default()
	} else if err != nil {
		return nil, err
	}

	logger := logging.NewLogger(cfg.Logging.Format, cfg.Logging.Level, os.Stderr)
	a, err := app.Open(cfg, logger)
	if err != nil {
		return nil, err
	}
	if err := a.Start(ctx); err != nil {
		logger.Warn("agent tools disabled until the endpoints config loads", "error", err)
	}
	return a, nil
}

func runMCPServer() {
	ctx, cancel := signalContext(nil)
	defer cancel()

	a, err := openApp(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error creating MCP server: %v\n", err)
		os.Exit(1)
	}
	defer a.Close()

	if err := mcp.NewServer(a).Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "MCP server error: %v\n", err)
		os.Exit(1)
	}
}

func runMCPHTTPServer() {
	port := os.Getenv("AGENTQ_MCP_PORT")
	if port == "" {
		port = defaultMCPPort
	}
	addr := "127.0.0.1:" + port

	ctx, cancel := signalContext(func() {
		fmt.Fprintf(os.Stderr, "\nShutting down MCP HTTP server...\n")
	})
	defer cancel()

	a, err := openApp(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error creating MCP server: %v\n", err)
		os.Exit(1)
	}
	defer a.Close()

	fmt.Fprintf(os.Stderr, "MCP HTTP server listening on %s\n", addr)
	if err := mcp.NewServer(a).RunHTTP(ctx, addr); err != nil {
		fmt.Fprintf(os.Stderr, "MCP HTTP server error: %v\n", err)
		os.Exit(1)
	}
}

func runDaemon() {
	d := daemon.New(config.DefaultPath())

	ctx, cancel := signalContext(func() {
		fmt.Println("\nReceived shutdown signal")
	})
	defer cancel()

	if err := d.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "daemon error: %v\n", err)
		os.Exit(1)
	}
}
