// Command memfork is the memory service CLI.
//
// Usage:
//
//	memfork serve --config memfork.yaml
//	memfork serve --database-url ./memory.db --port 8080
//	memfork mcp --database-url ./memory.db
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/alecthomas/kong"

	"github.com/memfork/memfork/pkg/config"
	"github.com/memfork/memfork/pkg/embedders"
	"github.com/memfork/memfork/pkg/judge"
	"github.com/memfork/memfork/pkg/logger"
	"github.com/memfork/memfork/pkg/memory"
	"github.com/memfork/memfork/pkg/server"
	"github.com/memfork/memfork/pkg/storage"
	"github.com/memfork/memfork/pkg/toolset"
)

// CLI defines the command-line interface.
type CLI struct {
	Version VersionCmd `cmd:"" help:"Show version information."`
	Serve   ServeCmd   `cmd:"" help:"Start the HTTP memory server."`
	MCP     MCPCmd     `cmd:"" name:"mcp" help:"Serve memory tools over MCP stdio."`

	Config   string `short:"c" help:"Path to config file." type:"path"`
	LogLevel string `help:"Log level (debug, info, warn, error)."`
	LogJSON  bool   `help:"Emit JSON logs."`
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	version := "dev"
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "(devel)" && info.Main.Version != "" {
			version = info.Main.Version
		}
	}
	fmt.Printf("memfork %s\n", version)
	return nil
}

// ServeCmd starts the HTTP server.
type ServeCmd struct {
	DatabaseURL string `name:"database-url" help:"Storage DSN (overrides config)."`
	Host        string `help:"Bind host (overrides config)."`
	Port        int    `help:"Bind port (overrides config)."`
}

func (c *ServeCmd) Run(cli *CLI) error {
	cfg, svc, store, err := buildService(cli, c.DatabaseURL)
	if err != nil {
		return err
	}
	defer store.Close()

	if c.Host != "" {
		cfg.Host = c.Host
	}
	if c.Port != 0 {
		cfg.Port = c.Port
	}

	srv := server.New(svc, server.Config{
		Host:      cfg.Host,
		Port:      cfg.Port,
		APIKey:    cfg.APIKey,
		RateLimit: cfg.RateLimit,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		slog.Info("shutting down")
		return srv.Shutdown(context.Background())
	}
}

// MCPCmd serves the tool channel over stdio.
type MCPCmd struct {
	DatabaseURL string `name:"database-url" help:"Storage DSN (overrides config)."`
}

func (c *MCPCmd) Run(cli *CLI) error {
	_, svc, store, err := buildService(cli, c.DatabaseURL)
	if err != nil {
		return err
	}
	defer store.Close()

	return toolset.New(svc).ServeStdio()
}

// buildService loads config and assembles the storage, embedder, judge,
// and memory service shared by both transports.
func buildService(cli *CLI, dbOverride string) (*config.Config, *memory.Service, *storage.Store, error) {
	cfg, err := config.Load(cli.Config)
	if err != nil {
		return nil, nil, nil, err
	}
	if dbOverride != "" {
		cfg.DatabaseURL = dbOverride
	}
	if cli.LogLevel != "" {
		cfg.LogLevel = cli.LogLevel
	}

	logger.Init(logger.Options{Level: cfg.LogLevel, JSON: cli.LogJSON})

	store, err := storage.Open(cfg.DatabaseURL)
	if err != nil {
		return nil, nil, nil, err
	}

	embedder, err := embedders.New(embedders.Config{
		Provider:  cfg.EmbeddingProvider,
		APIKey:    cfg.EmbeddingAPIKey,
		BaseURL:   cfg.EmbeddingBaseURL,
		Model:     cfg.EmbeddingModel,
		Dimension: cfg.EmbeddingDimension,
	})
	if err != nil {
		store.Close()
		return nil, nil, nil, err
	}

	var j judge.Judge
	if llm := judge.New(judge.Config{APIKey: cfg.LLMAPIKey, BaseURL: cfg.LLMBaseURL, Model: cfg.LLMModel}); llm != nil {
		j = llm
	}

	var vindex *memory.VectorIndex
	if cfg.VectorIndexPath != "" {
		vindex, err = memory.NewVectorIndex(cfg.VectorIndexPath)
		if err != nil {
			slog.Warn("vector index unavailable, search will scan storage", "error", err)
		}
	}

	svc := memory.NewService(store, embedder, j, memory.Options{
		RootBranch:  cfg.DefaultBranch,
		VectorIndex: vindex,
	})
	if err := svc.Init(context.Background()); err != nil {
		store.Close()
		return nil, nil, nil, err
	}
	return cfg, svc, store, nil
}

func main() {
	cli := &CLI{}
	kctx := kong.Parse(cli,
		kong.Name("memfork"),
		kong.Description("Git-like memory layer for AI agents."),
		kong.UsageOnError(),
	)
	if err := kctx.Run(cli); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
