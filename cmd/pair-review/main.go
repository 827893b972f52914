package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	gitadapter "github.com/in-the-loop-labs/pair-review/internal/adapter/git"
	"github.com/in-the-loop-labs/pair-review/internal/adapter/github"
	"github.com/in-the-loop-labs/pair-review/internal/adapter/llm"
	"github.com/in-the-loop-labs/pair-review/internal/adapter/llm/anthropic"
	"github.com/in-the-loop-labs/pair-review/internal/adapter/llm/gemini"
	"github.com/in-the-loop-labs/pair-review/internal/adapter/llm/openai"
	"github.com/in-the-loop-labs/pair-review/internal/adapter/store/sqlite"
	"github.com/in-the-loop-labs/pair-review/internal/analysis"
	"github.com/in-the-loop-labs/pair-review/internal/config"
	"github.com/in-the-loop-labs/pair-review/internal/progress"
	"github.com/in-the-loop-labs/pair-review/internal/prompt"
	"github.com/in-the-loop-labs/pair-review/internal/pubsub"
	"github.com/in-the-loop-labs/pair-review/internal/server"
	"github.com/in-the-loop-labs/pair-review/internal/setup"
	"github.com/in-the-loop-labs/pair-review/internal/worktree"
)

var version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	// Cancellable context with signal handling for graceful shutdown.
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	root := &cobra.Command{
		Use:           "pair-review",
		Short:         "Local-first AI code review assistant",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	var addr string
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the review server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), addr)
		},
	}
	serveCmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides config)")
	root.AddCommand(serveCmd)

	return root.ExecuteContext(ctx)
}

// serve wires the full dependency graph and runs the HTTP server until
// the context is cancelled.
func serve(ctx context.Context, addrOverride string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config load failed: %w", err)
	}
	if err := os.MkdirAll(cfg.ConfigDir, 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("initialize logger: %w", err)
	}
	defer logger.Sync()

	st, err := sqlite.NewStore(cfg.StorePath(), logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	gitClient := gitadapter.NewClient()
	vcs := github.NewClient(cfg.Remote.Token)
	worktrees := worktree.NewManager(gitClient, st, cfg.ConfigDir, cfg.Monorepo, logger)

	broker := progress.NewBroker(logger)
	hub := pubsub.NewHub(logger)
	defer hub.Close()

	setups := setup.NewOrchestrator(vcs, worktrees, gitClient, st, broker, logger)

	prompts, err := prompt.NewLibrary()
	if err != nil {
		return fmt.Errorf("load prompt templates: %w", err)
	}

	clients := buildProviders(cfg)
	if len(clients) == 0 {
		logger.Warn("no LLM providers configured; analysis runs will fail until one is enabled")
	}

	source := analysis.NewContextSource(st, worktrees)
	scheduler := analysis.NewScheduler(clients, prompts, st, hub, broker, source, logger)
	if cfg.Analysis.MaxConcurrent > 0 {
		scheduler.SetMaxConcurrent(cfg.Analysis.MaxConcurrent)
	}
	if task, run, ok := parseTimeouts(cfg.Analysis); ok {
		scheduler.SetTimeouts(task, run)
	}

	api := server.New(st, setups, scheduler, broker, hub, vcs, cfg.Councils, logger)

	addr := cfg.Server.Addr
	if addrOverride != "" {
		addr = addrOverride
	}
	httpServer := &http.Server{Addr: addr, Handler: api.Router()}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

// buildProviders constructs a client per enabled provider.
func buildProviders(cfg config.Config) llm.Registry {
	clients := make(llm.Registry)
	for name, pc := range cfg.Providers {
		if !pc.Enabled || pc.APIKey == "" {
			continue
		}
		switch name {
		case "anthropic":
			clients[name] = anthropic.NewClient(pc.APIKey)
		case "openai":
			clients[name] = openai.NewClient(pc.APIKey)
		case "gemini":
			clients[name] = gemini.NewClient(pc.APIKey)
		}
	}
	return clients
}

// parseTimeouts reads the configured task and run deadlines.
func parseTimeouts(cfg config.AnalysisConfig) (task, run time.Duration, ok bool) {
	task, errTask := time.ParseDuration(cfg.TaskTimeout)
	run, errRun := time.ParseDuration(cfg.RunTimeout)
	if errTask != nil || errRun != nil || task <= 0 || run <= 0 {
		return 0, 0, false
	}
	return task, run, true
}
