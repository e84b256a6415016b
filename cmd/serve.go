package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mymmrac/telego"
	"github.com/spf13/cobra"

	"github.com/jagc-sh/jagc/internal/agent"
	"github.com/jagc-sh/jagc/internal/config"
	"github.com/jagc-sh/jagc/internal/httpapi"
	"github.com/jagc-sh/jagc/internal/runner"
	"github.com/jagc-sh/jagc/internal/runs"
	"github.com/jagc-sh/jagc/internal/store"
	"github.com/jagc-sh/jagc/internal/tasks"
	"github.com/jagc-sh/jagc/internal/telegram"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the daemon (also the default command)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
}

func setupLogging(cfg *config.Config) {
	var out io.Writer = os.Stdout
	if cfg.LogLevel == "silent" {
		out = io.Discard
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{
		Level: cfg.SlogLevel(),
	})))
}

func runServe() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	setupLogging(cfg)
	slog.Info("starting jagc", "version", Version, "workspace", cfg.WorkspaceDir, "runner", cfg.Runner)

	st, err := store.Open(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	var exec runner.Executor
	switch cfg.Runner {
	case "echo":
		exec = runner.NewEchoExecutor()
	default:
		exec = agent.NewExecutor(st, agent.ProcessSessionFactory(agent.ProcessSessionConfig{
			SessionsDir: cfg.SessionsDir(),
		}))
	}

	svc := runs.NewService(st, exec)
	if err := svc.Init(context.Background()); err != nil {
		return fmt.Errorf("recover runs: %w", err)
	}

	var gw *telegram.Gateway
	var bridge tasks.TopicBridge
	var deliver tasks.ResultDeliverer
	if cfg.TelegramEnabled() {
		bot, err := telego.NewBot(cfg.TelegramBotToken, telego.WithDiscardLogger())
		if err != nil {
			return fmt.Errorf("telegram bot: %w", err)
		}
		gw = telegram.NewGateway(telegram.NewBotAPI(bot), svc, st, telegram.Options{
			AllowedUserIDs: cfg.TelegramAllowedUserIDs,
		})
		bridge, deliver = gw, gw
	} else {
		slog.Info("telegram gateway disabled (no TELEGRAM_BOT_TOKEN)")
	}

	engine := tasks.NewEngine(st, svc, bridge, deliver, tasks.Options{})
	server := httpapi.NewServer(svc, engine, st, Version)

	engine.Start()
	if gw != nil {
		gw.Start()
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- server.Start(cfg.Addr()) }()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case s := <-sig:
		slog.Info("shutting down", "signal", s.String())
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	// Stop intake first, then drain: no new occurrences, no new updates,
	// no new requests, then let in-flight dispatches settle.
	engine.Stop()
	if gw != nil {
		gw.Stop()
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http shutdown", "error", err)
	}
	svc.Shutdown()
	return nil
}
