package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/mymmrac/telego"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/clawgram/internal/agentapi"
	"github.com/nextlevelbuilder/clawgram/internal/batcher"
	"github.com/nextlevelbuilder/clawgram/internal/channels/telegram"
	"github.com/nextlevelbuilder/clawgram/internal/config"
	"github.com/nextlevelbuilder/clawgram/internal/relay"
	"github.com/nextlevelbuilder/clawgram/internal/store"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the bot",
		Run: func(cmd *cobra.Command, args []string) {
			runServe()
		},
	}
}

func runServe() {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))

	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	storePath := cfg.StorePath()
	if err := os.MkdirAll(filepath.Dir(storePath), 0o755); err != nil {
		slog.Error("failed to create store directory", "error", err)
		os.Exit(1)
	}
	settings, err := store.Open(storePath)
	if err != nil {
		slog.Error("failed to open settings store", "error", err)
		os.Exit(1)
	}
	defer settings.Close()

	bot, err := telego.NewBot(cfg.Telegram.Token)
	if err != nil {
		slog.Error("failed to create telegram bot", "error", err)
		os.Exit(1)
	}
	sender := telegram.NewSender(bot, cfg.Telegram.SendRatePerSec)
	batch := batcher.New(sender, cfg.Relay.BatchIntervalSeconds)

	r := relay.New(nil, settings, sender, batch, relay.Options{
		DefaultDirectory: config.ExpandHome(cfg.Agent.Directory),
		InteractionTTL:   secondsToDuration(cfg.Relay.InteractionTTLSeconds),
	})
	defer r.Close()

	agent := agentapi.NewClient(cfg.Agent.URL, cfg.Agent.Token, r.Aggregator().Handle)
	r.SetAgent(agent)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := agent.Start(ctx); err != nil {
		slog.Error("failed to connect to agent server", "error", err)
		os.Exit(1)
	}
	defer agent.Close()

	channel := telegram.New(bot, r, cfg.Telegram.AllowedChatIDs)
	if err := channel.Start(ctx); err != nil {
		slog.Error("failed to start telegram channel", "error", err)
		os.Exit(1)
	}

	slog.Info("clawgram is running", "version", Version)
	<-ctx.Done()

	slog.Info("shutting down")
	batch.FlushAll("shutdown")
	shutdownCtx := context.Background()
	if err := channel.Stop(shutdownCtx); err != nil {
		slog.Warn("telegram shutdown incomplete", "error", err)
	}
}

func secondsToDuration(n int) time.Duration {
	if n < 0 {
		n = 0
	}
	return time.Duration(n) * time.Second
}
