package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"levelbot/internal/config"
	"levelbot/internal/discord"
	"levelbot/internal/leveling"
	"levelbot/internal/store"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	guildConfigs := config.NewManager(cfg.ConfigDir, logger.Named("config"))
	levelStore := store.New(cfg.DataDir, logger.Named("store"))

	// Initialize Discord bot
	bot, err := discord.New(cfg.DiscordToken, cfg.CommandPrefix, guildConfigs, logger.Named("discord"))
	if err != nil {
		logger.Fatal("failed to create Discord bot", zap.Error(err))
	}

	// The bot implements the tracker's announcement, role-sync and member
	// lookup ports, so the two are wired together after construction.
	tracker := leveling.NewTracker(levelStore, guildConfigs, bot, bot, bot, logger.Named("tracker"))
	bot.SetTracker(tracker)

	// Start bot
	if err := bot.Start(); err != nil {
		logger.Fatal("failed to start bot", zap.Error(err))
	}
	defer bot.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	tracker.Run(ctx)

	// Wait for interrupt signal
	sc := make(chan os.Signal, 1)
	signal.Notify(sc, syscall.SIGINT, syscall.SIGTERM, os.Interrupt)
	<-sc

	logger.Info("shutting down")
	cancel()
	tracker.Flush()
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}
	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = zap.NewAtomicLevelAt(lvl)
	return zapCfg.Build()
}
