// Package main is the in-container entry point. It runs alongside the agent
// CLI inside each session container and supervises it for the gateway.
package main

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/agentdock/agentdock/internal/common/logger"
	"github.com/agentdock/agentdock/internal/wrapper"
)

func main() {
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:  envOr("LOG_LEVEL", "info"),
		Format: envOr("LOG_FORMAT", "json"),
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	cfg, err := wrapper.FromEnv()
	if err != nil {
		if cfg == nil {
			log.Fatal("invalid wrapper configuration", zap.Error(err))
		}
		// Partial config (e.g. malformed agent profile) is survivable.
		log.Warn("wrapper configuration incomplete", zap.Error(err))
	}
	log = log.WithSessionID(cfg.SessionID)

	ctx := context.Background()
	app, err := wrapper.NewApp(ctx, cfg, log)
	if err != nil {
		log.Fatal("failed to start wrapper", zap.Error(err))
	}

	if err := app.Run(ctx); err != nil {
		app.Fail(err.Error())
		log.Error("wrapper exited with error", zap.Error(err))
		os.Exit(1)
	}
	app.Close()
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
