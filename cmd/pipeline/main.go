package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"ripple/internal/platform/config"
	"ripple/internal/platform/logger"
	"ripple/internal/runtime"
)

// main wires high-level dependencies and keeps the process lifecycle small.
// All pipeline logic lives in the internal packages.
func main() {
	cfg := config.FromEnv()
	log := logger.New()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pipeline, err := runtime.New(ctx, cfg, log)
	if err != nil {
		log.Error("pipeline startup failed", "error", err)
		os.Exit(1)
	}
	defer pipeline.Close()

	if err := pipeline.Run(ctx); err != nil {
		log.Error("pipeline exited with error", "error", err)
		os.Exit(1)
	}
	log.Info("pipeline stopped")
}
