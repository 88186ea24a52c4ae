package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/rancher/submit-action/internal/app"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		log.Printf("failed to load config: %v", err)
		os.Exit(1)
	}

	runner, err := app.NewRunner(cfg)
	if err != nil {
		log.Printf("failed to create runner: %v", err)
		os.Exit(1)
	}

	if err := runner.Run(ctx); err != nil {
		stop()
		log.Printf("submit action failed: %v", err)
		os.Exit(1)
	}
}
