package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"go.uber.org/zap"

	"github.com/imrishuroy/restaurant-orderflow/internal/aws"
	"github.com/imrishuroy/restaurant-orderflow/internal/config"
	"github.com/imrishuroy/restaurant-orderflow/internal/di"
	"github.com/imrishuroy/restaurant-orderflow/internal/observability"
	"github.com/imrishuroy/restaurant-orderflow/internal/scheduler"
)

func main() {
	ctx := context.Background()

	baseLogger, err := observability.NewLogger("orderflow-scheduler")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = baseLogger.Sync() }()

	cfg, err := config.Load()
	if err != nil {
		baseLogger.Fatal("failed to load config", zap.Error(err))
	}
	clients, err := aws.NewClients(ctx)
	if err != nil {
		baseLogger.Fatal("failed to init aws clients", zap.Error(err))
	}
	container, err := di.NewContainer(cfg, clients, baseLogger)
	if err != nil {
		baseLogger.Fatal("failed to build container", zap.Error(err))
	}

	// RUN_LOCAL sweeps on a ticker until interrupted
	if cfg.RunLocal {
		runCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
		defer stop()
		container.ReplayAuditFallback(runCtx)
		baseLogger.Info("scheduler running locally", zap.Duration("interval", cfg.Scheduler.Interval))
		if err := container.Sweeper.Run(runCtx); err != nil && runCtx.Err() == nil {
			baseLogger.Error("scheduler stopped", zap.Error(err))
		}
		return
	}

	lambda.Start(handler(container))
}

// handler runs one sweep per EventBridge schedule tick.
func handler(c *di.Container) func(context.Context, events.CloudWatchEvent) (scheduler.Report, error) {
	return func(ctx context.Context, ev events.CloudWatchEvent) (scheduler.Report, error) {
		c.ReplayAuditFallback(ctx)
		report, err := c.Sweeper.Sweep(ctx)
		if err != nil {
			c.Logger.Error("scheduler.sweep.failed", zap.String("event_id", ev.ID), zap.Error(err))
			return report, err
		}
		return report, nil
	}
}
