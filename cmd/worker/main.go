package main

import (
	"context"
	"fmt"
	"os"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"go.uber.org/zap"

	"github.com/imrishuroy/restaurant-orderflow/internal/aws"
	"github.com/imrishuroy/restaurant-orderflow/internal/config"
	"github.com/imrishuroy/restaurant-orderflow/internal/di"
	"github.com/imrishuroy/restaurant-orderflow/internal/observability"
)

func main() {
	ctx := context.Background()

	baseLogger, err := observability.NewLogger("orderflow-worker")
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
	p := NewProcessor(container.Orders, baseLogger)

	// If RUN_LOCAL=true, simulate a single SQS event for local testing.
	if cfg.RunLocal {
		testBody := os.Getenv("LOCAL_SQS_BODY")
		if testBody == "" {
			testBody = `{"tenant_id":"local-tenant","order_id":"local-order-1","status":"preparing","actor_type":"kitchen"}`
		}
		event := events.SQSEvent{
			Records: []events.SQSMessage{{MessageId: "local-1", Body: testBody}},
		}
		resp, err := p.Handle(ctx, event)
		if err != nil {
			baseLogger.Fatal("local handler error", zap.Error(err))
		}
		baseLogger.Info("local event handled", zap.Int("failures", len(resp.BatchItemFailures)))
		return
	}

	lambda.Start(p.Handle)
}
