package main

import (
	"context"
	"fmt"
	"os"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	ginadapter "github.com/awslabs/aws-lambda-go-api-proxy/gin"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/imrishuroy/restaurant-orderflow/internal/aws"
	"github.com/imrishuroy/restaurant-orderflow/internal/config"
	"github.com/imrishuroy/restaurant-orderflow/internal/di"
	"github.com/imrishuroy/restaurant-orderflow/internal/handlers"
	"github.com/imrishuroy/restaurant-orderflow/internal/observability"
)

func setupRouter(c *di.Container) *gin.Engine {
	cfg := handlers.HandlerConfig{Orders: c.Orders, Logger: c.Logger}
	if c.Payments != nil {
		cfg.Payments = c.Payments
	}
	r := handlers.NewRouter(cfg)

	if c.Registry != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(c.Registry, promhttp.HandlerOpts{})))
	}
	return r
}

func main() {
	ctx := context.Background()

	baseLogger, err := observability.NewLogger("orderflow-api")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = baseLogger.Sync() }()
	logger := baseLogger.Named("api")

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}
	clients, err := aws.NewClients(ctx)
	if err != nil {
		logger.Fatal("failed to init aws clients", zap.Error(err))
	}
	container, err := di.NewContainer(cfg, clients, logger)
	if err != nil {
		logger.Fatal("failed to build container", zap.Error(err))
	}
	container.ReplayAuditFallback(ctx)

	gin.SetMode(gin.ReleaseMode)
	r := setupRouter(container)

	// RUN_LOCAL serves HTTP directly for development
	if cfg.RunLocal {
		logger.Info("running local server", zap.String("addr", cfg.LocalAddr))
		if err := r.Run(cfg.LocalAddr); err != nil {
			logger.Fatal("failed to run local server", zap.Error(err))
		}
		return
	}

	adapter := ginadapter.New(r)
	lambda.Start(func(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
		return adapter.ProxyWithContext(ctx, req)
	})
}
