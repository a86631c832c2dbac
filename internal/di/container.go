// Package di assembles the runtime object graph shared by the API, worker and scheduler
// binaries.
package di

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/imrishuroy/restaurant-orderflow/internal/audit"
	"github.com/imrishuroy/restaurant-orderflow/internal/aws"
	"github.com/imrishuroy/restaurant-orderflow/internal/config"
	"github.com/imrishuroy/restaurant-orderflow/internal/idempotency"
	"github.com/imrishuroy/restaurant-orderflow/internal/metrics"
	"github.com/imrishuroy/restaurant-orderflow/internal/observability"
	"github.com/imrishuroy/restaurant-orderflow/internal/orders"
	"github.com/imrishuroy/restaurant-orderflow/internal/payments"
	"github.com/imrishuroy/restaurant-orderflow/internal/scheduler"
)

// Container wires stores, services and background infrastructure for runtime use.
type Container struct {
	Config      config.Config
	Logger      *zap.Logger
	Metrics     metrics.Recorder
	Registry    *prometheus.Registry // set when the prometheus backend is selected
	Fallback    *audit.FallbackLog
	Ledger      *audit.Ledger
	Idempotency *idempotency.Store
	Orders      *orders.Service
	OrderStore  *orders.Store
	Payments    *payments.Orchestrator // nil when no processor is configured
	Sweeper     *scheduler.Sweeper
}

// Option customises NewContainer.
type Option func(*options)

type options struct {
	processor payments.Processor
}

// WithProcessor overrides the Stripe processor.
func WithProcessor(p payments.Processor) Option {
	return func(o *options) { o.processor = p }
}

// NewContainer constructs the runtime dependencies from cfg. Tests supply in-memory clients.
func NewContainer(cfg config.Config, clients *aws.Clients, logger *zap.Logger, opts ...Option) (*Container, error) {
	if clients == nil || clients.DynamoDB == nil {
		return nil, errors.New("di: dynamodb client is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var o options
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	logger = observability.OrNop(logger)
	c := &Container{Config: cfg, Logger: logger}

	switch cfg.Metrics.Backend {
	case "cloudwatch":
		c.Metrics = metrics.NewCloudWatch(clients.CloudWatch, cfg.Metrics.Namespace, logger)
	case "prometheus":
		c.Registry = prometheus.NewRegistry()
		c.Metrics = metrics.NewPrometheus(c.Registry, cfg.Metrics.Namespace, logger)
	default:
		c.Metrics = metrics.Nop{}
	}

	fallback, err := audit.OpenFallbackLog(cfg.Audit.FallbackLogPath)
	if err != nil {
		return nil, fmt.Errorf("open audit fallback log: %w", err)
	}
	c.Fallback = fallback

	c.Ledger, err = audit.NewLedger(audit.LedgerDeps{
		Store:    audit.NewStore(clients.DynamoDB, cfg.Tables.Audit),
		Fallback: fallback,
		Metrics:  c.Metrics,
		Logger:   logger,
	})
	if err != nil {
		return nil, fmt.Errorf("build audit ledger: %w", err)
	}

	c.Idempotency = idempotency.NewStore(clients.DynamoDB, cfg.Tables.Idempotency, cfg.Idempotency.TTL,
		idempotency.WithWait(cfg.Idempotency.WaitTimeout, cfg.Idempotency.PollInterval))

	c.OrderStore = orders.NewStore(clients.DynamoDB, cfg.Tables.Orders, cfg.Tables.Transitions)
	deps := orders.ServiceDeps{
		Store:           c.OrderStore,
		Idempotency:     c.Idempotency,
		Audit:           c.Ledger,
		Logger:          logger,
		DefaultCurrency: cfg.Payments.Currency,
	}
	if pub := clients.Publisher(cfg.Queues.OrderEvents); pub != nil {
		deps.Events = pub
	}
	c.Orders, err = orders.NewService(deps)
	if err != nil {
		return nil, fmt.Errorf("build orders service: %w", err)
	}

	processor := o.processor
	if processor == nil && cfg.Payments.StripeAPIKey != "" {
		processor, err = payments.NewStripeProcessor(payments.StripeConfig{
			APIKey:    cfg.Payments.StripeAPIKey,
			AccountID: cfg.Payments.StripeAccountID,
			Logger:    logger,
		})
		if err != nil {
			return nil, fmt.Errorf("build stripe processor: %w", err)
		}
	}
	if processor != nil {
		c.Payments, err = payments.NewOrchestrator(payments.OrchestratorDeps{
			Orders:      c.Orders,
			Idempotency: c.Idempotency,
			Ledger:      c.Ledger,
			Processor:   processor,
			Metrics:     c.Metrics,
			Logger:      logger,
			Timeout:     cfg.Payments.Timeout,
			Currency:    cfg.Payments.Currency,
		})
		if err != nil {
			return nil, fmt.Errorf("build payment orchestrator: %w", err)
		}
	} else {
		logger.Warn("payments disabled: STRIPE_API_KEY is not set")
	}

	retries := cfg.Scheduler.MaxRetries
	if retries == 0 {
		// the sweeper reads zero as "use the default"
		retries = -1
	}
	c.Sweeper, err = scheduler.NewSweeper(scheduler.Deps{
		Orders:  c.OrderStore,
		Firer:   c.Orders,
		Metrics: c.Metrics,
		Logger:  logger,
		Config: scheduler.Config{
			Interval:           cfg.Scheduler.Interval,
			OrderTimeout:       cfg.Scheduler.OrderTimeout,
			Workers:            cfg.Scheduler.Workers,
			MaxRetries:         retries,
			SkipAlertThreshold: cfg.Scheduler.SkipAlertThreshold,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("build scheduler: %w", err)
	}
	return c, nil
}

// ReplayAuditFallback restores diverted audit records. Entrypoints call it on start so entries
// written during an outage reach the primary store.
func (c *Container) ReplayAuditFallback(ctx context.Context) {
	n, err := c.Ledger.ReplayFallback(ctx)
	if err != nil {
		c.Logger.Warn("audit.fallback.replay_incomplete", zap.Int("restored", n), zap.Error(err))
		return
	}
	if n > 0 {
		c.Logger.Info("audit.fallback.replayed", zap.Int("restored", n))
	}
}
