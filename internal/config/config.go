package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultIdempotencyTTL       = 24 * time.Hour
	defaultIdempotencyWait      = 5 * time.Second
	defaultIdempotencyPoll      = 100 * time.Millisecond
	defaultSweepInterval        = 30 * time.Second
	defaultSweepWorkers         = 8
	defaultSweepRetries         = 2
	defaultSkipAlertThreshold   = 5
	defaultPaymentTimeout       = 10 * time.Second
	defaultCurrency             = "usd"
	defaultFallbackLogPath      = "/tmp/orderflow-audit-fallback.log"
	defaultMetricsNamespace     = "RestaurantOrderflow"
	defaultLocalAddr            = ":8080"
	defaultMetricsBackendLambda = "cloudwatch"
)

// Config groups runtime settings by concern.
type Config struct {
	Tables      TableConfig
	Queues      QueueConfig
	Idempotency IdempotencyConfig
	Scheduler   SchedulerConfig
	Payments    PaymentsConfig
	Audit       AuditConfig
	Metrics     MetricsConfig
	RunLocal    bool
	LocalAddr   string
}

// TableConfig lists DynamoDB table names.
type TableConfig struct {
	Orders      string
	Transitions string
	Idempotency string
	Audit       string
}

// QueueConfig lists SQS queue URLs.
type QueueConfig struct {
	OrderEvents string
}

// IdempotencyConfig controls key retention and duplicate waiting.
type IdempotencyConfig struct {
	TTL          time.Duration
	WaitTimeout  time.Duration
	PollInterval time.Duration
}

// SchedulerConfig controls the scheduled-order sweep.
type SchedulerConfig struct {
	Interval           time.Duration
	OrderTimeout       time.Duration
	Workers            int
	MaxRetries         int
	SkipAlertThreshold int
}

// PaymentsConfig configures the processor adapter.
type PaymentsConfig struct {
	StripeAPIKey    string
	StripeAccountID string
	Timeout         time.Duration
	Currency        string
}

// AuditConfig configures the audit fallback sink.
type AuditConfig struct {
	FallbackLogPath string
}

// MetricsConfig selects the metrics backend: cloudwatch, prometheus or none.
type MetricsConfig struct {
	Backend   string
	Namespace string
}

// Load reads configuration from the environment.
func Load() (Config, error) {
	return load(os.Getenv)
}

func load(getenv func(string) string) (Config, error) {
	r := reader{getenv: getenv}

	cfg := Config{
		Tables: TableConfig{
			Orders:      r.str("ORDERS_TABLE", ""),
			Transitions: r.str("ORDER_TRANSITIONS_TABLE", ""),
			Idempotency: r.str("IDEMPOTENCY_TABLE", ""),
			Audit:       r.str("AUDIT_TABLE", ""),
		},
		Queues: QueueConfig{
			OrderEvents: r.str("ORDER_EVENTS_QUEUE_URL", ""),
		},
		Idempotency: IdempotencyConfig{
			TTL:          r.duration("IDEMPOTENCY_TTL", defaultIdempotencyTTL),
			WaitTimeout:  r.duration("IDEMPOTENCY_WAIT_TIMEOUT", defaultIdempotencyWait),
			PollInterval: r.duration("IDEMPOTENCY_POLL_INTERVAL", defaultIdempotencyPoll),
		},
		Scheduler: SchedulerConfig{
			Interval:           r.duration("SCHEDULER_INTERVAL", defaultSweepInterval),
			Workers:            r.integer("SCHEDULER_WORKERS", defaultSweepWorkers),
			MaxRetries:         r.integer("SCHEDULER_MAX_RETRIES", defaultSweepRetries),
			SkipAlertThreshold: r.integer("SCHEDULER_SKIP_ALERT_THRESHOLD", defaultSkipAlertThreshold),
		},
		Payments: PaymentsConfig{
			StripeAPIKey:    r.str("STRIPE_API_KEY", ""),
			StripeAccountID: r.str("STRIPE_ACCOUNT_ID", ""),
			Timeout:         r.duration("PAYMENT_TIMEOUT", defaultPaymentTimeout),
			Currency:        strings.ToLower(r.str("PAYMENT_CURRENCY", defaultCurrency)),
		},
		Audit: AuditConfig{
			FallbackLogPath: r.str("AUDIT_FALLBACK_LOG", defaultFallbackLogPath),
		},
		RunLocal:  r.boolean("RUN_LOCAL", false),
		LocalAddr: r.str("LOCAL_ADDR", defaultLocalAddr),
	}
	// a sweep's per-order timeout defaults to one interval
	cfg.Scheduler.OrderTimeout = r.duration("SCHEDULER_ORDER_TIMEOUT", cfg.Scheduler.Interval)

	backend := defaultMetricsBackendLambda
	if cfg.RunLocal {
		backend = "prometheus"
	}
	cfg.Metrics = MetricsConfig{
		Backend:   strings.ToLower(r.str("METRICS_BACKEND", backend)),
		Namespace: r.str("METRICS_NAMESPACE", defaultMetricsNamespace),
	}

	if len(r.errs) > 0 {
		return Config{}, errors.Join(r.errs...)
	}
	return cfg, nil
}

// Validate checks the settings every entrypoint needs.
func (c Config) Validate() error {
	var errs []error
	if c.Tables.Orders == "" {
		errs = append(errs, errors.New("config: ORDERS_TABLE is required"))
	}
	if c.Tables.Transitions == "" {
		errs = append(errs, errors.New("config: ORDER_TRANSITIONS_TABLE is required"))
	}
	if c.Tables.Idempotency == "" {
		errs = append(errs, errors.New("config: IDEMPOTENCY_TABLE is required"))
	}
	if c.Tables.Audit == "" {
		errs = append(errs, errors.New("config: AUDIT_TABLE is required"))
	}
	if c.Audit.FallbackLogPath == "" {
		errs = append(errs, errors.New("config: AUDIT_FALLBACK_LOG is required"))
	}
	if c.Scheduler.Workers <= 0 {
		errs = append(errs, errors.New("config: SCHEDULER_WORKERS must be positive"))
	}
	switch c.Metrics.Backend {
	case "cloudwatch", "prometheus", "none":
	default:
		errs = append(errs, fmt.Errorf("config: unknown METRICS_BACKEND %q", c.Metrics.Backend))
	}
	return errors.Join(errs...)
}

type reader struct {
	getenv func(string) string
	errs   []error
}

func (r *reader) str(key, def string) string {
	if v := strings.TrimSpace(r.getenv(key)); v != "" {
		return v
	}
	return def
}

func (r *reader) duration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(r.getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		r.errs = append(r.errs, fmt.Errorf("config: %s: invalid duration %q", key, v))
		return def
	}
	return d
}

func (r *reader) integer(key string, def int) int {
	v := strings.TrimSpace(r.getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("config: %s: invalid integer %q", key, v))
		return def
	}
	return n
}

func (r *reader) boolean(key string, def bool) bool {
	v := strings.TrimSpace(r.getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("config: %s: invalid bool %q", key, v))
		return def
	}
	return b
}
