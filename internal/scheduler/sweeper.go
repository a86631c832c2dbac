// Package scheduler fires orders whose scheduled time has arrived. It has no privileged write
// path: every firing goes through orders.Service like any other status change.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/imrishuroy/restaurant-orderflow/internal/metrics"
	"github.com/imrishuroy/restaurant-orderflow/internal/observability"
	"github.com/imrishuroy/restaurant-orderflow/internal/orders"
)

const (
	defaultInterval           = 30 * time.Second
	defaultWorkers            = 8
	defaultMaxRetries         = 2
	defaultSkipAlertThreshold = 5
	defaultRetryBackoff       = 200 * time.Millisecond
)

type dueLister interface {
	ListDue(ctx context.Context, now time.Time) ([]orders.DueOrder, error)
}

type firer interface {
	FireScheduled(ctx context.Context, due orders.DueOrder) (*orders.Order, error)
}

// Config tunes a Sweeper. Zero values select defaults.
type Config struct {
	Interval           time.Duration
	OrderTimeout       time.Duration // per firing attempt; defaults to Interval
	Workers            int
	MaxRetries         int
	SkipAlertThreshold int
	RetryBackoff       time.Duration
}

// Deps wires the collaborators of Sweeper.
type Deps struct {
	Orders  dueLister
	Firer   firer
	Metrics metrics.Recorder
	Logger  *zap.Logger
	Clock   func() time.Time
	Config  Config
}

// Sweeper selects due orders and fires them on a bounded worker pool.
type Sweeper struct {
	lister  dueLister
	firer   firer
	metrics metrics.Recorder
	logger  *zap.Logger
	clock   func() time.Time
	cfg     Config
}

// Skip records an order the sweep refused to fire.
type Skip struct {
	OrderID  string `json:"order_id"`
	TenantID string `json:"tenant_id"`
	Reason   string `json:"reason"`
}

// Report summarises one sweep.
type Report struct {
	Selected int    `json:"selected"`
	Fired    int    `json:"fired"`
	Skipped  int    `json:"skipped"`
	Failed   int    `json:"failed"`
	Skips    []Skip `json:"skips,omitempty"`
}

// NewSweeper constructs a Sweeper.
func NewSweeper(deps Deps) (*Sweeper, error) {
	if deps.Orders == nil || deps.Firer == nil {
		return nil, errors.New("scheduler: orders lister and firer are required")
	}
	cfg := deps.Config
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.OrderTimeout <= 0 {
		cfg.OrderTimeout = cfg.Interval
	}
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	} else if cfg.MaxRetries == 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.SkipAlertThreshold <= 0 {
		cfg.SkipAlertThreshold = defaultSkipAlertThreshold
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = defaultRetryBackoff
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Sweeper{
		lister:  deps.Orders,
		firer:   deps.Firer,
		metrics: metrics.OrNop(deps.Metrics),
		logger:  observability.OrNop(deps.Logger).Named("scheduler"),
		clock:   clock,
		cfg:     cfg,
	}, nil
}

// Run sweeps immediately and then every interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("scheduler.sweep.failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

type fireOutcome int

const (
	outcomeFired fireOutcome = iota
	outcomeSkipped
	outcomeFailed
)

// Sweep fires every order due now. A rejected or failing order never aborts the batch; the
// returned error is non-nil only when due orders could not be listed.
func (s *Sweeper) Sweep(ctx context.Context) (Report, error) {
	started := s.clock()
	due, err := s.lister.ListDue(ctx, started)
	if err != nil {
		return Report{}, err
	}
	report := Report{Selected: len(due)}
	if len(due) == 0 {
		return report, nil
	}

	var (
		mu   sync.Mutex
		wg   sync.WaitGroup
		jobs = make(chan orders.DueOrder)
	)
	workers := s.cfg.Workers
	if workers > len(due) {
		workers = len(due)
	}
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for d := range jobs {
				outcome, reason := s.fire(ctx, d)
				mu.Lock()
				switch outcome {
				case outcomeFired:
					report.Fired++
				case outcomeSkipped:
					report.Skipped++
					report.Skips = append(report.Skips, Skip{OrderID: d.OrderID, TenantID: d.TenantID, Reason: reason})
				default:
					report.Failed++
				}
				mu.Unlock()
			}
		}()
	}
	for _, d := range due {
		jobs <- d
	}
	close(jobs)
	wg.Wait()

	s.metrics.Add(ctx, metrics.SchedulerOrdersFired, float64(report.Fired), nil)
	s.metrics.Add(ctx, metrics.SchedulerOrdersSkipped, float64(report.Skipped), nil)
	s.metrics.Add(ctx, metrics.SchedulerOrdersFailed, float64(report.Failed), nil)

	if report.Skipped >= s.cfg.SkipAlertThreshold {
		s.metrics.Add(ctx, metrics.SchedulerSkipAlert, 1, nil)
		s.logger.Error("scheduler.skip_threshold_exceeded",
			zap.Int("skipped", report.Skipped),
			zap.Int("threshold", s.cfg.SkipAlertThreshold))
	}
	s.logger.Info("scheduler.sweep.completed",
		zap.Int("selected", report.Selected),
		zap.Int("fired", report.Fired),
		zap.Int("skipped", report.Skipped),
		zap.Int("failed", report.Failed),
		zap.Duration("elapsed", s.clock().Sub(started)))
	return report, nil
}

// fire attempts one order with its own timeout per attempt. Typed rejections are skipped at
// once; other errors are retried a bounded number of times.
func (s *Sweeper) fire(ctx context.Context, d orders.DueOrder) (fireOutcome, string) {
	log := s.logger.With(zap.String("order_id", d.OrderID), zap.String("tenant_id", d.TenantID))
	var lastErr error
	for attempt := 0; attempt <= s.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				log.Warn("scheduler.order.failed", zap.Error(ctx.Err()))
				return outcomeFailed, ""
			case <-time.After(s.cfg.RetryBackoff * time.Duration(attempt)):
			}
		}
		err := s.attempt(ctx, d)
		if err == nil {
			log.Info("scheduler.order.fired")
			return outcomeFired, ""
		}
		if orders.IsRejection(err) {
			log.Warn("scheduler.order.skipped", zap.Error(err))
			return outcomeSkipped, err.Error()
		}
		lastErr = err
		log.Warn("scheduler.order.attempt_failed", zap.Int("attempt", attempt+1), zap.Error(err))
		if ctx.Err() != nil {
			break
		}
	}
	log.Error("scheduler.order.failed", zap.Error(lastErr))
	return outcomeFailed, ""
}

// attempt runs one firing bounded by the order timeout. A call that ignores its context is
// abandoned so it cannot hold the worker.
func (s *Sweeper) attempt(ctx context.Context, d orders.DueOrder) error {
	orderCtx, cancel := context.WithTimeout(ctx, s.cfg.OrderTimeout)
	defer cancel()
	done := make(chan error, 1)
	go func() {
		_, err := s.firer.FireScheduled(orderCtx, d)
		done <- err
	}()
	select {
	case err := <-done:
		return err
	case <-orderCtx.Done():
		return orderCtx.Err()
	}
}
