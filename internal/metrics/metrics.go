// Package metrics records operational counters to CloudWatch (Lambda deployments) or
// Prometheus (long-running local processes).
package metrics

import "context"

// Metric names shared by the components.
const (
	AuditFallbackWrites    = "AuditFallbackWrites"
	AuditFallbackReplayed  = "AuditFallbackReplayed"
	SchedulerOrdersFired   = "SchedulerOrdersFired"
	SchedulerOrdersSkipped = "SchedulerOrdersSkipped"
	SchedulerOrdersFailed  = "SchedulerOrdersFailed"
	SchedulerSkipAlert     = "SchedulerSkipAlert"
	PaymentOutcomes        = "PaymentOutcomes"
	TenantViolations       = "TenantViolations"
)

// Recorder adds value to the named counter. Implementations must not block callers on
// delivery failures.
type Recorder interface {
	Add(ctx context.Context, name string, value float64, labels map[string]string)
}

// Nop discards every metric.
type Nop struct{}

// Add implements Recorder.
func (Nop) Add(context.Context, string, float64, map[string]string) {}

// OrNop returns r, or Nop when r is nil.
func OrNop(r Recorder) Recorder {
	if r == nil {
		return Nop{}
	}
	return r
}
