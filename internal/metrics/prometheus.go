package metrics

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Prometheus exposes counters on a registry. Each metric name keeps the label set it was first
// recorded with.
type Prometheus struct {
	mu        sync.Mutex
	registry  prometheus.Registerer
	namespace string
	counters  map[string]*prometheus.CounterVec
	labels    map[string][]string
	logger    *zap.Logger
}

// NewPrometheus returns a recorder registering counters on registry.
func NewPrometheus(registry prometheus.Registerer, namespace string, logger *zap.Logger) *Prometheus {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Prometheus{
		registry:  registry,
		namespace: sanitize(namespace),
		counters:  map[string]*prometheus.CounterVec{},
		labels:    map[string][]string{},
		logger:    logger,
	}
}

// Add implements Recorder.
func (p *Prometheus) Add(_ context.Context, name string, value float64, labels map[string]string) {
	vec, names, err := p.counter(name, labels)
	if err != nil {
		p.logger.Warn("metrics.prometheus.register_failed", zap.String("metric", name), zap.Error(err))
		return
	}
	if len(labels) != len(names) {
		p.logger.Warn("metrics.prometheus.labels_mismatch", zap.String("metric", name))
		return
	}
	values := make([]string, len(names))
	for i, n := range names {
		v, ok := labels[n]
		if !ok {
			p.logger.Warn("metrics.prometheus.labels_mismatch", zap.String("metric", name), zap.String("missing", n))
			return
		}
		values[i] = v
	}
	c, err := vec.GetMetricWithLabelValues(values...)
	if err != nil {
		p.logger.Warn("metrics.prometheus.labels_mismatch", zap.String("metric", name), zap.Error(err))
		return
	}
	c.Add(value)
}

func (p *Prometheus) counter(name string, labels map[string]string) (*prometheus.CounterVec, []string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if vec, ok := p.counters[name]; ok {
		return vec, p.labels[name], nil
	}
	names := make([]string, 0, len(labels))
	for k := range labels {
		names = append(names, k)
	}
	sort.Strings(names)

	vec := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: p.namespace,
		Name:      toSnake(name) + "_total",
		Help:      name + " counter",
	}, names)
	if err := p.registry.Register(vec); err != nil {
		return nil, nil, err
	}
	p.counters[name] = vec
	p.labels[name] = names
	return vec, names, nil
}

func toSnake(s string) string {
	var b strings.Builder
	for i, r := range s {
		if r >= 'A' && r <= 'Z' {
			if i > 0 {
				b.WriteByte('_')
			}
			r += 'a' - 'A'
		}
		b.WriteRune(r)
	}
	return b.String()
}

func sanitize(s string) string {
	return strings.Trim(toSnake(strings.ReplaceAll(s, "-", "_")), "_")
}
