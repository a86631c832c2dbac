package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func envFrom(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := load(envFrom(map[string]string{
		"ORDERS_TABLE":            "orders",
		"ORDER_TRANSITIONS_TABLE": "order_transitions",
		"IDEMPOTENCY_TABLE":       "idempotency_records",
		"AUDIT_TABLE":             "audit_entries",
	}))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	require.Equal(t, 24*time.Hour, cfg.Idempotency.TTL)
	require.Equal(t, 30*time.Second, cfg.Scheduler.Interval)
	require.Equal(t, cfg.Scheduler.Interval, cfg.Scheduler.OrderTimeout)
	require.Equal(t, 5, cfg.Scheduler.SkipAlertThreshold)
	require.Equal(t, "usd", cfg.Payments.Currency)
	require.Equal(t, "cloudwatch", cfg.Metrics.Backend)
	require.False(t, cfg.RunLocal)
}

func TestLoad_RunLocalPrefersPrometheus(t *testing.T) {
	cfg, err := load(envFrom(map[string]string{
		"RUN_LOCAL":          "true",
		"SCHEDULER_INTERVAL": "10s",
		"PAYMENT_CURRENCY":   "EUR",
	}))
	require.NoError(t, err)
	require.True(t, cfg.RunLocal)
	require.Equal(t, "prometheus", cfg.Metrics.Backend)
	require.Equal(t, 10*time.Second, cfg.Scheduler.OrderTimeout)
	require.Equal(t, "eur", cfg.Payments.Currency)
}

func TestLoad_InvalidValues(t *testing.T) {
	_, err := load(envFrom(map[string]string{
		"IDEMPOTENCY_TTL":   "forever",
		"SCHEDULER_WORKERS": "many",
		"RUN_LOCAL":         "perhaps",
	}))
	require.Error(t, err)
	require.Contains(t, err.Error(), "IDEMPOTENCY_TTL")
	require.Contains(t, err.Error(), "SCHEDULER_WORKERS")
	require.Contains(t, err.Error(), "RUN_LOCAL")
}

func TestValidate_MissingTables(t *testing.T) {
	cfg, err := load(envFrom(map[string]string{}))
	require.NoError(t, err)
	err = cfg.Validate()
	require.Error(t, err)
	require.Contains(t, err.Error(), "ORDERS_TABLE")
	require.Contains(t, err.Error(), "AUDIT_TABLE")
}
