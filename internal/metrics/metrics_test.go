package metrics

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

type fakeCloudWatch struct {
	inputs []*cloudwatch.PutMetricDataInput
	err    error
}

func (f *fakeCloudWatch) PutMetricData(ctx context.Context, in *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error) {
	f.inputs = append(f.inputs, in)
	return &cloudwatch.PutMetricDataOutput{}, f.err
}

func TestCloudWatch_Add(t *testing.T) {
	cw := &fakeCloudWatch{}
	r := NewCloudWatch(cw, "Orders", nil)

	r.Add(context.Background(), SchedulerOrdersSkipped, 2, map[string]string{"reason": "invalid_transition", "env": "test"})

	require.Len(t, cw.inputs, 1)
	in := cw.inputs[0]
	require.Equal(t, "Orders", *in.Namespace)
	require.Equal(t, SchedulerOrdersSkipped, *in.MetricData[0].MetricName)
	require.Equal(t, 2.0, *in.MetricData[0].Value)
	require.Equal(t, "env", *in.MetricData[0].Dimensions[0].Name)
}

func TestCloudWatch_FailureIsSwallowed(t *testing.T) {
	r := NewCloudWatch(&fakeCloudWatch{err: errors.New("throttled")}, "Orders", nil)
	require.NotPanics(t, func() {
		r.Add(context.Background(), PaymentOutcomes, 1, nil)
	})
}

func TestPrometheus_Add(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := NewPrometheus(reg, "restaurant-orderflow", nil)

	r.Add(context.Background(), SchedulerOrdersFired, 3, map[string]string{"tenant": "t-1"})
	r.Add(context.Background(), SchedulerOrdersFired, 1, map[string]string{"tenant": "t-1"})
	// mismatched label set is dropped, not panicking
	r.Add(context.Background(), SchedulerOrdersFired, 1, map[string]string{"other": "x"})

	vec := r.counters[SchedulerOrdersFired]
	require.NotNil(t, vec)
	require.Equal(t, 4.0, testutil.ToFloat64(vec.WithLabelValues("t-1")))
	require.Equal(t, 1, testutil.CollectAndCount(vec))
}

func TestToSnake(t *testing.T) {
	require.Equal(t, "scheduler_orders_fired", toSnake("SchedulerOrdersFired"))
	require.Equal(t, "restaurant_orderflow", sanitize("restaurant-orderflow"))
}
