package aws

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/stretchr/testify/require"
)

type recordingSQS struct {
	inputs []*sqs.SendMessageInput
	err    error
}

func (r *recordingSQS) SendMessage(ctx context.Context, in *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	if r.err != nil {
		return nil, r.err
	}
	r.inputs = append(r.inputs, in)
	return &sqs.SendMessageOutput{}, nil
}

func TestPublisher_Publish(t *testing.T) {
	rec := &recordingSQS{}
	p := NewPublisher(rec, "https://sqs.local/queue")

	err := p.Publish(context.Background(), map[string]string{"order_id": "o-1"}, map[string]string{
		"tenant_id":      "t-1",
		"correlation_id": "",
	})
	require.NoError(t, err)
	require.Len(t, rec.inputs, 1)

	var body map[string]string
	require.NoError(t, json.Unmarshal([]byte(*rec.inputs[0].MessageBody), &body))
	require.Equal(t, "o-1", body["order_id"])
	require.Contains(t, rec.inputs[0].MessageAttributes, "tenant_id")
	require.NotContains(t, rec.inputs[0].MessageAttributes, "correlation_id")
}

func TestPublisher_SendError(t *testing.T) {
	p := NewPublisher(&recordingSQS{err: errors.New("boom")}, "https://sqs.local/queue")
	err := p.SendMessage(context.Background(), "{}", nil)
	require.Error(t, err)
}

func TestPublisher_NotConfigured(t *testing.T) {
	var p *Publisher
	require.Error(t, p.SendMessage(context.Background(), "{}", nil))
}
