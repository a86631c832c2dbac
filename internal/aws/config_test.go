package aws

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadAWSConfig_DefaultRegion(t *testing.T) {
	t.Setenv("AWS_ENDPOINT_OVERRIDE", "")
	t.Setenv("AWS_REGION", "")

	cfg, err := LoadAWSConfig(context.Background())
	require.NoError(t, err)
	require.Equal(t, "us-east-1", cfg.Region)
	require.Nil(t, cfg.BaseEndpoint)
}

func TestLoadAWSConfig_WithEndpointOverride(t *testing.T) {
	t.Setenv("AWS_REGION", "eu-west-1")
	t.Setenv("AWS_ENDPOINT_OVERRIDE", "http://localhost:4566")

	cfg, err := LoadAWSConfig(context.Background())
	require.NoError(t, err)
	require.Equal(t, "eu-west-1", cfg.Region)
	require.NotNil(t, cfg.BaseEndpoint)
	require.Equal(t, "http://localhost:4566", *cfg.BaseEndpoint)
}

func TestClientsFromConfig(t *testing.T) {
	t.Setenv("AWS_REGION", "eu-west-1")
	cfg, err := LoadAWSConfig(context.Background())
	require.NoError(t, err)

	clients := ClientsFromConfig(cfg)
	require.NotNil(t, clients.DynamoDB)
	require.NotNil(t, clients.SQS)
	require.NotNil(t, clients.CloudWatch)

	require.Nil(t, clients.Publisher(""))
	pub := clients.Publisher("https://sqs.eu-west-1.amazonaws.com/123/order-events")
	require.Equal(t, "https://sqs.eu-west-1.amazonaws.com/123/order-events", pub.QueueURL)
}
