package aws

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-aws/sns"
	"github.com/ThreeDotsLabs/watermill-aws/sqs"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/assignflow/transport"
)

func TestRegister(t *testing.T) {
	transport.DefaultRegistry = transport.NewRegistry()
	Register()

	caps := transport.GetCapabilities(TransportName)
	assert.Equal(t, "aws", caps.Name)
	assert.True(t, caps.SupportsNativeRedelivery)
	assert.Equal(t, int64(262144), caps.MaxMessageSize)
}

func TestCapabilities(t *testing.T) {
	assert.Equal(t, transport.AWSCapabilities, Capabilities())
	assert.Equal(t, "aws", TransportName)
}

func stubFactories(t *testing.T) {
	t.Helper()
	originalConfigLoader := DefaultConfigLoader
	originalTopicResolver := TopicResolverFactory
	originalPubFactory := PublisherFactory
	originalSubFactory := SubscriberFactory
	t.Cleanup(func() {
		DefaultConfigLoader = originalConfigLoader
		TopicResolverFactory = originalTopicResolver
		PublisherFactory = originalPubFactory
		SubscriberFactory = originalSubFactory
	})

	DefaultConfigLoader = func(ctx context.Context, opts ...func(*awsconfig.LoadOptions) error) (aws.Config, error) {
		return aws.Config{Region: "us-east-1"}, nil
	}
	TopicResolverFactory = func(accountID, region string) (*sns.GenerateArnTopicResolver, error) {
		return &sns.GenerateArnTopicResolver{}, nil
	}
	PublisherFactory = func(cfg sns.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
		return &mockPublisher{}, nil
	}
	SubscriberFactory = func(cfg sns.SubscriberConfig, sqsCfg sqs.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
		return &mockSubscriber{}, nil
	}
}

func TestBuild(t *testing.T) {
	cfg := &transport.StaticConfig{AWSRegion: "us-east-1", AWSAccountID: "123456789012"}

	t.Run("creates one queue per group", func(t *testing.T) {
		stubFactories(t)

		var queues []string
		SubscriberFactory = func(cfg sns.SubscriberConfig, sqsCfg sqs.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
			name, err := cfg.GenerateSqsQueueName(context.Background(), "arn:aws:sns:us-east-1:123456789012:assignments_grid")
			require.NoError(t, err)
			queues = append(queues, name)
			return &mockSubscriber{}, nil
		}

		store, err := Build(context.Background(), cfg, watermill.NopLogger{})
		require.NoError(t, err)
		defer store.Close()

		ctx := context.Background()
		require.NoError(t, store.EnsureGroup(ctx, "assignments.grid", "workers.grid"))
		require.NoError(t, store.EnsureGroup(ctx, "assignments.grid", "audit"))
		assert.Equal(t, []string{"assignments_grid-workers_grid", "assignments_grid-audit"}, queues)
	})

	t.Run("returns error when config loader fails", func(t *testing.T) {
		stubFactories(t)
		DefaultConfigLoader = func(ctx context.Context, opts ...func(*awsconfig.LoadOptions) error) (aws.Config, error) {
			return aws.Config{}, errors.New("config error")
		}

		_, err := Build(context.Background(), cfg, watermill.NopLogger{})
		assert.ErrorContains(t, err, "config error")
	})

	t.Run("returns error when publisher factory fails", func(t *testing.T) {
		stubFactories(t)
		PublisherFactory = func(cfg sns.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
			return nil, errors.New("publisher error")
		}

		_, err := Build(context.Background(), cfg, watermill.NopLogger{})
		assert.ErrorContains(t, err, "publisher error")
	})

	t.Run("surfaces subscriber errors on first use", func(t *testing.T) {
		stubFactories(t)
		SubscriberFactory = func(cfg sns.SubscriberConfig, sqsCfg sqs.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
			return nil, errors.New("subscriber error")
		}

		store, err := Build(context.Background(), cfg, watermill.NopLogger{})
		require.NoError(t, err)
		defer store.Close()
		assert.ErrorContains(t, store.EnsureGroup(context.Background(), "assignments.grid", "workers.grid"), "subscriber error")
	})

	t.Run("custom endpoint is applied", func(t *testing.T) {
		stubFactories(t)
		var endpointOpts int
		SubscriberFactory = func(cfg sns.SubscriberConfig, sqsCfg sqs.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
			endpointOpts = len(cfg.OptFns) + len(sqsCfg.OptFns)
			require.NotNil(t, cfg.AWSConfig.BaseEndpoint)
			assert.Equal(t, "http://localhost:4566", *cfg.AWSConfig.BaseEndpoint)
			return &mockSubscriber{}, nil
		}

		store, err := Build(context.Background(), &transport.StaticConfig{AWSEndpoint: "http://localhost:4566"}, watermill.NopLogger{})
		require.NoError(t, err)
		defer store.Close()
		require.NoError(t, store.EnsureGroup(context.Background(), "assignments.grid", "workers.grid"))
		assert.Equal(t, 2, endpointOpts)
	})
}

func TestSanitizeName(t *testing.T) {
	assert.Equal(t, "assignments_vision", sanitizeName("assignments.vision"))
	assert.Equal(t, "a-b_c", sanitizeName("a-b_c"))
	assert.Equal(t, "x_y_z", sanitizeName("x/y z"))
}

func TestQueueNameGeneratorTruncates(t *testing.T) {
	long := "arn:aws:sns:us-east-1:123456789012:" + strings.Repeat("a", 90)
	name, err := makeSqsQueueNameGenerator("workers")(context.Background(), sns.TopicArn(long))
	require.NoError(t, err)
	assert.Len(t, name, maxQueueNameLength)
}

func TestResolveAccountAndRegion(t *testing.T) {
	t.Run("uses config values", func(t *testing.T) {
		cfg := &transport.StaticConfig{AWSAccountID: "123456789012", AWSRegion: "us-west-2"}
		accountID, region := resolveAccountAndRegion(cfg, watermill.NopLogger{}, "us-east-1")
		assert.Equal(t, "123456789012", accountID)
		assert.Equal(t, "us-west-2", region)
	})

	t.Run("uses fallback region when config region empty", func(t *testing.T) {
		cfg := &transport.StaticConfig{AWSAccountID: "123456789012"}
		_, region := resolveAccountAndRegion(cfg, watermill.NopLogger{}, "us-east-1")
		assert.Equal(t, "us-east-1", region)
	})

	t.Run("uses localstack default when endpoint set and account empty", func(t *testing.T) {
		cfg := &transport.StaticConfig{AWSEndpoint: "http://localhost:4566"}
		accountID, _ := resolveAccountAndRegion(cfg, watermill.NopLogger{}, "us-east-1")
		assert.Equal(t, localstackAccountID, accountID)
	})

	t.Run("replaces malformed account id against localstack", func(t *testing.T) {
		cfg := &transport.StaticConfig{AWSEndpoint: "http://localhost:4566", AWSAccountID: "'123'"}
		accountID, _ := resolveAccountAndRegion(cfg, watermill.NopLogger{}, "us-east-1")
		assert.Equal(t, localstackAccountID, accountID)
	})

	t.Run("returns empty values for nil config", func(t *testing.T) {
		accountID, region := resolveAccountAndRegion(nil, watermill.NopLogger{}, "us-east-1")
		assert.Equal(t, "", accountID)
		assert.Equal(t, "us-east-1", region)
	})
}

func TestAwsEndpointURL(t *testing.T) {
	url, err := awsEndpointURL(nil)
	assert.NoError(t, err)
	assert.Nil(t, url)

	url, err = awsEndpointURL(&transport.StaticConfig{})
	assert.NoError(t, err)
	assert.Nil(t, url)

	url, err = awsEndpointURL(&transport.StaticConfig{AWSEndpoint: "http://localhost:4566"})
	require.NoError(t, err)
	assert.Equal(t, "localhost:4566", url.Host)

	_, err = awsEndpointURL(&transport.StaticConfig{AWSEndpoint: "http://[::1"})
	assert.Error(t, err)
}

type mockPublisher struct{}

func (m *mockPublisher) Publish(topic string, messages ...*message.Message) error { return nil }
func (m *mockPublisher) Close() error                                             { return nil }

type mockSubscriber struct{}

func (m *mockSubscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	return make(chan *message.Message), nil
}
func (m *mockSubscriber) Close() error { return nil }
