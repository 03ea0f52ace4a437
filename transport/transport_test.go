package transport

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	errspkg "github.com/drblury/assignflow/internal/runtime/errors"
)

func TestStaticConfigImplementsConfig(t *testing.T) {
	var cfg Config = &StaticConfig{
		Transport:          "redis",
		RedisURL:           "redis://localhost:6379/0",
		PebbleDir:          "/tmp/queue",
		KafkaBrokers:       []string{"k:9092"},
		RabbitMQURL:        "amqp://localhost",
		NATSURL:            "nats://localhost:4222",
		HTTPServerAddress:  ":8080",
		HTTPPublisherURL:   "http://localhost:8080/",
		AWSRegion:          "eu-west-1",
		AWSAccountID:       "000000000000",
		AWSAccessKeyID:     "id",
		AWSSecretAccessKey: "secret",
		AWSEndpoint:        "http://localhost:4566",
		StreamMaxLen:       100,
		ClaimMinIdle:       time.Minute,
	}

	assert.Equal(t, "redis", cfg.GetTransport())
	assert.Equal(t, "redis://localhost:6379/0", cfg.GetRedisURL())
	assert.Equal(t, "/tmp/queue", cfg.GetPebbleDir())
	assert.Equal(t, []string{"k:9092"}, cfg.GetKafkaBrokers())
	assert.Equal(t, "amqp://localhost", cfg.GetRabbitMQURL())
	assert.Equal(t, "nats://localhost:4222", cfg.GetNATSURL())
	assert.Equal(t, ":8080", cfg.GetHTTPServerAddress())
	assert.Equal(t, "http://localhost:8080/", cfg.GetHTTPPublisherURL())
	assert.Equal(t, "eu-west-1", cfg.GetAWSRegion())
	assert.Equal(t, "000000000000", cfg.GetAWSAccountID())
	assert.Equal(t, "id", cfg.GetAWSAccessKeyID())
	assert.Equal(t, "secret", cfg.GetAWSSecretAccessKey())
	assert.Equal(t, "http://localhost:4566", cfg.GetAWSEndpoint())
	assert.Equal(t, int64(100), cfg.GetStreamMaxLen())
	assert.Equal(t, time.Minute, cfg.GetClaimMinIdle())
}

func TestDataFieldName(t *testing.T) {
	assert.Equal(t, "data", DataField)
}

func TestCheckNames(t *testing.T) {
	cases := []struct {
		names []string
		want  error
	}{
		{[]string{"assignments.grid"}, nil},
		{[]string{"assignments.grid", "workers.grid", "grid-1-2"}, nil},
		{[]string{""}, errspkg.ErrTopicRequired},
		{[]string{"assignments.grid", " "}, errspkg.ErrGroupRequired},
		{[]string{"assignments.grid", "workers.grid", ""}, errspkg.ErrConsumerRequired},
		{[]string{"", "", ""}, errspkg.ErrTopicRequired},
		{nil, nil},
	}
	for _, tc := range cases {
		err := CheckNames(tc.names...)
		if tc.want == nil {
			assert.NoError(t, err, "%q", tc.names)
			continue
		}
		assert.ErrorIs(t, err, tc.want, "%q", tc.names)
	}
}
