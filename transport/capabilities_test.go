package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCapabilities_AtLeastOnce(t *testing.T) {
	tests := []struct {
		name string
		caps Capabilities
		want bool
	}{
		{"worker claim", Capabilities{SupportsWorkerClaim: true}, true},
		{"native redelivery", Capabilities{SupportsNativeRedelivery: true}, true},
		{"neither", Capabilities{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.caps.AtLeastOnce())
		})
	}
}

func TestCapabilities_RequiresClaimLoop(t *testing.T) {
	assert.True(t, RedisCapabilities.RequiresClaimLoop())
	assert.True(t, PebbleCapabilities.RequiresClaimLoop())
	assert.False(t, NATSJetStreamCapabilities.RequiresClaimLoop())
	assert.False(t, KafkaCapabilities.RequiresClaimLoop())
	assert.False(t, Capabilities{SupportsWorkerClaim: true, SupportsNativeRedelivery: true}.RequiresClaimLoop())
}

func TestPredefinedCapabilities(t *testing.T) {
	all := []Capabilities{
		RedisCapabilities,
		PebbleCapabilities,
		NATSJetStreamCapabilities,
		ChannelCapabilities,
		KafkaCapabilities,
		RabbitMQCapabilities,
		NATSCapabilities,
		AWSCapabilities,
		HTTPCapabilities,
	}
	seen := map[string]bool{}
	for _, caps := range all {
		assert.NotEmpty(t, caps.Name)
		assert.False(t, seen[caps.Name], "duplicate capability name %s", caps.Name)
		seen[caps.Name] = true
	}

	assert.True(t, RedisCapabilities.SupportsDepth)
	assert.True(t, ChannelCapabilities.SupportsDepth)
	assert.False(t, KafkaCapabilities.SupportsDepth)
	assert.False(t, NATSCapabilities.Durable)
	assert.False(t, HTTPCapabilities.AtLeastOnce())
}
