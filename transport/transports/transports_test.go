package transports

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/drblury/assignflow/transport"
)

func TestAllStoresRegistered(t *testing.T) {
	names := transport.DefaultRegistry.Names()
	for _, name := range []string{"aws", "channel", "http", "kafka", "nats", "nats-jetstream", "pebble", "rabbitmq", "redis"} {
		assert.Contains(t, names, name)
	}
}
