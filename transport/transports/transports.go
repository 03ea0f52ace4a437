// Package transports imports all built-in channel stores for auto-registration.
// Import this package to have every store registered with the default registry.
package transports

import (
	// Import all stores for side-effect registration
	_ "github.com/drblury/assignflow/transport/aws"
	_ "github.com/drblury/assignflow/transport/channel"
	_ "github.com/drblury/assignflow/transport/http"
	_ "github.com/drblury/assignflow/transport/jetstream"
	_ "github.com/drblury/assignflow/transport/kafka"
	_ "github.com/drblury/assignflow/transport/nats"
	_ "github.com/drblury/assignflow/transport/pebble"
	_ "github.com/drblury/assignflow/transport/rabbitmq"
	_ "github.com/drblury/assignflow/transport/redis"
)
