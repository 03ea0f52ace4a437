// Package channel provides an in-memory channel store on Watermill's Go
// channel pub/sub. It is meant for tests and single-process development: every
// group in the process sees every entry, and nothing survives a restart.
package channel

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/drblury/assignflow/transport"
	"github.com/drblury/assignflow/transport/bridge"
)

// TransportName is the name used to register this store.
const TransportName = "channel"

// Factory allows overriding the channel creation for testing.
var Factory = func(cfg gochannel.Config, logger watermill.LoggerAdapter) (message.Publisher, message.Subscriber) {
	pubSub := gochannel.NewGoChannel(cfg, logger)
	return pubSub, pubSub
}

func init() {
	Register()
}

// Register registers the channel store with the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.ChannelCapabilities)
}

// Build creates a persistent Go channel pub/sub so groups joining late still
// see earlier entries. Depth is tracked locally.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Store, error) {
	pub, sub := Factory(gochannel.Config{Persistent: true}, logger)
	return bridge.New(bridge.Options{
		Name:          TransportName,
		Publisher:     pub,
		NewSubscriber: bridge.SingleSubscriber(sub),
		Logger:        logger,
		LocalDepth:    true,
	})
}

// Capabilities returns the capabilities of this store.
func Capabilities() transport.Capabilities {
	return transport.ChannelCapabilities
}
