// Package http provides an HTTP push channel store. Entries are POSTed to
// HTTPPublisherURL+topic and received on an HTTP server bound to
// HTTPServerAddress. A single server serves every group, so groups share
// entries instead of each receiving a copy.
package http

import (
	"context"
	"errors"
	nethttp "net/http"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-http/v2/pkg/http"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/assignflow/transport"
	"github.com/drblury/assignflow/transport/bridge"
)

// TransportName is the name used to register this store.
const TransportName = "http"

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(config http.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return http.NewPublisher(config, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(addr string, config http.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return http.NewSubscriber(addr, config, logger)
}

func init() {
	Register()
}

// Register registers the HTTP store with the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.HTTPCapabilities)
}

// Build creates the publisher and the receiving server. The server starts
// after the first topic is subscribed.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Store, error) {
	serverAddr := cfg.GetHTTPServerAddress()
	publisherURL := cfg.GetHTTPPublisherURL()
	if serverAddr == "" || publisherURL == "" {
		return nil, errors.New("http: server address and publisher URL are required")
	}

	publisher, err := PublisherFactory(
		http.PublisherConfig{
			MarshalMessageFunc: func(topic string, msg *message.Message) (*nethttp.Request, error) {
				return http.DefaultMarshalMessageFunc(publisherURL+topic, msg)
			},
		},
		logger,
	)
	if err != nil {
		return nil, err
	}

	subscriber, err := SubscriberFactory(
		serverAddr,
		http.SubscriberConfig{
			UnmarshalMessageFunc: http.DefaultUnmarshalMessageFunc,
		},
		logger,
	)
	if err != nil {
		return nil, err
	}

	var startOnce sync.Once
	return bridge.New(bridge.Options{
		Name:          TransportName,
		Publisher:     publisher,
		NewSubscriber: bridge.SingleSubscriber(subscriber),
		Logger:        logger,
		OnSubscribed: func(sub message.Subscriber) error {
			server, ok := sub.(*http.Subscriber)
			if !ok {
				return nil
			}
			startOnce.Do(func() {
				go func() {
					if err := server.StartHTTPServer(); err != nil && !errors.Is(err, nethttp.ErrServerClosed) {
						logger.Error("Failed to start HTTP subscriber server", err, nil)
					}
				}()
			})
			return nil
		},
	})
}

// Capabilities returns the capabilities of this store.
func Capabilities() transport.Capabilities {
	return transport.HTTPCapabilities
}
