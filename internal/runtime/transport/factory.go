package transport

import (
	"context"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"

	"github.com/drblury/assignflow/internal/runtime/config"
	errspkg "github.com/drblury/assignflow/internal/runtime/errors"
	"github.com/drblury/assignflow/transport"

	// Register every built-in channel store.
	_ "github.com/drblury/assignflow/transport/transports"
)

// Factory abstracts how assignflow opens its channel store.
type Factory interface {
	Build(ctx context.Context, conf *config.Config, logger watermill.LoggerAdapter) (transport.Store, error)
}

// FactoryFunc adapts a function to Factory.
type FactoryFunc func(ctx context.Context, conf *config.Config, logger watermill.LoggerAdapter) (transport.Store, error)

func (f FactoryFunc) Build(ctx context.Context, conf *config.Config, logger watermill.LoggerAdapter) (transport.Store, error) {
	return f(ctx, conf, logger)
}

// DefaultFactory returns the factory backed by the default store registry.
func DefaultFactory() Factory {
	return defaultFactory{}
}

type defaultFactory struct{}

func (defaultFactory) Build(ctx context.Context, conf *config.Config, logger watermill.LoggerAdapter) (transport.Store, error) {
	if conf == nil {
		return nil, errspkg.ErrConfigRequired
	}
	if logger == nil {
		logger = watermill.NopLogger{}
	}

	store, err := transport.Build(ctx, conf, logger)
	if err != nil {
		return nil, err
	}

	// Unreachable stores are fatal at startup rather than on the first read.
	if p, ok := store.(transport.Pinger); ok {
		if err := p.Ping(ctx); err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("%s store unreachable: %w", conf.Transport, err)
		}
	}
	return store, nil
}

// Capabilities describes the configured store.
func Capabilities(conf *config.Config) transport.Capabilities {
	if conf == nil {
		return transport.Capabilities{}
	}
	return transport.GetCapabilities(conf.Transport)
}
