// Package memory wires a Server and a Client over one in-process broker.
// It suits tests, examples and single-binary deployments.
package memory

import (
	"context"
	"errors"
	"time"

	"github.com/next-trace/scg-rpc-bus/adapters/inmemory"
	"github.com/next-trace/scg-rpc-bus/registry"
	"github.com/next-trace/scg-rpc-bus/rpcbus"
)

// ShutdownTimeout bounds the drain performed by the cleanup func.
const ShutdownTimeout = 5 * time.Second

// Bus groups the wired components. Server and Client share one registry, so
// services registered on the server are callable by name.
type Bus struct {
	Broker *inmemory.Broker
	Server *rpcbus.Server
	Client *rpcbus.Client
}

// New constructs the bus. The returned cleanup closes the client, drains the
// server and closes the broker. Call Serve after registering services.
func New(ctx context.Context, sopts []rpcbus.ServerOption, copts ...rpcbus.ClientOption) (*Bus, func(), error) {
	broker := inmemory.New()
	reg := registry.New()

	srv := rpcbus.NewServer(broker, reg, sopts...)

	cl, err := rpcbus.NewClient(ctx, broker, reg, copts...)
	if err != nil {
		_ = broker.Close()
		return nil, nil, err
	}

	b := &Bus{Broker: broker, Server: srv, Client: cl}

	return b, func() { _ = b.Close() }, nil
}

// Serve runs the server in the background until ctx is done. Requests
// published before the subscriptions exist stay queued in the broker.
func (b *Bus) Serve(ctx context.Context) <-chan error {
	done := make(chan error, 1)

	go func() { done <- b.Server.Serve(ctx) }()

	return done
}

// Close releases every component.
func (b *Bus) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()

	return errors.Join(b.Client.Close(), b.Server.Shutdown(ctx), b.Broker.Close())
}
