package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/next-trace/scg-rpc-bus/adapters/inmemory"
	"github.com/next-trace/scg-rpc-bus/adapters/kafka"
	"github.com/next-trace/scg-rpc-bus/adapters/nats"
	"github.com/next-trace/scg-rpc-bus/adapters/rabbitmq"
	"github.com/next-trace/scg-rpc-bus/adapters/redis"
	"github.com/next-trace/scg-rpc-bus/config"
	"github.com/next-trace/scg-rpc-bus/contract/rpc"
)

// newBroker builds the configured transport and its cleanup.
func newBroker(ctx context.Context, cfg config.Broker, logger *slog.Logger) (rpc.Broker, func(), error) { //nolint:ireturn
	switch cfg.Kind {
	case config.BrokerMemory, "":
		b := inmemory.New()
		return b, func() { _ = b.Close() }, nil

	case config.BrokerRabbitMQ:
		a, cleanup, err := rabbitmq.NewWithAMQPConn(rabbitmq.Config{
			URL:         cfg.URL,
			ConnTimeout: cfg.ConnectTimeout,
			Logger:      logger,
		})
		if err != nil {
			return nil, nil, err
		}

		return a, cleanup, nil

	case config.BrokerNATS:
		a, cleanup, err := nats.NewWithNATS(nats.Config{
			URL:         cfg.URL,
			Name:        "rpcworker",
			ConnTimeout: cfg.ConnectTimeout,
			Group:       cfg.Group,
		})
		if err != nil {
			return nil, nil, err
		}

		return a, cleanup, nil

	case config.BrokerKafka:
		a, cleanup, err := kafka.NewWithKgo(kafka.Config{
			Brokers:     cfg.Brokers,
			ClientID:    "rpcworker",
			Group:       cfg.Group,
			Acks:        cfg.Acks,
			Compression: cfg.Compression,
		})
		if err != nil {
			return nil, nil, err
		}

		return a, cleanup, nil

	case config.BrokerRedis:
		a, cleanup, err := redis.NewWithRedis(ctx, redis.Config{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		})
		if err != nil {
			return nil, nil, err
		}

		return a, cleanup, nil

	default:
		return nil, nil, fmt.Errorf("unknown broker kind %q", cfg.Kind)
	}
}
