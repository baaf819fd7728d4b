package kafka

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"strings"

	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/kmsg"
	"github.com/twmb/franz-go/pkg/sasl/plain"

	berr "github.com/next-trace/scg-rpc-bus/contract/errors"
)

// Concrete franz-go based constructor, writer and consumer wrappers.

type SASLConfig struct {
	Mechanism string // only PLAIN is supported
	Username  string
	Password  string
}

type Config struct {
	Brokers  []string
	TLS      *tls.Config
	SASL     *SASLConfig
	ClientID string
	// Group is the consumer group shared by service consumers.
	Group string
	// Acks is "all" (default), "leader" or "none".
	Acks string
	// Compression is "none", "gzip", "snappy", "lz4" or "zstd".
	Compression string
}

type kgoWriter struct{ cl *kgo.Client }

func (w kgoWriter) Write(ctx context.Context, topic string, key, value []byte, headers map[string]string) error {
	rec := &kgo.Record{Topic: topic, Key: key, Value: value}
	if len(headers) > 0 {
		rec.Headers = make([]kgo.RecordHeader, 0, len(headers))
		for k, v := range headers {
			rec.Headers = append(rec.Headers, kgo.RecordHeader{Key: k, Value: []byte(v)})
		}
	}

	return w.cl.ProduceSync(ctx, rec).FirstErr()
}

type kgoConsumer struct{ cl *kgo.Client }

func (c kgoConsumer) Poll(ctx context.Context) ([]Record, error) {
	fetches := c.cl.PollFetches(ctx)
	if fetches.IsClientClosed() {
		return nil, kgo.ErrClientClosed
	}

	var errs []error
	for _, fe := range fetches.Errors() {
		errs = append(errs, fmt.Errorf("%s[%d]: %w", fe.Topic, fe.Partition, fe.Err))
	}

	var out []Record

	fetches.EachRecord(func(r *kgo.Record) {
		h := make(map[string]string, len(r.Headers))
		for _, rh := range r.Headers {
			h[rh.Key] = string(rh.Value)
		}

		out = append(out, Record{
			Topic:     r.Topic,
			Partition: r.Partition,
			Offset:    r.Offset,
			Key:       r.Key,
			Value:     r.Value,
			Headers:   h,
			Raw:       r,
		})
	})

	if len(out) == 0 && len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	return out, nil
}

func (c kgoConsumer) Commit(ctx context.Context, recs ...Record) error {
	raws := make([]*kgo.Record, 0, len(recs))

	for _, r := range recs {
		if raw, ok := r.Raw.(*kgo.Record); ok {
			raws = append(raws, raw)
		}
	}

	return c.cl.CommitRecords(ctx, raws...)
}

func (c kgoConsumer) Close() { c.cl.Close() }

// privateConsumer owns a reply topic and its group. Drop deletes both
// through the admin client once the consumer has left the group.
type privateConsumer struct {
	kgoConsumer
	admin *kgo.Client
	topic string
	group string
}

func (c privateConsumer) Drop(ctx context.Context) error {
	greq := kmsg.NewPtrDeleteGroupsRequest()
	greq.Groups = []string{c.group}

	gresp, err := greq.RequestWith(ctx, c.admin)
	if err != nil {
		return fmt.Errorf("delete group %s: %w", c.group, err)
	}

	var errs []error
	for _, g := range gresp.Groups {
		if err := kerr.ErrorForCode(g.ErrorCode); err != nil && !errors.Is(err, kerr.GroupIDNotFound) {
			errs = append(errs, fmt.Errorf("delete group %s: %w", g.Group, err))
		}
	}

	t := kmsg.NewDeleteTopicsRequestTopic()
	t.Topic = kmsg.StringPtr(c.topic)

	treq := kmsg.NewPtrDeleteTopicsRequest()
	treq.TopicNames = []string{c.topic}
	treq.Topics = []kmsg.DeleteTopicsRequestTopic{t}
	treq.TimeoutMillis = int32(dropTimeout.Milliseconds())

	tresp, err := treq.RequestWith(ctx, c.admin)
	if err != nil {
		return errors.Join(append(errs, fmt.Errorf("delete topic %s: %w", c.topic, err))...)
	}

	for _, tt := range tresp.Topics {
		if err := kerr.ErrorForCode(tt.ErrorCode); err != nil && !errors.Is(err, kerr.UnknownTopicOrPartition) {
			errs = append(errs, fmt.Errorf("delete topic %s: %w", c.topic, err))
		}
	}

	return errors.Join(errs...)
}

// NewWithKgo builds a franz-go client based Adapter. The returned cleanup should be called to close the client.
// Exclusive subscriptions delete their reply topic and private group on
// Unsubscribe through the producer client, so the cleanup must run after
// every subscription is closed.
func NewWithKgo(cfg Config) (*Adapter, func(), error) {
	if len(cfg.Brokers) == 0 {
		return nil, nil, fmt.Errorf("%w: kafka brokers required", berr.ErrBrokerUnavailable)
	}

	base, err := baseOpts(cfg)
	if err != nil {
		return nil, nil, err
	}

	producerOpts := append([]kgo.Opt{kgo.AllowAutoTopicCreation()}, base...)

	acks, idempotent, err := ackOpt(cfg.Acks)
	if err != nil {
		return nil, nil, err
	}

	producerOpts = append(producerOpts, kgo.RequiredAcks(acks))
	if !idempotent {
		producerOpts = append(producerOpts, kgo.DisableIdempotentWrite())
	}

	if cfg.Compression != "" {
		codec, err := compression(cfg.Compression)
		if err != nil {
			return nil, nil, err
		}

		producerOpts = append(producerOpts, kgo.ProducerBatchCompression(codec))
	}

	cl, err := kgo.NewClient(producerOpts...)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: kafka client init: %w", berr.ErrBrokerUnavailable, err)
	}

	group := cfg.Group
	if group == "" {
		group = "rpc-workers"
	}

	factory := func(topic string, exclusive bool) (Consumer, error) {
		g := group
		if exclusive {
			// a private group receives every record of the reply topic
			g = group + "." + topic
		}

		opts := append([]kgo.Opt{
			kgo.ConsumerGroup(g),
			kgo.ConsumeTopics(topic),
			kgo.DisableAutoCommit(),
			kgo.AllowAutoTopicCreation(),
		}, base...)

		ccl, err := kgo.NewClient(opts...)
		if err != nil {
			return nil, err
		}

		if exclusive {
			return privateConsumer{kgoConsumer: kgoConsumer{cl: ccl}, admin: cl, topic: topic, group: g}, nil
		}

		return kgoConsumer{cl: ccl}, nil
	}

	ad := New(kgoWriter{cl: cl}, factory)
	cleanup := func() { cl.Close() }

	return ad, cleanup, nil
}

func baseOpts(cfg Config) ([]kgo.Opt, error) {
	opts := []kgo.Opt{kgo.SeedBrokers(cfg.Brokers...)}
	if cfg.ClientID != "" {
		opts = append(opts, kgo.ClientID(cfg.ClientID))
	}

	if cfg.TLS != nil {
		opts = append(opts, kgo.DialTLSConfig(cfg.TLS))
	}

	if cfg.SASL != nil && cfg.SASL.Mechanism != "" {
		if !strings.EqualFold(cfg.SASL.Mechanism, "PLAIN") {
			return nil, fmt.Errorf("%w: unsupported SASL mechanism %q", berr.ErrBrokerUnavailable, cfg.SASL.Mechanism)
		}

		opts = append(opts, kgo.SASL(plain.Auth{User: cfg.SASL.Username, Pass: cfg.SASL.Password}.AsMechanism()))
	}

	return opts, nil
}

// ackOpt maps an acks setting; idempotent writes require all-ISR acks.
func ackOpt(s string) (kgo.Acks, bool, error) {
	switch strings.ToLower(s) {
	case "", "all":
		return kgo.AllISRAcks(), true, nil
	case "leader":
		return kgo.LeaderAck(), false, nil
	case "none":
		return kgo.NoAck(), false, nil
	default:
		return kgo.Acks{}, false, fmt.Errorf("%w: unknown kafka acks %q", berr.ErrBrokerUnavailable, s)
	}
}

func compression(s string) (kgo.CompressionCodec, error) {
	switch strings.ToLower(s) {
	case "none":
		return kgo.NoCompression(), nil
	case "gzip":
		return kgo.GzipCompression(), nil
	case "snappy":
		return kgo.SnappyCompression(), nil
	case "lz4":
		return kgo.Lz4Compression(), nil
	case "zstd":
		return kgo.ZstdCompression(), nil
	default:
		return kgo.CompressionCodec{}, fmt.Errorf("%w: unknown kafka compression %q", berr.ErrBrokerUnavailable, s)
	}
}
