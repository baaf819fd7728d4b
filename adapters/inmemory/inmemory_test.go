package inmemory_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/next-trace/scg-rpc-bus/adapters/inmemory"
	berr "github.com/next-trace/scg-rpc-bus/contract/errors"
	"github.com/next-trace/scg-rpc-bus/contract/rpc"
)

type sink struct {
	mu  sync.Mutex
	got []rpc.Delivery
	ch  chan rpc.Delivery
}

func newSink() *sink { return &sink{ch: make(chan rpc.Delivery, 64)} }

func (s *sink) fn(d rpc.Delivery) {
	s.mu.Lock()
	s.got = append(s.got, d)
	s.mu.Unlock()
	s.ch <- d
}

func (s *sink) next(t *testing.T) rpc.Delivery {
	t.Helper()

	select {
	case d := <-s.ch:
		return d
	case <-time.After(2 * time.Second):
		t.Fatalf("no delivery")
		return rpc.Delivery{}
	}
}

func (s *sink) none(t *testing.T) {
	t.Helper()

	select {
	case d := <-s.ch:
		t.Fatalf("unexpected delivery %q", d.Body)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestInmemory_PublishBeforeSubscribeIsBuffered(t *testing.T) {
	b := inmemory.New()

	msg := rpc.Message{CorrelationID: "c1", ReplyTo: "replies", Body: []byte(`{"x":1}`), Headers: map[string]string{"h": "v"}}
	if err := b.Publish(t.Context(), "square", msg); err != nil {
		t.Fatalf("publish: %v", err)
	}

	if b.Depth("square") != 1 {
		t.Fatalf("depth: %d", b.Depth("square"))
	}

	s := newSink()
	if _, err := b.Subscribe(t.Context(), "square", rpc.SubscribeOptions{}, s.fn); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	d := s.next(t)
	if d.CorrelationID != "c1" || d.ReplyTo != "replies" || string(d.Body) != `{"x":1}` || d.Headers["h"] != "v" {
		t.Fatalf("unexpected delivery: %+v", d)
	}

	if d.Queue != "square" || d.Redelivered {
		t.Fatalf("queue/redelivered: %+v", d)
	}

	if err := b.Ack(t.Context(), d); err != nil {
		t.Fatalf("ack: %v", err)
	}

	if err := b.Ack(t.Context(), d); !errors.Is(err, berr.ErrDelivery) {
		t.Fatalf("double ack should fail with ErrDelivery, got %v", err)
	}
}

func TestInmemory_PrefetchBoundsUnacked(t *testing.T) {
	b := inmemory.New()
	s := newSink()

	if _, err := b.Subscribe(t.Context(), "q", rpc.SubscribeOptions{Prefetch: 2}, s.fn); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	for range 3 {
		if err := b.Publish(t.Context(), "q", rpc.Message{Body: []byte("m")}); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	first := s.next(t)
	s.next(t)
	s.none(t)

	if b.Unacked() != 2 {
		t.Fatalf("unacked: %d", b.Unacked())
	}

	if err := b.Ack(t.Context(), first); err != nil {
		t.Fatalf("ack: %v", err)
	}

	s.next(t)
}

func TestInmemory_NackRequeueRedelivers(t *testing.T) {
	b := inmemory.New()
	s := newSink()

	if _, err := b.Subscribe(t.Context(), "q", rpc.SubscribeOptions{}, s.fn); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := b.Publish(t.Context(), "q", rpc.Message{CorrelationID: "c"}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	d := s.next(t)
	if err := b.Nack(t.Context(), d, true); err != nil {
		t.Fatalf("nack: %v", err)
	}

	again := s.next(t)
	if !again.Redelivered || again.CorrelationID != "c" {
		t.Fatalf("redelivery: %+v", again)
	}

	if err := b.Nack(t.Context(), again, false); err != nil {
		t.Fatalf("nack drop: %v", err)
	}

	s.none(t)
}

func TestInmemory_CompetingConsumersShareQueue(t *testing.T) {
	b := inmemory.New()
	s1, s2 := newSink(), newSink()
	both := make(chan rpc.Delivery, 64)

	for _, s := range []*sink{s1, s2} {
		fn := func(d rpc.Delivery) {
			s.fn(d)
			both <- d
			_ = b.Ack(t.Context(), d)
		}

		if _, err := b.Subscribe(t.Context(), "work", rpc.SubscribeOptions{Prefetch: 1}, fn); err != nil {
			t.Fatalf("subscribe: %v", err)
		}
	}

	for range 10 {
		_ = b.Publish(t.Context(), "work", rpc.Message{})
	}

	for range 10 {
		select {
		case <-both:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out")
		}
	}

	if b.Depth("work") != 0 {
		t.Fatalf("left over: %d", b.Depth("work"))
	}
}

func TestInmemory_ExclusiveQueue(t *testing.T) {
	b := inmemory.New()
	s := newSink()

	sub, err := b.Subscribe(t.Context(), "reply.1", rpc.SubscribeOptions{Exclusive: true}, s.fn)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if _, err := b.Subscribe(t.Context(), "reply.1", rpc.SubscribeOptions{Exclusive: true}, s.fn); !errors.Is(err, berr.ErrSubscribeFailed) {
		t.Fatalf("second consumer on exclusive queue: %v", err)
	}

	if err := sub.Unsubscribe(); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}

	// deleted with its consumer: publishes are dropped
	if err := b.Publish(t.Context(), "reply.1", rpc.Message{}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	if b.Depth("reply.1") != 0 {
		t.Fatalf("exclusive queue kept messages")
	}
}

func TestInmemory_ContextCancelStopsDelivery(t *testing.T) {
	b := inmemory.New()
	s := newSink()

	ctx, cancel := context.WithCancel(t.Context())
	if _, err := b.Subscribe(ctx, "q", rpc.SubscribeOptions{}, s.fn); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	cancel()
	time.Sleep(20 * time.Millisecond)

	_ = b.Publish(t.Context(), "q", rpc.Message{})
	s.none(t)

	if b.Depth("q") != 1 {
		t.Fatalf("message should wait for the next consumer")
	}
}

func TestInmemory_Closed(t *testing.T) {
	b := inmemory.New()
	_ = b.Close()

	if err := b.Publish(t.Context(), "q", rpc.Message{}); !errors.Is(err, berr.ErrBrokerUnavailable) {
		t.Fatalf("publish after close: %v", err)
	}

	if _, err := b.Subscribe(t.Context(), "q", rpc.SubscribeOptions{}, func(rpc.Delivery) {}); !errors.Is(err, berr.ErrBrokerUnavailable) {
		t.Fatalf("subscribe after close: %v", err)
	}
}
