package redis_test

import (
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/next-trace/scg-rpc-bus/adapters/redis"
	berr "github.com/next-trace/scg-rpc-bus/contract/errors"
	"github.com/next-trace/scg-rpc-bus/contract/rpc"
)

func setup(t *testing.T) (*miniredis.Miniredis, *redis.Adapter) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return mr, redis.New(client)
}

func next(t *testing.T, ch <-chan rpc.Delivery) rpc.Delivery {
	t.Helper()

	select {
	case d := <-ch:
		return d
	case <-time.After(5 * time.Second):
		t.Fatal("no delivery")
		return rpc.Delivery{}
	}
}

func TestRedis_PublishSubscribeAck(t *testing.T) {
	mr, ad := setup(t)

	msg := rpc.Message{CorrelationID: "c1", ReplyTo: "rpc.reply.a", Body: []byte(`{"args":[4]}`), Headers: map[string]string{"h": "v"}}
	require.NoError(t, ad.Publish(t.Context(), "square", msg))

	items, err := mr.List("rpc:queue:square")
	require.NoError(t, err)
	assert.Len(t, items, 1)

	ch := make(chan rpc.Delivery, 4)
	sub, err := ad.Subscribe(t.Context(), "square", rpc.SubscribeOptions{}, func(d rpc.Delivery) { ch <- d })
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Unsubscribe() })

	d := next(t, ch)
	assert.Equal(t, "c1", d.CorrelationID)
	assert.Equal(t, "rpc.reply.a", d.ReplyTo)
	assert.Equal(t, `{"args":[4]}`, string(d.Body))
	assert.Equal(t, "v", d.Headers["h"])
	assert.Equal(t, "square", d.Queue)
	assert.False(t, d.Redelivered)

	require.NoError(t, ad.Ack(t.Context(), d))
	require.ErrorIs(t, ad.Ack(t.Context(), d), berr.ErrDelivery)
}

func TestRedis_FIFOOrder(t *testing.T) {
	_, ad := setup(t)

	for _, cid := range []string{"a", "b", "c"} {
		require.NoError(t, ad.Publish(t.Context(), "q", rpc.Message{CorrelationID: cid}))
	}

	ch := make(chan rpc.Delivery, 4)
	sub, err := ad.Subscribe(t.Context(), "q", rpc.SubscribeOptions{}, func(d rpc.Delivery) { ch <- d })
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Unsubscribe() })

	for _, want := range []string{"a", "b", "c"} {
		d := next(t, ch)
		assert.Equal(t, want, d.CorrelationID)
		require.NoError(t, ad.Ack(t.Context(), d))
	}
}

func TestRedis_NackRequeueRedelivers(t *testing.T) {
	_, ad := setup(t)

	require.NoError(t, ad.Publish(t.Context(), "q", rpc.Message{CorrelationID: "c", Headers: map[string]string{"k": "v"}}))

	ch := make(chan rpc.Delivery, 4)
	sub, err := ad.Subscribe(t.Context(), "q", rpc.SubscribeOptions{Prefetch: 1}, func(d rpc.Delivery) { ch <- d })
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Unsubscribe() })

	d := next(t, ch)
	require.NoError(t, ad.Nack(t.Context(), d, true))

	again := next(t, ch)
	assert.True(t, again.Redelivered)
	assert.Equal(t, "c", again.CorrelationID)
	assert.Equal(t, map[string]string{"k": "v"}, again.Headers)

	require.NoError(t, ad.Nack(t.Context(), again, false))
}

func TestRedis_PrefetchHoldsNextMessage(t *testing.T) {
	mr, ad := setup(t)

	require.NoError(t, ad.Publish(t.Context(), "q", rpc.Message{CorrelationID: "1"}))
	require.NoError(t, ad.Publish(t.Context(), "q", rpc.Message{CorrelationID: "2"}))

	ch := make(chan rpc.Delivery, 4)
	sub, err := ad.Subscribe(t.Context(), "q", rpc.SubscribeOptions{Prefetch: 1}, func(d rpc.Delivery) { ch <- d })
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Unsubscribe() })

	first := next(t, ch)

	select {
	case d := <-ch:
		t.Fatalf("delivered beyond prefetch: %+v", d)
	case <-time.After(100 * time.Millisecond):
	}

	items, err := mr.List("rpc:queue:q")
	require.NoError(t, err)
	assert.Len(t, items, 1)

	require.NoError(t, ad.Ack(t.Context(), first))
	assert.Equal(t, "2", next(t, ch).CorrelationID)
}

func TestRedis_ExclusiveQueueDeletedOnUnsubscribe(t *testing.T) {
	mr, ad := setup(t)

	require.NoError(t, ad.Publish(t.Context(), "rpc.reply.x", rpc.Message{CorrelationID: "1"}))
	require.NoError(t, ad.Publish(t.Context(), "rpc.reply.x", rpc.Message{CorrelationID: "2"}))

	ch := make(chan rpc.Delivery, 4)
	sub, err := ad.Subscribe(t.Context(), "rpc.reply.x", rpc.SubscribeOptions{Exclusive: true, Prefetch: 1}, func(d rpc.Delivery) { ch <- d })
	require.NoError(t, err)

	d := next(t, ch)
	require.NoError(t, sub.Unsubscribe())

	assert.False(t, mr.Exists("rpc:queue:rpc.reply.x"))
	require.ErrorIs(t, ad.Ack(t.Context(), d), berr.ErrDelivery)

	// a second unsubscribe is a no-op
	require.NoError(t, sub.Unsubscribe())
}

func TestRedis_Errors(t *testing.T) {
	ad := redis.New(nil)
	require.ErrorIs(t, ad.Publish(t.Context(), "q", rpc.Message{}), berr.ErrPublishFailed)

	_, err := ad.Subscribe(t.Context(), "q", rpc.SubscribeOptions{}, func(rpc.Delivery) {})
	require.ErrorIs(t, err, berr.ErrSubscribeFailed)

	mr, ad := setup(t)
	mr.Close()

	err = ad.Publish(t.Context(), "q", rpc.Message{})
	require.ErrorIs(t, err, berr.ErrPublishFailed)

	require.True(t, errors.Is(ad.Ack(t.Context(), rpc.Delivery{Tag: "x"}), berr.ErrDelivery))

	_, _, err = redis.NewWithRedis(t.Context(), redis.Config{})
	require.ErrorIs(t, err, berr.ErrBrokerUnavailable)
}
