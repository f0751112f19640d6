package redisstream

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/recipe-crawler/internal/queue"
)

func TestMain(m *testing.M) {
	otel.SetTextMapPropagator(propagation.TraceContext{})
	os.Exit(m.Run())
}

func tracedContext(ctx context.Context) (context.Context, trace.TraceID) {
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    trace.TraceID{0x4b, 0xf9, 0x2f, 0x35, 0x77, 0xb3, 0x4d, 0xa6, 0xa3, 0xce, 0x92, 0x9d, 0x0e, 0x0e, 0x47, 0x36},
		SpanID:     trace.SpanID{0x00, 0xf0, 0x67, 0xaa, 0x0b, 0xa9, 0x02, 0xb7},
		TraceFlags: trace.FlagsSampled,
		Remote:     true,
	})
	return trace.ContextWithRemoteSpanContext(ctx, sc), sc.TraceID()
}

func newConnector(t *testing.T, name string) (*Connector, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	conn, err := New(client, Config{
		Prefix:       "test",
		ConsumerName: name,
		BlockTimeout: 20 * time.Millisecond,
		BatchSize:    2,
	}, zap.NewNop())
	require.NoError(t, err)
	return conn, mr
}

func receive(t *testing.T, c queue.Consumer) queue.Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	msg, err := c.Receive(ctx)
	require.NoError(t, err)
	return msg
}

func TestConnectorRoundTrip(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	conn, mr := newConnector(t, "worker-1")

	consumer, err := conn.NewConsumer("links", "crawler", queue.ConsumerOptions{})
	require.NoError(t, err)
	require.NoError(t, consumer.Start(ctx))
	require.NoError(t, consumer.Start(ctx))
	assert.True(t, mr.Exists("test:links"))

	producer, err := conn.NewProducer()
	require.NoError(t, err)
	require.NoError(t, producer.Start(ctx))
	for _, v := range []string{"one", "two", "three"} {
		require.NoError(t, producer.Publish(ctx, "links", []byte(v)))
	}

	for _, want := range []string{"one", "two", "three"} {
		msg := receive(t, consumer)
		assert.Equal(t, "links", msg.Topic)
		assert.Equal(t, want, string(msg.Value))
		require.NoError(t, consumer.Commit(ctx, msg))
	}
	require.NoError(t, consumer.Stop(ctx))
	require.NoError(t, producer.Stop(ctx))
}

func TestPublishCarriesTraceContext(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	conn, _ := newConnector(t, "worker-1")
	consumer, err := conn.NewConsumer("recipes", "persist_recipes_to_postgres", queue.ConsumerOptions{})
	require.NoError(t, err)
	require.NoError(t, consumer.Start(ctx))

	producer, err := conn.NewProducer()
	require.NoError(t, err)
	tracedCtx, traceID := tracedContext(ctx)
	require.NoError(t, producer.Publish(tracedCtx, "recipes", []byte(`{}`)))
	require.NoError(t, producer.Publish(ctx, "recipes", []byte(`{"untraced":true}`)))

	traced := receive(t, consumer)
	assert.Equal(t, `{}`, string(traced.Value))
	assert.Contains(t, traced.Attributes["traceparent"], traceID.String())

	plain := receive(t, consumer)
	assert.Nil(t, plain.Attributes)
}

func TestConsumerRedeliversUnackedAfterRestart(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	conn, _ := newConnector(t, "worker-1")
	producer, err := conn.NewProducer()
	require.NoError(t, err)

	first, err := conn.NewConsumer("crawl-results", "parse", queue.ConsumerOptions{})
	require.NoError(t, err)
	require.NoError(t, first.Start(ctx))
	require.NoError(t, producer.Publish(ctx, "crawl-results", []byte("a")))
	require.NoError(t, producer.Publish(ctx, "crawl-results", []byte("b")))

	msg := receive(t, first)
	require.Equal(t, "a", string(msg.Value))
	require.NoError(t, first.Commit(ctx, msg))
	msg = receive(t, first)
	require.Equal(t, "b", string(msg.Value))
	// Crash before committing "b".
	require.NoError(t, first.Stop(ctx))

	second, err := conn.NewConsumer("crawl-results", "parse", queue.ConsumerOptions{})
	require.NoError(t, err)
	require.NoError(t, second.Start(ctx))
	msg = receive(t, second)
	assert.Equal(t, "b", string(msg.Value))
	require.NoError(t, second.Commit(ctx, msg))

	require.NoError(t, producer.Publish(ctx, "crawl-results", []byte("c")))
	msg = receive(t, second)
	assert.Equal(t, "c", string(msg.Value))
}

func TestNewGroupReadsExistingEntries(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	conn, _ := newConnector(t, "worker-1")
	producer, err := conn.NewProducer()
	require.NoError(t, err)
	require.NoError(t, producer.Publish(ctx, "recipes", []byte(`{"title":"x"}`)))

	consumer, err := conn.NewConsumer("recipes", "persist", queue.ConsumerOptions{FromBeginning: true})
	require.NoError(t, err)
	require.NoError(t, consumer.Start(ctx))
	msg := receive(t, consumer)
	assert.JSONEq(t, `{"title":"x"}`, string(msg.Value))
}

func TestReceiveAfterStopAndCancel(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	conn, _ := newConnector(t, "worker-1")
	consumer, err := conn.NewConsumer("links", "crawler", queue.ConsumerOptions{})
	require.NoError(t, err)

	_, err = consumer.Receive(ctx)
	require.ErrorIs(t, err, queue.ErrClosed)

	require.NoError(t, consumer.Start(ctx))
	cctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err = consumer.Receive(cctx)
	require.Error(t, err)

	require.NoError(t, consumer.Stop(ctx))
	_, err = consumer.Receive(ctx)
	require.ErrorIs(t, err, queue.ErrClosed)
}

func TestStartFailsWhenRedisUnavailable(t *testing.T) {
	t.Parallel()

	conn, mr := newConnector(t, "worker-1")
	mr.Close()
	consumer, err := conn.NewConsumer("links", "crawler", queue.ConsumerOptions{})
	require.NoError(t, err)
	require.Error(t, consumer.Start(context.Background()))

	producer, err := conn.NewProducer()
	require.NoError(t, err)
	require.Error(t, producer.Start(context.Background()))
}

func TestNewValidation(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{}, nil)
	require.Error(t, err)

	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	defer client.Close()
	conn, err := New(client, Config{}, nil)
	require.NoError(t, err)
	assert.Equal(t, "recipe-crawler:links", conn.StreamName("links"))
	assert.NotEmpty(t, conn.cfg.ConsumerName)

	_, err = conn.NewConsumer("", "g", queue.ConsumerOptions{})
	require.Error(t, err)
	p, err := conn.NewProducer()
	require.NoError(t, err)
	require.Error(t, p.Publish(context.Background(), "", nil))
}
