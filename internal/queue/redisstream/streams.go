// Package redisstream implements queue.Connector on Redis Streams consumer
// groups. Each topic maps to one stream; each stage group maps to one
// consumer group on that stream.
package redisstream

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/JakeFAU/recipe-crawler/internal/queue"
)

const (
	payloadField    = "payload"
	attributePrefix = "attr:" // entry fields holding message attributes

	defaultPrefix       = "recipe-crawler"
	defaultBlockTimeout = 2 * time.Second
	defaultBatchSize    = 10
)

// Config tunes the stream connector.
type Config struct {
	Prefix       string        // stream key prefix, "<prefix>:<topic>"
	ConsumerName string        // group member name; defaults to the hostname
	BlockTimeout time.Duration // XREADGROUP block per poll
	BatchSize    int64         // entries fetched per poll
	MaxLen       int64         // approximate stream cap on XADD, 0 = unbounded
}

// Connector hands out stream consumers and producers sharing one client.
type Connector struct {
	client redis.UniversalClient
	cfg    Config
	logger *zap.Logger
}

// New validates cfg and returns a Connector.
func New(client redis.UniversalClient, cfg Config, logger *zap.Logger) (*Connector, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	if cfg.Prefix == "" {
		cfg.Prefix = defaultPrefix
	}
	if cfg.BlockTimeout <= 0 {
		cfg.BlockTimeout = defaultBlockTimeout
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.ConsumerName == "" {
		cfg.ConsumerName = defaultConsumerName()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Connector{client: client, cfg: cfg, logger: logger}, nil
}

func defaultConsumerName() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return uuid.NewString()
}

// StreamName returns the Redis key backing topic.
func (c *Connector) StreamName(topic string) string {
	return c.cfg.Prefix + ":" + topic
}

// NewConsumer implements queue.Connector.
func (c *Connector) NewConsumer(topic, group string, opts queue.ConsumerOptions) (queue.Consumer, error) {
	if topic == "" || group == "" {
		return nil, errors.New("stream consumer requires topic and group")
	}
	return &Consumer{
		client:        c.client,
		topic:         topic,
		stream:        c.StreamName(topic),
		group:         group,
		name:          c.cfg.ConsumerName,
		block:         c.cfg.BlockTimeout,
		batch:         c.cfg.BatchSize,
		fromBeginning: opts.FromBeginning,
		logger:        c.logger.With(zap.String("stream", c.StreamName(topic)), zap.String("group", group)),
	}, nil
}

// NewProducer implements queue.Connector.
func (c *Connector) NewProducer() (queue.Producer, error) {
	return &Producer{client: c.client, connector: c}, nil
}

// Consumer reads one stream through a consumer group.
type Consumer struct {
	client        redis.UniversalClient
	topic         string
	stream        string
	group         string
	name          string
	block         time.Duration
	batch         int64
	fromBeginning bool
	logger        *zap.Logger

	mu          sync.Mutex
	started     bool
	stopped     bool
	pendingDone bool
	pendingFrom string
	buffered    []queue.Message
}

// Start ensures the stream and group exist. New groups start at the head of
// the stream; FromBeginning rewinds an existing group as well.
func (c *Consumer) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return nil
	}
	if err := c.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	err := c.client.XGroupCreateMkStream(ctx, c.stream, c.group, "0").Err()
	switch {
	case err == nil:
		c.logger.Info("Created consumer group")
	case strings.HasPrefix(err.Error(), "BUSYGROUP"):
		if c.fromBeginning {
			if err := c.client.XGroupSetID(ctx, c.stream, c.group, "0").Err(); err != nil {
				return fmt.Errorf("rewind group %s on %s: %w", c.group, c.stream, err)
			}
			c.logger.Info("Rewound consumer group to start of stream")
		}
	default:
		return fmt.Errorf("create group %s on %s: %w", c.group, c.stream, err)
	}
	c.started = true
	c.stopped = false
	c.pendingDone = false
	c.pendingFrom = "0"
	c.buffered = nil
	return nil
}

// Receive returns the next entry for this consumer. Entries delivered to this
// consumer name before a restart and never acknowledged are returned first.
func (c *Consumer) Receive(ctx context.Context) (queue.Message, error) {
	for {
		c.mu.Lock()
		if !c.started || c.stopped {
			c.mu.Unlock()
			return queue.Message{}, queue.ErrClosed
		}
		if len(c.buffered) > 0 {
			msg := c.buffered[0]
			c.buffered = c.buffered[1:]
			c.mu.Unlock()
			return msg, nil
		}
		pending := !c.pendingDone
		pendingFrom := c.pendingFrom
		c.mu.Unlock()

		if err := ctx.Err(); err != nil {
			return queue.Message{}, fmt.Errorf("receive canceled: %w", err)
		}

		args := &redis.XReadGroupArgs{
			Group:    c.group,
			Consumer: c.name,
			Streams:  []string{c.stream, ">"},
			Count:    c.batch,
			Block:    c.block,
		}
		if pending {
			args.Streams = []string{c.stream, pendingFrom}
			args.Block = -1
		}
		streams, err := c.client.XReadGroup(ctx, args).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				if pending {
					c.markPendingDone()
				}
				continue
			}
			if ctx.Err() != nil {
				return queue.Message{}, fmt.Errorf("receive canceled: %w", ctx.Err())
			}
			return queue.Message{}, fmt.Errorf("read %s: %w", c.stream, err)
		}

		messages := c.parse(ctx, streams)
		c.mu.Lock()
		if pending {
			if len(messages) == 0 {
				c.pendingDone = true
			} else {
				c.pendingFrom = messages[len(messages)-1].ID
			}
		}
		c.buffered = append(c.buffered, messages...)
		c.mu.Unlock()
	}
}

func (c *Consumer) markPendingDone() {
	c.mu.Lock()
	c.pendingDone = true
	c.mu.Unlock()
}

func (c *Consumer) parse(ctx context.Context, streams []redis.XStream) []queue.Message {
	var out []queue.Message
	for _, stream := range streams {
		for _, entry := range stream.Messages {
			raw, ok := entry.Values[payloadField]
			if !ok {
				// Trimmed or foreign entry; acknowledge so it stops being redelivered.
				c.logger.Warn("Dropping stream entry without payload", zap.String("id", entry.ID))
				if err := c.client.XAck(ctx, c.stream, c.group, entry.ID).Err(); err != nil {
					c.logger.Warn("Failed to ack empty entry", zap.String("id", entry.ID), zap.Error(err))
				}
				continue
			}
			var value []byte
			switch v := raw.(type) {
			case string:
				value = []byte(v)
			case []byte:
				value = v
			default:
				value = []byte(fmt.Sprint(v))
			}
			out = append(out, queue.Message{Topic: c.topic, ID: entry.ID, Value: value, Attributes: attributes(entry.Values)})
		}
	}
	return out
}

func attributes(values map[string]any) map[string]string {
	var attrs map[string]string
	for k, v := range values {
		name, ok := strings.CutPrefix(k, attributePrefix)
		if !ok {
			continue
		}
		if attrs == nil {
			attrs = make(map[string]string)
		}
		attrs[name] = fmt.Sprint(v)
	}
	return attrs
}

// Commit acknowledges the entry in the consumer group.
func (c *Consumer) Commit(ctx context.Context, msg queue.Message) error {
	if err := c.client.XAck(ctx, c.stream, c.group, msg.ID).Err(); err != nil {
		return fmt.Errorf("xack %s %s: %w", c.stream, msg.ID, err)
	}
	return nil
}

// Stop marks the consumer closed. The shared client is owned by the caller.
func (c *Consumer) Stop(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped = true
	c.started = false
	c.buffered = nil
	return nil
}

// Producer appends entries to topic streams.
type Producer struct {
	client    redis.UniversalClient
	connector *Connector
}

// Start verifies the connection.
func (p *Producer) Start(ctx context.Context) error {
	if err := p.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

// Publish XADDs payload to the topic's stream.
func (p *Producer) Publish(ctx context.Context, topic string, payload []byte) error {
	if topic == "" {
		return errors.New("publish requires a topic")
	}
	values := map[string]any{payloadField: payload}
	for k, v := range queue.InjectTrace(ctx) {
		values[attributePrefix+k] = v
	}
	args := &redis.XAddArgs{
		Stream: p.connector.StreamName(topic),
		Values: values,
	}
	if p.connector.cfg.MaxLen > 0 {
		args.MaxLen = p.connector.cfg.MaxLen
		args.Approx = true
	}
	if err := p.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("xadd %s: %w", args.Stream, err)
	}
	return nil
}

// Stop is a no-op; the client outlives the producer.
func (p *Producer) Stop(_ context.Context) error { return nil }
