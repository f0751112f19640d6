// Package pubsub implements queue.Connector on Google Cloud Pub/Sub. Topics
// map to Pub/Sub topics and each consumer group maps to one subscription
// named "<topic>--<group>".
package pubsub

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"

	"github.com/JakeFAU/recipe-crawler/internal/queue"
)

// Config tunes topic and subscription handling.
type Config struct {
	// CreateIfMissing creates topics and subscriptions on first use.
	CreateIfMissing bool
	AckDeadline     time.Duration
	MaxOutstanding  int
}

// Connector hands out Pub/Sub consumers and producers sharing one client.
type Connector struct {
	client *pubsub.Client
	cfg    Config
	logger *zap.Logger

	mu    sync.Mutex
	known map[string]bool
}

// New returns a Connector over an existing client. The client is owned by the caller.
func New(client *pubsub.Client, cfg Config, logger *zap.Logger) (*Connector, error) {
	if client == nil {
		return nil, errors.New("pubsub client is required")
	}
	if cfg.AckDeadline <= 0 {
		cfg.AckDeadline = 60 * time.Second
	}
	if cfg.MaxOutstanding <= 0 {
		cfg.MaxOutstanding = 100
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Connector{client: client, cfg: cfg, logger: logger, known: make(map[string]bool)}, nil
}

// SubscriptionID names the subscription backing a consumer group.
func SubscriptionID(topic, group string) string {
	return topic + "--" + group
}

// ensureTopic checks (and optionally creates) a topic once per connector.
func (c *Connector) ensureTopic(ctx context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.known[id] {
		return nil
	}
	exists, err := c.client.Topic(id).Exists(ctx)
	if err != nil {
		return fmt.Errorf("check pubsub topic %q: %w", id, err)
	}
	if !exists {
		if !c.cfg.CreateIfMissing {
			return fmt.Errorf("pubsub topic %q does not exist", id)
		}
		if _, err := c.client.CreateTopic(ctx, id); err != nil {
			return fmt.Errorf("create pubsub topic %q: %w", id, err)
		}
		c.logger.Info("Created pubsub topic", zap.String("topic", id))
	}
	c.known[id] = true
	return nil
}

// NewConsumer implements queue.Connector.
func (c *Connector) NewConsumer(topic, group string, opts queue.ConsumerOptions) (queue.Consumer, error) {
	if topic == "" || group == "" {
		return nil, errors.New("pubsub consumer requires topic and group")
	}
	return &Consumer{
		connector: c,
		topic:     topic,
		subID:     SubscriptionID(topic, group),
		opts:      opts,
		logger:    c.logger.With(zap.String("subscription", SubscriptionID(topic, group))),
	}, nil
}

// NewProducer implements queue.Connector.
func (c *Connector) NewProducer() (queue.Producer, error) {
	return &Producer{connector: c, topics: make(map[string]*pubsub.Topic)}, nil
}

// Consumer bridges the callback-based Receive of a subscription into a pull API.
type Consumer struct {
	connector *Connector
	topic     string
	subID     string
	opts      queue.ConsumerOptions
	logger    *zap.Logger

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	deliver chan *pubsub.Message
	done    chan struct{}
	recvErr error
	pending map[string]*pubsub.Message
}

// Start resolves the subscription and begins streaming deliveries.
func (c *Consumer) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return nil
	}
	sub, err := c.subscription(ctx)
	if err != nil {
		return err
	}
	if c.opts.FromBeginning {
		if err := sub.SeekToTime(ctx, time.Unix(0, 0)); err != nil {
			return fmt.Errorf("seek %s to beginning: %w", c.subID, err)
		}
		c.logger.Info("Seeked subscription to beginning")
	}
	sub.ReceiveSettings.NumGoroutines = 1
	sub.ReceiveSettings.MaxOutstandingMessages = c.connector.cfg.MaxOutstanding

	recvCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.cancel = cancel
	c.deliver = make(chan *pubsub.Message)
	c.done = make(chan struct{})
	c.pending = make(map[string]*pubsub.Message)
	c.recvErr = nil
	deliver, done := c.deliver, c.done
	go func() {
		defer close(done)
		err := sub.Receive(recvCtx, func(cbCtx context.Context, m *pubsub.Message) {
			select {
			case deliver <- m:
			case <-cbCtx.Done():
				m.Nack()
			}
		})
		if err != nil {
			c.mu.Lock()
			c.recvErr = err
			c.mu.Unlock()
			c.logger.Error("Subscription receive ended", zap.Error(err))
		}
	}()
	c.started = true
	return nil
}

func (c *Consumer) subscription(ctx context.Context) (*pubsub.Subscription, error) {
	client := c.connector.client
	sub := client.Subscription(c.subID)
	exists, err := sub.Exists(ctx)
	if err != nil {
		return nil, fmt.Errorf("check subscription %q: %w", c.subID, err)
	}
	if exists {
		return sub, nil
	}
	if !c.connector.cfg.CreateIfMissing {
		return nil, fmt.Errorf("subscription %q does not exist", c.subID)
	}
	if err := c.connector.ensureTopic(ctx, c.topic); err != nil {
		return nil, err
	}
	sub, err = client.CreateSubscription(ctx, c.subID, pubsub.SubscriptionConfig{
		Topic:               client.Topic(c.topic),
		AckDeadline:         c.connector.cfg.AckDeadline,
		RetainAckedMessages: true,
	})
	if err != nil {
		return nil, fmt.Errorf("create subscription %q: %w", c.subID, err)
	}
	c.logger.Info("Created subscription")
	return sub, nil
}

// Receive returns the next delivery. Pub/Sub does not order deliveries
// without ordering keys.
func (c *Consumer) Receive(ctx context.Context) (queue.Message, error) {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return queue.Message{}, queue.ErrClosed
	}
	deliver, done := c.deliver, c.done
	c.mu.Unlock()

	select {
	case <-ctx.Done():
		return queue.Message{}, fmt.Errorf("receive canceled: %w", ctx.Err())
	case <-done:
		c.mu.Lock()
		err := c.recvErr
		c.mu.Unlock()
		if err != nil {
			return queue.Message{}, fmt.Errorf("%w: %w", queue.ErrClosed, err)
		}
		return queue.Message{}, queue.ErrClosed
	case m := <-deliver:
		c.mu.Lock()
		c.pending[m.ID] = m
		c.mu.Unlock()
		return queue.Message{Topic: c.topic, ID: m.ID, Value: m.Data, Attributes: m.Attributes}, nil
	}
}

// Commit acks the delivery.
func (c *Consumer) Commit(_ context.Context, msg queue.Message) error {
	c.mu.Lock()
	m, ok := c.pending[msg.ID]
	delete(c.pending, msg.ID)
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("no pending delivery with id %q", msg.ID)
	}
	m.Ack()
	return nil
}

// Stop cancels the receive stream and nacks anything not yet committed.
func (c *Consumer) Stop(ctx context.Context) error {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = false
	cancel, done := c.cancel, c.done
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()

	for _, m := range pending {
		m.Nack()
	}
	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("stop %s: %w", c.subID, ctx.Err())
	}
}

// Producer publishes to Pub/Sub topics and waits for server acknowledgement.
type Producer struct {
	connector *Connector

	mu     sync.Mutex
	topics map[string]*pubsub.Topic
}

// Start is a no-op; topics are resolved on first publish.
func (p *Producer) Start(_ context.Context) error { return nil }

func (p *Producer) topic(ctx context.Context, id string) (*pubsub.Topic, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if t, ok := p.topics[id]; ok {
		return t, nil
	}
	if err := p.connector.ensureTopic(ctx, id); err != nil {
		return nil, err
	}
	t := p.connector.client.Topic(id)
	p.topics[id] = t
	return t, nil
}

// Publish sends payload and blocks until the server assigns an id.
func (p *Producer) Publish(ctx context.Context, topic string, payload []byte) error {
	if topic == "" {
		return errors.New("publish requires a topic")
	}
	t, err := p.topic(ctx, topic)
	if err != nil {
		return err
	}
	msg := &pubsub.Message{Data: payload, Attributes: queue.InjectTrace(ctx)}
	if _, err := t.Publish(ctx, msg).Get(ctx); err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	return nil
}

// Stop flushes and releases the topics this producer has published to.
func (p *Producer) Stop(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, t := range p.topics {
		t.Stop()
		delete(p.topics, id)
	}
	return nil
}
