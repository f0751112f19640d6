// Package memory provides an in-process broker for local development and tests.
// Topics are append-only logs and each consumer group tracks its committed
// offset, so replay and at-least-once redelivery behave like a real broker.
package memory

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/JakeFAU/recipe-crawler/internal/queue"
)

// Broker is an in-memory queue.Connector.
type Broker struct {
	mu      sync.Mutex
	topics  map[string]*topicLog
	offsets map[groupKey]int
	closed  bool
	done    chan struct{}
}

type topicLog struct {
	messages []queue.Message
	notify   chan struct{}
}

type groupKey struct {
	topic string
	group string
}

// NewBroker constructs an empty broker.
func NewBroker() *Broker {
	return &Broker{
		topics:  make(map[string]*topicLog),
		offsets: make(map[groupKey]int),
		done:    make(chan struct{}),
	}
}

// NewConsumer implements queue.Connector.
func (b *Broker) NewConsumer(topic, group string, opts queue.ConsumerOptions) (queue.Consumer, error) {
	if topic == "" || group == "" {
		return nil, errors.New("memory consumer requires topic and group")
	}
	return &Consumer{broker: b, key: groupKey{topic: topic, group: group}, opts: opts}, nil
}

// NewProducer implements queue.Connector.
func (b *Broker) NewProducer() (queue.Producer, error) {
	return &Producer{broker: b}, nil
}

// Messages returns a copy of everything published to topic.
func (b *Broker) Messages(topic string) []queue.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	log, ok := b.topics[topic]
	if !ok {
		return nil
	}
	out := make([]queue.Message, len(log.messages))
	copy(out, log.messages)
	return out
}

// Committed reports the next offset group will read from topic.
func (b *Broker) Committed(topic, group string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.offsets[groupKey{topic: topic, group: group}]
}

// Close wakes every blocked consumer with queue.ErrClosed. Closing twice is safe.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.done)
}

func (b *Broker) logFor(topic string) *topicLog {
	log, ok := b.topics[topic]
	if !ok {
		log = &topicLog{notify: make(chan struct{})}
		b.topics[topic] = log
	}
	return log
}

func (b *Broker) append(topic string, payload []byte, attrs map[string]string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return queue.ErrClosed
	}
	log := b.logFor(topic)
	value := make([]byte, len(payload))
	copy(value, payload)
	log.messages = append(log.messages, queue.Message{
		Topic: topic,
		ID:    strconv.Itoa(len(log.messages)),
		Value:      value,
		Attributes: attrs,
	})
	close(log.notify)
	log.notify = make(chan struct{})
	return nil
}

// Consumer reads one topic for one group.
type Consumer struct {
	broker *Broker
	key    groupKey
	opts   queue.ConsumerOptions

	mu      sync.Mutex
	started bool
	cursor  int
	stop    chan struct{}
}

// Start positions the consumer at the group's committed offset, or at the
// head of the log when FromBeginning is set.
func (c *Consumer) Start(_ context.Context) error {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return nil
	}
	if c.broker.closed {
		return queue.ErrClosed
	}
	c.cursor = 0
	if !c.opts.FromBeginning {
		c.cursor = c.broker.offsets[c.key]
	}
	c.stop = make(chan struct{})
	c.started = true
	return nil
}

// Receive blocks until a message past the cursor is available.
func (c *Consumer) Receive(ctx context.Context) (queue.Message, error) {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return queue.Message{}, errors.New("memory consumer not started")
	}
	stop := c.stop
	c.mu.Unlock()

	for {
		c.broker.mu.Lock()
		log := c.broker.logFor(c.key.topic)
		c.mu.Lock()
		if c.cursor < len(log.messages) {
			msg := log.messages[c.cursor]
			c.cursor++
			c.mu.Unlock()
			c.broker.mu.Unlock()
			return msg, nil
		}
		c.mu.Unlock()
		notify := log.notify
		c.broker.mu.Unlock()

		select {
		case <-ctx.Done():
			return queue.Message{}, fmt.Errorf("receive canceled: %w", ctx.Err())
		case <-stop:
			return queue.Message{}, queue.ErrClosed
		case <-c.broker.done:
			return queue.Message{}, queue.ErrClosed
		case <-notify:
		}
	}
}

// Commit advances the group offset past msg. Offsets never move backwards.
func (c *Consumer) Commit(_ context.Context, msg queue.Message) error {
	offset, err := strconv.Atoi(msg.ID)
	if err != nil {
		return fmt.Errorf("invalid memory message id %q: %w", msg.ID, err)
	}
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	if next := offset + 1; next > c.broker.offsets[c.key] {
		c.broker.offsets[c.key] = next
	}
	return nil
}

// Stop unblocks any pending Receive.
func (c *Consumer) Stop(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started {
		return nil
	}
	close(c.stop)
	c.started = false
	return nil
}

// Producer appends to broker topics.
type Producer struct {
	broker *Broker
}

// Start is a no-op; the broker is always reachable.
func (p *Producer) Start(_ context.Context) error { return nil }

// Publish appends payload to topic and wakes waiting consumers.
func (p *Producer) Publish(ctx context.Context, topic string, payload []byte) error {
	if topic == "" {
		return errors.New("publish requires a topic")
	}
	return p.broker.append(topic, payload, queue.InjectTrace(ctx))
}

// Stop is a no-op.
func (p *Producer) Stop(_ context.Context) error { return nil }
