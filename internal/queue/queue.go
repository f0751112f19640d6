// Package queue defines the broker abstraction the pipeline stages consume
// from and publish to. Backends live in subpackages (memory, redisstream,
// pubsub) and are selected by configuration.
package queue

import (
	"context"
	"errors"
)

// ErrClosed is returned by Receive once a consumer has been stopped or its
// underlying broker has gone away.
var ErrClosed = errors.New("queue closed")

// Message is one delivery read from a topic. ID is backend specific and is
// what Commit uses to acknowledge the delivery.
type Message struct {
	Topic string
	ID    string
	Value []byte
	// Attributes carry broker metadata alongside the payload, currently the
	// W3C trace context injected by the publishing stage.
	Attributes map[string]string
}

// ConsumerOptions tune how a consumer group attaches to a topic.
type ConsumerOptions struct {
	// FromBeginning replays the topic from its earliest retained message
	// instead of resuming at the group's committed position.
	FromBeginning bool
}

// Consumer reads a single topic as a member of a consumer group.
type Consumer interface {
	// Start connects to the broker and joins the group.
	Start(ctx context.Context) error
	// Receive blocks until the next message arrives, ctx ends, or the
	// consumer is stopped (ErrClosed).
	Receive(ctx context.Context) (Message, error)
	// Commit acknowledges msg so the group does not see it again.
	Commit(ctx context.Context, msg Message) error
	// Stop leaves the group and releases broker resources.
	Stop(ctx context.Context) error
}

// Producer publishes payloads to any topic on the broker.
type Producer interface {
	Start(ctx context.Context) error
	Publish(ctx context.Context, topic string, payload []byte) error
	Stop(ctx context.Context) error
}

// Connector hands out consumers and producers bound to one broker. Returned
// handles are not started.
type Connector interface {
	NewConsumer(topic, group string, opts ConsumerOptions) (Consumer, error)
	NewProducer() (Producer, error)
}
