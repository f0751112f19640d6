package queue

import (
	"context"

	"github.com/stretchr/testify/mock"
)

// MockConsumer is a testify mock of Consumer.
type MockConsumer struct {
	mock.Mock
}

// Start is the mock implementation of Consumer.Start.
func (m *MockConsumer) Start(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

// Receive is the mock implementation of Consumer.Receive.
func (m *MockConsumer) Receive(ctx context.Context) (Message, error) {
	args := m.Called(ctx)
	msg, _ := args.Get(0).(Message)
	return msg, args.Error(1)
}

// Commit is the mock implementation of Consumer.Commit.
func (m *MockConsumer) Commit(ctx context.Context, msg Message) error {
	args := m.Called(ctx, msg)
	return args.Error(0)
}

// Stop is the mock implementation of Consumer.Stop.
func (m *MockConsumer) Stop(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

// MockProducer is a testify mock of Producer.
type MockProducer struct {
	mock.Mock
}

// Start is the mock implementation of Producer.Start.
func (m *MockProducer) Start(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

// Publish is the mock implementation of Producer.Publish.
func (m *MockProducer) Publish(ctx context.Context, topic string, payload []byte) error {
	args := m.Called(ctx, topic, payload)
	return args.Error(0)
}

// Stop is the mock implementation of Producer.Stop.
func (m *MockProducer) Stop(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

// MockConnector is a testify mock of Connector.
type MockConnector struct {
	mock.Mock
}

// NewConsumer is the mock implementation of Connector.NewConsumer.
func (m *MockConnector) NewConsumer(topic, group string, opts ConsumerOptions) (Consumer, error) {
	args := m.Called(topic, group, opts)
	c, _ := args.Get(0).(Consumer)
	return c, args.Error(1)
}

// NewProducer is the mock implementation of Connector.NewProducer.
func (m *MockConnector) NewProducer() (Producer, error) {
	args := m.Called()
	p, _ := args.Get(0).(Producer)
	return p, args.Error(1)
}
