package notification

import (
	"github.com/streadway/amqp"
)

// MockAMQPConnection is a test double for AMQPConnection.
type MockAMQPConnection struct {
	MockChannel AMQPChannel
	ChannelErr  error
	CloseErr    error

	ChannelCalled bool
	CloseCalled   bool
}

func (m *MockAMQPConnection) Channel() (AMQPChannel, error) {
	m.ChannelCalled = true
	if m.ChannelErr != nil {
		return nil, m.ChannelErr
	}
	return m.MockChannel, nil
}

func (m *MockAMQPConnection) Close() error {
	m.CloseCalled = true
	return m.CloseErr
}

// MockAMQPChannel is a test double for AMQPChannel. Published messages
// and routing keys are recorded for verification.
type MockAMQPChannel struct {
	PublishedMessages []amqp.Publishing
	PublishedKeys     []string

	ExchangeDeclareErr error
	PublishErr         error
	CloseErr           error

	ExchangeDeclareCalled bool
	PublishCalled         bool
	CloseCalled           bool

	LastExchange     string
	LastExchangeKind string
}

func (m *MockAMQPChannel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	m.ExchangeDeclareCalled = true
	m.LastExchange = name
	m.LastExchangeKind = kind
	return m.ExchangeDeclareErr
}

func (m *MockAMQPChannel) Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	m.PublishCalled = true
	m.LastExchange = exchange
	if m.PublishErr != nil {
		return m.PublishErr
	}
	m.PublishedMessages = append(m.PublishedMessages, msg)
	m.PublishedKeys = append(m.PublishedKeys, key)
	return nil
}

func (m *MockAMQPChannel) Close() error {
	m.CloseCalled = true
	return m.CloseErr
}

// MockAMQPDialer returns a scripted connection.
type MockAMQPDialer struct {
	Connection AMQPConnection
	DialErr    error

	DialCalled bool
	LastURL    string
}

func (d *MockAMQPDialer) Dial(url string) (AMQPConnection, error) {
	d.DialCalled = true
	d.LastURL = url
	if d.DialErr != nil {
		return nil, d.DialErr
	}
	return d.Connection, nil
}
