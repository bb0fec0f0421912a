package events

import (
	"github.com/streadway/amqp"
)

// MockAMQPConnection is a mock implementation of AMQPConnection for testing.
type MockAMQPConnection struct {
	// MockChannel is the channel to return from Channel()
	MockChannel AMQPChannel
	// Errors to return from operations
	ChannelErr error
	CloseErr   error
	// Track function calls
	ChannelCalled bool
	CloseCalled   bool
}

// Channel returns the mock channel.
func (m *MockAMQPConnection) Channel() (AMQPChannel, error) {
	m.ChannelCalled = true
	if m.ChannelErr != nil {
		return nil, m.ChannelErr
	}
	return m.MockChannel, nil
}

// Close mocks closing the connection.
func (m *MockAMQPConnection) Close() error {
	m.CloseCalled = true
	return m.CloseErr
}

// MockAMQPChannel is a mock implementation of AMQPChannel for testing.
type MockAMQPChannel struct {
	// PublishedMessages stores all published messages for verification
	PublishedMessages []amqp.Publishing
	// PublishedKeys stores routing keys for published messages
	PublishedKeys []string
	// Errors to return from operations
	ExchangeDeclareErr error
	PublishErr         error
	CloseErr           error
	// Track function calls
	ExchangeDeclareCalled bool
	PublishCalled         bool
	CloseCalled           bool
	// Store last call parameters
	LastExchange     string
	LastExchangeKind string
	LastKey          string
}

// ExchangeDeclare mocks declaring an exchange.
func (m *MockAMQPChannel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	m.ExchangeDeclareCalled = true
	m.LastExchange = name
	m.LastExchangeKind = kind
	return m.ExchangeDeclareErr
}

// Publish mocks publishing a message.
func (m *MockAMQPChannel) Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	m.PublishCalled = true
	m.LastExchange = exchange
	m.LastKey = key
	if m.PublishErr != nil {
		return m.PublishErr
	}
	m.PublishedMessages = append(m.PublishedMessages, msg)
	m.PublishedKeys = append(m.PublishedKeys, key)
	return nil
}

// Close mocks closing the channel.
func (m *MockAMQPChannel) Close() error {
	m.CloseCalled = true
	return m.CloseErr
}

// MockAMQPDialer is a mock implementation of AMQPDialer for testing.
type MockAMQPDialer struct {
	// MockConnection is the connection to return from Dial()
	MockConnection AMQPConnection
	// DialErr is the error to return from Dial()
	DialErr error
	// Track function calls
	DialCalled bool
	LastURL    string
}

// Dial returns the mock connection.
func (m *MockAMQPDialer) Dial(url string) (AMQPConnection, error) {
	m.DialCalled = true
	m.LastURL = url
	if m.DialErr != nil {
		return nil, m.DialErr
	}
	return m.MockConnection, nil
}
