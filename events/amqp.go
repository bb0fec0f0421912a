package events

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/streadway/amqp"

	"jobmon.evalgo.org/common"
)

// AMQPConnection abstracts the RabbitMQ connection so publishers can be
// tested with mock implementations.
type AMQPConnection interface {
	// Channel opens a channel on the connection.
	Channel() (AMQPChannel, error)

	// Close closes the connection.
	Close() error
}

// AMQPChannel abstracts the RabbitMQ channel operations the publisher needs.
type AMQPChannel interface {
	// ExchangeDeclare declares a topic exchange.
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error

	// Publish publishes a message to the specified exchange.
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error

	// Close closes the channel.
	Close() error
}

// AMQPDialer dials AMQP connections. Tests inject a dialer returning mocks.
type AMQPDialer interface {
	// Dial connects to the AMQP server.
	Dial(url string) (AMQPConnection, error)
}

// RealAMQPConnection wraps an amqp.Connection to implement AMQPConnection.
type RealAMQPConnection struct {
	conn *amqp.Connection
}

// Channel opens a channel on the real connection.
func (r *RealAMQPConnection) Channel() (AMQPChannel, error) {
	ch, err := r.conn.Channel()
	if err != nil {
		return nil, err
	}
	return &RealAMQPChannel{ch: ch}, nil
}

// Close closes the real connection.
func (r *RealAMQPConnection) Close() error {
	return r.conn.Close()
}

// RealAMQPChannel wraps an amqp.Channel to implement AMQPChannel.
type RealAMQPChannel struct {
	ch *amqp.Channel
}

// ExchangeDeclare declares an exchange on the real channel.
func (r *RealAMQPChannel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	return r.ch.ExchangeDeclare(name, kind, durable, autoDelete, internal, noWait, args)
}

// Publish publishes a message on the real channel.
func (r *RealAMQPChannel) Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	return r.ch.Publish(exchange, key, mandatory, immediate, msg)
}

// Close closes the real channel.
func (r *RealAMQPChannel) Close() error {
	return r.ch.Close()
}

// RealAMQPDialer implements AMQPDialer using the real AMQP library.
type RealAMQPDialer struct{}

// Dial connects to the AMQP server.
func (r *RealAMQPDialer) Dial(url string) (AMQPConnection, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	return &RealAMQPConnection{conn: conn}, nil
}

// AMQPPublisher publishes lifecycle events to a durable topic exchange.
type AMQPPublisher struct {
	mu         sync.Mutex
	connection AMQPConnection
	channel    AMQPChannel
	exchange   string
}

// NewAMQPPublisher connects to RabbitMQ and declares the lifecycle exchange.
func NewAMQPPublisher(url, exchange string) (*AMQPPublisher, error) {
	return NewAMQPPublisherWithDialer(url, exchange, &RealAMQPDialer{})
}

// NewAMQPPublisherWithDialer creates a publisher with an injected dialer.
// It connects, opens a channel and declares the exchange as a durable topic
// exchange. On any failure the partially created resources are closed before
// the error is returned.
func NewAMQPPublisherWithDialer(url, exchange string, dialer AMQPDialer) (*AMQPPublisher, error) {
	conn, err := dialer.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open a channel: %w", err)
	}

	err = ch.ExchangeDeclare(
		exchange, // name
		"topic",  // kind
		true,     // durable
		false,    // delete when unused
		false,    // internal
		false,    // no-wait
		nil,      // arguments
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	return &AMQPPublisher{
		connection: conn,
		channel:    ch,
		exchange:   exchange,
	}, nil
}

// Publish serializes the event to JSON and publishes it under its routing
// key. Messages are marked persistent so the broker retains them for durable
// consumers across restarts.
func (p *AMQPPublisher) Publish(event Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	err = p.channel.Publish(
		p.exchange,
		event.RoutingKey(),
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Body:         body,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	common.Logger.WithField("routing_key", event.RoutingKey()).Debug("published lifecycle event")
	return nil
}

// Close closes the channel and connection. Safe to call with partially
// initialized publishers.
func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.channel != nil {
		p.channel.Close()
	}
	if p.connection != nil {
		p.connection.Close()
	}
	return nil
}
