package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/streadway/amqp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/shohag/smsrelay/internal/models"
)

const defaultRoutingKey = "sms.outbound"

// channel is the part of *amqp.Channel the adapter uses.
type channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

type amqpDialer func(url string) (channel, func() error, error)

func dialAMQP(url string) (channel, func() error, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("failed to open channel: %w", err)
	}
	return ch, conn.Close, nil
}

type amqpMessage struct {
	ID          string    `json:"id"`
	QueueID     string    `json:"queue_id"`
	Destination string    `json:"to"`
	Sender      string    `json:"from,omitempty"`
	Message     string    `json:"message"`
	CreatedAt   time.Time `json:"created_at"`
}

// AMQPAdapter publishes each message to a RabbitMQ exchange for a gateway
// process to pick up. The broker accepting the publish counts as acceptance.
type AMQPAdapter struct {
	url      string
	exchange string
	dial     amqpDialer

	mu       sync.Mutex
	ch       channel
	close    func() error
	declared map[string]bool
}

func NewAMQPAdapter(url, exchange string) *AMQPAdapter {
	return &AMQPAdapter{url: url, exchange: exchange, dial: dialAMQP, declared: make(map[string]bool)}
}

func (a *AMQPAdapter) Name() string { return "amqp" }

func (a *AMQPAdapter) Send(ctx context.Context, req Request) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	exchange := req.Config.Exchange
	if exchange == "" {
		exchange = a.exchange
	}
	key := req.Config.RoutingKey
	if key == "" {
		key = defaultRoutingKey
	}

	msg := amqpMessage{
		ID:          models.NewID("amqp"),
		QueueID:     req.QueueID,
		Destination: req.Destination,
		Sender:      req.Sender,
		Message:     req.Message,
		CreatedAt:   time.Now().UTC(),
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}

	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	headers := amqp.Table{}
	for k, v := range carrier {
		headers[k] = v
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.connect(exchange); err != nil {
		return nil, err
	}
	err = a.ch.Publish(exchange, key, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    msg.ID,
		Timestamp:    msg.CreatedAt,
		Headers:      headers,
		Body:         body,
	})
	if err != nil {
		a.reset()
		return nil, fmt.Errorf("publish: %w", err)
	}
	return &Result{MessageID: msg.ID}, nil
}

// connect opens the channel on first use and declares exchange once per
// channel. Callers hold a.mu.
func (a *AMQPAdapter) connect(exchange string) error {
	if a.ch == nil {
		ch, closeFn, err := a.dial(a.url)
		if err != nil {
			return err
		}
		a.ch, a.close = ch, closeFn
		a.declared = make(map[string]bool)
	}
	if a.declared[exchange] {
		return nil
	}
	if err := a.ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		a.reset()
		return fmt.Errorf("failed to declare exchange: %w", err)
	}
	a.declared[exchange] = true
	return nil
}

func (a *AMQPAdapter) reset() {
	if a.ch != nil {
		a.ch.Close()
	}
	if a.close != nil {
		a.close()
	}
	a.ch, a.close = nil, nil
}

func (a *AMQPAdapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.reset()
	return nil
}
