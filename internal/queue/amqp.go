package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/streadway/amqp"
)

// AMQPPublisher writes job events to a durable RabbitMQ queue.
type AMQPPublisher struct {
	mu    sync.Mutex
	conn  *amqp.Connection
	ch    *amqp.Channel
	queue string
}

func NewAMQPPublisher(url, queueName string) (*AMQPPublisher, error) {
	conn, ch, err := dialQueue(url, queueName)
	if err != nil {
		return nil, err
	}
	return &AMQPPublisher{conn: conn, ch: ch, queue: queueName}, nil
}

func (p *AMQPPublisher) Publish(ctx context.Context, ev Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	pub, err := encodeEvent(ev)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.ch.Publish("", p.queue, false, false, pub); err != nil {
		return fmt.Errorf("publish %s: %w", ev.Type, err)
	}
	return nil
}

func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	chErr := p.ch.Close()
	connErr := p.conn.Close()
	return errors.Join(chErr, connErr)
}

// AMQPConsumer feeds job events from RabbitMQ into a Handler.
type AMQPConsumer struct {
	conn  *amqp.Connection
	ch    *amqp.Channel
	queue string
	log   zerolog.Logger
}

func NewAMQPConsumer(url, queueName string, log zerolog.Logger) (*AMQPConsumer, error) {
	conn, ch, err := dialQueue(url, queueName)
	if err != nil {
		return nil, err
	}
	return &AMQPConsumer{
		conn:  conn,
		ch:    ch,
		queue: queueName,
		log:   log.With().Str("component", "amqp_consumer").Logger(),
	}, nil
}

// Run consumes until ctx is cancelled or the channel closes.
func (c *AMQPConsumer) Run(ctx context.Context, h Handler) error {
	msgs, err := c.ch.Consume(
		c.queue,
		"",
		false, // autoAck = false for reliability
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("register consumer: %w", err)
	}

	c.log.Info().Str("queue", c.queue).Msg("consuming job events")
	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-msgs:
			if !ok {
				return errors.New("amqp delivery channel closed")
			}
			handleDelivery(ctx, d, h, c.log)
		}
	}
}

func (c *AMQPConsumer) Close() error {
	chErr := c.ch.Close()
	connErr := c.conn.Close()
	return errors.Join(chErr, connErr)
}

// handleDelivery acks handled and malformed messages; a handler error
// requeues the message once, then drops it.
func handleDelivery(ctx context.Context, d amqp.Delivery, h Handler, log zerolog.Logger) {
	ev, err := decodeEvent(d.Body)
	if err != nil {
		log.Warn().Err(err).Msg("invalid job event, dropping")
		_ = d.Ack(false)
		return
	}

	if err := h(ctx, ev); err != nil {
		log.Error().Err(err).Str("event", ev.Type).Str("job_id", ev.JobID).Bool("redelivered", d.Redelivered).Msg("job event handler failed")
		_ = d.Nack(false, !d.Redelivered)
		return
	}
	_ = d.Ack(false)
}

func dialQueue(url, queueName string) (*amqp.Connection, *amqp.Channel, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("open channel: %w", err)
	}
	if _, err := ch.QueueDeclare(
		queueName,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,
	); err != nil {
		ch.Close()
		conn.Close()
		return nil, nil, fmt.Errorf("declare queue %s: %w", queueName, err)
	}
	return conn, ch, nil
}

func encodeEvent(ev Event) (amqp.Publishing, error) {
	body, err := json.Marshal(ev)
	if err != nil {
		return amqp.Publishing{}, err
	}
	return amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Type:         ev.Type,
		MessageId:    ev.JobID,
		Timestamp:    ev.At,
		Body:         body,
	}, nil
}

func decodeEvent(body []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(body, &ev); err != nil {
		return Event{}, err
	}
	if ev.Type == "" || ev.JobID == "" {
		return Event{}, errors.New("job event missing type or job id")
	}
	return ev, nil
}
