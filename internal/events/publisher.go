package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"fleetfare/internal/config"
	"fleetfare/internal/logger"
)

// Domain event names consumed by the notification layer. The engine publishes
// and forgets; delivery acknowledgment is the subscriber's problem.
const (
	BookingCreated        = "booking.created"
	BookingConfirmed      = "booking.confirmed"
	BookingDeclined       = "booking.declined"
	BookingCancelled      = "booking.cancelled"
	BookingCompleted      = "booking.completed"
	BookingNoShow         = "booking.no_show"
	BookingDriverAssigned = "booking.driver_assigned"
	BookingDriverProgress = "booking.driver_progress"
	BookingTransferred    = "booking.transferred"
	PaymentPaid           = "payment.paid"
	PaymentRefunded       = "payment.refunded"
	PaymentAdjusted       = "payment.adjusted"
)

const reconnInterval = 10 * time.Second

// Publisher pushes domain events to a RabbitMQ topic exchange. The event name
// doubles as the routing key so subscribers can bind per concern
// (e.g. "booking.*" for the SMS layer, "payment.*" for accounting).
type Publisher struct {
	ctx          context.Context
	cfg          config.RabbitConfig
	log          logger.Logger
	conn         *amqp.Connection
	ch           *amqp.Channel
	mu           sync.Mutex
	reconnecting bool
}

func NewPublisher(ctx context.Context, cfg config.RabbitConfig, log logger.Logger) (*Publisher, error) {
	p := &Publisher{ctx: ctx, cfg: cfg, log: log}
	if err := p.connect(); err != nil {
		return nil, fmt.Errorf("connect to rabbitmq: %w", err)
	}
	return p, nil
}

func (p *Publisher) Publish(ctx context.Context, event string, payload any) error {
	p.mu.Lock()
	conn, ch := p.conn, p.ch
	p.mu.Unlock()

	if conn == nil || conn.IsClosed() {
		p.log.Error("rabbitmq connection closed, scheduling reconnect", logger.String("event", event))
		go p.reconnect()
		return errors.New("connection is closed")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return ch.PublishWithContext(ctx, p.cfg.Exchange, event, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	})
}

func (p *Publisher) Close() error {
	p.mu.Lock()
	conn, ch := p.conn, p.ch
	p.mu.Unlock()

	if ch != nil && !ch.IsClosed() {
		if err := ch.Close(); err != nil {
			return fmt.Errorf("close rabbitmq channel: %w", err)
		}
	}
	if conn != nil && !conn.IsClosed() {
		if err := conn.Close(); err != nil {
			return fmt.Errorf("close rabbitmq connection: %w", err)
		}
	}
	return nil
}

func (p *Publisher) connect() error {
	conn, err := amqp.Dial(p.cfg.URL)
	if err != nil {
		return err
	}
	ch, err := conn.Channel()
	if err != nil {
		return err
	}
	if err := ch.ExchangeDeclare(p.cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		return err
	}
	p.mu.Lock()
	p.conn = conn
	p.ch = ch
	p.mu.Unlock()
	return nil
}

func (p *Publisher) reconnect() {
	p.mu.Lock()
	if p.reconnecting {
		p.mu.Unlock()
		return
	}
	p.reconnecting = true
	p.mu.Unlock()

	t := time.NewTicker(reconnInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			if err := p.connect(); err == nil {
				p.log.Info("rabbitmq reconnected")
				p.mu.Lock()
				p.reconnecting = false
				p.mu.Unlock()
				return
			}
			p.log.Warn("rabbitmq reconnect attempt failed")
		case <-p.ctx.Done():
			return
		}
	}
}
