// Package events publishes alarm notifications to RabbitMQ.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/providentiaww/sunrise/internal/models"
)

const (
	// DefaultExchange is the topic exchange alarm events go to
	DefaultExchange = "sunrise.events"
	// AlarmFiredKey is the routing key of AlarmFired
	AlarmFiredKey = "alarm.fired"
)

// AlarmFired is emitted once per alarm and minute when an alarm goes off
type AlarmFired struct {
	ID      string    `json:"id"`
	AlarmID int64     `json:"alarmId"`
	Time    string    `json:"time"`
	Sound   string    `json:"sound"`
	FiredAt time.Time `json:"firedAt"`
}

// NewAlarmFired builds an event with a fresh id
func NewAlarmFired(a models.Alarm, sound string, at time.Time) AlarmFired {
	return AlarmFired{
		ID:      uuid.NewString(),
		AlarmID: a.ID,
		Time:    a.Label(),
		Sound:   sound,
		FiredAt: at.UTC(),
	}
}

func (e AlarmFired) publishing() (amqp.Publishing, error) {
	body, err := json.Marshal(e)
	if err != nil {
		return amqp.Publishing{}, err
	}
	return amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    e.ID,
		Timestamp:    e.FiredAt,
		Type:         AlarmFiredKey,
		Body:         body,
	}, nil
}

// AMQPPublisher publishes events on a durable topic exchange
type AMQPPublisher struct {
	conn     *amqp.Connection
	exchange string

	// amqp channels are not safe for concurrent publishing
	mu sync.Mutex
	ch *amqp.Channel
}

// Dial connects to the broker and declares the exchange.
func Dial(url, exchange string) (*AMQPPublisher, error) {
	if exchange == "" {
		exchange = DefaultExchange
	}

	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("connecting to amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("opening amqp channel: %w", err)
	}

	err = ch.ExchangeDeclare(
		exchange, // name
		"topic",  // kind
		true,     // durable
		false,    // auto-deleted
		false,    // internal
		false,    // no-wait
		nil,      // args
	)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("declaring exchange %s: %w", exchange, err)
	}

	return &AMQPPublisher{conn: conn, ch: ch, exchange: exchange}, nil
}

// PublishAlarmFired sends evt to the exchange under AlarmFiredKey.
func (p *AMQPPublisher) PublishAlarmFired(ctx context.Context, evt AlarmFired) error {
	msg, err := evt.publishing()
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ch.PublishWithContext(ctx,
		p.exchange,    // exchange
		AlarmFiredKey, // routing key
		false,         // mandatory
		false,         // immediate
		msg,
	)
}

// Close closes the channel and the connection.
func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch != nil {
		_ = p.ch.Close()
	}
	return p.conn.Close()
}
