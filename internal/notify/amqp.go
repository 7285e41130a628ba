package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/streadway/amqp"
)

// AMQP publishes events to a topic exchange, routing key "campaign.<kind>"
type AMQP struct {
	url      string
	exchange string

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

// NewAMQP creates an AMQP notifier. The connection is established lazily on
// first publish so a broker outage does not block startup.
func NewAMQP(url, exchange string) (*AMQP, error) {
	if url == "" {
		return nil, fmt.Errorf("amqp url is empty")
	}
	if exchange == "" {
		exchange = "blastline.events"
	}
	return &AMQP{url: url, exchange: exchange}, nil
}

func (a *AMQP) Progress(ctx context.Context, ev ProgressEvent) error {
	return a.publish("campaign.progress", ev)
}

func (a *AMQP) Status(ctx context.Context, ev StatusEvent) error {
	return a.publish("campaign.status", ev)
}

func (a *AMQP) Risk(ctx context.Context, ev RiskEvent) error {
	return a.publish("campaign.risk", ev)
}

func (a *AMQP) publish(routingKey string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal amqp payload: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.ensureChannel(); err != nil {
		return err
	}

	err = a.ch.Publish(
		a.exchange,
		routingKey,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType: "application/json",
			Body:        body,
		},
	)
	if err != nil {
		// Drop the channel so the next publish reconnects
		a.teardown()
		return fmt.Errorf("amqp publish: %w", err)
	}
	return nil
}

func (a *AMQP) ensureChannel() error {
	if a.ch != nil {
		return nil
	}

	conn, err := amqp.Dial(a.url)
	if err != nil {
		return fmt.Errorf("amqp dial: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("amqp channel: %w", err)
	}

	if err := ch.ExchangeDeclare(a.exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("amqp exchange declare: %w", err)
	}

	a.conn = conn
	a.ch = ch
	return nil
}

func (a *AMQP) teardown() {
	if a.ch != nil {
		a.ch.Close()
		a.ch = nil
	}
	if a.conn != nil {
		a.conn.Close()
		a.conn = nil
	}
}

// Close closes the broker connection
func (a *AMQP) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.teardown()
	return nil
}
