package data

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-kratos/kratos/v2/log"
	amqp "github.com/rabbitmq/amqp091-go"

	"AccessGate/internal/biz"
	"AccessGate/internal/conf"
)

// amqpAlertSink publishes security alerts to a topic exchange so that
// on-call tooling and the CMS backend can subscribe independently of
// the gateway's own persistence.
type amqpAlertSink struct {
	url      string
	exchange string
	log      *log.Helper

	mu      sync.Mutex
	conn    *amqp.Connection
	channel *amqp.Channel
}

// noopAlertSink drops alerts. Used when no broker is configured.
type noopAlertSink struct{}

func (noopAlertSink) Publish(_ context.Context, _ string, _ interface{}) error { return nil }

// NewAlertSink creates the alert publisher. With no AMQP URL configured
// the gateway runs without a broker and alerts are log-only.
func NewAlertSink(c *conf.Bootstrap, logger log.Logger) (biz.AlertSink, func(), error) {
	helper := log.NewHelper(logger)

	if c.Alerts == nil || c.Alerts.Amqp == nil || c.Alerts.Amqp.Url == "" {
		helper.Info("No AMQP broker configured, security alerts will be log-only")
		return noopAlertSink{}, func() {}, nil
	}

	sink := &amqpAlertSink{
		url:      c.Alerts.Amqp.Url,
		exchange: c.Alerts.Amqp.Exchange,
		log:      helper,
	}
	if sink.exchange == "" {
		sink.exchange = "accessgate.alerts"
	}

	if err := sink.connect(); err != nil {
		// Broker outages must not prevent gateway startup; the sink
		// retries on the next publish.
		helper.Warnf("Failed to connect to AMQP broker: %v (will retry on publish)", err)
	}

	cleanup := func() {
		sink.mu.Lock()
		defer sink.mu.Unlock()
		if sink.channel != nil {
			_ = sink.channel.Close()
		}
		if sink.conn != nil {
			_ = sink.conn.Close()
		}
	}
	return sink, cleanup, nil
}

func (s *amqpAlertSink) connect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connectLocked()
}

func (s *amqpAlertSink) connectLocked() error {
	conn, err := amqp.Dial(s.url)
	if err != nil {
		return fmt.Errorf("alerts: failed to dial broker: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("alerts: failed to open channel: %w", err)
	}

	if err := ch.ExchangeDeclare(s.exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return fmt.Errorf("alerts: failed to declare exchange %s: %w", s.exchange, err)
	}

	s.conn = conn
	s.channel = ch
	s.log.Infof("Connected to AMQP broker, publishing alerts to exchange %s", s.exchange)
	return nil
}

// Publish sends one alert with routing key accessgate.alert.{kind}.
// A dead connection triggers one reconnect attempt before giving up.
func (s *amqpAlertSink) Publish(ctx context.Context, kind string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("alerts: failed to marshal %s alert: %w", kind, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.channel == nil || s.conn == nil || s.conn.IsClosed() {
		if err := s.connectLocked(); err != nil {
			return err
		}
	}

	msg := amqp.Publishing{
		ContentType: "application/json",
		Timestamp:   time.Now().UTC(),
		Body:        body,
	}
	routingKey := "accessgate.alert." + kind

	if err := s.channel.PublishWithContext(ctx, s.exchange, routingKey, false, false, msg); err != nil {
		if rerr := s.connectLocked(); rerr == nil {
			if err = s.channel.PublishWithContext(ctx, s.exchange, routingKey, false, false, msg); err == nil {
				return nil
			}
		}
		return fmt.Errorf("alerts: failed to publish %s alert: %w", kind, err)
	}
	return nil
}
