// Package notify publishes buyer notifications and shipment requests to Kafka.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/fjod/go_cart/order-service/internal/domain"
	"github.com/fjod/go_cart/order-service/internal/postorder"
	"github.com/fjod/go_cart/order-service/pkg/circuitbreaker"
	"github.com/fjod/go_cart/order-service/pkg/metrics"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

var ErrDisabled = fmt.Errorf("%w: notifications disabled", postorder.ErrSkipped)

type notificationEnvelope struct {
	EventType  domain.EventKind `json:"event_type"`
	Recipient  string           `json:"recipient"`
	Data       map[string]any   `json:"data"`
	OccurredAt time.Time        `json:"occurred_at"`
}

// KafkaNotifier hands order events to the mailer through a topic.
type KafkaNotifier struct {
	writer  messageWriter
	breaker *circuitbreaker.Breaker
	gate    *Gate
	log     *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

func NewKafkaNotifier(w messageWriter, b *circuitbreaker.Breaker, gate *Gate, log *zap.Logger, m *metrics.Metrics) *KafkaNotifier {
	if log == nil {
		log = zap.NewNop()
	}
	if b == nil {
		b = circuitbreaker.New(circuitbreaker.DefaultSettings("notifications"), log)
	}
	if gate == nil {
		gate = NewGate(Settings{EmailNotificationsEnabled: true, NotifyStatusChanges: true})
	}
	return &KafkaNotifier{
		writer:  w,
		breaker: b,
		gate:    gate,
		log:     log,
		metrics: m,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (n *KafkaNotifier) enabled(kind domain.EventKind) bool {
	s := n.gate.Load()
	if !s.EmailNotificationsEnabled {
		return false
	}
	if kind == domain.EventOrderStatusChanged {
		return s.NotifyStatusChanges
	}
	return true
}

func (n *KafkaNotifier) NotifyOrderEvent(ctx context.Context, kind domain.EventKind, recipient string, data map[string]any) error {
	if !n.enabled(kind) {
		n.metrics.Notification(string(kind), "disabled")
		return ErrDisabled
	}

	payload, err := json.Marshal(notificationEnvelope{
		EventType:  kind,
		Recipient:  recipient,
		Data:       data,
		OccurredAt: n.now(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	orderID, _ := data["order_id"].(string)
	msg := kafka.Message{
		Key:   []byte(orderID),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(kind)},
		},
	}

	err = n.breaker.Do(ctx, func(ctx context.Context) error {
		return n.writer.WriteMessages(ctx, msg)
	})
	switch {
	case errors.Is(err, circuitbreaker.ErrOpen):
		n.metrics.Notification(string(kind), "rejected")
		return fmt.Errorf("notification for order %s not sent: %w", orderID, err)
	case err != nil:
		n.metrics.Notification(string(kind), "failure")
		return fmt.Errorf("failed to publish notification for order %s: %w", orderID, err)
	}

	n.metrics.Notification(string(kind), "success")
	n.log.Debug("notification published", zap.String("order_id", orderID), zap.String("event_type", string(kind)))
	return nil
}

func (n *KafkaNotifier) Close() error {
	return n.writer.Close()
}
