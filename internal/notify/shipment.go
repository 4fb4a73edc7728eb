package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fjod/go_cart/order-service/internal/domain"
	"github.com/fjod/go_cart/order-service/pkg/circuitbreaker"
	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
)

type shipmentItem struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
}

type shipmentRequest struct {
	ShipmentRef string         `json:"shipment_ref"`
	OrderID     string         `json:"order_id"`
	Address     domain.Address `json:"address"`
	Items       []shipmentItem `json:"items"`
	RequestedAt time.Time      `json:"requested_at"`
}

// ShipmentPublisher asks the carrier integration for a shipment. The returned
// reference is ours; the carrier echoes it back when it books the parcel.
type ShipmentPublisher struct {
	writer  messageWriter
	breaker *circuitbreaker.Breaker
	now     func() time.Time
}

func NewShipmentPublisher(w messageWriter, b *circuitbreaker.Breaker) *ShipmentPublisher {
	if b == nil {
		b = circuitbreaker.New(circuitbreaker.DefaultSettings("shipments"), nil)
	}
	return &ShipmentPublisher{
		writer:  w,
		breaker: b,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (p *ShipmentPublisher) CreateShipment(ctx context.Context, order domain.Order) (string, error) {
	req := shipmentRequest{
		ShipmentRef: "SHP-" + uuid.NewString(),
		OrderID:     order.ID,
		Address:     order.ShippingAddress,
		Items:       make([]shipmentItem, len(order.Items)),
		RequestedAt: p.now(),
	}
	for i, item := range order.Items {
		req.Items[i] = shipmentItem{ProductID: item.ProductID, Quantity: item.Quantity}
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("failed to marshal shipment request: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(order.ID),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte("shipment_requested")},
		},
	}

	err = p.breaker.Do(ctx, func(ctx context.Context) error {
		return p.writer.WriteMessages(ctx, msg)
	})
	if err != nil {
		return "", fmt.Errorf("failed to request shipment for order %s: %w", order.ID, err)
	}
	return req.ShipmentRef, nil
}

func (p *ShipmentPublisher) Close() error {
	return p.writer.Close()
}
