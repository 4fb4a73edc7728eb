package repository

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fjod/go_cart/order-service/internal/domain"
	"github.com/shopspring/decimal"
)

// storedCartItem keeps the quantity raw so legacy rows with a zero, negative,
// fractional or textual quantity can be dropped instead of failing the cart.
type storedCartItem struct {
	ProductID   string          `json:"product_id"`
	Quantity    json.RawMessage `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	DisplayName string          `json:"display_name,omitempty"`
	AddedAt     time.Time       `json:"added_at"`
}

func decodeCartItems(raw []byte) ([]domain.CartItem, error) {
	if len(raw) == 0 {
		return []domain.CartItem{}, nil
	}
	var stored []storedCartItem
	if err := json.Unmarshal(raw, &stored); err != nil {
		return nil, fmt.Errorf("failed to decode cart items: %w", err)
	}

	items := make([]domain.CartItem, 0, len(stored))
	for _, s := range stored {
		quantity, ok := parseRawQuantity(s.Quantity)
		if !ok || s.ProductID == "" {
			continue
		}
		items = append(items, domain.CartItem{
			ProductID:   s.ProductID,
			Quantity:    quantity,
			UnitPrice:   s.UnitPrice,
			DisplayName: s.DisplayName,
			AddedAt:     s.AddedAt,
		})
	}
	return items, nil
}

func parseRawQuantity(raw json.RawMessage) (int, bool) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return 0, false
	}
	return domain.ParseQuantity(v)
}

func encodeCartItems(items []domain.CartItem) (string, error) {
	valid := make([]domain.CartItem, 0, len(items))
	for _, item := range items {
		if item.Valid() {
			valid = append(valid, item)
		}
	}
	b, err := json.Marshal(valid)
	if err != nil {
		return "", fmt.Errorf("failed to encode cart items: %w", err)
	}
	return string(b), nil
}
