package domain

import (
	"encoding/json"
	"math"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

type Cart struct {
	ID        string     `json:"id"`
	Owner     OwnerKey   `json:"owner_key"`
	Items     []CartItem `json:"items"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

type CartItem struct {
	ProductID   string          `json:"product_id"`
	Quantity    int             `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	DisplayName string          `json:"display_name,omitempty"`
	AddedAt     time.Time       `json:"added_at"`
}

// Valid reports whether the line can take part in a checkout.
func (i CartItem) Valid() bool {
	return i.ProductID != "" && i.Quantity > 0
}

// ValidItems returns the usable lines in cart order. Corrupted lines are skipped.
func (c *Cart) ValidItems() []CartItem {
	if c == nil {
		return nil
	}
	items := make([]CartItem, 0, len(c.Items))
	for _, item := range c.Items {
		if item.Valid() {
			items = append(items, item)
		}
	}
	return items
}

// ParseQuantity converts a stored quantity into a positive integer.
// Anything non-numeric, fractional or non-positive is rejected.
func ParseQuantity(v any) (int, bool) {
	var q int64
	switch n := v.(type) {
	case int:
		q = int64(n)
	case int32:
		q = int64(n)
	case int64:
		q = n
	case float64:
		if math.IsNaN(n) || math.IsInf(n, 0) || n != math.Trunc(n) || n > math.MaxInt32 {
			return 0, false
		}
		q = int64(n)
	case json.Number:
		parsed, err := strconv.ParseInt(n.String(), 10, 64)
		if err != nil {
			return 0, false
		}
		q = parsed
	default:
		return 0, false
	}
	if q <= 0 || q > math.MaxInt32 {
		return 0, false
	}
	return int(q), true
}
