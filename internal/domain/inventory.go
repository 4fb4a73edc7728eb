package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// InventoryRecord is the only source of truth for sellable stock of a product.
// UnitPrice and DisplayName are the catalog values a cart line snapshots.
type InventoryRecord struct {
	ProductID         string          `json:"product_id"`
	DisplayName       string          `json:"display_name,omitempty"`
	UnitPrice         decimal.Decimal `json:"unit_price"`
	AvailableQuantity int             `json:"available_quantity"`
	LowStockThreshold int             `json:"low_stock_threshold"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// IsLow reports whether stock fell to or below the threshold.
func (r InventoryRecord) IsLow() bool {
	return r.AvailableQuantity <= r.LowStockThreshold
}

type ReservationItem struct {
	ProductID string
	Quantity  int
}

// ReservationReceipt records one successful conditional decrement.
type ReservationReceipt struct {
	ProductID  string
	Quantity   int
	ReservedAt time.Time
}
