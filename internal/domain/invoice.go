package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type InvoiceLine struct {
	Description string          `json:"description"`
	Quantity    int             `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	Amount      decimal.Decimal `json:"amount"`
}

type Invoice struct {
	ID             string          `json:"id"`
	OrderID        string          `json:"order_id"`
	Number         string          `json:"number"`
	Owner          OwnerKey        `json:"owner_key"`
	Lines          []InvoiceLine   `json:"lines"`
	Subtotal       decimal.Decimal `json:"subtotal"`
	Discount       decimal.Decimal `json:"discount"`
	ShippingCost   decimal.Decimal `json:"shipping_cost"`
	TaxAmount      decimal.Decimal `json:"tax_amount"`
	TotalAmount    decimal.Decimal `json:"total_amount"`
	Currency       string          `json:"currency"`
	BillingAddress Address         `json:"billing_address"`
	IssuedAt       time.Time       `json:"issued_at"`
}
