package domain

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type PaymentGateway string

const (
	PaymentGatewayRazorpay       PaymentGateway = "razorpay"
	PaymentGatewayCashOnDelivery PaymentGateway = "cod"
	PaymentGatewayOther          PaymentGateway = "other"
)

type PaymentStatus string

const (
	PaymentStatusPending   PaymentStatus = "pending"
	PaymentStatusCompleted PaymentStatus = "completed"
	PaymentStatusFailed    PaymentStatus = "failed"
	PaymentStatusRefunded  PaymentStatus = "refunded"
)

// GatewayForMethod maps the buyer's chosen payment method to a gateway.
func GatewayForMethod(method string) PaymentGateway {
	switch strings.ToLower(strings.TrimSpace(method)) {
	case "razorpay", "online", "card", "upi", "netbanking":
		return PaymentGatewayRazorpay
	case "cod", "cash_on_delivery", "cashondelivery":
		return PaymentGatewayCashOnDelivery
	default:
		return PaymentGatewayOther
	}
}

// Payment is an opaque ledger entry; confirmation happens elsewhere.
type Payment struct {
	ID                  string            `json:"id"`
	OrderID             string            `json:"order_id"`
	Amount              decimal.Decimal   `json:"amount"`
	Currency            string            `json:"currency"`
	Gateway             PaymentGateway    `json:"gateway"`
	Status              PaymentStatus     `json:"status"`
	GatewayReferenceIDs map[string]string `json:"gateway_reference_ids,omitempty"`
	Meta                map[string]string `json:"meta,omitempty"`
	CreatedAt           time.Time         `json:"created_at"`
	UpdatedAt           time.Time         `json:"updated_at"`
}
