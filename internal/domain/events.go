package domain

// EventKind selects the notification template used for a buyer message.
type EventKind string

const (
	EventOrderConfirmation  EventKind = "order_confirmation"
	EventOrderStatusChanged EventKind = "order_status_changed"
)
