package postorder

import (
	"context"
	"errors"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/fjod/go_cart/order-service/internal/domain"
	"github.com/fjod/go_cart/order-service/internal/repository"
	"github.com/fjod/go_cart/order-service/pkg/metrics"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type sentNotification struct {
	kind      domain.EventKind
	recipient string
	data      map[string]any
}

type fakeNotifier struct {
	mu    sync.Mutex
	sent  []sentNotification
	err   error
	block chan struct{}
}

func (f *fakeNotifier) NotifyOrderEvent(_ context.Context, kind domain.EventKind, recipient string, data map[string]any) error {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentNotification{kind: kind, recipient: recipient, data: data})
	return f.err
}

type fakeInvoices struct {
	err   error
	calls int
}

func (f *fakeInvoices) Generate(_ context.Context, order domain.Order) (*domain.Invoice, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &domain.Invoice{OrderID: order.ID, Number: "INV-20250101-00000000"}, nil
}

type panickingShipments struct{}

func (panickingShipments) CreateShipment(context.Context, domain.Order) (string, error) {
	panic("carrier client not initialised")
}

type fakeShipments struct {
	calls int
}

func (f *fakeShipments) CreateShipment(context.Context, domain.Order) (string, error) {
	f.calls++
	return "ship-1", nil
}

func placedOrder(owner domain.OwnerKey) domain.Order {
	return domain.Order{
		ID:              "order-1",
		Owner:           owner,
		Items:           []domain.OrderItem{{ProductID: "p1", DisplayName: "Mug", Quantity: 1, UnitPrice: decimal.RequireFromString("1121.00")}},
		TotalAmount:     decimal.RequireFromString("1121.00"),
		Currency:        "INR",
		Status:          domain.OrderStatusPending,
		ShippingAddress: domain.Address{Email: "buyer@example.com"},
	}
}

func waitFor(t *testing.T, p *Processor) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, p.Wait(ctx))
}

func TestProcessor_RunsEveryStep(t *testing.T) {
	store := repository.NewMemoryStore()
	notifier := &fakeNotifier{}
	shipments := &fakeShipments{}
	reg := prometheus.NewRegistry()
	m := metrics.New("test", reg)

	p := NewProcessor(NewInvoiceBuilder(store), notifier, shipments, store, Config{
		ShippingEnabled:   true,
		LoyaltyPointsRate: decimal.RequireFromString("0.01"),
	}, nil, m)

	order := placedOrder(domain.UserOwner("42"))
	p.OrderPlaced(context.Background(), order)
	waitFor(t, p)

	invoice, err := store.GetInvoiceByOrder(context.Background(), order.ID)
	require.NoError(t, err)
	assert.True(t, order.TotalAmount.Equal(invoice.TotalAmount))

	require.Len(t, notifier.sent, 1)
	assert.Equal(t, domain.EventOrderConfirmation, notifier.sent[0].kind)
	assert.Equal(t, "buyer@example.com", notifier.sent[0].recipient)
	assert.Equal(t, "1121.00", notifier.sent[0].data["total_amount"])

	assert.Equal(t, 1, shipments.calls)

	balance, err := store.AccruePoints(context.Background(), order.Owner, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(11), balance)

	for _, step := range []string{StepInvoice, StepConfirmation, StepShipment, StepLoyalty} {
		assert.Equal(t, 1.0, testutil.ToFloat64(m.PostOrderSteps.WithLabelValues(step, "success")), step)
	}
}

func TestProcessor_StepFailuresAreIsolated(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	notifier := &fakeNotifier{}
	invoices := &fakeInvoices{err: errors.New("pdf renderer down")}
	store := repository.NewMemoryStore()

	p := NewProcessor(invoices, notifier, panickingShipments{}, store, Config{
		ShippingEnabled:   true,
		LoyaltyPointsRate: decimal.NewFromInt(1),
	}, zap.New(core), nil)

	order := placedOrder(domain.UserOwner("42"))
	p.OrderPlaced(context.Background(), order)
	waitFor(t, p)

	assert.Equal(t, 1, invoices.calls)
	assert.Len(t, notifier.sent, 1, "notification runs after invoice failure")

	balance, err := store.AccruePoints(context.Background(), order.Owner, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1121), balance, "loyalty runs after shipment panic")

	failures := logs.FilterMessage("post-order step failed").All()
	require.Len(t, failures, 2)
	steps := []any{failures[0].ContextMap()["step"], failures[1].ContextMap()["step"]}
	assert.ElementsMatch(t, []any{StepInvoice, StepShipment}, steps)
	assert.Equal(t, order.ID, failures[0].ContextMap()["order_id"])
}

func TestProcessor_SkipsGuestLoyaltyAndDisabledShipping(t *testing.T) {
	store := repository.NewMemoryStore()
	shipments := &fakeShipments{}
	p := NewProcessor(nil, &fakeNotifier{}, shipments, store, Config{
		ShippingEnabled:   false,
		LoyaltyPointsRate: decimal.NewFromInt(1),
	}, nil, nil)

	owner := domain.GuestOwner("buyer@example.com")
	p.OrderPlaced(context.Background(), placedOrder(owner))
	waitFor(t, p)

	assert.Equal(t, 0, shipments.calls)
	balance, err := store.AccruePoints(context.Background(), owner, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(0), balance)
}

func TestProcessor_OrderPlacedDoesNotBlock(t *testing.T) {
	notifier := &fakeNotifier{block: make(chan struct{})}
	p := NewProcessor(nil, notifier, nil, nil, Config{}, nil, nil)

	returned := make(chan struct{})
	go func() {
		p.OrderPlaced(context.Background(), placedOrder(domain.UserOwner("1")))
		close(returned)
	}()

	select {
	case <-returned:
	case <-time.After(time.Second):
		t.Fatal("OrderPlaced blocked on a side effect")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, p.Wait(ctx), context.DeadlineExceeded)

	close(notifier.block)
	waitFor(t, p)
	assert.Len(t, notifier.sent, 1)
}

func TestProcessor_StatusChanged(t *testing.T) {
	notifier := &fakeNotifier{}
	p := NewProcessor(nil, notifier, nil, nil, Config{}, nil, nil)

	order := placedOrder(domain.GuestOwner("guest@example.com"))
	order.Status = domain.OrderStatusShipped
	p.StatusChanged(context.Background(), order, domain.OrderStatusPaid)
	waitFor(t, p)

	require.Len(t, notifier.sent, 1)
	assert.Equal(t, domain.EventOrderStatusChanged, notifier.sent[0].kind)
	assert.Equal(t, "guest@example.com", notifier.sent[0].recipient)
	assert.Equal(t, "shipped", notifier.sent[0].data["status"])
	assert.Equal(t, "paid", notifier.sent[0].data["previous_status"])
}

func TestLoyaltyPoints(t *testing.T) {
	assert.Equal(t, int64(11), LoyaltyPoints(decimal.RequireFromString("1121.00"), decimal.RequireFromString("0.01")))
	assert.Equal(t, int64(0), LoyaltyPoints(decimal.RequireFromString("99.99"), decimal.RequireFromString("0.01")))
}

func TestInvoiceNumber(t *testing.T) {
	id := uuid.MustParse("a1b2c3d4-0000-4000-8000-000000000000")
	issued := time.Date(2025, 3, 9, 10, 0, 0, 0, time.UTC)

	assert.Equal(t, "INV-20250309-A1B2C3D4", InvoiceNumber(issued, id))
	assert.Regexp(t, regexp.MustCompile(`^INV-\d{8}-[0-9A-F]{8}$`), InvoiceNumber(time.Now(), uuid.New()))
}
