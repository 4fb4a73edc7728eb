package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/fjod/go_cart/order-service/internal/cart"
	"github.com/fjod/go_cart/order-service/internal/checkout"
	"github.com/fjod/go_cart/order-service/internal/domain"
	"github.com/fjod/go_cart/order-service/internal/pricing"
	"github.com/fjod/go_cart/order-service/internal/repository"
	"github.com/fjod/go_cart/order-service/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testServer struct {
	store   *repository.MemoryStore
	handler http.Handler
}

const operatorToken = "op-secret"

var testPricing = pricing.Policy{
	TaxRate:      pricing.PercentRate(decimal.NewFromInt(18)),
	ShippingCost: decimal.NewFromInt(50),
	Currency:     "INR",
}

func newTestServer(t *testing.T) *testServer {
	return newTestServerWithToken(t, operatorToken)
}

func newTestServerWithToken(t *testing.T, token string) *testServer {
	t.Helper()
	store := repository.NewMemoryStore()
	svc := checkout.NewCheckoutService(checkout.Dependencies{
		Stores:     store,
		UnitOfWork: repository.NewSequentialUnitOfWork(store, nil),
	}, checkout.Config{})
	reg := prometheus.NewRegistry()
	m := metrics.New("order_service", reg)

	handler := NewRouter(
		NewCartHandler(cart.NewCartService(store, store, nil, nil), 5*time.Second),
		NewCheckoutHandler(svc, store, testPricing, 5*time.Second),
		NewOrdersHandler(svc, store, 5*time.Second),
		RouterConfig{RequestTimeout: 5 * time.Second, Metrics: m, Gatherer: reg, OperatorToken: token},
	)
	return &testServer{store: store, handler: handler}
}

func (s *testServer) do(t *testing.T, method, path, user string, body any) *httptest.ResponseRecorder {
	t.Helper()
	return s.send(t, method, path, map[string]string{HeaderUserID: user}, body)
}

func (s *testServer) operator(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	return s.send(t, method, path, map[string]string{HeaderOperatorToken: operatorToken}, body)
}

func (s *testServer) send(t *testing.T, method, path string, headers map[string]string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	for k, v := range headers {
		if v != "" {
			req.Header.Set(k, v)
		}
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func (s *testServer) stock(t *testing.T, id string, qty int, price string) {
	t.Helper()
	require.NoError(t, s.store.SetStock(context.Background(), domain.InventoryRecord{
		ProductID:         id,
		DisplayName:       "Product " + id,
		UnitPrice:         decimal.RequireFromString(price),
		AvailableQuantity: qty,
	}))
}

var address = map[string]any{
	"name":        "Asha Rao",
	"email":       "asha@example.com",
	"line1":       "12 MG Road",
	"city":        "Bengaluru",
	"postal_code": "560001",
	"country":     "IN",
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestAPI_RequiresOwner(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodGet, "/api/v1/cart", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "unauthorized", resp.Code)
}

func TestCartEndpoints(t *testing.T) {
	s := newTestServer(t)
	s.stock(t, "p1", 10, "300")

	// a price sent by the buyer is ignored
	rec := s.do(t, http.MethodPost, "/api/v1/cart/items", "42", map[string]any{"product_id": "p1", "quantity": 2, "unit_price": "0.01"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = s.do(t, http.MethodPatch, "/api/v1/cart/items/p1", "42", map[string]any{"quantity": 5})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = s.do(t, http.MethodGet, "/api/v1/cart", "42", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var c domain.Cart
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &c))
	require.Len(t, c.Items, 1)
	assert.Equal(t, 5, c.Items[0].Quantity)
	assert.Equal(t, "300.00", c.Items[0].UnitPrice.StringFixed(2))
	assert.Equal(t, "Product p1", c.Items[0].DisplayName)
	assert.Equal(t, domain.UserOwner("42"), c.Owner)

	rec = s.do(t, http.MethodPost, "/api/v1/cart/items", "42", map[string]any{"product_id": "p1", "quantity": 100})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// merging past the line cap is refused
	rec = s.do(t, http.MethodPost, "/api/v1/cart/items", "42", map[string]any{"product_id": "p1", "quantity": 95})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/v1/cart/items", "42", map[string]any{"product_id": "unknown", "quantity": 1})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(t, http.MethodDelete, "/api/v1/cart/items/missing", "42", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(t, http.MethodDelete, "/api/v1/cart", "42", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestCheckout_Success(t *testing.T) {
	s := newTestServer(t)
	s.stock(t, "p1", 10, "300")
	s.stock(t, "p2", 10, "400")
	s.do(t, http.MethodPost, "/api/v1/cart/items", "42", map[string]any{"product_id": "p1", "quantity": 2})
	s.do(t, http.MethodPost, "/api/v1/cart/items", "42", map[string]any{"product_id": "p2", "quantity": 1})

	rec := s.do(t, http.MethodPost, "/api/v1/cart/validate", "42", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// amounts in the body are not part of the request and are ignored
	rec = s.do(t, http.MethodPost, "/api/v1/checkout", "42", map[string]any{
		"shipping_address": address,
		"payment_method":   "cod",
		"discount":         "5000",
		"shipping_cost":    "0",
		"tax_rate_percent": "0",
		"currency":         "RUPEES",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp CheckoutResponseDTO
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	// (1000 + 50) * 1.18
	assert.Equal(t, "1239.00", resp.Order.TotalAmount.StringFixed(2))
	assert.True(t, resp.Order.Discount.IsZero())
	assert.Equal(t, "INR", resp.Order.Currency)
	assert.Equal(t, domain.OrderStatusPending, resp.Order.Status)
	assert.Equal(t, domain.PaymentGatewayCashOnDelivery, resp.Payment.Gateway)

	rec = s.do(t, http.MethodGet, "/api/v1/orders/"+resp.Order.ID, "42", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/v1/orders/"+resp.Order.ID, "7", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code, "other users cannot read the order")

	rec = s.do(t, http.MethodGet, "/api/v1/orders", "42", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), resp.Order.ID)

	rec = s.operator(t, http.MethodPatch, "/api/v1/orders/"+resp.Order.ID+"/status", map[string]any{"status": "shipped"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"status":"shipped"`)

	rec = s.operator(t, http.MethodPatch, "/api/v1/orders/"+resp.Order.ID+"/status", map[string]any{"status": "teleported"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// no invoice is generated without the post-order processor
	rec = s.do(t, http.MethodGet, "/api/v1/orders/"+resp.Order.ID+"/invoice", "42", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// the cart was consumed
	rec = s.do(t, http.MethodPost, "/api/v1/checkout", "42", map[string]any{"shipping_address": address})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "empty_cart")
}

func TestCheckout_UnavailableItems(t *testing.T) {
	s := newTestServer(t)
	s.stock(t, "p1", 1, "10")
	// "gone" was withdrawn from the catalog after it was added
	require.NoError(t, s.store.UpsertCart(context.Background(), &domain.Cart{
		ID:    "cart-1",
		Owner: domain.UserOwner("42"),
		Items: []domain.CartItem{
			{ProductID: "p1", Quantity: 3, UnitPrice: decimal.NewFromInt(10)},
			{ProductID: "gone", Quantity: 1, UnitPrice: decimal.NewFromInt(10)},
		},
	}))

	rec := s.do(t, http.MethodPost, "/api/v1/checkout", "42", map[string]any{"shipping_address": address})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "validation_failed", resp.Code)
	require.Len(t, resp.Lines, 2)
	assert.Equal(t, checkout.ReasonInsufficientStock, resp.Lines[0].Reason)
	assert.Equal(t, 1, resp.Lines[0].AvailableQuantity)
	assert.Equal(t, checkout.ReasonProductNotFound, resp.Lines[1].Reason)
}

func TestCheckout_ShortStockIsConflict(t *testing.T) {
	s := newTestServer(t)
	s.stock(t, "p1", 5, "10")
	rec := s.do(t, http.MethodPost, "/api/v1/cart/items", "42", map[string]any{"product_id": "p1", "quantity": 3})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	s.stock(t, "p1", 1, "10")

	rec = s.do(t, http.MethodPost, "/api/v1/cart/validate", "42", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/v1/checkout", "42", map[string]any{"shipping_address": address})
	require.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())

	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "insufficient_inventory", resp.Code)
	assert.Equal(t, []checkout.LineProblem{
		{ProductID: "p1", Reason: checkout.ReasonInsufficientStock, Requested: 3, AvailableQuantity: 1},
	}, resp.Lines)

	rec = s.do(t, http.MethodGet, "/api/v1/cart", "42", nil)
	assert.Contains(t, rec.Body.String(), `"product_id":"p1"`, "cart is kept")
}

func TestOrderStatus_OperatorOnly(t *testing.T) {
	s := newTestServer(t)
	s.stock(t, "p1", 5, "10")
	s.do(t, http.MethodPost, "/api/v1/cart/items", "42", map[string]any{"product_id": "p1", "quantity": 1})
	rec := s.do(t, http.MethodPost, "/api/v1/checkout", "42", map[string]any{"shipping_address": address})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var placed CheckoutResponseDTO
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &placed))
	path := "/api/v1/orders/" + placed.Order.ID + "/status"

	rec = s.do(t, http.MethodPatch, path, "42", map[string]any{"status": "refunded"})
	assert.Equal(t, http.StatusForbidden, rec.Code, "the buyer cannot move their own order")

	rec = s.send(t, http.MethodPatch, path, map[string]string{HeaderUserID: "42", HeaderOperatorToken: "guess"}, map[string]any{"status": "refunded"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/v1/orders/"+placed.Order.ID, "42", nil)
	assert.Contains(t, rec.Body.String(), `"status":"pending"`)

	rec = s.operator(t, http.MethodPatch, path, map[string]any{"status": "paid"})
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// without a configured token nobody gets in
	closed := newTestServerWithToken(t, "")
	rec = closed.send(t, http.MethodPatch, path, map[string]string{HeaderOperatorToken: ""}, map[string]any{"status": "paid"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestGuestOrders(t *testing.T) {
	s := newTestServer(t)
	s.stock(t, "p1", 5, "10")

	add := httptest.NewRequest(http.MethodPost, "/api/v1/cart/items", strings.NewReader(`{"product_id":"p1","quantity":1}`))
	add.AddCookie(&http.Cookie{Name: SessionCookie, Value: "sess-1"})
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, add)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	body, _ := json.Marshal(map[string]any{"shipping_address": address})
	co := httptest.NewRequest(http.MethodPost, "/api/v1/checkout", bytes.NewReader(body))
	co.Header.Set(HeaderSessionID, "sess-1")
	rec = httptest.NewRecorder()
	s.handler.ServeHTTP(rec, co)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	list := httptest.NewRequest(http.MethodGet, "/api/v1/orders?email=Asha@Example.com", nil)
	list.Header.Set(HeaderSessionID, "sess-1")
	rec = httptest.NewRecorder()
	s.handler.ServeHTTP(rec, list)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Orders []domain.Order `json:"orders"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Orders, 1)
	assert.Equal(t, domain.GuestOwner("asha@example.com"), resp.Orders[0].Owner)
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t)
	s.do(t, http.MethodGet, "/health", "", nil)

	rec := s.do(t, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `handler="GET /health"`)
}
