// Package http exposes the cart, checkout and order operations over chi.
package http

import (
	"net/http"
	"time"

	"github.com/fjod/go_cart/order-service/pkg/metrics"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

type RouterConfig struct {
	RequestTimeout time.Duration
	Metrics        *metrics.Metrics
	// Gatherer backs /metrics; nil leaves the endpoint out.
	Gatherer prometheus.Gatherer
	// OperatorToken unlocks the operator routes.
	OperatorToken string
}

func NewRouter(cart *CartHandler, co *CheckoutHandler, orders *OrdersHandler, cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	if cfg.RequestTimeout > 0 {
		r.Use(middleware.Timeout(cfg.RequestTimeout))
	}
	r.Use(MetricsMiddleware(cfg.Metrics))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if cfg.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", metrics.Handler(cfg.Gatherer))
	}

	r.Route("/api/v1", func(r chi.Router) {
		// buyer routes
		r.Group(func(r chi.Router) {
			r.Use(OwnerMiddleware)

			r.Route("/cart", func(r chi.Router) {
				r.Get("/", cart.GetCart)
				r.Delete("/", cart.ClearCart)
				r.Post("/items", cart.AddItem)
				r.Patch("/items/{product_id}", cart.UpdateQuantity)
				r.Delete("/items/{product_id}", cart.RemoveItem)
				r.Post("/validate", co.ValidateCart)
			})
			r.Post("/checkout", co.Checkout)
			r.Get("/orders", orders.ListOrders)
			r.Get("/orders/{order_id}", orders.GetOrder)
			r.Get("/orders/{order_id}/invoice", orders.GetInvoice)
		})

		// operator routes
		r.Group(func(r chi.Router) {
			r.Use(OperatorMiddleware(cfg.OperatorToken))

			r.Patch("/orders/{order_id}/status", orders.UpdateStatus)
		})
	})

	return otelhttp.NewHandler(r, "order-service",
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
	)
}
