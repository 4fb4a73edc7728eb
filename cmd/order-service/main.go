package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fjod/go_cart/order-service/internal/cart"
	"github.com/fjod/go_cart/order-service/internal/checkout"
	"github.com/fjod/go_cart/order-service/internal/config"
	h "github.com/fjod/go_cart/order-service/internal/http"
	"github.com/fjod/go_cart/order-service/internal/inventory"
	"github.com/fjod/go_cart/order-service/internal/notify"
	"github.com/fjod/go_cart/order-service/internal/postorder"
	"github.com/fjod/go_cart/order-service/pkg/circuitbreaker"
	"github.com/fjod/go_cart/order-service/pkg/logger"
	"github.com/fjod/go_cart/order-service/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

func main() {
	cfg, v, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.ServiceName, cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()
	zap.ReplaceGlobals(log)

	if err := run(cfg, v, log); err != nil {
		log.Fatal("order service stopped", zap.Error(err))
	}
}

func run(cfg *config.Config, v *viper.Viper, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New("order_service", reg)

	st, err := openStorage(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer st.close()
	log.Info("storage ready",
		zap.String("driver", cfg.StoreDriver),
		zap.String("mode", string(st.uow.Mode())),
	)

	// cart cache
	var cartCache interface {
		cart.Cache
		checkout.CartCache
	} = cart.NopCache{}
	if cfg.RedisAddr != "" {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		})
		defer redisClient.Close()
		if err := redisClient.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		cartCache = cart.NewRedisCache(redisClient)
	}

	// notifications and shipments
	gate := notify.NewGate(cfg.Notifications())
	config.Watch(v, gate, log)

	var (
		notifier  postorder.Notifier
		shipments postorder.ShipmentCreator
	)
	if len(cfg.KafkaBrokers) > 0 {
		n := notify.NewKafkaNotifier(
			notify.NewKafkaWriter(notify.TopicNotifications, cfg.KafkaBrokers...),
			circuitbreaker.New(circuitbreaker.DefaultSettings("notifications"), log),
			gate, log, m,
		)
		defer n.Close()
		notifier = n

		sp := notify.NewShipmentPublisher(
			notify.NewKafkaWriter(notify.TopicShipments, cfg.KafkaBrokers...),
			circuitbreaker.New(circuitbreaker.DefaultSettings("shipments"), log),
		)
		defer sp.Close()
		shipments = sp
	} else {
		log.Warn("no kafka brokers configured, notifications and shipments are skipped")
	}

	processor := postorder.NewProcessor(
		postorder.NewInvoiceBuilder(st.stores),
		notifier,
		shipments,
		st.stores,
		postorder.Config{
			ShippingEnabled:   cfg.ShippingEnabled,
			LoyaltyPointsRate: cfg.PointsRate(),
			StepTimeout:       cfg.StepTimeout,
		},
		log, m,
	)

	checkoutSvc := checkout.NewCheckoutService(checkout.Dependencies{
		Stores:     st.stores,
		UnitOfWork: st.uow,
		Inventory:  inventory.NewEngine(st.uow, log, m),
		Dispatcher: processor,
		CartCache:  cartCache,
		Logger:     log,
		Metrics:    m,
	}, checkout.Config{DefaultCurrency: cfg.DefaultCurrency})
	cartSvc := cart.NewCartService(st.stores, st.stores, cartCache, log)

	if cfg.OperatorToken == "" {
		log.Warn("no operator token configured, order status updates are disabled")
	}
	router := h.NewRouter(
		h.NewCartHandler(cartSvc, cfg.RequestTimeout),
		h.NewCheckoutHandler(checkoutSvc, st.stores, cfg.Pricing(), cfg.RequestTimeout),
		h.NewOrdersHandler(checkoutSvc, st.stores, cfg.RequestTimeout),
		h.RouterConfig{
			RequestTimeout: cfg.RequestTimeout,
			Metrics:        m,
			Gatherer:       reg,
			OperatorToken:  cfg.OperatorToken,
		},
	)

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: cfg.RequestTimeout + 5*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info("order service starting", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}

	log.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", zap.Error(err))
	}
	// committed orders keep their side effects running until the deadline
	if err := processor.Wait(shutdownCtx); err != nil {
		log.Warn("post-order work still running at exit", zap.Error(err))
	}

	log.Info("server exited")
	return nil
}
