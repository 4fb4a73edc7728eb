// Package config loads service settings from the environment and an optional
// config file.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fjod/go_cart/order-service/internal/notify"
	"github.com/fjod/go_cart/order-service/internal/pricing"
	"github.com/fsnotify/fsnotify"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

type Config struct {
	ServiceName string `mapstructure:"SERVICE_NAME"`
	HTTPPort    string `mapstructure:"HTTP_PORT"`
	LogLevel    string `mapstructure:"LOG_LEVEL"`

	StoreDriver         string `mapstructure:"STORE_DRIVER"`
	TransactionsEnabled bool   `mapstructure:"TRANSACTIONS_ENABLED"`
	DBHost              string `mapstructure:"DB_HOST"`
	DBPort              string `mapstructure:"DB_PORT"`
	DBUser              string `mapstructure:"DB_USER"`
	DBPassword          string `mapstructure:"DB_PASSWORD"`
	DBName              string `mapstructure:"DB_NAME"`
	SQLitePath          string `mapstructure:"SQLITE_PATH"`
	MigrationsPath      string `mapstructure:"MIGRATIONS_PATH"`
	MongoURI            string `mapstructure:"MONGO_URI"`
	MongoDBName         string `mapstructure:"MONGO_DB_NAME"`

	RedisAddr     string   `mapstructure:"REDIS_ADDR"`
	RedisPassword string   `mapstructure:"REDIS_PASSWORD"`
	KafkaBrokers  []string `mapstructure:"KAFKA_BROKERS"`

	ShippingEnabled           bool   `mapstructure:"SHIPPING_ENABLED"`
	EmailNotificationsEnabled bool   `mapstructure:"EMAIL_NOTIFICATIONS_ENABLED"`
	NotifyStatusChanges       bool   `mapstructure:"NOTIFY_STATUS_CHANGES"`
	LoyaltyPointsRate         string `mapstructure:"LOYALTY_POINTS_RATE"`

	// checkout adjustments; decimal strings
	DefaultCurrency  string `mapstructure:"DEFAULT_CURRENCY"`
	TaxRatePercent   string `mapstructure:"TAX_RATE_PERCENT"`
	ShippingCost     string `mapstructure:"SHIPPING_COST"`
	FreeShippingFrom string `mapstructure:"FREE_SHIPPING_FROM"`

	// OperatorToken guards operator-only endpoints. Empty disables them.
	OperatorToken string `mapstructure:"OPERATOR_TOKEN"`

	RequestTimeout  time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	ShutdownTimeout time.Duration `mapstructure:"SHUTDOWN_TIMEOUT"`
	StepTimeout     time.Duration `mapstructure:"POST_ORDER_STEP_TIMEOUT"`
}

var defaults = map[string]any{
	"SERVICE_NAME":                "order-service",
	"HTTP_PORT":                   "8080",
	"LOG_LEVEL":                   "info",
	"STORE_DRIVER":                "memory",
	"TRANSACTIONS_ENABLED":        true,
	"DB_HOST":                     "localhost",
	"DB_PORT":                     "5432",
	"DB_USER":                     "postgres",
	"DB_PASSWORD":                 "",
	"DB_NAME":                     "orders",
	"SQLITE_PATH":                 "orders.db",
	"MIGRATIONS_PATH":             "",
	"MONGO_URI":                   "mongodb://localhost:27017",
	"MONGO_DB_NAME":               "orders",
	"REDIS_ADDR":                  "",
	"REDIS_PASSWORD":              "",
	"KAFKA_BROKERS":               []string{},
	"SHIPPING_ENABLED":            false,
	"EMAIL_NOTIFICATIONS_ENABLED": true,
	"NOTIFY_STATUS_CHANGES":       true,
	"LOYALTY_POINTS_RATE":         "0.01",
	"DEFAULT_CURRENCY":            "INR",
	"TAX_RATE_PERCENT":            "18",
	"SHIPPING_COST":               "0",
	"FREE_SHIPPING_FROM":          "0",
	"OPERATOR_TOKEN":              "",
	"REQUEST_TIMEOUT":             30 * time.Second,
	"SHUTDOWN_TIMEOUT":            15 * time.Second,
	"POST_ORDER_STEP_TIMEOUT":     30 * time.Second,
}

var validDrivers = map[string]bool{"memory": true, "postgres": true, "sqlite": true, "mongo": true}

// Load reads the environment and, when CONFIG_FILE is set, that file.
// Environment variables win over the file.
func Load() (*Config, *viper.Viper, error) {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.AutomaticEnv()

	if file := v.GetString("CONFIG_FILE"); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, nil, fmt.Errorf("failed to read config file %s: %w", file, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.KafkaBrokers = splitList(cfg.KafkaBrokers)
	if err := cfg.validate(); err != nil {
		return nil, nil, err
	}
	return cfg, v, nil
}

// splitList flattens comma separated entries, which is how lists arrive from
// the environment.
func splitList(in []string) []string {
	var out []string
	for _, entry := range in {
		for _, part := range strings.Split(entry, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func (c *Config) validate() error {
	var errs []error
	if !validDrivers[c.StoreDriver] {
		errs = append(errs, fmt.Errorf("unknown STORE_DRIVER %q", c.StoreDriver))
	}
	if _, err := decimal.NewFromString(c.LoyaltyPointsRate); err != nil {
		errs = append(errs, fmt.Errorf("invalid LOYALTY_POINTS_RATE %q: %w", c.LoyaltyPointsRate, err))
	}
	if c.DefaultCurrency == "" {
		errs = append(errs, errors.New("DEFAULT_CURRENCY must not be empty"))
	}
	amounts := map[string]string{
		"TAX_RATE_PERCENT":   c.TaxRatePercent,
		"SHIPPING_COST":      c.ShippingCost,
		"FREE_SHIPPING_FROM": c.FreeShippingFrom,
	}
	var badAmount bool
	for key, value := range amounts {
		if _, err := decimal.NewFromString(value); err != nil {
			errs = append(errs, fmt.Errorf("invalid %s %q: %w", key, value, err))
			badAmount = true
		}
	}
	if !badAmount && c.DefaultCurrency != "" {
		if err := c.Pricing().Validate(); err != nil {
			errs = append(errs, fmt.Errorf("invalid checkout pricing: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (c *Config) PointsRate() decimal.Decimal {
	return decimalOrZero(c.LoyaltyPointsRate)
}

// Pricing is the checkout policy applied to every order.
func (c *Config) Pricing() pricing.Policy {
	return pricing.Policy{
		TaxRate:          pricing.PercentRate(decimalOrZero(c.TaxRatePercent)),
		ShippingCost:     decimalOrZero(c.ShippingCost),
		FreeShippingFrom: decimalOrZero(c.FreeShippingFrom),
		Currency:         c.DefaultCurrency,
	}
}

func decimalOrZero(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func (c *Config) Notifications() notify.Settings {
	return notify.Settings{
		EmailNotificationsEnabled: c.EmailNotificationsEnabled,
		NotifyStatusChanges:       c.NotifyStatusChanges,
	}
}

// Watch reloads the notification switches whenever the config file changes.
// Everything else needs a restart.
func Watch(v *viper.Viper, gate *notify.Gate, log *zap.Logger) {
	if v.ConfigFileUsed() == "" {
		return
	}
	v.OnConfigChange(func(e fsnotify.Event) {
		s := notify.Settings{
			EmailNotificationsEnabled: v.GetBool("EMAIL_NOTIFICATIONS_ENABLED"),
			NotifyStatusChanges:       v.GetBool("NOTIFY_STATUS_CHANGES"),
		}
		gate.Store(s)
		log.Info("notification settings reloaded",
			zap.String("file", e.Name),
			zap.Bool("email_notifications_enabled", s.EmailNotificationsEnabled),
			zap.Bool("notify_status_changes", s.NotifyStatusChanges),
		)
	})
	v.WatchConfig()
}
