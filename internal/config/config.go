// Package config содержит логику чтения конфигурации сервиса boostmart.
package config

import (
	"flag"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

const defaultProviderURL = "https://peakerr.com/api/v2"

// Config содержит параметры конфигурации сервиса boostmart.
type Config struct {
	RunAddress     string `env:"RUN_ADDRESS"`
	DatabaseURI    string `env:"DATABASE_URI"`
	ProviderAPIURL string `env:"PROVIDER_API_URL"`
	ProviderAPIKey string `env:"PROVIDER_API_KEY"`

	ProviderTimeout   time.Duration `env:"PROVIDER_TIMEOUT" envDefault:"5s"`
	ProviderRateLimit float64       `env:"PROVIDER_RATE_LIMIT" envDefault:"5"`

	ReconcileInterval    time.Duration `env:"RECONCILE_INTERVAL" envDefault:"3m"`
	ReconcileConcurrency int           `env:"RECONCILE_CONCURRENCY" envDefault:"2"`
	CatalogSyncInterval  time.Duration `env:"CATALOG_SYNC_INTERVAL" envDefault:"6h"`
	ServiceMarkup        float64       `env:"SERVICE_MARKUP" envDefault:"0.1"`

	RecoveryInterval time.Duration `env:"RECOVERY_INTERVAL" envDefault:"1m"`
	RecoveryGrace    time.Duration `env:"RECOVERY_GRACE" envDefault:"2m"`
	IntentStaleAfter time.Duration `env:"INTENT_STALE_AFTER" envDefault:"15m"`
	OutboxInterval   time.Duration `env:"OUTBOX_INTERVAL" envDefault:"2s"`

	BalanceCheckInterval  time.Duration `env:"BALANCE_CHECK_INTERVAL" envDefault:"15m"`
	BalanceAlertThreshold float64       `env:"BALANCE_ALERT_THRESHOLD" envDefault:"10"`

	// Нулевой интервал отключает выгрузку метрик.
	MetricsInterval time.Duration `env:"METRICS_INTERVAL" envDefault:"1m"`

	RedisAddr    string   `env:"REDIS_ADDR"`
	KafkaBrokers []string `env:"KAFKA_BROKERS" envSeparator:","`
	KafkaTopic   string   `env:"KAFKA_TOPIC" envDefault:"orders.events"`

	AuthSecret        string `env:"AUTH_SECRET"`
	PaystackSecretKey string `env:"PAYSTACK_SECRET_KEY"`
	PaystackAPIURL    string `env:"PAYSTACK_API_URL" envDefault:"https://api.paystack.co"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
// Переменные окружения имеют приоритет над флагами.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envProviderURL := cfg.ProviderAPIURL
	envProviderKey := cfg.ProviderAPIKey

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.ProviderAPIURL, "p", defaultProviderURL, "fulfillment provider API URL")
	flag.StringVar(&cfg.ProviderAPIKey, "k", "", "fulfillment provider API key")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envProviderURL != "" {
		cfg.ProviderAPIURL = envProviderURL
	}
	if envProviderKey != "" {
		cfg.ProviderAPIKey = envProviderKey
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}
	if cfg.ProviderAPIURL == "" {
		cfg.ProviderAPIURL = defaultProviderURL
	}
	if cfg.ReconcileConcurrency <= 0 {
		cfg.ReconcileConcurrency = 1
	}

	return cfg, nil
}
