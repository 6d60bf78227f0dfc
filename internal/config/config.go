package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/fx"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string

	OTLPEndpoint string

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int

	// BillingCron is the cron expression the scheduler app uses to trigger
	// billing runs.
	BillingCron string

	GatewayBaseURL    string
	GatewayMerchantID string
	GatewayCallback   string
	GatewayTimeout    time.Duration

	CurrencyBaseURL       string
	CurrencyTimeout       time.Duration
	SettlementCurrency    string
	BaseCurrency          string
	CurrencyFixedRate     float64
	CurrencyConverterMode string

	AlertWebhookURL string
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		AppName:     getenv("APP_SERVICE", "rebill"),
		AppVersion:  getenv("APP_VERSION", "0.1.0"),
		Environment: getenv("ENVIRONMENT", "development"),

		OTLPEndpoint: getenv("OTLP_ENDPOINT", "localhost:4317"),

		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "rebill"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 2),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 10),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 3600),
		DBConnMaxIdleTime: getenvInt("DATABASE_CONN_MAX_IDLE_TIME", 600),

		BillingCron: getenv("BILLING_CRON", "*/5 * * * *"),

		GatewayBaseURL:    getenv("GATEWAY_BASE_URL", "https://api.zarinpal.com"),
		GatewayMerchantID: strings.TrimSpace(getenv("GATEWAY_MERCHANT_ID", "")),
		GatewayCallback:   getenv("GATEWAY_CALLBACK_URL", ""),
		GatewayTimeout:    getenvDuration("GATEWAY_TIMEOUT", 10*time.Second),

		CurrencyBaseURL:       getenv("CURRENCY_BASE_URL", ""),
		CurrencyTimeout:       getenvDuration("CURRENCY_TIMEOUT", 5*time.Second),
		SettlementCurrency:    getenv("SETTLEMENT_CURRENCY", "IRR"),
		BaseCurrency:          getenv("BASE_CURRENCY", "USD"),
		CurrencyFixedRate:     getenvFloat("CURRENCY_FIXED_RATE", 0),
		CurrencyConverterMode: strings.ToLower(getenv("CURRENCY_CONVERTER", "http")),

		AlertWebhookURL: strings.TrimSpace(getenv("ALERT_WEBHOOK_URL", "")),
	}
}

var Module = fx.Module("config",
	fx.Provide(Load),
	fx.Provide(NewBillingConfigHolder),
)

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func getenvFloat(key string, def float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvDuration(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return def
	}
	return parsed
}
