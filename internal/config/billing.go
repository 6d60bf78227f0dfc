package config

import (
	"errors"
	"log"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// BillingConfig holds the run-tunable parameters of the recurring billing run.
type BillingConfig struct {
	// ChunkSize bounds how many subscriptions are charged between two
	// time-budget checks.
	ChunkSize int `mapstructure:"chunkSize"`
	// MaxSubscriptionsPerRun caps the due-subscription fetch.
	MaxSubscriptionsPerRun int `mapstructure:"maxSubscriptionsPerRun"`
	// RunBudget is the wall-clock budget of one run; the platform limit is
	// 30s, we stop at 28s and let the next trigger pick up the remainder.
	RunBudget time.Duration `mapstructure:"runBudget"`
	// BreakerMinProcessed is the minimum number of processed subscriptions
	// before the failure-rate circuit breaker may trip.
	BreakerMinProcessed int `mapstructure:"breakerMinProcessed"`
	// MaxRetries is the default retry allowance of a payment before the
	// subscription is suspended.
	MaxRetries int `mapstructure:"maxRetries"`
	// MaxReportedErrors bounds the error list carried in run reports and
	// alert payloads.
	MaxReportedErrors int `mapstructure:"maxReportedErrors"`
}

func DefaultBillingConfig() BillingConfig {
	return BillingConfig{
		ChunkSize:              10,
		MaxSubscriptionsPerRun: 1000,
		RunBudget:              28 * time.Second,
		BreakerMinProcessed:    20,
		MaxRetries:             3,
		MaxReportedErrors:      10,
	}
}

// BillingConfigHolder exposes the current billing config and hot-reloads it
// when the underlying file changes.
type BillingConfigHolder struct {
	current atomic.Value // holds BillingConfig
}

func NewBillingConfigHolder() (*BillingConfigHolder, error) {
	v := viper.New()

	v.SetConfigName("billing")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/rebill/config")
	v.AddConfigPath("/etc/rebill")
	v.AddConfigPath(".")

	v.SetEnvPrefix("REBILL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultBillingConfig()
	v.SetDefault("billing.chunkSize", defaults.ChunkSize)
	v.SetDefault("billing.maxSubscriptionsPerRun", defaults.MaxSubscriptionsPerRun)
	v.SetDefault("billing.runBudget", defaults.RunBudget)
	v.SetDefault("billing.breakerMinProcessed", defaults.BreakerMinProcessed)
	v.SetDefault("billing.maxRetries", defaults.MaxRetries)
	v.SetDefault("billing.maxReportedErrors", defaults.MaxReportedErrors)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg BillingConfig
	if err := v.UnmarshalKey("billing", &cfg); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()
	if err := validateBillingConfig(cfg); err != nil {
		return nil, err
	}

	holder := &BillingConfigHolder{}
	holder.current.Store(cfg)

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated BillingConfig
		if err := v.UnmarshalKey("billing", &updated); err != nil {
			log.Printf("[billing-config] reload failed: %v", err)
			return
		}
		updated = updated.withDefaults()
		if err := validateBillingConfig(updated); err != nil {
			log.Printf("[billing-config] invalid config ignored: %v", err)
			return
		}
		holder.current.Store(updated)
		log.Printf("[billing-config] reloaded from %s", e.Name)
	})

	return holder, nil
}

func (h *BillingConfigHolder) Get() BillingConfig {
	return h.current.Load().(BillingConfig)
}

// NewStaticBillingConfigHolder wraps a fixed config, used by tests.
func NewStaticBillingConfigHolder(cfg BillingConfig) *BillingConfigHolder {
	holder := &BillingConfigHolder{}
	holder.current.Store(cfg.withDefaults())
	return holder
}

func (c BillingConfig) withDefaults() BillingConfig {
	defaults := DefaultBillingConfig()
	if c.ChunkSize <= 0 {
		c.ChunkSize = defaults.ChunkSize
	}
	if c.MaxSubscriptionsPerRun <= 0 {
		c.MaxSubscriptionsPerRun = defaults.MaxSubscriptionsPerRun
	}
	if c.RunBudget <= 0 {
		c.RunBudget = defaults.RunBudget
	}
	if c.BreakerMinProcessed <= 0 {
		c.BreakerMinProcessed = defaults.BreakerMinProcessed
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = defaults.MaxRetries
	}
	if c.MaxReportedErrors <= 0 {
		c.MaxReportedErrors = defaults.MaxReportedErrors
	}
	return c
}

func validateBillingConfig(cfg BillingConfig) error {
	if cfg.ChunkSize > cfg.MaxSubscriptionsPerRun {
		return errors.New("billing.chunkSize cannot exceed billing.maxSubscriptionsPerRun")
	}
	return nil
}
