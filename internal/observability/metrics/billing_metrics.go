package metrics

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Config carries the constant labels stamped on every billing metric.
type Config struct {
	ServiceName string
	Environment string
}

// Failure reason labels kept low-cardinality on purpose.
const (
	ReasonContractMissing = "contract_missing"
	ReasonPaymentInFlight = "payment_in_flight"
	ReasonMaxRetries      = "max_retries_exceeded"
	ReasonConversion      = "conversion_failure"
	ReasonGatewayDecline  = "gateway_decline"
	ReasonGatewayError    = "gateway_error"
	ReasonPersistence     = "persistence_failure"
	ReasonUnknown         = "unknown"
)

// BillingMetrics captures billing-run health signals.
type BillingMetrics struct {
	runs            prometheus.Counter
	runDuration     prometheus.Observer
	runTimeouts     prometheus.Counter
	breakerTrips    prometheus.Counter
	chunksProcessed prometheus.Counter
	subscriptions   *prometheus.CounterVec
	chargeFailures  *prometheus.CounterVec
}

var (
	billingMetricsOnce sync.Once
	billingMetrics     *BillingMetrics
)

// Billing returns the singleton billing metrics registry.
func Billing() *BillingMetrics {
	return BillingWithConfig(Config{})
}

// BillingWithConfig returns the singleton billing metrics registry using config labels.
func BillingWithConfig(cfg Config) *BillingMetrics {
	billingMetricsOnce.Do(func() {
		billingMetrics = newBillingMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return billingMetrics
}

// ResetBillingMetricsForTest resets the billing metrics singleton for tests.
func ResetBillingMetricsForTest() {
	billingMetricsOnce = sync.Once{}
	billingMetrics = nil
}

func newBillingMetrics(registerer prometheus.Registerer, cfg Config) *BillingMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "rebill"
	}
	environment := strings.TrimSpace(cfg.Environment)
	if environment == "" {
		environment = "unknown"
	}
	constLabels := prometheus.Labels{
		"service": serviceName,
		"env":     environment,
	}

	runs := prometheus.NewCounter(prometheus.CounterOpts{
		Name:        "rebill_billing_runs_total",
		Help:        "Billing runs started.",
		ConstLabels: constLabels,
	})
	runDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:        "rebill_billing_run_duration_seconds",
		Help:        "Billing run latency against the configured wall-clock budget.",
		Buckets:     []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 15, 20, 28, 30, 60},
		ConstLabels: constLabels,
	})
	runTimeouts := prometheus.NewCounter(prometheus.CounterOpts{
		Name:        "rebill_billing_run_timeouts_total",
		Help:        "Billing runs stopped early because the time budget was exhausted.",
		ConstLabels: constLabels,
	})
	breakerTrips := prometheus.NewCounter(prometheus.CounterOpts{
		Name:        "rebill_billing_breaker_trips_total",
		Help:        "Billing runs halted by the failure-rate circuit breaker.",
		ConstLabels: constLabels,
	})
	chunksProcessed := prometheus.NewCounter(prometheus.CounterOpts{
		Name:        "rebill_billing_chunks_processed_total",
		Help:        "Subscription chunks driven to completion.",
		ConstLabels: constLabels,
	})
	subscriptions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "rebill_billing_subscriptions_total",
		Help:        "Subscriptions processed by outcome.",
		ConstLabels: constLabels,
	}, []string{"outcome"})
	chargeFailures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "rebill_billing_charge_failures_total",
		Help:        "Charge attempt failures by low-cardinality reason.",
		ConstLabels: constLabels,
	}, []string{"reason"})

	for _, collector := range []prometheus.Collector{
		runs, runDuration, runTimeouts, breakerTrips,
		chunksProcessed, subscriptions, chargeFailures,
	} {
		if err := registerer.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				panic(err)
			}
		}
	}

	return &BillingMetrics{
		runs:            runs,
		runDuration:     runDuration,
		runTimeouts:     runTimeouts,
		breakerTrips:    breakerTrips,
		chunksProcessed: chunksProcessed,
		subscriptions:   subscriptions,
		chargeFailures:  chargeFailures,
	}
}

func (m *BillingMetrics) IncRun() {
	if m == nil {
		return
	}
	m.runs.Inc()
}

func (m *BillingMetrics) ObserveRunDuration(d time.Duration) {
	if m == nil {
		return
	}
	m.runDuration.Observe(d.Seconds())
}

func (m *BillingMetrics) IncRunTimeout() {
	if m == nil {
		return
	}
	m.runTimeouts.Inc()
}

func (m *BillingMetrics) IncBreakerTrip() {
	if m == nil {
		return
	}
	m.breakerTrips.Inc()
}

func (m *BillingMetrics) IncChunkProcessed() {
	if m == nil {
		return
	}
	m.chunksProcessed.Inc()
}

func (m *BillingMetrics) IncSubscription(outcome string) {
	if m == nil {
		return
	}
	m.subscriptions.WithLabelValues(outcome).Inc()
}

func (m *BillingMetrics) IncChargeFailure(reason string) {
	if m == nil {
		return
	}
	m.chargeFailures.WithLabelValues(reason).Inc()
}
