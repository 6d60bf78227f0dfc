package service

import (
	"context"
	"fmt"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/rebill/internal/alert"
	"github.com/smallbiznis/rebill/internal/billing/domain"
	"github.com/smallbiznis/rebill/internal/clock"
	"github.com/smallbiznis/rebill/internal/config"
	"github.com/smallbiznis/rebill/internal/currency"
	gatewaydomain "github.com/smallbiznis/rebill/internal/gateway/domain"
	obscontext "github.com/smallbiznis/rebill/internal/observability/context"
	"github.com/smallbiznis/rebill/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/rebill/internal/observability/metrics"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	Config    config.Config
	Billing   *config.BillingConfigHolder
	Repo      domain.Repository
	Executor  domain.AtomicExecutor
	Converter currency.Converter
	Gateway   gatewaydomain.Client
	Notifier  alert.Notifier
	GenID     *snowflake.Node
	Clock     clock.Clock
}

// Service coordinates one billing run end to end: due fetch, chunked
// processing under a wall-clock budget, circuit-breaker evaluation, and the
// run report with alert dispatch.
type Service struct {
	db        *gorm.DB
	log       *zap.Logger
	billing   *config.BillingConfigHolder
	repo      domain.Repository
	notifier  alert.Notifier
	clock     clock.Clock
	processor *processor
	source    string
}

func New(p Params) (domain.Service, error) {
	if p.DB == nil || p.Log == nil || p.Billing == nil || p.Repo == nil ||
		p.Executor == nil || p.Converter == nil || p.Gateway == nil ||
		p.Notifier == nil || p.GenID == nil || p.Clock == nil {
		return nil, domain.ErrInvalidConfig
	}
	log := p.Log.Named("billing").With(zap.String("component", "billing"))
	return &Service{
		db:       p.DB,
		log:      log,
		billing:  p.Billing,
		repo:     p.Repo,
		notifier: p.Notifier,
		clock:    p.Clock,
		source:   p.Config.AppName,
		processor: &processor{
			db:        p.DB,
			log:       log,
			repo:      p.Repo,
			executor:  p.Executor,
			converter: p.Converter,
			gateway:   p.Gateway,
			clock:     p.Clock,
			genID:     p.GenID,
			callback:  p.Config.GatewayCallback,
		},
	}, nil
}

// RunBilling charges every due subscription it can reach inside the run
// budget. The budget is checked only at chunk boundaries; subscriptions left
// behind are picked up by the next trigger because their next_billing_at was
// never advanced. There is deliberately no run-level lock: the pending
// payment guard is the only cross-run safeguard.
func (s *Service) RunBilling(ctx context.Context) (*domain.BillingResult, error) {
	cfg := s.billing.Get()
	start := s.clock.Now()
	runID := s.processor.genID.Generate().String()

	ctx = obscontext.WithRunID(ctx, runID)
	ctx = obscontext.WithActor(ctx, "system", "billing-runner")
	ctx, span := otel.Tracer("rebill/billing").Start(ctx, "billing.run")
	defer span.End()
	span.SetAttributes(attribute.String("billing.run_id", runID))

	log := logger.WithContext(ctx, s.log)
	billingMetrics := obsmetrics.Billing()
	billingMetrics.IncRun()

	result := &domain.BillingResult{RunID: runID, StartedAt: start}

	due, err := s.repo.FindDueSubscriptions(ctx, s.db, start, cfg.MaxSubscriptionsPerRun)
	if err != nil {
		log.Error("fetching due subscriptions failed", zap.Error(err))
		result.AddError(cfg.MaxReportedErrors, fmt.Sprintf("fetching due subscriptions: %v", err))
		result.ExecutionTime = s.clock.Now().Sub(start)
		billingMetrics.ObserveRunDuration(result.ExecutionTime)
		s.dispatchAlert(ctx, result)
		return result, err
	}
	log.Info("billing run started",
		zap.Int("due", len(due)),
		zap.Int("chunk_size", cfg.ChunkSize),
		zap.Duration("run_budget", cfg.RunBudget))

	for offset := 0; offset < len(due); offset += cfg.ChunkSize {
		if elapsed := s.clock.Now().Sub(start); elapsed >= cfg.RunBudget {
			result.TimeoutReached = true
			billingMetrics.IncRunTimeout()
			log.Warn("run budget exhausted, stopping",
				zap.Duration("elapsed", elapsed),
				zap.Int("remaining", len(due)-offset))
			break
		}

		end := offset + cfg.ChunkSize
		if end > len(due) {
			end = len(due)
		}

		out := s.processChunk(ctx, due[offset:end], cfg)
		result.Processed += out.succeeded + out.failed
		result.Succeeded += out.succeeded
		result.Failed += out.failed
		result.ChunksProcessed++
		billingMetrics.IncChunkProcessed()
		for _, msg := range out.errors {
			result.AddError(cfg.MaxReportedErrors, msg)
		}

		if result.Processed >= cfg.BreakerMinProcessed && result.Failed > result.Succeeded {
			result.BreakerTripped = true
			billingMetrics.IncBreakerTrip()
			log.Warn("failure rate tripped circuit breaker, halting run",
				zap.Int("processed", result.Processed),
				zap.Int("failed", result.Failed),
				zap.Int("succeeded", result.Succeeded))
			break
		}
	}

	result.ExecutionTime = s.clock.Now().Sub(start)
	billingMetrics.ObserveRunDuration(result.ExecutionTime)

	log.Info("billing run finished",
		zap.Int("processed", result.Processed),
		zap.Int("succeeded", result.Succeeded),
		zap.Int("failed", result.Failed),
		zap.Int("chunks_processed", result.ChunksProcessed),
		zap.Bool("timeout_reached", result.TimeoutReached),
		zap.Bool("breaker_tripped", result.BreakerTripped),
		zap.Duration("execution_time", result.ExecutionTime))

	s.dispatchAlert(ctx, result)
	return result, nil
}

// dispatchAlert notifies the webhook when the run saw failures, a timeout, a
// breaker stop, or aborted before processing. Delivery failures are logged and
// never fail the run.
func (s *Service) dispatchAlert(ctx context.Context, result *domain.BillingResult) {
	if result.Failed == 0 && !result.TimeoutReached && !result.BreakerTripped && len(result.Errors) == 0 {
		return
	}

	var alerts []string
	if result.Failed > 0 {
		alerts = append(alerts, "billing run recorded charge failures")
	}
	if result.Processed == 0 && result.Failed == 0 && len(result.Errors) > 0 {
		alerts = append(alerts, "billing run aborted before processing any subscriptions")
	}
	if result.TimeoutReached {
		alerts = append(alerts, "billing run stopped at the time budget with subscriptions remaining")
	}
	if result.BreakerTripped {
		alerts = append(alerts, "billing run halted by the failure-rate circuit breaker")
	}

	report := alert.Report{
		Source:          s.source,
		Timestamp:       s.clock.Now(),
		ExecutionTimeMs: result.ExecutionTime.Milliseconds(),
		Summary: alert.Summary{
			Processed:       result.Processed,
			Successful:      result.Succeeded,
			Failed:          result.Failed,
			ChunksProcessed: result.ChunksProcessed,
			TimeoutReached:  result.TimeoutReached,
		},
		Alerts: alerts,
		Errors: result.Errors,
	}
	if err := s.notifier.Notify(ctx, report); err != nil {
		logger.WithContext(ctx, s.log).Warn("alert dispatch failed", zap.Error(err))
	}
}
