package service

import (
	"context"
	"fmt"

	"github.com/smallbiznis/rebill/internal/billing/domain"
	"github.com/smallbiznis/rebill/internal/config"
	obscontext "github.com/smallbiznis/rebill/internal/observability/context"
	"github.com/smallbiznis/rebill/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/rebill/internal/observability/metrics"
	"go.uber.org/zap"
)

const (
	outcomeSucceeded = "succeeded"
	outcomeFailed    = "failed"
)

type chunkOutcome struct {
	succeeded int
	failed    int
	errors    []string
	notes     []domain.BillingErrorNote
}

// processChunk charges the chunk's subscriptions strictly sequentially. A
// failure on one subscription is recorded and never propagates to its
// siblings; after the chunk the collected last-error notes are persisted
// best effort.
func (s *Service) processChunk(ctx context.Context, subs []domain.Subscription, cfg config.BillingConfig) chunkOutcome {
	var out chunkOutcome
	billingMetrics := obsmetrics.Billing()

	for _, sub := range subs {
		subCtx := obscontext.WithSubscriptionID(ctx, sub.ID.String())
		err := s.processor.process(subCtx, sub, cfg)
		if err == nil {
			out.succeeded++
			billingMetrics.IncSubscription(outcomeSucceeded)
			continue
		}

		out.failed++
		billingMetrics.IncSubscription(outcomeFailed)
		out.errors = append(out.errors, fmt.Sprintf("subscription %d: %v", sub.ID, err))
		out.notes = append(out.notes, domain.BillingErrorNote{
			SubscriptionID: sub.ID,
			Message:        err.Error(),
			OccurredAt:     s.clock.Now(),
		})

		log := logger.WithContext(subCtx, s.log).With(zap.Int64("subscription_id", int64(sub.ID)))
		if isTerminal(err) {
			log.Warn("subscription attempt ended", zap.Error(err))
		} else {
			log.Error("subscription charge failed", zap.Error(err))
		}
	}

	if len(out.notes) > 0 {
		if err := s.repo.RecordBillingErrors(ctx, s.db, out.notes); err != nil {
			logger.WithContext(ctx, s.log).Warn("recording billing error notes failed",
				zap.Int("notes", len(out.notes)),
				zap.Error(err))
		}
	}
	return out
}
