// Package service implements the recurring billing run: a budgeted, resumable
// coordinator that charges due subscriptions in fixed-size chunks through a
// direct-debit gateway.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/rebill/internal/billing/backoff"
	"github.com/smallbiznis/rebill/internal/billing/domain"
	"github.com/smallbiznis/rebill/internal/clock"
	"github.com/smallbiznis/rebill/internal/config"
	"github.com/smallbiznis/rebill/internal/currency"
	gatewaydomain "github.com/smallbiznis/rebill/internal/gateway/domain"
	"github.com/smallbiznis/rebill/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/rebill/internal/observability/metrics"
	"github.com/smallbiznis/rebill/pkg/db"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// processor drives the per-subscription state machine. One charge attempt
// walks contract resolution, the pending-payment idempotency guard, retry
// state, currency conversion, the pending write, and the gateway call, and
// persists exactly one atomic outcome group.
type processor struct {
	db        *gorm.DB
	log       *zap.Logger
	repo      domain.Repository
	executor  domain.AtomicExecutor
	converter currency.Converter
	gateway   gatewaydomain.Client
	clock     clock.Clock
	genID     *snowflake.Node
	callback  string
}

func (p *processor) process(ctx context.Context, sub domain.Subscription, cfg config.BillingConfig) error {
	now := p.clock.Now()
	log := logger.WithContext(ctx, p.log).With(
		zap.Int64("subscription_id", int64(sub.ID)),
		zap.Int64("user_id", int64(sub.UserID)),
	)
	billingMetrics := obsmetrics.Billing()

	contract, err := p.repo.FindActiveContract(ctx, p.db, sub.UserID, sub.ContractSignature)
	if err != nil {
		billingMetrics.IncChargeFailure(obsmetrics.ReasonPersistence)
		return fmt.Errorf("resolve contract: %w", err)
	}
	if contract == nil {
		billingMetrics.IncChargeFailure(obsmetrics.ReasonContractMissing)
		log.Warn("no active direct debit contract")
		return domain.ErrContractMissing
	}

	pending, err := p.repo.FindPendingPayment(ctx, p.db, sub.ID)
	if err != nil {
		billingMetrics.IncChargeFailure(obsmetrics.ReasonPersistence)
		return fmt.Errorf("check pending payment: %w", err)
	}
	if pending != nil {
		billingMetrics.IncChargeFailure(obsmetrics.ReasonPaymentInFlight)
		log.Warn("pending payment already in flight",
			zap.Int64("payment_id", int64(pending.ID)))
		return domain.ErrPaymentInFlight
	}

	retryable, err := p.repo.FindRetryableFailedPayment(ctx, p.db, sub.ID, now)
	if err != nil {
		billingMetrics.IncChargeFailure(obsmetrics.ReasonPersistence)
		return fmt.Errorf("check retry state: %w", err)
	}

	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = domain.DefaultMaxRetries
	}
	// The allowance stamped on the payment row wins over the current config
	// so in-flight retry chains keep the budget they started with.
	allowed := maxRetries
	if retryable != nil && retryable.MaxRetries > 0 {
		allowed = retryable.MaxRetries
	}
	if retryable != nil && retryable.RetryCount >= allowed {
		if err := p.executor.Execute(ctx, p.repo.SuspendSubscriptionOps(sub.ID, now)); err != nil {
			billingMetrics.IncChargeFailure(obsmetrics.ReasonPersistence)
			return fmt.Errorf("suspend subscription: %w", err)
		}
		billingMetrics.IncChargeFailure(obsmetrics.ReasonMaxRetries)
		log.Warn("retries exhausted, subscription suspended",
			zap.Int("retry_count", retryable.RetryCount),
			zap.Int("max_retries", allowed))
		return domain.ErrMaxRetriesExceeded
	}

	payment, reuse := p.stagePayment(sub, retryable, maxRetries, now)

	conversion, err := p.converter.Convert(ctx, sub.PriceAmount)
	if err != nil {
		billingMetrics.IncChargeFailure(obsmetrics.ReasonConversion)
		reason := fmt.Sprintf("conversion: %v", err)
		if ferr := p.recordFailure(ctx, payment, reuse, reason, now); ferr != nil {
			return ferr
		}
		log.Warn("currency conversion failed", zap.Error(err))
		return fmt.Errorf("%w: %v", domain.ErrConversionFailed, err)
	}
	payment.Amount = conversion.Amount
	payment.Currency = conversion.Currency

	// The pending row lands before any gateway traffic so a crash between
	// the write and the charge is caught by the idempotency guard on the
	// next run instead of double charging.
	if err := p.executor.Execute(ctx, p.repo.PendingPaymentOps(payment, reuse)); err != nil {
		if db.IsDuplicateKeyErr(err) {
			// an overlapping run won the pending slot between our guard
			// check and this write
			billingMetrics.IncChargeFailure(obsmetrics.ReasonPaymentInFlight)
			log.Warn("pending payment raced by a concurrent run")
			return domain.ErrPaymentInFlight
		}
		billingMetrics.IncChargeFailure(obsmetrics.ReasonPersistence)
		return fmt.Errorf("write pending payment: %w", err)
	}

	intent, err := p.gateway.RequestPaymentIntent(ctx, gatewaydomain.IntentRequest{
		Amount:      payment.Amount,
		Currency:    payment.Currency,
		Description: fmt.Sprintf("subscription %d renewal", sub.ID),
		CallbackURL: p.callback,
		Metadata: map[string]string{
			"subscription_id": sub.ID.String(),
			"payment_id":      payment.ID.String(),
		},
	})
	if err != nil {
		billingMetrics.IncChargeFailure(obsmetrics.ReasonGatewayError)
		if ferr := p.failPayment(ctx, payment, fmt.Sprintf("gateway: %v", err), now); ferr != nil {
			return ferr
		}
		log.Warn("payment intent request failed", zap.Error(err))
		return fmt.Errorf("%w: %v", domain.ErrGatewayUnavailable, err)
	}
	payment.Authority = intent.Authority

	result, err := p.gateway.ExecuteDirectDebit(ctx, intent.Authority, sub.ContractSignature)
	if err != nil {
		billingMetrics.IncChargeFailure(obsmetrics.ReasonGatewayError)
		if ferr := p.failPayment(ctx, payment, fmt.Sprintf("gateway: %v", err), now); ferr != nil {
			return ferr
		}
		log.Warn("direct debit execution failed", zap.Error(err))
		return fmt.Errorf("%w: %v", domain.ErrGatewayUnavailable, err)
	}

	if !result.Succeeded() {
		billingMetrics.IncChargeFailure(obsmetrics.ReasonGatewayDecline)
		reason := fmt.Sprintf("gateway declined: code %d: %s", result.Code, result.Message)
		if ferr := p.failPayment(ctx, payment, reason, now); ferr != nil {
			return ferr
		}
		log.Warn("direct debit declined",
			zap.Int("code", result.Code),
			zap.String("message", result.Message))
		return fmt.Errorf("%w: code %d", domain.ErrGatewayDeclined, result.Code)
	}

	payment.RefID = result.RefID
	nextBillingAt := now.AddDate(0, 1, 0)
	ops := p.repo.ChargeSucceededOps(payment, contract.ID, &sub, now, nextBillingAt)
	if err := p.executor.Execute(ctx, ops); err != nil {
		billingMetrics.IncChargeFailure(obsmetrics.ReasonPersistence)
		return fmt.Errorf("persist charge success: %w", err)
	}

	log.Info("subscription charged",
		zap.Int64("payment_id", int64(payment.ID)),
		zap.String("ref_id", result.RefID),
		zap.Int64("amount", payment.Amount),
		zap.String("currency", payment.Currency),
		zap.Time("next_billing_at", nextBillingAt))
	return nil
}

// stagePayment builds the attempt's payment row. A retryable failed payment
// is reused as the idempotency key across retries with its retry count
// incremented; otherwise a fresh row starts at zero.
func (p *processor) stagePayment(sub domain.Subscription, retryable *domain.Payment, maxRetries int, now time.Time) (*domain.Payment, bool) {
	if retryable != nil {
		payment := *retryable
		payment.Status = domain.PaymentStatusPending
		payment.RetryCount = retryable.RetryCount + 1
		payment.Amount = sub.PriceAmount
		payment.Currency = sub.Currency
		payment.Authority = ""
		payment.UpdatedAt = now
		return &payment, true
	}
	return &domain.Payment{
		ID:             p.genID.Generate(),
		UserID:         sub.UserID,
		SubscriptionID: sub.ID,
		ProductID:      sub.ProductID,
		Amount:         sub.PriceAmount,
		Currency:       sub.Currency,
		Status:         domain.PaymentStatusPending,
		RetryCount:     0,
		MaxRetries:     maxRetries,
		CreatedAt:      now,
		UpdatedAt:      now,
	}, false
}

// failPayment moves an already-pending payment to failed and schedules the
// next retry from the attempt's retry count.
func (p *processor) failPayment(ctx context.Context, payment *domain.Payment, reason string, now time.Time) error {
	nextRetryAt := now.Add(backoff.NextRetryDelay(payment.RetryCount))
	if err := p.executor.Execute(ctx, p.repo.ChargeFailedOps(payment, reason, now, nextRetryAt)); err != nil {
		obsmetrics.Billing().IncChargeFailure(obsmetrics.ReasonPersistence)
		return fmt.Errorf("persist charge failure: %w", err)
	}
	return nil
}

// recordFailure handles failures hit before the pending write: the pending
// row and the failure outcome land in one atomic group so the retry schedule
// survives without ever exposing a pending payment.
func (p *processor) recordFailure(ctx context.Context, payment *domain.Payment, reuse bool, reason string, now time.Time) error {
	nextRetryAt := now.Add(backoff.NextRetryDelay(payment.RetryCount))
	ops := append(
		p.repo.PendingPaymentOps(payment, reuse),
		p.repo.ChargeFailedOps(payment, reason, now, nextRetryAt)...,
	)
	if err := p.executor.Execute(ctx, ops); err != nil {
		obsmetrics.Billing().IncChargeFailure(obsmetrics.ReasonPersistence)
		return fmt.Errorf("persist charge failure: %w", err)
	}
	return nil
}

// isTerminal reports whether the error ends the subscription's participation
// in retry scheduling entirely.
func isTerminal(err error) bool {
	return errors.Is(err, domain.ErrContractMissing) ||
		errors.Is(err, domain.ErrMaxRetriesExceeded) ||
		errors.Is(err, domain.ErrPaymentInFlight)
}
