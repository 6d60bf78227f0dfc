package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/smallbiznis/rebill/internal/billing/domain"
	"github.com/smallbiznis/rebill/internal/config"
	"github.com/stretchr/testify/require"
)

func TestProcessChargesDueSubscription(t *testing.T) {
	h := newHarness(t, config.DefaultBillingConfig(), nil)
	sub := h.seedSubscription(t, 1, testStart.Add(-time.Hour))
	h.seedContract(t, sub)

	require.NoError(t, h.svc.processor.process(context.Background(), sub, h.cfg))

	require.Equal(t, 1, h.gateway.intents)
	require.Equal(t, 1, h.gateway.charges)

	payments := h.paymentsFor(t, sub.ID)
	require.Len(t, payments, 1)
	require.Equal(t, string(domain.PaymentStatusCompleted), payments[0].Status)
	require.Equal(t, "REF-1", payments[0].RefID)
	require.Equal(t, "A000001", payments[0].Authority)
	require.Equal(t, int64(14500), payments[0].Amount) // 29 USD at rate 500
	require.Equal(t, "IRR", payments[0].Currency)
	require.NotEmpty(t, payments[0].PaidAt)
	require.Empty(t, payments[0].NextRetryAt)

	row := h.subscriptionRow(t, sub.ID)
	require.Equal(t, string(domain.SubscriptionStatusActive), row.Status)
	// advanced one calendar month from "now", not from the original due date
	require.Contains(t, row.NextBillingAt, "2026-02-15 08:00:00")

	var lastUsed string
	require.NoError(t, h.db.Raw(
		`SELECT COALESCE(last_used_at, '') FROM direct_debit_contracts WHERE signature = ?`,
		sub.ContractSignature,
	).Scan(&lastUsed).Error)
	require.NotEmpty(t, lastUsed)
}

func TestProcessFailsWhenContractMissing(t *testing.T) {
	h := newHarness(t, config.DefaultBillingConfig(), nil)
	sub := h.seedSubscription(t, 1, testStart.Add(-time.Hour))

	err := h.svc.processor.process(context.Background(), sub, h.cfg)
	require.ErrorIs(t, err, domain.ErrContractMissing)

	require.Zero(t, h.gateway.intents)
	require.Empty(t, h.paymentsFor(t, sub.ID))
}

func TestProcessRefusesWhilePaymentPending(t *testing.T) {
	h := newHarness(t, config.DefaultBillingConfig(), nil)
	sub := h.seedSubscription(t, 1, testStart.Add(-time.Hour))
	h.seedContract(t, sub)
	require.NoError(t, h.db.Exec(`
		INSERT INTO payments (
			id, user_id, subscription_id, product_id, amount, currency, status,
			retry_count, max_retries, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		h.node.Generate(), sub.UserID, sub.ID, sub.ProductID, 14500, "IRR",
		domain.PaymentStatusPending, 0, domain.DefaultMaxRetries, testStart, testStart,
	).Error)

	err := h.svc.processor.process(context.Background(), sub, h.cfg)
	require.ErrorIs(t, err, domain.ErrPaymentInFlight)

	require.Zero(t, h.gateway.intents)
	require.Len(t, h.paymentsFor(t, sub.ID), 1)
}

func TestProcessReusesFailedPaymentOnRetry(t *testing.T) {
	h := newHarness(t, config.DefaultBillingConfig(), nil)
	h.gateway.result.Code = 53
	h.gateway.result.Message = "insufficient funds"

	sub := h.seedSubscription(t, 1, testStart.Add(-time.Hour))
	h.seedContract(t, sub)
	paymentID := h.seedFailedPayment(t, sub, 1, testStart.Add(-10*time.Minute))

	err := h.svc.processor.process(context.Background(), sub, h.cfg)
	require.ErrorIs(t, err, domain.ErrGatewayDeclined)

	payments := h.paymentsFor(t, sub.ID)
	require.Len(t, payments, 1, "retry must reuse the failed row, not create a new one")
	require.Equal(t, int64(paymentID), payments[0].ID)
	require.Equal(t, string(domain.PaymentStatusFailed), payments[0].Status)
	require.Equal(t, 2, payments[0].RetryCount)
	require.Contains(t, payments[0].FailureReason, "code 53")
	// delay for the second retry is 2^2 hours
	require.Contains(t, payments[0].NextRetryAt, "2026-01-15 12:00:00")
}

func TestProcessSuspendsAfterRetriesExhausted(t *testing.T) {
	h := newHarness(t, config.DefaultBillingConfig(), nil)
	sub := h.seedSubscription(t, 1, testStart.Add(-time.Hour))
	h.seedContract(t, sub)
	h.seedFailedPayment(t, sub, 3, testStart.Add(-10*time.Minute))

	err := h.svc.processor.process(context.Background(), sub, h.cfg)
	require.ErrorIs(t, err, domain.ErrMaxRetriesExceeded)

	require.Zero(t, h.gateway.intents, "a suspended subscription must never reach the gateway")

	row := h.subscriptionRow(t, sub.ID)
	require.Equal(t, string(domain.SubscriptionStatusExpired), row.Status)
	require.Contains(t, row.EndAt, "2026-01-15 08:00:00")

	payments := h.paymentsFor(t, sub.ID)
	require.Len(t, payments, 1)
	require.Equal(t, string(domain.PaymentStatusFailed), payments[0].Status)
	require.Equal(t, 3, payments[0].RetryCount)
}

func TestProcessHonorsWiderRowRetryAllowance(t *testing.T) {
	h := newHarness(t, config.DefaultBillingConfig(), nil)
	sub := h.seedSubscription(t, 1, testStart.Add(-time.Hour))
	h.seedContract(t, sub)

	// the row carries a wider allowance than the current config, so the
	// fourth retry still goes out
	paymentID := h.seedFailedPayment(t, sub, 3, testStart.Add(-10*time.Minute))
	require.NoError(t, h.db.Exec(
		`UPDATE payments SET max_retries = 5 WHERE id = ?`, paymentID,
	).Error)

	require.NoError(t, h.svc.processor.process(context.Background(), sub, h.cfg))

	payments := h.paymentsFor(t, sub.ID)
	require.Len(t, payments, 1)
	require.Equal(t, int64(paymentID), payments[0].ID)
	require.Equal(t, string(domain.PaymentStatusCompleted), payments[0].Status)
	require.Equal(t, 4, payments[0].RetryCount)

	row := h.subscriptionRow(t, sub.ID)
	require.Equal(t, string(domain.SubscriptionStatusActive), row.Status)
}

func TestProcessSuspendsOnTighterRowRetryAllowance(t *testing.T) {
	h := newHarness(t, config.DefaultBillingConfig(), nil)
	sub := h.seedSubscription(t, 1, testStart.Add(-time.Hour))
	h.seedContract(t, sub)

	paymentID := h.seedFailedPayment(t, sub, 2, testStart.Add(-10*time.Minute))
	require.NoError(t, h.db.Exec(
		`UPDATE payments SET max_retries = 2 WHERE id = ?`, paymentID,
	).Error)

	err := h.svc.processor.process(context.Background(), sub, h.cfg)
	require.ErrorIs(t, err, domain.ErrMaxRetriesExceeded)

	require.Zero(t, h.gateway.intents)
	row := h.subscriptionRow(t, sub.ID)
	require.Equal(t, string(domain.SubscriptionStatusExpired), row.Status)
}

func TestProcessIgnoresFailedPaymentNotYetDue(t *testing.T) {
	h := newHarness(t, config.DefaultBillingConfig(), nil)
	sub := h.seedSubscription(t, 1, testStart.Add(-time.Hour))
	h.seedContract(t, sub)
	h.seedFailedPayment(t, sub, 3, testStart.Add(2*time.Hour))

	err := h.svc.processor.process(context.Background(), sub, h.cfg)
	require.NoError(t, err, "a failed payment whose retry is not due yet must not gate a fresh charge")

	payments := h.paymentsFor(t, sub.ID)
	require.Len(t, payments, 2)
}

func TestProcessConversionFailureSchedulesRetry(t *testing.T) {
	h := newHarness(t, config.DefaultBillingConfig(), func(h *harness) {
		h.converter = failingConverter{err: errors.New("rate service unavailable")}
	})
	sub := h.seedSubscription(t, 1, testStart.Add(-time.Hour))
	h.seedContract(t, sub)

	err := h.svc.processor.process(context.Background(), sub, h.cfg)
	require.ErrorIs(t, err, domain.ErrConversionFailed)

	require.Zero(t, h.gateway.intents)

	payments := h.paymentsFor(t, sub.ID)
	require.Len(t, payments, 1)
	require.Equal(t, string(domain.PaymentStatusFailed), payments[0].Status)
	require.Contains(t, payments[0].FailureReason, "conversion:")
	// first attempt backs off 2^0 hours
	require.Contains(t, payments[0].NextRetryAt, "2026-01-15 09:00:00")
}

func TestProcessGatewayErrorMarksPaymentFailed(t *testing.T) {
	h := newHarness(t, config.DefaultBillingConfig(), nil)
	h.gateway.chargeErr = func(int) error { return errors.New("connection reset") }

	sub := h.seedSubscription(t, 1, testStart.Add(-time.Hour))
	h.seedContract(t, sub)

	err := h.svc.processor.process(context.Background(), sub, h.cfg)
	require.ErrorIs(t, err, domain.ErrGatewayUnavailable)

	payments := h.paymentsFor(t, sub.ID)
	require.Len(t, payments, 1)
	require.Equal(t, string(domain.PaymentStatusFailed), payments[0].Status)
	require.Contains(t, payments[0].FailureReason, "gateway:")
	require.Contains(t, payments[0].NextRetryAt, "2026-01-15 09:00:00")
}

func TestProcessIntentFailureLeavesNoAuthority(t *testing.T) {
	h := newHarness(t, config.DefaultBillingConfig(), nil)
	h.gateway.intentErr = errors.New("503 from gateway")

	sub := h.seedSubscription(t, 1, testStart.Add(-time.Hour))
	h.seedContract(t, sub)

	err := h.svc.processor.process(context.Background(), sub, h.cfg)
	require.ErrorIs(t, err, domain.ErrGatewayUnavailable)
	require.Zero(t, h.gateway.charges)

	payments := h.paymentsFor(t, sub.ID)
	require.Len(t, payments, 1)
	require.Equal(t, string(domain.PaymentStatusFailed), payments[0].Status)
	require.Empty(t, payments[0].Authority)
}
