package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/rebill/internal/billing/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) FindDueSubscriptions(ctx context.Context, db *gorm.DB, asOf time.Time, limit int) ([]domain.Subscription, error) {
	var items []domain.Subscription
	err := db.WithContext(ctx).Raw(
		`SELECT id, user_id, product_id, billing_period, price_amount, currency,
			status, contract_signature, next_billing_at, end_at, metadata,
			created_at, updated_at
		 FROM subscriptions
		 WHERE status = ?
		   AND billing_period = ?
		   AND next_billing_at <= ?
		   AND end_at IS NULL
		 ORDER BY next_billing_at ASC, id ASC
		 LIMIT ?`,
		domain.SubscriptionStatusActive,
		domain.BillingPeriodMonthly,
		asOf,
		limit,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) FindActiveContract(ctx context.Context, db *gorm.DB, userID snowflake.ID, signature string) (*domain.DirectDebitContract, error) {
	var item domain.DirectDebitContract
	err := db.WithContext(ctx).Raw(
		`SELECT id, user_id, signature, type, status, active, last_used_at,
			created_at, updated_at
		 FROM direct_debit_contracts
		 WHERE user_id = ?
		   AND signature = ?
		   AND type = ?
		   AND active = ?
		 LIMIT 1`,
		userID,
		signature,
		domain.ContractTypeDirectDebit,
		true,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) FindPendingPayment(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID) (*domain.Payment, error) {
	var item domain.Payment
	err := db.WithContext(ctx).Raw(
		`SELECT id, user_id, subscription_id, product_id, amount, currency,
			status, retry_count, max_retries, next_retry_at, failure_reason,
			authority, ref_id, created_at, paid_at, failed_at, updated_at
		 FROM payments
		 WHERE subscription_id = ? AND status = ?
		 LIMIT 1`,
		subscriptionID,
		domain.PaymentStatusPending,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) FindRetryableFailedPayment(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID, asOf time.Time) (*domain.Payment, error) {
	var item domain.Payment
	err := db.WithContext(ctx).Raw(
		`SELECT id, user_id, subscription_id, product_id, amount, currency,
			status, retry_count, max_retries, next_retry_at, failure_reason,
			authority, ref_id, created_at, paid_at, failed_at, updated_at
		 FROM payments
		 WHERE subscription_id = ?
		   AND status = ?
		   AND next_retry_at IS NOT NULL
		   AND next_retry_at <= ?
		 ORDER BY failed_at DESC
		 LIMIT 1`,
		subscriptionID,
		domain.PaymentStatusFailed,
		asOf,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

// RecordBillingErrors merges last-error notes into subscription metadata.
// Runs in one transaction so a chunk's notes land together; callers treat
// failures as best effort.
func (r *repo) RecordBillingErrors(ctx context.Context, db *gorm.DB, notes []domain.BillingErrorNote) error {
	if len(notes) == 0 {
		return nil
	}
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, note := range notes {
			var subscription domain.Subscription
			if err := tx.Raw(
				`SELECT id, metadata FROM subscriptions WHERE id = ? LIMIT 1`,
				note.SubscriptionID,
			).Scan(&subscription).Error; err != nil {
				return err
			}
			if subscription.ID == 0 {
				continue
			}
			metadata := subscription.Metadata
			if metadata == nil {
				metadata = map[string]any{}
			}
			metadata[domain.MetadataLastBillingError] = note.Message
			metadata[domain.MetadataLastBillingErrorAt] = note.OccurredAt.UTC().Format(time.RFC3339)
			if err := tx.Model(&domain.Subscription{}).
				Where("id = ?", note.SubscriptionID).
				Updates(map[string]any{
					"metadata":   metadata,
					"updated_at": note.OccurredAt,
				}).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *repo) PendingPaymentOps(payment *domain.Payment, reuse bool) []domain.Operation {
	if reuse {
		return []domain.Operation{{
			SQL: `UPDATE payments
			 SET status = ?, amount = ?, currency = ?, retry_count = ?,
				 authority = ?, next_retry_at = NULL, updated_at = ?
			 WHERE id = ?`,
			Vars: []any{
				domain.PaymentStatusPending,
				payment.Amount,
				payment.Currency,
				payment.RetryCount,
				payment.Authority,
				payment.UpdatedAt,
				payment.ID,
			},
		}}
	}
	return []domain.Operation{{
		SQL: `INSERT INTO payments (
			id, user_id, subscription_id, product_id, amount, currency,
			status, retry_count, max_retries, authority, ref_id,
			failure_reason, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		Vars: []any{
			payment.ID,
			payment.UserID,
			payment.SubscriptionID,
			payment.ProductID,
			payment.Amount,
			payment.Currency,
			domain.PaymentStatusPending,
			payment.RetryCount,
			payment.MaxRetries,
			payment.Authority,
			"",
			"",
			payment.CreatedAt,
			payment.UpdatedAt,
		},
	}}
}

func (r *repo) ChargeSucceededOps(payment *domain.Payment, contractID snowflake.ID, subscription *domain.Subscription, paidAt time.Time, nextBillingAt time.Time) []domain.Operation {
	return []domain.Operation{
		{
			SQL: `UPDATE payments
			 SET status = ?, paid_at = ?, authority = ?, ref_id = ?,
				 failure_reason = ?, next_retry_at = NULL, updated_at = ?
			 WHERE id = ?`,
			Vars: []any{domain.PaymentStatusCompleted, paidAt, payment.Authority, payment.RefID, "", paidAt, payment.ID},
		},
		{
			SQL: `UPDATE direct_debit_contracts
			 SET last_used_at = ?, updated_at = ?
			 WHERE id = ?`,
			Vars: []any{paidAt, paidAt, contractID},
		},
		{
			SQL: `UPDATE subscriptions
			 SET next_billing_at = ?, updated_at = ?
			 WHERE id = ?`,
			Vars: []any{nextBillingAt, paidAt, subscription.ID},
		},
	}
}

func (r *repo) ChargeFailedOps(payment *domain.Payment, reason string, failedAt time.Time, nextRetryAt time.Time) []domain.Operation {
	return []domain.Operation{{
		SQL: `UPDATE payments
		 SET status = ?, failure_reason = ?, authority = ?, failed_at = ?,
			 next_retry_at = ?, updated_at = ?
		 WHERE id = ?`,
		Vars: []any{domain.PaymentStatusFailed, truncateReason(reason), payment.Authority, failedAt, nextRetryAt, failedAt, payment.ID},
	}}
}

func (r *repo) SuspendSubscriptionOps(subscriptionID snowflake.ID, endAt time.Time) []domain.Operation {
	return []domain.Operation{{
		SQL: `UPDATE subscriptions
		 SET status = ?, end_at = ?, updated_at = ?
		 WHERE id = ?`,
		Vars: []any{domain.SubscriptionStatusExpired, endAt, endAt, subscriptionID},
	}}
}

const maxReasonLen = 500

func truncateReason(reason string) string {
	if len(reason) <= maxReasonLen {
		return reason
	}
	return fmt.Sprintf("%s...", reason[:maxReasonLen])
}
