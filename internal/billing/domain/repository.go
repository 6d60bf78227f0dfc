package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// Operation is one parametrized SQL statement of an atomic write group.
type Operation struct {
	SQL  string
	Vars []any
}

// AtomicExecutor runs a group of operations so that either all of them or
// none of them take effect. Implementations are selected once at startup by a
// storage capability probe: a true multi-statement script where the engine
// supports it, a wrapping transaction otherwise.
type AtomicExecutor interface {
	Execute(ctx context.Context, ops []Operation) error
	Strategy() string
}

// Repository is the persistence gateway of the billing run.
type Repository interface {
	// FindDueSubscriptions returns up to limit subscriptions eligible for
	// this run (active, monthly, next_billing_at <= asOf, open-ended),
	// ordered by next_billing_at ascending.
	FindDueSubscriptions(ctx context.Context, db *gorm.DB, asOf time.Time, limit int) ([]Subscription, error)

	// FindActiveContract resolves the user's active direct-debit contract by
	// signature, or nil when none exists.
	FindActiveContract(ctx context.Context, db *gorm.DB, userID snowflake.ID, signature string) (*DirectDebitContract, error)

	// FindPendingPayment returns the pending payment of a subscription, or
	// nil. A non-nil result trips the idempotency guard.
	FindPendingPayment(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID) (*Payment, error)

	// FindRetryableFailedPayment returns the most recent failed payment of a
	// subscription whose next_retry_at has passed, or nil.
	FindRetryableFailedPayment(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID, asOf time.Time) (*Payment, error)

	// RecordBillingErrors persists last-error notes on subscription metadata
	// in one batch. Best effort: callers log failures and move on.
	RecordBillingErrors(ctx context.Context, db *gorm.DB, notes []BillingErrorNote) error

	// PendingPaymentOps stages the pending payment row (insert, or update
	// when reusing a failed payment as the retry idempotency key).
	PendingPaymentOps(payment *Payment, reuse bool) []Operation

	// ChargeSucceededOps stages the success outcome group: payment
	// completed, contract touched, subscription advanced.
	ChargeSucceededOps(payment *Payment, contractID snowflake.ID, subscription *Subscription, paidAt time.Time, nextBillingAt time.Time) []Operation

	// ChargeFailedOps stages the failure outcome group: payment failed with
	// reason and retry schedule.
	ChargeFailedOps(payment *Payment, reason string, failedAt time.Time, nextRetryAt time.Time) []Operation

	// SuspendSubscriptionOps stages the suspension group: subscription
	// expired with end date set.
	SuspendSubscriptionOps(subscriptionID snowflake.ID, endAt time.Time) []Operation
}

// Service is the single entry point invoked by the external scheduler.
type Service interface {
	RunBilling(ctx context.Context) (*BillingResult, error)
}
