// Package domain contains persistence models and contracts for the recurring
// billing run.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// SubscriptionStatus represents lifecycle states for a subscription.
type SubscriptionStatus string

const (
	SubscriptionStatusActive   SubscriptionStatus = "active"
	SubscriptionStatusCanceled SubscriptionStatus = "canceled"
	SubscriptionStatusExpired  SubscriptionStatus = "expired"
	SubscriptionStatusPending  SubscriptionStatus = "pending"
)

// BillingPeriodMonthly is the only period that participates in recurring runs.
const BillingPeriodMonthly = "monthly"

// Subscription metadata keys written by the chunk processor.
const (
	MetadataLastBillingError   = "last_billing_error"
	MetadataLastBillingErrorAt = "last_billing_error_at"
)

// Subscription captures a customer's recurring billing agreement.
type Subscription struct {
	ID                snowflake.ID       `gorm:"primaryKey"`
	UserID            snowflake.ID       `gorm:"not null;index"`
	ProductID         snowflake.ID       `gorm:"not null;index"`
	BillingPeriod     string             `gorm:"type:text;not null"`
	PriceAmount       int64              `gorm:"not null"`
	Currency          string             `gorm:"type:text;not null"`
	Status            SubscriptionStatus `gorm:"type:text;not null;index"`
	ContractSignature string             `gorm:"type:text;not null"`
	NextBillingAt     time.Time          `gorm:"not null;index"`
	EndAt             *time.Time         `gorm:""`
	Metadata          datatypes.JSONMap  `gorm:"type:jsonb"`
	CreatedAt         time.Time          `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt         time.Time          `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (Subscription) TableName() string { return "subscriptions" }

// ContractTypeDirectDebit is the only contract type the billing run charges.
const ContractTypeDirectDebit = "direct_debit"

// DirectDebitContract is a pre-authorized signature allowing charges without
// interactive approval.
type DirectDebitContract struct {
	ID         snowflake.ID `gorm:"primaryKey"`
	UserID     snowflake.ID `gorm:"not null;index"`
	Signature  string       `gorm:"type:text;not null;index"`
	Type       string       `gorm:"type:text;not null"`
	Status     string       `gorm:"type:text;not null"`
	Active     bool         `gorm:"not null;default:true"`
	LastUsedAt *time.Time   `gorm:""`
	CreatedAt  time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt  time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (DirectDebitContract) TableName() string { return "direct_debit_contracts" }

// PaymentStatus represents lifecycle states for a payment attempt.
type PaymentStatus string

const (
	PaymentStatusPending   PaymentStatus = "pending"
	PaymentStatusCompleted PaymentStatus = "completed"
	PaymentStatusFailed    PaymentStatus = "failed"
	PaymentStatusRefunded  PaymentStatus = "refunded"
	PaymentStatusCanceled  PaymentStatus = "canceled"
)

// DefaultMaxRetries is the retry allowance stamped on new payments.
const DefaultMaxRetries = 3

// Payment is the unit of idempotency: while one pending payment exists for a
// subscription, no new charge attempt may start for it.
type Payment struct {
	ID             snowflake.ID  `gorm:"primaryKey"`
	UserID         snowflake.ID  `gorm:"not null;index"`
	SubscriptionID snowflake.ID  `gorm:"not null;index"`
	ProductID      snowflake.ID  `gorm:"not null"`
	Amount         int64         `gorm:"not null"`
	Currency       string        `gorm:"type:text;not null"`
	Status         PaymentStatus `gorm:"type:text;not null;index"`
	RetryCount     int           `gorm:"not null;default:0"`
	MaxRetries     int           `gorm:"not null;default:3"`
	NextRetryAt    *time.Time    `gorm:""`
	FailureReason  string        `gorm:"type:text"`
	Authority      string        `gorm:"type:text"`
	RefID          string        `gorm:"type:text"`
	CreatedAt      time.Time     `gorm:"not null;default:CURRENT_TIMESTAMP"`
	PaidAt         *time.Time    `gorm:""`
	FailedAt       *time.Time    `gorm:""`
	UpdatedAt      time.Time     `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (Payment) TableName() string { return "payments" }

// BillingResult is the run-scoped report returned by RunBilling.
type BillingResult struct {
	RunID           string    `json:"run_id"`
	StartedAt       time.Time `json:"started_at"`
	Processed       int       `json:"processed"`
	Succeeded       int       `json:"successful"`
	Failed          int       `json:"failed"`
	ChunksProcessed int       `json:"chunks_processed"`
	TimeoutReached  bool      `json:"timeout_reached"`
	BreakerTripped  bool      `json:"breaker_tripped"`
	Errors          []string  `json:"errors"`
	ExecutionTime   time.Duration
}

// AddError appends a run error up to the configured cap.
func (r *BillingResult) AddError(maxErrors int, msg string) {
	if r == nil || msg == "" {
		return
	}
	if maxErrors > 0 && len(r.Errors) >= maxErrors {
		return
	}
	r.Errors = append(r.Errors, msg)
}

// BillingErrorNote records the last processing error of a subscription for
// the best-effort metadata write after a chunk.
type BillingErrorNote struct {
	SubscriptionID snowflake.ID
	Message        string
	OccurredAt     time.Time
}
