package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/smallbiznis/rebill/internal/alert"
	"github.com/smallbiznis/rebill/internal/billing/domain"
	"github.com/smallbiznis/rebill/internal/billing/repository"
	"github.com/smallbiznis/rebill/internal/clock"
	"github.com/smallbiznis/rebill/internal/config"
	"github.com/smallbiznis/rebill/internal/currency"
	gatewaydomain "github.com/smallbiznis/rebill/internal/gateway/domain"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var testStart = time.Date(2026, 1, 15, 8, 0, 0, 0, time.UTC)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, db.Exec(`
		CREATE TABLE subscriptions (
			id INTEGER PRIMARY KEY,
			user_id INTEGER NOT NULL,
			product_id INTEGER NOT NULL,
			billing_period TEXT NOT NULL,
			price_amount INTEGER NOT NULL,
			currency TEXT NOT NULL,
			status TEXT NOT NULL,
			contract_signature TEXT NOT NULL,
			next_billing_at DATETIME NOT NULL,
			end_at DATETIME,
			metadata TEXT,
			created_at DATETIME,
			updated_at DATETIME
		)
	`).Error)
	require.NoError(t, db.Exec(`
		CREATE TABLE direct_debit_contracts (
			id INTEGER PRIMARY KEY,
			user_id INTEGER NOT NULL,
			signature TEXT NOT NULL,
			type TEXT NOT NULL,
			status TEXT NOT NULL,
			active BOOLEAN NOT NULL DEFAULT TRUE,
			last_used_at DATETIME,
			created_at DATETIME,
			updated_at DATETIME
		)
	`).Error)
	require.NoError(t, db.Exec(`
		CREATE TABLE payments (
			id INTEGER PRIMARY KEY,
			user_id INTEGER NOT NULL,
			subscription_id INTEGER NOT NULL,
			product_id INTEGER NOT NULL,
			amount INTEGER NOT NULL,
			currency TEXT NOT NULL,
			status TEXT NOT NULL,
			retry_count INTEGER NOT NULL DEFAULT 0,
			max_retries INTEGER NOT NULL DEFAULT 3,
			next_retry_at DATETIME,
			failure_reason TEXT,
			authority TEXT,
			ref_id TEXT,
			created_at DATETIME,
			paid_at DATETIME,
			failed_at DATETIME,
			updated_at DATETIME
		)
	`).Error)
	return db
}

type mockGateway struct {
	intents   int
	charges   int
	intentErr error
	chargeErr func(call int) error
	result    gatewaydomain.ChargeResult
	onCharge  func()
}

func (m *mockGateway) RequestPaymentIntent(ctx context.Context, req gatewaydomain.IntentRequest) (*gatewaydomain.Intent, error) {
	m.intents++
	if m.intentErr != nil {
		return nil, m.intentErr
	}
	return &gatewaydomain.Intent{Authority: fmt.Sprintf("A%06d", m.intents)}, nil
}

func (m *mockGateway) ExecuteDirectDebit(ctx context.Context, authority, signature string) (*gatewaydomain.ChargeResult, error) {
	m.charges++
	if m.onCharge != nil {
		m.onCharge()
	}
	if m.chargeErr != nil {
		if err := m.chargeErr(m.charges); err != nil {
			return nil, err
		}
	}
	result := m.result
	return &result, nil
}

func successGateway() *mockGateway {
	return &mockGateway{result: gatewaydomain.ChargeResult{Code: gatewaydomain.CodeSuccess, RefID: "REF-1"}}
}

type failingConverter struct{ err error }

func (c failingConverter) Convert(context.Context, int64) (*currency.Conversion, error) {
	return nil, c.err
}

type captureNotifier struct {
	reports []alert.Report
	err     error
}

func (n *captureNotifier) Notify(_ context.Context, report alert.Report) error {
	n.reports = append(n.reports, report)
	return n.err
}

type harness struct {
	db        *gorm.DB
	svc       *Service
	gateway   *mockGateway
	notifier  *captureNotifier
	clock     *clock.FakeClock
	node      *snowflake.Node
	cfg       config.BillingConfig
	converter currency.Converter
}

func newHarness(t *testing.T, billingCfg config.BillingConfig, mutate func(*harness)) *harness {
	t.Helper()

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	h := &harness{
		db:       newTestDB(t),
		gateway:  successGateway(),
		notifier: &captureNotifier{},
		clock:    clock.NewFakeClock(testStart),
		node:     node,
		cfg:      billingCfg,
	}
	if mutate != nil {
		mutate(h)
	}

	if h.converter == nil {
		converter, err := currency.NewFixedRateConverter(500, "IRR")
		require.NoError(t, err)
		h.converter = converter
	}

	svc, err := New(Params{
		DB:        h.db,
		Log:       zap.NewNop(),
		Config:    config.Config{AppName: "rebill", GatewayCallback: "https://rebill.example.com/callback"},
		Billing:   config.NewStaticBillingConfigHolder(h.cfg),
		Repo:      repository.Provide(),
		Executor:  repository.NewAtomicExecutor(h.db),
		Converter: h.converter,
		Gateway:   h.gateway,
		Notifier:  h.notifier,
		GenID:     node,
		Clock:     h.clock,
	})
	require.NoError(t, err)
	h.svc = svc.(*Service)
	return h
}

func (h *harness) seedSubscription(t *testing.T, id int64, nextBillingAt time.Time) domain.Subscription {
	t.Helper()
	sub := domain.Subscription{
		ID:                snowflake.ID(id),
		UserID:            snowflake.ID(id + 1000),
		ProductID:         snowflake.ID(id + 2000),
		BillingPeriod:     domain.BillingPeriodMonthly,
		PriceAmount:       29,
		Currency:          "USD",
		Status:            domain.SubscriptionStatusActive,
		ContractSignature: fmt.Sprintf("sig-%d", id),
		NextBillingAt:     nextBillingAt,
	}
	require.NoError(t, h.db.Exec(`
		INSERT INTO subscriptions (
			id, user_id, product_id, billing_period, price_amount, currency,
			status, contract_signature, next_billing_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sub.ID, sub.UserID, sub.ProductID, sub.BillingPeriod, sub.PriceAmount,
		sub.Currency, sub.Status, sub.ContractSignature, sub.NextBillingAt,
		testStart, testStart,
	).Error)
	return sub
}

func (h *harness) seedContract(t *testing.T, sub domain.Subscription) {
	t.Helper()
	require.NoError(t, h.db.Exec(`
		INSERT INTO direct_debit_contracts (
			id, user_id, signature, type, status, active, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		int64(sub.ID)+5000, sub.UserID, sub.ContractSignature,
		domain.ContractTypeDirectDebit, "active", true, testStart, testStart,
	).Error)
}

func (h *harness) seedFailedPayment(t *testing.T, sub domain.Subscription, retryCount int, nextRetryAt time.Time) snowflake.ID {
	t.Helper()
	id := h.node.Generate()
	require.NoError(t, h.db.Exec(`
		INSERT INTO payments (
			id, user_id, subscription_id, product_id, amount, currency, status,
			retry_count, max_retries, next_retry_at, failure_reason,
			created_at, failed_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, sub.UserID, sub.ID, sub.ProductID, 14500, "IRR",
		domain.PaymentStatusFailed, retryCount, domain.DefaultMaxRetries,
		nextRetryAt, "gateway declined: code 53", testStart.Add(-24*time.Hour),
		testStart.Add(-time.Hour), testStart.Add(-time.Hour),
	).Error)
	return id
}

type paymentRow struct {
	ID            int64
	Status        string
	RetryCount    int
	Amount        int64
	Currency      string
	FailureReason string
	Authority     string
	RefID         string
	NextRetryAt   string
	PaidAt        string
}

func (h *harness) paymentsFor(t *testing.T, subID snowflake.ID) []paymentRow {
	t.Helper()
	var rows []paymentRow
	require.NoError(t, h.db.Raw(`
		SELECT id, status, retry_count, amount, currency, failure_reason,
			authority, ref_id,
			COALESCE(next_retry_at, '') AS next_retry_at,
			COALESCE(paid_at, '') AS paid_at
		FROM payments WHERE subscription_id = ? ORDER BY id`, subID,
	).Scan(&rows).Error)
	return rows
}

type subscriptionRow struct {
	Status        string
	NextBillingAt string
	EndAt         string
	Metadata      string
}

func (h *harness) subscriptionRow(t *testing.T, subID snowflake.ID) subscriptionRow {
	t.Helper()
	var row subscriptionRow
	require.NoError(t, h.db.Raw(`
		SELECT status,
			COALESCE(next_billing_at, '') AS next_billing_at,
			COALESCE(end_at, '') AS end_at,
			COALESCE(metadata, '') AS metadata
		FROM subscriptions WHERE id = ?`, subID,
	).Scan(&row).Error)
	return row
}
