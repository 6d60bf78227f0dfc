// Package domain defines the payment-gateway contract the billing run
// depends on. Any gateway satisfying it is substitutable.
package domain

import (
	"context"
	"errors"
)

// CodeSuccess is the gateway result code designating a settled charge. Every
// other code is a business decline.
const CodeSuccess = 100

// IntentRequest describes a charge the gateway should prepare.
type IntentRequest struct {
	Amount      int64
	Currency    string
	Description string
	CallbackURL string
	Metadata    map[string]string
}

// Intent is the gateway's handle for an authorized charge.
type Intent struct {
	Authority string
}

// ChargeResult is the gateway's verdict on a direct-debit execution.
type ChargeResult struct {
	Code    int
	RefID   string
	Message string
}

func (r ChargeResult) Succeeded() bool {
	return r.Code == CodeSuccess
}

var (
	ErrInvalidConfig = errors.New("gateway: invalid configuration")
	// ErrUnavailable wraps transport-level failures (network, HTTP status,
	// auth). Distinct from a business decline for logging, identical for
	// retry purposes.
	ErrUnavailable = errors.New("gateway: unavailable")
)

// Client issues payment intents and executes direct-debit charges against a
// signed contract. Implementations must bound every call with a timeout.
type Client interface {
	RequestPaymentIntent(ctx context.Context, req IntentRequest) (*Intent, error)
	ExecuteDirectDebit(ctx context.Context, authority, contractSignature string) (*ChargeResult, error)
}
