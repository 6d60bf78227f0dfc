package domain

import "errors"

var (
	// ErrContractMissing means no active direct-debit contract was
	// resolvable for the subscription. Terminal for the attempt, no payment
	// record is created.
	ErrContractMissing = errors.New("no active direct debit contract for subscription")

	// ErrPaymentInFlight means a pending payment already exists for the
	// subscription; the idempotency guard refuses a second charge.
	ErrPaymentInFlight = errors.New("pending payment already in flight for subscription")

	// ErrMaxRetriesExceeded means the retry allowance is exhausted; the
	// subscription is suspended and never retried again.
	ErrMaxRetriesExceeded = errors.New("payment retries exhausted, subscription suspended")

	// ErrConversionFailed wraps currency-conversion failures; the attempt is
	// recorded as failed and rescheduled with backoff.
	ErrConversionFailed = errors.New("currency conversion failed")

	// ErrGatewayDeclined means the gateway answered with a non-success
	// business result code; retryable with backoff.
	ErrGatewayDeclined = errors.New("gateway declined direct debit")

	// ErrGatewayUnavailable means the gateway call itself failed (network,
	// HTTP, auth); retryable with backoff.
	ErrGatewayUnavailable = errors.New("gateway call failed")

	// ErrInvalidConfig is returned by constructors with missing dependencies.
	ErrInvalidConfig = errors.New("billing: invalid configuration")
)
