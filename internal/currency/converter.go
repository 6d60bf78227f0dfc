// Package currency converts subscription prices from the base currency into
// the gateway's settlement currency.
package currency

import (
	"context"
	"errors"
	"math"
)

// Conversion is the result of a successful rate lookup.
type Conversion struct {
	Amount   int64
	Rate     float64
	Currency string
}

// Converter resolves the settlement-currency amount for a base-currency
// price. A conversion failure is fatal for the charge attempt; callers must
// never substitute a default rate.
type Converter interface {
	Convert(ctx context.Context, amount int64) (*Conversion, error)
}

var ErrInvalidRate = errors.New("currency: invalid exchange rate")

// FixedRateConverter applies a static rate, used in development and tests.
type FixedRateConverter struct {
	rate     float64
	currency string
}

func NewFixedRateConverter(rate float64, currency string) (*FixedRateConverter, error) {
	if rate <= 0 {
		return nil, ErrInvalidRate
	}
	return &FixedRateConverter{rate: rate, currency: currency}, nil
}

func (c *FixedRateConverter) Convert(_ context.Context, amount int64) (*Conversion, error) {
	return &Conversion{
		Amount:   int64(math.Round(float64(amount) * c.rate)),
		Rate:     c.rate,
		Currency: c.currency,
	}, nil
}
