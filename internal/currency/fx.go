package currency

import (
	"github.com/smallbiznis/rebill/internal/config"
	"go.uber.org/fx"
)

var Module = fx.Module("currency",
	fx.Provide(ProvideConverter),
)

func ProvideConverter(cfg config.Config) (Converter, error) {
	if cfg.CurrencyConverterMode == "fixed" || cfg.CurrencyBaseURL == "" {
		rate := cfg.CurrencyFixedRate
		if rate <= 0 {
			rate = 1
		}
		return NewFixedRateConverter(rate, cfg.SettlementCurrency)
	}
	return NewHTTPConverter(cfg.CurrencyBaseURL, cfg.BaseCurrency, cfg.SettlementCurrency, cfg.CurrencyTimeout), nil
}
