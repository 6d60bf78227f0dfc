package gateway

import (
	"github.com/smallbiznis/rebill/internal/config"
	"github.com/smallbiznis/rebill/internal/gateway/domain"
	"github.com/smallbiznis/rebill/internal/gateway/zarinpal"
	"go.uber.org/fx"
)

var Module = fx.Module("gateway",
	fx.Provide(ProvideClient),
)

func ProvideClient(cfg config.Config) (domain.Client, error) {
	return zarinpal.New(zarinpal.Config{
		BaseURL:    cfg.GatewayBaseURL,
		MerchantID: cfg.GatewayMerchantID,
		Timeout:    cfg.GatewayTimeout,
	})
}
