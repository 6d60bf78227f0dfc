package alert

import (
	"time"

	"github.com/smallbiznis/rebill/internal/config"
	"go.uber.org/fx"
)

var Module = fx.Module("alert",
	fx.Provide(ProvideNotifier),
)

func ProvideNotifier(cfg config.Config) Notifier {
	if cfg.AlertWebhookURL == "" {
		return NoopNotifier{}
	}
	return NewWebhookNotifier(cfg.AlertWebhookURL, 5*time.Second)
}
