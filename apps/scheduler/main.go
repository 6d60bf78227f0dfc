package main

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/robfig/cron/v3"
	"github.com/smallbiznis/rebill/internal/alert"
	billingdomain "github.com/smallbiznis/rebill/internal/billing/domain"
	billing "github.com/smallbiznis/rebill/internal/billing/service"
	"github.com/smallbiznis/rebill/internal/clock"
	"github.com/smallbiznis/rebill/internal/config"
	"github.com/smallbiznis/rebill/internal/currency"
	"github.com/smallbiznis/rebill/internal/gateway"
	"github.com/smallbiznis/rebill/internal/migration"
	"github.com/smallbiznis/rebill/internal/observability"
	"github.com/smallbiznis/rebill/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,

		currency.Module,
		gateway.Module,
		alert.Module,
		billing.Module,

		fx.Invoke(StartBillingCron),
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}

// StartBillingCron triggers a billing run on the configured schedule.
// Overlapping runs are tolerated: the pending-payment guard makes a second
// concurrent run skip everything the first one is still charging.
func StartBillingCron(lc fx.Lifecycle, cfg config.Config, svc billingdomain.Service, log *zap.Logger) error {
	runner := cron.New()
	_, err := runner.AddFunc(cfg.BillingCron, func() {
		if _, err := svc.RunBilling(context.Background()); err != nil {
			log.Error("billing run failed", zap.Error(err))
		}
	})
	if err != nil {
		return err
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			log.Info("billing cron started", zap.String("schedule", cfg.BillingCron))
			runner.Start()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			<-runner.Stop().Done()
			return nil
		},
	})
	return nil
}
