package migration

import (
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, log *zap.Logger) error {
		// the embedded schema is written for postgres; other dialects are
		// provisioned out of band
		if conn.Dialector.Name() != "postgres" {
			log.Warn("skipping embedded migrations for non-postgres database",
				zap.String("dialect", conn.Dialector.Name()))
			return nil
		}

		sqlDB, err := conn.DB()
		if err != nil {
			return err
		}
		return RunMigrations(sqlDB)
	}),
)
