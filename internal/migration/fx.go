package migration

import (
	"github.com/docuvine/docuvine/internal/config"
	"github.com/docuvine/docuvine/internal/seed"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, cfg config.Config) error {
		if cfg.DBType == "sqlite" {
			// The postgres migrator cannot drive sqlite; local sqlite
			// setups create their schema out of band.
			return nil
		}
		sqlDB, err := conn.DB()
		if err != nil {
			return err
		}
		if err := RunMigrations(sqlDB); err != nil {
			return err
		}
		if cfg.Environment == "development" {
			return seed.EnsureDemoAccount(conn)
		}
		return nil
	}),
)
