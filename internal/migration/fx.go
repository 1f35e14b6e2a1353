package migration

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/voxa/internal/config"
	"github.com/smallbiznis/voxa/internal/seed"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, cfg config.Config, node *snowflake.Node, log *zap.Logger) error {
		if err := Run(conn, cfg.DBType); err != nil {
			return err
		}
		return seed.EnsureAdmin(context.Background(), conn, node, log, seed.Bootstrap{
			Email:  cfg.Bootstrap.AdminEmail,
			Name:   cfg.Bootstrap.AdminName,
			APIKey: cfg.Bootstrap.AdminAPIKey,
		})
	}),
)
