package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/voxa/internal/clock"
	"github.com/smallbiznis/voxa/internal/config"
	"github.com/smallbiznis/voxa/internal/migration"
	"github.com/smallbiznis/voxa/internal/observability"
	"github.com/smallbiznis/voxa/internal/server"
	"github.com/smallbiznis/voxa/internal/sweeper"
	"github.com/smallbiznis/voxa/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,
		server.Module,
		sweeper.Module,
	)
	app.Run()
}

func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.NodeID)
}
