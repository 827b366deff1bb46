package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/docuvine/docuvine/internal/clock"
	"github.com/docuvine/docuvine/internal/config"
	"github.com/docuvine/docuvine/internal/credit"
	"github.com/docuvine/docuvine/internal/deployment"
	"github.com/docuvine/docuvine/internal/document"
	"github.com/docuvine/docuvine/internal/finetune"
	"github.com/docuvine/docuvine/internal/migration"
	"github.com/docuvine/docuvine/internal/providers"
	"github.com/docuvine/docuvine/internal/scheduler"
	"github.com/docuvine/docuvine/internal/server"
	"github.com/docuvine/docuvine/pkg/db"
	"github.com/docuvine/docuvine/pkg/log"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		// Core infrastructure
		config.Module,
		log.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,

		// Domain services
		credit.Module,
		document.Module,
		providers.Module,
		finetune.Module,
		deployment.Module,

		// Background jobs and HTTP surface
		scheduler.Module,
		server.Module,
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
