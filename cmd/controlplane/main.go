package main

import (
	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	queue "autodev-controlplane/pkg/asynq"
	"autodev-controlplane/pkg/config"
	"autodev-controlplane/pkg/db"
	"autodev-controlplane/pkg/health"
	"autodev-controlplane/pkg/logger"
	redispkg "autodev-controlplane/pkg/redis"
	"autodev-controlplane/pkg/sequence"
	"autodev-controlplane/pkg/server"
	"autodev-controlplane/services/reactivation"
)

func main() {
	app := fx.New(
		config.Module,
		logger.Module,
		db.Module,
		redispkg.Module,
		queue.Client,
		sequence.Module,
		health.Module,
		fx.Provide(
			provideSnowflakeNode,
		),
		reactivation.Module,
		server.ProvideHTTPServer,
		fxLogger,
	)

	app.Run()
}

var fxLogger = fx.WithLogger(func(cfg *config.Config, logger *zap.Logger) fxevent.Logger {
	return fxevent.NopLogger
})

func provideSnowflakeNode() (*snowflake.Node, error) {
	return snowflake.NewNode(1)
}
