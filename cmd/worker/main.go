package main

import (
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	queue "autodev-controlplane/pkg/asynq"
	"autodev-controlplane/pkg/config"
	"autodev-controlplane/pkg/logger"
	"autodev-controlplane/services/worker"
)

func main() {
	app := fx.New(
		config.Module,
		logger.Module,
		queue.Server,
		worker.Module,
		fxLogger,
	)

	app.Run()
}

var fxLogger = fx.WithLogger(func(cfg *config.Config, logger *zap.Logger) fxevent.Logger {
	return fxevent.NopLogger
})
