package main

import (
	"context"
	"log"

	"copy_bot/internal/modules/config"
	"copy_bot/internal/modules/health"
	"copy_bot/internal/modules/hyperliquid"
	"copy_bot/internal/modules/postgres"
	telegram "copy_bot/internal/modules/telegram_bot"
	"copy_bot/internal/modules/tracing"
	"copy_bot/internal/runner"
	"copy_bot/pkg/logger"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
)

func main() {
	app := fx.New(
		fx.Provide(
			func() context.Context {
				return context.Background()
			},
			func(cfg *config.Config) (*zap.Logger, error) {
				return logger.New(cfg.Service.LogLevel, "copy_bot")
			},
		),
		fx.WithLogger(func(l *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: l.Named("fx").WithOptions(zap.IncreaseLevel(zap.WarnLevel))}
		}),
		config.Module(),
		tracing.Module(),
		health.Module(),
		hyperliquid.Module(),
		postgres.Module(),
		telegram.Module(),
		runner.Module(),
	)
	if err := app.Err(); err != nil {
		log.Fatal(err)
	}
	app.Run()
}
