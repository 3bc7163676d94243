package tracing

import (
	"context"

	"copy_bot/internal/modules/config"
	"copy_bot/pkg/tracing"

	"go.uber.org/fx"
	"go.uber.org/zap"
)

const serviceName = "copy_bot"

// register installs the jaeger tracer when tracing is enabled. Without it
// spans go to the opentracing no-op tracer.
func register(lc fx.Lifecycle, cfg *config.Config, log *zap.Logger) error {
	if !cfg.Tracing.Enabled {
		log.Info("tracing disabled")
		return nil
	}

	tracing.SetServiceName(serviceName)
	_, closer, err := tracing.InitTracer(tracing.Config{
		Host: cfg.Tracing.Host,
		Port: cfg.Tracing.Port,
	})
	if err != nil {
		return err
	}
	log.Info("tracing enabled", zap.String("host", cfg.Tracing.Host), zap.Int("port", cfg.Tracing.Port))

	lc.Append(fx.Hook{
		OnStop: func(_ context.Context) error {
			return closer.Close()
		},
	})
	return nil
}

func Module() fx.Option {
	return fx.Module("tracing",
		fx.Invoke(register),
	)
}
