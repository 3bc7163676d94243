package config

import (
	"copy_bot/internal/models"

	"go.uber.org/fx"
)

func Module() fx.Option {
	return fx.Module("config",
		fx.Provide(
			NewConfig,
			func(c *Config) models.RiskConfig { return c.RiskConfig() },
		),
	)
}
