package hyperliquid

import (
	"copy_bot/internal/modules/config"
	"copy_bot/internal/modules/hyperliquid/service"

	"go.uber.org/fx"
	"go.uber.org/zap"
)

func NewClient(cfg *config.Config, log *zap.Logger) (*service.Client, error) {
	c, err := service.NewClient(service.Options{
		Mainnet:      cfg.IsMainnet(),
		PrivateKey:   cfg.Follower.PrivateKey,
		VaultAddress: cfg.Follower.VaultAddress,
		Timeout:      cfg.Intervals.Order,
	})
	if err != nil {
		return nil, err
	}

	log.Info("hyperliquid client ready",
		zap.String("env", cfg.Environment),
		zap.String("leader", cfg.LeaderAddress),
		zap.String("follower", cfg.FollowerAddress()),
		zap.Bool("vault", cfg.Follower.VaultAddress != ""),
	)
	return c, nil
}

func Module() fx.Option {
	return fx.Module("hyperliquid",
		fx.Provide(NewClient),
	)
}
