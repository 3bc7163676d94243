package postgres

import (
	"context"

	"copy_bot/internal/modules/config"
	"copy_bot/internal/modules/postgres/service"
	"copy_bot/pkg/db"

	"github.com/pkg/errors"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// NewJournal connects to the journal database. An empty DSN gives a journal
// that discards records.
func NewJournal(lc fx.Lifecycle, ctx context.Context, cfg *config.Config, log *zap.Logger) (*service.Journal, error) {
	if cfg.DB == "" {
		log.Info("journal disabled, no database dsn")
		return service.NewJournal(nil, log), nil
	}

	poolMaster, err := db.NewPool(ctx, db.PoolConfig{
		DSN:      cfg.DB,
		MaxConns: 4,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create poolMaster")
	}
	manager := db.NewPgTxManager(poolMaster)

	if err := manager.Ping(ctx); err != nil {
		manager.Close()
		return nil, errors.Wrap(err, "ping journal db")
	}

	j := service.NewJournal(manager, log)
	if err := j.Init(ctx); err != nil {
		manager.Close()
		return nil, err
	}

	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			manager.Close()
			return nil
		},
	})
	log.Info("journal enabled")
	return j, nil
}

func Module() fx.Option {
	return fx.Module("postgres",
		fx.Provide(NewJournal),
	)
}
