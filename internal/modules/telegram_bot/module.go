package telegram

import (
	"context"

	"copy_bot/internal/modules/config"
	"copy_bot/internal/notify"
	"copy_bot/internal/runner"

	tgbot "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/pkg/errors"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// NewNotifier returns the Telegram notifier when a token is configured and
// a log notifier otherwise.
func NewNotifier(
	lc fx.Lifecycle,
	cfg *config.Config,
	follower *runner.FollowerState,
	log *zap.Logger,
) (notify.Notifier, error) {
	if cfg.Telegram.Token == "" {
		log.Info("telegram disabled, alerts go to the log")
		return notify.NewLog(log), nil
	}

	bot, err := tgbot.NewBotAPI(cfg.Telegram.Token)
	if err != nil {
		return nil, errors.Wrap(err, "telegram bot")
	}
	t := notify.NewTelegram(bot, cfg.Telegram.ChatID, follower, log.Named("telegram"))

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			// хуки получают короткоживущий ctx, воркеру нужен свой
			t.Start(context.Background(), true)
			t.Notify("copy bot started, leader %s", cfg.LeaderAddress)
			return nil
		},
		OnStop: func(context.Context) error {
			t.Stop()
			if n := t.Dropped(); n > 0 {
				log.Warn("telegram alerts dropped on overflow", zap.Int64("count", n))
			}
			return nil
		},
	})
	log.Info("telegram alerts enabled", zap.Int64("chat_id", cfg.Telegram.ChatID))
	return t, nil
}

func Module() fx.Option {
	return fx.Module("telegram",
		fx.Provide(NewNotifier),
	)
}
