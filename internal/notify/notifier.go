package notify

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"copy_bot/internal/models"

	tgbot "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
)

const queueSize = 64

type Notifier interface {
	Notify(format string, args ...any)
}

// PositionSource lists the follower's open positions for /positions.
type PositionSource interface {
	Snapshot() map[string]models.Position
}

// Telegram sends alerts to one chat. Sends go through a bounded queue so a
// slow Telegram API never blocks trading; overflow is dropped.
type Telegram struct {
	bot       *tgbot.BotAPI
	chatID    int64
	positions PositionSource
	log       *zap.Logger

	queue   chan string
	dropped atomic.Int64

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewTelegram(bot *tgbot.BotAPI, chatID int64, positions PositionSource, log *zap.Logger) *Telegram {
	return &Telegram{
		bot:       bot,
		chatID:    chatID,
		positions: positions,
		log:       log,
		queue:     make(chan string, queueSize),
	}
}

func (t *Telegram) Notify(format string, args ...any) {
	t.enqueue(fmt.Sprintf(format, args...))
}

func (t *Telegram) enqueue(msg string) {
	select {
	case t.queue <- msg:
	default:
		n := t.dropped.Add(1)
		t.log.Warn("telegram queue full, message dropped", zap.Int64("dropped", n))
	}
}

// Dropped is the number of messages lost to a full queue.
func (t *Telegram) Dropped() int64 { return t.dropped.Load() }

func (t *Telegram) send(msg string) {
	if t.bot == nil || t.chatID == 0 {
		return
	}
	if _, err := t.bot.Send(tgbot.NewMessage(t.chatID, msg)); err != nil {
		t.log.Warn("telegram send failed", zap.Error(err))
	}
}

// /positions: открытые позиции фолловера
func (t *Telegram) handlePositions() {
	if t.positions == nil {
		t.enqueue("positions unavailable")
		return
	}
	snap := t.positions.Snapshot()
	if len(snap) == 0 {
		t.enqueue("📭 no open positions")
		return
	}

	assets := make([]string, 0, len(snap))
	for a := range snap {
		assets = append(assets, a)
	}
	sort.Strings(assets)

	var b strings.Builder
	b.WriteString("📊 follower positions:\n")
	for _, a := range assets {
		p := snap[a]
		side := "LONG"
		if !p.IsLong() {
			side = "SHORT"
		}
		fmt.Fprintf(&b, "- %s [%s] size=%s @ %s ($%s)\n", a, side, p.Size.Abs(), p.EntryPrice, p.Notional(p.EntryPrice).Round(2))
	}
	t.enqueue(b.String())
}

// Start runs the sender and, when polling is set, the command listener.
func (t *Telegram) Start(ctx context.Context, polling bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancel != nil {
		return
	}
	ctx, t.cancel = context.WithCancel(ctx)

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		for {
			select {
			case <-ctx.Done():
				t.drain()
				return
			case msg := <-t.queue:
				t.send(msg)
			}
		}
	}()

	if polling && t.bot != nil {
		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			t.listen(ctx)
		}()
	}
}

// drain sends what is already queued.
func (t *Telegram) drain() {
	for {
		select {
		case msg := <-t.queue:
			t.send(msg)
		default:
			return
		}
	}
}

func (t *Telegram) listen(ctx context.Context) {
	u := tgbot.NewUpdate(0)
	u.Timeout = 30
	u.AllowedUpdates = []string{"message"}

	updates := t.bot.GetUpdatesChan(u)
	defer t.bot.StopReceivingUpdates()

	for {
		select {
		case <-ctx.Done():
			return
		case upd := <-updates:
			t.HandleUpdate(upd)
		}
	}
}

func (t *Telegram) HandleUpdate(upd tgbot.Update) {
	if upd.Message == nil || upd.Message.Chat == nil ||
		upd.Message.Chat.ID != t.chatID || !upd.Message.IsCommand() {
		return
	}
	switch upd.Message.Command() {
	case "positions":
		t.handlePositions()
	}
}

func (t *Telegram) Stop() {
	t.mu.Lock()
	cancel := t.cancel
	t.cancel = nil
	t.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	t.wg.Wait()
}

// Log writes alerts to the logger. Used when no bot token is configured.
type Log struct {
	log *zap.Logger
}

func NewLog(log *zap.Logger) *Log { return &Log{log: log} }

func (l *Log) Notify(format string, args ...any) {
	l.log.Warn("alert", zap.String("message", fmt.Sprintf(format, args...)))
}
