// Package bot routes incoming Telegram updates to the save, list, and
// reminder-action handlers.
package bot

import (
	"context"
	"fmt"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"

	"readmark/internal/clock"
	"readmark/internal/ratelimit"
	"readmark/internal/remind"
	"readmark/internal/store"
	"readmark/internal/transport"
	logx "readmark/pkg/logx"
)

// Callback actions. Payload layout is "action:id" with an optional third
// token, e.g. "resched:42:in2days".
const (
	cbRead    = "read"
	cbSnooze  = "snooze"
	cbSkip    = "skip"
	cbResched = "resched"
)

func callbackData(action string, id int64, extra ...string) string {
	parts := append([]string{action, strconv.FormatInt(id, 10)}, extra...)
	return strings.Join(parts, ":")
}

func parseCallbackData(data string) (action string, id int64, extra string, err error) {
	parts := strings.SplitN(data, ":", 3)
	if len(parts) < 2 {
		return "", 0, "", fmt.Errorf("malformed callback data %q", data)
	}
	id, err = strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return "", 0, "", fmt.Errorf("malformed callback id %q", data)
	}
	if len(parts) == 3 {
		extra = parts[2]
	}
	return parts[0], id, extra, nil
}

const dispatchWorkers = 4

// Bot wires updates to handlers.
type Bot struct {
	adapter transport.Adapter
	st      store.Store
	svc     *remind.Service
	limiter *ratelimit.Limiter
	prefs   remind.UserPreferences
	clk     clock.Clock
	log     logx.Logger

	listLimit int
}

func New(adapter transport.Adapter, st store.Store, svc *remind.Service, lim *ratelimit.Limiter, clk clock.Clock, log logx.Logger) *Bot {
	if clk == nil {
		clk = clock.System{}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Bot{
		adapter:   adapter,
		st:        st,
		svc:       svc,
		limiter:   lim,
		prefs:     NewPreferences(st),
		clk:       clk,
		log:       log,
		listLimit: 10,
	}
}

// MenuCommands is the command list published to the Telegram menu.
func MenuCommands() []transport.BotCommand {
	return []transport.BotCommand{
		{Command: "list", Description: "recently saved links"},
		{Command: "timezone", Description: "set your timezone"},
		{Command: "policy", Description: "default reminder delay"},
		{Command: "help", Description: "how to use the bot"},
	}
}

// Run consumes updates until ctx is canceled or the channel closes.
// Handlers run on a small worker pool; a panic kills the job, not the bot.
func (b *Bot) Run(ctx context.Context, updates <-chan transport.Update) error {
	if menu, ok := b.adapter.(transport.CommandMenuUpdater); ok {
		if err := menu.UpdateMenuCommands(ctx, MenuCommands()); err != nil {
			b.log.Warn("command menu update failed", logx.Err(err))
		}
	}

	jobs := make(chan transport.Update)
	var wg sync.WaitGroup
	wg.Add(dispatchWorkers)
	for i := 0; i < dispatchWorkers; i++ {
		go func() {
			defer wg.Done()
			for u := range jobs {
				b.dispatch(ctx, u)
			}
		}()
	}

	b.log.Info("bot dispatcher started", logx.Int("workers", dispatchWorkers))
	defer func() {
		close(jobs)
		wg.Wait()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case u, ok := <-updates:
			if !ok {
				return nil
			}
			select {
			case jobs <- u:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

func (b *Bot) dispatch(ctx context.Context, u transport.Update) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("panic in update handler",
				logx.Any("panic", r),
				logx.String("stack", string(debug.Stack())))
		}
	}()

	switch u.Kind {
	case transport.UpdateMessage:
		if u.Message != nil {
			b.handleMessage(ctx, u.Message)
		}
	case transport.UpdateCallback:
		if u.Callback != nil {
			b.handleCallback(ctx, u.Callback)
		}
	}
}

// reply is a fire-and-forget send; delivery failures are logged, not
// propagated, because there is nobody upstream to retry a chat reply.
func (b *Bot) reply(ctx context.Context, chatID int64, text string, opt *transport.SendOptions) {
	if _, err := b.adapter.SendText(ctx, transport.ChatTarget{ChatID: chatID}, text, opt); err != nil {
		b.log.Warn("reply failed", logx.Int64("chat_id", chatID), logx.Err(err))
	}
}
