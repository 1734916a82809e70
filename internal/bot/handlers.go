package bot

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"readmark/internal/clock"
	"readmark/internal/links"
	"readmark/internal/ratelimit"
	"readmark/internal/remind"
	"readmark/internal/transport"
	logx "readmark/pkg/logx"
)

func (b *Bot) handleMessage(ctx context.Context, msg *transport.Message) {
	now := b.clk.Now()
	if b.limiter != nil && !b.limiter.Admit(msg.ChatID, ratelimit.CategoryMessage, now) {
		b.reply(ctx, msg.ChatID, textMessageLimited, nil)
		return
	}

	b.touchUser(ctx, msg)

	text := strings.TrimSpace(msg.Text)
	if strings.HasPrefix(text, "/") {
		b.handleCommand(ctx, msg, text)
		return
	}
	b.handleSave(ctx, msg, text, now)
}

// touchUser keeps the user row fresh without clobbering preferences.
func (b *Bot) touchUser(ctx context.Context, msg *transport.Message) {
	u := &remind.User{
		ChatID:    msg.ChatID,
		Username:  msg.FromUsername,
		FirstName: msg.FromName,
		Timezone:  "UTC",
		CreatedAt: b.clk.Now(),
	}
	if err := b.st.UpsertUser(ctx, u); err != nil {
		b.log.Warn("user upsert failed", logx.Int64("chat_id", msg.ChatID), logx.Err(err))
	}
}

func (b *Bot) handleCommand(ctx context.Context, msg *transport.Message, text string) {
	fields := strings.Fields(text)
	cmd := strings.TrimPrefix(fields[0], "/")
	// strip the @botname suffix used in groups
	if i := strings.IndexByte(cmd, '@'); i >= 0 {
		cmd = cmd[:i]
	}
	args := fields[1:]

	switch cmd {
	case "start":
		b.reply(ctx, msg.ChatID, textWelcome, nil)
	case "help":
		b.reply(ctx, msg.ChatID, textHelp, nil)
	case "list":
		b.handleList(ctx, msg.ChatID)
	case "read":
		b.handleRead(ctx, msg.ChatID, args)
	case "timezone":
		b.handleTimezone(ctx, msg.ChatID, args)
	case "policy":
		b.handlePolicy(ctx, msg.ChatID, args)
	default:
		b.reply(ctx, msg.ChatID, textHelp, nil)
	}
}

func (b *Bot) handleTimezone(ctx context.Context, chatID int64, args []string) {
	if len(args) == 0 {
		tz := "UTC"
		if u, err := b.st.GetUser(ctx, chatID); err == nil && u.Timezone != "" {
			tz = u.Timezone
		}
		b.reply(ctx, chatID, fmt.Sprintf(textTimezoneShow, tz), nil)
		return
	}
	name := args[0]
	if _, err := clock.LoadZone(name); err != nil {
		b.reply(ctx, chatID, textTimezoneInvalid, nil)
		return
	}
	if err := b.st.SetTimezone(ctx, chatID, name); err != nil {
		b.log.Error("set timezone failed", logx.Int64("chat_id", chatID), logx.Err(err))
		return
	}
	b.reply(ctx, chatID, fmt.Sprintf(textTimezoneSet, name), nil)
}

func (b *Bot) handlePolicy(ctx context.Context, chatID int64, args []string) {
	if len(args) == 0 {
		p := remind.PolicyDefault
		if u, err := b.st.GetUser(ctx, chatID); err == nil && u.DefaultPolicy != "" {
			p = u.DefaultPolicy
		}
		b.reply(ctx, chatID, fmt.Sprintf(textPolicyShow, policyLabel(p)), nil)
		return
	}
	p, err := remind.ParsePolicy(strings.ToLower(args[0]))
	if err != nil {
		b.reply(ctx, chatID, textPolicyInvalid, nil)
		return
	}
	if err := b.st.SetDefaultPolicy(ctx, chatID, p); err != nil {
		b.log.Error("set policy failed", logx.Int64("chat_id", chatID), logx.Err(err))
		return
	}
	b.reply(ctx, chatID, fmt.Sprintf(textPolicySet, policyLabel(p)), nil)
}

func (b *Bot) handleList(ctx context.Context, chatID int64) {
	recent, err := b.st.ListRecentLinks(ctx, chatID, b.listLimit)
	if err != nil {
		b.log.Error("list links failed", logx.Int64("chat_id", chatID), logx.Err(err))
		return
	}
	if len(recent) == 0 {
		b.reply(ctx, chatID, textNoLinks, nil)
		return
	}
	b.reply(ctx, chatID, formatLinkList(recent), &transport.SendOptions{DisablePreview: true})
}

// handleRead marks the n-th link from /list as read and completes its
// reminder if one is still active.
func (b *Bot) handleRead(ctx context.Context, chatID int64, args []string) {
	if len(args) == 0 {
		b.reply(ctx, chatID, textReadUsage, nil)
		return
	}
	n, err := strconv.Atoi(args[0])
	if err != nil || n < 1 {
		b.reply(ctx, chatID, textReadUsage, nil)
		return
	}
	recent, err := b.st.ListRecentLinks(ctx, chatID, b.listLimit)
	if err != nil {
		b.log.Error("list links failed", logx.Int64("chat_id", chatID), logx.Err(err))
		return
	}
	if n > len(recent) {
		b.reply(ctx, chatID, textReadUsage, nil)
		return
	}
	l := recent[n-1]
	if r, err := b.st.GetReminderByLink(ctx, l.ID); err == nil && !r.State.Terminal() {
		if _, aerr := b.svc.OnAcknowledge(ctx, r.ID); aerr != nil {
			b.log.Warn("acknowledge on /read failed", logx.Int64("reminder", r.ID), logx.Err(aerr))
		}
	}
	if err := b.st.MarkLinkRead(ctx, l.ID, b.clk.Now()); err != nil {
		b.log.Error("mark link read failed", logx.Int64("link", l.ID), logx.Err(err))
		return
	}
	b.reply(ctx, chatID, textMarkedRead, nil)
}

// handleSave extracts URLs from a plain message and schedules a reminder
// per valid link.
func (b *Bot) handleSave(ctx context.Context, msg *transport.Message, text string, now time.Time) {
	urls, verrs := links.Extract(text)
	for _, verr := range verrs {
		b.reply(ctx, msg.ChatID, verr.Reason, nil)
	}
	if len(urls) == 0 {
		if len(verrs) == 0 {
			b.reply(ctx, msg.ChatID, textNoURL, nil)
		}
		return
	}

	for _, url := range urls {
		b.saveOne(ctx, msg.ChatID, url, now)
	}
}

func (b *Bot) saveOne(ctx context.Context, chatID int64, url string, now time.Time) {
	l := &remind.Link{ChatID: chatID, URL: url, SavedAt: now}
	if err := b.st.CreateLink(ctx, l); err != nil {
		b.log.Error("link create failed", logx.Int64("chat_id", chatID), logx.Err(err))
		return
	}

	r, err := b.svc.OnLinkSaved(ctx, chatID, l.ID, url, now, "")
	if err != nil {
		// keep the store consistent: no reminder means no saved link
		if derr := b.st.DeleteLink(ctx, l.ID); derr != nil {
			b.log.Warn("orphan link cleanup failed", logx.Int64("link", l.ID), logx.Err(derr))
		}
		if remind.IsRateLimited(err) {
			b.reply(ctx, chatID, textSaveLimited, nil)
			return
		}
		b.log.Error("reminder create failed", logx.Int64("chat_id", chatID), logx.Err(err))
		return
	}

	opt := &transport.SendOptions{
		DisablePreview: true,
		Keyboard: [][]transport.InlineButton{
			{
				{Text: "Tomorrow", Data: callbackData(cbResched, r.ID, string(remind.PolicyTomorrow))},
				{Text: "In 2 days", Data: callbackData(cbResched, r.ID, string(remind.PolicyIn2Days))},
				{Text: "In 3 days", Data: callbackData(cbResched, r.ID, string(remind.PolicyIn3Days))},
			},
			{
				{Text: "Skip", Data: callbackData(cbSkip, l.ID)},
			},
		},
	}
	saved := fmt.Sprintf(textSaved, dueLabel(r.DueAt, b.userLocation(ctx, chatID)))
	if u, uerr := b.st.GetUser(ctx, chatID); uerr == nil && !u.TimezoneSet {
		saved += "\n\n" + textTimezoneHint
	}
	b.reply(ctx, chatID, saved, opt)
}

func (b *Bot) handleCallback(ctx context.Context, cb *transport.Callback) {
	action, id, extra, err := parseCallbackData(cb.Data)
	if err != nil {
		b.log.Warn("bad callback", logx.String("data", cb.Data), logx.Err(err))
		_ = b.adapter.AnswerCallback(ctx, cb.ID, "")
		return
	}

	var ack string
	switch action {
	case cbRead:
		ack = b.onRead(ctx, id)
	case cbSnooze:
		ack = b.onSnooze(ctx, id)
	case cbSkip:
		ack = b.onSkip(ctx, id)
	case cbResched:
		ack = b.onReschedule(ctx, cb.ChatID, id, extra)
	default:
		b.log.Warn("unknown callback action", logx.String("data", cb.Data))
	}
	if err := b.adapter.AnswerCallback(ctx, cb.ID, ack); err != nil {
		b.log.Debug("answer callback failed", logx.Err(err))
	}
}

func (b *Bot) onRead(ctx context.Context, reminderID int64) string {
	r, err := b.svc.OnAcknowledge(ctx, reminderID)
	if err != nil {
		if errors.Is(err, remind.ErrNotFound) {
			return textGone
		}
		b.log.Error("acknowledge failed", logx.Int64("reminder", reminderID), logx.Err(err))
		return ""
	}
	if err := b.st.MarkLinkRead(ctx, r.LinkID, b.clk.Now()); err != nil {
		b.log.Warn("mark link read failed", logx.Int64("link", r.LinkID), logx.Err(err))
	}
	return textMarkedRead
}

func (b *Bot) onSnooze(ctx context.Context, reminderID int64) string {
	_, err := b.svc.OnSnoozeRequested(ctx, reminderID, b.clk.Now())
	switch {
	case err == nil:
		return textSnoozed
	case errors.Is(err, remind.ErrSnoozeBudgetExhausted):
		return textSnoozesOver
	case errors.Is(err, remind.ErrNotFound), errors.Is(err, remind.ErrNotActionable):
		return textGone
	default:
		b.log.Error("snooze failed", logx.Int64("reminder", reminderID), logx.Err(err))
		return ""
	}
}

func (b *Bot) onSkip(ctx context.Context, linkID int64) string {
	if err := b.st.DeleteLink(ctx, linkID); err != nil {
		b.log.Error("skip link failed", logx.Int64("link", linkID), logx.Err(err))
		return ""
	}
	return textSkipped
}

func (b *Bot) onReschedule(ctx context.Context, chatID, reminderID int64, policyRaw string) string {
	p, err := remind.ParsePolicy(policyRaw)
	if err != nil {
		return ""
	}
	r, err := b.svc.Reschedule(ctx, reminderID, p, b.clk.Now())
	switch {
	case err == nil:
	case errors.Is(err, remind.ErrNotFound), errors.Is(err, remind.ErrNotActionable):
		return textGone
	default:
		b.log.Error("reschedule failed", logx.Int64("reminder", reminderID), logx.Err(err))
		return ""
	}

	return fmt.Sprintf(textRescheduled, dueLabel(r.DueAt, b.userLocation(ctx, chatID)))
}

func (b *Bot) userLocation(ctx context.Context, chatID int64) *time.Location {
	tz, err := b.prefs.TimeZone(ctx, chatID)
	if err != nil {
		return time.UTC
	}
	loc, err := clock.LoadZone(tz)
	if err != nil {
		return time.UTC
	}
	return loc
}
