// Package alert escalates permanent delivery failures to Sentry so an
// operator hears about reminders the bot gave up on.
package alert

import (
	"fmt"
	"strconv"
	"time"

	"github.com/getsentry/sentry-go"

	"readmark/internal/remind"
	logx "readmark/pkg/logx"
)

// Config enables the Sentry reporter. An empty DSN disables it without
// error so deployments can opt out.
type Config struct {
	DSN         string
	Environment string
	Release     string
}

// Reporter implements remind.FailureReporter over the Sentry SDK.
type Reporter struct {
	hub     *sentry.Hub
	enabled bool
	log     logx.Logger
}

// New initializes the Sentry client. With an empty DSN the reporter is a
// no-op and Close does nothing.
func New(cfg Config, log logx.Logger) (*Reporter, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.DSN == "" {
		return &Reporter{log: log}, nil
	}
	client, err := sentry.NewClient(sentry.ClientOptions{
		Dsn:         cfg.DSN,
		Environment: cfg.Environment,
		Release:     cfg.Release,
	})
	if err != nil {
		return nil, fmt.Errorf("sentry init: %w", err)
	}
	hub := sentry.NewHub(client, sentry.NewScope())
	log.Info("sentry reporter enabled", logx.String("environment", cfg.Environment))
	return &Reporter{hub: hub, enabled: true, log: log}, nil
}

// DeliveryFailed reports a reminder that exhausted its retry budget.
func (r *Reporter) DeliveryFailed(rem remind.Reminder, err error) {
	if !r.enabled {
		return
	}
	r.hub.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("component", "reminder_sweep")
		scope.SetTag("chat_id", strconv.FormatInt(rem.ChatID, 10))
		scope.SetContext("reminder", map[string]any{
			"id":          rem.ID,
			"link_id":     rem.LinkID,
			"due_at":      rem.DueAt,
			"retry_count": rem.RetryCount,
		})
		r.hub.CaptureException(fmt.Errorf("reminder %d delivery failed permanently: %w", rem.ID, err))
	})
}

// Close flushes buffered events. Safe on a disabled reporter.
func (r *Reporter) Close() {
	if !r.enabled {
		return
	}
	if !r.hub.Client().Flush(2 * time.Second) {
		r.log.Warn("sentry flush timed out")
	}
}
