// Package remind implements the reminder scheduling core: due-time
// computation, the reminder state machine, and the sweep that delivers due
// reminders exactly once.
package remind

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"readmark/internal/clock"
	"readmark/internal/ratelimit"
	logx "readmark/pkg/logx"
)

// Store is the persistence boundary the core calls. internal/store
// implements it over sqlite; tests use an in-memory fake.
//
// All conditional operations (TryClaim, MarkFired, ReleaseClaim, MarkFailed,
// Transition) report ok=false when the row was not in the expected state,
// which callers treat as a safe miss, never an error.
type Store interface {
	CreateReminder(ctx context.Context, r *Reminder) error
	GetReminder(ctx context.Context, id int64) (*Reminder, error)
	GetReminderByLink(ctx context.Context, linkID int64) (*Reminder, error)

	// FindDuePending returns up to limit pending reminders with due_at <= now,
	// oldest first.
	FindDuePending(ctx context.Context, now time.Time, limit int) ([]Reminder, error)

	// TryClaim atomically moves a reminder from expected into claimed,
	// stamping token. ok=false means the reminder was already gone or in
	// another state.
	TryClaim(ctx context.Context, id int64, expected State, token string, now time.Time) (bool, error)

	// MarkFired finalizes a claimed delivery; only succeeds while token
	// still owns the claim.
	MarkFired(ctx context.Context, id int64, token string, now time.Time) (bool, error)

	// ReleaseClaim returns a claimed reminder to pending with the given
	// retry count, keeping it eligible for the next sweep.
	ReleaseClaim(ctx context.Context, id int64, token string, retryCount int, now time.Time) (bool, error)

	// MarkFailed finalizes a claimed reminder as permanently failed.
	MarkFailed(ctx context.Context, id int64, token string, now time.Time) (bool, error)

	// Transition persists r's mutable fields iff the stored state equals
	// from. This is the foreground path (snooze, acknowledge).
	Transition(ctx context.Context, r *Reminder, from State) (bool, error)

	// ReleaseStaleClaims returns claims older than olderThan to pending.
	// Recovers reminders orphaned by a crash between claim and fire.
	ReleaseStaleClaims(ctx context.Context, olderThan time.Time) (int, error)
}

// Deliverer sends a fired reminder to the user. Implementations live at the
// transport boundary; the core only sees success or failure within the
// configured timeout.
type Deliverer interface {
	Deliver(ctx context.Context, r Reminder) error
}

// UserPreferences resolves scheduling preferences for a user.
type UserPreferences interface {
	TimeZone(ctx context.Context, chatID int64) (string, error)
	DefaultPolicy(ctx context.Context, chatID int64) (Policy, error)
}

// FailureReporter escalates a permanently failed delivery to an operator
// channel. Optional.
type FailureReporter interface {
	DeliveryFailed(r Reminder, err error)
}

// Config bounds retry and snooze behavior.
type Config struct {
	MaxSnoozes     int           // snoozes per reminder before forced completion
	RetryMax       int           // transient delivery retries before failed
	DeliverTimeout time.Duration // per delivery attempt
	SweepBatch     int           // max reminders claimed per sweep
	ClaimTTL       time.Duration // claims older than this are considered orphaned
}

func (c Config) withDefaults() Config {
	if c.MaxSnoozes <= 0 {
		c.MaxSnoozes = 2
	}
	if c.RetryMax <= 0 {
		c.RetryMax = 3
	}
	if c.DeliverTimeout <= 0 {
		c.DeliverTimeout = 10 * time.Second
	}
	if c.SweepBatch <= 0 {
		c.SweepBatch = 100
	}
	if c.ClaimTTL <= 0 {
		c.ClaimTTL = 5 * time.Minute
	}
	return c
}

// Service is the reminder scheduling engine.
type Service struct {
	cfg      Config
	store    Store
	deliver  Deliverer
	prefs    UserPreferences
	limiter  *ratelimit.Limiter
	clk      clock.Clock
	log      logx.Logger
	reporter FailureReporter
}

func New(cfg Config, store Store, d Deliverer, prefs UserPreferences, lim *ratelimit.Limiter, clk clock.Clock, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if clk == nil {
		clk = clock.System{}
	}
	return &Service{
		cfg:     cfg.withDefaults(),
		store:   store,
		deliver: d,
		prefs:   prefs,
		limiter: lim,
		clk:     clk,
		log:     log,
	}
}

// SetFailureReporter installs the operator escalation hook.
func (s *Service) SetFailureReporter(r FailureReporter) { s.reporter = r }

// OnLinkSaved admits the save against the link-save budget, computes the due
// instant for the user's zone and policy, and persists a pending reminder.
func (s *Service) OnLinkSaved(ctx context.Context, chatID, linkID int64, url string, savedAt time.Time, policy Policy) (*Reminder, error) {
	if s.limiter != nil && !s.limiter.Admit(chatID, ratelimit.CategoryLinkSave, savedAt) {
		return nil, fmt.Errorf("link save for chat %d: %w", chatID, ErrRateLimited)
	}

	if policy == "" {
		p, err := s.prefs.DefaultPolicy(ctx, chatID)
		if err != nil {
			return nil, fmt.Errorf("default policy: %w", err)
		}
		policy = p
	}
	tz, err := s.prefs.TimeZone(ctx, chatID)
	if err != nil {
		return nil, fmt.Errorf("user timezone: %w", err)
	}
	due, err := DueAt(savedAt, tz, policy, false)
	if err != nil {
		return nil, err
	}

	r := &Reminder{
		LinkID:    linkID,
		ChatID:    chatID,
		URL:       url,
		State:     StatePending,
		DueAt:     due,
		CreatedAt: savedAt,
		UpdatedAt: savedAt,
	}
	if err := s.store.CreateReminder(ctx, r); err != nil {
		return nil, fmt.Errorf("create reminder: %w", err)
	}
	s.log.Debug("reminder created",
		logx.Int64("reminder", r.ID),
		logx.Int64("chat_id", chatID),
		logx.String("policy", string(policy)),
		logx.Time("due_at", due))
	return r, nil
}

// Reschedule moves a fired-or-pending reminder to a new policy-derived due
// time (the inline Tomorrow / In 2 days / In 3 days choices).
func (s *Service) Reschedule(ctx context.Context, reminderID int64, policy Policy, now time.Time) (*Reminder, error) {
	r, err := s.store.GetReminder(ctx, reminderID)
	if err != nil {
		return nil, err
	}
	if r.State.Terminal() || r.State == StateClaimed {
		return nil, fmt.Errorf("reminder %d in state %s: %w", r.ID, r.State, ErrNotActionable)
	}
	tz, err := s.prefs.TimeZone(ctx, r.ChatID)
	if err != nil {
		return nil, fmt.Errorf("user timezone: %w", err)
	}
	due, err := DueAt(now, tz, policy, false)
	if err != nil {
		return nil, err
	}

	from := r.State
	r.State = StatePending
	r.DueAt = due
	r.UpdatedAt = now
	ok, err := s.store.Transition(ctx, r, from)
	if err != nil {
		return nil, fmt.Errorf("reschedule reminder %d: %w", r.ID, err)
	}
	if !ok {
		return nil, fmt.Errorf("reminder %d moved concurrently: %w", r.ID, ErrNotActionable)
	}
	return r, nil
}

// OnSnoozeRequested defers a fired reminder to tomorrow 09:00 local,
// relative to now. Past the snooze budget the reminder is force-completed
// and ErrSnoozeBudgetExhausted is returned.
func (s *Service) OnSnoozeRequested(ctx context.Context, reminderID int64, now time.Time) (*Reminder, error) {
	r, err := s.store.GetReminder(ctx, reminderID)
	if err != nil {
		return nil, err
	}
	if r.State != StateFired {
		return nil, fmt.Errorf("reminder %d in state %s: %w", r.ID, r.State, ErrNotActionable)
	}

	if r.SnoozeCount >= s.cfg.MaxSnoozes {
		r.State = StateCompleted
		r.UpdatedAt = now
		if _, err := s.store.Transition(ctx, r, StateFired); err != nil {
			return nil, fmt.Errorf("force-complete reminder %d: %w", r.ID, err)
		}
		s.log.Info("snooze budget exhausted, reminder completed",
			logx.Int64("reminder", r.ID), logx.Int("snoozes", r.SnoozeCount))
		return r, ErrSnoozeBudgetExhausted
	}

	tz, err := s.prefs.TimeZone(ctx, r.ChatID)
	if err != nil {
		return nil, fmt.Errorf("user timezone: %w", err)
	}
	due, err := SnoozeDueAt(now, tz, false)
	if err != nil {
		return nil, err
	}

	r.State = StatePending
	r.DueAt = due
	r.SnoozeCount++
	r.RetryCount = 0
	r.UpdatedAt = now
	ok, err := s.store.Transition(ctx, r, StateFired)
	if err != nil {
		return nil, fmt.Errorf("snooze reminder %d: %w", r.ID, err)
	}
	if !ok {
		return nil, fmt.Errorf("reminder %d moved concurrently: %w", r.ID, ErrNotActionable)
	}
	s.log.Debug("reminder snoozed",
		logx.Int64("reminder", r.ID),
		logx.Int("snoozes", r.SnoozeCount),
		logx.Time("due_at", due))
	return r, nil
}

// OnAcknowledge completes a reminder and returns it. Acknowledging one that
// already reached a terminal state is a no-op.
func (s *Service) OnAcknowledge(ctx context.Context, reminderID int64) (*Reminder, error) {
	r, err := s.store.GetReminder(ctx, reminderID)
	if err != nil {
		return nil, err
	}
	if r.State.Terminal() {
		return r, nil
	}
	if r.State == StateClaimed {
		// A sweep worker owns it right now; the user's ack wins on the next
		// attempt because the transition below will miss.
		return nil, fmt.Errorf("reminder %d is being delivered: %w", r.ID, ErrNotActionable)
	}

	from := r.State
	r.State = StateCompleted
	r.UpdatedAt = s.clk.Now()
	if _, err := s.store.Transition(ctx, r, from); err != nil {
		return nil, fmt.Errorf("acknowledge reminder %d: %w", r.ID, err)
	}
	return r, nil
}

/// RunSweep performs one scheduling cycle: recover orphaned claims, find due
// pending reminders, claim each, deliver, and persist the outcome.
//
// Store errors abort the cycle (the next interval retries); delivery errors
// are per-reminder and never abort the sweep.
func (s *Service) RunSweep(ctx context.Context, now time.Time) ([]DeliveryResult, error) {
	if n, err := s.store.ReleaseStaleClaims(ctx, now.Add(-s.cfg.ClaimTTL)); err != nil {
		return nil, fmt.Errorf("release stale claims: %w", err)
	} else if n > 0 {
		s.log.Warn("recovered orphaned claims", logx.Int("count", n))
	}

	due, err := s.store.FindDuePending(ctx, now, s.cfg.SweepBatch)
	if err != nil {
		return nil, fmt.Errorf("find due reminders: %w", err)
	}

	var results []DeliveryResult
	for _, r := range due {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		res, err := s.fireOne(ctx, r, now)
		if err != nil {
			return results, err
		}
		if res != nil {
			results = append(results, *res)
		}
	}
	return results, nil
}

// fireOne claims a single reminder and attempts delivery. A nil result with
// nil error means the claim missed (acknowledged or deleted meanwhile).
func (s *Service) fireOne(ctx context.Context, r Reminder, now time.Time) (*DeliveryResult, error) {
	token := uuid.NewString()
	ok, err := s.store.TryClaim(ctx, r.ID, StatePending, token, now)
	if err != nil {
		return nil, fmt.Errorf("claim reminder %d: %w", r.ID, err)
	}
	if !ok {
		// Safe miss: completed, deleted, or claimed by another sweep.
		s.log.Debug("claim missed", logx.Int64("reminder", r.ID))
		return nil, nil
	}

	dctx, cancel := context.WithTimeout(ctx, s.cfg.DeliverTimeout)
	derr := s.deliver.Deliver(dctx, r)
	cancel()

	if derr == nil {
		if _, err := s.store.MarkFired(ctx, r.ID, token, now); err != nil {
			return nil, fmt.Errorf("mark fired %d: %w", r.ID, err)
		}
		return &DeliveryResult{ReminderID: r.ID, ChatID: r.ChatID, Delivered: true, State: StateFired}, nil
	}

	retry := r.RetryCount + 1
	if retry > s.cfg.RetryMax {
		if _, err := s.store.MarkFailed(ctx, r.ID, token, now); err != nil {
			return nil, fmt.Errorf("mark failed %d: %w", r.ID, err)
		}
		s.log.Error("reminder delivery failed permanently",
			logx.Int64("reminder", r.ID),
			logx.Int64("chat_id", r.ChatID),
			logx.Int("attempts", retry),
			logx.Err(derr))
		if s.reporter != nil {
			s.reporter.DeliveryFailed(r, derr)
		}
		return &DeliveryResult{ReminderID: r.ID, ChatID: r.ChatID, State: StateFailed, Err: derr}, nil
	}

	if _, err := s.store.ReleaseClaim(ctx, r.ID, token, retry, now); err != nil {
		return nil, fmt.Errorf("release claim %d: %w", r.ID, err)
	}
	s.log.Warn("reminder delivery failed, will retry next sweep",
		logx.Int64("reminder", r.ID),
		logx.Int("attempt", retry),
		logx.Err(derr))
	return &DeliveryResult{ReminderID: r.ID, ChatID: r.ChatID, State: StatePending, Err: derr}, nil
}

// ActiveReminderForLink returns the non-terminal reminder for a link, or
// ErrNotFound.
func (s *Service) ActiveReminderForLink(ctx context.Context, linkID int64) (*Reminder, error) {
	r, err := s.store.GetReminderByLink(ctx, linkID)
	if err != nil {
		return nil, err
	}
	if r.State.Terminal() {
		return nil, fmt.Errorf("link %d: %w", linkID, ErrNotFound)
	}
	return r, nil
}

// IsRateLimited is a convenience for callers that only need the boolean.
func IsRateLimited(err error) bool { return errors.Is(err, ErrRateLimited) }
