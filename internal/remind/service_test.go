package remind

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"readmark/internal/clock"
	"readmark/internal/ratelimit"
	logx "readmark/pkg/logx"
)

// fakeStore is an in-memory Store with the same conditional-update
// semantics as the sqlite implementation.
type fakeStore struct {
	mu        sync.Mutex
	nextID    int64
	reminders map[int64]*Reminder
	failAll   error // when set, every call fails (store outage)
}

func newFakeStore() *fakeStore {
	return &fakeStore{reminders: map[int64]*Reminder{}}
}

func (f *fakeStore) CreateReminder(ctx context.Context, r *Reminder) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll != nil {
		return f.failAll
	}
	f.nextID++
	r.ID = f.nextID
	cp := *r
	f.reminders[r.ID] = &cp
	return nil
}

func (f *fakeStore) GetReminder(ctx context.Context, id int64) (*Reminder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll != nil {
		return nil, f.failAll
	}
	r, ok := f.reminders[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (f *fakeStore) GetReminderByLink(ctx context.Context, linkID int64) (*Reminder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.reminders {
		if r.LinkID == linkID {
			cp := *r
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (f *fakeStore) FindDuePending(ctx context.Context, now time.Time, limit int) ([]Reminder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll != nil {
		return nil, f.failAll
	}
	var res []Reminder
	for _, r := range f.reminders {
		if r.State == StatePending && !r.DueAt.After(now) {
			res = append(res, *r)
			if len(res) >= limit {
				break
			}
		}
	}
	return res, nil
}

func (f *fakeStore) TryClaim(ctx context.Context, id int64, expected State, token string, now time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll != nil {
		return false, f.failAll
	}
	r, ok := f.reminders[id]
	if !ok || r.State != expected {
		return false, nil
	}
	r.State = StateClaimed
	r.ClaimToken = token
	r.UpdatedAt = now
	return true, nil
}

func (f *fakeStore) resolve(id int64, token string, to State, retry int, now time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll != nil {
		return false, f.failAll
	}
	r, ok := f.reminders[id]
	if !ok || r.State != StateClaimed || r.ClaimToken != token {
		return false, nil
	}
	r.State = to
	r.ClaimToken = ""
	if retry >= 0 {
		r.RetryCount = retry
	}
	r.UpdatedAt = now
	return true, nil
}

func (f *fakeStore) MarkFired(ctx context.Context, id int64, token string, now time.Time) (bool, error) {
	return f.resolve(id, token, StateFired, -1, now)
}

func (f *fakeStore) MarkFailed(ctx context.Context, id int64, token string, now time.Time) (bool, error) {
	return f.resolve(id, token, StateFailed, -1, now)
}

func (f *fakeStore) ReleaseClaim(ctx context.Context, id int64, token string, retryCount int, now time.Time) (bool, error) {
	return f.resolve(id, token, StatePending, retryCount, now)
}

func (f *fakeStore) Transition(ctx context.Context, r *Reminder, from State) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll != nil {
		return false, f.failAll
	}
	cur, ok := f.reminders[r.ID]
	if !ok || cur.State != from {
		return false, nil
	}
	cp := *r
	f.reminders[r.ID] = &cp
	return true, nil
}

func (f *fakeStore) ReleaseStaleClaims(ctx context.Context, olderThan time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll != nil {
		return 0, f.failAll
	}
	var n int
	for _, r := range f.reminders {
		if r.State == StateClaimed && r.UpdatedAt.Before(olderThan) {
			r.State = StatePending
			r.ClaimToken = ""
			n++
		}
	}
	return n, nil
}

type fakeDeliverer struct {
	mu   sync.Mutex
	sent []int64
	fail error
}

func (d *fakeDeliverer) Deliver(ctx context.Context, r Reminder) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail != nil {
		return d.fail
	}
	d.sent = append(d.sent, r.ID)
	return nil
}

func (d *fakeDeliverer) deliveries() []int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]int64(nil), d.sent...)
}

type fakePrefs struct {
	tz     string
	policy Policy
}

func (p fakePrefs) TimeZone(ctx context.Context, chatID int64) (string, error) {
	if p.tz == "" {
		return "UTC", nil
	}
	return p.tz, nil
}

func (p fakePrefs) DefaultPolicy(ctx context.Context, chatID int64) (Policy, error) {
	if p.policy == "" {
		return PolicyDefault, nil
	}
	return p.policy, nil
}

type recordingReporter struct {
	mu     sync.Mutex
	failed []int64
}

func (r *recordingReporter) DeliveryFailed(rem Reminder, err error) {
	r.mu.Lock()
	r.failed = append(r.failed, rem.ID)
	r.mu.Unlock()
}

var testStart = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newTestService(t *testing.T, cfg Config, st Store, d Deliverer, prefs UserPreferences) (*Service, *clock.Fake) {
	t.Helper()
	fc := clock.NewFake(testStart)
	lim := ratelimit.New(ratelimit.Config{LinkSave: ratelimit.Rule{Limit: 5, Window: time.Minute}})
	return New(cfg, st, d, prefs, lim, fc, logx.Nop()), fc
}

func TestOnLinkSavedCreatesPendingReminder(t *testing.T) {
	t.Parallel()
	st := newFakeStore()
	svc, _ := newTestService(t, Config{}, st, &fakeDeliverer{}, fakePrefs{tz: "Europe/Berlin"})

	r, err := svc.OnLinkSaved(context.Background(), 42, 1, "https://example.com", testStart, "")
	if err != nil {
		t.Fatalf("OnLinkSaved error: %v", err)
	}
	if r.State != StatePending {
		t.Fatalf("state = %s, want pending", r.State)
	}
	loc, _ := time.LoadLocation("Europe/Berlin")
	local := r.DueAt.In(loc)
	if local.Hour() != 9 || local.Day() != 2 {
		t.Fatalf("due = %v local, want May 2 09:00", local)
	}
}

func TestOnLinkSavedRateLimited(t *testing.T) {
	t.Parallel()
	st := newFakeStore()
	svc, _ := newTestService(t, Config{}, st, &fakeDeliverer{}, fakePrefs{})

	ctx := context.Background()
	for i := int64(0); i < 5; i++ {
		if _, err := svc.OnLinkSaved(ctx, 42, i+1, "https://example.com", testStart, ""); err != nil {
			t.Fatalf("save %d error: %v", i+1, err)
		}
	}
	_, err := svc.OnLinkSaved(ctx, 42, 6, "https://example.com", testStart.Add(10*time.Second), "")
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("6th save err = %v, want ErrRateLimited", err)
	}
	// A different user is unaffected.
	if _, err := svc.OnLinkSaved(ctx, 43, 7, "https://example.com", testStart.Add(10*time.Second), ""); err != nil {
		t.Fatalf("other user save error: %v", err)
	}
}

func TestOnLinkSavedInvalidTimezone(t *testing.T) {
	t.Parallel()
	st := newFakeStore()
	svc, _ := newTestService(t, Config{}, st, &fakeDeliverer{}, fakePrefs{tz: "Nope/Nowhere"})

	_, err := svc.OnLinkSaved(context.Background(), 42, 1, "https://example.com", testStart, "")
	if !errors.Is(err, clock.ErrInvalidTimezone) {
		t.Fatalf("err = %v, want ErrInvalidTimezone", err)
	}
}

func TestSweepDeliversExactlyOnce(t *testing.T) {
	t.Parallel()
	st := newFakeStore()
	d := &fakeDeliverer{}
	svc, fc := newTestService(t, Config{}, st, d, fakePrefs{})
	ctx := context.Background()

	r, err := svc.OnLinkSaved(ctx, 42, 1, "https://example.com", testStart, "")
	if err != nil {
		t.Fatalf("OnLinkSaved error: %v", err)
	}

	// Before due: sweep does nothing.
	results, err := svc.RunSweep(ctx, fc.Now())
	if err != nil || len(results) != 0 {
		t.Fatalf("early sweep = %v, %v", results, err)
	}

	fc.Set(r.DueAt.Add(time.Second))
	results, err = svc.RunSweep(ctx, fc.Now())
	if err != nil {
		t.Fatalf("sweep error: %v", err)
	}
	if len(results) != 1 || !results[0].Delivered || results[0].State != StateFired {
		t.Fatalf("results = %+v", results)
	}

	// Second sweep must not redeliver the fired reminder.
	results, err = svc.RunSweep(ctx, fc.Now().Add(time.Minute))
	if err != nil || len(results) != 0 {
		t.Fatalf("second sweep = %v, %v", results, err)
	}
	if got := d.deliveries(); len(got) != 1 {
		t.Fatalf("deliveries = %v, want exactly one", got)
	}
}

func TestSweepRetriesThenFails(t *testing.T) {
	t.Parallel()
	st := newFakeStore()
	d := &fakeDeliverer{fail: errors.New("telegram down")}
	rep := &recordingReporter{}
	svc, fc := newTestService(t, Config{RetryMax: 2}, st, d, fakePrefs{})
	svc.SetFailureReporter(rep)
	ctx := context.Background()

	r, err := svc.OnLinkSaved(ctx, 42, 1, "https://example.com", testStart, "")
	if err != nil {
		t.Fatalf("OnLinkSaved error: %v", err)
	}
	fc.Set(r.DueAt.Add(time.Second))

	// Attempts 1 and 2 are transient: reminder returns to pending.
	for i := 1; i <= 2; i++ {
		results, err := svc.RunSweep(ctx, fc.Now())
		if err != nil {
			t.Fatalf("sweep %d error: %v", i, err)
		}
		if len(results) != 1 || results[0].State != StatePending || results[0].Err == nil {
			t.Fatalf("sweep %d results = %+v", i, results)
		}
		got, _ := st.GetReminder(ctx, r.ID)
		if got.RetryCount != i {
			t.Fatalf("retry count after sweep %d = %d", i, got.RetryCount)
		}
		fc.Advance(time.Minute)
	}

	// Third attempt exhausts the budget: terminal failed + escalation.
	results, err := svc.RunSweep(ctx, fc.Now())
	if err != nil {
		t.Fatalf("final sweep error: %v", err)
	}
	if len(results) != 1 || results[0].State != StateFailed {
		t.Fatalf("final results = %+v", results)
	}
	got, _ := st.GetReminder(ctx, r.ID)
	if got.State != StateFailed {
		t.Fatalf("state = %s, want failed", got.State)
	}
	if len(rep.failed) != 1 || rep.failed[0] != r.ID {
		t.Fatalf("reporter calls = %v", rep.failed)
	}

	// Terminal reminders are never swept again.
	if results, err := svc.RunSweep(ctx, fc.Now().Add(time.Hour)); err != nil || len(results) != 0 {
		t.Fatalf("post-failure sweep = %v, %v", results, err)
	}
}

func TestSweepAbortsOnStoreOutage(t *testing.T) {
	t.Parallel()
	st := newFakeStore()
	svc, fc := newTestService(t, Config{}, st, &fakeDeliverer{}, fakePrefs{})

	st.failAll = errors.New("db locked")
	if _, err := svc.RunSweep(context.Background(), fc.Now()); err == nil {
		t.Fatal("sweep succeeded during store outage")
	}
}

func TestSnoozeFlow(t *testing.T) {
	t.Parallel()
	st := newFakeStore()
	d := &fakeDeliverer{}
	svc, fc := newTestService(t, Config{MaxSnoozes: 2}, st, d, fakePrefs{tz: "America/New_York"})
	ctx := context.Background()

	r, err := svc.OnLinkSaved(ctx, 42, 1, "https://example.com", testStart, "")
	if err != nil {
		t.Fatalf("OnLinkSaved error: %v", err)
	}

	fireAndSnooze := func(wantCount int) *Reminder {
		t.Helper()
		got, _ := st.GetReminder(ctx, r.ID)
		fc.Set(got.DueAt.Add(time.Second))
		if _, err := svc.RunSweep(ctx, fc.Now()); err != nil {
			t.Fatalf("sweep error: %v", err)
		}
		snoozed, err := svc.OnSnoozeRequested(ctx, r.ID, fc.Now())
		if err != nil {
			t.Fatalf("snooze error: %v", err)
		}
		if snoozed.SnoozeCount != wantCount {
			t.Fatalf("snooze count = %d, want %d", snoozed.SnoozeCount, wantCount)
		}
		if !snoozed.DueAt.After(fc.Now()) {
			t.Fatal("snooze due not strictly after fire instant")
		}
		return snoozed
	}

	fireAndSnooze(1)
	fireAndSnooze(2)

	// Third snooze exceeds the budget: forced completion.
	got, _ := st.GetReminder(ctx, r.ID)
	fc.Set(got.DueAt.Add(time.Second))
	if _, err := svc.RunSweep(ctx, fc.Now()); err != nil {
		t.Fatalf("sweep error: %v", err)
	}
	_, err = svc.OnSnoozeRequested(ctx, r.ID, fc.Now())
	if !errors.Is(err, ErrSnoozeBudgetExhausted) {
		t.Fatalf("third snooze err = %v, want ErrSnoozeBudgetExhausted", err)
	}
	final, _ := st.GetReminder(ctx, r.ID)
	if final.State != StateCompleted {
		t.Fatalf("state = %s, want completed", final.State)
	}
	if final.SnoozeCount != 2 {
		t.Fatalf("snooze count = %d, want cap 2", final.SnoozeCount)
	}
}

func TestSnoozeTargetsNextDayNineLocal(t *testing.T) {
	t.Parallel()
	st := newFakeStore()
	svc, fc := newTestService(t, Config{}, st, &fakeDeliverer{}, fakePrefs{tz: "Europe/Berlin"})
	ctx := context.Background()

	r, err := svc.OnLinkSaved(ctx, 42, 1, "https://example.com", testStart, "")
	if err != nil {
		t.Fatalf("OnLinkSaved error: %v", err)
	}
	fc.Set(r.DueAt.Add(3 * time.Hour)) // user snoozes well after the fire
	if _, err := svc.RunSweep(ctx, fc.Now()); err != nil {
		t.Fatalf("sweep error: %v", err)
	}
	snoozed, err := svc.OnSnoozeRequested(ctx, r.ID, fc.Now())
	if err != nil {
		t.Fatalf("snooze error: %v", err)
	}
	loc, _ := time.LoadLocation("Europe/Berlin")
	local := snoozed.DueAt.In(loc)
	wantDay := fc.Now().In(loc).Day() + 1
	if local.Hour() != 9 || local.Day() != wantDay {
		t.Fatalf("snooze due = %v local, want day %d at 09:00", local, wantDay)
	}
}

func TestAcknowledge(t *testing.T) {
	t.Parallel()
	st := newFakeStore()
	svc, fc := newTestService(t, Config{}, st, &fakeDeliverer{}, fakePrefs{})
	ctx := context.Background()

	r, err := svc.OnLinkSaved(ctx, 42, 1, "https://example.com", testStart, "")
	if err != nil {
		t.Fatalf("OnLinkSaved error: %v", err)
	}

	// Acknowledge before the sweep claims it: reminder completes and the
	// later claim is a safe miss.
	acked, err := svc.OnAcknowledge(ctx, r.ID)
	if err != nil {
		t.Fatalf("acknowledge error: %v", err)
	}
	if acked.State != StateCompleted || acked.LinkID != r.LinkID {
		t.Fatalf("acked = %+v", acked)
	}
	got, _ := st.GetReminder(ctx, r.ID)
	if got.State != StateCompleted {
		t.Fatalf("state = %s, want completed", got.State)
	}

	fc.Set(r.DueAt.Add(time.Second))
	results, err := svc.RunSweep(ctx, fc.Now())
	if err != nil || len(results) != 0 {
		t.Fatalf("sweep after ack = %v, %v", results, err)
	}

	// Ack is idempotent.
	if _, err := svc.OnAcknowledge(ctx, r.ID); err != nil {
		t.Fatalf("repeat acknowledge error: %v", err)
	}
	if _, err := svc.OnAcknowledge(ctx, 999); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing reminder ack err = %v", err)
	}
}

func TestRescheduleWithPolicy(t *testing.T) {
	t.Parallel()
	st := newFakeStore()
	svc, fc := newTestService(t, Config{}, st, &fakeDeliverer{}, fakePrefs{})
	ctx := context.Background()

	r, err := svc.OnLinkSaved(ctx, 42, 1, "https://example.com", testStart, "")
	if err != nil {
		t.Fatalf("OnLinkSaved error: %v", err)
	}
	moved, err := svc.Reschedule(ctx, r.ID, PolicyIn3Days, fc.Now())
	if err != nil {
		t.Fatalf("Reschedule error: %v", err)
	}
	want := time.Date(2024, 5, 4, 9, 0, 0, 0, time.UTC)
	if !moved.DueAt.Equal(want) {
		t.Fatalf("due = %v, want %v", moved.DueAt, want)
	}
}

func TestRecoversOrphanedClaims(t *testing.T) {
	t.Parallel()
	st := newFakeStore()
	d := &fakeDeliverer{}
	svc, fc := newTestService(t, Config{ClaimTTL: 5 * time.Minute}, st, d, fakePrefs{})
	ctx := context.Background()

	r, err := svc.OnLinkSaved(ctx, 42, 1, "https://example.com", testStart, "")
	if err != nil {
		t.Fatalf("OnLinkSaved error: %v", err)
	}
	// Simulate a crash mid-delivery: claimed and never resolved.
	fc.Set(r.DueAt.Add(time.Second))
	if ok, _ := st.TryClaim(ctx, r.ID, StatePending, "dead-token", fc.Now()); !ok {
		t.Fatal("setup claim failed")
	}

	// Within the TTL the claim is honored.
	if results, err := svc.RunSweep(ctx, fc.Now().Add(time.Minute)); err != nil || len(results) != 0 {
		t.Fatalf("sweep within TTL = %v, %v", results, err)
	}
	// Past the TTL the orphan is recovered and delivered.
	results, err := svc.RunSweep(ctx, fc.Now().Add(10*time.Minute))
	if err != nil {
		t.Fatalf("sweep error: %v", err)
	}
	if len(results) != 1 || !results[0].Delivered {
		t.Fatalf("results = %+v", results)
	}
}
