// Package ratelimit implements per-user sliding-window admission control.
//
// Each (user, category) pair keeps its own window of recent event
// timestamps. Stale entries are pruned before counting, never after, so the
// represented count is always consistent with the configured window length
// at query time.
package ratelimit

import (
	"hash/fnv"
	"strconv"
	"sync"
	"time"
)

// Category partitions rate-limit budgets. A chatty user burns the message
// budget without touching the (tighter) link-save budget.
type Category string

const (
	CategoryMessage  Category = "message"
	CategoryLinkSave Category = "link_save"
)

// Rule is the budget for one category: at most Limit events per Window.
type Rule struct {
	Limit  int
	Window time.Duration
}

// Config holds per-category rules. Zero-valued rules fall back to defaults.
type Config struct {
	Message  Rule
	LinkSave Rule
}

func (c Config) withDefaults() Config {
	if c.Message.Limit <= 0 {
		c.Message.Limit = 10
	}
	if c.Message.Window <= 0 {
		c.Message.Window = time.Minute
	}
	if c.LinkSave.Limit <= 0 {
		c.LinkSave.Limit = 5
	}
	if c.LinkSave.Window <= 0 {
		c.LinkSave.Window = time.Minute
	}
	return c
}

const shardCount = 32

type window struct {
	events []time.Time
}

type shard struct {
	mu      sync.Mutex
	windows map[string]*window
}

// Limiter tracks sliding windows keyed by (user, category).
//
// Keys are sharded so concurrent admits for different users do not contend
// on a single lock. Admit never blocks on anything but its own shard.
type Limiter struct {
	cfg    Config
	shards [shardCount]*shard
}

func New(cfg Config) *Limiter {
	l := &Limiter{cfg: cfg.withDefaults()}
	for i := range l.shards {
		l.shards[i] = &shard{windows: map[string]*window{}}
	}
	return l
}

func (l *Limiter) rule(cat Category) Rule {
	switch cat {
	case CategoryLinkSave:
		return l.cfg.LinkSave
	default:
		return l.cfg.Message
	}
}

func key(userID int64, cat Category) string {
	return strconv.FormatInt(userID, 10) + ":" + string(cat)
}

func (l *Limiter) shardFor(k string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(k))
	return l.shards[h.Sum32()%shardCount]
}

// Admit reports whether the event is within budget and, if so, records it.
// The first event for an unseen (user, category) key is always admitted.
func (l *Limiter) Admit(userID int64, cat Category, now time.Time) bool {
	r := l.rule(cat)
	k := key(userID, cat)
	sh := l.shardFor(k)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	w := sh.windows[k]
	if w == nil {
		w = &window{}
		sh.windows[k] = w
	}
	w.prune(now, r.Window)
	if len(w.events) >= r.Limit {
		return false
	}
	w.events = append(w.events, now)
	return true
}

// Record counts an event against the window without an admission decision.
// Used for actions that already happened (e.g. an inline callback) but
// should still consume budget.
func (l *Limiter) Record(userID int64, cat Category, now time.Time) {
	r := l.rule(cat)
	k := key(userID, cat)
	sh := l.shardFor(k)

	sh.mu.Lock()
	w := sh.windows[k]
	if w == nil {
		w = &window{}
		sh.windows[k] = w
	}
	w.prune(now, r.Window)
	w.events = append(w.events, now)
	sh.mu.Unlock()
}

// Pending returns the current in-window count for a key. Observability only.
func (l *Limiter) Pending(userID int64, cat Category, now time.Time) int {
	r := l.rule(cat)
	k := key(userID, cat)
	sh := l.shardFor(k)

	sh.mu.Lock()
	defer sh.mu.Unlock()
	w := sh.windows[k]
	if w == nil {
		return 0
	}
	w.prune(now, r.Window)
	return len(w.events)
}

// Evict drops keys whose windows are fully stale so the map does not grow
// with every user ever seen. Call it periodically from a background loop.
// Returns the number of keys removed.
func (l *Limiter) Evict(now time.Time) int {
	maxWindow := l.cfg.Message.Window
	if l.cfg.LinkSave.Window > maxWindow {
		maxWindow = l.cfg.LinkSave.Window
	}
	var removed int
	for _, sh := range l.shards {
		sh.mu.Lock()
		for k, w := range sh.windows {
			w.prune(now, maxWindow)
			if len(w.events) == 0 {
				delete(sh.windows, k)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	return removed
}

// prune drops events outside [now-window, now]. Events are appended in
// order, so the retained suffix starts at the first in-window entry.
func (w *window) prune(now time.Time, win time.Duration) {
	cutoff := now.Add(-win)
	i := 0
	for i < len(w.events) && w.events[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		w.events = append(w.events[:0], w.events[i:]...)
	}
}
