package remind

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"readmark/internal/clock"
	"readmark/internal/ratelimit"
	logx "readmark/pkg/logx"
)

// cronParser accepts both 5-field and 6-field (with seconds) specs plus
// descriptors like @hourly and @every.
var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Schedule is a parsed sweep trigger: either a cron expression or a fixed
// interval.
type Schedule struct {
	cron  cron.Schedule
	every time.Duration
	src   string
}

// ParseSchedule parses a schedule string.
//
// Supported forms:
//   - Cron: "*/1 * * * *", "@hourly", "@every 30s"
//   - Go duration: "30s", "2m30s"
//
// Optional "cron:" and "every:" prefixes force one interpretation.
func ParseSchedule(raw string) (Schedule, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Schedule{}, fmt.Errorf("schedule required")
	}

	low := strings.ToLower(s)
	switch {
	case strings.HasPrefix(low, "cron:"):
		expr := strings.TrimSpace(s[len("cron:"):])
		return parseCron(expr, raw)
	case strings.HasPrefix(low, "every:"):
		v := strings.TrimSpace(s[len("every:"):])
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return Schedule{}, fmt.Errorf("invalid interval %q (use a Go duration like '30s')", raw)
		}
		return Schedule{every: d, src: "duration"}, nil
	}

	// Heuristic: whitespace or a leading '@' means cron.
	if strings.ContainsAny(s, " \t") || strings.HasPrefix(s, "@") {
		return parseCron(s, raw)
	}
	if d, err := time.ParseDuration(s); err == nil {
		if d <= 0 {
			return Schedule{}, fmt.Errorf("interval must be > 0")
		}
		return Schedule{every: d, src: "duration"}, nil
	}
	return Schedule{}, fmt.Errorf("invalid schedule %q (use cron like '*/1 * * * *' or a duration like '30s')", raw)
}

func parseCron(expr, raw string) (Schedule, error) {
	if expr == "" {
		return Schedule{}, fmt.Errorf("cron schedule required in %q", raw)
	}
	cs, err := cronParser.Parse(expr)
	if err != nil {
		return Schedule{}, fmt.Errorf("invalid cron schedule %q: %w", raw, err)
	}
	return Schedule{cron: cs, src: "cron"}, nil
}

// Next returns the first trigger instant strictly after now.
func (s Schedule) Next(now time.Time) time.Time {
	if s.cron != nil {
		return s.cron.Next(now)
	}
	return now.Add(s.every)
}

func (s Schedule) String() string { return s.src }

// SweeperConfig configures the periodic sweep loop.
type SweeperConfig struct {
	Schedule      string        // cron or duration, default "30s"
	EvictInterval time.Duration // limiter window GC cadence
}

func (c SweeperConfig) withDefaults() SweeperConfig {
	if strings.TrimSpace(c.Schedule) == "" {
		c.Schedule = "30s"
	}
	if c.EvictInterval <= 0 {
		c.EvictInterval = 5 * time.Minute
	}
	return c
}

// Sweeper runs RunSweep on a schedule and periodically evicts idle
// rate-limit windows. One instance per process; claim tokens keep delivery
// exactly-once even if a second instance races.
type Sweeper struct {
	cfg     SweeperConfig
	svc     *Service
	limiter *ratelimit.Limiter
	clk     clock.Clock
	log     logx.Logger
	sched   Schedule
}

func NewSweeper(cfg SweeperConfig, svc *Service, lim *ratelimit.Limiter, clk clock.Clock, log logx.Logger) (*Sweeper, error) {
	cfg = cfg.withDefaults()
	sched, err := ParseSchedule(cfg.Schedule)
	if err != nil {
		return nil, fmt.Errorf("sweep schedule: %w", err)
	}
	if clk == nil {
		clk = clock.System{}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Sweeper{cfg: cfg, svc: svc, limiter: lim, clk: clk, log: log, sched: sched}, nil
}

// Run blocks until ctx is canceled. Each tick performs one sweep; sweep
// errors are logged and the loop keeps going.
func (w *Sweeper) Run(ctx context.Context) error {
	w.log.Info("sweeper started",
		logx.String("schedule", w.cfg.Schedule),
		logx.String("kind", w.sched.String()))

	lastEvict := w.clk.Now()
	timer := time.NewTimer(w.untilNext())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			w.log.Info("sweeper stopped")
			return ctx.Err()
		case <-timer.C:
		}

		now := w.clk.Now()
		results, err := w.svc.RunSweep(ctx, now)
		switch {
		case err != nil && ctx.Err() != nil:
			return ctx.Err()
		case err != nil:
			w.log.Error("sweep cycle failed", logx.Err(err))
		case len(results) > 0:
			fired, failed := 0, 0
			for _, res := range results {
				switch res.State {
				case StateFired:
					fired++
				case StateFailed:
					failed++
				}
			}
			w.log.Info("sweep cycle",
				logx.Int("due", len(results)),
				logx.Int("fired", fired),
				logx.Int("failed", failed))
		}

		if w.limiter != nil && now.Sub(lastEvict) >= w.cfg.EvictInterval {
			if n := w.limiter.Evict(now); n > 0 {
				w.log.Debug("evicted idle rate windows", logx.Int("count", n))
			}
			lastEvict = now
		}

		timer.Reset(w.untilNext())
	}
}

func (w *Sweeper) untilNext() time.Duration {
	now := w.clk.Now()
	d := w.sched.Next(now).Sub(now)
	if d < 0 {
		d = 0
	}
	return d
}
