// Package supervisor manages named goroutines tied to a shared context:
// panic recovery, optional cancel-on-first-error, and timeout-aware waiting
// on shutdown.
package supervisor

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"

	logx "readmark/pkg/logx"
)

type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc

	// Best-effort operational counters.
	started uint64
	active  int64

	log         logx.Logger
	cancelOnErr bool
	errOnce     sync.Once
	firstErr    atomic.Value // error
	wg          sync.WaitGroup
}

type Option func(*Supervisor)

func WithLogger(log logx.Logger) Option {
	return func(s *Supervisor) { s.log = log }
}

// WithCancelOnError cancels the supervisor context on the first non-nil
// error from any goroutine.
func WithCancelOnError(enabled bool) Option {
	return func(s *Supervisor) { s.cancelOnErr = enabled }
}

func New(parent context.Context, opts ...Option) *Supervisor {
	ctx, cancel := context.WithCancel(parent)
	s := &Supervisor{ctx: ctx, cancel: cancel}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Supervisor) Context() context.Context { return s.ctx }

// Cancel cancels the supervisor context without waiting for goroutines.
func (s *Supervisor) Cancel() { s.cancel() }

func (s *Supervisor) Err() error {
	if err, ok := s.firstErr.Load().(error); ok {
		return err
	}
	return nil
}

// Counters returns (active, started).
func (s *Supervisor) Counters() (int64, uint64) {
	return atomic.LoadInt64(&s.active), atomic.LoadUint64(&s.started)
}

// Go runs fn under the supervisor context. A panic is recovered and treated
// as an error; with cancel-on-error the first failure unwinds everything.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	s.wg.Add(1)
	atomic.AddUint64(&s.started, 1)
	atomic.AddInt64(&s.active, 1)

	go func() {
		defer s.wg.Done()
		defer atomic.AddInt64(&s.active, -1)

		err := func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("panic in %s: %v", name, r)
					if !s.log.IsZero() {
						s.log.Error("goroutine panic",
							logx.String("name", name),
							logx.Any("panic", r),
							logx.String("stack", string(debug.Stack())))
					}
				}
			}()
			return fn(s.ctx)
		}()

		if err != nil && s.ctx.Err() == nil {
			s.errOnce.Do(func() { s.firstErr.Store(err) })
			if !s.log.IsZero() {
				s.log.Error("goroutine failed", logx.String("name", name), logx.Err(err))
			}
			if s.cancelOnErr {
				s.cancel()
			}
		}
	}()
}

// Go0 is Go for functions that cannot fail.
func (s *Supervisor) Go0(name string, fn func(ctx context.Context)) {
	s.Go(name, func(ctx context.Context) error {
		fn(ctx)
		return nil
	})
}

// Wait blocks until all goroutines exit or ctx is done.
func (s *Supervisor) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
