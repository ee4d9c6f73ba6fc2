// internal/sampling/loop.go
package sampling

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"picoammeter-service/internal/model"
	"picoammeter-service/internal/session"
	"picoammeter-service/pkg/driver"
)

// Config describes one sampling run
type Config struct {
	Reader driver.Reader
	Buffer *session.Buffer
	Poll   model.PollConfig
	Clock  clockwork.Clock
	Logger *zap.Logger

	// OnSample is called after each append, in append order
	OnSample func(index int, s model.Sample)
	// OnSkip is called for a tick whose frame did not parse
	OnSkip func(tick int, err error)
	// OnHalt is called once if the loop stops itself on an error
	OnHalt func(err error)
}

// Stats counts what the loop has done so far
type Stats struct {
	Ticks    int64 `json:"ticks"`
	Appended int64 `json:"appended"`
	Skipped  int64 `json:"skipped"`
}

// Loop polls the instrument once per period and appends readings to the
// buffer. Tick k is stamped k·period seconds, whatever the wall clock says.
// Ticks never overlap: the next one is armed at tickStart+period only after
// the current read has returned.
type Loop struct {
	cfg           Config
	periodSeconds float64
	logger        *zap.Logger

	// mutex guards the active check together with the append
	mutex  sync.Mutex
	active atomic.Bool

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	err      error

	ticks    atomic.Int64
	appended atomic.Int64
	skipped  atomic.Int64
}

// Start begins polling; the first tick runs immediately. Reads use ctx, so
// cancelling it ends the loop as well as Stop does.
func Start(ctx context.Context, cfg Config) *Loop {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	l := &Loop{
		cfg:           cfg,
		periodSeconds: 1 / float64(cfg.Poll.Frequency),
		logger: cfg.Logger.With(
			zap.String("component", "sampling"),
			zap.Stringer("frequency", cfg.Poll.Frequency),
		),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	l.active.Store(true)

	l.logger.Info("Sampling started", zap.Duration("period", cfg.Poll.Period))
	go l.run(ctx)
	return l
}

// Stop ends the run. No sample is appended after Stop returns; a read in
// flight finishes but its result is dropped. It reports whether this call
// ended the run, false if it had already stopped or halted.
func (l *Loop) Stop() bool {
	l.mutex.Lock()
	wasActive := l.active.Swap(false)
	l.mutex.Unlock()

	l.stopOnce.Do(func() { close(l.stop) })
	return wasActive
}

// Active reports whether the loop still accepts samples
func (l *Loop) Active() bool {
	return l.active.Load()
}

// Done is closed when the loop goroutine has exited
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

// Err waits for the loop goroutine to exit, then returns the error that
// halted it, or nil after a plain Stop.
func (l *Loop) Err() error {
	<-l.done
	return l.err
}

// Stats returns tick counters
func (l *Loop) Stats() Stats {
	return Stats{
		Ticks:    l.ticks.Load(),
		Appended: l.appended.Load(),
		Skipped:  l.skipped.Load(),
	}
}

func (l *Loop) run(ctx context.Context) {
	defer close(l.done)

	for k := 0; ; k++ {
		tickStart := l.cfg.Clock.Now()

		if err := l.tick(ctx, k); err != nil {
			l.halt(err)
			return
		}

		wait := tickStart.Add(l.cfg.Poll.Period).Sub(l.cfg.Clock.Now())
		if wait <= 0 {
			l.logger.Debug("Read overran the poll period", zap.Int("tick", k), zap.Duration("overrun", -wait))
			if l.finished(ctx, nil) {
				return
			}
			continue
		}

		timer := l.cfg.Clock.NewTimer(wait)
		if l.finished(ctx, timer.Chan()) {
			timer.Stop()
			return
		}
	}
}

// finished waits for the next tick (or not at all when next is nil) and
// reports whether the loop was stopped or cancelled instead
func (l *Loop) finished(ctx context.Context, next <-chan time.Time) bool {
	if next == nil {
		if !l.active.Load() || ctx.Err() != nil {
			l.Stop()
			l.logger.Info("Sampling stopped", zap.Int64("appended", l.appended.Load()))
			return true
		}
		closed := make(chan time.Time)
		close(closed)
		next = closed
	}

	select {
	case <-l.stop:
		l.logger.Info("Sampling stopped", zap.Int64("appended", l.appended.Load()))
		return true
	case <-ctx.Done():
		l.Stop()
		l.logger.Info("Sampling cancelled", zap.Error(ctx.Err()))
		return true
	case <-next:
		return false
	}
}

// tick performs one read and append. A non-nil result halts the loop.
func (l *Loop) tick(ctx context.Context, k int) error {
	l.ticks.Add(1)

	reading, err := l.cfg.Reader.ReadValue(ctx)
	if err != nil {
		switch {
		case ctx.Err() != nil:
			return nil
		case model.IsParseMismatch(err):
			l.skipped.Add(1)
			l.logger.Warn("Skipping malformed reading", zap.Int("tick", k), zap.Error(err))
			if l.cfg.OnSkip != nil {
				l.cfg.OnSkip(k, err)
			}
			return nil
		default:
			return err
		}
	}

	sample := model.Sample{
		Elapsed: float64(k) * l.periodSeconds,
		Value:   reading.Value,
		Exact:   reading.Exact,
	}

	l.mutex.Lock()
	if !l.active.Load() {
		l.mutex.Unlock()
		l.logger.Debug("Dropping reading that arrived after stop", zap.Int("tick", k))
		return nil
	}
	index, err := l.cfg.Buffer.Append(sample)
	l.mutex.Unlock()

	if err != nil {
		return err
	}

	l.appended.Add(1)
	if l.cfg.OnSample != nil {
		l.cfg.OnSample(index, sample)
	}
	return nil
}

func (l *Loop) halt(err error) {
	l.mutex.Lock()
	wasActive := l.active.Swap(false)
	if wasActive {
		l.err = err
	}
	l.mutex.Unlock()

	l.stopOnce.Do(func() { close(l.stop) })

	if !wasActive {
		l.logger.Debug("Error after stop ignored", zap.Error(err))
		return
	}

	if errors.Is(err, model.ErrBufferFull) {
		l.logger.Warn("Sampling halted: buffer full", zap.Int("capacity", l.cfg.Buffer.Cap()))
	} else {
		l.logger.Error("Sampling halted", zap.Error(err))
	}

	if l.cfg.OnHalt != nil {
		l.cfg.OnHalt(err)
	}
}
