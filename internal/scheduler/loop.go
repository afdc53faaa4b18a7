package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ErrCycleInProgress is returned by RunOnce when another cycle holds the loop.
var ErrCycleInProgress = errors.New("scheduler: cycle already in progress")

// Loop runs a poll function on a fixed interval. At most one cycle runs at a
// time; a tick that arrives while a cycle is in flight is dropped, not queued.
// T is whatever summary the cycle reports.
type Loop[T any] struct {
	name     string
	interval time.Duration
	cycle    func(context.Context) (T, error)
	logger   *slog.Logger

	busy atomic.Bool

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	done    chan struct{}
	flights sync.WaitGroup
}

// NewLoop validates its arguments. A nil logger means slog.Default().
func NewLoop[T any](name string, interval time.Duration, cycle func(context.Context) (T, error), logger *slog.Logger) (*Loop[T], error) {
	if interval <= 0 {
		return nil, errors.New("interval must be > 0")
	}
	if cycle == nil {
		return nil, errors.New("cycle must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	done := make(chan struct{})
	close(done)
	return &Loop[T]{
		name:     name,
		interval: interval,
		cycle:    cycle,
		logger:   logger.With("loop", name),
		done:     done,
	}, nil
}

// Start runs one cycle immediately and then one per interval. It returns
// false if the loop is already running.
func (l *Loop[T]) Start() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.running {
		return false
	}
	l.running = true
	l.stop = make(chan struct{})
	l.done = make(chan struct{})

	go l.run(l.stop, l.done)

	l.logger.Info("poll loop started", "interval", l.interval.String())
	return true
}

// Stop prevents further ticks and returns immediately. A cycle already in
// flight keeps running; wait on Done to observe its end. Returns false if the
// loop was not running.
func (l *Loop[T]) Stop() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.running {
		return false
	}
	l.running = false
	close(l.stop)

	l.logger.Info("poll loop stopping")
	return true
}

// Done is closed once a stopped loop has no cycle in flight. For a loop that
// was never started it is already closed.
func (l *Loop[T]) Done() <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.done
}

func (l *Loop[T]) IsRunning() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running
}

// Busy reports whether a cycle is executing right now.
func (l *Loop[T]) Busy() bool {
	return l.busy.Load()
}

// RunOnce executes a single cycle synchronously under the single-flight
// guard. It returns ErrCycleInProgress without running when another cycle
// holds the guard. A panic in the cycle is recovered and returned as an error.
func (l *Loop[T]) RunOnce(ctx context.Context) (result T, err error) {
	if !l.busy.CompareAndSwap(false, true) {
		return result, ErrCycleInProgress
	}
	defer l.busy.Store(false)

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("poll cycle panic: %v", r)
		}
	}()

	return l.cycle(ctx)
}

func (l *Loop[T]) run(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	l.fire()
	for {
		select {
		case <-stop:
			l.flights.Wait()
			return
		case <-ticker.C:
			l.fire()
		}
	}
}

// fire launches a cycle in its own goroutine so the ticker keeps draining
// and overlapping ticks hit the busy guard instead of piling up.
func (l *Loop[T]) fire() {
	if l.busy.Load() {
		l.logger.Debug("poll tick skipped, previous cycle still running")
		return
	}

	l.flights.Add(1)
	go func() {
		defer l.flights.Done()

		start := time.Now()
		_, err := l.RunOnce(context.Background())
		switch {
		case errors.Is(err, ErrCycleInProgress):
			l.logger.Debug("poll tick skipped, previous cycle still running")
		case err != nil:
			l.logger.Error("poll cycle failed", "error", err, "duration_ms", time.Since(start).Milliseconds())
		default:
			l.logger.Debug("poll cycle completed", "duration_ms", time.Since(start).Milliseconds())
		}
	}()
}
