// Package scheduler polls the alarm check once per wall-clock minute and rings
// the player when an alarm fires.
package scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/providentiaww/sunrise/internal/models"
)

// Interval is the polling period
const Interval = time.Minute

// Scheduler runs one check at every minute boundary. Only one check is in
// flight at a time; a check that overruns the next boundary delays that tick
// instead of overlapping it.
type Scheduler struct {
	checker Checker
	player  *Player
	clock   Clock
	logger  *zap.Logger
	timeout time.Duration

	mu      sync.Mutex
	running bool
	done    chan struct{}
	exited  chan struct{}
}

// Option customizes a Scheduler.
type Option func(*Scheduler)

// WithClock replaces the wall clock.
func WithClock(c Clock) Option {
	return func(s *Scheduler) { s.clock = c }
}

// WithCheckTimeout bounds a single check.
func WithCheckTimeout(d time.Duration) Option {
	return func(s *Scheduler) { s.timeout = d }
}

// New creates a stopped scheduler.
func New(checker Checker, player *Player, logger *zap.Logger, opts ...Option) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Scheduler{
		checker: checker,
		player:  player,
		clock:   realClock{},
		logger:  logger,
		timeout: 50 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start begins polling. Calling Start on a running scheduler does nothing.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.done = make(chan struct{})
	s.exited = make(chan struct{})
	go s.run(s.done, s.exited)
}

// Stop cancels the pending timer and waits for the loop to exit. A check that
// is in flight is left to finish and its result is dropped.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.done)
	exited := s.exited
	s.mu.Unlock()

	<-exited
}

// untilNextMinute is the wait from now to the next minute boundary, a full
// minute when now is exactly on one.
func untilNextMinute(now time.Time) time.Duration {
	return now.Truncate(time.Minute).Add(time.Minute).Sub(now)
}

func (s *Scheduler) run(done <-chan struct{}, exited chan<- struct{}) {
	defer close(exited)

	now := s.clock.Now()
	delay := untilNextMinute(now)
	next := now.Add(delay)
	s.logger.Info("scheduler started", zap.Time("first_check", next))

	for {
		timer := s.clock.NewTimer(delay)
		select {
		case <-done:
			timer.Stop()
			return
		case <-timer.C():
		}

		decision, ok := s.checkOnce(done)
		if !ok {
			return
		}
		s.handle(decision)

		next = next.Add(Interval)
		now = s.clock.Now()
		delay = next.Sub(now)
		if delay < 0 {
			// the check overran the boundary: run the delayed tick now and re-anchor
			delay = 0
			next = now.Truncate(time.Minute)
		}
	}
}

// checkOnce runs a single check, returning false if the scheduler was stopped
// while it was in flight.
func (s *Scheduler) checkOnce(done <-chan struct{}) (models.FireDecision, bool) {
	results := make(chan models.FireDecision, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()

		d, err := s.checker.Check(ctx)
		if err != nil {
			s.logger.Warn("alarm check failed", zap.Error(err))
			d = models.FireDecision{ShouldFire: false}
		}
		results <- d
	}()

	select {
	case <-done:
		return models.FireDecision{}, false
	case d := <-results:
		return d, true
	}
}

func (s *Scheduler) handle(d models.FireDecision) {
	if !d.ShouldFire {
		return
	}
	if d.Sound == "" {
		s.logger.Warn("alarm fired without a sound, ignoring")
		return
	}
	if err := s.player.Play(d.Sound); err != nil {
		s.logger.Error("playing alarm failed", zap.String("sound", d.Sound), zap.Error(err))
	}
}
