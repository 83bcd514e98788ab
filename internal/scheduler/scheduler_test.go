package scheduler

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/providentiaww/sunrise/internal/models"
)

type fakeTimer struct {
	clock   *fakeClock
	c       chan time.Time
	at      time.Time
	delay   time.Duration
	stopped bool
	fired   bool
}

func (t *fakeTimer) C() <-chan time.Time { return t.c }

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	active := !t.stopped && !t.fired
	t.stopped = true
	return active
}

// fakeClock only moves when Advance is called
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
	added  chan *fakeTimer
}

func newFakeClock(now time.Time) *fakeClock {
	return &fakeClock{now: now, added: make(chan *fakeTimer, 16)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) NewTimer(d time.Duration) Timer {
	c.mu.Lock()
	t := &fakeTimer{clock: c, c: make(chan time.Time, 1), at: c.now.Add(d), delay: d}
	if d <= 0 {
		t.fired = true
		t.c <- c.now
	}
	c.timers = append(c.timers, t)
	c.mu.Unlock()

	c.added <- t
	return t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	for _, t := range c.timers {
		if !t.stopped && !t.fired && !t.at.After(c.now) {
			t.fired = true
			t.c <- c.now
		}
	}
}

func (c *fakeClock) waitTimer(t *testing.T) *fakeTimer {
	t.Helper()
	select {
	case timer := <-c.added:
		return timer
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not arm a timer")
		return nil
	}
}

func (c *fakeClock) assertNoTimer(t *testing.T) {
	t.Helper()
	select {
	case <-c.added:
		t.Fatal("unexpected timer")
	case <-time.After(50 * time.Millisecond):
	}
}

// blockingChecker hands every call to the test and waits for its answer
type blockingChecker struct {
	calls    chan struct{}
	replies  chan models.FireDecision
	inFlight atomic.Int32
	maxSeen  atomic.Int32
}

func newBlockingChecker() *blockingChecker {
	return &blockingChecker{calls: make(chan struct{}, 16), replies: make(chan models.FireDecision)}
}

func (c *blockingChecker) Check(ctx context.Context) (models.FireDecision, error) {
	n := c.inFlight.Add(1)
	defer c.inFlight.Add(-1)
	for {
		seen := c.maxSeen.Load()
		if n <= seen || c.maxSeen.CompareAndSwap(seen, n) {
			break
		}
	}
	c.calls <- struct{}{}
	return <-c.replies, nil
}

func (c *blockingChecker) waitCall(t *testing.T) {
	t.Helper()
	select {
	case <-c.calls:
	case <-time.After(2 * time.Second):
		t.Fatal("check was not called")
	}
}

func (c *blockingChecker) assertNoCall(t *testing.T) {
	t.Helper()
	select {
	case <-c.calls:
		t.Fatal("unexpected check")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestUntilNextMinute(t *testing.T) {
	base := time.Date(2024, 3, 2, 6, 59, 0, 0, time.UTC)
	assert.Equal(t, 45*time.Second, untilNextMinute(base.Add(15*time.Second)))
	assert.Equal(t, time.Minute, untilNextMinute(base))
	assert.Equal(t, 500*time.Millisecond, untilNextMinute(base.Add(59500*time.Millisecond)))
}

func TestSchedulerAlignsToMinuteThenPollsEveryMinute(t *testing.T) {
	clock := newFakeClock(time.Date(2024, 3, 2, 6, 59, 45, 0, time.UTC))
	checker := newBlockingChecker()
	s := New(checker, NewPlayer(&fakeBackend{}, nil), nil, WithClock(clock))
	s.Start()
	defer s.Stop()

	first := clock.waitTimer(t)
	assert.Equal(t, 15*time.Second, first.delay)

	clock.Advance(14 * time.Second)
	checker.assertNoCall(t)

	clock.Advance(time.Second)
	checker.waitCall(t)
	checker.replies <- models.FireDecision{ShouldFire: false}

	second := clock.waitTimer(t)
	assert.Equal(t, time.Minute, second.delay)

	clock.Advance(time.Minute)
	checker.waitCall(t)
	checker.replies <- models.FireDecision{ShouldFire: false}
	clock.waitTimer(t)
}

func TestSchedulerFiresPlayerAndKeepsPolling(t *testing.T) {
	clock := newFakeClock(time.Date(2024, 3, 2, 6, 59, 30, 0, time.UTC))
	checker := newBlockingChecker()
	backend := &fakeBackend{}
	player := NewPlayer(backend, nil)
	s := New(checker, player, nil, WithClock(clock))
	s.Start()
	defer s.Stop()

	clock.waitTimer(t)
	clock.Advance(30 * time.Second)
	checker.waitCall(t)
	checker.replies <- models.FireDecision{ShouldFire: true, Sound: "a.mp3"}

	clock.waitTimer(t)
	state, sound := player.State()
	assert.Equal(t, Ringing, state)
	assert.Equal(t, "a.mp3", sound)

	// the same alarm reported again does not restart playback
	clock.Advance(time.Minute)
	checker.waitCall(t)
	checker.replies <- models.FireDecision{ShouldFire: true, Sound: "a.mp3"}
	clock.waitTimer(t)

	_, _, starts, _ := backend.snapshot()
	assert.Equal(t, 1, starts)
}

func TestSchedulerIgnoresFireWithoutSound(t *testing.T) {
	clock := newFakeClock(time.Date(2024, 3, 2, 6, 59, 30, 0, time.UTC))
	checker := newBlockingChecker()
	backend := &fakeBackend{}
	player := NewPlayer(backend, nil)
	s := New(checker, player, nil, WithClock(clock))
	s.Start()
	defer s.Stop()

	clock.waitTimer(t)
	clock.Advance(30 * time.Second)
	checker.waitCall(t)
	checker.replies <- models.FireDecision{ShouldFire: true}
	clock.waitTimer(t)

	state, _ := player.State()
	assert.Equal(t, Idle, state)
	_, _, starts, _ := backend.snapshot()
	assert.Zero(t, starts)
}

func TestSchedulerAtMostOneCheckInFlight(t *testing.T) {
	clock := newFakeClock(time.Date(2024, 3, 2, 6, 59, 30, 0, time.UTC))
	checker := newBlockingChecker()
	s := New(checker, NewPlayer(&fakeBackend{}, nil), nil, WithClock(clock))
	s.Start()
	defer s.Stop()

	clock.waitTimer(t)
	clock.Advance(30 * time.Second)
	checker.waitCall(t)

	// a slow check spans several boundaries without a second check starting
	clock.Advance(3 * time.Minute)
	checker.assertNoCall(t)
	clock.assertNoTimer(t)

	checker.replies <- models.FireDecision{}

	// the overdue tick runs immediately, then timing re-anchors to the minute
	overdue := clock.waitTimer(t)
	assert.LessOrEqual(t, overdue.delay, time.Duration(0))
	checker.waitCall(t)
	checker.replies <- models.FireDecision{}

	next := clock.waitTimer(t)
	assert.Equal(t, time.Minute, next.delay)
	assert.Equal(t, int32(1), checker.maxSeen.Load())
}

func TestSchedulerStopCancelsPendingTimer(t *testing.T) {
	clock := newFakeClock(time.Date(2024, 3, 2, 6, 59, 30, 0, time.UTC))
	checker := newBlockingChecker()
	s := New(checker, NewPlayer(&fakeBackend{}, nil), nil, WithClock(clock))
	s.Start()

	timer := clock.waitTimer(t)
	s.Stop()
	clock.mu.Lock()
	assert.True(t, timer.stopped)
	clock.mu.Unlock()

	clock.Advance(5 * time.Minute)
	checker.assertNoCall(t)

	// stopping twice is harmless
	s.Stop()
}

func TestSchedulerStopDiscardsInFlightResult(t *testing.T) {
	clock := newFakeClock(time.Date(2024, 3, 2, 6, 59, 30, 0, time.UTC))
	checker := newBlockingChecker()
	backend := &fakeBackend{}
	player := NewPlayer(backend, nil)
	s := New(checker, player, nil, WithClock(clock))
	s.Start()

	clock.waitTimer(t)
	clock.Advance(30 * time.Second)
	checker.waitCall(t)

	s.Stop()
	checker.replies <- models.FireDecision{ShouldFire: true, Sound: "a.mp3"}

	state, _ := player.State()
	assert.Equal(t, Idle, state)
	_, _, starts, _ := backend.snapshot()
	assert.Zero(t, starts)
}

func TestSchedulerCheckErrorDoesNotFire(t *testing.T) {
	clock := newFakeClock(time.Date(2024, 3, 2, 6, 59, 30, 0, time.UTC))
	calls := make(chan struct{}, 4)
	checker := CheckerFunc(func(ctx context.Context) (models.FireDecision, error) {
		calls <- struct{}{}
		return models.FireDecision{ShouldFire: true, Sound: "x"}, errors.New("server down")
	})
	backend := &fakeBackend{}
	s := New(checker, NewPlayer(backend, nil), nil, WithClock(clock))
	s.Start()
	defer s.Stop()

	clock.waitTimer(t)
	clock.Advance(30 * time.Second)
	<-calls
	clock.waitTimer(t)

	_, _, starts, _ := backend.snapshot()
	assert.Zero(t, starts)
}

func TestHTTPChecker(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/alarms/check", r.URL.Path)
		assert.NotEmpty(t, r.Header.Get("X-Request-ID"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"shouldFire":true,"sound":"soft.mp3"}`))
	}))
	defer srv.Close()

	d, err := NewHTTPChecker(srv.URL+"/", time.Second).Check(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.FireDecision{ShouldFire: true, Sound: "soft.mp3"}, d)
}

func TestHTTPCheckerErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"shouldFire":false,"reauthorize_url":"/auth"}`))
	}))
	defer srv.Close()

	_, err := NewHTTPChecker(srv.URL, time.Second).Check(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
}

func TestSoundResolver(t *testing.T) {
	local := soundResolver("/srv/sounds", "http://ignored")
	assert.Equal(t, "/srv/sounds/a.mp3", local("a.mp3"))
	assert.Equal(t, "/srv/sounds/passwd", local("../../etc/passwd"))

	remote := soundResolver("", "http://localhost:5000/")
	assert.Equal(t, "http://localhost:5000/sounds/morning%20birds.mp3", remote("morning birds.mp3"))
}
