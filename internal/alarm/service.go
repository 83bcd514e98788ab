package alarm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/providentiaww/sunrise/internal/events"
	"github.com/providentiaww/sunrise/internal/models"
	"github.com/providentiaww/sunrise/internal/storage"
)

var (
	// ErrLimitReached is returned when adding beyond the alarm limit
	ErrLimitReached = errors.New("alarm limit reached")
	// ErrInvalidAlarm wraps validation failures of user input
	ErrInvalidAlarm = errors.New("invalid alarm")
)

// Publisher receives a notification whenever an alarm fires
type Publisher interface {
	PublishAlarmFired(ctx context.Context, evt events.AlarmFired) error
}

// Service manages the configured alarms and runs the per-minute check
type Service struct {
	repo        storage.AlarmRepository
	liveStage   LiveStageQuery
	publisher   Publisher
	validate    *validator.Validate
	logger      *zap.Logger
	now         func() time.Time
	maxAlarms   int
	freshWindow time.Duration

	mu        sync.Mutex
	lastFired string
}

// ServiceOption customizes a Service.
type ServiceOption func(*Service)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) { s.now = now }
}

// WithPublisher sends fire events to p.
func WithPublisher(p Publisher) ServiceOption {
	return func(s *Service) { s.publisher = p }
}

// WithLimit overrides the maximum number of alarms.
func WithLimit(n int) ServiceOption {
	return func(s *Service) { s.maxAlarms = n }
}

// WithFreshWindow overrides how old a live stage reading may be.
func WithFreshWindow(d time.Duration) ServiceOption {
	return func(s *Service) { s.freshWindow = d }
}

// NewService wires the alarm service.
func NewService(repo storage.AlarmRepository, liveStage LiveStageQuery, logger *zap.Logger, opts ...ServiceOption) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{
		repo:        repo,
		liveStage:   liveStage,
		validate:    validator.New(),
		logger:      logger,
		now:         time.Now,
		maxAlarms:   models.MaxAlarms,
		freshWindow: FreshWindow,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// List returns the alarms ordered by time of day.
func (s *Service) List(ctx context.Context) ([]models.Alarm, error) {
	return s.repo.ListAlarms(ctx)
}

// Add validates and stores a new, enabled alarm.
func (s *Service) Add(ctx context.Context, in models.NewAlarm) (*models.Alarm, error) {
	if err := s.validate.Struct(in); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAlarm, err)
	}

	existing, err := s.repo.ListAlarms(ctx)
	if err != nil {
		return nil, err
	}
	if len(existing) >= s.maxAlarms {
		return nil, fmt.Errorf("%w: at most %d alarms", ErrLimitReached, s.maxAlarms)
	}

	a, err := s.repo.AddAlarm(ctx, in)
	if err != nil {
		return nil, err
	}
	s.logger.Info("alarm added", zap.Int64("id", a.ID), zap.String("time", a.Label()))
	return a, nil
}

// Delete removes an alarm.
func (s *Service) Delete(ctx context.Context, id int64) error {
	if err := s.repo.DeleteAlarm(ctx, id); err != nil {
		return err
	}
	s.logger.Info("alarm deleted", zap.Int64("id", id))
	return nil
}

// Toggle switches an alarm on or off.
func (s *Service) Toggle(ctx context.Context, id int64, enabled bool) error {
	if err := s.repo.ToggleAlarm(ctx, id, enabled); err != nil {
		return err
	}
	s.logger.Info("alarm toggled", zap.Int64("id", id), zap.Bool("enabled", enabled))
	return nil
}

// Check runs the decision for the current minute. Any failure is logged and
// yields ShouldFire false; the error is returned so callers can spot
// authentication problems.
func (s *Service) Check(ctx context.Context) (models.FireDecision, error) {
	now := s.now()

	alarms, err := s.repo.ListAlarms(ctx)
	if err != nil {
		s.logger.Error("alarm check: loading alarms failed", zap.Error(err))
		return models.FireDecision{ShouldFire: false}, err
	}

	decision, err := checkAlarms(ctx, alarms, now, s.liveStage, s.freshWindow)
	if err != nil {
		s.logger.Warn("alarm check: live stage unavailable", zap.Error(err))
		return decision, err
	}
	if !decision.ShouldFire {
		return decision, nil
	}

	matched, _ := Match(alarms, now)
	s.logger.Info("alarm firing", zap.Int64("id", matched.ID), zap.String("time", matched.Label()), zap.String("sound", decision.Sound))
	s.publishOnce(ctx, matched, decision, now)
	return decision, nil
}

// publishOnce emits at most one event per alarm and minute, however many
// clients poll.
func (s *Service) publishOnce(ctx context.Context, a models.Alarm, d models.FireDecision, now time.Time) {
	if s.publisher == nil {
		return
	}
	key := fmt.Sprintf("%d@%s", a.ID, now.Truncate(time.Minute).Format(time.RFC3339))

	s.mu.Lock()
	if s.lastFired == key {
		s.mu.Unlock()
		return
	}
	s.lastFired = key
	s.mu.Unlock()

	evt := events.NewAlarmFired(a, d.Sound, now)
	if err := s.publisher.PublishAlarmFired(ctx, evt); err != nil {
		s.logger.Warn("publishing alarm event failed", zap.String("event_id", evt.ID), zap.Error(err))
	}
}
