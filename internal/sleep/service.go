package sleep

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"go.uber.org/zap"

	"github.com/providentiaww/sunrise/internal/fitbit"
	"github.com/providentiaww/sunrise/internal/models"
	"github.com/providentiaww/sunrise/internal/storage"
)

// DashboardDays is how many nights the dashboard summarizes
const DashboardDays = 7

// NoData is shown instead of a duration when nothing is stored
const NoData = "no data"

var soundExtensions = map[string]bool{".mp3": true, ".wav": true, ".ogg": true}

// SessionSource fetches the provider's main sleep log for a date
type SessionSource interface {
	FetchSleepSession(ctx context.Context, date time.Time) (*fitbit.SleepLog, error)
	Location() *time.Location
}

// AlarmLister lists configured alarms
type AlarmLister interface {
	ListAlarms(ctx context.Context) ([]models.Alarm, error)
}

// Dashboard is the summary shown on the main page
type Dashboard struct {
	TodaySleep   string         `json:"todaySleep"`
	WeeklyLabels []string       `json:"weeklyLabels"`
	WeeklyData   []float64      `json:"weeklyData"`
	CycleMinutes int            `json:"cycleMinutes"`
	Sounds       []string       `json:"sounds"`
	Alarms       []models.Alarm `json:"alarms"`
}

// Recommendation is the answer to a bedtime query
type Recommendation struct {
	Bedtime      string     `json:"bedtime"`
	CycleMinutes int        `json:"cycleMinutes"`
	Times        []WakeTime `json:"times"`
}

// Service syncs nightly summaries and builds the dashboard
type Service struct {
	repo          storage.SleepRepository
	alarms        AlarmLister
	source        SessionSource
	soundsDir     string
	logger        *zap.Logger
	now           func() time.Time
	retryAttempts uint
	retryDelay    time.Duration
}

// ServiceOption customizes a Service.
type ServiceOption func(*Service)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) { s.now = now }
}

// WithRetry sets how often a sync retries an unavailable provider.
func WithRetry(attempts uint, delay time.Duration) ServiceOption {
	return func(s *Service) {
		s.retryAttempts = attempts
		s.retryDelay = delay
	}
}

// NewService wires the sleep service.
func NewService(repo storage.SleepRepository, alarms AlarmLister, source SessionSource, soundsDir string, logger *zap.Logger, opts ...ServiceOption) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{
		repo:          repo,
		alarms:        alarms,
		source:        source,
		soundsDir:     soundsDir,
		logger:        logger,
		now:           time.Now,
		retryAttempts: 3,
		retryDelay:    time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SyncToday fetches today's main sleep and stores its summary if the date is
// not stored yet. The fetched log is returned for callers that need its stages;
// it is nil when the provider has nothing for today.
func (s *Service) SyncToday(ctx context.Context) (*fitbit.SleepLog, error) {
	log, err := s.fetchWithRetry(ctx, s.now())
	if err != nil {
		return nil, err
	}
	if log == nil {
		return nil, nil
	}

	inserted, err := s.repo.SaveSleepSession(ctx, log.Sample())
	if err != nil {
		return nil, fmt.Errorf("saving sleep session: %w", err)
	}
	if inserted {
		s.logger.Info("stored sleep session", zap.String("date", log.DateOfSleep), zap.Int("minutes", log.MinutesAsleep))
	} else {
		s.logger.Debug("sleep session already stored", zap.String("date", log.DateOfSleep))
	}
	return log, nil
}

// Dashboard syncs today's session and summarizes the last week. An unavailable
// provider degrades to stored data and the default cycle; authentication
// errors are returned.
func (s *Service) Dashboard(ctx context.Context) (*Dashboard, error) {
	log, err := s.SyncToday(ctx)
	if err != nil {
		if !errors.Is(err, fitbit.ErrRemoteUnavailable) {
			return nil, err
		}
		s.logger.Warn("showing stored data only", zap.Error(err))
	}

	recent, err := s.repo.RecentSleepSessions(ctx, DashboardDays)
	if err != nil {
		return nil, fmt.Errorf("loading recent sleep: %w", err)
	}

	d := &Dashboard{
		TodaySleep:   NoData,
		WeeklyLabels: make([]string, 0, len(recent)),
		WeeklyData:   make([]float64, 0, len(recent)),
		CycleMinutes: s.cycleFromLog(log),
	}
	for _, sample := range recent {
		d.WeeklyLabels = append(d.WeeklyLabels, dayLabel(sample.DateOfSleep))
		d.WeeklyData = append(d.WeeklyData, sample.Hours())
	}
	if len(recent) > 0 {
		d.TodaySleep = recent[len(recent)-1].Clock()
	}

	if d.Sounds, err = ListSounds(s.soundsDir); err != nil {
		return nil, err
	}
	if d.Alarms, err = s.alarms.ListAlarms(ctx); err != nil {
		return nil, fmt.Errorf("loading alarms: %w", err)
	}
	return d, nil
}

// Recommend computes wake-up times for bedtime from today's cycle estimate.
func (s *Service) Recommend(ctx context.Context, bedtime string) (*Recommendation, error) {
	log, err := s.source.FetchSleepSession(ctx, s.now())
	if err != nil {
		if !errors.Is(err, fitbit.ErrRemoteUnavailable) {
			return nil, err
		}
		s.logger.Warn("using default cycle length", zap.Error(err))
	}

	cycle := s.cycleFromLog(log)
	times, err := RecommendWakeTimes(bedtime, cycle, s.now().In(s.source.Location()))
	if err != nil {
		return nil, err
	}
	return &Recommendation{Bedtime: bedtime, CycleMinutes: cycle, Times: times}, nil
}

func (s *Service) cycleFromLog(log *fitbit.SleepLog) int {
	if log == nil {
		return DefaultCycleMinutes
	}
	events, err := log.StageEvents(s.source.Location())
	if err != nil {
		s.logger.Warn("unreadable stage timeline", zap.Error(err))
		return DefaultCycleMinutes
	}
	return CycleOrDefault(events)
}

func (s *Service) fetchWithRetry(ctx context.Context, date time.Time) (*fitbit.SleepLog, error) {
	var log *fitbit.SleepLog
	err := retry.Do(
		func() error {
			var err error
			log, err = s.source.FetchSleepSession(ctx, date)
			if err != nil && !errors.Is(err, fitbit.ErrRemoteUnavailable) {
				return retry.Unrecoverable(err)
			}
			return err
		},
		retry.Context(ctx),
		retry.Attempts(s.retryAttempts),
		retry.Delay(s.retryDelay),
		retry.MaxDelay(30*time.Second),
		retry.DelayType(retry.FullJitterBackoffDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			s.logger.Debug("retrying sleep fetch", zap.Uint("attempt", n+1), zap.Error(err))
		}),
	)
	if err != nil {
		return nil, err
	}
	return log, nil
}

// ListSounds returns the playable files in dir, sorted by name. A missing
// directory is created and yields an empty list.
func ListSounds(dir string) ([]string, error) {
	if dir == "" {
		return []string{}, nil
	}
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating sounds dir: %w", err)
		}
		return []string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading sounds dir: %w", err)
	}

	sounds := []string{}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if soundExtensions[strings.ToLower(filepath.Ext(e.Name()))] {
			sounds = append(sounds, e.Name())
		}
	}
	sort.Strings(sounds)
	return sounds, nil
}

// dayLabel turns YYYY-MM-DD into MM/DD
func dayLabel(date string) string {
	t, err := time.Parse("2006-01-02", date)
	if err != nil {
		return date
	}
	return t.Format("01/02")
}
