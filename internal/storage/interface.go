package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/providentiaww/sunrise/internal/models"
)

// ErrNotFound is returned when the addressed record does not exist
var ErrNotFound = errors.New("not found")

// AlarmRepository persists the configured alarms
type AlarmRepository interface {
	// ListAlarms returns every alarm ordered by hour, then minute, then id
	ListAlarms(ctx context.Context) ([]models.Alarm, error)
	AddAlarm(ctx context.Context, alarm models.NewAlarm) (*models.Alarm, error)
	DeleteAlarm(ctx context.Context, id int64) error
	ToggleAlarm(ctx context.Context, id int64, enabled bool) error
}

// SleepRepository persists nightly sleep summaries
type SleepRepository interface {
	// SaveSleepSession stores the sample unless one already exists for its date.
	// It reports whether a row was inserted.
	SaveSleepSession(ctx context.Context, sample models.SleepSample) (bool, error)
	// RecentSleepSessions returns the n most recent samples in ascending date order
	RecentSleepSessions(ctx context.Context, n int) ([]models.SleepSample, error)
}

// Repository is the full persistence surface used by the server
type Repository interface {
	AlarmRepository
	SleepRepository
	Ping() error
	Close() error
}

// Open picks the backend: Postgres when databaseURL is set, otherwise JSON
// files under dataDir.
func Open(databaseURL, dataDir string) (Repository, error) {
	if databaseURL != "" {
		return NewPostgresRepository(databaseURL)
	}
	if dataDir == "" {
		return nil, fmt.Errorf("either DATABASE_URL or DATA_DIR must be set")
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data dir: %w", err)
	}
	return NewFileRepository(filepath.Join(dataDir, "sunrise.json"))
}
