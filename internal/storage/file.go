package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/providentiaww/sunrise/internal/models"
)

// fileDocument is the on-disk layout of the file repository
type fileDocument struct {
	NextID int64                `json:"nextId"`
	Alarms []models.Alarm       `json:"alarms"`
	Sleep  []models.SleepSample `json:"sleep"`
}

// FileRepository keeps alarms and sleep summaries in one JSON file.
// External edits to the file are picked up on the next call.
type FileRepository struct {
	filePath    string
	doc         fileDocument
	lastModTime time.Time
	mu          sync.RWMutex
}

// NewFileRepository creates a file-backed repository, loading any existing data
func NewFileRepository(filePath string) (*FileRepository, error) {
	absPath, err := filepath.Abs(filePath)
	if err != nil {
		return nil, err
	}

	repo := &FileRepository{filePath: absPath, doc: fileDocument{NextID: 1}}
	if err := repo.load(); err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", absPath, err)
	}
	return repo, nil
}

func (r *FileRepository) load() error {
	stat, err := os.Stat(r.filePath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	data, err := os.ReadFile(r.filePath)
	if err != nil {
		return err
	}

	doc := fileDocument{NextID: 1}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &doc); err != nil {
			return fmt.Errorf("failed to parse JSON: %w", err)
		}
	}
	for _, a := range doc.Alarms {
		if a.ID >= doc.NextID {
			doc.NextID = a.ID + 1
		}
	}

	r.mu.Lock()
	r.doc = doc
	r.lastModTime = stat.ModTime()
	r.mu.Unlock()
	return nil
}

// checkAndReload reloads the document if the file changed behind our back
func (r *FileRepository) checkAndReload() {
	stat, err := os.Stat(r.filePath)
	if err != nil {
		return
	}

	r.mu.RLock()
	lastMod := r.lastModTime
	r.mu.RUnlock()

	if stat.ModTime().After(lastMod) {
		_ = r.load()
	}
}

// saveLocked writes the document; callers hold the write lock
func (r *FileRepository) saveLocked() error {
	if err := writeJSONAtomic(r.filePath, r.doc, 0o644); err != nil {
		return err
	}
	if stat, err := os.Stat(r.filePath); err == nil {
		r.lastModTime = stat.ModTime()
	}
	return nil
}

// ListAlarms returns all alarms ordered by time of day
func (r *FileRepository) ListAlarms(ctx context.Context) ([]models.Alarm, error) {
	r.checkAndReload()

	r.mu.RLock()
	alarms := make([]models.Alarm, len(r.doc.Alarms))
	copy(alarms, r.doc.Alarms)
	r.mu.RUnlock()

	sort.SliceStable(alarms, func(i, j int) bool {
		a, b := alarms[i], alarms[j]
		if a.Hour != b.Hour {
			return a.Hour < b.Hour
		}
		if a.Minute != b.Minute {
			return a.Minute < b.Minute
		}
		return a.ID < b.ID
	})
	return alarms, nil
}

// AddAlarm stores an enabled alarm under the next id
func (r *FileRepository) AddAlarm(ctx context.Context, in models.NewAlarm) (*models.Alarm, error) {
	r.checkAndReload()

	r.mu.Lock()
	defer r.mu.Unlock()

	alarm := models.Alarm{
		ID:          r.doc.NextID,
		Hour:        in.Hour,
		Minute:      in.Minute,
		Enabled:     true,
		SoundNonREM: in.SoundNonREM,
		SoundREM:    in.SoundREM,
	}
	r.doc.NextID++
	r.doc.Alarms = append(r.doc.Alarms, alarm)

	if err := r.saveLocked(); err != nil {
		return nil, err
	}
	return &alarm, nil
}

// DeleteAlarm removes an alarm
func (r *FileRepository) DeleteAlarm(ctx context.Context, id int64) error {
	r.checkAndReload()

	r.mu.Lock()
	defer r.mu.Unlock()

	for i, a := range r.doc.Alarms {
		if a.ID == id {
			r.doc.Alarms = append(r.doc.Alarms[:i], r.doc.Alarms[i+1:]...)
			return r.saveLocked()
		}
	}
	return ErrNotFound
}

// ToggleAlarm sets the enabled flag of an alarm
func (r *FileRepository) ToggleAlarm(ctx context.Context, id int64, enabled bool) error {
	r.checkAndReload()

	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range r.doc.Alarms {
		if r.doc.Alarms[i].ID == id {
			r.doc.Alarms[i].Enabled = enabled
			return r.saveLocked()
		}
	}
	return ErrNotFound
}

// SaveSleepSession inserts the sample unless its date is already stored
func (r *FileRepository) SaveSleepSession(ctx context.Context, s models.SleepSample) (bool, error) {
	r.checkAndReload()

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.doc.Sleep {
		if existing.DateOfSleep == s.DateOfSleep {
			return false, nil
		}
	}
	r.doc.Sleep = append(r.doc.Sleep, s)
	if err := r.saveLocked(); err != nil {
		return false, err
	}
	return true, nil
}

// RecentSleepSessions returns the latest n samples, oldest first
func (r *FileRepository) RecentSleepSessions(ctx context.Context, n int) ([]models.SleepSample, error) {
	r.checkAndReload()

	r.mu.RLock()
	samples := make([]models.SleepSample, len(r.doc.Sleep))
	copy(samples, r.doc.Sleep)
	r.mu.RUnlock()

	// YYYY-MM-DD sorts lexically
	sort.Slice(samples, func(i, j int) bool {
		return samples[i].DateOfSleep < samples[j].DateOfSleep
	})
	if n >= 0 && len(samples) > n {
		samples = samples[len(samples)-n:]
	}
	return samples, nil
}

// Ping checks that the data file is reachable. A file that was never written
// is fine.
func (r *FileRepository) Ping() error {
	if _, err := os.Stat(r.filePath); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Close is a no-op for file-based storage
func (r *FileRepository) Close() error {
	return nil
}

// writeJSONAtomic encodes v to a temp file next to path and renames it into place
func writeJSONAtomic(path string, v any, perm os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	tempFile := path + ".tmp"
	f, err := os.OpenFile(tempFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		f.Close()
		os.Remove(tempFile)
		return err
	}

	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tempFile)
		return err
	}

	if err := f.Close(); err != nil {
		os.Remove(tempFile)
		return err
	}

	return os.Rename(tempFile, path)
}
