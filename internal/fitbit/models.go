package fitbit

import (
	"fmt"
	"time"

	"github.com/providentiaww/sunrise/internal/models"
)

// levelTimeLayouts are the local, zone-less timestamp formats of levels.data
// entries. Milliseconds are not always present.
var levelTimeLayouts = []string{"2006-01-02T15:04:05.000", "2006-01-02T15:04:05"}

// SleepResponse is the body of GET /1.2/user/-/sleep/date/{date}.json
type SleepResponse struct {
	Sleep   []SleepLog `json:"sleep"`
	Summary struct {
		TotalMinutesAsleep int `json:"totalMinutesAsleep"`
		TotalSleepRecords  int `json:"totalSleepRecords"`
		TotalTimeInBed     int `json:"totalTimeInBed"`
	} `json:"summary"`
}

// SleepLog is one sleep record as returned by the provider
type SleepLog struct {
	LogID         int64  `json:"logId"`
	DateOfSleep   string `json:"dateOfSleep"`
	StartTime     string `json:"startTime"`
	EndTime       string `json:"endTime"`
	Duration      int64  `json:"duration"`
	Efficiency    int    `json:"efficiency"`
	IsMainSleep   bool   `json:"isMainSleep"`
	MinutesAsleep int    `json:"minutesAsleep"`
	MinutesAwake  int    `json:"minutesAwake"`
	TimeInBed     int    `json:"timeInBed"`
	Type          string `json:"type"`
	Levels        Levels `json:"levels"`
}

// Levels carries the per-stage summary and the stage timeline
type Levels struct {
	Summary map[string]LevelSummary `json:"summary"`
	Data    []LevelData             `json:"data"`
}

// LevelSummary is the aggregate for one stage
type LevelSummary struct {
	Count               int `json:"count"`
	Minutes             int `json:"minutes"`
	ThirtyDayAvgMinutes int `json:"thirtyDayAvgMinutes"`
}

// LevelData is one contiguous segment of a single stage
type LevelData struct {
	DateTime string `json:"dateTime"`
	Level    string `json:"level"`
	Seconds  int    `json:"seconds"`
}

// MainSleep picks the record flagged as main sleep, falling back to the first one
func (r *SleepResponse) MainSleep() *SleepLog {
	if len(r.Sleep) == 0 {
		return nil
	}
	for i := range r.Sleep {
		if r.Sleep[i].IsMainSleep {
			return &r.Sleep[i]
		}
	}
	return &r.Sleep[0]
}

// Sample converts the log into the stored nightly summary
func (l *SleepLog) Sample() models.SleepSample {
	return models.SleepSample{
		DateOfSleep:  l.DateOfSleep,
		TotalMinutes: l.MinutesAsleep,
		Stages: models.StageMinutes{
			Deep:  l.Levels.Summary[string(models.StageDeep)].Minutes,
			Light: l.Levels.Summary[string(models.StageLight)].Minutes,
			REM:   l.Levels.Summary[string(models.StageREM)].Minutes,
			Wake:  l.Levels.Summary[string(models.StageWake)].Minutes,
		},
		Efficiency: l.Efficiency,
	}
}

// StageEvents returns the stage timeline in provider order, interpreting
// timestamps in loc. Entries with levels outside the stage model (classic
// "asleep", "restless") are kept with their raw level so that they still
// separate the stages around them.
func (l *SleepLog) StageEvents(loc *time.Location) ([]models.StageEvent, error) {
	events := make([]models.StageEvent, 0, len(l.Levels.Data))
	for _, d := range l.Levels.Data {
		ts, err := parseLevelTime(d.DateTime, loc)
		if err != nil {
			return nil, err
		}
		events = append(events, models.StageEvent{Timestamp: ts, Stage: models.Stage(d.Level)})
	}
	return events, nil
}

// LastStage returns the final recognised stage of the timeline, or nil if
// there is none
func (l *SleepLog) LastStage(loc *time.Location) (*models.LiveStage, error) {
	events, err := l.StageEvents(loc)
	if err != nil {
		return nil, err
	}
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].Stage.Valid() {
			return &models.LiveStage{Stage: events[i].Stage, Timestamp: events[i].Timestamp}, nil
		}
	}
	return nil, nil
}

func parseLevelTime(value string, loc *time.Location) (time.Time, error) {
	var err error
	for _, layout := range levelTimeLayouts {
		var ts time.Time
		if ts, err = time.ParseInLocation(layout, value, loc); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("parsing stage timestamp %q: %w", value, err)
}
