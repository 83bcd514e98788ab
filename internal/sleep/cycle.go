// Package sleep derives the user's sleep-cycle length and the daily sleep summary.
package sleep

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/providentiaww/sunrise/internal/models"
)

// ErrInvalidClock is returned for a bedtime that is not a valid HH:MM
var ErrInvalidClock = errors.New("invalid clock time")

// DefaultCycleMinutes is used whenever no estimate can be made
const DefaultCycleMinutes = 90

const (
	minCycleMinutes = 45
	maxCycleMinutes = 150
)

// EstimateCycleMinutes estimates the cycle length from a stage timeline as the
// mean gap between successive entries into deep sleep. Gaps outside the open
// interval (45, 150) minutes are discarded. It returns false when fewer than two
// deep entries exist or every gap was discarded.
func EstimateCycleMinutes(events []models.StageEvent) (int, bool) {
	var entries []time.Time
	for i := 1; i < len(events); i++ {
		if events[i].Stage == models.StageDeep && events[i-1].Stage != models.StageDeep {
			entries = append(entries, events[i].Timestamp)
		}
	}
	if len(entries) < 2 {
		return 0, false
	}

	var sum float64
	var kept int
	for i := 1; i < len(entries); i++ {
		d := entries[i].Sub(entries[i-1]).Minutes()
		if d > minCycleMinutes && d < maxCycleMinutes {
			sum += d
			kept++
		}
	}
	if kept == 0 {
		return 0, false
	}
	return int(math.Round(sum / float64(kept))), true
}

// CycleOrDefault returns the estimate for events, or DefaultCycleMinutes
func CycleOrDefault(events []models.StageEvent) int {
	if minutes, ok := EstimateCycleMinutes(events); ok {
		return minutes
	}
	return DefaultCycleMinutes
}

// WakeTime is one recommended wake-up time
type WakeTime struct {
	Cycles int    `json:"cycles"`
	Time   string `json:"time"`
}

// RecommendedCycles are the cycle counts offered as wake-up options
var RecommendedCycles = []int{3, 4, 5}

// RecommendWakeTimes returns bedtime plus cycleMinutes × {3,4,5}. bedtime is
// HH:MM on the day of now; a bedtime already in the past rolls to the next day.
func RecommendWakeTimes(bedtime string, cycleMinutes int, now time.Time) ([]WakeTime, error) {
	hour, minute, err := parseClock(bedtime)
	if err != nil {
		return nil, err
	}
	if cycleMinutes <= 0 {
		cycleMinutes = DefaultCycleMinutes
	}

	start := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
	if start.Before(now) {
		start = start.AddDate(0, 0, 1)
	}

	out := make([]WakeTime, 0, len(RecommendedCycles))
	for _, n := range RecommendedCycles {
		wake := start.Add(time.Duration(n*cycleMinutes) * time.Minute)
		out = append(out, WakeTime{Cycles: n, Time: wake.Format("15:04")})
	}
	return out, nil
}

func parseClock(s string) (int, int, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("%w: bedtime %q is not HH:MM", ErrInvalidClock, s)
	}
	hour, err := strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("%w: bedtime %q has an invalid hour", ErrInvalidClock, s)
	}
	minute, err := strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("%w: bedtime %q has an invalid minute", ErrInvalidClock, s)
	}
	return hour, minute, nil
}
