// Package alarm decides whether an alarm fires this minute and with which sound.
package alarm

import (
	"context"
	"time"

	"github.com/providentiaww/sunrise/internal/models"
)

// FreshWindow is how recent a live stage reading must be to count as current
const FreshWindow = 30 * time.Minute

// LiveStageQuery returns the latest stage reading, or nil when none exists
type LiveStageQuery func(ctx context.Context) (*models.LiveStage, error)

// Match returns the first enabled alarm set to now's hour and minute. When
// several enabled alarms share that time the first one in alarms wins.
func Match(alarms []models.Alarm, now time.Time) (models.Alarm, bool) {
	for _, a := range alarms {
		if a.Enabled && a.Hour == now.Hour() && a.Minute == now.Minute() {
			return a, true
		}
	}
	return models.Alarm{}, false
}

// SelectSound maps the live stage to one of the alarm's sounds. Only a fresh
// wake or rem reading selects the REM sound. A reading stamped after now is
// treated as unknown since its zone cannot be trusted.
func SelectSound(a models.Alarm, live *models.LiveStage, now time.Time, window time.Duration) string {
	if live == nil {
		return a.SoundNonREM
	}
	if age := live.Age(now); age < 0 || age >= window {
		return a.SoundNonREM
	}
	switch live.Stage {
	case models.StageWake, models.StageREM:
		return a.SoundREM
	default:
		return a.SoundNonREM
	}
}

// CheckAlarms evaluates the alarms at now. The live stage is queried only when
// an alarm matches. A failed query yields no decision: the error is returned
// with ShouldFire false so a broken provider never triggers an alarm.
func CheckAlarms(ctx context.Context, alarms []models.Alarm, now time.Time, query LiveStageQuery) (models.FireDecision, error) {
	return checkAlarms(ctx, alarms, now, query, FreshWindow)
}

func checkAlarms(ctx context.Context, alarms []models.Alarm, now time.Time, query LiveStageQuery, window time.Duration) (models.FireDecision, error) {
	a, ok := Match(alarms, now)
	if !ok {
		return models.FireDecision{ShouldFire: false}, nil
	}

	var live *models.LiveStage
	if query != nil {
		var err error
		if live, err = query(ctx); err != nil {
			return models.FireDecision{ShouldFire: false}, err
		}
	}
	return models.FireDecision{ShouldFire: true, Sound: SelectSound(a, live, now, window)}, nil
}
