package models

import "fmt"

// MaxAlarms is the number of alarms a user may configure at once
const MaxAlarms = 6

// Alarm is a daily wake-up time with one sound per sleep-stage branch
type Alarm struct {
	ID          int64  `json:"id"`
	Hour        int    `json:"hour"`
	Minute      int    `json:"minute"`
	Enabled     bool   `json:"isOn"`
	SoundNonREM string `json:"sound_nonrem"`
	SoundREM    string `json:"sound_rem"`
}

// Label formats the alarm time as HH:MM
func (a Alarm) Label() string {
	return fmt.Sprintf("%02d:%02d", a.Hour, a.Minute)
}

// NewAlarm is the user-supplied part of an alarm before it has an ID
type NewAlarm struct {
	Hour        int    `json:"hour" validate:"gte=0,lte=23"`
	Minute      int    `json:"minute" validate:"gte=0,lte=59"`
	SoundNonREM string `json:"soundNonrem" validate:"required"`
	SoundREM    string `json:"soundRem" validate:"required"`
}

// FireDecision is the per-minute verdict of the alarm check
type FireDecision struct {
	ShouldFire bool   `json:"shouldFire"`
	Sound      string `json:"sound,omitempty"`
}
