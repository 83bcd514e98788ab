package models

import (
	"fmt"
	"math"
	"time"
)

// Stage is a sleep-depth classification reported by the provider
type Stage string

const (
	StageWake  Stage = "wake"
	StageREM   Stage = "rem"
	StageLight Stage = "light"
	StageDeep  Stage = "deep"
)

// Valid reports whether s is one of the four known stages
func (s Stage) Valid() bool {
	switch s {
	case StageWake, StageREM, StageLight, StageDeep:
		return true
	}
	return false
}

// StageEvent is a timestamped stage classification within one sleep session
type StageEvent struct {
	Timestamp time.Time `json:"timestamp"`
	Stage     Stage     `json:"stage"`
}

// StageMinutes holds the per-stage totals for a session
type StageMinutes struct {
	Deep  int `json:"deep"`
	Light int `json:"light"`
	REM   int `json:"rem"`
	Wake  int `json:"wake"`
}

// SleepSample is the stored summary of one night, keyed by DateOfSleep (YYYY-MM-DD)
type SleepSample struct {
	DateOfSleep  string       `json:"date_of_sleep"`
	TotalMinutes int          `json:"total_minutes"`
	Stages       StageMinutes `json:"stages"`
	Efficiency   int          `json:"efficiency"`
}

// Hours returns the total sleep time in hours rounded to two decimals
func (s SleepSample) Hours() float64 {
	return math.Round(float64(s.TotalMinutes)/60*100) / 100
}

// Clock formats the total sleep time as H:MM
func (s SleepSample) Clock() string {
	return fmt.Sprintf("%d:%02d", s.TotalMinutes/60, s.TotalMinutes%60)
}

// LiveStage is the most recent stage reading for the current night
type LiveStage struct {
	Stage     Stage     `json:"stage"`
	Timestamp time.Time `json:"timestamp"`
}

// Age returns how old the reading is relative to now
func (l LiveStage) Age(now time.Time) time.Duration {
	return now.Sub(l.Timestamp)
}
