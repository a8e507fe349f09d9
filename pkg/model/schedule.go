package model

import "time"

// Schedule sets the fraction of requested concurrency a run must obtain
// before it is allowed to proceed. A schedule with an empty ProjectID is the
// fleet-wide default; a project-scoped schedule overrides it.
type Schedule struct {
	ID               string    `json:"id"`
	ProjectID        string    `json:"project_id,omitempty"`
	DayPercent       float64   `json:"day_percent"`
	NightPercent     float64   `json:"night_percent"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Business hours run 8:00 to 20:00 UTC on weekdays; runs outside that window
// accept a lower fill fraction since the fleet is quieter.
const (
	DefaultDayPercent   = 0.9
	DefaultNightPercent = 0.4
)

// MinWorkerPercent returns the fill threshold in effect at t.
func (s *Schedule) MinWorkerPercent(t time.Time) float64 {
	if BusinessHours(t) {
		return s.DayPercent
	}
	return s.NightPercent
}

// BusinessHours reports whether t falls inside weekday business hours.
func BusinessHours(t time.Time) bool {
	switch t.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	h := t.Hour()
	return h > 8 && h < 20
}

// DefaultSchedule is the threshold used when no schedule row exists.
func DefaultSchedule() *Schedule {
	return &Schedule{DayPercent: DefaultDayPercent, NightPercent: DefaultNightPercent}
}
