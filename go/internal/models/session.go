package models

import (
	"time"
)

// SessionStatus defines the lifecycle state of a race session.
type SessionStatus string

const (
	SessionStatusPending SessionStatus = "Pending"
	SessionStatusRunning SessionStatus = "Running"
	SessionStatusEnded   SessionStatus = "Ended"
)

// IsValid reports whether the status is one of the known lifecycle states.
func (s SessionStatus) IsValid() bool {
	switch s {
	case SessionStatusPending, SessionStatusRunning, SessionStatusEnded:
		return true
	}
	return false
}

// RaceMode defines the safety flag of a running session.
type RaceMode string

const (
	RaceModeSafe   RaceMode = "safe"
	RaceModeHazard RaceMode = "hazard"
	RaceModeDanger RaceMode = "danger"
	RaceModeFinish RaceMode = "finish"
)

// IsValid reports whether the mode is one of the known race modes.
func (m RaceMode) IsValid() bool {
	switch m {
	case RaceModeSafe, RaceModeHazard, RaceModeDanger, RaceModeFinish:
		return true
	}
	return false
}

// MaxCarNumber is the highest car number a roster may assign; the track
// runs at most eight cars per session.
const MaxCarNumber = 8

// DriverEntry is one driver/car pairing in a session roster.
type DriverEntry struct {
	DriverID   int64  `json:"driverId"`
	DriverName string `json:"driverName"`
	CarNumber  int    `json:"carNumber"`
}

// RaceSession represents one scheduled or active race.
type RaceSession struct {
	ID        int64         `json:"sessionId"`
	Status    SessionStatus `json:"status"`
	StartTime *time.Time    `json:"startTime,omitempty"`
	RaceMode  RaceMode      `json:"raceMode,omitempty"`
	Roster    []DriverEntry `json:"driverList"`
}
