package models

import (
	"time"
)

// LapRecord is one recorded lap-line crossing. Records are append-only:
// once inserted they are never updated or reordered.
type LapRecord struct {
	LapID     int64         `json:"lapId"`
	SessionID int64         `json:"sessionId"`
	CarNumber int           `json:"carNumber"`
	LapNumber int           `json:"lapNumber"`
	LapTime   time.Duration `json:"lapTime"`
	Timestamp time.Time     `json:"timestamp"`
}

// LeaderboardRow is the derived ranking entry for one car. Cars with no
// recorded laps have no row; consumers must treat "no data" distinctly
// from "slow".
type LeaderboardRow struct {
	CarNumber  int   `json:"carNumber"`
	FastestLap int64 `json:"fastestLap"` // milliseconds
	CurrentLap int   `json:"currentLap"`
}
