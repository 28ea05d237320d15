package laps

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/mcdev12/racetrack/go/internal/models"
)

// LapsRepository defines what the app layer needs from the repository
type LapsRepository interface {
	InsertCrossing(ctx context.Context, sessionID int64, carNumber int, timestamp, sessionStart time.Time) (*models.LapRecord, error)
	Leaderboard(ctx context.Context, sessionID int64) ([]models.LeaderboardRow, error)
	LapsForCar(ctx context.Context, sessionID int64, carNumber int) ([]models.LapRecord, error)
}

// App converts raw line-crossing events into lap records and serves the
// derived leaderboard view.
type App struct {
	repo LapsRepository
}

// NewApp creates a new laps App
func NewApp(repo LapsRepository) *App {
	return &App{
		repo: repo,
	}
}

// RecordCrossing appends exactly one lap for a crossing event. There is no
// deduplication or minimum lap time: an accidental double press is two
// laps. That keeps the timing line the single source of truth; filtering
// belongs to the input surface, not the engine.
func (a *App) RecordCrossing(ctx context.Context, sessionID int64, carNumber int, timestamp, sessionStart time.Time) (*models.LapRecord, error) {
	if carNumber < 1 || carNumber > models.MaxCarNumber {
		return nil, fmt.Errorf("car number %d out of range 1-%d", carNumber, models.MaxCarNumber)
	}
	lap, err := a.repo.InsertCrossing(ctx, sessionID, carNumber, timestamp, sessionStart)
	if err != nil {
		return nil, err
	}
	log.Printf("Recorded lap %d for car %d in session %d (%s)", lap.LapNumber, carNumber, sessionID, lap.LapTime)
	return lap, nil
}

// Leaderboard returns the ranking for a session, fastest lap first.
func (a *App) Leaderboard(ctx context.Context, sessionID int64) ([]models.LeaderboardRow, error) {
	return a.repo.Leaderboard(ctx, sessionID)
}

// LapsForCar returns a car's lap history in order.
func (a *App) LapsForCar(ctx context.Context, sessionID int64, carNumber int) ([]models.LapRecord, error) {
	return a.repo.LapsForCar(ctx, sessionID, carNumber)
}
