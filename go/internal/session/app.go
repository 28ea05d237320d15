package session

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/mcdev12/racetrack/go/internal/models"
)

// SessionRepository defines what the app layer needs from the repository
type SessionRepository interface {
	CreateSession(ctx context.Context, sessionID int64, roster []models.DriverEntry) error
	ReplaceRoster(ctx context.Context, sessionID int64, roster []models.DriverEntry) error
	StartSession(ctx context.Context, sessionID int64, startTime time.Time) error
	UpdateMode(ctx context.Context, mode models.RaceMode) error
	MarkEnded(ctx context.Context, sessionID int64) (bool, error)
	DeleteCascade(ctx context.Context, sessionID int64) error
	DriversForSession(ctx context.Context, sessionID int64) ([]models.DriverEntry, error)
	NextPending(ctx context.Context) (*models.RaceSession, error)
	AllPending(ctx context.Context) ([]models.RaceSession, error)
	Ongoing(ctx context.Context) (*models.RaceSession, error)
	MaxSessionID(ctx context.Context) (int64, error)
	EndedSessions(ctx context.Context) ([]int64, error)
}

// App enforces the session lifecycle: Pending -> Running -> Ended, roster
// shape rules, and the cascade that removes an ended session.
type App struct {
	repo SessionRepository
}

// NewApp creates a new session App
func NewApp(repo SessionRepository) *App {
	return &App{
		repo: repo,
	}
}

// Schedule creates a Pending session with the given roster.
func (a *App) Schedule(ctx context.Context, sessionID int64, roster []models.DriverEntry) error {
	if sessionID <= 0 {
		return fmt.Errorf("%w: session id must be positive", ErrInvalidRoster)
	}
	if err := validateRoster(roster); err != nil {
		return err
	}
	if err := a.repo.CreateSession(ctx, sessionID, roster); err != nil {
		return err
	}
	log.Printf("Scheduled race session %d with %d drivers", sessionID, len(roster))
	return nil
}

// ReplaceRoster atomically rewrites a session's roster. Used both while
// Pending and mid-race for corrections.
func (a *App) ReplaceRoster(ctx context.Context, sessionID int64, roster []models.DriverEntry) error {
	if err := validateRoster(roster); err != nil {
		return err
	}
	if err := a.repo.ReplaceRoster(ctx, sessionID, roster); err != nil {
		return err
	}
	log.Printf("Replaced roster for session %d with %d drivers", sessionID, len(roster))
	return nil
}

// Start transitions a Pending session to Running with race mode safe.
func (a *App) Start(ctx context.Context, sessionID int64, startTime time.Time) error {
	if err := a.repo.StartSession(ctx, sessionID, startTime); err != nil {
		return err
	}
	log.Printf("Started race session %d at %s", sessionID, startTime.UTC().Format(time.RFC3339))
	return nil
}

// SetMode updates the race mode of the currently Running session.
func (a *App) SetMode(ctx context.Context, mode models.RaceMode) error {
	if !mode.IsValid() {
		return fmt.Errorf("unknown race mode %q", mode)
	}
	return a.repo.UpdateMode(ctx, mode)
}

// End marks a session Ended and deletes it together with its laps and
// roster. It reports whether the session actually ended so callers can
// suppress duplicate broadcasts: ending an already-ended or absent
// session is a no-op, not an error. A failed cascade leaves an
// Ended-but-undeleted row behind; every read excludes Ended, so the next
// "ongoing race" query finds nothing and the store stays consistent.
func (a *App) End(ctx context.Context, sessionID int64) (bool, error) {
	ended, err := a.repo.MarkEnded(ctx, sessionID)
	if err != nil {
		return false, err
	}
	if !ended {
		return false, nil
	}
	if err := a.repo.DeleteCascade(ctx, sessionID); err != nil {
		log.Printf("Failed to delete ended session %d, leaving for sweep: %v", sessionID, err)
	}
	return true, nil
}

// Delete removes a session and all of its data. Deleting an absent
// session is a no-op.
func (a *App) Delete(ctx context.Context, sessionID int64) error {
	return a.repo.DeleteCascade(ctx, sessionID)
}

// NextPending returns the upcoming session, or nil when none is scheduled.
func (a *App) NextPending(ctx context.Context) (*models.RaceSession, error) {
	return a.repo.NextPending(ctx)
}

// AllPending returns every scheduled session with its roster.
func (a *App) AllPending(ctx context.Context) ([]models.RaceSession, error) {
	return a.repo.AllPending(ctx)
}

// Ongoing returns the Running session, or nil when no race is in progress.
func (a *App) Ongoing(ctx context.Context) (*models.RaceSession, error) {
	return a.repo.Ongoing(ctx)
}

// Roster returns a session's roster ordered by car number.
func (a *App) Roster(ctx context.Context, sessionID int64) ([]models.DriverEntry, error) {
	return a.repo.DriversForSession(ctx, sessionID)
}

// NextSessionID returns max(sessionId)+1, or 1 when the store is empty.
func (a *App) NextSessionID(ctx context.Context) (int64, error) {
	max, err := a.repo.MaxSessionID(ctx)
	if err != nil {
		return 0, err
	}
	return max + 1, nil
}

// SweepEnded deletes Ended-but-undeleted sessions left behind by a crash
// or a failed cascade. Called once at startup before restoring state.
func (a *App) SweepEnded(ctx context.Context) error {
	ids, err := a.repo.EndedSessions(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := a.repo.DeleteCascade(ctx, id); err != nil {
			log.Printf("Failed to sweep ended session %d: %v", id, err)
		} else {
			log.Printf("Swept ended session %d", id)
		}
	}
	return nil
}

func validateRoster(roster []models.DriverEntry) error {
	if len(roster) == 0 {
		return fmt.Errorf("%w: roster must have at least one driver", ErrInvalidRoster)
	}
	if len(roster) > models.MaxCarNumber {
		return fmt.Errorf("%w: roster cannot exceed %d drivers", ErrInvalidRoster, models.MaxCarNumber)
	}
	cars := make(map[int]bool, len(roster))
	drivers := make(map[int64]bool, len(roster))
	for _, d := range roster {
		if d.DriverName == "" {
			return fmt.Errorf("%w: driver %d has an empty name", ErrInvalidRoster, d.DriverID)
		}
		if d.CarNumber < 1 || d.CarNumber > models.MaxCarNumber {
			return fmt.Errorf("%w: car number %d out of range 1-%d", ErrInvalidRoster, d.CarNumber, models.MaxCarNumber)
		}
		if cars[d.CarNumber] {
			return ErrDuplicateCarNumber
		}
		cars[d.CarNumber] = true
		if drivers[d.DriverID] {
			return fmt.Errorf("%w: driver id %d appears twice", ErrInvalidRoster, d.DriverID)
		}
		drivers[d.DriverID] = true
	}
	return nil
}
