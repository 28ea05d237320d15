package laps

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/mcdev12/racetrack/go/internal/models"
	"github.com/mcdev12/racetrack/go/internal/sqlutil"
)

// Repository appends lap records and derives the leaderboard. LapTimes is
// append-only: rows are never updated or reordered after insertion.
type Repository struct {
	db     *sql.DB
	driver string
}

// NewRepository creates a new laps Repository on top of db.
func NewRepository(db *sql.DB, driver string) *Repository {
	return &Repository{
		db:     db,
		driver: driver,
	}
}

func (r *Repository) q(query string) string {
	return sqlutil.Rebind(r.driver, query)
}

func toMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS LapTimes (
	lapId INTEGER PRIMARY KEY AUTOINCREMENT,
	sessionId INTEGER NOT NULL,
	carNumber INTEGER NOT NULL,
	lapNumber INTEGER NOT NULL,
	lapTime INTEGER NOT NULL,
	timestamp INTEGER NOT NULL,
	FOREIGN KEY (sessionId) REFERENCES RaceSessions(sessionId)
);
CREATE INDEX IF NOT EXISTS idx_laptimes_session_car ON LapTimes (sessionId, carNumber);
`

const postgresSchema = `
CREATE TABLE IF NOT EXISTS LapTimes (
	lapId BIGSERIAL PRIMARY KEY,
	sessionId BIGINT NOT NULL,
	carNumber INTEGER NOT NULL,
	lapNumber INTEGER NOT NULL,
	lapTime BIGINT NOT NULL,
	timestamp BIGINT NOT NULL,
	FOREIGN KEY (sessionId) REFERENCES RaceSessions(sessionId)
);
CREATE INDEX IF NOT EXISTS idx_laptimes_session_car ON LapTimes (sessionId, carNumber);
`

// InitSchema creates the lap table. Must run after the session schema,
// which owns the table LapTimes references.
func (r *Repository) InitSchema(ctx context.Context) error {
	schema := sqliteSchema
	if r.driver == "postgres" {
		schema = postgresSchema
	}
	if _, err := r.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize lap schema: %w", err)
	}
	return nil
}

// InsertCrossing appends one lap for a line-crossing event. The lap number
// continues the car's sequence gap-free; the lap time is measured from the
// car's previous crossing, or from the session start for lap one. Reading
// the previous lap and inserting the new one happen in a single
// transaction so concurrent intents cannot interleave between them.
func (r *Repository) InsertCrossing(ctx context.Context, sessionID int64, carNumber int, timestamp, sessionStart time.Time) (*models.LapRecord, error) {
	var lap *models.LapRecord
	err := sqlutil.Run(ctx, r.db, func(tx *sql.Tx) error {
		var count int
		err := tx.QueryRowContext(ctx,
			r.q(`SELECT COUNT(*) FROM RaceSessions WHERE sessionId = ?`), sessionID).Scan(&count)
		if err != nil {
			return fmt.Errorf("failed to check session: %w", err)
		}
		if count == 0 {
			return ErrUnknownSession
		}

		var (
			prevNumber int
			prevMs     int64
		)
		err = tx.QueryRowContext(ctx,
			r.q(`SELECT lapNumber, timestamp FROM LapTimes WHERE sessionId = ? AND carNumber = ? ORDER BY lapNumber DESC LIMIT 1`),
			sessionID, carNumber).Scan(&prevNumber, &prevMs)
		hasPrev := true
		if err == sql.ErrNoRows {
			hasPrev = false
		} else if err != nil {
			return fmt.Errorf("failed to get last lap: %w", err)
		}

		lapNumber := 1
		lapTime := timestamp.Sub(sessionStart)
		if hasPrev {
			lapNumber = prevNumber + 1
			lapTime = timestamp.Sub(fromMillis(prevMs))
		}

		_, err = tx.ExecContext(ctx,
			r.q(`INSERT INTO LapTimes (sessionId, carNumber, lapNumber, lapTime, timestamp) VALUES (?, ?, ?, ?, ?)`),
			sessionID, carNumber, lapNumber, lapTime.Milliseconds(), toMillis(timestamp))
		if err != nil {
			return fmt.Errorf("failed to insert lap: %w", err)
		}

		lap = &models.LapRecord{
			SessionID: sessionID,
			CarNumber: carNumber,
			LapNumber: lapNumber,
			LapTime:   lapTime,
			Timestamp: timestamp.UTC(),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return lap, nil
}

// Leaderboard returns one row per car with at least one lap, fastest lap
// first. Cars with no laps are simply absent.
func (r *Repository) Leaderboard(ctx context.Context, sessionID int64) ([]models.LeaderboardRow, error) {
	rows, err := r.db.QueryContext(ctx,
		r.q(`SELECT carNumber, MIN(lapTime) AS fastestLap, MAX(lapNumber) AS currentLap
		     FROM LapTimes WHERE sessionId = ? GROUP BY carNumber ORDER BY fastestLap ASC`),
		sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to get leaderboard: %w", err)
	}
	defer rows.Close()

	board := []models.LeaderboardRow{}
	for rows.Next() {
		var row models.LeaderboardRow
		if err := rows.Scan(&row.CarNumber, &row.FastestLap, &row.CurrentLap); err != nil {
			return nil, fmt.Errorf("failed to scan leaderboard row: %w", err)
		}
		board = append(board, row)
	}
	return board, rows.Err()
}

// LapsForCar returns a car's recorded laps in lap-number order.
func (r *Repository) LapsForCar(ctx context.Context, sessionID int64, carNumber int) ([]models.LapRecord, error) {
	rows, err := r.db.QueryContext(ctx,
		r.q(`SELECT lapId, lapNumber, lapTime, timestamp FROM LapTimes WHERE sessionId = ? AND carNumber = ? ORDER BY lapNumber ASC`),
		sessionID, carNumber)
	if err != nil {
		return nil, fmt.Errorf("failed to get laps: %w", err)
	}
	defer rows.Close()

	var laps []models.LapRecord
	for rows.Next() {
		var (
			lap    models.LapRecord
			timeMs int64
			tsMs   int64
		)
		if err := rows.Scan(&lap.LapID, &lap.LapNumber, &timeMs, &tsMs); err != nil {
			return nil, fmt.Errorf("failed to scan lap: %w", err)
		}
		lap.SessionID = sessionID
		lap.CarNumber = carNumber
		lap.LapTime = time.Duration(timeMs) * time.Millisecond
		lap.Timestamp = fromMillis(tsMs)
		laps = append(laps, lap)
	}
	return laps, rows.Err()
}
