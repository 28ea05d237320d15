package session

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/mcdev12/racetrack/go/internal/models"
	"github.com/mcdev12/racetrack/go/internal/sqlutil"
)

// Repository persists race sessions and their rosters. It is the only
// component that mutates the RaceSessions and SessionDrivers tables.
type Repository struct {
	db     *sql.DB
	driver string
}

// NewRepository creates a new session Repository on top of db. The driver
// name selects placeholder style and DDL dialect ("sqlite" or "postgres").
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
CREATE TABLE IF NOT EXISTS RaceSessions (
	sessionId INTEGER PRIMARY KEY,
	startTime INTEGER,
	raceMode TEXT,
	status TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS SessionDrivers (
	sessionId INTEGER NOT NULL,
	driverId INTEGER NOT NULL,
	driverName TEXT NOT NULL,
	carNumber INTEGER NOT NULL,
	PRIMARY KEY (sessionId, driverId),
	FOREIGN KEY (sessionId) REFERENCES RaceSessions(sessionId),
	UNIQUE (sessionId, carNumber)
);
CREATE INDEX IF NOT EXISTS idx_sessiondrivers_sessionid ON SessionDrivers (sessionId);
CREATE INDEX IF NOT EXISTS idx_sessiondrivers_carnumber ON SessionDrivers (carNumber);
`

const postgresSchema = `
CREATE TABLE IF NOT EXISTS RaceSessions (
	sessionId BIGINT PRIMARY KEY,
	startTime BIGINT,
	raceMode TEXT,
	status TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS SessionDrivers (
	sessionId BIGINT NOT NULL,
	driverId BIGINT NOT NULL,
	driverName TEXT NOT NULL,
	carNumber INTEGER NOT NULL,
	PRIMARY KEY (sessionId, driverId),
	FOREIGN KEY (sessionId) REFERENCES RaceSessions(sessionId),
	UNIQUE (sessionId, carNumber)
);
CREATE INDEX IF NOT EXISTS idx_sessiondrivers_sessionid ON SessionDrivers (sessionId);
CREATE INDEX IF NOT EXISTS idx_sessiondrivers_carnumber ON SessionDrivers (carNumber);
`

// InitSchema creates the session tables. Failure here is the only fatal
// startup path: the process must not accept clients without a schema.
func (r *Repository) InitSchema(ctx context.Context) error {
	schema := sqliteSchema
	if r.driver == "postgres" {
		schema = postgresSchema
	}
	if _, err := r.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize session schema: %w", err)
	}
	return nil
}

// CreateSession inserts a Pending session with its roster in one
// transaction. The UNIQUE(sessionId, carNumber) constraint is the last
// line of defense behind app-layer validation.
func (r *Repository) CreateSession(ctx context.Context, sessionID int64, roster []models.DriverEntry) error {
	return sqlutil.Run(ctx, r.db, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			r.q(`INSERT INTO RaceSessions (sessionId, status) VALUES (?, ?)`),
			sessionID, models.SessionStatusPending)
		if err != nil {
			if sqlutil.IsUniqueViolation(err) {
				return ErrDuplicateSessionID
			}
			return fmt.Errorf("failed to insert session: %w", err)
		}
		return r.insertRoster(ctx, tx, sessionID, roster)
	})
}

// ReplaceRoster atomically clears and rewrites a session's roster. A
// failed insert rolls back the clear, so readers never observe a torn
// roster.
func (r *Repository) ReplaceRoster(ctx context.Context, sessionID int64, roster []models.DriverEntry) error {
	return sqlutil.Run(ctx, r.db, func(tx *sql.Tx) error {
		var count int
		err := tx.QueryRowContext(ctx,
			r.q(`SELECT COUNT(*) FROM RaceSessions WHERE sessionId = ?`), sessionID).Scan(&count)
		if err != nil {
			return fmt.Errorf("failed to check session: %w", err)
		}
		if count == 0 {
			return ErrSessionNotFound
		}
		if _, err := tx.ExecContext(ctx,
			r.q(`DELETE FROM SessionDrivers WHERE sessionId = ?`), sessionID); err != nil {
			return fmt.Errorf("failed to clear roster: %w", err)
		}
		return r.insertRoster(ctx, tx, sessionID, roster)
	})
}

func (r *Repository) insertRoster(ctx context.Context, tx *sql.Tx, sessionID int64, roster []models.DriverEntry) error {
	for _, d := range roster {
		_, err := tx.ExecContext(ctx,
			r.q(`INSERT INTO SessionDrivers (sessionId, driverId, driverName, carNumber) VALUES (?, ?, ?, ?)`),
			sessionID, d.DriverID, d.DriverName, d.CarNumber)
		if err != nil {
			if sqlutil.IsUniqueViolation(err) {
				return ErrDuplicateCarNumber
			}
			return fmt.Errorf("failed to insert driver %d: %w", d.DriverID, err)
		}
	}
	return nil
}

// StartSession transitions a Pending session to Running, recording the
// start time and resetting the race mode to safe.
func (r *Repository) StartSession(ctx context.Context, sessionID int64, startTime time.Time) error {
	res, err := r.db.ExecContext(ctx,
		r.q(`UPDATE RaceSessions SET startTime = ?, status = ?, raceMode = ? WHERE sessionId = ? AND status = ?`),
		toMillis(startTime), models.SessionStatusRunning, models.RaceModeSafe,
		sessionID, models.SessionStatusPending)
	if err != nil {
		return fmt.Errorf("failed to start session: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if rows == 0 {
		var count int
		err := r.db.QueryRowContext(ctx,
			r.q(`SELECT COUNT(*) FROM RaceSessions WHERE sessionId = ?`), sessionID).Scan(&count)
		if err != nil {
			return fmt.Errorf("failed to check session: %w", err)
		}
		if count == 0 {
			return ErrSessionNotFound
		}
		return ErrInvalidTransition
	}
	return nil
}

// UpdateMode sets the race mode of whichever session is currently Running.
func (r *Repository) UpdateMode(ctx context.Context, mode models.RaceMode) error {
	res, err := r.db.ExecContext(ctx,
		r.q(`UPDATE RaceSessions SET raceMode = ? WHERE status = ?`),
		mode, models.SessionStatusRunning)
	if err != nil {
		return fmt.Errorf("failed to update race mode: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNoActiveSession
	}
	return nil
}

// MarkEnded flips a session to Ended. It reports whether the row actually
// changed, so callers can keep end() idempotent: a second call on the same
// session (or on an absent one) returns false and triggers no broadcast.
func (r *Repository) MarkEnded(ctx context.Context, sessionID int64) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		r.q(`UPDATE RaceSessions SET status = ? WHERE sessionId = ? AND status <> ?`),
		models.SessionStatusEnded, sessionID, models.SessionStatusEnded)
	if err != nil {
		return false, fmt.Errorf("failed to mark session ended: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return rows > 0, nil
}

// DeleteCascade removes a session and everything that references it in one
// transaction, children before parents: laps, then drivers, then the
// session row.
func (r *Repository) DeleteCascade(ctx context.Context, sessionID int64) error {
	return sqlutil.Run(ctx, r.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			r.q(`DELETE FROM LapTimes WHERE sessionId = ?`), sessionID); err != nil {
			return fmt.Errorf("failed to delete laps: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			r.q(`DELETE FROM SessionDrivers WHERE sessionId = ?`), sessionID); err != nil {
			return fmt.Errorf("failed to delete drivers: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			r.q(`DELETE FROM RaceSessions WHERE sessionId = ?`), sessionID); err != nil {
			return fmt.Errorf("failed to delete session: %w", err)
		}
		return nil
	})
}

// DriversForSession returns a session's roster ordered by car number.
func (r *Repository) DriversForSession(ctx context.Context, sessionID int64) ([]models.DriverEntry, error) {
	rows, err := r.db.QueryContext(ctx,
		r.q(`SELECT driverId, driverName, carNumber FROM SessionDrivers WHERE sessionId = ? ORDER BY carNumber ASC`),
		sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to get drivers: %w", err)
	}
	defer rows.Close()

	roster := []models.DriverEntry{}
	for rows.Next() {
		var d models.DriverEntry
		if err := rows.Scan(&d.DriverID, &d.DriverName, &d.CarNumber); err != nil {
			return nil, fmt.Errorf("failed to scan driver: %w", err)
		}
		roster = append(roster, d)
	}
	return roster, rows.Err()
}

// NextPending returns the Pending session with the smallest id, roster
// included, or nil when no session is pending.
func (r *Repository) NextPending(ctx context.Context) (*models.RaceSession, error) {
	var id int64
	err := r.db.QueryRowContext(ctx,
		r.q(`SELECT sessionId FROM RaceSessions WHERE status = ? ORDER BY sessionId ASC LIMIT 1`),
		models.SessionStatusPending).Scan(&id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get next pending session: %w", err)
	}
	roster, err := r.DriversForSession(ctx, id)
	if err != nil {
		return nil, err
	}
	return &models.RaceSession{
		ID:     id,
		Status: models.SessionStatusPending,
		Roster: roster,
	}, nil
}

// AllPending returns every Pending session with its roster, ordered by
// session id ascending.
func (r *Repository) AllPending(ctx context.Context) ([]models.RaceSession, error) {
	rows, err := r.db.QueryContext(ctx,
		r.q(`SELECT sessionId FROM RaceSessions WHERE status = ? ORDER BY sessionId ASC`),
		models.SessionStatusPending)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending sessions: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan session id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sessions := []models.RaceSession{}
	for _, id := range ids {
		roster, err := r.DriversForSession(ctx, id)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, models.RaceSession{
			ID:     id,
			Status: models.SessionStatusPending,
			Roster: roster,
		})
	}
	return sessions, nil
}

// Ongoing returns the Running session with its roster, or nil when no race
// is running. If the one-Running invariant was ever violated the smallest
// session id wins, so reads stay deterministic.
func (r *Repository) Ongoing(ctx context.Context) (*models.RaceSession, error) {
	var (
		id      int64
		startMs sql.NullInt64
		mode    sql.NullString
	)
	err := r.db.QueryRowContext(ctx,
		r.q(`SELECT sessionId, startTime, raceMode FROM RaceSessions WHERE status = ? ORDER BY sessionId ASC LIMIT 1`),
		models.SessionStatusRunning).Scan(&id, &startMs, &mode)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get ongoing session: %w", err)
	}
	roster, err := r.DriversForSession(ctx, id)
	if err != nil {
		return nil, err
	}
	s := &models.RaceSession{
		ID:     id,
		Status: models.SessionStatusRunning,
		Roster: roster,
	}
	if startMs.Valid {
		t := fromMillis(startMs.Int64)
		s.StartTime = &t
	}
	if mode.Valid {
		s.RaceMode = models.RaceMode(mode.String)
	}
	return s, nil
}

// MaxSessionID returns the highest session id in the store, 0 when empty.
func (r *Repository) MaxSessionID(ctx context.Context) (int64, error) {
	var max int64
	err := r.db.QueryRowContext(ctx,
		r.q(`SELECT COALESCE(MAX(sessionId), 0) FROM RaceSessions`)).Scan(&max)
	if err != nil {
		return 0, fmt.Errorf("failed to get max session id: %w", err)
	}
	return max, nil
}

// EndedSessions returns the ids of Ended-but-undeleted sessions left
// behind by a failed delete cascade.
func (r *Repository) EndedSessions(ctx context.Context) ([]int64, error) {
	rows, err := r.db.QueryContext(ctx,
		r.q(`SELECT sessionId FROM RaceSessions WHERE status = ? ORDER BY sessionId ASC`),
		models.SessionStatusEnded)
	if err != nil {
		return nil, fmt.Errorf("failed to list ended sessions: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan session id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
