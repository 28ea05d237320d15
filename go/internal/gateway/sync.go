package gateway

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/mcdev12/racetrack/go/internal/models"
)

// SyncConnection pushes the catch-up snapshot to a newly attached client,
// independent of any intent it issues. Order is fixed: configuration,
// resume snapshot of the running race (if any) with its mode and
// leaderboard, the next pending session, then the full pending list. The
// payload shapes are identical to the steady-state broadcasts, so clients
// render sync and live updates through one code path.
func (c *Coordinator) SyncConnection(ctx context.Context, conn *Connection) {
	c.sendTo(conn, EventSetConfiguration, ConfigurationPayload{
		IsDeveloperMode: c.cfg.DeveloperMode,
	})

	ongoing, err := c.sessions.Ongoing(ctx)
	if err != nil {
		log.Error().Err(err).Str("connection_id", conn.ID).Msg("failed to load ongoing race for sync")
	}
	if ongoing != nil && ongoing.StartTime != nil {
		log.Info().
			Str("connection_id", conn.ID).
			Int64("session_id", ongoing.ID).
			Msg("sending resume snapshot")

		dev := c.cfg.DeveloperMode
		c.sendTo(conn, EventSessionStarted, SessionStartedPayload{
			SessionID:       ongoing.ID,
			StartTime:       ongoing.StartTime.UnixMilli(),
			RaceMode:        ongoing.RaceMode,
			IsDeveloperMode: &dev,
			Source:          SourceResume,
			DriverList:      ongoing.Roster,
		})
		c.sendTo(conn, EventRaceModeUpdate, ModePayload{Mode: ongoing.RaceMode})

		board, err := c.laps.Leaderboard(ctx, ongoing.ID)
		if err != nil {
			log.Error().Err(err).Int64("session_id", ongoing.ID).Msg("failed to load leaderboard for sync")
		} else {
			c.sendTo(conn, EventUpdateLeaderboard, board)
		}
	}

	entries, err := c.nextRaceEntries(ctx)
	if err != nil {
		log.Error().Err(err).Msg("failed to load next race for sync")
	} else {
		c.sendTo(conn, EventNextRaceSession, entries)
	}

	pending, err := c.sessions.AllPending(ctx)
	if err != nil {
		log.Error().Err(err).Msg("failed to load pending sessions for sync")
		return
	}
	c.sendTo(conn, EventReloadedScheduledRace, rosterPayloads(pending))
}

// RestoreState rebuilds the coordinator's view of the store after a
// process restart: sweeps Ended leftovers, then either resumes the running
// race's countdown or, when the race expired while the server was down,
// finishes it the way a live expiry would have.
func (c *Coordinator) RestoreState(ctx context.Context) error {
	if err := c.sessions.SweepEnded(ctx); err != nil {
		return err
	}

	ongoing, err := c.sessions.Ongoing(ctx)
	if err != nil {
		return err
	}
	if ongoing == nil || ongoing.StartTime == nil {
		log.Info().Msg("no ongoing race session to restore")
		return nil
	}

	elapsed := c.clock.Since(*ongoing.StartTime)
	if elapsed >= c.cfg.Duration() {
		log.Info().
			Int64("session_id", ongoing.ID).
			Dur("elapsed", elapsed).
			Msg("ongoing race already expired, ending now")

		board, err := c.laps.Leaderboard(ctx, ongoing.ID)
		if err != nil {
			log.Error().Err(err).Msg("failed to load final leaderboard")
		} else {
			c.broadcast(EventUpdateLeaderboard, board)
		}

		if _, err := c.sessions.End(ctx, ongoing.ID); err != nil {
			return err
		}
		c.broadcast(EventRaceModeUpdate, ModePayload{Mode: models.RaceModeFinish})
		c.broadcast(EventTimerUpdate, TimerPayload{Remaining: "00:00"})
		c.broadcast(EventSessionEnded, SessionIDPayload{SessionID: ongoing.ID})
		return nil
	}

	log.Info().
		Int64("session_id", ongoing.ID).
		Str("race_mode", string(ongoing.RaceMode)).
		Msg("resuming ongoing race session")

	c.mu.Lock()
	c.raceInProgress = true
	c.mu.Unlock()
	c.timer.Start(*ongoing.StartTime, c.cfg.Duration())
	return nil
}
