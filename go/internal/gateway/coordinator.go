package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/racetrack/go/internal/laps"
	"github.com/mcdev12/racetrack/go/internal/metrics"
	"github.com/mcdev12/racetrack/go/internal/models"
	"github.com/mcdev12/racetrack/go/internal/session"
)

// ErrRaceInProgress is returned when a start intent arrives while another
// session is already Running.
var ErrRaceInProgress = errors.New("a race is already in progress")

// Config holds race timing configuration for the coordinator.
type Config struct {
	DeveloperMode     bool
	RaceDuration      time.Duration
	DeveloperDuration time.Duration
}

// Duration returns the countdown length for the configured mode.
func (c Config) Duration() time.Duration {
	if c.DeveloperMode {
		return c.DeveloperDuration
	}
	return c.RaceDuration
}

// DefaultConfig returns the production race configuration: ten-minute
// races, one minute in developer mode.
func DefaultConfig() Config {
	return Config{
		RaceDuration:      10 * time.Minute,
		DeveloperDuration: time.Minute,
	}
}

// Coordinator validates client intents against the current lifecycle
// state, applies them through the session and lap apps, and broadcasts the
// re-derived views to every connected client. Mutating intents are
// serialized through a single mutex: one logical writer, with the store's
// uniqueness constraints as the last line of defense.
type Coordinator struct {
	sessions *session.App
	laps     *laps.App
	manager  *ConnectionManager
	timer    *CountdownTimer
	clock    clockwork.Clock
	cfg      Config

	mu sync.Mutex
	// raceInProgress is an advisory cache over the store's status column,
	// rebuilt from the store at startup. It only suppresses redundant
	// next-race pushes; it is never the enforcement point.
	raceInProgress bool
}

// NewCoordinator wires the coordinator into the connection manager's
// connect and intent hooks.
func NewCoordinator(sessions *session.App, lapApp *laps.App, manager *ConnectionManager, clock clockwork.Clock, cfg Config) *Coordinator {
	c := &Coordinator{
		sessions: sessions,
		laps:     lapApp,
		manager:  manager,
		clock:    clock,
		cfg:      cfg,
	}
	c.timer = NewCountdownTimer(clock, manager.Broadcast)
	manager.OnConnect(c.SyncConnection)
	manager.OnIntent(c.HandleIntent)
	return c
}

// HandleIntent dispatches one decoded client intent.
func (c *Coordinator) HandleIntent(ctx context.Context, conn *Connection, event Event) {
	metrics.IntentsTotal.WithLabelValues(string(event.Type)).Inc()

	switch event.Type {
	case IntentScheduleSession:
		c.handleSchedule(ctx, conn, event)
	case IntentDriverListChange:
		c.handleDriverListChange(ctx, conn, event)
	case IntentGetNextSessionID:
		c.handleGetNextSessionID(ctx, conn)
	case IntentSafeToStart:
		c.handleSafeToStart(ctx, conn, event)
	case IntentRaceStart:
		c.handleRaceStart(ctx, conn, event)
	case IntentRaceModeChange:
		c.handleModeChange(ctx, conn, event)
	case IntentLapLineCrossed:
		c.handleLapCrossed(ctx, conn, event)
	case IntentRaceEnd:
		c.handleRaceEnd(ctx, conn, event)
	case IntentDeleteSession:
		c.handleDeleteSession(ctx, conn, event)
	default:
		log.Warn().
			Str("connection_id", conn.ID).
			Str("event", string(event.Type)).
			Msg("unknown intent")
	}
}

func (c *Coordinator) handleSchedule(ctx context.Context, conn *Connection, event Event) {
	var payload SchedulePayload
	if err := json.Unmarshal(event.Data, &payload); err != nil {
		c.reportError(conn, event.Type, err)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	details := payload.SessionDetails
	if err := c.sessions.Schedule(ctx, details.SessionID, details.DriverList); err != nil {
		c.reportError(conn, event.Type, err)
		return
	}
	if !c.raceInProgress {
		c.broadcastNextRace(ctx)
	}
}

func (c *Coordinator) handleDriverListChange(ctx context.Context, conn *Connection, event Event) {
	var payload SessionRosterPayload
	if err := json.Unmarshal(event.Data, &payload); err != nil {
		c.reportError(conn, event.Type, err)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.sessions.ReplaceRoster(ctx, payload.SessionID, payload.DriverList); err != nil {
		c.reportError(conn, event.Type, err)
		return
	}
	// Re-read so the broadcast reflects stored order, not caller order.
	roster, err := c.sessions.Roster(ctx, payload.SessionID)
	if err != nil {
		c.reportError(conn, event.Type, err)
		return
	}
	c.broadcast(EventDriverListUpdated, SessionRosterPayload{
		SessionID:  payload.SessionID,
		DriverList: roster,
	})
	c.broadcastNextRace(ctx)
}

func (c *Coordinator) handleGetNextSessionID(ctx context.Context, conn *Connection) {
	next, err := c.sessions.NextSessionID(ctx)
	if err != nil {
		c.reportError(conn, IntentGetNextSessionID, err)
		return
	}
	c.sendTo(conn, EventNextSessionID, NextSessionIDPayload{NextSessionID: next})
}

func (c *Coordinator) handleSafeToStart(ctx context.Context, conn *Connection, event Event) {
	var payload SessionIDPayload
	if err := json.Unmarshal(event.Data, &payload); err != nil {
		c.reportError(conn, event.Type, err)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	roster, err := c.sessions.Roster(ctx, payload.SessionID)
	if err != nil {
		c.reportError(conn, event.Type, err)
		return
	}
	c.raceInProgress = true
	c.broadcast(EventReadyToStart, SessionRosterPayload{
		SessionID:  payload.SessionID,
		DriverList: roster,
	})
}

func (c *Coordinator) handleRaceStart(ctx context.Context, conn *Connection, event Event) {
	var payload RaceStartPayload
	if err := json.Unmarshal(event.Data, &payload); err != nil {
		c.reportError(conn, event.Type, err)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// The store's status column is the truth here, not the in-memory flag:
	// re-check it before every start decision.
	ongoing, err := c.sessions.Ongoing(ctx)
	if err != nil {
		c.reportError(conn, event.Type, err)
		return
	}
	if ongoing != nil {
		c.reportError(conn, event.Type, ErrRaceInProgress)
		return
	}

	startTime := time.UnixMilli(payload.StartTime).UTC()
	if err := c.sessions.Start(ctx, payload.SessionID, startTime); err != nil {
		c.reportError(conn, event.Type, err)
		return
	}

	c.raceInProgress = true
	c.broadcast(EventSessionStarted, SessionStartedPayload{
		SessionID: payload.SessionID,
		StartTime: payload.StartTime,
	})
	c.timer.Start(startTime, c.cfg.Duration())
	c.broadcastNextRace(ctx)
}

func (c *Coordinator) handleModeChange(ctx context.Context, conn *Connection, event Event) {
	var payload ModePayload
	if err := json.Unmarshal(event.Data, &payload); err != nil {
		c.reportError(conn, event.Type, err)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.sessions.SetMode(ctx, payload.Mode); err != nil {
		c.reportError(conn, event.Type, err)
		return
	}
	c.broadcast(EventRaceModeUpdate, ModePayload{Mode: payload.Mode})
}

func (c *Coordinator) handleLapCrossed(ctx context.Context, conn *Connection, event Event) {
	var payload LapCrossedPayload
	if err := json.Unmarshal(event.Data, &payload); err != nil {
		c.reportError(conn, event.Type, err)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// The session start time comes from the store, never from the client.
	ongoing, err := c.sessions.Ongoing(ctx)
	if err != nil {
		c.reportError(conn, event.Type, err)
		return
	}
	if ongoing == nil || ongoing.ID != payload.SessionID || ongoing.StartTime == nil {
		c.reportError(conn, event.Type, laps.ErrUnknownSession)
		return
	}

	timestamp := time.UnixMilli(payload.Timestamp).UTC()
	_, err = c.laps.RecordCrossing(ctx, payload.SessionID, payload.CarNumber, timestamp, *ongoing.StartTime)
	if err != nil {
		c.reportError(conn, event.Type, err)
		return
	}
	metrics.LapsRecordedTotal.Inc()

	board, err := c.laps.Leaderboard(ctx, payload.SessionID)
	if err != nil {
		c.reportError(conn, event.Type, err)
		return
	}
	c.broadcast(EventUpdateLeaderboard, board)
}

func (c *Coordinator) handleRaceEnd(ctx context.Context, conn *Connection, event Event) {
	var payload SessionIDPayload
	if err := json.Unmarshal(event.Data, &payload); err != nil {
		c.reportError(conn, event.Type, err)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// Read the running session before it is gone: ending a Pending session
	// must not silence the countdown of the race that is actually on track.
	ongoing, err := c.sessions.Ongoing(ctx)
	if err != nil {
		c.reportError(conn, event.Type, err)
		return
	}

	ended, err := c.sessions.End(ctx, payload.SessionID)
	if err != nil {
		c.reportError(conn, event.Type, err)
		return
	}
	if !ended {
		// Already ended or never existed: idempotent no-op, no broadcast.
		return
	}

	if ongoing != nil && ongoing.ID == payload.SessionID {
		c.timer.Stop()
		c.raceInProgress = false
	}
	c.broadcast(EventSessionEnded, SessionIDPayload{SessionID: payload.SessionID})
	c.broadcastNextRace(ctx)
}

func (c *Coordinator) handleDeleteSession(ctx context.Context, conn *Connection, event Event) {
	var payload SessionIDPayload
	if err := json.Unmarshal(event.Data, &payload); err != nil {
		c.reportError(conn, event.Type, err)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.sessions.Delete(ctx, payload.SessionID); err != nil {
		c.reportError(conn, event.Type, err)
		return
	}
	c.broadcastNextRace(ctx)
}

// Timer exposes the countdown for shutdown.
func (c *Coordinator) Timer() *CountdownTimer {
	return c.timer
}

func (c *Coordinator) broadcast(eventType EventType, payload interface{}) {
	event, err := NewEvent(eventType, payload)
	if err != nil {
		log.Error().Err(err).Str("event", string(eventType)).Msg("failed to build broadcast")
		return
	}
	c.manager.Broadcast(event)
}

func (c *Coordinator) sendTo(conn *Connection, eventType EventType, payload interface{}) {
	event, err := NewEvent(eventType, payload)
	if err != nil {
		log.Error().Err(err).Str("event", string(eventType)).Msg("failed to build event")
		return
	}
	conn.SendEvent(event)
}

// reportError delivers a rejected intent to its originator only. Rejected
// intents change no state, so nothing is broadcast.
func (c *Coordinator) reportError(conn *Connection, intent EventType, err error) {
	log.Warn().
		Err(err).
		Str("connection_id", conn.ID).
		Str("intent", string(intent)).
		Msg("intent rejected")
	c.sendTo(conn, EventErrorMessage, ErrorPayload{
		Intent: intent,
		Error:  err.Error(),
	})
}

// broadcastNextRace pushes the next-pending view to every client. Callers
// hold the coordinator mutex.
func (c *Coordinator) broadcastNextRace(ctx context.Context) {
	entries, err := c.nextRaceEntries(ctx)
	if err != nil {
		log.Error().Err(err).Msg("failed to derive next race view")
		return
	}
	c.broadcast(EventNextRaceSession, entries)
}

// nextRaceEntries flattens the next pending session into one row per
// rostered driver, ordered by car number. Empty when nothing is pending.
func (c *Coordinator) nextRaceEntries(ctx context.Context) ([]NextRaceEntry, error) {
	next, err := c.sessions.NextPending(ctx)
	if err != nil {
		return nil, err
	}
	entries := []NextRaceEntry{}
	if next == nil {
		return entries, nil
	}
	for _, d := range next.Roster {
		entries = append(entries, NextRaceEntry{
			SessionID:  next.ID,
			DriverName: d.DriverName,
			CarNumber:  d.CarNumber,
		})
	}
	return entries, nil
}

// rosterPayloads converts pending sessions into wire payloads.
func rosterPayloads(sessions []models.RaceSession) []SessionRosterPayload {
	payloads := []SessionRosterPayload{}
	for _, s := range sessions {
		payloads = append(payloads, SessionRosterPayload{
			SessionID:  s.ID,
			DriverList: s.Roster,
		})
	}
	return payloads
}
