package gateway

import (
	"encoding/json"
	"fmt"

	"github.com/mcdev12/racetrack/go/internal/models"
)

// EventType names a message on the WebSocket wire, in either direction.
type EventType string

// Server -> client broadcasts and replies.
const (
	EventSetConfiguration      EventType = "setConfiguration"
	EventSessionStarted        EventType = "sessionStarted"
	EventRaceModeUpdate        EventType = "raceModeUpdate"
	EventUpdateLeaderboard     EventType = "updateLeaderboard"
	EventNextRaceSession       EventType = "nextRaceSession"
	EventReloadedScheduledRace EventType = "reloadedScheduledRace"
	EventReadyToStart          EventType = "readyToStart"
	EventDriverListUpdated     EventType = "driverListUpdated"
	EventSessionEnded          EventType = "sessionEnded"
	EventTimerUpdate           EventType = "timerUpdate"
	EventNextSessionID         EventType = "nextSessionId"
	EventErrorMessage          EventType = "errorMessage"
)

// Client -> server intents.
const (
	IntentScheduleSession  EventType = "scheduleRaceSession"
	IntentDriverListChange EventType = "driverListChange"
	IntentGetNextSessionID EventType = "getNextSessionId"
	IntentSafeToStart      EventType = "safeToStart"
	IntentRaceStart        EventType = "raceStart"
	IntentRaceModeChange   EventType = "raceModeChange"
	IntentLapLineCrossed   EventType = "lapLineCrossed"
	IntentRaceEnd          EventType = "raceEnd"
	IntentDeleteSession    EventType = "deleteRaceSession"
)

// Event is the envelope for every message on the wire.
type Event struct {
	Type EventType       `json:"event"`
	Data json.RawMessage `json:"data,omitempty"`
}

// NewEvent wraps a payload in an envelope.
func NewEvent(eventType EventType, payload interface{}) (Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("failed to marshal %s payload: %w", eventType, err)
	}
	return Event{Type: eventType, Data: data}, nil
}

// ConfigurationPayload is pushed to every client on connect.
type ConfigurationPayload struct {
	IsDeveloperMode bool `json:"isDeveloperMode"`
}

// SessionStartedPayload announces a race start. On connection catch-up the
// same shape carries Source "resume" plus mode and roster, so clients use
// one rendering path for fresh starts and reconnects.
type SessionStartedPayload struct {
	SessionID       int64                `json:"sessionId"`
	StartTime       int64                `json:"startTime"` // unix millis
	RaceMode        models.RaceMode      `json:"raceMode,omitempty"`
	IsDeveloperMode *bool                `json:"isDeveloperMode,omitempty"`
	Source          string               `json:"source,omitempty"`
	DriverList      []models.DriverEntry `json:"driverList,omitempty"`
}

// SourceResume marks a sessionStarted payload as a catch-up snapshot
// rather than a live start.
const SourceResume = "resume"

// NextRaceEntry is one row of the next-race view: the upcoming session id
// joined with one rostered driver. An empty list means no pending session.
type NextRaceEntry struct {
	SessionID  int64  `json:"sessionId"`
	DriverName string `json:"driverName"`
	CarNumber  int    `json:"carNumber"`
}

// SessionRosterPayload pairs a session id with its full roster. Used by
// scheduling intents, roster updates, ready-to-start, and the all-pending
// catch-up list.
type SessionRosterPayload struct {
	SessionID  int64                `json:"sessionId"`
	DriverList []models.DriverEntry `json:"driverList"`
}

// SchedulePayload carries the scheduleRaceSession intent.
type SchedulePayload struct {
	SessionDetails SessionRosterPayload `json:"sessionDetails"`
}

// RaceStartPayload carries the raceStart intent.
type RaceStartPayload struct {
	SessionID int64 `json:"sessionId"`
	StartTime int64 `json:"startTime"` // unix millis
}

// ModePayload carries the raceModeChange intent and the raceModeUpdate
// broadcast.
type ModePayload struct {
	Mode models.RaceMode `json:"mode"`
}

// LapCrossedPayload carries the lapLineCrossed intent.
type LapCrossedPayload struct {
	SessionID int64 `json:"sessionId"`
	CarNumber int   `json:"carNumber"`
	Timestamp int64 `json:"timestamp"` // unix millis
}

// SessionIDPayload carries intents and broadcasts that reference a session
// by id alone (safeToStart, raceEnd, deleteRaceSession, sessionEnded).
type SessionIDPayload struct {
	SessionID int64 `json:"sessionId"`
}

// NextSessionIDPayload is the reply to getNextSessionId.
type NextSessionIDPayload struct {
	NextSessionID int64 `json:"nextSessionId"`
}

// TimerPayload carries the countdown broadcast, formatted MM:SS.
type TimerPayload struct {
	Remaining string `json:"remaining"`
}

// ErrorPayload reports a rejected intent to its originator only.
type ErrorPayload struct {
	Intent EventType `json:"intent"`
	Error  string    `json:"error"`
}
