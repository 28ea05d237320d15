package gateway

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/mcdev12/racetrack/go/internal/laps"
	"github.com/mcdev12/racetrack/go/internal/models"
	"github.com/mcdev12/racetrack/go/internal/session"
)

type gatewayFixture struct {
	sessions *session.App
	laps     *laps.App
	server   *httptest.Server
}

// newGatewayFixture stands up the full gateway over an in-memory store and
// an httptest server. seed runs against the apps before the service starts,
// so restore-on-startup sees whatever state it leaves behind.
func newGatewayFixture(t *testing.T, cfg Config, clock clockwork.Clock, seed func(ctx context.Context, sessions *session.App, lapApp *laps.App)) *gatewayFixture {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	ctx := context.Background()
	sessionRepo := session.NewRepository(db, "sqlite")
	require.NoError(t, sessionRepo.InitSchema(ctx))
	lapRepo := laps.NewRepository(db, "sqlite")
	require.NoError(t, lapRepo.InitSchema(ctx))

	sessions := session.NewApp(sessionRepo)
	lapApp := laps.NewApp(lapRepo)
	if seed != nil {
		seed(ctx, sessions, lapApp)
	}

	svc := NewService(cfg, DefaultConnectionConfig(), sessions, lapApp, clock)
	runCtx, cancel := context.WithCancel(ctx)
	t.Cleanup(cancel)
	require.NoError(t, svc.Start(runCtx))
	t.Cleanup(svc.Stop)

	mux := http.NewServeMux()
	svc.RegisterRoutes(mux)
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	return &gatewayFixture{sessions: sessions, laps: lapApp, server: server}
}

type wsClient struct {
	t    *testing.T
	conn *websocket.Conn
}

func (f *gatewayFixture) dial(t *testing.T) *wsClient {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return &wsClient{t: t, conn: conn}
}

func (c *wsClient) send(eventType EventType, payload interface{}) {
	c.t.Helper()
	event, err := NewEvent(eventType, payload)
	require.NoError(c.t, err)
	require.NoError(c.t, c.conn.WriteJSON(event))
}

func (c *wsClient) next() Event {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := c.conn.ReadMessage()
	require.NoError(c.t, err, "waiting for next event")
	var event Event
	require.NoError(c.t, json.Unmarshal(data, &event))
	return event
}

// expect reads the next event of the wanted type, skipping interleaved
// timer ticks, and fails on anything else. Broadcast order is FIFO per
// connection, so asserting the next non-timer event pins ordering.
func (c *wsClient) expect(eventType EventType) json.RawMessage {
	c.t.Helper()
	for i := 0; i < 20; i++ {
		event := c.next()
		if event.Type == eventType {
			return event.Data
		}
		if event.Type == EventTimerUpdate {
			continue
		}
		c.t.Fatalf("expected %s, got %s", eventType, event.Type)
	}
	c.t.Fatalf("gave up waiting for %s", eventType)
	return nil
}

func (c *wsClient) expectDecoded(eventType EventType, out interface{}) {
	c.t.Helper()
	require.NoError(c.t, json.Unmarshal(c.expect(eventType), out))
}

// drainSync consumes the catch-up snapshot every fresh connection receives.
func (c *wsClient) drainSync() {
	c.t.Helper()
	c.expect(EventSetConfiguration)
	c.expect(EventNextRaceSession)
	c.expect(EventReloadedScheduledRace)
}

func roster(entries ...models.DriverEntry) []models.DriverEntry {
	return entries
}

func driver(id int64, name string, car int) models.DriverEntry {
	return models.DriverEntry{DriverID: id, DriverName: name, CarNumber: car}
}

func TestConnectionSyncEmptyStore(t *testing.T) {
	f := newGatewayFixture(t, DefaultConfig(), clockwork.NewFakeClock(), nil)
	c := f.dial(t)

	var config ConfigurationPayload
	c.expectDecoded(EventSetConfiguration, &config)
	assert.False(t, config.IsDeveloperMode)

	var entries []NextRaceEntry
	c.expectDecoded(EventNextRaceSession, &entries)
	assert.Empty(t, entries)

	var pending []SessionRosterPayload
	c.expectDecoded(EventReloadedScheduledRace, &pending)
	assert.Empty(t, pending)
}

func TestConnectionSyncResumeSnapshot(t *testing.T) {
	start := time.UnixMilli(1000).UTC()
	fc := clockwork.NewFakeClockAt(start.Add(30 * time.Second))

	f := newGatewayFixture(t, DefaultConfig(), fc, func(ctx context.Context, sessions *session.App, lapApp *laps.App) {
		require.NoError(t, sessions.Schedule(ctx, 7, roster(driver(1, "Ayrton", 3), driver(2, "Niki", 5))))
		require.NoError(t, sessions.Start(ctx, 7, start))
		require.NoError(t, sessions.SetMode(ctx, models.RaceModeHazard))
		_, err := lapApp.RecordCrossing(ctx, 7, 3, time.UnixMilli(5000).UTC(), start)
		require.NoError(t, err)
		_, err = lapApp.RecordCrossing(ctx, 7, 3, time.UnixMilli(9500).UTC(), start)
		require.NoError(t, err)
		require.NoError(t, sessions.Schedule(ctx, 9, roster(driver(3, "Alain", 2))))
	})

	// A display attaching mid-race gets the full state without issuing any
	// intent.
	c := f.dial(t)
	c.expect(EventSetConfiguration)

	var started SessionStartedPayload
	c.expectDecoded(EventSessionStarted, &started)
	assert.Equal(t, int64(7), started.SessionID)
	assert.Equal(t, int64(1000), started.StartTime)
	assert.Equal(t, SourceResume, started.Source)
	assert.Equal(t, models.RaceModeHazard, started.RaceMode)
	require.NotNil(t, started.IsDeveloperMode)
	assert.False(t, *started.IsDeveloperMode)
	assert.Equal(t, roster(driver(1, "Ayrton", 3), driver(2, "Niki", 5)), started.DriverList)

	var mode ModePayload
	c.expectDecoded(EventRaceModeUpdate, &mode)
	assert.Equal(t, models.RaceModeHazard, mode.Mode)

	var board []models.LeaderboardRow
	c.expectDecoded(EventUpdateLeaderboard, &board)
	assert.Equal(t, []models.LeaderboardRow{{CarNumber: 3, FastestLap: 4000, CurrentLap: 2}}, board)

	var entries []NextRaceEntry
	c.expectDecoded(EventNextRaceSession, &entries)
	assert.Equal(t, []NextRaceEntry{{SessionID: 9, DriverName: "Alain", CarNumber: 2}}, entries)

	var pending []SessionRosterPayload
	c.expectDecoded(EventReloadedScheduledRace, &pending)
	require.Len(t, pending, 1)
	assert.Equal(t, int64(9), pending[0].SessionID)
}

func TestScheduleBroadcastsToEveryClient(t *testing.T) {
	f := newGatewayFixture(t, DefaultConfig(), clockwork.NewFakeClock(), nil)
	control := f.dial(t)
	display := f.dial(t)
	control.drainSync()
	display.drainSync()

	control.send(IntentScheduleSession, SchedulePayload{
		SessionDetails: SessionRosterPayload{
			SessionID:  1,
			DriverList: roster(driver(1, "Ayrton", 3)),
		},
	})

	want := []NextRaceEntry{{SessionID: 1, DriverName: "Ayrton", CarNumber: 3}}
	for _, c := range []*wsClient{control, display} {
		var entries []NextRaceEntry
		c.expectDecoded(EventNextRaceSession, &entries)
		assert.Equal(t, want, entries)
	}
}

func TestNextSessionIDReplyGoesToRequesterOnly(t *testing.T) {
	f := newGatewayFixture(t, DefaultConfig(), clockwork.NewFakeClock(), nil)
	control := f.dial(t)
	display := f.dial(t)
	control.drainSync()
	display.drainSync()

	control.send(IntentGetNextSessionID, nil)

	var reply NextSessionIDPayload
	control.expectDecoded(EventNextSessionID, &reply)
	assert.Equal(t, int64(1), reply.NextSessionID)

	// A subsequent broadcast is the next thing the other client sees; the
	// reply never reached it.
	control.send(IntentScheduleSession, SchedulePayload{
		SessionDetails: SessionRosterPayload{
			SessionID:  1,
			DriverList: roster(driver(1, "Ayrton", 3)),
		},
	})
	display.expect(EventNextRaceSession)
}

func TestRejectedIntentReportedToOriginatorOnly(t *testing.T) {
	f := newGatewayFixture(t, DefaultConfig(), clockwork.NewFakeClock(), nil)
	control := f.dial(t)
	display := f.dial(t)
	control.drainSync()
	display.drainSync()

	// Two drivers in the same car: rejected, no state change.
	control.send(IntentScheduleSession, SchedulePayload{
		SessionDetails: SessionRosterPayload{
			SessionID:  1,
			DriverList: roster(driver(1, "Ayrton", 3), driver(2, "Niki", 3)),
		},
	})

	var report ErrorPayload
	control.expectDecoded(EventErrorMessage, &report)
	assert.Equal(t, IntentScheduleSession, report.Intent)
	assert.Equal(t, session.ErrDuplicateCarNumber.Error(), report.Error)

	// The other client's next event is the broadcast from a valid schedule,
	// not the error.
	control.send(IntentScheduleSession, SchedulePayload{
		SessionDetails: SessionRosterPayload{
			SessionID:  1,
			DriverList: roster(driver(1, "Ayrton", 3)),
		},
	})
	display.expect(EventNextRaceSession)
}

func TestDriverListChangeBroadcastsStoredOrder(t *testing.T) {
	f := newGatewayFixture(t, DefaultConfig(), clockwork.NewFakeClock(), nil)
	control := f.dial(t)
	control.drainSync()

	control.send(IntentScheduleSession, SchedulePayload{
		SessionDetails: SessionRosterPayload{
			SessionID:  1,
			DriverList: roster(driver(1, "Ayrton", 3)),
		},
	})
	control.expect(EventNextRaceSession)

	// Sent out of car-number order; the broadcast reflects stored order.
	control.send(IntentDriverListChange, SessionRosterPayload{
		SessionID:  1,
		DriverList: roster(driver(2, "Niki", 5), driver(1, "Ayrton", 3)),
	})

	var updated SessionRosterPayload
	control.expectDecoded(EventDriverListUpdated, &updated)
	assert.Equal(t, int64(1), updated.SessionID)
	assert.Equal(t, roster(driver(1, "Ayrton", 3), driver(2, "Niki", 5)), updated.DriverList)

	var entries []NextRaceEntry
	control.expectDecoded(EventNextRaceSession, &entries)
	assert.Equal(t, []NextRaceEntry{
		{SessionID: 1, DriverName: "Ayrton", CarNumber: 3},
		{SessionID: 1, DriverName: "Niki", CarNumber: 5},
	}, entries)
}

func TestRaceLifecycleOverTheWire(t *testing.T) {
	f := newGatewayFixture(t, DefaultConfig(), clockwork.NewFakeClock(), nil)
	control := f.dial(t)
	control.drainSync()

	control.send(IntentScheduleSession, SchedulePayload{
		SessionDetails: SessionRosterPayload{
			SessionID:  1,
			DriverList: roster(driver(1, "Ayrton", 3)),
		},
	})
	control.expect(EventNextRaceSession)
	control.send(IntentScheduleSession, SchedulePayload{
		SessionDetails: SessionRosterPayload{
			SessionID:  2,
			DriverList: roster(driver(2, "Niki", 5)),
		},
	})
	control.expect(EventNextRaceSession)

	control.send(IntentSafeToStart, SessionIDPayload{SessionID: 1})
	var ready SessionRosterPayload
	control.expectDecoded(EventReadyToStart, &ready)
	assert.Equal(t, int64(1), ready.SessionID)
	assert.Equal(t, roster(driver(1, "Ayrton", 3)), ready.DriverList)

	control.send(IntentRaceStart, RaceStartPayload{SessionID: 1, StartTime: 1000})
	var started SessionStartedPayload
	control.expectDecoded(EventSessionStarted, &started)
	assert.Equal(t, int64(1), started.SessionID)
	assert.Equal(t, int64(1000), started.StartTime)
	assert.Empty(t, started.Source)

	// The next-race view rolls over to session 2 as soon as 1 is running.
	var entries []NextRaceEntry
	control.expectDecoded(EventNextRaceSession, &entries)
	assert.Equal(t, []NextRaceEntry{{SessionID: 2, DriverName: "Niki", CarNumber: 5}}, entries)

	// Starting another session while one is running is refused.
	control.send(IntentRaceStart, RaceStartPayload{SessionID: 2, StartTime: 2000})
	var report ErrorPayload
	control.expectDecoded(EventErrorMessage, &report)
	assert.Equal(t, IntentRaceStart, report.Intent)
	assert.Equal(t, ErrRaceInProgress.Error(), report.Error)

	control.send(IntentRaceModeChange, ModePayload{Mode: models.RaceModeHazard})
	var mode ModePayload
	control.expectDecoded(EventRaceModeUpdate, &mode)
	assert.Equal(t, models.RaceModeHazard, mode.Mode)

	// A crossing against a session that is not the running one is refused.
	control.send(IntentLapLineCrossed, LapCrossedPayload{SessionID: 99, CarNumber: 3, Timestamp: 4000})
	control.expectDecoded(EventErrorMessage, &report)
	assert.Equal(t, IntentLapLineCrossed, report.Intent)

	control.send(IntentLapLineCrossed, LapCrossedPayload{SessionID: 1, CarNumber: 3, Timestamp: 5000})
	var board []models.LeaderboardRow
	control.expectDecoded(EventUpdateLeaderboard, &board)
	assert.Equal(t, []models.LeaderboardRow{{CarNumber: 3, FastestLap: 4000, CurrentLap: 1}}, board)

	control.send(IntentLapLineCrossed, LapCrossedPayload{SessionID: 1, CarNumber: 3, Timestamp: 9500})
	control.expectDecoded(EventUpdateLeaderboard, &board)
	assert.Equal(t, []models.LeaderboardRow{{CarNumber: 3, FastestLap: 4000, CurrentLap: 2}}, board)

	control.send(IntentRaceEnd, SessionIDPayload{SessionID: 1})
	var ended SessionIDPayload
	control.expectDecoded(EventSessionEnded, &ended)
	assert.Equal(t, int64(1), ended.SessionID)
	control.expectDecoded(EventNextRaceSession, &entries)
	assert.Equal(t, []NextRaceEntry{{SessionID: 2, DriverName: "Niki", CarNumber: 5}}, entries)

	// Ending again is a silent no-op: the next broadcast after it is the
	// sessionStarted for session 2, with no second sessionEnded in between.
	control.send(IntentRaceEnd, SessionIDPayload{SessionID: 1})
	control.send(IntentRaceStart, RaceStartPayload{SessionID: 2, StartTime: 700000})
	control.expectDecoded(EventSessionStarted, &started)
	assert.Equal(t, int64(2), started.SessionID)
	control.expectDecoded(EventNextRaceSession, &entries)
	assert.Empty(t, entries)
}

func TestEndingPendingSessionKeepsRaceRunning(t *testing.T) {
	f := newGatewayFixture(t, DefaultConfig(), clockwork.NewFakeClock(), nil)
	control := f.dial(t)
	control.drainSync()

	control.send(IntentScheduleSession, SchedulePayload{
		SessionDetails: SessionRosterPayload{
			SessionID:  1,
			DriverList: roster(driver(1, "Ayrton", 3)),
		},
	})
	control.expect(EventNextRaceSession)
	control.send(IntentScheduleSession, SchedulePayload{
		SessionDetails: SessionRosterPayload{
			SessionID:  2,
			DriverList: roster(driver(2, "Niki", 5)),
		},
	})
	control.expect(EventNextRaceSession)

	control.send(IntentRaceStart, RaceStartPayload{SessionID: 1, StartTime: 1000})
	control.expect(EventSessionStarted)
	control.expect(EventNextRaceSession)

	// Ending the still-Pending session 2 removes it but leaves race 1 on
	// track.
	control.send(IntentRaceEnd, SessionIDPayload{SessionID: 2})
	var ended SessionIDPayload
	control.expectDecoded(EventSessionEnded, &ended)
	assert.Equal(t, int64(2), ended.SessionID)
	control.expect(EventNextRaceSession)

	ongoing, err := f.sessions.Ongoing(context.Background())
	require.NoError(t, err)
	require.NotNil(t, ongoing)
	assert.Equal(t, int64(1), ongoing.ID)

	// The running race still blocks a new start and still records laps.
	control.send(IntentRaceStart, RaceStartPayload{SessionID: 3, StartTime: 2000})
	var report ErrorPayload
	control.expectDecoded(EventErrorMessage, &report)
	assert.Equal(t, ErrRaceInProgress.Error(), report.Error)

	control.send(IntentLapLineCrossed, LapCrossedPayload{SessionID: 1, CarNumber: 3, Timestamp: 5000})
	var board []models.LeaderboardRow
	control.expectDecoded(EventUpdateLeaderboard, &board)
	assert.Equal(t, []models.LeaderboardRow{{CarNumber: 3, FastestLap: 4000, CurrentLap: 1}}, board)
}

func TestDeleteSessionRollsNextRaceForward(t *testing.T) {
	f := newGatewayFixture(t, DefaultConfig(), clockwork.NewFakeClock(), nil)
	control := f.dial(t)
	control.drainSync()

	for id, name := range map[int64]string{1: "Ayrton", 2: "Niki"} {
		control.send(IntentScheduleSession, SchedulePayload{
			SessionDetails: SessionRosterPayload{
				SessionID:  id,
				DriverList: roster(driver(id, name, int(id))),
			},
		})
		control.expect(EventNextRaceSession)
	}

	control.send(IntentDeleteSession, SessionIDPayload{SessionID: 1})

	var entries []NextRaceEntry
	control.expectDecoded(EventNextRaceSession, &entries)
	assert.Equal(t, []NextRaceEntry{{SessionID: 2, DriverName: "Niki", CarNumber: 2}}, entries)
}

func TestDeveloperModeInConfiguration(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DeveloperMode = true
	f := newGatewayFixture(t, cfg, clockwork.NewFakeClock(), nil)
	c := f.dial(t)

	var config ConfigurationPayload
	c.expectDecoded(EventSetConfiguration, &config)
	assert.True(t, config.IsDeveloperMode)
}

func TestBroadcastSurvivesClientDisconnect(t *testing.T) {
	f := newGatewayFixture(t, DefaultConfig(), clockwork.NewFakeClock(), nil)
	control := f.dial(t)
	display := f.dial(t)
	control.drainSync()
	display.drainSync()

	// The display drops without a close handshake. Subsequent broadcasts
	// must keep reaching the remaining client.
	require.NoError(t, display.conn.Close())

	for id := int64(1); id <= 5; id++ {
		control.send(IntentScheduleSession, SchedulePayload{
			SessionDetails: SessionRosterPayload{
				SessionID:  id,
				DriverList: roster(driver(id, "Ayrton", int(id))),
			},
		})
		control.expect(EventNextRaceSession)
	}
}

func TestRestoreStateEndsExpiredRace(t *testing.T) {
	start := time.UnixMilli(0).UTC()
	// The server comes back up twenty minutes into a ten-minute race.
	fc := clockwork.NewFakeClockAt(start.Add(20 * time.Minute))

	f := newGatewayFixture(t, DefaultConfig(), fc, func(ctx context.Context, sessions *session.App, lapApp *laps.App) {
		require.NoError(t, sessions.Schedule(ctx, 4, roster(driver(1, "Ayrton", 3))))
		require.NoError(t, sessions.Start(ctx, 4, start))
	})

	ctx := context.Background()
	ongoing, err := f.sessions.Ongoing(ctx)
	require.NoError(t, err)
	assert.Nil(t, ongoing)

	// The cascade removed the laps with the session.
	board, err := f.laps.Leaderboard(ctx, 4)
	require.NoError(t, err)
	assert.Empty(t, board)

	// A client connecting after the restore sees an empty track.
	c := f.dial(t)
	c.expect(EventSetConfiguration)
	var entries []NextRaceEntry
	c.expectDecoded(EventNextRaceSession, &entries)
	assert.Empty(t, entries)
}

func TestRestoreStateResumesRunningRace(t *testing.T) {
	start := time.UnixMilli(0).UTC()
	fc := clockwork.NewFakeClockAt(start.Add(2 * time.Minute))

	f := newGatewayFixture(t, DefaultConfig(), fc, func(ctx context.Context, sessions *session.App, lapApp *laps.App) {
		require.NoError(t, sessions.Schedule(ctx, 4, roster(driver(1, "Ayrton", 3))))
		require.NoError(t, sessions.Start(ctx, 4, start))
	})

	ctx := context.Background()
	ongoing, err := f.sessions.Ongoing(ctx)
	require.NoError(t, err)
	require.NotNil(t, ongoing)
	assert.Equal(t, int64(4), ongoing.ID)

	// The resumed race still refuses a second start.
	c := f.dial(t)
	c.expect(EventSetConfiguration)
	c.expect(EventSessionStarted)
	c.expect(EventRaceModeUpdate)
	c.expect(EventUpdateLeaderboard)
	c.expect(EventNextRaceSession)
	c.expect(EventReloadedScheduledRace)
	c.send(IntentRaceStart, RaceStartPayload{SessionID: 5, StartTime: 2000})
	var report ErrorPayload
	c.expectDecoded(EventErrorMessage, &report)
	assert.Equal(t, ErrRaceInProgress.Error(), report.Error)
}
