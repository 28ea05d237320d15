package gateway

import (
	"context"
	"net/http"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/racetrack/go/internal/laps"
	"github.com/mcdev12/racetrack/go/internal/session"
)

// Service ties the connection manager, coordinator, and WebSocket handler
// into one unit the server bootstrap can start and stop.
type Service struct {
	connectionManager *ConnectionManager
	coordinator       *Coordinator
	wsHandler         *WebSocketHandler
}

// NewService creates the race gateway service.
func NewService(cfg Config, connCfg ConnectionConfig, sessions *session.App, lapApp *laps.App, clock clockwork.Clock) *Service {
	manager := NewConnectionManager(connCfg)
	coordinator := NewCoordinator(sessions, lapApp, manager, clock, cfg)
	return &Service{
		connectionManager: manager,
		coordinator:       coordinator,
		wsHandler:         NewWebSocketHandler(manager),
	}
}

// Start launches the broadcast loop and restores race state from the
// store: the advisory race-in-progress flag, the countdown for a resumed
// race, and the cleanup of a race that expired while the server was down.
func (s *Service) Start(ctx context.Context) error {
	go s.connectionManager.Start(ctx)
	if err := s.coordinator.RestoreState(ctx); err != nil {
		return err
	}
	log.Info().Msg("race gateway service started")
	return nil
}

// Stop halts the countdown; open connections shut down with the context
// passed to Start.
func (s *Service) Stop() {
	s.coordinator.Timer().Stop()
	log.Info().Msg("race gateway service stopped")
}

// RegisterRoutes registers the WebSocket HTTP routes
func (s *Service) RegisterRoutes(mux *http.ServeMux) {
	s.wsHandler.RegisterRoutes(mux)
	log.Info().Msg("race gateway routes registered")
}
