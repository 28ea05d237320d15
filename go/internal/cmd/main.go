package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/racetrack/go/internal/gateway"
	"github.com/mcdev12/racetrack/go/internal/laps"
	"github.com/mcdev12/racetrack/go/internal/session"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Warn().Err(err).Msg("could not load .env file")
	}

	config, err := loadConfig(getEnv("CONFIG_FILE", ""))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	database, err := setupDatabase(config)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open database")
	}
	defer database.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sessionRepo := session.NewRepository(database, config.Database.Driver)
	lapRepo := laps.NewRepository(database, config.Database.Driver)

	// Schema init is the only fatal error path: the server must not
	// accept clients without its tables. Session tables first, laps
	// reference them.
	if err := sessionRepo.InitSchema(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to initialize database schema")
	}
	if err := lapRepo.InitSchema(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to initialize database schema")
	}

	sessionApp := session.NewApp(sessionRepo)
	lapApp := laps.NewApp(lapRepo)

	gatewayConfig := gateway.Config{
		DeveloperMode:     config.DeveloperMode,
		RaceDuration:      config.RaceDuration(),
		DeveloperDuration: config.DeveloperDuration(),
	}
	gatewayService := gateway.NewService(
		gatewayConfig,
		gateway.DefaultConnectionConfig(),
		sessionApp,
		lapApp,
		clockwork.NewRealClock(),
	)
	if err := gatewayService.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to start race gateway")
	}

	server := setupServer(config, gatewayService)
	go func() {
		log.Info().Str("addr", config.Addr).Bool("developer_mode", config.DeveloperMode).Msg("server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info().Msg("shutting down")

	// Stop accepting connections first, then the timer, then the store.
	if err := server.Shutdown(context.Background()); err != nil {
		log.Error().Err(err).Msg("failed to shut down server")
	}
	gatewayService.Stop()
	cancel()
	if err := database.Close(); err != nil {
		log.Error().Err(err).Msg("failed to close database")
	}
	log.Info().Msg("shutdown complete")
}
