package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/goe/go/internal/estimate/config"
	"github.com/mcdev12/goe/go/internal/estimate/connection"
	"github.com/mcdev12/goe/go/internal/estimate/console"
	"github.com/mcdev12/goe/go/internal/estimate/engine"
	"github.com/mcdev12/goe/go/internal/estimate/mirror"
	"github.com/mcdev12/goe/go/internal/estimate/session"
	"github.com/mcdev12/goe/go/internal/estimate/statehttp"
)

func main() {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Debug().Err(err).Msg("could not load .env file")
	}

	// Setup logging
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load(getEnv("GOE_CONFIG", ""))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	zerolog.SetGlobalLevel(cfg.Level())

	endpoint, err := cfg.Endpoint()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to resolve websocket endpoint")
	}

	engineConfig := engine.DefaultConfig()
	engineConfig.Connection.URL = endpoint
	engineConfig.Connection.ReconnectInterval = cfg.ReconnectInterval
	eng := engine.New(engineConfig)

	log.Info().
		Str("instance", eng.ID()).
		Str("endpoint", endpoint).
		Dur("reconnect_interval", cfg.ReconnectInterval).
		Str("http_addr", cfg.HTTPAddr).
		Str("nats_url", cfg.NATS.URL).
		Msg("starting estimation client")

	// Context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// subscribe before the first handshake can be published
	states, unsubscribe := eng.Subscribe(64)
	defer unsubscribe()

	engineDone := make(chan struct{})
	go func() {
		defer close(engineDone)
		if err := eng.Run(ctx); err != nil {
			log.Error().Err(err).Msg("sync engine failed")
		}
	}()

	go followState(ctx, eng, cfg, states)

	if cfg.Room != "" {
		eng.JoinRoom(cfg.Room)
	}

	var server *http.Server
	if cfg.HTTPAddr != "" {
		server = statehttp.NewServer(cfg.HTTPAddr, statehttp.NewHandler(eng))
		go func() {
			log.Info().Str("addr", server.Addr).Msg("HTTP server starting")
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatal().Err(err).Msg("HTTP server failed")
			}
		}()
	}

	if cfg.NATS.URL != "" {
		startMirror(ctx, eng, cfg)
	}

	quit := make(chan struct{})
	go runConsole(ctx, eng, quit)

	// Wait for interrupt signal or quit from the console
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	select {
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("received shutdown signal")
	case <-quit:
		log.Info().Msg("quit requested")
	}

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if server != nil {
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("HTTP server shutdown failed")
		}
	}

	cancel()

	select {
	case <-engineDone:
	case <-shutdownCtx.Done():
		log.Warn().Msg("sync engine did not stop in time")
	}

	log.Info().Msg("estimation client shutdown complete")
}

// followState logs lifecycle changes and re-announces the configured player
// after every handshake
func followState(ctx context.Context, eng *engine.Engine, cfg *config.Config, states <-chan engine.State) {
	var (
		last    engine.State
		created bool
	)
	for {
		select {
		case <-ctx.Done():
			return
		case st, ok := <-states:
			if !ok {
				return
			}

			if st.Connection != last.Connection {
				ev := log.Info()
				if st.Connection == connection.StatusError {
					ev = log.Warn()
				}
				ev.Str("status", string(st.Connection)).Msg("connection status changed")
			}
			if st.Phase != last.Phase || st.RoomID != last.RoomID {
				log.Info().
					Str("phase", string(st.Phase)).
					Str("room_id", st.RoomID).
					Str("player_id", st.PlayerID).
					Msg("session changed")
			}
			if st.LastError != "" && st.LastError != last.LastError {
				log.Warn().Str("error", st.LastError).Msg("room request failed")
			}

			// a new participant id means a fresh handshake
			if st.PlayerID != "" && st.PlayerID != last.PlayerID {
				if cfg.Player.Name != "" || !cfg.Player.Voter {
					var name *string
					if cfg.Player.Name != "" {
						name = &cfg.Player.Name
					}
					eng.UpdatePlayer(cfg.Player.Voter, name)
				}
				if !created && cfg.Room == "" && cfg.Deck != "" && st.Phase == session.PhaseOutside {
					created = true
					eng.CreateRoom(cfg.Deck)
				}
			}

			last = st
		}
	}
}

func startMirror(ctx context.Context, eng *engine.Engine, cfg *config.Config) {
	mirrorConfig := mirror.DefaultConfig()
	mirrorConfig.URL = cfg.NATS.URL
	mirrorConfig.Subject = cfg.NATS.Subject

	nc, err := mirror.Connect(mirrorConfig)
	if err != nil {
		log.Error().Err(err).Msg("NATS mirror disabled")
		return
	}

	states, unsubscribe := eng.Subscribe(64)
	m := mirror.New(nc, mirrorConfig.Subject, eng.ID())
	go func() {
		defer nc.Close()
		defer unsubscribe()
		if err := m.Run(ctx, states); err != nil {
			log.Error().Err(err).Msg("NATS mirror failed")
		}
		published, failed := m.Stats()
		log.Info().Uint64("published", published).Uint64("failed", failed).Msg("NATS mirror stopped")
	}()
}

func runConsole(ctx context.Context, eng *engine.Engine, quit chan<- struct{}) {
	fmt.Fprintln(os.Stderr, console.Help)

	quitTyped := false
	err := console.Scan(ctx, os.Stdin, func(l console.Line) bool {
		switch l.Local {
		case console.LocalQuit:
			quitTyped = true
			return false
		case console.LocalHelp:
			fmt.Fprintln(os.Stderr, console.Help)
			return true
		case console.LocalState:
			data, err := json.MarshalIndent(eng.State(), "", "  ")
			if err != nil {
				log.Error().Err(err).Msg("failed to encode state")
				return true
			}
			fmt.Println(string(data))
			return true
		}

		if err := eng.Dispatch(l.Command); err != nil {
			log.Warn().Err(err).Str("command", string(l.Command.CommandType())).Msg("command not accepted")
		}
		return true
	})
	if err != nil {
		log.Error().Err(err).Msg("console read failed")
	}

	// a closed stdin keeps the client running for the HTTP surface
	if quitTyped {
		close(quit)
		return
	}
	log.Debug().Msg("console input closed")
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
