// Package statehttp exposes an engine's published state and command intake
// over HTTP for local tooling.
package statehttp

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/cors"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"golang.org/x/time/rate"

	"github.com/mcdev12/goe/go/internal/estimate/engine"
	"github.com/mcdev12/goe/go/internal/estimate/protocol"
)

const maxCommandSize = 64 << 10

const (
	// DefaultCommandRate bounds commands per second accepted over HTTP
	DefaultCommandRate  = 10
	DefaultCommandBurst = 20
)

// Engine is the part of the engine the handler needs
type Engine interface {
	State() engine.State
	Subscribe(buffer int) (<-chan engine.State, func())
	Dispatch(cmd protocol.Command) error
}

// Handler serves the state and command endpoints
type Handler struct {
	engine  Engine
	limiter *rate.Limiter
}

// Option customizes a Handler
type Option func(*Handler)

// WithCommandRate replaces the command rate limit
func WithCommandRate(r rate.Limit, burst int) Option {
	return func(h *Handler) { h.limiter = rate.NewLimiter(r, burst) }
}

// NewHandler creates a new state handler
func NewHandler(e Engine, opts ...Option) *Handler {
	h := &Handler{
		engine:  e,
		limiter: rate.NewLimiter(DefaultCommandRate, DefaultCommandBurst),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Routes returns the router serving every endpoint
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()

	r.Get("/state", h.HandleGetState)
	r.Get("/events", h.HandleEvents)
	r.Post("/command", h.HandlePostCommand)
	r.Get("/health", h.HandleHealth)
	return r
}

// HandleGetState handles GET /state
func (h *Handler) HandleGetState(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(h.engine.State()); err != nil {
		log.Error().Err(err).Msg("failed to encode state response")
	}
}

// HandlePostCommand handles POST /command with a command frame as body
func (h *Handler) HandlePostCommand(w http.ResponseWriter, r *http.Request) {
	if !h.limiter.Allow() {
		http.Error(w, "Too many commands", http.StatusTooManyRequests)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxCommandSize))
	if err != nil {
		http.Error(w, "Failed to read body", http.StatusBadRequest)
		return
	}

	cmd, err := protocol.DecodeCommand(body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	switch err := h.engine.Dispatch(cmd); {
	case err == nil:
	case errors.Is(err, protocol.ErrInvalidCommand):
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	case errors.Is(err, engine.ErrBusy):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	default:
		log.Error().Err(err).Str("command", string(cmd.CommandType())).Msg("failed to dispatch command")
		http.Error(w, "Failed to dispatch command", http.StatusInternalServerError)
		return
	}

	log.Debug().Str("command", string(cmd.CommandType())).Msg("command accepted over http")

	// accepted means queued; delivery to the server is best-effort
	w.WriteHeader(http.StatusAccepted)
}

// HandleEvents streams every published state as server-sent events
func (h *Handler) HandleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	states, cancel := h.engine.Subscribe(16)
	defer cancel()

	if err := writeEvent(w, h.engine.State()); err != nil {
		return
	}
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case st, ok := <-states:
			if !ok {
				return
			}
			if err := writeEvent(w, st); err != nil {
				log.Debug().Err(err).Msg("sse client went away")
				return
			}
			flusher.Flush()
		}
	}
}

func writeEvent(w io.Writer, st engine.State) error {
	data, err := json.Marshal(st)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: state\nid: %d\ndata: %s\n\n", st.Version, data)
	return err
}

// HandleHealth handles GET /health
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("OK")); err != nil {
		log.Error().Err(err).Msg("failed to write health check response")
	}
}

// NewServer wraps the handler's routes with CORS and h2c
func NewServer(addr string, h *Handler) *http.Server {
	c := cors.New(cors.Options{
		AllowedMethods: []string{
			http.MethodHead,
			http.MethodGet,
			http.MethodPost,
		},
		AllowedOrigins: []string{"*"},
		AllowedHeaders: []string{"*"},
	})

	return &http.Server{
		Addr:              addr,
		Handler:           h2c.NewHandler(c.Handler(h.Routes()), &http2.Server{}),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
}
