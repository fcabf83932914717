// Package engine wires the realtime sync pipeline of one client: the
// connection, the protocol mapper, the session state machine and the room
// projection, all driven from a single event loop.
package engine

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/goe/go/internal/estimate/connection"
	"github.com/mcdev12/goe/go/internal/estimate/emitter"
	"github.com/mcdev12/goe/go/internal/estimate/eventbus"
	"github.com/mcdev12/goe/go/internal/estimate/eventloop"
	"github.com/mcdev12/goe/go/internal/estimate/projection"
	"github.com/mcdev12/goe/go/internal/estimate/protocol"
	"github.com/mcdev12/goe/go/internal/estimate/session"
)

// Config holds configuration for the engine
type Config struct {
	Connection connection.Config
	// InboxSize bounds the number of pending loop tasks, commands included
	InboxSize int
}

// DefaultConfig returns default engine configuration
func DefaultConfig() Config {
	return Config{
		Connection: connection.DefaultConfig(),
		InboxSize:  256,
	}
}

// Option customizes an Engine
type Option func(*options)

type options struct {
	connOpts []connection.Option
}

// WithClock replaces the clock driving reconnects
func WithClock(clock clockwork.Clock) Option {
	return func(o *options) { o.connOpts = append(o.connOpts, connection.WithClock(clock)) }
}

// WithDialer replaces the websocket dialer
func WithDialer(d *websocket.Dialer) Option {
	return func(o *options) { o.connOpts = append(o.connOpts, connection.WithDialer(d)) }
}

// State is the published, immutable view of the engine
type State struct {
	Instance   string                  `json:"instance"`
	Version    uint64                  `json:"version"`
	Connection connection.Status       `json:"connection"`
	Phase      session.Phase           `json:"phase"`
	PlayerID   string                  `json:"player_id,omitempty"`
	RoomID     string                  `json:"room_id,omitempty"`
	LastError  string                  `json:"last_error,omitempty"`
	InRoom     bool                    `json:"in_room"`
	Deck       string                  `json:"deck,omitempty"`
	Open       bool                    `json:"open"`
	Players    []projection.PlayerView `json:"players"`
	MyVote     *string                 `json:"my_vote,omitempty"`
	Commands   emitter.Stats           `json:"commands"`
}

// Engine is one independent sync client. Every field below the loop is
// touched only from the loop goroutine.
type Engine struct {
	id   string
	loop *eventloop.Loop

	conn    *connection.Manager
	emitter *emitter.Emitter
	session *session.Machine
	proj    *projection.Projection

	dirty   bool
	version uint64
	state   atomic.Pointer[State]
	started atomic.Bool

	// Changed fires on the loop goroutine after a task changed the state
	Changed *eventbus.Signal[State]
}

// New builds an engine. Nothing is dialed until Run.
func New(config Config, opts ...Option) *Engine {
	if config.InboxSize <= 0 {
		config.InboxSize = DefaultConfig().InboxSize
	}
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	e := &Engine{
		id:      uuid.New().String()[:8],
		loop:    eventloop.New(config.InboxSize),
		Changed: eventbus.NewSignal[State]("engine.state"),
	}

	e.conn = connection.NewManager(config.Connection, e, o.connOpts...)
	e.emitter = emitter.New(e.conn)
	e.session = session.NewMachine(e.emitter)
	e.proj = projection.New()
	e.proj.Attach(e.session)

	e.conn.Message.Connect(e.onFrame)
	e.conn.Disconnected.Connect(func(error) { e.session.TransportLost() })
	e.conn.Errored.Connect(func(error) { e.session.TransportLost() })
	e.conn.StatusChanged.Connect(func(connection.Status) { e.dirty = true })
	e.session.Changed.Connect(func(session.Snapshot) { e.dirty = true })
	e.proj.Changed.Connect(func(projection.View) { e.dirty = true })

	e.dirty = true
	e.publish()
	return e
}

// ID returns the short instance id used in logs and mirrors
func (e *Engine) ID() string {
	return e.id
}

// Run starts the connection and drives the loop until ctx is cancelled. It
// may only be called once.
func (e *Engine) Run(ctx context.Context) error {
	if !e.started.CompareAndSwap(false, true) {
		return eventloop.ErrAlreadyRun
	}

	log.Info().
		Str("instance", e.id).
		Str("url", e.conn.URL()).
		Msg("starting sync engine")

	// the loop is not running yet, this goroutine owns the state
	e.conn.Start(ctx)
	e.publish()

	err := e.loop.Run(ctx)

	e.conn.Close()
	e.publish()

	log.Info().Str("instance", e.id).Msg("sync engine stopped")
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// Post implements connection.Executor. The published state is refreshed after
// every task.
func (e *Engine) Post(fn func()) bool {
	return e.loop.Post(e.task(fn))
}

func (e *Engine) task(fn func()) func() {
	return func() {
		fn()
		e.publish()
	}
}

// do queues a user command without blocking the caller
func (e *Engine) do(name string, fn func()) bool {
	cmd := func() {
		fn()
		e.dirty = true
	}
	if e.loop.TryPost(e.task(cmd)) {
		return true
	}
	log.Warn().
		Str("instance", e.id).
		Str("command", name).
		Msg("engine inbox full or stopped, dropping command")
	return false
}

// State returns the last published state
func (e *Engine) State() State {
	return *e.state.Load()
}

// Subscribe returns a channel receiving every published state. Slow
// consumers miss intermediate states, never the loop.
func (e *Engine) Subscribe(buffer int) (<-chan State, func()) {
	return e.Changed.Subscribe(buffer)
}

// JoinRoom enters the room, or remembers it until the handshake completes
func (e *Engine) JoinRoom(roomID string) bool {
	return e.do("join_room", func() { e.session.JoinRoom(roomID) })
}

// CreateRoom asks for a new room with the given deck
func (e *Engine) CreateRoom(deck string) bool {
	return e.do("create_room", func() { e.session.CreateRoom(deck) })
}

// Vote casts v in the current round, nil withdraws the vote
func (e *Engine) Vote(v *string) bool {
	return e.do("vote", func() {
		if !e.inRoom("vote") {
			return
		}
		e.proj.SetMyVote(v)
		e.emitter.Vote(v)
	})
}

// ForceOpen reveals every vote of the round
func (e *Engine) ForceOpen() bool {
	return e.do("force_open", func() {
		if e.inRoom("force_open") {
			e.emitter.ForceOpen()
		}
	})
}

// Restart starts a new round
func (e *Engine) Restart() bool {
	return e.do("restart", func() {
		if e.inRoom("restart") {
			e.emitter.Restart()
		}
	})
}

// SetVoter switches between voting and observing. The update carries a null
// name, which clears the name on the server.
func (e *Engine) SetVoter(voter bool) bool {
	return e.do("set_voter", func() {
		if e.inRoom("set_voter") {
			e.emitter.SetVoter(voter)
		}
	})
}

// UpdatePlayer replaces the voter flag and the name; a nil name clears it
func (e *Engine) UpdatePlayer(voter bool, name *string) bool {
	return e.do("update_player", func() { e.emitter.UpdatePlayer(voter, name) })
}

// SetName changes the display name
func (e *Engine) SetName(name string) bool {
	return e.do("set_name", func() { e.emitter.SetName(name) })
}

// Dispatch routes a command in wire form to the matching engine operation
func (e *Engine) Dispatch(cmd protocol.Command) error {
	if err := cmd.Validate(); err != nil {
		return err
	}

	var queued bool
	switch c := cmd.(type) {
	case protocol.JoinRoom:
		queued = e.JoinRoom(c.Room)
	case protocol.CreateRoom:
		queued = e.CreateRoom(c.Deck)
	case protocol.Vote:
		queued = e.Vote(c.Vote)
	case protocol.ForceOpen:
		queued = e.ForceOpen()
	case protocol.Restart:
		queued = e.Restart()
	case protocol.UpdatePlayer:
		queued = e.UpdatePlayer(c.Voter, c.Name)
	case protocol.SetName:
		queued = e.SetName(c.Name)
	default:
		return protocol.ErrUnknownCommand
	}

	if !queued {
		return ErrBusy
	}
	return nil
}

func (e *Engine) inRoom(command string) bool {
	if e.session.Phase() == session.PhaseJoined {
		return true
	}
	log.Debug().
		Str("instance", e.id).
		Str("command", command).
		Str("phase", string(e.session.Phase())).
		Msg("not in a room, dropping command")
	return false
}

func (e *Engine) onFrame(data []byte) {
	evt, err := protocol.DecodeEvent(data)
	if err != nil {
		log.Warn().
			Err(err).
			Str("instance", e.id).
			Int("bytes", len(data)).
			Msg("dropping inbound frame")
		return
	}

	log.Debug().
		Str("instance", e.id).
		Str("event_type", string(evt.EventType())).
		Msg("event received")

	e.session.HandleEvent(evt)
}

// publish swaps in a fresh state when something changed since the last one
func (e *Engine) publish() {
	if !e.dirty {
		return
	}
	e.dirty = false
	e.version++

	sess := e.session.Snapshot()
	view := e.proj.View()
	st := &State{
		Instance:   e.id,
		Version:    e.version,
		Connection: e.conn.Status(),
		Phase:      sess.Phase,
		PlayerID:   sess.PlayerID,
		RoomID:     sess.RoomID,
		LastError:  sess.LastError,
		InRoom:     view.InRoom,
		Deck:       view.Deck,
		Open:       view.Open,
		Players:    view.Players,
		MyVote:     view.MyVote,
		Commands:   e.emitter.Stats(),
	}
	e.state.Store(st)
	e.Changed.Emit(*st)
}
