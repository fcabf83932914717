package engine

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcdev12/goe/go/internal/estimate/connection"
	"github.com/mcdev12/goe/go/internal/estimate/eventloop"
	"github.com/mcdev12/goe/go/internal/estimate/protocol"
	"github.com/mcdev12/goe/go/internal/estimate/session"
	"github.com/mcdev12/goe/go/internal/estimate/wstest"
)

const wait = 2 * time.Second

type fakeClock interface {
	clockwork.Clock
	Advance(d time.Duration)
	BlockUntilContext(ctx context.Context, n int) error
}

type fixture struct {
	t      *testing.T
	ctx    context.Context
	cancel context.CancelFunc
	clock  fakeClock
	server *wstest.Server
	engine *Engine
	states <-chan State
	done   chan error
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	server := wstest.NewServer(t)
	clock := clockwork.NewFakeClock()

	cfg := DefaultConfig()
	cfg.Connection.URL = server.URL()
	e := New(cfg, WithClock(clock))

	ctx, cancel := context.WithCancel(context.Background())
	f := &fixture{
		t:      t,
		ctx:    ctx,
		cancel: cancel,
		clock:  clock,
		server: server,
		engine: e,
		done:   make(chan error, 1),
	}
	f.states, _ = e.Subscribe(256)

	go func() { f.done <- e.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-f.done:
		case <-time.After(wait):
			t.Error("engine did not stop")
		}
	})
	return f
}

// waitFor blocks until a published state satisfies pred
func (f *fixture) waitFor(desc string, pred func(State) bool) State {
	f.t.Helper()
	if s := f.engine.State(); pred(s) {
		return s
	}
	timeout := time.After(wait)
	for {
		select {
		case s := <-f.states:
			if pred(s) {
				return s
			}
		case <-timeout:
			f.t.Fatalf("timed out waiting for %s, last state %+v", desc, f.engine.State())
			return State{}
		}
	}
}

func (f *fixture) waitPhase(p session.Phase) State {
	f.t.Helper()
	return f.waitFor("phase "+string(p), func(s State) bool { return s.Phase == p })
}

// welcome accepts a connection and completes the handshake
func (f *fixture) welcome(playerID string) *wstest.Conn {
	f.t.Helper()
	conn := f.server.Accept(f.t, wait)
	f.waitFor("connected", func(s State) bool { return s.Connection == connection.StatusConnected })
	conn.Send(f.t, protocol.Welcome{PlayerID: playerID})
	f.waitFor("welcome "+playerID, func(s State) bool {
		return s.Phase == session.PhaseOutside && s.PlayerID == playerID
	})
	return conn
}

func (f *fixture) joinRoom(conn *wstest.Conn, room string, players ...protocol.PlayerInfo) {
	f.t.Helper()
	require.True(f.t, f.engine.JoinRoom(room))
	assert.Equal(f.t, protocol.JoinRoom{Room: room}, conn.ReadCommand(f.t, wait))

	votes := map[string]*string{}
	for _, p := range players {
		if p.Voter {
			votes[p.ID] = nil
		}
	}
	conn.Send(f.t, protocol.Joined{
		Room:    room,
		State:   protocol.GameState{Deck: "fibonacci", Votes: votes},
		Players: players,
	})
	f.waitPhase(session.PhaseJoined)
}

func strPtr(s string) *string { return &s }

func TestEngine_InitialState(t *testing.T) {
	e := New(DefaultConfig())

	s := e.State()
	assert.Equal(t, e.ID(), s.Instance)
	assert.Len(t, s.Instance, 8)
	assert.Equal(t, connection.StatusConnecting, s.Connection)
	assert.Equal(t, session.PhaseConnecting, s.Phase)
	assert.Empty(t, s.Players)
}

func TestEngine_HandshakeAndJoin(t *testing.T) {
	f := newFixture(t)

	conn := f.welcome("p1")
	f.joinRoom(conn, "R1",
		protocol.PlayerInfo{ID: "p1", Name: strPtr("Ann"), Voter: true},
		protocol.PlayerInfo{ID: "p2", Voter: false},
	)

	s := f.engine.State()
	assert.Equal(t, "R1", s.RoomID)
	assert.True(t, s.InRoom)
	assert.Equal(t, "fibonacci", s.Deck)
	require.Len(t, s.Players, 2)
	assert.True(t, s.Players[0].Self)
	assert.Equal(t, "p2", s.Players[1].ID)
}

func TestEngine_RoomEventsUpdateState(t *testing.T) {
	f := newFixture(t)

	conn := f.welcome("p1")
	f.joinRoom(conn, "R1", protocol.PlayerInfo{ID: "p1", Voter: true})

	conn.Send(t, protocol.PlayerJoined{Player: protocol.PlayerInfo{ID: "p2", Voter: true}})
	conn.Send(t, protocol.GameChanged{GameState: protocol.GameState{
		Deck:  "fibonacci",
		Votes: map[string]*string{"p1": nil, "p2": strPtr(protocol.HiddenVote)},
	}})

	s := f.waitFor("p2 voted", func(s State) bool {
		return len(s.Players) == 2 && s.Players[1].Voted
	})
	assert.True(t, s.Players[1].Hidden)
	assert.Nil(t, s.Players[1].Vote)

	conn.Send(t, protocol.PlayerLeft{PlayerID: "p2"})
	f.waitFor("p2 left", func(s State) bool { return len(s.Players) == 1 })
}

func TestEngine_VoteIsSentAndCached(t *testing.T) {
	f := newFixture(t)

	conn := f.welcome("p1")
	f.joinRoom(conn, "R1", protocol.PlayerInfo{ID: "p1", Voter: true})

	require.True(t, f.engine.Vote(strPtr("5")))
	assert.Equal(t, protocol.Vote{Vote: strPtr("5")}, conn.ReadCommand(t, wait))

	s := f.waitFor("my vote", func(s State) bool { return s.MyVote != nil })
	assert.Equal(t, "5", *s.MyVote)

	conn.Send(t, protocol.GameChanged{GameState: protocol.GameState{
		Deck:  "fibonacci",
		Votes: map[string]*string{"p1": strPtr(protocol.HiddenVote)},
	}})
	s = f.waitFor("hidden own vote", func(s State) bool {
		return len(s.Players) == 1 && s.Players[0].Hidden
	})
	assert.Equal(t, "5", *s.Players[0].Vote)

	// new round
	conn.Send(t, protocol.GameChanged{GameState: protocol.GameState{
		Deck:  "fibonacci",
		Votes: map[string]*string{"p1": nil},
	}})
	f.waitFor("my vote cleared", func(s State) bool { return s.MyVote == nil })
}

func TestEngine_ReconnectRejoinsRoomFirst(t *testing.T) {
	f := newFixture(t)

	conn := f.welcome("p1")
	f.joinRoom(conn, "R1",
		protocol.PlayerInfo{ID: "p1", Voter: true},
		protocol.PlayerInfo{ID: "p9", Voter: true},
	)

	conn.Close()
	s := f.waitFor("reset after disconnect", func(s State) bool {
		return s.Phase == session.PhaseConnecting && s.Connection == connection.StatusDisconnected
	})
	assert.Empty(t, s.Players)
	assert.False(t, s.InRoom)
	assert.Empty(t, s.PlayerID)
	assert.Equal(t, "R1", s.RoomID)

	ctx, cancel := context.WithTimeout(f.ctx, wait)
	defer cancel()
	require.NoError(t, f.clock.BlockUntilContext(ctx, 1))
	f.clock.Advance(connection.DefaultReconnectInterval)

	second := f.server.Accept(t, wait)
	f.waitFor("reconnected", func(s State) bool { return s.Connection == connection.StatusConnected })
	second.Send(t, protocol.Welcome{PlayerID: "p2"})
	f.waitPhase(session.PhaseJoining)

	require.True(t, f.engine.SetName("Bob"))

	assert.Equal(t, protocol.JoinRoom{Room: "R1"}, second.ReadCommand(t, wait))
	assert.Equal(t, protocol.SetName{Name: "Bob"}, second.ReadCommand(t, wait))
}

func TestEngine_NoRejoinOnFirstConnection(t *testing.T) {
	f := newFixture(t)

	conn := f.welcome("p1")
	require.True(t, f.engine.SetName("Ann"))

	assert.Equal(t, protocol.SetName{Name: "Ann"}, conn.ReadCommand(t, wait))
}

func TestEngine_RejectedJoin(t *testing.T) {
	f := newFixture(t)

	conn := f.welcome("p1")
	require.True(t, f.engine.JoinRoom("R2"))
	assert.Equal(t, protocol.JoinRoom{Room: "R2"}, conn.ReadCommand(t, wait))
	f.waitPhase(session.PhaseJoining)

	conn.Send(t, protocol.Rejected{})

	s := f.waitFor("rejection", func(s State) bool {
		return s.Phase == session.PhaseOutside && s.LastError != ""
	})
	assert.Empty(t, s.RoomID)
	assert.Equal(t, session.ErrRoomNotFound.Error(), s.LastError)
}

func TestEngine_CreateRoom(t *testing.T) {
	f := newFixture(t)

	conn := f.welcome("p1")
	require.True(t, f.engine.CreateRoom("tshirt"))
	assert.Equal(t, protocol.CreateRoom{Deck: "tshirt"}, conn.ReadCommand(t, wait))

	conn.Send(t, protocol.Joined{
		Room:    "NEW",
		State:   protocol.GameState{Deck: "tshirt", Votes: map[string]*string{}},
		Players: []protocol.PlayerInfo{{ID: "p1", Voter: true}},
	})
	s := f.waitPhase(session.PhaseJoined)
	assert.Equal(t, "NEW", s.RoomID)
	assert.Equal(t, "tshirt", s.Deck)
}

func TestEngine_RoomCommandsOutsideRoomAreDropped(t *testing.T) {
	f := newFixture(t)

	conn := f.welcome("p1")
	f.engine.Vote(strPtr("3"))
	f.engine.ForceOpen()
	f.engine.Restart()
	f.engine.SetVoter(false)
	f.engine.SetName("Ann")

	// only the last one makes it onto the wire
	assert.Equal(t, protocol.SetName{Name: "Ann"}, conn.ReadCommand(t, wait))
	s := f.waitFor("stats", func(s State) bool { return s.Commands.Sent == 1 })
	assert.Nil(t, s.MyVote)
}

func TestEngine_BadFramesAreDropped(t *testing.T) {
	f := newFixture(t)

	conn := f.server.Accept(t, wait)
	conn.SendRaw(t, []byte(`not json`))
	conn.SendRaw(t, []byte(`{"type":"Teleported","where":"moon"}`))
	conn.SendRaw(t, []byte(`{"type":"Welcome"}`))
	conn.Send(t, protocol.Welcome{PlayerID: "p1"})

	s := f.waitPhase(session.PhaseOutside)
	assert.Equal(t, "p1", s.PlayerID)
	assert.Equal(t, connection.StatusConnected, s.Connection)
}

func TestEngine_JoinBeforeHandshake(t *testing.T) {
	f := newFixture(t)

	require.True(t, f.engine.JoinRoom("R7"))
	f.waitFor("room remembered", func(s State) bool { return s.RoomID == "R7" })

	conn := f.server.Accept(t, wait)
	conn.Send(t, protocol.Welcome{PlayerID: "p1"})

	assert.Equal(t, protocol.JoinRoom{Room: "R7"}, conn.ReadCommand(t, wait))
}

func TestEngine_Dispatch(t *testing.T) {
	f := newFixture(t)
	conn := f.welcome("p1")

	assert.ErrorIs(t, f.engine.Dispatch(protocol.JoinRoom{}), protocol.ErrInvalidCommand)

	require.NoError(t, f.engine.Dispatch(protocol.SetName{Name: "Zed"}))
	assert.Equal(t, protocol.SetName{Name: "Zed"}, conn.ReadCommand(t, wait))

	require.NoError(t, f.engine.Dispatch(protocol.JoinRoom{Room: "R1"}))
	assert.Equal(t, protocol.JoinRoom{Room: "R1"}, conn.ReadCommand(t, wait))
	f.waitPhase(session.PhaseJoining)
}

func TestEngine_RunOnlyOnce(t *testing.T) {
	f := newFixture(t)
	f.server.Accept(t, wait)

	assert.ErrorIs(t, f.engine.Run(context.Background()), eventloop.ErrAlreadyRun)
}

func TestEngine_StopClosesConnection(t *testing.T) {
	f := newFixture(t)
	f.welcome("p1")

	f.cancel()
	select {
	case err := <-f.done:
		require.NoError(t, err)
		f.done <- err
	case <-time.After(wait):
		t.Fatal("engine did not stop")
	}

	s := f.engine.State()
	assert.Equal(t, connection.StatusClosed, s.Connection)
	assert.Equal(t, session.PhaseConnecting, s.Phase)

	assert.False(t, f.engine.SetName("late"))
}

func TestEngine_IndependentInstances(t *testing.T) {
	a := newFixture(t)
	b := newFixture(t)
	assert.NotEqual(t, a.engine.ID(), b.engine.ID())

	connA := a.welcome("pa")
	b.welcome("pb")

	a.joinRoom(connA, "RA", protocol.PlayerInfo{ID: "pa", Voter: true})

	assert.Equal(t, session.PhaseOutside, b.engine.State().Phase)
	assert.Empty(t, b.engine.State().RoomID)
}
