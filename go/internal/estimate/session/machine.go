package session

import (
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/goe/go/internal/estimate/eventbus"
	"github.com/mcdev12/goe/go/internal/estimate/protocol"
)

// Phase is the participant's own lifecycle state
type Phase string

const (
	PhaseConnecting Phase = "connecting"
	PhaseOutside    Phase = "outside"
	PhaseJoining    Phase = "joining"
	PhaseJoined     Phase = "joined"
)

// Sender delivers an outbound command, best-effort
type Sender interface {
	Send(cmd protocol.Command) bool
}

// Snapshot is a copy of the session fields
type Snapshot struct {
	Phase     Phase  `json:"phase"`
	PlayerID  string `json:"player_id,omitempty"`
	RoomID    string `json:"room_id,omitempty"`
	LastError string `json:"last_error,omitempty"`
}

// Machine tracks the session lifecycle and re-emits protocol events on typed
// signals once its own transition for that event is done. It is not safe for
// concurrent use; the owner serializes calls.
type Machine struct {
	sender Sender

	phase     Phase
	playerID  string
	roomID    string
	lastError string

	PhaseChanged  *eventbus.Signal[Phase]
	Welcomed      *eventbus.Signal[protocol.Welcome]
	Joined        *eventbus.Signal[protocol.Joined]
	PlayerJoined  *eventbus.Signal[protocol.PlayerJoined]
	PlayerChanged *eventbus.Signal[protocol.PlayerChanged]
	PlayerLeft    *eventbus.Signal[protocol.PlayerLeft]
	GameChanged   *eventbus.Signal[protocol.GameChanged]
	Rejected      *eventbus.Signal[protocol.Rejected]
	// Changed fires after any session field changed
	Changed *eventbus.Signal[Snapshot]
}

// NewMachine creates a session in the connecting phase
func NewMachine(sender Sender) *Machine {
	return &Machine{
		sender: sender,
		phase:  PhaseConnecting,

		PhaseChanged:  eventbus.NewSignal[Phase]("session.phase"),
		Welcomed:      eventbus.NewSignal[protocol.Welcome]("session.welcome"),
		Joined:        eventbus.NewSignal[protocol.Joined]("session.joined"),
		PlayerJoined:  eventbus.NewSignal[protocol.PlayerJoined]("session.player_joined"),
		PlayerChanged: eventbus.NewSignal[protocol.PlayerChanged]("session.player_changed"),
		PlayerLeft:    eventbus.NewSignal[protocol.PlayerLeft]("session.player_left"),
		GameChanged:   eventbus.NewSignal[protocol.GameChanged]("session.game_changed"),
		Rejected:      eventbus.NewSignal[protocol.Rejected]("session.rejected"),
		Changed:       eventbus.NewSignal[Snapshot]("session.changed"),
	}
}

// Snapshot returns the current session fields
func (m *Machine) Snapshot() Snapshot {
	return Snapshot{
		Phase:     m.phase,
		PlayerID:  m.playerID,
		RoomID:    m.roomID,
		LastError: m.lastError,
	}
}

// Phase returns the current phase
func (m *Machine) Phase() Phase { return m.phase }

// PlayerID returns the server-assigned participant id, empty before Welcome
func (m *Machine) PlayerID() string { return m.playerID }

// RoomID returns the remembered room id. It survives disconnects so the
// room can be rejoined.
func (m *Machine) RoomID() string { return m.roomID }

// TransportLost resets the session after the connection dropped or failed.
// The room id is kept for the rejoin after the next Welcome.
func (m *Machine) TransportLost() {
	if m.phase == PhaseConnecting && m.playerID == "" {
		return
	}
	log.Info().
		Str("phase", string(m.phase)).
		Str("room_id", m.roomID).
		Msg("transport lost, session reset")

	m.playerID = ""
	m.setPhase(PhaseConnecting)
	m.changed()
}

// HandleEvent applies one decoded inbound event
func (m *Machine) HandleEvent(evt protocol.Event) {
	switch e := evt.(type) {
	case protocol.Welcome:
		m.onWelcome(e)
	case protocol.Joined:
		m.onJoined(e)
	case protocol.PlayerJoined:
		m.PlayerJoined.Emit(e)
	case protocol.PlayerChanged:
		m.PlayerChanged.Emit(e)
	case protocol.PlayerLeft:
		m.PlayerLeft.Emit(e)
	case protocol.GameChanged:
		m.GameChanged.Emit(e)
	case protocol.Rejected:
		m.onRejected(e)
	default:
		log.Warn().Str("event_type", string(evt.EventType())).Msg("unhandled event, dropping")
	}
}

// JoinRoom asks to enter a room. From outside, or from another joined room,
// the command is sent and the room remembered. While still connecting the
// room is only remembered and joined right after the next Welcome. Joining the
// current room again, or any join while a request is pending, is ignored.
func (m *Machine) JoinRoom(roomID string) {
	if roomID == "" {
		log.Debug().Msg("join without room id ignored")
		return
	}

	switch {
	case m.phase == PhaseJoined && m.roomID == roomID:
		log.Debug().Str("room_id", roomID).Msg("already in room, join ignored")

	case m.phase == PhaseOutside || m.phase == PhaseJoined:
		if m.phase == PhaseJoined {
			log.Info().Str("from_room_id", m.roomID).Str("room_id", roomID).Msg("switching rooms")
		}
		m.roomID = roomID
		m.lastError = ""
		m.setPhase(PhaseJoining)
		m.sender.Send(protocol.JoinRoom{Room: roomID})
		m.changed()

	case m.phase == PhaseConnecting:
		log.Info().Str("room_id", roomID).Msg("not connected yet, room will be joined after handshake")
		m.roomID = roomID
		m.changed()

	default:
		log.Debug().
			Str("phase", string(m.phase)).
			Str("room_id", roomID).
			Str("current_room_id", m.roomID).
			Msg("join ignored, a room request is pending")
	}
}

// CreateRoom asks the server for a new room. Only valid from outside.
func (m *Machine) CreateRoom(deck string) {
	if m.phase != PhaseOutside {
		log.Debug().
			Str("phase", string(m.phase)).
			Str("deck", deck).
			Msg("create room ignored outside of lobby")
		return
	}

	// the new room's id arrives with Joined
	m.roomID = ""
	m.lastError = ""
	m.setPhase(PhaseJoining)
	m.sender.Send(protocol.CreateRoom{Deck: deck})
	m.changed()
}

func (m *Machine) onWelcome(e protocol.Welcome) {
	reconnect := m.phase == PhaseConnecting

	m.playerID = e.PlayerID
	m.setPhase(PhaseOutside)
	m.changed()
	m.Welcomed.Emit(e)

	log.Info().Str("player_id", e.PlayerID).Msg("welcomed by server")

	// a Welcome outside of the handshake must not trigger a second rejoin
	if reconnect && m.roomID != "" {
		log.Info().Str("room_id", m.roomID).Msg("rejoining remembered room")
		m.JoinRoom(m.roomID)
	}
}

func (m *Machine) onJoined(e protocol.Joined) {
	m.roomID = e.Room
	m.lastError = ""
	m.setPhase(PhaseJoined)
	m.changed()

	log.Info().
		Str("room_id", e.Room).
		Int("players", len(e.Players)).
		Msg("joined room")

	m.Joined.Emit(e)
}

func (m *Machine) onRejected(e protocol.Rejected) {
	log.Warn().Str("room_id", m.roomID).Msg("room request rejected")

	m.roomID = ""
	m.lastError = ErrRoomNotFound.Error()
	m.setPhase(PhaseOutside)
	m.changed()
	m.Rejected.Emit(e)
}

func (m *Machine) setPhase(p Phase) {
	if m.phase == p {
		return
	}
	m.phase = p
	m.PhaseChanged.Emit(p)
}

func (m *Machine) changed() {
	m.Changed.Emit(m.Snapshot())
}
