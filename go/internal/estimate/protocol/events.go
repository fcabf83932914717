package protocol

import (
	"encoding/json"
	"fmt"
)

// HiddenVote is what the server sends in place of a cast vote while the
// round is still closed
const HiddenVote = "�"

// EventType is the discriminant of an inbound frame
type EventType string

const (
	EventTypeWelcome       EventType = "Welcome"
	EventTypeJoined        EventType = "Joined"
	EventTypePlayerJoined  EventType = "PlayerJoined"
	EventTypePlayerChanged EventType = "PlayerChanged"
	EventTypePlayerLeft    EventType = "PlayerLeft"
	EventTypeGameChanged   EventType = "GameChanged"
	EventTypeRejected      EventType = "Rejected"
)

// PlayerInfo is the wire record of one room participant
type PlayerInfo struct {
	ID    string  `json:"id"`
	Name  *string `json:"name"`
	Voter bool    `json:"voter"`
}

// GameState is the wire record of the voting round
type GameState struct {
	Deck  string             `json:"deck"`
	Open  bool               `json:"open"`
	Votes map[string]*string `json:"votes"`
}

// Event is the closed set of server-pushed events
type Event interface {
	EventType() EventType
	isEvent()
}

// Welcome is the handshake carrying the participant id assigned by the server
type Welcome struct {
	PlayerID string `json:"player_id"`
}

// Joined confirms room membership and carries a full room snapshot
type Joined struct {
	Room    string       `json:"room"`
	State   GameState    `json:"state"`
	Players []PlayerInfo `json:"players"`
}

// PlayerJoined announces a participant entering the room
type PlayerJoined struct {
	Player PlayerInfo `json:"player"`
}

// PlayerChanged announces new name or voter flag of a participant
type PlayerChanged struct {
	Player PlayerInfo `json:"player"`
}

// PlayerLeft announces a participant leaving the room
type PlayerLeft struct {
	PlayerID string `json:"player_id"`
}

// GameChanged replaces the voting round state
type GameChanged struct {
	GameState GameState `json:"game_state"`
}

// Rejected is sent when a join or create request was refused
type Rejected struct{}

func (Welcome) EventType() EventType       { return EventTypeWelcome }
func (Joined) EventType() EventType        { return EventTypeJoined }
func (PlayerJoined) EventType() EventType  { return EventTypePlayerJoined }
func (PlayerChanged) EventType() EventType { return EventTypePlayerChanged }
func (PlayerLeft) EventType() EventType    { return EventTypePlayerLeft }
func (GameChanged) EventType() EventType   { return EventTypeGameChanged }
func (Rejected) EventType() EventType      { return EventTypeRejected }

func (Welcome) isEvent()       {}
func (Joined) isEvent()        {}
func (PlayerJoined) isEvent()  {}
func (PlayerChanged) isEvent() {}
func (PlayerLeft) isEvent()    {}
func (GameChanged) isEvent()   {}
func (Rejected) isEvent()      {}

type envelope struct {
	Type string `json:"type"`
}

func readTag(data []byte) (string, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if env.Type == "" {
		return "", fmt.Errorf("%w: no type tag", ErrMalformedFrame)
	}
	return env.Type, nil
}

// DecodeEvent parses one inbound frame. Unknown tags yield ErrUnknownEvent,
// frames missing a required field yield ErrMissingField. Unknown extra
// fields are ignored.
func DecodeEvent(data []byte) (Event, error) {
	tag, err := readTag(data)
	if err != nil {
		return nil, err
	}

	switch EventType(tag) {
	case EventTypeWelcome:
		var e Welcome
		if err := unmarshalFrame(data, &e); err != nil {
			return nil, err
		}
		if e.PlayerID == "" {
			return nil, missing(tag, "player_id")
		}
		return e, nil

	case EventTypeJoined:
		var e Joined
		if err := unmarshalFrame(data, &e); err != nil {
			return nil, err
		}
		if e.Room == "" {
			return nil, missing(tag, "room")
		}
		for _, p := range e.Players {
			if p.ID == "" {
				return nil, missing(tag, "players[].id")
			}
		}
		e.State = normalizeGameState(e.State)
		return e, nil

	case EventTypePlayerJoined:
		var e PlayerJoined
		if err := unmarshalFrame(data, &e); err != nil {
			return nil, err
		}
		if e.Player.ID == "" {
			return nil, missing(tag, "player.id")
		}
		return e, nil

	case EventTypePlayerChanged:
		var e PlayerChanged
		if err := unmarshalFrame(data, &e); err != nil {
			return nil, err
		}
		if e.Player.ID == "" {
			return nil, missing(tag, "player.id")
		}
		return e, nil

	case EventTypePlayerLeft:
		var e PlayerLeft
		if err := unmarshalFrame(data, &e); err != nil {
			return nil, err
		}
		if e.PlayerID == "" {
			return nil, missing(tag, "player_id")
		}
		return e, nil

	case EventTypeGameChanged:
		var e GameChanged
		if err := unmarshalFrame(data, &e); err != nil {
			return nil, err
		}
		e.GameState = normalizeGameState(e.GameState)
		return e, nil

	case EventTypeRejected:
		return Rejected{}, nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, tag)
	}
}

// EncodeEvent serializes an event as a tagged frame
func EncodeEvent(evt Event) ([]byte, error) {
	switch e := evt.(type) {
	case Welcome:
		return json.Marshal(struct {
			Type EventType `json:"type"`
			Welcome
		}{e.EventType(), e})
	case Joined:
		return json.Marshal(struct {
			Type EventType `json:"type"`
			Joined
		}{e.EventType(), e})
	case PlayerJoined:
		return json.Marshal(struct {
			Type EventType `json:"type"`
			PlayerJoined
		}{e.EventType(), e})
	case PlayerChanged:
		return json.Marshal(struct {
			Type EventType `json:"type"`
			PlayerChanged
		}{e.EventType(), e})
	case PlayerLeft:
		return json.Marshal(struct {
			Type EventType `json:"type"`
			PlayerLeft
		}{e.EventType(), e})
	case GameChanged:
		return json.Marshal(struct {
			Type EventType `json:"type"`
			GameChanged
		}{e.EventType(), e})
	case Rejected:
		return json.Marshal(envelope{Type: string(e.EventType())})
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownEvent, evt)
	}
}

func unmarshalFrame(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return nil
}

func missing(tag, field string) error {
	return fmt.Errorf("%w: %s.%s", ErrMissingField, tag, field)
}

// the projection relies on a non-nil vote map
func normalizeGameState(gs GameState) GameState {
	if gs.Votes == nil {
		gs.Votes = make(map[string]*string)
	}
	return gs
}
