package protocol

import (
	"encoding/json"
	"fmt"
)

// CommandType is the discriminant of an outbound frame
type CommandType string

const (
	CommandTypeUpdatePlayer CommandType = "UpdatePlayer"
	CommandTypeVote         CommandType = "Vote"
	CommandTypeForceOpen    CommandType = "ForceOpen"
	CommandTypeRestart      CommandType = "Restart"
	CommandTypeSetName      CommandType = "SetName"
	CommandTypeJoinRoom     CommandType = "JoinRoom"
	CommandTypeCreateRoom   CommandType = "CreateRoom"
)

// Command is the closed set of client intents
type Command interface {
	CommandType() CommandType
	// Validate checks the command shape only. Whether the server accepts it
	// is not known here.
	Validate() error
}

// UpdatePlayer sets the voter flag and, when Name is non-nil, the display name
type UpdatePlayer struct {
	Voter bool    `json:"voter"`
	Name  *string `json:"name"`
}

// Vote casts a vote for the current round, or withdraws it when nil
type Vote struct {
	Vote *string `json:"vote"`
}

// ForceOpen reveals all votes of the current round
type ForceOpen struct{}

// Restart starts a new round
type Restart struct{}

// SetName changes the display name
type SetName struct {
	Name string `json:"name"`
}

// JoinRoom asks to enter an existing room
type JoinRoom struct {
	Room string `json:"room"`
}

// CreateRoom asks the server for a new room using the given deck
type CreateRoom struct {
	Deck string `json:"deck"`
}

func (UpdatePlayer) CommandType() CommandType { return CommandTypeUpdatePlayer }
func (Vote) CommandType() CommandType         { return CommandTypeVote }
func (ForceOpen) CommandType() CommandType    { return CommandTypeForceOpen }
func (Restart) CommandType() CommandType      { return CommandTypeRestart }
func (SetName) CommandType() CommandType      { return CommandTypeSetName }
func (JoinRoom) CommandType() CommandType     { return CommandTypeJoinRoom }
func (CreateRoom) CommandType() CommandType   { return CommandTypeCreateRoom }

func (UpdatePlayer) Validate() error { return nil }
func (Vote) Validate() error         { return nil }
func (ForceOpen) Validate() error    { return nil }
func (Restart) Validate() error      { return nil }
func (SetName) Validate() error      { return nil }

func (c JoinRoom) Validate() error {
	if c.Room == "" {
		return fmt.Errorf("%w: JoinRoom without room", ErrInvalidCommand)
	}
	return nil
}

func (c CreateRoom) Validate() error {
	if c.Deck == "" {
		return fmt.Errorf("%w: CreateRoom without deck", ErrInvalidCommand)
	}
	return nil
}

// EncodeCommand serializes a command as a self-describing tagged record
func EncodeCommand(cmd Command) ([]byte, error) {
	switch c := cmd.(type) {
	case UpdatePlayer:
		return json.Marshal(struct {
			Type CommandType `json:"type"`
			UpdatePlayer
		}{c.CommandType(), c})
	case Vote:
		return json.Marshal(struct {
			Type CommandType `json:"type"`
			Vote
		}{c.CommandType(), c})
	case ForceOpen, Restart:
		return json.Marshal(struct {
			Type CommandType `json:"type"`
		}{c.CommandType()})
	case SetName:
		return json.Marshal(struct {
			Type CommandType `json:"type"`
			SetName
		}{c.CommandType(), c})
	case JoinRoom:
		return json.Marshal(struct {
			Type CommandType `json:"type"`
			JoinRoom
		}{c.CommandType(), c})
	case CreateRoom:
		return json.Marshal(struct {
			Type CommandType `json:"type"`
			CreateRoom
		}{c.CommandType(), c})
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownCommand, cmd)
	}
}

// DecodeCommand parses an outbound frame back into a command. The HTTP
// surface accepts commands in wire form and test servers read them with it.
func DecodeCommand(data []byte) (Command, error) {
	tag, err := readTag(data)
	if err != nil {
		return nil, err
	}

	var cmd Command
	switch CommandType(tag) {
	case CommandTypeUpdatePlayer:
		var c UpdatePlayer
		err = unmarshalFrame(data, &c)
		cmd = c
	case CommandTypeVote:
		var c Vote
		err = unmarshalFrame(data, &c)
		cmd = c
	case CommandTypeForceOpen:
		cmd = ForceOpen{}
	case CommandTypeRestart:
		cmd = Restart{}
	case CommandTypeSetName:
		var c SetName
		err = unmarshalFrame(data, &c)
		cmd = c
	case CommandTypeJoinRoom:
		var c JoinRoom
		err = unmarshalFrame(data, &c)
		cmd = c
	case CommandTypeCreateRoom:
		var c CreateRoom
		err = unmarshalFrame(data, &c)
		cmd = c
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCommand, tag)
	}
	if err != nil {
		return nil, err
	}
	return cmd, nil
}
