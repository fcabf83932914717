// Package emitter turns client intents into wire frames and hands them to the
// connection. Delivery is best-effort: nothing is queued or retried.
package emitter

import (
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/goe/go/internal/estimate/protocol"
)

// Transport is the outbound half of the connection
type Transport interface {
	Send(data []byte) bool
}

// Stats counts what happened to emitted commands
type Stats struct {
	Sent     uint64 `json:"sent"`
	Dropped  uint64 `json:"dropped"`
	Rejected uint64 `json:"rejected"`
}

// Emitter validates, encodes and forwards commands
type Emitter struct {
	transport Transport
	stats     Stats
}

// New creates an emitter writing to transport
func New(transport Transport) *Emitter {
	return &Emitter{transport: transport}
}

// Send emits cmd exactly once. It reports whether the frame was handed to an
// open connection; callers are free to ignore the result.
func (e *Emitter) Send(cmd protocol.Command) bool {
	if err := cmd.Validate(); err != nil {
		e.stats.Rejected++
		log.Warn().Err(err).Str("command", string(cmd.CommandType())).Msg("invalid command, not sending")
		return false
	}

	data, err := protocol.EncodeCommand(cmd)
	if err != nil {
		e.stats.Rejected++
		log.Error().Err(err).Str("command", string(cmd.CommandType())).Msg("failed to encode command")
		return false
	}

	if !e.transport.Send(data) {
		e.stats.Dropped++
		log.Debug().Str("command", string(cmd.CommandType())).Msg("command dropped, not connected")
		return false
	}

	e.stats.Sent++
	log.Debug().Str("command", string(cmd.CommandType())).Msg("command sent")
	return true
}

// Stats returns the counters so far
func (e *Emitter) Stats() Stats {
	return e.stats
}

// UpdatePlayer replaces the voter flag and the name; a nil name clears it
func (e *Emitter) UpdatePlayer(voter bool, name *string) bool {
	return e.Send(protocol.UpdatePlayer{Voter: voter, Name: name})
}

// SetVoter sends UpdatePlayer with a null name. The server assigns the name
// as given, so this also clears it.
func (e *Emitter) SetVoter(voter bool) bool {
	return e.Send(protocol.UpdatePlayer{Voter: voter})
}

// Vote casts v, or withdraws the vote when v is nil
func (e *Emitter) Vote(v *string) bool {
	return e.Send(protocol.Vote{Vote: v})
}

func (e *Emitter) ForceOpen() bool {
	return e.Send(protocol.ForceOpen{})
}

func (e *Emitter) Restart() bool {
	return e.Send(protocol.Restart{})
}

func (e *Emitter) SetName(name string) bool {
	return e.Send(protocol.SetName{Name: name})
}
