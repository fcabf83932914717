package protocol

import "errors"

var (
	// ErrMalformedFrame is returned when a frame is not a JSON object with a type tag
	ErrMalformedFrame = errors.New("malformed frame")

	// ErrUnknownEvent is returned for inbound frames with an unrecognized type tag
	ErrUnknownEvent = errors.New("unknown event type")

	// ErrUnknownCommand is returned for outbound frames with an unrecognized type tag
	ErrUnknownCommand = errors.New("unknown command type")

	// ErrMissingField is returned when a frame lacks a field its type requires
	ErrMissingField = errors.New("missing required field")

	// ErrInvalidCommand is returned when a command fails shape validation
	ErrInvalidCommand = errors.New("invalid command")
)
