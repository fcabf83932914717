// Package console turns lines typed into the CLI into engine commands.
package console

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/mcdev12/goe/go/internal/estimate/protocol"
)

var (
	ErrEmptyLine      = errors.New("empty line")
	ErrUnknownCommand = errors.New("unknown console command")
	ErrUsage          = errors.New("bad arguments")
)

// Line is one parsed console line: either a protocol command or a local
// request such as printing the state
type Line struct {
	Command protocol.Command
	Local   string
}

const (
	LocalState = "state"
	LocalHelp  = "help"
	LocalQuit  = "quit"
)

// Help lists the accepted lines
const Help = `commands:
  join <room>        join an existing room
  create <deck>      create a room with the given deck
  vote <value>       cast a vote
  unvote             withdraw the vote
  name <name>        change the display name
  voter on|off       vote or only watch
  reveal             open all votes
  restart            start a new round
  state              print the current state
  help               show this help
  quit               exit`

// Parse reads one console line
func Parse(line string) (Line, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return Line{}, ErrEmptyLine
	}

	verb := strings.ToLower(fields[0])
	args := fields[1:]
	rest := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), fields[0]))

	switch verb {
	case "join":
		if len(args) != 1 {
			return Line{}, usage("join <room>")
		}
		return Line{Command: protocol.JoinRoom{Room: args[0]}}, nil

	case "create":
		if len(args) != 1 {
			return Line{}, usage("create <deck>")
		}
		return Line{Command: protocol.CreateRoom{Deck: args[0]}}, nil

	case "vote":
		if len(args) != 1 {
			return Line{}, usage("vote <value>")
		}
		v := args[0]
		return Line{Command: protocol.Vote{Vote: &v}}, nil

	case "unvote":
		return Line{Command: protocol.Vote{}}, nil

	case "name":
		if rest == "" {
			return Line{}, usage("name <name>")
		}
		return Line{Command: protocol.SetName{Name: rest}}, nil

	case "voter":
		if len(args) != 1 {
			return Line{}, usage("voter on|off")
		}
		switch strings.ToLower(args[0]) {
		case "on", "yes", "true":
			return Line{Command: protocol.UpdatePlayer{Voter: true}}, nil
		case "off", "no", "false":
			return Line{Command: protocol.UpdatePlayer{Voter: false}}, nil
		}
		return Line{}, usage("voter on|off")

	case "reveal", "open":
		return Line{Command: protocol.ForceOpen{}}, nil

	case "restart":
		return Line{Command: protocol.Restart{}}, nil

	case "state", "help", "quit", "exit":
		if verb == "exit" {
			verb = LocalQuit
		}
		return Line{Local: verb}, nil

	default:
		return Line{}, fmt.Errorf("%w: %q", ErrUnknownCommand, verb)
	}
}

func usage(s string) error {
	return fmt.Errorf("%w: usage: %s", ErrUsage, s)
}

// Scan parses every line of r and hands it to fn until r is exhausted, ctx is
// done, or fn returns false. Lines that fail to parse are logged and skipped.
func Scan(ctx context.Context, r io.Reader, fn func(Line) bool) error {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return nil
		}

		l, err := Parse(scanner.Text())
		switch {
		case errors.Is(err, ErrEmptyLine):
			continue
		case err != nil:
			log.Warn().Err(err).Msg("ignoring console line")
			continue
		}

		if !fn(l) {
			return nil
		}
	}
	return scanner.Err()
}
