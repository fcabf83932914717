// Package projection folds the room event stream into the roster, vote map
// and round metadata shown to the participant.
package projection

import (
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/goe/go/internal/estimate/eventbus"
	"github.com/mcdev12/goe/go/internal/estimate/protocol"
	"github.com/mcdev12/goe/go/internal/estimate/session"
)

// PlayerView is one roster entry merged with its vote
type PlayerView struct {
	ID    string  `json:"id"`
	Name  *string `json:"name,omitempty"`
	Voter bool    `json:"voter"`
	// Vote is the visible value: the revealed vote, or the locally cached one
	// for our own hidden vote
	Vote *string `json:"vote,omitempty"`
	// Voted reports whether a vote was cast, even if hidden
	Voted bool `json:"voted"`
	// Hidden reports whether the server masked the value
	Hidden bool `json:"hidden"`
	Self   bool `json:"self"`
}

// View is an immutable snapshot of the projection
type View struct {
	InRoom  bool               `json:"in_room"`
	Deck    string             `json:"deck,omitempty"`
	Open    bool               `json:"open"`
	Players []PlayerView       `json:"players"`
	Votes   map[string]*string `json:"votes"`
	MyVote  *string            `json:"my_vote,omitempty"`
}

// Projection holds the derived room views. Like the session it is driven from
// a single execution queue and takes no locks.
type Projection struct {
	localID string
	inRoom  bool

	deck string
	open bool

	// join order of the roster
	order   []string
	players map[string]protocol.PlayerInfo
	// keyed by voter ids only
	votes map[string]*string

	myVote *string

	Changed *eventbus.Signal[View]
}

// New creates an empty projection
func New() *Projection {
	return &Projection{
		players: make(map[string]protocol.PlayerInfo),
		votes:   make(map[string]*string),
		Changed: eventbus.NewSignal[View]("projection.changed"),
	}
}

// Attach subscribes the projection to the session signals. The session must
// be the only source of events for this projection.
func (p *Projection) Attach(m *session.Machine) []eventbus.Subscription {
	return []eventbus.Subscription{
		m.PhaseChanged.Connect(p.onPhase),
		m.Welcomed.Connect(func(e protocol.Welcome) { p.SetLocalID(e.PlayerID) }),
		m.Joined.Connect(p.ApplySnapshot),
		m.PlayerJoined.Connect(func(e protocol.PlayerJoined) { p.ApplyPlayerJoined(e.Player) }),
		m.PlayerChanged.Connect(func(e protocol.PlayerChanged) { p.ApplyPlayerChanged(e.Player) }),
		m.PlayerLeft.Connect(func(e protocol.PlayerLeft) { p.ApplyPlayerLeft(e.PlayerID) }),
		m.GameChanged.Connect(func(e protocol.GameChanged) { p.ApplyGameState(e.GameState) }),
	}
}

func (p *Projection) onPhase(phase session.Phase) {
	switch phase {
	case session.PhaseConnecting:
		p.localID = ""
		p.Reset()
	case session.PhaseOutside, session.PhaseJoining:
		p.Reset()
	}
}

// SetLocalID records which roster entry is the local participant
func (p *Projection) SetLocalID(id string) {
	p.localID = id
}

// Reset empties every view
func (p *Projection) Reset() {
	if !p.inRoom && len(p.order) == 0 && p.myVote == nil && p.deck == "" {
		return
	}
	p.inRoom = false
	p.deck = ""
	p.open = false
	p.order = nil
	p.players = make(map[string]protocol.PlayerInfo)
	p.votes = make(map[string]*string)
	p.myVote = nil
	p.changed()
}

// ApplySnapshot replaces all views with the room snapshot
func (p *Projection) ApplySnapshot(e protocol.Joined) {
	p.inRoom = true
	p.order = make([]string, 0, len(e.Players))
	p.players = make(map[string]protocol.PlayerInfo, len(e.Players))

	for _, pl := range e.Players {
		if _, dup := p.players[pl.ID]; !dup {
			p.order = append(p.order, pl.ID)
		}
		p.players[pl.ID] = pl
	}

	p.applyGame(e.State)
	p.changed()
}

// ApplyPlayerJoined inserts the player, or replaces it in place when the id
// is already on the roster
func (p *Projection) ApplyPlayerJoined(pl protocol.PlayerInfo) {
	if !p.inRoom {
		log.Debug().Str("player_id", pl.ID).Msg("player joined outside of a room, ignoring")
		return
	}

	if _, ok := p.players[pl.ID]; !ok {
		p.order = append(p.order, pl.ID)
	}
	p.players[pl.ID] = pl
	p.syncVote(pl)
	p.changed()
}

// ApplyPlayerChanged replaces the fields of a known player. Unknown ids are
// ignored.
func (p *Projection) ApplyPlayerChanged(pl protocol.PlayerInfo) {
	if _, ok := p.players[pl.ID]; !ok {
		log.Debug().Str("player_id", pl.ID).Msg("change for unknown player, ignoring")
		return
	}

	p.players[pl.ID] = pl
	p.syncVote(pl)
	p.changed()
}

// ApplyPlayerLeft removes the player and its vote. Unknown ids are ignored.
func (p *Projection) ApplyPlayerLeft(id string) {
	if _, ok := p.players[id]; !ok {
		log.Debug().Str("player_id", id).Msg("unknown player left, ignoring")
		return
	}

	delete(p.players, id)
	delete(p.votes, id)
	for i, pid := range p.order {
		if pid == id {
			p.order = append(p.order[:i:i], p.order[i+1:]...)
			break
		}
	}
	if id == p.localID {
		p.dropStaleMyVote()
	}
	p.changed()
}

// ApplyGameState replaces deck, open flag and the whole vote map
func (p *Projection) ApplyGameState(gs protocol.GameState) {
	if !p.inRoom {
		log.Debug().Msg("game state outside of a room, ignoring")
		return
	}
	p.applyGame(gs)
	p.changed()
}

// SetMyVote caches the local participant's own vote, nil to withdraw it
func (p *Projection) SetMyVote(v *string) {
	p.myVote = cloneStr(v)
	p.changed()
}

// MyVote returns the cached local vote
func (p *Projection) MyVote() *string {
	return cloneStr(p.myVote)
}

func (p *Projection) applyGame(gs protocol.GameState) {
	p.deck = gs.Deck
	p.open = gs.Open

	votes := make(map[string]*string)
	for _, id := range p.order {
		if !p.players[id].Voter {
			continue
		}
		votes[id] = cloneStr(gs.Votes[id])
	}
	p.votes = votes

	// a new round, or our vote was withdrawn elsewhere
	p.dropStaleMyVote()
}

// dropStaleMyVote clears the cached vote once the vote map holds no value for
// the local participant
func (p *Projection) dropStaleMyVote() {
	if p.localID == "" || p.votes[p.localID] == nil {
		p.myVote = nil
	}
}

// syncVote keeps the vote map keyed by exactly the voter ids
func (p *Projection) syncVote(pl protocol.PlayerInfo) {
	_, has := p.votes[pl.ID]
	switch {
	case pl.Voter && !has:
		p.votes[pl.ID] = nil
	case !pl.Voter && has:
		delete(p.votes, pl.ID)
	}

	// an observer holds no vote; a voter's own vote may still be awaiting
	// its GameChanged echo
	if !pl.Voter && pl.ID == p.localID {
		p.dropStaleMyVote()
	}
}

// View returns a deep copy of the current views
func (p *Projection) View() View {
	v := View{
		InRoom:  p.inRoom,
		Deck:    p.deck,
		Open:    p.open,
		Players: make([]PlayerView, 0, len(p.order)),
		Votes:   make(map[string]*string, len(p.votes)),
		MyVote:  cloneStr(p.myVote),
	}

	for id, vote := range p.votes {
		v.Votes[id] = cloneStr(vote)
	}

	for _, id := range p.order {
		pl := p.players[id]
		pv := PlayerView{
			ID:    pl.ID,
			Name:  cloneStr(pl.Name),
			Voter: pl.Voter,
			Self:  pl.ID == p.localID && p.localID != "",
		}

		if vote := p.votes[id]; vote != nil {
			pv.Voted = true
			pv.Hidden = *vote == protocol.HiddenVote
			switch {
			case !pv.Hidden:
				pv.Vote = cloneStr(vote)
			case pv.Self:
				pv.Vote = cloneStr(p.myVote)
			}
		}
		v.Players = append(v.Players, pv)
	}
	return v
}

func (p *Projection) changed() {
	if p.Changed.Len() == 0 {
		return
	}
	p.Changed.Emit(p.View())
}

func cloneStr(s *string) *string {
	if s == nil {
		return nil
	}
	c := *s
	return &c
}
