package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strPtr(s string) *string { return &s }

func TestDecodeEvent(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want Event
	}{
		{
			name: "welcome",
			raw:  `{"type":"Welcome","player_id":"p1"}`,
			want: Welcome{PlayerID: "p1"},
		},
		{
			name: "joined with snapshot",
			raw: `{"type":"Joined","room":"R1",
				"state":{"deck":"fibonacci","open":false,"votes":{"a":null,"b":"3"}},
				"players":[{"id":"a","name":"Ann","voter":true},{"id":"b","name":null,"voter":true}]}`,
			want: Joined{
				Room: "R1",
				State: GameState{
					Deck:  "fibonacci",
					Votes: map[string]*string{"a": nil, "b": strPtr("3")},
				},
				Players: []PlayerInfo{
					{ID: "a", Name: strPtr("Ann"), Voter: true},
					{ID: "b", Voter: true},
				},
			},
		},
		{
			name: "player joined",
			raw:  `{"type":"PlayerJoined","player":{"id":"c","voter":false}}`,
			want: PlayerJoined{Player: PlayerInfo{ID: "c"}},
		},
		{
			name: "player changed",
			raw:  `{"type":"PlayerChanged","player":{"id":"c","name":"Cid","voter":true}}`,
			want: PlayerChanged{Player: PlayerInfo{ID: "c", Name: strPtr("Cid"), Voter: true}},
		},
		{
			name: "player left",
			raw:  `{"type":"PlayerLeft","player_id":"c"}`,
			want: PlayerLeft{PlayerID: "c"},
		},
		{
			name: "game changed without votes gets an empty map",
			raw:  `{"type":"GameChanged","game_state":{"deck":"tshirt","open":true}}`,
			want: GameChanged{GameState: GameState{Deck: "tshirt", Open: true, Votes: map[string]*string{}}},
		},
		{
			name: "rejected",
			raw:  `{"type":"Rejected"}`,
			want: Rejected{},
		},
		{
			name: "unknown fields are ignored",
			raw:  `{"type":"Welcome","player_id":"p1","server_version":"9"}`,
			want: Welcome{PlayerID: "p1"},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := DecodeEvent([]byte(tc.raw))
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestDecodeEvent_Errors(t *testing.T) {
	cases := []struct {
		name    string
		raw     string
		wantErr error
	}{
		{"not json", `hello`, ErrMalformedFrame},
		{"json array", `[1,2]`, ErrMalformedFrame},
		{"no tag", `{"player_id":"p1"}`, ErrMalformedFrame},
		{"unknown tag", `{"type":"Kicked"}`, ErrUnknownEvent},
		{"welcome without id", `{"type":"Welcome"}`, ErrMissingField},
		{"joined without room", `{"type":"Joined","state":{"deck":"x"},"players":[]}`, ErrMissingField},
		{"joined player without id", `{"type":"Joined","room":"R","players":[{"voter":true}]}`, ErrMissingField},
		{"player left without id", `{"type":"PlayerLeft"}`, ErrMissingField},
		{"wrong field type", `{"type":"PlayerJoined","player":{"id":5}}`, ErrMalformedFrame},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			evt, err := DecodeEvent([]byte(tc.raw))
			assert.Nil(t, evt)
			assert.ErrorIs(t, err, tc.wantErr)
		})
	}
}

func TestEncodeCommand(t *testing.T) {
	cases := []struct {
		name string
		cmd  Command
		want string
	}{
		{"update player", UpdatePlayer{Voter: true, Name: strPtr("Ann")}, `{"type":"UpdatePlayer","voter":true,"name":"Ann"}`},
		{"update player keeps name null", UpdatePlayer{Voter: false}, `{"type":"UpdatePlayer","voter":false,"name":null}`},
		{"vote", Vote{Vote: strPtr("5")}, `{"type":"Vote","vote":"5"}`},
		{"withdraw vote", Vote{}, `{"type":"Vote","vote":null}`},
		{"force open", ForceOpen{}, `{"type":"ForceOpen"}`},
		{"restart", Restart{}, `{"type":"Restart"}`},
		{"set name", SetName{Name: "Bob"}, `{"type":"SetName","name":"Bob"}`},
		{"join room", JoinRoom{Room: "R1"}, `{"type":"JoinRoom","room":"R1"}`},
		{"create room", CreateRoom{Deck: "fibonacci"}, `{"type":"CreateRoom","deck":"fibonacci"}`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			data, err := EncodeCommand(tc.cmd)
			require.NoError(t, err)
			assert.JSONEq(t, tc.want, string(data))

			back, err := DecodeCommand(data)
			require.NoError(t, err)
			assert.Equal(t, tc.cmd, back)
		})
	}
}

func TestCommandValidate(t *testing.T) {
	assert.ErrorIs(t, JoinRoom{}.Validate(), ErrInvalidCommand)
	assert.ErrorIs(t, CreateRoom{}.Validate(), ErrInvalidCommand)
	assert.NoError(t, JoinRoom{Room: "R1"}.Validate())
	assert.NoError(t, Vote{}.Validate())
}

func TestDecodeCommand_UnknownTag(t *testing.T) {
	_, err := DecodeCommand([]byte(`{"type":"Kick","player":"p"}`))
	assert.ErrorIs(t, err, ErrUnknownCommand)
}

func TestEncodeEvent_DecodesBack(t *testing.T) {
	events := []Event{
		Welcome{PlayerID: "p1"},
		Joined{Room: "R1", State: GameState{Deck: "d", Votes: map[string]*string{"a": nil}}, Players: []PlayerInfo{{ID: "a", Voter: true}}},
		PlayerLeft{PlayerID: "a"},
		Rejected{},
	}
	for _, evt := range events {
		data, err := EncodeEvent(evt)
		require.NoError(t, err)
		back, err := DecodeEvent(data)
		require.NoError(t, err)
		assert.Equal(t, evt, back)
	}
}
