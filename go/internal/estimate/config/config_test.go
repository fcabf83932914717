package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	c, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, DefaultOrigin, c.Origin)
	assert.Equal(t, 5*time.Second, c.ReconnectInterval)
	assert.True(t, c.Player.Voter)
	assert.Empty(t, c.HTTPAddr)
	assert.Empty(t, c.NATS.URL)
	assert.Equal(t, zerolog.InfoLevel, c.Level())

	endpoint, err := c.Endpoint()
	require.NoError(t, err)
	assert.Equal(t, "ws://localhost:5500/ws", endpoint)
}

func TestLoad_FileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "goe.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
origin: https://poker.example.com
reconnect_interval: 2s
log_level: debug
nats:
  url: nats://localhost:4222
player:
  name: Ann
  voter: false
room: R1
`), 0o600))

	t.Setenv("GOE_ROOM", "R9")
	t.Setenv("GOE_RECONNECT_INTERVAL", "750")

	c, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "https://poker.example.com", c.Origin)
	assert.Equal(t, 750*time.Millisecond, c.ReconnectInterval)
	assert.Equal(t, zerolog.DebugLevel, c.Level())
	assert.Equal(t, "nats://localhost:4222", c.NATS.URL)
	assert.Equal(t, DefaultNATSSubject, c.NATS.Subject)
	assert.Equal(t, "Ann", c.Player.Name)
	assert.False(t, c.Player.Voter)
	assert.Equal(t, "R9", c.Room)

	endpoint, err := c.Endpoint()
	require.NoError(t, err)
	assert.Equal(t, "wss://poker.example.com/ws", endpoint)
}

func TestLoad_ExplicitWebsocketURLWins(t *testing.T) {
	t.Setenv("GOE_WEBSOCKET_URL", "ws://10.0.0.5:5500")
	t.Setenv("GOE_ORIGIN", "https://ignored.example.com")

	c, err := Load("")
	require.NoError(t, err)

	endpoint, err := c.Endpoint()
	require.NoError(t, err)
	assert.Equal(t, "ws://10.0.0.5:5500", endpoint)
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want error
	}{
		{"bad interval", map[string]string{"GOE_RECONNECT_INTERVAL": "soon"}, ErrInvalidEnv},
		{"bad voter", map[string]string{"GOE_VOTER": "maybe"}, ErrInvalidEnv},
		{"zero interval", map[string]string{"GOE_RECONNECT_INTERVAL": "0s"}, ErrInvalidConfig},
		{"bad level", map[string]string{"GOE_LOG_LEVEL": "loud"}, ErrInvalidConfig},
		{"bad websocket url", map[string]string{"GOE_WEBSOCKET_URL": "http://x"}, ErrInvalidConfig},
		{"bad origin", map[string]string{"GOE_ORIGIN": "ftp://x"}, ErrInvalidConfig},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load("")
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestGuessWebsocketURL(t *testing.T) {
	tests := []struct {
		origin string
		want   string
	}{
		{"http://localhost:5500", "ws://localhost:5500/ws"},
		{"https://poker.example.com", "wss://poker.example.com/ws"},
		{"https://poker.example.com/room/R1?x=1", "wss://poker.example.com/ws"},
		{"ws://127.0.0.1:8080", "ws://127.0.0.1:8080/ws"},
	}

	for _, tt := range tests {
		t.Run(tt.origin, func(t *testing.T) {
			got, err := GuessWebsocketURL(tt.origin)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := GuessWebsocketURL("http://")
	assert.ErrorIs(t, err, ErrInvalidConfig)
}
