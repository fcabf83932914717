package connection

import "time"

// DefaultReconnectInterval is the fixed delay between a lost connection and
// the next attempt
const DefaultReconnectInterval = 5 * time.Second

// Config holds configuration for the websocket connection
type Config struct {
	URL               string
	ReconnectInterval time.Duration
	HandshakeTimeout  time.Duration
	WriteTimeout      time.Duration
	ReadTimeout       time.Duration
	PingInterval      time.Duration
	MaxMessageSize    int64
	SendBufferSize    int
}

// DefaultConfig returns default connection configuration
func DefaultConfig() Config {
	return Config{
		ReconnectInterval: DefaultReconnectInterval,
		HandshakeTimeout:  10 * time.Second,
		WriteTimeout:      10 * time.Second,
		ReadTimeout:       60 * time.Second,
		PingInterval:      30 * time.Second,
		MaxMessageSize:    1 << 20, // room snapshots can be large
		SendBufferSize:    64,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ReconnectInterval <= 0 {
		c.ReconnectInterval = d.ReconnectInterval
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = d.HandshakeTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = d.ReadTimeout
	}
	if c.PingInterval <= 0 {
		c.PingInterval = d.PingInterval
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = d.MaxMessageSize
	}
	if c.SendBufferSize <= 0 {
		c.SendBufferSize = d.SendBufferSize
	}
	return c
}
