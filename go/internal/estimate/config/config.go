// Package config loads client settings from an optional YAML file and GOE_*
// environment variables.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

var (
	ErrInvalidEnv    = errors.New("invalid environment variable")
	ErrInvalidConfig = errors.New("invalid config")
)

const (
	DefaultOrigin            = "http://localhost:5500"
	DefaultReconnectInterval = 5 * time.Second
	DefaultNATSSubject       = "goe.clients"
	DefaultLogLevel          = "info"
)

// Config holds the client settings
type Config struct {
	// WebsocketURL overrides the address derived from Origin
	WebsocketURL      string        `yaml:"websocket_url"`
	Origin            string        `yaml:"origin"`
	ReconnectInterval time.Duration `yaml:"reconnect_interval"`
	HTTPAddr          string        `yaml:"http_addr"`
	LogLevel          string        `yaml:"log_level"`

	NATS struct {
		URL     string `yaml:"url"`
		Subject string `yaml:"subject"`
	} `yaml:"nats"`

	Player struct {
		Name  string `yaml:"name"`
		Voter bool   `yaml:"voter"`
	} `yaml:"player"`

	// Room is joined on startup; Deck creates a room when Room is empty
	Room string `yaml:"room"`
	Deck string `yaml:"deck"`
}

// Default returns the settings used when nothing is configured
func Default() *Config {
	c := &Config{
		Origin:            DefaultOrigin,
		ReconnectInterval: DefaultReconnectInterval,
		LogLevel:          DefaultLogLevel,
	}
	c.NATS.Subject = DefaultNATSSubject
	c.Player.Voter = true
	return c
}

// Load reads path, when non-empty, over the defaults and then applies the
// environment
func Load(path string) (*Config, error) {
	config := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if err := config.applyEnv(); err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func (c *Config) applyEnv() error {
	c.WebsocketURL = getEnv("GOE_WEBSOCKET_URL", c.WebsocketURL)
	c.Origin = getEnv("GOE_ORIGIN", c.Origin)
	c.HTTPAddr = getEnv("GOE_HTTP_ADDR", c.HTTPAddr)
	c.LogLevel = getEnv("GOE_LOG_LEVEL", c.LogLevel)
	c.NATS.URL = getEnv("GOE_NATS_URL", c.NATS.URL)
	c.NATS.Subject = getEnv("GOE_NATS_SUBJECT", c.NATS.Subject)
	c.Player.Name = getEnv("GOE_PLAYER_NAME", c.Player.Name)
	c.Room = getEnv("GOE_ROOM", c.Room)
	c.Deck = getEnv("GOE_DECK", c.Deck)

	var err error
	if c.ReconnectInterval, err = getEnvAsDuration("GOE_RECONNECT_INTERVAL", c.ReconnectInterval); err != nil {
		return err
	}
	if c.Player.Voter, err = getEnvAsBool("GOE_VOTER", c.Player.Voter); err != nil {
		return err
	}
	return nil
}

// Validate checks the settings that would only fail later at runtime
func (c *Config) Validate() error {
	if c.ReconnectInterval <= 0 {
		return fmt.Errorf("%w: reconnect interval must be positive, got %s", ErrInvalidConfig, c.ReconnectInterval)
	}
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("%w: log level %q", ErrInvalidConfig, c.LogLevel)
	}
	if _, err := c.Endpoint(); err != nil {
		return err
	}
	if c.NATS.URL != "" && c.NATS.Subject == "" {
		return fmt.Errorf("%w: nats subject is required with a nats url", ErrInvalidConfig)
	}
	return nil
}

// Endpoint returns the websocket address to dial: the explicit URL if set,
// otherwise one derived from the origin
func (c *Config) Endpoint() (string, error) {
	if c.WebsocketURL != "" {
		u, err := url.Parse(c.WebsocketURL)
		if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
			return "", fmt.Errorf("%w: websocket url %q", ErrInvalidConfig, c.WebsocketURL)
		}
		return c.WebsocketURL, nil
	}
	return GuessWebsocketURL(c.Origin)
}

// Level returns the configured zerolog level, info when unparsable
func (c *Config) Level() zerolog.Level {
	level, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return level
}

// GuessWebsocketURL derives the same-origin websocket endpoint of a web origin:
// http becomes ws, https becomes wss, and the path is /ws
func GuessWebsocketURL(origin string) (string, error) {
	u, err := url.Parse(origin)
	if err != nil {
		return "", fmt.Errorf("%w: origin %q: %v", ErrInvalidConfig, origin, err)
	}

	var scheme string
	switch u.Scheme {
	case "http", "ws":
		scheme = "ws"
	case "https", "wss":
		scheme = "wss"
	default:
		return "", fmt.Errorf("%w: origin %q has no http(s) scheme", ErrInvalidConfig, origin)
	}
	if u.Host == "" {
		return "", fmt.Errorf("%w: origin %q has no host", ErrInvalidConfig, origin)
	}

	return (&url.URL{Scheme: scheme, Host: u.Host, Path: "/ws"}).String(), nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	// bare numbers are milliseconds
	if ms, err := strconv.Atoi(value); err == nil {
		return time.Duration(ms) * time.Millisecond, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%w: %s=%q", ErrInvalidEnv, key, value)
	}
	return d, nil
}

func getEnvAsBool(key string, defaultValue bool) (bool, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("%w: %s=%q", ErrInvalidEnv, key, value)
	}
	return b, nil
}
