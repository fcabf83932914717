package connection

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/goe/go/internal/estimate/eventbus"
)

// ErrReplaced is the disconnect reason when a live connection is torn down
// by a new Connect call
var ErrReplaced = errors.New("connection replaced")

// ErrClosed is the disconnect reason when the manager is shut down
var ErrClosed = errors.New("connection manager closed")

// Status is the externally visible connection state
type Status string

const (
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
	StatusError        Status = "error"
	StatusClosed       Status = "closed"
)

// Executor runs callbacks on the owner's single execution queue. Every
// Manager method except NewManager must be called from that queue.
type Executor interface {
	Post(fn func()) bool
}

// Option customizes a Manager
type Option func(*Manager)

// WithClock replaces the clock driving the reconnect timer
func WithClock(clock clockwork.Clock) Option {
	return func(m *Manager) { m.clock = clock }
}

// WithDialer replaces the websocket dialer
func WithDialer(d *websocket.Dialer) Option {
	return func(m *Manager) { m.dialer = d }
}

// Manager owns the single websocket connection of a client: it dials,
// watches for close/error, reconnects on a fixed interval and sends
// best-effort.
type Manager struct {
	config Config
	dialer *websocket.Dialer
	clock  clockwork.Clock
	exec   Executor
	ctx    context.Context

	// current live connection, nil when absent
	link *link
	// bumped on every attempt; results of older attempts are discarded
	generation uint64
	status     Status
	closed     bool

	reconnectTimer clockwork.Timer
	reconnectSeq   uint64

	// Lifecycle signals, emitted on the execution queue
	Connected     *eventbus.Signal[struct{}]
	Disconnected  *eventbus.Signal[error]
	Errored       *eventbus.Signal[error]
	Message       *eventbus.Signal[[]byte]
	StatusChanged *eventbus.Signal[Status]
}

// link is one physical connection and its write queue
type link struct {
	id        string
	conn      *websocket.Conn
	send      chan []byte
	closeOnce sync.Once
}

func (l *link) close() {
	l.closeOnce.Do(func() { close(l.send) })
}

// NewManager creates a connection manager posting its work onto exec
func NewManager(config Config, exec Executor, opts ...Option) *Manager {
	config = config.withDefaults()
	m := &Manager{
		config: config,
		dialer: &websocket.Dialer{
			Proxy:            websocket.DefaultDialer.Proxy,
			HandshakeTimeout: config.HandshakeTimeout,
		},
		clock:  clockwork.NewRealClock(),
		exec:   exec,
		ctx:    context.Background(),
		status: StatusConnecting,

		Connected:     eventbus.NewSignal[struct{}]("connected"),
		Disconnected:  eventbus.NewSignal[error]("disconnected"),
		Errored:       eventbus.NewSignal[error]("error"),
		Message:       eventbus.NewSignal[[]byte]("message"),
		StatusChanged: eventbus.NewSignal[Status]("status"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start records the context bounding every dial and opens the first connection
func (m *Manager) Start(ctx context.Context) {
	m.ctx = ctx
	m.Connect()
}

// URL returns the endpoint being dialed
func (m *Manager) URL() string {
	return m.config.URL
}

// Status returns the current connection status
func (m *Manager) Status() Status {
	return m.status
}

// IsOpen reports whether a connection is currently open
func (m *Manager) IsOpen() bool {
	return m.link != nil
}

// Connect opens a new connection, tearing down the current one and
// cancelling any pending reconnect first.
func (m *Manager) Connect() {
	if m.closed {
		return
	}

	m.cancelReconnect()
	m.teardown(ErrReplaced)

	m.generation++
	gen := m.generation
	m.setStatus(StatusConnecting)

	url := m.config.URL
	ctx := m.ctx
	log.Info().
		Str("url", url).
		Uint64("attempt", gen).
		Msg("connecting")

	go func() {
		conn, _, err := m.dialer.DialContext(ctx, url, nil)
		posted := m.exec.Post(func() { m.onDialed(gen, conn, err) })
		if !posted && conn != nil {
			conn.Close()
		}
	}()
}

// Send queues data on the open connection. Without one the payload is
// discarded; callers are never told.
func (m *Manager) Send(data []byte) bool {
	if m.link == nil {
		log.Debug().Int("bytes", len(data)).Msg("no open connection, dropping outbound frame")
		return false
	}

	select {
	case m.link.send <- data:
		return true
	default:
		log.Warn().
			Str("connection_id", m.link.id).
			Msg("send buffer full, dropping outbound frame")
		return false
	}
}

// Close tears down the connection and stops reconnecting for good
func (m *Manager) Close() {
	if m.closed {
		return
	}
	m.cancelReconnect()
	m.teardown(ErrClosed)
	m.closed = true
	m.generation++
	m.setStatus(StatusClosed)
	log.Info().Msg("connection manager closed")
}

func (m *Manager) onDialed(gen uint64, conn *websocket.Conn, err error) {
	if m.closed || gen != m.generation {
		// superseded by a newer attempt
		if conn != nil {
			conn.Close()
		}
		return
	}

	if err != nil {
		log.Error().Err(err).Uint64("attempt", gen).Msg("failed to connect")
		m.setStatus(StatusError)
		m.Errored.Emit(err)
		m.scheduleReconnect()
		return
	}

	l := &link{
		id:   uuid.New().String(),
		conn: conn,
		send: make(chan []byte, m.config.SendBufferSize),
	}
	m.link = l
	m.cancelReconnect()
	m.setStatus(StatusConnected)

	go m.writePump(l)
	go m.readPump(l)

	log.Info().
		Str("connection_id", l.id).
		Uint64("attempt", gen).
		Msg("websocket connection established")

	m.Connected.Emit(struct{}{})
}

func (m *Manager) onFrame(l *link, data []byte) {
	if l != m.link {
		return
	}
	m.Message.Emit(data)
}

func (m *Manager) onLinkClosed(l *link, err error) {
	if l != m.link {
		return
	}
	m.link = nil
	l.close()

	// 1006 means the socket died without a close handshake
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) && closeErr.Code != websocket.CloseAbnormalClosure {
		log.Info().
			Str("connection_id", l.id).
			Int("code", closeErr.Code).
			Str("reason", closeErr.Text).
			Msg("websocket connection closed")
		m.setStatus(StatusDisconnected)
		m.Disconnected.Emit(err)
	} else {
		log.Error().
			Err(err).
			Str("connection_id", l.id).
			Msg("websocket connection failed")
		m.setStatus(StatusError)
		m.Errored.Emit(err)
	}

	m.scheduleReconnect()
}

// teardown drops the live connection, if any, and reports it as disconnected
func (m *Manager) teardown(reason error) {
	l := m.link
	if l == nil {
		return
	}
	m.link = nil
	l.close()

	log.Debug().Str("connection_id", l.id).Err(reason).Msg("tearing down connection")
	m.setStatus(StatusDisconnected)
	m.Disconnected.Emit(reason)
}

// scheduleReconnect arms the single reconnect timer. A pending timer is left
// untouched.
func (m *Manager) scheduleReconnect() {
	if m.closed || m.reconnectTimer != nil {
		return
	}

	m.reconnectSeq++
	seq := m.reconnectSeq
	m.reconnectTimer = m.clock.AfterFunc(m.config.ReconnectInterval, func() {
		m.exec.Post(func() { m.onReconnectTimer(seq) })
	})

	log.Info().Dur("interval", m.config.ReconnectInterval).Msg("reconnect scheduled")
}

func (m *Manager) onReconnectTimer(seq uint64) {
	if m.reconnectTimer == nil || seq != m.reconnectSeq {
		// cancelled after it fired
		return
	}
	m.reconnectTimer = nil
	m.Connect()
}

func (m *Manager) cancelReconnect() {
	if m.reconnectTimer == nil {
		return
	}
	m.reconnectTimer.Stop()
	m.reconnectTimer = nil
	log.Debug().Msg("cancelled pending reconnect")
}

func (m *Manager) setStatus(s Status) {
	if m.status == s {
		return
	}
	m.status = s
	m.StatusChanged.Emit(s)
}

// writePump drains the link's send queue onto the socket
func (m *Manager) writePump(l *link) {
	ticker := time.NewTicker(m.config.PingInterval)
	defer func() {
		ticker.Stop()
		l.conn.Close()
	}()

	for {
		select {
		case message, ok := <-l.send:
			l.conn.SetWriteDeadline(time.Now().Add(m.config.WriteTimeout))
			if !ok {
				// link closed locally
				l.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}

			if err := l.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Error().
					Err(err).
					Str("connection_id", l.id).
					Msg("failed to write message to websocket")
				return
			}

		case <-ticker.C:
			l.conn.SetWriteDeadline(time.Now().Add(m.config.WriteTimeout))
			if err := l.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Error().
					Err(err).
					Str("connection_id", l.id).
					Msg("failed to send ping")
				return
			}
		}
	}
}

// readPump forwards every inbound frame to the execution queue, in order
func (m *Manager) readPump(l *link) {
	l.conn.SetReadLimit(m.config.MaxMessageSize)
	l.conn.SetReadDeadline(time.Now().Add(m.config.ReadTimeout))
	l.conn.SetPongHandler(func(string) error {
		l.conn.SetReadDeadline(time.Now().Add(m.config.ReadTimeout))
		return nil
	})

	for {
		_, message, err := l.conn.ReadMessage()
		if err != nil {
			if !m.exec.Post(func() { m.onLinkClosed(l, err) }) {
				l.close()
			}
			return
		}

		l.conn.SetReadDeadline(time.Now().Add(m.config.ReadTimeout))
		if !m.exec.Post(func() { m.onFrame(l, message) }) {
			l.close()
			return
		}
	}
}
