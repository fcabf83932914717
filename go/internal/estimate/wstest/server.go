// Package wstest provides an in-process websocket server that speaks the
// room protocol, for driving clients in tests.
package wstest

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mcdev12/goe/go/internal/estimate/protocol"
)

// Server accepts websocket connections and hands them to the test
type Server struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader
	conns    chan *Conn
}

// NewServer starts a server that is closed when the test ends
func NewServer(t testing.TB) *Server {
	t.Helper()

	s := &Server{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		conns: make(chan *Conn, 16),
	}
	s.srv = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.conns <- &Conn{ws: conn}
}

// URL returns the ws:// address of the server
func (s *Server) URL() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http") + "/ws"
}

// Accept waits for the next client connection
func (s *Server) Accept(t testing.TB, within time.Duration) *Conn {
	t.Helper()
	select {
	case c := <-s.conns:
		t.Cleanup(func() { c.ws.Close() })
		return c
	case <-time.After(within):
		t.Fatalf("timed out waiting for client connection")
		return nil
	}
}

// ExpectNoConnection fails if a client connects within the given window
func (s *Server) ExpectNoConnection(t testing.TB, within time.Duration) {
	t.Helper()
	select {
	case c := <-s.conns:
		c.ws.Close()
		t.Fatalf("unexpected client connection")
	case <-time.After(within):
	}
}

// Conn is the server side of one client connection
type Conn struct {
	ws *websocket.Conn
}

// Send writes one event frame to the client
func (c *Conn) Send(t testing.TB, evt protocol.Event) {
	t.Helper()
	data, err := protocol.EncodeEvent(evt)
	if err != nil {
		t.Fatalf("encode event: %v", err)
	}
	c.SendRaw(t, data)
}

// SendRaw writes an arbitrary text frame to the client
func (c *Conn) SendRaw(t testing.TB, data []byte) {
	t.Helper()
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

// ReadCommand waits for the next command sent by the client
func (c *Conn) ReadCommand(t testing.TB, within time.Duration) protocol.Command {
	t.Helper()
	c.ws.SetReadDeadline(time.Now().Add(within))
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		t.Fatalf("read command: %v", err)
	}
	cmd, err := protocol.DecodeCommand(data)
	if err != nil {
		t.Fatalf("decode command %s: %v", data, err)
	}
	return cmd
}

// ExpectNoCommand fails if the client sends anything within the window.
// The connection is unusable for reads afterwards.
func (c *Conn) ExpectNoCommand(t testing.TB, within time.Duration) {
	t.Helper()
	c.ws.SetReadDeadline(time.Now().Add(within))
	_, data, err := c.ws.ReadMessage()
	if err == nil {
		t.Fatalf("unexpected command: %s", data)
	}
}

// Close performs a clean close handshake from the server side
func (c *Conn) Close() {
	c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"),
		time.Now().Add(time.Second))
	c.ws.Close()
}

// Drop closes the TCP connection without a close frame
func (c *Conn) Drop() {
	c.ws.UnderlyingConn().Close()
}
