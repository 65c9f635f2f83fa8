// Package bridge exposes one serial session to WebSocket clients. Bytes read
// from the port are broadcast to every client as binary messages; messages
// from clients are written to the port and acknowledged with a JSON
// serial.Response.
package bridge

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	serial "github.com/luhtfiimanal/go-serial-session"
	"github.com/rs/zerolog"
)

const writeWait = 5 * time.Second

// Options tunes a Server.
type Options struct {
	WriteTimeout   time.Duration // bound for each serial write
	SendQueue      int           // messages buffered per client before it is dropped
	AllowedOrigins []string      // empty allows same-host origins only
	Logger         zerolog.Logger
}

// Server is an http.Handler that upgrades requests to WebSocket.
type Server struct {
	reg            *serial.Registry
	handle         serial.Handle
	writeTimeout   time.Duration
	sendQueue      int
	allowedOrigins map[string]bool
	log            zerolog.Logger
	upgrader       websocket.Upgrader

	mu      sync.RWMutex
	clients map[*client]bool
	closed  bool
}

type outbound struct {
	kind int
	data []byte
}

type client struct {
	conn *websocket.Conn
	send chan outbound
}

func newClient(conn *websocket.Conn, queue int) *client {
	c := &client{
		conn: conn,
		send: make(chan outbound, queue),
	}
	go c.writePump()
	return c
}

func (c *client) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(msg.kind, msg.data); err != nil {
			return
		}
	}
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait))
}

// New attaches a Server to h. Incoming bytes only flow once the session is
// started.
func New(reg *serial.Registry, h serial.Handle, opts Options) (*Server, error) {
	if opts.SendQueue <= 0 {
		opts.SendQueue = 64
	}
	s := &Server{
		reg:            reg,
		handle:         h,
		writeTimeout:   opts.WriteTimeout,
		sendQueue:      opts.SendQueue,
		allowedOrigins: make(map[string]bool),
		log:            opts.Logger.With().Str("component", "bridge").Uint64("handle", uint64(h)).Logger(),
		clients:        make(map[*client]bool),
	}
	for _, origin := range opts.AllowedOrigins {
		if trimmed := strings.TrimSpace(origin); trimmed != "" {
			s.allowedOrigins[trimmed] = true
		}
	}
	s.upgrader = websocket.Upgrader{CheckOrigin: s.checkOrigin}

	if err := reg.AddOnReadCallback(h, s.broadcast); err != nil {
		return nil, fmt.Errorf("bridge: %w", err)
	}
	return s, nil
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if len(s.allowedOrigins) > 0 {
		return s.allowedOrigins[origin]
	}
	u, err := url.Parse(origin)
	return err == nil && u.Host == r.Host
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("ws upgrade failed")
		return
	}

	c := newClient(conn, s.sendQueue)
	if !s.addClient(c) {
		close(c.send)
		return
	}
	s.log.Info().Str("remote", r.RemoteAddr).Msg("client connected")
	defer func() {
		s.removeClient(c)
		s.log.Info().Str("remote", r.RemoteAddr).Msg("client disconnected")
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if len(msg) == 0 {
			continue
		}
		n, err := s.reg.Write(s.handle, msg, s.writeTimeout)
		if err != nil {
			s.log.Warn().Err(err).Int("written", n).Msg("serial write failed")
		}
		reply, _ := json.Marshal(serial.NewResponse(n, err))
		s.deliver(c, outbound{kind: websocket.TextMessage, data: reply})
	}
}

func (s *Server) addClient(c *client) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.clients[c] = true
	return true
}

func (s *Server) removeClient(c *client) {
	s.mu.Lock()
	if _, ok := s.clients[c]; ok {
		delete(s.clients, c)
		close(c.send)
	}
	s.mu.Unlock()
}

// deliver queues msg for c, dropping the client if its queue is full.
func (s *Server) deliver(c *client, msg outbound) {
	s.mu.RLock()
	ok := true
	if s.clients[c] {
		select {
		case c.send <- msg:
		default:
			ok = false
		}
	}
	s.mu.RUnlock()
	if !ok {
		s.log.Warn().Msg("client too slow, disconnecting")
		s.removeClient(c)
	}
}

// broadcast is the read callback; it runs on the session's worker.
func (s *Server) broadcast(_ serial.Handle, data []byte) {
	msg := outbound{kind: websocket.BinaryMessage, data: append([]byte(nil), data...)}

	var slow []*client
	s.mu.RLock()
	for c := range s.clients {
		select {
		case c.send <- msg:
		default:
			slow = append(slow, c)
		}
	}
	s.mu.RUnlock()

	for _, c := range slow {
		s.log.Warn().Msg("client too slow, disconnecting")
		s.removeClient(c)
	}
}

// ClientCount reports how many clients are attached.
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// Close disconnects every client and refuses new ones. The serial session
// is left as it is.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for c := range s.clients {
		delete(s.clients, c)
		close(c.send)
	}
	return nil
}
