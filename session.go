package serial

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// Handle identifies a session within a Registry. Handles are never reused.
type Handle uint64

// InvalidHandle is never assigned to a session; Init returns it on failure.
const InvalidHandle Handle = 0

// ReadCallback receives bytes delivered by the read worker. data is only
// valid until the callback returns.
type ReadCallback func(h Handle, data []byte)

// ErrorCallback receives read errors hit by the read worker, which keeps
// retrying after reporting them.
type ErrorCallback func(h Handle, err error)

// session is the state behind one Handle.
//
// Lock order is opMu, then ioMu, then Registry.mu. opMu serializes lifecycle
// operations and is held while the worker is joined. ioMu is held shared by
// Read and Write for the duration of the transfer and exclusively whenever
// conn, cfg or an I/O-relevant state changes. The worker itself takes
// neither, so a read callback may call Read and Write on its own handle.
type session struct {
	handle Handle
	port   string
	log    zerolog.Logger

	opMu   sync.Mutex
	worker *worker // guarded by opMu

	ioMu  sync.RWMutex
	state atomic.Int32
	cfg   Config
	conn  Conn

	cbMu           sync.Mutex
	primary        ReadCallback
	onRead         []ReadCallback
	onConnected    func()
	onDisconnected func()
	onError        ErrorCallback
}

func newSession(h Handle, port string, cfg Config, log zerolog.Logger) *session {
	s := &session{
		handle: h,
		port:   port,
		cfg:    cfg,
		log:    log.With().Uint64("handle", uint64(h)).Str("port", port).Logger(),
	}
	s.state.Store(int32(StateInitialized))
	return s
}

func (s *session) current() State {
	return State(s.state.Load())
}

func (s *session) setState(st State) {
	prev := State(s.state.Swap(int32(st)))
	if prev != st {
		s.log.Debug().Stringer("from", prev).Stringer("to", st).Msg("state changed")
	}
}

func (s *session) config() Config {
	s.ioMu.RLock()
	defer s.ioMu.RUnlock()
	return s.cfg
}

// attach installs an open conn. Callers hold opMu.
func (s *session) attach(conn Conn, cfg Config, st State) {
	s.ioMu.Lock()
	s.conn = conn
	s.cfg = cfg
	s.setState(st)
	s.ioMu.Unlock()
}

// detach closes the conn and moves to next, or to StateFailed when the close
// fails. Callers hold opMu and have already joined the worker.
func (s *session) detach(next State) error {
	s.ioMu.Lock()
	defer s.ioMu.Unlock()
	return s.detachLocked(next)
}

func (s *session) detachLocked(next State) error {
	var err error
	if s.conn != nil {
		err = s.conn.Close()
		s.conn = nil
	}
	if err != nil {
		s.setState(StateFailed)
		return err
	}
	s.setState(next)
	return nil
}

func (s *session) addReadCallback(cb ReadCallback) {
	s.cbMu.Lock()
	s.onRead = append(s.onRead, cb)
	s.cbMu.Unlock()
}

func (s *session) setPrimary(cb ReadCallback) {
	s.cbMu.Lock()
	s.primary = cb
	s.cbMu.Unlock()
}

// deliver runs the callback given to Start, then every callback added with
// AddOnReadCallback in registration order.
func (s *session) deliver(data []byte) {
	s.cbMu.Lock()
	primary := s.primary
	cbs := s.onRead
	s.cbMu.Unlock()

	if primary != nil {
		s.invoke(primary, data)
	}
	for _, cb := range cbs {
		s.invoke(cb, data)
	}
}

func (s *session) invoke(cb ReadCallback, data []byte) {
	defer func() {
		if p := recover(); p != nil {
			s.log.Error().Interface("panic", p).Msg("read callback panicked")
			s.reportError(fmt.Errorf("read callback panicked: %v", p))
		}
	}()
	cb(s.handle, data)
}

func (s *session) reportError(err error) {
	s.cbMu.Lock()
	fn := s.onError
	s.cbMu.Unlock()
	if fn != nil {
		fn(s.handle, err)
	}
}

func (s *session) notifyConnected() {
	s.cbMu.Lock()
	fn := s.onConnected
	s.cbMu.Unlock()
	if fn != nil {
		fn()
	}
}

func (s *session) notifyDisconnected() {
	s.cbMu.Lock()
	fn := s.onDisconnected
	s.cbMu.Unlock()
	if fn != nil {
		fn()
	}
}
