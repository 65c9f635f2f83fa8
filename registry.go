package serial

import (
	"errors"
	"fmt"
	"math"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

const (
	// DefaultReadBufferSize is how many bytes the read worker asks for per read.
	DefaultReadBufferSize = 100
	// DefaultPollInterval bounds each worker read, and so how long Stop waits.
	DefaultPollInterval = 10 * time.Millisecond
)

// Registry owns a set of sessions and is the only way to reach them. All
// methods are safe for concurrent use.
//
// Read callbacks run on the session's worker goroutine. They may call Read,
// Write and the AddOn* methods, but must not call Stop, Disconnect, Deinit,
// SetConfiguration, ChangeBaudRate or Close for their own session: those wait
// for the worker to exit.
type Registry struct {
	transport    Transport
	log          zerolog.Logger
	bufSize      int
	pollInterval time.Duration

	mu       sync.Mutex
	sessions map[Handle]*session
	ports    map[string]Handle
	next     Handle
	closed   bool

	workers atomic.Int64
}

// Option configures a Registry.
type Option func(*Registry)

// WithTransport selects how ports are opened. The default drives tty devices
// through termios on Linux and uses go.bug.st/serial elsewhere.
func WithTransport(t Transport) Option {
	return func(r *Registry) { r.transport = t }
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(l zerolog.Logger) Option {
	return func(r *Registry) { r.log = l }
}

// WithReadBufferSize sets the size of the read worker's buffer.
func WithReadBufferSize(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.bufSize = n
		}
	}
}

// WithPollInterval sets the timeout of each worker read.
func WithPollInterval(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.pollInterval = d
		}
	}
}

// NewRegistry returns an empty Registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		log:          zerolog.Nop(),
		bufSize:      DefaultReadBufferSize,
		pollInterval: DefaultPollInterval,
		sessions:     make(map[Handle]*session),
		ports:        make(map[string]Handle),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.transport == nil {
		r.transport = defaultTransport()
	}
	return r
}

func (r *Registry) find(h Handle) (*session, error) {
	if h == InvalidHandle {
		return nil, ErrInvalidHandle
	}
	r.mu.Lock()
	s, ok := r.sessions[h]
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrInvalidHandle, h)
	}
	return s, nil
}

// transportError wraps a transport failure. Argument errors raised by the
// transport keep their own classification.
func transportError(op string, err error) error {
	if errors.Is(err, ErrInvalidArgument) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", ErrTransport, op, err)
}

// Init registers a session for port without opening it. It fails with
// ErrDuplicateTarget while another session holds the same port.
func (r *Registry) Init(port string, cfg Config) (Handle, error) {
	port = strings.TrimSpace(port)
	if port == "" {
		return InvalidHandle, fmt.Errorf("%w: empty port", ErrInvalidArgument)
	}
	if err := cfg.Validate(); err != nil {
		return InvalidHandle, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return InvalidHandle, fmt.Errorf("%w: registry closed", ErrIllegalState)
	}
	if h, ok := r.ports[port]; ok {
		return InvalidHandle, fmt.Errorf("%w: %s held by handle %d", ErrDuplicateTarget, port, h)
	}
	if r.next == math.MaxUint64 {
		return InvalidHandle, fmt.Errorf("%w: handles exhausted", ErrIllegalState)
	}
	r.next++
	h := r.next
	s := newSession(h, port, cfg, r.log)
	r.sessions[h] = s
	r.ports[port] = h
	s.log.Debug().Stringer("config", cfg).Msg("session initialized")
	return h, nil
}

// Connect opens the port. It is accepted from StateInitialized and, to
// reopen a port, from StateDisconnected.
func (r *Registry) Connect(h Handle) error {
	s, err := r.find(h)
	if err != nil {
		return err
	}
	if err := r.connect(s); err != nil {
		return err
	}
	s.notifyConnected()
	return nil
}

func (r *Registry) connect(s *session) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	if err := s.current().gate(opConnect); err != nil {
		return err
	}
	cfg := s.config()
	conn, err := r.transport.Open(s.port, cfg)
	if err != nil {
		s.log.Warn().Err(err).Msg("connect failed")
		return transportError("open", err)
	}
	s.attach(conn, cfg, StateConnected)
	s.log.Info().Stringer("config", cfg).Msg("connected")
	return nil
}

// IsConnected reports whether h has an open port.
func (r *Registry) IsConnected(h Handle) bool {
	s, err := r.find(h)
	if err != nil {
		return false
	}
	return s.current().Open()
}

// State reports the lifecycle state of h.
func (r *Registry) State(h Handle) (State, error) {
	s, err := r.find(h)
	if err != nil {
		return StateUninitialized, err
	}
	st := s.current()
	if st == StateDeinitialized {
		return StateUninitialized, ErrInvalidHandle
	}
	return st, nil
}

// Start launches the read worker. cb is invoked for every chunk read, ahead
// of callbacks added with AddOnReadCallback; it replaces the callback given
// to any earlier Start.
func (r *Registry) Start(h Handle, cb ReadCallback) error {
	s, err := r.find(h)
	if err != nil {
		return err
	}
	if cb == nil {
		return fmt.Errorf("%w: nil read callback", ErrInvalidArgument)
	}
	s.opMu.Lock()
	defer s.opMu.Unlock()
	if err := s.current().gate(opStart); err != nil {
		return err
	}
	s.setPrimary(cb)
	r.startWorker(s)
	return nil
}

// Stop halts the read worker and returns once it has exited. No callback
// runs after Stop returns.
func (r *Registry) Stop(h Handle) error {
	s, err := r.find(h)
	if err != nil {
		return err
	}
	s.opMu.Lock()
	defer s.opMu.Unlock()
	if err := s.current().gate(opStop); err != nil {
		return err
	}
	r.stopWorker(s)
	s.setState(StateStopped)
	return nil
}

// Disconnect closes the port. A session that is still started must be
// stopped first. If closing fails the session moves to StateFailed, from
// which only Deinit is accepted.
func (r *Registry) Disconnect(h Handle) error {
	s, err := r.find(h)
	if err != nil {
		return err
	}
	if err := r.disconnect(s); err != nil {
		return err
	}
	s.notifyDisconnected()
	return nil
}

func (r *Registry) disconnect(s *session) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	if err := s.current().gate(opDisconnect); err != nil {
		return err
	}
	if err := s.detach(StateDisconnected); err != nil {
		s.log.Error().Err(err).Msg("close failed")
		return transportError("close", err)
	}
	s.log.Info().Msg("disconnected")
	return nil
}

// Deinit stops the worker, closes the port if open and removes h. It is
// accepted in every state. The handle is removed even when closing fails;
// the close error is still returned.
func (r *Registry) Deinit(h Handle) error {
	s, err := r.find(h)
	if err != nil {
		return err
	}
	wasOpen, err := r.deinit(s)
	if wasOpen {
		s.notifyDisconnected()
	}
	return err
}

func (r *Registry) deinit(s *session) (wasOpen bool, err error) {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	st := s.current()
	if st == StateDeinitialized {
		return false, ErrInvalidHandle
	}

	// The worker must be gone before its conn is closed.
	r.stopWorker(s)

	s.ioMu.Lock()
	var closeErr error
	if s.conn != nil {
		closeErr = s.conn.Close()
		s.conn = nil
	}
	r.mu.Lock()
	delete(r.sessions, s.handle)
	if r.ports[s.port] == s.handle {
		delete(r.ports, s.port)
	}
	r.mu.Unlock()
	s.setState(StateDeinitialized)
	s.ioMu.Unlock()

	if closeErr != nil {
		s.log.Error().Err(closeErr).Msg("close failed during deinit")
		return st.Open(), transportError("close", closeErr)
	}
	s.log.Debug().Msg("session removed")
	return st.Open(), nil
}

// Read reads up to len(buf) bytes, waiting at most timeout for data to
// arrive. A zero timeout returns whatever is already buffered. Returning
// fewer bytes than requested, including none, is not an error.
func (r *Registry) Read(h Handle, buf []byte, timeout time.Duration) (int, error) {
	s, err := r.find(h)
	if err != nil {
		return 0, err
	}
	if len(buf) == 0 {
		return 0, fmt.Errorf("%w: empty read buffer", ErrInvalidArgument)
	}
	s.ioMu.RLock()
	defer s.ioMu.RUnlock()
	if err := s.current().gate(opRead); err != nil {
		return 0, err
	}
	n, err := s.conn.Read(buf, timeout)
	if err != nil {
		s.log.Warn().Err(err).Msg("read failed")
		return n, transportError("read", err)
	}
	return n, nil
}

// Write writes buf, waiting at most timeout for the port to accept it. The
// count reports how much was written when the timeout cuts the write short.
func (r *Registry) Write(h Handle, buf []byte, timeout time.Duration) (int, error) {
	s, err := r.find(h)
	if err != nil {
		return 0, err
	}
	if len(buf) == 0 {
		return 0, fmt.Errorf("%w: empty write buffer", ErrInvalidArgument)
	}
	s.ioMu.RLock()
	defer s.ioMu.RUnlock()
	if err := s.current().gate(opWrite); err != nil {
		return 0, err
	}
	n, err := s.conn.Write(buf, timeout)
	if err != nil {
		s.log.Warn().Err(err).Int("written", n).Msg("write failed")
		return n, transportError("write", err)
	}
	return n, nil
}

// AddOnReadCallback appends a read callback. It takes effect from the next
// chunk the worker delivers.
func (r *Registry) AddOnReadCallback(h Handle, cb ReadCallback) error {
	s, err := r.find(h)
	if err != nil {
		return err
	}
	if cb == nil {
		return fmt.Errorf("%w: nil read callback", ErrInvalidArgument)
	}
	s.addReadCallback(cb)
	return nil
}

// AddOnConnectedCallback sets the function run after each successful Connect.
func (r *Registry) AddOnConnectedCallback(h Handle, fn func()) error {
	s, err := r.find(h)
	if err != nil {
		return err
	}
	s.cbMu.Lock()
	s.onConnected = fn
	s.cbMu.Unlock()
	return nil
}

// AddOnDisconnectedCallback sets the function run after the port is closed
// by Disconnect or Deinit.
func (r *Registry) AddOnDisconnectedCallback(h Handle, fn func()) error {
	s, err := r.find(h)
	if err != nil {
		return err
	}
	s.cbMu.Lock()
	s.onDisconnected = fn
	s.cbMu.Unlock()
	return nil
}

// AddOnErrorCallback sets the function that receives read worker errors.
func (r *Registry) AddOnErrorCallback(h Handle, fn ErrorCallback) error {
	s, err := r.find(h)
	if err != nil {
		return err
	}
	s.cbMu.Lock()
	s.onError = fn
	s.cbMu.Unlock()
	return nil
}

// Configuration returns the line settings of h.
func (r *Registry) Configuration(h Handle) (Config, error) {
	s, err := r.find(h)
	if err != nil {
		return Config{}, err
	}
	s.ioMu.RLock()
	defer s.ioMu.RUnlock()
	if s.current() == StateDeinitialized {
		return Config{}, ErrInvalidHandle
	}
	return s.cfg, nil
}

// SetConfiguration replaces the line settings of h. An open port is closed
// and reopened with cfg, and a running worker is restarted, keeping the
// handle and callbacks. When the reopen fails the old settings are restored
// and the error returned; if even that fails the session moves to
// StateFailed.
func (r *Registry) SetConfiguration(h Handle, cfg Config) error {
	return r.reconfigure(h, func(Config) Config { return cfg })
}

// ChangeBaudRate is SetConfiguration with only the baud rate changed.
func (r *Registry) ChangeBaudRate(h Handle, baud int) error {
	return r.reconfigure(h, func(c Config) Config {
		c.BaudRate = baud
		return c
	})
}

func (r *Registry) reconfigure(h Handle, update func(Config) Config) error {
	s, err := r.find(h)
	if err != nil {
		return err
	}
	s.opMu.Lock()
	defer s.opMu.Unlock()
	st := s.current()
	if err := st.gate(opSetConfig); err != nil {
		return err
	}
	old := s.config()
	cfg := update(old)
	if err := cfg.Validate(); err != nil {
		return err
	}
	if !st.Open() {
		s.ioMu.Lock()
		s.cfg = cfg
		s.ioMu.Unlock()
		s.log.Debug().Stringer("config", cfg).Msg("configuration stored")
		return nil
	}

	r.stopWorker(s)
	s.ioMu.Lock()
	if err := s.detachLocked(st); err != nil {
		s.ioMu.Unlock()
		s.log.Error().Err(err).Msg("close failed during reconfigure")
		return transportError("close", err)
	}
	conn, openErr := r.transport.Open(s.port, cfg)
	if openErr != nil {
		s.log.Warn().Err(openErr).Stringer("config", cfg).Msg("reopen failed, restoring previous configuration")
		cfg = old
		var err error
		if conn, err = r.transport.Open(s.port, old); err != nil {
			s.setState(StateFailed)
			s.ioMu.Unlock()
			s.log.Error().Err(err).Msg("restore failed")
			return transportError("reopen", errors.Join(openErr, err))
		}
	}
	s.conn = conn
	s.cfg = cfg
	s.ioMu.Unlock()

	if st == StateStarted {
		r.startWorker(s)
	}
	if openErr != nil {
		return transportError("reopen", openErr)
	}
	s.log.Info().Stringer("config", cfg).Msg("reconfigured")
	return nil
}

// Ports lists the ports the transport can open.
func (r *Registry) Ports() ([]PortInfo, error) {
	ports, err := r.transport.Ports()
	if err != nil {
		return nil, transportError("enumerate", err)
	}
	return ports, nil
}

// ActiveWorkers reports how many read workers are running.
func (r *Registry) ActiveWorkers() int {
	return int(r.workers.Load())
}

// Handles returns the registered handles in ascending order.
func (r *Registry) Handles() []Handle {
	r.mu.Lock()
	hs := make([]Handle, 0, len(r.sessions))
	for h := range r.sessions {
		hs = append(hs, h)
	}
	r.mu.Unlock()
	slices.Sort(hs)
	return hs
}

// Close deinitializes every session and rejects further Init calls.
func (r *Registry) Close() error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	var errs []error
	for _, h := range r.Handles() {
		if err := r.Deinit(h); err != nil && !errors.Is(err, ErrInvalidHandle) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
