package serial

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// Loopback is an in-memory Transport whose ports are wired together in
// pairs: bytes written to one end of a pair are read from the other. It is
// meant for tests and demos that need a device without hardware.
type Loopback struct {
	mu    sync.Mutex
	ports map[string]*loopbackPort
}

type loopbackPort struct {
	name   string
	peer   *loopbackPort
	buf    *pipeBuffer
	opened bool
}

// NewLoopback returns a Loopback with no ports.
func NewLoopback() *Loopback {
	return &Loopback{ports: make(map[string]*loopbackPort)}
}

// Pair creates ports a and b connected to each other.
func (l *Loopback) Pair(a, b string) error {
	if a == "" || b == "" || a == b {
		return fmt.Errorf("%w: loopback pair %q/%q", ErrInvalidArgument, a, b)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.ports[a]; ok {
		return fmt.Errorf("%w: loopback port %q exists", ErrInvalidArgument, a)
	}
	if _, ok := l.ports[b]; ok {
		return fmt.Errorf("%w: loopback port %q exists", ErrInvalidArgument, b)
	}
	pa := &loopbackPort{name: a, buf: newPipeBuffer()}
	pb := &loopbackPort{name: b, buf: newPipeBuffer()}
	pa.peer, pb.peer = pb, pa
	l.ports[a], l.ports[b] = pa, pb
	return nil
}

// Open opens one end of a pair. Each end can be open at most once at a time.
func (l *Loopback) Open(port string, cfg Config) (Conn, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.ports[port]
	if !ok {
		return nil, fmt.Errorf("open %s: no such loopback port", port)
	}
	if p.opened {
		return nil, fmt.Errorf("open %s: port busy", port)
	}
	p.opened = true
	return &loopbackConn{owner: l, port: p, closed: make(chan struct{})}, nil
}

// Ports lists every loopback port, sorted by name.
func (l *Loopback) Ports() ([]PortInfo, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ports := make([]PortInfo, 0, len(l.ports))
	for name, p := range l.ports {
		ports = append(ports, PortInfo{
			Name:         name,
			FriendlyName: fmt.Sprintf("Loopback %s <-> %s", name, p.peer.name),
		})
	}
	sort.Slice(ports, func(i, j int) bool { return ports[i].Name < ports[j].Name })
	return ports, nil
}

type loopbackConn struct {
	owner     *Loopback
	port      *loopbackPort
	closed    chan struct{}
	closeOnce sync.Once
}

func (c *loopbackConn) Read(p []byte, timeout time.Duration) (int, error) {
	select {
	case <-c.closed:
		return 0, errConnClosed
	default:
	}
	return c.port.buf.read(p, timeout, c.closed)
}

// Write never blocks; the peer's buffer is unbounded.
func (c *loopbackConn) Write(p []byte, _ time.Duration) (int, error) {
	select {
	case <-c.closed:
		return 0, errConnClosed
	default:
	}
	c.port.peer.buf.write(p)
	return len(p), nil
}

func (c *loopbackConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.owner.mu.Lock()
		c.port.opened = false
		c.owner.mu.Unlock()
	})
	return nil
}

// pipeBuffer is an unbounded byte queue whose reads can wait with a timeout.
type pipeBuffer struct {
	mu     sync.Mutex
	data   []byte
	notify chan struct{}
}

func newPipeBuffer() *pipeBuffer {
	return &pipeBuffer{notify: make(chan struct{}, 1)}
}

func (b *pipeBuffer) signal() {
	select {
	case b.notify <- struct{}{}:
	default:
	}
}

func (b *pipeBuffer) write(p []byte) {
	b.mu.Lock()
	b.data = append(b.data, p...)
	b.mu.Unlock()
	b.signal()
}

func (b *pipeBuffer) take(p []byte) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := copy(p, b.data)
	b.data = b.data[n:]
	if len(b.data) == 0 {
		b.data = nil
	} else {
		// more is waiting for the next reader
		b.signal()
	}
	return n
}

func (b *pipeBuffer) read(p []byte, timeout time.Duration, closed <-chan struct{}) (int, error) {
	if n := b.take(p); n > 0 || timeout <= 0 {
		return n, nil
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case <-b.notify:
			if n := b.take(p); n > 0 {
				return n, nil
			}
		case <-timer.C:
			return b.take(p), nil
		case <-closed:
			return 0, errConnClosed
		}
	}
}
