package serial

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var testConfig = Config{BaudRate: 9600, DataBits: 8, Parity: ParityNone, StopBits: StopBitsOne}

// newLoopbackRegistry returns a registry whose "test-port" and "peer-port"
// are wired to each other.
func newLoopbackRegistry(t *testing.T) *Registry {
	t.Helper()
	lb := NewLoopback()
	require.NoError(t, lb.Pair("test-port", "peer-port"))
	reg := NewRegistry(WithTransport(lb), WithPollInterval(2*time.Millisecond))
	t.Cleanup(func() { reg.Close() })
	return reg
}

func connectPort(t *testing.T, reg *Registry, port string) Handle {
	t.Helper()
	h, err := reg.Init(port, testConfig)
	require.NoError(t, err)
	require.NotEqual(t, InvalidHandle, h)
	require.NoError(t, reg.Connect(h))
	return h
}

// collector gathers bytes delivered to a read callback.
type collector struct {
	mu     sync.Mutex
	data   []byte
	chunks int
	calls  chan []byte
}

func newCollector() *collector {
	return &collector{calls: make(chan []byte, 1024)}
}

func (c *collector) callback(_ Handle, data []byte) {
	cp := append([]byte(nil), data...)
	c.mu.Lock()
	c.data = append(c.data, cp...)
	c.chunks++
	c.mu.Unlock()
	select {
	case c.calls <- cp:
	default:
	}
}

func (c *collector) bytes() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]byte(nil), c.data...)
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.chunks
}

var errInjected = errors.New("injected fault")

// faultTransport hands out conns whose failures are controlled by the test.
type faultTransport struct {
	mu       sync.Mutex
	openErrs []error // consumed one per Open
	opened   []Config
	closeErr error
	readErr  error
	inbox    *pipeBuffer
}

func newFaultTransport() *faultTransport {
	return &faultTransport{inbox: newPipeBuffer()}
}

func (t *faultTransport) Open(port string, cfg Config) (Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.openErrs) > 0 {
		err := t.openErrs[0]
		t.openErrs = t.openErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	t.opened = append(t.opened, cfg)
	return &faultConn{t: t, closed: make(chan struct{})}, nil
}

func (t *faultTransport) Ports() ([]PortInfo, error) {
	return []PortInfo{{Name: "fault0", FriendlyName: "Fault injector"}}, nil
}

func (t *faultTransport) set(fn func(t *faultTransport)) {
	t.mu.Lock()
	fn(t)
	t.mu.Unlock()
}

func (t *faultTransport) opens() []Config {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Config(nil), t.opened...)
}

type faultConn struct {
	t      *faultTransport
	closed chan struct{}
	once   sync.Once
}

func (c *faultConn) Read(p []byte, timeout time.Duration) (int, error) {
	c.t.mu.Lock()
	err := c.t.readErr
	c.t.mu.Unlock()
	if err != nil {
		return 0, err
	}
	return c.t.inbox.read(p, timeout, c.closed)
}

func (c *faultConn) Write(p []byte, _ time.Duration) (int, error) {
	return len(p), nil
}

func (c *faultConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	c.t.mu.Lock()
	defer c.t.mu.Unlock()
	return c.t.closeErr
}
