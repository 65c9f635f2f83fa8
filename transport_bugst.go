package serial

import (
	"fmt"
	"sync"
	"time"

	bugst "go.bug.st/serial"
)

// BugstTransport opens ports through go.bug.st/serial and works on every
// platform that library supports. Write timeouts are not enforced; a write
// returns once the driver has accepted the data.
type BugstTransport struct{}

func (BugstTransport) Open(port string, cfg Config) (Conn, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	p, err := bugst.Open(port, bugstMode(cfg))
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", port, err)
	}
	return &bugstConn{port: p, name: port, timeout: -1}, nil
}

func (BugstTransport) Ports() ([]PortInfo, error) {
	return systemPorts()
}

func bugstMode(cfg Config) *bugst.Mode {
	return &bugst.Mode{
		BaudRate: cfg.BaudRate,
		DataBits: cfg.DataBits,
		Parity:   convertParity(cfg.Parity),
		StopBits: convertStopBits(cfg.StopBits),
	}
}

func convertParity(p Parity) bugst.Parity {
	switch p {
	case ParityOdd:
		return bugst.OddParity
	case ParityEven:
		return bugst.EvenParity
	default:
		return bugst.NoParity
	}
}

func convertStopBits(sb StopBits) bugst.StopBits {
	switch sb {
	case StopBitsOnePointFive:
		return bugst.OnePointFiveStopBits
	case StopBitsTwo:
		return bugst.TwoStopBits
	default:
		return bugst.OneStopBit
	}
}

type bugstConn struct {
	port bugst.Port
	name string

	readMu  sync.Mutex // guards timeout and pairs it with the Read it applies to
	timeout time.Duration
}

func (c *bugstConn) Read(p []byte, timeout time.Duration) (int, error) {
	if timeout < 0 {
		timeout = 0
	}
	c.readMu.Lock()
	defer c.readMu.Unlock()
	if timeout != c.timeout {
		if err := c.port.SetReadTimeout(timeout); err != nil {
			return 0, fmt.Errorf("set read timeout %s: %w", c.name, err)
		}
		c.timeout = timeout
	}
	n, err := c.port.Read(p)
	if err != nil {
		return 0, fmt.Errorf("read %s: %w", c.name, err)
	}
	return n, nil
}

func (c *bugstConn) Write(p []byte, _ time.Duration) (int, error) {
	n, err := c.port.Write(p)
	if err != nil {
		return n, fmt.Errorf("write %s: %w", c.name, err)
	}
	return n, nil
}

func (c *bugstConn) Close() error {
	return c.port.Close()
}
