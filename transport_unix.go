//go:build linux

package serial

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// UnixTransport drives tty devices directly through termios ioctls and poll.
// It works with real UARTs, USB serial adapters and pseudo-terminals.
type UnixTransport struct{}

// Open opens the device in raw mode with the given line settings.
func (UnixTransport) Open(port string, cfg Config) (Conn, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	speed, ok := baudToUnix(cfg.BaudRate)
	if !ok {
		return nil, fmt.Errorf("%w: unsupported baud rate %d", ErrInvalidArgument, cfg.BaudRate)
	}

	fd, err := unix.Open(port, unix.O_RDWR|unix.O_NOCTTY|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", port, err)
	}

	termios, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("get termios: %w", err)
	}

	// Raw mode
	termios.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP | unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON | unix.IXOFF | unix.IXANY
	termios.Oflag &^= unix.OPOST
	termios.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN
	termios.Cflag |= unix.CLOCAL | unix.CREAD

	termios.Cflag &^= unix.CSIZE
	termios.Cflag |= dataBitsToUnix(cfg.DataBits)

	switch cfg.Parity {
	case ParityNone:
		termios.Cflag &^= unix.PARENB | unix.PARODD
	case ParityOdd:
		termios.Cflag |= unix.PARENB | unix.PARODD
	case ParityEven:
		termios.Cflag |= unix.PARENB
		termios.Cflag &^= unix.PARODD
	}

	// termios has no 1.5 stop bit setting; UARTs emit 1.5 for CSTOPB with 5 data bits.
	if cfg.StopBits == StopBitsOne {
		termios.Cflag &^= unix.CSTOPB
	} else {
		termios.Cflag |= unix.CSTOPB
	}

	termios.Cflag &^= unix.CBAUD
	termios.Cflag |= speed
	termios.Ispeed = speed
	termios.Ospeed = speed

	// Reads never block in the kernel; waiting happens in poll.
	termios.Cc[unix.VMIN] = 0
	termios.Cc[unix.VTIME] = 0

	if err := unix.IoctlSetTermios(fd, unix.TCSETS, termios); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("set termios: %w", err)
	}

	// Self-pipe wakes any poll still in flight when the port closes.
	pipeFds := make([]int, 2)
	if err := unix.Pipe2(pipeFds, unix.O_CLOEXEC|unix.O_NONBLOCK); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("pipe: %w", err)
	}

	return &unixConn{
		fd:    fd,
		name:  port,
		done:  make(chan struct{}),
		pipeR: pipeFds[0],
		pipeW: pipeFds[1],
	}, nil
}

// Ports lists the serial devices present on the system.
func (UnixTransport) Ports() ([]PortInfo, error) {
	return systemPorts()
}

type unixConn struct {
	fd        int
	name      string
	done      chan struct{}
	closeOnce sync.Once
	pipeR     int // self-pipe read fd
	pipeW     int // self-pipe write fd
}

// wait polls for events on the device, returning false when the timeout
// expires first.
func (c *unixConn) wait(events int16, timeout time.Duration) (bool, error) {
	ms := 0
	if timeout > 0 {
		ms = int((timeout + time.Millisecond - 1) / time.Millisecond)
	}
	deadline := time.Now().Add(timeout)
	for {
		pfd := []unix.PollFd{
			{Fd: int32(c.fd), Events: events},
			{Fd: int32(c.pipeR), Events: unix.POLLIN},
		}
		n, err := unix.Poll(pfd, ms)
		if errors.Is(err, unix.EINTR) {
			if ms > 0 {
				ms = int(time.Until(deadline) / time.Millisecond)
				if ms <= 0 {
					return false, nil
				}
			}
			continue
		}
		if err != nil {
			return false, err
		}
		select {
		case <-c.done:
			return false, errConnClosed
		default:
		}
		if pfd[1].Revents&unix.POLLIN != 0 {
			return false, errConnClosed
		}
		if n == 0 {
			return false, nil
		}
		if pfd[0].Revents&(unix.POLLERR|unix.POLLNVAL) != 0 {
			return false, fmt.Errorf("poll %s: revents %#x", c.name, pfd[0].Revents)
		}
		// POLLHUP is left to the read/write call to report.
		return true, nil
	}
}

func (c *unixConn) Read(p []byte, timeout time.Duration) (int, error) {
	ready, err := c.wait(unix.POLLIN, timeout)
	if err != nil || !ready {
		return 0, err
	}
	n, err := unix.Read(c.fd, p)
	if errors.Is(err, unix.EAGAIN) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read %s: %w", c.name, err)
	}
	return n, nil
}

// Write keeps writing until p is drained or timeout elapses.
func (c *unixConn) Write(p []byte, timeout time.Duration) (int, error) {
	deadline := time.Now().Add(timeout)
	written := 0
	for written < len(p) {
		remaining := time.Until(deadline)
		ready, err := c.wait(unix.POLLOUT, remaining)
		if err != nil {
			return written, err
		}
		if !ready {
			return written, nil
		}
		n, err := unix.Write(c.fd, p[written:])
		if errors.Is(err, unix.EAGAIN) {
			n, err = 0, nil
		}
		if err != nil {
			return written, fmt.Errorf("write %s: %w", c.name, err)
		}
		written += n
		if remaining <= 0 {
			return written, nil
		}
	}
	return written, nil
}

// Close releases the device. Safe to call multiple times; subsequent calls
// are no-ops.
func (c *unixConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		unix.Write(c.pipeW, []byte{1})
		err = unix.Close(c.fd)
		unix.Close(c.pipeR)
		unix.Close(c.pipeW)
	})
	return err
}

func dataBitsToUnix(bits int) uint32 {
	switch bits {
	case 5:
		return unix.CS5
	case 6:
		return unix.CS6
	case 7:
		return unix.CS7
	default:
		return unix.CS8
	}
}

func baudToUnix(baud int) (uint32, bool) {
	switch baud {
	case 1200:
		return unix.B1200, true
	case 2400:
		return unix.B2400, true
	case 4800:
		return unix.B4800, true
	case 9600:
		return unix.B9600, true
	case 19200:
		return unix.B19200, true
	case 38400:
		return unix.B38400, true
	case 57600:
		return unix.B57600, true
	case 115200:
		return unix.B115200, true
	case 230400:
		return unix.B230400, true
	case 460800:
		return unix.B460800, true
	case 500000:
		return unix.B500000, true
	case 576000:
		return unix.B576000, true
	case 921600:
		return unix.B921600, true
	case 1000000:
		return unix.B1000000, true
	case 1500000:
		return unix.B1500000, true
	case 2000000:
		return unix.B2000000, true
	case 3000000:
		return unix.B3000000, true
	case 4000000:
		return unix.B4000000, true
	default:
		return 0, false
	}
}
