package serial

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"go.bug.st/serial/enumerator"
)

// Transport opens ports on one platform. Implementations must be safe for
// concurrent use.
type Transport interface {
	Open(port string, cfg Config) (Conn, error)
	Ports() ([]PortInfo, error)
}

// Conn is an open port. Read and Write wait at most timeout for the port to
// become ready; a timeout of zero or less polls once and returns. Running out
// of time is not an error: the call reports however many bytes moved.
//
// Read may be called concurrently with Write. Close must not be called while
// a Read or Write is in flight on another goroutine.
type Conn interface {
	Read(p []byte, timeout time.Duration) (int, error)
	Write(p []byte, timeout time.Duration) (int, error)
	Close() error
}

// LookupTransport returns a transport by name: "default" (or empty), "bugst",
// and on Linux "unix".
func LookupTransport(name string) (Transport, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	switch name {
	case "", "default":
		return defaultTransport(), nil
	case "bugst":
		return BugstTransport{}, nil
	}
	if t, ok := platformTransport(name); ok {
		return t, nil
	}
	return nil, fmt.Errorf("%w: unknown transport %q", ErrInvalidArgument, name)
}

var errConnClosed = errors.New("port closed")

// PortInfo describes one enumerated port.
type PortInfo struct {
	Name         string `json:"name"`
	FriendlyName string `json:"friendly_name"`
	IsUSB        bool   `json:"is_usb"`
	VID          string `json:"vid,omitempty"`
	PID          string `json:"pid,omitempty"`
	SerialNumber string `json:"serial_number,omitempty"`
}

// systemPorts lists the serial devices the operating system knows about.
func systemPorts() ([]PortInfo, error) {
	details, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, fmt.Errorf("enumerate ports: %w", err)
	}
	ports := make([]PortInfo, 0, len(details))
	for _, d := range details {
		info := PortInfo{
			Name:         d.Name,
			FriendlyName: d.Name,
			IsUSB:        d.IsUSB,
			VID:          d.VID,
			PID:          d.PID,
			SerialNumber: d.SerialNumber,
		}
		switch {
		case d.Product != "":
			info.FriendlyName = fmt.Sprintf("%s (%s)", d.Product, d.Name)
		case d.IsUSB:
			info.FriendlyName = fmt.Sprintf("USB %s:%s (%s)", d.VID, d.PID, d.Name)
		}
		ports = append(ports, info)
	}
	return ports, nil
}
