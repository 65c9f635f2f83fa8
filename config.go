package serial

import (
	"fmt"
	"strconv"
	"strings"
)

// Parity selects the parity bit mode.
type Parity int

const (
	ParityNone Parity = iota
	ParityOdd
	ParityEven
)

func (p Parity) String() string {
	switch p {
	case ParityNone:
		return "N"
	case ParityOdd:
		return "O"
	case ParityEven:
		return "E"
	default:
		return fmt.Sprintf("Parity(%d)", int(p))
	}
}

// StopBits selects the number of stop bits.
type StopBits int

const (
	StopBitsOne StopBits = iota
	StopBitsOnePointFive
	StopBitsTwo
)

func (s StopBits) String() string {
	switch s {
	case StopBitsOne:
		return "1"
	case StopBitsOnePointFive:
		return "1.5"
	case StopBitsTwo:
		return "2"
	default:
		return fmt.Sprintf("StopBits(%d)", int(s))
	}
}

// Config holds the line settings of a session. It is fixed while the port is
// open; SetConfiguration reopens the port to apply a new one.
type Config struct {
	BaudRate int
	DataBits int // 5 to 8
	Parity   Parity
	StopBits StopBits
}

// DefaultConfig returns 115200 baud, 8 data bits, no parity, 1 stop bit.
func DefaultConfig() Config {
	return Config{
		BaudRate: 115200,
		DataBits: 8,
		Parity:   ParityNone,
		StopBits: StopBitsOne,
	}
}

// Validate reports whether every field is in range.
func (c Config) Validate() error {
	if c.BaudRate <= 0 {
		return fmt.Errorf("%w: baud rate %d", ErrInvalidArgument, c.BaudRate)
	}
	if c.DataBits < 5 || c.DataBits > 8 {
		return fmt.Errorf("%w: data bits %d", ErrInvalidArgument, c.DataBits)
	}
	switch c.Parity {
	case ParityNone, ParityOdd, ParityEven:
	default:
		return fmt.Errorf("%w: parity %d", ErrInvalidArgument, int(c.Parity))
	}
	switch c.StopBits {
	case StopBitsOne, StopBitsOnePointFive, StopBitsTwo:
	default:
		return fmt.Errorf("%w: stop bits %d", ErrInvalidArgument, int(c.StopBits))
	}
	return nil
}

// String renders the config in the "115200,8,N,1" shorthand accepted by ParseConfig.
func (c Config) String() string {
	return fmt.Sprintf("%d,%d,%s,%s", c.BaudRate, c.DataBits, c.Parity, c.StopBits)
}

// ParseConfig parses "baud[,databits[,parity[,stopbits]]]", e.g. "9600,7,E,2".
// Omitted fields take their DefaultConfig values.
func ParseConfig(s string) (Config, error) {
	cfg := DefaultConfig()
	fields := strings.Split(strings.TrimSpace(s), ",")
	if len(fields) > 4 || fields[0] == "" {
		return Config{}, fmt.Errorf("%w: config %q", ErrInvalidArgument, s)
	}
	for i, f := range fields {
		f = strings.TrimSpace(f)
		switch i {
		case 0:
			baud, err := strconv.Atoi(f)
			if err != nil {
				return Config{}, fmt.Errorf("%w: baud rate %q", ErrInvalidArgument, f)
			}
			cfg.BaudRate = baud
		case 1:
			bits, err := strconv.Atoi(f)
			if err != nil {
				return Config{}, fmt.Errorf("%w: data bits %q", ErrInvalidArgument, f)
			}
			cfg.DataBits = bits
		case 2:
			p, err := parseParity(f)
			if err != nil {
				return Config{}, err
			}
			cfg.Parity = p
		case 3:
			sb, err := parseStopBits(f)
			if err != nil {
				return Config{}, err
			}
			cfg.StopBits = sb
		}
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func parseParity(s string) (Parity, error) {
	switch strings.ToLower(s) {
	case "n", "none":
		return ParityNone, nil
	case "o", "odd":
		return ParityOdd, nil
	case "e", "even":
		return ParityEven, nil
	}
	return 0, fmt.Errorf("%w: parity %q", ErrInvalidArgument, s)
}

func parseStopBits(s string) (StopBits, error) {
	switch s {
	case "1":
		return StopBitsOne, nil
	case "1.5":
		return StopBitsOnePointFive, nil
	case "2":
		return StopBitsTwo, nil
	}
	return 0, fmt.Errorf("%w: stop bits %q", ErrInvalidArgument, s)
}
