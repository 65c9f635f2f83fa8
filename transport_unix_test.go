//go:build linux

package serial

import (
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/creack/pty"
	"github.com/stretchr/testify/require"
)

// openPTY opens the slave side of a fresh pty pair through UnixTransport.
func openPTY(t *testing.T, cfg Config) (*os.File, Conn) {
	t.Helper()
	master, slave, err := pty.Open()
	require.NoError(t, err)
	t.Cleanup(func() { master.Close(); slave.Close() })

	conn, err := UnixTransport{}.Open(slave.Name(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return master, conn
}

// readFull keeps reading until want bytes arrived or the deadline passes.
func readFull(t *testing.T, conn Conn, want int) []byte {
	t.Helper()
	var got []byte
	buf := make([]byte, 64)
	deadline := time.Now().Add(500 * time.Millisecond)
	for len(got) < want && time.Now().Before(deadline) {
		n, err := conn.Read(buf, 20*time.Millisecond)
		require.NoError(t, err)
		got = append(got, buf[:n]...)
	}
	return got
}

func TestUnixTransport_BasicRead(t *testing.T) {
	master, conn := openPTY(t, DefaultConfig())

	_, err := master.Write([]byte("hello\n"))
	require.NoError(t, err)
	require.Equal(t, "hello\n", string(readFull(t, conn, 6)))
}

func TestUnixTransport_Write(t *testing.T) {
	master, conn := openPTY(t, DefaultConfig())

	line := "testline\r\n"
	n, err := conn.Write([]byte(line), 100*time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, len(line), n)

	buf := make([]byte, len(line))
	n, err = master.Read(buf)
	require.NoError(t, err)
	require.Equal(t, len(line), n)
	require.Equal(t, line, string(buf))
}

func TestUnixTransport_ReadTimeout(t *testing.T) {
	_, conn := openPTY(t, testConfig)

	start := time.Now()
	n, err := conn.Read(make([]byte, 8), 0)
	require.NoError(t, err)
	require.Zero(t, n)
	require.Less(t, time.Since(start), 20*time.Millisecond)

	start = time.Now()
	n, err = conn.Read(make([]byte, 8), 30*time.Millisecond)
	require.NoError(t, err)
	require.Zero(t, n)
	require.GreaterOrEqual(t, time.Since(start), 25*time.Millisecond)
}

func TestUnixTransport_LineSettings(t *testing.T) {
	for _, cfg := range []Config{
		{BaudRate: 9600, DataBits: 7, Parity: ParityEven, StopBits: StopBitsOne},
		{BaudRate: 19200, DataBits: 5, Parity: ParityOdd, StopBits: StopBitsOnePointFive},
		{BaudRate: 921600, DataBits: 6, Parity: ParityNone, StopBits: StopBitsTwo},
	} {
		_, conn := openPTY(t, cfg)
		require.NoError(t, conn.Close())
	}

	_, err := UnixTransport{}.Open("/dev/null", Config{BaudRate: 12345, DataBits: 8})
	require.ErrorIs(t, err, ErrInvalidArgument)
	_, err = UnixTransport{}.Open("/nonexistent/tty", DefaultConfig())
	require.Error(t, err)
}

func TestUnixTransport_CloseIsIdempotent(t *testing.T) {
	_, conn := openPTY(t, DefaultConfig())
	require.NoError(t, conn.Close())
	require.NoError(t, conn.Close())
}

func TestRegistry_PTYScenario(t *testing.T) {
	reg := NewRegistry(WithTransport(UnixTransport{}))
	t.Cleanup(func() { reg.Close() })

	master, slave, err := pty.Open()
	require.NoError(t, err)
	t.Cleanup(func() { master.Close(); slave.Close() })

	h, err := reg.Init(slave.Name(), testConfig)
	require.NoError(t, err)
	require.NoError(t, reg.Connect(h))
	require.True(t, reg.IsConnected(h))

	recv := newCollector()
	require.NoError(t, reg.Start(h, recv.callback))

	_, err = master.Write([]byte{1, 2, 3, 4, 5})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return len(recv.bytes()) == 5
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, []byte{1, 2, 3, 4, 5}, recv.bytes())

	// Writes from the session arrive on the master side.
	_, err = reg.Write(h, []byte("pong\n"), 100*time.Millisecond)
	require.NoError(t, err)
	buf := make([]byte, 16)
	n, err := master.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "pong\n", string(buf[:n]))

	require.NoError(t, reg.Stop(h))
	require.Zero(t, reg.ActiveWorkers())
	require.NoError(t, reg.Deinit(h))
	require.False(t, reg.IsConnected(h))
}

func TestRegistry_PTYErrorPropagation(t *testing.T) {
	reg := NewRegistry(WithTransport(UnixTransport{}), WithPollInterval(5*time.Millisecond))
	t.Cleanup(func() { reg.Close() })

	master, slave, err := pty.Open()
	require.NoError(t, err)
	t.Cleanup(func() { slave.Close() })

	h, err := reg.Init(slave.Name(), DefaultConfig())
	require.NoError(t, err)
	require.NoError(t, reg.Connect(h))

	var failures atomic.Int32
	require.NoError(t, reg.AddOnErrorCallback(h, func(Handle, error) { failures.Add(1) }))
	require.NoError(t, reg.Start(h, func(Handle, []byte) {}))

	// Simulate device disconnect by closing master
	require.NoError(t, master.Close())

	require.Eventually(t, func() bool { return failures.Load() > 0 }, time.Second, 5*time.Millisecond)
	// The worker keeps running until told to stop.
	require.Equal(t, 1, reg.ActiveWorkers())
	require.NoError(t, reg.Deinit(h))
	require.Zero(t, reg.ActiveWorkers())
}
