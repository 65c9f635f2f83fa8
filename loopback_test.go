package serial

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoopback_PairTransfersBothWays(t *testing.T) {
	lb := NewLoopback()
	require.NoError(t, lb.Pair("a", "b"))

	a, err := lb.Open("a", testConfig)
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	b, err := lb.Open("b", testConfig)
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })

	n, err := a.Write([]byte("ping"), 0)
	require.NoError(t, err)
	require.Equal(t, 4, n)

	buf := make([]byte, 2)
	n, err = b.Read(buf, 10*time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, "pi", string(buf[:n]))
	n, err = b.Read(buf, 0)
	require.NoError(t, err)
	require.Equal(t, "ng", string(buf[:n]))

	_, err = b.Write([]byte("pong"), 0)
	require.NoError(t, err)
	buf = make([]byte, 16)
	n, err = a.Read(buf, 10*time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, "pong", string(buf[:n]))
}

func TestLoopback_OpenRules(t *testing.T) {
	lb := NewLoopback()
	require.NoError(t, lb.Pair("a", "b"))
	require.ErrorIs(t, lb.Pair("a", "c"), ErrInvalidArgument)
	require.ErrorIs(t, lb.Pair("x", "x"), ErrInvalidArgument)

	_, err := lb.Open("missing", testConfig)
	require.Error(t, err)
	_, err = lb.Open("a", Config{})
	require.ErrorIs(t, err, ErrInvalidArgument)

	a, err := lb.Open("a", testConfig)
	require.NoError(t, err)
	_, err = lb.Open("a", testConfig)
	require.Error(t, err)

	require.NoError(t, a.Close())
	require.NoError(t, a.Close())
	_, err = a.Read(make([]byte, 1), 0)
	require.ErrorIs(t, err, errConnClosed)
	_, err = a.Write([]byte{1}, 0)
	require.ErrorIs(t, err, errConnClosed)

	again, err := lb.Open("a", testConfig)
	require.NoError(t, err)
	require.NoError(t, again.Close())
}

func TestLoopback_CloseWakesReader(t *testing.T) {
	lb := NewLoopback()
	require.NoError(t, lb.Pair("a", "b"))
	a, err := lb.Open("a", testConfig)
	require.NoError(t, err)

	errs := make(chan error, 1)
	go func() {
		_, err := a.Read(make([]byte, 1), time.Minute)
		errs <- err
	}()
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, a.Close())

	select {
	case err := <-errs:
		require.ErrorIs(t, err, errConnClosed)
	case <-time.After(time.Second):
		t.Fatal("read not woken by close")
	}
}
