package main

import (
	"bytes"
	"net"
	"strings"
	"testing"
	"time"

	serial "github.com/luhtfiimanal/go-serial-session"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	lvl, ok := parseLevel("WARNING")
	require.True(t, ok)
	require.Equal(t, zerolog.WarnLevel, lvl)

	lvl, ok = parseLevel("off")
	require.True(t, ok)
	require.Equal(t, zerolog.Disabled, lvl)

	_, ok = parseLevel("loud")
	require.False(t, ok)
	_, ok = parseLevel("")
	require.False(t, ok)
}

func TestNewLogger_EnvOverride(t *testing.T) {
	t.Setenv(envLogLevel, "error")
	var buf bytes.Buffer
	log := newLogger(&buf, "debug")
	log.Info().Msg("hidden")
	log.Error().Msg("shown")
	require.NotContains(t, buf.String(), "hidden")
	require.Contains(t, buf.String(), "shown")
}

func TestBuildPayload(t *testing.T) {
	b, err := buildPayload("C,START", "", `\r\n`)
	require.NoError(t, err)
	require.Equal(t, "C,START\r\n", string(b))

	b, err = buildPayload("", "0102ff", "")
	require.NoError(t, err)
	require.Equal(t, []byte{0x01, 0x02, 0xff}, b)

	_, err = buildPayload("a", "01", "")
	require.Error(t, err)
	_, err = buildPayload("", "zz", "")
	require.Error(t, err)
	_, err = buildPayload("", "", "")
	require.Error(t, err)
}

func TestPrintPorts(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, printPorts(&buf, nil))
	require.Contains(t, buf.String(), "no serial ports")

	buf.Reset()
	require.NoError(t, printPorts(&buf, []serial.PortInfo{
		{Name: "/dev/ttyUSB0", FriendlyName: "CP2102 (/dev/ttyUSB0)", SerialNumber: "0001"},
	}))
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	require.Contains(t, lines[1], "CP2102")
	require.Contains(t, lines[1], "0001")
}

func TestChunkPrinter(t *testing.T) {
	var buf bytes.Buffer
	p := &chunkPrinter{w: &buf}
	p.print(1, []byte("abc"))
	require.Equal(t, "abc", buf.String())

	buf.Reset()
	p.hex = true
	p.print(1, []byte{0xde, 0xad})
	require.Contains(t, buf.String(), "de ad")
}

func TestEcho(t *testing.T) {
	device, user := net.Pipe()
	done := make(chan error, 1)
	go func() { done <- echo(device, zerolog.Nop()) }()

	user.SetDeadline(time.Now().Add(time.Second))
	_, err := user.Write([]byte("ping"))
	require.NoError(t, err)
	buf := make([]byte, 4)
	_, err = user.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "ping", string(buf))

	require.NoError(t, user.Close())
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("echo did not return after close")
	}
}
