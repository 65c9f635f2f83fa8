package serial

import (
	"testing"

	"github.com/stretchr/testify/require"
	bugst "go.bug.st/serial"
)

func TestBugstMode(t *testing.T) {
	mode := bugstMode(Config{BaudRate: 57600, DataBits: 7, Parity: ParityEven, StopBits: StopBitsOnePointFive})
	require.Equal(t, 57600, mode.BaudRate)
	require.Equal(t, 7, mode.DataBits)
	require.Equal(t, bugst.EvenParity, mode.Parity)
	require.Equal(t, bugst.OnePointFiveStopBits, mode.StopBits)

	mode = bugstMode(DefaultConfig())
	require.Equal(t, bugst.NoParity, mode.Parity)
	require.Equal(t, bugst.OneStopBit, mode.StopBits)
	require.Equal(t, bugst.OddParity, convertParity(ParityOdd))
	require.Equal(t, bugst.TwoStopBits, convertStopBits(StopBitsTwo))
}

func TestBugstTransport_RejectsInvalidConfig(t *testing.T) {
	_, err := BugstTransport{}.Open("/dev/null", Config{BaudRate: 9600, DataBits: 3})
	require.ErrorIs(t, err, ErrInvalidArgument)
}
