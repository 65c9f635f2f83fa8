package serial

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStatusOf(t *testing.T) {
	require.Equal(t, StatusSuccess, StatusOf(nil))
	require.Equal(t, StatusFailed, StatusOf(ErrInvalidHandle))
	require.Equal(t, "eSUCCESS", StatusSuccess.String())
	require.Equal(t, "eFAILED", StatusFailed.String())
}

func TestNewResponse(t *testing.T) {
	ok := NewResponse(5, nil)
	require.Equal(t, Response{Status: StatusSuccess, Bytes: 5}, ok)

	failed := NewResponse(2, fmt.Errorf("%w: write: boom", ErrTransport))
	require.Equal(t, StatusFailed, failed.Status)
	require.Equal(t, 2, failed.Bytes)
	require.Contains(t, failed.Error, "boom")

	raw, err := json.Marshal(ok)
	require.NoError(t, err)
	require.JSONEq(t, `{"status":0,"bytes":5}`, string(raw))
}
