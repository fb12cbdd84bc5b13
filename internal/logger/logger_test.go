package logger

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestComponentField(t *testing.T) {
	var buf bytes.Buffer
	l := NewWriter(&buf, "dispatch")
	l.Infow("accepted", map[string]any{"requestId": "r1"})

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	require.Equal(t, "dispatch", line["component"])
	require.Equal(t, "r1", line["requestId"])
	require.Equal(t, "accepted", line["message"])
}

func TestNopLogger(t *testing.T) {
	var l Logger = NopLogger{}
	l.Errorf("ignored %d", 1)
	require.NotNil(t, l.With("x"))
}
