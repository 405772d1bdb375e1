package gwlog

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/joeycumines/stumpy"
	"github.com/stretchr/testify/require"
)

func TestLoggerEmitsCategory(t *testing.T) {
	var buf bytes.Buffer
	l := New([]stumpy.Option{stumpy.WithWriter(&buf), stumpy.WithTimeField("")})

	l.Info(CategoryConn).Str("fd", "7").Log("established")

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	require.Equal(t, "conn", decoded["cat"])
	require.Equal(t, "established", decoded["msg"])
}

func TestNoOpLoggerDiscardsEverything(t *testing.T) {
	l := NoOp()
	require.NotPanics(t, func() {
		l.Err(CategoryTLS).Err(nil).Log("should not be written anywhere")
	})
}

func TestDefaultLoggerSurvivesUnset(t *testing.T) {
	require.NotNil(t, Default())
}
