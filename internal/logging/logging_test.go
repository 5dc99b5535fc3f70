package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAutoFormatIsJSONOffTerminal(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(Config{Level: "info", Format: "auto", Output: &buf, Service: "evotune"})
	require.NoError(t, err)

	logger.Debug("hidden")
	logger.Info("fit started", "batches", 3)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)
	var rec map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &rec))
	assert.Equal(t, "fit started", rec["msg"])
	assert.Equal(t, "evotune", rec["service"])
	assert.EqualValues(t, 3, rec["batches"])
}

func TestTextFormat(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(Config{Level: "debug", Format: "text", Output: &buf})
	require.NoError(t, err)
	logger.Debug("step", "loss", 1.5)
	assert.Contains(t, buf.String(), "msg=step")
	assert.Contains(t, buf.String(), "loss=1.5")
}

func TestParseLevel(t *testing.T) {
	for name, want := range map[string]slog.Level{"": slog.LevelInfo, "DEBUG": slog.LevelDebug, "warning": slog.LevelWarn, "error": slog.LevelError} {
		got, err := ParseLevel(name)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseLevel("loud")
	require.Error(t, err)
	_, err = New(Config{Format: "xml"})
	require.Error(t, err)
}

func TestIsTerminalRejectsBuffers(t *testing.T) {
	assert.False(t, IsTerminal(&bytes.Buffer{}))
	Discard().Error("dropped")
}
