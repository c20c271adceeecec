package utils

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBufferLogger(level LogLevel) (*Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	return NewLogger(LoggerConfig{Level: level, Component: "ring", Output: &buf}), &buf
}

func TestLoggerFormatsFields(t *testing.T) {
	logger, buf := newBufferLogger(DEBUG)

	logger.Info("published",
		Uint32("tick", 7),
		String("path", "/dev/shm/ring"),
		Duration("took", 1500*time.Microsecond),
		Err(errors.New("boom")),
	)

	line := buf.String()
	assert.Contains(t, line, "[INFO ] [ring] published")
	assert.Contains(t, line, "tick=7")
	assert.Contains(t, line, `path="/dev/shm/ring"`)
	assert.Contains(t, line, "took=1.5ms")
	assert.Contains(t, line, `error="boom"`)
	assert.True(t, strings.HasSuffix(line, "\n"))
	assert.NotContains(t, line, "\033[", "color is off unless asked for")
}

func TestLoggerLevelFilter(t *testing.T) {
	logger, buf := newBufferLogger(WARN)

	logger.Debug("hidden")
	logger.Info("hidden")
	logger.Warn("shown")
	logger.Error("shown too")

	assert.Equal(t, 2, strings.Count(buf.String(), "\n"))
	assert.False(t, logger.Enabled(INFO))
	assert.True(t, logger.Enabled(ERROR))
}

func TestLoggerWithAndNamed(t *testing.T) {
	parent, buf := newBufferLogger(INFO)
	child := parent.With(String("session", "abc")).Named("follower")

	child.Info("attached", Int("slots", 4))
	parent.Info("plain")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "[follower] attached session=\"abc\" slots=4")
	assert.Contains(t, lines[1], "[ring] plain")
	assert.NotContains(t, lines[1], "session")
}

func TestNopLogger(t *testing.T) {
	logger := NopLogger()
	assert.False(t, logger.Enabled(FATAL))
	logger.Error("nothing happens")
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want LogLevel
	}{
		{"debug", DEBUG},
		{"", INFO},
		{" Info ", INFO},
		{"warning", WARN},
		{"WARN", WARN},
		{"error", ERROR},
		{"fatal", FATAL},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	_, err := ParseLevel("verbose")
	assert.Error(t, err)
	assert.Equal(t, "LEVEL(9)", LogLevel(9).String())
}
