package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected LogLevel
		wantErr  bool
	}{
		{"debug", LevelDebug, false},
		{"INFO", LevelInfo, false},
		{"", LevelInfo, false},
		{"warning", LevelWarn, false},
		{"error", LevelError, false},
		{"loud", LevelInfo, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			level, err := ParseLevel(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, level)
		})
	}
}

func TestLogLevelString(t *testing.T) {
	assert.Equal(t, "DEBUG", LevelDebug.String())
	assert.Equal(t, "WARN", LevelWarn.String())
	assert.Equal(t, "UNKNOWN", LogLevel(42).String())
}

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]interface{} {
	t.Helper()
	var out []map[string]interface{}
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		entry := map[string]interface{}{}
		require.NoError(t, json.Unmarshal([]byte(line), &entry))
		out = append(out, entry)
	}
	return out
}

func TestJSONLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&LoggerConfig{Level: LevelInfo, Format: "json", Output: &buf})

	logger.Debug(context.Background(), "hidden")
	logger.WithComponent("supervisor").
		With("worker_id", "abc").
		Warn(context.Background(), errors.New("signal: killed"), "Child process crashed.", "pid", 42)

	entries := decodeLines(t, &buf)
	require.Len(t, entries, 1)
	entry := entries[0]
	assert.Equal(t, "WARN", entry["level"])
	assert.Equal(t, "Child process crashed.", entry["msg"])
	assert.Equal(t, "supervisor", entry["component"])
	assert.Equal(t, "abc", entry["worker_id"])
	assert.Equal(t, "signal: killed", entry["error"])
	assert.EqualValues(t, 42, entry["pid"])
}

func TestTextLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&LoggerConfig{Level: LevelInfo, Format: "text", Output: &buf})

	logger.Info(context.Background(), "Starting server...")
	logger.Debug(context.Background(), "not shown")

	out := buf.String()
	assert.Contains(t, out, "Starting server...")
	assert.NotContains(t, out, "not shown")
}

func TestNewFileLogger(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "pock.log")

	fileLogger, err := NewFileLogger(DefaultConfig(), path, DefaultFileConfig())
	require.NoError(t, err)

	fileLogger.Info(context.Background(), "Server listening on http://127.0.0.1:3000")
	require.NoError(t, fileLogger.Close())

	assert.Equal(t, path, fileLogger.Path())
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "Server listening")
}

type mockLogger struct {
	infos  []string
	errors []string
}

func (m *mockLogger) Debug(ctx context.Context, msg string, fields ...interface{}) {}
func (m *mockLogger) Info(ctx context.Context, msg string, fields ...interface{}) {
	m.infos = append(m.infos, msg)
}
func (m *mockLogger) Warn(ctx context.Context, err error, msg string, fields ...interface{}) {}
func (m *mockLogger) Error(ctx context.Context, err error, msg string, fields ...interface{}) {
	m.errors = append(m.errors, msg)
}
func (m *mockLogger) With(fields ...interface{}) Logger {
	return m
}
func (m *mockLogger) WithComponent(component string) Logger {
	return m
}

func TestMultiLogger(t *testing.T) {
	a, b := &mockLogger{}, &mockLogger{}
	multi := NewMultiLogger(a, b)

	multi.WithComponent("shutdown").Info(context.Background(), "pock stopped.")
	multi.Error(context.Background(), errors.New("x"), "Clean up failed.")

	for _, m := range []*mockLogger{a, b} {
		assert.Equal(t, []string{"pock stopped."}, m.infos)
		assert.Equal(t, []string{"Clean up failed."}, m.errors)
	}
}

func TestSetup(t *testing.T) {
	logger, closer, err := Setup("debug", "json", "", "")
	require.NoError(t, err)
	assert.NotNil(t, logger)
	assert.NoError(t, closer.Close())

	path := filepath.Join(t.TempDir(), "pock.log")
	logger, closer, err = Setup("info", "text", path, "worker")
	require.NoError(t, err)
	logger.Info(context.Background(), "written to file too")
	require.NoError(t, closer.Close())
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "written to file too")

	_, _, err = Setup("nope", "text", "", "")
	assert.Error(t, err)
}
