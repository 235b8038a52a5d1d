// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// Tests for the structured logging package

package logging

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLevelString(t *testing.T) {
	assert.Equal(t, "DEBUG", LevelDebug.String())
	assert.Equal(t, "INFO", LevelInfo.String())
	assert.Equal(t, "WARN", LevelWarn.String())
	assert.Equal(t, "ERROR", LevelError.String())
	assert.Equal(t, "UNKNOWN", Level(42).String())
}

func TestNew_FileLogging(t *testing.T) {
	dir := t.TempDir()
	logger := New(Config{
		Level:   LevelInfo,
		LogDir:  dir,
		Service: "moderator",
		Quiet:   true,
	})

	logger.Info("review resolved", "message_id", "msg-1", "disposition", "approved")
	require.NoError(t, logger.Close())

	expected := filepath.Join(dir,
		"moderator_"+time.Now().Format("2006-01-02")+".log")
	data, err := os.ReadFile(expected)
	require.NoError(t, err)

	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(strings.SplitN(string(data), "\n", 2)[0]), &entry))
	assert.Equal(t, "review resolved", entry["msg"])
	assert.Equal(t, "moderator", entry["service"])
	assert.Equal(t, "msg-1", entry["message_id"])
}

func TestNew_LevelFilter(t *testing.T) {
	dir := t.TempDir()
	logger := New(Config{
		Level:   LevelWarn,
		LogDir:  dir,
		Service: "moderator",
		Quiet:   true,
	})

	logger.Info("should be filtered")
	logger.Warn("should appear")
	require.NoError(t, logger.Close())

	data, err := os.ReadFile(filepath.Join(dir,
		"moderator_"+time.Now().Format("2006-01-02")+".log"))
	require.NoError(t, err)
	assert.NotContains(t, string(data), "should be filtered")
	assert.Contains(t, string(data), "should appear")
}

func TestWith_AddsAttributes(t *testing.T) {
	dir := t.TempDir()
	logger := New(Config{
		LogDir:  dir,
		Service: "moderator",
		Quiet:   true,
	})
	child := logger.With("conversation_id", "conv-1")
	child.Info("turn started")
	require.NoError(t, logger.Close())

	data, err := os.ReadFile(filepath.Join(dir,
		"moderator_"+time.Now().Format("2006-01-02")+".log"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "conv-1")
}

func TestExporter_ReceivesEntries(t *testing.T) {
	exporter := NewBufferedExporter()
	logger := New(Config{
		Level:    LevelInfo,
		Service:  "moderator",
		Quiet:    true,
		Exporter: exporter,
	})

	logger.Info("audit fallback", "reason", "credentials_exhausted")
	require.NoError(t, logger.Close())

	// Export runs async; give it a moment.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(exporter.Entries()) > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	entries := exporter.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, "audit fallback", entries[0].Message)
	assert.Equal(t, LevelInfo, entries[0].Level)
	assert.Equal(t, "credentials_exhausted", entries[0].Attrs["reason"])
}

func TestArgsToMap(t *testing.T) {
	m := argsToMap([]any{"a", 1, "b", "two", 3, "odd key dropped"})
	assert.Equal(t, 1, m["a"])
	assert.Equal(t, "two", m["b"])
	assert.Len(t, m, 2)
}
