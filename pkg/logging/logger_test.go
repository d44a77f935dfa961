package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []LogEntry {
	t.Helper()
	var entries []LogEntry
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var e LogEntry
		require.NoError(t, json.Unmarshal([]byte(line), &e), line)
		entries = append(entries, e)
	}
	return entries
}

func TestLoggerJSONOutput(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger("app", INFO, true)
	logger.SetOutput(&buf)

	logger.Debug("hidden")
	logger.WithField("component", "test").Info("hello", map[string]interface{}{"count": 2})

	entries := decodeLines(t, &buf)
	require.Len(t, entries, 1)
	assert.Equal(t, "INFO", entries[0].Level)
	assert.Equal(t, "app", entries[0].Logger)
	assert.Equal(t, "hello", entries[0].Message)
	assert.Equal(t, "test", entries[0].Fields["component"])
	assert.EqualValues(t, 2, entries[0].Fields["count"])
}

func TestLoggerWithContext(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger("app", DEBUG, true)
	logger.SetOutput(&buf)

	ctx := WithRequest(context.Background(), "abcd1234", "mark@example.org")
	logger.WithContext(ctx).Info("http.request")
	logger.WithContext(context.Background()).Info("startup")

	entries := decodeLines(t, &buf)
	require.Len(t, entries, 2)
	assert.Equal(t, "abcd1234", entries[0].RequestID)
	assert.Equal(t, "mark@example.org", entries[0].User)
	assert.Nil(t, entries[0].Fields)
	assert.Equal(t, "-", entries[1].RequestID)
	assert.Equal(t, "anonymous", entries[1].User)
}

func TestLoggerWithError(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger("app", DEBUG, true)
	logger.SetOutput(&buf)

	logger.WithError(errors.New("boom")).Error("failed")

	entries := decodeLines(t, &buf)
	require.Len(t, entries, 1)
	assert.Equal(t, "boom", entries[0].Fields["error"])
	assert.Equal(t, "*errors.errorString", entries[0].Fields["error_type"])
	assert.Same(t, logger, logger.WithError(nil))
}

func TestAuditor(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger("app", INFO, true)
	logger.SetOutput(&buf)
	audit := NewAuditor(logger)

	ctx := WithRequest(context.Background(), "r1", "u1")
	audit.Info(ctx, "email.filtered", map[string]interface{}{"reason": "calendar_invite"})

	entries := decodeLines(t, &buf)
	require.Len(t, entries, 1)
	assert.Equal(t, "audit", entries[0].Logger)
	assert.Equal(t, "email.filtered", entries[0].Message)
	assert.Equal(t, "email.filtered", entries[0].Fields["action"])
	assert.Equal(t, "calendar_invite", entries[0].Fields["reason"])
	assert.Equal(t, "r1", entries[0].RequestID)

	var nilAudit *Auditor
	nilAudit.Info(ctx, "ignored", nil)
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want Level
	}{
		{"debug", DEBUG},
		{"INFO", INFO},
		{"warning", WARN},
		{"Error", ERROR},
		{"critical", FATAL},
		{"", INFO},
		{"nonsense", INFO},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ParseLevel(tt.in), tt.in)
	}
}

func TestTextFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger("app", INFO, false)
	logger.SetOutput(&buf)

	logger.WithContext(WithRequest(context.Background(), "r9", "")).Warn("slow")

	out := buf.String()
	assert.Contains(t, out, "WARN app: slow")
	assert.Contains(t, out, "request_id=r9")
	assert.Contains(t, out, "user=anonymous")
}
