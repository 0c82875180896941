package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		" error ": slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range cases {
		assert.Equal(t, want, ParseLevel(in), in)
	}
}

func TestNewWithWriter(t *testing.T) {
	t.Run("json", func(t *testing.T) {
		var buf bytes.Buffer
		logger := NewWithWriter(&buf, "json", "info")

		logger.Debug("hidden")
		logger.Info("relayed", "messageId", "abc")

		var entry map[string]any
		require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
		assert.Equal(t, "relayed", entry["msg"])
		assert.Equal(t, "abc", entry["messageId"])
	})

	t.Run("text", func(t *testing.T) {
		var buf bytes.Buffer
		logger := NewWithWriter(&buf, "text", "debug")

		logger.Debug("declared", "queue", "orders.OrderPlaced")

		assert.Contains(t, buf.String(), "msg=declared")
		assert.Contains(t, buf.String(), "queue=orders.OrderPlaced")
		assert.Contains(t, buf.String(), "source=")
	})
}
