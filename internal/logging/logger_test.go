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

func TestLogger_JSONFields(t *testing.T) {
	var buf bytes.Buffer
	log := NewLoggerWithWriter(LevelInfo, FormatJSON, &buf)

	log.WithFields(map[string]interface{}{
		"user_id": "u1",
		"network": "mainnet",
	}).WithError(errors.New("boom")).Warn("tier read failed")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "tier read failed", entry["message"])
	assert.Equal(t, "warn", entry["level"])
	assert.Equal(t, "u1", entry["user_id"])
	assert.Equal(t, "mainnet", entry["network"])
	assert.Equal(t, "boom", entry["error"])
}

func TestLogger_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	log := NewLoggerWithWriter(LevelWarn, FormatText, &buf)

	log.Debug("hidden")
	log.Info("hidden too")
	log.Error("visible")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "visible")
	assert.Equal(t, 1, strings.Count(strings.TrimSpace(out), "\n")+1)
}

func TestFromContext(t *testing.T) {
	t.Run("falls back to global", func(t *testing.T) {
		assert.NotNil(t, FromContext(context.Background()))
	})

	t.Run("returns attached logger", func(t *testing.T) {
		l := NewNopLogger()
		ctx := WithLogger(context.Background(), l)
		assert.Same(t, l, FromContext(ctx))
	})
}

func TestParseLogLevel(t *testing.T) {
	assert.Equal(t, LevelWarn, ParseLogLevel("warning"))
	assert.Equal(t, LevelDebug, ParseLogLevel("debug"))
	assert.Equal(t, LevelInfo, ParseLogLevel("nonsense"))
	assert.Equal(t, FormatText, ParseLogFormat("console"))
	assert.Equal(t, FormatJSON, ParseLogFormat(""))
}
