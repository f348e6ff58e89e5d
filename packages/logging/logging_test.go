package logging_test

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"harvester/packages/logging"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, logging.ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, logging.ParseLevel("warn"))
	assert.Equal(t, slog.LevelError, logging.ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, logging.ParseLevel("verbose"))
}

func TestHandlerWritesServiceAndNanoTime(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(logging.NewHandler(&buf, slog.LevelInfo, "harvester-crawl"))

	logger.Debug("hidden")
	logger.Info("Shard harvested", "shard", 3)

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "harvester-crawl", rec["service"])
	assert.Equal(t, "Shard harvested", rec["msg"])
	assert.InDelta(t, 3, rec["shard"], 0)

	_, err := time.Parse(time.RFC3339Nano, rec["time"].(string))
	assert.NoError(t, err)
}
