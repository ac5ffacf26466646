package observability

import (
	"bufio"
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/v0xg/bddscout/internal/config"
)

func TestConsoleLoggerColors(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(config.LoggerConfig{
		Level:       "debug",
		Format:      "console",
		ServiceName: "bddscout",
		Colors:      true,
	}, zapcore.AddSync(&buf))

	logger.Named("probe").Info("candidate confirmed", zap.String("text", "Store"))
	require.NoError(t, logger.Sync())

	out := buf.String()
	assert.Contains(t, out, colorBlue+"INFO"+colorReset)
	assert.Contains(t, out, "bddscout.probe.")
	assert.Contains(t, out, "candidate confirmed")
	assert.Contains(t, out, `"text": "Store"`)
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(config.LoggerConfig{Level: "warn"}, zapcore.AddSync(&buf))

	logger.Info("hidden")
	logger.Warn("shown")
	require.NoError(t, logger.Sync())

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")
}

func TestInvalidLevelFallsBackToInfo(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(config.LoggerConfig{Level: "loud"}, zapcore.AddSync(&buf))

	logger.Debug("debug line")
	logger.Info("info line")
	require.NoError(t, logger.Sync())

	assert.NotContains(t, buf.String(), "debug line")
	assert.Contains(t, buf.String(), "info line")
}

func TestFileCoreWritesJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bddscout.log")
	var console bytes.Buffer
	logger := NewLogger(config.LoggerConfig{
		Level:   "info",
		Format:  "console",
		LogFile: path,
		MaxSize: 1,
	}, zapcore.AddSync(&console))

	logger.Info("run completed", zap.Int64("run_id", 7))
	require.NoError(t, logger.Sync())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	scanner := bufio.NewScanner(f)
	require.True(t, scanner.Scan())
	var entry map[string]any
	require.NoError(t, json.Unmarshal(scanner.Bytes(), &entry))
	assert.Equal(t, "INFO", entry["level"])
	assert.Equal(t, "run completed", entry["msg"])
	assert.EqualValues(t, 7, entry["run_id"])
}
