// File: internal/observability/logger_test.go
package observability

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/taskfleet/agent/internal/config"
)

// setupTestLogger initializes the global logger to write to a buffer.
func setupTestLogger(cfg config.LoggerConfig) *bytes.Buffer {
	buf := new(bytes.Buffer)
	Initialize(cfg, zapcore.AddSync(buf))
	return buf
}

func TestInitializeLogger(t *testing.T) {

	t.Run("console logger with colors", func(t *testing.T) {
		ResetForTest()

		cfg := config.LoggerConfig{
			Level:       "debug",
			Format:      "console",
			ServiceName: "test-agent",
			Colors:      config.ColorConfig{Info: "green"},
		}
		buf := setupTestLogger(cfg)

		GetLogger().Info("connection established")
		Sync()

		output := buf.String()
		assert.Contains(t, output, "INFO")
		assert.Contains(t, output, "connection established")
		assert.Contains(t, output, colorGreen)
		assert.Contains(t, output, colorReset)
	})

	t.Run("json logger", func(t *testing.T) {
		ResetForTest()

		cfg := config.LoggerConfig{
			Level:       "info",
			Format:      "json",
			ServiceName: "json-agent",
		}
		buf := setupTestLogger(cfg)

		GetLogger().Warn("heartbeat delayed", zap.String("device_id", "device-1"))
		Sync()

		var entry map[string]interface{}
		require.NoError(t, json.Unmarshal(buf.Bytes(), &entry), "log output should be valid JSON")
		assert.Equal(t, "WARN", entry["level"])
		assert.Equal(t, "json-agent", entry["logger"])
		assert.Equal(t, "heartbeat delayed", entry["msg"])
		assert.Equal(t, "device-1", entry["device_id"])
	})

	t.Run("file output when configured", func(t *testing.T) {
		ResetForTest()

		logFile := filepath.Join(t.TempDir(), "agent.log")
		cfg := config.LoggerConfig{
			Level:   "debug",
			Format:  "json",
			LogFile: logFile,
			MaxSize: 1,
		}
		Initialize(cfg, zapcore.AddSync(io.Discard))

		GetLogger().Error("task failed")
		Sync()

		content, err := os.ReadFile(logFile)
		require.NoError(t, err)
		assert.Contains(t, string(content), "task failed")
	})

	t.Run("initializes exactly once", func(t *testing.T) {
		ResetForTest()

		buf1 := setupTestLogger(config.LoggerConfig{Level: "info", Format: "console", ServiceName: "first"})
		first := GetLogger()

		buf2 := setupTestLogger(config.LoggerConfig{Level: "debug", Format: "console", ServiceName: "second"})
		second := GetLogger()

		assert.Same(t, first, second)

		second.Info("routed to the first writer")
		Sync()
		assert.Contains(t, buf1.String(), "routed to the first writer")
		assert.Empty(t, buf2.String())
	})

	t.Run("invalid level falls back to info", func(t *testing.T) {
		ResetForTest()

		buf := setupTestLogger(config.LoggerConfig{Level: "loudest", Format: "console", ServiceName: "fallback"})

		GetLogger().Debug("should be suppressed")
		GetLogger().Info("should appear")
		Sync()

		output := buf.String()
		assert.NotContains(t, output, "should be suppressed")
		assert.Contains(t, output, "should appear")
	})
}

func TestGetLoggerBeforeInitialize(t *testing.T) {
	ResetForTest()
	t.Cleanup(ResetForTest)

	logger := GetLogger()
	require.NotNil(t, logger)
}
