package logger_test

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tubebroker/internal/logger"
)

func TestNew_WritesJSONWithFields(t *testing.T) {
	t.Parallel()

	out := filepath.Join(t.TempDir(), "broker.log")
	log, err := logger.New(logger.Config{Level: "info", OutputPaths: []string{out}})
	require.NoError(t, err)

	jobLog := log.With(logger.String("token", "abc"))
	jobLog.Debug("hidden")
	jobLog.Warn("Job failed", logger.Int("worker", 2), logger.Error(errors.New("boom")))
	_ = log.Sync()

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 1, "debug is below the configured level")

	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "Job failed", entry["msg"])
	assert.Equal(t, "warn", entry["level"])
	assert.Equal(t, "abc", entry["token"])
	assert.InDelta(t, 2.0, entry["worker"], 0)
	assert.Equal(t, "boom", entry["error"])
}

func TestNewNop(t *testing.T) {
	t.Parallel()

	log := logger.NewNop()
	log.With(logger.Bool("x", true)).Error("ignored")
	assert.NoError(t, log.Sync())
}
