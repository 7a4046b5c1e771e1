package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func restoreLogger(t *testing.T) {
	t.Helper()
	prev := log.Logger
	prevLevel := zerolog.GlobalLevel()
	t.Cleanup(func() {
		log.Logger = prev
		zerolog.SetGlobalLevel(prevLevel)
	})
}

func TestInit_LevelFollowsDebugFlag(t *testing.T) {
	restoreLogger(t)

	var buf bytes.Buffer
	require.NoError(t, Init(false, "", &buf))
	log.Debug().Msg("hidden")
	log.Info().Msg("shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"message":"shown"`)
	assert.Contains(t, buf.String(), `"caller"`)

	buf.Reset()
	require.NoError(t, Init(true, "", &buf))
	log.Debug().Msg("visible")
	assert.Contains(t, buf.String(), "visible")
}

func TestInit_WritesLogFile(t *testing.T) {
	restoreLogger(t)

	path := filepath.Join(t.TempDir(), "logs", "btserial.log")
	require.NoError(t, Init(false, path))
	log.Warn().Str("address", "00:11:22:33:44:AA").Msg("connect failed")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "connect failed")
	assert.Contains(t, string(data), "00:11:22:33:44:AA")
}

func TestInit_NoOutputs(t *testing.T) {
	restoreLogger(t)

	require.Error(t, Init(false, ""))
}
