package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewJSON(t *testing.T) {
	var buf bytes.Buffer
	log, err := New("warn", "json", &buf)
	require.NoError(t, err)

	log.Info().Msg("hidden")
	log.Warn().Str("stage", "enrichment").Msg("degraded")

	var line map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line))
	assert.Equal(t, "warn", line["level"])
	assert.Equal(t, "enrichment", line["stage"])
	assert.Equal(t, "degraded", line["message"])
}

func TestNewConsole(t *testing.T) {
	var buf bytes.Buffer
	log, err := New("", "text", &buf)
	require.NoError(t, err)

	log.Debug().Msg("hidden")
	log.Info().Int("events", 3).Msg("synced")
	assert.Contains(t, buf.String(), "synced")
	assert.Contains(t, buf.String(), "events=3")
	assert.NotContains(t, buf.String(), "hidden")
}

func TestNewBadLevel(t *testing.T) {
	_, err := New("loud", "json", &bytes.Buffer{})
	assert.Error(t, err)
}
