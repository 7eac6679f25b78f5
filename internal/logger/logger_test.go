package logger

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_JSONFields(t *testing.T) {
	var buf bytes.Buffer
	log := Component(New(&buf, "debug", "json"), "timer")

	log.Info().Str("attempt_id", "a-1").Msg("Attempt started")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "exstem-proctor", entry["service"])
	assert.Equal(t, "timer", entry["component"])
	assert.Equal(t, "a-1", entry["attempt_id"])
	assert.Equal(t, "Attempt started", entry["message"])
}

func TestNew_InvalidLevelFallsBackToInfo(t *testing.T) {
	var buf bytes.Buffer
	New(&buf, "chatty", "json")
	assert.Equal(t, zerolog.InfoLevel, zerolog.GlobalLevel())
}
