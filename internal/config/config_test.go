package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoad_Defaults(t *testing.T) {
	for _, k := range []string{"SERVER_PORT", "TIMER_WARNING_SECONDS", "HIGH_RISK_WARNINGS", "PROCTORING_ENABLED", "ALLOWED_ORIGINS"} {
		t.Setenv(k, "")
	}

	cfg := Load()

	assert.Equal(t, "8080", cfg.ServerPort)
	assert.Equal(t, 300*time.Second, cfg.TimerWarning)
	assert.Equal(t, 3, cfg.HighRiskWarnings)
	assert.Equal(t, 10*time.Second, cfg.CameraOpenTimeout)
	assert.True(t, cfg.Proctoring.Enabled)
	assert.Equal(t, 30, cfg.Proctoring.WebcamInterval)
	assert.Nil(t, cfg.AllowedOrigins)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("TIMER_WARNING_SECONDS", "60")
	t.Setenv("PROCTORING_ENABLED", "false")
	t.Setenv("PROCTORING_WEBCAM_INTERVAL", "15")
	t.Setenv("HIGH_RISK_WARNINGS", "not-a-number")
	t.Setenv("ALLOWED_ORIGINS", " https://exam.example.org, ,https://proctor.example.org ")

	cfg := Load()

	assert.Equal(t, time.Minute, cfg.TimerWarning)
	assert.False(t, cfg.Proctoring.Enabled)
	assert.Equal(t, 15, cfg.Proctoring.WebcamInterval)
	assert.Equal(t, 3, cfg.HighRiskWarnings)
	assert.Equal(t, []string{"https://exam.example.org", "https://proctor.example.org"}, cfg.AllowedOrigins)
}

func TestCacheKeys(t *testing.T) {
	assert.Equal(t, "exam:e1:monitor", CacheKey.ExamMonitorChannel("e1"))
	assert.Equal(t, "exam:e1:control", CacheKey.ExamControlChannel("e1"))
	assert.Equal(t, "attempt:a1:answers", CacheKey.AttemptAnswersKey("a1"))
}
