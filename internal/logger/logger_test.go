package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"bitfinex-margin-balancer/internal/config"
)

func TestNewLogger_FormatSelectsEncoder(t *testing.T) {
	for _, format := range []string{"console", "json", ""} {
		log, err := NewLogger(config.Logger{Level: "debug", Format: format})
		assert.NoError(t, err, "format %q", format)
		assert.NotNil(t, log)
		assert.True(t, log.Core().Enabled(zap.DebugLevel))
	}
}

func TestNewLogger_LevelApplied(t *testing.T) {
	log, err := NewLogger(config.Logger{Level: "warn", Format: "console"})
	assert.NoError(t, err)
	assert.False(t, log.Core().Enabled(zap.InfoLevel))
	assert.True(t, log.Core().Enabled(zap.WarnLevel))
}

func TestNewLogger_InvalidLevelRejected(t *testing.T) {
	_, err := NewLogger(config.Logger{Level: "verbose", Format: "console"})
	assert.Error(t, err)
}
