package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogger(t *testing.T) {
	for _, level := range []string{"debug", "info", "warn", "error"} {
		logger, err := NewLogger(level, "json")
		require.NoError(t, err, level)
		assert.NotNil(t, logger)
	}

	logger, err := NewLogger("info", "console")
	require.NoError(t, err)
	assert.NotNil(t, logger)
}

func TestNewLoggerRejectsUnknownLevel(t *testing.T) {
	_, err := NewLogger("loud", "json")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "loud")
}
