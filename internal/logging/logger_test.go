package logging_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/torii-labs/torii/internal/logging"
)

func TestParseLevel(t *testing.T) {
	testCases := []struct {
		input    string
		expected zapcore.Level
	}{
		{input: "debug", expected: zapcore.DebugLevel},
		{input: "WARN", expected: zapcore.WarnLevel},
		{input: "error", expected: zapcore.ErrorLevel},
		{input: "", expected: zapcore.InfoLevel},
		{input: "verbose", expected: zapcore.InfoLevel},
	}
	for _, testCase := range testCases {
		testCase := testCase
		t.Run(testCase.input, func(t *testing.T) {
			assert.Equal(t, testCase.expected, logging.ParseLevel(testCase.input))
		})
	}
}

func TestNewLogger(t *testing.T) {
	logger, err := logging.NewLogger("warn")
	require.NoError(t, err)
	assert.False(t, logger.Core().Enabled(zapcore.InfoLevel))
	assert.True(t, logger.Core().Enabled(zapcore.WarnLevel))
}
