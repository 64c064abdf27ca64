package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	timestampKey          = "timestamp"
	errMessageBuildLogger = "build logger"
)

// NewLogger builds a production JSON logger at the given level. Unknown levels fall back to info.
func NewLogger(level string) (*zap.Logger, error) {
	configuration := zap.NewProductionConfig()
	configuration.Level = zap.NewAtomicLevelAt(ParseLevel(level))
	configuration.EncoderConfig.TimeKey = timestampKey
	configuration.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	configuration.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder

	logger, err := configuration.Build()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", errMessageBuildLogger, err)
	}
	return logger, nil
}

// ParseLevel parses a zap level name.
func ParseLevel(level string) zapcore.Level {
	var parsed zapcore.Level
	if err := parsed.UnmarshalText([]byte(level)); err != nil {
		return zapcore.InfoLevel
	}
	return parsed
}
