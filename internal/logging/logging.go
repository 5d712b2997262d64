// Package logging sets up the structured logger used throughout the
// collection lifecycle (open/rotate/dump/recover/close): a level string
// parsed into a zapcore.Level, a JSON encoder writing to stderr, and
// zap.AddCaller() on by default.
package logging

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Level is the string form accepted from config files/flags.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

func (l Level) zapLevel() zapcore.Level {
	switch strings.ToLower(string(l)) {
	case string(LevelDebug):
		return zapcore.DebugLevel
	case string(LevelWarn):
		return zapcore.WarnLevel
	case string(LevelError):
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

func encoderConfig() zapcore.EncoderConfig {
	return zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "message",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
}

// New builds a JSON-encoded zap.Logger at the given level, writing to
// stderr, with caller info attached.
func New(level Level) *zap.Logger {
	core := zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig()), zapcore.Lock(zapcore.AddSync(os.Stderr)), level.zapLevel())
	return zap.New(core, zap.AddCaller())
}

// Named scopes a logger to a component name; collection.Open uses it to
// tag the collection's log lines with "collection".
func Named(base *zap.Logger, name string) *zap.Logger {
	return base.Named(name)
}
