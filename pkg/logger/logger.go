// Package logger builds the process-wide zap logger.
package logger

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger creates a JSON logger writing to stdout at level. The returned
// AtomicLevel allows the level to be changed at runtime.
func NewLogger(level string) (*zap.Logger, zap.AtomicLevel, error) {
	atom := zap.NewAtomicLevel()
	if level != "" {
		if err := atom.UnmarshalText([]byte(level)); err != nil {
			return nil, atom, fmt.Errorf("invalid log level %q: %w", level, err)
		}
	}

	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "time",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderConfig),
		zapcore.Lock(os.Stdout),
		atom,
	)
	logger := zap.New(core,
		zap.AddCaller(),
		zap.AddStacktrace(zapcore.ErrorLevel),
		zap.Fields(zap.String("service", "ratewarden")),
	)
	return logger, atom, nil
}
