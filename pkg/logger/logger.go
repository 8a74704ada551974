package logger

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds the process logger. "debug" gets a development console logger,
// every other level a production JSON logger. Unknown levels fall back to
// info.
func New(level string) *zap.Logger {
	return NewWithFormat(level, "")
}

// NewWithFormat is New with an explicit encoding, "json" or "console".
// An empty format picks the encoding from the level.
func NewWithFormat(level, format string) *zap.Logger {
	lvl := ParseLevel(level)

	cfg := zap.NewProductionConfig()
	if lvl == zapcore.DebugLevel {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.EncoderConfig.TimeKey = "timestamp"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	switch strings.ToLower(format) {
	case "json", "console":
		cfg.Encoding = strings.ToLower(format)
	}

	logger, err := cfg.Build(zap.AddCaller())
	if err != nil {
		// Only reachable with a broken sink; keep logging to stderr.
		core := zapcore.NewCore(
			zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()),
			zapcore.Lock(os.Stderr),
			lvl,
		)
		logger = zap.New(core)
		logger.Warn("falling back to stderr logger", zap.Error(err))
	}
	return logger
}

// ParseLevel maps a config level name to a zap level.
func ParseLevel(level string) zapcore.Level {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(strings.ToLower(strings.TrimSpace(level)))); err != nil {
		return zapcore.InfoLevel
	}
	return lvl
}
