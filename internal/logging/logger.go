package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is a structured logger used throughout the application.
type Logger struct {
	*zap.SugaredLogger
}

// Config holds configuration for the logger.
type Config struct {
	Level    string
	Encoding string

	// File is an optional extra sink next to stderr.
	File string
}

// DefaultConfig returns a console logger at info level.
func DefaultConfig() Config {
	return Config{
		Level:    "info",
		Encoding: "console",
	}
}

// New creates a new logger with the given configuration.
func New(cfg Config) (*Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}

	var zapConfig zap.Config
	if cfg.Encoding == "json" {
		zapConfig = zap.NewProductionConfig()
		zapConfig.EncoderConfig.TimeKey = "timestamp"
	} else {
		zapConfig = zap.NewDevelopmentConfig()
		zapConfig.Encoding = "console"
		zapConfig.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	}
	zapConfig.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	zapConfig.Level = zap.NewAtomicLevelAt(level)
	zapConfig.DisableStacktrace = true

	zapConfig.OutputPaths = []string{"stderr"}
	if cfg.File != "" {
		zapConfig.OutputPaths = append(zapConfig.OutputPaths, cfg.File)
	}

	zapLogger, err := zapConfig.Build(zap.AddCaller())
	if err != nil {
		return nil, fmt.Errorf("building zap logger: %w", err)
	}

	return &Logger{zapLogger.Sugar()}, nil
}

// Nop returns a logger that discards everything. Used by tests.
func Nop() *Logger {
	return &Logger{zap.NewNop().Sugar()}
}

// WithField adds a field to the logger context.
func (l *Logger) WithField(key string, value interface{}) *Logger {
	return &Logger{l.With(key, value)}
}

// WithError adds an error field to the logger context.
func (l *Logger) WithError(err error) *Logger {
	return &Logger{l.With("error", err)}
}
