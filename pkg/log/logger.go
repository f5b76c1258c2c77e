// Package log provides the structured logger shared by the advisor runtime,
// server, and CLI. It wraps zap's sugared logger behind a narrow interface so
// callers can substitute their own implementation when embedding.
package log

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger is the subset of structured logging used across the service.
type Logger interface {
	Debugw(msg string, keysAndValues ...any)
	Infow(msg string, keysAndValues ...any)
	Warnw(msg string, keysAndValues ...any)
	Errorw(msg string, keysAndValues ...any)
}

// Options configures a logger built with New.
type Options struct {
	Level      string
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

var (
	once       sync.Once
	logger     *zap.SugaredLogger
	syncLogger = func() error { return nil }
)

// Shared returns the lazily initialised process-wide logger.
func Shared() Logger {
	return sugared()
}

// Zap exposes the process-wide sugared logger for callers needing the full zap API.
func Zap() *zap.SugaredLogger {
	return sugared()
}

func sugared() *zap.SugaredLogger {
	once.Do(func() {
		base, err := productionConfig(zapcore.InfoLevel).Build()
		if err != nil {
			panic(err)
		}
		logger = base.Sugar()
		syncLogger = base.Sync
	})

	return logger
}

// New builds a logger honouring the supplied level and optional rotating file
// output. The returned sync function flushes buffered entries.
func New(opts Options) (Logger, func() error, error) {
	level, err := parseLevel(opts.Level)
	if err != nil {
		return nil, nil, err
	}

	if strings.TrimSpace(opts.File) == "" {
		base, err := productionConfig(level).Build()
		if err != nil {
			return nil, nil, fmt.Errorf("build logger: %w", err)
		}
		return base.Sugar(), wrapSync(base.Sync), nil
	}

	rotator := &lumberjack.Logger{
		Filename:   opts.File,
		MaxSize:    opts.MaxSizeMB,
		MaxBackups: opts.MaxBackups,
		MaxAge:     opts.MaxAgeDays,
		Compress:   opts.Compress,
	}

	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderConfig()),
		zapcore.AddSync(rotator),
		zap.NewAtomicLevelAt(level),
	)
	base := zap.New(core, zap.AddCaller())

	syncFn := func() error {
		syncErr := base.Sync()
		closeErr := rotator.Close()
		if syncErr != nil {
			return syncErr
		}
		return closeErr
	}

	return base.Sugar(), wrapSync(syncFn), nil
}

// Sync flushes any buffered log entries of the shared logger.
func Sync() error {
	return wrapSync(syncLogger)()
}

func productionConfig(level zapcore.Level) zap.Config {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)
	cfg.EncoderConfig = encoderConfig()
	return cfg
}

func encoderConfig() zapcore.EncoderConfig {
	enc := zap.NewProductionEncoderConfig()
	enc.TimeKey = "time"
	enc.MessageKey = "msg"
	enc.LevelKey = "level"
	enc.EncodeTime = zapcore.ISO8601TimeEncoder
	return enc
}

func parseLevel(value string) (zapcore.Level, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return zapcore.InfoLevel, nil
	}
	level, err := zapcore.ParseLevel(strings.ToLower(value))
	if err != nil {
		return zapcore.InfoLevel, fmt.Errorf("invalid log level %q: %w", value, err)
	}
	return level, nil
}

func wrapSync(fn func() error) func() error {
	return func() error {
		if err := fn(); err != nil {
			// stdout/stderr cannot be fsynced on most platforms.
			msg := err.Error()
			if strings.Contains(msg, "bad file descriptor") || strings.Contains(msg, "invalid argument") || strings.Contains(msg, "inappropriate ioctl") {
				return nil
			}
			if pathErr, ok := err.(*os.PathError); ok && (pathErr.Path == "/dev/stderr" || pathErr.Path == "/dev/stdout") {
				return nil
			}
			return err
		}
		return nil
	}
}
