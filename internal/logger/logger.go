// Package logger is the process-wide leveled logger used by every dittogw
// package. The printf-style API is backed by zap so operators can choose a
// human-readable console encoding or JSON.
package logger

import (
	"fmt"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

var (
	level = zap.NewAtomicLevelAt(zapcore.InfoLevel)

	// current holds the *zap.SugaredLogger used by the package functions.
	current atomic.Pointer[zap.SugaredLogger]
)

func init() {
	l, err := build("text", "stdout")
	if err != nil {
		l = zap.NewNop()
	}
	current.Store(l.Sugar())
}

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

func (l Level) zapLevel() zapcore.Level {
	switch l {
	case LevelDebug:
		return zapcore.DebugLevel
	case LevelWarn:
		return zapcore.WarnLevel
	case LevelError:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// ParseLevel converts a case-insensitive level name. Unknown names map to INFO.
func ParseLevel(s string) Level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return LevelDebug
	case "WARN":
		return LevelWarn
	case "ERROR":
		return LevelError
	default:
		return LevelInfo
	}
}

func SetLevel(s string) {
	level.SetLevel(ParseLevel(s).zapLevel())
}

// Configure replaces the active logger.
//
// format is "text" (console encoder) or "json"; output is "stdout", "stderr"
// or a file path.
func Configure(lvl, format, output string) error {
	SetLevel(lvl)

	l, err := build(format, output)
	if err != nil {
		return err
	}

	if old := current.Swap(l.Sugar()); old != nil {
		_ = old.Sync()
	}
	return nil
}

// Sync flushes buffered entries. Call before process exit.
func Sync() {
	if l := current.Load(); l != nil {
		_ = l.Sync()
	}
}

// Zap exposes the underlying logger for libraries that want structured fields.
func Zap() *zap.Logger {
	return current.Load().Desugar()
}

func build(format, output string) (*zap.Logger, error) {
	var encoderConfig zapcore.EncoderConfig
	encoding := "json"
	if format == "" || format == "text" {
		encoderConfig = zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
		encoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("2006-01-02 15:04:05")
		encoding = "console"
	} else {
		encoderConfig = zap.NewProductionEncoderConfig()
		encoderConfig.TimeKey = "timestamp"
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	if output == "" {
		output = "stdout"
	}

	cfg := zap.Config{
		Level:             level,
		Encoding:          encoding,
		EncoderConfig:     encoderConfig,
		OutputPaths:       []string{output},
		ErrorOutputPaths:  []string{"stderr"},
		DisableCaller:     true,
		DisableStacktrace: true,
	}

	l, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger (format=%s output=%s): %w", format, output, err)
	}
	return l, nil
}

func Debug(format string, v ...any) {
	current.Load().Debugf(format, v...)
}

func Info(format string, v ...any) {
	current.Load().Infof(format, v...)
}

func Warn(format string, v ...any) {
	current.Load().Warnf(format, v...)
}

func Error(format string, v ...any) {
	current.Load().Errorf(format, v...)
}
