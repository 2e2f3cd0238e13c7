package mlog

import (
	"fmt"
	"os"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type LogConfig struct {
	// Level, See also zapcore.ParseLevel.
	Level string `yaml:"level"`

	// File that logger will be writen into.
	// Default is stderr.
	File string `yaml:"file"`

	// Production enables json output.
	Production bool `yaml:"production"`
}

var (
	stderr = zapcore.Lock(os.Stderr)
	lvl    = zap.NewAtomicLevelAt(zap.InfoLevel)
	l      atomic.Pointer[zap.Logger]
)

func init() {
	l.Store(zap.New(zapcore.NewCore(zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig()), stderr, lvl)))
}

// NewLogger builds a logger from lc and installs it as the global logger
// returned by L.
func NewLogger(lc *LogConfig) (*zap.Logger, error) {
	if len(lc.Level) > 0 {
		var err error
		lvl, err = zap.ParseAtomicLevel(lc.Level)
		if err != nil {
			return nil, fmt.Errorf("invalid log level: %w", err)
		}
	}

	var out zapcore.WriteSyncer
	if len(lc.File) > 0 {
		f, _, err := zap.Open(lc.File)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		out = zapcore.Lock(f)
	} else {
		out = stderr
	}

	var enc zapcore.Encoder
	if lc.Production {
		enc = zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
	} else {
		enc = zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig())
	}
	lg := zap.New(zapcore.NewCore(enc, out, lvl))
	l.Store(lg)
	return lg, nil
}

// L is a global logger.
func L() *zap.Logger {
	return l.Load()
}

// SetLevel changes the level of every logger built by this package.
func SetLevel(level zapcore.Level) {
	lvl.SetLevel(level)
}
