// Package util provides logging shared by every stratumd component.
package util

import (
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	mu     sync.RWMutex
	logger *zap.SugaredLogger
)

// Options configures the global logger.
type Options struct {
	Level  string // debug, info, warn, error
	Format string // console, json
	File   string // optional append-mode sink in addition to stdout
}

// Init initializes the package-level logger. Safe to call once at
// process startup; components that run before Init (or in tests) fall
// back to a development logger via L().
func Init(opts Options) error {
	var level zapcore.Level
	switch opts.Level {
	case "debug":
		level = zapcore.DebugLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		level = zapcore.InfoLevel
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder

	var enc zapcore.Encoder
	if opts.Format == "json" {
		enc = zapcore.NewJSONEncoder(encCfg)
	} else {
		enc = zapcore.NewConsoleEncoder(encCfg)
	}

	sink := zapcore.AddSync(os.Stdout)
	if opts.File != "" {
		f, err := os.OpenFile(opts.File, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return err
		}
		sink = zapcore.NewMultiWriteSyncer(sink, zapcore.AddSync(f))
	}

	core := zapcore.NewCore(enc, sink, level)
	zl := zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1))

	mu.Lock()
	logger = zl.Sugar()
	mu.Unlock()
	return nil
}

// L returns the shared logger, constructing a development default if
// Init was never called. A framework should not require callers to
// configure logging before they can even construct a Server.
func L() *zap.SugaredLogger {
	mu.RLock()
	l := logger
	mu.RUnlock()
	if l != nil {
		return l
	}

	mu.Lock()
	defer mu.Unlock()
	if logger == nil {
		zl, _ := zap.NewDevelopment()
		logger = zl.Sugar()
	}
	return logger
}

// Named returns a child logger scoped to a component, e.g. "ban", "router".
func Named(component string) *zap.SugaredLogger {
	return L().Named(component)
}
