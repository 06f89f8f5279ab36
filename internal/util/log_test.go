package util

import (
	"os"
	"path/filepath"
	"testing"
)

func reset() {
	mu.Lock()
	logger = nil
	mu.Unlock()
}

func TestInitDefault(t *testing.T) {
	reset()

	if err := Init(Options{Format: "console"}); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	if L() == nil {
		t.Error("L() should not be nil after Init")
	}
}

func TestInitLevels(t *testing.T) {
	for _, level := range []string{"debug", "info", "warn", "error", "unknown"} {
		t.Run(level, func(t *testing.T) {
			reset()
			if err := Init(Options{Level: level, Format: "console"}); err != nil {
				t.Fatalf("Init(%q) error = %v", level, err)
			}
			L().Debug("debug")
			L().Info("info")
			L().Warn("warn")
			L().Error("error")
		})
	}
}

func TestInitFormats(t *testing.T) {
	for _, format := range []string{"json", "console"} {
		t.Run(format, func(t *testing.T) {
			reset()
			if err := Init(Options{Level: "info", Format: format}); err != nil {
				t.Fatalf("Init() error = %v", err)
			}
			L().Info("formatted")
		})
	}
}

func TestInitWithFile(t *testing.T) {
	reset()

	dir := t.TempDir()
	logFile := filepath.Join(dir, "test.log")

	if err := Init(Options{Level: "info", Format: "console", File: logFile}); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	L().Info("to file")

	if _, err := os.Stat(logFile); os.IsNotExist(err) {
		t.Error("log file should exist")
	}
}

func TestInitInvalidFile(t *testing.T) {
	reset()

	if err := Init(Options{Level: "info", Format: "console", File: "/nonexistent/path/test.log"}); err == nil {
		t.Error("Init() should return error for invalid file path")
	}
}

func TestLReturnsDefaultWhenUninitialized(t *testing.T) {
	reset()

	if L() == nil {
		t.Error("L() should return a logger even when Init was never called")
	}
}

func TestLReturnsSameInstanceAfterInit(t *testing.T) {
	reset()
	Init(Options{Level: "info", Format: "console"})

	first := L()
	second := L()
	if first != second {
		t.Error("L() should return the same instance across calls")
	}
}

func TestNamedScoping(t *testing.T) {
	reset()
	Init(Options{Level: "info", Format: "console"})

	ban := Named("ban")
	router := Named("router")
	if ban == router {
		t.Error("Named loggers for distinct components should not be the identical value")
	}
}

func TestReInitReplacesLogger(t *testing.T) {
	reset()
	Init(Options{Level: "info", Format: "console"})
	first := L()

	Init(Options{Level: "debug", Format: "json"})
	second := L()

	if first == second {
		t.Error("logger should be replaced after re-initialization")
	}
}

func BenchmarkInit(b *testing.B) {
	for i := 0; i < b.N; i++ {
		reset()
		Init(Options{Level: "info", Format: "console"})
	}
}

func BenchmarkInfo(b *testing.B) {
	reset()
	Init(Options{Level: "info", Format: "console"})

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		L().Info("benchmark message")
	}
}
