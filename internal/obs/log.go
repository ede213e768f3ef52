package obs

import (
	"io"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	loggerMu sync.RWMutex
	logger   *zap.Logger
)

// Logger returns the shared structured logger used across the service.
func Logger() *zap.Logger {
	loggerMu.RLock()
	l := logger
	loggerMu.RUnlock()
	if l != nil {
		return l
	}

	loggerMu.Lock()
	defer loggerMu.Unlock()
	if logger == nil {
		logger = newLogger(zapcore.Lock(os.Stdout), zapcore.InfoLevel, false)
	}
	return logger
}

// Configure rebuilds the shared logger. Development mode switches to the
// console encoder; level accepts zap level names and defaults to info.
func Configure(development bool, level string) error {
	lvl := zapcore.InfoLevel
	if s := strings.TrimSpace(level); s != "" {
		if err := lvl.UnmarshalText([]byte(s)); err != nil {
			return err
		}
	}
	if development && strings.TrimSpace(level) == "" {
		lvl = zapcore.DebugLevel
	}
	l := newLogger(zapcore.Lock(os.Stdout), lvl, development)

	loggerMu.Lock()
	prev := logger
	logger = l
	loggerMu.Unlock()
	if prev != nil {
		_ = prev.Sync()
	}
	return nil
}

// SetOutput redirects the shared logger to w as JSON lines at debug level and
// returns a function restoring the previous logger. Used by tests.
func SetOutput(w io.Writer) (restore func()) {
	l := newLogger(zapcore.AddSync(w), zapcore.DebugLevel, false)

	loggerMu.Lock()
	prev := logger
	logger = l
	loggerMu.Unlock()

	return func() {
		loggerMu.Lock()
		logger = prev
		loggerMu.Unlock()
	}
}

// Sync flushes buffered log entries.
func Sync() {
	_ = Logger().Sync()
}

func newLogger(ws zapcore.WriteSyncer, lvl zapcore.Level, development bool) *zap.Logger {
	cfg := zap.NewProductionEncoderConfig()
	cfg.TimeKey = "ts"
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var enc zapcore.Encoder
	if development {
		cfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		enc = zapcore.NewConsoleEncoder(cfg)
	} else {
		enc = zapcore.NewJSONEncoder(cfg)
	}
	return zap.New(zapcore.NewCore(enc, ws, lvl), zap.AddCaller())
}
