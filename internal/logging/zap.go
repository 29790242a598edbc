package logging

import (
	"go.uber.org/zap"
)

// ZapLogger is the production Logger backed by go.uber.org/zap, the
// structured-logging library the appnet-org/arpc proxy example pairs
// with its own SO_ORIGINAL_DST plumbing.
type ZapLogger struct {
	sugar *zap.SugaredLogger
}

// NewZap builds a ZapLogger at the given level ("debug", "info",
// "warn", "error"). Unknown levels fall back to "info".
func NewZap(level string) (*ZapLogger, error) {
	cfg := zap.NewProductionConfig()
	if lvl, err := zap.ParseAtomicLevel(level); err == nil {
		cfg.Level = lvl
	}
	logger, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return &ZapLogger{sugar: logger.Sugar()}, nil
}

func (z *ZapLogger) Block(action, direction string) {
	z.sugar.Infow("BLOCK", "action", action, "dir", direction)
}

func (z *ZapLogger) Delay(action string, ms int, direction string) {
	z.sugar.Infow("DELAY", "action", action, "ms", ms, "dir", direction)
}

func (z *ZapLogger) Insert(action, position string, n int) {
	z.sugar.Infow("INSERT", "action", action, "pos", position, "bytes", n)
}

func (z *ZapLogger) Replay(action string, count int) {
	z.sugar.Infow("REPLAY", "action", action, "count", count)
}

func (z *ZapLogger) Mitm(phase, event string) {
	z.sugar.Infow("MITM", "phase", phase, "event", event)
}

func (z *ZapLogger) Infof(format string, args ...any)  { z.sugar.Infof(format, args...) }
func (z *ZapLogger) Warnf(format string, args ...any)  { z.sugar.Warnf(format, args...) }
func (z *ZapLogger) Errorf(format string, args ...any) { z.sugar.Errorf(format, args...) }

// Sync flushes any buffered log entries. Call it once at shutdown.
func (z *ZapLogger) Sync() error { return z.sugar.Sync() }
