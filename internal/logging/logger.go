// Package logging provides the structured log sink the core writes
// BLOCK/DELAY/INSERT/REPLAY/MITM lines to (spec §6).
package logging

// Logger is the structured sink the core depends on. It is an
// interface, not a concrete *zap.Logger, so tests can substitute a
// Recorder (recorder.go) without touching zap.
type Logger interface {
	Block(action, direction string)
	Delay(action string, ms int, direction string)
	Insert(action, position string, n int)
	Replay(action string, count int)
	Mitm(phase, event string)

	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}
