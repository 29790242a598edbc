package logging

import (
	"fmt"
	"sync"
)

// Entry is one recorded structured log line.
type Entry struct {
	Kind   string // "BLOCK", "DELAY", "INSERT", "REPLAY", "MITM", "INFO", "WARN", "ERROR"
	Fields map[string]any
	Text   string
}

// Recorder is an in-memory Logger used by tests to assert on exactly
// the structured events the core emitted, without pulling in zap.
type Recorder struct {
	mu      sync.Mutex
	Entries []Entry
}

func NewRecorder() *Recorder { return &Recorder{} }

func (r *Recorder) record(e Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Entries = append(r.Entries, e)
}

func (r *Recorder) Block(action, direction string) {
	r.record(Entry{Kind: "BLOCK", Fields: map[string]any{"action": action, "dir": direction}})
}

func (r *Recorder) Delay(action string, ms int, direction string) {
	r.record(Entry{Kind: "DELAY", Fields: map[string]any{"action": action, "ms": ms, "dir": direction}})
}

func (r *Recorder) Insert(action, position string, n int) {
	r.record(Entry{Kind: "INSERT", Fields: map[string]any{"action": action, "pos": position, "bytes": n}})
}

func (r *Recorder) Replay(action string, count int) {
	r.record(Entry{Kind: "REPLAY", Fields: map[string]any{"action": action, "count": count}})
}

func (r *Recorder) Mitm(phase, event string) {
	r.record(Entry{Kind: "MITM", Fields: map[string]any{"phase": phase, "event": event}})
}

func (r *Recorder) Infof(format string, args ...any) {
	r.record(Entry{Kind: "INFO", Text: fmt.Sprintf(format, args...)})
}

func (r *Recorder) Warnf(format string, args ...any) {
	r.record(Entry{Kind: "WARN", Text: fmt.Sprintf(format, args...)})
}

func (r *Recorder) Errorf(format string, args ...any) {
	r.record(Entry{Kind: "ERROR", Text: fmt.Sprintf(format, args...)})
}

// Count returns how many entries of the given Kind were recorded.
func (r *Recorder) Count(kind string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.Entries {
		if e.Kind == kind {
			n++
		}
	}
	return n
}
