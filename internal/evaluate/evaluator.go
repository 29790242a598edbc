// Package evaluate implements the pure-except-for-sleeps rule
// evaluator (spec §4.3): block, delay, insert, replay, in that order,
// against one decoded message.
package evaluate

import (
	"encoding/binary"
	"time"

	"github.com/MaxHTu/tcp-proxy/internal/frame"
	"github.com/MaxHTu/tcp-proxy/internal/logging"
	"github.com/MaxHTu/tcp-proxy/internal/ruleset"
)

// Clock abstracts wall time and sleeping so tests can run the
// cumulative-delay invariant without a real process start time, and so
// production code always sleeps via one seam.
type Clock interface {
	Now() time.Time
	Sleep(d time.Duration)
}

type realClock struct{}

func (realClock) Now() time.Time        { return time.Now() }
func (realClock) Sleep(d time.Duration) { time.Sleep(d) }

// RealClock is the production Clock.
var RealClock Clock = realClock{}

// Insertion is one scheduled write around the triggering message's
// framed bytes.
type Insertion struct {
	Data     []byte
	Position ruleset.Position
}

// Verdict is the evaluator's output for one message.
type Verdict struct {
	Forward        bool
	Insertions     []Insertion
	ReplayPayloads [][]byte
}

// Evaluator holds the per-forwarder-direction mutable state the spec
// requires for "repeat: once" insert rules and block_original replay
// bookkeeping (spec §4.3 points 3 and 4). One Evaluator serves exactly
// one direction of one TCP flow.
type Evaluator struct {
	clock        Clock
	processStart time.Time
	log          logging.Logger
	dirLabel     string

	insertFiredOnce      map[string]bool
	replayBlockRemaining map[string]int
}

// New returns an Evaluator. dirLabel is the human-readable direction
// string used in BLOCK and global DELAY log lines (e.g.
// "10.0.0.2->10.0.0.3"); direction DELAY lines use the direction's Name.
func New(clock Clock, processStart time.Time, log logging.Logger, dirLabel string) *Evaluator {
	if clock == nil {
		clock = RealClock
	}
	return &Evaluator{
		clock:                clock,
		processStart:         processStart,
		log:                  log,
		dirLabel:             dirLabel,
		insertFiredOnce:      make(map[string]bool),
		replayBlockRemaining: make(map[string]int),
	}
}

// Evaluate runs the four-stage pipeline against msg, observed on a
// forwarder whose outer flow IPs are (sourceIP, targetIP).
func (e *Evaluator) Evaluate(msg frame.Message, sourceIP, targetIP string, set *ruleset.Set) Verdict {
	action, hasAction := msg.Decoded.Action()
	dir, hasDir := set.MatchDirection(sourceIP, targetIP)

	// An ongoing block_original replay session can force this message
	// to be dropped even though nothing else below matches it.
	forcedBlock := false
	if hasAction {
		if remaining, ok := e.replayBlockRemaining[action]; ok && remaining > 0 {
			e.replayBlockRemaining[action] = remaining - 1
			if e.replayBlockRemaining[action] == 0 {
				delete(e.replayBlockRemaining, action)
			}
			forcedBlock = true
		}
	}

	if hasAction && e.blocked(action, set.Global, dir, hasDir) {
		e.log.Block(action, e.dirLabel)
		return Verdict{Forward: false}
	}

	if hasAction {
		e.applyDelay(action, set.Global.Delay, "")
		if hasDir {
			e.applyDelay(action, dir.RuleGroup.Delay, dir.Name)
		}
	}

	verdict := Verdict{Forward: true}
	if hasAction {
		verdict.Insertions = append(verdict.Insertions, e.collectInserts(action, set.Global.Insert)...)
		if hasDir {
			verdict.Insertions = append(verdict.Insertions, e.collectInserts(action, dir.RuleGroup.Insert)...)
		}
	}

	if hasAction {
		payloads, blockCurrent := e.collectReplays(action, msg, set.Global.Replay)
		verdict.ReplayPayloads = append(verdict.ReplayPayloads, payloads...)
		if blockCurrent {
			verdict.Forward = false
		}
		if hasDir {
			payloads, blockCurrent := e.collectReplays(action, msg, dir.RuleGroup.Replay)
			verdict.ReplayPayloads = append(verdict.ReplayPayloads, payloads...)
			if blockCurrent {
				verdict.Forward = false
			}
		}
	}

	if forcedBlock {
		verdict.Forward = false
	}
	return verdict
}

func (e *Evaluator) blocked(action string, global ruleset.RuleGroup, dir ruleset.Direction, hasDir bool) bool {
	for _, r := range global.Block {
		if r.Action == action {
			return true
		}
	}
	if hasDir {
		for _, r := range dir.RuleGroup.Block {
			if r.Action == action {
				return true
			}
		}
	}
	return false
}

func (e *Evaluator) applyDelay(action string, rules []ruleset.DelayRule, dirLabel string) {
	for _, r := range rules {
		if r.Action != action {
			continue
		}
		e.clock.Sleep(time.Duration(r.DelayMS) * time.Millisecond)
		label := e.dirLabel
		if dirLabel != "" {
			label = dirLabel
		}
		e.log.Delay(action, r.DelayMS, label)
		return
	}
}

func (e *Evaluator) collectInserts(action string, rules []ruleset.InsertRule) []Insertion {
	var out []Insertion
	for i, r := range rules {
		if r.Action != action {
			continue
		}
		key := insertKey(i, r.Action, r.Position)
		if r.Repeat.Once && e.insertFiredOnce[key] {
			continue
		}
		if r.DelaySec > 0 && e.clock.Now().Before(e.processStart.Add(time.Duration(r.DelaySec)*time.Second)) {
			continue
		}
		if r.DelayMS > 0 {
			e.clock.Sleep(time.Duration(r.DelayMS) * time.Millisecond)
		}

		count := r.Repeat.Count
		if r.Repeat.Once {
			count = 1
			e.insertFiredOnce[key] = true
		}
		for n := 0; n < count; n++ {
			out = append(out, Insertion{Data: r.Data, Position: r.Position})
			e.log.Insert(action, string(r.Position), len(r.Data))
		}
	}
	return out
}

func insertKey(idx int, action string, pos ruleset.Position) string {
	return action + "|" + string(pos) + "|" + itoa(idx)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var b []byte
	for n > 0 {
		b = append([]byte{byte('0' + n%10)}, b...)
		n /= 10
	}
	return string(b)
}

func (e *Evaluator) collectReplays(action string, msg frame.Message, rules []ruleset.ReplayRule) ([][]byte, bool) {
	var out [][]byte
	blockCurrent := false
	for _, r := range rules {
		if r.Action != action {
			continue
		}
		var base []byte
		if r.HasOverride {
			base = framePayload(r.DataOverride)
		} else {
			base = msg.RawBytes
		}

		for n := 0; n < r.Count; n++ {
			if n > 0 && r.DelayMS > 0 {
				e.clock.Sleep(time.Duration(r.DelayMS) * time.Millisecond)
			}
			out = append(out, base)
		}
		e.log.Replay(action, r.Count)

		if r.BlockOriginal {
			blockCurrent = true
			if r.Count > 1 {
				e.replayBlockRemaining[action] = r.Count - 1
			}
		}
	}
	return out, blockCurrent
}

// framePayload prepends a fresh big-endian length prefix, used for
// replay data_override payloads which are not already framed.
func framePayload(payload []byte) []byte {
	out := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(out[:4], uint32(len(payload)))
	copy(out[4:], payload)
	return out
}
