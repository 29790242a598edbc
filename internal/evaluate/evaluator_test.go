package evaluate

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/MaxHTu/tcp-proxy/internal/frame"
	"github.com/MaxHTu/tcp-proxy/internal/logging"
	"github.com/MaxHTu/tcp-proxy/internal/ruleset"
	"github.com/stretchr/testify/require"
)

func mappingMessage(action string) frame.Message {
	raw := []byte{0, 0, 0, 1} // placeholder raw bytes, content unused by most tests
	return frame.Message{
		RawBytes: raw,
		Decoded: frame.Decoded{
			Kind:    frame.KindMapping,
			Mapping: map[string]any{"action": action},
		},
	}
}

// fakeClock never actually sleeps in wall time; it just accumulates
// the requested durations so tests assert on cumulative delay without
// taking real wall-clock time.
type fakeClock struct {
	now     time.Time
	elapsed time.Duration
}

func newFakeClock() *fakeClock { return &fakeClock{now: time.Unix(1000, 0)} }

func (f *fakeClock) Now() time.Time { return f.now }
func (f *fakeClock) Sleep(d time.Duration) {
	f.elapsed += d
	f.now = f.now.Add(d)
}

func TestEvaluateBlockGlobal(t *testing.T) {
	rec := logging.NewRecorder()
	set := &ruleset.Set{Global: ruleset.RuleGroup{Block: []ruleset.BlockRule{{Action: "update_tt_remote"}}}}
	ev := New(newFakeClock(), time.Unix(0, 0), rec, "c->s")

	v := ev.Evaluate(mappingMessage("update_tt_remote"), "1.1.1.1", "2.2.2.2", set)
	require.False(t, v.Forward)
	require.Empty(t, v.Insertions)
	require.Empty(t, v.ReplayPayloads)
	require.Equal(t, 1, rec.Count("BLOCK"))
}

func TestEvaluateBlockDoesNotAffectOtherActions(t *testing.T) {
	rec := logging.NewRecorder()
	set := &ruleset.Set{Global: ruleset.RuleGroup{Block: []ruleset.BlockRule{{Action: "a"}}}}
	ev := New(newFakeClock(), time.Unix(0, 0), rec, "c->s")

	v := ev.Evaluate(mappingMessage("b"), "1.1.1.1", "2.2.2.2", set)
	require.True(t, v.Forward)
}

func TestEvaluateCumulativeDelay(t *testing.T) {
	rec := logging.NewRecorder()
	set := &ruleset.Set{
		Global: ruleset.RuleGroup{Delay: []ruleset.DelayRule{{Action: "slow", DelayMS: 50}}},
		Directions: []ruleset.Direction{{
			SourceIP: "1.1.1.1", TargetIP: "2.2.2.2",
			RuleGroup: ruleset.RuleGroup{Delay: []ruleset.DelayRule{{Action: "slow", DelayMS: 100}}},
		}},
	}
	clock := newFakeClock()
	ev := New(clock, time.Unix(0, 0), rec, "c->s")

	v := ev.Evaluate(mappingMessage("slow"), "1.1.1.1", "2.2.2.2", set)
	require.True(t, v.Forward)
	require.Equal(t, 150*time.Millisecond, clock.elapsed)
	require.Equal(t, 2, rec.Count("DELAY"))
}

func TestEvaluateInsertBeforeHex(t *testing.T) {
	rec := logging.NewRecorder()
	set := &ruleset.Set{Global: ruleset.RuleGroup{Insert: []ruleset.InsertRule{{
		Action: "get_status", Data: []byte{0xde, 0xad, 0xbe, 0xef}, Position: ruleset.PositionBefore, Repeat: ruleset.Repeat{Count: 1},
	}}}}
	ev := New(newFakeClock(), time.Unix(0, 0), rec, "c->s")

	v := ev.Evaluate(mappingMessage("get_status"), "1.1.1.1", "2.2.2.2", set)
	require.True(t, v.Forward)
	require.Len(t, v.Insertions, 1)
	require.Equal(t, ruleset.PositionBefore, v.Insertions[0].Position)
	require.Equal(t, []byte{0xde, 0xad, 0xbe, 0xef}, v.Insertions[0].Data)
}

func TestEvaluateInsertRepeatOnceFiresOnlyOnce(t *testing.T) {
	rec := logging.NewRecorder()
	set := &ruleset.Set{Global: ruleset.RuleGroup{Insert: []ruleset.InsertRule{{
		Action: "x", Data: []byte("Z"), Position: ruleset.PositionAfter, Repeat: ruleset.Repeat{Once: true},
	}}}}
	ev := New(newFakeClock(), time.Unix(0, 0), rec, "c->s")

	v1 := ev.Evaluate(mappingMessage("x"), "1.1.1.1", "2.2.2.2", set)
	require.Len(t, v1.Insertions, 1)

	v2 := ev.Evaluate(mappingMessage("x"), "1.1.1.1", "2.2.2.2", set)
	require.Empty(t, v2.Insertions)
}

func TestEvaluateInsertDelaySecGate(t *testing.T) {
	rec := logging.NewRecorder()
	set := &ruleset.Set{Global: ruleset.RuleGroup{Insert: []ruleset.InsertRule{{
		Action: "x", Data: []byte("Z"), Position: ruleset.PositionAfter, DelaySec: 10, Repeat: ruleset.Repeat{Count: 1},
	}}}}
	clock := newFakeClock()
	ev := New(clock, clock.now, rec, "c->s")

	v := ev.Evaluate(mappingMessage("x"), "1.1.1.1", "2.2.2.2", set)
	require.Empty(t, v.Insertions, "gate not yet satisfied, rule should be skipped silently")

	clock.now = clock.now.Add(11 * time.Second)
	v2 := ev.Evaluate(mappingMessage("x"), "1.1.1.1", "2.2.2.2", set)
	require.Len(t, v2.Insertions, 1, "gate satisfied on a later message")
}

func TestEvaluateReplayCount(t *testing.T) {
	rec := logging.NewRecorder()
	set := &ruleset.Set{Global: ruleset.RuleGroup{Replay: []ruleset.ReplayRule{{
		Action: "echo", Count: 3, DelayMS: 10,
	}}}}
	clock := newFakeClock()
	ev := New(clock, clock.now, rec, "c->s")

	msg := mappingMessage("echo")
	v := ev.Evaluate(msg, "1.1.1.1", "2.2.2.2", set)
	require.True(t, v.Forward)
	require.Len(t, v.ReplayPayloads, 3)
	for _, p := range v.ReplayPayloads {
		require.Equal(t, msg.RawBytes, p)
	}
	require.Equal(t, 20*time.Millisecond, clock.elapsed)
}

func TestEvaluateReplayBlockOriginalBlocksFollowingMessages(t *testing.T) {
	rec := logging.NewRecorder()
	set := &ruleset.Set{Global: ruleset.RuleGroup{Replay: []ruleset.ReplayRule{{
		Action: "echo", Count: 3, BlockOriginal: true,
	}}}}
	ev := New(newFakeClock(), time.Unix(0, 0), rec, "c->s")

	v0 := ev.Evaluate(mappingMessage("echo"), "1.1.1.1", "2.2.2.2", set)
	require.False(t, v0.Forward, "triggering message is blocked")
	require.Len(t, v0.ReplayPayloads, 3)

	v1 := ev.Evaluate(mappingMessage("echo"), "1.1.1.1", "2.2.2.2", set)
	require.False(t, v1.Forward, "first of count-1 following messages is blocked")

	v2 := ev.Evaluate(mappingMessage("echo"), "1.1.1.1", "2.2.2.2", set)
	require.False(t, v2.Forward, "second of count-1 following messages is blocked")

	v3 := ev.Evaluate(mappingMessage("echo"), "1.1.1.1", "2.2.2.2", set)
	require.False(t, v3.Forward, "a matching message after the window triggers the rule again and is blocked as its own trigger")
}

func TestEvaluateReplayDataOverrideIsFramed(t *testing.T) {
	rec := logging.NewRecorder()
	set := &ruleset.Set{Global: ruleset.RuleGroup{Replay: []ruleset.ReplayRule{{
		Action: "echo", Count: 1, DataOverride: []byte("hi"), HasOverride: true,
	}}}}
	ev := New(newFakeClock(), time.Unix(0, 0), rec, "c->s")

	v := ev.Evaluate(mappingMessage("echo"), "1.1.1.1", "2.2.2.2", set)
	require.Len(t, v.ReplayPayloads, 1)
	require.Equal(t, uint32(2), binary.BigEndian.Uint32(v.ReplayPayloads[0][:4]))
	require.Equal(t, []byte("hi"), v.ReplayPayloads[0][4:])
}

func TestEvaluateNonMappingMessagePassesThrough(t *testing.T) {
	rec := logging.NewRecorder()
	set := &ruleset.Set{Global: ruleset.RuleGroup{Block: []ruleset.BlockRule{{Action: "anything"}}}}
	ev := New(newFakeClock(), time.Unix(0, 0), rec, "c->s")

	msg := frame.Message{RawBytes: []byte("hello"), Decoded: frame.Decoded{Kind: frame.KindText, Text: "hello"}}
	v := ev.Evaluate(msg, "1.1.1.1", "2.2.2.2", set)
	require.True(t, v.Forward)
}
