package ruleset

import (
	"encoding/hex"
	"fmt"

	"github.com/MaxHTu/tcp-proxy/internal/config"
	"gopkg.in/yaml.v3"
)

// Warnf receives one formatted warning line per skipped/malformed rule
// (spec §4.2, §7 "Configuration malformed").
type Warnf func(format string, args ...any)

// Parse normalizes a config.Config's payload_handling section into an
// immutable *Set, skipping malformed rules with a warning and
// continuing (spec §4.2/§7). It accepts either a list or a single
// mapping for each rule kind.
func Parse(cfg *config.Config, warn Warnf) *Set {
	if warn == nil {
		warn = func(string, ...any) {}
	}
	set := &Set{
		Global: parseRuleGroup(cfg.PayloadHandling.Global, "global", warn),
	}
	for _, rd := range cfg.PayloadHandling.Directions {
		name := fmt.Sprintf("%s->%s", rd.SourceIP, rd.TargetIP)
		set.Directions = append(set.Directions, Direction{
			Name:      name,
			SourceIP:  rd.SourceIP,
			TargetIP:  rd.TargetIP,
			RuleGroup: parseRuleGroup(rd.RawRuleGroup, name, warn),
		})
	}
	return set
}

func parseRuleGroup(raw config.RawRuleGroup, scope string, warn Warnf) RuleGroup {
	var rg RuleGroup
	for _, m := range nodeToMaps(raw.Block) {
		action, ok := stringField(m, "action")
		if !ok {
			warn("skipping block rule in %s: missing 'action'", scope)
			continue
		}
		rg.Block = append(rg.Block, BlockRule{Action: action})
	}

	for _, m := range nodeToMaps(raw.Delay) {
		action, ok := stringField(m, "action")
		if !ok {
			warn("skipping delay rule in %s: missing 'action'", scope)
			continue
		}
		ms, ok := intField(m, "delay_ms")
		if !ok || ms <= 0 {
			warn("skipping delay rule for action %q in %s: non-positive or missing delay_ms", action, scope)
			continue
		}
		rg.Delay = append(rg.Delay, DelayRule{Action: action, DelayMS: ms})
	}

	for _, m := range nodeToMaps(raw.Insert) {
		action, ok := stringField(m, "action")
		dataStr, dataOK := stringField(m, "data")
		if !ok || !dataOK {
			warn("skipping insert rule in %s: missing 'action' or 'data'", scope)
			continue
		}
		dataType := DataType(stringFieldOr(m, "data_type", string(DataUTF8)))
		data, err := decodeRuleData(dataStr, dataType)
		if err != nil {
			warn("skipping insert rule for action %q in %s: %v", action, scope, err)
			continue
		}
		position := Position(stringFieldOr(m, "position", string(PositionBefore)))
		repeat := parseRepeat(m, warn, action)
		rg.Insert = append(rg.Insert, InsertRule{
			Action:   action,
			Data:     data,
			DataType: dataType,
			Position: position,
			DelaySec: intFieldOr(m, "delay_sec", 0),
			DelayMS:  intFieldOr(m, "delay_ms", 0),
			Repeat:   repeat,
		})
	}

	for _, m := range nodeToMaps(raw.Replay) {
		action, ok := stringField(m, "action")
		count, countOK := intField(m, "count")
		if !ok || !countOK || count < 1 {
			warn("skipping replay rule in %s: missing 'action' or 'count'", scope)
			continue
		}
		rule := ReplayRule{
			Action:        action,
			Count:         count,
			BlockOriginal: boolFieldOr(m, "block_original", false),
			DelayMS:       intFieldOr(m, "delay_ms", 0),
			Position:      Position(stringFieldOr(m, "position", string(PositionAfter))),
			DataType:      DataType(stringFieldOr(m, "data_type", string(DataUTF8))),
		}
		if override, ok := stringField(m, "data_override"); ok {
			data, err := decodeRuleData(override, rule.DataType)
			if err != nil {
				warn("replay rule for action %q in %s has malformed data_override: %v, using original bytes", action, scope, err)
			} else {
				rule.DataOverride = data
				rule.HasOverride = true
			}
		}
		rg.Replay = append(rg.Replay, rule)
	}

	return rg
}

func parseRepeat(m map[string]any, warn Warnf, action string) Repeat {
	v, ok := m["repeat"]
	if !ok {
		return Repeat{Count: 1}
	}
	switch t := v.(type) {
	case string:
		if t == "once" {
			return Repeat{Once: true}
		}
	case int:
		if t >= 1 {
			return Repeat{Count: t}
		}
	}
	warn("invalid repeat value for action %q, defaulting to 1", action)
	return Repeat{Count: 1}
}

func decodeRuleData(s string, dt DataType) ([]byte, error) {
	switch dt {
	case DataHex:
		b, err := hex.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("invalid hex data %q: %w", s, err)
		}
		return b, nil
	default:
		return []byte(s), nil
	}
}

// nodeToMaps normalizes a yaml.Node that is either a single mapping or
// a sequence of mappings into a uniform []map[string]any. A zero-value
// (unset) node yields nil.
func nodeToMaps(node yaml.Node) []map[string]any {
	switch node.Kind {
	case yaml.MappingNode:
		var m map[string]any
		if err := node.Decode(&m); err != nil {
			return nil
		}
		return []map[string]any{m}
	case yaml.SequenceNode:
		var list []map[string]any
		if err := node.Decode(&list); err != nil {
			return nil
		}
		return list
	default:
		return nil
	}
}

func stringField(m map[string]any, key string) (string, bool) {
	v, ok := m[key]
	if !ok || v == nil {
		return "", false
	}
	s, ok := v.(string)
	return s, ok && s != ""
}

func stringFieldOr(m map[string]any, key, def string) string {
	if s, ok := stringField(m, key); ok {
		return s
	}
	return def
}

func intField(m map[string]any, key string) (int, bool) {
	v, ok := m[key]
	if !ok || v == nil {
		return 0, false
	}
	switch t := v.(type) {
	case int:
		return t, true
	case int64:
		return int(t), true
	case float64:
		return int(t), true
	default:
		return 0, false
	}
}

func intFieldOr(m map[string]any, key string, def int) int {
	if n, ok := intField(m, key); ok {
		return n
	}
	return def
}

func boolFieldOr(m map[string]any, key string, def bool) bool {
	v, ok := m[key]
	if !ok {
		return def
	}
	b, ok := v.(bool)
	if !ok {
		return def
	}
	return b
}
