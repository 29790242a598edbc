// Package frame implements incremental framing of the length-prefixed,
// serialized-object wire protocol the proxy sits in front of.
package frame

// Kind tags the decoded form of a Message's payload.
type Kind int

const (
	// KindMapping is a serialized mapping with string keys, the
	// pickle-style encoding that starts with the 0x80 0x04 0x95 signature.
	KindMapping Kind = iota
	// KindText is a valid UTF-8 payload, e.g. the "#CHALLENGE#"/"#WELCOME#"
	// markers of the authentication handshake.
	KindText
	// KindOpaque is anything that is neither a decodable mapping nor
	// valid UTF-8, or a mapping blob that failed to parse.
	KindOpaque
)

// Decoded is the sum type produced by decoding a Message's payload.
type Decoded struct {
	Kind    Kind
	Mapping map[string]any // valid when Kind == KindMapping
	Text    string         // valid when Kind == KindText
	Len     int            // valid when Kind == KindOpaque
}

// Action returns the decoded mapping's "action" string, if any.
func (d Decoded) Action() (string, bool) {
	if d.Kind != KindMapping {
		return "", false
	}
	v, ok := d.Mapping["action"]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// Message is one application-level unit produced by the decoder.
//
// Invariant: len(RawBytes) == int(PayloadLen) + 4.
type Message struct {
	RawBytes   []byte
	PayloadLen uint32
	Decoded    Decoded
}
