package frame

import (
	"encoding/binary"
	"errors"
	"unicode/utf8"
)

// DefaultMaxPayload is the default ceiling on a single message's
// declared length (§4.1's "implementation-chosen ceiling, default 16 MiB").
const DefaultMaxPayload = 16 * 1024 * 1024

// pickleSignature is the 3-byte prefix identifying a serialized-object blob.
var pickleSignature = []byte{0x80, 0x04, 0x95}

// ErrFrameTooLarge is returned by Append when a declared length prefix
// exceeds MaxPayload. The caller must fail the connection.
var ErrFrameTooLarge = errors.New("frame: length prefix exceeds ceiling")

// Decoder is a stateful byte accumulator that emits zero or more
// complete Messages per chunk appended, keeping any incomplete tail
// for the next call. One Decoder serves exactly one direction of one
// TCP flow; it is not safe for concurrent use.
type Decoder struct {
	buf        []byte
	MaxPayload uint32
}

// NewDecoder returns a Decoder with the default payload ceiling.
func NewDecoder() *Decoder {
	return &Decoder{MaxPayload: DefaultMaxPayload}
}

// Append concatenates chunk to the internal buffer and detaches every
// complete framed message now available, in order. The returned slice
// is only valid until the next call to Append.
func (d *Decoder) Append(chunk []byte) ([]Message, error) {
	if len(chunk) > 0 {
		d.buf = append(d.buf, chunk...)
	}

	var out []Message
	for {
		if len(d.buf) < 4 {
			break
		}
		length := binary.BigEndian.Uint32(d.buf[:4])
		if length > d.MaxPayload {
			return out, ErrFrameTooLarge
		}
		total := 4 + int(length)
		if len(d.buf) < total {
			break
		}

		raw := make([]byte, total)
		copy(raw, d.buf[:total])
		d.buf = d.buf[total:]

		payload := raw[4:]
		out = append(out, Message{
			RawBytes:   raw,
			PayloadLen: length,
			Decoded:    decodePayload(payload),
		})
	}
	return out, nil
}

func decodePayload(payload []byte) Decoded {
	if len(payload) >= len(pickleSignature) && string(payload[:len(pickleSignature)]) == string(pickleSignature) {
		m, err := decodePickle(payload)
		if err == nil {
			return Decoded{Kind: KindMapping, Mapping: m}
		}
		return Decoded{Kind: KindOpaque, Len: len(payload)}
	}
	if utf8.Valid(payload) {
		return Decoded{Kind: KindText, Text: string(payload)}
	}
	return Decoded{Kind: KindOpaque, Len: len(payload)}
}
