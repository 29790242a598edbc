package frame

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

func frameOf(payload []byte) []byte {
	out := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(out[:4], uint32(len(payload)))
	copy(out[4:], payload)
	return out
}

func TestDecoderTextMessage(t *testing.T) {
	d := NewDecoder()
	framed := frameOf([]byte("hello"))

	msgs, err := d.Append(framed)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, framed, msgs[0].RawBytes)
	require.Equal(t, KindText, msgs[0].Decoded.Kind)
	require.Equal(t, "hello", msgs[0].Decoded.Text)
}

func TestDecoderSplitAcrossChunks(t *testing.T) {
	framed := frameOf([]byte("#CHALLENGE#ABC"))

	// Split at every byte boundary; the concatenation must always
	// decode identically to feeding it whole.
	whole := NewDecoder()
	wantMsgs, err := whole.Append(framed)
	require.NoError(t, err)

	for split := 1; split < len(framed); split++ {
		d := NewDecoder()
		var got []Message
		first, err := d.Append(framed[:split])
		require.NoError(t, err)
		got = append(got, first...)
		second, err := d.Append(framed[split:])
		require.NoError(t, err)
		got = append(got, second...)

		require.Len(t, got, len(wantMsgs))
		for i := range got {
			require.Equal(t, wantMsgs[i].RawBytes, got[i].RawBytes)
		}
	}
}

func TestDecoderMultipleMessagesOneChunk(t *testing.T) {
	d := NewDecoder()
	chunk := append(frameOf([]byte("a")), frameOf([]byte("bb"))...)

	msgs, err := d.Append(chunk)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.Equal(t, "a", msgs[0].Decoded.Text)
	require.Equal(t, "bb", msgs[1].Decoded.Text)
}

func TestDecoderOpaqueBinary(t *testing.T) {
	d := NewDecoder()
	invalidUTF8 := []byte{0xff, 0xfe, 0x00, 0x01}
	msgs, err := d.Append(frameOf(invalidUTF8))
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, KindOpaque, msgs[0].Decoded.Kind)
	require.Equal(t, len(invalidUTF8), msgs[0].Decoded.Len)
}

func TestDecoderFrameTooLarge(t *testing.T) {
	d := &Decoder{MaxPayload: 8}
	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, 1<<20)

	_, err := d.Append(header)
	require.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestDecoderPickleMapping(t *testing.T) {
	// Hand-assembled minimal pickle protocol 4 stream for
	// {"action": "get_status"}:
	// PROTO 4, EMPTY_DICT, MARK, SHORT_BINUNICODE "action", SHORT_BINUNICODE "get_status", SETITEMS, STOP
	var payload []byte
	payload = append(payload, 0x80, 0x04)
	payload = append(payload, 0x95)
	payload = append(payload, make([]byte, 8)...) // frame length, unused by decoder
	payload = append(payload, '}')
	payload = append(payload, '(')
	payload = append(payload, 0x8c, byte(len("action")))
	payload = append(payload, []byte("action")...)
	payload = append(payload, 0x8c, byte(len("get_status")))
	payload = append(payload, []byte("get_status")...)
	payload = append(payload, 'u')
	payload = append(payload, '.')

	d := NewDecoder()
	msgs, err := d.Append(frameOf(payload))
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, KindMapping, msgs[0].Decoded.Kind)
	action, ok := msgs[0].Decoded.Action()
	require.True(t, ok)
	require.Equal(t, "get_status", action)
}

func TestDecoderPickleFailureFallsBackToOpaque(t *testing.T) {
	payload := append([]byte{0x80, 0x04, 0x95}, []byte("not actually a valid pickle stream")...)
	d := NewDecoder()
	msgs, err := d.Append(frameOf(payload))
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, KindOpaque, msgs[0].Decoded.Kind)
}

func TestDecoderByteConservation(t *testing.T) {
	d := NewDecoder()
	var input []byte
	for _, s := range []string{"one", "two", "three"} {
		input = append(input, frameOf([]byte(s))...)
	}

	msgs, err := d.Append(input)
	require.NoError(t, err)

	var out []byte
	for _, m := range msgs {
		out = append(out, m.RawBytes...)
	}
	require.Equal(t, input, out)
}
