package frame

import (
	"encoding/binary"
	"errors"
	"math"
)

// errUnsupportedPickle is returned for any opcode this minimal
// interpreter doesn't know how to evaluate (e.g. GLOBAL/REDUCE building
// a numpy array). It is never exposed outside this package: a message
// that can't be decoded this way degrades to KindOpaque, per spec.
var errUnsupportedPickle = errors.New("frame: unsupported pickle opcode")

// decodePickle interprets a small, protocol-2..5-compatible subset of
// the Python pickle bytecode sufficient to recover a top-level dict of
// string keys to primitive/nested values. Anything it can't evaluate
// (object construction via REDUCE/NEWOBJ/GLOBAL, persistent IDs,
// extension codes) returns errUnsupportedPickle so the caller falls
// back to KindOpaque, matching the "parsing raises" failure path.
func decodePickle(payload []byte) (map[string]any, error) {
	p := &pickleVM{buf: payload}
	return p.run()
}

type markType struct{}

var mark = markType{}

type pickleVM struct {
	buf    []byte
	pos    int
	stack  []any
	memo   map[int]any
	topLvl map[string]any
}

func (p *pickleVM) run() (map[string]any, error) {
	p.memo = make(map[int]any)
	for {
		if p.pos >= len(p.buf) {
			return nil, errors.New("frame: truncated pickle stream")
		}
		op := p.buf[p.pos]
		p.pos++
		switch op {
		case 0x80: // PROTO
			if err := p.need(1); err != nil {
				return nil, err
			}
			p.pos++ // protocol byte
		case 0x95: // FRAME
			if err := p.need(8); err != nil {
				return nil, err
			}
			p.pos += 8
		case '.': // STOP
			top, err := p.pop()
			if err != nil {
				return nil, err
			}
			m, ok := top.(map[string]any)
			if !ok {
				return nil, errUnsupportedPickle
			}
			return m, nil
		case '}': // EMPTY_DICT
			p.push(map[string]any{})
		case ']': // EMPTY_LIST
			p.push([]any{})
		case ')': // EMPTY_TUPLE
			p.push([]any{})
		case '(': // MARK
			p.push(mark)
		case 'N': // NONE
			p.push(nil)
		case 0x88: // NEWTRUE
			p.push(true)
		case 0x89: // NEWFALSE
			p.push(false)
		case 'K': // BININT1
			if err := p.need(1); err != nil {
				return nil, err
			}
			p.push(int64(p.buf[p.pos]))
			p.pos++
		case 'M': // BININT2
			if err := p.need(2); err != nil {
				return nil, err
			}
			p.push(int64(binary.LittleEndian.Uint16(p.buf[p.pos:])))
			p.pos += 2
		case 'J': // BININT
			if err := p.need(4); err != nil {
				return nil, err
			}
			p.push(int64(int32(binary.LittleEndian.Uint32(p.buf[p.pos:]))))
			p.pos += 4
		case 0x8a: // LONG1
			if err := p.need(1); err != nil {
				return nil, err
			}
			n := int(p.buf[p.pos])
			p.pos++
			if err := p.need(n); err != nil {
				return nil, err
			}
			v := decodeLong(p.buf[p.pos : p.pos+n])
			p.pos += n
			p.push(v)
		case 'G': // BINFLOAT
			if err := p.need(8); err != nil {
				return nil, err
			}
			bits := binary.BigEndian.Uint64(p.buf[p.pos:])
			p.push(math.Float64frombits(bits))
			p.pos += 8
		case 'U': // SHORT_BINSTRING
			if err := p.need(1); err != nil {
				return nil, err
			}
			n := int(p.buf[p.pos])
			p.pos++
			if err := p.need(n); err != nil {
				return nil, err
			}
			p.push(string(p.buf[p.pos : p.pos+n]))
			p.pos += n
		case 0x8c: // SHORT_BINUNICODE
			if err := p.need(1); err != nil {
				return nil, err
			}
			n := int(p.buf[p.pos])
			p.pos++
			if err := p.need(n); err != nil {
				return nil, err
			}
			p.push(string(p.buf[p.pos : p.pos+n]))
			p.pos += n
		case 'X': // BINUNICODE
			if err := p.need(4); err != nil {
				return nil, err
			}
			n := int(binary.LittleEndian.Uint32(p.buf[p.pos:]))
			p.pos += 4
			if err := p.need(n); err != nil {
				return nil, err
			}
			p.push(string(p.buf[p.pos : p.pos+n]))
			p.pos += n
		case 0x8d: // BINUNICODE8
			if err := p.need(8); err != nil {
				return nil, err
			}
			n := int(binary.LittleEndian.Uint64(p.buf[p.pos:]))
			p.pos += 8
			if err := p.need(n); err != nil {
				return nil, err
			}
			p.push(string(p.buf[p.pos : p.pos+n]))
			p.pos += n
		case 'C': // SHORT_BINBYTES
			if err := p.need(1); err != nil {
				return nil, err
			}
			n := int(p.buf[p.pos])
			p.pos++
			if err := p.need(n); err != nil {
				return nil, err
			}
			b := append([]byte(nil), p.buf[p.pos:p.pos+n]...)
			p.push(b)
			p.pos += n
		case 'B': // BINBYTES
			if err := p.need(4); err != nil {
				return nil, err
			}
			n := int(binary.LittleEndian.Uint32(p.buf[p.pos:]))
			p.pos += 4
			if err := p.need(n); err != nil {
				return nil, err
			}
			b := append([]byte(nil), p.buf[p.pos:p.pos+n]...)
			p.push(b)
			p.pos += n
		case '\x85': // TUPLE1
			a, err := p.pop()
			if err != nil {
				return nil, err
			}
			p.push([]any{a})
		case '\x86': // TUPLE2
			b, err := p.pop()
			if err != nil {
				return nil, err
			}
			a, err := p.pop()
			if err != nil {
				return nil, err
			}
			p.push([]any{a, b})
		case '\x87': // TUPLE3
			c, err := p.pop()
			if err != nil {
				return nil, err
			}
			b, err := p.pop()
			if err != nil {
				return nil, err
			}
			a, err := p.pop()
			if err != nil {
				return nil, err
			}
			p.push([]any{a, b, c})
		case 't': // TUPLE
			items, err := p.popToMark()
			if err != nil {
				return nil, err
			}
			p.push(items)
		case 'e': // APPENDS
			items, err := p.popToMark()
			if err != nil {
				return nil, err
			}
			top, err := p.pop()
			if err != nil {
				return nil, err
			}
			list, ok := top.([]any)
			if !ok {
				return nil, errUnsupportedPickle
			}
			p.push(append(list, items...))
		case 'a': // APPEND
			v, err := p.pop()
			if err != nil {
				return nil, err
			}
			top, err := p.pop()
			if err != nil {
				return nil, err
			}
			list, ok := top.([]any)
			if !ok {
				return nil, errUnsupportedPickle
			}
			p.push(append(list, v))
		case 'u': // SETITEMS
			items, err := p.popToMark()
			if err != nil {
				return nil, err
			}
			top, err := p.pop()
			if err != nil {
				return nil, err
			}
			dict, ok := top.(map[string]any)
			if !ok {
				return nil, errUnsupportedPickle
			}
			for i := 0; i+1 < len(items); i += 2 {
				key, ok := items[i].(string)
				if !ok {
					return nil, errUnsupportedPickle
				}
				dict[key] = items[i+1]
			}
			p.push(dict)
		case 's': // SETITEM
			v, err := p.pop()
			if err != nil {
				return nil, err
			}
			k, err := p.pop()
			if err != nil {
				return nil, err
			}
			top, err := p.pop()
			if err != nil {
				return nil, err
			}
			dict, ok := top.(map[string]any)
			if !ok {
				return nil, errUnsupportedPickle
			}
			key, ok := k.(string)
			if !ok {
				return nil, errUnsupportedPickle
			}
			dict[key] = v
			p.push(dict)
		case 'q': // BINPUT
			if err := p.need(1); err != nil {
				return nil, err
			}
			idx := int(p.buf[p.pos])
			p.pos++
			if err := p.memoize(idx); err != nil {
				return nil, err
			}
		case 'r': // LONG_BINPUT
			if err := p.need(4); err != nil {
				return nil, err
			}
			idx := int(binary.LittleEndian.Uint32(p.buf[p.pos:]))
			p.pos += 4
			if err := p.memoize(idx); err != nil {
				return nil, err
			}
		case 0x94: // MEMOIZE
			if err := p.memoize(len(p.memo)); err != nil {
				return nil, err
			}
		case 'h': // BINGET
			if err := p.need(1); err != nil {
				return nil, err
			}
			idx := int(p.buf[p.pos])
			p.pos++
			v, ok := p.memo[idx]
			if !ok {
				return nil, errUnsupportedPickle
			}
			p.push(v)
		case 'j': // LONG_BINGET
			if err := p.need(4); err != nil {
				return nil, err
			}
			idx := int(binary.LittleEndian.Uint32(p.buf[p.pos:]))
			p.pos += 4
			v, ok := p.memo[idx]
			if !ok {
				return nil, errUnsupportedPickle
			}
			p.push(v)
		default:
			return nil, errUnsupportedPickle
		}
	}
}

func (p *pickleVM) need(n int) error {
	if p.pos+n > len(p.buf) {
		return errors.New("frame: truncated pickle stream")
	}
	return nil
}

func (p *pickleVM) push(v any) { p.stack = append(p.stack, v) }

func (p *pickleVM) pop() (any, error) {
	if len(p.stack) == 0 {
		return nil, errUnsupportedPickle
	}
	v := p.stack[len(p.stack)-1]
	p.stack = p.stack[:len(p.stack)-1]
	return v, nil
}

func (p *pickleVM) popToMark() ([]any, error) {
	for i := len(p.stack) - 1; i >= 0; i-- {
		if _, ok := p.stack[i].(markType); ok {
			items := append([]any(nil), p.stack[i+1:]...)
			p.stack = p.stack[:i]
			return items, nil
		}
	}
	return nil, errUnsupportedPickle
}

func (p *pickleVM) memoize(idx int) error {
	if len(p.stack) == 0 {
		return errUnsupportedPickle
	}
	p.memo[idx] = p.stack[len(p.stack)-1]
	return nil
}

// decodeLong decodes a pickle LONG1 little-endian two's-complement integer.
func decodeLong(b []byte) int64 {
	if len(b) == 0 {
		return 0
	}
	var v int64
	for i := len(b) - 1; i >= 0; i-- {
		v = v<<8 | int64(b[i])
	}
	if len(b) < 8 && b[len(b)-1]&0x80 != 0 {
		v -= 1 << (8 * uint(len(b)))
	}
	return v
}
