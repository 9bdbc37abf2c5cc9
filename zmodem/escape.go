package zmodem

import "io"

// escapeType indicates how a byte should be escaped when sending
type escapeType int

const (
	escapeNone        escapeType = iota // No escaping needed
	escapeAlways                        // Always escape (XOR with 0x40)
	escapeConditional                   // Escape if previous byte was '@'
)

// DLE (^P) is escaped so that telnet-style links do not eat it.
const dle = 0x10

// newEscapeTable builds the table of bytes that need ZDLE escaping.
//
// Parameters:
//   - zctlesc: if true, escape all control characters
func newEscapeTable(zctlesc bool) *[256]escapeType {
	var tab [256]escapeType
	for i := 0; i < 256; i++ {
		if i&0x60 != 0 {
			// Bits 5 or 6 set, printable in either half
			continue
		}
		switch byte(i) {
		case ZDLE, XON, XOFF, XON | 0x80, XOFF | 0x80, dle, dle | 0x80:
			tab[i] = escapeAlways
		case '\r', '\r' | 0x80:
			if zctlesc {
				tab[i] = escapeAlways
			} else {
				tab[i] = escapeConditional
			}
		default:
			if zctlesc {
				tab[i] = escapeAlways
			}
		}
	}
	return &tab
}

var defaultEscapeTable = newEscapeTable(false)

// frameBuffer accumulates one outgoing frame so that it reaches the port in
// a single Write call.
type frameBuffer struct {
	buf      []byte
	lastSent byte
	table    *[256]escapeType
}

func newFrameBuffer(size int) *frameBuffer {
	return &frameBuffer{
		buf:   make([]byte, 0, size),
		table: defaultEscapeTable,
	}
}

// raw appends bytes without escaping.
func (f *frameBuffer) raw(p ...byte) {
	f.buf = append(f.buf, p...)
	if len(p) > 0 {
		f.lastSent = p[len(p)-1]
	}
}

// put appends one byte with ZDLE escaping if needed.
func (f *frameBuffer) put(c byte) {
	switch f.table[c] {
	case escapeAlways:
		f.buf = append(f.buf, ZDLE, c^0x40)
		f.lastSent = c ^ 0x40
	case escapeConditional:
		if f.lastSent&0x7F == '@' {
			f.buf = append(f.buf, ZDLE, c^0x40)
			f.lastSent = c ^ 0x40
			return
		}
		fallthrough
	default:
		f.buf = append(f.buf, c)
		f.lastSent = c
	}
}

// putAll appends p with escaping.
func (f *frameBuffer) putAll(p []byte) {
	for _, c := range p {
		f.put(c)
	}
}

// flush writes the buffered frame and resets the buffer.
func (f *frameBuffer) flush(w io.Writer) error {
	if len(f.buf) == 0 {
		return nil
	}
	_, err := w.Write(f.buf)
	f.buf = f.buf[:0]
	return err
}

// zdlread reads a single byte with ZDLE unescaping.
//
// Special return values:
//   - GOTCRCE, GOTCRCG, GOTCRCQ, GOTCRCW: subpacket end sequences
//
// A run of CAN bytes surfaces as ErrCancelled from the byte reader.
func (z *zmodemIO) zdlread() (int, error) {
	for {
		c, err := z.ReadByte()
		if err != nil {
			return 0, err
		}
		if c&0x60 != 0 {
			return int(c), nil
		}
		switch c {
		case ZDLE:
			return z.zdlread2()
		case XON, XON | 0x80, XOFF, XOFF | 0x80:
			continue
		default:
			return int(c), nil
		}
	}
}

// zdlread2 decodes the byte following a ZDLE.
func (z *zmodemIO) zdlread2() (int, error) {
	for {
		c, err := z.ReadByte()
		if err != nil {
			return 0, err
		}
		switch c {
		case ZCRCE, ZCRCG, ZCRCQ, ZCRCW:
			return int(c) | GOTOR, nil
		case ZRUB0:
			return 0x7F, nil
		case ZRUB1:
			return 0xFF, nil
		case XON, XON | 0x80, XOFF, XOFF | 0x80:
			continue
		}
		if c&0x60 == 0x40 {
			return int(c ^ 0x40), nil
		}
		return 0, NewError(ErrInvalidFrame, "bad escape sequence")
	}
}
