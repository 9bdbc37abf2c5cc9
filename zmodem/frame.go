package zmodem

import "encoding/binary"

// Header represents a ZModem frame header.
// The header contains 4 bytes that can represent:
// - Position (file offset) - little-endian 32-bit value
// - Flags (ZF0-ZF3) - various flag bytes depending on frame type
type Header [4]byte

// stohdr stores a position value in a header using little-endian byte order.
func stohdr(pos uint32) Header {
	var hdr Header
	binary.LittleEndian.PutUint32(hdr[:], pos)
	return hdr
}

// rclhdr recovers a 32-bit position value from a header.
func rclhdr(hdr Header) uint32 {
	return binary.LittleEndian.Uint32(hdr[:])
}

const hexDigits = "0123456789abcdef"

// putHex appends a byte as two lowercase hex digits.
func (f *frameBuffer) putHex(c byte) {
	f.raw(hexDigits[c>>4], hexDigits[c&0x0F])
}

// hexHeader appends a hex header. Hex headers carry a CRC-16 and survive
// links that are not 8-bit clean, so every receiver reply uses them.
func (f *frameBuffer) hexHeader(frameType int, hdr Header) {
	f.raw(ZPAD, ZPAD, ZDLE, ZHEX)
	f.putHex(byte(frameType & 0x7F))
	crc := updcrc16(byte(frameType&0x7F), 0)
	for _, b := range hdr {
		f.putHex(b)
		crc = updcrc16(b, crc)
	}
	f.putHex(byte(crc >> 8))
	f.putHex(byte(crc))
	f.raw('\r', '\n'|0x80)
	// Uncork the remote in case it saw XOFF
	if frameType != ZFIN && frameType != ZACK {
		f.raw(XON)
	}
}

// binHeader appends a binary header with a 16-bit (ZBIN) or 32-bit (ZBIN32) CRC.
func (f *frameBuffer) binHeader(frameType int, hdr Header, use32 bool) {
	f.raw(ZPAD, ZDLE)
	if use32 {
		f.raw(ZBIN32)
		f.put(byte(frameType))
		f.putAll(hdr[:])
		crc := CRC32(append([]byte{byte(frameType)}, hdr[:]...), 0)
		var tail [4]byte
		binary.LittleEndian.PutUint32(tail[:], crc)
		f.putAll(tail[:])
		return
	}

	f.raw(ZBIN)
	f.put(byte(frameType))
	crc := updcrc16(byte(frameType), 0)
	for _, b := range hdr {
		f.put(b)
		crc = updcrc16(b, crc)
	}
	f.put(byte(crc >> 8))
	f.put(byte(crc))
}

// subpacket appends a data subpacket closed by frameend (ZCRCE, ZCRCG,
// ZCRCQ or ZCRCW). The CRC covers the data and the terminator byte.
func (f *frameBuffer) subpacket(data []byte, frameend byte, use32 bool) {
	f.putAll(data)
	f.raw(ZDLE, frameend)
	if use32 {
		crc := CRC32(data, 0)
		crc = CRC32([]byte{frameend}, crc)
		var tail [4]byte
		binary.LittleEndian.PutUint32(tail[:], crc)
		f.putAll(tail[:])
	} else {
		crc := CRC16(data, 0)
		crc = updcrc16(frameend, crc)
		f.put(byte(crc >> 8))
		f.put(byte(crc))
	}
	if frameend == ZCRCW {
		f.raw(XON)
	}
}

// getHeader reads until a valid header arrives. Bytes that do not start a
// frame are skipped, up to maxGarbage of them.
//
// Returns the frame type, the header, and whether the header used a 32-bit
// CRC (a following subpacket uses the same CRC width).
func (z *zmodemIO) getHeader(maxGarbage int) (int, Header, bool, error) {
	garbage := 0
	tooMuch := func() bool {
		garbage++
		return maxGarbage > 0 && garbage > maxGarbage
	}

	for {
		c, err := z.noxrd7()
		if err != nil {
			return 0, Header{}, false, err
		}
		if c != ZPAD {
			if tooMuch() {
				return 0, Header{}, false, NewError(ErrInvalidFrame, "garbage count exceeded")
			}
			continue
		}

		for c == ZPAD {
			if c, err = z.noxrd7(); err != nil {
				return 0, Header{}, false, err
			}
		}
		if c != ZDLE {
			if tooMuch() {
				return 0, Header{}, false, NewError(ErrInvalidFrame, "garbage count exceeded")
			}
			continue
		}

		if c, err = z.noxrd7(); err != nil {
			return 0, Header{}, false, err
		}
		switch c {
		case ZBIN:
			t, hdr, err := z.recvBinHeader(false)
			return t, hdr, false, err
		case ZBIN32:
			t, hdr, err := z.recvBinHeader(true)
			return t, hdr, true, err
		case ZHEX:
			t, hdr, err := z.recvHexHeader()
			return t, hdr, false, err
		default:
			if tooMuch() {
				return 0, Header{}, false, NewError(ErrInvalidFrame, "garbage count exceeded")
			}
		}
	}
}

// zdlbyte reads one unescaped byte that must not be a subpacket terminator.
func (z *zmodemIO) zdlbyte() (byte, error) {
	c, err := z.zdlread()
	if err != nil {
		return 0, err
	}
	if c&GOTOR != 0 {
		return 0, NewError(ErrInvalidFrame, "unexpected subpacket end in header")
	}
	return byte(c), nil
}

// recvBinHeader receives the body of a binary header.
func (z *zmodemIO) recvBinHeader(use32 bool) (int, Header, error) {
	var raw [5]byte
	for i := range raw {
		b, err := z.zdlbyte()
		if err != nil {
			return 0, Header{}, err
		}
		raw[i] = b
	}
	frameType := int(raw[0])
	var hdr Header
	copy(hdr[:], raw[1:])

	if use32 {
		var tail [4]byte
		for i := range tail {
			b, err := z.zdlbyte()
			if err != nil {
				return 0, Header{}, err
			}
			tail[i] = b
		}
		if CRC32(raw[:], 0) != binary.LittleEndian.Uint32(tail[:]) {
			return 0, Header{}, NewFrameError(ErrCRC, "bad header CRC", frameType)
		}
		return frameType, hdr, nil
	}

	crc := CRC16(raw[:], 0)
	for i := 0; i < 2; i++ {
		b, err := z.zdlbyte()
		if err != nil {
			return 0, Header{}, err
		}
		crc = updcrc16(b, crc)
	}
	if crc != 0 {
		return 0, Header{}, NewFrameError(ErrCRC, "bad header CRC", frameType)
	}
	return frameType, hdr, nil
}

// zgethex decodes two hex digits.
func (z *zmodemIO) zgethex() (byte, error) {
	var v byte
	for i := 0; i < 2; i++ {
		c, err := z.noxrd7()
		if err != nil {
			return 0, err
		}
		n := hexDigitValue(c)
		if n < 0 {
			return 0, NewError(ErrInvalidFrame, "bad hex digit in header")
		}
		v = v<<4 | byte(n)
	}
	return v, nil
}

// hexDigitValue converts a hex digit character to its numeric value.
// Returns -1 if the character is not a valid hex digit.
func hexDigitValue(c byte) int {
	switch {
	case c >= '0' && c <= '9':
		return int(c - '0')
	case c >= 'a' && c <= 'f':
		return int(c - 'a' + 10)
	case c >= 'A' && c <= 'F':
		return int(c - 'A' + 10)
	}
	return -1
}

// recvHexHeader receives the body of a hex header. The CR/LF/XON trailer is
// left in the stream and skipped as garbage by the next getHeader.
func (z *zmodemIO) recvHexHeader() (int, Header, error) {
	var raw [7]byte
	for i := range raw {
		b, err := z.zgethex()
		if err != nil {
			return 0, Header{}, err
		}
		raw[i] = b
	}
	frameType := int(raw[0])
	var hdr Header
	copy(hdr[:], raw[1:5])
	if CRC16(raw[:], 0) != 0 {
		return 0, Header{}, NewFrameError(ErrCRC, "bad header CRC", frameType)
	}
	return frameType, hdr, nil
}

// recvSubpacket receives a data subpacket into buf.
//
// Returns:
//   - n: number of data bytes stored in buf
//   - frameend: GOTCRCE, GOTCRCG, GOTCRCQ or GOTCRCW
//   - error: ErrCRC on a checksum mismatch, ErrInvalidFrame when the
//     subpacket overruns buf, or the reader's error
func (z *zmodemIO) recvSubpacket(buf []byte, use32 bool) (int, int, error) {
	n := 0
	for {
		c, err := z.zdlread()
		if err != nil {
			return n, 0, err
		}
		if c&GOTOR == 0 {
			if n >= len(buf) {
				return n, 0, NewError(ErrInvalidFrame, "data subpacket too long")
			}
			buf[n] = byte(c)
			n++
			continue
		}

		end := byte(c)
		if use32 {
			crc := CRC32(buf[:n], 0)
			crc = CRC32([]byte{end}, crc)
			var tail [4]byte
			for i := range tail {
				if tail[i], err = z.zdlbyte(); err != nil {
					return n, 0, err
				}
			}
			if crc != binary.LittleEndian.Uint32(tail[:]) {
				return n, 0, NewError(ErrCRC, "bad data subpacket CRC")
			}
			return n, c, nil
		}

		crc := CRC16(buf[:n], 0)
		crc = updcrc16(end, crc)
		for i := 0; i < 2; i++ {
			b, err := z.zdlbyte()
			if err != nil {
				return n, 0, err
			}
			crc = updcrc16(b, crc)
		}
		if crc != 0 {
			return n, 0, NewError(ErrCRC, "bad data subpacket CRC")
		}
		return n, c, nil
	}
}
