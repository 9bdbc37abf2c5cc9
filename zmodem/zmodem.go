// Package zmodem implements the receive side of the ZModem file transfer
// protocol used by RQP measurement devices, plus the matching send side used
// by the device simulator and the end-to-end tests.
//
// Framing is lrzsz compatible: control frames travel as hex headers with a
// 16-bit CRC, file headers as CRC-16 binary headers and file data as CRC-32
// binary headers followed by CRC-32 data subpackets. Five consecutive CAN
// bytes abort a session from either side at any point of the byte stream.
package zmodem

// Frame format indicators
const (
	// ZPAD is the padding character that begins frames
	ZPAD = '*'

	// ZDLE is the ZModem escape character (Ctrl-X)
	ZDLE = 0x18

	// ZDLEE is the escaped ZDLE as transmitted
	ZDLEE = ZDLE ^ 0x40

	// ZBIN indicates a binary frame with 16-bit CRC
	ZBIN = 'A'

	// ZHEX indicates a hex-encoded frame
	ZHEX = 'B'

	// ZBIN32 indicates a binary frame with 32-bit CRC
	ZBIN32 = 'C'
)

// Frame types
const (
	ZRQINIT    = iota // Request receive init
	ZRINIT            // Receive init
	ZSINIT            // Send init sequence (optional)
	ZACK              // ACK to above
	ZFILE             // File name from sender
	ZSKIP             // To sender: skip this file
	ZNAK              // Last packet was garbled
	ZABORT            // Abort batch transfers
	ZFIN              // Finish session
	ZRPOS             // Resume data trans at this position
	ZDATA             // Data packet(s) follow
	ZEOF              // End of file
	ZFERR             // Fatal Read or Write error Detected
	ZCRC              // Request for file CRC and response
	ZCHALLENGE        // Receiver's Challenge
	ZCOMPL            // Request is complete
	ZCAN              // Other end canned session with CAN*5
	ZFREECNT          // Request for free bytes on filesystem
	ZCOMMAND          // Command from sending program
	ZSTDERR           // Output to standard error, data follows
)

// Subpacket terminators, sent after ZDLE.
const (
	// ZCRCE - CRC next, frame ends, header packet follows
	ZCRCE = 'h'

	// ZCRCG - CRC next, frame continues nonstop
	ZCRCG = 'i'

	// ZCRCQ - CRC next, frame continues, ZACK expected
	ZCRCQ = 'j'

	// ZCRCW - CRC next, ZACK expected, end of frame
	ZCRCW = 'k'

	// ZRUB0 - Translate to rubout 0177
	ZRUB0 = 'l'

	// ZRUB1 - Translate to rubout 0377
	ZRUB1 = 'm'
)

// Unescaper return values above the byte range.
const (
	GOTOR   = 0x100
	GOTCRCE = ZCRCE | GOTOR // ZDLE-ZCRCE received
	GOTCRCG = ZCRCG | GOTOR // ZDLE-ZCRCG received
	GOTCRCQ = ZCRCQ | GOTOR // ZDLE-ZCRCQ received
	GOTCRCW = ZCRCW | GOTOR // ZDLE-ZCRCW received
)

// Byte positions within header array
const (
	// ZF0-ZF3 are flag bytes (ZF0 is first flags byte)
	ZF0 = 3
	ZF1 = 2
	ZF2 = 1
	ZF3 = 0

	// ZP0-ZP3 are position bytes (ZP0 is low order, ZP3 is high order)
	ZP0 = 0
	ZP1 = 1
	ZP2 = 2
	ZP3 = 3
)

// Bit Masks for ZRINIT flags byte ZF0
const (
	CANFDX  = 0x01 // Rx can send and receive true FDX
	CANOVIO = 0x02 // Rx can receive data during disk I/O
	CANBRK  = 0x04 // Rx can send a break signal
	CANFC32 = 0x20 // Receiver can use 32 bit Frame Check
	ESCCTL  = 0x40 // Receiver expects ctl chars to be escaped
	ESC8    = 0x80 // Receiver expects 8th bit to be escaped
)

// ZATTNLEN is the max length of the attention string carried by ZSINIT.
const ZATTNLEN = 32

// TESCCTL is the ZSINIT ZF0 bit asking for escaped control characters.
const TESCCTL = 0x40

// ZCBIN in ZFILE ZF0 asks for a binary transfer.
const ZCBIN = 1

// ZMCLOB in ZFILE ZF1 asks the receiver to replace an existing file.
const ZMCLOB = 4

// Control characters
const (
	CAN  = 0x18
	XON  = 0x11
	XOFF = 0x13
	BS   = 0x08
)

// CancelLength is the number of consecutive CAN bytes that abort a session.
const CancelLength = 5

// CancelSequence is sent to abort a session. The trailing backspaces erase
// the CAN bytes on a terminal that happens to echo them, as lrzsz does.
var CancelSequence = []byte{
	CAN, CAN, CAN, CAN, CAN,
	BS, BS, BS, BS, BS, BS, BS, BS, BS, BS,
}

var frametypes = []string{
	"ZRQINIT",
	"ZRINIT",
	"ZSINIT",
	"ZACK",
	"ZFILE",
	"ZSKIP",
	"ZNAK",
	"ZABORT",
	"ZFIN",
	"ZRPOS",
	"ZDATA",
	"ZEOF",
	"ZFERR",
	"ZCRC",
	"ZCHALLENGE",
	"ZCOMPL",
	"ZCAN",
	"ZFREECNT",
	"ZCOMMAND",
	"ZSTDERR",
}

// FrameTypeName returns the human-readable name for a frame type.
// Returns "UNKNOWN" for invalid frame types.
func FrameTypeName(frameType int) string {
	if frameType < 0 || frameType >= len(frametypes) {
		return "UNKNOWN"
	}
	return frametypes[frameType]
}
