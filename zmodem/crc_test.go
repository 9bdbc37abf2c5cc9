package zmodem

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCRC16CheckValue(t *testing.T) {
	assert.Equal(t, uint16(0x31C3), CRC16([]byte("123456789"), 0))
	assert.Equal(t, uint16(0), CRC16(nil, 0))
}

func TestCRC32CheckValue(t *testing.T) {
	assert.Equal(t, uint32(0xCBF43926), CRC32([]byte("123456789"), 0))
	assert.Equal(t, uint32(0), CRC32(nil, 0))
}

func TestCRCComposes(t *testing.T) {
	data := []byte("Hello, ZMODEM! \x00\x18\x11\x13\xff")
	for split := 0; split <= len(data); split++ {
		a, b := data[:split], data[split:]
		assert.Equal(t, CRC16(data, 0), CRC16(b, CRC16(a, 0)), "crc16 split %d", split)
		assert.Equal(t, CRC32(data, 0), CRC32(b, CRC32(a, 0)), "crc32 split %d", split)
	}
}

func TestCRC16Residue(t *testing.T) {
	data := []byte("header bytes")
	var tail [2]byte
	binary.BigEndian.PutUint16(tail[:], CRC16(data, 0))
	assert.Equal(t, uint16(0), CRC16(tail[:], CRC16(data, 0)))
}

func TestUpdcrc16MatchesCRC16(t *testing.T) {
	data := []byte{ZFILE, 0, 0, 0, ZCBIN}
	var crc uint16
	for _, b := range data {
		crc = updcrc16(b, crc)
	}
	assert.Equal(t, CRC16(data, 0), crc)
}
