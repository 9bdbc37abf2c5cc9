package zmodem

import "hash/crc32"

// crc16Table is the CRC-16/XMODEM table (polynomial 0x1021, MSB first).
var crc16Table = makeCRC16Table(0x1021)

func makeCRC16Table(poly uint16) *[256]uint16 {
	var tab [256]uint16
	for i := 0; i < 256; i++ {
		crc := uint16(i) << 8
		for j := 0; j < 8; j++ {
			if crc&0x8000 != 0 {
				crc = crc<<1 ^ poly
			} else {
				crc <<= 1
			}
		}
		tab[i] = crc
	}
	return &tab
}

// CRC16 returns the CRC-16/XMODEM of data continuing from seed.
// CRC16(b, CRC16(a, 0)) equals CRC16(a++b, 0).
func CRC16(data []byte, seed uint16) uint16 {
	crc := seed
	for _, b := range data {
		crc = crc<<8 ^ crc16Table[byte(crc>>8)^b]
	}
	return crc
}

// updcrc16 folds a single byte into a running CRC-16.
func updcrc16(b byte, crc uint16) uint16 {
	return crc<<8 ^ crc16Table[byte(crc>>8)^b]
}

// CRC32 returns the CRC-32 (IEEE, as used by zlib and ZModem) of data
// continuing from seed. CRC32(b, CRC32(a, 0)) equals CRC32(a++b, 0).
func CRC32(data []byte, seed uint32) uint32 {
	return crc32.Update(seed, crc32.IEEETable, data)
}
