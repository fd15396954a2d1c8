// Package crc16 implements the CRC-16/XMODEM checksum used on every framed
// exchange with a Davis Vantage Pro 2 console: polynomial 0x1021, initial
// value 0, no reflection, checksum appended big-endian.
package crc16

import "encoding/binary"

// table is the 256-entry XMODEM lookup table, generated once from
// polynomial 0x1021. Davis documents the table as a literal constant in its
// serial protocol reference; we keep it computed so the polynomial is the
// single source of truth.
var table [256]uint16

func init() {
	const poly = 0x1021
	for i := 0; i < 256; i++ {
		crc := uint16(i) << 8
		for bit := 0; bit < 8; bit++ {
			if crc&0x8000 != 0 {
				crc = (crc << 1) ^ poly
			} else {
				crc <<= 1
			}
		}
		table[i] = crc
	}
}

// Crc16 computes the running CRC-16/XMODEM checksum over data. It never
// fails; callers interpret a false Check result as a corrupted frame.
func Crc16(data []byte) uint16 {
	var crc uint16
	for _, b := range data {
		crc = table[byte(crc>>8)^b] ^ (crc << 8)
	}
	return crc
}

// Check reports whether data carries a valid trailing CRC: the CRC of the
// whole buffer (payload plus appended checksum) must be zero. An empty
// buffer is never valid, even though crc16.Crc16(nil) == 0.
func Check(data []byte) bool {
	return len(data) != 0 && Crc16(data) == 0
}

// WithChecksum appends the big-endian CRC-16/XMODEM of payload to a copy of
// payload and returns the result.
func WithChecksum(payload []byte) []byte {
	out := make([]byte, len(payload)+2)
	copy(out, payload)
	binary.BigEndian.PutUint16(out[len(payload):], Crc16(payload))
	return out
}
