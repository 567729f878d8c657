// Package decode extracts single bits and 16-bit words from raw data-block
// buffers. S7 stores multi-byte values big-endian; bit 0 is the least
// significant bit of its byte.
package decode

import (
	"encoding/binary"
	"fmt"
)

// GetBit returns bit bitIndex (0..7) of buf[byteIndex].
// It panics if byteIndex is outside buf or bitIndex is outside 0..7.
func GetBit(buf []byte, byteIndex, bitIndex int) bool {
	if bitIndex < 0 || bitIndex > 7 {
		panic(fmt.Sprintf("decode: bit index %d out of range 0..7", bitIndex))
	}
	if byteIndex < 0 || byteIndex >= len(buf) {
		panic(fmt.Sprintf("decode: byte index %d out of range for %d-byte buffer", byteIndex, len(buf)))
	}
	return buf[byteIndex]&(1<<uint(bitIndex)) != 0
}

// GetWord returns the big-endian unsigned 16-bit value at buf[byteIndex:byteIndex+2].
// It panics if byteIndex+1 is outside buf.
func GetWord(buf []byte, byteIndex int) uint16 {
	if byteIndex < 0 || byteIndex+1 >= len(buf) {
		panic(fmt.Sprintf("decode: word at byte %d out of range for %d-byte buffer", byteIndex, len(buf)))
	}
	return binary.BigEndian.Uint16(buf[byteIndex:])
}

// SetBit sets or clears bit bitIndex of buf[byteIndex]. Same bounds as GetBit.
func SetBit(buf []byte, byteIndex, bitIndex int, on bool) {
	if bitIndex < 0 || bitIndex > 7 {
		panic(fmt.Sprintf("decode: bit index %d out of range 0..7", bitIndex))
	}
	if byteIndex < 0 || byteIndex >= len(buf) {
		panic(fmt.Sprintf("decode: byte index %d out of range for %d-byte buffer", byteIndex, len(buf)))
	}
	if on {
		buf[byteIndex] |= 1 << uint(bitIndex)
	} else {
		buf[byteIndex] &^= 1 << uint(bitIndex)
	}
}

// PutWord stores v big-endian at buf[byteIndex:byteIndex+2]. Same bounds as GetWord.
func PutWord(buf []byte, byteIndex int, v uint16) {
	if byteIndex < 0 || byteIndex+1 >= len(buf) {
		panic(fmt.Sprintf("decode: word at byte %d out of range for %d-byte buffer", byteIndex, len(buf)))
	}
	binary.BigEndian.PutUint16(buf[byteIndex:], v)
}
