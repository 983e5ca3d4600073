package modbus

import (
	"encoding/binary"
	"math"
)

// registersToFloat32 reconstructs an IEEE-754 32-bit float from a
// two-register response: big-endian byte order within each register and
// big-endian word order across them, so the four bytes read as one
// big-endian uint32 bit pattern.
//
// The caller guarantees at least four bytes.
func registersToFloat32(data []byte) float32 {
	return math.Float32frombits(binary.BigEndian.Uint32(data[:4]))
}

// bytesToRegisters splits a raw response into big-endian 16-bit
// register values.
func bytesToRegisters(data []byte) []uint16 {
	registers := make([]uint16, len(data)/2)
	for i := range registers {
		registers[i] = binary.BigEndian.Uint16(data[2*i:])
	}
	return registers
}
