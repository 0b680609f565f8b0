// Package reg provides aligned, byte-swapped access to mapped device memory
// (a PCIe BAR mapping, or any other host-visible window onto device-owned
// registers and DMA descriptors).
//
// The Mellanox PRM and the WQE/CQE/EQE layouts it describes are entirely
// big-endian, regardless of host byte order, so every access through this
// package swaps bytes rather than leaving that to the caller.
package reg

import (
	"encoding/binary"
	"fmt"

	"github.com/userspace-nic/connectx4/bits"
)

// Mem is a byte-addressable device-memory window, typically a BAR mapping
// handed back by a pci.Device, or a DMA-allocated buffer.
type Mem []byte

// GetU32 reads the naturally-aligned 32-bit big-endian word at offset.
func GetU32(mem Mem, offset int) uint32 {
	checkAligned(offset)
	checkBounds(mem, offset, 4)
	return binary.BigEndian.Uint32(mem[offset : offset+4])
}

// PutU32 writes the naturally-aligned 32-bit big-endian word at offset.
func PutU32(mem Mem, offset int, val uint32) {
	checkAligned(offset)
	checkBounds(mem, offset, 4)
	binary.BigEndian.PutUint32(mem[offset:offset+4], val)
}

// GetBits reads the inclusive bit range [hi:lo] of the dword at offset.
func GetBits(mem Mem, offset int, hi, lo int) uint32 {
	return bits.GetBits(GetU32(mem, offset), hi, lo)
}

// SetBits replaces the inclusive bit range [hi:lo] of the dword at offset,
// preserving all other bits, and writes the result back.
func SetBits(mem Mem, offset int, hi, lo int, val uint32) {
	PutU32(mem, offset, bits.SetBits(GetU32(mem, offset), hi, lo, val))
}

func checkAligned(offset int) {
	if offset%4 != 0 {
		panic(fmt.Sprintf("reg: offset %#x is not dword-aligned", offset))
	}
}

func checkBounds(mem Mem, offset, size int) {
	if offset < 0 || offset+size > len(mem) {
		panic(fmt.Sprintf("reg: offset %#x out of bounds (len %#x)", offset, len(mem)))
	}
}
