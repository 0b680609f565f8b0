package mlx5

import (
	"github.com/userspace-nic/connectx4/bits"
	"github.com/userspace-nic/connectx4/internal/reg"
)

// Initialization Segment field offsets, a fixed overlay at BAR
// offset 0.
const (
	offFwRev          = 0x00
	offCmdInterfaceRev = 0x04
	offCmdQPhyAddrHi  = 0x10
	offCmdQPhyAddrLo  = 0x14
	offDoorbell       = 0x18
	offInternalTimer  = 0x1000
	offClearInt       = 0x100c
	offHealthSyndrome = 0x1010
	offInitializing   = 0x1fc
)

// InitSegment is a typed view over the fixed overlay at BAR offset 0.
// It is the only part of the device the command
// interface can reach without already having a working command channel.
type InitSegment struct {
	mem reg.Mem
}

// NewInitSegment wraps a mapped BAR0 as an Initialization Segment.
func NewInitSegment(bar []byte) *InitSegment {
	return &InitSegment{mem: reg.Mem(bar)}
}

// FWRev returns the firmware revision (major in [31:16], minor in [15:0]).
func (s *InitSegment) FWRev() (major, minor uint32) {
	word := reg.GetU32(s.mem, offFwRev)
	return bits.GetBits(word, 31, 16), bits.GetBits(word, 15, 0)
}

// CmdInterfaceRev returns the command-interface revision the firmware
// expects (bits [31:16] of offset 0x04).
func (s *InitSegment) CmdInterfaceRev() uint32 {
	return bits.GetBits(reg.GetU32(s.mem, offCmdInterfaceRev), 31, 16)
}

// NicInterface returns bits [9:8] of offset 0x14.
func (s *InitSegment) NicInterface() uint32 {
	return bits.GetBits(reg.GetU32(s.mem, offCmdQPhyAddrLo), 9, 8)
}

// LogCmdQSize returns bits [7:4] of offset 0x14.
func (s *InitSegment) LogCmdQSize() uint32 {
	return bits.GetBits(reg.GetU32(s.mem, offCmdQPhyAddrLo), 7, 4)
}

// LogCmdQStride returns bits [3:0] of offset 0x14.
func (s *InitSegment) LogCmdQStride() uint32 {
	return bits.GetBits(reg.GetU32(s.mem, offCmdQPhyAddrLo), 3, 0)
}

// WriteCmdQPhyAddr programs the command queue's physical address along with
// log_cmdq_size and log_cmdq_stride (bits [7:4] and [3:0] of the low dword).
// The high dword must be written before the low dword: the device latches
// the full 64-bit address on the low-dword write. phys must have bits [9:0]
// clear: [7:0] carry the size/stride fields and [9:8] (nic_interface) are
// written as zero.
func (s *InitSegment) WriteCmdQPhyAddr(phys uint64, logSize, logStride uint32) {
	reg.PutU32(s.mem, offCmdQPhyAddrHi, bits.PhysHi(phys))

	lo := bits.PhysLo(phys)
	lo = bits.SetBits(lo, 7, 4, logSize)
	lo = bits.SetBits(lo, 3, 0, logStride)
	reg.PutU32(s.mem, offCmdQPhyAddrLo, lo)
}

// RingDoorbell writes bit i of the write-only command-doorbell register.
func (s *InitSegment) RingDoorbell(i int) {
	reg.SetBits(s.mem, offDoorbell, i, i, 1)
}

// ClearInterrupt clears bit 0 of the clear_int register.
func (s *InitSegment) ClearInterrupt() {
	reg.SetBits(s.mem, offClearInt, 0, 0, 1)
}

// HealthSyndrome returns bits [31:24] of the health syndrome register. A
// non-zero value aborts any command in flight.
func (s *InitSegment) HealthSyndrome() uint32 {
	return bits.GetBits(reg.GetU32(s.mem, offHealthSyndrome), 31, 24)
}

// Ready reports the firmware's readiness bit (offset 0x1FC, bit 31). False
// means firmware initialization has not completed.
func (s *InitSegment) Ready() bool {
	return bits.GetBit(reg.GetU32(s.mem, offInitializing), 31)
}

// NicInterfaceSupported returns bits [26:24] of offset 0x1FC.
func (s *InitSegment) NicInterfaceSupported() uint32 {
	return bits.GetBits(reg.GetU32(s.mem, offInitializing), 26, 24)
}

// InternalTimer returns the free-running device timer at offset 0x1000.
func (s *InitSegment) InternalTimer() uint64 {
	hi := reg.GetU32(s.mem, offInternalTimer)
	lo := reg.GetU32(s.mem, offInternalTimer+4)
	return uint64(hi)<<32 | uint64(lo)
}
