// Package hcasim is a synchronous, in-process stand-in for a ConnectX-4/LX
// HCA. It never runs a goroutine and never touches real hardware: it decodes
// command-queue entries the same way firmware would, from the command
// interface's own Clock.Sleep hook, and answers instantly. It exists so the
// mlx5 package's bring-up and datapath can be exercised in ordinary tests.
package hcasim

import (
	"fmt"
	"sync"
	"time"

	"github.com/userspace-nic/connectx4/bits"
	"github.com/userspace-nic/connectx4/dma"
	"github.com/userspace-nic/connectx4/internal/reg"
)

// Command-queue-entry and mailbox field offsets. These are restated rather
// than imported from the mlx5 package: the point of a simulator is to model
// the wire format independently, the way firmware and a host driver are two
// separate implementations of the same PRM-defined protocol.
const (
	cqeOffInputLength  = 0x04
	cqeOffInputMbHi    = 0x08
	cqeOffInputMbLo    = 0x0c
	cqeOffInlineInput  = 0x10
	cqeOffInlineOutput = 0x20
	cqeOffOutputMbHi   = 0x30
	cqeOffOutputMbLo   = 0x34
	cqeOffOutputLength = 0x38
	cqeOffTokenEtc     = 0x3c
	cqeSize            = 0x40

	mailboxSize     = 0x240
	mailboxDataSize = 0x200
	mbOffNextPtrHi  = 0x230
	mbOffNextPtrLo  = 0x234

	inlineWindowSize = 16

	barSize = 0x2000

	offCmdQPhyAddrHi  = 0x10
	offCmdQPhyAddrLo  = 0x14
	offHealthSyndrome = 0x1010
	offInitializing   = 0x1fc
)

// Firmware opcodes this simulator understands. Values match the PRM and the
// mlx5 package's own opcode table, restated for the reason given above.
const (
	OpQueryHcaCap            = 0x100
	OpInitHca                = 0x102
	OpTeardownHca            = 0x103
	OpEnableHca              = 0x104
	OpDisableHca             = 0x105
	OpQueryPages             = 0x107
	OpManagePages            = 0x108
	OpSetIssi                = 0x10b
	OpQuerySpecialContexts   = 0x203
	OpQueryVportState        = 0x750
	OpQueryNicVportContext   = 0x754
	OpCreateEq               = 0x301
	OpDestroyEq              = 0x302
	OpCreateCq               = 0x400
	OpDestroyCq              = 0x401
	OpAllocPd                = 0x800
	OpAllocUar               = 0x802
	OpDeallocUar             = 0x803
	OpAccessRegister         = 0x805
	OpAllocTransportDomain   = 0x816
	OpDeallocTransportDomain = 0x817
	OpCreateTir              = 0x900
	OpDestroyTir             = 0x901
	OpCreateSq               = 0x904
	OpModifySq               = 0x905
	OpDestroySq              = 0x906
	OpCreateRq               = 0x908
	OpModifyRq               = 0x909
	OpDestroyRq              = 0x90a
	OpCreateTis              = 0x912
	OpDestroyTis             = 0x913
	OpSetFlowTableRoot       = 0x92f
	OpCreateFlowTable        = 0x930
	OpDestroyFlowTable       = 0x931
	OpCreateFlowGroup        = 0x933
	OpDestroyFlowGroup       = 0x934
	OpSetFlowTableEntry      = 0x936
	OpDeleteFlowTableEntry   = 0x937
)

// physResolver is the subset of dma.Region/dma.HostRegion this package
// needs: translating a physical address the host wrote into a descriptor
// back to the byte slice backing it. Allocators that can't do this (a bare
// dma.Allocator without the extra method) can't back a simulated device.
type physResolver interface {
	PhysToVirt(phys uint64, size int) ([]byte, error)
}

// TraceEntry records one command the simulator answered, in issue order.
type TraceEntry struct {
	Opcode uint16
	OpMod  uint16
	Input  []byte // the full logical input buffer, inline window plus mailboxes
}

// CommandFailure overrides a dispatch result with a specific command status
// and syndrome, as if firmware rejected the request.
type CommandFailure struct {
	Status   uint8
	Syndrome uint32
}

// Capabilities are the log_max_* values QUERY_HCA_CAP reports. Tests mutate
// these before bring-up to drive the object-creation ExceedLim path.
type Capabilities struct {
	LogMaxEQ  uint32
	LogMaxCQ  uint32
	LogMaxSQ  uint32
	LogMaxRQ  uint32
	LogMaxTIR uint32
	LogMaxTIS uint32
}

// Device is a simulated HCA: a fake BAR0, a handle to the same DMA allocator
// the driver under test uses, and the state needed to answer the opcodes
// bring-up and the datapath issue.
type Device struct {
	mu sync.Mutex

	BAR   []byte
	alloc physResolver

	Trace []TraceEntry

	// QueryPagesN maps a QUERY_PAGES op_mod (1=boot, 2=init, 3=regular) to
	// the page count reported back. Defaults to 1 for all three so
	// MANAGE_PAGES is always exercised, matching real firmware's bring-up
	// behavior of always wanting at least a page of each class.
	QueryPagesN map[uint16]int32

	// RLKey is the value QUERY_SPECIAL_CONTEXTS reports.
	RLKey uint32

	// MAC is the permanent address QUERY_NIC_VPORT_CONTEXT reports.
	MAC [6]byte

	// Caps is what QUERY_HCA_CAP reports. Generous defaults so enabling
	// Config.QueryCapabilities doesn't itself break bring-up.
	Caps Capabilities

	// ForceCommandError makes a specific opcode fail with a fixed status
	// and syndrome instead of succeeding.
	ForceCommandError map[uint16]CommandFailure

	readyAfterTicks int
	nextHandle      uint32
}

// New builds a simulated device whose DMA-visible memory comes from alloc.
// alloc must be (or embed) a *dma.Region, since the simulator needs to
// translate physical addresses the host wrote into descriptors back to
// readable/writable memory.
func New(alloc dma.Allocator) (*Device, error) {
	resolver, ok := alloc.(physResolver)
	if !ok {
		return nil, fmt.Errorf("hcasim: allocator %T cannot resolve physical addresses", alloc)
	}

	return &Device{
		BAR:   make([]byte, barSize),
		alloc: resolver,
		MAC:   [6]byte{0x02, 0x00, 0x00, 0x00, 0x00, 0x01},
		QueryPagesN: map[uint16]int32{
			1: 1, // boot
			2: 1, // init
			3: 1, // regular
		},
		Caps: Capabilities{
			LogMaxEQ:  10,
			LogMaxCQ:  10,
			LogMaxSQ:  10,
			LogMaxRQ:  10,
			LogMaxTIR: 10,
			LogMaxTIS: 10,
		},
		ForceCommandError: map[uint16]CommandFailure{},
		readyAfterTicks:   2,
	}, nil
}

// Clock drives the simulated device from the command interface's poll loop:
// every Sleep call processes exactly one pending tick instead of actually
// sleeping, so a full bring-up runs in microseconds and needs no goroutines.
type Clock struct {
	Dev *Device
}

// Sleep implements mlx5.Clock.
func (c Clock) Sleep(time.Duration) {
	c.Dev.tick()
}

// SetHealthSyndrome writes the BAR's health_syndrome register directly, as
// if firmware had entered a fatal error state. The command interface checks
// this before every poll iteration, including the first, so a command
// in flight fails immediately rather than hanging.
func (d *Device) SetHealthSyndrome(code uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	reg.SetBits(reg.Mem(d.BAR), offHealthSyndrome, 31, 24, code)
}

func (d *Device) tick() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.readyAfterTicks > 0 {
		d.readyAfterTicks--
		if d.readyAfterTicks == 0 {
			reg.SetBits(reg.Mem(d.BAR), offInitializing, 31, 31, 1)
		}
	}

	bar := reg.Mem(d.BAR)
	// The low dword's bottom 10 bits are nic_interface/log_cmdq_size/
	// log_cmdq_stride, not address: the host is required to align the
	// command queue so those bits are free in the real address.
	cmdPhys := uint64(reg.GetU32(bar, offCmdQPhyAddrHi))<<32 | uint64(reg.GetU32(bar, offCmdQPhyAddrLo)&^uint32(0x3ff))
	if cmdPhys == 0 {
		return
	}

	entryBuf, err := d.alloc.PhysToVirt(cmdPhys, cqeSize)
	if err != nil {
		return
	}
	entry := reg.Mem(entryBuf)

	if !bits.GetBit(reg.GetU32(entry, cqeOffTokenEtc), 0) {
		return // not owned by hardware: no command pending
	}

	opcode := uint16(bits.GetBits(reg.GetU32(entry, cqeOffInlineInput), 31, 16))
	opMod := uint16(bits.GetBits(reg.GetU32(entry, cqeOffInlineInput+4), 15, 0))

	inLen := int(reg.GetU32(entry, cqeOffInputLength))
	outLen := int(reg.GetU32(entry, cqeOffOutputLength))

	inFirst := uint64(reg.GetU32(entry, cqeOffInputMbHi))<<32 | uint64(reg.GetU32(entry, cqeOffInputMbLo))
	outFirst := uint64(reg.GetU32(entry, cqeOffOutputMbHi))<<32 | uint64(reg.GetU32(entry, cqeOffOutputMbLo))

	inPages, _ := d.resolvePages(inFirst, mailboxesNeeded(inLen))
	outPages, _ := d.resolvePages(outFirst, mailboxesNeeded(outLen))

	in := &window{inline: entry[cqeOffInlineInput : cqeOffInlineInput+inlineWindowSize], pages: inPages}
	out := &window{inline: entry[cqeOffInlineOutput : cqeOffInlineOutput+inlineWindowSize], pages: outPages}

	d.Trace = append(d.Trace, TraceEntry{Opcode: opcode, OpMod: opMod, Input: in.getBytes(0, inLen)})

	status, syndrome := d.dispatch(opcode, opMod, out)

	if fail, ok := d.ForceCommandError[opcode]; ok {
		status, syndrome = fail.Status, fail.Syndrome
	}

	reg.SetBits(entry, cqeOffInlineOutput, 31, 24, uint32(status))
	reg.PutU32(entry, cqeOffInlineOutput+4, syndrome)
	reg.SetBits(entry, cqeOffTokenEtc, 7, 1, 0) // transport status: OK
	reg.SetBits(entry, cqeOffTokenEtc, 0, 0, 0) // ownership -> software
}

// dispatch produces the handle/field outputs a real firmware response would
// carry for opcode. Everything not listed here (ENABLE_HCA, SET_ISSI,
// INIT_HCA, TEARDOWN_HCA, DISABLE_HCA, MANAGE_PAGES, all DESTROY_*/DEALLOC_*,
// MODIFY_RQ/SQ, SET_FLOW_TABLE_ROOT/ENTRY, DELETE_FLOW_TABLE_ENTRY,
// ACCESS_REGISTER) just succeeds with no output fields, which is all
// bring-up and teardown need from them.
func (d *Device) dispatch(opcode, opMod uint16, out *window) (status uint8, syndrome uint32) {
	switch opcode {
	case OpQueryHcaCap:
		out.putU32(0x10, d.Caps.LogMaxEQ)
		out.putU32(0x14, d.Caps.LogMaxCQ)
		out.putU32(0x18, d.Caps.LogMaxSQ)
		out.putU32(0x1c, d.Caps.LogMaxRQ)
		out.putU32(0x20, d.Caps.LogMaxTIR)
		out.putU32(0x24, d.Caps.LogMaxTIS)

	case OpQueryPages:
		out.putU32(8, uint32(d.QueryPagesN[opMod]))

	case OpQuerySpecialContexts:
		out.putU32(8, d.RLKey)

	case OpQueryVportState:
		out.putU32(8, 1<<4|1) // admin up, oper up

	case OpQueryNicVportContext:
		// permanent address at context offset 0xF4/0xF8, context base 0x10
		out.putU32(0x10+0xf4, uint32(d.MAC[0])<<8|uint32(d.MAC[1]))
		out.putU32(0x10+0xf8, uint32(d.MAC[2])<<24|uint32(d.MAC[3])<<16|uint32(d.MAC[4])<<8|uint32(d.MAC[5]))

	case OpCreateEq, OpCreateCq, OpAllocPd, OpAllocUar, OpAllocTransportDomain,
		OpCreateTis, OpCreateRq, OpCreateSq, OpCreateTir,
		OpCreateFlowTable, OpCreateFlowGroup:
		out.putU32(8, d.allocHandle())
	}

	return 0, 0
}

func (d *Device) allocHandle() uint32 {
	d.nextHandle++
	return d.nextHandle
}

func (d *Device) resolvePages(firstPhys uint64, n int) ([][]byte, error) {
	if n == 0 {
		return nil, nil
	}

	pages := make([][]byte, n)
	phys := firstPhys

	for i := 0; i < n; i++ {
		page, err := d.alloc.PhysToVirt(phys, mailboxSize)
		if err != nil {
			return nil, err
		}
		pages[i] = page[:mailboxDataSize]

		if i+1 < n {
			mem := reg.Mem(page)
			phys = uint64(reg.GetU32(mem, mbOffNextPtrHi))<<32 | uint64(reg.GetU32(mem, mbOffNextPtrLo))
		}
	}

	return pages, nil
}

// mailboxesNeeded mirrors the command interface's own page-count math: for
// length <= 16 no mailbox is needed; otherwise ceil((length-16)/512) pages,
// at least one.
func mailboxesNeeded(length int) int {
	if length <= inlineWindowSize {
		return 0
	}
	rem := length - inlineWindowSize
	k := rem / mailboxDataSize
	r := rem % mailboxDataSize
	if r > 0 || k == 0 {
		return k + 1
	}
	return k
}

// window addresses a logical input/output buffer without the caller needing
// to know whether a given offset lands in the entry's inline region or a
// mailbox page, mirroring the command interface's own IOWindow.
type window struct {
	inline []byte
	pages  [][]byte
}

func (w *window) putU32(offset int, val uint32) {
	mem, local := w.locate(offset)
	reg.PutU32(mem, local, val)
}

func (w *window) getU32(offset int) uint32 {
	mem, local := w.locate(offset)
	return reg.GetU32(mem, local)
}

// getBytes reads n bytes starting at the given logical offset, the same
// dword-at-a-time big-endian expansion the command interface's IOWindow
// uses. Only whole dwords are decoded: when n is not a multiple of 4, the
// trailing bytes past the last whole dword are left zero.
func (w *window) getBytes(offset, n int) []byte {
	buf := make([]byte, n)
	for i := 0; i+4 <= n; i += 4 {
		word := w.getU32(offset + i)
		buf[i] = byte(word >> 24)
		buf[i+1] = byte(word >> 16)
		buf[i+2] = byte(word >> 8)
		buf[i+3] = byte(word)
	}
	return buf
}

func (w *window) locate(offset int) (reg.Mem, int) {
	if offset < inlineWindowSize {
		return reg.Mem(w.inline), offset
	}
	rel := offset - inlineWindowSize
	page := rel / mailboxDataSize
	local := rel % mailboxDataSize
	return reg.Mem(w.pages[page]), local
}
