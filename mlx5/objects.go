package mlx5

import "github.com/userspace-nic/connectx4/internal/reg"

// UAR is a handle to a page of MMIO doorbell registers.
// The core only ever allocates one and uses it as an index, never
// dereferencing it directly.
type UAR uint32

// PD is a Protection Domain handle.
type PD uint32

// TD is a Transport Domain handle.
type TD uint32

// TIS is a Transport Interface Send handle.
type TIS uint32

// TIR is a Transport Interface Receive handle.
type TIR uint32

// EQ is the runtime representation of an Event Queue:
// ring, DMA memory, and a polling cursor. Ring size is always a power of
// two; log_eq_size is fixed at 7 (128 entries) for this single-EQ driver.
type EQ struct {
	Number uint32

	ring   reg.Mem
	phys   uint64
	size   int // entries
	cursor int

	eqeSize int
}

const (
	logEqSize = 7
	eqSize    = 1 << logEqSize
	eqeSize   = 64

	eqeOffOwner     = 0x3c
	eqeOwnerBit     = 0
	eqeOffEventType = 0x00

	unsetEventType = 0xff
)

// initRing lays out the ring with owner=1 (hardware) on every entry, matching
// the EQ invariant that every entry starts owned by hardware.
func (eq *EQ) initRing(mem reg.Mem, phys uint64) {
	eq.ring = mem
	eq.phys = phys
	eq.size = eqSize
	eq.eqeSize = eqeSize

	for i := 0; i < eq.size; i++ {
		e := eq.entry(i)
		reg.SetBits(e, eqeOffOwner, eqeOwnerBit, eqeOwnerBit, 1)
		reg.SetBits(e, eqeOffEventType, 31, 24, unsetEventType)
	}
}

func (eq *EQ) entry(i int) reg.Mem {
	off := i * eq.eqeSize
	return eq.ring[off : off+eq.eqeSize]
}

// EventHandler processes one polled EQE's event-type byte and payload.
// Unknown event types must not fail the datapath: the
// caller is expected to log and continue.
type EventHandler func(eventType uint8, payload reg.Mem)

// Poll walks entries while owner==0 and event_type != 0xFF, advancing the
// cursor modulo the ring size and invoking handler per entry. It never blocks.
func (eq *EQ) Poll(handler EventHandler) {
	for {
		e := eq.entry(eq.cursor)

		owner := reg.GetBits(e, eqeOffOwner, eqeOwnerBit, eqeOwnerBit)
		eventType := uint8(reg.GetBits(e, eqeOffEventType, 31, 24))

		if owner != 0 || eventType == unsetEventType {
			return
		}

		handler(eventType, e)

		// flip owner back to hardware and clear event type before advancing
		reg.SetBits(e, eqeOffOwner, eqeOwnerBit, eqeOwnerBit, 1)
		reg.SetBits(e, eqeOffEventType, 31, 24, unsetEventType)

		eq.cursor = (eq.cursor + 1) & (eq.size - 1)
	}
}

// CQ is the runtime representation of a Completion Queue.
// Ring size is fixed at 2^10 (1024) entries of 64 bytes each, with an owned
// doorbell record.
type CQ struct {
	Number   uint32
	Doorbell reg.Mem

	ring    reg.Mem
	phys    uint64
	size    int
	cursor  int
	owner   uint32 // the owner-bit polarity expected of the next valid CQE
}

const (
	logCqSize = 10
	cqSize    = 1 << logCqSize
	cqeByteSize = 64

	cqeOffOwnerEtc = 0x3c
	cqeOwnerBit    = 0
)

func (cq *CQ) initRing(mem reg.Mem, phys uint64, doorbell reg.Mem) {
	cq.ring = mem
	cq.phys = phys
	cq.size = cqSize
	cq.Doorbell = doorbell
	cq.owner = 1 // first pass over a freshly zeroed ring expects owner bit 1
}

func (cq *CQ) entry(i int) reg.Mem {
	off := i * cqeByteSize
	return cq.ring[off : off+cqeByteSize]
}

// Next returns the next completion if the device has published one (its
// owner bit matches the ring's current expected polarity), advancing the
// cyclic cursor and, on wraparound, flipping the polarity that is expected
// next.
func (cq *CQ) Next() (reg.Mem, bool) {
	e := cq.entry(cq.cursor)

	owner := reg.GetBits(e, cqeOffOwnerEtc, cqeOwnerBit, cqeOwnerBit)
	if owner != cq.owner {
		return nil, false
	}

	wrapped := cq.cursor == cq.size-1
	cq.cursor = (cq.cursor + 1) & (cq.size - 1)
	if wrapped {
		cq.owner ^= 1
	}

	return e, true
}

// WQRing is the shared cyclic-indexing logic for send and receive work
// queues: producer/consumer are 32-bit
// counters, indexing is index & (size-1), and wraparound is transparent.
type WQRing struct {
	Number   uint32
	Doorbell reg.Mem

	ring   reg.Mem
	phys   uint64
	stride int
	size   int // entries, power of two

	producer uint32
	consumer uint32
}

func (w *WQRing) init(mem reg.Mem, phys uint64, size, stride int, doorbell reg.Mem) {
	w.ring = mem
	w.phys = phys
	w.size = size
	w.stride = stride
	w.Doorbell = doorbell
}

// Entry returns the WQE slot for a given producer/consumer index, wrapped
// modulo the ring size.
func (w *WQRing) Entry(index uint32) reg.Mem {
	i := int(index) & (w.size - 1)
	off := i * w.stride
	return w.ring[off : off+w.stride]
}

// Full reports whether the ring has no free slot for another post.
func (w *WQRing) Full() bool {
	return w.producer-w.consumer >= uint32(w.size)
}

// Empty reports whether every posted WQE has been reaped.
func (w *WQRing) Empty() bool {
	return w.producer == w.consumer
}

// RQ is a Receive Queue: stride >= 16B, wq_type cyclic.
type RQ struct {
	WQRing
	State QueueState
}

// SQ is a Send Queue: stride >= 64B, wq_type cyclic.
type SQ struct {
	WQRing
	State QueueState
}

// FlowTable is the root of the single-table flow-steering tree this driver
// builds: one table, one wildcard group, one entry forwarding
// to a TIR.
type FlowTable struct {
	ID   uint32
	Type FlowTableType
}

// FlowGroup is a match-criteria mask plus an index range within a FlowTable.
type FlowGroup struct {
	ID       uint32
	TableID  uint32
	StartIx  uint32
	EndIx    uint32
}
