package dma

import (
	"container/list"
	"fmt"
	"sync"
)

// block is a free-list node: either a free span or, once handed out, the
// bookkeeping record kept in Region.used until Free/Release.
type block struct {
	addr uint64
	size int
	res  bool
}

// Region is a first-fit allocator over a single contiguous, pre-mapped span
// of host memory (virt, phys) of the given size: a free list of
// address-ordered blocks, first-fit search, alignment padding carved off
// the front of a candidate block, and defragmentation of adjacent free
// blocks on Free.
type Region struct {
	mu sync.Mutex

	virt []byte
	base uint64 // physical/IOVA address of virt[0]

	free *list.List // of *block, address-ordered
	used map[uint64]*block
}

// NewRegion wraps a pre-mapped memory span for first-fit allocation. virt
// and phys must describe the same span: virt[i] corresponds to device
// address phys+i for every i in [0, len(virt)).
func NewRegion(virt []byte, phys uint64) *Region {
	r := &Region{
		virt: virt,
		base: phys,
		free: list.New(),
		used: make(map[uint64]*block),
	}

	r.free.PushFront(&block{addr: phys, size: len(virt)})

	return r
}

// Alloc implements Allocator. The returned buffer is zeroed: blocks are
// recycled through Free, and device-visible memory with stale descriptor
// bytes in it is indistinguishable from published work.
func (r *Region) Alloc(size, align int) ([]byte, uint64, error) {
	buf, phys, err := r.alloc(size, align, false)
	if err != nil {
		return nil, 0, err
	}

	for i := range buf {
		buf[i] = 0
	}

	return buf, phys, nil
}

// Reserve behaves like Alloc but tags the block as caller-managed and skips
// the zero-fill, for callers that immediately overwrite the whole buffer
// (rings, mailbox pages) and hand it back through Release.
func (r *Region) Reserve(size, align int) ([]byte, uint64, error) {
	return r.alloc(size, align, true)
}

func (r *Region) alloc(size, align int, res bool) ([]byte, uint64, error) {
	if size <= 0 {
		return nil, 0, fmt.Errorf("dma: invalid size %d", size)
	}
	if align == 0 {
		align = 4
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	b, err := r.allocBlock(size, align)
	if err != nil {
		return nil, 0, err
	}

	b.res = res
	r.used[b.addr] = b

	return r.slice(b.addr, b.size), b.addr, nil
}

func (r *Region) allocBlock(size, align int) (*block, error) {
	need := size + align

	var e *list.Element
	for e = r.free.Front(); e != nil; e = e.Next() {
		if e.Value.(*block).size >= need {
			break
		}
	}

	if e == nil {
		return nil, ErrOutOfMemory
	}

	found := e.Value.(*block)
	r.free.Remove(e)

	pad := 0
	if rem := found.addr % uint64(align); rem != 0 {
		pad = align - int(rem)
	}

	if pad > 0 {
		r.insertFree(&block{addr: found.addr, size: pad})
		found.addr += uint64(pad)
		found.size -= pad
	}

	if leftover := found.size - size; leftover > 0 {
		r.insertFree(&block{addr: found.addr + uint64(size), size: leftover})
		found.size = size
	}

	r.defrag()

	return found, nil
}

// Free releases a block previously returned by Alloc.
func (r *Region) Free(virt []byte) error {
	return r.release(virt, false)
}

// Release releases a block previously returned by Reserve.
func (r *Region) Release(virt []byte) error {
	return r.release(virt, true)
}

func (r *Region) release(virt []byte, res bool) error {
	phys, err := r.VirtualToPhysical(virt)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.used[phys]
	if !ok || b.res != res {
		return ErrNotAllocated
	}

	delete(r.used, phys)
	r.insertFree(b)
	r.defrag()

	return nil
}

func (r *Region) insertFree(b *block) {
	for e := r.free.Front(); e != nil; e = e.Next() {
		if e.Value.(*block).addr > b.addr {
			r.free.InsertBefore(b, e)
			return
		}
	}
	r.free.PushBack(b)
}

// defrag merges adjacent free blocks; the free list is kept address-ordered
// so this is a single linear pass.
func (r *Region) defrag() {
	var prev *block

	for e := r.free.Front(); e != nil; {
		b := e.Value.(*block)
		next := e.Next()

		if prev != nil && prev.addr+uint64(prev.size) == b.addr {
			prev.size += b.size
			r.free.Remove(e)
		} else {
			prev = b
		}

		e = next
	}
}

// VirtualToPhysical implements Allocator.
func (r *Region) VirtualToPhysical(virt []byte) (uint64, error) {
	if len(virt) == 0 {
		return 0, fmt.Errorf("dma: empty slice has no address")
	}

	off := r.offsetOf(virt)
	if off < 0 {
		return 0, ErrNotAllocated
	}

	return r.base + uint64(off), nil
}

func (r *Region) slice(phys uint64, size int) []byte {
	off := int(phys - r.base)
	return r.virt[off : off+size]
}

// PhysToVirt resolves a physical/IOVA address the region itself handed out
// back to the byte slice backing it. It exists for test doubles that stand
// in for the device side of the command/mailbox protocol: given the
// physical address the host wrote into a descriptor, the double needs the
// same view of memory the host has.
func (r *Region) PhysToVirt(phys uint64, size int) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if phys < r.base || phys+uint64(size) > r.base+uint64(len(r.virt)) {
		return nil, fmt.Errorf("dma: address %#x..%#x out of region bounds", phys, phys+uint64(size))
	}

	return r.slice(phys, size), nil
}

// offsetOf locates virt within r.virt by address identity (not content), as
// required to recover the allocation's physical address.
func (r *Region) offsetOf(virt []byte) int {
	// Compare addresses through the slice header rather than unsafe.Pointer
	// arithmetic across unrelated allocations: walk used blocks instead,
	// which is safe and just as cheap at the block counts this driver ever
	// allocates (tens of entries).
	for phys, b := range r.used {
		if len(virt) != b.size {
			continue
		}
		if &r.virt[int(phys-r.base)] == &virt[0] {
			return int(phys - r.base)
		}
	}

	return -1
}
