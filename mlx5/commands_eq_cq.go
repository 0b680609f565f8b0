package mlx5

import "fmt"

// eqEventPageRequest is the only EQE subscription this driver asks for: bit
// 0xB (PageRequest) of CREATE_EQ's event bitmask.
const eqEventPageRequest = 1 << 0xb

// CreateEQ issues CREATE_EQ (opcode 0x301): 128 entries (log_eq_size=7), a
// single 4 KiB PAS page, subscribed only to the PageRequest event.
func (h *HCA) CreateEQ(uar UAR) (*EQ, error) {
	if h.hasCaps {
		if err := checkLimit("CREATE_EQ", h.caps.LogMaxEQ, logEqSize); err != nil {
			return nil, err
		}
	}

	ring, ringPhys, err := h.alloc.Alloc(eqSize*eqeSize, 4096)
	if err != nil {
		return nil, fmt.Errorf("%w: eq ring: %v", ErrDmaAllocFailed, err)
	}

	eq := &EQ{}
	eq.initRing(ring, ringPhys)

	var eqn uint32

	err = h.cmd.Execute("CREATE_EQ", opCreateEq, 0, 24, 16, func(w *IOWindow) {
		w.PutU32(8, uint32(uar))
		w.PutU32(12, uint32(logEqSize)<<24|eqEventPageRequest)
		w.PutU32(16, uint32(ringPhys>>32))
		w.PutU32(20, uint32(ringPhys))
	}, func(r *IOWindow) {
		eqn = r.GetU32(8) & 0xffffff
	})
	if err != nil {
		return nil, err
	}

	eq.Number = eqn
	return eq, nil
}

// DestroyEQ issues DESTROY_EQ (opcode 0x302).
func (h *HCA) DestroyEQ(eq *EQ) error {
	return h.cmd.Execute("DESTROY_EQ", opDestroyEq, 0, 24, 16, func(w *IOWindow) {
		w.PutU32(8, eq.Number)
	}, nil)
}

// CreateCQ issues CREATE_CQ (opcode 0x400): a 1 KiB CQ (log_cq_size=10), one
// PAS page, and an owned doorbell record.
func (h *HCA) CreateCQ(uar UAR, eqn uint32) (*CQ, error) {
	if h.hasCaps {
		if err := checkLimit("CREATE_CQ", h.caps.LogMaxCQ, logCqSize); err != nil {
			return nil, err
		}
	}

	ring, ringPhys, err := h.alloc.Alloc(cqSize*cqeByteSize, 4096)
	if err != nil {
		return nil, fmt.Errorf("%w: cq ring: %v", ErrDmaAllocFailed, err)
	}

	doorbell, dbPhys, err := h.alloc.Alloc(16, 16)
	if err != nil {
		return nil, fmt.Errorf("%w: cq doorbell: %v", ErrDmaAllocFailed, err)
	}

	cq := &CQ{}
	cq.initRing(ring, ringPhys, doorbell)

	var cqn uint32

	err = h.cmd.Execute("CREATE_CQ", opCreateCq, 0, 32, 16, func(w *IOWindow) {
		w.PutU32(8, uint32(logCqSize)<<24|uint32(uar))
		w.PutU32(12, eqn)
		w.PutU32(16, uint32(ringPhys>>32))
		w.PutU32(20, uint32(ringPhys))
		w.PutU32(24, uint32(dbPhys>>32))
		w.PutU32(28, uint32(dbPhys))
	}, func(r *IOWindow) {
		cqn = r.GetU32(8) & 0xffffff
	})
	if err != nil {
		return nil, err
	}

	cq.Number = cqn
	return cq, nil
}

// DestroyCQ issues DESTROY_CQ (opcode 0x401).
func (h *HCA) DestroyCQ(cq *CQ) error {
	return h.cmd.Execute("DESTROY_CQ", opDestroyCq, 0, 24, 16, func(w *IOWindow) {
		w.PutU32(8, cq.Number)
	}, nil)
}
