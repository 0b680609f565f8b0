package mlx5

import "github.com/userspace-nic/connectx4/internal/reg"

// stride/size constants for the single send/receive queue pair this driver
// builds.
const (
	sqStride   = 64
	logSqStride = 6
	rqStride   = 16
	logRqStride = 4
)

// CreateTIS issues CREATE_TIS (opcode 0x912) with the given priority and
// transport domain.
func (h *HCA) CreateTIS(prio uint32, td TD) (TIS, error) {
	var tis TIS

	err := h.cmd.Execute("CREATE_TIS", opCreateTis, 0, 0x20+16, 16, func(w *IOWindow) {
		w.PutU32(0x14, prio&0xf)
		w.PutU32(0x2c, uint32(td))
	}, func(r *IOWindow) {
		tis = TIS(r.GetU32(8) & 0xffffff)
	})

	return tis, err
}

// DestroyTIS issues DESTROY_TIS (opcode 0x913).
func (h *HCA) DestroyTIS(tis TIS) error {
	return h.cmd.Execute("DESTROY_TIS", opDestroyTis, 0, 24, 16, func(w *IOWindow) {
		w.PutU32(8, uint32(tis))
	}, nil)
}

// CreateTIRDirect issues CREATE_TIR (opcode 0x900) with disp_type=DIRECT,
// routing straight to an RQ with no RSS hashing.
func (h *HCA) CreateTIRDirect(rqn uint32, td TD) (TIR, error) {
	var tir TIR

	err := h.cmd.Execute("CREATE_TIR", opCreateTir, 0, 0x100+16, 16, func(w *IOWindow) {
		w.PutU32(0x20, 0<<28) // disp_type = DIRECT (0) in bits [31:28]
		w.PutU32(0x24, rqn&0xffffff)
		w.PutU32(0x2c, uint32(td))
	}, func(r *IOWindow) {
		tir = TIR(r.GetU32(8) & 0xffffff)
	})

	return tir, err
}

// DestroyTIR issues DESTROY_TIR (opcode 0x901).
func (h *HCA) DestroyTIR(tir TIR) error {
	return h.cmd.Execute("DESTROY_TIR", opDestroyTir, 0, 24, 16, func(w *IOWindow) {
		w.PutU32(8, uint32(tir))
	}, nil)
}

// CreateSQ issues CREATE_SQ (opcode 0x904): rlkey=1 (physical addressing),
// fre=1, flush_in_error_en=1, min_wqe_inline_mode=1, wq_type
// cyclic, log_wq_stride=6. The SQ is created in RST state; ModifySQ must
// move it to RDY before use. ring/doorbell are
// already-allocated DMA memory: the caller owns their
// lifetime, matching how CreateEQ/CreateCQ allocate their own rings but
// letting bring-up share one WQE allocation pattern across SQ and RQ.
func (h *HCA) CreateSQ(cqn uint32, pd PD, ring reg.Mem, ringPhys uint64, doorbell reg.Mem, doorbellPhys uint64, tis TIS) (*SQ, error) {
	size := len(ring) / sqStride
	logWqSize := log2Ceil(uint32(size))

	if h.hasCaps {
		if err := checkLimit("CREATE_SQ", h.caps.LogMaxSQ, logWqSize); err != nil {
			return nil, err
		}
	}

	sq := &SQ{}
	sq.init(ring, ringPhys, size, sqStride, doorbell)
	sq.State = QueueRST

	inLen := 0x60 + 0x30
	err := h.cmd.Execute("CREATE_SQ", opCreateSq, 0, inLen, 16, func(w *IOWindow) {
		base := 0x10
		w.PutU32(base+0x00, 1<<24|1<<23) // rlkey=1, fre=1 (bits of sq_context dword0; see PRM layout)
		w.PutU32(base+0x04, 1<<31)       // flush_in_error_en
		w.PutU32(base+0x0c, cqn&0xffffff)
		w.PutU32(base+0x20, uint32(tis))

		wq := base + 0x30
		w.PutU32(wq+0x00, 1<<24|logWqSize<<20|logSqStride<<16) // wq_type=cyclic(1), log_wq_pg_sz/stride/size
		w.PutU32(wq+0x08, uint32(pd))
		w.PutU32(wq+0x10, uint32(doorbellPhys>>32))
		w.PutU32(wq+0x14, uint32(doorbellPhys))
		w.PutU32(wq+0x20, uint32(ringPhys>>32))
		w.PutU32(wq+0x24, uint32(ringPhys))
	}, func(r *IOWindow) {
		sq.Number = r.GetU32(8) & 0xffffff
	})
	if err != nil {
		return nil, err
	}

	return sq, nil
}

// CreateRQ issues CREATE_RQ (opcode 0x908): rlkey=1, vlan_strip_disable=1,
// wq_type cyclic, log_wq_stride=4. Created in RST state.
func (h *HCA) CreateRQ(cqn uint32, pd PD, ring reg.Mem, ringPhys uint64, doorbell reg.Mem, doorbellPhys uint64) (*RQ, error) {
	size := len(ring) / rqStride
	logWqSize := log2Ceil(uint32(size))

	if h.hasCaps {
		if err := checkLimit("CREATE_RQ", h.caps.LogMaxRQ, logWqSize); err != nil {
			return nil, err
		}
	}

	rq := &RQ{}
	rq.init(ring, ringPhys, size, rqStride, doorbell)
	rq.State = QueueRST

	inLen := 0x60 + 0x30
	err := h.cmd.Execute("CREATE_RQ", opCreateRq, 0, inLen, 16, func(w *IOWindow) {
		base := 0x10
		w.PutU32(base+0x00, 1<<24|1<<28) // rlkey=1, vlan_strip_disable=1
		w.PutU32(base+0x0c, cqn&0xffffff)

		wq := base + 0x30
		w.PutU32(wq+0x00, 1<<24|logWqSize<<20|logRqStride<<16)
		w.PutU32(wq+0x08, uint32(pd))
		w.PutU32(wq+0x10, uint32(doorbellPhys>>32))
		w.PutU32(wq+0x14, uint32(doorbellPhys))
		w.PutU32(wq+0x20, uint32(ringPhys>>32))
		w.PutU32(wq+0x24, uint32(ringPhys))
	}, func(r *IOWindow) {
		rq.Number = r.GetU32(8) & 0xffffff
	})
	if err != nil {
		return nil, err
	}

	return rq, nil
}

// ModifyRQ issues MODIFY_RQ (opcode 0x909), moving rqn from curr to next.
// Only the transitions legalQueueTransition accepts may be attempted;
// illegal requests never reach the wire.
func (h *HCA) ModifyRQ(rqn uint32, curr, next QueueState) error {
	if !legalQueueTransition(curr, next) {
		return &QueueStateError{Queue: "RQ", From: curr, To: next}
	}

	return h.cmd.Execute("MODIFY_RQ", opModifyRq, uint16(next), 0x60, 16, func(w *IOWindow) {
		w.PutU32(8, uint32(curr)<<28|rqn&0xffffff)
	}, nil)
}

// ModifySQ issues MODIFY_SQ (opcode 0x905), moving sqn from curr to next.
func (h *HCA) ModifySQ(sqn uint32, curr, next QueueState) error {
	if !legalQueueTransition(curr, next) {
		return &QueueStateError{Queue: "SQ", From: curr, To: next}
	}

	return h.cmd.Execute("MODIFY_SQ", opModifySq, uint16(next), 0x60, 16, func(w *IOWindow) {
		w.PutU32(8, uint32(curr)<<28|sqn&0xffffff)
	}, nil)
}

// DestroyRQ issues DESTROY_RQ (opcode 0x90a).
func (h *HCA) DestroyRQ(rqn uint32) error {
	return h.cmd.Execute("DESTROY_RQ", opDestroyRq, 0, 24, 16, func(w *IOWindow) {
		w.PutU32(8, rqn)
	}, nil)
}

// DestroySQ issues DESTROY_SQ (opcode 0x906).
func (h *HCA) DestroySQ(sqn uint32) error {
	return h.cmd.Execute("DESTROY_SQ", opDestroySq, 0, 24, 16, func(w *IOWindow) {
		w.PutU32(8, sqn)
	}, nil)
}
