package mlx5

import "fmt"

// EnableHCA issues ENABLE_HCA (opcode 0x104), which must be the first call
// after mapping the device.
func (h *HCA) EnableHCA() error {
	return h.cmd.Execute("ENABLE_HCA", opEnableHca, 0, 16, 16, nil, nil)
}

// SetISSI selects the command-interface version (opcode 0x10B). This driver
// only ever requests ISSI 1.
func (h *HCA) SetISSI(issi uint32) error {
	return h.cmd.Execute("SET_ISSI", opSetIssi, 0, 24, 16, func(w *IOWindow) {
		w.PutU32(8, issi)
	}, nil)
}

// QueryPages issues QUERY_PAGES (opcode 0x107) for the given page-request
// class and returns the number of 4 KiB pages firmware wants.
func (h *HCA) QueryPages(c PageClass) (int32, error) {
	var numPages int32

	err := h.cmd.Execute("QUERY_PAGES", opQueryPages, uint16(c), 16, 16, nil, func(r *IOWindow) {
		numPages = int32(r.GetU32(8))
	})

	return numPages, err
}

// ManagePages issues MANAGE_PAGES (opcode 0x108) with op_mod=1 (allocate).
// For i in [0, numPages) it DMA-allocates a 4 KiB page aligned to 4 KiB and
// writes its physical address into the PAS array at input offset
// 0x10+i*8 (hi dword) / 0x14+i*8 (low dword, masked to bits [31:12]).
// This iterates 0..numPages-1, not an inclusive range, which would emit
// numPages+1 entries.
func (h *HCA) ManagePages(numPages int32) ([][]byte, error) {
	if numPages <= 0 {
		return nil, h.cmd.Execute("MANAGE_PAGES", opManagePages, uint16(ManagePagesAllocate), 16, 16, func(w *IOWindow) {
			w.PutU32(8, 0)
		}, nil)
	}

	pages := make([][]byte, numPages)
	phys := make([]uint64, numPages)

	for i := range pages {
		buf, p, err := h.alloc.Alloc(4096, 4096)
		if err != nil {
			return nil, fmt.Errorf("%w: manage_pages entry %d: %v", ErrDmaAllocFailed, i, err)
		}
		pages[i] = buf
		phys[i] = p
	}

	inLen := 16 + int(numPages)*8

	err := h.cmd.Execute("MANAGE_PAGES", opManagePages, uint16(ManagePagesAllocate), inLen, 16, func(w *IOWindow) {
		w.PutU32(8, uint32(numPages))
		for i := 0; i < int(numPages); i++ {
			off := 16 + i*8
			w.PutU32(off, uint32(phys[i]>>32))
			w.PutU32(off+4, uint32(phys[i])&0xfffff000)
		}
	}, nil)

	if err != nil {
		return nil, err
	}

	return pages, nil
}

// InitHCA issues INIT_HCA (opcode 0x102).
func (h *HCA) InitHCA() error {
	return h.cmd.Execute("INIT_HCA", opInitHca, 0, 16, 16, nil, nil)
}

// TeardownHCA issues TEARDOWN_HCA (opcode 0x103). mode selects graceful (0)
// or panic (1) teardown.
func (h *HCA) TeardownHCA(mode int) error {
	return h.cmd.Execute("TEARDOWN_HCA", opTeardownHca, 0, 24, 16, func(w *IOWindow) {
		w.PutU32(8, uint32(mode))
	}, nil)
}

// DisableHCA issues DISABLE_HCA, opcode 0x105. Some older reference
// drivers reuse TEARDOWN_HCA's opcode (0x103) here; this implementation
// uses the PRM-correct opcode.
func (h *HCA) DisableHCA() error {
	return h.cmd.Execute("DISABLE_HCA", opDisableHca, 0, 16, 16, nil, nil)
}

// AllocUAR issues ALLOC_UAR (opcode 0x802).
func (h *HCA) AllocUAR() (UAR, error) {
	var uar UAR
	err := h.cmd.Execute("ALLOC_UAR", opAllocUar, 0, 16, 16, nil, func(r *IOWindow) {
		uar = UAR(r.GetU32(8) & 0xffffff)
	})
	return uar, err
}

// AllocPD issues ALLOC_PD (opcode 0x800).
func (h *HCA) AllocPD() (PD, error) {
	var pd PD
	err := h.cmd.Execute("ALLOC_PD", opAllocPd, 0, 16, 16, nil, func(r *IOWindow) {
		pd = PD(r.GetU32(8) & 0xffffff)
	})
	return pd, err
}

// AllocTransportDomain issues ALLOC_TRANSPORT_DOMAIN (opcode 0x816).
func (h *HCA) AllocTransportDomain() (TD, error) {
	var td TD
	err := h.cmd.Execute("ALLOC_TRANSPORT_DOMAIN", opAllocTransportDomain, 0, 16, 16, nil, func(r *IOWindow) {
		td = TD(r.GetU32(8) & 0xffffff)
	})
	return td, err
}

// QuerySpecialContexts issues QUERY_SPECIAL_CONTEXTS (opcode 0x203) and
// returns the reserved L-key used for rlkey-mode physical addressing.
func (h *HCA) QuerySpecialContexts() (uint32, error) {
	var rlkey uint32
	err := h.cmd.Execute("QUERY_SPECIAL_CONTEXTS", opQuerySpecialCtx, 0, 16, 16, nil, func(r *IOWindow) {
		rlkey = r.GetU32(8)
	})
	return rlkey, err
}
