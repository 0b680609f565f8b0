package mlx5

import "net"

// NIC vport context layout: the context block starts at output offset 0x10;
// the permanent address sits at context offset 0xF4, high 16 bits in
// [15:0] of the first dword and the remaining 32 bits in the next.
const (
	vportCtxBase        = 0x10
	vportCtxPermAddrHi  = 0xf4
	vportCtxPermAddrLo  = 0xf8
	queryNicVportOutLen = 0x120
)

// VportState is a vport's link state pair as reported by QUERY_VPORT_STATE:
// the administratively requested state and what the port actually achieved.
type VportState struct {
	AdminUp bool
	OperUp  bool
}

// QueryVportState issues QUERY_VPORT_STATE (opcode 0x750) for the device's
// own vport (vport number 0, other_vport unset).
func (h *HCA) QueryVportState() (VportState, error) {
	var st VportState

	err := h.cmd.Execute("QUERY_VPORT_STATE", opQueryVportState, 0, 16, 16, nil, func(r *IOWindow) {
		word := r.GetU32(8)
		st.AdminUp = (word>>4)&0xf == 1
		st.OperUp = word&0xf == 1
	})

	return st, err
}

// QueryNicVportContext issues QUERY_NIC_VPORT_CONTEXT (opcode 0x754) for the
// device's own vport and returns the permanent MAC address burned into it.
func (h *HCA) QueryNicVportContext() (net.HardwareAddr, error) {
	mac := make(net.HardwareAddr, 6)

	err := h.cmd.Execute("QUERY_NIC_VPORT_CONTEXT", opQueryNicVportContext, 0, 16, queryNicVportOutLen, nil, func(r *IOWindow) {
		hi := r.GetU32(vportCtxBase + vportCtxPermAddrHi)
		lo := r.GetU32(vportCtxBase + vportCtxPermAddrLo)

		mac[0] = byte(hi >> 8)
		mac[1] = byte(hi)
		mac[2] = byte(lo >> 24)
		mac[3] = byte(lo >> 16)
		mac[4] = byte(lo >> 8)
		mac[5] = byte(lo)
	})
	if err != nil {
		return nil, err
	}

	return mac, nil
}
