package mlx5

// AccessRegister issues ACCESS_REGISTER (opcode 0x805), the generic envelope
// around PRM registers. payload is copied verbatim into the
// register-data window of the input and the same window of the output is
// returned; both are register-size dependent so the caller supplies the
// length.
func (h *HCA) AccessRegister(regID uint16, write bool, payload []byte) ([]byte, error) {
	opMod := uint16(accessRegisterRead)
	if write {
		opMod = accessRegisterWrite
	}

	out := make([]byte, len(payload))

	err := h.cmd.Execute("ACCESS_REGISTER", opAccessRegister, opMod, 16+len(payload), 16+len(payload), func(w *IOWindow) {
		w.PutU32(8, uint32(regID))
		w.PutBytes(16, payload)
	}, func(r *IOWindow) {
		r.GetBytes(16, out)
	})

	return out, err
}

// paosRegister lays out the Port Administrative and Operational Status
// register (PAOS, 0x5006): local_port in byte 1, admin_status/oper_status
// nibbles in byte 2, admin_state_update in bit 7 of byte 3.
const (
	paosLocalPort     = 1
	paosAdminUp       = 1
	paosAdminDown     = 2
	paosAdminStateUpd = 1 << 7
)

// QueryPAOS reads PAOS and reports whether the administrative state is up.
func (h *HCA) QueryPAOS() (adminUp bool, operUp bool, err error) {
	payload := make([]byte, 16)
	payload[paosLocalPort] = 1

	out, err := h.AccessRegister(registerPAOS, false, payload)
	if err != nil {
		return false, false, err
	}

	adminUp = (out[2]>>4)&0xf == paosAdminUp
	operUp = out[2]&0xf == paosAdminUp
	return adminUp, operUp, nil
}

// SetPAOS writes PAOS, forcing the port's administrative state.
func (h *HCA) SetPAOS(adminUp bool) error {
	payload := make([]byte, 16)
	payload[paosLocalPort] = 1
	payload[3] = paosAdminStateUpd

	if adminUp {
		payload[2] = paosAdminUp << 4
	} else {
		payload[2] = paosAdminDown << 4
	}

	_, err := h.AccessRegister(registerPAOS, true, payload)
	return err
}

// PPLR loopback modes (register 0x5018): used only by
// self-test to loop transmitted frames back to the receive path without
// external cabling.
type LoopbackMode uint8

const (
	LoopbackNone     LoopbackMode = 0
	LoopbackPhyLocal LoopbackMode = 1 << 1
)

// QueryPPLR reads the current loopback mode.
func (h *HCA) QueryPPLR() (LoopbackMode, error) {
	payload := make([]byte, 16)
	payload[1] = 1 // local_port

	out, err := h.AccessRegister(registerPPLR, false, payload)
	if err != nil {
		return LoopbackNone, err
	}

	return LoopbackMode(out[3]), nil
}

// SetPPLR writes the loopback mode.
func (h *HCA) SetPPLR(mode LoopbackMode) error {
	payload := make([]byte, 16)
	payload[1] = 1
	payload[3] = byte(mode)

	_, err := h.AccessRegister(registerPPLR, true, payload)
	return err
}
