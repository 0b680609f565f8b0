package mlx5

// HCACaps is the subset of QUERY_HCA_CAP's output this
// driver depends on. The full PRM schema runs to hundreds of fields; only
// the queue-count logs bring-up actually checks are modeled here.
type HCACaps struct {
	LogMaxCQ  uint32
	LogMaxEQ  uint32
	LogMaxSQ  uint32
	LogMaxRQ  uint32
	LogMaxTIR uint32
	LogMaxTIS uint32
}

// Capability output field offsets: logical output offsets of the
// capability block, which starts at 0x10.
const (
	capOffLogMaxEQ  = 0x10
	capOffLogMaxCQ  = 0x14
	capOffLogMaxSQ  = 0x18
	capOffLogMaxRQ  = 0x1c
	capOffLogMaxTIR = 0x20
	capOffLogMaxTIS = 0x24
)

// QueryHCACap issues QUERY_HCA_CAP (opcode 0x100) for either the "max"
// (op_mod 0) or "current" (op_mod 1) capability set.
func (h *HCA) QueryHCACap(sel QueryHcaCapSelector) (HCACaps, error) {
	var caps HCACaps

	err := h.cmd.Execute("QUERY_HCA_CAP", opQueryHcaCap, uint16(sel), 0x10, 0x100, nil, func(r *IOWindow) {
		caps.LogMaxEQ = r.GetU32(capOffLogMaxEQ) & 0x1f
		caps.LogMaxCQ = r.GetU32(capOffLogMaxCQ) & 0x1f
		caps.LogMaxSQ = r.GetU32(capOffLogMaxSQ) & 0x1f
		caps.LogMaxRQ = r.GetU32(capOffLogMaxRQ) & 0x1f
		caps.LogMaxTIR = r.GetU32(capOffLogMaxTIR) & 0x1f
		caps.LogMaxTIS = r.GetU32(capOffLogMaxTIS) & 0x1f
	})
	if err != nil {
		return HCACaps{}, err
	}

	h.caps = caps
	h.hasCaps = true

	return caps, nil
}

// checkLimit enforces the QUERY_HCA_CAP invariant bring-up depends on:
// every log_max_* used by bring-up must be at least the log2 value the
// caller passes as logNeeded, which is the ring size being created
// (log_eq_size, log_cq_size or log_wq_size).
func checkLimit(op string, logMax uint32, logNeeded uint32) error {
	if logMax < logNeeded {
		return &CommandError{Op: op, Code: CommandExceedLim, Syndrome: logMax}
	}
	return nil
}

func log2Ceil(n uint32) uint32 {
	if n == 0 {
		return 0
	}
	var log uint32
	for (uint32(1) << log) < n {
		log++
	}
	return log
}
