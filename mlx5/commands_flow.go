package mlx5

// This driver builds exactly one level of the flow-steering hierarchy:
// one flow table, one wildcard flow group covering
// index 0 only, and one flow table entry forwarding every packet
// to a single TIR. There is no multi-group, multi-entry, or match-criteria
// support because nothing in this driver's scope needs it.

// CreateFlowTable issues CREATE_FLOW_TABLE (opcode 0x930).
func (h *HCA) CreateFlowTable(t FlowTableType, logSize uint32) (*FlowTable, error) {
	var id uint32

	err := h.cmd.Execute("CREATE_FLOW_TABLE", opCreateFlowTable, 0, 0x3c, 16, func(w *IOWindow) {
		w.PutU32(8, uint32(t)<<24)
		w.PutU32(0x20, logSize&0x1f)
	}, func(r *IOWindow) {
		id = r.GetU32(8) & 0xffffff
	})
	if err != nil {
		return nil, err
	}

	return &FlowTable{ID: id, Type: t}, nil
}

// DestroyFlowTable issues DESTROY_FLOW_TABLE (opcode 0x931).
func (h *HCA) DestroyFlowTable(ft *FlowTable) error {
	return h.cmd.Execute("DESTROY_FLOW_TABLE", opDestroyFlowTable, 0, 0x40, 16, func(w *IOWindow) {
		w.PutU32(8, uint32(ft.Type)<<24)
		w.PutU32(0x10, ft.ID&0xffffff)
	}, nil)
}

// SetFlowTableRoot issues SET_FLOW_TABLE_ROOT (opcode 0x92f), making the
// given table firmware's entry point for all arriving traffic of its type.
func (h *HCA) SetFlowTableRoot(ft *FlowTable) error {
	return h.cmd.Execute("SET_FLOW_TABLE_ROOT", opSetFlowTableRoot, 0, 0x7c, 16, func(w *IOWindow) {
		w.PutU32(8, uint32(ft.Type)<<24)
		w.PutU32(0x10, ft.ID&0xffffff)
	}, nil)
}

// CreateFlowGroupWildcard issues CREATE_FLOW_GROUP (opcode 0x933) with
// match_criteria_enable=0: every entry in [start, end] matches any packet.
func (h *HCA) CreateFlowGroupWildcard(ft *FlowTable, start, end uint32) (*FlowGroup, error) {
	var id uint32

	err := h.cmd.Execute("CREATE_FLOW_GROUP", opCreateFlowGroup, 0, 0x3fc, 16, func(w *IOWindow) {
		w.PutU32(8, uint32(ft.Type)<<24)
		w.PutU32(0x10, ft.ID&0xffffff)
		w.PutU32(0x1c, start&0xffffff)
		w.PutU32(0x24, end&0xffffff)
		// match_criteria_enable (offset 0x3c, left at zero: wildcard group)
	}, func(r *IOWindow) {
		id = r.GetU32(8) & 0xffffff
	})
	if err != nil {
		return nil, err
	}

	return &FlowGroup{ID: id, TableID: ft.ID, StartIx: start, EndIx: end}, nil
}

// DestroyFlowGroup issues DESTROY_FLOW_GROUP (opcode 0x934).
func (h *HCA) DestroyFlowGroup(ft *FlowTable, fg *FlowGroup) error {
	return h.cmd.Execute("DESTROY_FLOW_GROUP", opDestroyFlowGroup, 0, 0x4c, 16, func(w *IOWindow) {
		w.PutU32(8, uint32(ft.Type)<<24)
		w.PutU32(0x10, ft.ID&0xffffff)
		w.PutU32(0x14, fg.ID&0xffffff)
	}, nil)
}

// SetFlowTableEntryWildcard issues SET_FLOW_TABLE_ENTRY (opcode 0x936) for
// the flow group's sole entry: action FWD_DST, one destination, the given
// TIR.
func (h *HCA) SetFlowTableEntryWildcard(ft *FlowTable, fg *FlowGroup, index uint32, tir TIR) error {
	return h.cmd.Execute("SET_FLOW_TABLE_ENTRY", opSetFlowTableEntry, 0, 0x1fc, 16, func(w *IOWindow) {
		w.PutU32(8, uint32(ft.Type)<<24)
		w.PutU32(0x10, ft.ID&0xffffff)
		w.PutU32(0x14, index&0xffffff)
		w.PutU32(0x18, fg.ID&0xffffff)
		w.PutU32(0x40, actionFwdDst)
		w.PutU32(0x44, 1<<24) // destination_list_size = 1
		// first destination record, immediately following the flow context
		w.PutU32(0x104, 2<<24|uint32(tir)) // destination_type=TIR(2), destination_id
	}, nil)
}

// DeleteFlowTableEntry issues DELETE_FLOW_TABLE_ENTRY (opcode 0x937).
func (h *HCA) DeleteFlowTableEntry(ft *FlowTable, index uint32) error {
	return h.cmd.Execute("DELETE_FLOW_TABLE_ENTRY", opDeleteFlowTableEntry, 0, 0x1c, 16, func(w *IOWindow) {
		w.PutU32(8, uint32(ft.Type)<<24)
		w.PutU32(0x10, ft.ID&0xffffff)
		w.PutU32(0x14, index&0xffffff)
	}, nil)
}
