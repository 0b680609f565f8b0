package mlx5_test

import (
	"errors"
	"testing"

	"github.com/userspace-nic/connectx4/internal/hcasim"
	"github.com/userspace-nic/connectx4/mlx5"
)

// canonicalTrace is the exact, ordered opcode sequence a default bring-up
// (QueryCapabilities left off) issues. Any reordering or addition here is a
// behavior change worth noticing.
var canonicalTrace = []uint16{
	hcasim.OpEnableHca,
	hcasim.OpSetIssi,
	hcasim.OpQueryPages, hcasim.OpManagePages, // boot
	hcasim.OpQueryPages, hcasim.OpManagePages, // init
	hcasim.OpInitHca,
	hcasim.OpQueryPages, hcasim.OpManagePages, // regular
	hcasim.OpAllocUar,
	hcasim.OpCreateEq,
	hcasim.OpAllocPd,
	hcasim.OpAllocTransportDomain,
	hcasim.OpQuerySpecialContexts,
	hcasim.OpCreateTis,
	hcasim.OpCreateCq, hcasim.OpCreateCq, // send, recv
	hcasim.OpCreateRq,
	hcasim.OpCreateSq,
	hcasim.OpCreateTir,
	hcasim.OpCreateFlowTable,
	hcasim.OpCreateFlowGroup,
	hcasim.OpSetFlowTableEntry,
	hcasim.OpSetFlowTableRoot,
	hcasim.OpModifyRq,
	hcasim.OpModifySq,
}

func TestBringUpOpcodeTrace(t *testing.T) {
	sim, cfg := newHarness(t)

	dev, err := mlx5.New(cfg)
	if err != nil {
		t.Fatalf("mlx5.New: %v", err)
	}
	defer dev.Stop()

	if len(sim.Trace) != len(canonicalTrace) {
		t.Fatalf("trace length = %d, want %d: %#v", len(sim.Trace), len(canonicalTrace), sim.Trace)
	}
	for i, want := range canonicalTrace {
		if got := sim.Trace[i].Opcode; got != want {
			t.Errorf("trace[%d] opcode = %#x, want %#x", i, got, want)
		}
	}
}

// TestBringUpObjectCounts covers scenario S1: bring-up creates exactly one
// EQ, two CQs (send+recv), one SQ, one RQ, one TIR, one flow table, one flow
// group, and exactly one wildcard entry.
func TestBringUpObjectCounts(t *testing.T) {
	sim, cfg := newHarness(t)

	dev, err := mlx5.New(cfg)
	if err != nil {
		t.Fatalf("mlx5.New: %v", err)
	}
	defer dev.Stop()

	count := func(op uint16) int {
		n := 0
		for _, e := range sim.Trace {
			if e.Opcode == op {
				n++
			}
		}
		return n
	}

	cases := []struct {
		op   uint16
		name string
		want int
	}{
		{hcasim.OpCreateEq, "CREATE_EQ", 1},
		{hcasim.OpCreateCq, "CREATE_CQ", 2},
		{hcasim.OpCreateSq, "CREATE_SQ", 1},
		{hcasim.OpCreateRq, "CREATE_RQ", 1},
		{hcasim.OpCreateTir, "CREATE_TIR", 1},
		{hcasim.OpCreateFlowTable, "CREATE_FLOW_TABLE", 1},
		{hcasim.OpCreateFlowGroup, "CREATE_FLOW_GROUP", 1},
		{hcasim.OpSetFlowTableEntry, "SET_FLOW_TABLE_ENTRY", 1},
	}
	for _, c := range cases {
		if got := count(c.op); got != c.want {
			t.Errorf("%s issued %d times, want %d", c.name, got, c.want)
		}
	}
}

// TestBringUpExceedLim covers scenario S2: with QueryCapabilities on and a
// capability set too small for this driver's single SQ, CreateSQ must fail
// with CommandExceedLim rather than issue the doomed command.
func TestBringUpExceedLim(t *testing.T) {
	sim, cfg := newHarness(t)
	cfg.QueryCapabilities = true
	sim.Caps.LogMaxSQ = 0 // only 1 SQ total addressable, but log_wq_size for 64 entries is 6

	_, err := mlx5.New(cfg)
	if err == nil {
		t.Fatal("mlx5.New: expected ExceedLim error, got nil")
	}

	var cmdErr *mlx5.CommandError
	if !errors.As(err, &cmdErr) {
		t.Fatalf("error = %v, want *mlx5.CommandError", err)
	}
	if cmdErr.Code != mlx5.CommandExceedLim {
		t.Fatalf("command code = %v, want CommandExceedLim", cmdErr.Code)
	}

	for _, e := range sim.Trace {
		if e.Opcode == hcasim.OpCreateSq {
			t.Fatal("CREATE_SQ was issued despite failing the capability check")
		}
	}
}

// TestBringUpHcaHealth covers scenario S3: a non-zero health syndrome set
// before bring-up must make New fail with an HcaHealthError carrying that
// code instead of hanging; bring-up's wait for the ready bit sees it after
// one simulated tick, before any command is issued.
func TestBringUpHcaHealth(t *testing.T) {
	sim, cfg := newHarness(t)
	sim.SetHealthSyndrome(0xa5)

	_, err := mlx5.New(cfg)
	if err == nil {
		t.Fatal("mlx5.New: expected HcaHealthError, got nil")
	}

	var healthErr *mlx5.HcaHealthError
	if !errors.As(err, &healthErr) {
		t.Fatalf("error = %v, want *mlx5.HcaHealthError", err)
	}
	if healthErr.Code != 0xa5 {
		t.Fatalf("health code = %#x, want 0xa5", healthErr.Code)
	}
}

// TestSetPAOSPayload covers scenario S4: with SetPortAdminUp on, SetPAOS
// writes local_port=1, admin_state_update set, and admin_status encoded in
// the high nibble of byte 2.
func TestSetPAOSPayload(t *testing.T) {
	sim, cfg := newHarness(t)
	cfg.SetPortAdminUp = true

	dev, err := mlx5.New(cfg)
	if err != nil {
		t.Fatalf("mlx5.New: %v", err)
	}
	defer dev.Stop()

	var paos *hcasim.TraceEntry
	for i, e := range sim.Trace {
		if e.Opcode == hcasim.OpAccessRegister {
			paos = &sim.Trace[i]
		}
	}
	if paos == nil {
		t.Fatal("no ACCESS_REGISTER command was issued")
	}

	// register_id lives at logical offset 8; payload starts at offset 16.
	regID := uint16(paos.Input[10])<<8 | uint16(paos.Input[11])
	if regID != 0x5006 {
		t.Fatalf("register id = %#x, want 0x5006 (PAOS)", regID)
	}

	payload := paos.Input[16:]
	if payload[1] != 1 {
		t.Errorf("local_port = %d, want 1", payload[1])
	}
	if payload[2]>>4 != 1 {
		t.Errorf("admin_status nibble = %d, want 1 (up)", payload[2]>>4)
	}
	if payload[3]&0x80 == 0 {
		t.Error("admin_state_update bit not set")
	}
}
