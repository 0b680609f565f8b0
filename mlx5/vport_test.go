package mlx5_test

import (
	"bytes"
	"net"
	"testing"

	"github.com/userspace-nic/connectx4/internal/hcasim"
	"github.com/userspace-nic/connectx4/mlx5"
)

func countOpcode(sim *hcasim.Device, op uint16) int {
	n := 0
	for _, e := range sim.Trace {
		if e.Opcode == op {
			n++
		}
	}
	return n
}

// TestMACQueriedFromVportContext: with no Config.MAC, Device.MAC queries
// the permanent address from the NIC vport context exactly once, outside
// the bring-up sequence, and caches it.
func TestMACQueriedFromVportContext(t *testing.T) {
	sim, cfg := newHarness(t)
	sim.MAC = [6]byte{0x00, 0x11, 0x22, 0x33, 0x44, 0x55}

	dev, err := mlx5.New(cfg)
	if err != nil {
		t.Fatalf("mlx5.New: %v", err)
	}
	defer dev.Stop()

	if n := countOpcode(sim, hcasim.OpQueryNicVportContext); n != 0 {
		t.Fatalf("bring-up issued QUERY_NIC_VPORT_CONTEXT %d times, want 0", n)
	}

	mac, err := dev.MAC()
	if err != nil {
		t.Fatalf("MAC: %v", err)
	}
	if !bytes.Equal(mac, sim.MAC[:]) {
		t.Fatalf("MAC = %v, want %v", mac, net.HardwareAddr(sim.MAC[:]))
	}

	if _, err := dev.MAC(); err != nil {
		t.Fatalf("MAC (cached): %v", err)
	}
	if n := countOpcode(sim, hcasim.OpQueryNicVportContext); n != 1 {
		t.Fatalf("QUERY_NIC_VPORT_CONTEXT issued %d times across two MAC calls, want 1", n)
	}
}

// TestMACConfigOverride: a caller-supplied MAC short-circuits the vport
// context query entirely.
func TestMACConfigOverride(t *testing.T) {
	sim, cfg := newHarness(t)
	cfg.MAC = net.HardwareAddr{0x02, 0xaa, 0xbb, 0xcc, 0xdd, 0xee}

	dev, err := mlx5.New(cfg)
	if err != nil {
		t.Fatalf("mlx5.New: %v", err)
	}
	defer dev.Stop()

	mac, err := dev.MAC()
	if err != nil {
		t.Fatalf("MAC: %v", err)
	}
	if !bytes.Equal(mac, cfg.MAC) {
		t.Fatalf("MAC = %v, want configured %v", mac, cfg.MAC)
	}
	if n := countOpcode(sim, hcasim.OpQueryNicVportContext); n != 0 {
		t.Fatalf("QUERY_NIC_VPORT_CONTEXT issued %d times despite Config.MAC, want 0", n)
	}
}

func TestQueryVportState(t *testing.T) {
	_, cfg := newHarness(t)

	dev, err := mlx5.New(cfg)
	if err != nil {
		t.Fatalf("mlx5.New: %v", err)
	}
	defer dev.Stop()

	st, err := dev.HCA().QueryVportState()
	if err != nil {
		t.Fatalf("QueryVportState: %v", err)
	}
	if !st.AdminUp || !st.OperUp {
		t.Fatalf("vport state = %+v, want admin and oper up", st)
	}
}
