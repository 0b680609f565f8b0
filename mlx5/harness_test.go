package mlx5_test

import (
	"testing"

	"github.com/userspace-nic/connectx4/dma"
	"github.com/userspace-nic/connectx4/internal/hcasim"
	"github.com/userspace-nic/connectx4/mlx5"
)

// fakePCI is the pci.Device double used by every bring-up test: no real
// binding or reset happens, MapBAR just hands back the simulator's BAR.
type fakePCI struct {
	sim *hcasim.Device
}

func (f *fakePCI) Unbind() error                  { return nil }
func (f *fakePCI) Reset() error                    { return nil }
func (f *fakePCI) SetBusMaster(bool) error         { return nil }
func (f *fakePCI) MapBAR(bar int) ([]byte, error)  { return f.sim.BAR, nil }
func (f *fakePCI) Close() error                    { return nil }

// newHarness wires a Device against a simulated HCA: a 16 MiB host-memory
// region backs every DMA allocation, and the simulator answers every
// command synchronously off the command interface's Clock.Sleep hook.
func newHarness(t *testing.T) (*hcasim.Device, mlx5.Config) {
	t.Helper()

	region := dma.NewRegion(make([]byte, 16<<20), 0x10000)

	sim, err := hcasim.New(region)
	if err != nil {
		t.Fatalf("hcasim.New: %v", err)
	}

	cfg := mlx5.Config{
		PCIAddress:    "0000:00:00.0",
		Device:        &fakePCI{sim: sim},
		Allocator:     region,
		Clock:         hcasim.Clock{Dev: sim},
		SendQueueSize: 64,
		RecvQueueSize: 64,
	}

	return sim, cfg
}
