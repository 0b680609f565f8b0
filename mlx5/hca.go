package mlx5

import (
	"log"

	"github.com/userspace-nic/connectx4/dma"
)

// HCA is the firmware command surface: one
// method per opcode, each a thin shell over CmdInterface.Execute. It also
// carries the allocator every command's MANAGE_PAGES response, and every
// object-owning command afterwards, draws DMA memory from.
type HCA struct {
	cmd   *CmdInterface
	alloc dma.Allocator
	log   *log.Logger

	// caps holds the last queried capability set, populated by QueryHCACap
	// during bring-up. Zero until queried,
	// which CreateEQ/CreateCQ/CreateSQ/CreateRQ treat as "no limit known"
	// rather than failing closed.
	caps    HCACaps
	hasCaps bool
}

// NewHCA wires a command interface over an already-mapped Initialization
// Segment.
func NewHCA(initSeg *InitSegment, alloc dma.Allocator, logger *log.Logger) (*HCA, error) {
	return NewHCAWithClock(initSeg, alloc, logger, nil)
}

// NewHCAWithClock is NewHCA with an overridden command-poll Clock. A nil
// clock keeps the real wall-clock Sleep.
func NewHCAWithClock(initSeg *InitSegment, alloc dma.Allocator, logger *log.Logger, clock Clock) (*HCA, error) {
	cmd, err := NewCmdInterface(initSeg, alloc, logger)
	if err != nil {
		return nil, err
	}
	if clock != nil {
		cmd.clock = clock
	}

	return &HCA{cmd: cmd, alloc: alloc, log: logger}, nil
}

// Close releases the command interface's entry and mailbox pool back to
// the allocator, best effort.
func (h *HCA) Close() error {
	return h.cmd.Close()
}
