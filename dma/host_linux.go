//go:build linux

package dma

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// HostRegion is a Region backed by a locked, anonymous mmap. It is the
// default Allocator used by cmd/connectx4selftest and the mlx5 bring-up
// examples.
//
// A production deployment normally pairs this with a VFIO container's
// DMA-map ioctl so that "phys" below is a real IOVA rather than the host
// virtual address; binding that plumbing is the PCI/IOMMU layer's job, out
// of scope for this driver core (see the PCI/DMA collaborator contract).
// Absent that, HostRegion reports the mmap's own virtual address as the
// device-visible address, which is correct only when the device sees host
// physical memory 1:1 (e.g. under VFIO no-IOMMU mode or an identity-mapped
// IOMMU domain), adequate for the self-test and for tests against
// internal/hcasim, not a general-purpose production IOMMU binding.
type HostRegion struct {
	*Region
	mem []byte
}

// NewHostRegion mmaps size bytes of anonymous, page-locked memory and wraps
// it in a first-fit Region.
func NewHostRegion(size int) (*HostRegion, error) {
	mem, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("dma: mmap: %w", err)
	}

	if err := unix.Mlock(mem); err != nil {
		unix.Munmap(mem)
		return nil, fmt.Errorf("dma: mlock: %w", err)
	}

	base := sliceAddr(mem)

	return &HostRegion{Region: NewRegion(mem, base), mem: mem}, nil
}

// Close releases the backing mapping. No allocations made from it remain
// valid afterwards.
func (h *HostRegion) Close() error {
	if h.mem == nil {
		return nil
	}
	unix.Munlock(h.mem)
	err := unix.Munmap(h.mem)
	h.mem = nil
	return err
}
