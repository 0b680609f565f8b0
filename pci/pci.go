// Package pci is the external PCI collaborator consumed by the mlx5 driver
// core (see the PCI/DMA collaborator contract in the driver's design
// documentation). It binds a device away from the host kernel driver, resets
// it, and maps its BAR into the process address space. It is deliberately
// thin: the mlx5 package never reaches into PCI config space itself, it only
// calls through this interface.
package pci

import "fmt"

// Device is the external PCI collaborator contract. Implementations bind a
// single-function, single-BAR device (the core never uses more than BAR0,
// this driver only ever binds one device).
type Device interface {
	// Unbind detaches the device from whatever host kernel driver currently
	// owns it.
	Unbind() error

	// Reset issues a function-level reset (FLR) of the device.
	Reset() error

	// SetBusMaster enables or disables bus-mastering DMA.
	SetBusMaster(enabled bool) error

	// MapBAR maps the given base address register into the process and
	// returns it as a byte slice addressable 1:1 with device MMIO offsets.
	MapBAR(bar int) ([]byte, error)

	// Close unmaps any BAR mappings and releases host resources. It does not
	// rebind the device to a host driver.
	Close() error
}

// Address is a PCI domain:bus:device.function address, e.g.
// "0000:03:00.0".
type Address string

// ErrNoSuchDevice is returned when Address does not name a device visible
// under the host's PCI enumeration.
type ErrNoSuchDevice struct {
	Addr Address
}

func (e *ErrNoSuchDevice) Error() string {
	return fmt.Sprintf("pci: no such device: %s", e.Addr)
}
