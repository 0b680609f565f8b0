package mlx5

import (
	"fmt"
	"log"
	"net"

	"github.com/userspace-nic/connectx4/dma"
	"github.com/userspace-nic/connectx4/pci"
	"golang.org/x/time/rate"
)

// Config is the configuration surface a caller supplies to New:
// which device to bind, how large to build the send/receive rings, and the
// MAC address Device.MAC reports. There is no port/VF selection,
// RSS, or multi-queue knob: this driver is deliberately single-queue,
// single-port.
type Config struct {
	PCIAddress pci.Address

	SendQueueSize uint32 // must be a power of two; defaults to 1024
	RecvQueueSize uint32 // must be a power of two; defaults to 1024

	// MAC overrides the port's MAC address. Left nil, the permanent
	// address is queried from the NIC vport context the first time
	// Device.MAC is called.
	MAC net.HardwareAddr

	// QueryCapabilities, when set, makes New issue the optional
	// QUERY_HCA_CAP bring-up step and enforces the
	// resulting log_max_* limits when creating the EQ/CQ/SQ/RQ. Left off by
	// default so the opcode trace stays exactly the canonical sequence.
	QueryCapabilities bool

	// SetPortAdminUp, when set, makes New issue a PAOS ACCESS_REGISTER
	// write forcing the port administratively up as the last bring-up
	// step. Left off by default so the opcode trace stays exactly the
	// canonical sequence; a caller that wants the port up issues SetPAOS
	// itself through HCA() afterwards, or sets this field.
	SetPortAdminUp bool

	Logger *log.Logger

	// Allocator overrides the DMA allocator used for all device-visible
	// memory. Tests supply a host-backed region; production callers
	// normally leave this nil and get a fixed 64 MiB dma.HostRegion.
	Allocator dma.Allocator

	// Device overrides the PCI collaborator. Tests supply a fake; nil
	// means open PCIAddress via the host's PCI layer.
	Device pci.Device

	// Clock overrides the command-poll wait. Tests supply one that drives
	// a simulated HCA synchronously instead of sleeping; nil means the
	// real wall-clock Sleep.
	Clock Clock
}

func (c *Config) validate() error {
	if c.PCIAddress == "" && c.Device == nil {
		return fmt.Errorf("%w: PCIAddress or Device required", ErrInvalidConfig)
	}
	if c.SendQueueSize == 0 {
		c.SendQueueSize = 1024
	}
	if c.RecvQueueSize == 0 {
		c.RecvQueueSize = 1024
	}
	if c.SendQueueSize&(c.SendQueueSize-1) != 0 {
		return fmt.Errorf("%w: SendQueueSize must be a power of two, got %d", ErrInvalidConfig, c.SendQueueSize)
	}
	if c.RecvQueueSize&(c.RecvQueueSize-1) != 0 {
		return fmt.Errorf("%w: RecvQueueSize must be a power of two, got %d", ErrInvalidConfig, c.RecvQueueSize)
	}
	if c.Logger == nil {
		c.Logger = log.Default()
	}
	return nil
}

// reserveCapable is the optional dma.Allocator extension *dma.Region and
// *dma.HostRegion satisfy: tagging a block as caller-managed and handing it
// back later, rather than leaving it to outlive the device for good. A bare
// dma.Allocator that lacks it falls back to a plain Alloc whose memory is
// simply never reclaimed, matching this driver's documented lifecycle for
// allocators that can't do better.
type reserveCapable interface {
	Reserve(size, align int) ([]byte, uint64, error)
	Release(virt []byte) error
}

// reserveDMA allocates size bytes the caller will immediately overwrite in
// full (a ring, a doorbell, a mailbox page), via alloc.Reserve when alloc
// supports it, falling back to alloc.Alloc otherwise.
func reserveDMA(alloc dma.Allocator, size, align int) ([]byte, uint64, error) {
	if rc, ok := alloc.(reserveCapable); ok {
		return rc.Reserve(size, align)
	}
	return alloc.Alloc(size, align)
}

// releaseDMA hands every buffer in bufs back to alloc via Release when
// alloc supports it; a no-op when it doesn't, since those buffers were
// taken with a plain Alloc and are left to outlive the device.
func releaseDMA(alloc dma.Allocator, bufs [][]byte) error {
	rc, ok := alloc.(reserveCapable)
	if !ok {
		return nil
	}

	var firstErr error
	for _, buf := range bufs {
		if err := rc.Release(buf); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Device is a bound-up ConnectX-4/LX port: a single RQ/SQ pair, one TIR
// fed by a wildcard RX flow table, and the driving HCA command interface.
// Push/Pull are the only datapath entry points; neither blocks.
type Device struct {
	hca   *HCA
	pci   pci.Device
	alloc dma.Allocator

	eq   *EQ
	rxCQ *CQ
	txCQ *CQ

	rq *RQ
	sq *SQ

	tis TIS
	tir TIR
	pd  PD
	td  TD
	uar UAR

	rxTable *FlowTable
	rxGroup *FlowGroup

	rlkey uint32
	mac   net.HardwareAddr

	config Config
	log    *log.Logger

	link  Link
	state datapathState

	// unknownEventLimiter throttles the log line Pull emits for EQ event
	// types it does not recognize; per-device rather than package state.
	unknownEventLimiter *rate.Limiter

	reservedDMA [][]byte
}

// reserve takes DMA memory the device will immediately overwrite in full
// (a WQ ring or doorbell record) and records it for release in Stop.
func (d *Device) reserve(size, align int) ([]byte, uint64, error) {
	buf, phys, err := reserveDMA(d.alloc, size, align)
	if err != nil {
		return nil, 0, err
	}
	d.reservedDMA = append(d.reservedDMA, buf)
	return buf, phys, nil
}

// New binds the configured PCI device, brings the HCA up through firmware
// initialization, and wires one RQ/SQ pair ready to move packets.
func New(config Config) (*Device, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}
	return bringUp(config)
}

// Stop tears the device down in roughly reverse order of bring-up, best
// effort: a failure partway through still attempts every remaining step.
func (d *Device) Stop() error {
	var firstErr error
	note := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if d.sq != nil {
		note(d.hca.ModifySQ(d.sq.Number, d.sq.State, QueueERR))
		note(d.hca.DestroySQ(d.sq.Number))
	}
	if d.rq != nil {
		note(d.hca.ModifyRQ(d.rq.Number, d.rq.State, QueueERR))
		note(d.hca.DestroyRQ(d.rq.Number))
	}
	if d.rxGroup != nil && d.rxTable != nil {
		note(d.hca.DestroyFlowGroup(d.rxTable, d.rxGroup))
	}
	if d.rxTable != nil {
		note(d.hca.DestroyFlowTable(d.rxTable))
	}
	if d.tir != 0 {
		note(d.hca.DestroyTIR(d.tir))
	}
	if d.tis != 0 {
		note(d.hca.DestroyTIS(d.tis))
	}
	if d.txCQ != nil {
		note(d.hca.DestroyCQ(d.txCQ))
	}
	if d.rxCQ != nil {
		note(d.hca.DestroyCQ(d.rxCQ))
	}
	if d.eq != nil {
		note(d.hca.DestroyEQ(d.eq))
	}
	note(d.hca.TeardownHCA(0))
	note(d.hca.DisableHCA())

	note(releaseDMA(d.alloc, d.reservedDMA))
	if d.hca != nil {
		note(d.hca.Close())
	}

	if d.pci != nil {
		note(d.pci.Reset())
		note(d.pci.Close())
	}

	return firstErr
}

// SetLink attaches the packet-buffer collaborator Push/Pull move frames
// through. It must be called before the first Push or Pull.
func (d *Device) SetLink(l Link) {
	d.link = l
}

// MAC returns the port's MAC address: Config.MAC when one was supplied,
// otherwise the permanent address queried once from the NIC vport context
// and cached for the device's lifetime.
func (d *Device) MAC() (net.HardwareAddr, error) {
	if d.mac != nil {
		return d.mac, nil
	}

	if len(d.config.MAC) == 6 {
		d.mac = d.config.MAC
		return d.mac, nil
	}

	mac, err := d.hca.QueryNicVportContext()
	if err != nil {
		return nil, err
	}
	d.mac = mac

	return mac, nil
}

// HCA exposes the underlying command interface for callers that need
// direct register access beyond Push/Pull, such as a self-test issuing
// PPLR/PAOS register commands directly.
func (d *Device) HCA() *HCA {
	return d.hca
}
