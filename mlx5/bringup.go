package mlx5

import (
	"fmt"

	"github.com/userspace-nic/connectx4/dma"
	"github.com/userspace-nic/connectx4/internal/reg"
	"github.com/userspace-nic/connectx4/pci"
)

// cmdQueueLogSize/cmdQueueLogStride are fixed by this driver: one entry, 64 bytes,
// matching this driver's single-outstanding-command model.
const (
	cmdQueueLogSize   = 0
	cmdQueueLogStride = 6 // log2(64)
)

// bringUp runs the ordered bring-up sequence end to end:
// acquire the device, map BAR0, establish the command channel, move
// firmware through ENABLE_HCA/SET_ISSI/page handout/INIT_HCA, then build
// exactly one RQ/SQ/CQ/EQ/TIR/flow-table stack. Any failure triggers a
// best-effort reverse teardown before returning.
func bringUp(config Config) (d *Device, err error) {
	dev := config.Device
	if dev == nil {
		opened, openErr := pci.Open(config.PCIAddress)
		if openErr != nil {
			return nil, openErr
		}
		dev = opened
	}

	alloc := config.Allocator
	if alloc == nil {
		region, allocErr := dma.NewHostRegion(64 << 20)
		if allocErr != nil {
			return nil, fmt.Errorf("%w: default allocator: %v", ErrDmaAllocFailed, allocErr)
		}
		alloc = region
	}

	d = &Device{pci: dev, config: config, log: config.Logger, alloc: alloc}

	// Every error return below sets the named result d to nil before this
	// runs, so the teardown works on its own reference to the device.
	partial := d
	defer func() {
		if err == nil {
			return
		}
		if partial.hca == nil {
			partial.pci.Reset()
			partial.pci.Close()
			return
		}
		partial.Stop()
	}()

	if err = dev.Unbind(); err != nil {
		return nil, err
	}
	if err = dev.Reset(); err != nil {
		return nil, err
	}
	if err = dev.SetBusMaster(true); err != nil {
		return nil, err
	}

	bar0, err := dev.MapBAR(0)
	if err != nil {
		return nil, err
	}

	initSeg := NewInitSegment(bar0)

	hca, err := NewHCAWithClock(initSeg, alloc, config.Logger, config.Clock)
	if err != nil {
		return nil, err
	}
	d.hca = hca

	// The command queue is this driver's single command entry: point the
	// Initialization Segment straight at the buffer CmdInterface already
	// allocated and polls/writes through Execute, rather than a second,
	// disconnected buffer.
	initSeg.WriteCmdQPhyAddr(hca.cmd.entryPhys, cmdQueueLogSize, cmdQueueLogStride)

	for !initSeg.Ready() {
		hca.cmd.clock.Sleep(commandPollInterval)
		if h := initSeg.HealthSyndrome(); h != 0 {
			return nil, &HcaHealthError{Code: h}
		}
	}

	if err = hca.EnableHCA(); err != nil {
		return nil, err
	}
	if err = hca.SetISSI(1); err != nil {
		return nil, err
	}

	if err = allocRequestedPages(hca, alloc, PagesBoot); err != nil {
		return nil, err
	}

	// Optional: when requested, query current capabilities so the
	// object-creation calls below can fail ExceedLim before issuing a
	// command the firmware would reject anyway. Skipped by default so the
	// opcode trace stays exactly the canonical 26-opcode bring-up sequence.
	if config.QueryCapabilities {
		if _, err = hca.QueryHCACap(CapCurrent); err != nil {
			return nil, err
		}
	}

	if err = allocRequestedPages(hca, alloc, PagesInit); err != nil {
		return nil, err
	}

	if err = hca.InitHCA(); err != nil {
		return nil, err
	}

	if err = allocRequestedPages(hca, alloc, PagesRegular); err != nil {
		return nil, err
	}

	d.uar, err = hca.AllocUAR()
	if err != nil {
		return nil, err
	}

	d.eq, err = hca.CreateEQ(d.uar)
	if err != nil {
		return nil, err
	}

	d.pd, err = hca.AllocPD()
	if err != nil {
		return nil, err
	}

	d.td, err = hca.AllocTransportDomain()
	if err != nil {
		return nil, err
	}

	d.rlkey, err = hca.QuerySpecialContexts()
	if err != nil {
		return nil, err
	}

	d.tis, err = hca.CreateTIS(0, d.td)
	if err != nil {
		return nil, err
	}

	d.txCQ, err = hca.CreateCQ(d.uar, d.eq.Number)
	if err != nil {
		return nil, err
	}
	d.rxCQ, err = hca.CreateCQ(d.uar, d.eq.Number)
	if err != nil {
		return nil, err
	}

	rqRing, rqRingPhys, err := d.reserve(int(config.RecvQueueSize)*rqStride, 4096)
	if err != nil {
		return nil, fmt.Errorf("%w: rq ring: %v", ErrDmaAllocFailed, err)
	}
	rqDoorbell, rqDoorbellPhys, err := d.reserve(16, 16)
	if err != nil {
		return nil, fmt.Errorf("%w: rq doorbell: %v", ErrDmaAllocFailed, err)
	}

	d.rq, err = hca.CreateRQ(d.rxCQ.Number, d.pd, rqRing, rqRingPhys, rqDoorbell, rqDoorbellPhys)
	if err != nil {
		return nil, err
	}

	sqRing, sqRingPhys, err := d.reserve(int(config.SendQueueSize)*sqStride, 4096)
	if err != nil {
		return nil, fmt.Errorf("%w: sq ring: %v", ErrDmaAllocFailed, err)
	}
	sqDoorbell, sqDoorbellPhys, err := d.reserve(16, 16)
	if err != nil {
		return nil, fmt.Errorf("%w: sq doorbell: %v", ErrDmaAllocFailed, err)
	}

	d.sq, err = hca.CreateSQ(d.txCQ.Number, d.pd, sqRing, sqRingPhys, sqDoorbell, sqDoorbellPhys, d.tis)
	if err != nil {
		return nil, err
	}

	d.state.rxBufs = make([]rxBuffer, config.RecvQueueSize)
	for i := range d.state.rxBufs {
		buf, phys, allocErr := alloc.Alloc(2048, 64)
		if allocErr != nil {
			return nil, fmt.Errorf("%w: rx buffer %d: %v", ErrDmaAllocFailed, i, allocErr)
		}
		d.state.rxBufs[i] = rxBuffer{buf: buf, phys: phys}
	}
	postReceiveBuffers(d.rq, d.state.rxBufs, d.rlkey)
	reg.PutU32(d.rq.Doorbell, 0, d.rq.producer)

	d.tir, err = hca.CreateTIRDirect(d.rq.Number, d.td)
	if err != nil {
		return nil, err
	}

	d.rxTable, err = hca.CreateFlowTable(FlowTableRX, 1)
	if err != nil {
		return nil, err
	}
	d.rxGroup, err = hca.CreateFlowGroupWildcard(d.rxTable, 0, 0)
	if err != nil {
		return nil, err
	}
	if err = hca.SetFlowTableEntryWildcard(d.rxTable, d.rxGroup, 0, d.tir); err != nil {
		return nil, err
	}
	if err = hca.SetFlowTableRoot(d.rxTable); err != nil {
		return nil, err
	}

	if err = hca.ModifyRQ(d.rq.Number, QueueRST, QueueRDY); err != nil {
		return nil, err
	}
	d.rq.State = QueueRDY

	if err = hca.ModifySQ(d.sq.Number, QueueRST, QueueRDY); err != nil {
		return nil, err
	}
	d.sq.State = QueueRDY

	// Optional: forcing the port administratively up is not part of the
	// canonical bring-up command sequence; only issue it when the caller
	// asked for it.
	if config.SetPortAdminUp {
		if err = hca.SetPAOS(true); err != nil {
			return nil, err
		}
	}

	return d, nil
}

// allocRequestedPages issues QUERY_PAGES for the given class and, if
// firmware asked for more than zero, hands them back via MANAGE_PAGES.
func allocRequestedPages(hca *HCA, alloc dma.Allocator, c PageClass) error {
	n, err := hca.QueryPages(c)
	if err != nil {
		return err
	}
	if n <= 0 {
		return nil
	}
	_, err = hca.ManagePages(n)
	return err
}
