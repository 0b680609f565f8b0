//go:build linux

package pci

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// Config offsets used by Device.SetBusMaster (PCI Local Bus spec, Type 0
// config header).
const (
	configCommandOffset = 0x04
	commandBusMaster    = 1 << 2
)

// linuxDevice binds a device through the Linux sysfs PCI interface:
//
//	/sys/bus/pci/devices/<addr>/driver/unbind
//	/sys/bus/pci/devices/<addr>/reset
//	/sys/bus/pci/devices/<addr>/config
//	/sys/bus/pci/devices/<addr>/resource<N>
//
// This mirrors the approach used by userspace DMA frameworks (UIO/VFIO):
// unbind the kernel driver, then mmap the raw BAR resource file directly,
// issuing FLR through the sysfs reset file and bus-master control through
// the raw config-space file.
type linuxDevice struct {
	addr    Address
	sysfs   string
	config  *os.File
	barFile *os.File
	bar     []byte
}

// Open binds addr for userspace access. The caller must have permission to
// write under /sys/bus/pci/devices/<addr> (typically CAP_SYS_ADMIN or root).
func Open(addr Address) (Device, error) {
	sysfs := filepath.Join("/sys/bus/pci/devices", string(addr))

	if _, err := os.Stat(sysfs); err != nil {
		return nil, &ErrNoSuchDevice{Addr: addr}
	}

	config, err := os.OpenFile(filepath.Join(sysfs, "config"), os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("pci: open config space: %w", err)
	}

	return &linuxDevice{addr: addr, sysfs: sysfs, config: config}, nil
}

func (d *linuxDevice) Unbind() error {
	driverLink := filepath.Join(d.sysfs, "driver", "unbind")

	f, err := os.OpenFile(driverLink, os.O_WRONLY, 0)
	if os.IsNotExist(err) {
		// already unbound
		return nil
	} else if err != nil {
		return fmt.Errorf("pci: unbind %s: %w", d.addr, err)
	}
	defer f.Close()

	_, err = f.WriteString(string(d.addr))
	return err
}

func (d *linuxDevice) Reset() error {
	f, err := os.OpenFile(filepath.Join(d.sysfs, "reset"), os.O_WRONLY, 0)
	if err != nil {
		return fmt.Errorf("pci: reset %s: %w", d.addr, err)
	}
	defer f.Close()

	_, err = f.WriteString("1")
	return err
}

func (d *linuxDevice) SetBusMaster(enabled bool) error {
	cmd := make([]byte, 2)

	if _, err := d.config.ReadAt(cmd, configCommandOffset); err != nil {
		return fmt.Errorf("pci: read command register: %w", err)
	}

	val := uint16(cmd[0]) | uint16(cmd[1])<<8

	if enabled {
		val |= commandBusMaster
	} else {
		val &^= commandBusMaster
	}

	cmd[0] = byte(val)
	cmd[1] = byte(val >> 8)

	_, err := d.config.WriteAt(cmd, configCommandOffset)
	return err
}

func (d *linuxDevice) MapBAR(bar int) ([]byte, error) {
	path := filepath.Join(d.sysfs, fmt.Sprintf("resource%d", bar))

	f, err := os.OpenFile(path, os.O_RDWR|os.O_SYNC, 0)
	if err != nil {
		return nil, fmt.Errorf("pci: open %s: %w", path, err)
	}

	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("pci: stat %s: %w", path, err)
	}

	size := int(fi.Size())
	if size == 0 {
		f.Close()
		return nil, fmt.Errorf("pci: %s reports zero size", path)
	}

	mem, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("pci: mmap %s: %w", path, err)
	}

	d.barFile = f
	d.bar = mem

	return mem, nil
}

func (d *linuxDevice) Close() error {
	if d.bar != nil {
		unix.Munmap(d.bar)
		d.bar = nil
	}
	if d.barFile != nil {
		d.barFile.Close()
		d.barFile = nil
	}
	if d.config != nil {
		d.config.Close()
		d.config = nil
	}
	return nil
}
