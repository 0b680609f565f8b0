package netstack

import (
	"testing"

	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/header"
	"gvisor.dev/gvisor/pkg/tcpip/stack"

	"github.com/userspace-nic/connectx4/mlx5"
)

func TestEndpointAccessors(t *testing.T) {
	addr := tcpip.LinkAddress([]byte{0x02, 0x00, 0x00, 0x00, 0x00, 0x01})
	e := New(4, 1500, addr)

	if e.MTU() != 1500 {
		t.Errorf("MTU() = %d, want 1500", e.MTU())
	}
	if e.LinkAddress() != addr {
		t.Errorf("LinkAddress() = %v, want %v", e.LinkAddress(), addr)
	}
	if e.MaxHeaderLength() != ethHeaderLen {
		t.Errorf("MaxHeaderLength() = %d, want %d", e.MaxHeaderLength(), ethHeaderLen)
	}
	if e.Capabilities() != 0 {
		t.Errorf("Capabilities() = %v, want 0", e.Capabilities())
	}
	if e.ARPHardwareType() != header.ARPHardwareEther {
		t.Errorf("ARPHardwareType() = %v, want ARPHardwareEther", e.ARPHardwareType())
	}
	if e.IsAttached() {
		t.Error("IsAttached() true before Attach")
	}
}

func TestEndpointQueueIsLinkAndBounded(t *testing.T) {
	e := New(2, 1500, tcpip.LinkAddress(""))

	var l mlx5.Link = e
	if !l.Empty() {
		t.Fatal("fresh endpoint should be Empty")
	}
	if l.Full() {
		t.Fatal("fresh endpoint should not be Full")
	}

	e.outbound <- mlx5.Packet{Data: []byte{1, 2, 3}, Length: 3}
	e.outbound <- mlx5.Packet{Data: []byte{4, 5, 6}, Length: 3}

	if !l.Full() {
		t.Fatal("endpoint at capacity should report Full")
	}
	if l.NReadable() != 2 {
		t.Fatalf("NReadable() = %d, want 2", l.NReadable())
	}

	p := l.Receive()
	if p.Length != 3 || p.Data[0] != 1 {
		t.Fatalf("Receive() = %+v, want the first queued packet", p)
	}
	if l.Full() {
		t.Fatal("endpoint should have room after one Receive")
	}
}

type fakeDispatcher struct {
	proto tcpip.NetworkProtocolNumber
	n     int
}

func (f *fakeDispatcher) DeliverNetworkPacket(proto tcpip.NetworkProtocolNumber, pkt *stack.PacketBuffer) {
	f.proto = proto
	f.n++
}

func (f *fakeDispatcher) DeliverLinkPacket(tcpip.NetworkProtocolNumber, *stack.PacketBuffer) {}

func TestTransmitDeliversParsedProtocol(t *testing.T) {
	e := New(4, 1500, tcpip.LinkAddress(""))
	disp := &fakeDispatcher{}
	e.Attach(disp)

	if !e.IsAttached() {
		t.Fatal("IsAttached() false after Attach")
	}

	frame := make([]byte, ethHeaderLen+4)
	frame[12] = 0x08
	frame[13] = 0x00 // IPv4 ethertype
	copy(frame[ethHeaderLen:], []byte{9, 9, 9, 9})

	e.Transmit(mlx5.Packet{Data: frame, Length: uint16(len(frame))})

	if disp.n != 1 {
		t.Fatalf("dispatcher saw %d deliveries, want 1", disp.n)
	}
	if disp.proto != 0x0800 {
		t.Errorf("delivered protocol = %#x, want 0x0800", disp.proto)
	}
}

func TestTransmitIgnoresRuntFrame(t *testing.T) {
	e := New(4, 1500, tcpip.LinkAddress(""))
	disp := &fakeDispatcher{}
	e.Attach(disp)

	e.Transmit(mlx5.Packet{Data: []byte{1, 2, 3}, Length: 3})

	if disp.n != 0 {
		t.Fatalf("dispatcher saw %d deliveries for a runt frame, want 0", disp.n)
	}
}
