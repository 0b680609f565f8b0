// Package netstack adapts the driver's Push/Pull datapath to a gvisor
// tcpip.Stack: a fixed-size outbound queue of raw Ethernet frames, a
// hand-built 14-byte Ethernet header on each direction, and
// Attach/WritePackets/MTU satisfying stack.LinkEndpoint.
package netstack

import (
	"encoding/binary"
	"sync"

	"gvisor.dev/gvisor/pkg/buffer"
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/header"
	"gvisor.dev/gvisor/pkg/tcpip/stack"

	"github.com/userspace-nic/connectx4/mlx5"
)

const ethHeaderLen = 14

// Endpoint is a stack.LinkEndpoint backed by a bounded outbound queue and,
// symmetrically, an mlx5.Link the driver's Push/Pull drain and fill
// directly. One Endpoint serves both roles: Push calls Empty/Receive,
// Pull calls Transmit, and the gvisor stack calls WritePackets/Attach.
type Endpoint struct {
	linkAddr tcpip.LinkAddress
	mtu      uint32

	mu         sync.Mutex
	dispatcher stack.NetworkDispatcher

	outbound chan mlx5.Packet
}

// New returns an Endpoint with the given outbound queue depth, MTU, and
// device link address.
func New(queueDepth int, mtu uint32, linkAddr tcpip.LinkAddress) *Endpoint {
	return &Endpoint{
		linkAddr: linkAddr,
		mtu:      mtu,
		outbound: make(chan mlx5.Packet, queueDepth),
	}
}

// --- mlx5.Link ---

// Receive returns the next frame queued by WritePackets. Callers must check
// Empty first; Receive on an empty queue returns a zero Packet.
func (e *Endpoint) Receive() mlx5.Packet {
	select {
	case p := <-e.outbound:
		return p
	default:
		return mlx5.Packet{}
	}
}

// Transmit hands a received frame up to the attached dispatcher, splitting
// off the 14-byte Ethernet header to recover the protocol number.
func (e *Endpoint) Transmit(p mlx5.Packet) {
	if p.Length < ethHeaderLen {
		return
	}

	e.mu.Lock()
	d := e.dispatcher
	e.mu.Unlock()
	if d == nil {
		return
	}

	frame := p.Data[:p.Length]
	proto := tcpip.NetworkProtocolNumber(binary.BigEndian.Uint16(frame[12:14]))

	payload := make([]byte, len(frame)-ethHeaderLen)
	copy(payload, frame[ethHeaderLen:])

	pkt := stack.NewPacketBuffer(stack.PacketBufferOptions{
		Payload: buffer.MakeWithData(payload),
	})
	defer pkt.DecRef()

	d.DeliverNetworkPacket(proto, pkt)
}

// NReadable reports how many frames WritePackets has queued.
func (e *Endpoint) NReadable() int { return len(e.outbound) }

// Full reports whether the outbound queue has no room for another frame.
func (e *Endpoint) Full() bool { return len(e.outbound) == cap(e.outbound) }

// Empty reports whether the outbound queue has nothing for Receive.
func (e *Endpoint) Empty() bool { return len(e.outbound) == 0 }

// --- stack.LinkEndpoint ---

// Attach registers the dispatcher Transmit delivers inbound packets to.
func (e *Endpoint) Attach(dispatcher stack.NetworkDispatcher) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.dispatcher = dispatcher
}

// IsAttached reports whether Attach has been called with a non-nil
// dispatcher.
func (e *Endpoint) IsAttached() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dispatcher != nil
}

// MTU returns the configured maximum transmission unit.
func (e *Endpoint) MTU() uint32 { return e.mtu }

// Capabilities reports no special handling: this endpoint does not resolve
// addresses or checksum on the stack's behalf.
func (e *Endpoint) Capabilities() stack.LinkEndpointCapabilities { return 0 }

// MaxHeaderLength returns the Ethernet header size reserved ahead of each
// packet's payload.
func (e *Endpoint) MaxHeaderLength() uint16 { return ethHeaderLen }

// LinkAddress returns the device's configured MAC address.
func (e *Endpoint) LinkAddress() tcpip.LinkAddress { return e.linkAddr }

// Wait is a no-op: this endpoint owns no background goroutine to join.
func (e *Endpoint) Wait() {}

// ARPHardwareType reports standard Ethernet, matching the 14-byte header
// this endpoint always prepends.
func (e *Endpoint) ARPHardwareType() header.ARPHardwareType { return header.ARPHardwareEther }

// AddHeader prepends the Ethernet header onto an outbound packet ahead of
// queuing.
func (e *Endpoint) AddHeader(pkt *stack.PacketBuffer) {
	h := header.Ethernet(pkt.LinkHeader().Push(header.EthernetMinimumSize))
	h.Encode(&header.EthernetFields{
		SrcAddr: e.linkAddr,
		DstAddr: pkt.EgressRoute.RemoteLinkAddress,
		Type:    pkt.NetworkProtocolNumber,
	})
}

// WritePackets enqueues every packet's full Ethernet frame, stopping early
// once the outbound queue fills; the driver's Push drains it on its own
// schedule, matching the cooperative, non-blocking contract mlx5.Link
// requires.
func (e *Endpoint) WritePackets(pkts stack.PacketBufferList) (int, tcpip.Error) {
	n := 0
	for _, pkt := range pkts.AsSlice() {
		buf := pkt.ToBuffer()
		frame := buf.Flatten()

		select {
		case e.outbound <- mlx5.Packet{Data: frame, Length: uint16(len(frame))}:
			n++
		default:
			return n, &tcpip.ErrWouldBlock{}
		}
	}
	return n, nil
}

// WriteRawPacket is unsupported: every write this endpoint handles goes
// through WritePackets with a network-layer payload to header-stamp.
func (e *Endpoint) WriteRawPacket(*stack.PacketBuffer) tcpip.Error {
	return &tcpip.ErrNotSupported{}
}
