package mlx5

// Packet is one frame moving through the datapath: a byte buffer and the
// length actually in use.
type Packet struct {
	Data   []byte
	Length uint16
}

// Link is the external packet-buffer collaborator Push and Pull move
// frames through. It is deliberately minimal: no backpressure
// signaling beyond Full/Empty, no batching API. A Link implementation is
// expected to be non-blocking, matching the cooperative single-threaded
// scheduling model Push/Pull run under.
type Link interface {
	// Receive returns the next packet transmit-bound for the device. Full
	// and Empty must be checked before calling Receive/Transmit.
	Receive() Packet
	// Transmit delivers a packet the device received.
	Transmit(p Packet)

	// NReadable reports how many packets are available from Receive.
	NReadable() int
	// Full reports whether Transmit would have nowhere to put a packet.
	Full() bool
	// Empty reports whether NReadable() == 0.
	Empty() bool
}
