package mlx5

import (
	"encoding/binary"
	"time"

	"github.com/userspace-nic/connectx4/internal/reg"
	"golang.org/x/time/rate"
)

// Send WQE layout: a 16-byte control segment followed by
// inline data, all within one sqStride-byte slot. This driver never splits
// a packet across multiple WQEBBs; a packet too large to fit inline is
// rejected by Push rather than silently truncated.
const (
	sendCtrlSize     = 16
	sendLengthSize   = 2
	sendMaxInline    = sqStride - sendCtrlSize - sendLengthSize
	sendOpcodeSend   = 0x0a
	sendCtrlOwnerOff = 0x08
)

// Receive WQE layout: one scatter entry per slot (byte_count, lkey,
// address) pointing at a buffer this driver owns for the RQ's lifetime.
const (
	recvByteCountOff = 0x00
	recvLkeyOff      = 0x04
	recvAddrHiOff    = 0x08
	recvAddrLoOff    = 0x0c
)

// dpCqeByteCountOff is the only CQE field this driver reads back: the RX
// CQ never carries send completions (each queue has its own CQ), so there
// is nothing to drain a TX completion for beyond freeing ring space.
const dpCqeByteCountOff = 0x2c


// rxBuffer is one permanently-posted receive buffer: its DMA memory plus
// the physical address already baked into the RQ's WQE.
type rxBuffer struct {
	buf  []byte
	phys uint64
}

type datapathState struct {
	rxBufs []rxBuffer
}

// postReceiveBuffers writes a scatter entry into every RQ WQE slot,
// pointing permanently at one pre-allocated buffer each, and advances the
// producer counter past them. The caller still has to publish the new
// producer value to the RQ doorbell record: the device only looks for
// posted WQEs it has been told about.
func postReceiveBuffers(rq *RQ, bufs []rxBuffer, rlkey uint32) {
	for i, b := range bufs {
		e := rq.Entry(uint32(i))
		reg.PutU32(e, recvByteCountOff, uint32(len(b.buf)))
		reg.PutU32(e, recvLkeyOff, rlkey)
		reg.PutU32(e, recvAddrHiOff, uint32(b.phys>>32))
		reg.PutU32(e, recvAddrLoOff, uint32(b.phys))
	}
	rq.producer += uint32(len(bufs))
}

// Push first reaps any completions already published on the TX CQ,
// advancing the SQ consumer so a ring that filled up on a previous burst
// frees up again, then drains outbound packets from the Link and posts
// them to the SQ, writing the new producer index to the SQ doorbell record
// once after the last WQE of the burst. It never
// blocks: if the SQ ring is still full after reaping it stops early and
// waits for the next call.
func (d *Device) Push() {
	if d.link == nil || d.sq == nil {
		return
	}

	d.reapSendCompletions()

	posted := false

	for !d.link.Empty() && !d.sq.Full() {
		pkt := d.link.Receive()
		if int(pkt.Length) > sendMaxInline {
			continue // no multi-WQEBB segmentation support
		}

		idx := d.sq.producer
		e := d.sq.Entry(idx)

		reg.PutU32(e, 0x00, uint32(sendOpcodeSend)<<24|uint32(idx)&0xffff)
		reg.PutU32(e, 0x04, uint32(d.sq.Number)<<8)
		reg.SetBits(e, sendCtrlOwnerOff, 0, 0, 0) // owner = software-produced, valid for device to fetch

		binary.BigEndian.PutUint16(e[sendCtrlSize:], pkt.Length)
		copy(e[sendCtrlSize+sendLengthSize:sendCtrlSize+sendLengthSize+int(pkt.Length)], pkt.Data[:pkt.Length])

		d.sq.producer++
		posted = true
	}

	if posted {
		reg.PutU32(d.sq.Doorbell, 0, d.sq.producer)
	}
}

// reapSendCompletions drains every completion currently posted on the TX
// CQ, advancing the SQ consumer once per entry. Send WQEs carry their data
// inline, so there is no buffer to free here, only ring space to reclaim;
// CQ.Next already handles the owner-bit wraparound, so the consumer simply
// tracks how many entries have been reaped.
func (d *Device) reapSendCompletions() {
	if d.txCQ == nil {
		return
	}
	for {
		if _, ok := d.txCQ.Next(); !ok {
			return
		}
		d.sq.consumer++
	}
}

// Pull reaps completed receive WQEs from the RX CQ and hands the resulting
// packets to the Link, then re-arms the RQ's doorbell so firmware knows
// the freed slots are available again. It also drains the EQ, logging (at
// most once a second) any event type it does not recognize rather than
// treating it as fatal.
func (d *Device) Pull() {
	if d.rxCQ == nil {
		return
	}

	if d.unknownEventLimiter == nil {
		d.unknownEventLimiter = rate.NewLimiter(rate.Every(time.Second), 1)
	}

	d.eq.Poll(func(eventType uint8, payload reg.Mem) {
		if eventType != 0x00 && eventType != 0x01 {
			if d.unknownEventLimiter.Allow() {
				d.log.Printf("mlx5: unrecognized event type %#02x", eventType)
			}
		}
	})

	if d.link == nil || d.rq == nil {
		return
	}

	reaped := false

	for {
		e, ok := d.rxCQ.Next()
		if !ok {
			break
		}

		byteCount := reg.GetU32(e, dpCqeByteCountOff)

		idx := d.rq.consumer & (uint32(len(d.state.rxBufs)) - 1)
		src := d.state.rxBufs[idx].buf

		n := byteCount
		if n > uint32(len(src)) {
			n = uint32(len(src))
		}

		out := make([]byte, n)
		copy(out, src[:n])

		d.link.Transmit(Packet{Data: out, Length: uint16(n)})

		// The slot's WQE still points at the same buffer, so reaping it is
		// also reposting it: consumer and producer advance together.
		d.rq.consumer++
		d.rq.producer++
		reaped = true
	}

	if reaped {
		reg.PutU32(d.rq.Doorbell, 0, d.rq.producer)
	}
}
