package mlx5

import (
	"log"
	"testing"

	"github.com/userspace-nic/connectx4/internal/reg"
)

// fakeLink is a minimal Link: a fixed outbound queue and a slice collecting
// whatever Transmit hands back, enough to drive Push/Pull directly without
// the command-channel simulator, which never touches the datapath.
type fakeLink struct {
	out [][]byte
	in  [][]byte
}

func (l *fakeLink) Receive() Packet {
	d := l.out[0]
	l.out = l.out[1:]
	return Packet{Data: d, Length: uint16(len(d))}
}

func (l *fakeLink) Transmit(p Packet) {
	buf := make([]byte, p.Length)
	copy(buf, p.Data[:p.Length])
	l.in = append(l.in, buf)
}

func (l *fakeLink) NReadable() int { return len(l.out) }
func (l *fakeLink) Full() bool     { return false }
func (l *fakeLink) Empty() bool    { return len(l.out) == 0 }

// newIdleEQ builds an EQ with no events pending, so Pull's mandatory EQ
// drain returns immediately without a real command channel behind it.
func newIdleEQ() *EQ {
	eq := &EQ{}
	eq.initRing(make(reg.Mem, eqSize*eqeSize), 0)
	return eq
}

// markCqeOwned writes a receive completion's byte count and flips its owner
// bit to the polarity cq currently expects, simulating the device
// publishing entry i.
func markCqeOwned(cq *CQ, i int, byteCount uint32) {
	e := cq.entry(i)
	reg.PutU32(e, dpCqeByteCountOff, byteCount)
	reg.SetBits(e, cqeOffOwnerEtc, cqeOwnerBit, cqeOwnerBit, cq.owner)
}

// TestPullDrainsFullRingInSubmissionOrder covers scenario S5: after the
// device publishes a full ring's worth of receive completions, Pull hands
// every one of them to the Link in submission order, carrying the same
// per-slot buffer content posted into each RQ WQE.
func TestPullDrainsFullRingInSubmissionOrder(t *testing.T) {
	rq := &RQ{}
	rq.init(make(reg.Mem, cqSize*rqStride), 0, cqSize, rqStride, make(reg.Mem, 16))

	bufs := make([]rxBuffer, cqSize)
	for i := range bufs {
		buf := make([]byte, 4)
		buf[3] = byte(i)
		bufs[i] = rxBuffer{buf: buf}
	}
	postReceiveBuffers(rq, bufs, 0)

	if rq.producer != cqSize {
		t.Fatalf("rq.producer = %d after posting, want %d", rq.producer, cqSize)
	}
	reg.PutU32(rq.Doorbell, 0, rq.producer)

	cq := &CQ{}
	cq.initRing(make(reg.Mem, cqSize*cqeByteSize), 0, nil)
	for i := 0; i < cqSize; i++ {
		markCqeOwned(cq, i, 4)
	}

	link := &fakeLink{}

	d := &Device{
		eq:    newIdleEQ(),
		rxCQ:  cq,
		rq:    rq,
		log:   log.Default(),
		link:  link,
		state: datapathState{rxBufs: bufs},
	}

	d.Pull()

	if len(link.in) != cqSize {
		t.Fatalf("delivered %d packets, want %d", len(link.in), cqSize)
	}
	for i, got := range link.in {
		if len(got) != 4 || got[3] != byte(i) {
			t.Fatalf("packet %d = %v, want marker byte %d", i, got, byte(i))
		}
	}
	if rq.consumer != cqSize {
		t.Fatalf("rq.consumer = %d, want %d", rq.consumer, cqSize)
	}

	// Every reaped slot was recycled in place, so the producer ran ahead by
	// a full ring and the doorbell record published it: the device side
	// sees every slot available again, not a drained queue.
	if rq.producer != 2*cqSize {
		t.Fatalf("rq.producer = %d after recycling, want %d", rq.producer, 2*cqSize)
	}
	if got := reg.GetU32(rq.Doorbell, 0); got != rq.producer {
		t.Fatalf("RQ doorbell = %d, want producer %d", got, rq.producer)
	}
}

// TestPushReapsSendCompletionsAcrossWraparound is a regression test for the
// send CQ being discarded instead of reaped: without draining it, the SQ
// consumer never advances, Full() stays true forever once the ring fills
// once, and Push silently stops posting for good. It simulates the device
// completing each send by marking the matching TX CQE, and checks Push
// keeps making progress across more bursts than the ring can hold at once.
func TestPushReapsSendCompletionsAcrossWraparound(t *testing.T) {
	const sqSize = 4

	sq := &SQ{}
	sq.init(make(reg.Mem, sqSize*sqStride), 0, sqSize, sqStride, make(reg.Mem, 16))

	txCQ := &CQ{}
	txCQ.initRing(make(reg.Mem, cqSize*cqeByteSize), 0, nil)

	link := &fakeLink{}
	for i := 0; i < 9; i++ {
		link.out = append(link.out, []byte{byte(i)})
	}

	d := &Device{sq: sq, txCQ: txCQ, link: link}

	d.Push()
	if sq.producer != sqSize {
		t.Fatalf("after first Push, producer = %d, want %d", sq.producer, sqSize)
	}
	if !sq.Full() {
		t.Fatal("SQ should be full after posting a full ring with nothing reaped yet")
	}
	if len(link.out) != 5 {
		t.Fatalf("link.out has %d packets left, want 5 (4 posted)", len(link.out))
	}

	for i := 0; i < sqSize; i++ {
		markCqeOwned(txCQ, i, 0)
	}

	d.Push()
	if sq.consumer != sqSize {
		t.Fatalf("after second Push, consumer = %d, want %d (TX CQ not reaped)", sq.consumer, sqSize)
	}
	if sq.producer != sqSize+4 {
		t.Fatalf("after second Push, producer = %d, want %d (Push stayed wedged)", sq.producer, sqSize+4)
	}
	if len(link.out) != 1 {
		t.Fatalf("link.out has %d packets left, want 1", len(link.out))
	}

	for i := sqSize; i < sqSize+4; i++ {
		markCqeOwned(txCQ, i, 0)
	}

	d.Push()
	if !link.Empty() {
		t.Fatal("Push never drained the last queued packet")
	}
	if sq.producer != 9 || sq.consumer != 8 {
		t.Fatalf("producer=%d consumer=%d, want 9/8 (last send's completion not yet published)", sq.producer, sq.consumer)
	}

	markCqeOwned(txCQ, sqSize+4, 0)

	d.Push()
	if !sq.Empty() {
		t.Fatalf("SQ should be empty once every posted WQE is reaped, producer=%d consumer=%d", sq.producer, sq.consumer)
	}
}
