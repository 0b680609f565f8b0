package mlx5

import (
	"testing"

	"github.com/userspace-nic/connectx4/bits"
	"github.com/userspace-nic/connectx4/internal/reg"
)

func TestMailboxReset(t *testing.T) {
	m := &mailbox{mem: make(reg.Mem, mailboxSize)}
	for i := range m.mem {
		m.mem[i] = 0xff
	}

	m.reset()

	for i, b := range m.mem {
		if b != 0 {
			t.Fatalf("byte %d = %#x after reset, want 0", i, b)
		}
	}
}

func TestMailboxSetBlockNumber(t *testing.T) {
	m := &mailbox{mem: make(reg.Mem, mailboxSize)}
	m.setBlockNumber(7)

	if got := reg.GetU32(m.mem, mbOffBlockNum); got != 7 {
		t.Fatalf("block_number = %d, want 7", got)
	}
}

func TestMailboxSetToken(t *testing.T) {
	m := &mailbox{mem: make(reg.Mem, mailboxSize)}
	m.setToken(0xab)

	if got := bits.GetBits(reg.GetU32(m.mem, mbOffToken), 23, 16); got != 0xab {
		t.Fatalf("token field = %#x, want 0xab", got)
	}
}

func TestMailboxSetNext(t *testing.T) {
	m := &mailbox{mem: make(reg.Mem, mailboxSize)}
	phys := uint64(0x0001020304050000)
	m.setNext(phys)

	hi := reg.GetU32(m.mem, mbOffNextPtrHi)
	lo := reg.GetU32(m.mem, mbOffNextPtrLo)
	got := uint64(hi)<<32 | uint64(lo)
	if got != phys {
		t.Fatalf("next_ptr = %#x, want %#x", got, phys)
	}
}

func TestMailboxData(t *testing.T) {
	m := &mailbox{mem: make(reg.Mem, mailboxSize)}
	d := m.data()

	if len(d) != mailboxDataSize {
		t.Fatalf("len(data()) = %d, want %d", len(d), mailboxDataSize)
	}

	d[0] = 0x42
	if m.mem[0] != 0x42 {
		t.Fatal("data() did not alias the underlying page")
	}
}
