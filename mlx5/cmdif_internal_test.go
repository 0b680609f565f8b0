package mlx5

import (
	"testing"

	"github.com/userspace-nic/connectx4/bits"
	"github.com/userspace-nic/connectx4/internal/reg"
)

func TestMailboxesNeeded(t *testing.T) {
	cases := []struct {
		length int
		want   int
	}{
		{0, 0},
		{16, 0},
		{17, 1},
		{16 + 512, 1},
		{16 + 512 + 1, 2},
		{16 + 512*2, 2},
		{16 + 512*16, 16},
	}

	for _, c := range cases {
		if got := mailboxesNeeded(c.length); got != c.want {
			t.Errorf("mailboxesNeeded(%d) = %d, want %d", c.length, got, c.want)
		}
	}
}

func TestChainMailboxes(t *testing.T) {
	ci := &CmdInterface{}

	pages := make([]*mailbox, 3)
	for i := range pages {
		pages[i] = &mailbox{
			mem:  make(reg.Mem, mailboxSize),
			phys: 0x10000 + uint64(i)*0x1000,
		}
		// dirty every page so reset coverage is real
		for j := range pages[i].mem {
			pages[i].mem[j] = 0xee
		}
	}

	const token = 0x5a
	ci.chainMailboxes(pages, token)

	for i, p := range pages {
		if got := reg.GetU32(p.mem, mbOffBlockNum); got != uint32(i) {
			t.Errorf("page %d block_number = %d, want %d", i, got, i)
		}
		if got := bits.GetBits(reg.GetU32(p.mem, mbOffToken), 23, 16); got != token {
			t.Errorf("page %d token = %#x, want %#x", i, got, token)
		}

		next := uint64(reg.GetU32(p.mem, mbOffNextPtrHi))<<32 | uint64(reg.GetU32(p.mem, mbOffNextPtrLo))
		if i+1 < len(pages) {
			if next != pages[i+1].phys {
				t.Errorf("page %d next_ptr = %#x, want %#x", i, next, pages[i+1].phys)
			}
		} else if next != 0 {
			t.Errorf("last page next_ptr = %#x, want 0", next)
		}

		for j, b := range p.data() {
			if b != 0 {
				t.Fatalf("page %d data byte %d = %#x after chaining, want 0", i, j, b)
			}
		}
	}
}

func TestNextTokenSkipsZeroAndWraps(t *testing.T) {
	ci := &CmdInterface{}

	seen := make(map[uint8]bool)
	prev := uint8(0)

	for i := 0; i < 300; i++ {
		tok := ci.nextToken()
		if tok == 0 {
			t.Fatal("nextToken returned 0")
		}
		if i > 0 {
			wantNext := prev + 1
			if wantNext == 0 {
				wantNext = 1
			}
			if tok != wantNext {
				t.Fatalf("token sequence broke at i=%d: got %d after %d, want %d", i, tok, prev, wantNext)
			}
		}
		seen[tok] = true
		prev = tok
	}

	for v := 1; v <= 255; v++ {
		if !seen[uint8(v)] {
			t.Errorf("token %d never issued across 300 calls", v)
		}
	}
}

func TestLegalQueueTransition(t *testing.T) {
	legal := map[[2]QueueState]bool{
		{QueueRST, QueueRDY}: true,
		{QueueRDY, QueueERR}: true,
		{QueueERR, QueueRST}: true,
	}

	states := []QueueState{QueueRST, QueueRDY, QueueERR}
	for _, from := range states {
		for _, to := range states {
			want := legal[[2]QueueState{from, to}]
			if got := legalQueueTransition(from, to); got != want {
				t.Errorf("legalQueueTransition(%s, %s) = %v, want %v", from, to, got, want)
			}
		}
	}
}

func TestLog2Ceil(t *testing.T) {
	cases := map[uint32]uint32{
		0: 0, 1: 0, 2: 1, 3: 2, 4: 2, 5: 3, 8: 3, 64: 6, 65: 7, 1024: 10,
	}
	for n, want := range cases {
		if got := log2Ceil(n); got != want {
			t.Errorf("log2Ceil(%d) = %d, want %d", n, got, want)
		}
	}
}

func TestCheckLimit(t *testing.T) {
	if err := checkLimit("OP", 5, 5); err != nil {
		t.Errorf("checkLimit(5,5) = %v, want nil", err)
	}
	if err := checkLimit("OP", 5, 6); err == nil {
		t.Fatal("checkLimit(5,6) = nil, want ExceedLim error")
	} else {
		var cmdErr *CommandError
		if ce, ok := err.(*CommandError); !ok {
			t.Fatalf("error type = %T, want *CommandError", err)
		} else {
			cmdErr = ce
		}
		if cmdErr.Code != CommandExceedLim {
			t.Errorf("code = %v, want CommandExceedLim", cmdErr.Code)
		}
	}
}
