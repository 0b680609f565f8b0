package mlx5

import (
	"github.com/userspace-nic/connectx4/bits"
	"github.com/userspace-nic/connectx4/internal/reg"
)

// Mailbox page geometry: 0x240 bytes, 4 KiB-aligned, of which
// the first 0x200 bytes carry data; next_ptr chains pages, block_number
// identifies a page's index in its chain, token must equal the owning
// command entry's token.
const (
	mailboxSize     = 0x240
	mailboxDataSize = 0x200
	mailboxAlign    = 0x1000

	mbOffNextPtrHi = 0x230
	mbOffNextPtrLo = 0x234
	mbOffBlockNum  = 0x238
	mbOffToken     = 0x23c
)

// mailbox is one page of a command's input or output chain.
type mailbox struct {
	mem  reg.Mem
	phys uint64
}

func (m *mailbox) reset() {
	for i := range m.mem {
		m.mem[i] = 0
	}
}

func (m *mailbox) setBlockNumber(n uint32) {
	reg.PutU32(m.mem, mbOffBlockNum, n)
}

func (m *mailbox) setToken(token uint8) {
	reg.SetBits(m.mem, mbOffToken, 23, 16, uint32(token))
}

func (m *mailbox) setNext(phys uint64) {
	reg.PutU32(m.mem, mbOffNextPtrHi, bits.PhysHi(phys))
	reg.PutU32(m.mem, mbOffNextPtrLo, bits.PhysLo(phys))
}

// data returns the 0x200-byte data window of the page.
func (m *mailbox) data() reg.Mem {
	return m.mem[:mailboxDataSize]
}
