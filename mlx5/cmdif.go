package mlx5

import (
	"fmt"
	"io"
	"log"

	"github.com/userspace-nic/connectx4/bits"
	"github.com/userspace-nic/connectx4/dma"
	"github.com/userspace-nic/connectx4/internal/reg"
)

// Command queue entry (CQE-cmd) field offsets.
const (
	cqeSize = 0x40

	cqeOffType         = 0x00
	cqeTypeCommand     = 7
	cqeOffInputLength  = 0x04
	cqeOffInputMbHi    = 0x08
	cqeOffInputMbLo    = 0x0c
	cqeOffInlineInput  = 0x10 // 16 bytes, through 0x1f
	cqeOffInlineOutput = 0x20 // 16 bytes, through 0x2f
	cqeOffOutputMbHi   = 0x30
	cqeOffOutputMbLo   = 0x34
	cqeOffOutputLength = 0x38
	cqeOffTokenEtc     = 0x3c

	inlineWindowSize = 16
)

// defaultMailboxCapacity bounds each chain's page count. The PRM's largest
// output in this driver's scope is QUERY_HCA_CAP (0x10 header + 0xF00 of
// capability bits, comfortably under 4 KiB); 16 pages (8 KiB of payload
// beyond the inline window) covers every command this module issues with
// headroom, well short of the generous upper bound a conservative
// implementation might reserve.
const defaultMailboxCapacity = 16

// CmdInterface is the transport to firmware commands: a
// single host-allocated command entry plus two independent mailbox page
// chains, a monotonic per-instance token counter, and the polling/decoding
// logic every HCA command in the commands_*.go files builds on.
type CmdInterface struct {
	initSeg *InitSegment
	alloc   dma.Allocator
	clock   Clock
	logger  *log.Logger

	entry     reg.Mem
	entryPhys uint64

	inputMb  []*mailbox
	outputMb []*mailbox

	reservedDMA [][]byte

	token uint8 // last token issued; 0 means "never issued one"

	Verbose bool // emit hexdumps of entry + mailboxes
}

// NewCmdInterface allocates the command entry and mailbox pool and wires it
// to the given Initialization Segment. The entry and every mailbox page are
// zeroed and rewritten in full on every Execute, so they are taken with
// reserveDMA rather than alloc.Alloc when the allocator supports it.
func NewCmdInterface(initSeg *InitSegment, alloc dma.Allocator, logger *log.Logger) (*CmdInterface, error) {
	ci := &CmdInterface{
		initSeg: initSeg,
		alloc:   alloc,
		clock:   realClock{},
		logger:  logger,
	}

	// Page-aligned: WriteCmdQPhyAddr packs log_cmdq_size/log_cmdq_stride into
	// the low byte of the address register, so the address itself must carry
	// zeros there.
	entryBuf, entryPhys, err := ci.reserveDMAMem(cqeSize, 4096)
	if err != nil {
		return nil, fmt.Errorf("%w: command entry: %v", ErrDmaAllocFailed, err)
	}
	ci.entry = reg.Mem(entryBuf)
	ci.entryPhys = entryPhys

	if ci.inputMb, err = ci.newMailboxPool(defaultMailboxCapacity); err != nil {
		return nil, err
	}
	if ci.outputMb, err = ci.newMailboxPool(defaultMailboxCapacity); err != nil {
		return nil, err
	}

	return ci, nil
}

func (ci *CmdInterface) newMailboxPool(n int) ([]*mailbox, error) {
	pool := make([]*mailbox, n)
	for i := range pool {
		buf, phys, err := ci.reserveDMAMem(mailboxSize, mailboxAlign)
		if err != nil {
			return nil, fmt.Errorf("%w: mailbox page %d: %v", ErrDmaAllocFailed, i, err)
		}
		pool[i] = &mailbox{mem: reg.Mem(buf), phys: phys}
	}
	return pool, nil
}

// reserveDMAMem takes size bytes of DMA memory this command interface will
// immediately zero and rewrite in full, via reserveDMA when ci.alloc
// supports it, and records the buffer so Close can hand it back.
func (ci *CmdInterface) reserveDMAMem(size, align int) ([]byte, uint64, error) {
	buf, phys, err := reserveDMA(ci.alloc, size, align)
	if err != nil {
		return nil, 0, err
	}
	ci.reservedDMA = append(ci.reservedDMA, buf)
	return buf, phys, nil
}

// Close releases the command entry and every mailbox page back to the
// allocator, best effort, when the allocator supports Reserve/Release.
func (ci *CmdInterface) Close() error {
	return releaseDMA(ci.alloc, ci.reservedDMA)
}

// nextToken advances the monotonic 8-bit token counter, wrapping 1..255 and
// never issuing 0.
func (ci *CmdInterface) nextToken() uint8 {
	ci.token++
	if ci.token == 0 {
		ci.token = 1
	}
	return ci.token
}

// Filler writes command-specific input fields at logical byte offsets
// (0, 4, 8, ... in multiples of 4) into the inline window or input mailbox
// chain, whichever the offset falls in.
type Filler func(w *IOWindow)

// Reader reads command-specific output fields back the same way.
type Reader func(r *IOWindow)

// IOWindow lets command implementations address a logical input/output
// buffer without knowing whether a given offset lands in the entry's
// inline window or a mailbox page.
type IOWindow struct {
	inline reg.Mem
	pages  []*mailbox
}

// PutU32 writes val at the given logical dword offset.
func (w *IOWindow) PutU32(offset int, val uint32) {
	mem, local := w.locate(offset)
	reg.PutU32(mem, local, val)
}

// GetU32 reads the dword at the given logical offset.
func (w *IOWindow) GetU32(offset int) uint32 {
	mem, local := w.locate(offset)
	return reg.GetU32(mem, local)
}

// PutBytes copies buf starting at the given logical byte offset, splitting
// across the dword grid one big-endian word at a time (all fields in this
// protocol are dword-granular).
func (w *IOWindow) PutBytes(offset int, buf []byte) {
	for i := 0; i+4 <= len(buf); i += 4 {
		word := uint32(buf[i])<<24 | uint32(buf[i+1])<<16 | uint32(buf[i+2])<<8 | uint32(buf[i+3])
		w.PutU32(offset+i, word)
	}
}

// GetBytes fills buf starting at the given logical byte offset, the inverse
// of PutBytes.
func (w *IOWindow) GetBytes(offset int, buf []byte) {
	for i := 0; i+4 <= len(buf); i += 4 {
		word := w.GetU32(offset + i)
		buf[i] = byte(word >> 24)
		buf[i+1] = byte(word >> 16)
		buf[i+2] = byte(word >> 8)
		buf[i+3] = byte(word)
	}
}

func (w *IOWindow) locate(offset int) (reg.Mem, int) {
	if offset < inlineWindowSize {
		return w.inline, offset
	}

	rel := offset - inlineWindowSize
	page := rel / mailboxDataSize
	local := rel % mailboxDataSize

	if page >= len(w.pages) {
		panic(fmt.Sprintf("mlx5: logical offset %#x exceeds mailbox capacity", offset))
	}

	return w.pages[page].data(), local
}

// Execute runs one firmware command end to end.
func (ci *CmdInterface) Execute(op string, opcode uint16, opMod uint16, inLen, outLen int, fill Filler, read Reader) error {
	nIn := mailboxesNeeded(inLen)
	nOut := mailboxesNeeded(outLen)

	if nIn > len(ci.inputMb) {
		return &InputOverflowError{Needed: nIn, Capacity: len(ci.inputMb)}
	}
	if nOut > len(ci.outputMb) {
		return &OutputOverflowError{Needed: nOut, Capacity: len(ci.outputMb)}
	}

	token := ci.nextToken()

	zeroMem(ci.entry)
	reg.SetBits(ci.entry, cqeOffType, 31, 24, cqeTypeCommand)
	reg.PutU32(ci.entry, cqeOffInputLength, uint32(inLen))
	reg.PutU32(ci.entry, cqeOffOutputLength, uint32(outLen))

	ci.chainMailboxes(ci.inputMb[:nIn], token)
	ci.chainMailboxes(ci.outputMb[:nOut], token)

	if nIn > 0 {
		reg.PutU32(ci.entry, cqeOffInputMbHi, bits.PhysHi(ci.inputMb[0].phys))
		reg.PutU32(ci.entry, cqeOffInputMbLo, bits.PhysLo(ci.inputMb[0].phys))
	}
	if nOut > 0 {
		reg.PutU32(ci.entry, cqeOffOutputMbHi, bits.PhysHi(ci.outputMb[0].phys))
		reg.PutU32(ci.entry, cqeOffOutputMbLo, bits.PhysLo(ci.outputMb[0].phys))
	}

	inWin := &IOWindow{inline: ci.entry[cqeOffInlineInput : cqeOffInlineInput+inlineWindowSize], pages: ci.inputMb[:nIn]}
	inWin.PutU32(0, uint32(opcode)<<16)
	inWin.PutU32(4, uint32(opMod))

	if fill != nil {
		fill(inWin)
	}

	reg.SetBits(ci.entry, cqeOffTokenEtc, 31, 24, uint32(token))
	reg.SetBits(ci.entry, cqeOffTokenEtc, 0, 0, 1) // ownership = hardware

	if ci.Verbose {
		ci.hexdump(op, ci.inputMb[:nIn], ci.outputMb[:nOut])
	}

	ci.initSeg.RingDoorbell(0)

	if err := ci.poll(op); err != nil {
		return err
	}

	if err := ci.checkTransport(op); err != nil {
		return err
	}
	if err := ci.checkCommand(op); err != nil {
		return err
	}

	if read != nil {
		outWin := &IOWindow{inline: ci.entry[cqeOffInlineOutput : cqeOffInlineOutput+inlineWindowSize], pages: ci.outputMb[:nOut]}
		read(outWin)
	}

	return nil
}

func (ci *CmdInterface) chainMailboxes(pages []*mailbox, token uint8) {
	for i, p := range pages {
		p.reset()
		p.setBlockNumber(uint32(i))
		p.setToken(token)
		if i+1 < len(pages) {
			p.setNext(pages[i+1].phys)
		}
	}
}

// mailboxesNeeded computes the page count for in_len = 16 + k*512
// + r (r <= 512), k+1 pages are used when r>0 or k=0, otherwise k.
func mailboxesNeeded(length int) int {
	if length <= inlineWindowSize {
		return 0
	}
	rem := length - inlineWindowSize
	k := rem / mailboxDataSize
	r := rem % mailboxDataSize
	if r > 0 || k == 0 {
		return k + 1
	}
	return k
}

// poll waits for the device to clear the entry's ownership bit, aborting on
// a non-zero health syndrome. There is no fixed
// timeout: commands are expected to complete, and the caller may wrap
// Execute with an outer deadline if it needs one.
func (ci *CmdInterface) poll(op string) error {
	for {
		if h := ci.initSeg.HealthSyndrome(); h != 0 {
			return &HcaHealthError{Code: h}
		}

		if !bits.GetBit(reg.GetU32(ci.entry, cqeOffTokenEtc), 0) {
			return nil
		}

		ci.clock.Sleep(commandPollInterval)
	}
}

func (ci *CmdInterface) checkTransport(op string) error {
	code := TransportCode(bits.GetBits(reg.GetU32(ci.entry, cqeOffTokenEtc), 7, 1))
	if code == TransportOK {
		return nil
	}
	return &TransportError{Op: op, Code: code}
}

func (ci *CmdInterface) checkCommand(op string) error {
	outline := ci.entry[cqeOffInlineOutput : cqeOffInlineOutput+inlineWindowSize]
	code := CommandCode(bits.GetBits(reg.GetU32(outline, 0), 31, 24))
	syndrome := reg.GetU32(outline, 4)

	if code == CommandOK {
		return nil
	}
	return &CommandError{Op: op, Code: code, Syndrome: syndrome}
}

// Signature returns the signature the device stamped on the last executed
// command (entry+0x3C, bits [23:16]). The core does not police it, but
// tests may assert expectations against it.
func (ci *CmdInterface) Signature() uint8 {
	return uint8(bits.GetBits(reg.GetU32(ci.entry, cqeOffTokenEtc), 23, 16))
}

func zeroMem(m reg.Mem) {
	for i := range m {
		m[i] = 0
	}
}

// hexdump emits the command entry and every mailbox page chained into this
// command's input/output chains, in the same byte-grouped layout the Linux
// mlx5_core driver uses for its own command tracing, so that a capture here
// can be diffed against a known-good trace.
func (ci *CmdInterface) hexdump(op string, inputMb, outputMb []*mailbox) {
	ci.dumpTo(ci.logger.Writer(), op, inputMb, outputMb)
}

func (ci *CmdInterface) dumpTo(w io.Writer, op string, inputMb, outputMb []*mailbox) {
	fmt.Fprintf(w, "mlx5_cmd: %s entry:\n", op)
	dumpWords(w, ci.entry)

	for i, p := range inputMb {
		fmt.Fprintf(w, "mlx5_cmd: %s input mailbox %d:\n", op, i)
		dumpWords(w, p.mem)
	}
	for i, p := range outputMb {
		fmt.Fprintf(w, "mlx5_cmd: %s output mailbox %d:\n", op, i)
		dumpWords(w, p.mem)
	}
}

func dumpWords(w io.Writer, mem reg.Mem) {
	for off := 0; off < len(mem); off += 16 {
		end := off + 16
		if end > len(mem) {
			end = len(mem)
		}
		fmt.Fprintf(w, "%04x: % 02x\n", off, mem[off:end])
	}
}
