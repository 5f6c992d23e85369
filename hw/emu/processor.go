package emu

import (
	"encoding/binary"
	"sync"
	"unsafe"

	"github.com/blacktop/go-vmx/hw"
)

// Block page layout. The layout past the revision identifier is private to
// this implementation, as it is on hardware.
const (
	offRevision = 0
	offAbort    = 4
	offLaunch   = 8
	offFields   = 16

	launchClear    = 0
	launchLaunched = 1
)

// slots maps every full field encoding of the catalogue to its index in the
// page's field area.
var slots = func() map[hw.Field]int {
	s := make(map[hw.Field]int)
	for _, f := range hw.Fields {
		if f.High() {
			continue
		}
		s[f] = len(s)
	}
	if offFields+8*len(s) > hw.PageSize {
		panic("emu: field area does not fit in a page")
	}
	return s
}()

// vmcs is a block cached by a processor between PtrLoad and Clear.
type vmcs struct {
	page     []byte
	addr     uintptr
	fields   map[hw.Field]uint64
	launched bool
	owner    *processor
}

func pageAddr(page []byte) uintptr {
	if len(page) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(unsafe.SliceData(page)))
}

func loadVMCS(page []byte, owner *processor) *vmcs {
	v := &vmcs{
		page:     page,
		addr:     pageAddr(page),
		fields:   make(map[hw.Field]uint64, len(slots)),
		launched: page[offLaunch] == launchLaunched,
		owner:    owner,
	}
	for f, i := range slots {
		if x := binary.LittleEndian.Uint64(page[offFields+8*i:]); x != 0 {
			v.fields[f] = x
		}
	}
	return v
}

func (v *vmcs) flush() {
	for f, i := range slots {
		binary.LittleEndian.PutUint64(v.page[offFields+8*i:], v.fields[f])
	}
	v.page[offLaunch] = launchClear
}

type processor struct {
	m  *Machine
	id int

	// Guarded by m.mu.
	pinned bool
	tid    int

	// Only touched by the goroutine that pinned the processor.
	current *vmcs

	irqMu sync.Mutex
	irqs  []uint8
	wake  chan struct{}
}

var _ hw.Processor = (*processor)(nil)

func newProcessor(m *Machine, id int) *processor {
	return &processor{m: m, id: id, wake: make(chan struct{}, 1)}
}

func (p *processor) ID() int { return p.id }

func (p *processor) ReadMSR(index uint32) uint64 {
	v, _ := p.m.caps.msr(index)
	return v
}

// HostState reports a synthetic 64-bit host context. RIP is the emulated
// exit entry point checked by Enter.
func (p *processor) HostState() hw.HostState {
	base := uint64(0xffff_8880_0010_0000) + uint64(p.id)*0x1000
	return hw.HostState{
		CR0:      0x8005_0033,
		CR3:      0x0000_0001_0a00_0000,
		CR4:      0x0037_26e0,
		CS:       0x10,
		SS:       0x18,
		DS:       0x18,
		ES:       0x18,
		FS:       0x18,
		GS:       0x18,
		TR:       0x28,
		TRBase:   base + 0x800,
		GDTRBase: base,
		IDTRBase: 0xffff_ffff_ff57_b000,
		RSP:      base + 0xff0,
		RIP:      exitEntryPoint,
	}
}

// exitEntryPoint is where the emulated processor resumes the host on exit.
const exitEntryPoint = 0xffff_ffff_8100_0000

func (p *processor) fail(code hw.InstructionError) hw.Status {
	if p.current == nil {
		return hw.FailInvalid
	}
	p.current.fields[hw.VMInstructionError] = uint64(code)
	return hw.FailValid
}

func (p *processor) PtrLoad(page []byte) hw.Status {
	addr := pageAddr(page)
	if len(page) != hw.PageSize || addr&(hw.PageSize-1) != 0 {
		return p.fail(hw.ErrVMPtrLdInvalidAddress)
	}
	if hw.RevisionID(uint64(binary.LittleEndian.Uint32(page[offRevision:]))) != hw.RevisionID(p.m.caps.Basic) {
		return p.fail(hw.ErrVMPtrLdIncorrectRevision)
	}

	p.m.mu.Lock()
	v, ok := p.m.cached[addr]
	if ok && v.owner != p {
		// Still current on another processor. Hardware has no error number
		// of its own for this; it shares ErrVMPtrLdInvalidAddress with a
		// misaligned region.
		p.m.mu.Unlock()
		return p.fail(hw.ErrVMPtrLdInvalidAddress)
	}
	if !ok {
		v = loadVMCS(page, p)
		p.m.cached[addr] = v
	}
	p.m.mu.Unlock()

	p.current = v
	return hw.Succeed
}

func (p *processor) PtrStore() []byte {
	if p.current == nil {
		return nil
	}
	return p.current.page
}

func (p *processor) Clear(page []byte) hw.Status {
	addr := pageAddr(page)
	if len(page) != hw.PageSize || addr&(hw.PageSize-1) != 0 {
		return p.fail(hw.ErrVMClearInvalidAddress)
	}

	p.m.mu.Lock()
	v, ok := p.m.cached[addr]
	if ok && v.owner != p {
		p.m.mu.Unlock()
		return p.fail(hw.ErrVMClearInvalidAddress)
	}
	if ok {
		v.flush()
		delete(p.m.cached, addr)
	} else {
		page[offLaunch] = launchClear
	}
	p.m.mu.Unlock()

	if p.current != nil && p.current.addr == addr {
		p.current = nil
	}
	return hw.Succeed
}

func (p *processor) supported(f hw.Field) bool {
	return f.Known() && !p.m.unsupported[f.Full()]
}

func (p *processor) Read(f hw.Field) (uint64, hw.Status) {
	if p.current == nil {
		return 0, hw.FailInvalid
	}
	if !p.supported(f) {
		return 0, p.fail(hw.ErrUnsupportedField)
	}
	v := p.current.fields[f.Full()]
	if f.High() {
		return v >> 32, hw.Succeed
	}
	return f.Mask(v), hw.Succeed
}

func (p *processor) Write(f hw.Field, v uint64) hw.Status {
	if p.current == nil {
		return hw.FailInvalid
	}
	if !p.supported(f) {
		return p.fail(hw.ErrUnsupportedField)
	}
	if f.ReadOnly() {
		return p.fail(hw.ErrWriteToReadOnlyField)
	}
	p.set(f, v)
	p.m.emit(Event{Kind: EventWrite, CPU: p.id, Field: f, Value: v, Block: p.current.addr})
	return hw.Succeed
}

// set stores a field of the current block without access checks.
func (p *processor) set(f hw.Field, v uint64) {
	full := f.Full()
	if f.High() {
		p.current.fields[full] = p.current.fields[full]&0xffff_ffff | v<<32
		return
	}
	p.current.fields[full] = f.Mask(v)
}

func (p *processor) get(f hw.Field) uint64 {
	return p.current.fields[f.Full()]
}

func (p *processor) raise(vector uint8) {
	p.irqMu.Lock()
	p.irqs = append(p.irqs, vector)
	p.irqMu.Unlock()
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// nextIRQ pops the oldest pending external interrupt.
func (p *processor) nextIRQ() (uint8, bool) {
	p.irqMu.Lock()
	defer p.irqMu.Unlock()
	if len(p.irqs) == 0 {
		return 0, false
	}
	v := p.irqs[0]
	p.irqs = p.irqs[1:]
	return v, true
}

func (p *processor) drainIRQs() {
	p.irqMu.Lock()
	p.irqs = nil
	p.irqMu.Unlock()
	select {
	case <-p.wake:
	default:
	}
}
