package vmx

import (
	"encoding/binary"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/blacktop/go-vmx/hw"
)

// ControlBlock is a page-sized, page-aligned control block (VMCS) region.
// Software only ever touches its revision identifier; everything else goes
// through the processor after Activate.
type ControlBlock struct {
	page []byte
	// activeOn is the processor the block was last activated on, or -1.
	activeOn atomic.Int32
	freed    atomic.Bool
	// gen counts activations. Only the newest ActiveBlock is valid.
	gen atomic.Uint64
}

// NewControlBlock allocates a zeroed control block stamped with revision.
// It has no effect on processor state.
func NewControlBlock(revision uint32) (*ControlBlock, error) {
	page, err := allocPage()
	if err != nil {
		return nil, fmt.Errorf("vmx: allocate control block: %w", err)
	}
	binary.LittleEndian.PutUint32(page, revision&0x7fff_ffff)
	b := &ControlBlock{page: page}
	b.activeOn.Store(-1)
	return b, nil
}

// Revision returns the revision identifier in the block header.
func (b *ControlBlock) Revision() uint32 {
	return binary.LittleEndian.Uint32(b.page) & 0x7fff_ffff
}

// Activate makes b the current control block of p (VMPTRLD). Any
// ActiveBlock returned by an earlier Activate of b stops being valid.
func (b *ControlBlock) Activate(p hw.Processor) (*ActiveBlock, error) {
	if b.freed.Load() {
		return nil, ErrBlockFreed
	}
	if err := statusErr(p, p.PtrLoad(b.page)); err != nil {
		return nil, fmt.Errorf("vmptrld: %w", err)
	}
	b.activeOn.Store(int32(p.ID()))
	return &ActiveBlock{b: b, p: p, gen: b.gen.Add(1)}, nil
}

// Clear flushes b, sets its launch state to clear and, if it is current on
// p, leaves p without a current block (VMCLEAR).
func (b *ControlBlock) Clear(p hw.Processor) error {
	if b.freed.Load() {
		return ErrBlockFreed
	}
	if err := statusErr(p, p.Clear(b.page)); err != nil {
		return fmt.Errorf("vmclear: %w", err)
	}
	b.activeOn.Store(-1)
	return nil
}

// Free releases the block memory. The block must have been cleared.
func (b *ControlBlock) Free() error {
	if b.activeOn.Load() >= 0 {
		return ErrBlockInUse
	}
	if !b.freed.CompareAndSwap(false, true) {
		return nil
	}
	return freePage(b.page)
}

// ActiveBlock proves a ControlBlock is current on a processor. Field access
// and entry go through it.
type ActiveBlock struct {
	b   *ControlBlock
	p   hw.Processor
	gen uint64
}

// Block returns the underlying control block.
func (a *ActiveBlock) Block() *ControlBlock { return a.b }

// Processor returns the processor the block is current on.
func (a *ActiveBlock) Processor() hw.Processor { return a.p }

// Valid reports whether the block is still the current block of its
// processor (VMPTRST) and a has not been superseded by a later Activate.
func (a *ActiveBlock) Valid() bool {
	if a.gen != a.b.gen.Load() {
		return false
	}
	cur := a.p.PtrStore()
	return len(cur) > 0 && &cur[0] == &a.b.page[0]
}

// Read reads field f.
func (a *ActiveBlock) Read(f hw.Field) (uint64, error) {
	if !a.Valid() {
		return 0, fmt.Errorf("vmread %v: %w", f, ErrNoBlockActive)
	}
	v, s := a.p.Read(f)
	if err := statusErr(a.p, s); err != nil {
		return 0, fmt.Errorf("vmread %v: %w", f, err)
	}
	return v, nil
}

// Write writes v to field f.
func (a *ActiveBlock) Write(f hw.Field, v uint64) error {
	if !a.Valid() {
		return fmt.Errorf("vmwrite %v: %w", f, ErrNoBlockActive)
	}
	if err := statusErr(a.p, a.p.Write(f, v)); err != nil {
		return fmt.Errorf("vmwrite %v: %w", f, err)
	}
	return nil
}

// update read-modify-writes field f.
func (a *ActiveBlock) update(f hw.Field, fn func(uint64) uint64) error {
	v, err := a.Read(f)
	if err != nil {
		return err
	}
	return a.Write(f, fn(v))
}

// ExitReason reads and decodes the exit reason of the last VM exit.
func (a *ActiveBlock) ExitReason() (ExitReason, error) {
	raw, err := a.Read(hw.VMExitReason)
	if err != nil {
		return ExitReason{}, err
	}
	return decodeExitReason(a, uint32(raw))
}

// ForwardRIP advances the guest instruction pointer past the instruction
// that caused the exit.
func (a *ActiveBlock) ForwardRIP() error {
	n, err := a.Read(hw.VMExitInstructionLength)
	if err != nil {
		return err
	}
	return a.update(hw.GuestRIP, func(rip uint64) uint64 { return rip + n })
}

// Dump writes every field of the catalogue the processor supports.
func (a *ActiveBlock) Dump(w io.Writer) error {
	for _, f := range hw.Fields {
		v, s := a.p.Read(f)
		if s != hw.Succeed {
			continue
		}
		if _, err := fmt.Fprintf(w, "%-32s %#x\n", f, v); err != nil {
			return err
		}
	}
	return nil
}
