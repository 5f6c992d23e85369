// Package hw is the hardware-operations boundary of the VMX core.
//
// It holds the architectural tables (control-block field encodings, control
// bits, capability MSRs, VM-instruction error numbers) and the two interfaces
// every privileged operation goes through: Platform, which hands out logical
// processors and delivers inter-processor interrupts, and Processor, which
// issues VMPTRLD, VMCLEAR, VMREAD, VMWRITE and VMLAUNCH/VMRESUME on the core
// the calling goroutine is pinned to.
package hw

// PageSize is the size and alignment of a control-block region.
const PageSize = 4096

// HostState is the host context a processor restores on every VM exit.
type HostState struct {
	CR0, CR3, CR4 uint64

	CS, SS, DS, ES, FS, GS, TR uint16

	FSBase, GSBase, TRBase uint64
	GDTRBase, IDTRBase     uint64

	// RSP is the host stack the exit path runs on. RIP is the address of the
	// exit entry point.
	RSP, RIP uint64
}

// Processor is one logical processor in VMX root operation. A Processor is
// only valid between Platform.Pin and the matching release, and only on the
// goroutine that pinned it.
type Processor interface {
	// ID is the physical core number used to address IPIs.
	ID() int
	// ReadMSR returns a model-specific register.
	ReadMSR(index uint32) uint64
	// HostState reports the host context to load into the host-state area.
	HostState() HostState

	// PtrLoad makes the block at page current (VMPTRLD).
	PtrLoad(page []byte) Status
	// PtrStore returns the current block (VMPTRST), or nil.
	PtrStore() []byte
	// Clear flushes the block at page to memory, sets its launch state to
	// clear and, if it is current, leaves the processor without a current
	// block (VMCLEAR).
	Clear(page []byte) Status
	// Read reads a field of the current block (VMREAD).
	Read(f Field) (uint64, Status)
	// Write writes a field of the current block (VMWRITE).
	Write(f Field, v uint64) Status
	// Enter runs the guest of the current block until the next VM exit
	// (VMLAUNCH when launch is true, VMRESUME otherwise). regs is loaded on
	// entry and stored back on exit. Succeed means a VM exit occurred.
	Enter(regs *Registers, launch bool) Status
}

// Platform hands out processors and delivers out-of-band interrupts.
type Platform interface {
	// Pin binds the calling goroutine to a logical processor. The returned
	// release func must be called on the same goroutine.
	Pin() (Processor, func())
	// SendIPI raises an external interrupt with vector on processor cpu.
	SendIPI(cpu int, vector uint8) error
	// NumProcessors is the number of logical processors.
	NumProcessors() int
}
