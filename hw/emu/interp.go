package emu

import (
	"bytes"
	"encoding/binary"

	"github.com/blacktop/go-vmx/hw"
	"golang.org/x/arch/x86/x86asm"
)

// maxInsnLen is the architectural limit on instruction length.
const maxInsnLen = 15

// x86asm has no VMX instructions in its tables.
var vmcallOpcode = []byte{0x0f, 0x01, 0xc1}

// Exception vectors raised by the interpreter.
const (
	vectorUD = 6
	vectorGP = 13
)

// EPT violation qualification bits.
const (
	eptRead       = 1 << 0
	eptWrite      = 1 << 1
	eptFetch      = 1 << 2
	eptGLAValid   = 1 << 7
	eptTranslated = 1 << 8
)

// cpu is the guest context for the duration of one Enter.
type cpu struct {
	p    *processor
	regs *hw.Registers
	mem  []byte

	rip, rsp, rflags uint64

	pin     hw.PinCtl
	proc    hw.ProcCtl
	proc2   hw.Proc2Ctl
	excBits uint32
	tsc     uint64
}

// store writes the guest context back to the current block.
func (c *cpu) store() {
	c.p.set(hw.GuestRIP, c.rip)
	c.p.set(hw.GuestRSP, c.rsp)
	c.p.set(hw.GuestRFLAGS, c.rflags)
}

// pendingEvent reports the exit caused by an event pending before the next
// instruction, if any.
func (c *cpu) pendingEvent() *exitInfo {
	if vector, ok := c.p.nextIRQ(); ok {
		if c.pin&hw.PinExternalInterruptExiting != 0 {
			e := &exitInfo{reason: exitExternalInterrupt}
			if hw.ExitCtl(c.p.get(hw.VMExitControls))&hw.ExitAckInterruptOnExit != 0 {
				e.intrInfo = uint32(vector) | hw.IntrTypeExternal<<hw.IntrInfoTypeShift | hw.IntrInfoValid
			}
			return e
		}
		// Delivered straight to the guest's null handler.
	}
	if c.proc&hw.ProcInterruptWindowExiting != 0 && c.rflags&hw.RFLAGSInterrupt != 0 {
		return &exitInfo{reason: exitInterruptWindow}
	}
	if c.pin&hw.PinPreemptionTimer != 0 {
		left := c.p.get(hw.GuestPreemptionTimerValue)
		if left == 0 {
			return &exitInfo{reason: exitPreemptionTimer}
		}
		c.p.set(hw.GuestPreemptionTimerValue, left-1)
	}
	return nil
}

func (c *cpu) exception(vector uint8, length int) *exitInfo {
	if c.excBits&(1<<vector) != 0 {
		return &exitInfo{
			reason:   exitExceptionOrNMI,
			intrInfo: uint32(vector) | hw.IntrTypeHardwareExc<<hw.IntrInfoTypeShift | hw.IntrInfoValid,
			length:   uint32(length),
		}
	}
	// No IDT is modelled: an unintercepted exception escalates.
	return &exitInfo{reason: exitTripleFault}
}

func (c *cpu) eptViolation(addr uint64, access uint64) *exitInfo {
	if c.proc2&hw.Proc2EnableEPT == 0 {
		return c.exception(vectorGP, 0)
	}
	return &exitInfo{
		reason: exitEPTViolation,
		qual:   access | eptGLAValid | eptTranslated,
		gpa:    addr,
		gla:    addr,
	}
}

// step executes one instruction. It returns a non-nil exit if the
// instruction trapped, or halted if the guest entered the HLT activity state.
func (c *cpu) step() (e *exitInfo, halted bool) {
	if c.rip >= uint64(len(c.mem)) {
		return c.eptViolation(c.rip, eptFetch), false
	}
	code := c.mem[c.rip:min(c.rip+maxInsnLen, uint64(len(c.mem)))]
	if bytes.HasPrefix(code, vmcallOpcode) {
		c.tsc++
		return &exitInfo{reason: exitVMCALL, length: uint32(len(vmcallOpcode))}, false
	}
	inst, err := x86asm.Decode(code, 64)
	if err != nil {
		return c.exception(vectorUD, 0), false
	}
	n := uint64(inst.Len)
	trap := func(reason uint32) *exitInfo {
		return &exitInfo{reason: reason, length: uint32(n)}
	}
	c.tsc++

	switch inst.Op {
	case x86asm.NOP:
	case x86asm.PAUSE:
		if c.proc&hw.ProcPAUSEExiting != 0 {
			return trap(exitPAUSE), false
		}
	case x86asm.HLT:
		if c.proc&hw.ProcHLTExiting != 0 {
			return trap(exitHLT), false
		}
		c.rip += n
		return nil, true
	case x86asm.CLI:
		c.rflags &^= hw.RFLAGSInterrupt
	case x86asm.STI:
		c.rflags |= hw.RFLAGSInterrupt
	case x86asm.CPUID:
		return trap(exitCPUID), false
	case x86asm.RDMSR:
		return trap(exitRDMSR), false
	case x86asm.WRMSR:
		return trap(exitWRMSR), false
	case x86asm.INVD:
		return trap(exitINVD), false
	case x86asm.XSETBV:
		return trap(exitXSETBV), false
	case x86asm.WBINVD:
		if c.proc2&hw.Proc2WBINVDExiting != 0 {
			return trap(exitWBINVD), false
		}
	case x86asm.RDTSC:
		if c.proc&hw.ProcRDTSCExiting != 0 {
			return trap(exitRDTSC), false
		}
		c.regs.RAX, c.regs.RDX = c.tsc&0xffff_ffff, c.tsc>>32
	case x86asm.IN, x86asm.OUT:
		if e, ok := c.io(inst, n); ok {
			return e, false
		}
	case x86asm.JMP:
		rel, ok := inst.Args[0].(x86asm.Rel)
		if !ok {
			return c.exception(vectorUD, 0), false
		}
		c.rip += n + uint64(int64(rel))
		return nil, false
	case x86asm.JE, x86asm.JNE:
		rel, ok := inst.Args[0].(x86asm.Rel)
		if !ok {
			return c.exception(vectorUD, 0), false
		}
		zf := c.rflags&hw.RFLAGSZero != 0
		if zf == (inst.Op == x86asm.JE) {
			c.rip += n + uint64(int64(rel))
			return nil, false
		}
	case x86asm.MOV:
		if e := c.mov(inst, n); e != nil {
			return e, false
		}
	case x86asm.INC, x86asm.DEC, x86asm.ADD, x86asm.SUB, x86asm.CMP,
		x86asm.AND, x86asm.OR, x86asm.XOR:
		if e := c.alu(inst, n); e != nil {
			return e, false
		}
	default:
		return c.exception(vectorUD, 0), false
	}
	c.rip += n
	return nil, false
}

// io handles IN and OUT. The I/O bitmaps are not modelled: using them traps
// every port.
func (c *cpu) io(inst x86asm.Inst, n uint64) (*exitInfo, bool) {
	var data, port x86asm.Arg
	in := inst.Op == x86asm.IN
	if in {
		data, port = inst.Args[0], inst.Args[1]
	} else {
		port, data = inst.Args[0], inst.Args[1]
	}
	r, ok := data.(x86asm.Reg)
	if !ok {
		return c.exception(vectorUD, 0), true
	}
	size := regSize(r)
	qual := uint64(size - 1)
	if in {
		qual |= 1 << 3
	}
	switch a := port.(type) {
	case x86asm.Imm:
		qual |= 1<<6 | uint64(a&0xffff)<<16
	case x86asm.Reg:
		qual |= (c.regs.RDX & 0xffff) << 16
	default:
		return c.exception(vectorUD, 0), true
	}
	if c.proc&(hw.ProcUnconditionalIOExiting|hw.ProcUseIOBitmaps) != 0 {
		return &exitInfo{reason: exitIOInstruction, qual: qual, length: uint32(n)}, true
	}
	if in {
		c.setReg(r, ^uint64(0))
	}
	return nil, false
}

func (c *cpu) mov(inst x86asm.Inst, n uint64) *exitInfo {
	switch dst := inst.Args[0].(type) {
	case x86asm.Reg:
		v, e := c.operand(inst, inst.Args[1], n)
		if e != nil {
			return e
		}
		if !c.setReg(dst, v) {
			return c.exception(vectorUD, 0)
		}
	case x86asm.Mem:
		v, e := c.operand(inst, inst.Args[1], n)
		if e != nil {
			return e
		}
		addr := c.address(dst, n)
		if !c.store8(addr, v, inst.MemBytes) {
			return c.eptViolation(addr, eptWrite)
		}
	default:
		return c.exception(vectorUD, 0)
	}
	return nil
}

func (c *cpu) alu(inst x86asm.Inst, n uint64) *exitInfo {
	dst, ok := inst.Args[0].(x86asm.Reg)
	if !ok {
		return c.exception(vectorUD, 0)
	}
	a, ok := c.reg(dst)
	if !ok {
		return c.exception(vectorUD, 0)
	}
	var b uint64 = 1
	if inst.Args[1] != nil {
		var e *exitInfo
		if b, e = c.operand(inst, inst.Args[1], n); e != nil {
			return e
		}
	}
	var r uint64
	switch inst.Op {
	case x86asm.INC, x86asm.ADD:
		r = a + b
	case x86asm.DEC, x86asm.SUB, x86asm.CMP:
		r = a - b
		c.setFlag(hw.RFLAGSCarry, a < b)
	case x86asm.AND:
		r = a & b
	case x86asm.OR:
		r = a | b
	case x86asm.XOR:
		r = a ^ b
	}
	size := regSize(dst)
	if size < 8 {
		r &= 1<<(8*size) - 1
	}
	c.setFlag(hw.RFLAGSZero, r == 0)
	if inst.Op != x86asm.CMP {
		c.setReg(dst, r)
	}
	return nil
}

func (c *cpu) setFlag(flag uint64, on bool) {
	if on {
		c.rflags |= flag
	} else {
		c.rflags &^= flag
	}
}

func (c *cpu) operand(inst x86asm.Inst, arg x86asm.Arg, n uint64) (uint64, *exitInfo) {
	switch a := arg.(type) {
	case x86asm.Imm:
		return uint64(a), nil
	case x86asm.Reg:
		v, ok := c.reg(a)
		if !ok {
			return 0, c.exception(vectorUD, 0)
		}
		return v, nil
	case x86asm.Mem:
		addr := c.address(a, n)
		v, ok := c.load(addr, inst.MemBytes)
		if !ok {
			return 0, c.eptViolation(addr, eptRead)
		}
		return v, nil
	}
	return 0, c.exception(vectorUD, 0)
}

func (c *cpu) address(m x86asm.Mem, n uint64) uint64 {
	var addr uint64
	switch m.Base {
	case 0:
	case x86asm.RIP:
		addr = c.rip + n
	default:
		addr, _ = c.reg(m.Base)
	}
	if m.Index != 0 {
		idx, _ := c.reg(m.Index)
		addr += idx * uint64(m.Scale)
	}
	return addr + uint64(m.Disp)
}

func (c *cpu) load(addr uint64, size int) (uint64, bool) {
	if size <= 0 || size > 8 || addr+uint64(size) > uint64(len(c.mem)) || addr+uint64(size) < addr {
		return 0, false
	}
	var buf [8]byte
	copy(buf[:], c.mem[addr:addr+uint64(size)])
	return binary.LittleEndian.Uint64(buf[:]), true
}

func (c *cpu) store8(addr, v uint64, size int) bool {
	if size <= 0 || size > 8 || addr+uint64(size) > uint64(len(c.mem)) || addr+uint64(size) < addr {
		return false
	}
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	copy(c.mem[addr:], buf[:size])
	return true
}

// gpr maps an x86 register encoding number to the snapshot register. The
// stack pointer (encoding 4) lives in the guest-state area instead.
var gpr = [16]hw.Reg{
	0: hw.RAX, 1: hw.RCX, 2: hw.RDX, 3: hw.RBX, 4: -1, 5: hw.RBP, 6: hw.RSI, 7: hw.RDI,
	8: hw.R8, 9: hw.R9, 10: hw.R10, 11: hw.R11, 12: hw.R12, 13: hw.R13, 14: hw.R14, 15: hw.R15,
}

// decodeReg returns the encoding number, size in bytes and bit offset of an
// integer register.
func decodeReg(r x86asm.Reg) (num int, size int, shift uint, ok bool) {
	switch {
	case r >= x86asm.RAX && r <= x86asm.R15:
		return int(r - x86asm.RAX), 8, 0, true
	case r >= x86asm.EAX && r <= x86asm.R15L:
		return int(r - x86asm.EAX), 4, 0, true
	case r >= x86asm.AX && r <= x86asm.R15W:
		return int(r - x86asm.AX), 2, 0, true
	case r >= x86asm.AL && r <= x86asm.BL:
		return int(r - x86asm.AL), 1, 0, true
	case r >= x86asm.AH && r <= x86asm.BH:
		return int(r - x86asm.AH), 1, 8, true
	case r >= x86asm.SPB && r <= x86asm.R15B:
		return int(r-x86asm.SPB) + 4, 1, 0, true
	}
	return 0, 0, 0, false
}

func regSize(r x86asm.Reg) int {
	_, size, _, _ := decodeReg(r)
	return size
}

func (c *cpu) full(num int) uint64 {
	if num == 4 {
		return c.rsp
	}
	v, _ := c.regs.Get(gpr[num])
	return v
}

func (c *cpu) reg(r x86asm.Reg) (uint64, bool) {
	num, size, shift, ok := decodeReg(r)
	if !ok {
		return 0, false
	}
	v := c.full(num) >> shift
	if size < 8 {
		v &= 1<<(8*size) - 1
	}
	return v, true
}

func (c *cpu) setReg(r x86asm.Reg, v uint64) bool {
	num, size, shift, ok := decodeReg(r)
	if !ok {
		return false
	}
	switch size {
	case 8:
	case 4:
		// 32-bit writes zero-extend.
		v &= 0xffff_ffff
	default:
		mask := uint64(1<<(8*size)-1) << shift
		v = c.full(num)&^mask | (v<<shift)&mask
	}
	if num == 4 {
		c.rsp = v
		return true
	}
	return c.regs.Set(gpr[num], v) == nil
}
