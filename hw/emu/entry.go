package emu

import (
	"runtime"

	"github.com/blacktop/go-vmx/hw"
	"github.com/sirupsen/logrus"
)

// Basic exit reasons produced by the machine.
const (
	exitExceptionOrNMI    = 0x00
	exitExternalInterrupt = 0x01
	exitTripleFault       = 0x02
	exitInterruptWindow   = 0x07
	exitCPUID             = 0x0a
	exitHLT               = 0x0c
	exitINVD              = 0x0d
	exitRDTSC             = 0x10
	exitVMCALL            = 0x12
	exitIOInstruction     = 0x1e
	exitRDMSR             = 0x1f
	exitWRMSR             = 0x20
	exitEntryGuestState   = 0x21
	exitPAUSE             = 0x28
	exitEPTViolation      = 0x30
	exitPreemptionTimer   = 0x34
	exitWBINVD            = 0x36
	exitXSETBV            = 0x37

	exitEntryFailure = 1 << 31
)

// Enter implements hw.Processor.
func (p *processor) Enter(regs *hw.Registers, launch bool) hw.Status {
	v := p.current
	if v == nil {
		return hw.FailInvalid
	}
	switch {
	case launch && v.launched:
		return p.fail(hw.ErrVMLaunchNonClearBlock)
	case !launch && !v.launched:
		return p.fail(hw.ErrVMResumeNonLaunchedBlock)
	}
	if !p.controlsLegal() {
		return p.fail(hw.ErrEntryInvalidControlFields)
	}
	if !p.hostStateLegal() {
		return p.fail(hw.ErrEntryInvalidHostState)
	}

	p.m.emit(Event{Kind: EventEntry, CPU: p.id, Block: v.addr})

	mem, ok := p.m.guestMemory(p.get(hw.EPTPointer))
	if !ok || p.get(hw.GuestRFLAGS)&hw.RFLAGSReserved1 == 0 {
		// Guest-state checks fail after the processor has committed to
		// the entry: the result is a VM exit, not VMfail.
		p.exit(&exitInfo{reason: exitEntryGuestState | exitEntryFailure})
		return hw.Succeed
	}
	if launch {
		v.launched = true
	}

	info := uint32(p.get(hw.VMEntryInterruptionInfo))
	if info&hw.IntrInfoValid != 0 {
		// Delivery runs a null handler: the event is consumed and the guest
		// continues where it was.
		p.m.emit(Event{Kind: EventInject, CPU: p.id, Value: uint64(info & hw.IntrInfoVectorMask), Block: v.addr})
		p.m.log.WithFields(logrus.Fields{"cpu": p.id, "vector": info & hw.IntrInfoVectorMask}).Trace("event injected")
	}

	c := &cpu{
		p:       p,
		regs:    regs,
		mem:     mem,
		rip:     p.get(hw.GuestRIP),
		rsp:     p.get(hw.GuestRSP),
		rflags:  p.get(hw.GuestRFLAGS),
		pin:     hw.PinCtl(p.get(hw.PinBasedControls)),
		proc:    hw.ProcCtl(p.get(hw.ProcBasedControls)),
		excBits: uint32(p.get(hw.ExceptionBitmap)),
	}
	if c.proc&hw.ProcActivateSecondary != 0 {
		c.proc2 = hw.Proc2Ctl(p.get(hw.SecondaryControls))
	}
	p.exit(p.run(c))
	return hw.Succeed
}

// controlsLegal checks the VM-execution, VM-exit and VM-entry control fields
// against the capability MSRs.
func (p *processor) controlsLegal() bool {
	caps := p.m.caps
	proc := uint32(p.get(hw.ProcBasedControls))
	if !legal(uint32(p.get(hw.PinBasedControls)), caps.PinBased) ||
		!legal(proc, caps.ProcBased) ||
		!legal(uint32(p.get(hw.VMExitControls)), caps.Exit) ||
		!legal(uint32(p.get(hw.VMEntryControls)), caps.Entry) {
		return false
	}
	if proc&uint32(hw.ProcActivateSecondary) != 0 &&
		!legal(uint32(p.get(hw.SecondaryControls)), caps.ProcBased2) {
		return false
	}
	return true
}

// hostStateLegal checks the host-state area against the processor's own
// host context requirements.
func (p *processor) hostStateLegal() bool {
	if hw.ExitCtl(p.get(hw.VMExitControls))&hw.ExitHostAddressSpaceSize == 0 {
		return false
	}
	if p.get(hw.HostCR0) == 0 || p.get(hw.HostCR3) == 0 || p.get(hw.HostCR4) == 0 {
		return false
	}
	if p.get(hw.HostRIP) != exitEntryPoint || p.get(hw.HostRSP) == 0 {
		return false
	}
	for _, f := range []hw.Field{hw.HostCSSelector, hw.HostTRSelector} {
		if p.get(f) == 0 {
			return false
		}
	}
	for _, f := range []hw.Field{
		hw.HostESSelector, hw.HostCSSelector, hw.HostSSSelector, hw.HostDSSelector,
		hw.HostFSSelector, hw.HostGSSelector, hw.HostTRSelector,
	} {
		if p.get(f)&7 != 0 {
			return false
		}
	}
	return true
}

// exitInfo is what the processor records in the exit-information fields.
type exitInfo struct {
	reason   uint32
	qual     uint64
	length   uint32
	intrInfo uint32
	gpa      uint64
	gla      uint64
}

// run executes guest instructions until one of them, or a pending event,
// causes a VM exit.
func (p *processor) run(c *cpu) *exitInfo {
	defer c.store()
	for n := 1; ; n++ {
		if e := c.pendingEvent(); e != nil {
			return e
		}
		e, halted := c.step()
		if e != nil {
			return e
		}
		if halted {
			// Activity state HLT: sleep until an interrupt arrives.
			<-p.wake
			continue
		}
		if n%p.m.yieldEvery == 0 {
			runtime.Gosched()
		}
	}
}

func (p *processor) exit(e *exitInfo) {
	p.set(hw.VMExitReason, uint64(e.reason))
	p.set(hw.VMExitQualification, e.qual)
	p.set(hw.VMExitInstructionLength, uint64(e.length))
	p.set(hw.VMExitInterruptionInfo, uint64(e.intrInfo))
	p.set(hw.GuestPhysicalAddr, e.gpa)
	p.set(hw.GuestLinearAddr, e.gla)
	p.set(hw.VMEntryInterruptionInfo, p.get(hw.VMEntryInterruptionInfo)&^uint64(hw.IntrInfoValid))
	p.set(hw.HostRSP, p.HostState().RSP)
	p.m.emit(Event{Kind: EventExit, CPU: p.id, Value: uint64(e.reason), Block: p.current.addr})
}
