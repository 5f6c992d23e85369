package vmx

import (
	"fmt"
	"math/bits"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"weak"

	"github.com/blacktop/go-vmx/hw"
	"github.com/sirupsen/logrus"
)

// VCpu is one virtual processor: its control block, register snapshot,
// launch state, policy and pending-interrupt bitmap.
type VCpu struct {
	id     int
	host   *Host
	block  *ControlBlock
	policy VCpuPolicy
	tr     Translator
	vm     weak.Pointer[VM]
	log    logrus.FieldLogger

	// mu serializes every activation of block.
	mu       sync.Mutex
	regs     hw.Registers
	launched bool
	lastCore int

	pending [4]atomic.Uint64
}

// VCpuOps is the part of a vcpu other vcpus and devices may use.
type VCpuOps interface {
	ID() int
	// InjectInterrupt queues vector for injection into the guest.
	InjectInterrupt(vector uint8)
}

var _ VCpuOps = (*VCpu)(nil)

func newVCpu(id int, host *Host, policy VCpuPolicy, tr Translator, vm *VM) (*VCpu, error) {
	block, err := NewControlBlock(host.caps.Revision())
	if err != nil {
		return nil, err
	}
	recordVCPUCreate()
	return &VCpu{
		id:       id,
		host:     host,
		block:    block,
		policy:   policy,
		tr:       tr,
		vm:       weak.Make(vm),
		log:      host.log.WithField("vcpu", id),
		lastCore: -1,
	}, nil
}

// ID returns the vcpu index.
func (c *VCpu) ID() int { return c.id }

// InjectInterrupt sets vector in the pending-interrupt bitmap. It never
// blocks and may be called from any goroutine.
func (c *VCpu) InjectInterrupt(vector uint8) {
	c.pending[vector/64].Or(1 << (vector % 64))
}

// Pending reports whether vector is waiting for injection.
func (c *VCpu) Pending(vector uint8) bool {
	return c.pending[vector/64].Load()&(1<<(vector%64)) != 0
}

// nextPending returns the lowest pending vector.
func (c *VCpu) nextPending() (uint8, bool) {
	for i := range c.pending {
		if v := c.pending[i].Load(); v != 0 {
			return uint8(i*64 + bits.TrailingZeros64(v)), true
		}
	}
	return 0, false
}

// VCpuView is what handlers and policies see of a vcpu while its block is
// active: the block, the register snapshot and the VM-wide operations.
type VCpuView struct {
	Block *ActiveBlock
	Regs  *hw.Registers

	vcpu *VCpu
}

// ID returns the vcpu index.
func (v *VCpuView) ID() int { return v.vcpu.id }

// Logger returns the vcpu logger.
func (v *VCpuView) Logger() logrus.FieldLogger { return v.vcpu.log }

// InjectInterrupt queues vector for this vcpu.
func (v *VCpuView) InjectInterrupt(vector uint8) { v.vcpu.InjectInterrupt(vector) }

// VM returns the VM-wide operations, or nil once the VM is gone.
func (v *VCpuView) VM() VmOps {
	vm := v.vcpu.vm.Value()
	if vm == nil {
		return nil
	}
	return vm
}

func (c *VCpu) view(a *ActiveBlock) *VCpuView {
	return &VCpuView{Block: a, Regs: &c.regs, vcpu: c}
}

// withActive pins the calling goroutine, activates the block, runs fn and
// clears the block again.
func (c *VCpu) withActive(fn func(a *ActiveBlock) error) (err error) {
	p, release := c.host.platform.Pin()
	defer release()

	c.mu.Lock()
	defer c.mu.Unlock()

	a, err := c.block.Activate(p)
	if err != nil {
		return fmt.Errorf("vmx: vcpu %d: %w", c.id, err)
	}
	defer func() {
		c.launched = false
		if cerr := c.block.Clear(p); cerr != nil && err == nil {
			err = fmt.Errorf("vmx: vcpu %d: %w", c.id, cerr)
		}
	}()
	return fn(a)
}

// init negotiates and writes the control fields, loads the host-state
// area and lets the policy initialize the guest state. Any failure is
// fatal to the VM being built.
func (c *VCpu) init(a *ActiveBlock, exceptionBitmap uint32, strict bool) error {
	ctl, dropped, err := c.host.caps.NegotiateControls(c.policy.RequestedControls())
	if err != nil {
		return err
	}
	if !dropped.Empty() {
		if strict {
			return fmt.Errorf("%v: %w", dropped, ErrControlUnsupported)
		}
		c.host.warn.WithFields(logrus.Fields{"vcpu": c.id, "dropped": dropped.String()}).
			Warn("requested controls not supported by the processor")
	}

	writes := []struct {
		f hw.Field
		v uint64
	}{
		{hw.PinBasedControls, uint64(ctl.Pin)},
		{hw.ProcBasedControls, uint64(ctl.Proc)},
		{hw.VMExitControls, uint64(ctl.Exit)},
		{hw.VMEntryControls, uint64(ctl.Entry)},
		{hw.ExceptionBitmap, uint64(exceptionBitmap)},
	}
	if ctl.Proc&hw.ProcActivateSecondary != 0 {
		writes = append(writes, struct {
			f hw.Field
			v uint64
		}{hw.SecondaryControls, uint64(ctl.Proc2)})
	}
	for _, w := range writes {
		if err := a.Write(w.f, w.v); err != nil {
			return err
		}
	}
	if err := writeHostState(a, a.p.HostState()); err != nil {
		return err
	}
	c.lastCore = a.p.ID()
	if err := c.policy.InitGuestState(a, &c.regs); err != nil {
		return fmt.Errorf("guest state: %w", err)
	}
	c.log.WithFields(logrus.Fields{
		"pin":   ctl.Pin,
		"proc":  ctl.Proc,
		"proc2": ctl.Proc2,
		"exit":  ctl.Exit,
		"entry": ctl.Entry,
	}).Debug("vcpu initialized")
	return nil
}

// loopResult is how an entry loop ended without error.
type loopResult struct {
	kicked bool
	code   int32
}

// entry runs the vcpu until it is kicked, the policy terminates the VM or
// something fails. The block is active for the duration of the call and
// cleared when it returns, so the next call launches again.
func (c *VCpu) entry(p hw.Processor, kicked *atomic.Bool) (res loopResult, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	a, err := c.block.Activate(p)
	if err != nil {
		return res, err
	}
	defer func() {
		c.launched = false
		if cerr := c.block.Clear(p); cerr != nil && err == nil {
			err = cerr
		}
	}()

	if p.ID() != c.lastCore {
		if err := writePerCPUHostState(a, p.HostState()); err != nil {
			return res, err
		}
		c.lastCore = p.ID()
	}
	v := c.view(a)

	for {
		if err := c.injectPending(a); err != nil {
			return res, err
		}
		if kicked.Load() {
			return loopResult{kicked: true}, nil
		}

		start := time.Now()
		launch := !c.launched
		if err := statusErr(p, p.Enter(&c.regs, launch)); err != nil {
			recordEntryFailure()
			op := "vmresume"
			if launch {
				op = "vmlaunch"
			}
			return res, fmt.Errorf("%s: %w", op, err)
		}
		recordEntry(time.Since(start))
		recordExit()

		reason, err := a.ExitReason()
		if err != nil {
			return res, err
		}
		if !reason.IsEntryFailure() {
			c.launched = true
		}

		if reason.Kind == ExitNormal {
			switch reason.Basic {
			case ReasonExternalInterrupt:
				// A kick IPI lands here; the flag check above picks it up.
				if reason.ExtInt != nil && reason.ExtInt.Vector != c.host.kickVector {
					recordRelayedInterrupt()
					c.host.relayInterrupt(reason.ExtInt.Vector)
				}
				continue
			case ReasonInterruptWindow:
				if err := a.update(hw.ProcBasedControls, func(ctl uint64) uint64 {
					return ctl &^ uint64(hw.ProcInterruptWindowExiting)
				}); err != nil {
					return res, err
				}
				continue
			}
		}

		recordForwardedExit()
		out, err := c.policy.HandleExit(reason, c.tr, v)
		if err != nil {
			recordHandlerFailure()
			c.logFailure(a, reason, err)
			return res, err
		}
		if code, ok := out.IsExited(); ok {
			return loopResult{code: code}, nil
		}
	}
}

// injectPending moves the lowest pending vector into the entry-interruption
// field if the guest accepts interrupts, and otherwise arms
// interrupt-window exiting so the next opportunity traps.
//
// A vector already written but not yet delivered, because the loop was
// kicked before entering, stays in the field until an entry consumes it.
func (c *VCpu) injectPending(a *ActiveBlock) error {
	vector, ok := c.nextPending()
	if !ok {
		return nil
	}
	info, err := a.Read(hw.VMEntryInterruptionInfo)
	if err != nil {
		return err
	}
	if info&uint64(hw.IntrInfoValid) != 0 {
		return nil
	}
	rflags, err := a.Read(hw.GuestRFLAGS)
	if err != nil {
		return err
	}
	if rflags&hw.RFLAGSInterrupt != 0 {
		c.pending[vector/64].And(^(uint64(1) << (vector % 64)))
		if err := a.Write(hw.VMEntryInterruptionInfo, uint64(vector)|uint64(hw.IntrInfoValid)); err != nil {
			return err
		}
		recordInjection()
		c.log.WithField("vector", vector).Trace("interrupt injected")
		return nil
	}
	ctl, err := a.Read(hw.ProcBasedControls)
	if err != nil {
		return err
	}
	if ctl&uint64(hw.ProcInterruptWindowExiting) != 0 {
		return nil
	}
	recordWindowArm()
	return a.Write(hw.ProcBasedControls, ctl|uint64(hw.ProcInterruptWindowExiting))
}

func (c *VCpu) logFailure(a *ActiveBlock, reason ExitReason, err error) {
	entry := c.log.WithFields(logrus.Fields{"reason": reason.String(), "error": err})
	if rip, rerr := a.Read(hw.GuestRIP); rerr == nil {
		entry = entry.WithField("rip", fmt.Sprintf("%#x", rip))
	}
	entry.Error("exit handler failed")

	var dump strings.Builder
	if a.Dump(&dump) == nil {
		entry.Debug("control block:\n" + dump.String())
	}
}
