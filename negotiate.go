package vmx

import (
	"fmt"

	"github.com/blacktop/go-vmx/hw"
)

// Capabilities are the VMX capability MSRs of a host. In each control MSR
// the low 32 bits are the must-be-one settings and the high 32 bits are the
// allowed-one settings.
type Capabilities struct {
	Basic      uint64 `json:"basic"`
	PinBased   uint64 `json:"pin_based"`
	ProcBased  uint64 `json:"proc_based"`
	ProcBased2 uint64 `json:"proc_based2"`
	Exit       uint64 `json:"exit"`
	Entry      uint64 `json:"entry"`
}

// ReadCapabilities reads the capability MSRs of p. The secondary controls
// MSR is only read when the primary MSR allows activating them.
func ReadCapabilities(p hw.Processor) Capabilities {
	c := Capabilities{
		Basic:     p.ReadMSR(hw.MSRVMXBasic),
		PinBased:  p.ReadMSR(hw.MSRVMXPinBasedCtls),
		ProcBased: p.ReadMSR(hw.MSRVMXProcBasedCtls),
		Exit:      p.ReadMSR(hw.MSRVMXExitCtls),
		Entry:     p.ReadMSR(hw.MSRVMXEntryCtls),
	}
	if c.SecondarySupported() {
		c.ProcBased2 = p.ReadMSR(hw.MSRVMXProcBasedCtls2)
	}
	return c
}

// Revision is the control-block revision identifier.
func (c Capabilities) Revision() uint32 { return hw.RevisionID(c.Basic) }

// SecondarySupported reports whether secondary processor-based controls
// can be activated.
func (c Capabilities) SecondarySupported() bool {
	return uint32(c.ProcBased>>32)&uint32(hw.ProcActivateSecondary) != 0
}

// Negotiate returns the control value enabling requested within the limits
// of capability msr: every must-be-one bit is set and every bit the
// processor does not allow is dropped.
func Negotiate(requested uint32, msr uint64) uint32 {
	mustBeOne, allowed := uint32(msr), uint32(msr>>32)
	return (requested | mustBeOne) & allowed
}

// Controls is a set of values for the five VM-execution, VM-exit and
// VM-entry control fields.
type Controls struct {
	Pin   hw.PinCtl   `json:"pin"`
	Proc  hw.ProcCtl  `json:"proc"`
	Proc2 hw.Proc2Ctl `json:"proc2"`
	Exit  hw.ExitCtl  `json:"exit"`
	Entry hw.EntryCtl `json:"entry"`
}

// Controls the core needs regardless of policy: external interrupts must
// exit to the host and be acknowledged there, and the host runs in 64-bit
// mode.
const (
	corePinControls  = hw.PinExternalInterruptExiting
	coreExitControls = hw.ExitHostAddressSpaceSize | hw.ExitAckInterruptOnExit
)

// Dropped lists, per control group, requested bits the processor does not
// allow.
type Dropped struct {
	Controls
}

// Empty reports whether nothing was dropped.
func (d Dropped) Empty() bool { return d.Controls == Controls{} }

func (d Dropped) String() string {
	return fmt.Sprintf("pin=%v proc=%v proc2=%v exit=%v entry=%v",
		d.Pin, d.Proc, d.Proc2, d.Exit, d.Entry)
}

// NegotiateControls intersects requested with c. Requesting any secondary
// control implies activating the secondary controls; it is an error if the
// processor cannot. Other unsupported bits are dropped and reported.
func (c Capabilities) NegotiateControls(requested Controls) (Controls, Dropped, error) {
	req := requested
	req.Pin |= corePinControls
	req.Exit |= coreExitControls
	if req.Proc2 != 0 {
		if !c.SecondarySupported() {
			return Controls{}, Dropped{}, ErrSecondaryControlsUnsupported
		}
		req.Proc |= hw.ProcActivateSecondary
	}

	got := Controls{
		Pin:   hw.PinCtl(Negotiate(uint32(req.Pin), c.PinBased)),
		Proc:  hw.ProcCtl(Negotiate(uint32(req.Proc), c.ProcBased)),
		Exit:  hw.ExitCtl(Negotiate(uint32(req.Exit), c.Exit)),
		Entry: hw.EntryCtl(Negotiate(uint32(req.Entry), c.Entry)),
	}
	if got.Proc&hw.ProcActivateSecondary != 0 {
		got.Proc2 = hw.Proc2Ctl(Negotiate(uint32(req.Proc2), c.ProcBased2))
	}

	dropped := Dropped{Controls{
		Pin:   req.Pin &^ got.Pin,
		Proc:  req.Proc &^ got.Proc,
		Proc2: req.Proc2 &^ got.Proc2,
		Exit:  req.Exit &^ got.Exit,
		Entry: req.Entry &^ got.Entry,
	}}
	return got, dropped, nil
}
