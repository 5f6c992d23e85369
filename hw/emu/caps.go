package emu

import "github.com/blacktop/go-vmx/hw"

// Capabilities are the VMX capability MSR values a Machine reports. In each
// control MSR the low 32 bits are the must-be-one settings and the high 32
// bits are the allowed-one settings.
type Capabilities struct {
	Basic      uint64 `json:"basic" mapstructure:"basic"`
	PinBased   uint64 `json:"pin_based" mapstructure:"pin_based"`
	ProcBased  uint64 `json:"proc_based" mapstructure:"proc_based"`
	ProcBased2 uint64 `json:"proc_based2" mapstructure:"proc_based2"`
	Exit       uint64 `json:"exit" mapstructure:"exit"`
	Entry      uint64 `json:"entry" mapstructure:"entry"`
}

// DefaultCapabilities are modelled on a Skylake-class server part.
func DefaultCapabilities() Capabilities {
	return Capabilities{
		Basic:      0x00da_0400_0000_0004,
		PinBased:   0x0000_007f_0000_0016,
		ProcBased:  0xfff9_fffe_0401_e172,
		ProcBased2: 0x007f_ffff_0000_0000,
		Exit:       0x01ff_ffff_0003_6dff,
		Entry:      0x0003_ffff_0000_11ff,
	}
}

// NoSecondaryCapabilities is DefaultCapabilities on a part without
// secondary processor-based controls.
func NoSecondaryCapabilities() Capabilities {
	c := DefaultCapabilities()
	c.ProcBased &^= uint64(hw.ProcActivateSecondary) << 32
	c.ProcBased2 = 0
	return c
}

func (c Capabilities) msr(index uint32) (uint64, bool) {
	switch index {
	case hw.MSRVMXBasic:
		return c.Basic, true
	case hw.MSRVMXPinBasedCtls:
		return c.PinBased, true
	case hw.MSRVMXProcBasedCtls:
		return c.ProcBased, true
	case hw.MSRVMXProcBasedCtls2:
		return c.ProcBased2, true
	case hw.MSRVMXExitCtls:
		return c.Exit, true
	case hw.MSRVMXEntryCtls:
		return c.Entry, true
	}
	return 0, false
}

// legal reports whether v honours the must-be-one and allowed-one settings
// of capability msr.
func legal(v uint32, msr uint64) bool {
	mustBeOne, allowed := uint32(msr), uint32(msr>>32)
	return v&mustBeOne == mustBeOne && v&^allowed == 0
}
