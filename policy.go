package vmx

import "github.com/blacktop/go-vmx/hw"

// VCpuPolicy is the per-vcpu guest policy: the controls the vcpu wants, its
// initial guest state and the handler for every exit the entry loop does not
// absorb. A VCpuPolicy is only ever called from its own vcpu's thread.
type VCpuPolicy interface {
	ExitHandler

	// RequestedControls returns the control bits to negotiate against the
	// processor capabilities.
	RequestedControls() Controls
	// InitGuestState writes the initial guest-state area and registers.
	InitGuestState(a *ActiveBlock, regs *hw.Registers) error
}

// VMPolicy builds the per-vcpu policies of a VM and prepares the bootstrap
// and application processors.
type VMPolicy interface {
	// NewVCpuPolicy returns the policy of vcpu id.
	NewVCpuPolicy(id int) (VCpuPolicy, error)
	// Translator maps guest addresses of this VM to host memory.
	Translator() Translator
	// SetupBSP prepares vcpu 0 after its guest state is initialized.
	SetupBSP(v *VCpuView) error
	// SetupAP prepares every other vcpu after its guest state is
	// initialized.
	SetupAP(v *VCpuView) error
}
