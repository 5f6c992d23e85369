// Package vmx is the execution core of a type-2 hypervisor built on Intel
// VMX.
//
// Provides control-block (VMCS) access, capability negotiation, the vcpu
// entry loop with interrupt injection, and the multi-core start, kick and
// resume protocol. Every privileged operation goes through the hw package;
// hw/emu supplies a software implementation of it.
//
// # Basic Usage
//
// Bring up the host once:
//
//	platform := emu.New(emu.Config{Processors: 4})
//	host, err := vmx.NewHost(platform, vmx.WithLogger(log))
//	if err != nil {
//		log.Fatal("vmx not available:", err)
//	}
//
// Build a VM from a policy and run it:
//
//	b, err := vmx.NewBuilder(host, policy, 2, vmx.WithExceptionBitmap(1<<6))
//	if err != nil {
//		log.Fatal(err)
//	}
//	vm, err := b.Build()
//	if err != nil {
//		log.Fatal("failed to build VM:", err)
//	}
//	defer vm.Close()
//
//	if err := vm.StartBSP(); err != nil {
//		log.Fatal(err)
//	}
//	code := vm.Join()
//
// # Policies
//
// A VMPolicy creates one VCpuPolicy per vcpu. The vcpu policy names the
// control bits it wants, initializes the guest-state area and handles every
// exit the core does not absorb. The core itself absorbs external-interrupt
// exits (relayed to the host through WithInterruptRelay) and
// interrupt-window exits. Handlers compose with Chain; a handler that
// returns ErrUnhandledExit passes the exit on to the next one.
//
// # Kick and Resume
//
// Kick forces a vcpu out of guest execution with an IPI on the kick vector
// and returns once the vcpu thread is parked. While parked the vcpu's
// control block and registers can be inspected with Inspect. Resume lets
// the thread re-enter the guest.
//
// # Error Handling
//
// Failing VMX instructions surface as InstructionError values decoded from
// the VM-instruction error field. Set HV_ENV=production to get sanitized
// messages. VM-management errors are *VCpuError wrapping one of the
// ErrVCpu*/ErrAlready*/ErrNotKicked sentinels.
//
// # Resource Management
//
// Handles must be closed with Close, which stops every vcpu and frees the
// control blocks. A finalizer provides safety net cleanup.
package vmx
