package guest

import (
	"fmt"
	"io"
	"sync"

	vmx "github.com/blacktop/go-vmx"
	"github.com/blacktop/go-vmx/hw"
	"golang.org/x/arch/x86/x86asm"
)

func handles(reason vmx.ExitReason, basic vmx.BasicReason) bool {
	return reason.Kind == vmx.ExitNormal && reason.Basic == basic
}

// HaltController terminates the VM on HLT with the low 32 bits of RAX as
// the exit code.
func HaltController() vmx.ExitHandler {
	return vmx.HandlerFunc(func(reason vmx.ExitReason, _ vmx.Translator, v *vmx.VCpuView) (vmx.ExitResult, error) {
		if !handles(reason, vmx.ReasonHLT) {
			return vmx.Continue, vmx.ErrUnhandledExit
		}
		code := int32(uint32(v.Regs.RAX))
		v.Logger().WithField("code", code).Debug("guest halted")
		return vmx.Exited(code), nil
	})
}

// Hypercall numbers, passed in RAX. Arguments go in RBX and RCX; the result
// comes back in RAX.
const (
	// HypercallExit terminates the VM with code RBX.
	HypercallExit uint64 = iota
	// HypercallPutc writes the low byte of RBX to the console.
	HypercallPutc
	// HypercallIPI queues vector RBX on vcpu RCX.
	HypercallIPI
	// HypercallStartVCpu starts vcpu RBX at guest address RCX.
	HypercallStartVCpu
)

// HypercallFailed is returned in RAX by a hypercall that failed.
const HypercallFailed = ^uint64(0)

// HypercallController services VMCALL. Unknown hypercall numbers fail with
// HypercallFailed instead of terminating the vcpu.
func HypercallController(console io.Writer) vmx.ExitHandler {
	return vmx.HandlerFunc(func(reason vmx.ExitReason, _ vmx.Translator, v *vmx.VCpuView) (vmx.ExitResult, error) {
		if !handles(reason, vmx.ReasonVMCALL) {
			return vmx.Continue, vmx.ErrUnhandledExit
		}
		regs := v.Regs
		nr, arg0, arg1 := regs.RAX, regs.RBX, regs.RCX
		if nr == HypercallExit {
			return vmx.Exited(int32(uint32(arg0))), nil
		}

		ret := uint64(0)
		switch nr {
		case HypercallPutc:
			if _, err := console.Write([]byte{byte(arg0)}); err != nil {
				ret = HypercallFailed
			}
		case HypercallIPI:
			ret = withVM(v, func(vm vmx.VmOps) error {
				target, ok := vm.VCpu(int(arg1))
				if !ok || arg0 > 0xff {
					return vmx.ErrVCpuNotExist
				}
				target.InjectInterrupt(uint8(arg0))
				return nil
			})
		case HypercallStartVCpu:
			ret = withVM(v, func(vm vmx.VmOps) error {
				return vm.StartVCpu(int(arg0), arg1)
			})
		default:
			v.Logger().WithField("nr", nr).Debug("unknown hypercall")
			ret = HypercallFailed
		}
		regs.RAX = ret
		return vmx.Continue, v.Block.ForwardRIP()
	})
}

func withVM(v *vmx.VCpuView, fn func(vmx.VmOps) error) uint64 {
	vm := v.VM()
	if vm == nil {
		return HypercallFailed
	}
	if err := fn(vm); err != nil {
		v.Logger().WithError(err).Debug("hypercall failed")
		return HypercallFailed
	}
	return 0
}

// CPUID leaves answered by CPUIDController.
const (
	cpuidHypervisorBit = 1 << 31
	cpuidHypervisorMin = 0x4000_0000
)

// Signature is the vendor string reported by the hypervisor CPUID leaf.
const Signature = "GoVMXGoVMXGo"

// CPUIDController answers CPUID with a minimal processor model that
// advertises a hypervisor.
func CPUIDController() vmx.ExitHandler {
	return vmx.HandlerFunc(func(reason vmx.ExitReason, _ vmx.Translator, v *vmx.VCpuView) (vmx.ExitResult, error) {
		if !handles(reason, vmx.ReasonCPUID) {
			return vmx.Continue, vmx.ErrUnhandledExit
		}
		r := v.Regs
		sig := func(s string) (uint64, uint64, uint64) {
			le := func(b string) uint64 {
				return uint64(b[0]) | uint64(b[1])<<8 | uint64(b[2])<<16 | uint64(b[3])<<24
			}
			return le(s[0:4]), le(s[4:8]), le(s[8:12])
		}
		switch leaf := uint32(r.RAX); leaf {
		case 0:
			r.RAX = 1
			r.RBX, r.RDX, r.RCX = sig("GenuineIntel")
		case 1:
			r.RAX, r.RBX, r.RDX = 0x0005_0654, uint64(v.ID())<<24, 0
			r.RCX = cpuidHypervisorBit
		case cpuidHypervisorMin:
			r.RAX = cpuidHypervisorMin
			r.RBX, r.RCX, r.RDX = sig(Signature)
		default:
			r.RAX, r.RBX, r.RCX, r.RDX = 0, 0, 0, 0
		}
		return vmx.Continue, v.Block.ForwardRIP()
	})
}

// COM1 is the I/O port of the first serial port.
const (
	COM1          uint16 = 0x3f8
	comLineStatus        = COM1 + 5
)

// PortDevice is a device behind one I/O port.
type PortDevice interface {
	In(port uint16, size int) (uint32, error)
	Out(port uint16, size int, value uint32) error
}

// I/O instruction exit qualification layout.
const (
	ioSizeMask = 7
	ioIn       = 1 << 3
	ioString   = 1 << 4
	ioPortShft = 16
)

// PortIO services I/O instruction exits for a fixed set of ports. Reads
// from unclaimed ports return all ones and writes to them are dropped.
type PortIO struct {
	devices map[uint16]PortDevice
}

// NewPortIO returns a PortIO routing ports to devices.
func NewPortIO(devices map[uint16]PortDevice) *PortIO {
	return &PortIO{devices: devices}
}

// HandleExit implements vmx.ExitHandler.
func (p *PortIO) HandleExit(reason vmx.ExitReason, tr vmx.Translator, v *vmx.VCpuView) (vmx.ExitResult, error) {
	if !handles(reason, vmx.ReasonIOInstruction) {
		return vmx.Continue, vmx.ErrUnhandledExit
	}
	qual, err := v.Block.Read(hw.VMExitQualification)
	if err != nil {
		return vmx.Continue, err
	}
	if qual&ioString != 0 {
		return vmx.Continue, vmx.NewControllerError(reason, "string I/O is not supported")
	}
	size := int(qual&ioSizeMask) + 1
	port := uint16(qual >> ioPortShft)
	in := qual&ioIn != 0

	inst, err := v.Block.GetInstruction(tr)
	if err != nil {
		return vmx.Continue, err
	}
	reg, err := dataRegister(inst, in)
	if err != nil {
		return vmx.Continue, vmx.NewControllerError(reason, "%v", err)
	}

	mask := uint64(1)<<(size*8) - 1
	dev := p.devices[port]
	if in {
		val := uint32(mask)
		if dev != nil {
			if val, err = dev.In(port, size); err != nil {
				return vmx.Continue, vmx.NewControllerError(reason, "in %#x: %v", port, err)
			}
		}
		// 32-bit writes zero the upper half, narrower ones merge.
		if reg == x86asm.EAX {
			v.Regs.RAX = uint64(val)
		} else {
			v.Regs.RAX = v.Regs.RAX&^mask | uint64(val)&mask
		}
	} else if dev != nil {
		if err := dev.Out(port, size, uint32(v.Regs.RAX&mask)); err != nil {
			return vmx.Continue, vmx.NewControllerError(reason, "out %#x: %v", port, err)
		}
	}
	return vmx.Continue, v.Block.ForwardRIP()
}

func dataRegister(inst x86asm.Inst, in bool) (x86asm.Reg, error) {
	if inst.Op != x86asm.IN && inst.Op != x86asm.OUT {
		return 0, fmt.Errorf("unexpected instruction %v", inst.Op)
	}
	arg := inst.Args[1]
	if in {
		arg = inst.Args[0]
	}
	reg, ok := arg.(x86asm.Reg)
	if !ok {
		return 0, fmt.Errorf("unexpected data operand %v", arg)
	}
	switch reg {
	case x86asm.AL, x86asm.AX, x86asm.EAX:
		return reg, nil
	}
	return 0, fmt.Errorf("unexpected data register %v", reg)
}

// Console is a write-only serial port. Every byte written to its data
// register is copied to the underlying writer.
type Console struct {
	mu sync.Mutex
	w  io.Writer
}

var _ PortDevice = (*Console)(nil)

// NewConsole returns a Console writing to w.
func NewConsole(w io.Writer) *Console {
	return &Console{w: w}
}

func (c *Console) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.w.Write(p)
}

// In reports the line status register as always ready to transmit and the
// data register as empty.
func (c *Console) In(port uint16, _ int) (uint32, error) {
	if port == comLineStatus {
		return 0x60, nil
	}
	return 0, nil
}

// Out writes the low byte of value written to the data register.
func (c *Console) Out(port uint16, _ int, value uint32) error {
	if port != COM1 {
		return nil
	}
	_, err := c.Write([]byte{byte(value)})
	return err
}

// Architectural MSRs the store refuses to write.
const (
	msrEFER       = 0xc000_0080
	msrFeatureCtl = 0x3a
)

// MSRStore services RDMSR and WRMSR from a per-vcpu map. Unwritten MSRs
// read as zero.
type MSRStore struct {
	mu   sync.Mutex
	msrs map[uint32]uint64
}

// NewMSRStore returns an empty store.
func NewMSRStore() *MSRStore {
	return &MSRStore{msrs: make(map[uint32]uint64)}
}

// Get returns the stored value of msr.
func (s *MSRStore) Get(msr uint32) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.msrs[msr]
}

// HandleExit implements vmx.ExitHandler.
func (s *MSRStore) HandleExit(reason vmx.ExitReason, _ vmx.Translator, v *vmx.VCpuView) (vmx.ExitResult, error) {
	if reason.Kind != vmx.ExitNormal {
		return vmx.Continue, vmx.ErrUnhandledExit
	}
	r := v.Regs
	msr := uint32(r.RCX)
	switch reason.Basic {
	case vmx.ReasonRDMSR:
		val := s.Get(msr)
		r.RAX, r.RDX = val&0xffff_ffff, val>>32
	case vmx.ReasonWRMSR:
		if msr == msrEFER || msr == msrFeatureCtl {
			return vmx.Continue, vmx.NewControllerError(reason, "write to msr %#x refused", msr)
		}
		s.mu.Lock()
		s.msrs[msr] = r.RDX<<32 | r.RAX&0xffff_ffff
		s.mu.Unlock()
	default:
		return vmx.Continue, vmx.ErrUnhandledExit
	}
	return vmx.Continue, v.Block.ForwardRIP()
}
