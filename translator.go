package vmx

import (
	"fmt"

	"github.com/blacktop/go-vmx/hw"
	"golang.org/x/arch/x86/x86asm"
)

// GVA is a guest virtual address.
type GVA uint64

// GPA is a guest physical address.
type GPA uint64

// maxGuestAddr bounds the addresses a guest can architecturally produce.
const maxGuestAddr = 0xffff_0000_0000_0000

// Valid reports whether a is a representable guest physical address.
func (a GPA) Valid() bool { return a < maxGuestAddr }

// Translator maps guest addresses to host memory. The returned slice starts
// at the translated address and runs to the end of the contiguous mapping.
type Translator interface {
	GVAToHost(a *ActiveBlock, addr GVA) ([]byte, bool)
	GPAToHost(a *ActiveBlock, addr GPA) ([]byte, bool)
}

// MaxInstructionLen is the longest exit instruction length GetInstruction
// accepts.
const MaxInstructionLen = 11

// GetInstruction fetches and decodes the instruction at the guest RIP that
// caused the last exit.
func (a *ActiveBlock) GetInstruction(tr Translator) (x86asm.Inst, error) {
	rip, err := a.Read(hw.GuestRIP)
	if err != nil {
		return x86asm.Inst{}, err
	}
	n, err := a.Read(hw.VMExitInstructionLength)
	if err != nil {
		return x86asm.Inst{}, err
	}
	if n == 0 || n > MaxInstructionLen {
		return x86asm.Inst{}, fmt.Errorf("vmx: instruction length %d at %#x: %w", n, rip, ErrInstructionTooLong)
	}
	host, ok := tr.GVAToHost(a, GVA(rip))
	if !ok || uint64(len(host)) < n {
		return x86asm.Inst{}, fmt.Errorf("vmx: fetch at %#x: %w", rip, ErrUnmapped)
	}
	var code [MaxInstructionLen]byte
	copy(code[:], host[:n])
	inst, err := x86asm.Decode(code[:n], 64)
	if err != nil {
		return x86asm.Inst{}, &DecodeError{RIP: rip, Bytes: code[:n], Err: err}
	}
	return inst, nil
}
