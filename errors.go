package vmx

import (
	"errors"
	"fmt"

	"github.com/blacktop/go-vmx/hw"
)

// InstructionError is the decoded VM-instruction error of a failed VMX
// instruction.
type InstructionError = hw.InstructionError

// ErrNoBlockActive is returned by field access and entry when no control
// block is current on the processor.
const ErrNoBlockActive = hw.ErrNoCurrentBlock

// Common specific errors for API consumers
var (
	ErrUnhandledExit                = errors.New("vmx: exit not handled")
	ErrUnmapped                     = errors.New("vmx: guest address not mapped")
	ErrSecondaryControlsUnsupported = errors.New("vmx: secondary processor-based controls not supported")
	ErrControlUnsupported           = errors.New("vmx: requested control not supported by the processor")
	ErrKickTimeout                  = errors.New("vmx: timed out waiting for vcpu to leave guest")
	ErrBlockInUse                   = errors.New("vmx: control block is still active")
	ErrBlockFreed                   = errors.New("vmx: control block freed")
	ErrInstructionTooLong           = errors.New("vmx: exit instruction length out of range")
	ErrVMClosed                     = errors.New("vmx: VM is closed")

	ErrVCpuNotExist   = errors.New("vcpu does not exist")
	ErrAlreadyStarted = errors.New("vcpu already started")
	ErrAlreadyHalted  = errors.New("vcpu already halted")
	ErrNotKicked      = errors.New("vcpu is not kicked")
	ErrVCpuRunning    = errors.New("vcpu is in guest execution")
)

// VCpuError is a VM-management error about one vcpu. Err is one of the
// vcpu sentinels above or ErrKickTimeout.
type VCpuError struct {
	ID  int
	Err error
}

func (e *VCpuError) Error() string {
	return fmt.Sprintf("vmx: vcpu %d: %v", e.ID, e.Err)
}

func (e *VCpuError) Unwrap() error { return e.Err }

// ControllerError is raised by an exit handler that cannot service an exit.
type ControllerError struct {
	Reason ExitReason
	Msg    string
}

func (e *ControllerError) Error() string {
	return fmt.Sprintf("vmx: controller failed on %v: %s", e.Reason, e.Msg)
}

// NewControllerError returns a ControllerError for reason.
func NewControllerError(reason ExitReason, format string, args ...any) error {
	return &ControllerError{Reason: reason, Msg: fmt.Sprintf(format, args...)}
}

// DecodeError reports guest instruction bytes that could not be decoded.
type DecodeError struct {
	RIP   uint64
	Bytes []byte
	Err   error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("vmx: cannot decode instruction at %#x (% x): %v", e.RIP, e.Bytes, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// statusErr turns the outcome of a VMX instruction into an error. On
// VMfailValid the error number is read from the current block.
func statusErr(p hw.Processor, s hw.Status) error {
	switch s {
	case hw.Succeed:
		return nil
	case hw.FailInvalid:
		return hw.ErrNoCurrentBlock
	}
	code, rs := p.Read(hw.VMInstructionError)
	if rs != hw.Succeed {
		return hw.ErrNoCurrentBlock
	}
	return hw.InstructionError(code)
}
