package hw

import (
	"fmt"
	"os"
	"strconv"
)

// Status is the outcome of a VMX instruction as reported through RFLAGS.
type Status uint8

const (
	// Succeed is VMsucceed: CF and ZF clear.
	Succeed Status = iota
	// FailInvalid is VMfailInvalid: CF set, there is no current control
	// block so no error number could be stored.
	FailInvalid
	// FailValid is VMfailValid: ZF set, an error number was stored in the
	// VM-instruction error field of the current control block.
	FailValid
)

func (s Status) String() string {
	switch s {
	case Succeed:
		return "VMsucceed"
	case FailInvalid:
		return "VMfailInvalid"
	case FailValid:
		return "VMfailValid"
	default:
		return fmt.Sprintf("Status(%d)", uint8(s))
	}
}

// InstructionError is the value of the VM-instruction error field.
type InstructionError uint32

// VM-instruction error numbers.
const (
	// ErrNoCurrentBlock is not an architectural error number: it stands for
	// VMfailInvalid, where no control block is current.
	ErrNoCurrentBlock InstructionError = 0

	ErrVMCallInVMXRoot           InstructionError = 1
	ErrVMClearInvalidAddress     InstructionError = 2
	ErrVMClearVMXONPointer       InstructionError = 3
	ErrVMLaunchNonClearBlock     InstructionError = 4
	ErrVMResumeNonLaunchedBlock  InstructionError = 5
	ErrVMResumeAfterVMXOFF       InstructionError = 6
	ErrEntryInvalidControlFields InstructionError = 7
	ErrEntryInvalidHostState     InstructionError = 8
	// ErrVMPtrLdInvalidAddress also covers a block that was not cleared on
	// the processor it was last current on.
	ErrVMPtrLdInvalidAddress           InstructionError = 9
	ErrVMPtrLdVMXONPointer             InstructionError = 10
	ErrVMPtrLdIncorrectRevision        InstructionError = 11
	ErrUnsupportedField                InstructionError = 12
	ErrWriteToReadOnlyField            InstructionError = 13
	ErrVMXONInVMXRoot                  InstructionError = 15
	ErrEntryInvalidExecutiveBlock      InstructionError = 16
	ErrEntryNonLaunchedExecutiveBlock  InstructionError = 17
	ErrEntryExecutiveBlockNotVMXON     InstructionError = 18
	ErrVMCallNonClearBlock             InstructionError = 19
	ErrVMCallInvalidExitControls       InstructionError = 20
	ErrVMCallIncorrectMSEGRevision     InstructionError = 22
	ErrVMXOFFUnderDualMonitor          InstructionError = 23
	ErrVMCallInvalidSMMMonitor         InstructionError = 24
	ErrEntryInvalidExecControls        InstructionError = 25
	ErrEntryEventsBlockedByMovSS       InstructionError = 26
	ErrInvalidOperandToINVEPTOrINVVPID InstructionError = 28
)

var insnErrorDetails = map[InstructionError]string{
	ErrNoCurrentBlock:                  "no control block is active on this processor",
	ErrVMCallInVMXRoot:                 "VMCALL executed in VMX root operation",
	ErrVMClearInvalidAddress:           "VMCLEAR with invalid physical address - check page alignment",
	ErrVMClearVMXONPointer:             "VMCLEAR with VMXON pointer",
	ErrVMLaunchNonClearBlock:           "VMLAUNCH with non-clear control block - block was already launched",
	ErrVMResumeNonLaunchedBlock:        "VMRESUME with non-launched control block - launch first",
	ErrVMResumeAfterVMXOFF:             "VMRESUME after VMXOFF",
	ErrEntryInvalidControlFields:       "VM entry with invalid control fields - check capability negotiation",
	ErrEntryInvalidHostState:           "VM entry with invalid host-state fields",
	ErrVMPtrLdInvalidAddress:           "VMPTRLD with invalid physical address - block misaligned or current elsewhere",
	ErrVMPtrLdVMXONPointer:             "VMPTRLD with VMXON pointer",
	ErrVMPtrLdIncorrectRevision:        "VMPTRLD with incorrect revision identifier",
	ErrUnsupportedField:                "VMREAD/VMWRITE from/to unsupported control-block field",
	ErrWriteToReadOnlyField:            "VMWRITE to read-only control-block field",
	ErrVMXONInVMXRoot:                  "VMXON executed in VMX root operation",
	ErrEntryInvalidExecutiveBlock:      "VM entry with invalid executive-block pointer",
	ErrEntryNonLaunchedExecutiveBlock:  "VM entry with non-launched executive block",
	ErrEntryExecutiveBlockNotVMXON:     "VM entry with executive-block pointer not VMXON pointer",
	ErrVMCallNonClearBlock:             "VMCALL with non-clear control block",
	ErrVMCallInvalidExitControls:       "VMCALL with invalid VM-exit control fields",
	ErrVMCallIncorrectMSEGRevision:     "VMCALL with incorrect MSEG revision identifier",
	ErrVMXOFFUnderDualMonitor:          "VMXOFF under dual-monitor treatment of SMIs and SMM",
	ErrVMCallInvalidSMMMonitor:         "VMCALL with invalid SMM-monitor features",
	ErrEntryInvalidExecControls:        "VM entry with invalid VM-execution control fields in executive block",
	ErrEntryEventsBlockedByMovSS:       "VM entry with events blocked by MOV SS",
	ErrInvalidOperandToINVEPTOrINVVPID: "invalid operand to INVEPT/INVVPID",
}

var insnErrorNames = map[InstructionError]string{
	ErrNoCurrentBlock:                  "no block active",
	ErrVMCallInVMXRoot:                 "vmcall in vmx root",
	ErrVMClearInvalidAddress:           "vmclear with invalid address",
	ErrVMClearVMXONPointer:             "vmclear with vmxon pointer",
	ErrVMLaunchNonClearBlock:           "vmlaunch with non-clear block",
	ErrVMResumeNonLaunchedBlock:        "vmresume with non-launched block",
	ErrVMResumeAfterVMXOFF:             "vmresume after vmxoff",
	ErrEntryInvalidControlFields:       "invalid control fields",
	ErrEntryInvalidHostState:           "invalid host state",
	ErrVMPtrLdInvalidAddress:           "vmptrld with invalid address",
	ErrVMPtrLdVMXONPointer:             "vmptrld with vmxon pointer",
	ErrVMPtrLdIncorrectRevision:        "vmptrld with incorrect revision id",
	ErrUnsupportedField:                "unsupported field",
	ErrWriteToReadOnlyField:            "write to read-only field",
	ErrVMXONInVMXRoot:                  "vmxon in vmx root",
	ErrEntryInvalidExecutiveBlock:      "invalid executive block",
	ErrEntryNonLaunchedExecutiveBlock:  "non-launched executive block",
	ErrEntryExecutiveBlockNotVMXON:     "executive block not vmxon",
	ErrVMCallNonClearBlock:             "vmcall with non-clear block",
	ErrVMCallInvalidExitControls:       "vmcall with invalid exit controls",
	ErrVMCallIncorrectMSEGRevision:     "vmcall with incorrect mseg revision",
	ErrVMXOFFUnderDualMonitor:          "vmxoff under dual monitor",
	ErrVMCallInvalidSMMMonitor:         "vmcall with invalid smm monitor",
	ErrEntryInvalidExecControls:        "invalid executive controls",
	ErrEntryEventsBlockedByMovSS:       "events blocked by mov ss",
	ErrInvalidOperandToINVEPTOrINVVPID: "invalid invept/invvpid operand",
}

// Known reports whether e is one of the named causes. Anything else decodes
// as Unknown.
func (e InstructionError) Known() bool {
	_, ok := insnErrorNames[e]
	return ok
}

func (e InstructionError) Error() string {
	if isProductionEnv() {
		return e.sanitizedError()
	}
	return e.detailedError()
}

func (e InstructionError) detailedError() string {
	if msg, ok := insnErrorDetails[e]; ok {
		return fmt.Sprintf("vmx: %s (error %d)", msg, uint32(e))
	}
	return fmt.Sprintf("vmx: unknown VM-instruction error %d - consult the SDM VM-instruction error table", uint32(e))
}

func (e InstructionError) sanitizedError() string {
	if name, ok := insnErrorNames[e]; ok {
		return "vmx: " + name
	}
	return "vmx: instruction error"
}

// isProductionEnv checks if we're running in production environment
func isProductionEnv() bool {
	env := os.Getenv("HV_ENV")
	if env == "production" || env == "prod" {
		return true
	}

	// Check if debug mode is explicitly disabled
	if debug := os.Getenv("HV_DEBUG"); debug != "" {
		if val, err := strconv.ParseBool(debug); err == nil && !val {
			return true
		}
	}

	return false
}
