package vmx

import (
	"fmt"
	"strings"

	"github.com/blacktop/go-vmx/hw"
)

// ExitKind selects which of the three exit-reason variants a raw exit code
// denotes.
type ExitKind uint8

const (
	// ExitNormal is an ordinary VM exit.
	ExitNormal ExitKind = iota
	// ExitEntryFailure is a VM exit caused by a failed VM entry (bit 31).
	ExitEntryFailure
	// ExitFromRoot is an exit from VMX root operation (bit 29).
	ExitFromRoot
)

func (k ExitKind) String() string {
	switch k {
	case ExitNormal:
		return "normal"
	case ExitEntryFailure:
		return "entry-failure"
	case ExitFromRoot:
		return "from-root"
	default:
		return fmt.Sprintf("ExitKind(%d)", uint8(k))
	}
}

// Raw exit-code bits.
const (
	exitFromRootBit     = 1 << 29
	exitEntryFailureBit = 1 << 31
	exitBasicReasonMask = 0xffff
)

// BasicReason is the basic exit reason, bits 15:0 of the exit code.
type BasicReason uint16

// Basic exit reasons.
const (
	ReasonExceptionOrNMI    BasicReason = 0x00
	ReasonExternalInterrupt BasicReason = 0x01
	ReasonTripleFault       BasicReason = 0x02
	ReasonInitSignal        BasicReason = 0x03
	ReasonStartupIPI        BasicReason = 0x04
	ReasonIOSMI             BasicReason = 0x05
	ReasonOtherSMI          BasicReason = 0x06
	ReasonInterruptWindow   BasicReason = 0x07
	ReasonNMIWindow         BasicReason = 0x08
	ReasonTaskSwitch        BasicReason = 0x09
	ReasonCPUID             BasicReason = 0x0a
	ReasonGETSEC            BasicReason = 0x0b
	ReasonHLT               BasicReason = 0x0c
	ReasonINVD              BasicReason = 0x0d
	ReasonINVLPG            BasicReason = 0x0e
	ReasonRDPMC             BasicReason = 0x0f
	ReasonRDTSC             BasicReason = 0x10
	ReasonRSM               BasicReason = 0x11
	ReasonVMCALL            BasicReason = 0x12
	ReasonVMCLEAR           BasicReason = 0x13
	ReasonVMLAUNCH          BasicReason = 0x14
	ReasonVMPTRLD           BasicReason = 0x15
	ReasonVMPTRST           BasicReason = 0x16
	ReasonVMREAD            BasicReason = 0x17
	ReasonVMRESUME          BasicReason = 0x18
	ReasonVMWRITE           BasicReason = 0x19
	ReasonVMXOFF            BasicReason = 0x1a
	ReasonVMXON             BasicReason = 0x1b
	ReasonMovCR             BasicReason = 0x1c
	ReasonMovDR             BasicReason = 0x1d
	ReasonIOInstruction     BasicReason = 0x1e
	ReasonRDMSR             BasicReason = 0x1f
	ReasonWRMSR             BasicReason = 0x20
	ReasonEntryGuestState   BasicReason = 0x21
	ReasonEntryMSRLoading   BasicReason = 0x22
	ReasonMWAIT             BasicReason = 0x24
	ReasonMonitorTrapFlag   BasicReason = 0x25
	ReasonMONITOR           BasicReason = 0x27
	ReasonPAUSE             BasicReason = 0x28
	ReasonEntryMachineCheck BasicReason = 0x29
	ReasonTPRBelowThreshold BasicReason = 0x2b
	ReasonAPICAccess        BasicReason = 0x2c
	ReasonVirtualizedEOI    BasicReason = 0x2d
	ReasonAccessGDTRorIDTR  BasicReason = 0x2e
	ReasonAccessLDTRorTR    BasicReason = 0x2f
	ReasonEPTViolation      BasicReason = 0x30
	ReasonEPTMisconfig      BasicReason = 0x31
	ReasonINVEPT            BasicReason = 0x32
	ReasonRDTSCP            BasicReason = 0x33
	ReasonPreemptionTimer   BasicReason = 0x34
	ReasonINVVPID           BasicReason = 0x35
	ReasonWBINVD            BasicReason = 0x36
	ReasonXSETBV            BasicReason = 0x37
	ReasonAPICWrite         BasicReason = 0x38
	ReasonRDRAND            BasicReason = 0x39
	ReasonINVPCID           BasicReason = 0x3a
	ReasonVMFUNC            BasicReason = 0x3b
	ReasonENCLS             BasicReason = 0x3c
	ReasonRDSEED            BasicReason = 0x3d
	ReasonPMLFull           BasicReason = 0x3e
	ReasonXSAVES            BasicReason = 0x3f
	ReasonXRSTORS           BasicReason = 0x40
)

var basicReasonNames = map[BasicReason]string{
	ReasonExceptionOrNMI:    "exception-or-nmi",
	ReasonExternalInterrupt: "external-interrupt",
	ReasonTripleFault:       "triple-fault",
	ReasonInitSignal:        "init-signal",
	ReasonStartupIPI:        "startup-ipi",
	ReasonIOSMI:             "io-smi",
	ReasonOtherSMI:          "other-smi",
	ReasonInterruptWindow:   "interrupt-window",
	ReasonNMIWindow:         "nmi-window",
	ReasonTaskSwitch:        "task-switch",
	ReasonCPUID:             "cpuid",
	ReasonGETSEC:            "getsec",
	ReasonHLT:               "hlt",
	ReasonINVD:              "invd",
	ReasonINVLPG:            "invlpg",
	ReasonRDPMC:             "rdpmc",
	ReasonRDTSC:             "rdtsc",
	ReasonRSM:               "rsm",
	ReasonVMCALL:            "vmcall",
	ReasonVMCLEAR:           "vmclear",
	ReasonVMLAUNCH:          "vmlaunch",
	ReasonVMPTRLD:           "vmptrld",
	ReasonVMPTRST:           "vmptrst",
	ReasonVMREAD:            "vmread",
	ReasonVMRESUME:          "vmresume",
	ReasonVMWRITE:           "vmwrite",
	ReasonVMXOFF:            "vmxoff",
	ReasonVMXON:             "vmxon",
	ReasonMovCR:             "mov-cr",
	ReasonMovDR:             "mov-dr",
	ReasonIOInstruction:     "io-instruction",
	ReasonRDMSR:             "rdmsr",
	ReasonWRMSR:             "wrmsr",
	ReasonEntryGuestState:   "entry-invalid-guest-state",
	ReasonEntryMSRLoading:   "entry-msr-loading",
	ReasonMWAIT:             "mwait",
	ReasonMonitorTrapFlag:   "monitor-trap-flag",
	ReasonMONITOR:           "monitor",
	ReasonPAUSE:             "pause",
	ReasonEntryMachineCheck: "entry-machine-check",
	ReasonTPRBelowThreshold: "tpr-below-threshold",
	ReasonAPICAccess:        "apic-access",
	ReasonVirtualizedEOI:    "virtualized-eoi",
	ReasonAccessGDTRorIDTR:  "access-gdtr-idtr",
	ReasonAccessLDTRorTR:    "access-ldtr-tr",
	ReasonEPTViolation:      "ept-violation",
	ReasonEPTMisconfig:      "ept-misconfig",
	ReasonINVEPT:            "invept",
	ReasonRDTSCP:            "rdtscp",
	ReasonPreemptionTimer:   "preemption-timer",
	ReasonINVVPID:           "invvpid",
	ReasonWBINVD:            "wbinvd",
	ReasonXSETBV:            "xsetbv",
	ReasonAPICWrite:         "apic-write",
	ReasonRDRAND:            "rdrand",
	ReasonINVPCID:           "invpcid",
	ReasonVMFUNC:            "vmfunc",
	ReasonENCLS:             "encls",
	ReasonRDSEED:            "rdseed",
	ReasonPMLFull:           "pml-full",
	ReasonXSAVES:            "xsaves",
	ReasonXRSTORS:           "xrstors",
}

// Known reports whether r is a defined basic exit reason.
func (r BasicReason) Known() bool {
	_, ok := basicReasonNames[r]
	return ok
}

func (r BasicReason) String() string {
	if name, ok := basicReasonNames[r]; ok {
		return name
	}
	return fmt.Sprintf("unknown(%#x)", uint16(r))
}

// InterruptionType is the type field (bits 10:8) of interruption
// information.
type InterruptionType uint8

const (
	IntrExternal        InterruptionType = InterruptionType(hw.IntrTypeExternal)
	IntrNMI             InterruptionType = InterruptionType(hw.IntrTypeNMI)
	IntrHardwareExc     InterruptionType = InterruptionType(hw.IntrTypeHardwareExc)
	IntrPrivSoftwareExc InterruptionType = InterruptionType(hw.IntrTypePrivSoftwareExc)
	IntrSoftwareExc     InterruptionType = InterruptionType(hw.IntrTypeSoftwareExc)
)

func (t InterruptionType) String() string {
	switch t {
	case IntrExternal:
		return "external"
	case IntrNMI:
		return "nmi"
	case IntrHardwareExc:
		return "hardware-exception"
	case IntrPrivSoftwareExc:
		return "privileged-software-exception"
	case IntrSoftwareExc:
		return "software-exception"
	default:
		return fmt.Sprintf("InterruptionType(%d)", uint8(t))
	}
}

// ExtIntInfo is the VM-exit interruption information of an external
// interrupt exit with "acknowledge interrupt on exit" set.
type ExtIntInfo struct {
	Vector           uint8
	Type             InterruptionType
	ErrorCodeValid   bool
	NMIUnblockedIRET bool
}

// decodeIntrInfo decodes an interruption-information word. ok is false if
// the valid bit is clear.
func decodeIntrInfo(info uint32) (ExtIntInfo, bool) {
	if info&hw.IntrInfoValid == 0 {
		return ExtIntInfo{}, false
	}
	return ExtIntInfo{
		Vector:           uint8(info & hw.IntrInfoVectorMask),
		Type:             InterruptionType(info >> hw.IntrInfoTypeShift & 7),
		ErrorCodeValid:   info&hw.IntrInfoErrorCodeValid != 0,
		NMIUnblockedIRET: info&hw.IntrInfoNMIUnblocked != 0,
	}, true
}

// EPTQual is the exit qualification of an EPT violation.
type EPTQual uint64

const (
	EPTRead EPTQual = 1 << iota
	EPTWrite
	EPTFetch
	EPTReadable
	EPTWritable
	EPTExecutable
	EPTUserExecutable
	EPTLinearValid
	EPTTranslated
	EPTUserMode
	EPTReadWritePage
	EPTExecuteDisablePage
	EPTNMIUnblocked
	EPTShadowStack
	EPTSupervisorShadowStack
	EPTPagingVerification
	EPTAsync

	eptQualMask = EPTAsync<<1 - 1
)

var eptQualNames = []string{
	"read", "write", "fetch", "readable", "writable", "executable",
	"user-executable", "linear-valid", "translated", "user-mode",
	"rw-page", "xd-page", "nmi-unblocked", "shadow-stack",
	"supervisor-shadow-stack", "paging-verification", "async",
}

func (q EPTQual) String() string {
	var parts []string
	for i, name := range eptQualNames {
		if q&(1<<i) != 0 {
			parts = append(parts, name)
		}
	}
	if len(parts) == 0 {
		return "0"
	}
	return strings.Join(parts, "|")
}

// EPTViolation carries the decoded qualification and faulting address of an
// EPT violation exit.
type EPTViolation struct {
	Qualification EPTQual
	// Addr is the faulting guest-physical address. It is only meaningful
	// when AddrValid is set.
	Addr      GPA
	AddrValid bool
}

// ExitReason is a decoded exit code.
type ExitReason struct {
	Kind  ExitKind
	Basic BasicReason
	// Raw is the exit-reason field as read.
	Raw uint32

	// ExtInt is set for external-interrupt exits that carry valid
	// interruption information.
	ExtInt *ExtIntInfo
	// EPT is set for EPT-violation exits.
	EPT *EPTViolation
}

// IsEntryFailure reports whether the exit was caused by a failed VM entry.
func (r ExitReason) IsEntryFailure() bool { return r.Kind == ExitEntryFailure }

// FromRootOperation reports whether the exit was from VMX root operation.
func (r ExitReason) FromRootOperation() bool { return r.Kind == ExitFromRoot }

func (r ExitReason) String() string {
	var b strings.Builder
	if r.Kind != ExitNormal {
		b.WriteString(r.Kind.String())
		b.WriteByte(':')
	}
	b.WriteString(r.Basic.String())
	switch {
	case r.ExtInt != nil:
		fmt.Fprintf(&b, "(vector=%#x type=%v)", r.ExtInt.Vector, r.ExtInt.Type)
	case r.EPT != nil:
		if r.EPT.AddrValid {
			fmt.Fprintf(&b, "(gpa=%#x %v)", uint64(r.EPT.Addr), r.EPT.Qualification)
		} else {
			fmt.Fprintf(&b, "(%v)", r.EPT.Qualification)
		}
	}
	return b.String()
}

// fieldReader is the part of ActiveBlock exit decoding needs.
type fieldReader interface {
	Read(f hw.Field) (uint64, error)
}

// DecodeExitReason classifies raw without reading any auxiliary fields.
// External-interrupt and EPT-violation sub-fields are left unset.
func DecodeExitReason(raw uint32) ExitReason {
	r := ExitReason{Raw: raw, Basic: BasicReason(raw & exitBasicReasonMask)}
	switch {
	case raw&exitFromRootBit != 0:
		r.Kind = ExitFromRoot
	case raw&exitEntryFailureBit != 0:
		r.Kind = ExitEntryFailure
	}
	return r
}

func decodeExitReason(fr fieldReader, raw uint32) (ExitReason, error) {
	r := DecodeExitReason(raw)
	switch r.Basic {
	case ReasonExternalInterrupt:
		info, err := fr.Read(hw.VMExitInterruptionInfo)
		if err != nil {
			return r, err
		}
		if ei, ok := decodeIntrInfo(uint32(info)); ok {
			r.ExtInt = &ei
		}
	case ReasonEPTViolation:
		qual, err := fr.Read(hw.VMExitQualification)
		if err != nil {
			return r, err
		}
		gpa, err := fr.Read(hw.GuestPhysicalAddr)
		if err != nil {
			return r, err
		}
		r.EPT = &EPTViolation{
			Qualification: EPTQual(qual) & eptQualMask,
			Addr:          GPA(gpa),
			AddrValid:     GPA(gpa).Valid(),
		}
	}
	return r, nil
}
