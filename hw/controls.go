package hw

import (
	"fmt"
	"math/bits"
	"strings"
)

// Capability MSRs.
const (
	MSRVMXBasic          uint32 = 0x480
	MSRVMXPinBasedCtls   uint32 = 0x481
	MSRVMXProcBasedCtls  uint32 = 0x482
	MSRVMXExitCtls       uint32 = 0x483
	MSRVMXEntryCtls      uint32 = 0x484
	MSRVMXMisc           uint32 = 0x485
	MSRVMXCR0Fixed0      uint32 = 0x486
	MSRVMXCR0Fixed1      uint32 = 0x487
	MSRVMXCR4Fixed0      uint32 = 0x488
	MSRVMXCR4Fixed1      uint32 = 0x489
	MSRVMXVMCSEnum       uint32 = 0x48a
	MSRVMXProcBasedCtls2 uint32 = 0x48b
	MSRVMXEPTVPIDCap     uint32 = 0x48c
	MSRFeatureControl    uint32 = 0x03a
)

// RevisionID extracts the control-block revision identifier from an
// IA32_VMX_BASIC value.
func RevisionID(basic uint64) uint32 {
	return uint32(basic) & 0x7fff_ffff
}

// PinCtl holds pin-based VM-execution controls.
type PinCtl uint32

const (
	PinExternalInterruptExiting PinCtl = 1 << 0
	PinNMIExiting               PinCtl = 1 << 3
	PinVirtualNMIs              PinCtl = 1 << 5
	PinPreemptionTimer          PinCtl = 1 << 6
	PinPostedInterrupts         PinCtl = 1 << 7
)

// ProcCtl holds primary processor-based VM-execution controls.
type ProcCtl uint32

const (
	ProcInterruptWindowExiting ProcCtl = 1 << 2
	ProcUseTSCOffsetting       ProcCtl = 1 << 3
	ProcHLTExiting             ProcCtl = 1 << 7
	ProcINVLPGExiting          ProcCtl = 1 << 9
	ProcMWAITExiting           ProcCtl = 1 << 10
	ProcRDPMCExiting           ProcCtl = 1 << 11
	ProcRDTSCExiting           ProcCtl = 1 << 12
	ProcCR3LoadExiting         ProcCtl = 1 << 15
	ProcCR3StoreExiting        ProcCtl = 1 << 16
	ProcActivateTertiary       ProcCtl = 1 << 17
	ProcCR8LoadExiting         ProcCtl = 1 << 19
	ProcCR8StoreExiting        ProcCtl = 1 << 20
	ProcUseTPRShadow           ProcCtl = 1 << 21
	ProcNMIWindowExiting       ProcCtl = 1 << 22
	ProcMovDRExiting           ProcCtl = 1 << 23
	ProcUnconditionalIOExiting ProcCtl = 1 << 24
	ProcUseIOBitmaps           ProcCtl = 1 << 25
	ProcMonitorTrapFlag        ProcCtl = 1 << 27
	ProcUseMSRBitmaps          ProcCtl = 1 << 28
	ProcMONITORExiting         ProcCtl = 1 << 29
	ProcPAUSEExiting           ProcCtl = 1 << 30
	ProcActivateSecondary      ProcCtl = 1 << 31
)

// Proc2Ctl holds secondary processor-based VM-execution controls.
type Proc2Ctl uint32

const (
	Proc2VirtualizeAPICAccesses   Proc2Ctl = 1 << 0
	Proc2EnableEPT                Proc2Ctl = 1 << 1
	Proc2DescriptorTableExiting   Proc2Ctl = 1 << 2
	Proc2EnableRDTSCP             Proc2Ctl = 1 << 3
	Proc2VirtualizeX2APIC         Proc2Ctl = 1 << 4
	Proc2EnableVPID               Proc2Ctl = 1 << 5
	Proc2WBINVDExiting            Proc2Ctl = 1 << 6
	Proc2UnrestrictedGuest        Proc2Ctl = 1 << 7
	Proc2APICRegisterVirt         Proc2Ctl = 1 << 8
	Proc2VirtualInterruptDelivery Proc2Ctl = 1 << 9
	Proc2PauseLoopExiting         Proc2Ctl = 1 << 10
	Proc2RDRANDExiting            Proc2Ctl = 1 << 11
	Proc2EnableINVPCID            Proc2Ctl = 1 << 12
	Proc2EnableVMFunctions        Proc2Ctl = 1 << 13
	Proc2VMCSShadowing            Proc2Ctl = 1 << 14
	Proc2ENCLSExiting             Proc2Ctl = 1 << 15
	Proc2RDSEEDExiting            Proc2Ctl = 1 << 16
	Proc2EnablePML                Proc2Ctl = 1 << 17
	Proc2EPTViolationVE           Proc2Ctl = 1 << 18
	Proc2ConcealVMXFromPT         Proc2Ctl = 1 << 19
	Proc2EnableXSAVES             Proc2Ctl = 1 << 20
	Proc2ModeBasedExecEPT         Proc2Ctl = 1 << 22
	Proc2SubPageWriteEPT          Proc2Ctl = 1 << 23
	Proc2PTUsesGPA                Proc2Ctl = 1 << 24
	Proc2UseTSCScaling            Proc2Ctl = 1 << 25
	Proc2EnableUserWait           Proc2Ctl = 1 << 26
	Proc2EnablePCONFIG            Proc2Ctl = 1 << 27
	Proc2ENCLVExiting             Proc2Ctl = 1 << 28
)

// EntryCtl holds VM-entry controls.
type EntryCtl uint32

const (
	EntryLoadDebugControls     EntryCtl = 1 << 2
	EntryIA32eModeGuest        EntryCtl = 1 << 9
	EntryToSMM                 EntryCtl = 1 << 10
	EntryDeactivateDualMonitor EntryCtl = 1 << 11
	EntryLoadPerfGlobalCtrl    EntryCtl = 1 << 13
	EntryLoadPAT               EntryCtl = 1 << 14
	EntryLoadEFER              EntryCtl = 1 << 15
	EntryLoadBNDCFGS           EntryCtl = 1 << 16
	EntryConcealVMXFromPT      EntryCtl = 1 << 17
	EntryLoadRTITCtl           EntryCtl = 1 << 18
	EntryLoadCETState          EntryCtl = 1 << 20
	EntryLoadLBRCtl            EntryCtl = 1 << 21
	EntryLoadPKRS              EntryCtl = 1 << 22
)

// ExitCtl holds primary VM-exit controls.
type ExitCtl uint32

const (
	ExitSaveDebugControls       ExitCtl = 1 << 2
	ExitHostAddressSpaceSize    ExitCtl = 1 << 9
	ExitLoadPerfGlobalCtrl      ExitCtl = 1 << 12
	ExitAckInterruptOnExit      ExitCtl = 1 << 15
	ExitSavePAT                 ExitCtl = 1 << 18
	ExitLoadPAT                 ExitCtl = 1 << 19
	ExitSaveEFER                ExitCtl = 1 << 20
	ExitLoadEFER                ExitCtl = 1 << 21
	ExitSavePreemptionTimer     ExitCtl = 1 << 22
	ExitClearBNDCFGS            ExitCtl = 1 << 23
	ExitConcealVMXFromPT        ExitCtl = 1 << 24
	ExitClearRTITCtl            ExitCtl = 1 << 25
	ExitClearLBRCtl             ExitCtl = 1 << 26
	ExitLoadCETState            ExitCtl = 1 << 28
	ExitLoadPKRS                ExitCtl = 1 << 29
	ExitSavePerfGlobalCtrl      ExitCtl = 1 << 30
	ExitActivateSecondaryExitCt ExitCtl = 1 << 31
)

var pinNames = map[uint32]string{
	uint32(PinExternalInterruptExiting): "external-interrupt-exiting",
	uint32(PinNMIExiting):               "nmi-exiting",
	uint32(PinVirtualNMIs):              "virtual-nmis",
	uint32(PinPreemptionTimer):          "preemption-timer",
	uint32(PinPostedInterrupts):         "posted-interrupts",
}

var procNames = map[uint32]string{
	uint32(ProcInterruptWindowExiting): "interrupt-window-exiting",
	uint32(ProcUseTSCOffsetting):       "tsc-offsetting",
	uint32(ProcHLTExiting):             "hlt-exiting",
	uint32(ProcINVLPGExiting):          "invlpg-exiting",
	uint32(ProcMWAITExiting):           "mwait-exiting",
	uint32(ProcRDPMCExiting):           "rdpmc-exiting",
	uint32(ProcRDTSCExiting):           "rdtsc-exiting",
	uint32(ProcCR3LoadExiting):         "cr3-load-exiting",
	uint32(ProcCR3StoreExiting):        "cr3-store-exiting",
	uint32(ProcActivateTertiary):       "activate-tertiary-controls",
	uint32(ProcCR8LoadExiting):         "cr8-load-exiting",
	uint32(ProcCR8StoreExiting):        "cr8-store-exiting",
	uint32(ProcUseTPRShadow):           "tpr-shadow",
	uint32(ProcNMIWindowExiting):       "nmi-window-exiting",
	uint32(ProcMovDRExiting):           "mov-dr-exiting",
	uint32(ProcUnconditionalIOExiting): "unconditional-io-exiting",
	uint32(ProcUseIOBitmaps):           "io-bitmaps",
	uint32(ProcMonitorTrapFlag):        "monitor-trap-flag",
	uint32(ProcUseMSRBitmaps):          "msr-bitmaps",
	uint32(ProcMONITORExiting):         "monitor-exiting",
	uint32(ProcPAUSEExiting):           "pause-exiting",
	uint32(ProcActivateSecondary):      "activate-secondary-controls",
}

var proc2Names = map[uint32]string{
	uint32(Proc2VirtualizeAPICAccesses):   "virtualize-apic-accesses",
	uint32(Proc2EnableEPT):                "ept",
	uint32(Proc2DescriptorTableExiting):   "descriptor-table-exiting",
	uint32(Proc2EnableRDTSCP):             "rdtscp",
	uint32(Proc2VirtualizeX2APIC):         "virtualize-x2apic",
	uint32(Proc2EnableVPID):               "vpid",
	uint32(Proc2WBINVDExiting):            "wbinvd-exiting",
	uint32(Proc2UnrestrictedGuest):        "unrestricted-guest",
	uint32(Proc2APICRegisterVirt):         "apic-register-virtualization",
	uint32(Proc2VirtualInterruptDelivery): "virtual-interrupt-delivery",
	uint32(Proc2PauseLoopExiting):         "pause-loop-exiting",
	uint32(Proc2RDRANDExiting):            "rdrand-exiting",
	uint32(Proc2EnableINVPCID):            "invpcid",
	uint32(Proc2EnableVMFunctions):        "vm-functions",
	uint32(Proc2VMCSShadowing):            "vmcs-shadowing",
	uint32(Proc2ENCLSExiting):             "encls-exiting",
	uint32(Proc2RDSEEDExiting):            "rdseed-exiting",
	uint32(Proc2EnablePML):                "pml",
	uint32(Proc2EPTViolationVE):           "ept-violation-ve",
	uint32(Proc2ConcealVMXFromPT):         "conceal-vmx-from-pt",
	uint32(Proc2EnableXSAVES):             "xsaves",
	uint32(Proc2ModeBasedExecEPT):         "mode-based-execute-ept",
	uint32(Proc2SubPageWriteEPT):          "sub-page-write-ept",
	uint32(Proc2PTUsesGPA):                "pt-uses-gpa",
	uint32(Proc2UseTSCScaling):            "tsc-scaling",
	uint32(Proc2EnableUserWait):           "user-wait-pause",
	uint32(Proc2EnablePCONFIG):            "pconfig",
	uint32(Proc2ENCLVExiting):             "enclv-exiting",
}

var entryNames = map[uint32]string{
	uint32(EntryLoadDebugControls):     "load-debug-controls",
	uint32(EntryIA32eModeGuest):        "ia32e-mode-guest",
	uint32(EntryToSMM):                 "entry-to-smm",
	uint32(EntryDeactivateDualMonitor): "deactivate-dual-monitor",
	uint32(EntryLoadPerfGlobalCtrl):    "load-perf-global-ctrl",
	uint32(EntryLoadPAT):               "load-pat",
	uint32(EntryLoadEFER):              "load-efer",
	uint32(EntryLoadBNDCFGS):           "load-bndcfgs",
	uint32(EntryConcealVMXFromPT):      "conceal-vmx-from-pt",
	uint32(EntryLoadRTITCtl):           "load-rtit-ctl",
	uint32(EntryLoadCETState):          "load-cet-state",
	uint32(EntryLoadLBRCtl):            "load-lbr-ctl",
	uint32(EntryLoadPKRS):              "load-pkrs",
}

var exitNames = map[uint32]string{
	uint32(ExitSaveDebugControls):       "save-debug-controls",
	uint32(ExitHostAddressSpaceSize):    "host-address-space-size",
	uint32(ExitLoadPerfGlobalCtrl):      "load-perf-global-ctrl",
	uint32(ExitAckInterruptOnExit):      "ack-interrupt-on-exit",
	uint32(ExitSavePAT):                 "save-pat",
	uint32(ExitLoadPAT):                 "load-pat",
	uint32(ExitSaveEFER):                "save-efer",
	uint32(ExitLoadEFER):                "load-efer",
	uint32(ExitSavePreemptionTimer):     "save-preemption-timer",
	uint32(ExitClearBNDCFGS):            "clear-bndcfgs",
	uint32(ExitConcealVMXFromPT):        "conceal-vmx-from-pt",
	uint32(ExitClearRTITCtl):            "clear-rtit-ctl",
	uint32(ExitClearLBRCtl):             "clear-lbr-ctl",
	uint32(ExitLoadCETState):            "load-cet-state",
	uint32(ExitLoadPKRS):                "load-pkrs",
	uint32(ExitSavePerfGlobalCtrl):      "save-perf-global-ctrl",
	uint32(ExitActivateSecondaryExitCt): "activate-secondary-exit-controls",
}

// bitNames renders the set bits of v as a "|"-separated list, falling back
// to "bitN" for bits without a name.
func bitNames(v uint32, names map[uint32]string) string {
	if v == 0 {
		return "0"
	}
	var parts []string
	for v != 0 {
		bit := uint32(1) << bits.TrailingZeros32(v)
		v &^= bit
		if name, ok := names[bit]; ok {
			parts = append(parts, name)
		} else {
			parts = append(parts, fmt.Sprintf("bit%d", bits.TrailingZeros32(bit)))
		}
	}
	return strings.Join(parts, "|")
}

func (c PinCtl) String() string   { return bitNames(uint32(c), pinNames) }
func (c ProcCtl) String() string  { return bitNames(uint32(c), procNames) }
func (c Proc2Ctl) String() string { return bitNames(uint32(c), proc2Names) }
func (c EntryCtl) String() string { return bitNames(uint32(c), entryNames) }
func (c ExitCtl) String() string  { return bitNames(uint32(c), exitNames) }

// RFLAGS bits the core inspects.
const (
	RFLAGSCarry     uint64 = 1 << 0
	RFLAGSReserved1 uint64 = 1 << 1
	RFLAGSZero      uint64 = 1 << 6
	RFLAGSInterrupt uint64 = 1 << 9
)

// Interruption-information field layout shared by the VM-entry and VM-exit
// interruption-information fields.
const (
	IntrInfoVectorMask      uint32 = 0xff
	IntrInfoTypeShift              = 8
	IntrInfoErrorCodeValid  uint32 = 1 << 11
	IntrInfoNMIUnblocked    uint32 = 1 << 12
	IntrInfoValid           uint32 = 1 << 31
	IntrTypeExternal        uint32 = 0
	IntrTypeNMI             uint32 = 2
	IntrTypeHardwareExc     uint32 = 3
	IntrTypePrivSoftwareExc uint32 = 5
	IntrTypeSoftwareExc     uint32 = 6
)
