package hw

import "fmt"

// Field is a control-block field encoding. The encoding carries the field
// width (bits 13-14) and the field type (bits 10-11); bit 0 selects the high
// half of a 64-bit field.
type Field uint32

const (
	// 16-bit control fields
	VPID                  Field = 0x0000
	PostedInterruptVector Field = 0x0002
	EPTPIndex             Field = 0x0004

	// 16-bit guest-state fields
	GuestESSelector      Field = 0x0800
	GuestCSSelector      Field = 0x0802
	GuestSSSelector      Field = 0x0804
	GuestDSSelector      Field = 0x0806
	GuestFSSelector      Field = 0x0808
	GuestGSSelector      Field = 0x080a
	GuestLDTRSelector    Field = 0x080c
	GuestTRSelector      Field = 0x080e
	GuestInterruptStatus Field = 0x0810

	// 16-bit host-state fields
	HostESSelector Field = 0x0c00
	HostCSSelector Field = 0x0c02
	HostSSSelector Field = 0x0c04
	HostDSSelector Field = 0x0c06
	HostFSSelector Field = 0x0c08
	HostGSSelector Field = 0x0c0a
	HostTRSelector Field = 0x0c0c

	// 64-bit control fields
	IOBitmapA                   Field = 0x2000
	IOBitmapAHigh               Field = 0x2001
	IOBitmapB                   Field = 0x2002
	IOBitmapBHigh               Field = 0x2003
	MSRBitmaps                  Field = 0x2004
	MSRBitmapsHigh              Field = 0x2005
	VMExitMSRStoreAddr          Field = 0x2006
	VMExitMSRStoreAddrHigh      Field = 0x2007
	VMExitMSRLoadAddr           Field = 0x2008
	VMExitMSRLoadAddrHigh       Field = 0x2009
	VMEntryMSRLoadAddr          Field = 0x200a
	VMEntryMSRLoadAddrHigh      Field = 0x200b
	ExecutiveVMCSPtr            Field = 0x200c
	ExecutiveVMCSPtrHigh        Field = 0x200d
	TSCOffset                   Field = 0x2010
	TSCOffsetHigh               Field = 0x2011
	VirtualAPICPageAddr         Field = 0x2012
	VirtualAPICPageAddrHigh     Field = 0x2013
	APICAccessAddr              Field = 0x2014
	APICAccessAddrHigh          Field = 0x2015
	PostedInterruptDescAddr     Field = 0x2016
	PostedInterruptDescAddrHigh Field = 0x2017
	VMFuncCtrls                 Field = 0x2018
	VMFuncCtrlsHigh             Field = 0x2019
	EPTPointer                  Field = 0x201a
	EPTPointerHigh              Field = 0x201b
	EOIExitBitmap0              Field = 0x201c
	EOIExitBitmap0High          Field = 0x201d
	EOIExitBitmap1              Field = 0x201e
	EOIExitBitmap1High          Field = 0x201f
	EOIExitBitmap2              Field = 0x2020
	EOIExitBitmap2High          Field = 0x2021
	EOIExitBitmap3              Field = 0x2022
	EOIExitBitmap3High          Field = 0x2023
	EPTPListAddress             Field = 0x2024
	EPTPListAddressHigh         Field = 0x2025
	VMReadBitmapAddr            Field = 0x2026
	VMReadBitmapAddrHigh        Field = 0x2027
	VMWriteBitmapAddr           Field = 0x2028
	VMWriteBitmapAddrHigh       Field = 0x2029
	VEExceptionInfoAddr         Field = 0x202a
	VEExceptionInfoAddrHigh     Field = 0x202b

	// 64-bit read-only data fields
	GuestPhysicalAddr     Field = 0x2400
	GuestPhysicalAddrHigh Field = 0x2401

	// 64-bit guest-state fields
	GuestLinkPointer            Field = 0x2800
	GuestLinkPointerHigh        Field = 0x2801
	GuestIA32DebugCtl           Field = 0x2802
	GuestIA32DebugCtlHigh       Field = 0x2803
	GuestIA32PAT                Field = 0x2804
	GuestIA32PATHigh            Field = 0x2805
	GuestIA32EFER               Field = 0x2806
	GuestIA32EFERHigh           Field = 0x2807
	GuestIA32PerfGlobalCtrl     Field = 0x2808
	GuestIA32PerfGlobalCtrlHigh Field = 0x2809
	GuestIA32PDPTE0             Field = 0x280a
	GuestIA32PDPTE0High         Field = 0x280b
	GuestIA32PDPTE1             Field = 0x280c
	GuestIA32PDPTE1High         Field = 0x280d
	GuestIA32PDPTE2             Field = 0x280e
	GuestIA32PDPTE2High         Field = 0x280f
	GuestIA32PDPTE3             Field = 0x2810
	GuestIA32PDPTE3High         Field = 0x2811

	// 64-bit host-state fields
	HostIA32PAT                Field = 0x2c00
	HostIA32PATHigh            Field = 0x2c01
	HostIA32EFER               Field = 0x2c02
	HostIA32EFERHigh           Field = 0x2c03
	HostIA32PerfGlobalCtrl     Field = 0x2c04
	HostIA32PerfGlobalCtrlHigh Field = 0x2c05

	// 32-bit control fields
	PinBasedControls         Field = 0x4000
	ProcBasedControls        Field = 0x4002
	ExceptionBitmap          Field = 0x4004
	PageFaultErrCodeMask     Field = 0x4006
	PageFaultErrCodeMatch    Field = 0x4008
	CR3TargetCount           Field = 0x400a
	VMExitControls           Field = 0x400c
	VMExitMSRStoreCount      Field = 0x400e
	VMExitMSRLoadCount       Field = 0x4010
	VMEntryControls          Field = 0x4012
	VMEntryMSRLoadCount      Field = 0x4014
	VMEntryInterruptionInfo  Field = 0x4016
	VMEntryExceptionErrCode  Field = 0x4018
	VMEntryInstructionLength Field = 0x401a
	TPRThreshold             Field = 0x401c
	SecondaryControls        Field = 0x401e
	PauseLoopExitingGap      Field = 0x4020
	PauseLoopExitingWindow   Field = 0x4022

	// 32-bit read-only data fields
	VMInstructionError        Field = 0x4400
	VMExitReason              Field = 0x4402
	VMExitInterruptionInfo    Field = 0x4404
	VMExitInterruptionErrCode Field = 0x4406
	IdtVectoringInfo          Field = 0x4408
	IdtVectoringErrCode       Field = 0x440a
	VMExitInstructionLength   Field = 0x440c
	VMExitInstructionInfo     Field = 0x440e

	// 32-bit guest-state fields
	GuestESLimit               Field = 0x4800
	GuestCSLimit               Field = 0x4802
	GuestSSLimit               Field = 0x4804
	GuestDSLimit               Field = 0x4806
	GuestFSLimit               Field = 0x4808
	GuestGSLimit               Field = 0x480a
	GuestLDTRLimit             Field = 0x480c
	GuestTRLimit               Field = 0x480e
	GuestGDTRLimit             Field = 0x4810
	GuestIDTRLimit             Field = 0x4812
	GuestESAccessRights        Field = 0x4814
	GuestCSAccessRights        Field = 0x4816
	GuestSSAccessRights        Field = 0x4818
	GuestDSAccessRights        Field = 0x481a
	GuestFSAccessRights        Field = 0x481c
	GuestGSAccessRights        Field = 0x481e
	GuestLDTRAccessRights      Field = 0x4820
	GuestTRAccessRights        Field = 0x4822
	GuestInterruptibilityState Field = 0x4824
	GuestActivityState         Field = 0x4826
	GuestSMBASE                Field = 0x4828
	GuestIA32SysenterCS        Field = 0x482a
	GuestPreemptionTimerValue  Field = 0x482e

	// 32-bit host-state fields
	HostIA32SysenterCS Field = 0x4c00

	// Natural-width control fields
	CR0GuestHostMask Field = 0x6000
	CR4GuestHostMask Field = 0x6002
	CR0ReadShadow    Field = 0x6004
	CR4ReadShadow    Field = 0x6006
	CR3Target0       Field = 0x6008
	CR3Target1       Field = 0x600a
	CR3Target2       Field = 0x600c
	CR3Target3       Field = 0x600e

	// Natural-width read-only data fields
	VMExitQualification Field = 0x6400
	IORCX               Field = 0x6402
	IORSI               Field = 0x6404
	IORDI               Field = 0x6406
	IORIP               Field = 0x6408
	GuestLinearAddr     Field = 0x640a

	// Natural-width guest-state fields
	GuestCR0                  Field = 0x6800
	GuestCR3                  Field = 0x6802
	GuestCR4                  Field = 0x6804
	GuestESBase               Field = 0x6806
	GuestCSBase               Field = 0x6808
	GuestSSBase               Field = 0x680a
	GuestDSBase               Field = 0x680c
	GuestFSBase               Field = 0x680e
	GuestGSBase               Field = 0x6810
	GuestLDTRBase             Field = 0x6812
	GuestTRBase               Field = 0x6814
	GuestGDTRBase             Field = 0x6816
	GuestIDTRBase             Field = 0x6818
	GuestDR7                  Field = 0x681a
	GuestRSP                  Field = 0x681c
	GuestRIP                  Field = 0x681e
	GuestRFLAGS               Field = 0x6820
	GuestPendingDbgExceptions Field = 0x6822
	GuestIA32SysenterESP      Field = 0x6824
	GuestIA32SysenterEIP      Field = 0x6826

	// Natural-width host-state fields
	HostCR0             Field = 0x6c00
	HostCR3             Field = 0x6c02
	HostCR4             Field = 0x6c04
	HostFSBase          Field = 0x6c06
	HostGSBase          Field = 0x6c08
	HostTRBase          Field = 0x6c0a
	HostGDTRBase        Field = 0x6c0c
	HostIDTRBase        Field = 0x6c0e
	HostIA32SysenterESP Field = 0x6c10
	HostIA32SysenterEIP Field = 0x6c12
	HostRSP             Field = 0x6c14
	HostRIP             Field = 0x6c16
)

var fieldNames = map[Field]string{
	VPID:                        "VPID",
	PostedInterruptVector:       "PostedInterruptVector",
	EPTPIndex:                   "EPTPIndex",
	GuestESSelector:             "GuestESSelector",
	GuestCSSelector:             "GuestCSSelector",
	GuestSSSelector:             "GuestSSSelector",
	GuestDSSelector:             "GuestDSSelector",
	GuestFSSelector:             "GuestFSSelector",
	GuestGSSelector:             "GuestGSSelector",
	GuestLDTRSelector:           "GuestLDTRSelector",
	GuestTRSelector:             "GuestTRSelector",
	GuestInterruptStatus:        "GuestInterruptStatus",
	HostESSelector:              "HostESSelector",
	HostCSSelector:              "HostCSSelector",
	HostSSSelector:              "HostSSSelector",
	HostDSSelector:              "HostDSSelector",
	HostFSSelector:              "HostFSSelector",
	HostGSSelector:              "HostGSSelector",
	HostTRSelector:              "HostTRSelector",
	IOBitmapA:                   "IOBitmapA",
	IOBitmapAHigh:               "IOBitmapAHigh",
	IOBitmapB:                   "IOBitmapB",
	IOBitmapBHigh:               "IOBitmapBHigh",
	MSRBitmaps:                  "MSRBitmaps",
	MSRBitmapsHigh:              "MSRBitmapsHigh",
	VMExitMSRStoreAddr:          "VMExitMSRStoreAddr",
	VMExitMSRStoreAddrHigh:      "VMExitMSRStoreAddrHigh",
	VMExitMSRLoadAddr:           "VMExitMSRLoadAddr",
	VMExitMSRLoadAddrHigh:       "VMExitMSRLoadAddrHigh",
	VMEntryMSRLoadAddr:          "VMEntryMSRLoadAddr",
	VMEntryMSRLoadAddrHigh:      "VMEntryMSRLoadAddrHigh",
	ExecutiveVMCSPtr:            "ExecutiveVMCSPtr",
	ExecutiveVMCSPtrHigh:        "ExecutiveVMCSPtrHigh",
	TSCOffset:                   "TSCOffset",
	TSCOffsetHigh:               "TSCOffsetHigh",
	VirtualAPICPageAddr:         "VirtualAPICPageAddr",
	VirtualAPICPageAddrHigh:     "VirtualAPICPageAddrHigh",
	APICAccessAddr:              "APICAccessAddr",
	APICAccessAddrHigh:          "APICAccessAddrHigh",
	PostedInterruptDescAddr:     "PostedInterruptDescAddr",
	PostedInterruptDescAddrHigh: "PostedInterruptDescAddrHigh",
	VMFuncCtrls:                 "VMFuncCtrls",
	VMFuncCtrlsHigh:             "VMFuncCtrlsHigh",
	EPTPointer:                  "EPTPointer",
	EPTPointerHigh:              "EPTPointerHigh",
	EOIExitBitmap0:              "EOIExitBitmap0",
	EOIExitBitmap0High:          "EOIExitBitmap0High",
	EOIExitBitmap1:              "EOIExitBitmap1",
	EOIExitBitmap1High:          "EOIExitBitmap1High",
	EOIExitBitmap2:              "EOIExitBitmap2",
	EOIExitBitmap2High:          "EOIExitBitmap2High",
	EOIExitBitmap3:              "EOIExitBitmap3",
	EOIExitBitmap3High:          "EOIExitBitmap3High",
	EPTPListAddress:             "EPTPListAddress",
	EPTPListAddressHigh:         "EPTPListAddressHigh",
	VMReadBitmapAddr:            "VMReadBitmapAddr",
	VMReadBitmapAddrHigh:        "VMReadBitmapAddrHigh",
	VMWriteBitmapAddr:           "VMWriteBitmapAddr",
	VMWriteBitmapAddrHigh:       "VMWriteBitmapAddrHigh",
	VEExceptionInfoAddr:         "VEExceptionInfoAddr",
	VEExceptionInfoAddrHigh:     "VEExceptionInfoAddrHigh",
	GuestPhysicalAddr:           "GuestPhysicalAddr",
	GuestPhysicalAddrHigh:       "GuestPhysicalAddrHigh",
	GuestLinkPointer:            "GuestLinkPointer",
	GuestLinkPointerHigh:        "GuestLinkPointerHigh",
	GuestIA32DebugCtl:           "GuestIA32DebugCtl",
	GuestIA32DebugCtlHigh:       "GuestIA32DebugCtlHigh",
	GuestIA32PAT:                "GuestIA32PAT",
	GuestIA32PATHigh:            "GuestIA32PATHigh",
	GuestIA32EFER:               "GuestIA32EFER",
	GuestIA32EFERHigh:           "GuestIA32EFERHigh",
	GuestIA32PerfGlobalCtrl:     "GuestIA32PerfGlobalCtrl",
	GuestIA32PerfGlobalCtrlHigh: "GuestIA32PerfGlobalCtrlHigh",
	GuestIA32PDPTE0:             "GuestIA32PDPTE0",
	GuestIA32PDPTE0High:         "GuestIA32PDPTE0High",
	GuestIA32PDPTE1:             "GuestIA32PDPTE1",
	GuestIA32PDPTE1High:         "GuestIA32PDPTE1High",
	GuestIA32PDPTE2:             "GuestIA32PDPTE2",
	GuestIA32PDPTE2High:         "GuestIA32PDPTE2High",
	GuestIA32PDPTE3:             "GuestIA32PDPTE3",
	GuestIA32PDPTE3High:         "GuestIA32PDPTE3High",
	HostIA32PAT:                 "HostIA32PAT",
	HostIA32PATHigh:             "HostIA32PATHigh",
	HostIA32EFER:                "HostIA32EFER",
	HostIA32EFERHigh:            "HostIA32EFERHigh",
	HostIA32PerfGlobalCtrl:      "HostIA32PerfGlobalCtrl",
	HostIA32PerfGlobalCtrlHigh:  "HostIA32PerfGlobalCtrlHigh",
	PinBasedControls:            "PinBasedControls",
	ProcBasedControls:           "ProcBasedControls",
	ExceptionBitmap:             "ExceptionBitmap",
	PageFaultErrCodeMask:        "PageFaultErrCodeMask",
	PageFaultErrCodeMatch:       "PageFaultErrCodeMatch",
	CR3TargetCount:              "CR3TargetCount",
	VMExitControls:              "VMExitControls",
	VMExitMSRStoreCount:         "VMExitMSRStoreCount",
	VMExitMSRLoadCount:          "VMExitMSRLoadCount",
	VMEntryControls:             "VMEntryControls",
	VMEntryMSRLoadCount:         "VMEntryMSRLoadCount",
	VMEntryInterruptionInfo:     "VMEntryInterruptionInfo",
	VMEntryExceptionErrCode:     "VMEntryExceptionErrCode",
	VMEntryInstructionLength:    "VMEntryInstructionLength",
	TPRThreshold:                "TPRThreshold",
	SecondaryControls:           "SecondaryControls",
	PauseLoopExitingGap:         "PauseLoopExitingGap",
	PauseLoopExitingWindow:      "PauseLoopExitingWindow",
	VMInstructionError:          "VMInstructionError",
	VMExitReason:                "VMExitReason",
	VMExitInterruptionInfo:      "VMExitInterruptionInfo",
	VMExitInterruptionErrCode:   "VMExitInterruptionErrCode",
	IdtVectoringInfo:            "IdtVectoringInfo",
	IdtVectoringErrCode:         "IdtVectoringErrCode",
	VMExitInstructionLength:     "VMExitInstructionLength",
	VMExitInstructionInfo:       "VMExitInstructionInfo",
	GuestESLimit:                "GuestESLimit",
	GuestCSLimit:                "GuestCSLimit",
	GuestSSLimit:                "GuestSSLimit",
	GuestDSLimit:                "GuestDSLimit",
	GuestFSLimit:                "GuestFSLimit",
	GuestGSLimit:                "GuestGSLimit",
	GuestLDTRLimit:              "GuestLDTRLimit",
	GuestTRLimit:                "GuestTRLimit",
	GuestGDTRLimit:              "GuestGDTRLimit",
	GuestIDTRLimit:              "GuestIDTRLimit",
	GuestESAccessRights:         "GuestESAccessRights",
	GuestCSAccessRights:         "GuestCSAccessRights",
	GuestSSAccessRights:         "GuestSSAccessRights",
	GuestDSAccessRights:         "GuestDSAccessRights",
	GuestFSAccessRights:         "GuestFSAccessRights",
	GuestGSAccessRights:         "GuestGSAccessRights",
	GuestLDTRAccessRights:       "GuestLDTRAccessRights",
	GuestTRAccessRights:         "GuestTRAccessRights",
	GuestInterruptibilityState:  "GuestInterruptibilityState",
	GuestActivityState:          "GuestActivityState",
	GuestSMBASE:                 "GuestSMBASE",
	GuestIA32SysenterCS:         "GuestIA32SysenterCS",
	GuestPreemptionTimerValue:   "GuestPreemptionTimerValue",
	HostIA32SysenterCS:          "HostIA32SysenterCS",
	CR0GuestHostMask:            "CR0GuestHostMask",
	CR4GuestHostMask:            "CR4GuestHostMask",
	CR0ReadShadow:               "CR0ReadShadow",
	CR4ReadShadow:               "CR4ReadShadow",
	CR3Target0:                  "CR3Target0",
	CR3Target1:                  "CR3Target1",
	CR3Target2:                  "CR3Target2",
	CR3Target3:                  "CR3Target3",
	VMExitQualification:         "VMExitQualification",
	IORCX:                       "IORCX",
	IORSI:                       "IORSI",
	IORDI:                       "IORDI",
	IORIP:                       "IORIP",
	GuestLinearAddr:             "GuestLinearAddr",
	GuestCR0:                    "GuestCR0",
	GuestCR3:                    "GuestCR3",
	GuestCR4:                    "GuestCR4",
	GuestESBase:                 "GuestESBase",
	GuestCSBase:                 "GuestCSBase",
	GuestSSBase:                 "GuestSSBase",
	GuestDSBase:                 "GuestDSBase",
	GuestFSBase:                 "GuestFSBase",
	GuestGSBase:                 "GuestGSBase",
	GuestLDTRBase:               "GuestLDTRBase",
	GuestTRBase:                 "GuestTRBase",
	GuestGDTRBase:               "GuestGDTRBase",
	GuestIDTRBase:               "GuestIDTRBase",
	GuestDR7:                    "GuestDR7",
	GuestRSP:                    "GuestRSP",
	GuestRIP:                    "GuestRIP",
	GuestRFLAGS:                 "GuestRFLAGS",
	GuestPendingDbgExceptions:   "GuestPendingDbgExceptions",
	GuestIA32SysenterESP:        "GuestIA32SysenterESP",
	GuestIA32SysenterEIP:        "GuestIA32SysenterEIP",
	HostCR0:                     "HostCR0",
	HostCR3:                     "HostCR3",
	HostCR4:                     "HostCR4",
	HostFSBase:                  "HostFSBase",
	HostGSBase:                  "HostGSBase",
	HostTRBase:                  "HostTRBase",
	HostGDTRBase:                "HostGDTRBase",
	HostIDTRBase:                "HostIDTRBase",
	HostIA32SysenterESP:         "HostIA32SysenterESP",
	HostIA32SysenterEIP:         "HostIA32SysenterEIP",
	HostRSP:                     "HostRSP",
	HostRIP:                     "HostRIP",
}

// Fields lists the catalogue in encoding order.
var Fields = []Field{
	VPID, PostedInterruptVector, EPTPIndex, GuestESSelector, GuestCSSelector,
	GuestSSSelector, GuestDSSelector, GuestFSSelector, GuestGSSelector,
	GuestLDTRSelector, GuestTRSelector, GuestInterruptStatus, HostESSelector,
	HostCSSelector, HostSSSelector, HostDSSelector, HostFSSelector,
	HostGSSelector, HostTRSelector, IOBitmapA, IOBitmapAHigh, IOBitmapB,
	IOBitmapBHigh, MSRBitmaps, MSRBitmapsHigh, VMExitMSRStoreAddr,
	VMExitMSRStoreAddrHigh, VMExitMSRLoadAddr, VMExitMSRLoadAddrHigh,
	VMEntryMSRLoadAddr, VMEntryMSRLoadAddrHigh, ExecutiveVMCSPtr,
	ExecutiveVMCSPtrHigh, TSCOffset, TSCOffsetHigh, VirtualAPICPageAddr,
	VirtualAPICPageAddrHigh, APICAccessAddr, APICAccessAddrHigh,
	PostedInterruptDescAddr, PostedInterruptDescAddrHigh, VMFuncCtrls,
	VMFuncCtrlsHigh, EPTPointer, EPTPointerHigh, EOIExitBitmap0,
	EOIExitBitmap0High, EOIExitBitmap1, EOIExitBitmap1High, EOIExitBitmap2,
	EOIExitBitmap2High, EOIExitBitmap3, EOIExitBitmap3High, EPTPListAddress,
	EPTPListAddressHigh, VMReadBitmapAddr, VMReadBitmapAddrHigh,
	VMWriteBitmapAddr, VMWriteBitmapAddrHigh, VEExceptionInfoAddr,
	VEExceptionInfoAddrHigh, GuestPhysicalAddr, GuestPhysicalAddrHigh,
	GuestLinkPointer, GuestLinkPointerHigh, GuestIA32DebugCtl,
	GuestIA32DebugCtlHigh, GuestIA32PAT, GuestIA32PATHigh, GuestIA32EFER,
	GuestIA32EFERHigh, GuestIA32PerfGlobalCtrl, GuestIA32PerfGlobalCtrlHigh,
	GuestIA32PDPTE0, GuestIA32PDPTE0High, GuestIA32PDPTE1, GuestIA32PDPTE1High,
	GuestIA32PDPTE2, GuestIA32PDPTE2High, GuestIA32PDPTE3, GuestIA32PDPTE3High,
	HostIA32PAT, HostIA32PATHigh, HostIA32EFER, HostIA32EFERHigh,
	HostIA32PerfGlobalCtrl, HostIA32PerfGlobalCtrlHigh, PinBasedControls,
	ProcBasedControls, ExceptionBitmap, PageFaultErrCodeMask,
	PageFaultErrCodeMatch, CR3TargetCount, VMExitControls, VMExitMSRStoreCount,
	VMExitMSRLoadCount, VMEntryControls, VMEntryMSRLoadCount,
	VMEntryInterruptionInfo, VMEntryExceptionErrCode, VMEntryInstructionLength,
	TPRThreshold, SecondaryControls, PauseLoopExitingGap,
	PauseLoopExitingWindow, VMInstructionError, VMExitReason,
	VMExitInterruptionInfo, VMExitInterruptionErrCode, IdtVectoringInfo,
	IdtVectoringErrCode, VMExitInstructionLength, VMExitInstructionInfo,
	GuestESLimit, GuestCSLimit, GuestSSLimit, GuestDSLimit, GuestFSLimit,
	GuestGSLimit, GuestLDTRLimit, GuestTRLimit, GuestGDTRLimit, GuestIDTRLimit,
	GuestESAccessRights, GuestCSAccessRights, GuestSSAccessRights,
	GuestDSAccessRights, GuestFSAccessRights, GuestGSAccessRights,
	GuestLDTRAccessRights, GuestTRAccessRights, GuestInterruptibilityState,
	GuestActivityState, GuestSMBASE, GuestIA32SysenterCS,
	GuestPreemptionTimerValue, HostIA32SysenterCS, CR0GuestHostMask,
	CR4GuestHostMask, CR0ReadShadow, CR4ReadShadow, CR3Target0, CR3Target1,
	CR3Target2, CR3Target3, VMExitQualification, IORCX, IORSI, IORDI, IORIP,
	GuestLinearAddr, GuestCR0, GuestCR3, GuestCR4, GuestESBase, GuestCSBase,
	GuestSSBase, GuestDSBase, GuestFSBase, GuestGSBase, GuestLDTRBase,
	GuestTRBase, GuestGDTRBase, GuestIDTRBase, GuestDR7, GuestRSP, GuestRIP,
	GuestRFLAGS, GuestPendingDbgExceptions, GuestIA32SysenterESP,
	GuestIA32SysenterEIP, HostCR0, HostCR3, HostCR4, HostFSBase, HostGSBase,
	HostTRBase, HostGDTRBase, HostIDTRBase, HostIA32SysenterESP,
	HostIA32SysenterEIP, HostRSP, HostRIP,
}

// Width is the architectural width of a field.
type Width uint8

const (
	Width16 Width = iota
	Width64
	Width32
	WidthNatural
)

func (w Width) String() string {
	switch w {
	case Width16:
		return "16-bit"
	case Width64:
		return "64-bit"
	case Width32:
		return "32-bit"
	default:
		return "natural-width"
	}
}

// Bits returns the number of significant bits a field of this width holds
// on a 64-bit host.
func (w Width) Bits() uint {
	switch w {
	case Width16:
		return 16
	case Width32:
		return 32
	default:
		return 64
	}
}

// FieldType is the area of the control block a field belongs to.
type FieldType uint8

const (
	TypeControl FieldType = iota
	TypeReadOnlyData
	TypeGuestState
	TypeHostState
)

func (t FieldType) String() string {
	switch t {
	case TypeControl:
		return "control"
	case TypeReadOnlyData:
		return "read-only data"
	case TypeGuestState:
		return "guest-state"
	default:
		return "host-state"
	}
}

// Width decodes the width bits of the encoding.
func (f Field) Width() Width {
	return Width((f >> 13) & 3)
}

// Type decodes the type bits of the encoding.
func (f Field) Type() FieldType {
	return FieldType((f >> 10) & 3)
}

// High reports whether the encoding addresses the upper 32 bits of a 64-bit
// field.
func (f Field) High() bool {
	return f.Width() == Width64 && f&1 == 1
}

// Full returns the full-access encoding of a 64-bit field.
func (f Field) Full() Field {
	if f.Width() == Width64 {
		return f &^ 1
	}
	return f
}

// ReadOnly reports whether software writes to the field are rejected.
func (f Field) ReadOnly() bool {
	return f.Type() == TypeReadOnlyData
}

// Mask truncates v to the width of the field.
func (f Field) Mask(v uint64) uint64 {
	if f.High() {
		return v & 0xffff_ffff
	}
	if bits := f.Width().Bits(); bits < 64 {
		return v & (1<<bits - 1)
	}
	return v
}

// Known reports whether f is part of the catalogue.
func (f Field) Known() bool {
	_, ok := fieldNames[f]
	return ok
}

func (f Field) String() string {
	if name, ok := fieldNames[f]; ok {
		return name
	}
	return fmt.Sprintf("Field(%#06x)", uint32(f))
}
