package vmx

import (
	"sync/atomic"
	"time"
)

// Performance metrics for monitoring the execution core
var (
	// Lifecycle counters
	vmCreateCount    uint64
	vcpuCreateCount  uint64
	vcpuStartCount   uint64
	kickCount        uint64
	resumeCount      uint64
	kickTimeoutCount uint64

	// Entry loop counters
	entryCount          uint64
	exitCount           uint64
	forwardedExitCount  uint64
	injectionCount      uint64
	windowArmCount      uint64
	relayedInterruptCnt uint64

	// Timing metrics (nanoseconds)
	totalVMCreateTime uint64
	totalGuestTime    uint64

	// Error counters
	entryFailures   uint64
	handlerFailures uint64
)

// Metrics provides access to performance metrics
type Metrics struct {
	VMCreated         uint64 `json:"vm_created"`
	VCPUCreated       uint64 `json:"vcpu_created"`
	VCPUStarted       uint64 `json:"vcpu_started"`
	Kicks             uint64 `json:"kicks"`
	KickTimeouts      uint64 `json:"kick_timeouts"`
	Resumes           uint64 `json:"resumes"`
	Entries           uint64 `json:"entries"`
	Exits             uint64 `json:"exits"`
	ForwardedExits    uint64 `json:"forwarded_exits"`
	Injections        uint64 `json:"injections"`
	WindowArms        uint64 `json:"interrupt_window_arms"`
	RelayedInterrupts uint64 `json:"relayed_interrupts"`
	AvgVMCreateTimeNs uint64 `json:"avg_vm_create_time_ns"`
	AvgGuestTimeNs    uint64 `json:"avg_guest_time_ns"`
	EntryFailures     uint64 `json:"entry_failures"`
	HandlerFailures   uint64 `json:"handler_failures"`
}

// GetMetrics returns current performance metrics
func GetMetrics() Metrics {
	vmCreated := atomic.LoadUint64(&vmCreateCount)
	entries := atomic.LoadUint64(&entryCount)

	var avgVMCreate, avgGuest uint64
	if vmCreated > 0 {
		avgVMCreate = atomic.LoadUint64(&totalVMCreateTime) / vmCreated
	}
	if entries > 0 {
		avgGuest = atomic.LoadUint64(&totalGuestTime) / entries
	}

	return Metrics{
		VMCreated:         vmCreated,
		VCPUCreated:       atomic.LoadUint64(&vcpuCreateCount),
		VCPUStarted:       atomic.LoadUint64(&vcpuStartCount),
		Kicks:             atomic.LoadUint64(&kickCount),
		KickTimeouts:      atomic.LoadUint64(&kickTimeoutCount),
		Resumes:           atomic.LoadUint64(&resumeCount),
		Entries:           entries,
		Exits:             atomic.LoadUint64(&exitCount),
		ForwardedExits:    atomic.LoadUint64(&forwardedExitCount),
		Injections:        atomic.LoadUint64(&injectionCount),
		WindowArms:        atomic.LoadUint64(&windowArmCount),
		RelayedInterrupts: atomic.LoadUint64(&relayedInterruptCnt),
		AvgVMCreateTimeNs: avgVMCreate,
		AvgGuestTimeNs:    avgGuest,
		EntryFailures:     atomic.LoadUint64(&entryFailures),
		HandlerFailures:   atomic.LoadUint64(&handlerFailures),
	}
}

// ResetMetrics clears all performance metrics
func ResetMetrics() {
	for _, p := range []*uint64{
		&vmCreateCount, &vcpuCreateCount, &vcpuStartCount,
		&kickCount, &kickTimeoutCount, &resumeCount,
		&entryCount, &exitCount, &forwardedExitCount,
		&injectionCount, &windowArmCount, &relayedInterruptCnt,
		&totalVMCreateTime, &totalGuestTime,
		&entryFailures, &handlerFailures,
	} {
		atomic.StoreUint64(p, 0)
	}
}

// Internal metric recording functions
func recordVMCreate(duration time.Duration) {
	atomic.AddUint64(&vmCreateCount, 1)
	atomic.AddUint64(&totalVMCreateTime, uint64(duration.Nanoseconds()))
}

func recordVCPUCreate() {
	atomic.AddUint64(&vcpuCreateCount, 1)
}

func recordVCPUStart() {
	atomic.AddUint64(&vcpuStartCount, 1)
}

func recordKick() {
	atomic.AddUint64(&kickCount, 1)
}

func recordKickTimeout() {
	atomic.AddUint64(&kickTimeoutCount, 1)
}

func recordResume() {
	atomic.AddUint64(&resumeCount, 1)
}

func recordEntry(duration time.Duration) {
	atomic.AddUint64(&entryCount, 1)
	atomic.AddUint64(&totalGuestTime, uint64(duration.Nanoseconds()))
}

func recordExit() {
	atomic.AddUint64(&exitCount, 1)
}

func recordForwardedExit() {
	atomic.AddUint64(&forwardedExitCount, 1)
}

func recordInjection() {
	atomic.AddUint64(&injectionCount, 1)
}

func recordWindowArm() {
	atomic.AddUint64(&windowArmCount, 1)
}

func recordRelayedInterrupt() {
	atomic.AddUint64(&relayedInterruptCnt, 1)
}

func recordEntryFailure() {
	atomic.AddUint64(&entryFailures, 1)
}

func recordHandlerFailure() {
	atomic.AddUint64(&handlerFailures, 1)
}
