// Package emu is a software implementation of the VMX hardware operations in
// package hw.
//
// A Machine models a set of logical processors in VMX root operation. Each
// processor caches the control block made current by PtrLoad and flushes it
// back into the block's page on Clear, so a block migrates between
// processors exactly as it would on hardware: clear on the old core, load on
// the new one. Enter validates the control and host-state areas against the
// reported capability MSRs, injects the pending event, and runs the guest on
// a small x86-64 interpreter until something the controls ask to trap on.
//
// Guest physical memory is attached per EPT pointer value; the guest-state
// EPTPointer field of a block selects which memory the guest runs on, whether
// or not EPT is enabled. Guest virtual addresses map 1:1 to guest physical
// addresses.
package emu

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/blacktop/go-vmx/hw"
	"github.com/sirupsen/logrus"
)

// EventKind classifies a trace event.
type EventKind int

const (
	EventWrite EventKind = iota
	EventEntry
	EventInject
	EventExit
	EventIPI
)

func (k EventKind) String() string {
	switch k {
	case EventWrite:
		return "write"
	case EventEntry:
		return "entry"
	case EventInject:
		return "inject"
	case EventExit:
		return "exit"
	case EventIPI:
		return "ipi"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Event is delivered to Config.Trace as the machine executes.
type Event struct {
	Kind  EventKind
	CPU   int
	Field hw.Field
	Value uint64
	// Block is the page address of the current block.
	Block uintptr
}

// Config describes a Machine.
type Config struct {
	// Processors is the number of logical processors. Defaults to
	// runtime.NumCPU().
	Processors int
	// Caps are the capability MSR values. Zero means DefaultCapabilities.
	Caps Capabilities
	// Unsupported lists fields VMREAD/VMWRITE reject as unsupported.
	Unsupported []hw.Field
	// YieldEvery is the number of guest instructions executed between
	// scheduler yields. Defaults to 64.
	YieldEvery int
	// Trace, if set, is called synchronously for every event.
	Trace func(Event)
	// Logger defaults to logrus.StandardLogger().
	Logger logrus.FieldLogger
}

// Machine is an emulated multi-processor VMX platform. It implements
// hw.Platform.
type Machine struct {
	caps        Capabilities
	unsupported map[hw.Field]bool
	yieldEvery  int
	trace       func(Event)
	log         logrus.FieldLogger

	procs []*processor

	mu     sync.Mutex
	idle   *sync.Cond
	cached map[uintptr]*vmcs

	memMu  sync.RWMutex
	memory map[uint64][]byte

	ipis atomic.Uint64
}

var _ hw.Platform = (*Machine)(nil)

// New creates a Machine.
func New(cfg Config) *Machine {
	if cfg.Processors <= 0 {
		cfg.Processors = runtime.NumCPU()
	}
	if cfg.Caps == (Capabilities{}) {
		cfg.Caps = DefaultCapabilities()
	}
	if cfg.YieldEvery <= 0 {
		cfg.YieldEvery = 64
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	m := &Machine{
		caps:        cfg.Caps,
		unsupported: make(map[hw.Field]bool, len(cfg.Unsupported)),
		yieldEvery:  cfg.YieldEvery,
		trace:       cfg.Trace,
		log:         cfg.Logger.WithField("platform", "emu"),
		cached:      make(map[uintptr]*vmcs),
		memory:      make(map[uint64][]byte),
	}
	for _, f := range cfg.Unsupported {
		m.unsupported[f.Full()] = true
	}
	m.idle = sync.NewCond(&m.mu)
	for i := 0; i < cfg.Processors; i++ {
		m.procs = append(m.procs, newProcessor(m, i))
	}
	return m
}

// Caps returns the capability MSR values of the machine.
func (m *Machine) Caps() Capabilities { return m.caps }

// NumProcessors implements hw.Platform.
func (m *Machine) NumProcessors() int { return len(m.procs) }

// Pin implements hw.Platform. It locks the calling goroutine to its OS thread
// and blocks until a processor is free.
func (m *Machine) Pin() (hw.Processor, func()) {
	runtime.LockOSThread()
	tid := threadID()

	m.mu.Lock()
	var p *processor
	for p == nil {
		for _, c := range m.procs {
			if !c.pinned {
				p = c
				break
			}
		}
		if p == nil {
			m.idle.Wait()
		}
	}
	p.pinned, p.tid = true, tid
	m.mu.Unlock()

	return p, func() {
		p.drainIRQs()
		m.mu.Lock()
		p.pinned, p.tid = false, 0
		m.idle.Signal()
		m.mu.Unlock()
		runtime.UnlockOSThread()
	}
}

// SendIPI implements hw.Platform. Interrupts sent to a processor nobody has
// pinned are handled by the host and dropped.
func (m *Machine) SendIPI(cpu int, vector uint8) error {
	if cpu < 0 || cpu >= len(m.procs) {
		return fmt.Errorf("emu: no processor %d", cpu)
	}
	p := m.procs[cpu]
	m.mu.Lock()
	pinned := p.pinned
	m.mu.Unlock()
	m.ipis.Add(1)
	m.emit(Event{Kind: EventIPI, CPU: cpu, Value: uint64(vector)})
	if !pinned {
		m.log.WithFields(logrus.Fields{"cpu": cpu, "vector": vector}).Debug("ipi to idle processor dropped")
		return nil
	}
	p.raise(vector)
	return nil
}

// IPIs returns the number of IPIs sent so far.
func (m *Machine) IPIs() uint64 { return m.ipis.Load() }

// AttachMemory makes mem the guest physical memory of every block whose
// EPTPointer field equals eptp.
func (m *Machine) AttachMemory(eptp uint64, mem []byte) {
	m.memMu.Lock()
	m.memory[eptp] = mem
	m.memMu.Unlock()
}

// DetachMemory removes the memory attached for eptp.
func (m *Machine) DetachMemory(eptp uint64) {
	m.memMu.Lock()
	delete(m.memory, eptp)
	m.memMu.Unlock()
}

func (m *Machine) guestMemory(eptp uint64) ([]byte, bool) {
	m.memMu.RLock()
	defer m.memMu.RUnlock()
	mem, ok := m.memory[eptp]
	return mem, ok
}

func (m *Machine) emit(ev Event) {
	if m.trace != nil {
		m.trace(ev)
	}
}
