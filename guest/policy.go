// Package guest provides a flat 64-bit guest for the vmx core: identity
// mapped RAM at guest-physical address 0, a long-mode guest-state area and a
// set of exit controllers (HLT, VMCALL, CPUID, port I/O and MSR access).
package guest

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync/atomic"

	vmx "github.com/blacktop/go-vmx"
	"github.com/blacktop/go-vmx/hw"
	"github.com/sirupsen/logrus"
)

// MemoryAttacher binds guest RAM to an EPT pointer value on the platform.
type MemoryAttacher interface {
	AttachMemory(eptp uint64, mem []byte)
}

// Architectural control-register and EFER bits of the flat guest.
const (
	cr0PE = 1 << 0
	cr0MP = 1 << 1
	cr0ET = 1 << 4
	cr0NE = 1 << 5
	cr0WP = 1 << 16
	cr0PG = 1 << 31

	cr4PAE  = 1 << 5
	cr4VMXE = 1 << 13

	eferLME = 1 << 8
	eferLMA = 1 << 10

	// EPT memory type write-back, page-walk length 4.
	eptpFlags = 6 | 3<<3
)

// Segment access rights.
const (
	arCode64   = 0xa09b
	arData     = 0xc093
	arTSS      = 0x008b
	arUnusable = 1 << 16
)

// Page-table entry bits.
const (
	pteP  = 1 << 0
	pteRW = 1 << 1
	ptePS = 1 << 7
)

const (
	DefaultStackSize = 0x1000
	pageTablePages   = 2
)

var eptpSeq atomic.Uint64

// Config describes a flat guest.
type Config struct {
	Memory *Memory
	// Attacher, if set, is given the RAM under the guest's EPT pointer.
	Attacher MemoryAttacher
	// EPTP is the EPT pointer written to every vcpu. Zero picks a unique
	// value.
	EPTP uint64
	// Entry is the guest RIP of the bootstrap processor.
	Entry uint64
	// Stack is the initial RSP of vcpu 0; vcpu n gets Stack-n*StackSize.
	// Zero places the stacks below the page tables.
	Stack     uint64
	StackSize uint64
	// InterruptsEnabled starts the guest with RFLAGS.IF set.
	InterruptsEnabled bool
	// Console receives bytes written to the serial port and the putc
	// hypercall. Defaults to io.Discard.
	Console io.Writer
	// Controls are requested on top of the flat guest's own.
	Controls vmx.Controls
	// Handlers run before the built-in controllers.
	Handlers []vmx.ExitHandler
	Logger   logrus.FieldLogger
}

// Flat is a vmx.VMPolicy for a flat, identity-mapped 64-bit guest.
type Flat struct {
	cfg     Config
	eptp    uint64
	cr3     uint64
	console *Console
	log     logrus.FieldLogger
}

var _ vmx.VMPolicy = (*Flat)(nil)

// NewFlat validates cfg, installs identity page tables at the top of RAM
// and attaches the RAM to the platform.
func NewFlat(cfg Config) (*Flat, error) {
	if cfg.Memory == nil {
		return nil, errors.New("guest: memory is required")
	}
	size := cfg.Memory.Size()
	reserved := uint64(pageTablePages * pageSize())
	if size <= reserved {
		return nil, fmt.Errorf("guest: memory too small for page tables (%d bytes)", size)
	}
	if cfg.StackSize == 0 {
		cfg.StackSize = DefaultStackSize
	}
	cr3 := size - reserved
	if cfg.Stack == 0 {
		cfg.Stack = cr3
	}
	if cfg.Stack > size || cfg.Entry >= size {
		return nil, fmt.Errorf("guest: entry %#x or stack %#x outside RAM", cfg.Entry, cfg.Stack)
	}
	if cfg.Console == nil {
		cfg.Console = io.Discard
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	eptp := cfg.EPTP
	if eptp == 0 {
		eptp = (eptpSeq.Add(1) << 12) | eptpFlags
	}

	f := &Flat{
		cfg:     cfg,
		eptp:    eptp,
		cr3:     cr3,
		console: NewConsole(cfg.Console),
		log:     cfg.Logger.WithField("guest", fmt.Sprintf("%#x", eptp)),
	}
	if err := f.installPageTables(); err != nil {
		return nil, err
	}
	if cfg.Attacher != nil {
		cfg.Attacher.AttachMemory(eptp, cfg.Memory.Bytes())
	}
	return f, nil
}

// installPageTables identity maps the first 4GiB with 1GiB pages.
func (f *Flat) installPageTables() error {
	ps := uint64(pageSize())
	pml4, pdpt := f.cr3, f.cr3+ps
	tables := make([]byte, 2*ps)
	binary.LittleEndian.PutUint64(tables[0:], pdpt|pteP|pteRW)
	for i := uint64(0); i < 4; i++ {
		binary.LittleEndian.PutUint64(tables[ps+i*8:], i<<30|pteP|pteRW|ptePS)
	}
	return f.cfg.Memory.Load(pml4, tables)
}

// EPTP returns the EPT pointer the guest runs under.
func (f *Flat) EPTP() uint64 { return f.eptp }

// Console returns the guest console device.
func (f *Flat) Console() *Console { return f.console }

// Translator implements vmx.VMPolicy.
func (f *Flat) Translator() vmx.Translator { return f.cfg.Memory }

// NewVCpuPolicy implements vmx.VMPolicy.
func (f *Flat) NewVCpuPolicy(id int) (vmx.VCpuPolicy, error) {
	handlers := append([]vmx.ExitHandler{}, f.cfg.Handlers...)
	handlers = append(handlers,
		HaltController(),
		HypercallController(f.console),
		CPUIDController(),
		NewPortIO(map[uint16]PortDevice{COM1: f.console, comLineStatus: f.console}),
		NewMSRStore(),
	)
	return &vcpuPolicy{
		ExitHandler: vmx.Chain(handlers...),
		flat:        f,
		id:          id,
	}, nil
}

// SetupBSP implements vmx.VMPolicy.
func (f *Flat) SetupBSP(v *vmx.VCpuView) error {
	f.log.WithField("rip", fmt.Sprintf("%#x", f.cfg.Entry)).Debug("bootstrap processor ready")
	return v.Block.Write(hw.GuestRIP, f.cfg.Entry)
}

// SetupAP implements vmx.VMPolicy. Application processors keep the stack
// from InitGuestState and get their entry point from StartVCpu.
func (f *Flat) SetupAP(v *vmx.VCpuView) error {
	return v.Block.Write(hw.GuestActivityState, 0)
}

type fieldWrite struct {
	f hw.Field
	v uint64
}

type vcpuPolicy struct {
	vmx.ExitHandler
	flat *Flat
	id   int
}

func (p *vcpuPolicy) RequestedControls() vmx.Controls {
	return RequestedControls(p.flat.cfg.Controls)
}

// RequestedControls returns the controls a flat guest asks for, with extra
// ORed in.
func RequestedControls(extra vmx.Controls) vmx.Controls {
	return vmx.Controls{
		Pin:   extra.Pin,
		Proc:  hw.ProcHLTExiting | hw.ProcUnconditionalIOExiting | extra.Proc,
		Proc2: hw.Proc2EnableEPT | extra.Proc2,
		Exit:  hw.ExitSaveEFER | hw.ExitLoadEFER | extra.Exit,
		Entry: hw.EntryIA32eModeGuest | hw.EntryLoadEFER | extra.Entry,
	}
}

func (p *vcpuPolicy) InitGuestState(a *vmx.ActiveBlock, regs *hw.Registers) error {
	cfg := p.flat.cfg
	stack := cfg.Stack - uint64(p.id)*cfg.StackSize
	rflags := hw.RFLAGSReserved1
	if cfg.InterruptsEnabled {
		rflags |= hw.RFLAGSInterrupt
	}

	fields := []fieldWrite{
		{hw.GuestCR0, cr0PE | cr0MP | cr0ET | cr0NE | cr0WP | cr0PG},
		{hw.GuestCR3, p.flat.cr3},
		{hw.GuestCR4, cr4PAE | cr4VMXE},
		{hw.GuestIA32EFER, eferLME | eferLMA},
		{hw.GuestDR7, 0x400},
		{hw.GuestLinkPointer, ^uint64(0)},
		{hw.EPTPointer, p.flat.eptp},

		{hw.GuestCSSelector, 0x08},
		{hw.GuestCSBase, 0},
		{hw.GuestCSLimit, 0xffff_ffff},
		{hw.GuestCSAccessRights, arCode64},
		{hw.GuestTRSelector, 0x18},
		{hw.GuestTRBase, 0},
		{hw.GuestTRLimit, 0x67},
		{hw.GuestTRAccessRights, arTSS},
		{hw.GuestLDTRSelector, 0},
		{hw.GuestLDTRAccessRights, arUnusable},
		{hw.GuestGDTRBase, 0},
		{hw.GuestGDTRLimit, 0},
		{hw.GuestIDTRBase, 0},
		{hw.GuestIDTRLimit, 0},

		{hw.GuestActivityState, 0},
		{hw.GuestInterruptibilityState, 0},
		{hw.GuestRSP, stack},
		{hw.GuestRFLAGS, rflags},
		{hw.GuestRIP, 0},
	}
	for _, seg := range []struct{ sel, base, limit, ar hw.Field }{
		{hw.GuestDSSelector, hw.GuestDSBase, hw.GuestDSLimit, hw.GuestDSAccessRights},
		{hw.GuestESSelector, hw.GuestESBase, hw.GuestESLimit, hw.GuestESAccessRights},
		{hw.GuestSSSelector, hw.GuestSSBase, hw.GuestSSLimit, hw.GuestSSAccessRights},
		{hw.GuestFSSelector, hw.GuestFSBase, hw.GuestFSLimit, hw.GuestFSAccessRights},
		{hw.GuestGSSelector, hw.GuestGSBase, hw.GuestGSLimit, hw.GuestGSAccessRights},
	} {
		fields = append(fields,
			fieldWrite{seg.sel, 0x10},
			fieldWrite{seg.base, 0},
			fieldWrite{seg.limit, 0xffff_ffff},
			fieldWrite{seg.ar, arData},
		)
	}
	for _, w := range fields {
		if err := a.Write(w.f, w.v); err != nil {
			return err
		}
	}
	*regs = hw.Registers{}
	return nil
}
