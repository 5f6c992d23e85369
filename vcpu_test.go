package vmx

import (
	"runtime"
	"sync/atomic"
	"testing"
	"weak"

	"github.com/blacktop/go-vmx/hw"
	"github.com/blacktop/go-vmx/hw/emu"
)

// sliceTranslator maps guest addresses 1:1 onto a byte slice.
type sliceTranslator []byte

func (s sliceTranslator) GPAToHost(_ *ActiveBlock, a GPA) ([]byte, bool) {
	if uint64(a) >= uint64(len(s)) {
		return nil, false
	}
	return s[a:], true
}

func (s sliceTranslator) GVAToHost(b *ActiveBlock, a GVA) ([]byte, bool) {
	return s.GPAToHost(b, GPA(a))
}

// testPolicy runs code at guest address 0 and exits on HLT with RAX.
type testPolicy struct {
	mem  []byte
	eptp uint64
}

func newTestPolicy(m *emu.Machine, code []byte) *testPolicy {
	p := &testPolicy{mem: make([]byte, 0x4000), eptp: 0x5e}
	copy(p.mem, code)
	m.AttachMemory(p.eptp, p.mem)
	return p
}

func (p *testPolicy) NewVCpuPolicy(int) (VCpuPolicy, error) { return p, nil }
func (p *testPolicy) Translator() Translator                { return sliceTranslator(p.mem) }
func (p *testPolicy) SetupBSP(*VCpuView) error              { return nil }
func (p *testPolicy) SetupAP(*VCpuView) error               { return nil }

func (p *testPolicy) RequestedControls() Controls {
	return Controls{Proc: hw.ProcHLTExiting}
}

func (p *testPolicy) InitGuestState(a *ActiveBlock, _ *hw.Registers) error {
	for f, v := range map[hw.Field]uint64{
		hw.EPTPointer:       p.eptp,
		hw.GuestLinkPointer: ^uint64(0),
		hw.GuestRFLAGS:      hw.RFLAGSReserved1,
		hw.GuestRSP:         uint64(len(p.mem)),
		hw.GuestRIP:         0,
	} {
		if err := a.Write(f, v); err != nil {
			return err
		}
	}
	return nil
}

func (p *testPolicy) HandleExit(reason ExitReason, _ Translator, v *VCpuView) (ExitResult, error) {
	if reason.Kind == ExitNormal && reason.Basic == ReasonHLT {
		return Exited(int32(v.Regs.RAX)), nil
	}
	return Continue, ErrUnhandledExit
}

func TestPendingBitmap(t *testing.T) {
	var c VCpu
	if _, ok := c.nextPending(); ok {
		t.Fatal("empty bitmap has a pending vector")
	}
	for _, v := range []uint8{200, 64, 255, 33, 64} {
		c.InjectInterrupt(v)
	}
	var got []uint8
	for {
		v, ok := c.nextPending()
		if !ok {
			break
		}
		got = append(got, v)
		c.pending[v/64].And(^(uint64(1) << (v % 64)))
	}
	want := []uint8{33, 64, 200, 255}
	if len(got) != len(want) {
		t.Fatalf("drained %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("drained %v, want %v", got, want)
		}
	}
}

func TestInjectPending(t *testing.T) {
	ResetMetrics()
	m := newTestMachine(t, emu.Config{})
	p := pin(t, m)
	b := newTestBlock(t, m)
	a, err := b.Activate(p)
	if err != nil {
		t.Fatal(err)
	}
	defer b.Clear(p)
	c := &VCpu{log: quietLogger().WithField("vcpu", 0)}

	if err := a.Write(hw.GuestRFLAGS, hw.RFLAGSReserved1); err != nil {
		t.Fatal(err)
	}
	if err := c.injectPending(a); err != nil {
		t.Fatal(err)
	}
	if ctl, _ := a.Read(hw.ProcBasedControls); ctl != 0 {
		t.Fatalf("controls = %#x with nothing pending", ctl)
	}

	c.InjectInterrupt(0x41)
	c.InjectInterrupt(0x40)

	// Interrupts disabled: arm the window once and keep the vectors.
	for i := 0; i < 2; i++ {
		if err := c.injectPending(a); err != nil {
			t.Fatal(err)
		}
	}
	ctl, _ := a.Read(hw.ProcBasedControls)
	if hw.ProcCtl(ctl)&hw.ProcInterruptWindowExiting == 0 {
		t.Error("interrupt-window exiting not armed")
	}
	if info, _ := a.Read(hw.VMEntryInterruptionInfo); info != 0 {
		t.Errorf("entry interruption info = %#x with interrupts disabled", info)
	}
	if got := GetMetrics().WindowArms; got != 1 {
		t.Errorf("WindowArms = %d, want 1", got)
	}

	// Interrupts enabled: the lowest vector goes first.
	if err := a.Write(hw.GuestRFLAGS, hw.RFLAGSReserved1|hw.RFLAGSInterrupt); err != nil {
		t.Fatal(err)
	}
	if err := c.injectPending(a); err != nil {
		t.Fatal(err)
	}
	if info, _ := a.Read(hw.VMEntryInterruptionInfo); info != uint64(hw.IntrInfoValid)|0x40 {
		t.Errorf("entry interruption info = %#x, want %#x", info, uint64(hw.IntrInfoValid)|0x40)
	}
	if c.Pending(0x40) || !c.Pending(0x41) {
		t.Errorf("pending after injection: 0x40=%v 0x41=%v", c.Pending(0x40), c.Pending(0x41))
	}

	// No entry consumed 0x40 yet: it must not be replaced by 0x41.
	if err := c.injectPending(a); err != nil {
		t.Fatal(err)
	}
	if info, _ := a.Read(hw.VMEntryInterruptionInfo); info != uint64(hw.IntrInfoValid)|0x40 {
		t.Errorf("entry interruption info = %#x after a second pass, want %#x", info, uint64(hw.IntrInfoValid)|0x40)
	}
	if !c.Pending(0x41) {
		t.Error("0x41 taken while 0x40 was still undelivered")
	}
	if got := GetMetrics().Injections; got != 1 {
		t.Errorf("Injections = %d, want 1", got)
	}
}

func TestInjectionSurvivesKick(t *testing.T) {
	ResetMetrics()
	var injected []uint64
	m := newTestMachine(t, emu.Config{Trace: func(ev emu.Event) {
		if ev.Kind == emu.EventInject {
			injected = append(injected, ev.Value)
		}
	}})
	host, err := NewHost(m, WithLogger(quietLogger()))
	if err != nil {
		t.Fatal(err)
	}
	// mov eax, 9; hlt
	b, err := NewBuilder(host, newTestPolicy(m, []byte{0xb8, 9, 0, 0, 0, 0xf4}), 1)
	if err != nil {
		t.Fatal(err)
	}
	h, err := b.Build()
	if err != nil {
		t.Fatal(err)
	}
	defer h.Close()

	c := h.vcpus[0]
	if err := c.withActive(func(a *ActiveBlock) error {
		return a.Write(hw.GuestRFLAGS, hw.RFLAGSReserved1|hw.RFLAGSInterrupt)
	}); err != nil {
		t.Fatal(err)
	}
	c.InjectInterrupt(0x41)
	c.InjectInterrupt(0x40)

	p, release := m.Pin()
	defer release()

	// Kicked after 0x40 was written but before the entry.
	var kicked atomic.Bool
	kicked.Store(true)
	res, err := c.entry(p, &kicked)
	if err != nil || !res.kicked {
		t.Fatalf("entry() = %+v, %v; want kicked", res, err)
	}
	if len(injected) != 0 {
		t.Fatalf("delivered %#x before any entry", injected)
	}

	kicked.Store(false)
	res, err = c.entry(p, &kicked)
	if err != nil || res.code != 9 {
		t.Fatalf("entry() = %+v, %v; want code 9", res, err)
	}
	if len(injected) != 1 || injected[0] != 0x40 {
		t.Errorf("delivered %#x, want [0x40]", injected)
	}
	if !c.Pending(0x41) {
		t.Error("0x41 no longer pending")
	}
}

func TestVCpuViewOutlivesVM(t *testing.T) {
	m := newTestMachine(t, emu.Config{})
	host, err := NewHost(m, WithLogger(quietLogger()))
	if err != nil {
		t.Fatal(err)
	}
	vm := newVM(host, 1)
	c := &VCpu{id: 0, log: quietLogger().WithField("vcpu", 0)}
	c.vm = weak.Make(vm)
	v := c.view(nil)
	if v.VM() == nil {
		t.Fatal("VM() = nil while the VM is alive")
	}

	runtime.KeepAlive(vm)
	vm = nil
	for i := 0; i < 10 && v.VM() != nil; i++ {
		runtime.GC()
	}
	if v.VM() != nil {
		t.Error("VM() still returns the collected VM")
	}
}
