package vmx_test

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	vmx "github.com/blacktop/go-vmx"
	"github.com/blacktop/go-vmx/guest"
	"github.com/blacktop/go-vmx/hw"
	"github.com/blacktop/go-vmx/hw/emu"
	"github.com/google/go-cmp/cmp"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

func movEAX(v uint32) []byte { return binary.LittleEndian.AppendUint32([]byte{0xb8}, v) }
func movEDX(v uint32) []byte { return binary.LittleEndian.AppendUint32([]byte{0xba}, v) }

var (
	hlt     = []byte{0xf4}
	sti     = []byte{0xfb}
	cpuid   = []byte{0x0f, 0xa2}
	outDXAL = []byte{0xee}
	jmpSelf = []byte{0xeb, 0xfe}
)

func program(parts ...[]byte) []byte { return bytes.Join(parts, nil) }

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	if os.Getenv("HV_DEBUG") != "" {
		l.SetOutput(os.Stderr)
		l.SetLevel(logrus.TraceLevel)
	}
	return l
}

// isCI returns true if running in GitHub Actions
func isCI() bool {
	return os.Getenv("CI") == "true" || os.Getenv("GITHUB_ACTIONS") == "true"
}

// patience bounds every wait on the emulated machine. CI runners get more.
func patience() time.Duration {
	if isCI() {
		return 30 * time.Second
	}
	return 10 * time.Second
}

// syncBuffer is a console the test can read while vcpus write to it.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// eventLog records every machine event except field writes.
type eventLog struct {
	mu     sync.Mutex
	events []emu.Event
}

func (l *eventLog) record(ev emu.Event) {
	if ev.Kind == emu.EventWrite {
		return
	}
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
}

func (l *eventLog) snapshot() []emu.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]emu.Event(nil), l.events...)
}

// deafPlatform drops IPIs while deaf is set.
type deafPlatform struct {
	*emu.Machine
	deaf atomic.Bool
}

func (d *deafPlatform) SendIPI(cpu int, vector uint8) error {
	if d.deaf.Load() {
		return nil
	}
	return d.Machine.SendIPI(cpu, vector)
}

type testVM struct {
	machine *emu.Machine
	flat    *guest.Flat
	vm      *vmx.Handle
	console *syncBuffer
	events  *eventLog
}

type vmOptions struct {
	nvcpus   int
	hostOpts []vmx.HostOption
	platform func(*emu.Machine) hw.Platform
	guest    func(*guest.Config)
	policy   func(*guest.Flat) vmx.VMPolicy
}

// newTestVM builds a VM whose bootstrap processor runs code at guest
// address 0. The VM is closed when the test ends.
func newTestVM(t *testing.T, code []byte, o vmOptions) *testVM {
	t.Helper()
	if o.nvcpus == 0 {
		o.nvcpus = 1
	}
	log := testLogger()
	tv := &testVM{console: &syncBuffer{}, events: &eventLog{}}
	tv.machine = emu.New(emu.Config{
		Processors: o.nvcpus + 1,
		Trace:      tv.events.record,
		Logger:     log,
	})
	var platform hw.Platform = tv.machine
	if o.platform != nil {
		platform = o.platform(tv.machine)
	}
	host, err := vmx.NewHost(platform, append([]vmx.HostOption{vmx.WithLogger(log)}, o.hostOpts...)...)
	if err != nil {
		t.Fatalf("NewHost() error = %v", err)
	}

	mem, err := guest.NewMemory(64 << 10)
	if err != nil {
		t.Fatalf("NewMemory() error = %v", err)
	}
	t.Cleanup(func() { mem.Close() })
	if err := mem.Load(0, code); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	cfg := guest.Config{Memory: mem, Attacher: tv.machine, Console: tv.console, Logger: log}
	if o.guest != nil {
		o.guest(&cfg)
	}
	if tv.flat, err = guest.NewFlat(cfg); err != nil {
		t.Fatalf("NewFlat() error = %v", err)
	}
	var policy vmx.VMPolicy = tv.flat
	if o.policy != nil {
		policy = o.policy(tv.flat)
	}

	b, err := vmx.NewBuilder(host, policy, o.nvcpus)
	if err != nil {
		t.Fatalf("NewBuilder() error = %v", err)
	}
	if tv.vm, err = b.Build(); err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	t.Cleanup(func() {
		if err := tv.vm.Close(); err != nil {
			t.Errorf("Close() error = %v", err)
		}
	})
	return tv
}

func (tv *testVM) join(t *testing.T) int32 {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), patience())
	defer cancel()
	code, err := tv.vm.JoinContext(ctx)
	if err != nil {
		t.Fatalf("JoinContext() error = %v", err)
	}
	return code
}

// waitFor polls cond until it holds or patience runs out.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(patience())
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func (tv *testVM) status(t *testing.T, id int) vmx.Status {
	t.Helper()
	st, err := tv.vm.Status(id)
	if err != nil {
		t.Fatalf("Status(%d) error = %v", id, err)
	}
	return st
}

func (tv *testVM) guestRIP(t *testing.T, id int) uint64 {
	t.Helper()
	var rip uint64
	err := tv.vm.Inspect(id, func(a *vmx.ActiveBlock, _ *hw.Registers) error {
		var err error
		rip, err = a.Read(hw.GuestRIP)
		return err
	})
	if err != nil {
		t.Fatalf("Inspect(%d) error = %v", id, err)
	}
	return rip
}

// spinner writes 'r' to the serial port and spins at spinRIP.
var spinner = program(movEDX(uint32(guest.COM1)), []byte{0xb0, 'r'}, outDXAL, jmpSelf)

const spinRIP = 8

func TestHaltTerminatesVM(t *testing.T) {
	tv := newTestVM(t, program(movEAX(42), hlt), vmOptions{})
	if err := tv.vm.StartBSP(); err != nil {
		t.Fatalf("StartBSP() error = %v", err)
	}
	if code := tv.join(t); code != 42 {
		t.Errorf("Join() = %d, want 42", code)
	}
	if code, ok := tv.vm.Exited(); !ok || code != 42 {
		t.Errorf("Exited() = %d, %v", code, ok)
	}
	st := tv.status(t, 0)
	if !st.Exited || st.Err != nil {
		t.Errorf("Status(0) = %+v, want a cleanly exited thread", st)
	}
}

func TestPendingInterruptsInjectLowestFirst(t *testing.T) {
	tv := newTestVM(t, program(cpuid, cpuid, movEAX(0), hlt), vmOptions{
		guest: func(c *guest.Config) { c.InterruptsEnabled = true },
	})
	c, ok := tv.vm.VCpu(0)
	if !ok {
		t.Fatal("VCpu(0) not found")
	}
	c.InjectInterrupt(0x40)
	c.InjectInterrupt(0x30)

	if err := tv.vm.StartBSP(); err != nil {
		t.Fatal(err)
	}
	if code := tv.join(t); code != 0 {
		t.Fatalf("Join() = %d", code)
	}

	var injected []uint64
	for _, ev := range tv.events.snapshot() {
		if ev.Kind == emu.EventInject {
			injected = append(injected, ev.Value)
		}
	}
	if diff := cmp.Diff([]uint64{0x30, 0x40}, injected); diff != "" {
		t.Errorf("injection order mismatch (-want +got):\n%s", diff)
	}
}

func TestInterruptWindow(t *testing.T) {
	// Interrupts start disabled; the guest enables them after one exit.
	tv := newTestVM(t, program(cpuid, sti, cpuid, movEAX(0), hlt), vmOptions{})
	c, _ := tv.vm.VCpu(0)
	c.InjectInterrupt(0x30)

	if err := tv.vm.StartBSP(); err != nil {
		t.Fatal(err)
	}
	if code := tv.join(t); code != 0 {
		t.Fatalf("Join() = %d", code)
	}

	var seq []string
	for _, ev := range tv.events.snapshot() {
		switch ev.Kind {
		case emu.EventExit:
			seq = append(seq, vmx.DecodeExitReason(uint32(ev.Value)).Basic.String())
		case emu.EventInject:
			seq = append(seq, "inject")
		}
	}
	want := []string{"cpuid", "interrupt-window", "inject", "cpuid", "hlt"}
	if diff := cmp.Diff(want, seq); diff != "" {
		t.Errorf("event sequence mismatch (-want +got):\n%s", diff)
	}
}

func TestKickAndResume(t *testing.T) {
	tv := newTestVM(t, spinner, vmOptions{})
	if err := tv.vm.StartBSP(); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "console output", func() bool { return tv.console.String() == "r" })

	for round := 0; round < 2; round++ {
		if err := tv.vm.Kick(0); err != nil {
			t.Fatalf("round %d: Kick() error = %v", round, err)
		}
		if st := tv.status(t, 0); st.State != vmx.Kicked || st.Exited {
			t.Fatalf("round %d: Status(0) = %+v, want kicked", round, st)
		}
		if rip := tv.guestRIP(t, 0); rip != spinRIP {
			t.Errorf("round %d: guest RIP = %#x, want %#x", round, rip, spinRIP)
		}
		if err := tv.vm.Resume(0); err != nil {
			t.Fatalf("round %d: Resume() error = %v", round, err)
		}
		if st := tv.status(t, 0); st.State != vmx.Running {
			t.Fatalf("round %d: Status(0).State = %v after Resume", round, st.State)
		}
	}
	if _, ok := tv.vm.Exited(); ok {
		t.Error("kicking terminated the VM")
	}
	if got := tv.console.String(); got != "r" {
		t.Errorf("console = %q, want the guest to continue where it was", got)
	}
}

func TestLifecycleErrors(t *testing.T) {
	tv := newTestVM(t, spinner, vmOptions{nvcpus: 2})
	if err := tv.vm.StartBSP(); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		op   func() error
		want error
	}{
		{"start twice", func() error { return tv.vm.Start(0) }, vmx.ErrAlreadyStarted},
		{"resume running", func() error { return tv.vm.Resume(0) }, vmx.ErrNotKicked},
		{"resume halted", func() error { return tv.vm.Resume(1) }, vmx.ErrAlreadyHalted},
		{"kick halted", func() error { return tv.vm.Kick(1) }, nil},
		{"kick missing vcpu", func() error { return tv.vm.Kick(2) }, vmx.ErrVCpuNotExist},
		{"start missing vcpu", func() error { return tv.vm.Start(-1) }, vmx.ErrVCpuNotExist},
		{"inspect running", func() error {
			return tv.vm.Inspect(0, func(*vmx.ActiveBlock, *hw.Registers) error { return nil })
		}, vmx.ErrVCpuRunning},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.op()
			if tt.want == nil {
				if err != nil {
					t.Errorf("error = %v, want nil", err)
				}
				return
			}
			if !errors.Is(err, tt.want) {
				t.Errorf("error = %v, want %v", err, tt.want)
			}
			var verr *vmx.VCpuError
			if !errors.As(err, &verr) {
				t.Errorf("error %v is not a VCpuError", err)
			}
		})
	}

	if st := tv.status(t, 1); st.State != vmx.Halted {
		t.Errorf("Status(1).State = %v, want halted", st.State)
	}
	if _, ok := tv.vm.VCpu(2); ok {
		t.Error("VCpu(2) found")
	}
}

func TestKickTimeout(t *testing.T) {
	kickTimeout := 250 * time.Millisecond
	if isCI() {
		kickTimeout = time.Second
	}
	var deaf *deafPlatform
	tv := newTestVM(t, spinner, vmOptions{
		hostOpts: []vmx.HostOption{vmx.WithKickTimeout(kickTimeout)},
		platform: func(m *emu.Machine) hw.Platform {
			deaf = &deafPlatform{Machine: m}
			return deaf
		},
	})
	if err := tv.vm.StartBSP(); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "console output", func() bool { return tv.console.String() == "r" })

	deaf.deaf.Store(true)
	err := tv.vm.Kick(0)
	deaf.deaf.Store(false)
	if !errors.Is(err, vmx.ErrKickTimeout) {
		t.Fatalf("Kick() error = %v, want ErrKickTimeout", err)
	}
	if st := tv.status(t, 0); st.State != vmx.Running {
		t.Errorf("Status(0).State = %v, want running", st.State)
	}
}

// clobberedFlags boots the bootstrap processor with RFLAGS bit 1 clear,
// which fails the first VM entry.
type clobberedFlags struct {
	*guest.Flat
}

func (c clobberedFlags) SetupBSP(v *vmx.VCpuView) error {
	if err := c.Flat.SetupBSP(v); err != nil {
		return err
	}
	return v.Block.Write(hw.GuestRFLAGS, 0)
}

func TestEntryFailureRelaunch(t *testing.T) {
	var failures atomic.Int32
	repair := vmx.HandlerFunc(func(r vmx.ExitReason, _ vmx.Translator, v *vmx.VCpuView) (vmx.ExitResult, error) {
		if !r.IsEntryFailure() || r.Basic != vmx.ReasonEntryGuestState {
			return vmx.Continue, vmx.ErrUnhandledExit
		}
		failures.Add(1)
		return vmx.Continue, v.Block.Write(hw.GuestRFLAGS, hw.RFLAGSReserved1)
	})
	tv := newTestVM(t, program(movEAX(5), hlt), vmOptions{
		guest:  func(c *guest.Config) { c.Handlers = []vmx.ExitHandler{repair} },
		policy: func(f *guest.Flat) vmx.VMPolicy { return clobberedFlags{f} },
	})
	if err := tv.vm.StartBSP(); err != nil {
		t.Fatal(err)
	}
	if code := tv.join(t); code != 5 {
		t.Errorf("Join() = %d, want 5", code)
	}
	if n := failures.Load(); n != 1 {
		t.Errorf("entry failures handled = %d, want 1", n)
	}
}

func TestHostInterruptRelay(t *testing.T) {
	relayed := make(chan uint8, 8)
	tv := newTestVM(t, spinner, vmOptions{
		hostOpts: []vmx.HostOption{vmx.WithInterruptRelay(func(v uint8) { relayed <- v })},
	})
	if err := tv.vm.StartBSP(); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "console output", func() bool { return tv.console.String() == "r" })

	var core int
	waitFor(t, "vcpu core", func() bool {
		core = tv.status(t, 0).Core
		return core >= 0
	})
	if err := tv.machine.SendIPI(core, 0x50); err != nil {
		t.Fatal(err)
	}
	select {
	case v := <-relayed:
		if v != 0x50 {
			t.Errorf("relayed vector %#x, want 0x50", v)
		}
	case <-time.After(patience()):
		t.Fatal("host interrupt not relayed")
	}

	if err := tv.vm.Kick(0); err != nil {
		t.Fatal(err)
	}
	select {
	case v := <-relayed:
		t.Errorf("kick vector %#x relayed to the host", v)
	default:
	}
}

func TestConcurrentKicks(t *testing.T) {
	tv := newTestVM(t, spinner, vmOptions{nvcpus: 2})
	if err := tv.vm.StartBSP(); err != nil {
		t.Fatal(err)
	}
	if err := tv.vm.StartVCpu(1, spinRIP); err != nil {
		t.Fatal(err)
	}

	for round := 0; round < 3; round++ {
		var g errgroup.Group
		for i := 0; i < 4; i++ {
			id := i % 2
			g.Go(func() error { return tv.vm.Kick(id) })
		}
		if err := g.Wait(); err != nil {
			t.Fatalf("round %d: Kick() error = %v", round, err)
		}
		for id := 0; id < 2; id++ {
			if st := tv.status(t, id); st.State != vmx.Kicked {
				t.Fatalf("round %d: Status(%d).State = %v", round, id, st.State)
			}
		}

		g = errgroup.Group{}
		for id := 0; id < 2; id++ {
			g.Go(func() error { return tv.vm.Resume(id) })
		}
		if err := g.Wait(); err != nil {
			t.Fatalf("round %d: Resume() error = %v", round, err)
		}
	}
}

func TestCloseAndJoin(t *testing.T) {
	tv := newTestVM(t, spinner, vmOptions{nvcpus: 2})
	if err := tv.vm.StartBSP(); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := tv.vm.JoinContext(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("JoinContext() error = %v, want DeadlineExceeded", err)
	}

	if err := tv.vm.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	st := tv.status(t, 0)
	if !st.Exited || !errors.Is(st.Err, vmx.ErrVMClosed) {
		t.Errorf("Status(0) = %+v, want a thread closed with ErrVMClosed", st)
	}
	if err := tv.vm.Start(1); !errors.Is(err, vmx.ErrVMClosed) {
		t.Errorf("Start(1) after Close() error = %v, want ErrVMClosed", err)
	}
	if _, ok := tv.vm.Exited(); ok {
		t.Error("Close() set an exit code")
	}
}

func TestSecondaryControlsImplyActivation(t *testing.T) {
	// The flat guest asks for EPT; WBINVD exiting is extra. Neither request
	// sets activate-secondary-controls in the primary group.
	req := guest.RequestedControls(vmx.Controls{Proc2: hw.Proc2WBINVDExiting})
	if req.Proc&hw.ProcActivateSecondary != 0 {
		t.Fatal("request already activates secondary controls")
	}

	tv := newTestVM(t, program(movEAX(4), hlt), vmOptions{
		guest: func(c *guest.Config) { c.Controls = vmx.Controls{Proc2: hw.Proc2WBINVDExiting} },
	})
	var proc, proc2 uint64
	err := tv.vm.Inspect(0, func(a *vmx.ActiveBlock, _ *hw.Registers) error {
		var err error
		if proc, err = a.Read(hw.ProcBasedControls); err != nil {
			return err
		}
		proc2, err = a.Read(hw.SecondaryControls)
		return err
	})
	if err != nil {
		t.Fatalf("Inspect(0) error = %v", err)
	}
	if hw.ProcCtl(proc)&hw.ProcActivateSecondary == 0 {
		t.Errorf("proc = %v, want activate-secondary-controls set", hw.ProcCtl(proc))
	}
	want := hw.Proc2EnableEPT | hw.Proc2WBINVDExiting
	if hw.Proc2Ctl(proc2)&want != want {
		t.Errorf("proc2 = %v, want %v", hw.Proc2Ctl(proc2), want)
	}

	if err := tv.vm.StartBSP(); err != nil {
		t.Fatal(err)
	}
	if code := tv.join(t); code != 4 {
		t.Errorf("Join() = %d, want 4", code)
	}
}

func TestStartRacesClose(t *testing.T) {
	for i := 0; i < 20; i++ {
		tv := newTestVM(t, spinner, vmOptions{})

		var startErr error
		var g errgroup.Group
		g.Go(func() error {
			startErr = tv.vm.StartBSP()
			return nil
		})
		g.Go(tv.vm.Close)
		if err := g.Wait(); err != nil {
			t.Fatalf("round %d: Close() error = %v", i, err)
		}

		switch {
		case startErr == nil:
			// Close ran after the start and must have stopped the thread.
			if err := tv.vm.Close(); err != nil {
				t.Fatalf("round %d: Close() error = %v", i, err)
			}
			if st := tv.status(t, 0); !st.Exited {
				t.Errorf("round %d: vcpu thread outlived Close(): %+v", i, st)
			}
		case !errors.Is(startErr, vmx.ErrVMClosed):
			t.Errorf("round %d: StartBSP() error = %v, want nil or ErrVMClosed", i, startErr)
		}
	}
}

func TestNewHostErrors(t *testing.T) {
	if _, err := vmx.NewHost(nil); err == nil {
		t.Error("NewHost(nil) succeeded")
	}
	m := emu.New(emu.Config{Processors: 1, Logger: testLogger()})
	if _, err := vmx.NewHost(m, vmx.WithKickVector(14)); err == nil {
		t.Error("NewHost() accepted an exception vector for kicks")
	}
	h, err := vmx.NewHost(m, vmx.WithLogger(testLogger()))
	if err != nil {
		t.Fatal(err)
	}
	if h.KickVector() != vmx.DefaultKickVector {
		t.Errorf("KickVector() = %d", h.KickVector())
	}
	if _, err := vmx.NewBuilder(h, nil, 1); err == nil {
		t.Error("NewBuilder() accepted a nil policy")
	}
}
