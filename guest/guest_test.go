package guest_test

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"os"
	"testing"
	"time"

	vmx "github.com/blacktop/go-vmx"
	"github.com/blacktop/go-vmx/guest"
	"github.com/blacktop/go-vmx/hw"
	"github.com/blacktop/go-vmx/hw/emu"
	"github.com/sirupsen/logrus"
)

// Guest instruction encodings used by the tests.
func movEAX(v uint32) []byte { return binary.LittleEndian.AppendUint32([]byte{0xb8}, v) }
func movEBX(v uint32) []byte { return binary.LittleEndian.AppendUint32([]byte{0xbb}, v) }
func movECX(v uint32) []byte { return binary.LittleEndian.AppendUint32([]byte{0xb9}, v) }
func movEDX(v uint32) []byte { return binary.LittleEndian.AppendUint32([]byte{0xba}, v) }
func movAL(v byte) []byte    { return []byte{0xb0, v} }

var (
	hlt     = []byte{0xf4}
	vmcall  = []byte{0x0f, 0x01, 0xc1}
	cpuid   = []byte{0x0f, 0xa2}
	wrmsr   = []byte{0x0f, 0x30}
	rdmsr   = []byte{0x0f, 0x32}
	invd    = []byte{0x0f, 0x08}
	outDXAL = []byte{0xee}
	inALDX  = []byte{0xec}
	jmpSelf = []byte{0xeb, 0xfe}
)

func program(parts ...[]byte) []byte {
	return bytes.Join(parts, nil)
}

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	if os.Getenv("HV_DEBUG") != "" {
		l.SetOutput(os.Stderr)
		l.SetLevel(logrus.TraceLevel)
	}
	return l
}

const ramSize = 64 << 10

type rig struct {
	machine *emu.Machine
	mem     *guest.Memory
	flat    *guest.Flat
	vm      *vmx.Handle
	console *bytes.Buffer
}

// boot builds a VM running code at guest address 0. The VM is not started.
func boot(t *testing.T, code []byte, nvcpus int, extra func(*guest.Config)) *rig {
	t.Helper()
	log := testLogger()
	r := &rig{
		machine: emu.New(emu.Config{Processors: nvcpus + 1, Logger: log}),
		console: &bytes.Buffer{},
	}
	host, err := vmx.NewHost(r.machine, vmx.WithLogger(log))
	if err != nil {
		t.Fatalf("NewHost() error = %v", err)
	}

	r.mem, err = guest.NewMemory(ramSize)
	if err != nil {
		t.Fatalf("NewMemory() error = %v", err)
	}
	t.Cleanup(func() { r.mem.Close() })
	if err := r.mem.Load(0, code); err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	cfg := guest.Config{
		Memory:   r.mem,
		Attacher: r.machine,
		Console:  r.console,
		Logger:   log,
	}
	if extra != nil {
		extra(&cfg)
	}
	r.flat, err = guest.NewFlat(cfg)
	if err != nil {
		t.Fatalf("NewFlat() error = %v", err)
	}

	b, err := vmx.NewBuilder(host, r.flat, nvcpus)
	if err != nil {
		t.Fatalf("NewBuilder() error = %v", err)
	}
	r.vm, err = b.Build()
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	t.Cleanup(func() {
		if err := r.vm.Close(); err != nil {
			t.Errorf("Close() error = %v", err)
		}
	})
	return r
}

// run starts the bootstrap processor and waits for the VM to exit.
func (r *rig) run(t *testing.T) int32 {
	t.Helper()
	if err := r.vm.StartBSP(); err != nil {
		t.Fatalf("StartBSP() error = %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	code, err := r.vm.JoinContext(ctx)
	if err != nil {
		t.Fatalf("JoinContext() error = %v", err)
	}
	return code
}

// waitTerminated waits until the thread of vcpu id has terminated.
func (r *rig) waitTerminated(t *testing.T, id int) vmx.Status {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		st, err := r.vm.Status(id)
		if err != nil {
			t.Fatalf("Status(%d) error = %v", id, err)
		}
		if st.Exited {
			return st
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("vcpu %d did not terminate", id)
	return vmx.Status{}
}

func (r *rig) regs(t *testing.T, id int) hw.Registers {
	t.Helper()
	var regs hw.Registers
	err := r.vm.Inspect(id, func(_ *vmx.ActiveBlock, rs *hw.Registers) error {
		regs = *rs
		return nil
	})
	if err != nil {
		t.Fatalf("Inspect(%d) error = %v", id, err)
	}
	return regs
}

func TestHaltExitCode(t *testing.T) {
	r := boot(t, program(movEAX(42), hlt), 1, nil)

	if got := r.run(t); got != 42 {
		t.Errorf("Join() = %d, want 42", got)
	}
	st := r.waitTerminated(t, 0)
	if st.Err != nil {
		t.Errorf("Status().Err = %v, want nil", st.Err)
	}
}

func TestSerialConsole(t *testing.T) {
	code := program(
		movEDX(uint32(guest.COM1)),
		movAL('h'), outDXAL,
		movAL('i'), outDXAL,
		movEAX(0), hlt,
	)
	r := boot(t, code, 1, nil)

	if got := r.run(t); got != 0 {
		t.Errorf("Join() = %d, want 0", got)
	}
	if got := r.console.String(); got != "hi" {
		t.Errorf("console = %q, want %q", got, "hi")
	}
}

func TestPortIn(t *testing.T) {
	tests := []struct {
		name string
		port uint32
		want int32
	}{
		{"unclaimed port reads all ones", 0x60, 0xff},
		{"line status ready", uint32(guest.COM1) + 5, 0x60},
		{"data register empty", uint32(guest.COM1), 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := boot(t, program(movEAX(0x1200), movEDX(tt.port), inALDX, hlt), 1, nil)
			got := r.run(t)
			// AL is merged into RAX, the upper bits survive.
			if want := 0x1200 | tt.want; got != want {
				t.Errorf("Join() = %#x, want %#x", got, want)
			}
		})
	}
}

func TestHypercalls(t *testing.T) {
	t.Run("putc and exit", func(t *testing.T) {
		code := program(
			movEAX(uint32(guest.HypercallPutc)), movEBX('!'), vmcall,
			movEAX(uint32(guest.HypercallExit)), movEBX(7), vmcall,
		)
		r := boot(t, code, 1, nil)
		if got := r.run(t); got != 7 {
			t.Errorf("Join() = %d, want 7", got)
		}
		if got := r.console.String(); got != "!" {
			t.Errorf("console = %q, want %q", got, "!")
		}
	})

	t.Run("unknown hypercall fails", func(t *testing.T) {
		r := boot(t, program(movEAX(99), vmcall, hlt), 1, nil)
		if got := r.run(t); got != -1 {
			t.Errorf("Join() = %d, want -1", got)
		}
	})

	t.Run("ipi to missing vcpu fails", func(t *testing.T) {
		code := program(movEAX(uint32(guest.HypercallIPI)), movEBX(0x40), movECX(5), vmcall, hlt)
		r := boot(t, code, 1, nil)
		if got := r.run(t); got != -1 {
			t.Errorf("Join() = %d, want -1", got)
		}
	})

	t.Run("start application processor", func(t *testing.T) {
		const apEntry = 0x100
		code := make([]byte, apEntry)
		copy(code, program(
			movEAX(uint32(guest.HypercallStartVCpu)), movEBX(1), movECX(apEntry), vmcall,
			jmpSelf,
		))
		code = append(code, program(movEAX(uint32(guest.HypercallExit)), movEBX(9), vmcall)...)

		r := boot(t, code, 2, nil)
		if got := r.run(t); got != 9 {
			t.Errorf("Join() = %d, want 9", got)
		}
		st := r.waitTerminated(t, 1)
		if st.Err != nil {
			t.Errorf("vcpu 1 error = %v", st.Err)
		}
		// The bootstrap processor is still spinning and is stopped by Close.
		st, err := r.vm.Status(0)
		if err != nil {
			t.Fatal(err)
		}
		if st.State != vmx.Running {
			t.Errorf("vcpu 0 state = %v, want running", st.State)
		}
	})
}

func TestCPUID(t *testing.T) {
	r := boot(t, program(movEAX(0x4000_0000), cpuid, hlt), 1, nil)

	if got := r.run(t); got != 0x4000_0000 {
		t.Errorf("Join() = %#x, want max leaf 0x40000000", got)
	}
	r.waitTerminated(t, 0)
	regs := r.regs(t, 0)

	var sig [12]byte
	binary.LittleEndian.PutUint32(sig[0:], uint32(regs.RBX))
	binary.LittleEndian.PutUint32(sig[4:], uint32(regs.RCX))
	binary.LittleEndian.PutUint32(sig[8:], uint32(regs.RDX))
	if got := string(sig[:]); got != guest.Signature {
		t.Errorf("signature = %q, want %q", got, guest.Signature)
	}
}

func TestMSR(t *testing.T) {
	t.Run("write then read", func(t *testing.T) {
		code := program(
			movECX(0x10), movEAX(5), movEDX(1), wrmsr,
			movEAX(0), movEDX(0), rdmsr,
			hlt,
		)
		r := boot(t, code, 1, nil)
		if got := r.run(t); got != 5 {
			t.Errorf("Join() = %d, want 5", got)
		}
		r.waitTerminated(t, 0)
		if regs := r.regs(t, 0); regs.RDX != 1 {
			t.Errorf("RDX = %d, want 1", regs.RDX)
		}
	})

	t.Run("efer write refused", func(t *testing.T) {
		r := boot(t, program(movECX(0xc000_0080), movEAX(0), movEDX(0), wrmsr, hlt), 1, nil)
		if err := r.vm.StartBSP(); err != nil {
			t.Fatal(err)
		}
		st := r.waitTerminated(t, 0)
		var cerr *vmx.ControllerError
		if !errors.As(st.Err, &cerr) {
			t.Fatalf("Status().Err = %v, want ControllerError", st.Err)
		}
		if cerr.Reason.Basic != vmx.ReasonWRMSR {
			t.Errorf("ControllerError.Reason = %v, want wrmsr", cerr.Reason)
		}
		if _, ok := r.vm.Exited(); ok {
			t.Error("VM exited after a vcpu failure")
		}
	})
}

func TestUnhandledExit(t *testing.T) {
	r := boot(t, program(invd, hlt), 1, nil)
	if err := r.vm.StartBSP(); err != nil {
		t.Fatal(err)
	}
	st := r.waitTerminated(t, 0)
	if !errors.Is(st.Err, vmx.ErrUnhandledExit) {
		t.Errorf("Status().Err = %v, want ErrUnhandledExit", st.Err)
	}
}

func TestExtraHandlersRunFirst(t *testing.T) {
	var seen []vmx.BasicReason
	spy := vmx.HandlerFunc(func(reason vmx.ExitReason, _ vmx.Translator, _ *vmx.VCpuView) (vmx.ExitResult, error) {
		seen = append(seen, reason.Basic)
		if reason.Basic == vmx.ReasonINVD {
			return vmx.Exited(3), nil
		}
		return vmx.Continue, vmx.ErrUnhandledExit
	})
	r := boot(t, program(movEAX(1), cpuid, invd), 1, func(c *guest.Config) {
		c.Handlers = []vmx.ExitHandler{spy}
	})

	if got := r.run(t); got != 3 {
		t.Errorf("Join() = %d, want 3", got)
	}
	want := []vmx.BasicReason{vmx.ReasonCPUID, vmx.ReasonINVD}
	if len(seen) != len(want) || seen[0] != want[0] || seen[1] != want[1] {
		t.Errorf("handler saw %v, want %v", seen, want)
	}
}
