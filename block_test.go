package vmx

import (
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/blacktop/go-vmx/hw"
	"github.com/blacktop/go-vmx/hw/emu"
	"github.com/sirupsen/logrus"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newTestMachine(t *testing.T, cfg emu.Config) *emu.Machine {
	t.Helper()
	if cfg.Processors == 0 {
		cfg.Processors = 2
	}
	if cfg.Logger == nil {
		cfg.Logger = quietLogger()
	}
	return emu.New(cfg)
}

// pin pins the test goroutine to a processor for the rest of the test.
func pin(t *testing.T, m *emu.Machine) hw.Processor {
	t.Helper()
	p, release := m.Pin()
	t.Cleanup(release)
	return p
}

func newTestBlock(t *testing.T, m *emu.Machine) *ControlBlock {
	t.Helper()
	b, err := NewControlBlock(hw.RevisionID(m.Caps().Basic))
	if err != nil {
		t.Fatalf("NewControlBlock() error = %v", err)
	}
	t.Cleanup(func() { b.Free() })
	return b
}

func TestControlBlockRevision(t *testing.T) {
	b, err := NewControlBlock(0x8000_0004)
	if err != nil {
		t.Fatal(err)
	}
	defer b.Free()
	if got := b.Revision(); got != 4 {
		t.Errorf("Revision() = %#x, want 4", got)
	}
	if len(b.page) != hw.PageSize {
		t.Errorf("page size = %d, want %d", len(b.page), hw.PageSize)
	}
}

func TestActiveBlockAccess(t *testing.T) {
	m := newTestMachine(t, emu.Config{Unsupported: []hw.Field{hw.VMFuncCtrls}})
	p := pin(t, m)
	b := newTestBlock(t, m)

	a, err := b.Activate(p)
	if err != nil {
		t.Fatalf("Activate() error = %v", err)
	}
	defer b.Clear(p)
	if !a.Valid() {
		t.Fatal("freshly activated block is not valid")
	}

	t.Run("write then read", func(t *testing.T) {
		if err := a.Write(hw.GuestRIP, 0x1000); err != nil {
			t.Fatal(err)
		}
		got, err := a.Read(hw.GuestRIP)
		if err != nil || got != 0x1000 {
			t.Errorf("Read(GuestRIP) = %#x, %v; want 0x1000", got, err)
		}
	})

	t.Run("read-only field", func(t *testing.T) {
		err := a.Write(hw.VMExitReason, 1)
		if !errors.Is(err, hw.ErrWriteToReadOnlyField) {
			t.Errorf("Write(VMExitReason) error = %v, want ErrWriteToReadOnlyField", err)
		}
		if !strings.Contains(err.Error(), "vmwrite") {
			t.Errorf("error %q does not name the instruction", err)
		}
	})

	t.Run("unsupported field", func(t *testing.T) {
		_, err := a.Read(hw.VMFuncCtrls)
		var ie InstructionError
		if !errors.As(err, &ie) || ie != hw.ErrUnsupportedField {
			t.Errorf("Read(VMFuncCtrls) error = %v, want ErrUnsupportedField", err)
		}
	})

	t.Run("dump skips unsupported fields", func(t *testing.T) {
		var sb strings.Builder
		if err := a.Dump(&sb); err != nil {
			t.Fatal(err)
		}
		if !strings.Contains(sb.String(), "GuestRIP") {
			t.Error("dump is missing GuestRIP")
		}
		if strings.Contains(sb.String(), "VMFuncCtrls") {
			t.Error("dump contains an unsupported field")
		}
	})

	t.Run("forward rip", func(t *testing.T) {
		if err := a.Write(hw.GuestRIP, 0x2000); err != nil {
			t.Fatal(err)
		}
		// The exit-information fields are read-only; on a fresh block the
		// instruction length is zero.
		if err := a.ForwardRIP(); err != nil {
			t.Fatal(err)
		}
		if got, _ := a.Read(hw.GuestRIP); got != 0x2000 {
			t.Errorf("GuestRIP = %#x, want 0x2000", got)
		}
	})
}

func TestActiveBlockGoesStale(t *testing.T) {
	m := newTestMachine(t, emu.Config{})
	p := pin(t, m)
	first, second := newTestBlock(t, m), newTestBlock(t, m)

	a1, err := first.Activate(p)
	if err != nil {
		t.Fatal(err)
	}
	if err := a1.Write(hw.GuestRSP, 0x7000); err != nil {
		t.Fatal(err)
	}
	a2, err := second.Activate(p)
	if err != nil {
		t.Fatal(err)
	}

	if a1.Valid() {
		t.Error("first block still valid after activating the second")
	}
	if _, err := a1.Read(hw.GuestRSP); !errors.Is(err, ErrNoBlockActive) {
		t.Errorf("stale Read() error = %v, want ErrNoBlockActive", err)
	}
	if err := a1.Write(hw.GuestRSP, 1); !errors.Is(err, ErrNoBlockActive) {
		t.Errorf("stale Write() error = %v, want ErrNoBlockActive", err)
	}
	if !a2.Valid() {
		t.Error("second block not valid")
	}

	// Reactivating the first block brings its fields back.
	a1, err = first.Activate(p)
	if err != nil {
		t.Fatal(err)
	}
	if got, err := a1.Read(hw.GuestRSP); err != nil || got != 0x7000 {
		t.Errorf("Read(GuestRSP) = %#x, %v; want 0x7000", got, err)
	}

	// Activating the same block again supersedes the previous handle.
	again, err := first.Activate(p)
	if err != nil {
		t.Fatal(err)
	}
	if a1.Valid() {
		t.Error("earlier handle still valid after activating the block again")
	}
	if _, err := a1.Read(hw.GuestRSP); !errors.Is(err, ErrNoBlockActive) {
		t.Errorf("superseded Read() error = %v, want ErrNoBlockActive", err)
	}
	if !again.Valid() {
		t.Error("newest handle not valid")
	}
	for _, b := range []*ControlBlock{first, second} {
		if err := b.Clear(p); err != nil {
			t.Fatal(err)
		}
	}
}

func TestControlBlockLifecycle(t *testing.T) {
	m := newTestMachine(t, emu.Config{})
	p := pin(t, m)

	t.Run("free while active", func(t *testing.T) {
		b := newTestBlock(t, m)
		if _, err := b.Activate(p); err != nil {
			t.Fatal(err)
		}
		if err := b.Free(); !errors.Is(err, ErrBlockInUse) {
			t.Errorf("Free() error = %v, want ErrBlockInUse", err)
		}
		if err := b.Clear(p); err != nil {
			t.Fatal(err)
		}
		if err := b.Free(); err != nil {
			t.Errorf("Free() after Clear error = %v", err)
		}
		if err := b.Free(); err != nil {
			t.Errorf("second Free() error = %v", err)
		}
		if _, err := b.Activate(p); !errors.Is(err, ErrBlockFreed) {
			t.Errorf("Activate() after Free error = %v, want ErrBlockFreed", err)
		}
	})

	t.Run("clear leaves no current block", func(t *testing.T) {
		b := newTestBlock(t, m)
		a, err := b.Activate(p)
		if err != nil {
			t.Fatal(err)
		}
		if err := b.Clear(p); err != nil {
			t.Fatal(err)
		}
		if a.Valid() {
			t.Error("block valid after Clear")
		}
		if p.PtrStore() != nil {
			t.Error("processor still has a current block")
		}
	})

	t.Run("wrong revision", func(t *testing.T) {
		good := newTestBlock(t, m)
		if _, err := good.Activate(p); err != nil {
			t.Fatal(err)
		}
		bad, err := NewControlBlock(hw.RevisionID(m.Caps().Basic) + 1)
		if err != nil {
			t.Fatal(err)
		}
		defer bad.Free()
		_, err = bad.Activate(p)
		if !errors.Is(err, hw.ErrVMPtrLdIncorrectRevision) {
			t.Errorf("Activate() error = %v, want ErrVMPtrLdIncorrectRevision", err)
		}
		if err := good.Clear(p); err != nil {
			t.Fatal(err)
		}
	})

	t.Run("no current block", func(t *testing.T) {
		bad, err := NewControlBlock(hw.RevisionID(m.Caps().Basic) + 1)
		if err != nil {
			t.Fatal(err)
		}
		defer bad.Free()
		// Without a current block the failure cannot be reported through
		// the error field.
		if _, err := bad.Activate(p); !errors.Is(err, ErrNoBlockActive) {
			t.Errorf("Activate() error = %v, want ErrNoBlockActive", err)
		}
	})
}

func TestBlockMigratesBetweenProcessors(t *testing.T) {
	m := newTestMachine(t, emu.Config{Processors: 2})
	b := newTestBlock(t, m)

	done := make(chan error)
	onProcessor := func(fn func(p hw.Processor) error) error {
		go func() {
			p, release := m.Pin()
			defer release()
			done <- fn(p)
		}()
		return <-done
	}

	err := onProcessor(func(p hw.Processor) error {
		a, err := b.Activate(p)
		if err != nil {
			return err
		}
		if err := a.Write(hw.GuestRIP, 0xabc); err != nil {
			return err
		}
		return b.Clear(p)
	})
	if err != nil {
		t.Fatal(err)
	}

	err = onProcessor(func(p hw.Processor) error {
		a, err := b.Activate(p)
		if err != nil {
			return err
		}
		defer b.Clear(p)
		got, err := a.Read(hw.GuestRIP)
		if err != nil {
			return err
		}
		if got != 0xabc {
			t.Errorf("GuestRIP after migration = %#x, want 0xabc", got)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}
