/*
Copyright © 2025 blacktop

Permission is hereby granted, free of charge, to any person obtaining a copy
of this software and associated documentation files (the "Software"), to deal
in the Software without restriction, including without limitation the rights
to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
copies of the Software, and to permit persons to whom the Software is
furnished to do so, subject to the following conditions:

The above copyright notice and this permission notice shall be included in
all copies or substantial portions of the Software.

THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
THE SOFTWARE.
*/
package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	vmx "github.com/blacktop/go-vmx"
	"github.com/blacktop/go-vmx/cmd/hv/cmd/utils"
	"github.com/blacktop/go-vmx/guest"
	"github.com/blacktop/go-vmx/hw"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// CPUState represents the guest register state
type CPUState struct {
	hw.Registers

	RSP    uint64 `json:"rsp"`
	RIP    uint64 `json:"rip"`
	RFLAGS uint64 `json:"rflags"`
}

// ExecuteResult represents the execution result
type ExecuteResult struct {
	State    CPUState          `json:"state"`
	ExitCode int32             `json:"exit_code"`
	Exit     string            `json:"exit,omitempty"` // last exit reason of vcpu 0
	Kicks    []CPUState        `json:"kicks,omitempty"`
	Console  string            `json:"console,omitempty"`
	Memory   map[string][]byte `json:"memory,omitempty"` // hex address -> data
	Metrics  *vmx.Metrics      `json:"metrics,omitempty"`
	Error    string            `json:"error,omitempty"`
}

var (
	stateFile  string
	memSize    uint64
	entryAddr  uint64
	numVCpus   int
	interrupts bool
	timeout    time.Duration
	kickAfter  time.Duration
	dumpStack  bool
)

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringVarP(&stateFile, "state", "s", "", "JSON file with initial CPU state")
	runCmd.Flags().Uint64Var(&memSize, "mem-size", 64<<10, "Guest RAM size (bytes)")
	runCmd.Flags().Uint64VarP(&entryAddr, "entry", "e", 0, "Guest address to load the image at and start from")
	runCmd.Flags().IntVar(&numVCpus, "vcpus", 1, "Number of vcpus (vcpu 0 runs the image)")
	runCmd.Flags().BoolVar(&interrupts, "interrupts", false, "Start the guest with interrupts enabled")
	runCmd.Flags().DurationVarP(&timeout, "timeout", "t", 10*time.Second, "How long to wait for the guest to exit")
	runCmd.Flags().DurationVar(&kickAfter, "kick-after", 0, "Kick vcpu 0 after this long, snapshot it and resume it")
	runCmd.Flags().BoolVar(&dumpStack, "dump", false, "Print the guest stack to stderr")
}

var runCmd = &cobra.Command{
	Use:     "run [image]",
	Aliases: []string{"execute"},
	Short:   "Run raw x86-64 code on the emulated platform and return CPU state as JSON",
	Long: `Run raw 64-bit x86 machine code in a flat guest and return the resulting
CPU state as JSON.

Code can be provided as:
  - A binary file argument
  - Stdin (if no file argument provided)

The guest exits with HLT (exit code in EAX) or the exit hypercall. Bytes
written to the COM1 data port show up in "console".`,
	Args: cobra.MaximumNArgs(1),
	RunE: runExecute,
}

func runExecute(cmd *cobra.Command, args []string) error {
	// Read initial state if provided
	var initialState CPUState
	if stateFile != "" {
		stateData, err := os.ReadFile(stateFile)
		if err != nil {
			return fmt.Errorf("failed to read state file: %w", err)
		}
		if err := json.Unmarshal(stateData, &initialState); err != nil {
			return fmt.Errorf("failed to parse state JSON: %w", err)
		}
	}

	var (
		codeData []byte
		err      error
	)
	if len(args) > 0 {
		codeData, err = os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("failed to read code file: %w", err)
		}
	} else {
		codeData, err = io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("failed to read from stdin: %w", err)
		}
	}
	if len(codeData) == 0 {
		return fmt.Errorf("no code provided")
	}

	result, err := executeCode(cmd.Context(), codeData, &initialState)
	if err != nil {
		result = &ExecuteResult{Error: err.Error()}
	}

	output, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}
	fmt.Println(string(output))
	return nil
}

// statePolicy is a flat guest whose bootstrap processor starts from a
// caller-supplied register state.
type statePolicy struct {
	*guest.Flat
	state *CPUState
}

func (p *statePolicy) SetupBSP(v *vmx.VCpuView) error {
	if err := p.Flat.SetupBSP(v); err != nil {
		return err
	}
	*v.Regs = p.state.Registers
	for f, val := range map[hw.Field]uint64{
		hw.GuestRSP:    p.state.RSP,
		hw.GuestRIP:    p.state.RIP,
		hw.GuestRFLAGS: p.state.RFLAGS,
	} {
		if val == 0 { // Only set non-zero values
			continue
		}
		if err := v.Block.Write(f, val); err != nil {
			return fmt.Errorf("failed to set %v: %w", f, err)
		}
	}
	return nil
}

func executeCode(ctx context.Context, code []byte, initialState *CPUState) (*ExecuteResult, error) {
	if numVCpus <= 0 {
		return nil, fmt.Errorf("invalid vcpu count %d", numVCpus)
	}
	if ctx == nil {
		ctx = context.Background()
	}
	m, host, err := newHost(numVCpus)
	if err != nil {
		return nil, err
	}

	mem, err := guest.NewMemory(memSize)
	if err != nil {
		return nil, fmt.Errorf("failed to allocate memory: %w", err)
	}
	defer mem.Close()
	if err := mem.Load(entryAddr, code); err != nil {
		return nil, fmt.Errorf("failed to load code: %w", err)
	}

	var console bytes.Buffer
	flat, err := guest.NewFlat(guest.Config{
		Memory:            mem,
		Attacher:          m,
		Entry:             entryAddr,
		InterruptsEnabled: interrupts,
		Console:           &console,
		Logger:            log,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to set up guest: %w", err)
	}
	defer m.DetachMemory(flat.EPTP())

	vmx.ResetMetrics()
	b, err := vmx.NewBuilder(host, &statePolicy{Flat: flat, state: initialState}, numVCpus)
	if err != nil {
		return nil, err
	}
	vm, err := b.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to create VM: %w", err)
	}
	defer vm.Close()

	start, _, err := inspect(vm, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to get initial state: %w", err)
	}
	if err := vm.StartBSP(); err != nil {
		return nil, fmt.Errorf("failed to start vcpu 0: %w", err)
	}

	result := &ExecuteResult{}
	joinCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	g, gctx := errgroup.WithContext(joinCtx)
	exited := make(chan struct{})
	g.Go(func() error {
		defer close(exited)
		exitCode, err := vm.JoinContext(gctx)
		if err != nil {
			return fmt.Errorf("guest did not exit: %w", err)
		}
		result.ExitCode = exitCode
		return nil
	})
	g.Go(func() error {
		// A failed vcpu 0 never exits the VM; stop waiting for it.
		t := time.NewTicker(10 * time.Millisecond)
		defer t.Stop()
		for {
			select {
			case <-exited:
				return nil
			case <-gctx.Done():
				return nil
			case <-t.C:
			}
			if st, err := vm.Status(0); err == nil && st.Exited && st.Err != nil {
				return fmt.Errorf("vcpu 0 failed: %w", st.Err)
			}
		}
	})
	if kickAfter > 0 {
		g.Go(func() error {
			select {
			case <-time.After(kickAfter):
			case <-exited:
				return nil
			}
			snap, err := kickAndResume(vm, 0)
			if err != nil {
				return err
			}
			if snap != nil {
				result.Kicks = append(result.Kicks, *snap)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	// The VM may have been terminated by another vcpu.
	if st, err := vm.Status(0); err == nil && st.State == vmx.Running && !st.Exited {
		if err := vm.Kick(0); err != nil {
			return nil, fmt.Errorf("failed to stop vcpu 0: %w", err)
		}
	}
	final, reason, err := inspect(vm, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to get final state: %w", err)
	}
	if err := vm.Close(); err != nil {
		return nil, fmt.Errorf("failed to close VM: %w", err)
	}
	if st, _ := vm.Status(0); st.Err != nil && !errors.Is(st.Err, vmx.ErrVMClosed) {
		result.Error = st.Err.Error()
	}

	if dumpStack {
		printStackContents(mem.Bytes(), start.RSP, final.RSP)
	}

	// Copy the executed memory to avoid marshaling mmap'd memory
	memCopy := make([]byte, len(code))
	copy(memCopy, mem.Bytes()[entryAddr:])

	metrics := vmx.GetMetrics()
	result.State = final
	result.Exit = reason.String()
	result.Console = console.String()
	result.Memory = map[string][]byte{fmt.Sprintf("0x%x", entryAddr): memCopy}
	result.Metrics = &metrics
	return result, nil
}

// kickAndResume forces vcpu id out of the guest, snapshots it and lets it
// continue. It returns nil if the vcpu was no longer running.
func kickAndResume(vm *vmx.Handle, id int) (*CPUState, error) {
	if err := vm.Kick(id); err != nil {
		return nil, fmt.Errorf("failed to kick vcpu %d: %w", id, err)
	}
	if st, err := vm.Status(id); err != nil || st.State != vmx.Kicked {
		return nil, err
	}
	snap, _, err := inspect(vm, id)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect vcpu %d: %w", id, err)
	}
	log.WithField("rip", fmt.Sprintf("%#x", snap.RIP)).Infof("vcpu %d kicked", id)
	if err := vm.Resume(id); err != nil {
		return nil, fmt.Errorf("failed to resume vcpu %d: %w", id, err)
	}
	return &snap, nil
}

// inspect reads the register state and the last exit reason of vcpu id.
func inspect(vm *vmx.Handle, id int) (CPUState, vmx.ExitReason, error) {
	var (
		state  CPUState
		reason vmx.ExitReason
	)
	err := vm.Inspect(id, func(a *vmx.ActiveBlock, regs *hw.Registers) error {
		state.Registers = *regs
		for f, p := range map[hw.Field]*uint64{
			hw.GuestRSP:    &state.RSP,
			hw.GuestRIP:    &state.RIP,
			hw.GuestRFLAGS: &state.RFLAGS,
		} {
			v, err := a.Read(f)
			if err != nil {
				return fmt.Errorf("failed to get %v: %w", f, err)
			}
			*p = v
		}
		var err error
		reason, err = a.ExitReason()
		return err
	})
	return state, reason, err
}

// printStackContents displays the stack contents in a readable format
func printStackContents(memData []byte, initialSP, finalSP uint64) {
	fmt.Fprintf(os.Stderr, "\n=== Stack Analysis ===\n")

	// The stack grows down: show from below the lowest SP up to the
	// initial SP, clipped to guest RAM.
	low := min(initialSP, finalSP)
	displayStart := (low - min(low, 64)) &^ 15
	displayEnd := min(initialSP+16, uint64(len(memData)))
	if displayStart >= displayEnd {
		fmt.Fprintln(os.Stderr, "Stack pointer outside guest memory")
		return
	}

	fmt.Fprintf(os.Stderr, "Stack region: 0x%x - 0x%x (Initial SP: 0x%x, Final SP: 0x%x)\n",
		displayStart, displayEnd, initialSP, finalSP)
	fmt.Fprintf(os.Stderr, "Stack change: %d bytes\n\n", int64(finalSP)-int64(initialSP))
	fmt.Fprintf(os.Stderr, "Annotations: ISP=Initial SP, FSP=Final SP, STK=Stack Area\n")

	for offset := displayStart; offset < displayEnd; offset += 16 {
		switch {
		case offset <= initialSP && initialSP < offset+16:
			fmt.Fprint(os.Stderr, "ISP> ")
		case offset <= finalSP && finalSP < offset+16:
			fmt.Fprint(os.Stderr, "FSP> ")
		case offset >= finalSP && offset < initialSP:
			fmt.Fprint(os.Stderr, "STK> ")
		default:
			fmt.Fprint(os.Stderr, "     ")
		}
		end := min(offset+16, displayEnd)
		fmt.Fprint(os.Stderr, utils.HexDump(memData[offset:end], offset))
	}
}
