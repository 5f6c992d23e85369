package hw

import "fmt"

// Reg names a general-purpose register held in a Registers snapshot. The
// stack pointer, instruction pointer and flags are guest-state fields of the
// control block, not part of the snapshot.
type Reg int

const (
	RAX Reg = iota
	RBX
	RCX
	RDX
	RBP
	RSI
	RDI
	R8
	R9
	R10
	R11
	R12
	R13
	R14
	R15
)

var regNames = [...]string{
	RAX: "rax", RBX: "rbx", RCX: "rcx", RDX: "rdx", RBP: "rbp", RSI: "rsi",
	RDI: "rdi", R8: "r8", R9: "r9", R10: "r10", R11: "r11", R12: "r12",
	R13: "r13", R14: "r14", R15: "r15",
}

func (r Reg) String() string {
	if r < RAX || r > R15 {
		return fmt.Sprintf("Reg(%d)", int(r))
	}
	return regNames[r]
}

// Registers is the general-purpose register snapshot exchanged with the
// processor on every entry and exit. It is only meaningful while the vcpu is
// outside guest execution.
type Registers struct {
	RAX uint64 `json:"rax"`
	RBX uint64 `json:"rbx"`
	RCX uint64 `json:"rcx"`
	RDX uint64 `json:"rdx"`
	RBP uint64 `json:"rbp"`
	RSI uint64 `json:"rsi"`
	RDI uint64 `json:"rdi"`
	R8  uint64 `json:"r8"`
	R9  uint64 `json:"r9"`
	R10 uint64 `json:"r10"`
	R11 uint64 `json:"r11"`
	R12 uint64 `json:"r12"`
	R13 uint64 `json:"r13"`
	R14 uint64 `json:"r14"`
	R15 uint64 `json:"r15"`
}

func (r *Registers) ptr(reg Reg) (*uint64, error) {
	switch reg {
	case RAX:
		return &r.RAX, nil
	case RBX:
		return &r.RBX, nil
	case RCX:
		return &r.RCX, nil
	case RDX:
		return &r.RDX, nil
	case RBP:
		return &r.RBP, nil
	case RSI:
		return &r.RSI, nil
	case RDI:
		return &r.RDI, nil
	case R8:
		return &r.R8, nil
	case R9:
		return &r.R9, nil
	case R10:
		return &r.R10, nil
	case R11:
		return &r.R11, nil
	case R12:
		return &r.R12, nil
	case R13:
		return &r.R13, nil
	case R14:
		return &r.R14, nil
	case R15:
		return &r.R15, nil
	}
	return nil, fmt.Errorf("hw: invalid register %d (must be %d-%d)", reg, RAX, R15)
}

// Get returns the value of reg.
func (r *Registers) Get(reg Reg) (uint64, error) {
	p, err := r.ptr(reg)
	if err != nil {
		return 0, err
	}
	return *p, nil
}

// Set stores v into reg.
func (r *Registers) Set(reg Reg, v uint64) error {
	p, err := r.ptr(reg)
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// RegBatch is a set of register values keyed by register.
type RegBatch map[Reg]uint64

// Batch returns the values of regs.
func (r *Registers) Batch(regs ...Reg) (RegBatch, error) {
	batch := make(RegBatch, len(regs))
	for _, reg := range regs {
		v, err := r.Get(reg)
		if err != nil {
			return nil, err
		}
		batch[reg] = v
	}
	return batch, nil
}

// Apply stores every value in batch.
func (r *Registers) Apply(batch RegBatch) error {
	for reg, v := range batch {
		if err := r.Set(reg, v); err != nil {
			return err
		}
	}
	return nil
}
