package vmx

import (
	"errors"
	"fmt"
)

// ExitResult is what an ExitHandler decided about an exit.
type ExitResult struct {
	exited bool
	code   int32
}

// Continue resumes the guest.
var Continue = ExitResult{}

// Exited terminates the VM with code.
func Exited(code int32) ExitResult { return ExitResult{exited: true, code: code} }

// IsExited reports whether r terminates the VM and with which code.
func (r ExitResult) IsExited() (int32, bool) { return r.code, r.exited }

func (r ExitResult) String() string {
	if r.exited {
		return fmt.Sprintf("exited(%d)", r.code)
	}
	return "continue"
}

// ExitHandler services the exits the entry loop does not absorb itself.
// Returning ErrUnhandledExit (possibly wrapped) lets a Chain try the next
// handler; any other error terminates the vcpu.
type ExitHandler interface {
	HandleExit(reason ExitReason, tr Translator, v *VCpuView) (ExitResult, error)
}

// HandlerFunc adapts a function to ExitHandler.
type HandlerFunc func(reason ExitReason, tr Translator, v *VCpuView) (ExitResult, error)

// HandleExit calls f.
func (f HandlerFunc) HandleExit(reason ExitReason, tr Translator, v *VCpuView) (ExitResult, error) {
	return f(reason, tr, v)
}

type chain []ExitHandler

// Chain returns a handler that offers each exit to handlers in order until
// one of them does not return ErrUnhandledExit.
func Chain(handlers ...ExitHandler) ExitHandler {
	return chain(handlers)
}

func (c chain) HandleExit(reason ExitReason, tr Translator, v *VCpuView) (ExitResult, error) {
	for _, h := range c {
		res, err := h.HandleExit(reason, tr, v)
		if errors.Is(err, ErrUnhandledExit) {
			continue
		}
		return res, err
	}
	return Continue, fmt.Errorf("%v: %w", reason, ErrUnhandledExit)
}
