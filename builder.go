package vmx

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// BuildOption configures a Builder.
type BuildOption func(*Builder)

// WithExceptionBitmap sets the exception bitmap of every vcpu: guest
// exceptions whose bit is set cause an exit.
func WithExceptionBitmap(bitmap uint32) BuildOption {
	return func(b *Builder) { b.exceptionBitmap = bitmap }
}

// WithStrictControls makes negotiation fail with ErrControlUnsupported
// instead of dropping requested controls the processor does not allow.
func WithStrictControls() BuildOption {
	return func(b *Builder) { b.strict = true }
}

// Builder constructs a VM.
type Builder struct {
	host            *Host
	policy          VMPolicy
	nvcpus          int
	exceptionBitmap uint32
	strict          bool
}

// NewBuilder returns a builder for a VM of nvcpus vcpus governed by policy.
func NewBuilder(host *Host, policy VMPolicy, nvcpus int, opts ...BuildOption) (*Builder, error) {
	if host == nil {
		return nil, errors.New("vmx: nil host")
	}
	if policy == nil {
		return nil, errors.New("vmx: nil policy")
	}
	if nvcpus <= 0 {
		return nil, fmt.Errorf("vmx: invalid vcpu count %d", nvcpus)
	}
	b := &Builder{host: host, policy: policy, nvcpus: nvcpus}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// Build allocates and initializes every vcpu. Any failure frees everything
// allocated so far; there is no partially built VM.
func (b *Builder) Build() (h *Handle, err error) {
	start := time.Now()
	vm := newVM(b.host, b.nvcpus)
	tr := b.policy.Translator()

	defer func() {
		if err != nil {
			for _, c := range vm.vcpus {
				_ = c.block.Free()
			}
		}
	}()

	for id := 0; id < b.nvcpus; id++ {
		pol, err := b.policy.NewVCpuPolicy(id)
		if err != nil {
			return nil, fmt.Errorf("vmx: vcpu %d policy: %w", id, err)
		}
		c, err := newVCpu(id, b.host, pol, tr, vm)
		if err != nil {
			return nil, err
		}
		vm.vcpus = append(vm.vcpus, c)
	}

	for _, c := range vm.vcpus {
		err := c.withActive(func(a *ActiveBlock) error {
			if err := c.init(a, b.exceptionBitmap, b.strict); err != nil {
				return err
			}
			if c.id == 0 {
				return b.policy.SetupBSP(c.view(a))
			}
			return b.policy.SetupAP(c.view(a))
		})
		if err != nil {
			return nil, fmt.Errorf("vmx: vcpu %d init: %w", c.id, err)
		}
	}

	recordVMCreate(time.Since(start))
	b.host.log.WithFields(logrus.Fields{"vcpus": b.nvcpus}).Debug("vm built")

	h = &Handle{VM: vm}
	runtime.SetFinalizer(h, (*Handle).finalize)
	return h, nil
}

// Handle owns a VM. Closing it stops every vcpu and frees the control
// blocks.
type Handle struct {
	*VM

	closeMu sync.Mutex
	closed  bool
}

// StartBSP starts vcpu 0.
func (h *Handle) StartBSP() error {
	return h.Start(0)
}

// Close kicks every running vcpu, waits for the vcpu threads and frees the
// control blocks.
func (h *Handle) Close() error {
	if h == nil {
		return nil
	}
	h.closeMu.Lock()
	defer h.closeMu.Unlock()

	if h.closed {
		return nil
	}
	if err := h.shutdown(); err != nil {
		return err
	}
	var errs []error
	for _, c := range h.vcpus {
		if err := c.block.Free(); err != nil {
			errs = append(errs, fmt.Errorf("vcpu %d: %w", c.id, err))
		}
	}
	h.closed = true
	runtime.SetFinalizer(h, nil)
	return errors.Join(errs...)
}

func (h *Handle) finalize() {
	if err := h.Close(); err != nil {
		h.log.WithError(err).Warn("vm finalizer failed to close")
	}
}
