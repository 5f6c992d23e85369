package vmx

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/blacktop/go-vmx/hw"
	"github.com/sirupsen/logrus"
)

// RunningState is the lifecycle state of one vcpu slot.
type RunningState int

const (
	// Halted: no thread owns the vcpu. Only the initial state.
	Halted RunningState = iota
	// Running: a thread is looping the vcpu's entry loop.
	Running
	// Kicked: the vcpu was forced out of the guest and its thread is
	// parked until Resume.
	Kicked
)

func (s RunningState) String() string {
	switch s {
	case Halted:
		return "halted"
	case Running:
		return "running"
	case Kicked:
		return "kicked"
	default:
		return fmt.Sprintf("RunningState(%d)", int(s))
	}
}

// exitCodeSet marks the termination word as written.
const exitCodeSet = 0x8000_0000_0000_0000

// VmOps are the VM-wide operations handed to policies and devices.
type VmOps interface {
	// Kick forces vcpu id out of guest execution and waits until it has
	// left. It must not be called by vcpu id on itself.
	Kick(id int) error
	// Exit terminates the VM with code. Only the first call has an effect.
	Exit(code int32)
	// StartVCpu starts vcpu id at guest instruction pointer rip.
	StartVCpu(id int, rip uint64) error
	// Resume lets a kicked vcpu continue.
	Resume(id int) error
	// VCpu returns vcpu id.
	VCpu(id int) (VCpuOps, bool)
}

var _ VmOps = (*VM)(nil)

// thread is the host thread of a started vcpu. Its fields are guarded by
// the owning slot's mutex.
type thread struct {
	// kicked is written without the slot lock.
	kicked atomic.Bool
	// core is the processor the thread is pinned to, or -1.
	core   int
	exited bool
	err    error
}

// slot is the running-state slot of one vcpu.
type slot struct {
	mu    sync.Mutex
	cond  *sync.Cond
	state RunningState
	th    *thread
	// parks counts transitions into Kicked.
	parks uint64
}

// Status is a snapshot of a vcpu slot.
type Status struct {
	State RunningState `json:"state"`
	// Exited is set once the vcpu thread has terminated.
	Exited bool `json:"exited"`
	// Err is the error the thread terminated with, if any.
	Err error `json:"-"`
	// Core is the processor the thread is pinned to, or -1.
	Core int `json:"core"`
}

// VM owns a fixed set of vcpus, their running-state slots and the
// termination code.
type VM struct {
	host  *Host
	vcpus []*VCpu
	slots []*slot
	log   logrus.FieldLogger

	exitMu   sync.Mutex
	exitCond *sync.Cond
	exitCode atomic.Uint64

	closing atomic.Bool
	threads sync.WaitGroup
}

func newVM(host *Host, n int) *VM {
	vm := &VM{
		host:  host,
		slots: make([]*slot, n),
		log:   host.log,
	}
	vm.exitCond = sync.NewCond(&vm.exitMu)
	for i := range vm.slots {
		s := &slot{}
		s.cond = sync.NewCond(&s.mu)
		vm.slots[i] = s
	}
	return vm
}

// NumVCpus returns the number of vcpus.
func (vm *VM) NumVCpus() int { return len(vm.vcpus) }

func (vm *VM) slot(id int) (*slot, error) {
	if id < 0 || id >= len(vm.slots) {
		return nil, &VCpuError{ID: id, Err: ErrVCpuNotExist}
	}
	return vm.slots[id], nil
}

// VCpu implements VmOps.
func (vm *VM) VCpu(id int) (VCpuOps, bool) {
	if id < 0 || id >= len(vm.vcpus) {
		return nil, false
	}
	return vm.vcpus[id], true
}

// Status returns a snapshot of vcpu id's slot.
func (vm *VM) Status(id int) (Status, error) {
	s, err := vm.slot(id)
	if err != nil {
		return Status{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{State: s.state, Core: -1}
	if s.th != nil {
		st.Exited, st.Err, st.Core = s.th.exited, s.th.err, s.th.core
	}
	return st, nil
}

// Start starts vcpu id where its guest state points.
func (vm *VM) Start(id int) error {
	return vm.start(id, nil)
}

// StartVCpu implements VmOps.
func (vm *VM) StartVCpu(id int, rip uint64) error {
	return vm.start(id, func(a *ActiveBlock) error {
		return a.Write(hw.GuestRIP, rip)
	})
}

func (vm *VM) start(id int, init func(a *ActiveBlock) error) error {
	s, err := vm.slot(id)
	if err != nil {
		return err
	}
	// closing is checked under the slot lock: shutdown stores it before
	// locking each slot, so a start it misses sees it here.
	s.mu.Lock()
	defer s.mu.Unlock()
	if vm.closing.Load() {
		return ErrVMClosed
	}
	if s.state != Halted {
		return &VCpuError{ID: id, Err: ErrAlreadyStarted}
	}
	th := &thread{core: -1}
	s.state, s.th = Running, th
	recordVCPUStart()

	vm.threads.Add(1)
	go vm.run(vm.vcpus[id], s, th, init)
	return nil
}

// run is the body of a vcpu thread.
func (vm *VM) run(c *VCpu, s *slot, th *thread, init func(a *ActiveBlock) error) {
	defer vm.threads.Done()
	log := c.log.WithField("vm", fmt.Sprintf("%p", vm))
	log.Debug("vcpu thread started")

	for {
		res, err := vm.enter(c, s, th, init)
		init = nil
		if err != nil {
			log.WithError(err).Error("vcpu terminated")
			vm.terminate(s, th, fmt.Errorf("vmx: vcpu %d: %w", c.id, err))
			return
		}
		if !res.kicked {
			log.WithField("code", res.code).Debug("vcpu exited")
			// The slot is marked before the code is published so joiners
			// observe a terminated thread.
			vm.terminate(s, th, nil)
			vm.Exit(res.code)
			return
		}

		s.mu.Lock()
		if th.kicked.CompareAndSwap(true, false) {
			s.state = Kicked
			s.parks++
			s.cond.Broadcast()
			for s.state == Kicked && !vm.closing.Load() {
				s.cond.Wait()
			}
		}
		closing := vm.closing.Load()
		s.mu.Unlock()
		if closing {
			vm.terminate(s, th, ErrVMClosed)
			return
		}
	}
}

// enter pins the thread to a processor for one entry loop call and
// publishes the core for kickers.
func (vm *VM) enter(c *VCpu, s *slot, th *thread, init func(a *ActiveBlock) error) (loopResult, error) {
	p, release := vm.host.platform.Pin()
	defer func() {
		s.mu.Lock()
		th.core = -1
		s.mu.Unlock()
		release()
	}()
	s.mu.Lock()
	th.core = p.ID()
	s.mu.Unlock()

	if init != nil {
		if err := vm.initialRun(c, p, init); err != nil {
			return loopResult{}, err
		}
	}
	return c.entry(p, &th.kicked)
}

func (vm *VM) initialRun(c *VCpu, p hw.Processor, init func(a *ActiveBlock) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	a, err := c.block.Activate(p)
	if err != nil {
		return err
	}
	ierr := init(a)
	if err := c.block.Clear(p); err != nil && ierr == nil {
		ierr = err
	}
	return ierr
}

func (vm *VM) terminate(s *slot, th *thread, err error) {
	s.mu.Lock()
	th.exited, th.err = true, err
	s.cond.Broadcast()
	s.mu.Unlock()
}

// Kick implements VmOps. Kicking a vcpu that is halted, already kicked or
// whose thread has terminated is a no-op.
func (vm *VM) Kick(id int) error {
	s, err := vm.slot(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	if s.state != Running || s.th.exited {
		state := s.state
		s.mu.Unlock()
		vm.host.warn.WithFields(logrus.Fields{"vcpu": id, "state": state.String()}).Warn("kicking a vcpu that is not running")
		return nil
	}
	th, parks := s.th, s.parks
	th.kicked.Store(true)
	core := th.core
	s.mu.Unlock()

	recordKick()
	if core >= 0 {
		if err := vm.host.platform.SendIPI(core, vm.host.kickVector); err != nil {
			return fmt.Errorf("vmx: kick vcpu %d: %w", id, err)
		}
	}
	return vm.waitParked(id, s, th, parks)
}

// waitParked blocks until the thread has parked once more than parks or has
// terminated, bounded by the host kick timeout.
func (vm *VM) waitParked(id int, s *slot, th *thread, parks uint64) error {
	var deadline time.Time
	if d := vm.host.kickTimeout; d > 0 {
		deadline = time.Now().Add(d)
		t := time.AfterFunc(d, func() {
			s.mu.Lock()
			s.cond.Broadcast()
			s.mu.Unlock()
		})
		defer t.Stop()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for s.parks == parks && !th.exited {
		if !deadline.IsZero() && !time.Now().Before(deadline) {
			recordKickTimeout()
			return &VCpuError{ID: id, Err: ErrKickTimeout}
		}
		s.cond.Wait()
	}
	return nil
}

// Resume implements VmOps. It is only legal on a kicked vcpu.
func (vm *VM) Resume(id int) error {
	s, err := vm.slot(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case Halted:
		return &VCpuError{ID: id, Err: ErrAlreadyHalted}
	case Running:
		return &VCpuError{ID: id, Err: ErrNotKicked}
	}
	s.state = Running
	s.cond.Broadcast()
	recordResume()
	return nil
}

// Inspect runs fn with vcpu id's control block active on the calling
// goroutine. The vcpu must not be in guest execution: it is either halted,
// kicked or its thread has terminated.
func (vm *VM) Inspect(id int, fn func(a *ActiveBlock, regs *hw.Registers) error) error {
	s, err := vm.slot(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	running := s.state == Running && !s.th.exited
	s.mu.Unlock()
	if running {
		return &VCpuError{ID: id, Err: ErrVCpuRunning}
	}
	c := vm.vcpus[id]
	return c.withActive(func(a *ActiveBlock) error {
		return fn(a, &c.regs)
	})
}

// Exit implements VmOps. The termination code is written at most once.
func (vm *VM) Exit(code int32) {
	if vm.exitCode.CompareAndSwap(0, exitCodeSet|uint64(uint32(code))) {
		vm.exitMu.Lock()
		vm.exitCond.Broadcast()
		vm.exitMu.Unlock()
	}
}

// Exited returns the termination code once Exit has been called.
func (vm *VM) Exited() (int32, bool) {
	v := vm.exitCode.Load()
	return int32(uint32(v)), v&exitCodeSet != 0
}

// Join blocks until the VM terminates and returns the termination code.
func (vm *VM) Join() int32 {
	code, _ := vm.JoinContext(context.Background())
	return code
}

// JoinContext is Join bounded by ctx.
func (vm *VM) JoinContext(ctx context.Context) (int32, error) {
	stop := context.AfterFunc(ctx, func() {
		vm.exitMu.Lock()
		vm.exitCond.Broadcast()
		vm.exitMu.Unlock()
	})
	defer stop()

	vm.exitMu.Lock()
	defer vm.exitMu.Unlock()
	for {
		if code, ok := vm.Exited(); ok {
			return code, nil
		}
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		vm.exitCond.Wait()
	}
}

// shutdown kicks every running vcpu, wakes parked ones and waits for their
// threads to terminate.
func (vm *VM) shutdown() error {
	vm.closing.Store(true)
	var firstErr error
	for id, s := range vm.slots {
		s.mu.Lock()
		running := s.state == Running && !s.th.exited
		s.cond.Broadcast()
		s.mu.Unlock()
		if !running {
			continue
		}
		if err := vm.Kick(id); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if firstErr != nil {
		// A vcpu that cannot be kicked still owns its block.
		return firstErr
	}
	vm.threads.Wait()
	return nil
}
