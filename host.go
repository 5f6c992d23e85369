package vmx

import (
	"errors"
	"fmt"
	"time"

	"github.com/blacktop/go-vmx/hw"
	"github.com/sirupsen/logrus"
)

// DefaultKickVector is the host interrupt vector used to force a vcpu out of
// guest execution.
const DefaultKickVector = 100

// InterruptRelay receives host interrupts taken while a guest was running.
type InterruptRelay func(vector uint8)

// Host is the host-side context every VM is built against: the platform,
// its capabilities and the interrupt plumbing. It is created once at
// bring-up and passed down explicitly.
type Host struct {
	platform    hw.Platform
	caps        Capabilities
	relay       InterruptRelay
	kickVector  uint8
	kickTimeout time.Duration
	log         logrus.FieldLogger
	warn        *rateLimitedLogger
}

// HostOption configures a Host.
type HostOption func(*Host)

// WithLogger sets the logger. Defaults to logrus.StandardLogger().
func WithLogger(l logrus.FieldLogger) HostOption {
	return func(h *Host) { h.log = l }
}

// WithInterruptRelay sets the callback that receives host interrupts
// acknowledged on external-interrupt exits.
func WithInterruptRelay(r InterruptRelay) HostOption {
	return func(h *Host) { h.relay = r }
}

// WithKickVector sets the vector of the kick IPI.
func WithKickVector(v uint8) HostOption {
	return func(h *Host) { h.kickVector = v }
}

// WithKickTimeout bounds how long Kick waits for the vcpu to leave guest
// execution. Zero waits forever.
func WithKickTimeout(d time.Duration) HostOption {
	return func(h *Host) { h.kickTimeout = d }
}

// NewHost reads the VMX capabilities of platform and returns the host
// context.
func NewHost(platform hw.Platform, opts ...HostOption) (*Host, error) {
	if platform == nil {
		return nil, errors.New("vmx: nil platform")
	}
	h := &Host{
		platform:   platform,
		kickVector: DefaultKickVector,
		log:        logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.kickVector < 32 {
		return nil, fmt.Errorf("vmx: kick vector %d is reserved for exceptions", h.kickVector)
	}
	h.warn = newRateLimitedLogger(h.log, warnEvery)

	p, release := platform.Pin()
	h.caps = ReadCapabilities(p)
	release()

	if h.caps.Revision() == 0 {
		return nil, errors.New("vmx: processor reports no VMX support")
	}
	h.log.WithFields(logrus.Fields{
		"revision":   h.caps.Revision(),
		"processors": platform.NumProcessors(),
		"secondary":  h.caps.SecondarySupported(),
	}).Debug("vmx host ready")
	return h, nil
}

// Platform returns the hardware platform.
func (h *Host) Platform() hw.Platform { return h.platform }

// Capabilities returns the capability MSRs read at bring-up.
func (h *Host) Capabilities() Capabilities { return h.caps }

// KickVector returns the vector of the kick IPI.
func (h *Host) KickVector() uint8 { return h.kickVector }

func (h *Host) relayInterrupt(vector uint8) {
	if h.relay != nil {
		h.relay(vector)
		return
	}
	h.log.WithField("vector", vector).Trace("host interrupt")
}

// writeHostState loads the host-state area from the context of p.
func writeHostState(a *ActiveBlock, hs hw.HostState) error {
	fields := []struct {
		f hw.Field
		v uint64
	}{
		{hw.HostCR0, hs.CR0},
		{hw.HostCR3, hs.CR3},
		{hw.HostCR4, hs.CR4},
		{hw.HostESSelector, uint64(hs.ES)},
		{hw.HostCSSelector, uint64(hs.CS)},
		{hw.HostSSSelector, uint64(hs.SS)},
		{hw.HostDSSelector, uint64(hs.DS)},
		{hw.HostFSSelector, uint64(hs.FS)},
		{hw.HostGSSelector, uint64(hs.GS)},
		{hw.HostTRSelector, uint64(hs.TR)},
		{hw.HostFSBase, hs.FSBase},
		{hw.HostGSBase, hs.GSBase},
		{hw.HostTRBase, hs.TRBase},
		{hw.HostGDTRBase, hs.GDTRBase},
		{hw.HostIDTRBase, hs.IDTRBase},
		{hw.HostRSP, hs.RSP},
		{hw.HostRIP, hs.RIP},
	}
	for _, x := range fields {
		if err := a.Write(x.f, x.v); err != nil {
			return fmt.Errorf("host state: %w", err)
		}
	}
	return nil
}

// writePerCPUHostState refreshes the host-state fields that differ between
// cores after a block migrated.
func writePerCPUHostState(a *ActiveBlock, hs hw.HostState) error {
	for f, v := range map[hw.Field]uint64{
		hw.HostTRBase:   hs.TRBase,
		hw.HostGDTRBase: hs.GDTRBase,
		hw.HostGSBase:   hs.GSBase,
		hw.HostRSP:      hs.RSP,
	} {
		if err := a.Write(f, v); err != nil {
			return fmt.Errorf("host state: %w", err)
		}
	}
	return nil
}
