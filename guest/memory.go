package guest

import (
	"errors"
	"fmt"
	"math"
	"sync"

	vmx "github.com/blacktop/go-vmx"
	"golang.org/x/sys/unix"
)

var (
	cachedPageSize int
	cachedPageMask uint64 // For fast alignment checks: addr & mask == 0
	pageSizeOnce   sync.Once
)

func initPageSize() {
	cachedPageSize = unix.Getpagesize()
	cachedPageMask = uint64(cachedPageSize - 1)
}

// pageSize returns the system page size, cached for performance
func pageSize() int {
	pageSizeOnce.Do(initPageSize)
	return cachedPageSize
}

// isPageAligned returns true if addr is page-aligned (fast path)
func isPageAligned(addr uint64) bool {
	pageSizeOnce.Do(initPageSize)
	return addr&cachedPageMask == 0
}

// ErrMemoryClosed is returned by operations on a closed Memory.
var ErrMemoryClosed = errors.New("guest: memory is closed")

// Memory is flat guest-physical RAM starting at guest-physical address 0.
// Guest virtual addresses translate 1:1, matching the identity page tables
// Flat installs.
type Memory struct {
	mu     sync.RWMutex
	ram    []byte
	closed bool
}

var _ vmx.Translator = (*Memory)(nil)

// NewMemory maps size bytes of anonymous RAM. size must be a non-zero
// multiple of the page size.
func NewMemory(size uint64) (*Memory, error) {
	if size == 0 {
		return nil, fmt.Errorf("guest: memory requires non-zero size")
	}
	// Security: Prevent integer overflow vulnerabilities
	if size > math.MaxInt32 {
		return nil, fmt.Errorf("guest: memory too large (max %d bytes)", math.MaxInt32)
	}
	if !isPageAligned(size) {
		return nil, fmt.Errorf("guest: size not page multiple: %d (page size: %d)", size, pageSize())
	}
	ram, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("guest: failed to map %d bytes: %w", size, err)
	}
	return &Memory{ram: ram}, nil
}

// Size returns the RAM size in bytes.
func (m *Memory) Size() uint64 { return uint64(len(m.ram)) }

// Bytes returns the whole RAM. The slice is invalid after Close.
func (m *Memory) Bytes() []byte { return m.ram }

// Load copies data into RAM at gpa.
func (m *Memory) Load(gpa uint64, data []byte) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrMemoryClosed
	}
	if gpa > math.MaxUint64-uint64(len(data)) {
		return fmt.Errorf("guest: guest address range would overflow")
	}
	if gpa+uint64(len(data)) > uint64(len(m.ram)) {
		return fmt.Errorf("guest: load of %d bytes at %#x exceeds RAM (%d bytes)", len(data), gpa, len(m.ram))
	}
	copy(m.ram[gpa:], data)
	return nil
}

// GPAToHost implements vmx.Translator.
func (m *Memory) GPAToHost(_ *vmx.ActiveBlock, addr vmx.GPA) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed || !addr.Valid() || uint64(addr) >= uint64(len(m.ram)) {
		return nil, false
	}
	return m.ram[addr:], true
}

// GVAToHost implements vmx.Translator.
func (m *Memory) GVAToHost(a *vmx.ActiveBlock, addr vmx.GVA) ([]byte, bool) {
	return m.GPAToHost(a, vmx.GPA(addr))
}

// Close unmaps the RAM.
func (m *Memory) Close() error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	if err := unix.Munmap(m.ram); err != nil {
		return fmt.Errorf("guest: failed to unmap RAM: %w", err)
	}
	m.ram = nil
	return nil
}
