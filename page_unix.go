//go:build unix

package vmx

import (
	"fmt"
	"sync"

	"github.com/blacktop/go-vmx/hw"
	"golang.org/x/sys/unix"
)

var (
	cachedPageSize int
	pageSizeOnce   sync.Once
)

// pageSize returns the system page size, cached for performance
func pageSize() int {
	pageSizeOnce.Do(func() {
		cachedPageSize = unix.Getpagesize()
	})
	return cachedPageSize
}

// allocPage maps one anonymous, page-aligned control-block region.
func allocPage() ([]byte, error) {
	if pageSize() < hw.PageSize || pageSize()%hw.PageSize != 0 {
		return nil, fmt.Errorf("vmx: unsupported host page size %d", pageSize())
	}
	return unix.Mmap(-1, 0, hw.PageSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
}

func freePage(page []byte) error {
	return unix.Munmap(page)
}
