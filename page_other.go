//go:build !unix

package vmx

import (
	"unsafe"

	"github.com/blacktop/go-vmx/hw"
)

// allocPage carves a page-aligned region out of the Go heap. The heap does
// not move objects, so the address stays valid for the life of the slice.
func allocPage() ([]byte, error) {
	buf := make([]byte, 2*hw.PageSize)
	addr := uintptr(unsafe.Pointer(unsafe.SliceData(buf)))
	off := int(-addr & (hw.PageSize - 1))
	return buf[off : off+hw.PageSize : off+hw.PageSize], nil
}

func freePage([]byte) error { return nil }
