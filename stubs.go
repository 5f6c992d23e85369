//go:build !linux

package vmx

import "fmt"

// Supported returns false on non-Linux platforms.
func Supported() (bool, error) {
	return false, fmt.Errorf("vmx: not supported on this platform")
}
