//go:build linux

package vmx

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"strings"

	"golang.org/x/sys/unix"
)

// Supported reports whether the host processor advertises VMX. It does not
// tell whether VMX operation is enabled by firmware or the kernel.
func Supported() (bool, error) {
	var uts unix.Utsname
	if err := unix.Uname(&uts); err != nil {
		return false, fmt.Errorf("vmx: uname: %w", err)
	}
	if machine := unix.ByteSliceToString(uts.Machine[:]); machine != "x86_64" {
		return false, nil
	}
	data, err := os.ReadFile("/proc/cpuinfo")
	if err != nil {
		return false, fmt.Errorf("vmx: %w", err)
	}
	return cpuinfoHasVMX(data), nil
}

func cpuinfoHasVMX(cpuinfo []byte) bool {
	sc := bufio.NewScanner(bytes.NewReader(cpuinfo))
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		key, val, ok := strings.Cut(sc.Text(), ":")
		if !ok || strings.TrimSpace(key) != "flags" {
			continue
		}
		for _, flag := range strings.Fields(val) {
			if flag == "vmx" {
				return true
			}
		}
		return false
	}
	return false
}
