//go:build !linux

package emu

import "golang.org/x/sys/unix"

// threadID falls back to the process id where thread ids are not exposed.
func threadID() int { return unix.Getpid() }
