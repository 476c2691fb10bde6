//go:build linux
// +build linux

// File: internal/concurrency/pin_linux.go
// Author: polyphase <dev@polyphase.io>
// License: Apache-2.0
//
// Linux thread pinning via sched_setaffinity, pure Go through x/sys.

package concurrency

import (
	"runtime"

	"golang.org/x/sys/unix"
)

// PinCurrentThread locks the calling goroutine to its OS thread and binds
// that thread to the given CPU. Failure to set affinity is non-fatal: the
// thread stays locked but floats across CPUs.
func PinCurrentThread(cpuID int) {
	runtime.LockOSThread()
	if cpuID < 0 {
		return
	}
	var set unix.CPUSet
	set.Zero()
	set.Set(cpuID % runtime.NumCPU())
	_ = unix.SchedSetaffinity(0, &set)
}
