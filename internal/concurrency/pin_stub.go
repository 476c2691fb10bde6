//go:build !linux
// +build !linux

// File: internal/concurrency/pin_stub.go
// Author: polyphase <dev@polyphase.io>
// License: Apache-2.0
//
// Pinning stub for platforms without sched_setaffinity. The thread is still
// locked so the worker keeps a stable OS thread.

package concurrency

import "runtime"

// PinCurrentThread locks the goroutine to its OS thread. CPU binding is a
// no-op on this platform.
func PinCurrentThread(cpuID int) {
	runtime.LockOSThread()
}
