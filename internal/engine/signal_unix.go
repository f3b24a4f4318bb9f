//go:build unix

package engine

import "syscall"

// processTerminateSignal returns the signal used to ask a worker process
// to exit cleanly before escalating to SIGKILL.
func processTerminateSignal() syscall.Signal {
	return syscall.SIGTERM
}
