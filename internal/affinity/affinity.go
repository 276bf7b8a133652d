// Package affinity pins goroutines to dedicated CPU cores for the receive
// and worker threads (§5: "three long-lived threads"). It generalizes the
// teacher's raw sched_setaffinity syscall (ring24/ring32/ring56's
// setaffinity_linux.go) into the ecosystem-standard golang.org/x/sys/unix
// wrapper so mask construction and error handling are no longer hand-rolled
// per ring package.
package affinity

import "runtime"

// Pin locks the calling goroutine to its OS thread and, where supported,
// restricts that thread to a single CPU core. It is best-effort: on
// platforms or cgroups where affinity cannot be set, the returned error is
// meant for a cold-path logger, never for the hot loop.
func Pin(core int) error {
	runtime.LockOSThread()
	return setAffinity(core)
}

// Unpin releases the OS thread lock taken by Pin. Callers defer this in
// the same goroutine that called Pin.
func Unpin() {
	runtime.UnlockOSThread()
}
