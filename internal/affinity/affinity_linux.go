//go:build linux

package affinity

import "golang.org/x/sys/unix"

// setAffinity restricts the current OS thread to a single core via
// sched_setaffinity(2), through x/sys/unix rather than a raw RawSyscall.
func setAffinity(core int) error {
	if core < 0 {
		return nil
	}
	var set unix.CPUSet
	set.Zero()
	set.Set(core)
	return unix.SchedSetaffinity(0, &set)
}
