//go:build amd64 && !noasm && !nocgo

package cpurelax

/*
#ifdef __x86_64__
static inline void cpu_pause() {
    __asm__ __volatile__("pause" ::: "memory");
}
#else
#error "This file requires x86-64 architecture"
#endif
*/
import "C"

// Relax emits the x86-64 PAUSE instruction, hinting to the core that the
// calling thread is spin-waiting so hyperthread siblings can make progress
// and power draw drops slightly during the spin.
//
//go:norace
//go:nocheckptr
//go:nosplit
//go:inline
//go:registerparams
func Relax() {
	C.cpu_pause()
}
