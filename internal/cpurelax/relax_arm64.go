//go:build arm64 && !noasm && !nocgo

package cpurelax

/*
#ifdef __aarch64__
static inline void cpu_yield() {
    __asm__ __volatile__("yield" ::: "memory");
}
#else
#error "This file requires ARM64 architecture"
#endif
*/
import "C"

// Relax emits the ARM64 YIELD instruction, the AArch64 analogue of x86's
// PAUSE, for the same spin-wait power/throughput tradeoff.
//
//go:norace
//go:nocheckptr
//go:nosplit
//go:inline
//go:registerparams
func Relax() {
	C.cpu_yield()
}
