//go:build (!amd64 && !arm64) || noasm || nocgo

package cpurelax

// Relax is a no-op on architectures without a dedicated spin-wait hint
// instruction, or when CGO/asm is disabled. The compiler eliminates the
// call entirely once inlined, so spin loops simply spin at full speed.
//
//go:norace
//go:nocheckptr
//go:nosplit
//go:inline
//go:registerparams
func Relax() {
}
