// Package logx provides zero-allocation cold-path logging for the receiver
// core. It is used in diagnostic paths (constructor warnings, checkpoint
// load failures, programming errors) and for the rare per-message events
// the receive and worker paths log: a gap beyond tolerance and an unknown
// message type. Routine per-message outcomes are counted, not logged.
package logx

import "os"

// DropError prints a prefix and an error (if non-nil) without fmt.Sprintf,
// keeping cold-path logging free of heap pressure.
//
//go:nosplit
//go:inline
func DropError(prefix string, err error) {
	if err != nil {
		os.Stderr.WriteString(prefix + ": " + err.Error() + "\n")
		return
	}
	os.Stderr.WriteString(prefix + "\n")
}

// DropMessage prints a prefix/message pair for cold-path diagnostics:
// connection state changes, checkpoint warnings, replay-merge transitions.
//
//go:nosplit
//go:inline
func DropMessage(prefix, message string) {
	os.Stderr.WriteString(prefix + ": " + message + "\n")
}

// Warn prints a "LOUD" programming-error log. §7 requires these never cause
// a process exit from the core alone — callers must not panic after this.
//
//go:nosplit
//go:inline
func Warn(prefix, message string) {
	os.Stderr.WriteString("WARN " + prefix + ": " + message + "\n")
}
