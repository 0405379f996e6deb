//go:build !linux

package native

// OSThreadID returns 0: the kernel thread ID is not exposed on this OS.
func OSThreadID() int {
	return 0
}
