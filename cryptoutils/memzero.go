package cryptoutils

import "runtime"

// WipeBytes zeroes the buffer in place. Best effort: it reduces the window
// during which discarded key material stays readable in process memory.
//
//go:noinline
func WipeBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
	runtime.KeepAlive(&b)
}
