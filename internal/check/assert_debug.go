//go:build debug

package check

import "fmt"

// Enabled reports whether assertions are compiled in.
const Enabled = true

// Assert panics if cond is false. Only active in debug builds.
func Assert(cond bool, msg string) {
	if !cond {
		panic("edgeagent assertion failed: " + msg)
	}
}

// Assertf panics if cond is false with a formatted message. Only active in debug builds.
func Assertf(cond bool, format string, args ...any) {
	if !cond {
		panic("edgeagent assertion failed: " + fmt.Sprintf(format, args...))
	}
}
