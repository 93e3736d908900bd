//go:build !debug

package check

// Enabled reports whether assertions are compiled in.
const Enabled = false

// Assert does nothing without the debug build tag.
func Assert(_ bool, _ string) {}

// Assertf does nothing without the debug build tag.
func Assertf(_ bool, _ string, _ ...any) {}
