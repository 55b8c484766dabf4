//go:build !debug

// Package check holds invariant assertions. Debug builds (go test -tags
// debug) panic on a violation; release builds log it and carry on.
package check

import (
	"fmt"
	"log/slog"
)

// Assert logs msg as an invariant violation if cond is false.
func Assert(cond bool, msg string) {
	if !cond {
		slog.Error("invariant violated", "invariant", msg)
	}
}

// Assertf is Assert with a formatted message.
func Assertf(cond bool, format string, args ...any) {
	if !cond {
		slog.Error("invariant violated", "invariant", fmt.Sprintf(format, args...))
	}
}
