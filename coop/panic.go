package coop

import (
	"context"
	"fmt"
	"runtime"
	"strings"
)

// PanicError is the error produced when a callable panics. It includes the
// panic'd value (Val) and the raw Go stack trace (RawStack) captured at the
// point of recovery.
type PanicError struct {
	Val      any
	RawStack string
}

// NewPanicError wraps a recovered value. Recovering an existing *PanicError
// (a re-panic) returns it unchanged so the original stack is kept.
func NewPanicError(x any) *PanicError {
	if p, ok := x.(*PanicError); ok {
		return p
	}
	var stack [8192]byte
	n := runtime.Stack(stack[:], false)
	return &PanicError{Val: x, RawStack: string(stack[:n])}
}

// FilteredStack returns the stack trace without the coop and runtime frames
// that every recovered panic carries.
func (p *PanicError) FilteredStack() []string {
	lines := strings.Split(p.RawStack, "\n")
	var filtered []string
	for i := 0; i < len(lines); i++ {
		line := lines[i]
		if strings.HasPrefix(line, "github.com/augustoroman/layercake/coop.") ||
			strings.HasPrefix(line, "panic(") ||
			strings.HasPrefix(line, "runtime/debug.") ||
			strings.HasPrefix(line, "runtime.") {
			i++ // skip the file:line that follows the function
			continue
		}
		filtered = append(filtered, line)
	}
	return filtered
}

func (p *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", p.Val)
}

// Unwrap exposes the panic'd value when it was itself an error.
func (p *PanicError) Unwrap() error {
	err, _ := p.Val.(error)
	return err
}

// Protect returns fn with panics converted into a *PanicError.
func Protect[A, T any](fn Func[A, T]) Func[A, T] {
	return func(ctx context.Context, arg A) (val T, err error) {
		defer func() {
			if x := recover(); x != nil {
				var zero T
				val, err = zero, NewPanicError(x)
			}
		}()
		return fn(ctx, arg)
	}
}
