package middleware

import (
	"context"
	"fmt"
	"runtime/debug"

	"github.com/rzbill/runnel/pkg/log"
	"github.com/rzbill/runnel/pkg/runnel"
)

// PanicError is returned by Recover in place of a handler panic.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string { return fmt.Sprintf("handler panic: %v", e.Value) }

// Recover turns a handler panic into a *PanicError, which the exception
// policy then handles like any other handler error.
func Recover(logger log.Logger) runnel.Middleware {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return func(next runnel.RawHandler) runnel.RawHandler {
		return func(ctx context.Context, it runnel.Iterator) (err error) {
			defer func() {
				if r := recover(); r != nil {
					stack := debug.Stack()
					logger.Error("handler.panic", log.Any("panic", r), log.Str("stack", string(stack)))
					err = &PanicError{Value: r, Stack: stack}
				}
			}()
			return next(ctx, it)
		}
	}
}
