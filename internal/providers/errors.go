package providers

import (
	"context"
	"errors"
)

// AsError unwraps err into a classified *Error.
func AsError(err error, target **Error) bool {
	return errors.As(err, target)
}

// Classified returns the *Error inside err, or wraps err as api_error so
// callers always have a classified value to work with.
func Classified(err error) *Error {
	if err == nil {
		return nil
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}
	return &Error{Class: ClassOf(err), Message: err.Error()}
}

func isContextCanceled(err error) bool {
	return errors.Is(err, context.Canceled)
}

func isDeadlineExceeded(err error) bool {
	return errors.Is(err, context.DeadlineExceeded)
}
