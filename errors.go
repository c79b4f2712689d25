package scopez

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
)

// Sentinel errors. Call sites wrap them with span ids; match with errors.Is.
var (
	// ErrInvalidParent is returned when a child is started from a nil or finished parent.
	ErrInvalidParent = errors.New("scopez: invalid parent span")

	// ErrAlreadyFinished reports a repeated finish. The span is not modified.
	ErrAlreadyFinished = errors.New("scopez: span already finished")

	// ErrMissingContext reports that no scope is bound to the calling execution unit.
	// Public helpers treat a missing scope as a silent no-op; only Require returns it.
	ErrMissingContext = errors.New("scopez: no scope bound to context")

	// ErrScopeUnderflow is returned when popping the root layer of a scope.
	ErrScopeUnderflow = errors.New("scopez: cannot pop root scope layer")

	// ErrOrphanedSpan reports a span finished after its transaction was emitted.
	ErrOrphanedSpan = errors.New("scopez: span outlived its transaction")
)

// isCancellation reports whether cause means the execution unit was cancelled.
func isCancellation(cause error) bool {
	return errors.Is(cause, context.Canceled) || errors.Is(cause, context.DeadlineExceeded)
}

// statusFor maps the way a unit of work ended to the status of the spans it owned.
func statusFor(cause error) Status {
	switch {
	case cause == nil:
		return StatusOK
	case isCancellation(cause):
		return StatusCancelled
	default:
		return StatusInternalError
	}
}

// unwindCause picks the reason a layer is being released. A done context
// wins over the work's own error, which is often just a wrapped symptom of the
// cancellation.
func unwindCause(ctx context.Context, err error) error {
	if ctx != nil {
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
	}
	return err
}

// panicError carries a recovered panic value through the unwind path.
type panicError struct {
	value interface{}
}

func (p panicError) Error() string {
	return fmt.Sprintf("scopez: panic during traced work: %v", p.value)
}
