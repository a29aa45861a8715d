package harness

import (
	"errors"
	"fmt"

	"github.com/roach88/pairlock/internal/entity"
	"github.com/roach88/pairlock/internal/interleave"
	"github.com/roach88/pairlock/internal/pairing"
	"github.com/roach88/pairlock/internal/store"
)

// Worker usage errors.
var (
	ErrNoTx   = errors.New("no open transaction")
	ErrTxOpen = errors.New("transaction already open")
)

// Error codes beyond the business codes of package entity. Scenarios use
// them in expect_error and in outcome assertions.
const (
	CodeLockTimeout       = "LOCK_TIMEOUT"
	CodeSerialization     = "SERIALIZATION"
	CodeSelfLink          = "SELF_LINK"
	CodeReadOnly          = "READ_ONLY"
	CodeTxDone            = "TX_DONE"
	CodeNoTx              = "NO_TRANSACTION"
	CodeTxOpen            = "TRANSACTION_OPEN"
	CodeCheckpointTimeout = "CHECKPOINT_TIMEOUT"
	CodeHarnessTimeout    = "HARNESS_TIMEOUT"
	CodeUnexpected        = "UNEXPECTED"
	CodeError             = "ERROR"
)

// ErrorCode maps err to the code scenarios match on. Nil maps to "".
func ErrorCode(err error) string {
	if err == nil {
		return ""
	}
	var unexpected *UnexpectedResultError
	if errors.As(err, &unexpected) {
		return CodeUnexpected
	}
	if code, ok := entity.CodeOf(err); ok {
		return string(code)
	}
	switch {
	case interleave.IsCheckpointTimeout(err):
		return CodeCheckpointTimeout
	case interleave.IsHarnessTimeout(err):
		return CodeHarnessTimeout
	case errors.Is(err, store.ErrLockTimeout):
		return CodeLockTimeout
	case errors.Is(err, store.ErrSerialization):
		return CodeSerialization
	case errors.Is(err, pairing.ErrSelfLink):
		return CodeSelfLink
	case errors.Is(err, store.ErrReadOnly):
		return CodeReadOnly
	case errors.Is(err, store.ErrTxDone):
		return CodeTxDone
	case errors.Is(err, ErrNoTx):
		return CodeNoTx
	case errors.Is(err, ErrTxOpen):
		return CodeTxOpen
	}
	return CodeError
}

// StepError is a worker's terminal failure.
type StepError struct {
	Worker string
	Index  int // 1-based
	Op     string
	Err    error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("worker %s step %d (%s): %v", e.Worker, e.Index, e.Op, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// UnexpectedResultError is returned when a step's result differs from its
// expect_error.
type UnexpectedResultError struct {
	Expected string
	Actual   string
}

func (e *UnexpectedResultError) Error() string {
	return fmt.Sprintf("expected %s, got %s", e.Expected, e.Actual)
}
