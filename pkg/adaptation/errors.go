package adaptation

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidInput is returned for a nil plan, empty plan id or malformed action reference
	ErrInvalidInput = errors.New("invalid input")

	// ErrPlanValidation is returned when a plan violates the DAG or referential invariant
	ErrPlanValidation = errors.New("plan validation failed")

	// ErrNoApplicableStrategy is returned when an opportunity yields no strategies or no actions
	ErrNoApplicableStrategy = errors.New("no applicable strategy")

	// ErrStalePlanVersion is returned when an action targets a plan version that has moved on
	ErrStalePlanVersion = errors.New("stale plan version")

	// ErrApplication is returned when applying an action failed and the plan was rolled back
	ErrApplication = errors.New("adaptation application failed")

	// ErrStorage is returned by history store implementations on persistence failures
	ErrStorage = errors.New("history storage failure")
)

// Error codes
const (
	CodeInvalidInput     = "INVALID_INPUT"
	CodePlanValidation   = "PLAN_VALIDATION"
	CodeNoStrategy       = "NO_APPLICABLE_STRATEGY"
	CodeStalePlanVersion = "STALE_PLAN_VERSION"
	CodeApplication      = "APPLICATION_ERROR"
	CodeStorage          = "STORAGE_ERROR"
)

var codeSentinels = map[string]error{
	CodeInvalidInput:     ErrInvalidInput,
	CodePlanValidation:   ErrPlanValidation,
	CodeNoStrategy:       ErrNoApplicableStrategy,
	CodeStalePlanVersion: ErrStalePlanVersion,
	CodeApplication:      ErrApplication,
	CodeStorage:          ErrStorage,
}

// Error carries a stable code plus the operation and plan it happened in.
// It matches both its code's sentinel and the underlying cause with errors.Is.
type Error struct {
	Code   string
	Op     string
	PlanID string
	Err    error
}

func newError(code, op, planID string, err error) *Error {
	return &Error{Code: code, Op: op, PlanID: planID, Err: err}
}

func (e *Error) Error() string {
	msg := e.Op
	if e.PlanID != "" {
		msg += " [plan " + e.PlanID + "]"
	}
	sentinel := codeSentinels[e.Code]
	switch {
	case e.Err == nil && sentinel != nil:
		return fmt.Sprintf("%s: %v", msg, sentinel)
	case e.Err == nil:
		return msg + ": " + e.Code
	case sentinel != nil && !errors.Is(e.Err, sentinel):
		return fmt.Sprintf("%s: %v: %v", msg, sentinel, e.Err)
	default:
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
}

func (e *Error) Unwrap() []error {
	errs := make([]error, 0, 2)
	if sentinel, ok := codeSentinels[e.Code]; ok {
		errs = append(errs, sentinel)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// CodeOf returns the code of the first *Error in err's chain, or ""
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
