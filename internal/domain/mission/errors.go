package mission

import (
	"errors"
	"fmt"
	"strings"
)

// ErrPlanInvalid is the sentinel for all structural plan validation failures.
var ErrPlanInvalid = errors.New("mission plan is invalid")

// ErrPlanCycle is the sentinel for dependency cycles detected at compile time.
var ErrPlanCycle = errors.New("mission plan contains a dependency cycle")

// ValidationError reports a structural problem in a plan, naming the id that
// is missing or inconsistent.
type ValidationError struct {
	MissingID string
	Detail    string
}

func (e *ValidationError) Error() string {
	if e.MissingID != "" {
		return fmt.Sprintf("invalid plan: %s (id %q)", e.Detail, e.MissingID)
	}
	return "invalid plan: " + e.Detail
}

func (e *ValidationError) Unwrap() error { return ErrPlanInvalid }

// CycleError reports a dependency cycle, naming the task ids that could not
// be topologically ordered.
type CycleError struct {
	TaskIDs []string
}

func (e *CycleError) Error() string {
	return "dependency cycle involving: " + strings.Join(e.TaskIDs, ", ")
}

func (e *CycleError) Unwrap() error { return ErrPlanCycle }
