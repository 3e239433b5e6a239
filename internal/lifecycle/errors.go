package lifecycle

import (
	"errors"

	"github.com/kylemclaren/claude-goals/internal/db"
)

var (
	// ErrNotFound is returned for an unknown task id.
	ErrNotFound = db.ErrNotFound

	// ErrInvalidTransition is returned when the requested status change is
	// not allowed from the task's current status. State is left unchanged.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrCapacityExceeded is returned when an account already has the
	// maximum number of active tasks.
	ErrCapacityExceeded = errors.New("active task capacity exceeded")

	// ErrRateLimited reports that a task has used its cycles for this hour.
	ErrRateLimited = errors.New("task rate limited")

	// ErrInvalidTask is returned by CreateTask for incomplete input.
	ErrInvalidTask = errors.New("invalid task")

	// ErrNoPlan is returned when a step is reported for a task that has
	// not been decomposed yet.
	ErrNoPlan = errors.New("task has no plan")

	// ErrPlanChanged is returned when the stored plan no longer matches the
	// one an operation was computed from.
	ErrPlanChanged = errors.New("plan changed")
)
