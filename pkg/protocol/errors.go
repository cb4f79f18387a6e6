package protocol

import (
	"errors"
	"fmt"
)

// Sentinel errors for errors.Is discrimination at API boundaries.
var (
	ErrNotFound          = errors.New("not found")
	ErrBlocked           = errors.New("blocked by unfinished dependency")
	ErrAlreadyAssigned   = errors.New("already assigned")
	ErrDuplicateName     = errors.New("duplicate name")
	ErrInvalidDependency = errors.New("invalid dependency")
	ErrProjectMismatch   = errors.New("job project does not match quest project")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrInvalidField      = errors.New("invalid field")
)

// NotFoundError reports a missing record of a given kind.
type NotFoundError struct {
	Kind string // comb, quest, job, bee, cell, waggle
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

// Is makes errors.Is(err, ErrNotFound) succeed.
func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// InvalidDependencyError reports a rejected dependency edge.
type InvalidDependencyError struct {
	JobID     string // job being created (may be empty before insert)
	DependsOn string
	Reason    string // missing, other_project, self, cycle, duplicate
}

func (e *InvalidDependencyError) Error() string {
	return fmt.Sprintf("invalid dependency %s: %s", e.DependsOn, e.Reason)
}

// Is makes errors.Is(err, ErrInvalidDependency) succeed.
func (e *InvalidDependencyError) Is(target error) bool { return target == ErrInvalidDependency }

// DuplicateNameError reports a uniqueness violation.
type DuplicateNameError struct {
	Kind string
	Name string
}

func (e *DuplicateNameError) Error() string {
	return fmt.Sprintf("%s named %q already exists", e.Kind, e.Name)
}

// Is makes errors.Is(err, ErrDuplicateName) succeed.
func (e *DuplicateNameError) Is(target error) bool { return target == ErrDuplicateName }

// TransitionError reports a bee state change the state machine forbids.
type TransitionError struct {
	BeeID string
	From  BeeStatus
	To    BeeStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("bee %s: cannot move from %s to %s", e.BeeID, e.From, e.To)
}

// Is makes errors.Is(err, ErrInvalidTransition) succeed.
func (e *TransitionError) Is(target error) bool { return target == ErrInvalidTransition }

// FieldError reports a missing or out-of-range field on a record.
type FieldError struct {
	Field string
	Value string
}

func (e *FieldError) Error() string {
	if e.Value == "" {
		return fmt.Sprintf("field %s is required", e.Field)
	}
	return fmt.Sprintf("field %s has invalid value %q", e.Field, e.Value)
}

// Is makes errors.Is(err, ErrInvalidField) succeed.
func (e *FieldError) Is(target error) bool { return target == ErrInvalidField }

// Validation failure reasons.
const (
	ReasonCustomValidationFailed = "custom_validation_failed"
	ReasonValidationFailed       = "validation_failed"
)

// ValidationError is a detected validation failure. It is reported on the
// job but never treated as an infrastructure failure.
type ValidationError struct {
	Reason    string   // custom_validation_failed | validation_failed
	Output    string   // truncated command output (custom check)
	Reasoning string   // reviewer reasoning (review check)
	Issues    []string // reviewer issues (review check)
}

func (e *ValidationError) Error() string {
	switch {
	case e.Output != "":
		return fmt.Sprintf("%s: %s", e.Reason, e.Output)
	case e.Reasoning != "":
		return fmt.Sprintf("%s: %s", e.Reason, e.Reasoning)
	default:
		return e.Reason
	}
}
