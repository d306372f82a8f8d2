package workflow

import "errors"

// Sentinel errors, checked with errors.Is by callers that need to
// distinguish validation failures (no state change) from genuine
// store/transport failures (propagated, retried).
var (
	ErrWorkflowNotFound = errors.New("workflow: workflow not found")
	ErrTaskNotFound     = errors.New("workflow: task not found")
	ErrClaimMissed      = errors.New("workflow: claim missed, task no longer due or already claimed")
)

// ErrInvalidDefinition reports a malformed workflow/task definition.
// Distinct from the sentinel errors above because it carries a message;
// use errors.As to recover the detail, or errors.Is against
// ErrValidation for the category.
type ErrInvalidDefinition string

func (e ErrInvalidDefinition) Error() string { return string(e) }

// Is makes ErrInvalidDefinition values satisfy errors.Is(err, ErrValidation).
func (e ErrInvalidDefinition) Is(target error) bool { return target == ErrValidation }

// ErrValidation is the category sentinel for all malformed-input errors.
var ErrValidation = errors.New("workflow: validation error")
