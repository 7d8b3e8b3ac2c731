package jobs

import "fmt"

// ErrInvalidConfiguration is returned when a job definition fails validation
// at creation/update time. Nothing is persisted in that case.
type ErrInvalidConfiguration struct {
	Field   string
	Message string
}

func (e *ErrInvalidConfiguration) Error() string {
	return fmt.Sprintf("invalid job configuration: %s: %s", e.Field, e.Message)
}

// ErrTransitionNotAllowed is returned for operator actions that are never
// valid for the job, e.g. stopping an indefinite job. This is distinct from
// a transition that is simply not applied because the state already moved.
type ErrTransitionNotAllowed struct {
	JobId  string
	Action string
	Reason string
}

func (e *ErrTransitionNotAllowed) Error() string {
	return fmt.Sprintf("cannot %s job %s: %s", e.Action, e.JobId, e.Reason)
}

// ErrDependencyIncomplete is returned when an action requires all
// preprocessor jobs to have completed and one has not.
type ErrDependencyIncomplete struct {
	JobId          string
	PreprocessorId string
}

func (e *ErrDependencyIncomplete) Error() string {
	return fmt.Sprintf("job %s has incomplete preprocessor job %s", e.JobId, e.PreprocessorId)
}

// ErrJobNotFound is returned by store lookups for unknown jobs.
type ErrJobNotFound struct {
	TenantId string
	JobId    string
}

func (e *ErrJobNotFound) Error() string {
	return fmt.Sprintf("job %s not found for tenant %s", e.JobId, e.TenantId)
}

// ErrUnknownStepType is returned when no processor factory is registered for
// a job's step type. Runners degrade this to a terminal Failed job state
// rather than propagating it.
type ErrUnknownStepType struct {
	StepType string
}

func (e *ErrUnknownStepType) Error() string {
	return fmt.Sprintf("unknown step type %q", e.StepType)
}
