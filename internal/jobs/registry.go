package jobs

import (
	"sync"

	"github.com/pkg/errors"
)

// ProcessorFactory builds a processor instance for one job. A fresh instance
// is created per runner so processors may hold per-job state.
type ProcessorFactory func(def *JobDefinition) (JobProcessor, error)

// StepTypeBinding ties a step type to its processor factory and the queue
// its items live on.
type StepTypeBinding struct {
	NewProcessor ProcessorFactory
	Queue        JobQueue
}

// StepTypeRegistry maps step-type keys to concrete processor and queue
// bindings, resolved once at runner creation time. This is the extensibility
// point for pluggable job kinds; resolution failures degrade the job to a
// terminal Failed state via the faulty-runner path.
type StepTypeRegistry struct {
	mu       sync.RWMutex
	bindings map[string]StepTypeBinding
}

func NewStepTypeRegistry() *StepTypeRegistry {
	return &StepTypeRegistry{bindings: map[string]StepTypeBinding{}}
}

func (r *StepTypeRegistry) Register(stepType string, binding StepTypeBinding) error {
	if binding.NewProcessor == nil || binding.Queue == nil {
		return errors.Errorf("step type %q requires both a processor factory and a queue", stepType)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bindings[stepType] = binding
	return nil
}

func (r *StepTypeRegistry) Resolve(stepType string) (StepTypeBinding, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	binding, ok := r.bindings[stepType]
	if !ok {
		return StepTypeBinding{}, &ErrUnknownStepType{StepType: stepType}
	}
	return binding, nil
}
