package processor

import "github.com/tagforge/tagforge/internal/jobs"

// NoopProcessor accepts every batch without doing anything. Useful for
// draining test jobs and smoke-testing the runtime.
type NoopProcessor struct{}

func NewNoopProcessor() *NoopProcessor { return &NoopProcessor{} }

func (p *NoopProcessor) Initialize(def *jobs.JobDefinition) error { return nil }

func (p *NoopProcessor) Process(items []jobs.StepItem) (*jobs.ProcessResult, error) {
	return &jobs.ProcessResult{}, nil
}

func (p *NoopProcessor) GetTargetQueueLength() (int64, error) { return 0, nil }
