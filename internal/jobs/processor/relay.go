package processor

import (
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/tagforge/tagforge/internal/jobs"
)

// RelayParameters configure a relay job via the definition's opaque
// parameters blob.
type RelayParameters struct {
	TargetJobId string `json:"targetJobId"`
}

// RelayProcessor forwards each step item onto another job's queue. Its
// target queue length is the downstream job's queue length, which is what
// the runner's backpressure check consumes.
type RelayProcessor struct {
	queue  jobs.JobQueue
	params RelayParameters
}

func NewRelayProcessor(queue jobs.JobQueue) *RelayProcessor {
	return &RelayProcessor{queue: queue}
}

func (p *RelayProcessor) Initialize(def *jobs.JobDefinition) error {
	if len(def.Configuration.Parameters) == 0 {
		return errors.New("relay processor requires parameters")
	}
	if err := json.Unmarshal(def.Configuration.Parameters, &p.params); err != nil {
		return errors.WithMessage(err, "parsing relay parameters")
	}
	if p.params.TargetJobId == "" {
		return errors.New("relay processor requires targetJobId")
	}
	return p.queue.EnsureExists(p.params.TargetJobId)
}

func (p *RelayProcessor) Process(items []jobs.StepItem) (*jobs.ProcessResult, error) {
	if err := p.queue.EnqueueBatch(items, p.params.TargetJobId); err != nil {
		return nil, err
	}
	return &jobs.ProcessResult{
		ItemsGeneratedForTargetQueue: int64(len(items)),
	}, nil
}

func (p *RelayProcessor) GetTargetQueueLength() (int64, error) {
	return p.queue.GetQueueLength(p.params.TargetJobId)
}
