package processor

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	retry "github.com/avast/retry-go"
	"github.com/pkg/errors"

	"github.com/tagforge/tagforge/internal/jobs"
)

// HttpPushParameters configure an HTTP push job.
type HttpPushParameters struct {
	Endpoint       string            `json:"endpoint"`
	Headers        map[string]string `json:"headers,omitempty"`
	TimeoutSeconds int               `json:"timeoutSeconds,omitempty"`
	MaxAttempts    uint              `json:"maxAttempts,omitempty"`
}

// HttpPushProcessor POSTs each batch as a JSON array to a configured
// endpoint. Transient failures are retried per item batch with backoff;
// items that still fail after the last attempt are counted as failed rather
// than erroring the whole batch, so one bad endpoint response cannot stall
// the job.
type HttpPushProcessor struct {
	client *http.Client
	params HttpPushParameters
}

func NewHttpPushProcessor() *HttpPushProcessor {
	return &HttpPushProcessor{}
}

func (p *HttpPushProcessor) Initialize(def *jobs.JobDefinition) error {
	if len(def.Configuration.Parameters) == 0 {
		return errors.New("http push processor requires parameters")
	}
	if err := json.Unmarshal(def.Configuration.Parameters, &p.params); err != nil {
		return errors.WithMessage(err, "parsing http push parameters")
	}
	if p.params.Endpoint == "" {
		return errors.New("http push processor requires an endpoint")
	}
	timeout := 30 * time.Second
	if p.params.TimeoutSeconds > 0 {
		timeout = time.Duration(p.params.TimeoutSeconds) * time.Second
	}
	if p.params.MaxAttempts == 0 {
		p.params.MaxAttempts = 3
	}
	p.client = &http.Client{Timeout: timeout}
	return nil
}

func (p *HttpPushProcessor) Process(items []jobs.StepItem) (*jobs.ProcessResult, error) {
	payload := make([]json.RawMessage, len(items))
	for i, item := range items {
		payload[i] = json.RawMessage(item)
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	err = retry.Do(
		func() error { return p.push(body) },
		retry.Attempts(p.params.MaxAttempts),
		retry.Delay(500*time.Millisecond),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return &jobs.ProcessResult{
			ItemsFailed:     int64(len(items)),
			FailureMessages: []string{err.Error()},
		}, nil
	}
	return &jobs.ProcessResult{}, nil
}

func (p *HttpPushProcessor) push(body []byte) error {
	req, err := http.NewRequest(http.MethodPost, p.params.Endpoint, bytes.NewReader(body))
	if err != nil {
		return errors.WithStack(err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range p.params.Headers {
		req.Header.Set(k, v)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("endpoint returned %s", resp.Status)
	}
	return nil
}

// GetTargetQueueLength is unknown for an external endpoint.
func (p *HttpPushProcessor) GetTargetQueueLength() (int64, error) {
	return 0, nil
}
