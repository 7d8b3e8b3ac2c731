package jobs

import (
	"sync/atomic"

	log "github.com/sirupsen/logrus"

	"github.com/tagforge/tagforge/internal/common/util"
)

// FaultyJobRunner stands in for a job whose processor type cannot be
// resolved. Its health check moves the job to a terminal Failed state with a
// descriptive error and always reports healthy afterwards, so the manager
// never tries to restart it. This turns an unrecoverable configuration error
// into an inspectable job state instead of an infinite restart loop.
type FaultyJobRunner struct {
	def      *JobDefinition
	store    JobStore
	notifier Notifier
	clock    util.Clock
	reason   error
	failed   atomic.Bool
}

func NewFaultyJobRunner(def *JobDefinition, store JobStore, notifier Notifier, clock util.Clock, reason error) *FaultyJobRunner {
	if clock == nil {
		clock = &util.DefaultClock{}
	}
	return &FaultyJobRunner{
		def:      def,
		store:    store,
		notifier: notifier,
		clock:    clock,
		reason:   reason,
	}
}

func (r *FaultyJobRunner) JobId() string    { return r.def.JobId }
func (r *FaultyJobRunner) TenantId() string { return r.def.TenantId }

// A faulty runner never runs, so it is never active and always terminated.
func (r *FaultyJobRunner) IsActive() bool   { return false }
func (r *FaultyJobRunner) Terminated() bool { return r.failed.Load() }

func (r *FaultyJobRunner) Stop() {}

func (r *FaultyJobRunner) FlushStatistics() error { return nil }

func (r *FaultyJobRunner) HealthCheck() bool {
	if r.failed.Load() {
		return true
	}
	status, err := r.store.LoadStatus(r.def.TenantId, r.def.JobId)
	if err != nil {
		log.WithError(err).WithField("jobId", r.def.JobId).Warn("faulty runner could not load job status")
		return true
	}
	if !status.State.IsTerminal() {
		applied, err := r.store.CompareAndSwapState(r.def.TenantId, r.def.JobId, nil, StateFailed)
		if err != nil {
			log.WithError(err).WithField("jobId", r.def.JobId).Warn("faulty runner could not fail job")
			return true
		}
		if applied {
			record := ErrorRecord{Time: r.clock.Now(), Message: r.reason.Error()}
			if err := r.store.AddException(r.def.TenantId, r.def.JobId, record); err != nil {
				log.WithError(err).WithField("jobId", r.def.JobId).Warn("failed to record job failure reason")
			}
			log.WithField("jobId", r.def.JobId).WithError(r.reason).Error("job failed: processor type cannot be resolved")
			if r.notifier != nil {
				_ = r.notifier.Publish(r.def.JobId)
			}
		}
	}
	r.failed.Store(true)
	return true
}
