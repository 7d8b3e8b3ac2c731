package worker

import (
	"context"

	"github.com/go-redis/redis"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/tagforge/tagforge/internal/common/health"
	"github.com/tagforge/tagforge/internal/common/task"
	"github.com/tagforge/tagforge/internal/common/util"
	"github.com/tagforge/tagforge/internal/jobs"
	"github.com/tagforge/tagforge/internal/jobs/configuration"
	"github.com/tagforge/tagforge/internal/jobs/metrics"
	"github.com/tagforge/tagforge/internal/jobs/notification"
	"github.com/tagforge/tagforge/internal/jobs/processor"
	"github.com/tagforge/tagforge/internal/jobs/repository"
)

// Built-in step types. Additional kinds register through the step type
// registry at startup.
const (
	StepTypeNoop     = "noop"
	StepTypeRelay    = "relay"
	StepTypeHttpPush = "http-push"
)

// Serve runs one worker process until ctx is cancelled: it connects the
// store, queue and notifier, builds the runner manager and keeps the
// periodic sweeps going. There is no leader; any number of worker processes
// run this concurrently against the same Redis.
func Serve(ctx context.Context, config *configuration.WorkerConfig, healthChecks *health.MultiChecker) error {
	// Distinguishes this process in logs when several workers share a store.
	instanceId := uuid.NewString()
	log.WithField("instance", instanceId).Info("tagforge worker starting")
	defer log.WithField("instance", instanceId).Info("tagforge worker shutting down")

	config.Scheduling.ApplyDefaults()

	startupCompleteCheck := health.NewStartupCompleteChecker()
	healthChecks.Add(startupCompleteCheck)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	db := redis.NewUniversalClient(&config.Redis)
	defer func() {
		if err := db.Close(); err != nil {
			log.WithError(err).Error("failed to close Redis client")
		}
	}()
	healthChecks.Add(repository.NewRedisHealth(db))

	store := repository.NewRedisJobStore(db)
	queue := repository.NewRedisJobQueue(db)

	var notifier jobs.Notifier
	if config.Nats.Enabled {
		conn, err := nats.Connect(config.Nats.Url)
		if err != nil {
			return errors.WithMessage(err, "connecting to NATS")
		}
		defer conn.Close()
		notifier = notification.NewNatsNotifier(conn)
	} else {
		notifier = notification.NewRedisNotifier(db)
	}

	registry := jobs.NewStepTypeRegistry()
	if err := registerBuiltinStepTypes(registry, queue); err != nil {
		return err
	}

	clock := &util.DefaultClock{}
	manager := jobs.NewJobRunnerManager(store, registry, notifier, clock, jobs.DefaultRunnerTimings())

	// Notifications shortcut the polling latency; the reconciliation sweep
	// below is the correctness backstop when they are lost.
	if err := notifier.Subscribe(func(jobId string) {
		go manager.CheckHealthOrCreateRunner(jobId)
	}); err != nil {
		return err
	}

	metrics.ExposeJobMetrics(store, queue)

	taskManager := task.NewBackgroundTaskManager(metrics.MetricPrefix)
	taskManager.Register(manager.CheckHealthOfAllRunners, config.Scheduling.HealthCheckInterval, "runner_health_sweep")
	taskManager.Register(manager.CheckStoreJobs, config.Scheduling.ReconcileInterval, "store_reconciliation")
	taskManager.Register(manager.FlushAllStatistics, config.Scheduling.StatisticsFlushInterval, "statistics_flush")

	g.Go(func() error {
		<-ctx.Done()
		manager.StopAllRunners()
		if timedOut := taskManager.StopAll(config.Scheduling.ShutdownGracePeriod); timedOut {
			log.Warn("shutdown grace period elapsed with tasks still running")
		}
		manager.FlushAllStatistics()
		return nil
	})

	startupCompleteCheck.MarkComplete()
	return g.Wait()
}

func registerBuiltinStepTypes(registry *jobs.StepTypeRegistry, queue jobs.JobQueue) error {
	bindings := map[string]jobs.StepTypeBinding{
		StepTypeNoop: {
			NewProcessor: func(def *jobs.JobDefinition) (jobs.JobProcessor, error) {
				return processor.NewNoopProcessor(), nil
			},
			Queue: queue,
		},
		StepTypeRelay: {
			NewProcessor: func(def *jobs.JobDefinition) (jobs.JobProcessor, error) {
				return processor.NewRelayProcessor(queue), nil
			},
			Queue: queue,
		},
		StepTypeHttpPush: {
			NewProcessor: func(def *jobs.JobDefinition) (jobs.JobProcessor, error) {
				return processor.NewHttpPushProcessor(), nil
			},
			Queue: queue,
		},
	}
	for stepType, binding := range bindings {
		if err := registry.Register(stepType, binding); err != nil {
			return err
		}
	}
	return nil
}
