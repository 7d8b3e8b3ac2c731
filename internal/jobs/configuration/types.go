package configuration

import (
	"time"

	"github.com/go-redis/redis"
)

type WorkerConfig struct {
	MetricsPort uint16

	Redis redis.UniversalOptions
	Nats  NatsConfig

	Scheduling SchedulingConfig
}

type NatsConfig struct {
	// When Enabled, job notifications go over NATS instead of Redis pub/sub.
	Enabled bool
	Url     string
}

type SchedulingConfig struct {
	// HealthCheckInterval drives the sweep over all in-memory runners.
	HealthCheckInterval time.Duration
	// ReconcileInterval drives the store reconciliation pass that picks up
	// jobs with no local runner.
	ReconcileInterval time.Duration
	// StatisticsFlushInterval drives the per-runner counter flush.
	StatisticsFlushInterval time.Duration
	// ShutdownGracePeriod bounds the wait for in-flight batches on shutdown.
	ShutdownGracePeriod time.Duration
}

func (c *SchedulingConfig) ApplyDefaults() {
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = 10 * time.Second
	}
	if c.ReconcileInterval <= 0 {
		c.ReconcileInterval = 30 * time.Second
	}
	if c.StatisticsFlushInterval <= 0 {
		c.StatisticsFlushInterval = 5 * time.Second
	}
	if c.ShutdownGracePeriod <= 0 {
		c.ShutdownGracePeriod = 30 * time.Second
	}
}
