package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/tagforge/tagforge/internal/common"
	"github.com/tagforge/tagforge/internal/common/health"
	"github.com/tagforge/tagforge/internal/jobs/configuration"
	"github.com/tagforge/tagforge/internal/worker"
)

const CustomConfigLocation string = "config"

func init() {
	pflag.String(CustomConfigLocation, "", "Fully qualified path to application configuration file")
	pflag.Parse()
}

func main() {
	common.ConfigureLogging()
	common.BindCommandlineArguments()

	var config configuration.WorkerConfig
	userSpecifiedConfig := viper.GetString(CustomConfigLocation)
	common.LoadConfig(&config, "./config/worker", userSpecifiedConfig)

	ctx, cancel := context.WithCancel(context.Background())
	stopSignal := make(chan os.Signal, 1)
	signal.Notify(stopSignal, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-stopSignal
		cancel()
	}()

	healthChecks := health.NewMultiChecker()
	shutdownMetricServer := common.ServeMetrics(config.MetricsPort, healthChecks)
	defer shutdownMetricServer()

	if err := worker.Serve(ctx, &config, healthChecks); err != nil {
		log.WithError(err).Fatal("worker terminated")
	}
}
