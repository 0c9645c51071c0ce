// Command queryindexd runs the query-index worker: it loads configuration,
// wires the full component graph via runtime.CoreRuntime, and schedules the
// periodic coverage refresh and warmup fan-out described in spec.md §4.J.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/openmercato/queryindex/internal/config"
	"github.com/openmercato/queryindex/internal/eventbus"
	"github.com/openmercato/queryindex/internal/logger"
	"github.com/openmercato/queryindex/internal/runtime"
	"github.com/openmercato/queryindex/internal/system"
)

func main() {
	log := logger.NewDefault("queryindexd")

	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Fatal("load config")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	deps := runtime.Dependencies{
		Registry: eventbus.NewStaticRegistry(),
	}

	rt, err := runtime.Init(ctx, cfg, deps)
	if err != nil {
		log.WithError(err).Fatal("init runtime")
	}
	defer func() {
		if err := rt.Close(); err != nil {
			log.WithError(err).Warn("close runtime")
		}
	}()

	for _, d := range system.CollectDescriptors([]system.DescriptorProvider{rt.Reindexer, rt.Status}) {
		log.WithField("layer", d.Layer).WithField("capabilities", d.Capabilities).Info(d.Name)
	}

	warmup := runtime.NewCoverageWarmupService(cfg.CronSpec, rt.Bus)
	if err := warmup.Start(ctx); err != nil {
		log.WithError(err).Fatal("start coverage warmup service")
	}
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer stopCancel()
		if err := warmup.Stop(stopCtx); err != nil {
			log.WithError(err).Warn("stop coverage warmup service")
		}
	}()

	log.Info("queryindexd started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("shutting down")
}
