package runtime

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"

	"github.com/openmercato/queryindex/internal/eventbus"
	"github.com/openmercato/queryindex/internal/logger"
)

// CoverageWarmupService schedules the "query_index.coverage.warmup" tick on
// a cron expression and implements system.Service so it can be registered
// with a process supervisor (spec.md §9's "encapsulate in an explicit
// lifecycle type" guidance).
type CoverageWarmupService struct {
	spec string
	bus  *eventbus.Bus
	log  *logger.Logger
	cron *cron.Cron
}

// NewCoverageWarmupService constructs a CoverageWarmupService for spec.
func NewCoverageWarmupService(spec string, bus *eventbus.Bus) *CoverageWarmupService {
	return &CoverageWarmupService{spec: spec, bus: bus, log: logger.NewDefault("queryindex.warmup")}
}

// Name implements system.Service.
func (s *CoverageWarmupService) Name() string { return "queryindex.coverage-warmup" }

// Start implements system.Service: it schedules the tick and returns once
// the scheduler is running.
func (s *CoverageWarmupService) Start(ctx context.Context) error {
	s.cron = cron.New()
	_, err := s.cron.AddFunc(s.spec, func() {
		if err := s.bus.Emit(ctx, "query_index.coverage.warmup", map[string]any{}, eventbus.EmitOptions{}); err != nil {
			s.log.WithError(err).Warn("coverage warmup tick failed")
		}
	})
	if err != nil {
		return fmt.Errorf("schedule coverage warmup cron %q: %w", s.spec, err)
	}
	s.cron.Start()
	return nil
}

// Stop implements system.Service.
func (s *CoverageWarmupService) Stop(ctx context.Context) error {
	if s.cron == nil {
		return nil
	}
	stopped := s.cron.Stop()
	select {
	case <-stopped.Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}
