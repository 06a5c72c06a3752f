// Package sweeper closes traces that never received an end event. Agents
// crash mid-run; without the sweep their traces stay running forever and
// watchers never see a terminal state.
package sweeper

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/axonlabs/axon/internal/storage"
	"github.com/axonlabs/axon/pkg/models"
)

// cronParser accepts standard 5-field expressions plus descriptors like
// "@every 5m".
var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Sweeper periodically errors out running traces older than the deadline.
type Sweeper struct {
	traces   storage.TraceStore
	deadline time.Duration
	logger   *slog.Logger
	cron     *cron.Cron

	// OnSwept is an optional metric hook invoked once per closed trace.
	OnSwept func()
}

// New creates a sweeper over the trace store.
func New(traces storage.TraceStore, deadline time.Duration, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		traces:   traces,
		deadline: deadline,
		logger:   logger,
		cron:     cron.New(cron.WithParser(cronParser)),
	}
}

// Start schedules the sweep and begins running it. The schedule is a cron
// expression.
func (s *Sweeper) Start(schedule string) error {
	_, err := s.cron.AddFunc(schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		s.Sweep(ctx)
	})
	if err != nil {
		return err
	}
	s.cron.Start()
	s.logger.Info("sweeper started", "schedule", schedule, "deadline", s.deadline)
	return nil
}

// Stop halts the schedule and waits for an in-flight sweep to finish.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
}

// Sweep closes every running trace that started before the deadline cutoff.
// It returns the number of traces closed.
func (s *Sweeper) Sweep(ctx context.Context) int {
	cutoff := time.Now().Add(-s.deadline)
	stale, err := s.traces.ListRunningBefore(ctx, cutoff)
	if err != nil {
		s.logger.Error("sweep query failed", "error", err)
		return 0
	}

	closed := 0
	for _, trace := range stale {
		now := time.Now().UTC()
		trace.Status = models.TraceError
		trace.EndTime = &now
		if err := s.traces.Update(ctx, trace); err != nil {
			s.logger.Warn("sweep close failed", "trace", trace.ID, "error", err)
			continue
		}
		closed++
		if s.OnSwept != nil {
			s.OnSwept()
		}
		s.logger.Info("trace swept", "trace", trace.ID, "started", trace.StartTime)
	}
	if closed > 0 {
		s.logger.Info("sweep finished", "closed", closed)
	}
	return closed
}
