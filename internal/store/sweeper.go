package store

import (
	"context"
	"log"
	"time"

	"github.com/robfig/cron/v3"

	"compute-queue/internal/telemetry"
)

// Sweeper periodically purges expired jobs from a SavedJobs store.
type Sweeper struct {
	saved  *SavedJobs
	period time.Duration
	cron   *cron.Cron
	sweep  cron.Job
}

// NewSweeper schedules a purge every period. Panics inside a sweep are
// recovered and logged so the next tick still runs.
func NewSweeper(saved *SavedJobs, period time.Duration) *Sweeper {
	logger := cron.PrintfLogger(log.Default())
	s := &Sweeper{
		saved:  saved,
		period: period,
		cron:   cron.New(cron.WithLogger(logger)),
	}
	s.sweep = cron.NewChain(cron.Recover(logger)).Then(cron.FuncJob(func() { s.Sweep(time.Now()) }))
	s.cron.Schedule(cron.Every(period), s.sweep)
	return s
}

// Start runs an initial sweep and then starts the schedule.
func (s *Sweeper) Start() {
	s.sweep.Run()
	s.cron.Start()
	log.Printf("purge sweeper started period=%s", s.period)
}

// Stop halts the schedule and waits for a running sweep to finish or ctx to end.
func (s *Sweeper) Stop(ctx context.Context) {
	select {
	case <-s.cron.Stop().Done():
	case <-ctx.Done():
	}
}

// Sweep performs one purge pass.
func (s *Sweeper) Sweep(now time.Time) int {
	removed := s.saved.Purge(now)
	if removed > 0 {
		telemetry.JobsPurged.Add(float64(removed))
		log.Printf("purged %d saved jobs", removed)
	}
	telemetry.SavedJobsGauge.Set(float64(s.saved.Len()))
	return removed
}
