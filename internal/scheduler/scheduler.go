// Package scheduler wires the sync, archival, and backfill-tick cadences
// into a single gocron scheduler, so main only has to start and stop one
// thing regardless of how many sites or worker kinds are configured.
package scheduler

import (
	"context"
	"time"

	"github.com/go-co-op/gocron/v2"

	"sensorlake/internal/logx"
)

// Scheduler owns the gocron instance and every registered job.
type Scheduler struct {
	s gocron.Scheduler
}

// New builds an empty Scheduler. Callers register jobs with RegisterInterval
// and RegisterCron before calling Start.
func New() (*Scheduler, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, err
	}
	return &Scheduler{s: s}, nil
}

// RegisterInterval runs fn every interval, starting one interval after
// Start is called. Used for the sync worker's fixed cadence per site.
func (sch *Scheduler) RegisterInterval(name string, interval time.Duration, fn func(ctx context.Context)) error {
	_, err := sch.s.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() {
			fn(context.Background())
		}),
		gocron.WithName(name),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	return err
}

// RegisterCron runs fn on a 5-field cron schedule. Used for the daily
// archival pass.
func (sch *Scheduler) RegisterCron(name, cronExpr string, fn func(ctx context.Context)) error {
	_, err := sch.s.NewJob(
		gocron.CronJob(cronExpr, false),
		gocron.NewTask(func() {
			fn(context.Background())
		}),
		gocron.WithName(name),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	return err
}

// Start begins running every registered job on its schedule. Non-blocking.
func (sch *Scheduler) Start() {
	sch.s.Start()
	logx.Logger.Info().Msg("scheduler started")
}

// Shutdown stops the scheduler, waiting for in-flight jobs to finish.
func (sch *Scheduler) Shutdown() error {
	return sch.s.Shutdown()
}
