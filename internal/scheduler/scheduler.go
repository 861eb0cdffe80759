// internal/scheduler/scheduler.go
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Job is a maintenance task run on a cron schedule.
type Job struct {
	Name     string
	Schedule string
	Run      func(ctx context.Context) error
}

// Scheduler runs jobs on their schedules. A job still running when its next
// tick arrives skips that tick.
type Scheduler struct {
	jobs []Job
	cron *cron.Cron
	ctx  context.Context
}

// cronParser accepts both standard 5-field cron expressions and 6-field
// expressions with an optional seconds field.
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

func newCron() *cron.Cron {
	return cron.New(
		cron.WithParser(cronParser),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
	)
}

func New(jobs ...Job) *Scheduler {
	return &Scheduler{jobs: jobs, cron: newCron()}
}

// Add registers another job. It takes effect on the next Start.
func (s *Scheduler) Add(job Job) {
	s.jobs = append(s.jobs, job)
}

// Start registers every job with a valid schedule and starts the cron
// ticker. Jobs run with ctx. It returns the number of jobs scheduled.
func (s *Scheduler) Start(ctx context.Context) int {
	s.ctx = ctx
	scheduled := 0
	for _, job := range s.jobs {
		if job.Schedule == "" || job.Run == nil {
			continue
		}
		job := job
		_, err := s.cron.AddFunc(job.Schedule, func() { s.fire(job) })
		if err != nil {
			slog.Error("invalid cron schedule", "name", job.Name, "schedule", job.Schedule, "error", err)
			continue
		}
		slog.Info("scheduled job", "name", job.Name, "schedule", job.Schedule)
		scheduled++
	}
	s.cron.Start()
	return scheduled
}

func (s *Scheduler) fire(job Job) {
	if s.ctx.Err() != nil {
		return
	}
	start := time.Now()
	if err := job.Run(s.ctx); err != nil {
		slog.Error("job failed", "name", job.Name, "error", err)
		return
	}
	slog.Debug("job finished", "name", job.Name, "duration", time.Since(start))
}

// Stop stops the cron ticker and waits for running jobs.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// Compactor prunes old checkpoints, keeping the newest keep per conversation.
type Compactor interface {
	Compact(ctx context.Context, keep int) (int, error)
}

// CompactJob prunes checkpoint history on schedule.
func CompactJob(c Compactor, schedule string, keep int) Job {
	return Job{
		Name:     "compact-checkpoints",
		Schedule: schedule,
		Run: func(ctx context.Context) error {
			removed, err := c.Compact(ctx, keep)
			if err != nil {
				return err
			}
			if removed > 0 {
				slog.Info("checkpoints compacted", "removed", removed, "keep", keep)
			}
			return nil
		},
	}
}
