// Package jobs runs the governor's fixed-clock daily tasks on a cron schedule.
package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

type Runner struct {
	cron    *cron.Cron
	log     zerolog.Logger
	baseCtx context.Context
	loc     *time.Location
}

// New builds a runner whose specs carry a seconds field and are read in loc.
func New(log zerolog.Logger, baseCtx context.Context, loc *time.Location) *Runner {
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	if loc == nil {
		loc = time.UTC
	}
	return &Runner{
		cron:    cron.New(cron.WithSeconds(), cron.WithLocation(loc), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		log:     log,
		baseCtx: baseCtx,
		loc:     loc,
	}
}

// Add schedules job. The job receives the runner's context and the firing
// time in the runner's location.
func (r *Runner) Add(name, spec string, job func(ctx context.Context, now time.Time)) (cron.EntryID, error) {
	id, err := r.cron.AddFunc(spec, func() {
		now := time.Now().In(r.loc)
		r.log.Info().Str("job", name).Msg("job firing")
		job(r.baseCtx, now)
	})
	if err != nil {
		return 0, fmt.Errorf("schedule %s %q: %w", name, spec, err)
	}
	return id, nil
}

// Next reports when an entry fires next.
func (r *Runner) Next(id cron.EntryID) time.Time { return r.cron.Entry(id).Next }

func (r *Runner) Start() {
	r.log.Info().Int("jobs", len(r.cron.Entries())).Msg("cron started")
	r.cron.Start()
}

func (r *Runner) Stop() {
	ctx := r.cron.Stop()
	<-ctx.Done()
	r.log.Info().Msg("cron stopped")
}
