package orchestrator

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/sweeney/busylight/internal/status"
)

// logAgenda fetches today's events, logs them busy-first and publishes
// them to the status page.
func (o *Orchestrator) logAgenda(ctx context.Context) {
	events, ok := o.cal.ListTodaysEvents(ctx)
	if !ok {
		o.log.Warn().Msg("could not fetch today's agenda")
		return
	}

	items := make([]status.AgendaItem, 0, len(events))
	for _, e := range events {
		items = append(items, status.AgendaItem{Title: e.Title, Span: e.Span(), Busy: e.Opaque})
	}
	o.status.SetAgenda(items)

	if len(items) == 0 {
		o.log.Info().Msg("no events today")
		return
	}
	o.log.Info().Int("events", len(items)).Msg("today's agenda")
	for _, it := range items {
		kind := "FREE"
		if it.Busy {
			kind = "BUSY"
		}
		o.log.Info().Str("kind", kind).Str("time", it.Span).Str("title", it.Title).Msg("agenda")
	}
}

// startAgenda schedules logAgenda on cfg.AgendaSchedule in UTC.
func (o *Orchestrator) startAgenda(ctx context.Context) {
	if o.cfg.AgendaSchedule == "" {
		return
	}
	c := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithLogger(cronLogger{o.log}),
		cron.WithChain(cron.SkipIfStillRunning(cronLogger{o.log})),
	)
	if _, err := c.AddFunc(o.cfg.AgendaSchedule, func() { o.logAgenda(ctx) }); err != nil {
		o.log.Warn().Err(err).Str("schedule", o.cfg.AgendaSchedule).Msg("agenda schedule rejected")
		return
	}
	c.Start()

	o.mu.Lock()
	o.agenda = c
	o.mu.Unlock()
}

// stopAgenda stops the scheduler and waits for a running job.
func (o *Orchestrator) stopAgenda() {
	o.mu.Lock()
	c := o.agenda
	o.agenda = nil
	o.mu.Unlock()
	if c != nil {
		<-c.Stop().Done()
	}
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct {
	log zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug().Fields(keysAndValues).Msg("cron: " + msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error().Err(err).Fields(keysAndValues).Msg("cron: " + msg)
}
