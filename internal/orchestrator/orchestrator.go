// Package orchestrator runs the busylight state machine:
// STARTING → RUNNING → (ERROR ⇄ RUNNING) → STOPPED.
//
// One goroutine runs the tick loop. The heartbeat and the error flash run
// as background tasks, each owning a cancel func and a done channel so
// shutdown can wait for them to exit.
package orchestrator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/sweeney/busylight/internal/calendar"
	"github.com/sweeney/busylight/internal/device"
	"github.com/sweeney/busylight/internal/logic"
	"github.com/sweeney/busylight/internal/metrics"
	"github.com/sweeney/busylight/internal/mqtt"
	"github.com/sweeney/busylight/internal/retry"
	"github.com/sweeney/busylight/internal/status"
)

// ErrStartupFailed is returned by Run when the device or calendar could not
// be reached during STARTING.
var ErrStartupFailed = errors.New("startup failed")

// shutdownTimeout bounds the final OFF write after the run context is done.
const shutdownTimeout = 15 * time.Second

// Device is the subset of *device.Controller the loop drives.
type Device interface {
	Connect(ctx context.Context) bool
	SetState(ctx context.Context, on bool) bool
	Flash(ctx context.Context, times int, interval time.Duration) bool
	FlashError(ctx context.Context)
	Verified() bool
}

// Calendar is the subset of *calendar.Monitor the loop reads.
type Calendar interface {
	EnsureAuthenticated(ctx context.Context) bool
	Authenticate(ctx context.Context) bool
	IsBusyWithin(ctx context.Context, lead time.Duration) calendar.Result
	IsBusyNow(ctx context.Context) calendar.Result
	ListTodaysEvents(ctx context.Context) ([]calendar.EventSummary, bool)
	Verified() bool
}

// Prober gates each tick on outbound connectivity.
type Prober interface {
	IsReachable(ctx context.Context, timeout time.Duration) bool
	WaitForReachable(ctx context.Context, maxWait, interval time.Duration) bool
}

// Runner is a background loop such as the heartbeat publisher.
type Runner interface {
	Run(ctx context.Context)
}

var (
	_ Device   = (*device.Controller)(nil)
	_ Calendar = (*calendar.Monitor)(nil)
)

// Config holds the loop timings.
type Config struct {
	LeadTime             time.Duration
	PollInterval         time.Duration
	MaxNetworkWait       time.Duration
	NetworkCheckInterval time.Duration
	ProbeTimeout         time.Duration

	StartupFlashTimes    int
	StartupFlashInterval time.Duration

	// StatusPath receives the status record after every tick. Empty disables it.
	StatusPath string
	// AgendaSchedule is a standard cron expression, evaluated in UTC. Empty
	// logs the agenda at startup only.
	AgendaSchedule string
	Instance       string
}

// ShutdownReason is passed as the cancel cause of the Run context to name
// the reason in the SHUTDOWN event, e.g. "SIGTERM".
type ShutdownReason string

func (r ShutdownReason) Error() string { return "shutdown: " + string(r) }

// task is a running background goroutine.
type task struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func startTask(parent context.Context, fn func(context.Context)) *task {
	ctx, cancel := context.WithCancel(parent)
	t := &task{cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(t.done)
		fn(ctx)
	}()
	return t
}

// stop cancels the task and waits for it to exit.
func (t *task) stop() {
	t.cancel()
	<-t.done
}

// Orchestrator owns the service state: tracked busy flag and event,
// running flag, phase and the background task handles.
type Orchestrator struct {
	dev   Device
	cal   Calendar
	probe Prober
	cfg   Config

	heart   Runner
	pub     mqtt.Publisher
	conn    mqtt.ConnectionStatus
	status  *status.Tracker
	metrics *metrics.Metrics
	now     func() time.Time
	sleep   retry.SleepFunc
	log     zerolog.Logger

	// tracker is only touched by the loop goroutine.
	tracker *logic.Tracker
	running atomic.Bool

	mu        sync.Mutex
	errFlash  *task
	heartbeat *task
	agenda    *cron.Cron
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithHeartbeat starts r once startup succeeds.
func WithHeartbeat(r Runner) Option {
	return func(o *Orchestrator) { o.heart = r }
}

// WithPublisher sends STARTUP, STATUS and SHUTDOWN system events.
func WithPublisher(p mqtt.Publisher) Option {
	return func(o *Orchestrator) { o.pub = p }
}

// WithConnectionStatus reports the broker connection on the status page.
func WithConnectionStatus(c mqtt.ConnectionStatus) Option {
	return func(o *Orchestrator) { o.conn = c }
}

// WithStatus shares a status tracker with the web server.
func WithStatus(t *status.Tracker) Option {
	return func(o *Orchestrator) { o.status = t }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithSleep replaces the loop's waits; used by tests.
func WithSleep(fn retry.SleepFunc) Option {
	return func(o *Orchestrator) { o.sleep = fn }
}

func WithLogger(l zerolog.Logger) Option {
	return func(o *Orchestrator) { o.log = l }
}

// New creates an Orchestrator in the STARTING phase.
func New(dev Device, cal Calendar, probe Prober, cfg Config, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		dev:     dev,
		cal:     cal,
		probe:   probe,
		cfg:     cfg,
		now:     time.Now,
		sleep:   retry.Sleep,
		log:     zerolog.Nop(),
		tracker: logic.NewTracker(),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.status == nil {
		o.status = status.NewTracker(o.now(), cfg.Instance, status.Config{
			PollInterval: cfg.PollInterval,
			LeadTime:     cfg.LeadTime,
		})
	}
	return o
}

// Phase returns the current lifecycle phase.
func (o *Orchestrator) Phase() status.Phase {
	return o.status.Snapshot().Phase
}

// Running reports whether Run is active.
func (o *Orchestrator) Running() bool {
	return o.running.Load()
}

// ErrorFlashing reports whether the error flash task is active.
func (o *Orchestrator) ErrorFlashing() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.errFlash != nil
}

// Run executes the state machine until ctx is done. It returns
// ErrStartupFailed if STARTING failed; the error flash then runs until
// ctx is done.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.running.Store(true)
	defer o.shutdown(ctx)

	if !o.startup(ctx) {
		o.setPhase(status.PhaseError)
		o.startErrorFlash(ctx)
		<-ctx.Done()
		return ErrStartupFailed
	}

	// A boundary under a second away is close enough for the first sync.
	if wait := untilNextMinute(o.now()); wait >= time.Second {
		o.log.Debug().Dur("wait", wait).Msg("synchronizing to minute boundary")
		if err := o.sleep(ctx, wait); err != nil {
			return nil
		}
	}

	for ctx.Err() == nil {
		if err := o.sleep(ctx, o.Tick(ctx)); err != nil {
			break
		}
	}
	return nil
}

// startup connects both ports, then starts the heartbeat, flashes the
// light, logs the agenda and sets the initial state.
func (o *Orchestrator) startup(ctx context.Context) bool {
	o.setPhase(status.PhaseStarting)
	o.log.Info().Str("instance", o.cfg.Instance).Msg("starting")

	devOK := o.dev.Connect(ctx)
	calOK := o.cal.EnsureAuthenticated(ctx)
	o.status.SetVerified(devOK, calOK)
	if !devOK || !calOK {
		o.log.Error().Bool("device", devOK).Bool("calendar", calOK).Msg("startup failed")
		return false
	}

	o.startHeartbeat(ctx)
	o.publish(mqtt.EventStartup, "")

	if o.cfg.StartupFlashTimes > 0 {
		o.dev.Flash(ctx, o.cfg.StartupFlashTimes, o.cfg.StartupFlashInterval)
	}
	o.logAgenda(ctx)
	o.startAgenda(ctx)

	if o.evaluate(ctx) {
		o.setPhase(status.PhaseRunning)
	}
	o.log.Info().Msg("startup complete")
	return true
}

// Tick runs one RUNNING iteration and returns how long to wait before the
// next: the poll interval after a failure, otherwise until the next
// minute boundary.
func (o *Orchestrator) Tick(ctx context.Context) time.Duration {
	if !o.probe.IsReachable(ctx, o.cfg.ProbeTimeout) {
		o.log.Warn().Msg("network unreachable")
		if !o.probe.WaitForReachable(ctx, o.cfg.MaxNetworkWait, o.cfg.NetworkCheckInterval) {
			if ctx.Err() != nil {
				return 0
			}
			o.fail(ctx, metrics.OutcomeNetwork, "network unavailable")
			return o.cfg.PollInterval
		}
		o.log.Info().Msg("network restored, reconnecting")
		devOK := o.dev.Connect(ctx)
		calOK := o.cal.Authenticate(ctx)
		o.status.SetVerified(devOK, calOK)
	}

	if !o.evaluate(ctx) {
		return o.cfg.PollInterval
	}
	o.setPhase(status.PhaseRunning)
	return untilNextMinute(o.now())
}

// evaluate queries the calendar, writes the device on change and records
// the outcome. It reports whether the tick succeeded.
func (o *Orchestrator) evaluate(ctx context.Context) bool {
	soon := o.cal.IsBusyWithin(ctx, o.cfg.LeadTime)
	current := o.cal.IsBusyNow(ctx)
	if !soon.OK || !current.OK {
		if ctx.Err() == nil {
			o.fail(ctx, metrics.OutcomeCalendar, "calendar query failed")
		}
		return false
	}

	d := logic.Decide(logic.Input{
		Soon:      soon.Busy,
		SoonEvent: soon.Title(),
		Now:       current.Busy,
		NowEvent:  current.Title(),
	})

	// The flash leaves the switch in an arbitrary position, so it must
	// stop before the tracked state is compared.
	if o.stopErrorFlash() {
		o.log.Info().Msg("recovered from error")
	}

	step := o.tracker.Observe(d)
	o.logTransition(d, step)

	outcome := metrics.OutcomeUnchanged
	if step.Write {
		if !o.dev.SetState(ctx, d.On) {
			if ctx.Err() == nil {
				o.fail(ctx, metrics.OutcomeDevice, "device write failed")
			}
			return false
		}
		o.tracker.Written(d.On)
		outcome = metrics.OutcomeStateChange
		o.log.Info().Str("state", device.StateString(d.On)).Msg("switch updated")
	}

	o.status.RecordCheck(status.Check{
		At:           o.now(),
		Busy:         d.On,
		Event:        d.Event,
		ActiveEvents: countEvents(soon.Events, current.Events),
	})
	o.status.SetVerified(o.dev.Verified(), o.cal.Verified())
	o.metrics.SetBusy(d.On)
	o.metrics.Tick(outcome)
	o.writeRecord()
	if step.Write {
		o.publish(mqtt.EventStatus, "")
	}
	return true
}

func (o *Orchestrator) logTransition(d logic.Decision, step logic.Step) {
	switch step.Transition {
	case logic.TransitionUpcoming:
		o.log.Info().Str("event", d.Event).Dur("lead", o.cfg.LeadTime).Msg("UPCOMING: event starts soon")
	case logic.TransitionBusy:
		if step.NewEvent {
			o.log.Info().Str("event", d.Event).Msg("NEW EVENT: still busy")
		} else {
			o.log.Info().Str("event", d.Event).Msg("CURRENTLY BUSY")
		}
	case logic.TransitionNowFree:
		o.log.Info().Msg("NOW FREE")
	case logic.TransitionStillFree:
		o.log.Debug().Msg("still free")
	}
}

// fail enters ERROR for this tick and starts the error flash.
func (o *Orchestrator) fail(ctx context.Context, outcome, reason string) {
	o.log.Error().Str("reason", reason).Msg("entering error state")
	o.setPhase(status.PhaseError)
	o.status.SetVerified(o.dev.Verified(), o.cal.Verified())
	o.metrics.Tick(outcome)
	o.startErrorFlash(ctx)
}

// startErrorFlash is a no-op while a flash is already running.
func (o *Orchestrator) startErrorFlash(ctx context.Context) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.errFlash != nil {
		return
	}
	o.errFlash = startTask(ctx, o.dev.FlashError)
	o.status.SetErrorFlashing(true)
	o.metrics.SetErrorFlashing(true)
}

// stopErrorFlash stops the flash and waits for it to exit. It reports
// whether one was running; if so the tracked state is forgotten so the
// next decision is written.
func (o *Orchestrator) stopErrorFlash() bool {
	o.mu.Lock()
	t := o.errFlash
	o.errFlash = nil
	o.mu.Unlock()
	if t == nil {
		return false
	}

	t.stop()
	o.tracker.Invalidate()
	o.status.SetErrorFlashing(false)
	o.metrics.SetErrorFlashing(false)
	return true
}

func (o *Orchestrator) startHeartbeat(ctx context.Context) {
	if o.heart == nil {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.heartbeat == nil {
		o.heartbeat = startTask(ctx, o.heart.Run)
	}
}

func (o *Orchestrator) stopHeartbeat() {
	o.mu.Lock()
	t := o.heartbeat
	o.heartbeat = nil
	o.mu.Unlock()
	if t != nil {
		t.stop()
	}
}

// shutdown stops background work, switches the light OFF when the device
// is known to be reachable and publishes SHUTDOWN.
func (o *Orchestrator) shutdown(ctx context.Context) {
	reason := "CANCELLED"
	var r ShutdownReason
	if errors.As(context.Cause(ctx), &r) {
		reason = string(r)
	}
	o.log.Info().Str("reason", reason).Msg("shutting down")

	o.stopAgenda()
	o.stopHeartbeat()
	o.stopErrorFlash()

	if o.dev.Verified() {
		fin, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		if o.dev.SetState(fin, false) {
			o.log.Info().Msg("switch turned OFF")
		} else {
			o.log.Warn().Msg("could not turn switch OFF")
		}
		cancel()
	}

	o.setPhase(status.PhaseStopped)
	o.running.Store(false)
	o.publish(mqtt.EventShutdown, reason)
}

func (o *Orchestrator) setPhase(p status.Phase) {
	if o.status.Snapshot().Phase == p {
		return
	}
	o.status.SetPhase(p)
	o.log.Debug().Str("phase", string(p)).Msg("phase changed")
}

func (o *Orchestrator) writeRecord() {
	if o.cfg.StatusPath == "" {
		return
	}
	if err := status.WriteRecord(o.cfg.StatusPath, o.status.Snapshot()); err != nil {
		o.log.Warn().Err(err).Str("path", o.cfg.StatusPath).Msg("could not write status record")
	}
}

// publish sends a retained status snapshot as a system event.
func (o *Orchestrator) publish(event, reason string) {
	if o.pub == nil {
		return
	}
	if o.conn != nil {
		o.status.SetMQTTConnected(o.conn.IsConnected())
	}
	snap := o.status.Snapshot()
	err := o.pub.PublishSystem(mqtt.SystemEvent{
		Timestamp:  snap.Now,
		Event:      event,
		Reason:     reason,
		Instance:   o.cfg.Instance,
		RawPayload: status.FormatStatusEvent(snap, event, reason),
		Retained:   true,
	})
	if err != nil {
		o.log.Warn().Err(err).Str("event", event).Msg("failed to publish system event")
	}
}

// StatusPayload renders the current status for event; the heartbeat's
// MQTT sink uses it.
func (o *Orchestrator) StatusPayload(event string) []byte {
	if o.conn != nil {
		o.status.SetMQTTConnected(o.conn.IsConnected())
	}
	return status.FormatStatusEvent(o.status.Snapshot(), event, "")
}

// untilNextMinute returns the wait to the next minute boundary. On the
// boundary itself it is a full minute, so it never returns zero.
func untilNextMinute(t time.Time) time.Duration {
	return time.Minute - time.Duration(t.Second())*time.Second - time.Duration(t.Nanosecond())
}

// countEvents counts distinct events across both query results.
func countEvents(lists ...[]calendar.EventSummary) int {
	type key struct {
		title string
		start time.Time
	}
	seen := make(map[key]struct{})
	for _, list := range lists {
		for _, e := range list {
			seen[key{e.Title, e.Start.UTC()}] = struct{}{}
		}
	}
	return len(seen)
}
