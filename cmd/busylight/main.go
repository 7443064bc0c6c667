// Command busylight switches a busy light from calendar availability.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/sweeney/busylight/internal/calendar"
	"github.com/sweeney/busylight/internal/config"
	"github.com/sweeney/busylight/internal/device"
	"github.com/sweeney/busylight/internal/health"
	"github.com/sweeney/busylight/internal/heartbeat"
	"github.com/sweeney/busylight/internal/logging"
	"github.com/sweeney/busylight/internal/metrics"
	"github.com/sweeney/busylight/internal/mqtt"
	"github.com/sweeney/busylight/internal/netprobe"
	"github.com/sweeney/busylight/internal/orchestrator"
	"github.com/sweeney/busylight/internal/retry"
	"github.com/sweeney/busylight/internal/status"
	"github.com/sweeney/busylight/internal/web"
)

// version is set via ldflags.
var version = "dev"

const defaultConfigPath = "/etc/busylight/config.yaml"

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "busylight: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "busylight",
		Short:         "Switch a busy light from calendar availability",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath, "config file path")

	root.AddCommand(newRunCommand(&configPath))
	root.AddCommand(newCheckCommand(&configPath))
	root.AddCommand(newConfigCommand(&configPath))
	return root
}

func newRunCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the daemon until SIGINT or SIGTERM",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			log, closeLog, err := logging.New(cfg.Log)
			if err != nil {
				return err
			}
			defer closeLog()

			ctx, cancel := context.WithCancelCause(cmd.Context())
			defer cancel(nil)

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			defer signal.Stop(sigCh)
			go func() {
				select {
				case s := <-sigCh:
					log.Info().Str("signal", signalName(s)).Msg("received signal, shutting down")
					cancel(orchestrator.ShutdownReason(signalName(s)))
				case <-ctx.Done():
				}
			}()

			return run(ctx, cfg, log)
		},
	}
}

func newCheckCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Connect to the device and calendar once, print the busy state and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			log, closeLog, err := logging.New(cfg.Log)
			if err != nil {
				return err
			}
			defer closeLog()

			exec := retry.NewExecutor(retry.WithLogger(logging.Component(log, "retry")))
			ctrl, mon, err := buildPorts(cfg, log, exec, nil)
			if err != nil {
				return err
			}
			defer ctrl.Close()

			return check(cmd.Context(), cmd.OutOrStdout(), ctrl, mon, cfg.LeadTime)
		},
	}
}

func newConfigCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration, creating a default file if none exists",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			if err := printConfig(cmd.OutOrStdout(), cfg); err != nil {
				return err
			}
			return cfg.Validate()
		},
	}
}

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// printConfig writes cfg as YAML with secrets masked.
func printConfig(w io.Writer, cfg *config.Config) error {
	masked := *cfg
	if masked.Calendar.ICS.BearerToken != "" {
		masked.Calendar.ICS.BearerToken = "<redacted>"
	}
	data, err := yaml.Marshal(&masked)
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

func retryPolicy(cfg *config.Config) retry.Policy {
	return retry.Policy{
		MaxAttempts:  cfg.Retry.MaxAttempts,
		InitialDelay: cfg.Retry.InitialDelay,
		MaxDelay:     cfg.Retry.MaxDelay,
	}
}

// buildPorts wires the configured device driver and calendar provider
// into their controller and monitor. m may be nil.
func buildPorts(cfg *config.Config, log zerolog.Logger, exec *retry.Executor, m *metrics.Metrics) (*device.Controller, *calendar.Monitor, error) {
	devPort, err := newDevicePort(cfg, logging.Component(log, "device"))
	if err != nil {
		return nil, nil, err
	}
	calPort, err := newCalendarPort(cfg, logging.Component(log, "calendar"))
	if err != nil {
		devPort.Close()
		return nil, nil, err
	}

	policy := retryPolicy(cfg)
	ctrl := device.NewController(devPort, health.New(cfg.DeviceStaleAfter, nil), exec,
		device.WithPolicy(policy),
		device.WithErrorCadence(cfg.ErrorFlashCadence),
		device.WithMetrics(m),
		device.WithLogger(logging.Component(log, "device")),
	)
	mon := calendar.NewMonitor(calPort, health.New(cfg.CalendarStaleAfter, nil), exec,
		calendar.WithPolicy(policy),
		calendar.WithMetrics(m),
		calendar.WithLogger(logging.Component(log, "calendar")),
	)
	return ctrl, mon, nil
}

func run(ctx context.Context, cfg *config.Config, log zerolog.Logger) error {
	instance := uuid.NewString()
	m := metrics.New()
	exec := retry.NewExecutor(
		retry.WithLogger(logging.Component(log, "retry")),
		retry.WithRetryHook(m.Retry),
	)

	ctrl, mon, err := buildPorts(cfg, log, exec, m)
	if err != nil {
		return err
	}
	defer ctrl.Close()

	probe := netprobe.New(cfg.Probe.Address, cfg.Probe.Timeout, logging.Component(log, "netprobe"))

	tracker := status.NewTracker(time.Now(), instance, status.Config{
		PollInterval: cfg.PollInterval,
		LeadTime:     cfg.LeadTime,
		Heartbeat:    cfg.Heartbeat.Interval,
		Calendar:     cfg.Calendar.Provider,
		Device:       cfg.Device.Driver,
		Broker:       cfg.MQTT.Broker,
		HTTPAddr:     cfg.HTTPAddr,
	})

	// o is assigned below; the MQTT heartbeat sink only calls it once Run
	// has started the heartbeat.
	var o *orchestrator.Orchestrator
	opts := []orchestrator.Option{
		orchestrator.WithStatus(tracker),
		orchestrator.WithMetrics(m),
		orchestrator.WithLogger(logging.Component(log, "orchestrator")),
	}

	var sinks []heartbeat.Sink
	if cfg.Heartbeat.Path != "" {
		sinks = append(sinks, heartbeat.NewFileSink(cfg.Heartbeat.Path))
	}
	if cfg.MQTT.Broker != "" {
		pub, err := mqtt.NewRealPublisher(mqtt.Config{
			Broker:      cfg.MQTT.Broker,
			ClientID:    cfg.MQTT.ClientID + "-" + instance[:8],
			TopicPrefix: cfg.MQTT.TopicPrefix,
			Instance:    instance,
		}, logging.Component(log, "mqtt"))
		if err != nil {
			return fmt.Errorf("init mqtt: %w", err)
		}
		defer pub.Close()
		opts = append(opts, orchestrator.WithPublisher(pub), orchestrator.WithConnectionStatus(pub))
		sinks = append(sinks, heartbeat.NewMQTTSink(pub, instance, func(event string) []byte {
			return o.StatusPayload(event)
		}))
	}
	if len(sinks) > 0 {
		opts = append(opts, orchestrator.WithHeartbeat(heartbeat.New(cfg.Heartbeat.Interval, sinks,
			heartbeat.WithLogger(logging.Component(log, "heartbeat")),
			heartbeat.WithMetrics(m),
		)))
	}

	o = orchestrator.New(ctrl, mon, probe, orchestrator.Config{
		LeadTime:             cfg.LeadTime,
		PollInterval:         cfg.PollInterval,
		MaxNetworkWait:       cfg.MaxNetworkWait,
		NetworkCheckInterval: cfg.NetworkCheckInterval,
		ProbeTimeout:         cfg.Probe.Timeout,
		StartupFlashTimes:    cfg.StartupFlash.Times,
		StartupFlashInterval: cfg.StartupFlash.Interval,
		StatusPath:           cfg.StatusPath,
		AgendaSchedule:       cfg.AgendaSchedule,
		Instance:             instance,
	}, opts...)

	if cfg.HTTPAddr != "" {
		srv := web.New(cfg.HTTPAddr, tracker, web.WithMetrics(m.Handler()), web.WithLogger(log))
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("http server error")
			}
		}()
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(sctx)
		}()
		log.Info().Str("addr", cfg.HTTPAddr).Msg("http status server listening")
	}

	log.Info().
		Str("instance", instance).
		Str("calendar", cfg.Calendar.Provider).
		Str("device", cfg.Device.Driver).
		Dur("lead_time", cfg.LeadTime).
		Dur("poll_interval", cfg.PollInterval).
		Msg("started")

	return o.Run(ctx)
}

// checkDevice is what check needs from the device controller.
type checkDevice interface {
	Connect(ctx context.Context) bool
	LastState() (on, known bool)
	Session() (device.Session, bool)
}

// check connects both ports once and prints the result.
func check(ctx context.Context, w io.Writer, dev checkDevice, cal orchestrator.Calendar, lead time.Duration) error {
	var errs []error

	if dev.Connect(ctx) {
		on, _ := dev.LastState()
		s, _ := dev.Session()
		fmt.Fprintf(w, "DEVICE: %s (%s %s)\n", device.StateString(on), s.Transport, s.Endpoint)
	} else {
		fmt.Fprintln(w, "DEVICE: unreachable")
		errs = append(errs, errors.New("device unreachable"))
	}

	if !cal.EnsureAuthenticated(ctx) {
		fmt.Fprintln(w, "CALENDAR: authentication failed")
		return errors.Join(append(errs, errors.New("calendar authentication failed"))...)
	}
	fmt.Fprintln(w, "CALENDAR: authenticated")

	now := cal.IsBusyNow(ctx)
	soon := cal.IsBusyWithin(ctx, lead)
	if !now.OK || !soon.OK {
		errs = append(errs, errors.New("calendar query failed"))
	}
	fmt.Fprintf(w, "BUSY NOW: %s\n", busyLine(now))
	fmt.Fprintf(w, "BUSY WITHIN %s: %s\n", lead, busyLine(soon))

	if events, ok := cal.ListTodaysEvents(ctx); ok {
		fmt.Fprintf(w, "TODAY: %d events\n", len(events))
		for _, e := range events {
			kind := "FREE"
			if e.Opaque {
				kind = "BUSY"
			}
			fmt.Fprintf(w, "  %s %s %s\n", kind, e.Span(), e.Title)
		}
	}
	return errors.Join(errs...)
}

func busyLine(r calendar.Result) string {
	switch {
	case !r.OK:
		return "unknown"
	case r.Busy:
		return "True (" + r.Title() + ")"
	default:
		return "False"
	}
}

func signalName(s os.Signal) string {
	switch s {
	case syscall.SIGINT:
		return "SIGINT"
	case syscall.SIGTERM:
		return "SIGTERM"
	default:
		return "UNKNOWN"
	}
}
