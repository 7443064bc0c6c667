// Package config loads the busylight YAML configuration.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/sweeney/busylight/internal/fileutil"
	"github.com/sweeney/busylight/internal/logging"
)

// Calendar providers.
const (
	ProviderGoogle = "google"
	ProviderICS    = "ics"
)

// Device drivers.
const (
	DriverGPIO   = "gpio"
	DriverModbus = "modbus"
	DriverMQTT   = "mqtt"
)

type ProbeConfig struct {
	Address string        `yaml:"address" validate:"required,hostname_port"`
	Timeout time.Duration `yaml:"timeout" validate:"gt=0"`
}

type RetryConfig struct {
	MaxAttempts  int           `yaml:"max_attempts" validate:"min=1"`
	InitialDelay time.Duration `yaml:"initial_delay" validate:"gt=0"`
	MaxDelay     time.Duration `yaml:"max_delay" validate:"gtefield=InitialDelay"`
}

type FlashConfig struct {
	Times    int           `yaml:"times" validate:"min=0"`
	Interval time.Duration `yaml:"interval" validate:"gt=0"`
}

type HeartbeatConfig struct {
	Interval time.Duration `yaml:"interval" validate:"gt=0"`
	// Path is the liveness file. Empty disables it.
	Path string `yaml:"path"`
}

type GoogleConfig struct {
	CredentialsPath string `yaml:"credentials_path"`
	TokenPath       string `yaml:"token_path"`
	CalendarID      string `yaml:"calendar_id"`
}

type ICSConfig struct {
	URL         string `yaml:"url" validate:"omitempty,url"`
	CacheDir    string `yaml:"cache_dir"`
	BearerToken string `yaml:"bearer_token,omitempty"`
}

type CalendarConfig struct {
	Provider string       `yaml:"provider" validate:"oneof=google ics"`
	Google   GoogleConfig `yaml:"google"`
	ICS      ICSConfig    `yaml:"ics"`
}

type GPIOConfig struct {
	Chip      string `yaml:"chip"`
	Line      int    `yaml:"line" validate:"min=0"`
	ActiveLow bool   `yaml:"active_low"`
}

type ModbusConfig struct {
	Endpoint string        `yaml:"endpoint" validate:"omitempty,hostname_port"`
	UnitID   uint8         `yaml:"unit_id"`
	Coil     uint16        `yaml:"coil"`
	Timeout  time.Duration `yaml:"timeout" validate:"gte=0"`
}

type SwitchConfig struct {
	Broker  string        `yaml:"broker"`
	Topic   string        `yaml:"topic"`
	Timeout time.Duration `yaml:"timeout" validate:"gte=0"`
}

type DeviceConfig struct {
	Driver string       `yaml:"driver" validate:"oneof=gpio modbus mqtt"`
	GPIO   GPIOConfig   `yaml:"gpio"`
	Modbus ModbusConfig `yaml:"modbus"`
	MQTT   SwitchConfig `yaml:"mqtt"`
}

// MQTTConfig configures system event publishing. Empty Broker disables it.
type MQTTConfig struct {
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id"`
	TopicPrefix string `yaml:"topic_prefix"`
}

// Config is the top-level daemon configuration.
type Config struct {
	// LeadTime is how far ahead an event start turns the light on.
	LeadTime             time.Duration `yaml:"lead_time" validate:"gt=0"`
	PollInterval         time.Duration `yaml:"poll_interval" validate:"gt=0"`
	MaxNetworkWait       time.Duration `yaml:"max_network_wait" validate:"gt=0"`
	NetworkCheckInterval time.Duration `yaml:"network_check_interval" validate:"gt=0"`
	Probe                ProbeConfig   `yaml:"probe"`

	DeviceStaleAfter   time.Duration `yaml:"device_stale_after" validate:"gt=0"`
	CalendarStaleAfter time.Duration `yaml:"calendar_stale_after" validate:"gt=0"`

	Retry             RetryConfig     `yaml:"retry"`
	StartupFlash      FlashConfig     `yaml:"startup_flash"`
	ErrorFlashCadence time.Duration   `yaml:"error_flash_cadence" validate:"gt=0"`
	Heartbeat         HeartbeatConfig `yaml:"heartbeat"`

	// StatusPath is the status record file. Empty disables it.
	StatusPath string `yaml:"status_path"`
	// AgendaSchedule is a standard 5-field cron expression for agenda logging.
	AgendaSchedule string `yaml:"agenda_schedule" validate:"required"`
	// HTTPAddr is the status server address. Empty disables it.
	HTTPAddr string `yaml:"http_addr" validate:"omitempty,hostname_port"`

	Log      logging.Config `yaml:"log"`
	Calendar CalendarConfig `yaml:"calendar"`
	Device   DeviceConfig   `yaml:"device"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	c := &Config{}
	c.Normalize()
	return c
}

// Normalize fills in missing/zero values with defaults so that
// partially-filled configs still behave correctly.
func (c *Config) Normalize() {
	setDur(&c.LeadTime, 2*time.Minute)
	setDur(&c.PollInterval, 30*time.Second)
	setDur(&c.MaxNetworkWait, 5*time.Minute)
	setDur(&c.NetworkCheckInterval, 10*time.Second)
	setStr(&c.Probe.Address, "8.8.8.8:53")
	setDur(&c.Probe.Timeout, 5*time.Second)
	setDur(&c.DeviceStaleAfter, 5*time.Minute)
	setDur(&c.CalendarStaleAfter, 30*time.Minute)

	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = 3
	}
	setDur(&c.Retry.InitialDelay, time.Second)
	setDur(&c.Retry.MaxDelay, time.Minute)

	if c.StartupFlash.Times == 0 {
		c.StartupFlash.Times = 3
	}
	setDur(&c.StartupFlash.Interval, time.Second)
	setDur(&c.ErrorFlashCadence, 300*time.Millisecond)
	setDur(&c.Heartbeat.Interval, 30*time.Second)
	setStr(&c.Heartbeat.Path, "/var/lib/busylight/heartbeat")
	setStr(&c.StatusPath, "/var/lib/busylight/calendar_status.txt")
	setStr(&c.AgendaSchedule, "0 * * * *")
	setStr(&c.HTTPAddr, "127.0.0.1:8080")

	setStr(&c.Log.Level, "info")
	setStr(&c.Log.Format, "console")
	setStr(&c.Log.Output, "stderr")

	setStr(&c.Calendar.Provider, ProviderICS)
	setStr(&c.Calendar.Google.CalendarID, "primary")
	setStr(&c.Calendar.Google.CredentialsPath, "/etc/busylight/credentials.json")
	setStr(&c.Calendar.Google.TokenPath, "/var/lib/busylight/token.json")
	setStr(&c.Calendar.ICS.CacheDir, "/var/lib/busylight/ics")

	setStr(&c.Device.Driver, DriverGPIO)
	setStr(&c.Device.GPIO.Chip, "gpiochip0")
	if c.Device.GPIO.Line == 0 {
		c.Device.GPIO.Line = 17
	}
	if c.Device.Modbus.UnitID == 0 {
		c.Device.Modbus.UnitID = 1
	}
	setDur(&c.Device.Modbus.Timeout, 5*time.Second)
	setDur(&c.Device.MQTT.Timeout, 5*time.Second)

	setStr(&c.MQTT.ClientID, "busylight")
	setStr(&c.MQTT.TopicPrefix, "busylight")
}

func setDur(d *time.Duration, def time.Duration) {
	if *d <= 0 {
		*d = def
	}
}

func setStr(s *string, def string) {
	if strings.TrimSpace(*s) == "" {
		*s = def
	}
}

var validate = validator.New()

// Validate checks field constraints and the settings each selected
// calendar provider and device driver require.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	var errs []error
	switch c.Calendar.Provider {
	case ProviderICS:
		if c.Calendar.ICS.URL == "" {
			errs = append(errs, errors.New("calendar.ics.url is required"))
		}
	case ProviderGoogle:
		if c.Calendar.Google.CredentialsPath == "" || c.Calendar.Google.TokenPath == "" {
			errs = append(errs, errors.New("calendar.google.credentials_path and token_path are required"))
		}
	}
	switch c.Device.Driver {
	case DriverModbus:
		if c.Device.Modbus.Endpoint == "" {
			errs = append(errs, errors.New("device.modbus.endpoint is required"))
		}
	case DriverMQTT:
		if c.Device.MQTT.Broker == "" || c.Device.MQTT.Topic == "" {
			errs = append(errs, errors.New("device.mqtt.broker and topic are required"))
		}
	}
	if _, err := cron.ParseStandard(c.AgendaSchedule); err != nil {
		errs = append(errs, fmt.Errorf("agenda_schedule: %w", err))
	}
	if c.LeadTime > time.Hour {
		errs = append(errs, errors.New("lead_time must be at most 1h"))
	}
	return errors.Join(errs...)
}

// Load loads configuration from the given YAML path.
//
// Behavior:
//   - If the file does not exist, a default config is written with 0600
//     perms and returned.
//   - Otherwise the YAML is unmarshalled and defaults are filled in.
//
// Load does not validate; call Validate before use.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				return cfg, err
			}
			return cfg, nil
		}
		return nil, err
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.Normalize()
	return cfg, nil
}

// Save writes cfg as YAML atomically with 0600 permissions, since it may
// hold a feed token.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return fileutil.WriteAtomic(path, data, 0o600)
}
