package main

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/sweeney/busylight/internal/calendar"
	"github.com/sweeney/busylight/internal/calendar/google"
	"github.com/sweeney/busylight/internal/calendar/ics"
	"github.com/sweeney/busylight/internal/config"
	"github.com/sweeney/busylight/internal/device"
	"github.com/sweeney/busylight/internal/gpio"
	"github.com/sweeney/busylight/internal/modbus"
	"github.com/sweeney/busylight/internal/mqtt"
)

// feedTimeout bounds one ICS download.
const feedTimeout = 30 * time.Second

// newDevicePort builds the configured switch driver. No connection is
// made here; the controller opens a session on Connect.
func newDevicePort(cfg *config.Config, log zerolog.Logger) (device.Port, error) {
	d := cfg.Device
	switch d.Driver {
	case config.DriverGPIO:
		endpoint := fmt.Sprintf("%s/%d", d.GPIO.Chip, d.GPIO.Line)
		return gpio.NewRelay(gpio.ChipOpener(d.GPIO.Chip, d.GPIO.Line), endpoint, d.GPIO.ActiveLow, log), nil
	case config.DriverModbus:
		coil, err := modbus.NewCoil(modbus.Config{
			Endpoint: d.Modbus.Endpoint,
			UnitID:   d.Modbus.UnitID,
			Coil:     d.Modbus.Coil,
			Timeout:  d.Modbus.Timeout,
		}, log)
		if err != nil {
			return nil, err
		}
		return coil, nil
	case config.DriverMQTT:
		return mqtt.NewSwitch(mqtt.SwitchConfig{
			Broker:   d.MQTT.Broker,
			ClientID: cfg.MQTT.ClientID + "-switch",
			Topic:    d.MQTT.Topic,
			Timeout:  d.MQTT.Timeout,
		}, log), nil
	default:
		return nil, fmt.Errorf("unknown device driver %q", d.Driver)
	}
}

// newCalendarPort builds the configured calendar provider.
func newCalendarPort(cfg *config.Config, log zerolog.Logger) (calendar.Port, error) {
	c := cfg.Calendar
	switch c.Provider {
	case config.ProviderICS:
		f := ics.NewFetcher(c.ICS.URL, c.ICS.BearerToken, c.ICS.CacheDir, feedTimeout, log)
		return ics.NewPort(f, log), nil
	case config.ProviderGoogle:
		return google.New(google.Config{
			CredentialsPath: c.Google.CredentialsPath,
			TokenPath:       c.Google.TokenPath,
			CalendarID:      c.Google.CalendarID,
		}, log), nil
	default:
		return nil, fmt.Errorf("unknown calendar provider %q", c.Provider)
	}
}
