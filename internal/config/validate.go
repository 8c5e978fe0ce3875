package config

import (
	"fmt"
	"strings"

	"github.com/sweeney/solar-ems/internal/logic"
)

// ValidationError lists every problem found in a configuration.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "invalid config: " + strings.Join(e.Problems, "; ")
}

// Validate checks the configuration invariants. It returns a
// *ValidationError describing all violations, or nil.
func (c Config) Validate() error {
	var p []string
	add := func(format string, args ...any) {
		p = append(p, fmt.Sprintf(format, args...))
	}

	if !c.Heater.Enabled && !c.Hydro.Enabled {
		add("no load enabled")
	}
	if c.PollInterval <= 0 {
		add("poll_interval must be positive")
	}
	if c.Heartbeat <= 0 {
		add("heartbeat must be positive")
	}
	if c.Telemetry.ShortWindow <= 0 {
		add("telemetry.short_window must be positive")
	}
	if c.Telemetry.LongWindow <= 0 {
		add("telemetry.long_window must be positive")
	}
	if c.Influx.URL == "" && c.Influx.Host == "" {
		add("influx: url or host is required")
	}
	if c.Influx.Bucket == "" && c.Influx.Database == "" {
		add("influx: bucket or database is required")
	}
	if c.Influx.QueryTimeout <= 0 {
		add("influx.query_timeout must be positive")
	}
	if c.Influx.Lookback <= 0 {
		add("influx.lookback must be positive")
	}
	if c.Fetch.MaxRetries < 0 {
		add("fetch.max_retries must not be negative")
	}
	if c.Fetch.MaxFailures <= 0 {
		add("fetch.max_failures must be positive")
	}
	if c.Fetch.OpenTimeout <= 0 {
		add("fetch.open_timeout must be positive")
	}
	if c.MQTT.Buffer < 0 {
		add("mqtt.buffer must not be negative")
	}

	for _, kind := range []logic.Kind{logic.KindHeater, logic.KindHydro} {
		l := c.Section(kind)
		if !l.Enabled {
			continue
		}
		p = append(p, l.problems(string(kind), kind == logic.KindHeater)...)
		// The last() query must reach back past the staleness timeout.
		if c.Influx.Lookback > 0 && l.Off.Timeout >= c.Influx.Lookback {
			add("%s: off_condition.timeout %v must be shorter than influx.lookback %v", kind, l.Off.Timeout, c.Influx.Lookback)
		}
	}

	if c.Heater.Enabled && c.Hydro.Enabled && c.Heater.RelayPin == c.Hydro.RelayPin {
		add("heater and hydro share relay_pin %d", c.Heater.RelayPin)
	}

	if len(p) > 0 {
		return &ValidationError{Problems: p}
	}
	return nil
}

func (l Load) problems(name string, heater bool) []string {
	var p []string
	add := func(format string, args ...any) {
		p = append(p, name+": "+fmt.Sprintf(format, args...))
	}

	if l.RelayPin < 0 {
		add("relay_pin must not be negative")
	}
	if l.StateTimer < 0 {
		add("state_timer must not be negative")
	}
	if l.Off.Timeout <= 0 {
		add("off_condition.timeout must be positive")
	}

	thresholds := []struct {
		name  string
		value float64
	}{
		{"on_condition.battery_voltage", l.On.BatteryVoltage},
		{"on_condition.input_power", l.On.InputPower},
		{"on_condition.output_power_limit", l.On.OutputPowerLimit},
		{"off_condition.short.battery_voltage_limit", l.Off.Short.BatteryVoltageLimit},
		{"off_condition.short.load_limit", l.Off.Short.LoadLimit},
		{"off_condition.long.battery_voltage_limit", l.Off.Long.BatteryVoltageLimit},
		{"off_condition.long.load_limit", l.Off.Long.LoadLimit},
		{"off_condition.long.input_power", l.Off.Long.InputPower},
	}
	for _, th := range thresholds {
		if th.value < 0 {
			add("%s must not be negative", th.name)
		}
	}

	if heater && l.Off.MaxDailyRun <= 0 {
		add("off_condition.max_daily_run must be positive")
	}
	return p
}
