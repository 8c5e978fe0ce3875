// Package config loads the YAML configuration for the EMS daemon.
//
// Durations are Go duration strings ("5s", "10m"). Ambient settings that are
// left unset are filled from Defaults; load thresholds are not defaulted and
// must be given for every enabled load.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sweeney/solar-ems/internal/logic"
	"github.com/sweeney/solar-ems/internal/relay"
)

// DefaultPath is where the daemon looks for its configuration.
const DefaultPath = "/etc/ems/ems.yaml"

// Config is the full daemon configuration.
type Config struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	Heartbeat    time.Duration `yaml:"heartbeat"`
	HTTP         string        `yaml:"http"`
	AccessLog    bool          `yaml:"access_log"`
	StateDB      string        `yaml:"state_db"`

	Influx    Influx    `yaml:"influx"`
	Telemetry Telemetry `yaml:"telemetry"`
	Fetch     Fetch     `yaml:"fetch"`
	MQTT      MQTT      `yaml:"mqtt"`
	GPIO      GPIO      `yaml:"gpio"`

	Heater Load `yaml:"heater"`
	Hydro  Load `yaml:"hydro"`
}

// Influx addresses the telemetry store. Either URL (v2) or Host/Port (v1
// compatibility) must be set.
type Influx struct {
	URL          string        `yaml:"url"`
	Token        string        `yaml:"token"`
	Org          string        `yaml:"org"`
	Bucket       string        `yaml:"bucket"`
	QueryTimeout time.Duration `yaml:"query_timeout"`
	Lookback     time.Duration `yaml:"lookback"`

	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
}

// Telemetry holds the averaging windows.
type Telemetry struct {
	ShortWindow time.Duration `yaml:"short_window"`
	LongWindow  time.Duration `yaml:"long_window"`
}

// Fetch bounds retries and the circuit breaker around telemetry reads.
type Fetch struct {
	MaxRetries  int           `yaml:"max_retries"`
	MaxFailures int           `yaml:"max_failures"`
	OpenTimeout time.Duration `yaml:"open_timeout"`
}

// MQTT configures event publishing. An empty broker disables it.
type MQTT struct {
	Broker   string `yaml:"broker"`
	ClientID string `yaml:"client_id"`
	Buffer   int    `yaml:"buffer"`
}

// GPIO selects the chip the relays hang off.
type GPIO struct {
	Chip string `yaml:"chip"`
}

// Load is one controllable load.
type Load struct {
	Enabled    bool          `yaml:"enabled"`
	RelayPin   int           `yaml:"relay_pin"`
	ActiveHigh bool          `yaml:"active_high"`
	StateTimer time.Duration `yaml:"state_timer"`
	On         OnCondition   `yaml:"on_condition"`
	Off        OffCondition  `yaml:"off_condition"`
}

type OnCondition struct {
	BatteryVoltage   float64 `yaml:"battery_voltage"`
	InputPower       float64 `yaml:"input_power"`
	OutputPowerLimit float64 `yaml:"output_power_limit"`
}

type OffCondition struct {
	Timeout     time.Duration `yaml:"timeout"`
	MaxDailyRun time.Duration `yaml:"max_daily_run"`
	Short       Limits        `yaml:"short"`
	Long        Limits        `yaml:"long"`
}

// Limits is a window's off thresholds. InputPower is only read for the long
// window.
type Limits struct {
	BatteryVoltageLimit float64 `yaml:"battery_voltage_limit"`
	LoadLimit           float64 `yaml:"load_limit"`
	InputPower          float64 `yaml:"input_power"`
}

// Defaults returns a Config with every ambient setting filled in and both
// loads disabled.
func Defaults() Config {
	return Config{
		PollInterval: 5 * time.Second,
		Heartbeat:    15 * time.Minute,
		HTTP:         ":80",
		StateDB:      "/var/lib/ems/ems.db",
		Influx: Influx{
			QueryTimeout: 10 * time.Second,
			Lookback:     5 * time.Minute,
		},
		Telemetry: Telemetry{
			ShortWindow: 15 * time.Second,
			LongWindow:  10 * time.Minute,
		},
		Fetch: Fetch{
			MaxRetries:  2,
			MaxFailures: 10,
			OpenTimeout: time.Minute,
		},
		MQTT: MQTT{
			ClientID: "solar-ems",
			Buffer:   100,
		},
		GPIO:   GPIO{Chip: "gpiochip0"},
		Heater: Load{RelayPin: relay.DefaultPinHeater},
		Hydro:  Load{RelayPin: relay.DefaultPinHydro},
	}
}

// LoadFile reads and validates the configuration at path.
func LoadFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML over Defaults and validates the result.
func Parse(data []byte) (Config, error) {
	cfg := Defaults()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Section returns the load section for kind.
func (c Config) Section(kind logic.Kind) Load {
	if kind == logic.KindHydro {
		return c.Hydro
	}
	return c.Heater
}

// LoadConfig converts a load section into the engine's form.
func (c Config) LoadConfig(kind logic.Kind) logic.LoadConfig {
	l := c.Section(kind)
	return logic.LoadConfig{
		Kind:       kind,
		StateTimer: l.StateTimer,
		On: logic.OnCondition{
			BatteryVoltage:   l.On.BatteryVoltage,
			InputPower:       l.On.InputPower,
			OutputPowerLimit: l.On.OutputPowerLimit,
		},
		Off: logic.OffCondition{
			Timeout: l.Off.Timeout,
			Short: logic.ShortLimits{
				BatteryVoltageLimit: l.Off.Short.BatteryVoltageLimit,
				LoadLimit:           l.Off.Short.LoadLimit,
			},
			Long: logic.LongLimits{
				BatteryVoltageLimit: l.Off.Long.BatteryVoltageLimit,
				LoadLimit:           l.Off.Long.LoadLimit,
				InputPower:          l.Off.Long.InputPower,
			},
			MaxDailyRun: l.Off.MaxDailyRun,
		},
	}
}

// EnabledKinds lists the enabled loads, heater first.
func (c Config) EnabledKinds() []logic.Kind {
	var kinds []logic.Kind
	if c.Heater.Enabled {
		kinds = append(kinds, logic.KindHeater)
	}
	if c.Hydro.Enabled {
		kinds = append(kinds, logic.KindHydro)
	}
	return kinds
}

// InfluxURL returns the server URL, building it from Host and Port for v1
// style configuration.
func (i Influx) InfluxURL() string {
	if i.URL != "" {
		return i.URL
	}
	port := i.Port
	if port == 0 {
		port = 8086
	}
	return "http://" + i.Host + ":" + strconv.Itoa(port)
}

// AuthToken returns the v2 token, or the v1 compatibility "user:password"
// token when no token is set.
func (i Influx) AuthToken() string {
	if i.Token != "" || i.User == "" {
		return i.Token
	}
	return i.User + ":" + i.Password
}

// BucketName returns the bucket, mapping a v1 database to its default
// retention policy.
func (i Influx) BucketName() string {
	if i.Bucket != "" {
		return i.Bucket
	}
	return i.Database + "/autogen"
}
