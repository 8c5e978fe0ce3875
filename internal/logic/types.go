// Package logic contains the pure decision engine for the controllable loads.
// This package has NO external dependencies (no GPIO, MQTT, InfluxDB, OS, or time.Sleep).
// Time is always injectable via time.Time parameters.
package logic

import "time"

// Kind identifies which state machine drives a load.
type Kind string

const (
	KindHeater Kind = "heater"
	KindHydro  Kind = "hydro"
)

// State represents the logical state of a load.
type State string

const (
	StateOn  State = "ON"
	StateOff State = "OFF"
)

// Command is the idempotent instruction for a relay.
type Command string

const (
	CommandActivate   Command = "ACTIVATE"
	CommandDeactivate Command = "DEACTIVATE"
)

// On reports whether the command energizes the load.
func (c Command) On() bool {
	return c == CommandActivate
}

// Reason tags the cause of a decision.
type Reason string

const (
	// Off-transitions and withheld activations.
	ReasonStaleTelemetry Reason = "STALE_TELEMETRY"
	ReasonDailyQuota     Reason = "DAILY_QUOTA_EXCEEDED"
	ReasonShortOverload  Reason = "SHORT_WINDOW_OVERLOAD"
	ReasonLongOverload   Reason = "LONG_WINDOW_OVERLOAD"
	ReasonBatteryCharged Reason = "BATTERY_CHARGED"
	ReasonShutdown       Reason = "SHUTDOWN"

	// On-transitions.
	ReasonStartConditions Reason = "START_CONDITIONS_MET"
	ReasonStressDetected  Reason = "STRESS_DETECTED"

	// No change.
	ReasonRunning         Reason = "RUNNING"
	ReasonDwellPending    Reason = "DWELL_PENDING"
	ReasonConditionsUnmet Reason = "CONDITIONS_UNMET"
)

// Battery holds battery bank readings.
type Battery struct {
	Voltage          float64 // DC volts
	ChargingCurrent  float64 // amps
	DischargeCurrent float64 // amps
}

// PV holds photovoltaic input readings.
type PV struct {
	Voltage float64 // DC volts
	Current float64 // amps
	Power   float64 // watts
}

// Output holds inverter AC output readings.
type Output struct {
	Voltage     float64 // AC volts
	Frequency   float64 // Hz
	LoadPercent float64
	LoadVA      float64
	LoadWatt    float64
}

// Readings is one reading set per source.
type Readings struct {
	Battery Battery
	PV      PV
	Out     Output
}

// Snapshot is one polling cycle's telemetry.
type Snapshot struct {
	// Last holds the instantaneous (most recent) readings.
	Last Readings
	// Short and Long hold the window averages.
	Short Readings
	Long  Readings

	// Sample times of the instantaneous readings.
	BatteryAt time.Time
	PVAt      time.Time
	OutAt     time.Time
}

// OnCondition holds the thresholds for an off→on transition.
type OnCondition struct {
	BatteryVoltage   float64
	InputPower       float64
	OutputPowerLimit float64
}

// ShortLimits are checked against the short-window average.
type ShortLimits struct {
	BatteryVoltageLimit float64
	LoadLimit           float64
}

// LongLimits are checked against the long-window average.
type LongLimits struct {
	BatteryVoltageLimit float64
	LoadLimit           float64
	InputPower          float64
}

// OffCondition holds the thresholds that force an on→off transition.
type OffCondition struct {
	Timeout     time.Duration
	Short       ShortLimits
	Long        LongLimits
	MaxDailyRun time.Duration // heater only
}

// LoadConfig is the validated configuration of one load.
type LoadConfig struct {
	Kind       Kind
	StateTimer time.Duration
	On         OnCondition
	Off        OffCondition
}

// LoadState is the mutable record of one load, carried between cycles.
type LoadState struct {
	On             bool
	LastTransition time.Time
	RunStartedAt   time.Time

	// Heater only
	HeatingTimeCounter time.Duration
	HeatingTimeReset   time.Time
}

// Measurement is one value that contributed to a decision.
// Limit is the configured threshold it was compared against.
type Measurement struct {
	Name  string
	Value float64
	Limit float64
}

// Decision is the result of one evaluation.
type Decision struct {
	Command Command
	Reason  Reason
	// Transition is true when the load changed state.
	Transition bool
	// CounterReset is true when the daily runtime counter rolled over.
	CounterReset     bool
	DiscardedRuntime time.Duration
	Evidence         []Measurement
}

// EventType represents a load transition event.
type EventType string

const (
	EventLoadOn  EventType = "LOAD_ON"
	EventLoadOff EventType = "LOAD_OFF"
)

// Event represents a load transition to be published.
type Event struct {
	Timestamp time.Time
	Load      string
	Type      EventType
	Reason    Reason
	State     State
	Evidence  []Measurement
}
