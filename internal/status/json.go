package status

import (
	"encoding/json"
	"time"
)

// StatusJSON is the top-level JSON envelope for status output.
type StatusJSON struct {
	Status StatusInner `json:"status"`
}

// StatusInner contains the status details.
type StatusInner struct {
	Event         string         `json:"event,omitempty"`
	Reason        string         `json:"reason,omitempty"`
	BootID        string         `json:"boot_id,omitempty"`
	Ready         bool           `json:"ready"`
	UptimeSeconds int64          `json:"uptime_seconds"`
	StartTime     string         `json:"start_time"`
	Timestamp     string         `json:"timestamp"`
	MQTT          MQTTStatus     `json:"mqtt"`
	Loads         []LoadJSON     `json:"loads"`
	Telemetry     *TelemetryJSON `json:"telemetry,omitempty"`
	Fetch         FetchJSON      `json:"fetch"`
	Network       *NetworkJSON   `json:"network,omitempty"`
	Config        ConfigJSON     `json:"config"`
}

// MQTTStatus reports MQTT connection state.
type MQTTStatus struct {
	Connected bool   `json:"connected"`
	Broker    string `json:"broker"`
}

// LoadJSON is the JSON representation of one load.
type LoadJSON struct {
	Name                string            `json:"name"`
	State               string            `json:"state"`
	Command             string            `json:"command,omitempty"`
	Reason              string            `json:"reason,omitempty"`
	LastTransition      string            `json:"last_transition,omitempty"`
	RuntimeTodaySeconds int64             `json:"runtime_today_seconds"`
	MaxDailyRunSeconds  int64             `json:"max_daily_run_seconds,omitempty"`
	Evidence            []MeasurementJSON `json:"evidence,omitempty"`
}

// MeasurementJSON is one value behind a decision.
type MeasurementJSON struct {
	Name  string  `json:"name"`
	Value float64 `json:"value"`
	Limit float64 `json:"limit"`
}

// TelemetryJSON is the last successfully fetched readings.
type TelemetryJSON struct {
	FetchedAt      string  `json:"fetched_at"`
	BatteryV       float64 `json:"battery_v"`
	PVW            float64 `json:"pv_w"`
	LoadW          float64 `json:"load_w"`
	ShortBatteryV  float64 `json:"short_battery_v"`
	ShortLoadW     float64 `json:"short_load_w"`
	LongBatteryV   float64 `json:"long_battery_v"`
	LongPVW        float64 `json:"long_pv_w"`
	LongLoadW      float64 `json:"long_load_w"`
	BatteryAgeSecs float64 `json:"battery_age_seconds"`
	PVAgeSecs      float64 `json:"pv_age_seconds"`
	OutAgeSecs     float64 `json:"out_age_seconds"`
}

// FetchJSON reports telemetry fetch health.
type FetchJSON struct {
	Breaker             string `json:"breaker"`
	ConsecutiveFailures int    `json:"consecutive_failures"`
	LastError           string `json:"last_error,omitempty"`
}

// NetworkJSON is the JSON representation of network info.
type NetworkJSON struct {
	Type       string `json:"type"`
	IP         string `json:"ip"`
	Status     string `json:"status"`
	Gateway    string `json:"gateway"`
	WifiStatus string `json:"wifi_status"`
	SSID       string `json:"ssid"`
}

// ConfigJSON is the JSON representation of daemon config.
type ConfigJSON struct {
	PollMs      int64  `json:"poll_ms"`
	HeartbeatMs int64  `json:"heartbeat_ms"`
	Broker      string `json:"broker"`
	HTTPPort    string `json:"http_port"`
	Influx      string `json:"influx"`
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func buildLoads(snap Snapshot) []LoadJSON {
	loads := make([]LoadJSON, 0, len(snap.Loads))
	for _, l := range snap.Loads {
		state := string(l.State)
		if state == "" {
			state = "UNKNOWN"
		}
		lj := LoadJSON{
			Name:                l.Name,
			State:               state,
			Command:             string(l.Command),
			Reason:              string(l.Reason),
			LastTransition:      formatTime(l.LastTransition),
			RuntimeTodaySeconds: int64(l.RuntimeToday.Seconds()),
			MaxDailyRunSeconds:  int64(l.MaxDailyRun.Seconds()),
		}
		for _, m := range l.Evidence {
			lj.Evidence = append(lj.Evidence, MeasurementJSON{Name: m.Name, Value: m.Value, Limit: m.Limit})
		}
		loads = append(loads, lj)
	}
	return loads
}

func buildTelemetry(snap Snapshot) *TelemetryJSON {
	r := snap.Readings
	if r == nil {
		return nil
	}
	at := snap.TelemetryAt
	return &TelemetryJSON{
		FetchedAt:      formatTime(at),
		BatteryV:       r.Last.Battery.Voltage,
		PVW:            r.Last.PV.Power,
		LoadW:          r.Last.Out.LoadWatt,
		ShortBatteryV:  r.Short.Battery.Voltage,
		ShortLoadW:     r.Short.Out.LoadWatt,
		LongBatteryV:   r.Long.Battery.Voltage,
		LongPVW:        r.Long.PV.Power,
		LongLoadW:      r.Long.Out.LoadWatt,
		BatteryAgeSecs: at.Sub(r.BatteryAt).Seconds(),
		PVAgeSecs:      at.Sub(r.PVAt).Seconds(),
		OutAgeSecs:     at.Sub(r.OutAt).Seconds(),
	}
}

func buildInner(snap Snapshot) StatusInner {
	return StatusInner{
		BootID:        snap.Config.BootID,
		Ready:         snap.Ready(),
		UptimeSeconds: int64(snap.Uptime().Truncate(time.Second).Seconds()),
		StartTime:     snap.StartTime.UTC().Format(time.RFC3339),
		Timestamp:     snap.Now.UTC().Format(time.RFC3339),
		MQTT:          MQTTStatus{Connected: snap.MQTTConnected, Broker: snap.Config.Broker},
		Loads:         buildLoads(snap),
		Telemetry:     buildTelemetry(snap),
		Fetch: FetchJSON{
			Breaker:             snap.Breaker,
			ConsecutiveFailures: snap.ConsecutiveFailures,
			LastError:           snap.FetchError,
		},
		Config: ConfigJSON{
			PollMs:      snap.Config.PollMs,
			HeartbeatMs: snap.Config.HeartbeatMs,
			Broker:      snap.Config.Broker,
			HTTPPort:    snap.Config.HTTPPort,
			Influx:      snap.Config.Influx,
		},
	}
}

func buildNetwork(snap Snapshot, inner *StatusInner) {
	if snap.Network != nil {
		inner.Network = &NetworkJSON{
			Type:       snap.Network.Type,
			IP:         snap.Network.IP,
			Status:     snap.Network.Status,
			Gateway:    snap.Network.Gateway,
			WifiStatus: snap.Network.WifiStatus,
			SSID:       snap.Network.SSID,
		}
	}
}

// FormatJSON returns the JSON status for the web endpoint (no event/reason).
func FormatJSON(snap Snapshot) []byte {
	inner := buildInner(snap)
	buildNetwork(snap, &inner)

	data, _ := json.MarshalIndent(StatusJSON{Status: inner}, "", "  ")
	return data
}

// FormatStatusEvent returns the JSON status for an MQTT system event.
func FormatStatusEvent(snap Snapshot, event, reason string) []byte {
	inner := buildInner(snap)
	inner.Event = event
	inner.Reason = reason
	buildNetwork(snap, &inner)

	data, _ := json.Marshal(StatusJSON{Status: inner})
	return data
}
