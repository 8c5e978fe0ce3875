// Package status provides a thread-safe status tracker for the EMS daemon.
// It is read by HTTP handlers and by the MQTT system events.
package status

import (
	"sync"
	"time"

	"github.com/sweeney/solar-ems/internal/logic"
)

// NetworkInfo contains network state. This is a local copy to avoid
// importing internal/mqtt from status.
type NetworkInfo struct {
	Type       string
	IP         string
	Status     string
	Gateway    string
	WifiStatus string
	SSID       string
}

// Config contains daemon configuration for display.
type Config struct {
	PollMs      int64
	HeartbeatMs int64
	Broker      string
	HTTPPort    string
	Influx      string
	BootID      string
}

// LoadStatus is the latest known state of one load.
type LoadStatus struct {
	Name           string
	State          logic.State
	Command        logic.Command
	Reason         logic.Reason
	Evidence       []logic.Measurement
	LastTransition time.Time
	RuntimeToday   time.Duration
	MaxDailyRun    time.Duration
}

// Snapshot is a point-in-time view of daemon state.
// It is a value type, safe to use after the lock is released.
type Snapshot struct {
	Loads               []LoadStatus
	Readings            *logic.Snapshot
	TelemetryAt         time.Time
	FetchError          string
	ConsecutiveFailures int
	Breaker             string
	StartTime           time.Time
	Now                 time.Time
	MQTTConnected       bool
	Network             *NetworkInfo
	Config              Config
}

// Uptime returns the duration since the daemon started.
func (s Snapshot) Uptime() time.Duration {
	return s.Now.Sub(s.StartTime)
}

// Ready reports whether telemetry has been read and the last read worked.
func (s Snapshot) Ready() bool {
	return s.Readings != nil && s.ConsecutiveFailures == 0
}

// Load returns the status of the named load.
func (s Snapshot) Load(name string) (LoadStatus, bool) {
	for _, l := range s.Loads {
		if l.Name == name {
			return l, true
		}
	}
	return LoadStatus{}, false
}

// Tracker holds mutable daemon state behind an RWMutex.
type Tracker struct {
	mu            sync.RWMutex
	snap          Snapshot
	lastHeartbeat time.Time
}

// NewTracker creates a Tracker with the given start time and config.
func NewTracker(startTime time.Time, cfg Config) *Tracker {
	return &Tracker{
		snap: Snapshot{
			StartTime: startTime,
			Config:    cfg,
			Breaker:   "closed",
		},
		lastHeartbeat: startTime,
	}
}

// UpdateLoad replaces the status of one load, adding it if new.
func (t *Tracker) UpdateLoad(ls LoadStatus) {
	t.mu.Lock()
	defer t.mu.Unlock()

	loads := make([]LoadStatus, 0, len(t.snap.Loads)+1)
	replaced := false
	for _, l := range t.snap.Loads {
		if l.Name == ls.Name {
			l = ls
			replaced = true
		}
		loads = append(loads, l)
	}
	if !replaced {
		loads = append(loads, ls)
	}
	t.snap.Loads = loads
}

// UpdateTelemetry records a successful fetch.
func (t *Tracker) UpdateTelemetry(readings logic.Snapshot, at time.Time) {
	t.mu.Lock()
	t.snap.Readings = &readings
	t.snap.TelemetryAt = at
	t.snap.FetchError = ""
	t.snap.ConsecutiveFailures = 0
	t.mu.Unlock()
}

// FetchFailed records a failed fetch and returns the consecutive failure count.
func (t *Tracker) FetchFailed(err error) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.snap.FetchError = err.Error()
	t.snap.ConsecutiveFailures++
	return t.snap.ConsecutiveFailures
}

// SetBreaker sets the telemetry circuit breaker state.
func (t *Tracker) SetBreaker(state string) {
	t.mu.Lock()
	t.snap.Breaker = state
	t.mu.Unlock()
}

// SetMQTTConnected sets the MQTT connection status.
func (t *Tracker) SetMQTTConnected(connected bool) {
	t.mu.Lock()
	t.snap.MQTTConnected = connected
	t.mu.Unlock()
}

// SetNetwork sets the network info.
func (t *Tracker) SetNetwork(info *NetworkInfo) {
	t.mu.Lock()
	t.snap.Network = info
	t.mu.Unlock()
}

// CheckHeartbeat reports whether interval has passed since the last
// heartbeat (or start), and if so marks now as the last heartbeat.
func (t *Tracker) CheckHeartbeat(now time.Time, interval time.Duration) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if interval <= 0 || now.Sub(t.lastHeartbeat) < interval {
		return false
	}
	t.lastHeartbeat = now
	return true
}

// Snapshot returns a point-in-time copy of the daemon state.
// The Now field is set to the current time at the moment of the call.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.RLock()
	s := t.snap
	s.Loads = append([]LoadStatus(nil), t.snap.Loads...)
	t.mu.RUnlock()
	s.Now = time.Now()
	return s
}
