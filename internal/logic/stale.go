package logic

import "time"

// CheckStale reports whether any source sample is older than timeout at now.
// The returned measurements carry every source's age in seconds.
// A zero sample time is always stale.
func CheckStale(snap Snapshot, timeout time.Duration, now time.Time) (bool, []Measurement) {
	sources := []struct {
		name string
		at   time.Time
	}{
		{"battery_age_s", snap.BatteryAt},
		{"pv_age_s", snap.PVAt},
		{"out_age_s", snap.OutAt},
	}

	stale := false
	ages := make([]Measurement, 0, len(sources))
	for _, src := range sources {
		age := now.Sub(src.at)
		if src.at.IsZero() || age > timeout {
			stale = true
		}
		ages = append(ages, Measurement{Name: src.name, Value: age.Seconds(), Limit: timeout.Seconds()})
	}
	return stale, ages
}
