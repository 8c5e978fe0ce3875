package logic

import "time"

// The hydro load is a release valve: it starts on ANY sign of stress and
// stops once the long-window battery voltage shows the bank is charged.
// Unlike the heater, one condition is enough.

func evaluateHydro(st LoadState, snap Snapshot, cfg LoadConfig, now time.Time) (LoadState, Decision) {
	var d Decision

	if st.On {
		if reason, evidence, ok := hydroOffTrigger(snap, cfg, now); ok {
			return st.stop(now, false), d.with(CommandDeactivate, reason, true, evidence)
		}
		return st, d.with(CommandActivate, ReasonRunning, false, nil)
	}

	reason, evidence, ok := hydroStart(st, snap, cfg, now)
	if !ok {
		return st, d.with(CommandDeactivate, reason, false, evidence)
	}
	return st.start(now), d.with(CommandActivate, reason, true, evidence)
}

func hydroOffTrigger(snap Snapshot, cfg LoadConfig, now time.Time) (Reason, []Measurement, bool) {
	if stale, ages := CheckStale(snap, cfg.Off.Timeout, now); stale {
		return ReasonStaleTelemetry, ages, true
	}

	v, limit := snap.Long.Battery.Voltage, cfg.Off.Long.BatteryVoltageLimit
	if v > limit {
		return ReasonBatteryCharged, []Measurement{{Name: "long_battery_v", Value: v, Limit: limit}}, true
	}
	return "", nil, false
}

func hydroStart(st LoadState, snap Snapshot, cfg LoadConfig, now time.Time) (Reason, []Measurement, bool) {
	if stale, ages := CheckStale(snap, cfg.Off.Timeout, now); stale {
		return ReasonStaleTelemetry, ages, false
	}
	if ok, evidence := dwell(st, cfg, now); !ok {
		return ReasonDwellPending, evidence, false
	}

	last, on := snap.Last, cfg.On
	evidence := []Measurement{
		{Name: "battery_v", Value: last.Battery.Voltage, Limit: on.BatteryVoltage},
		{Name: "pv_w", Value: last.PV.Power, Limit: on.InputPower},
		{Name: "load_w", Value: last.Out.LoadWatt, Limit: on.OutputPowerLimit},
	}
	if last.Battery.Voltage < on.BatteryVoltage ||
		last.PV.Power < on.InputPower ||
		last.Out.LoadWatt > on.OutputPowerLimit {
		return ReasonStressDetected, evidence, true
	}
	return ReasonConditionsUnmet, evidence, false
}
