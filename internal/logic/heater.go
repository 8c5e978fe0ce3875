package logic

import "time"

func evaluateHeater(st LoadState, snap Snapshot, cfg LoadConfig, now time.Time) (LoadState, Decision) {
	var d Decision

	// The daily counter rolls over whatever the load is doing.
	if !sameDay(st.HeatingTimeReset, now) {
		d.CounterReset = true
		d.DiscardedRuntime = st.HeatingTimeCounter
		st.HeatingTimeCounter = 0
		st.HeatingTimeReset = now
	}

	if st.On {
		if reason, evidence, ok := heaterOffTrigger(st, snap, cfg, now); ok {
			return st.stop(now, true), d.with(CommandDeactivate, reason, true, evidence)
		}
		return st, d.with(CommandActivate, ReasonRunning, false, nil)
	}

	reason, evidence, ok := heaterStart(st, snap, cfg, now)
	if !ok {
		return st, d.with(CommandDeactivate, reason, false, evidence)
	}
	return st.start(now), d.with(CommandActivate, reason, true, evidence)
}

// heaterOffTrigger returns the first off condition that holds, in priority
// order: stale data, daily quota, short window, long window.
func heaterOffTrigger(st LoadState, snap Snapshot, cfg LoadConfig, now time.Time) (Reason, []Measurement, bool) {
	if stale, ages := CheckStale(snap, cfg.Off.Timeout, now); stale {
		return ReasonStaleTelemetry, ages, true
	}

	if rt := st.RuntimeAt(now); rt >= cfg.Off.MaxDailyRun {
		return ReasonDailyQuota, quotaEvidence(rt, cfg), true
	}

	short, lim := snap.Short, cfg.Off.Short
	if short.Out.LoadWatt > lim.LoadLimit || short.Battery.Voltage < lim.BatteryVoltageLimit {
		return ReasonShortOverload, []Measurement{
			{Name: "short_load_w", Value: short.Out.LoadWatt, Limit: lim.LoadLimit},
			{Name: "short_battery_v", Value: short.Battery.Voltage, Limit: lim.BatteryVoltageLimit},
		}, true
	}

	long, llim := snap.Long, cfg.Off.Long
	if long.Out.LoadWatt > llim.LoadLimit ||
		long.Battery.Voltage < llim.BatteryVoltageLimit ||
		long.PV.Power < llim.InputPower {
		return ReasonLongOverload, []Measurement{
			{Name: "long_load_w", Value: long.Out.LoadWatt, Limit: llim.LoadLimit},
			{Name: "long_battery_v", Value: long.Battery.Voltage, Limit: llim.BatteryVoltageLimit},
			{Name: "long_pv_w", Value: long.PV.Power, Limit: llim.InputPower},
		}, true
	}

	return "", nil, false
}

// heaterStart checks whether an off heater may start. All conditions must
// hold; the returned reason is the first one blocking, or
// ReasonStartConditions.
func heaterStart(st LoadState, snap Snapshot, cfg LoadConfig, now time.Time) (Reason, []Measurement, bool) {
	if stale, ages := CheckStale(snap, cfg.Off.Timeout, now); stale {
		return ReasonStaleTelemetry, ages, false
	}
	if ok, evidence := dwell(st, cfg, now); !ok {
		return ReasonDwellPending, evidence, false
	}
	if rt := st.HeatingTimeCounter; rt >= cfg.Off.MaxDailyRun {
		return ReasonDailyQuota, quotaEvidence(rt, cfg), false
	}

	last, on := snap.Last, cfg.On
	evidence := []Measurement{
		{Name: "battery_v", Value: last.Battery.Voltage, Limit: on.BatteryVoltage},
		{Name: "pv_w", Value: last.PV.Power, Limit: on.InputPower},
		{Name: "load_w", Value: last.Out.LoadWatt, Limit: on.OutputPowerLimit},
	}
	if last.Battery.Voltage > on.BatteryVoltage &&
		last.PV.Power > on.InputPower &&
		last.Out.LoadWatt < on.OutputPowerLimit {
		return ReasonStartConditions, evidence, true
	}
	return ReasonConditionsUnmet, evidence, false
}

func quotaEvidence(rt time.Duration, cfg LoadConfig) []Measurement {
	return []Measurement{{Name: "runtime_s", Value: rt.Seconds(), Limit: cfg.Off.MaxDailyRun.Seconds()}}
}
