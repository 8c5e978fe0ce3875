package logic

import "time"

// NewLoadState returns the initial state of a load: off, with the dwell timer
// already elapsed so the first favourable cycle may activate it.
func NewLoadState(cfg LoadConfig, now time.Time) LoadState {
	return LoadState{
		LastTransition:   now.Add(-cfg.StateTimer),
		HeatingTimeReset: now,
	}
}

// State returns the logical state of the load.
func (s LoadState) State() State {
	if s.On {
		return StateOn
	}
	return StateOff
}

// RuntimeAt returns today's accumulated heater runtime including the run in
// progress, if any.
func (s LoadState) RuntimeAt(now time.Time) time.Duration {
	rt := s.HeatingTimeCounter
	if s.On && now.After(s.RunStartedAt) {
		rt += now.Sub(s.RunStartedAt)
	}
	return rt
}

func (s LoadState) start(now time.Time) LoadState {
	s.On = true
	s.RunStartedAt = now
	s.LastTransition = now
	return s
}

// stop turns the load off. The run is added to the daily counter only when
// accrue is set, and only if the load was actually on.
func (s LoadState) stop(now time.Time, accrue bool) LoadState {
	if !s.On {
		return s
	}
	if accrue && now.After(s.RunStartedAt) {
		s.HeatingTimeCounter += now.Sub(s.RunStartedAt)
	}
	s.On = false
	s.RunStartedAt = time.Time{}
	s.LastTransition = now
	return s
}

// Evaluate computes the next state and command for one load.
// It never touches a relay; the caller applies Decision.Command.
// Kinds other than KindHydro follow the heater policy.
func Evaluate(st LoadState, snap Snapshot, cfg LoadConfig, now time.Time) (LoadState, Decision) {
	if cfg.Kind == KindHydro {
		return evaluateHydro(st, snap, cfg, now)
	}
	return evaluateHeater(st, snap, cfg, now)
}

// ForceOff turns the load off without telemetry, for shutdown.
// Calling it on a load that is already off changes nothing.
func ForceOff(st LoadState, cfg LoadConfig, now time.Time) (LoadState, Decision) {
	d := Decision{Command: CommandDeactivate, Reason: ReasonShutdown, Transition: st.On}
	st = st.stop(now, cfg.Kind != KindHydro)
	return st, d
}

// Restore rebuilds a state persisted at savedAt. A load that was on is
// taken as stopped at savedAt, its run up to then accrued; the daily
// counter, its day marker and the dwell timer carry over.
func Restore(saved LoadState, cfg LoadConfig, savedAt, now time.Time) LoadState {
	st := saved.stop(savedAt, cfg.Kind != KindHydro)
	if st.HeatingTimeReset.IsZero() {
		st.HeatingTimeReset = now
	}
	return st
}

func (d Decision) with(cmd Command, reason Reason, transition bool, evidence []Measurement) Decision {
	d.Command = cmd
	d.Reason = reason
	d.Transition = transition
	d.Evidence = evidence
	return d
}

// Event builds the transition event for a decision.
// Returns nil when the decision did not change the load's state.
func (d Decision) Event(load string, at time.Time) *Event {
	if !d.Transition {
		return nil
	}
	e := &Event{
		Timestamp: at,
		Load:      load,
		Reason:    d.Reason,
		Evidence:  d.Evidence,
	}
	if d.Command.On() {
		e.Type = EventLoadOn
		e.State = StateOn
	} else {
		e.Type = EventLoadOff
		e.State = StateOff
	}
	return e
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.In(b.Location()).Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

// dwell reports whether the load has been off for at least the state timer.
func dwell(st LoadState, cfg LoadConfig, now time.Time) (bool, []Measurement) {
	off := now.Sub(st.LastTransition)
	if off >= cfg.StateTimer {
		return true, nil
	}
	return false, []Measurement{{Name: "off_s", Value: off.Seconds(), Limit: cfg.StateTimer.Seconds()}}
}
