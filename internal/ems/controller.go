// Package ems runs the polling cycle: fetch telemetry, evaluate each
// enabled load, drive its relay and report the outcome.
package ems

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sweeney/solar-ems/internal/logic"
	"github.com/sweeney/solar-ems/internal/metrics"
	"github.com/sweeney/solar-ems/internal/mqtt"
	"github.com/sweeney/solar-ems/internal/relay"
	"github.com/sweeney/solar-ems/internal/status"
	"github.com/sweeney/solar-ems/internal/telemetry"
)

// StateStore persists load state across restarts.
type StateStore interface {
	SaveState(load string, st logic.LoadState, at time.Time) error
	LoadState(load string) (logic.LoadState, time.Time, bool, error)
	RecordTransition(load string, d logic.Decision, at time.Time) error
}

// Load pairs a load's configuration with its relay. Relay may be nil for a
// controller that only previews decisions.
type Load struct {
	Config logic.LoadConfig
	Relay  relay.Relay
}

// Options wires a Controller. Only Fetcher and Loads are required.
type Options struct {
	Fetcher   telemetry.Fetcher
	Loads     []Load
	Store     StateStore
	Publisher mqtt.Publisher
	Tracker   *status.Tracker
	Metrics   *metrics.Metrics
	Logger    *slog.Logger

	// MaxFailures consecutive fetch failures are reported at error level.
	MaxFailures int
}

type load struct {
	name  string
	cfg   logic.LoadConfig
	relay relay.Relay
	state logic.LoadState
}

// Controller owns the state of every load. It is not safe for concurrent
// use; the run loop calls it from one goroutine.
type Controller struct {
	opts     Options
	loads    []*load
	logger   *slog.Logger
	failures int

	// last is the most recent snapshot fetched, zero until one is.
	last     logic.Snapshot
	haveLast bool
}

// LoadView is a read-only view of one load.
type LoadView struct {
	Name   string
	Config logic.LoadConfig
	State  logic.LoadState
}

// New creates a controller. Call Restore before the first Cycle.
func New(opts Options) *Controller {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := &Controller{opts: opts, logger: logger}
	for _, l := range opts.Loads {
		c.loads = append(c.loads, &load{
			name:  string(l.Config.Kind),
			cfg:   l.Config,
			relay: l.Relay,
		})
	}
	return c
}

// Restore initialises every load from the store (or fresh when nothing is
// stored) and drives every relay to match, which is off.
func (c *Controller) Restore(now time.Time) error {
	var errs []error
	for _, l := range c.loads {
		l.state = logic.NewLoadState(l.cfg, now)

		if c.opts.Store != nil {
			saved, savedAt, ok, err := c.opts.Store.LoadState(l.name)
			switch {
			case err != nil:
				errs = append(errs, err)
				c.logger.Error("restore failed, starting fresh", "load", l.name, "error", err)
			case ok:
				l.state = logic.Restore(saved, l.cfg, savedAt, now)
				c.logger.Info("restored load state",
					"load", l.name,
					"was_on", saved.On,
					"saved_at", savedAt,
					"runtime_today", l.state.HeatingTimeCounter)
			}
		}

		if l.relay != nil {
			if err := l.relay.Set(l.state.On); err != nil {
				errs = append(errs, fmt.Errorf("%s relay: %w", l.name, err))
				c.logger.Error("relay write failed", "load", l.name, "error", err)
			}
		}
		c.report(l, logic.Decision{Command: logic.CommandDeactivate}, now)
	}
	return errors.Join(errs...)
}

// Cycle runs one polling cycle. On a fetch failure the loads that are on
// are evaluated against the last fetched snapshot, so they stop once it
// ages past their timeout or the heater quota runs out; loads that are off
// stay off. The fetch error is returned.
func (c *Controller) Cycle(ctx context.Context, now time.Time) error {
	started := time.Now()
	snap, err := c.opts.Fetcher.Fetch(ctx, now)
	c.opts.Metrics.Fetch(time.Since(started), err)

	if err != nil {
		c.failures++
		if c.opts.Tracker != nil {
			c.opts.Tracker.FetchFailed(err)
		}
		if c.opts.MaxFailures > 0 && c.failures >= c.opts.MaxFailures {
			c.logger.Error("telemetry unavailable, loads held", "failures", c.failures, "error", err)
		} else {
			c.logger.Warn("telemetry fetch failed", "failures", c.failures, "error", err)
		}
		c.evaluateRunning(now)
		return fmt.Errorf("fetch telemetry: %w", err)
	}

	if c.failures > 0 {
		c.logger.Info("telemetry recovered", "after_failures", c.failures)
	}
	c.failures = 0
	c.last, c.haveLast = snap, true
	if c.opts.Tracker != nil {
		c.opts.Tracker.UpdateTelemetry(snap, now)
	}
	c.opts.Metrics.Snapshot(snap, now)

	for _, l := range c.loads {
		next, d := logic.Evaluate(l.state, snap, l.cfg, now)
		c.apply(l, next, d, now)
	}
	return nil
}

func (c *Controller) evaluateRunning(now time.Time) {
	if !c.haveLast {
		return
	}
	for _, l := range c.loads {
		if !l.state.On {
			continue
		}
		next, d := logic.Evaluate(l.state, c.last, l.cfg, now)
		c.apply(l, next, d, now)
	}
}

// Shutdown forces every load off and releases the relays.
func (c *Controller) Shutdown(now time.Time) error {
	var errs []error
	for _, l := range c.loads {
		next, d := logic.ForceOff(l.state, l.cfg, now)
		c.apply(l, next, d, now)
		if l.relay == nil {
			continue
		}
		if err := l.relay.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s relay: %w", l.name, err))
		}
	}
	return errors.Join(errs...)
}

// Preview evaluates every load against fresh telemetry without applying
// anything.
func (c *Controller) Preview(ctx context.Context, now time.Time) (logic.Snapshot, []logic.Decision, error) {
	snap, err := c.opts.Fetcher.Fetch(ctx, now)
	if err != nil {
		return snap, nil, fmt.Errorf("fetch telemetry: %w", err)
	}
	ds := make([]logic.Decision, len(c.loads))
	for i, l := range c.loads {
		_, ds[i] = logic.Evaluate(l.state, snap, l.cfg, now)
	}
	return snap, ds, nil
}

// Loads returns the current state of every load, in configuration order.
func (c *Controller) Loads() []LoadView {
	views := make([]LoadView, len(c.loads))
	for i, l := range c.loads {
		views[i] = LoadView{Name: l.name, Config: l.cfg, State: l.state}
	}
	return views
}

// apply drives the relay, commits the new state and reports the decision.
// A relay failure is logged; the state still advances and the next cycle
// writes the relay again.
func (c *Controller) apply(l *load, next logic.LoadState, d logic.Decision, now time.Time) {
	if d.CounterReset {
		c.logger.Info("daily runtime reset", "load", l.name, "discarded", d.DiscardedRuntime)
	}

	if l.relay != nil {
		if err := l.relay.Set(d.Command.On()); err != nil {
			c.logger.Error("relay write failed", "load", l.name, "command", d.Command, "error", err)
		}
	}
	l.state = next
	c.logDecision(l, d)

	if d.Transition {
		if c.opts.Store != nil {
			if err := c.opts.Store.RecordTransition(l.name, d, now); err != nil {
				c.logger.Warn("record transition failed", "load", l.name, "error", err)
			}
		}
		if c.opts.Publisher != nil {
			if ev := d.Event(l.name, now); ev != nil {
				if err := c.opts.Publisher.Publish(*ev); err != nil {
					c.logger.Warn("publish error", "load", l.name, "error", err)
				}
			}
		}
	}

	if c.opts.Store != nil && (d.Transition || d.CounterReset || next.On) {
		if err := c.opts.Store.SaveState(l.name, next, now); err != nil {
			c.logger.Warn("save state failed", "load", l.name, "error", err)
		}
	}

	c.report(l, d, now)
}

func (c *Controller) report(l *load, d logic.Decision, now time.Time) {
	c.opts.Metrics.Decision(l.name, d, l.state, now)
	if c.opts.Tracker == nil {
		return
	}
	c.opts.Tracker.UpdateLoad(status.LoadStatus{
		Name:           l.name,
		State:          l.state.State(),
		Command:        d.Command,
		Reason:         d.Reason,
		Evidence:       d.Evidence,
		LastTransition: l.state.LastTransition,
		RuntimeToday:   l.state.RuntimeAt(now),
		MaxDailyRun:    l.cfg.Off.MaxDailyRun,
	})
}

func (c *Controller) logDecision(l *load, d logic.Decision) {
	attrs := []any{"load", l.name, "command", d.Command, "reason", d.Reason}
	for _, m := range d.Evidence {
		attrs = append(attrs, slog.Group(m.Name, "value", m.Value, "limit", m.Limit))
	}

	switch {
	case !d.Transition:
		c.logger.Debug("hold", attrs...)
	case d.Reason == logic.ReasonStaleTelemetry:
		c.logger.Warn("transition", attrs...)
	default:
		c.logger.Info("transition", attrs...)
	}
}
