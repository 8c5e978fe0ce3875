// Package telemetry reads inverter telemetry and turns it into the
// snapshot the decision engine consumes.
//
// A fetch returns every field for every source or an error. Missing
// values are never defaulted.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"github.com/sweeney/solar-ems/internal/logic"
)

// Fetcher produces one cycle's snapshot.
type Fetcher interface {
	Fetch(ctx context.Context, now time.Time) (logic.Snapshot, error)
}

// Point is one field value returned by a query.
type Point struct {
	Measurement string
	Field       string
	Value       float64
	Time        time.Time
}

// Querier runs a Flux query and returns its rows as points.
type Querier interface {
	Query(ctx context.Context, flux string) ([]Point, error)
}

// Window identifies which aggregate a value belongs to.
type Window string

const (
	WindowLast  Window = "last"
	WindowShort Window = "short"
	WindowLong  Window = "long"
)

// MissingFieldError reports a field absent from a query result. It is not
// retried: the store answered, the data just isn't there.
type MissingFieldError struct {
	Measurement string
	Field       string
	Window      Window
}

func (e *MissingFieldError) Error() string {
	return fmt.Sprintf("telemetry: %s.%s missing from %s window", e.Measurement, e.Field, e.Window)
}

// Measurement and field names as written by the inverter logger.
const (
	MeasurementBattery = "battery"
	MeasurementPV      = "pv"
	MeasurementOut     = "out"
)

type source struct {
	measurement string
	fields      []string
}

var sources = []source{
	{MeasurementBattery, []string{"DC_V", "charging_current", "discharge_current"}},
	{MeasurementPV, []string{"DC_V", "A", "W"}},
	{MeasurementOut, []string{"AC_V", "Hz", "load_percent", "load_va", "load_watt"}},
}

// values indexes query points by measurement then field.
type values map[string]map[string]Point

func index(points []Point) values {
	v := make(values)
	for _, p := range points {
		m, ok := v[p.Measurement]
		if !ok {
			m = make(map[string]Point)
			v[p.Measurement] = m
		}
		m[p.Field] = p
	}
	return v
}

// require checks that every known field is present.
func (v values) require(w Window) error {
	for _, s := range sources {
		for _, f := range s.fields {
			if _, ok := v[s.measurement][f]; !ok {
				return &MissingFieldError{Measurement: s.measurement, Field: f, Window: w}
			}
		}
	}
	return nil
}

func (v values) get(measurement, field string) float64 {
	return v[measurement][field].Value
}

func (v values) readings() logic.Readings {
	return logic.Readings{
		Battery: logic.Battery{
			Voltage:          v.get(MeasurementBattery, "DC_V"),
			ChargingCurrent:  v.get(MeasurementBattery, "charging_current"),
			DischargeCurrent: v.get(MeasurementBattery, "discharge_current"),
		},
		PV: logic.PV{
			Voltage: v.get(MeasurementPV, "DC_V"),
			Current: v.get(MeasurementPV, "A"),
			Power:   v.get(MeasurementPV, "W"),
		},
		Out: logic.Output{
			Voltage:     v.get(MeasurementOut, "AC_V"),
			Frequency:   v.get(MeasurementOut, "Hz"),
			LoadPercent: v.get(MeasurementOut, "load_percent"),
			LoadVA:      v.get(MeasurementOut, "load_va"),
			LoadWatt:    v.get(MeasurementOut, "load_watt"),
		},
	}
}

// sampleTime is the oldest field time of a measurement, so a source is
// only as fresh as its stalest field.
func (v values) sampleTime(measurement string) time.Time {
	var oldest time.Time
	for _, p := range v[measurement] {
		if oldest.IsZero() || p.Time.Before(oldest) {
			oldest = p.Time
		}
	}
	return oldest
}
