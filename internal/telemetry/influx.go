package telemetry

import (
	"context"
	"fmt"
	"strings"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"

	"github.com/sweeney/solar-ems/internal/logic"
)

// InfluxQuerier runs Flux against an InfluxDB server.
type InfluxQuerier struct {
	client  influxdb2.Client
	org     string
	timeout time.Duration
}

// NewInfluxQuerier creates a querier. For InfluxDB 1.8+ pass a
// "user:password" token and an empty org.
func NewInfluxQuerier(url, token, org string, timeout time.Duration) *InfluxQuerier {
	return &InfluxQuerier{
		client:  influxdb2.NewClient(url, token),
		org:     org,
		timeout: timeout,
	}
}

// Query executes flux and converts each record into a Point.
func (q *InfluxQuerier) Query(ctx context.Context, flux string) ([]Point, error) {
	ctx, cancel := context.WithTimeout(ctx, q.timeout)
	defer cancel()

	res, err := q.client.QueryAPI(q.org).Query(ctx, flux)
	if err != nil {
		return nil, fmt.Errorf("influx query: %w", err)
	}
	defer res.Close()

	var points []Point
	for res.Next() {
		rec := res.Record()
		v, err := toFloat(rec.Value())
		if err != nil {
			return nil, fmt.Errorf("%s.%s: %w", rec.Measurement(), rec.Field(), err)
		}
		points = append(points, Point{
			Measurement: rec.Measurement(),
			Field:       rec.Field(),
			Value:       v,
			Time:        rec.Time(),
		})
	}
	if err := res.Err(); err != nil {
		return nil, fmt.Errorf("influx result: %w", err)
	}
	return points, nil
}

// Close releases the HTTP client.
func (q *InfluxQuerier) Close() {
	q.client.Close()
}

func toFloat(v interface{}) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case int64:
		return float64(n), nil
	case uint64:
		return float64(n), nil
	case nil:
		return 0, fmt.Errorf("null value")
	default:
		return 0, fmt.Errorf("non-numeric value %T", v)
	}
}

// InfluxFetcher builds a snapshot from three queries: the last value of
// every field, and its mean over the short and long windows.
type InfluxFetcher struct {
	Querier     Querier
	Bucket      string
	Lookback    time.Duration
	ShortWindow time.Duration
	LongWindow  time.Duration
}

// Fetch queries the store for the snapshot ending at now.
func (f *InfluxFetcher) Fetch(ctx context.Context, now time.Time) (logic.Snapshot, error) {
	var snap logic.Snapshot

	last, err := f.window(ctx, WindowLast, lastQuery(f.Bucket, now.Add(-f.Lookback), now))
	if err != nil {
		return snap, err
	}
	short, err := f.window(ctx, WindowShort, meanQuery(f.Bucket, now.Add(-f.ShortWindow), now))
	if err != nil {
		return snap, err
	}
	long, err := f.window(ctx, WindowLong, meanQuery(f.Bucket, now.Add(-f.LongWindow), now))
	if err != nil {
		return snap, err
	}

	snap.Last = last.readings()
	snap.Short = short.readings()
	snap.Long = long.readings()
	snap.BatteryAt = last.sampleTime(MeasurementBattery)
	snap.PVAt = last.sampleTime(MeasurementPV)
	snap.OutAt = last.sampleTime(MeasurementOut)
	return snap, nil
}

func (f *InfluxFetcher) window(ctx context.Context, w Window, flux string) (values, error) {
	points, err := f.Querier.Query(ctx, flux)
	if err != nil {
		return nil, fmt.Errorf("%s window: %w", w, err)
	}
	v := index(points)
	if err := v.require(w); err != nil {
		return nil, err
	}
	return v, nil
}

func lastQuery(bucket string, start, stop time.Time) string {
	return buildQuery(bucket, start, stop, "last()")
}

func meanQuery(bucket string, start, stop time.Time) string {
	return buildQuery(bucket, start, stop, "mean()")
}

// buildQuery uses absolute bounds so that every window of a cycle ends at
// the same instant.
func buildQuery(bucket string, start, stop time.Time, agg string) string {
	var filters []string
	for _, s := range sources {
		filters = append(filters, fmt.Sprintf(`(r._measurement == %q and contains(value: r._field, set: [%s]))`,
			s.measurement, quoteList(s.fields)))
	}

	return fmt.Sprintf(`from(bucket: %q)
  |> range(start: %s, stop: %s)
  |> filter(fn: (r) => %s)
  |> group(columns: ["_measurement", "_field"])
  |> %s`,
		bucket,
		start.UTC().Format(time.RFC3339Nano),
		stop.UTC().Format(time.RFC3339Nano),
		strings.Join(filters, " or "),
		agg)
}

func quoteList(items []string) string {
	q := make([]string, len(items))
	for i, s := range items {
		q[i] = fmt.Sprintf("%q", s)
	}
	return strings.Join(q, ", ")
}
