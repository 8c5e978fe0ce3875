package telemetry

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"

	"github.com/sweeney/solar-ems/internal/logic"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func guardOpts() GuardOptions {
	return GuardOptions{
		MaxRetries:  2,
		MaxFailures: 3,
		OpenTimeout: time.Hour,
		BackOff:     func() backoff.BackOff { return &backoff.ZeroBackOff{} },
	}
}

func TestGuardedRetriesTransient(t *testing.T) {
	want := logic.Snapshot{BatteryAt: now}
	f := NewFakeFetcher(want)
	f.Fail(errors.New("timeout"), errors.New("timeout"))

	g := NewGuarded(f, guardOpts(), quietLogger())
	snap, err := g.Fetch(context.Background(), now)

	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if !snap.BatteryAt.Equal(now) {
		t.Errorf("unexpected snapshot: %+v", snap)
	}
	if f.Calls != 3 {
		t.Errorf("expected 3 attempts, got %d", f.Calls)
	}
}

func TestGuardedGivesUpAfterRetries(t *testing.T) {
	f := NewFakeFetcher(logic.Snapshot{})
	boom := errors.New("down")
	f.Fail(boom, boom, boom, boom)

	g := NewGuarded(f, guardOpts(), quietLogger())
	_, err := g.Fetch(context.Background(), now)

	if !errors.Is(err, boom) {
		t.Errorf("expected %v, got %v", boom, err)
	}
	if f.Calls != 3 {
		t.Errorf("expected 1 attempt + 2 retries, got %d", f.Calls)
	}
}

func TestGuardedMissingFieldNotRetried(t *testing.T) {
	f := NewFakeFetcher(logic.Snapshot{})
	f.Fail(&MissingFieldError{Measurement: "pv", Field: "W", Window: WindowLast})

	g := NewGuarded(f, guardOpts(), quietLogger())
	_, err := g.Fetch(context.Background(), now)

	var mf *MissingFieldError
	if !errors.As(err, &mf) {
		t.Fatalf("expected MissingFieldError, got %v", err)
	}
	if f.Calls != 1 {
		t.Errorf("expected a single attempt, got %d", f.Calls)
	}
}

func TestGuardedBreakerOpens(t *testing.T) {
	var transitions []string
	opts := guardOpts()
	opts.MaxRetries = 0
	opts.OnStateChange = func(from, to string) { transitions = append(transitions, from+">"+to) }

	f := NewFakeFetcher(logic.Snapshot{})
	boom := errors.New("down")
	f.Fail(boom, boom, boom)

	g := NewGuarded(f, opts, quietLogger())
	for i := 0; i < 3; i++ {
		if _, err := g.Fetch(context.Background(), now); !errors.Is(err, boom) {
			t.Fatalf("fetch %d: expected %v, got %v", i, boom, err)
		}
	}

	if g.State() != "open" {
		t.Errorf("expected open breaker, got %s", g.State())
	}

	// Open breaker short-circuits without touching the store.
	_, err := g.Fetch(context.Background(), now)
	if !errors.Is(err, gobreaker.ErrOpenState) {
		t.Errorf("expected ErrOpenState, got %v", err)
	}
	if f.Calls != 3 {
		t.Errorf("expected 3 calls, got %d", f.Calls)
	}
	if len(transitions) != 1 || transitions[0] != "closed>open" {
		t.Errorf("transitions: got %v", transitions)
	}
}

func TestGuardedSuccessResetsFailures(t *testing.T) {
	opts := guardOpts()
	opts.MaxRetries = 0

	f := NewFakeFetcher(logic.Snapshot{})
	boom := errors.New("down")
	f.Fail(boom, boom, nil, boom, boom)

	g := NewGuarded(f, opts, quietLogger())
	for i := 0; i < 5; i++ {
		g.Fetch(context.Background(), now)
	}

	if g.State() != "closed" {
		t.Errorf("expected closed breaker, got %s", g.State())
	}
}

func TestGuardedContextCancelled(t *testing.T) {
	f := NewFakeFetcher(logic.Snapshot{})
	f.Fail(errors.New("down"), errors.New("down"), errors.New("down"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	g := NewGuarded(f, guardOpts(), quietLogger())
	if _, err := g.Fetch(ctx, now); err == nil {
		t.Fatal("expected error")
	}
	if f.Calls != 1 {
		t.Errorf("expected no retries after cancel, got %d calls", f.Calls)
	}
}
