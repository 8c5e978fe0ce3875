package telemetry

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sweeney/solar-ems/internal/logic"
)

// FakeFetcher is a test double that returns scripted snapshots.
type FakeFetcher struct {
	mu sync.Mutex

	// Snapshots are returned in order; the last one repeats.
	Snapshots []logic.Snapshot

	// Errors are consumed one per call before Snapshots. A nil entry
	// means that call succeeds.
	Errors []error

	// Calls counts Fetch invocations.
	Calls int

	// Times records the now passed to each call.
	Times []time.Time

	index int
}

// NewFakeFetcher creates a FakeFetcher with the given snapshots.
func NewFakeFetcher(snaps ...logic.Snapshot) *FakeFetcher {
	return &FakeFetcher{Snapshots: snaps}
}

// Fetch returns the next scripted error or snapshot.
func (f *FakeFetcher) Fetch(ctx context.Context, now time.Time) (logic.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.Calls++
	f.Times = append(f.Times, now)

	if len(f.Errors) > 0 {
		err := f.Errors[0]
		f.Errors = f.Errors[1:]
		if err != nil {
			return logic.Snapshot{}, err
		}
	}

	if len(f.Snapshots) == 0 {
		return logic.Snapshot{}, errors.New("no snapshots configured")
	}

	snap := f.Snapshots[f.index]
	if f.index < len(f.Snapshots)-1 {
		f.index++
	}
	return snap, nil
}

// Set replaces the scripted snapshots with a single one.
func (f *FakeFetcher) Set(snap logic.Snapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Snapshots = []logic.Snapshot{snap}
	f.index = 0
}

// Fail queues errors for the next calls.
func (f *FakeFetcher) Fail(errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Errors = append(f.Errors, errs...)
}
