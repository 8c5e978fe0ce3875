package relay

import "sync"

// FakeRelay is a test double that records every write.
type FakeRelay struct {
	mu sync.Mutex

	// Writes records each value passed to Set, in order.
	Writes []bool

	// State is the last value successfully set.
	State bool

	// Closed tracks if Close was called
	Closed bool

	// SetError, if set, will be returned by Set() and the state left
	// unchanged.
	SetError error
}

// NewFakeRelay creates a FakeRelay in the off state.
func NewFakeRelay() *FakeRelay {
	return &FakeRelay{}
}

// Set records the write.
func (f *FakeRelay) Set(on bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.Writes = append(f.Writes, on)
	if f.SetError != nil {
		return f.SetError
	}
	f.State = on
	return nil
}

// Close switches the relay off and marks it closed.
func (f *FakeRelay) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.State = false
	f.Closed = true
	return nil
}

// IsOn reports the current state.
func (f *FakeRelay) IsOn() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.State
}
