// Package relay drives the load relays with hardware abstraction.
// The real implementation uses the Linux GPIO character device.
// The fake implementation allows testing without hardware.
package relay

// Relay switches one load.
type Relay interface {
	// Set drives the relay to the given logical state. Setting the
	// current state again is harmless.
	Set(on bool) error

	// Close drives the relay off and releases its resources.
	Close() error
}

// Default relay pins (BCM numbering)
const (
	DefaultPinHeater = 17
	DefaultPinHydro  = 27
)
