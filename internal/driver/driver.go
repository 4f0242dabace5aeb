// Package driver defines the contract between the engine and its hardware
// backends, plus the built-in dummy (timer-driven) backend. A driver is a
// client of the engine that additionally supplies the periodic wakeup: the
// engine blocks in Wait, then runs one process cycle between Read and Write.
//
// Slave drivers are read before the master and written before the master;
// start/stop walk the list symmetrically.
package driver

import (
	"time"

	"gojack/internal/protocol"
)

// Host is the narrow engine surface a driver sees while attached. Physical
// ports registered here belong to the driver's engine-side client and are
// renamed to the canonical system:capture_N / system:playback_N form, with
// the backend's own name preserved as alias1.
type Host interface {
	// RegisterPort registers one physical port. backendName is the
	// driver's native name for the channel (kept as an alias).
	RegisterPort(backendName, typeName string, flags protocol.PortFlags, latencyFrames uint32) (uint32, error)
	// UnregisterPort drops a physical port.
	UnregisterPort(id uint32) error
	// PortBuffer resolves a physical port's buffer for this cycle.
	PortBuffer(id uint32, nframes uint32) []byte
	// BufferSize returns the engine's nominal period length.
	BufferSize() uint32
	// SampleRate returns the engine's nominal sample rate.
	SampleRate() uint32
}

// Driver is the loadable-backend contract.
type Driver interface {
	// Attach binds the driver to the engine and registers its ports.
	Attach(h Host) error
	// Detach unregisters ports and releases backend resources.
	Detach() error
	// Start begins hardware streaming.
	Start() error
	// Stop halts hardware streaming. It must unblock a Wait in flight.
	Stop() error
	// Wait blocks until the hardware delivers a period. It returns the
	// frames available and an estimate of how late the wakeup was.
	Wait() (nframes uint32, delayedUsecs float64, err error)
	// Read moves captured frames into the physical capture port buffers.
	Read(nframes uint32) error
	// Write moves the physical playback port buffers out to the hardware.
	Write(nframes uint32) error
	// NullCycle consumes and emits one period of silence. Used when the
	// engine cannot take the graph read lock.
	NullCycle(nframes uint32) error
	// SetBufferSize reconfigures the backend period length.
	SetBufferSize(nframes uint32) error
	// PeriodUsecs is the nominal period duration.
	PeriodUsecs() float64
	// LastWaitUST is the monotonic timestamp of the last Wait return.
	LastWaitUST() uint64
}

var processEpoch = time.Now()

// NowUST returns the monotonic microsecond timestamp the engine and drivers
// share for wakeup accounting.
func NowUST() uint64 {
	return uint64(time.Since(processEpoch).Microseconds())
}
