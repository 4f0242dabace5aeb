package jack

import (
	"errors"
	"sync"

	"gojack/internal/protocol"
)

// Callback signatures. Process, Thread, ThreadInit, Sync and Timebase run on
// the process thread; every other callback runs on the event thread and must
// not block for long — the engine is waiting for the ack.
type (
	// ProcessCallback handles one period. A nonzero return tells the
	// engine this client is failing and should leave the graph.
	ProcessCallback func(nframes uint32) int
	// ThreadCallback owns the process loop itself: it must call
	// CycleWait and CycleSignal in a loop instead of returning per cycle.
	ThreadCallback func()
	// SyncCallback votes on transport readiness. Return true when ready
	// to roll at the given position.
	SyncCallback func(state TransportState, pos *Position) bool
	// TimebaseCallback fills the BBT fields of the position each cycle.
	TimebaseCallback func(state TransportState, nframes uint32, pos *Position, newPos bool)
)

// callbackSet holds every registered hook plus the derived presence mask.
type callbackSet struct {
	mu sync.RWMutex

	process    ProcessCallback
	thread     ThreadCallback
	threadInit func()
	bufferSize func(nframes uint32)
	sampleRate func(rate uint32)
	xrun       func()
	portReg    func(portID uint32, registered bool)
	portConn   func(src, dst uint32, connected bool)
	clientReg  func(name string, registered bool)
	graphOrder func()
	freewheel  func(starting bool)
	sync       SyncCallback
	timebase   TimebaseCallback
	session    func(eventType uint32, path string)
	latency    func(mode LatencyMode)
	property   func(subject, key string, change protocol.PropertyChangeKind)
	portRename func(portID uint32, oldName, newName string)

	shutdown     func()
	infoShutdown func(status Status, reason string)
}

func (s *callbackSet) mask() protocol.CallbackMask {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var m protocol.CallbackMask
	if s.process != nil {
		m |= protocol.CBProcess
	}
	if s.thread != nil {
		m |= protocol.CBThread
	}
	if s.bufferSize != nil {
		m |= protocol.CBBufferSize
	}
	if s.sampleRate != nil {
		m |= protocol.CBSampleRate
	}
	if s.xrun != nil {
		m |= protocol.CBXRun
	}
	if s.portReg != nil {
		m |= protocol.CBPortRegister
	}
	if s.portConn != nil {
		m |= protocol.CBPortConnect
	}
	if s.clientReg != nil {
		m |= protocol.CBClientRegister
	}
	if s.graphOrder != nil {
		m |= protocol.CBGraphOrder
	}
	if s.freewheel != nil {
		m |= protocol.CBFreewheel
	}
	if s.sync != nil {
		m |= protocol.CBSync
	}
	if s.timebase != nil {
		m |= protocol.CBTimebase
	}
	if s.session != nil {
		m |= protocol.CBSession
	}
	if s.latency != nil {
		m |= protocol.CBLatency
	}
	if s.property != nil {
		m |= protocol.CBProperty
	}
	if s.portRename != nil {
		m |= protocol.CBPortRename
	}
	return m
}

// callbackSnapshot is a mutex-free copy of the hook set, taken once per
// event so handlers never race a concurrent setter.
type callbackSnapshot struct {
	process    ProcessCallback
	thread     ThreadCallback
	threadInit func()
	bufferSize func(nframes uint32)
	sampleRate func(rate uint32)
	xrun       func()
	portReg    func(portID uint32, registered bool)
	portConn   func(src, dst uint32, connected bool)
	clientReg  func(name string, registered bool)
	graphOrder func()
	freewheel  func(starting bool)
	sync       SyncCallback
	timebase   TimebaseCallback
	session    func(eventType uint32, path string)
	latency    func(mode LatencyMode)
	property   func(subject, key string, change protocol.PropertyChangeKind)
	portRename func(portID uint32, oldName, newName string)
}

func (s *callbackSet) snapshot() callbackSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return callbackSnapshot{
		process:    s.process,
		thread:     s.thread,
		threadInit: s.threadInit,
		bufferSize: s.bufferSize,
		sampleRate: s.sampleRate,
		xrun:       s.xrun,
		portReg:    s.portReg,
		portConn:   s.portConn,
		clientReg:  s.clientReg,
		graphOrder: s.graphOrder,
		freewheel:  s.freewheel,
		sync:       s.sync,
		timebase:   s.timebase,
		session:    s.session,
		latency:    s.latency,
		property:   s.property,
		portRename: s.portRename,
	}
}

// syncCallbackMask publishes the presence mask to the engine.
func (c *Client) syncCallbackMask() error {
	_, err := c.request(protocol.ReqSetCallbacks,
		&protocol.SetCallbacksRequest{ClientID: c.id, Mask: c.cb.mask()}, nil)
	return err
}

func (c *Client) setCallback(set func(*callbackSet)) error {
	c.cb.mu.Lock()
	set(&c.cb)
	c.cb.mu.Unlock()
	if c.activated.Load() {
		return c.syncCallbackMask()
	}
	return nil
}

// ErrBothProcessModes is returned when both a process and a thread callback
// are registered; a client gets one or the other, never both.
var ErrBothProcessModes = errors.New("client already has the other process-model callback")

// SetProcessCallback registers the per-period process function.
func (c *Client) SetProcessCallback(cb ProcessCallback) error {
	c.cb.mu.RLock()
	conflict := c.cb.thread != nil
	c.cb.mu.RUnlock()
	if conflict && cb != nil {
		return ErrBothProcessModes
	}
	return c.setCallback(func(s *callbackSet) { s.process = cb })
}

// SetThreadCallback registers the owned-loop variant instead of a process
// callback. The function must loop on CycleWait/CycleSignal.
func (c *Client) SetThreadCallback(cb ThreadCallback) error {
	c.cb.mu.RLock()
	conflict := c.cb.process != nil
	c.cb.mu.RUnlock()
	if conflict && cb != nil {
		return ErrBothProcessModes
	}
	return c.setCallback(func(s *callbackSet) { s.thread = cb })
}

// SetThreadInitCallback runs once on the process thread before the first
// cycle.
func (c *Client) SetThreadInitCallback(cb func()) error {
	return c.setCallback(func(s *callbackSet) { s.threadInit = cb })
}

// SetBufferSizeCallback fires when the engine period length changes.
func (c *Client) SetBufferSizeCallback(cb func(nframes uint32)) error {
	return c.setCallback(func(s *callbackSet) { s.bufferSize = cb })
}

// SetSampleRateCallback fires when the engine sample rate changes.
func (c *Client) SetSampleRateCallback(cb func(rate uint32)) error {
	return c.setCallback(func(s *callbackSet) { s.sampleRate = cb })
}

// SetXRunCallback fires on every xrun notification.
func (c *Client) SetXRunCallback(cb func()) error {
	return c.setCallback(func(s *callbackSet) { s.xrun = cb })
}

// SetPortRegistrationCallback fires when any port appears or disappears.
func (c *Client) SetPortRegistrationCallback(cb func(portID uint32, registered bool)) error {
	return c.setCallback(func(s *callbackSet) { s.portReg = cb })
}

// SetPortConnectCallback fires when any two ports connect or disconnect.
func (c *Client) SetPortConnectCallback(cb func(src, dst uint32, connected bool)) error {
	return c.setCallback(func(s *callbackSet) { s.portConn = cb })
}

// SetClientRegistrationCallback fires when any client joins or leaves.
func (c *Client) SetClientRegistrationCallback(cb func(name string, registered bool)) error {
	return c.setCallback(func(s *callbackSet) { s.clientReg = cb })
}

// SetGraphOrderCallback fires after every rechain.
func (c *Client) SetGraphOrderCallback(cb func()) error {
	return c.setCallback(func(s *callbackSet) { s.graphOrder = cb })
}

// SetFreewheelCallback fires when freewheel mode starts or stops.
func (c *Client) SetFreewheelCallback(cb func(starting bool)) error {
	return c.setCallback(func(s *callbackSet) { s.freewheel = cb })
}

// SetSessionCallback fires on SaveSession events; answer with SessionReply
// from inside the callback.
func (c *Client) SetSessionCallback(cb func(eventType uint32, path string)) error {
	return c.setCallback(func(s *callbackSet) { s.session = cb })
}

// SetLatencyCallback fires during latency recomputes; answer with
// SetLatencyRange on the ports the mode covers.
func (c *Client) SetLatencyCallback(cb func(mode LatencyMode)) error {
	return c.setCallback(func(s *callbackSet) { s.latency = cb })
}

// SetPropertyChangeCallback fires on metadata mutations.
func (c *Client) SetPropertyChangeCallback(cb func(subject, key string, change protocol.PropertyChangeKind)) error {
	return c.setCallback(func(s *callbackSet) { s.property = cb })
}

// SetPortRenameCallback fires when any port is renamed.
func (c *Client) SetPortRenameCallback(cb func(portID uint32, oldName, newName string)) error {
	return c.setCallback(func(s *callbackSet) { s.portRename = cb })
}

// OnShutdown registers the legacy shutdown hook, called only when no
// OnInfoShutdown hook is set.
func (c *Client) OnShutdown(cb func()) {
	c.cb.mu.Lock()
	c.cb.shutdown = cb
	c.cb.mu.Unlock()
}

// OnInfoShutdown registers the informative shutdown hook.
func (c *Client) OnInfoShutdown(cb func(status Status, reason string)) {
	c.cb.mu.Lock()
	c.cb.infoShutdown = cb
	c.cb.mu.Unlock()
}
