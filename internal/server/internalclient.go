package server

import (
	"fmt"
	"sync"

	"gojack/internal/protocol"
)

// InternalClientFactory builds the callback set for one internal client
// instance. It is the in-process analog of a loadable object's initialize
// entry point; returning an error fails the load cleanly.
type InternalClientFactory func(e *Engine, clientID uint32, name, initString string) (*InternalCallbacks, error)

var (
	intClientMu       sync.RWMutex
	intClientRegistry = map[string]InternalClientFactory{}
)

// RegisterInternalClient adds a loadable internal client under loadName.
// Typically called from package init functions of built-in processors.
func RegisterInternalClient(loadName string, f InternalClientFactory) {
	intClientMu.Lock()
	defer intClientMu.Unlock()
	intClientRegistry[loadName] = f
}

func lookupInternalClient(loadName string) (InternalClientFactory, bool) {
	intClientMu.RLock()
	defer intClientMu.RUnlock()
	f, ok := intClientRegistry[loadName]
	return f, ok
}

// loadInternalClient creates, initializes and (on success) returns a new
// internal client. Initialization failures unwind completely: the client
// record, its ports and its event channel are gone before the reply goes
// out, so no half-constructed client ever reaches the graph.
func (e *Engine) loadInternalClient(name, loadName, initString string, opts protocol.Options) (*client, protocol.Status) {
	factory, ok := lookupInternalClient(loadName)
	if !ok {
		return nil, protocol.StatusFailure | protocol.StatusLoadFailure
	}

	e.graphMu.Lock()
	c, err := e.addClientLocked(name, protocol.ClientInternal, "", opts&protocol.UseExactName != 0)
	e.graphMu.Unlock()
	if err != nil {
		return nil, protocol.StatusFailure | protocol.StatusNameNotUnique
	}

	cb, err := factory(e, c.id, c.name, initString)
	if err != nil || cb == nil {
		e.logf("[engine] internal client %q initialize failed: %v", loadName, err)
		e.removeClient(c)
		return nil, protocol.StatusFailure | protocol.StatusInitFailure
	}
	e.graphMu.Lock()
	c.internalCB = cb
	c.callbacks = internalMask(cb)
	e.graphMu.Unlock()

	e.notifyClientRegistration(c, true)
	e.logf("[engine] loaded internal client %s (%s)", c, loadName)
	return c, 0
}

// internalMask derives the callback-presence bits from the hook set.
func internalMask(cb *InternalCallbacks) protocol.CallbackMask {
	var m protocol.CallbackMask
	if cb.Process != nil {
		m |= protocol.CBProcess
	}
	if cb.BufferSize != nil {
		m |= protocol.CBBufferSize
	}
	if cb.SampleRate != nil {
		m |= protocol.CBSampleRate
	}
	if cb.XRun != nil {
		m |= protocol.CBXRun
	}
	if cb.Freewheel != nil {
		m |= protocol.CBFreewheel
	}
	if cb.GraphOrder != nil {
		m |= protocol.CBGraphOrder
	}
	if cb.Latency != nil {
		m |= protocol.CBLatency
	}
	if cb.Sync != nil {
		m |= protocol.CBSync
	}
	if cb.Timebase != nil {
		m |= protocol.CBTimebase
	}
	return m
}

// unloadInternalClient removes a loaded internal client by name.
func (e *Engine) unloadInternalClient(name string) error {
	e.graphMu.RLock()
	c := e.clientByName(name)
	e.graphMu.RUnlock()
	if c == nil || c.kind != protocol.ClientInternal {
		return fmt.Errorf("no internal client %q", name)
	}
	if c.active {
		e.deactivateClient(c)
	}
	e.removeClient(c)
	return nil
}

// internalClientByName resolves a loaded internal client's id.
func (e *Engine) internalClientByName(name string) (uint32, bool) {
	e.graphMu.RLock()
	defer e.graphMu.RUnlock()
	c := e.clientByName(name)
	if c == nil || c.kind != protocol.ClientInternal {
		return 0, false
	}
	return c.id, true
}

// ActivateInternal activates an internal client created through
// RegisterInternalClient + an IntClientLoad request (or directly by embedding
// code).
func (e *Engine) ActivateInternal(clientID uint32) error {
	e.graphMu.RLock()
	c := e.clientByID(clientID)
	e.graphMu.RUnlock()
	if c == nil {
		return fmt.Errorf("no such client %d", clientID)
	}
	return e.activateClient(c)
}

// RegisterInternalPort registers a port for an internal client; the embedded
// analog of the RegisterPort request.
func (e *Engine) RegisterInternalPort(clientID uint32, shortName, typeName string, flags protocol.PortFlags) (uint32, error) {
	e.graphMu.Lock()
	c := e.clientByID(clientID)
	if c == nil {
		e.graphMu.Unlock()
		return 0, fmt.Errorf("no such client %d", clientID)
	}
	p, err := e.registerPortLocked(c, shortName, typeName, flags, 0)
	if err != nil {
		e.graphMu.Unlock()
		return 0, err
	}
	active := c.active
	if !active {
		c.deferredPorts = append(c.deferredPorts, p.id)
	}
	e.graphMu.Unlock()
	if active {
		e.broadcastPortRegistration(p.id, false)
	}
	return p.id, nil
}

// InternalPortBuffer resolves a port buffer for an internal client's process
// hook. Only valid on the cycle path.
func (e *Engine) InternalPortBuffer(portID, nframes uint32) []byte {
	p := e.portByIDLocked(portID)
	if p == nil {
		return nil
	}
	return e.portBufferLocked(p, nframes)
}
