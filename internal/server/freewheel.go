package server

import (
	"fmt"
	"time"

	"gojack/internal/protocol"
)

// freewheelStopTimeout bounds how long stopping waits for the freewheel
// thread to notice the flag.
const freewheelStopTimeout = 250 * time.Millisecond

// startFreewheeling decouples the cycle from the driver: the hardware stops
// and a plain goroutine spins the cycle executor as fast as the graph can
// process. Clients drop real-time scheduling on the StartFreewheel event.
func (e *Engine) startFreewheeling(clientID uint32) error {
	e.fwMu.Lock()
	if e.freewheeling {
		e.fwMu.Unlock()
		return fmt.Errorf("already freewheeling")
	}
	e.freewheeling = true
	e.fwClient = clientID
	e.fwStop = make(chan struct{})
	e.fwDone = make(chan struct{})
	e.control.SetFreewheeling(true)
	e.fwMu.Unlock()

	e.stopDriver()
	e.broadcastFreewheel(true)
	e.logf("[engine] freewheeling started (client %d)", clientID)

	go e.freewheelThread(e.fwStop, e.fwDone)
	return nil
}

// freewheelThread drives cycles with no hardware pacing until stopped.
func (e *Engine) freewheelThread(stop, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-stop:
			return
		case <-e.stopCh:
			return
		default:
		}
		e.runCycle(e.control.BufferSize(), 0)
	}
}

// stopFreewheeling restores hardware-timed cycles.
func (e *Engine) stopFreewheeling() error {
	e.fwMu.Lock()
	if !e.freewheeling {
		e.fwMu.Unlock()
		return fmt.Errorf("not freewheeling")
	}
	stop, done := e.fwStop, e.fwDone
	e.freewheeling = false
	e.fwClient = 0
	e.control.SetFreewheeling(false)
	e.fwMu.Unlock()

	close(stop)
	select {
	case <-done:
	case <-time.After(freewheelStopTimeout):
		e.logf("[engine] freewheel thread did not stop within %v", freewheelStopTimeout)
	}

	e.broadcastFreewheel(false)
	select {
	case <-e.stopCh:
		// Engine is closing; the driver stays down.
	default:
		if err := e.startDriver(); err != nil {
			e.logf("[engine] cannot restart driver after freewheel: %v", err)
			e.requestShutdown(protocol.StatusBackendError, "driver restart failure")
			return err
		}
	}
	e.logf("[engine] freewheeling stopped")
	return nil
}

func (e *Engine) broadcastFreewheel(starting bool) {
	t := protocol.EvtStartFreewheel
	if !starting {
		t = protocol.EvtStopFreewheel
	}
	ev := &protocol.Event{Type: t}
	for _, c := range e.snapshotClients() {
		if !c.active {
			continue
		}
		e.deliverEvent(c, ev)
	}
}

// freewheelOwner returns the id of the client that started freewheeling, or
// 0 when the engine is driven by hardware.
func (e *Engine) freewheelOwner() uint32 {
	e.fwMu.Lock()
	defer e.fwMu.Unlock()
	if !e.freewheeling {
		return 0
	}
	return e.fwClient
}
