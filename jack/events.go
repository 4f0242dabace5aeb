package jack

import (
	"errors"
	"io"
	"log"
	"net"

	"gojack/internal/protocol"
	"gojack/internal/shm"
)

// eventLoop reads pushed events, dispatches them, and acks each one with a
// single status byte. The engine blocks on that ack, so handlers stay short;
// anything needing a round-trip goes through the dedicated event-request
// connection.
func (c *Client) eventLoop() {
	defer close(c.evtDone)
	for {
		ev, err := protocol.ReadEvent(c.evtConn)
		if err != nil {
			if !c.closed.Load() && err != io.EOF && !errors.Is(err, net.ErrClosed) {
				log.Printf("[jack] %s: event channel lost: %v", c.name, err)
				c.runShutdownHooks(protocol.StatusServerError|protocol.StatusFailure, "event channel lost")
			}
			return
		}
		status := c.handleEvent(&ev)
		if _, err := c.evtConn.Write([]byte{status}); err != nil {
			return
		}
	}
}

func (c *Client) handleEvent(ev *protocol.Event) byte {
	cb := c.cb.snapshot()

	switch ev.Type {
	case protocol.EvtAttachPortSegment:
		if err := c.attachArena(uint32(ev.X), ev.Name.String()); err != nil {
			log.Printf("[jack] %s: attach segment: %v", c.name, err)
			return 1
		}

	case protocol.EvtBufferSizeChange:
		c.bufferSize.Store(uint32(ev.X))
		if cb.bufferSize != nil {
			cb.bufferSize(uint32(ev.X))
		}

	case protocol.EvtSampleRateChange:
		c.sampleRate = uint32(ev.X)
		if cb.sampleRate != nil {
			cb.sampleRate(uint32(ev.X))
		}

	case protocol.EvtGraphReordered:
		if err := c.rearmFifos(ev.Name.String(), ev.Name2.String()); err != nil {
			log.Printf("[jack] %s: fifo rearm: %v", c.name, err)
			return 1
		}
		if cb.graphOrder != nil {
			cb.graphOrder()
		}

	case protocol.EvtPortRegistered:
		if cb.portReg != nil {
			cb.portReg(uint32(ev.X), true)
		}
	case protocol.EvtPortUnregistered:
		if cb.portReg != nil {
			cb.portReg(uint32(ev.X), false)
		}

	case protocol.EvtPortConnected:
		if cb.portConn != nil {
			cb.portConn(uint32(ev.X), uint32(ev.Y), true)
		}
	case protocol.EvtPortDisconnected:
		if cb.portConn != nil {
			cb.portConn(uint32(ev.X), uint32(ev.Y), false)
		}

	case protocol.EvtPortRename:
		if cb.portRename != nil {
			cb.portRename(uint32(ev.X), ev.Name.String(), ev.Name2.String())
		}

	case protocol.EvtClientRegistered:
		if cb.clientReg != nil {
			cb.clientReg(ev.Name.String(), true)
		}
	case protocol.EvtClientUnregistered:
		if cb.clientReg != nil {
			cb.clientReg(ev.Name.String(), false)
		}

	case protocol.EvtXRun:
		if cb.xrun != nil {
			cb.xrun()
		}

	case protocol.EvtStartFreewheel:
		if cb.freewheel != nil {
			cb.freewheel(true)
		}
	case protocol.EvtStopFreewheel:
		if cb.freewheel != nil {
			cb.freewheel(false)
		}

	case protocol.EvtSaveSession:
		if cb.session != nil {
			cb.session(uint32(ev.X), ev.Name.String())
		}

	case protocol.EvtLatencyCallback:
		if cb.latency != nil {
			cb.latency(protocol.LatencyMode(ev.X))
		}

	case protocol.EvtPropertyChange:
		if cb.property != nil {
			cb.property(ev.Name.String(), ev.Name2.String(), protocol.PropertyChangeKind(ev.X))
		}

	case protocol.EvtShutdown:
		c.zombie.Store(true)
		c.runShutdownHooks(protocol.Status(ev.X), ev.Name.String())
	}
	return 0
}

// runShutdownHooks calls on_info_shutdown, or the legacy on_shutdown when
// only that one is set.
func (c *Client) runShutdownHooks(status protocol.Status, reason string) {
	c.cb.mu.RLock()
	info := c.cb.infoShutdown
	legacy := c.cb.shutdown
	c.cb.mu.RUnlock()
	switch {
	case info != nil:
		info(status, reason)
	case legacy != nil:
		legacy()
	}
}

// attachArena (re)maps one port-type buffer arena.
func (c *Client) attachArena(typeID uint32, path string) error {
	seg, err := shm.Attach(path, true)
	if err != nil {
		return err
	}
	if old, ok := c.arenas.Load(typeID); ok {
		old.(*shm.Segment).Detach() //nolint:errcheck // superseded mapping
	}
	c.arenas.Store(typeID, seg)
	return nil
}

// rearmFifos swaps the process chain FIFOs to the positions of the new
// graph order. The engine delivers this under its graph lock, so no cycle
// runs against the old positions once it is acked.
func (c *Client) rearmFifos(waitPath, signalPath string) error {
	wait, err := shm.OpenFifo(waitPath)
	if err != nil {
		return err
	}
	signal, err := shm.OpenFifo(signalPath)
	if err != nil {
		wait.Close() //nolint:errcheck // unwinding
		return err
	}
	c.fifoMu.Lock()
	if c.waitFifo != nil {
		// The process thread may still be polling the old descriptor;
		// it retires these on its next pass instead of us closing them
		// out from under it.
		c.retired = append(c.retired, c.waitFifo)
	}
	if c.signalFifo != nil {
		c.retired = append(c.retired, c.signalFifo)
	}
	c.waitFifo, c.signalFifo = wait, signal
	c.fifoMu.Unlock()
	c.reordered.Store(true)
	return nil
}
