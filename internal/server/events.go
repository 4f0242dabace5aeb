package server

import (
	"io"
	"time"

	"gojack/internal/protocol"
)

// deliverEvent pushes one event to a client and waits for its one-byte ack.
// Internal clients dispatch by direct call instead. Ack failures carry the
// socket-error weight, so a single failed ack is enough to get the client
// removed rather than zombified.
func (e *Engine) deliverEvent(c *client, ev *protocol.Event) {
	if !c.external() {
		e.dispatchInternal(c, ev)
		return
	}

	c.eventMu.Lock()
	conn := c.eventConn
	if conn == nil {
		c.eventMu.Unlock()
		return
	}
	deadline := time.Now().Add(eventAckTimeout)
	conn.SetDeadline(deadline) //nolint:errcheck // enforced by the reads below
	err := protocol.WriteEvent(conn, ev)
	var status [1]byte
	if err == nil {
		_, err = io.ReadFull(conn, status[:])
	}
	conn.SetDeadline(time.Time{}) //nolint:errcheck // clear
	c.eventMu.Unlock()

	if err != nil || status[0] != 0 {
		c.errorCount.Add(socketErrorWeight)
		e.logf("[engine] client %s event %s not acked (err=%v status=%d)", c, ev.Type, err, status[0])
		e.signalProblems(1)
	}
}

// dispatchInternal maps a pushed event onto an in-process client's hooks.
// Hooks the client never registered are skipped.
func (e *Engine) dispatchInternal(c *client, ev *protocol.Event) {
	cb := c.internalCB
	if cb == nil {
		return
	}
	switch ev.Type {
	case protocol.EvtBufferSizeChange:
		if cb.BufferSize != nil {
			cb.BufferSize(uint32(ev.X))
		}
	case protocol.EvtSampleRateChange:
		if cb.SampleRate != nil {
			cb.SampleRate(uint32(ev.X))
		}
	case protocol.EvtXRun:
		if cb.XRun != nil {
			cb.XRun()
		}
	case protocol.EvtStartFreewheel:
		if cb.Freewheel != nil {
			cb.Freewheel(true)
		}
	case protocol.EvtStopFreewheel:
		if cb.Freewheel != nil {
			cb.Freewheel(false)
		}
	case protocol.EvtGraphReordered:
		if cb.GraphOrder != nil {
			cb.GraphOrder()
		}
	case protocol.EvtLatencyCallback:
		if cb.Latency != nil {
			cb.Latency(protocol.LatencyMode(ev.X))
		}
	case protocol.EvtShutdown:
		if cb.Shutdown != nil {
			cb.Shutdown(protocol.Status(ev.X), ev.Name.String())
		}
	}
}

// signalProblems records n error events for the server thread to clean up
// outside the cycle.
func (e *Engine) signalProblems(n int) {
	e.problemMu.Lock()
	e.problems += n
	e.problemMu.Unlock()
	select {
	case e.problemCh <- struct{}{}:
	default:
	}
}

// problemThread runs on the server side: it wakes when the cycle executor
// flags trouble and zombifies or removes the offenders.
func (e *Engine) problemThread() {
	defer e.wg.Done()
	for {
		select {
		case <-e.stopCh:
			return
		case <-e.problemCh:
		}
		e.problemMu.Lock()
		n := e.problems
		e.problems = 0
		e.problemMu.Unlock()
		if n == 0 {
			continue
		}
		e.scanProblems()
	}
}

// scanProblems applies the error policy: below the socket-error threshold a
// client is zombified (so its library side can observe the shutdown); at or
// above it, removed outright. Already-dead clients are reaped.
func (e *Engine) scanProblems() {
	zombified := false
	for _, c := range e.snapshotClients() {
		if c.kind == protocol.ClientDriver {
			continue
		}
		errs := c.errorCount.Load()
		switch {
		case c.dead:
			e.sendShutdownEvent(c, protocol.StatusClientZombie, "client zombified")
			e.removeClient(c)
		case errs >= socketErrorWeight:
			e.sendShutdownEvent(c, protocol.StatusClientZombie|protocol.StatusFailure, "event channel failure")
			e.removeClient(c)
		case errs > 0:
			e.zombifyClient(c)
			zombified = true
		}
	}
	// Freshly zombified clients get one scan's grace to observe the
	// shutdown, then the next pass reaps them.
	if zombified {
		time.AfterFunc(100*time.Millisecond, func() { e.signalProblems(1) })
	}
}

// sendShutdownEvent tells one client why it is being torn down.
func (e *Engine) sendShutdownEvent(c *client, status protocol.Status, reason string) {
	ev := &protocol.Event{Type: protocol.EvtShutdown, X: uint64(status)}
	ev.Name.Set(reason)
	e.deliverEvent(c, ev)
}

// watchdogThread aborts the process group when the driver thread stops
// making progress. Only armed when the configuration asks for it.
func (e *Engine) watchdogThread() {
	defer e.wg.Done()
	const interval = 5 * time.Second
	last := e.watchdogCheck.Load()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
		}
		if e.Freewheeling() {
			last = e.watchdogCheck.Load()
			continue
		}
		now := e.watchdogCheck.Load()
		if now == last {
			e.logf("[watchdog] driver thread stalled for %v; shutting down", interval)
			e.requestShutdown(protocol.StatusServerError, "watchdog: driver thread stalled")
			return
		}
		last = now
	}
}
