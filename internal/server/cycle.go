package server

import (
	"math"
	"time"

	"gojack/internal/driver"
	"gojack/internal/protocol"
	"gojack/internal/shm"
)

// driverThread is the engine's real-time loop: block in the driver until the
// hardware delivers a period, then run one cycle. It parks while the engine
// freewheels and exits when ch closes.
func (e *Engine) driverThread(ch, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ch:
			return
		default:
		}
		nframes, delayed, err := e.drv.Wait()
		e.watchdogCheck.Add(1)
		select {
		case <-ch:
			return
		default:
		}
		if err != nil {
			e.logf("[engine] driver wait failed: %v", err)
			e.requestShutdown(protocol.StatusBackendError, "driver failure")
			return
		}
		e.runCycle(nframes, delayed)
	}
}

// runCycle executes one period. nframes may differ from the nominal buffer
// size when the backend has a partial period available; the executor then
// runs sub-cycles of at most buffer_size frames each, against a single
// frame-timer increment per driver wakeup.
func (e *Engine) runCycle(nframes uint32, delayedUsecs float64) {
	bufSize := e.control.BufferSize()

	if e.spareUsecs > 0 && delayedUsecs > workScale*e.spareUsecs && !e.Freewheeling() {
		e.logf("[engine] delay of %.3f usecs exceeds estimated spare time of %.3f; restart",
			delayedUsecs, workScale*e.spareUsecs)
		e.consecutiveDelays++
		if e.consecutiveDelays > 10 {
			e.logf("[engine] too many consecutive interrupt delays, pausing")
			time.Sleep(time.Second)
			e.consecutiveDelays = 0
		}
		e.engineDelay(delayedUsecs)
		return
	}
	e.consecutiveDelays = 0

	for nframes > 0 {
		chunk := nframes
		if chunk > bufSize {
			chunk = bufSize
		}
		if e.runOneCycle(chunk) != nil {
			break
		}
		nframes -= chunk
	}
	e.updateFrameTimer()
	e.cycles.Add(1)
	if e.xrunPending {
		e.xrunPending = false
		e.sendXRunEvents()
	}
}

// cycleAbort distinguishes "stop the sub-cycle loop" from a clean cycle.
type cycleAbort struct{}

func (cycleAbort) Error() string { return "cycle abandoned" }

// runOneCycle runs the graph for one chunk of frames under the graph read
// lock. Contention with a structural change downgrades to a null cycle.
func (e *Engine) runOneCycle(nframes uint32) error {
	if !e.graphMu.TryRLock() {
		e.drv.NullCycle(nframes) //nolint:errcheck // nothing to do on failure
		return nil
	}
	defer e.graphMu.RUnlock()

	start := driver.NowUST()

	for _, s := range e.slaves {
		s.Read(nframes) //nolint:errcheck // slaves are best-effort
	}
	if err := e.drv.Read(nframes); err != nil {
		e.logf("[engine] driver read failed: %v", err)
		e.requestShutdown(protocol.StatusBackendError, "driver read failure")
		return cycleAbort{}
	}

	e.runGraphLocked(nframes)

	// Physical playback ports with more than one connection mix here,
	// after every producer finished and before the backend consumes them.
	if e.driverClient != nil {
		for _, p := range e.driverClient.ports {
			if p.flags.IsInput() {
				e.mixInputLocked(p, nframes)
			}
		}
	}

	for _, s := range e.slaves {
		s.Write(nframes) //nolint:errcheck // slaves are best-effort
	}
	if err := e.drv.Write(nframes); err != nil {
		e.logf("[engine] driver write failed: %v", err)
		e.requestShutdown(protocol.StatusBackendError, "driver write failure")
		return cycleAbort{}
	}

	e.postProcessLocked(nframes)
	e.accountLoad(float64(driver.NowUST() - start))
	return nil
}

// runGraphLocked wakes every process-bearing client in topological order.
// Internal clients run by direct call; external subgraphs are released by a
// byte on the head's start FIFO and observed through the tail's wait FIFO.
func (e *Engine) runGraphLocked(nframes uint32) {
	for _, c := range e.sorted {
		c.ctl.SetState(shm.StateNotTriggered)
		c.ctl.SetLastStatus(0)
		c.timedOut = false
	}

	timeout := time.Duration(e.cfg.ClientTimeoutMs) * time.Millisecond
	if p := time.Duration(e.timer.periodUsecs) * time.Microsecond; p > timeout {
		timeout = p
	}
	timeout += time.Millisecond

	i := 0
	for i < len(e.sorted) {
		c := e.sorted[i]
		if !c.external() {
			e.runInternalClient(c, nframes)
			i++
			continue
		}

		// Release the head of this external subgraph, then wait for the
		// tail's completion byte.
		head := i
		for i < len(e.sorted) && e.sorted[i].external() {
			i++
		}
		tail := i - 1
		hc, tc := e.sorted[head], e.sorted[tail]
		if hc.fifoIndex >= len(e.fifos) || tc.fifoIndex+1 >= len(e.fifos) {
			continue
		}
		for j := head; j <= tail; j++ {
			for _, p := range e.sorted[j].ports {
				if p.flags.IsInput() {
					e.mixInputLocked(p, nframes)
				}
			}
			e.sorted[j].ctl.SetState(shm.StateTriggered)
		}
		if err := e.fifos[hc.fifoIndex].Signal(); err != nil {
			e.logf("[engine] cannot signal subgraph start: %v", err)
			continue
		}
		ok, err := e.fifos[tc.fifoIndex+1].WaitTimeout(timeout)
		if err != nil {
			e.logf("[engine] subgraph wait failed: %v", err)
		}
		if !ok {
			e.subgraphTimedOutLocked(head, tail, timeout)
		}
	}
}

// subgraphTimedOutLocked marks whichever clients did not finish in time.
func (e *Engine) subgraphTimedOutLocked(head, tail int, timeout time.Duration) {
	for j := head; j <= tail; j++ {
		c := e.sorted[j]
		if c.ctl.State() != shm.StateFinished {
			c.timedOut = true
			c.errorCount.Add(1)
			e.logf("[engine] client %s timed out after %v (state %d)", c, timeout, c.ctl.State())
		}
	}
	e.xruns.Add(1)
	e.control.AddXRun()
	e.signalProblems(1)
	// The chain is now in an unknown state; drain stale wake bytes so the
	// next cycle starts clean.
	for _, f := range e.fifos {
		f.Drain()
	}
	e.xrunPending = true
}

// runInternalClient drives one in-process client through its cycle hooks.
func (e *Engine) runInternalClient(c *client, nframes uint32) {
	cb := c.internalCB
	if cb == nil {
		c.ctl.SetState(shm.StateFinished)
		return
	}
	c.ctl.SetState(shm.StateRunning)
	c.ctl.SetAwakeAt(driver.NowUST())

	// Resolve multi-connection inputs before the client reads them.
	for _, p := range c.ports {
		if p.flags.IsInput() {
			e.mixInputLocked(p, nframes)
		}
	}

	if c.isSlowSync && e.trans.pollingSync() && cb.Sync != nil {
		pos := e.trans.currentPosition()
		if cb.Sync(e.trans.state(), &pos) {
			c.ctl.SetSyncReady(true)
		}
	}
	status := 0
	if cb.Process != nil {
		status = cb.Process(nframes)
	}
	if c.isTimebase && cb.Timebase != nil && e.trans.state() != protocol.TransportStopped {
		pos := e.trans.currentPosition()
		cb.Timebase(e.trans.state(), nframes, &pos, e.trans.newPos())
		e.trans.masterPublished(pos)
	}
	c.ctl.SetLastStatus(int32(status))
	c.ctl.SetFinishedAt(driver.NowUST())
	c.ctl.SetState(shm.StateFinished)
}

// postProcessLocked runs after driver write: advance the transport state
// machine, inspect client status words, and collect errors for the server
// thread to act on.
func (e *Engine) postProcessLocked(nframes uint32) {
	e.trans.cycleEnd(nframes)

	problems := 0
	for _, c := range e.sorted {
		if c.timedOut {
			problems++
			continue
		}
		state := c.ctl.State()
		status := c.ctl.LastStatus()
		if state != shm.StateFinished || status != 0 {
			c.errorCount.Add(1)
			c.timedOut = state != shm.StateFinished
			problems++
			e.logf("[engine] client %s error: state %d status %d", c, state, status)
		}
	}
	if problems > 0 {
		e.signalProblems(problems)
	}
}

// engineDelay abandons the current cycle after an excessive wakeup delay:
// the frame timer is flagged for reset and every client learns about the
// xrun.
func (e *Engine) engineDelay(delayedUsecs float64) {
	e.timer.resetPending = true
	if delayedUsecs > e.maxUsecs {
		e.maxUsecs = delayedUsecs
	}
	e.xruns.Add(1)
	e.control.AddXRun()
	e.sendXRunEvents()
}

// sendXRunEvents notifies every xrun listener, internal hooks included.
func (e *Engine) sendXRunEvents() {
	ev := &protocol.Event{Type: protocol.EvtXRun}
	for _, c := range e.snapshotClients() {
		if !c.active || !c.callbacks.Has(protocol.CBXRun) {
			continue
		}
		if !c.external() {
			if cb := c.internalCB; cb != nil && cb.XRun != nil {
				cb.XRun()
			}
			continue
		}
		go e.deliverEvent(c, ev)
	}
}

// updateFrameTimer advances the published frame timer once per driver
// wakeup. A second-order IIR tracks the drift between the predicted and the
// observed wakeup; reset-pending skips the filter and re-anchors instead.
func (e *Engine) updateFrameTimer() {
	t := &e.timer
	actual := e.drv.LastWaitUST()
	period := e.drv.PeriodUsecs()
	t.periodUsecs = period

	if !t.initialized || t.resetPending {
		t.currentWakeup = actual
		t.nextWakeup = actual + uint64(period)
		t.integrator = 0
		t.initialized = true
		t.resetPending = false
	} else {
		delta := float32(int64(actual) - int64(t.nextWakeup))
		t.integrator += 0.5 * t.coeff * delta
		t.currentWakeup = t.nextWakeup
		step := int64(period) + int64(math.Floor(float64(t.coeff*(delta+t.integrator))))
		if step < 0 {
			step = 0
		}
		t.nextWakeup = t.currentWakeup + uint64(step)
	}
	t.frames += uint64(e.control.BufferSize())
	e.control.WriteTimer(shm.FrameTimer{
		Frames:        t.frames,
		CurrentWakeup: t.currentWakeup,
		NextWakeup:    t.nextWakeup,
		PeriodUsecs:   t.periodUsecs,
		ResetPending:  false,
	})
}

// accountLoad feeds the rolling DSP-load estimate with this cycle's
// execution time.
func (e *Engine) accountLoad(usecs float64) {
	e.rolling[e.rollingIdx] = usecs
	e.rollingIdx = (e.rollingIdx + 1) % rollingInterval
	if e.rollingCnt < rollingInterval {
		e.rollingCnt++
		return
	}
	max := 0.0
	for _, v := range e.rolling {
		if v > max {
			max = v
		}
	}
	e.maxUsecs = max
	if max < e.timer.periodUsecs {
		e.spareUsecs = e.timer.periodUsecs - max
	} else {
		e.spareUsecs = 0
	}
	load := 1 - e.spareUsecs/e.timer.periodUsecs
	e.control.SetCPULoad(float32(load * 100))
}
