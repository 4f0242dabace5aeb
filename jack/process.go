package jack

import (
	"time"

	"gojack/internal/driver"
	"gojack/internal/shm"
)

// fifoPollInterval bounds each blocking wait on the chain FIFO so the
// process thread can notice stop requests and graph reorders promptly.
const fifoPollInterval = 200 * time.Millisecond

// processThread is the client's real-time loop: wait for the wake byte from
// upstream, run the cycle hooks, pass the byte downstream. With a thread
// callback registered, the callback owns the loop and drives the same
// machinery through CycleWait/CycleSignal.
func (c *Client) processThread() {
	defer close(c.procDone)
	cb := c.cb.snapshot()
	if cb.threadInit != nil {
		cb.threadInit()
	}
	if cb.thread != nil {
		cb.thread()
		return
	}
	for {
		nframes, ok := c.CycleWait()
		if !ok {
			return
		}
		status := 0
		if cb.process != nil {
			status = cb.process(nframes)
		}
		c.CycleSignal(status)
	}
}

// currentWaitFifo retires superseded FIFOs and returns the live one.
func (c *Client) currentWaitFifo() *shm.Fifo {
	c.fifoMu.Lock()
	defer c.fifoMu.Unlock()
	for _, f := range c.retired {
		f.Close() //nolint:errcheck // superseded
	}
	c.retired = nil
	return c.waitFifo
}

// CycleWait blocks until the engine releases this client's position in the
// chain, then prepares the cycle (state accounting, slow-sync vote). It
// returns the period length and false when the client is shutting down.
func (c *Client) CycleWait() (uint32, bool) {
	for {
		select {
		case <-c.procStop:
			return 0, false
		default:
		}
		f := c.currentWaitFifo()
		if f == nil {
			// Not yet placed in the graph; wait for the first reorder.
			time.Sleep(10 * time.Millisecond)
			continue
		}
		ok, err := f.WaitTimeout(fifoPollInterval)
		if err != nil {
			// The FIFO was likely retired underneath us; try again with
			// whatever the reorder installed.
			continue
		}
		if !ok {
			continue
		}

		c.ctl.SetState(shm.StateRunning)
		c.ctl.SetAwakeAt(driver.NowUST())

		cb := c.cb.snapshot()
		if cb.sync != nil {
			snap := c.control.ReadTransport()
			if TransportState(snap.State) == TransportStarting || snap.NewPos {
				pos := positionFromSnapshot(snap, c.sampleRate)
				c.ctl.SetSyncReady(cb.sync(TransportState(snap.State), &pos))
			}
		}
		return c.BufferSize(), true
	}
}

// CycleSignal finishes the cycle: run the timebase hook if registered,
// publish the status word, and release the next client in the chain.
func (c *Client) CycleSignal(status int) {
	cb := c.cb.snapshot()
	if cb.timebase != nil {
		snap := c.control.ReadTransport()
		state := TransportState(snap.State)
		if state != TransportStopped {
			pos := positionFromSnapshot(snap, c.sampleRate)
			cb.timebase(state, c.BufferSize(), &pos, snap.NewPos)
			c.ctl.PublishBBT(shm.BBT{
				Valid:          pos.Valid,
				Bar:            pos.Bar,
				Beat:           pos.Beat,
				Tick:           pos.Tick,
				BarStartTick:   pos.BarStartTick,
				BeatsPerBar:    pos.BeatsPerBar,
				BeatType:       pos.BeatType,
				TicksPerBeat:   pos.TicksPerBeat,
				BeatsPerMinute: pos.BeatsPerMinute,
			})
		}
	}
	c.ctl.SetLastStatus(int32(status))
	c.ctl.SetFinishedAt(driver.NowUST())
	c.ctl.SetState(shm.StateFinished)

	c.fifoMu.Lock()
	f := c.signalFifo
	c.fifoMu.Unlock()
	if f != nil {
		f.Signal() //nolint:errcheck // engine times the chain out if this is lost
	}
}
