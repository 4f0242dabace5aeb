package server

import (
	"fmt"
	"sync"

	"gojack/internal/driver"
	"gojack/internal/protocol"
	"gojack/internal/shm"
)

// TransportPosition is the engine-side transport position, mirrored onto the
// control page every cycle.
type TransportPosition struct {
	Seq            uint64
	Frame          uint64
	FrameRate      uint32
	Usecs          uint64
	Valid          uint32
	Bar            int32
	Beat           int32
	Tick           int32
	BarStartTick   float64
	BeatsPerBar    float64
	BeatType       float64
	TicksPerBeat   float64
	BeatsPerMinute float64
}

// defaultSyncTimeoutUsecs bounds how long the transport waits in Starting
// for slow-sync clients before rolling anyway.
const defaultSyncTimeoutUsecs = 2_000_000

// Transport commands queued by the request side and consumed at cycle end.
const (
	cmdNone = iota
	cmdStart
	cmdStop
)

// transportEngine runs the Stopped/Starting/Rolling state machine at the end
// of every cycle. Requests never mutate transport state directly; they queue
// a command or a pending locate, each applied exactly once per cycle, so the
// cycle path stays the single writer.
type transportEngine struct {
	e *Engine

	mu         sync.Mutex // guards the queued command and pending locate
	cmd        int
	pendingPos *TransportPosition
	lastSeq    uint64

	st         protocol.TransportState
	pos        TransportPosition
	isNewPos   bool
	syncPoll   bool
	syncRemain int
	syncClock  uint64 // usecs when the current poll started
	syncLimit  uint64 // usecs budget for the poll

	master *client
}

func (t *transportEngine) init(e *Engine) {
	t.e = e
	t.st = protocol.TransportStopped
	t.syncLimit = defaultSyncTimeoutUsecs
	t.pos.FrameRate = e.cfg.SampleRate
	t.publish()
}

// state is read on the cycle path; transitions happen only there too.
func (t *transportEngine) state() protocol.TransportState { return t.st }

func (t *transportEngine) currentPosition() TransportPosition { return t.pos }

func (t *transportEngine) newPos() bool { return t.isNewPos }

func (t *transportEngine) pollingSync() bool { return t.syncPoll }

// requestStart queues a start command.
func (t *transportEngine) requestStart() {
	t.mu.Lock()
	t.cmd = cmdStart
	t.mu.Unlock()
}

// requestStop queues a stop command.
func (t *transportEngine) requestStop() {
	t.mu.Lock()
	t.cmd = cmdStop
	t.mu.Unlock()
}

// requestLocate queues a reposition. The engine accepts at most one pending
// locate per cycle; later requests within the same cycle supersede earlier
// ones, disambiguated by the sequence number.
func (t *transportEngine) requestLocate(frame uint64) uint64 {
	t.mu.Lock()
	t.lastSeq++
	seq := t.lastSeq
	t.pendingPos = &TransportPosition{
		Seq:       seq,
		Frame:     frame,
		FrameRate: t.e.control.SampleRate(),
	}
	t.mu.Unlock()
	return seq
}

// setTimebase claims the timebase master role.
func (t *transportEngine) setTimebase(c *client, conditional bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if conditional && t.master != nil && t.master != c && !t.master.dead {
		return fmt.Errorf("timebase master already set (%s)", t.master)
	}
	if t.master != nil && t.master != c {
		t.master.isTimebase = false
	}
	t.master = c
	c.isTimebase = true
	return nil
}

// resetTimebase releases the role if c holds it.
func (t *transportEngine) resetTimebase(c *client) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.master != c {
		return fmt.Errorf("%s is not the timebase master", c)
	}
	t.master = nil
	c.isTimebase = false
	return nil
}

// setSync registers c as a slow-sync client.
func (t *transportEngine) setSync(c *client) {
	c.isSlowSync = true
	// A client arriving mid-poll gets polled too.
	if t.syncPoll {
		t.syncRemain++
	}
}

// resetSync removes c from the slow-sync set.
func (t *transportEngine) resetSync(c *client) {
	if c.isSlowSync && t.syncPoll && t.syncRemain > 0 {
		t.syncRemain--
	}
	c.isSlowSync = false
}

// setSyncTimeout adjusts the poll budget.
func (t *transportEngine) setSyncTimeout(usecs uint64) {
	t.mu.Lock()
	t.syncLimit = usecs
	t.mu.Unlock()
}

// clientExitLocked drops c's transport roles when it leaves the graph.
// Caller holds the graph write lock.
func (t *transportEngine) clientExitLocked(c *client) {
	t.mu.Lock()
	if t.master == c {
		t.master = nil
		c.isTimebase = false
	}
	t.mu.Unlock()
	t.resetSync(c)
}

// masterPublished merges the BBT fields a timebase master produced this
// cycle into the engine position.
func (t *transportEngine) masterPublished(pos TransportPosition) {
	frame, seq := t.pos.Frame, t.pos.Seq
	t.pos = pos
	t.pos.Frame = frame
	t.pos.Seq = seq
	t.pos.FrameRate = t.e.control.SampleRate()
}

// startSyncPoll counts the active slow-sync clients and arms the barrier.
func (t *transportEngine) startSyncPoll() {
	n := 0
	for _, c := range t.e.clients {
		if c.active && !c.dead && c.isSlowSync {
			n++
			c.ctl.SetSyncReady(false)
		}
	}
	t.syncRemain = n
	t.syncPoll = n > 0
	t.syncClock = driver.NowUST()
}

// syncDone reports whether every polled client voted ready or the budget ran
// out.
func (t *transportEngine) syncDone() bool {
	if !t.syncPoll {
		return true
	}
	remain := 0
	for _, c := range t.e.clients {
		if c.active && !c.dead && c.isSlowSync && !c.ctl.SyncReady() {
			remain++
		}
	}
	t.syncRemain = remain
	if remain == 0 {
		return true
	}
	if driver.NowUST()-t.syncClock >= t.syncLimit {
		t.e.logf("[transport] sync poll timed out with %d clients unready", remain)
		return true
	}
	return false
}

// cycleEnd advances the state machine. Runs on the cycle path under the
// graph read lock, after the graph executed.
func (t *transportEngine) cycleEnd(nframes uint32) {
	// Collect a BBT block the external timebase master may have written.
	t.mu.Lock()
	master := t.master
	cmd := t.cmd
	t.cmd = cmdNone
	pending := t.pendingPos
	t.pendingPos = nil
	t.mu.Unlock()

	if master != nil && master.external() && t.st != protocol.TransportStopped {
		if bbt, ok := master.ctl.TakeBBT(); ok {
			t.pos.Valid = bbt.Valid
			t.pos.Bar = bbt.Bar
			t.pos.Beat = bbt.Beat
			t.pos.Tick = bbt.Tick
			t.pos.BarStartTick = bbt.BarStartTick
			t.pos.BeatsPerBar = bbt.BeatsPerBar
			t.pos.BeatType = bbt.BeatType
			t.pos.TicksPerBeat = bbt.TicksPerBeat
			t.pos.BeatsPerMinute = bbt.BeatsPerMinute
		}
	}

	t.isNewPos = false

	// Apply a queued locate first: it lands in current_time for the next
	// cycle and restarts the slow-sync poll.
	if pending != nil {
		seq := pending.Seq
		t.pos.Frame = pending.Frame
		t.pos.Seq = seq
		t.isNewPos = true
		if t.st == protocol.TransportRolling {
			t.st = protocol.TransportStarting
		}
		t.startSyncPoll()
	}

	switch cmd {
	case cmdStart:
		if t.st == protocol.TransportStopped {
			t.st = protocol.TransportStarting
			t.startSyncPoll()
		}
	case cmdStop:
		t.st = protocol.TransportStopped
		t.syncPoll = false
	}

	switch t.st {
	case protocol.TransportStarting:
		if t.syncDone() {
			t.syncPoll = false
			t.st = protocol.TransportRolling
		}
	case protocol.TransportRolling:
		t.pos.Frame += uint64(nframes)
	}

	t.pos.Usecs = driver.NowUST()
	t.publish()
}

// publish mirrors the position onto the control page.
func (t *transportEngine) publish() {
	t.e.control.WriteTransport(shm.TransportSnapshot{
		State:          uint32(t.st),
		NewPos:         t.isNewPos,
		Frame:          t.pos.Frame,
		Seq:            t.pos.Seq,
		Usecs:          t.pos.Usecs,
		Valid:          t.pos.Valid,
		Bar:            t.pos.Bar,
		Beat:           t.pos.Beat,
		Tick:           t.pos.Tick,
		BarStartTick:   t.pos.BarStartTick,
		BeatsPerBar:    t.pos.BeatsPerBar,
		BeatType:       t.pos.BeatType,
		TicksPerBeat:   t.pos.TicksPerBeat,
		BeatsPerMinute: t.pos.BeatsPerMinute,
	})
}

// transportClientExitLocked is the engine-side hook for client teardown.
func (e *Engine) transportClientExitLocked(c *client) {
	e.trans.clientExitLocked(c)
}
