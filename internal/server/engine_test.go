package server

import (
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"gojack/internal/driver"
	"gojack/internal/porttype"
	"gojack/internal/protocol"
)

// testDriver is a backend the test drives by hand: each send on wake
// releases exactly one Wait, so cycles run deterministically.
type testDriver struct {
	rate    uint32
	period  uint32
	host    driver.Host
	capture []uint32
	playbck []uint32

	wake    chan struct{}
	stopped chan struct{}
	started atomic.Bool
	last    uint64

	// onCapture fills capture channel buffers each Read.
	onCapture func(ch int, buf []float32)
}

func newTestDriver(rate, period uint32) *testDriver {
	return &testDriver{rate: rate, period: period, wake: make(chan struct{}, 64)}
}

func (d *testDriver) Attach(h driver.Host) error {
	d.host = h
	for i := 1; i <= 2; i++ {
		id, err := h.RegisterPort(fmt.Sprintf("hw:in_%d", i), porttype.AudioTypeName,
			protocol.PortIsOutput|protocol.PortIsPhysical|protocol.PortIsTerminal, d.period)
		if err != nil {
			return err
		}
		d.capture = append(d.capture, id)
	}
	for i := 1; i <= 2; i++ {
		id, err := h.RegisterPort(fmt.Sprintf("hw:out_%d", i), porttype.AudioTypeName,
			protocol.PortIsInput|protocol.PortIsPhysical|protocol.PortIsTerminal, d.period)
		if err != nil {
			return err
		}
		d.playbck = append(d.playbck, id)
	}
	return nil
}

func (d *testDriver) Detach() error { return nil }

func (d *testDriver) Start() error {
	d.stopped = make(chan struct{})
	d.started.Store(true)
	return nil
}

func (d *testDriver) Stop() error {
	if d.started.Swap(false) {
		close(d.stopped)
	}
	return nil
}

func (d *testDriver) Wait() (uint32, float64, error) {
	select {
	case <-d.wake:
		d.last = driver.NowUST()
		return d.period, 0, nil
	case <-d.stopped:
		return 0, 0, nil
	}
}

func (d *testDriver) Read(nframes uint32) error {
	for i, id := range d.capture {
		buf := d.host.PortBuffer(id, nframes)
		if buf == nil {
			continue
		}
		s := porttype.AsFloat32(buf, nframes)
		for j := range s {
			s[j] = 0
		}
		if d.onCapture != nil {
			d.onCapture(i, s)
		}
	}
	return nil
}

func (d *testDriver) Write(nframes uint32) error     { return nil }
func (d *testDriver) NullCycle(nframes uint32) error { return nil }
func (d *testDriver) SetBufferSize(n uint32) error   { return nil }
func (d *testDriver) PeriodUsecs() float64 {
	return float64(d.period) * 1e6 / float64(d.rate)
}
func (d *testDriver) LastWaitUST() uint64 { return d.last }

// newTestEngine builds an engine in a private tmpdir with a hand-driven
// backend. The driver thread is not started; tests call runCycle directly.
func newTestEngine(t *testing.T) (*Engine, *testDriver) {
	t.Helper()
	t.Setenv("JACK_TMPDIR", t.TempDir())
	drv := newTestDriver(48000, 64)
	eng, err := New(Config{
		Name:       "unit",
		BufferSize: 64,
		SampleRate: 48000,
		PortMax:    32,
	}, drv)
	if err != nil {
		t.Fatalf("engine setup: %v", err)
	}
	t.Cleanup(eng.Close)
	return eng, drv
}

// addInternal creates and activates an internal client with the given hook
// set, registering one input and one output port when wantPorts is set.
func addInternal(t *testing.T, e *Engine, name string, cb *InternalCallbacks, wantPorts bool) (*client, *port, *port) {
	t.Helper()
	e.graphMu.Lock()
	c, err := e.addClientLocked(name, protocol.ClientInternal, "", true)
	if err != nil {
		e.graphMu.Unlock()
		t.Fatalf("add client %s: %v", name, err)
	}
	c.internalCB = cb
	c.callbacks = internalMask(cb)
	var in, out *port
	if wantPorts {
		in, err = e.registerPortLocked(c, "in", porttype.AudioTypeName, protocol.PortIsInput, 0)
		if err != nil {
			e.graphMu.Unlock()
			t.Fatalf("register input: %v", err)
		}
		out, err = e.registerPortLocked(c, "out", porttype.AudioTypeName, protocol.PortIsOutput, 0)
		if err != nil {
			e.graphMu.Unlock()
			t.Fatalf("register output: %v", err)
		}
	}
	e.graphMu.Unlock()
	if err := e.activateClient(c); err != nil {
		t.Fatalf("activate %s: %v", name, err)
	}
	return c, in, out
}

func sortedBefore(e *Engine, a, b *client) bool {
	e.graphMu.RLock()
	defer e.graphMu.RUnlock()
	ai, bi := -1, -1
	for i, c := range e.sorted {
		if c == a {
			ai = i
		}
		if c == b {
			bi = i
		}
	}
	return ai >= 0 && bi >= 0 && ai < bi
}

func TestConnectOrdersClients(t *testing.T) {
	e, _ := newTestEngine(t)
	proc := &InternalCallbacks{Process: func(uint32) int { return 0 }}

	a, _, aOut := addInternal(t, e, "a", proc, true)
	b, bIn, _ := addInternal(t, e, "b", proc, true)

	if err := e.connectPorts(aOut.name, bIn.name); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if !sortedBefore(e, a, b) {
		t.Fatal("a must be scheduled before b after a->b connection")
	}

	// Connection symmetry (src outgoing <-> dst incoming).
	e.graphMu.RLock()
	if len(aOut.outgoing) != 1 || len(bIn.incoming) != 1 || aOut.outgoing[0] != bIn.incoming[0] {
		e.graphMu.RUnlock()
		t.Fatal("connection record must appear on both ports")
	}
	e.graphMu.RUnlock()
}

func TestFeedbackConnectionAcceptedAndRestored(t *testing.T) {
	e, _ := newTestEngine(t)
	proc := &InternalCallbacks{Process: func(uint32) int { return 0 }}

	_, aIn, aOut := addInternal(t, e, "a", proc, true)
	_, bIn, bOut := addInternal(t, e, "b", proc, true)

	if err := e.connectPorts(aOut.name, bIn.name); err != nil {
		t.Fatalf("forward connect: %v", err)
	}
	if err := e.connectPorts(bOut.name, aIn.name); err != nil {
		t.Fatalf("feedback connect should be accepted: %v", err)
	}
	if got := e.FeedbackCount(); got != 1 {
		t.Fatalf("feedback count: got %d, want 1", got)
	}

	// Removing the feedback edge re-checks acyclicity and restores
	// forward orientation everywhere.
	if err := e.disconnectPorts(bOut.name, aIn.name); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	if got := e.FeedbackCount(); got != 0 {
		t.Fatalf("feedback count after disconnect: got %d, want 0", got)
	}
	for _, conn := range e.Connections() {
		if conn.Feedback {
			t.Fatalf("connection %s -> %s still feedback-oriented", conn.Source, conn.Destination)
		}
	}
}

func TestConnectValidation(t *testing.T) {
	e, _ := newTestEngine(t)
	proc := &InternalCallbacks{Process: func(uint32) int { return 0 }}
	_, aIn, aOut := addInternal(t, e, "a", proc, true)
	_, bIn, _ := addInternal(t, e, "b", proc, true)

	var ee *errnoError

	// Input as source.
	err := e.connectPorts(aIn.name, bIn.name)
	if err == nil {
		t.Fatal("input-as-source must be rejected")
	}

	// Duplicate connection.
	if err := e.connectPorts(aOut.name, bIn.name); err != nil {
		t.Fatalf("connect: %v", err)
	}
	err = e.connectPorts(aOut.name, bIn.name)
	if err == nil {
		t.Fatal("duplicate connection must be rejected")
	}
	if asErrno(err, &ee); ee == nil || ee.errno != int32(unix.EEXIST) {
		t.Fatalf("duplicate should carry EEXIST, got %v", err)
	}

	// Unknown port.
	if err := e.connectPorts("nobody:out", bIn.name); err == nil {
		t.Fatal("unknown port must be rejected")
	}
}

func asErrno(err error, out **errnoError) {
	if ee, ok := err.(*errnoError); ok {
		*out = ee
	}
}

func TestPortRegisterUnregisterRestoresFreelist(t *testing.T) {
	e, _ := newTestEngine(t)
	proc := &InternalCallbacks{Process: func(uint32) int { return 0 }}
	c, _, _ := addInternal(t, e, "a", proc, false)

	e.graphMu.RLock()
	freeBefore := len(e.freelists[0])
	e.graphMu.RUnlock()

	e.graphMu.Lock()
	p, err := e.registerPortLocked(c, "tmp", porttype.AudioTypeName, protocol.PortIsOutput, 0)
	e.graphMu.Unlock()
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if int(p.offset) >= e.segments[0].Size() {
		t.Fatalf("offset %d outside arena of %d bytes", p.offset, e.segments[0].Size())
	}

	e.graphMu.RLock()
	freeDuring := len(e.freelists[0])
	e.graphMu.RUnlock()
	if freeDuring != freeBefore-1 {
		t.Fatalf("freelist: got %d, want %d", freeDuring, freeBefore-1)
	}

	if err := e.unregisterPort(c, p.id); err != nil {
		t.Fatalf("unregister: %v", err)
	}
	e.graphMu.RLock()
	freeAfter := len(e.freelists[0])
	inUse := e.ports[p.id] != nil
	e.graphMu.RUnlock()
	if freeAfter != freeBefore || inUse {
		t.Fatalf("unregister must restore the freelist (%d vs %d) and clear the slot", freeAfter, freeBefore)
	}
}

func TestDriverPortsGetCanonicalNames(t *testing.T) {
	e, _ := newTestEngine(t)
	e.graphMu.RLock()
	defer e.graphMu.RUnlock()

	if p := e.portByNameLocked("system:capture_1"); p == nil {
		t.Fatal("system:capture_1 missing")
	}
	if p := e.portByNameLocked("system:playback_2"); p == nil {
		t.Fatal("system:playback_2 missing")
	}
	// The backend's own name survives as an alias.
	if p := e.portByNameLocked("hw:in_1"); p == nil || p.name != "system:capture_1" {
		t.Fatal("backend alias lookup failed")
	}
}

func TestInputBufferResolution(t *testing.T) {
	e, drv := newTestEngine(t)

	// The process hook runs under the cycle's graph read lock, so it can
	// resolve buffers directly.
	var seen []float32
	var sinkIn *port
	sink := &InternalCallbacks{Process: func(nframes uint32) int {
		buf := porttype.AsFloat32(e.portBufferLocked(sinkIn, nframes), nframes)
		seen = append(seen[:0], buf...)
		return 0
	}}
	_, sIn, _ := addInternal(t, e, "sink", sink, true)
	sinkIn = sIn

	// No connections: resolves to the zero sentinel.
	e.graphMu.RLock()
	zero := &e.portBufferLocked(sIn, 64)[0]
	sentinel := &e.bufferAt(0, e.zeroOffset[0])[0]
	e.graphMu.RUnlock()
	if zero != sentinel {
		t.Fatal("unconnected input must resolve to the zero sentinel")
	}

	// One connection: zero-copy alias of the source buffer.
	if err := e.connectPorts("system:capture_1", "sink:in"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	e.graphMu.RLock()
	got := &e.portBufferLocked(sIn, 64)[0]
	src := &e.bufferAt(0, e.portByNameLocked("system:capture_1").offset)[0]
	e.graphMu.RUnlock()
	if got != src {
		t.Fatal("single-connection input must alias the source buffer")
	}

	// Two connections: engine-filled mix buffer with the sample-wise sum.
	if err := e.connectPorts("system:capture_2", "sink:in"); err != nil {
		t.Fatalf("second connect: %v", err)
	}
	e.graphMu.RLock()
	mixed := &e.portBufferLocked(sIn, 64)[0]
	e.graphMu.RUnlock()
	if mixed == src || mixed == sentinel {
		t.Fatal("multi-connection input must use its own mix buffer")
	}

	drv.onCapture = func(ch int, buf []float32) {
		for i := range buf {
			buf[i] = float32(ch + 1)
		}
	}
	e.runCycle(64, 0)
	if len(seen) != 64 {
		t.Fatalf("sink did not run: saw %d samples", len(seen))
	}
	for i, v := range seen {
		if v != 3 { // 1 + 2
			t.Fatalf("sample %d: got %f, want 3", i, v)
		}
	}
}

func TestCycleRunsClientsAndFlagsErrors(t *testing.T) {
	e, _ := newTestEngine(t)

	var ran atomic.Int32
	good := &InternalCallbacks{Process: func(uint32) int { ran.Add(1); return 0 }}
	bad := &InternalCallbacks{Process: func(uint32) int { return 1 }}

	gc, _, _ := addInternal(t, e, "good", good, true)
	bc, _, _ := addInternal(t, e, "bad", bad, true)

	e.runCycle(64, 0)

	if ran.Load() != 1 {
		t.Fatalf("good client ran %d times, want 1", ran.Load())
	}
	if gc.errorCount.Load() != 0 {
		t.Fatal("well-behaved client must not be flagged")
	}
	if bc.errorCount.Load() == 0 {
		t.Fatal("nonzero process status must bump the error counter")
	}

	// The problem scan zombifies below the socket-error threshold.
	e.scanProblems()
	if !bc.dead {
		t.Fatal("errored client should be zombified")
	}
	// A zombie is reaped by a later scan.
	e.scanProblems()
	e.graphMu.RLock()
	_, still := e.clientsByID[bc.id]
	e.graphMu.RUnlock()
	if still {
		t.Fatal("zombie should have been removed")
	}
}

func TestFrameTimerMonotonic(t *testing.T) {
	e, _ := newTestEngine(t)

	var last uint64
	for i := 0; i < 5; i++ {
		e.runCycle(64, 0)
		timer := e.control.ReadTimer()
		if timer.Frames != last+64 {
			t.Fatalf("cycle %d: frames %d, want %d", i, timer.Frames, last+64)
		}
		last = timer.Frames
		if timer.NextWakeup < timer.CurrentWakeup {
			t.Fatal("next wakeup precedes current")
		}
	}

	// A delay restart skips the graph but re-anchors the timer.
	e.spareUsecs = 1
	before := e.XRuns()
	e.runCycle(64, 10_000)
	if e.XRuns() != before+1 {
		t.Fatal("excessive delay must count an xrun")
	}
	if !e.timer.resetPending {
		t.Fatal("excessive delay must flag a timer reset")
	}
	e.spareUsecs = 0
	e.runCycle(64, 0)
	if e.timer.resetPending {
		t.Fatal("reset must clear after one cycle")
	}
}

func TestTransportStateMachine(t *testing.T) {
	e, _ := newTestEngine(t)
	proc := &InternalCallbacks{Process: func(uint32) int { return 0 }}
	addInternal(t, e, "a", proc, true)

	if st := e.trans.state(); st != protocol.TransportStopped {
		t.Fatalf("initial state: %v", st)
	}

	e.trans.requestStart()
	e.runCycle(64, 0) // applies the command: Stopped -> Starting -> Rolling (no slow-sync)
	if st := e.trans.state(); st != protocol.TransportRolling {
		t.Fatalf("state after start: %v", st)
	}

	frame := e.Transport().Frame
	e.runCycle(64, 0)
	if got := e.Transport().Frame; got != frame+64 {
		t.Fatalf("rolling frame: got %d, want %d", got, frame+64)
	}

	e.trans.requestLocate(96000)
	e.runCycle(64, 0)
	if got := e.Transport().Frame; got < 96000 || got > 96000+64 {
		t.Fatalf("frame after locate: got %d", got)
	}

	e.trans.requestStop()
	e.runCycle(64, 0)
	if st := e.trans.state(); st != protocol.TransportStopped {
		t.Fatalf("state after stop: %v", st)
	}
}

func TestTransportSlowSyncBarrier(t *testing.T) {
	e, _ := newTestEngine(t)

	var ready atomic.Bool
	slow := &InternalCallbacks{
		Process: func(uint32) int { return 0 },
		Sync: func(state protocol.TransportState, pos *TransportPosition) bool {
			return ready.Load()
		},
	}
	sc, _, _ := addInternal(t, e, "slow", slow, true)
	e.graphMu.Lock()
	e.trans.setSync(sc)
	e.graphMu.Unlock()

	e.trans.requestStart()
	e.runCycle(64, 0)
	if st := e.trans.state(); st != protocol.TransportStarting {
		t.Fatalf("transport must wait for the slow-sync vote, got %v", st)
	}

	ready.Store(true)
	e.runCycle(64, 0) // client votes ready; the barrier clears at this cycle's end
	e.runCycle(64, 0) // and the transport keeps rolling
	if st := e.trans.state(); st != protocol.TransportRolling {
		t.Fatalf("transport should roll once votes are in, got %v", st)
	}
}

func TestConditionalTimebaseRejectedWhenTaken(t *testing.T) {
	e, _ := newTestEngine(t)
	proc := &InternalCallbacks{Process: func(uint32) int { return 0 }}
	a, _, _ := addInternal(t, e, "a", proc, true)
	b, _, _ := addInternal(t, e, "b", proc, true)

	if err := e.trans.setTimebase(a, false); err != nil {
		t.Fatalf("unconditional claim: %v", err)
	}
	if err := e.trans.setTimebase(b, true); err == nil {
		t.Fatal("conditional claim must fail while a master exists")
	}
	if !a.isTimebase || b.isTimebase {
		t.Fatal("failed conditional claim must not change state")
	}
}

func TestBufferSizeValidation(t *testing.T) {
	if errno := ValidBufferSize(0); errno != 34 {
		t.Fatalf("0 frames: errno %d, want ERANGE", errno)
	}
	if errno := ValidBufferSize(32768); errno != 34 {
		t.Fatalf("32768 frames: errno %d, want ERANGE", errno)
	}
	if errno := ValidBufferSize(48); errno != 22 {
		t.Fatalf("48 frames: errno %d, want EINVAL", errno)
	}
	if errno := ValidBufferSize(128); errno != 0 {
		t.Fatalf("128 frames: errno %d, want 0", errno)
	}
}

func TestSetBufferSizeRebuildsArenas(t *testing.T) {
	e, _ := newTestEngine(t)
	proc := &InternalCallbacks{Process: func(uint32) int { return 0 }}
	addInternal(t, e, "a", proc, true)

	if err := e.setBufferSize(128); err != nil {
		t.Fatalf("set buffer size: %v", err)
	}
	if got := e.BufferSize(); got != 128 {
		t.Fatalf("buffer size: got %d, want 128", got)
	}
	e.graphMu.RLock()
	defer e.graphMu.RUnlock()
	for _, p := range e.ports {
		if p == nil || !p.flags.IsOutput() {
			continue
		}
		if int(p.offset) >= e.segments[p.ptype.ID].Size() {
			t.Fatalf("port %s offset %d outside rebuilt arena", p.name, p.offset)
		}
	}
}

func TestUniqueNamesAndReservations(t *testing.T) {
	e, _ := newTestEngine(t)

	e.graphMu.Lock()
	_, err := e.addClientLocked("dup", protocol.ClientInternal, "", false)
	if err != nil {
		e.graphMu.Unlock()
		t.Fatalf("first: %v", err)
	}
	c2, err := e.addClientLocked("dup", protocol.ClientInternal, "", false)
	if err != nil {
		e.graphMu.Unlock()
		t.Fatalf("second: %v", err)
	}
	if c2.name != "dup-02" {
		e.graphMu.Unlock()
		t.Fatalf("suffix: got %q, want dup-02", c2.name)
	}
	if _, err := e.addClientLocked("dup", protocol.ClientInternal, "", true); err == nil {
		e.graphMu.Unlock()
		t.Fatal("UseExactName collision must fail")
	}

	// Reservations hold a name until the session uuid shows up.
	e.reservations["held"] = "7f000001-0000-0000-0000-000000000001"
	if _, err := e.addClientLocked("held", protocol.ClientInternal, "", true); err == nil {
		e.graphMu.Unlock()
		t.Fatal("reserved name must refuse other claimants")
	}
	claimed, err := e.addClientLocked("whatever", protocol.ClientInternal,
		"7f000001-0000-0000-0000-000000000001", true)
	if err != nil {
		e.graphMu.Unlock()
		t.Fatalf("claim: %v", err)
	}
	if claimed.name != "held" {
		e.graphMu.Unlock()
		t.Fatalf("claimant name: got %q, want held", claimed.name)
	}
	e.graphMu.Unlock()
}

func TestFreewheelRunsWithoutDriver(t *testing.T) {
	e, drv := newTestEngine(t)

	var cycles atomic.Int64
	count := &InternalCallbacks{Process: func(uint32) int { cycles.Add(1); return 0 }}
	addInternal(t, e, "count", count, true)

	if err := e.startDriver(); err != nil {
		t.Fatalf("start driver: %v", err)
	}

	if err := e.startFreewheeling(1); err != nil {
		t.Fatalf("freewheel: %v", err)
	}
	if drv.started.Load() {
		t.Fatal("driver must be stopped while freewheeling")
	}
	deadline := time.Now().Add(2 * time.Second)
	for cycles.Load() < 10 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if cycles.Load() < 10 {
		t.Fatalf("freewheel ran only %d cycles", cycles.Load())
	}

	if err := e.stopFreewheeling(); err != nil {
		t.Fatalf("stop freewheel: %v", err)
	}
	if !drv.started.Load() {
		t.Fatal("driver must restart after freewheeling")
	}
	e.stopDriver()
}

func TestInternalClientLoadUnwindsOnInitFailure(t *testing.T) {
	e, _ := newTestEngine(t)

	RegisterInternalClient("unit-fails", func(_ *Engine, _ uint32, _, _ string) (*InternalCallbacks, error) {
		return nil, fmt.Errorf("nope")
	})
	_, status := e.loadInternalClient("failing", "unit-fails", "", 0)
	if status&protocol.StatusInitFailure == 0 {
		t.Fatalf("status: got %#x, want InitFailure", uint32(status))
	}
	e.graphMu.RLock()
	leftover := e.clientByName("failing")
	e.graphMu.RUnlock()
	if leftover != nil {
		t.Fatal("failed load must not leave a client behind")
	}

	RegisterInternalClient("unit-ok", func(_ *Engine, _ uint32, _, _ string) (*InternalCallbacks, error) {
		return &InternalCallbacks{Process: func(uint32) int { return 0 }}, nil
	})
	c, status := e.loadInternalClient("loaded", "unit-ok", "", 0)
	if status != 0 || c == nil {
		t.Fatalf("load failed: status %#x", uint32(status))
	}
	if err := e.unloadInternalClient("loaded"); err != nil {
		t.Fatalf("unload: %v", err)
	}
}
