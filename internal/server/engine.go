// Package server implements the engine: the shared data plane (ports,
// buffers, connections), the graph scheduler driving one process cycle per
// audio period, the client lifecycle and event channel, the latency engine,
// the transport state machine, and freewheel mode.
//
// Locking model: the cycle executor takes the read side of graphMu and never
// blocks on anything but the driver and the subgraph FIFOs; every structural
// mutation takes the write side from the (non-real-time) server thread.
// reqMu serializes client requests on top of that.
package server

import (
	"fmt"
	"log"
	"net"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"gojack/internal/driver"
	"gojack/internal/porttype"
	"gojack/internal/protocol"
	"gojack/internal/shm"
)

// Config carries the engine's startup parameters.
type Config struct {
	// Name is the server name; empty means JACK_DEFAULT_SERVER or "default".
	Name string
	// BufferSize is the nominal period length in frames. Must be a power
	// of two within [1, 16384].
	BufferSize uint32
	// SampleRate is the nominal rate in frames per second.
	SampleRate uint32
	// PortMax bounds the number of simultaneously registered ports.
	PortMax uint32
	// ClientTimeoutMs bounds how long the cycle waits for an external
	// subgraph: the wait is the larger of this and the period, plus 1 ms.
	ClientTimeoutMs int
	// RealTime requests mlockall and RT-style accounting.
	RealTime bool
	// Temporary makes the engine exit when the last external client does.
	Temporary bool
	// Watchdog arms the driver-thread stall detector.
	Watchdog bool
	// Verbose enables per-cycle chatter.
	Verbose bool
}

func (c *Config) fillDefaults() {
	if c.BufferSize == 0 {
		c.BufferSize = 1024
	}
	if c.SampleRate == 0 {
		c.SampleRate = 48000
	}
	if c.PortMax == 0 {
		c.PortMax = 256
	}
	if c.ClientTimeoutMs == 0 {
		c.ClientTimeoutMs = 500
	}
	c.Name = shm.ServerName(c.Name)
}

// ValidBufferSize enforces the period-length constraints shared by startup
// and the SetBufferSize request.
func ValidBufferSize(n uint32) (errno int32) {
	if n < 1 || n > 16384 {
		return int32(34) // ERANGE
	}
	if n&(n-1) != 0 {
		return int32(22) // EINVAL
	}
	return 0
}

// Engine is one running server instance.
type Engine struct {
	cfg       Config
	dir       string
	verbose   bool
	temporary bool

	types      *porttype.Registry
	control    *shm.ControlPage
	controlSeg *shm.Segment
	portTable  *shm.PortTable
	portTabSeg *shm.Segment
	segments   []*shm.Segment // per port type arena
	freelists  [][]uint32     // per type free slot offsets
	zeroOffset []uint32       // per type zero-sentinel offset

	graphMu sync.RWMutex
	reqMu   sync.Mutex

	clients      []*client
	clientsByID  map[uint32]*client
	lastClientID uint32
	reservations map[string]string // client name -> session uuid

	ports       []*port // dense by id; nil when unregistered
	portsByName map[string]*port

	fifos  []*shm.Fifo
	sorted []*client // last published execution order (active, process-bearing)

	drv          driver.Driver
	slaves       []driver.Driver
	driverClient *client

	timer             frameTimer
	xrunPending       bool // set under the cycle, drained by the driver thread
	spareUsecs        float64
	rolling           [rollingInterval]float64
	rollingIdx        int
	rollingCnt        int
	maxUsecs          float64
	consecutiveDelays int
	feedbackCount     int

	trans transportEngine

	freewheeling bool
	fwClient     uint32
	fwStop       chan struct{}
	fwDone       chan struct{}
	fwMu         sync.Mutex

	problemMu sync.Mutex
	problems  int
	problemCh chan struct{}

	sessions sessionCollector

	reqListener net.Listener
	evtListener net.Listener
	stopOnce    sync.Once
	stopCh      chan struct{}
	driverCh    chan struct{} // closed to stop the driver loop
	driverDone  chan struct{}
	wg          sync.WaitGroup

	watchdogCheck atomic.Uint64
	cycles        atomic.Uint64
	xruns         atomic.Uint64

	// OnShutdown, when set, is called once when the engine decides to shut
	// itself down (temporary-mode exit, driver failure).
	OnShutdown func(status protocol.Status, reason string)
}

// rollingInterval is the CPU-load accounting window, in cycles.
const rollingInterval = 32

// workScale weights the driver's delay estimate against the spare time left
// in the previous cycles when deciding to abandon a late cycle.
const workScale = 1.0

// socketErrorWeight is added to a client's error count on event-channel
// failures; reaching it means removal instead of zombification.
const socketErrorWeight = 100

// eventAckTimeout bounds how long a client may take to ack a pushed event.
const eventAckTimeout = 2 * time.Second

type frameTimer struct {
	frames        uint64
	currentWakeup uint64
	nextWakeup    uint64
	coeff         float32
	integrator    float32
	resetPending  bool
	periodUsecs   float64
	initialized   bool
}

// New builds an engine around the given master driver and optional slaves.
// The server directory, control page, and per-type arenas are created here;
// the driver attaches (registering its physical ports) but does not start.
func New(cfg Config, drv driver.Driver, slaves ...driver.Driver) (*Engine, error) {
	cfg.fillDefaults()
	if errno := ValidBufferSize(cfg.BufferSize); errno != 0 {
		return nil, fmt.Errorf("invalid buffer size %d", cfg.BufferSize)
	}
	dir, err := shm.MakeServerDir(cfg.Name)
	if err != nil {
		return nil, err
	}
	e := &Engine{
		cfg:          cfg,
		dir:          dir,
		verbose:      cfg.Verbose,
		temporary:    cfg.Temporary,
		types:        porttype.NewRegistry(),
		clientsByID:  make(map[uint32]*client),
		reservations: make(map[string]string),
		portsByName:  make(map[string]*port),
		drv:          drv,
		slaves:       slaves,
		stopCh:       make(chan struct{}),
		problemCh:    make(chan struct{}, 1),
	}
	e.ports = make([]*port, cfg.PortMax)

	seg, err := shm.Create(filepath.Join(dir, "jack-control"), shm.ControlPageSize)
	if err != nil {
		return nil, err
	}
	e.controlSeg = seg
	e.control = shm.NewControlPage(seg.Data)
	e.control.Init(cfg.BufferSize, cfg.SampleRate, cfg.PortMax)

	tabSeg, err := shm.Create(filepath.Join(dir, "jack-ports"), shm.PortTableSize(cfg.PortMax))
	if err != nil {
		e.Close()
		return nil, err
	}
	e.portTabSeg = tabSeg
	e.portTable = shm.NewPortTable(tabSeg.Data)

	if err := e.createArenas(); err != nil {
		e.Close()
		return nil, err
	}

	e.timer.coeff = 0.01
	e.timer.periodUsecs = float64(cfg.BufferSize) * 1e6 / float64(cfg.SampleRate)
	e.control.WriteTimer(shm.FrameTimer{PeriodUsecs: e.timer.periodUsecs})
	e.trans.init(e)

	if cfg.RealTime {
		if err := shm.LockAll(); err != nil {
			e.logf("[engine] mlockall: %v (continuing without)", err)
		}
	}

	if err := e.attachDriver(); err != nil {
		e.Close()
		return nil, err
	}
	return e, nil
}

// createArenas sizes one buffer arena per registered port type. Slot 0 of
// each arena is the zero sentinel; slots 1..2*PortMax serve output buffers
// and per-input mix buffers.
func (e *Engine) createArenas() error {
	for _, t := range e.types.All() {
		slot := t.BufferSize(e.cfg.BufferSize)
		nslots := 2*e.cfg.PortMax + 1
		seg, err := shm.Create(e.arenaPath(t.ID), int(slot*nslots))
		if err != nil {
			return err
		}
		e.segments = append(e.segments, seg)
		e.zeroOffset = append(e.zeroOffset, 0)
		free := make([]uint32, 0, nslots-1)
		for i := uint32(1); i < nslots; i++ {
			free = append(free, i*slot)
		}
		e.freelists = append(e.freelists, free)
		t.Capability.BufferInit(seg.Data[:slot], e.cfg.BufferSize)
	}
	return nil
}

func (e *Engine) arenaPath(typeID uint32) string {
	return filepath.Join(e.dir, fmt.Sprintf("jack-arena-%d", typeID))
}

func (e *Engine) clientCtlPath(id uint32) string {
	return filepath.Join(e.dir, fmt.Sprintf("jack-client-%d", id))
}

// attachDriver creates the driver's engine-side client and lets the backend
// register its physical ports.
func (e *Engine) attachDriver() error {
	e.graphMu.Lock()
	c, err := e.addClientLocked("system", protocol.ClientDriver, "", true)
	if err != nil {
		e.graphMu.Unlock()
		return err
	}
	c.active = true
	c.life = lifeActive
	e.driverClient = c
	e.graphMu.Unlock()

	host := &driverHost{e: e, c: c}
	if err := e.drv.Attach(host); err != nil {
		return fmt.Errorf("driver attach: %w", err)
	}
	for _, s := range e.slaves {
		if err := s.Attach(host); err != nil {
			return fmt.Errorf("slave driver attach: %w", err)
		}
	}
	return nil
}

// Run starts the listeners, the driver and the cycle thread, then blocks
// until Close (or an engine-initiated shutdown).
func (e *Engine) Run() error {
	if err := e.listen(); err != nil {
		return err
	}
	if err := e.startDriver(); err != nil {
		return fmt.Errorf("driver start: %w", err)
	}
	e.wg.Add(1)
	go e.problemThread()
	if e.cfg.Watchdog {
		e.wg.Add(1)
		go e.watchdogThread()
	}
	e.logf("[engine] server %q ready: %d frames at %d Hz", e.cfg.Name,
		e.control.BufferSize(), e.control.SampleRate())
	<-e.stopCh
	return nil
}

// startDriver launches the cycle thread around the master driver.
func (e *Engine) startDriver() error {
	for _, s := range e.slaves {
		if err := s.Start(); err != nil {
			return err
		}
	}
	if err := e.drv.Start(); err != nil {
		return err
	}
	e.driverCh = make(chan struct{})
	e.driverDone = make(chan struct{})
	go e.driverThread(e.driverCh, e.driverDone)
	return nil
}

// stopDriver halts the cycle thread and the backends. The backend stops
// first so a Wait in flight unblocks; the thread then observes the closed
// channel and exits before running another cycle.
func (e *Engine) stopDriver() {
	if e.driverCh == nil {
		return
	}
	close(e.driverCh)
	e.drv.Stop() //nolint:errcheck // backend teardown
	<-e.driverDone
	e.driverCh = nil
	for i := len(e.slaves) - 1; i >= 0; i-- {
		e.slaves[i].Stop() //nolint:errcheck // backend teardown
	}
}

// requestShutdown asks the engine to come down from inside (driver failure,
// temporary-mode exit). Safe to call from any thread.
func (e *Engine) requestShutdown(status protocol.Status, reason string) {
	go func() {
		if e.OnShutdown != nil {
			e.OnShutdown(status, reason)
		}
		e.Shutdown(status, reason)
	}()
}

// Shutdown delivers a shutdown event to every client, then closes the engine.
func (e *Engine) Shutdown(status protocol.Status, reason string) {
	for _, c := range e.snapshotClients() {
		ev := &protocol.Event{Type: protocol.EvtShutdown, X: uint64(status)}
		ev.Name.Set(reason)
		e.deliverEvent(c, ev)
	}
	e.Close()
}

// Close tears the engine down: driver, listeners, clients, shared segments.
func (e *Engine) Close() {
	e.stopOnce.Do(func() {
		close(e.stopCh)
		e.control.SetEngineOK(false)
		e.fwMu.Lock()
		if e.freewheeling {
			e.fwMu.Unlock()
			e.stopFreewheeling()
		} else {
			e.fwMu.Unlock()
		}
		e.stopDriver()
		if e.reqListener != nil {
			e.reqListener.Close()
		}
		if e.evtListener != nil {
			e.evtListener.Close()
		}
		e.wg.Wait()
		for _, c := range e.snapshotClients() {
			c.eventMu.Lock()
			if c.eventConn != nil {
				c.eventConn.Close()
				c.eventConn = nil
			}
			c.eventMu.Unlock()
			if c.ctlSeg != nil {
				c.ctlSeg.Unlink() //nolint:errcheck // teardown
			}
		}
		for _, f := range e.fifos {
			f.Unlink() //nolint:errcheck // teardown
		}
		for _, s := range e.segments {
			s.Unlink() //nolint:errcheck // teardown
		}
		if e.portTabSeg != nil {
			e.portTabSeg.Unlink() //nolint:errcheck // teardown
		}
		if e.controlSeg != nil {
			e.controlSeg.Unlink() //nolint:errcheck // teardown
		}
	})
}

// snapshotClients copies the client list under the read lock so callers can
// iterate without holding it.
func (e *Engine) snapshotClients() []*client {
	e.graphMu.RLock()
	out := make([]*client, len(e.clients))
	copy(out, e.clients)
	e.graphMu.RUnlock()
	return out
}

func (e *Engine) logf(format string, args ...any) {
	log.Printf(format, args...)
}

// Dir returns the server rendezvous directory.
func (e *Engine) Dir() string { return e.dir }

// Name returns the resolved server name.
func (e *Engine) Name() string { return e.cfg.Name }

// BufferSize returns the current period length.
func (e *Engine) BufferSize() uint32 { return e.control.BufferSize() }

// SampleRate returns the nominal sample rate.
func (e *Engine) SampleRate() uint32 { return e.control.SampleRate() }

// CPULoad returns the rolling DSP load estimate in percent.
func (e *Engine) CPULoad() float32 { return e.control.CPULoad() }

// XRuns returns the xrun counter.
func (e *Engine) XRuns() uint64 { return e.xruns.Load() }

// Cycles returns the completed-cycle counter.
func (e *Engine) Cycles() uint64 { return e.cycles.Load() }

// Frames returns the frame-timer frame count.
func (e *Engine) Frames() uint64 { return e.control.ReadTimer().Frames }

// Freewheeling reports whether the engine is in freewheel mode.
func (e *Engine) Freewheeling() bool {
	e.fwMu.Lock()
	defer e.fwMu.Unlock()
	return e.freewheeling
}

// driverHost adapts the engine to the narrow surface drivers see.
type driverHost struct {
	e *Engine
	c *client
}

func (h *driverHost) RegisterPort(backendName, typeName string, flags protocol.PortFlags, latencyFrames uint32) (uint32, error) {
	h.e.graphMu.Lock()
	defer h.e.graphMu.Unlock()
	p, err := h.e.registerPortLocked(h.c, backendName, typeName, flags, 0)
	if err != nil {
		return 0, err
	}
	lr := protocol.LatencyRange{Min: latencyFrames, Max: latencyFrames}
	if flags.IsOutput() {
		p.captureLat = lr
	} else {
		p.playbackLat = lr
	}
	return p.id, nil
}

func (h *driverHost) UnregisterPort(id uint32) error {
	return h.e.unregisterPort(h.c, id)
}

// PortBuffer is only valid from Read/Write/NullCycle, where the cycle
// executor already holds the graph read lock.
func (h *driverHost) PortBuffer(id uint32, nframes uint32) []byte {
	p := h.e.portByIDLocked(id)
	if p == nil {
		return nil
	}
	return h.e.portBufferLocked(p, nframes)
}

func (h *driverHost) BufferSize() uint32 { return h.e.control.BufferSize() }
func (h *driverHost) SampleRate() uint32 { return h.e.control.SampleRate() }
