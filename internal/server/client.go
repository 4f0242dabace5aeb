package server

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"gojack/internal/protocol"
	"gojack/internal/shm"
)

// Lifecycle states of an engine-side client record.
const (
	lifeAllocated = iota
	lifeActive
	lifeDead
	lifeRemoved
)

// InternalCallbacks is the full hook set an internal client may register.
// All hooks run in the engine's address space; Process runs on the cycle
// thread, everything else on the thread delivering the event.
type InternalCallbacks struct {
	Process    func(nframes uint32) int
	BufferSize func(nframes uint32)
	SampleRate func(rate uint32)
	XRun       func()
	Freewheel  func(starting bool)
	GraphOrder func()
	Latency    func(mode protocol.LatencyMode)
	Sync       func(state protocol.TransportState, pos *TransportPosition) bool
	Timebase   func(state protocol.TransportState, nframes uint32, pos *TransportPosition, newPos bool)
	Shutdown   func(status protocol.Status, reason string)
}

// client is the engine-side record for one participant in the graph.
type client struct {
	id   uint32
	uuid uuid.UUID
	name string
	kind protocol.ClientType

	life     int
	active   bool
	dead     bool
	timedOut bool

	// errorCount is bumped from the cycle path and the event-delivery
	// path, read by the problem scan; atomic so no lock ordering applies.
	errorCount atomic.Int32

	// ctl is shared with external clients through shm; internal and driver
	// clients use a heap page through the same accessors.
	ctl    *shm.ClientControl
	ctlSeg *shm.Segment

	ports []*port

	// Graph-sort bookkeeping. truefeeds counts real downstream edges per
	// client; sortfeeds is the same with feedback edges reversed.
	truefeeds map[*client]int
	sortfeeds map[*client]int
	fedcount  int

	execIndex int
	fifoIndex int // valid for active external clients after a rechain

	callbacks protocol.CallbackMask

	// Event channel. Internal clients dispatch by direct call through
	// internalCB; external clients get events pushed on eventConn.
	eventMu    sync.Mutex
	eventConn  net.Conn
	eventKey   uint64
	internalCB *InternalCallbacks

	// Transport roles.
	isSlowSync  bool
	isTimebase  bool
	sessionPath string // set while a session notify is pending for this client

	// Deferred PortRegistered events for ports registered before activate.
	deferredPorts []uint32
}

func (c *client) String() string {
	return fmt.Sprintf("%s (%d)", c.name, c.id)
}

// external reports whether the client lives out of process.
func (c *client) external() bool { return c.kind == protocol.ClientExternal }

// processBearing reports whether the client takes part in process cycles.
func (c *client) processBearing() bool {
	return c.callbacks.Has(protocol.CBProcess) || c.callbacks.Has(protocol.CBThread)
}

// setEventConn binds (or clears) the client's event socket.
func (c *client) setEventConn(conn net.Conn) {
	c.eventMu.Lock()
	c.eventConn = conn
	c.eventMu.Unlock()
}

// newClientID hands out engine-unique client ids, starting at 1 so 0 can
// mean "no client" on the wire.
func (e *Engine) newClientID() uint32 {
	e.lastClientID++
	return e.lastClientID
}

// uniqueClientName resolves name collisions. With UseExactName the caller
// gets an error; otherwise a "-NN" suffix is generated.
func (e *Engine) uniqueClientName(name string, exact bool) (string, error) {
	if len(name) >= protocol.ClientNameSize {
		name = name[:protocol.ClientNameSize-1]
	}
	if e.clientByName(name) == nil && !e.nameReserved(name) {
		return name, nil
	}
	if exact {
		return "", fmt.Errorf("client name %q not unique", name)
	}
	base := name
	if len(base) > protocol.ClientNameSize-4 {
		base = base[:protocol.ClientNameSize-4]
	}
	for i := 2; i < 100; i++ {
		candidate := fmt.Sprintf("%s-%02d", base, i)
		if e.clientByName(candidate) == nil && !e.nameReserved(candidate) {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("no unique name for %q", name)
}

func (e *Engine) clientByName(name string) *client {
	for _, c := range e.clients {
		if c.name == name && c.life != lifeRemoved {
			return c
		}
	}
	return nil
}

func (e *Engine) clientByID(id uint32) *client {
	return e.clientsByID[id]
}

// nameReserved reports whether a reservation holds the name for a session
// UUID that has not opened yet.
func (e *Engine) nameReserved(name string) bool {
	_, ok := e.reservations[name]
	return ok
}

// addClientLocked allocates the engine-side record. Caller holds the graph
// write lock.
func (e *Engine) addClientLocked(name string, kind protocol.ClientType, sessionUUID string, exact bool) (*client, error) {
	// A reservation made for this session UUID pins the name to it.
	if sessionUUID != "" {
		for rname, ruuid := range e.reservations {
			if ruuid == sessionUUID {
				delete(e.reservations, rname)
				name = rname
				break
			}
		}
	}
	finalName, err := e.uniqueClientName(name, exact)
	if err != nil {
		return nil, err
	}
	c := &client{
		id:        e.newClientID(),
		uuid:      uuid.New(),
		name:      finalName,
		kind:      kind,
		truefeeds: make(map[*client]int),
		sortfeeds: make(map[*client]int),
	}
	if sessionUUID != "" {
		if u, err := uuid.Parse(sessionUUID); err == nil {
			c.uuid = u
		}
	}
	if kind == protocol.ClientExternal {
		path := e.clientCtlPath(c.id)
		seg, err := shm.Create(path, shm.ClientControlSize)
		if err != nil {
			return nil, fmt.Errorf("client control segment: %w", err)
		}
		c.ctlSeg = seg
		c.ctl = shm.NewClientControl(seg.Data)
		c.eventKey = uint64(c.id)<<32 | uint64(uint32(uuid.New().ID()))
	} else {
		c.ctl = shm.NewHeapClientControl()
	}
	e.clients = append(e.clients, c)
	e.clientsByID[c.id] = c
	e.control.SetClientCount(uint32(len(e.clients)))
	return c, nil
}

// activateClient makes the client visible to the graph and delivers the
// catch-up events: one AttachPortSegment per port type, the current buffer
// size, and PortRegistered for every port registered before activation.
func (e *Engine) activateClient(c *client) error {
	e.graphMu.Lock()
	if c.life == lifeDead || c.life == lifeRemoved {
		e.graphMu.Unlock()
		return fmt.Errorf("client %s is dead", c)
	}
	c.active = true
	c.life = lifeActive
	c.ctl.SetState(shm.StateNotTriggered)
	e.sortGraphLocked()
	deferred := c.deferredPorts
	c.deferredPorts = nil
	e.graphMu.Unlock()

	if c.external() {
		for _, t := range e.types.All() {
			seg := e.segments[t.ID]
			ev := &protocol.Event{Type: protocol.EvtAttachPortSegment, X: uint64(t.ID), Y: uint64(seg.Size())}
			ev.Name.Set(seg.Path)
			e.deliverEvent(c, ev)
		}
	}
	e.deliverEvent(c, &protocol.Event{Type: protocol.EvtBufferSizeChange, X: uint64(e.control.BufferSize())})
	for _, pid := range deferred {
		e.broadcastPortRegistration(pid, true)
	}
	e.deliverGraphOrder()
	if e.verbose {
		e.logf("[engine] client %s activated", c)
	}
	return nil
}

// deactivateClient pulls the client out of the graph. Its connections are
// dropped first so the sort never sees a half-connected inactive client.
func (e *Engine) deactivateClient(c *client) {
	e.graphMu.Lock()
	for _, p := range c.ports {
		e.disconnectPortLocked(p)
	}
	c.active = false
	if c.life == lifeActive {
		c.life = lifeAllocated
	}
	e.transportClientExitLocked(c)
	e.sortGraphLocked()
	e.graphMu.Unlock()
	e.deliverGraphOrder()
	if e.verbose {
		e.logf("[engine] client %s deactivated", c)
	}
}

// zombifyClient marks the client dead without freeing it, so its library
// side can still observe the shutdown. Connections are cleared and the
// graph resorted; final removal happens on the next problem scan.
func (e *Engine) zombifyClient(c *client) {
	e.graphMu.Lock()
	if c.dead {
		e.graphMu.Unlock()
		return
	}
	c.dead = true
	c.life = lifeDead
	for _, p := range c.ports {
		e.disconnectPortLocked(p)
	}
	c.active = false
	e.transportClientExitLocked(c)
	e.sortGraphLocked()
	e.graphMu.Unlock()

	e.logf("[engine] zombified client %s", c)
	if e.freewheelOwner() == c.id {
		e.stopFreewheeling() //nolint:errcheck // races with a concurrent stop are fine
	}
	e.deliverGraphOrder()
}

// removeClient frees every engine resource the client holds.
func (e *Engine) removeClient(c *client) {
	e.graphMu.Lock()
	if c.life == lifeRemoved {
		e.graphMu.Unlock()
		return
	}
	for _, p := range c.ports {
		e.disconnectPortLocked(p)
		e.releasePortLocked(p)
	}
	c.ports = nil
	c.active = false
	c.life = lifeRemoved
	e.transportClientExitLocked(c)
	for i, cc := range e.clients {
		if cc == c {
			e.clients = append(e.clients[:i], e.clients[i+1:]...)
			break
		}
	}
	delete(e.clientsByID, c.id)
	e.control.SetClientCount(uint32(len(e.clients)))
	e.sortGraphLocked()
	externals := e.externalClientCountLocked()
	e.graphMu.Unlock()

	c.eventMu.Lock()
	if c.eventConn != nil {
		c.eventConn.Close()
		c.eventConn = nil
	}
	c.eventMu.Unlock()
	if c.ctlSeg != nil {
		c.ctlSeg.Unlink() //nolint:errcheck // teardown
		c.ctlSeg = nil
	}

	e.notifyClientRegistration(c, false)
	e.deliverGraphOrder()
	e.logf("[engine] removed client %s", c)

	if e.temporary && externals == 0 && c.kind == protocol.ClientExternal {
		e.logf("[engine] last client gone, temporary server shutting down")
		e.requestShutdown(protocol.StatusServerFailed, "temporary server idle")
	}
}

func (e *Engine) externalClientCountLocked() int {
	n := 0
	for _, c := range e.clients {
		if c.kind == protocol.ClientExternal && c.life != lifeRemoved {
			n++
		}
	}
	return n
}

// notifyClientRegistration fans ClientRegistered/ClientUnregistered to every
// client with the client-register callback.
func (e *Engine) notifyClientRegistration(c *client, registered bool) {
	t := protocol.EvtClientRegistered
	if !registered {
		t = protocol.EvtClientUnregistered
	}
	ev := &protocol.Event{Type: t}
	ev.Name.Set(c.name)
	ev.Name2.Set(c.uuid.String())
	for _, other := range e.snapshotClients() {
		if other == c || !other.callbacks.Has(protocol.CBClientRegister) {
			continue
		}
		e.deliverEvent(other, ev)
	}
}
