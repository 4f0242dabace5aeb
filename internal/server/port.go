package server

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"gojack/internal/porttype"
	"gojack/internal/protocol"
)

// port is the engine-side record for one endpoint. Connections are kept on
// both ends (outgoing on the source, incoming on the destination), so the
// symmetry invariant is structural rather than checked.
type port struct {
	id      uint32
	uuid    uuid.UUID
	name    string
	aliases [2]string
	flags   protocol.PortFlags
	ptype   *porttype.Type
	owner   *client

	inUse  bool
	offset uint32 // arena offset; outputs only, 0 for inputs

	// mixOffset is the per-input mix buffer slot, allocated when the port
	// first gains a second connection. 0 means none.
	mixOffset uint32
	hasMix    bool

	incoming []*connection // this port is the destination
	outgoing []*connection // this port is the source

	captureLat   protocol.LatencyRange
	playbackLat  protocol.LatencyRange
	totalLatency uint32

	monitorRequests int32
	sizeHint        uint64
}

func (p *port) connectionCount() int {
	if p.flags.IsInput() {
		return len(p.incoming)
	}
	return len(p.outgoing)
}

// fullPortName joins the owner and short names, enforcing the wire limit.
func fullPortName(clientName, short string) (string, error) {
	name := clientName + ":" + short
	if len(name) >= protocol.PortNameSize {
		return "", fmt.Errorf("port name %q too long", name)
	}
	return name, nil
}

// registerPortLocked allocates a port for c. Driver-owned physical ports get
// the canonical system:capture_N / system:playback_N names (counted per
// direction and per type family), keeping the backend's name as alias1.
func (e *Engine) registerPortLocked(c *client, shortName, typeName string, flags protocol.PortFlags, hint uint64) (*port, error) {
	if flags.IsInput() == flags.IsOutput() {
		return nil, fmt.Errorf("port %q: exactly one of input/output required", shortName)
	}
	t, err := e.types.ByName(typeName)
	if err != nil {
		return nil, err
	}

	alias := ""
	if c.kind == protocol.ClientDriver && flags&protocol.PortIsPhysical != 0 {
		// Backend names never leak as primary identifiers; the canonical
		// system:* name goes on the wire and the backend's own name is
		// kept as alias1 so users can still connect by it.
		alias = shortName
		shortName = e.canonicalPhysicalNameLocked(c, t, flags)
	}

	name, err := fullPortName(c.name, shortName)
	if err != nil {
		return nil, err
	}
	if _, ok := e.portsByName[name]; ok {
		return nil, fmt.Errorf("port name %q in use", name)
	}

	id, ok := e.freePortIDLocked()
	if !ok {
		return nil, fmt.Errorf("no port slots left (port max %d)", e.cfg.PortMax)
	}

	p := &port{
		id:       id,
		uuid:     uuid.New(),
		name:     name,
		flags:    flags,
		ptype:    t,
		owner:    c,
		inUse:    true,
		sizeHint: hint,
	}
	if alias != "" {
		p.aliases[0] = alias
	}
	if flags.IsOutput() {
		off, err := e.allocBufferLocked(t.ID)
		if err != nil {
			return nil, err
		}
		p.offset = off
		t.Capability.BufferInit(e.bufferAt(t.ID, off), e.control.BufferSize())
	}

	e.ports[id] = p
	e.portsByName[name] = p
	c.ports = append(c.ports, p)
	e.control.SetPortCount(e.control.PortCount() + 1)
	e.publishPortEntryLocked(p)
	if e.verbose {
		e.logf("[engine] registered port %s (id %d)", name, id)
	}
	return p, nil
}

// canonicalPhysicalNameLocked counts the driver's existing physical ports of
// the same direction and type family to pick the next canonical name.
func (e *Engine) canonicalPhysicalNameLocked(c *client, t *porttype.Type, flags protocol.PortFlags) string {
	midi := t.Name == porttype.MidiTypeName
	n := 1
	for _, p := range c.ports {
		if p.flags.IsOutput() != flags.IsOutput() {
			continue
		}
		if (p.ptype.Name == porttype.MidiTypeName) != midi {
			continue
		}
		n++
	}
	switch {
	case midi && flags.IsOutput():
		return fmt.Sprintf("midi_capture_%d", n)
	case midi:
		return fmt.Sprintf("midi_playback_%d", n)
	case flags.IsOutput():
		return fmt.Sprintf("capture_%d", n)
	default:
		return fmt.Sprintf("playback_%d", n)
	}
}

func (e *Engine) freePortIDLocked() (uint32, bool) {
	for i, p := range e.ports {
		if p == nil {
			return uint32(i), true
		}
	}
	return 0, false
}

// allocBufferLocked takes one slot from the type's arena freelist.
func (e *Engine) allocBufferLocked(typeID uint32) (uint32, error) {
	free := e.freelists[typeID]
	if len(free) == 0 {
		return 0, fmt.Errorf("buffer arena for type %d exhausted", typeID)
	}
	off := free[len(free)-1]
	e.freelists[typeID] = free[:len(free)-1]
	return off, nil
}

func (e *Engine) freeBufferLocked(typeID, off uint32) {
	e.freelists[typeID] = append(e.freelists[typeID], off)
}

// releasePortLocked returns the port's slots to the freelists and drops it
// from the registries. Connections must already be gone.
func (e *Engine) releasePortLocked(p *port) {
	if !p.inUse {
		return
	}
	if p.flags.IsOutput() {
		e.freeBufferLocked(p.ptype.ID, p.offset)
	}
	if p.hasMix {
		e.freeBufferLocked(p.ptype.ID, p.mixOffset)
		p.hasMix = false
	}
	p.inUse = false
	e.portTable.Clear(p.id)
	e.ports[p.id] = nil
	delete(e.portsByName, p.name)
	if n := e.control.PortCount(); n > 0 {
		e.control.SetPortCount(n - 1)
	}
}

// unregisterPort disconnects and frees one port owned by c.
func (e *Engine) unregisterPort(c *client, id uint32) error {
	e.graphMu.Lock()
	p := e.portByIDLocked(id)
	if p == nil || p.owner != c {
		e.graphMu.Unlock()
		return fmt.Errorf("port %d not registered to %s", id, c)
	}
	e.disconnectPortLocked(p)
	for i, pp := range c.ports {
		if pp == p {
			c.ports = append(c.ports[:i], c.ports[i+1:]...)
			break
		}
	}
	e.releasePortLocked(p)
	e.sortGraphLocked()
	e.graphMu.Unlock()

	e.broadcastPortEvent(&protocol.Event{Type: protocol.EvtPortUnregistered, X: uint64(id)}, protocol.CBPortRegister, nil)
	e.deliverGraphOrder()
	return nil
}

// renamePort changes a port's short name and notifies rename listeners.
func (e *Engine) renamePort(c *client, id uint32, newShort string) error {
	e.graphMu.Lock()
	p := e.portByIDLocked(id)
	if p == nil || p.owner != c {
		e.graphMu.Unlock()
		return fmt.Errorf("port %d not registered to %s", id, c)
	}
	newName, err := fullPortName(c.name, newShort)
	if err != nil {
		e.graphMu.Unlock()
		return err
	}
	if _, ok := e.portsByName[newName]; ok {
		e.graphMu.Unlock()
		return fmt.Errorf("port name %q in use", newName)
	}
	oldName := p.name
	delete(e.portsByName, oldName)
	p.name = newName
	e.portsByName[newName] = p
	e.graphMu.Unlock()

	ev := &protocol.Event{Type: protocol.EvtPortRename, X: uint64(id)}
	ev.Name.Set(oldName)
	ev.Name2.Set(newName)
	e.broadcastPortEvent(ev, protocol.CBPortRename, nil)
	return nil
}

// portByIDLocked resolves an id to a live port.
func (e *Engine) portByIDLocked(id uint32) *port {
	if int(id) >= len(e.ports) {
		return nil
	}
	return e.ports[id]
}

// portByNameLocked resolves a full name, falling back to aliases and the
// legacy ALSA:capture_N spelling.
func (e *Engine) portByNameLocked(name string) *port {
	if p, ok := e.portsByName[name]; ok {
		return p
	}
	for _, p := range e.ports {
		if p == nil {
			continue
		}
		if p.aliases[0] == name || p.aliases[1] == name {
			return p
		}
	}
	// Old client binaries connect to ALSA:capture_N; retry the modern
	// equivalent before giving up.
	if rest, ok := strings.CutPrefix(name, "ALSA:"); ok {
		if p, ok := e.portsByName["alsa_pcm:"+rest]; ok {
			return p
		}
	}
	return nil
}

// bufferAt slices one buffer out of a type arena.
func (e *Engine) bufferAt(typeID, off uint32) []byte {
	seg := e.segments[typeID]
	size := e.types.All()[typeID].BufferSize(e.control.BufferSize())
	return seg.Data[off : off+size]
}

// portBufferLocked resolves the buffer a reader or writer of p should use
// this cycle: outputs use their own slot; inputs resolve per connection
// count (zero sentinel, the single source's slot, or the mix buffer).
func (e *Engine) portBufferLocked(p *port, nframes uint32) []byte {
	if p.flags.IsOutput() {
		return e.bufferAt(p.ptype.ID, p.offset)
	}
	switch len(p.incoming) {
	case 0:
		return e.bufferAt(p.ptype.ID, e.zeroOffset[p.ptype.ID])
	case 1:
		return e.bufferAt(p.ptype.ID, p.incoming[0].src.offset)
	default:
		if !p.hasMix {
			return e.bufferAt(p.ptype.ID, e.zeroOffset[p.ptype.ID])
		}
		return e.bufferAt(p.ptype.ID, p.mixOffset)
	}
}

// mixInputLocked fills p's mix buffer from all of its sources. Called on the
// cycle path at input-resolution time, before the owner runs.
func (e *Engine) mixInputLocked(p *port, nframes uint32) {
	if !p.hasMix || len(p.incoming) < 2 {
		return
	}
	srcs := make([][]byte, 0, len(p.incoming))
	for _, conn := range p.incoming {
		srcs = append(srcs, e.bufferAt(p.ptype.ID, conn.src.offset))
	}
	p.ptype.Capability.Mixdown(e.bufferAt(p.ptype.ID, p.mixOffset), srcs, nframes)
}

// broadcastPortRegistration sends PortRegistered for one port. The owner's
// event is suppressed while it is inactive; activation replays it.
func (e *Engine) broadcastPortRegistration(id uint32, includeOwner bool) {
	e.graphMu.RLock()
	p := e.portByIDLocked(id)
	var owner *client
	if p != nil {
		owner = p.owner
	}
	e.graphMu.RUnlock()
	if p == nil {
		return
	}
	ev := &protocol.Event{Type: protocol.EvtPortRegistered, X: uint64(id)}
	ev.Name.Set(p.name)
	var skip *client
	if !includeOwner {
		skip = owner
	}
	e.broadcastPortEvent(ev, protocol.CBPortRegister, skip)
}

// broadcastPortEvent delivers ev to every client with the given callback
// bit, except skip.
func (e *Engine) broadcastPortEvent(ev *protocol.Event, cb protocol.CallbackMask, skip *client) {
	for _, c := range e.snapshotClients() {
		if c == skip || !c.active || !c.callbacks.Has(cb) {
			continue
		}
		e.deliverEvent(c, ev)
	}
}

// requestMonitor adjusts a port's monitor request count.
func (e *Engine) requestMonitor(id uint32, on bool) error {
	e.graphMu.Lock()
	defer e.graphMu.Unlock()
	p := e.portByIDLocked(id)
	if p == nil {
		return fmt.Errorf("no such port %d", id)
	}
	if p.flags&protocol.PortCanMonitor == 0 {
		return fmt.Errorf("port %s cannot monitor", p.name)
	}
	if on {
		p.monitorRequests++
	} else if p.monitorRequests > 0 {
		p.monitorRequests--
	}
	return nil
}

// publishPortEntryLocked refreshes one port's buffer directory entry: the
// write side is the output slot, the read side follows the connection count
// (zero sentinel, the single source's slot, or the mix buffer).
func (e *Engine) publishPortEntryLocked(p *port) {
	write := uint32(0)
	if p.flags.IsOutput() {
		write = p.offset
	}
	read := write
	if p.flags.IsInput() {
		switch {
		case len(p.incoming) == 1:
			read = p.incoming[0].src.offset
		case len(p.incoming) > 1 && p.hasMix:
			read = p.mixOffset
		default:
			read = e.zeroOffset[p.ptype.ID]
		}
	}
	e.portTable.Publish(p.id, write, read, p.ptype.ID)
}
