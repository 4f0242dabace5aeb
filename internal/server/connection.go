package server

import (
	"fmt"

	"golang.org/x/sys/unix"

	"gojack/internal/protocol"
)

// Connection orientation. Self and driver-destined edges never affect the
// execution order; feedback edges are reversed in sortfeeds so the sort
// stays acyclic.
const (
	dirSelf int8 = iota
	dirForward
	dirFeedback
)

type connection struct {
	src, dst *port
	srcC     *client
	dstC     *client
	dir      int8
}

// errnoError pairs a POSIX detail code with a message so request handlers
// can put EEXIST/EINVAL on the wire.
type errnoError struct {
	errno int32
	msg   string
}

func (e *errnoError) Error() string { return e.msg }

// connectPorts validates, classifies and installs one connection, then
// resorts the graph.
func (e *Engine) connectPorts(srcName, dstName string) error {
	e.graphMu.Lock()
	src := e.portByNameLocked(srcName)
	dst := e.portByNameLocked(dstName)
	if src == nil || dst == nil {
		e.graphMu.Unlock()
		missing := srcName
		if src != nil {
			missing = dstName
		}
		return fmt.Errorf("no such port %q", missing)
	}
	if err := e.addConnectionLocked(src, dst); err != nil {
		e.graphMu.Unlock()
		return err
	}
	e.sortGraphLocked()
	e.graphMu.Unlock()

	e.notifyConnectionChange(src, dst, true)
	e.deliverGraphOrder()
	e.logf("[engine] connected %s -> %s", src.name, dst.name)
	return nil
}

func (e *Engine) addConnectionLocked(src, dst *port) error {
	if src == dst {
		return &errnoError{int32(unix.EINVAL), "cannot connect a port to itself"}
	}
	if !src.flags.IsOutput() || !dst.flags.IsInput() {
		return &errnoError{int32(unix.EINVAL),
			fmt.Sprintf("connection direction invalid: %s -> %s", src.name, dst.name)}
	}
	if src.ptype.ID != dst.ptype.ID {
		return &errnoError{int32(unix.EINVAL),
			fmt.Sprintf("port types differ: %s / %s", src.ptype.Name, dst.ptype.Name)}
	}
	if !src.owner.active || !dst.owner.active {
		return fmt.Errorf("cannot connect ports of inactive clients")
	}
	for _, conn := range dst.incoming {
		if conn.src == src {
			return &errnoError{int32(unix.EEXIST),
				fmt.Sprintf("%s and %s already connected", src.name, dst.name)}
		}
	}
	if len(dst.incoming) > 0 && !dst.ptype.HasMixdown() {
		return &errnoError{int32(unix.EINVAL),
			fmt.Sprintf("%s accepts only one connection (type %q has no mixdown)", dst.name, dst.ptype.Name)}
	}

	conn := &connection{src: src, dst: dst, srcC: src.owner, dstC: dst.owner}
	switch {
	case dst.owner.kind == protocol.ClientDriver:
		// Drivers run first regardless; edges into them never order.
		conn.dir = dirForward
	case src.owner == dst.owner:
		conn.dir = dirSelf
	case feedsTransitive(dst.owner, src.owner):
		// dst already (transitively) feeds src, so this edge closes a
		// loop; reverse it for sorting purposes.
		conn.dir = dirFeedback
		dst.owner.sortfeeds[src.owner]++
		e.feedbackCount++
	default:
		conn.dir = dirForward
		src.owner.sortfeeds[dst.owner]++
	}
	if conn.dir != dirSelf {
		src.owner.truefeeds[dst.owner]++
		dst.owner.fedcount++
	}

	src.outgoing = append(src.outgoing, conn)
	dst.incoming = append(dst.incoming, conn)

	// The second connection on an input promotes it to a mix buffer.
	if len(dst.incoming) == 2 && !dst.hasMix {
		off, err := e.allocBufferLocked(dst.ptype.ID)
		if err != nil {
			return fmt.Errorf("mix buffer for %s: %w", dst.name, err)
		}
		dst.mixOffset = off
		dst.hasMix = true
		dst.ptype.Capability.BufferInit(e.bufferAt(dst.ptype.ID, off), e.control.BufferSize())
	}
	e.publishPortEntryLocked(dst)
	return nil
}

// feedsTransitive reports whether a reaches b through sortfeeds edges.
func feedsTransitive(a, b *client) bool {
	if a == b {
		return true
	}
	seen := map[*client]bool{a: true}
	stack := []*client{a}
	for len(stack) > 0 {
		c := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for next := range c.sortfeeds {
			if next == b {
				return true
			}
			if !seen[next] {
				seen[next] = true
				stack = append(stack, next)
			}
		}
	}
	return false
}

// disconnectPorts removes one named connection.
func (e *Engine) disconnectPorts(srcName, dstName string) error {
	e.graphMu.Lock()
	src := e.portByNameLocked(srcName)
	dst := e.portByNameLocked(dstName)
	if src == nil || dst == nil {
		e.graphMu.Unlock()
		return fmt.Errorf("no such port")
	}
	var found *connection
	for _, conn := range src.outgoing {
		if conn.dst == dst {
			found = conn
			break
		}
	}
	if found == nil {
		e.graphMu.Unlock()
		return fmt.Errorf("%s and %s are not connected", srcName, dstName)
	}
	e.removeConnectionLocked(found)
	e.sortGraphLocked()
	e.graphMu.Unlock()

	e.notifyConnectionChange(src, dst, false)
	e.deliverGraphOrder()
	e.logf("[engine] disconnected %s -> %s", src.name, dst.name)
	return nil
}

// disconnectPortAll drops every connection touching one port.
func (e *Engine) disconnectPortAll(id uint32) error {
	e.graphMu.Lock()
	p := e.portByIDLocked(id)
	if p == nil {
		e.graphMu.Unlock()
		return fmt.Errorf("no such port %d", id)
	}
	dropped := e.disconnectPortLocked(p)
	e.sortGraphLocked()
	e.graphMu.Unlock()

	for _, conn := range dropped {
		e.notifyConnectionChange(conn.src, conn.dst, false)
	}
	e.deliverGraphOrder()
	return nil
}

// disconnectPortLocked removes all connections on p and returns them.
func (e *Engine) disconnectPortLocked(p *port) []*connection {
	conns := make([]*connection, 0, len(p.incoming)+len(p.outgoing))
	conns = append(conns, p.incoming...)
	conns = append(conns, p.outgoing...)
	for _, conn := range conns {
		e.removeConnectionLocked(conn)
	}
	return conns
}

func removeConn(list []*connection, conn *connection) []*connection {
	for i, c := range list {
		if c == conn {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}

// removeConnectionLocked reverses everything addConnectionLocked did, then
// re-checks acyclicity when the last feedback edge went away.
func (e *Engine) removeConnectionLocked(conn *connection) {
	src, dst := conn.src, conn.dst
	src.outgoing = removeConn(src.outgoing, conn)
	dst.incoming = removeConn(dst.incoming, conn)

	switch conn.dir {
	case dirForward:
		if dst.owner.kind != protocol.ClientDriver {
			decFeed(src.owner.sortfeeds, dst.owner)
		}
	case dirFeedback:
		decFeed(dst.owner.sortfeeds, src.owner)
		e.feedbackCount--
	}
	if conn.dir != dirSelf {
		decFeed(src.owner.truefeeds, dst.owner)
		if dst.owner.fedcount > 0 {
			dst.owner.fedcount--
		}
	}

	// Last connection gone from an input: drop its mix buffer and clear
	// any outstanding monitor requests.
	if dst.flags.IsInput() && len(dst.incoming) == 0 {
		dst.monitorRequests = 0
		if dst.hasMix {
			e.freeBufferLocked(dst.ptype.ID, dst.mixOffset)
			dst.hasMix = false
			dst.mixOffset = 0
		}
	}

	if dst.inUse {
		e.publishPortEntryLocked(dst)
	}

	if conn.dir == dirFeedback && e.feedbackCount == 0 {
		e.checkAcyclicLocked()
	}
}

func decFeed(m map[*client]int, c *client) {
	if m[c] <= 1 {
		delete(m, c)
	} else {
		m[c]--
	}
}

// checkAcyclicLocked strips zero-fedcount clients repeatedly; if everything
// strips, the graph is acyclic again and every remaining feedback edge flips
// back to forward orientation. Clients that relied on the one-cycle feedback
// delay observe a single jump here.
func (e *Engine) checkAcyclicLocked() {
	work := make(map[*client]int, len(e.clients))
	active := 0
	for _, c := range e.clients {
		if c.active && !c.dead {
			work[c] = c.fedcount
			active++
		}
	}
	stripped := 0
	for {
		progress := false
		for c, n := range work {
			if n != 0 {
				continue
			}
			delete(work, c)
			stripped++
			progress = true
			for t, cnt := range c.truefeeds {
				if _, ok := work[t]; ok {
					work[t] -= cnt
				}
			}
		}
		if !progress {
			break
		}
	}
	if stripped != active {
		return // still cyclic
	}
	for _, p := range e.ports {
		if p == nil {
			continue
		}
		for _, conn := range p.outgoing {
			if conn.dir != dirFeedback {
				continue
			}
			conn.dir = dirForward
			decFeed(conn.dst.owner.sortfeeds, conn.src.owner)
			conn.src.owner.sortfeeds[conn.dst.owner]++
		}
	}
	if e.verbose {
		e.logf("[engine] graph acyclic again; feedback edges restored to forward")
	}
}

// notifyConnectionChange delivers PortConnected/PortDisconnected to both
// owners and to every other port-connect listener.
func (e *Engine) notifyConnectionChange(src, dst *port, connected bool) {
	t := protocol.EvtPortConnected
	if !connected {
		t = protocol.EvtPortDisconnected
	}
	ev := &protocol.Event{Type: t, X: uint64(src.id), Y: uint64(dst.id)}
	ev.Name.Set(src.name)
	ev.Name2.Set(dst.name)

	seen := map[*client]bool{}
	for _, owner := range []*client{src.owner, dst.owner} {
		if owner.active && !seen[owner] {
			seen[owner] = true
			e.deliverEvent(owner, ev)
		}
	}
	for _, c := range e.snapshotClients() {
		if seen[c] || !c.active || !c.callbacks.Has(protocol.CBPortConnect) {
			continue
		}
		e.deliverEvent(c, ev)
	}
}

// portConnections lists the full names of every port connected to id.
func (e *Engine) portConnections(id uint32) ([]string, error) {
	e.graphMu.RLock()
	defer e.graphMu.RUnlock()
	p := e.portByIDLocked(id)
	if p == nil {
		return nil, fmt.Errorf("no such port %d", id)
	}
	var names []string
	for _, conn := range p.incoming {
		names = append(names, conn.src.name)
	}
	for _, conn := range p.outgoing {
		names = append(names, conn.dst.name)
	}
	return names, nil
}
