package server

import (
	"fmt"
	"testing"

	"pgregory.net/rapid"

	"gojack/internal/porttype"
	"gojack/internal/protocol"
)

// TestGraphSortProperty drives the connection manager with random connect
// and disconnect operations and checks the scheduling invariants after each
// step: every forward-oriented edge runs source-before-destination, and the
// forward-oriented subgraph stays acyclic.
func TestGraphSortProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		tmp := t.TempDir()
		t.Setenv("JACK_TMPDIR", tmp)
		drv := newTestDriver(48000, 64)
		e, err := New(Config{Name: "rapid", BufferSize: 64, SampleRate: 48000, PortMax: 64}, drv)
		if err != nil {
			rt.Fatalf("engine: %v", err)
		}
		defer e.Close()

		const n = 5
		proc := &InternalCallbacks{Process: func(uint32) int { return 0 }}
		outs := make([]*port, n)
		ins := make([]*port, n)
		for i := 0; i < n; i++ {
			_, in, out := addInternalRapid(rt, e, fmt.Sprintf("c%d", i), proc)
			ins[i], outs[i] = in, out
		}

		steps := rapid.IntRange(1, 25).Draw(rt, "steps")
		for s := 0; s < steps; s++ {
			src := rapid.IntRange(0, n-1).Draw(rt, "src")
			dst := rapid.IntRange(0, n-1).Draw(rt, "dst")
			if rapid.Bool().Draw(rt, "disconnect") {
				e.disconnectPorts(outs[src].name, ins[dst].name) //nolint:errcheck // may not exist
			} else {
				e.connectPorts(outs[src].name, ins[dst].name) //nolint:errcheck // self/duplicate edges may be refused
			}
			checkForwardOrder(rt, e)
			checkForwardAcyclic(rt, e)
		}
	})
}

func addInternalRapid(rt *rapid.T, e *Engine, name string, cb *InternalCallbacks) (*client, *port, *port) {
	e.graphMu.Lock()
	c, err := e.addClientLocked(name, protocol.ClientInternal, "", true)
	if err != nil {
		e.graphMu.Unlock()
		rt.Fatalf("add client: %v", err)
	}
	c.internalCB = cb
	c.callbacks = internalMask(cb)
	in, err := e.registerPortLocked(c, "in", porttype.AudioTypeName, protocol.PortIsInput, 0)
	if err != nil {
		e.graphMu.Unlock()
		rt.Fatalf("register in: %v", err)
	}
	out, err := e.registerPortLocked(c, "out", porttype.AudioTypeName, protocol.PortIsOutput, 0)
	if err != nil {
		e.graphMu.Unlock()
		rt.Fatalf("register out: %v", err)
	}
	e.graphMu.Unlock()
	if err := e.activateClient(c); err != nil {
		rt.Fatalf("activate: %v", err)
	}
	return c, in, out
}

// checkForwardOrder asserts invariant: forward-oriented connections between
// non-driver clients always run source before destination.
func checkForwardOrder(rt *rapid.T, e *Engine) {
	e.graphMu.RLock()
	defer e.graphMu.RUnlock()
	pos := make(map[*client]int, len(e.sorted))
	for i, c := range e.sorted {
		pos[c] = i
	}
	for _, p := range e.ports {
		if p == nil {
			continue
		}
		for _, conn := range p.outgoing {
			if conn.dir != dirForward || conn.dst.owner.kind == protocol.ClientDriver {
				continue
			}
			si, sok := pos[conn.src.owner]
			di, dok := pos[conn.dst.owner]
			if !sok || !dok {
				continue
			}
			if si >= di {
				rt.Fatalf("forward edge %s -> %s scheduled %d >= %d",
					conn.src.name, conn.dst.name, si, di)
			}
		}
	}
}

// checkForwardAcyclic asserts invariant: the forward-oriented subgraph is a
// DAG after every successful mutation.
func checkForwardAcyclic(rt *rapid.T, e *Engine) {
	e.graphMu.RLock()
	defer e.graphMu.RUnlock()

	edges := make(map[*client][]*client)
	for _, p := range e.ports {
		if p == nil {
			continue
		}
		for _, conn := range p.outgoing {
			if conn.dir == dirForward && conn.dst.owner.kind != protocol.ClientDriver && conn.src.owner != conn.dst.owner {
				edges[conn.src.owner] = append(edges[conn.src.owner], conn.dst.owner)
			}
		}
	}

	const (
		white = 0
		grey  = 1
		black = 2
	)
	color := make(map[*client]int)
	var visit func(c *client) bool
	visit = func(c *client) bool {
		color[c] = grey
		for _, next := range edges[c] {
			switch color[next] {
			case grey:
				return false
			case white:
				if !visit(next) {
					return false
				}
			}
		}
		color[c] = black
		return true
	}
	for c := range edges {
		if color[c] == white {
			if !visit(c) {
				rt.Fatal("forward-oriented subgraph contains a cycle")
			}
		}
	}
}
