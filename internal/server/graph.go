package server

import (
	"os"
	"sort"

	"gojack/internal/protocol"
	"gojack/internal/shm"
)

// sortGraphLocked orders the active clients by data-flow dependency and
// rebuilds the execution chain. Drivers always sort to the front; the rest
// follow the forward-oriented DAG (feedback edges already reversed in
// sortfeeds), ties broken by client id so the order is stable.
func (e *Engine) sortGraphLocked() {
	var active []*client
	for _, c := range e.clients {
		if c.active && !c.dead {
			active = append(active, c)
		}
	}

	// Kahn's algorithm over sortfeeds, restricted to the active set.
	indeg := make(map[*client]int, len(active))
	inSet := make(map[*client]bool, len(active))
	for _, c := range active {
		inSet[c] = true
	}
	for _, c := range active {
		for t := range c.sortfeeds {
			if inSet[t] {
				indeg[t]++
			}
		}
	}
	ready := make([]*client, 0, len(active))
	for _, c := range active {
		if indeg[c] == 0 {
			ready = append(ready, c)
		}
	}
	order := make([]*client, 0, len(active))
	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool {
			a, b := ready[i], ready[j]
			if (a.kind == protocol.ClientDriver) != (b.kind == protocol.ClientDriver) {
				return a.kind == protocol.ClientDriver
			}
			return a.id < b.id
		})
		c := ready[0]
		ready = ready[1:]
		order = append(order, c)
		for t := range c.sortfeeds {
			if !inSet[t] {
				continue
			}
			indeg[t]--
			if indeg[t] == 0 {
				ready = append(ready, t)
			}
		}
	}
	// A cycle that slipped past the feedback classification would leave
	// clients unsorted; append them rather than dropping them silently.
	if len(order) != len(active) {
		left := map[*client]bool{}
		for _, c := range order {
			left[c] = true
		}
		for _, c := range active {
			if !left[c] {
				order = append(order, c)
			}
		}
	}

	e.rechainLocked(order)
}

// rechainLocked assigns execution indices and FIFO positions along the new
// order, then pushes GraphReordered to every external client in the chain.
// The events go out while the write lock is held: the cycle executor cannot
// take its read side until every client has acked, so no cycle ever runs
// against FIFO positions a client has not armed yet.
func (e *Engine) rechainLocked(order []*client) {
	e.sorted = e.sorted[:0]

	type slot struct {
		c              *client
		fifoIndex      int
		upstreamEngine bool
	}
	var chain []slot

	fifoIndex := 0
	prevExternal := false
	for _, c := range order {
		c.execIndex = len(e.sorted)
		if !c.processBearing() {
			continue
		}
		if c.external() {
			c.fifoIndex = fifoIndex
			chain = append(chain, slot{c: c, fifoIndex: fifoIndex, upstreamEngine: !prevExternal})
			fifoIndex++
			prevExternal = true
		} else {
			prevExternal = false
		}
		e.sorted = append(e.sorted, c)
	}
	e.ensureFifosLocked(fifoIndex + 1)

	for _, n := range chain {
		if n.fifoIndex+1 >= len(e.fifos) {
			break
		}
		ev := &protocol.Event{Type: protocol.EvtGraphReordered, X: uint64(n.fifoIndex)}
		if n.upstreamEngine {
			ev.Y = 1
		}
		ev.Name.Set(e.fifos[n.fifoIndex].Path)
		ev.Name2.Set(e.fifos[n.fifoIndex+1].Path)
		e.deliverEvent(n.c, ev)
	}
}

// ensureFifosLocked grows the FIFO ring to at least n entries. FIFO i is the
// ack point between scheduled positions i-1 and i.
func (e *Engine) ensureFifosLocked(n int) {
	for len(e.fifos) < n {
		path := shm.FifoPath(e.cfg.Name, os.Getpid(), len(e.fifos))
		f, err := shm.MakeFifo(path)
		if err != nil {
			e.logf("[engine] cannot create fifo %s: %v", path, err)
			return
		}
		e.fifos = append(e.fifos, f)
	}
}

// deliverGraphOrder runs after a structural change, once the write lock has
// dropped: it invokes the graph-order hooks of internal clients (external
// clients already got their GraphReordered inside the rechain) and
// recomputes latencies along the new order.
func (e *Engine) deliverGraphOrder() {
	e.graphMu.RLock()
	internals := make([]*client, 0)
	for _, c := range e.clients {
		if c.active && !c.external() && c.callbacks.Has(protocol.CBGraphOrder) {
			internals = append(internals, c)
		}
	}
	e.graphMu.RUnlock()

	for _, c := range internals {
		if cb := c.internalCB; cb != nil && cb.GraphOrder != nil {
			cb.GraphOrder()
		}
	}
	e.recomputeAllLatencies()
}
