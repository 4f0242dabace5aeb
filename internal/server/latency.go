package server

import (
	"sort"

	"gojack/internal/protocol"
)

// latencyHopLimit bottoms out traversal of accidentally cyclic graphs.
const latencyHopLimit = 8

// recomputeAllLatencies runs the two-pass latency propagation: capture
// ranges flow downstream in forward graph order, playback ranges flow
// upstream in reverse order. Clients with a latency callback get an event
// per pass (and answer with SetPortLatencyRange requests before acking);
// everyone else gets the engine's pass-through default.
func (e *Engine) recomputeAllLatencies() {
	order := e.latencyOrder()

	for _, c := range order {
		e.aggregateLatencyLocked(c, protocol.CaptureLatency)
		e.runLatencyCallback(c, protocol.CaptureLatency)
	}
	for i := len(order) - 1; i >= 0; i-- {
		c := order[i]
		e.aggregateLatencyLocked(c, protocol.PlaybackLatency)
		e.runLatencyCallback(c, protocol.PlaybackLatency)
	}

	e.graphMu.Lock()
	for _, p := range e.ports {
		if p != nil {
			p.totalLatency = e.totalLatencyLocked(p, 0)
		}
	}
	e.graphMu.Unlock()
}

// latencyOrder snapshots the active clients in execution order.
func (e *Engine) latencyOrder() []*client {
	e.graphMu.RLock()
	defer e.graphMu.RUnlock()
	var order []*client
	for _, c := range e.clients {
		if c.active && !c.dead {
			order = append(order, c)
		}
	}
	sort.Slice(order, func(i, j int) bool { return order[i].execIndex < order[j].execIndex })
	return order
}

// aggregateLatencyLocked pulls the upstream (capture) or downstream
// (playback) ranges across c's connections onto its own ports.
func (e *Engine) aggregateLatencyLocked(c *client, mode protocol.LatencyMode) {
	e.graphMu.Lock()
	defer e.graphMu.Unlock()
	if mode == protocol.CaptureLatency {
		for _, p := range c.ports {
			if !p.flags.IsInput() {
				continue
			}
			p.captureLat = aggregateRanges(p.incoming, func(conn *connection) protocol.LatencyRange {
				return conn.src.captureLat
			})
		}
	} else {
		for _, p := range c.ports {
			if !p.flags.IsOutput() {
				continue
			}
			p.playbackLat = aggregateRanges(p.outgoing, func(conn *connection) protocol.LatencyRange {
				return conn.dst.playbackLat
			})
		}
	}
	// Drivers publish fixed hardware latencies at port registration and
	// clients with a latency callback answer the event themselves; only
	// the rest get the pass-through default.
	if c.kind != protocol.ClientDriver && !c.callbacks.Has(protocol.CBLatency) {
		e.defaultLatencyLocked(c, mode)
	}
}

func aggregateRanges(conns []*connection, get func(*connection) protocol.LatencyRange) protocol.LatencyRange {
	if len(conns) == 0 {
		return protocol.LatencyRange{}
	}
	out := get(conns[0])
	for _, conn := range conns[1:] {
		r := get(conn)
		if r.Min < out.Min {
			out.Min = r.Min
		}
		if r.Max > out.Max {
			out.Max = r.Max
		}
	}
	return out
}

// defaultLatencyLocked is the engine's stand-in latency callback: in capture
// mode every output port takes the min/max across all input ports; playback
// is the mirror image.
func (e *Engine) defaultLatencyLocked(c *client, mode protocol.LatencyMode) {
	if mode == protocol.CaptureLatency {
		var agg protocol.LatencyRange
		first := true
		for _, p := range c.ports {
			if p.flags.IsInput() {
				agg = mergeRange(agg, p.captureLat, first)
				first = false
			}
		}
		for _, p := range c.ports {
			if p.flags.IsOutput() {
				p.captureLat = agg
			}
		}
	} else {
		var agg protocol.LatencyRange
		first := true
		for _, p := range c.ports {
			if p.flags.IsOutput() {
				agg = mergeRange(agg, p.playbackLat, first)
				first = false
			}
		}
		for _, p := range c.ports {
			if p.flags.IsInput() {
				p.playbackLat = agg
			}
		}
	}
}

func mergeRange(acc, r protocol.LatencyRange, first bool) protocol.LatencyRange {
	if first {
		return r
	}
	if r.Min < acc.Min {
		acc.Min = r.Min
	}
	if r.Max > acc.Max {
		acc.Max = r.Max
	}
	return acc
}

// runLatencyCallback delivers one LatencyCallback event, when registered.
func (e *Engine) runLatencyCallback(c *client, mode protocol.LatencyMode) {
	if !c.callbacks.Has(protocol.CBLatency) {
		return
	}
	e.deliverEvent(c, &protocol.Event{Type: protocol.EvtLatencyCallback, X: uint64(mode)})
}

// totalLatencyLocked walks upstream from an input port and downstream from
// an output port, taking the max over every path and giving up after
// latencyHopLimit hops.
func (e *Engine) totalLatencyLocked(p *port, hops int) uint32 {
	if hops >= latencyHopLimit {
		return 0
	}
	var own uint32
	if p.flags.IsOutput() {
		own = p.captureLat.Max
	} else {
		own = p.playbackLat.Max
	}
	best := own
	if p.flags.IsInput() {
		for _, conn := range p.incoming {
			if t := own + e.totalLatencyLocked(conn.src, hops+1); t > best {
				best = t
			}
		}
	} else {
		for _, conn := range p.outgoing {
			if t := own + e.totalLatencyLocked(conn.dst, hops+1); t > best {
				best = t
			}
		}
	}
	return best
}

// setPortLatency is the request-side entry for a client answering a latency
// callback. It deliberately bypasses the request lock: the engine may be
// blocked delivering that very callback.
func (e *Engine) setPortLatency(c *client, id uint32, mode protocol.LatencyMode, r protocol.LatencyRange) error {
	e.graphMu.Lock()
	defer e.graphMu.Unlock()
	p := e.portByIDLocked(id)
	if p == nil || p.owner != c {
		return &errnoError{errno: 22, msg: "port not owned by client"}
	}
	if mode == protocol.CaptureLatency {
		p.captureLat = r
	} else {
		p.playbackLat = r
	}
	return nil
}

// portLatency reads one port's range and total.
func (e *Engine) portLatency(id uint32, mode protocol.LatencyMode) (protocol.LatencyRange, uint32, error) {
	e.graphMu.RLock()
	defer e.graphMu.RUnlock()
	p := e.portByIDLocked(id)
	if p == nil {
		return protocol.LatencyRange{}, 0, &errnoError{errno: 22, msg: "no such port"}
	}
	if mode == protocol.CaptureLatency {
		return p.captureLat, p.totalLatency, nil
	}
	return p.playbackLat, p.totalLatency, nil
}
