package server

import "gojack/internal/protocol"

// ClientInfo is a read-only snapshot of one client, for the HTTP API and
// the CLI status command.
type ClientInfo struct {
	ID        uint32   `json:"id"`
	UUID      string   `json:"uuid"`
	Name      string   `json:"name"`
	Type      string   `json:"type"`
	Active    bool     `json:"active"`
	Dead      bool     `json:"dead,omitempty"`
	ExecIndex int      `json:"exec_index"`
	Ports     []uint32 `json:"ports,omitempty"`
}

// PortInfo is a read-only snapshot of one port.
type PortInfo struct {
	ID           uint32   `json:"id"`
	UUID         string   `json:"uuid"`
	Name         string   `json:"name"`
	Aliases      []string `json:"aliases,omitempty"`
	Type         string   `json:"type"`
	Input        bool     `json:"input"`
	Physical     bool     `json:"physical,omitempty"`
	Terminal     bool     `json:"terminal,omitempty"`
	Owner        string   `json:"owner"`
	Connections  []string `json:"connections,omitempty"`
	TotalLatency uint32   `json:"total_latency"`
}

// ConnectionInfo is one edge of the graph.
type ConnectionInfo struct {
	Source      string `json:"source"`
	Destination string `json:"destination"`
	Feedback    bool   `json:"feedback,omitempty"`
}

// TransportInfo is a snapshot of the transport block.
type TransportInfo struct {
	State string  `json:"state"`
	Frame uint64  `json:"frame"`
	BPM   float64 `json:"bpm,omitempty"`
	Bar   int32   `json:"bar,omitempty"`
	Beat  int32   `json:"beat,omitempty"`
	Tick  int32   `json:"tick,omitempty"`
}

func clientTypeName(t protocol.ClientType) string {
	switch t {
	case protocol.ClientInternal:
		return "internal"
	case protocol.ClientDriver:
		return "driver"
	default:
		return "external"
	}
}

// Clients lists every client the engine knows about.
func (e *Engine) Clients() []ClientInfo {
	e.graphMu.RLock()
	defer e.graphMu.RUnlock()
	out := make([]ClientInfo, 0, len(e.clients))
	for _, c := range e.clients {
		info := ClientInfo{
			ID:        c.id,
			UUID:      c.uuid.String(),
			Name:      c.name,
			Type:      clientTypeName(c.kind),
			Active:    c.active,
			Dead:      c.dead,
			ExecIndex: c.execIndex,
		}
		for _, p := range c.ports {
			info.Ports = append(info.Ports, p.id)
		}
		out = append(out, info)
	}
	return out
}

// Ports lists every registered port.
func (e *Engine) Ports() []PortInfo {
	e.graphMu.RLock()
	defer e.graphMu.RUnlock()
	var out []PortInfo
	for _, p := range e.ports {
		if p == nil {
			continue
		}
		info := PortInfo{
			ID:           p.id,
			UUID:         p.uuid.String(),
			Name:         p.name,
			Type:         p.ptype.Name,
			Input:        p.flags.IsInput(),
			Physical:     p.flags&protocol.PortIsPhysical != 0,
			Terminal:     p.flags&protocol.PortIsTerminal != 0,
			Owner:        p.owner.name,
			TotalLatency: p.totalLatency,
		}
		for _, a := range p.aliases {
			if a != "" {
				info.Aliases = append(info.Aliases, a)
			}
		}
		for _, conn := range p.incoming {
			info.Connections = append(info.Connections, conn.src.name)
		}
		for _, conn := range p.outgoing {
			info.Connections = append(info.Connections, conn.dst.name)
		}
		out = append(out, info)
	}
	return out
}

// Connections lists every edge once, from its source side.
func (e *Engine) Connections() []ConnectionInfo {
	e.graphMu.RLock()
	defer e.graphMu.RUnlock()
	var out []ConnectionInfo
	for _, p := range e.ports {
		if p == nil {
			continue
		}
		for _, conn := range p.outgoing {
			out = append(out, ConnectionInfo{
				Source:      conn.src.name,
				Destination: conn.dst.name,
				Feedback:    conn.dir == dirFeedback,
			})
		}
	}
	return out
}

// Transport snapshots the transport block from the control page.
func (e *Engine) Transport() TransportInfo {
	t := e.control.ReadTransport()
	return TransportInfo{
		State: protocol.TransportState(t.State).String(),
		Frame: t.Frame,
		BPM:   t.BeatsPerMinute,
		Bar:   t.Bar,
		Beat:  t.Beat,
		Tick:  t.Tick,
	}
}

// FeedbackCount returns the number of feedback-oriented connections.
func (e *Engine) FeedbackCount() int {
	e.graphMu.RLock()
	defer e.graphMu.RUnlock()
	return e.feedbackCount
}
