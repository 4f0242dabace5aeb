package jack

import (
	"encoding/binary"
	"fmt"

	"gojack/internal/porttype"
	"gojack/internal/protocol"
	"gojack/internal/shm"
)

// Port is a client-side handle to one engine port, owned or foreign.
type Port struct {
	c      *Client
	id     uint32
	name   string
	flags  PortFlags
	typeID uint32
	mine   bool
}

// ID returns the engine port id.
func (p *Port) ID() uint32 { return p.id }

// Name returns the full "client:port" name.
func (p *Port) Name() string { return p.name }

// ShortName returns the name without the owner prefix.
func (p *Port) ShortName() string {
	for i := 0; i < len(p.name); i++ {
		if p.name[i] == ':' {
			return p.name[i+1:]
		}
	}
	return p.name
}

// Flags returns the port flags.
func (p *Port) Flags() PortFlags { return p.flags }

// IsMine reports whether this client owns the port.
func (p *Port) IsMine() bool { return p.mine }

// PortRegister registers a new port for this client.
func (c *Client) PortRegister(shortName, typeName string, flags PortFlags, bufferSizeHint uint64) (*Port, error) {
	req := protocol.PortRegisterRequest{
		ClientID:   c.id,
		Flags:      uint32(flags),
		BufferSize: bufferSizeHint,
	}
	req.ShortName.Set(shortName)
	req.TypeName.Set(typeName)
	var rep protocol.PortRegisterReply
	if _, err := c.request(protocol.ReqRegisterPort, &req, &rep); err != nil {
		return nil, err
	}
	t, err := c.types.ByName(typeName)
	if err != nil {
		return nil, err
	}
	p := &Port{
		c:      c,
		id:     rep.PortID,
		name:   c.name + ":" + shortName,
		flags:  flags,
		typeID: t.ID,
		mine:   true,
	}
	c.portsMu.Lock()
	c.ports[p.id] = p
	c.portsMu.Unlock()
	return p, nil
}

// PortUnregister drops one of this client's ports.
func (c *Client) PortUnregister(p *Port) error {
	if !p.mine {
		return fmt.Errorf("port %s is not owned by %s", p.name, c.name)
	}
	_, err := c.request(protocol.ReqUnregisterPort,
		&protocol.PortRequest{ClientID: c.id, PortID: p.id}, nil)
	c.portsMu.Lock()
	delete(c.ports, p.id)
	c.portsMu.Unlock()
	return err
}

// PortByName resolves any port by full name or alias.
func (c *Client) PortByName(name string) (*Port, error) {
	var req protocol.PortInfoRequest
	req.Name.Set(name)
	return c.portInfo(&req)
}

// PortByID resolves any port by id.
func (c *Client) PortByID(id uint32) (*Port, error) {
	return c.portInfo(&protocol.PortInfoRequest{PortID: id})
}

func (c *Client) portInfo(req *protocol.PortInfoRequest) (*Port, error) {
	var rep protocol.PortInfoReply
	if _, err := c.request(protocol.ReqGetPortInfo, req, &rep); err != nil {
		return nil, err
	}
	return &Port{
		c:      c,
		id:     rep.PortID,
		name:   rep.Name.String(),
		flags:  PortFlags(rep.Flags),
		typeID: rep.TypeID,
		mine:   rep.Owner.String() == c.name,
	}, nil
}

// GetBuffer resolves the port's buffer for the current cycle. For an output
// port this is the slot the owner writes; for an input port it is whatever
// the engine resolved the input to this cycle (zero sentinel, the single
// upstream buffer, or the engine-filled mix buffer). Only meaningful from
// the process thread.
func (p *Port) GetBuffer(nframes uint32) []byte {
	seg, ok := p.c.arenas.Load(p.typeID)
	if !ok {
		return nil
	}
	writeOff, readOff, _, live := p.c.table.Read(p.id)
	if !live {
		return nil
	}
	off := readOff
	if p.flags.IsOutput() && p.mine {
		off = writeOff
	}
	t, err := p.c.types.ByID(p.typeID)
	if err != nil {
		return nil
	}
	size := t.BufferSize(p.c.BufferSize())
	data := seg.(*shm.Segment).Data
	if int(off)+int(size) > len(data) {
		return nil
	}
	return data[off : off+size]
}

// AudioBuffer is GetBuffer viewed as float32 samples.
func (p *Port) AudioBuffer(nframes uint32) []float32 {
	return porttype.AsFloat32(p.GetBuffer(nframes), nframes)
}

// Connect establishes src -> dst by full port names.
func (c *Client) Connect(src, dst string) error {
	var req protocol.ConnectRequest
	req.ClientID = c.id
	req.Source.Set(src)
	req.Dest.Set(dst)
	_, err := c.request(protocol.ReqConnectPorts, &req, nil)
	return err
}

// Disconnect removes the src -> dst connection.
func (c *Client) Disconnect(src, dst string) error {
	var req protocol.ConnectRequest
	req.ClientID = c.id
	req.Source.Set(src)
	req.Dest.Set(dst)
	_, err := c.request(protocol.ReqDisconnectPorts, &req, nil)
	return err
}

// DisconnectPort removes every connection on one of this client's ports.
func (c *Client) DisconnectPort(p *Port) error {
	_, err := c.request(protocol.ReqDisconnectPort,
		&protocol.PortRequest{ClientID: c.id, PortID: p.id}, nil)
	return err
}

// Connections lists the full names of every port connected to p.
func (p *Port) Connections() ([]string, error) {
	c := p.c
	c.reqMu.Lock()
	defer c.reqMu.Unlock()
	if c.reqConn == nil {
		return nil, fmt.Errorf("client closed")
	}
	if err := protocol.WriteRequest(c.reqConn, protocol.ReqGetPortConnections,
		&protocol.PortRequest{ClientID: c.id, PortID: p.id}); err != nil {
		return nil, err
	}
	var rep protocol.PortConnectionsReply
	hdr, err := protocol.ReadReply(c.reqConn, &rep)
	if err != nil {
		return nil, err
	}
	if hdr.Status&protocol.StatusFailure != 0 {
		return nil, statusError(protocol.ReqGetPortConnections, hdr)
	}
	names := make([]string, 0, rep.Count)
	for i := uint32(0); i < rep.Count; i++ {
		var pn protocol.PortName
		if err := binary.Read(c.reqConn, binary.LittleEndian, &pn); err != nil {
			return nil, err
		}
		names = append(names, pn.String())
	}
	return names, nil
}

// ConnectionCount returns the number of connections on p.
func (p *Port) ConnectionCount() (int, error) {
	var rep protocol.PortConnectionsReply
	if _, err := p.c.request(protocol.ReqGetPortNConnections,
		&protocol.PortRequest{ClientID: p.c.id, PortID: p.id}, &rep); err != nil {
		return 0, err
	}
	return int(rep.Count), nil
}

// Rename changes the port's short name.
func (p *Port) Rename(shortName string) error {
	var req protocol.PortRenameRequest
	req.ClientID = p.c.id
	req.PortID = p.id
	req.Name.Set(shortName)
	if _, err := p.c.request(protocol.ReqPortRename, &req, nil); err != nil {
		return err
	}
	p.name = p.c.name + ":" + shortName
	return nil
}

// SetLatencyRange answers a latency callback for one mode. Uses the event
// connection: the engine is usually blocked delivering that callback.
func (p *Port) SetLatencyRange(mode LatencyMode, r LatencyRange) error {
	_, err := p.c.eventRequest(protocol.ReqSetPortLatencyRange,
		&protocol.PortLatencyRequest{ClientID: p.c.id, PortID: p.id, Mode: mode, Range: r}, nil)
	return err
}

// LatencyRange reads the port's range for one mode plus its total latency.
func (p *Port) LatencyRange(mode LatencyMode) (LatencyRange, uint32, error) {
	var rep protocol.PortLatencyReply
	if _, err := p.c.request(protocol.ReqGetPortLatency,
		&protocol.PortLatencyRequest{ClientID: p.c.id, PortID: p.id, Mode: mode}, &rep); err != nil {
		return LatencyRange{}, 0, err
	}
	return rep.Range, rep.TotalLatency, nil
}

// RequestMonitor asks the engine to toggle input monitoring on p.
func (p *Port) RequestMonitor(on bool) error {
	onoff := uint32(0)
	if on {
		onoff = 1
	}
	_, err := p.c.request(protocol.ReqRequestMonitor,
		&protocol.MonitorRequest{ClientID: p.c.id, PortID: p.id, Onoff: onoff}, nil)
	return err
}

// RecomputeTotalLatencies triggers a full latency recompute on the engine.
func (c *Client) RecomputeTotalLatencies() error {
	_, err := c.request(protocol.ReqRecomputeTotalLatencies, nil, nil)
	return err
}

// AllConnections is Connections for ports this client does not own; the
// engine answers for any port either way.
func (p *Port) AllConnections() ([]string, error) {
	return p.Connections()
}
