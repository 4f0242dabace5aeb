package server

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"

	"github.com/google/uuid"

	"gojack/internal/protocol"
	"gojack/internal/shm"
)

// sessionCollector gathers SessionReply records while a SessionNotify is in
// flight. Replies arrive on other request connections, so it has its own
// lock rather than the request lock.
type sessionCollector struct {
	mu      sync.Mutex
	active  bool
	replies []protocol.SessionReplyRecord
}

func (s *sessionCollector) begin() {
	s.mu.Lock()
	s.active = true
	s.replies = s.replies[:0]
	s.mu.Unlock()
}

func (s *sessionCollector) add(r protocol.SessionReplyRecord) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active {
		return false
	}
	s.replies = append(s.replies, r)
	return true
}

func (s *sessionCollector) end() []protocol.SessionReplyRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = false
	out := make([]protocol.SessionReplyRecord, len(s.replies))
	copy(out, s.replies)
	return out
}

// listen opens the request and event sockets in the server directory.
func (e *Engine) listen() error {
	reqPath := shm.RequestSocketPath(e.cfg.Name)
	evtPath := shm.EventSocketPath(e.cfg.Name)
	for _, p := range []string{reqPath, evtPath} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove stale socket %s: %w", p, err)
		}
	}
	var err error
	if e.reqListener, err = net.Listen("unix", reqPath); err != nil {
		return fmt.Errorf("listen %s: %w", reqPath, err)
	}
	if e.evtListener, err = net.Listen("unix", evtPath); err != nil {
		e.reqListener.Close()
		return fmt.Errorf("listen %s: %w", evtPath, err)
	}
	e.wg.Add(2)
	go e.acceptLoop(e.reqListener, e.handleRequestConn)
	go e.acceptLoop(e.evtListener, e.handleEventConn)
	return nil
}

func (e *Engine) acceptLoop(l net.Listener, handle func(net.Conn)) {
	defer e.wg.Done()
	for {
		conn, err := l.Accept()
		if err != nil {
			select {
			case <-e.stopCh:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			e.logf("[engine] accept: %v", err)
			continue
		}
		go handle(conn)
	}
}

// handleEventConn binds a fresh event-socket connection to an open client.
func (e *Engine) handleEventConn(conn net.Conn) {
	var bind protocol.EventBind
	if err := binary.Read(conn, binary.LittleEndian, &bind); err != nil {
		conn.Close()
		return
	}
	e.graphMu.RLock()
	c := e.clientByID(bind.ClientID)
	e.graphMu.RUnlock()
	if c == nil || !c.external() || c.eventKey != bind.EventKey {
		conn.Close()
		return
	}
	c.setEventConn(conn)
	// One confirmation byte tells the library the channel is live.
	conn.Write([]byte{0}) //nolint:errcheck // client detects failure on read
}

// handleRequestConn serves one request connection until the peer goes away.
// A connection usually belongs to one client (established by ClientOpen);
// losing it zombifies that client.
func (e *Engine) handleRequestConn(conn net.Conn) {
	defer conn.Close()
	var owner *client
	defer func() {
		if owner == nil {
			return
		}
		e.graphMu.RLock()
		gone := owner.life == lifeRemoved
		e.graphMu.RUnlock()
		if !gone {
			e.logf("[engine] lost request socket of client %s", owner)
			e.zombifyClient(owner)
			e.signalProblems(1)
		}
	}()

	for {
		hdr, err := protocol.ReadRequestHeader(conn)
		if err != nil {
			if err != io.EOF && !errors.Is(err, net.ErrClosed) {
				e.logf("[engine] request read: %v", err)
			}
			return
		}
		if opened, err := e.dispatchRequest(conn, hdr, &owner); err != nil {
			e.logf("[engine] %s failed: %v", hdr.Type, err)
			return
		} else if opened != nil {
			owner = opened
		}
	}
}

// dispatchRequest decodes and executes one request, writing the reply.
// Returns the client a successful ClientOpen bound to this connection.
func (e *Engine) dispatchRequest(conn net.Conn, hdr protocol.RequestHeader, owner **client) (*client, error) {
	// Latency updates and session replies bypass the request lock: both
	// arrive while the engine is blocked delivering the triggering event.
	switch hdr.Type {
	case protocol.ReqSetPortLatencyRange:
		var req protocol.PortLatencyRequest
		if err := protocol.ReadBody(conn, hdr.Size, &req); err != nil {
			return nil, err
		}
		return nil, e.replyErr(conn, e.setPortLatency(e.lookupClient(req.ClientID), req.PortID, req.Mode, req.Range))
	case protocol.ReqSessionReply:
		var req protocol.SessionReplyRequest
		if err := protocol.ReadBody(conn, hdr.Size, &req); err != nil {
			return nil, err
		}
		return nil, e.handleSessionReply(conn, &req)
	}

	e.reqMu.Lock()
	defer e.reqMu.Unlock()

	switch hdr.Type {
	case protocol.ReqClientOpen:
		var req protocol.ClientOpenRequest
		if err := protocol.ReadBody(conn, hdr.Size, &req); err != nil {
			return nil, err
		}
		return e.handleClientOpen(conn, &req)

	case protocol.ReqClientClose:
		var req protocol.ClientIDRequest
		if err := protocol.ReadBody(conn, hdr.Size, &req); err != nil {
			return nil, err
		}
		c := e.lookupClient(req.ClientID)
		if c == nil {
			return nil, e.reply(conn, protocol.StatusNoSuchClient|protocol.StatusFailure, 0, nil)
		}
		if c.active {
			e.deactivateClient(c)
		}
		if err := e.reply(conn, 0, 0, nil); err != nil {
			return nil, err
		}
		e.removeClient(c)
		if *owner == c {
			*owner = nil
		}
		return nil, nil

	case protocol.ReqActivateClient:
		var req protocol.ClientIDRequest
		if err := protocol.ReadBody(conn, hdr.Size, &req); err != nil {
			return nil, err
		}
		c := e.lookupClient(req.ClientID)
		if c == nil {
			return nil, e.reply(conn, protocol.StatusNoSuchClient|protocol.StatusFailure, 0, nil)
		}
		return nil, e.replyErr(conn, e.activateClient(c))

	case protocol.ReqDeactivateClient:
		var req protocol.ClientIDRequest
		if err := protocol.ReadBody(conn, hdr.Size, &req); err != nil {
			return nil, err
		}
		c := e.lookupClient(req.ClientID)
		if c == nil {
			return nil, e.reply(conn, protocol.StatusNoSuchClient|protocol.StatusFailure, 0, nil)
		}
		e.deactivateClient(c)
		return nil, e.reply(conn, 0, 0, nil)

	case protocol.ReqSetCallbacks:
		var req protocol.SetCallbacksRequest
		if err := protocol.ReadBody(conn, hdr.Size, &req); err != nil {
			return nil, err
		}
		c := e.lookupClient(req.ClientID)
		if c == nil {
			return nil, e.reply(conn, protocol.StatusNoSuchClient|protocol.StatusFailure, 0, nil)
		}
		e.graphMu.Lock()
		c.callbacks = req.Mask
		e.graphMu.Unlock()
		return nil, e.reply(conn, 0, 0, nil)

	case protocol.ReqRegisterPort:
		var req protocol.PortRegisterRequest
		if err := protocol.ReadBody(conn, hdr.Size, &req); err != nil {
			return nil, err
		}
		return nil, e.handlePortRegister(conn, &req)

	case protocol.ReqUnregisterPort:
		var req protocol.PortRequest
		if err := protocol.ReadBody(conn, hdr.Size, &req); err != nil {
			return nil, err
		}
		c := e.lookupClient(req.ClientID)
		if c == nil {
			return nil, e.reply(conn, protocol.StatusNoSuchClient|protocol.StatusFailure, 0, nil)
		}
		return nil, e.replyErr(conn, e.unregisterPort(c, req.PortID))

	case protocol.ReqPortRename:
		var req protocol.PortRenameRequest
		if err := protocol.ReadBody(conn, hdr.Size, &req); err != nil {
			return nil, err
		}
		c := e.lookupClient(req.ClientID)
		if c == nil {
			return nil, e.reply(conn, protocol.StatusNoSuchClient|protocol.StatusFailure, 0, nil)
		}
		return nil, e.replyErr(conn, e.renamePort(c, req.PortID, req.Name.String()))

	case protocol.ReqConnectPorts:
		var req protocol.ConnectRequest
		if err := protocol.ReadBody(conn, hdr.Size, &req); err != nil {
			return nil, err
		}
		return nil, e.replyErr(conn, e.connectPorts(req.Source.String(), req.Dest.String()))

	case protocol.ReqDisconnectPorts:
		var req protocol.ConnectRequest
		if err := protocol.ReadBody(conn, hdr.Size, &req); err != nil {
			return nil, err
		}
		return nil, e.replyErr(conn, e.disconnectPorts(req.Source.String(), req.Dest.String()))

	case protocol.ReqDisconnectPort:
		var req protocol.PortRequest
		if err := protocol.ReadBody(conn, hdr.Size, &req); err != nil {
			return nil, err
		}
		return nil, e.replyErr(conn, e.disconnectPortAll(req.PortID))

	case protocol.ReqGetPortConnections, protocol.ReqGetPortNConnections:
		var req protocol.PortRequest
		if err := protocol.ReadBody(conn, hdr.Size, &req); err != nil {
			return nil, err
		}
		names, err := e.portConnections(req.PortID)
		if err != nil {
			return nil, e.replyErr(conn, err)
		}
		if err := e.reply(conn, 0, 0, &protocol.PortConnectionsReply{Count: uint32(len(names))}); err != nil {
			return nil, err
		}
		if hdr.Type == protocol.ReqGetPortConnections {
			for _, n := range names {
				var pn protocol.PortName
				pn.Set(n)
				if err := binary.Write(conn, binary.LittleEndian, &pn); err != nil {
					return nil, err
				}
			}
		}
		return nil, nil

	case protocol.ReqSetBufferSize:
		var req protocol.BufferSizeRequest
		if err := protocol.ReadBody(conn, hdr.Size, &req); err != nil {
			return nil, err
		}
		if errno := ValidBufferSize(req.BufferSize); errno != 0 {
			return nil, e.reply(conn, protocol.StatusFailure, errno, nil)
		}
		return nil, e.replyErr(conn, e.setBufferSize(req.BufferSize))

	case protocol.ReqSetFreewheel:
		var req protocol.ClientIDRequest
		if err := protocol.ReadBody(conn, hdr.Size, &req); err != nil {
			return nil, err
		}
		return nil, e.replyErr(conn, e.startFreewheeling(req.ClientID))

	case protocol.ReqStopFreewheel:
		var req protocol.ClientIDRequest
		if err := protocol.ReadBody(conn, hdr.Size, &req); err != nil {
			return nil, err
		}
		return nil, e.replyErr(conn, e.stopFreewheeling())

	case protocol.ReqTransportStart:
		e.trans.requestStart()
		return nil, e.reply(conn, 0, 0, nil)

	case protocol.ReqTransportStop:
		e.trans.requestStop()
		return nil, e.reply(conn, 0, 0, nil)

	case protocol.ReqTransportLocate:
		var req protocol.LocateRequest
		if err := protocol.ReadBody(conn, hdr.Size, &req); err != nil {
			return nil, err
		}
		e.trans.requestLocate(req.Frame)
		return nil, e.reply(conn, 0, 0, nil)

	case protocol.ReqSetTimebaseClient:
		var req protocol.TimebaseRequest
		if err := protocol.ReadBody(conn, hdr.Size, &req); err != nil {
			return nil, err
		}
		c := e.lookupClient(req.ClientID)
		if c == nil {
			return nil, e.reply(conn, protocol.StatusNoSuchClient|protocol.StatusFailure, 0, nil)
		}
		return nil, e.replyErr(conn, e.trans.setTimebase(c, req.Conditional != 0))

	case protocol.ReqResetTimebaseClient:
		var req protocol.ClientIDRequest
		if err := protocol.ReadBody(conn, hdr.Size, &req); err != nil {
			return nil, err
		}
		c := e.lookupClient(req.ClientID)
		if c == nil {
			return nil, e.reply(conn, protocol.StatusNoSuchClient|protocol.StatusFailure, 0, nil)
		}
		return nil, e.replyErr(conn, e.trans.resetTimebase(c))

	case protocol.ReqSetSyncClient, protocol.ReqResetSyncClient:
		var req protocol.ClientIDRequest
		if err := protocol.ReadBody(conn, hdr.Size, &req); err != nil {
			return nil, err
		}
		c := e.lookupClient(req.ClientID)
		if c == nil {
			return nil, e.reply(conn, protocol.StatusNoSuchClient|protocol.StatusFailure, 0, nil)
		}
		e.graphMu.Lock()
		if hdr.Type == protocol.ReqSetSyncClient {
			e.trans.setSync(c)
		} else {
			e.trans.resetSync(c)
		}
		e.graphMu.Unlock()
		return nil, e.reply(conn, 0, 0, nil)

	case protocol.ReqSetSyncTimeout:
		var req protocol.SyncTimeoutRequest
		if err := protocol.ReadBody(conn, hdr.Size, &req); err != nil {
			return nil, err
		}
		e.trans.setSyncTimeout(req.Timeout)
		return nil, e.reply(conn, 0, 0, nil)

	case protocol.ReqIntClientLoad:
		var req protocol.IntClientLoadRequest
		if err := protocol.ReadBody(conn, hdr.Size, &req); err != nil {
			return nil, err
		}
		c, status := e.loadInternalClient(req.Name.String(), req.LoadName.String(), req.LoadInit.String(), req.Options)
		if status != 0 {
			return nil, e.reply(conn, status, 0, nil)
		}
		rep := protocol.IntClientReply{ClientID: c.id}
		rep.Name.Set(c.name)
		return nil, e.reply(conn, 0, 0, &rep)

	case protocol.ReqIntClientHandle:
		var req protocol.NameRequest
		if err := protocol.ReadBody(conn, hdr.Size, &req); err != nil {
			return nil, err
		}
		id, ok := e.internalClientByName(req.Name.String())
		if !ok {
			return nil, e.reply(conn, protocol.StatusNoSuchClient|protocol.StatusFailure, 0, nil)
		}
		rep := protocol.IntClientReply{ClientID: id}
		rep.Name = req.Name
		return nil, e.reply(conn, 0, 0, &rep)

	case protocol.ReqIntClientName:
		var req protocol.ClientIDRequest
		if err := protocol.ReadBody(conn, hdr.Size, &req); err != nil {
			return nil, err
		}
		c := e.lookupClient(req.ClientID)
		if c == nil || c.kind != protocol.ClientInternal {
			return nil, e.reply(conn, protocol.StatusNoSuchClient|protocol.StatusFailure, 0, nil)
		}
		rep := protocol.IntClientReply{ClientID: c.id}
		rep.Name.Set(c.name)
		return nil, e.reply(conn, 0, 0, &rep)

	case protocol.ReqIntClientUnload:
		var req protocol.NameRequest
		if err := protocol.ReadBody(conn, hdr.Size, &req); err != nil {
			return nil, err
		}
		return nil, e.replyErr(conn, e.unloadInternalClient(req.Name.String()))

	case protocol.ReqRecomputeTotalLatencies:
		e.recomputeAllLatencies()
		return nil, e.reply(conn, 0, 0, nil)

	case protocol.ReqRecomputeTotalLatency:
		var req protocol.RecomputeLatencyRequest
		if err := protocol.ReadBody(conn, hdr.Size, &req); err != nil {
			return nil, err
		}
		e.graphMu.Lock()
		if p := e.portByIDLocked(req.PortID); p != nil {
			p.totalLatency = e.totalLatencyLocked(p, 0)
		}
		e.graphMu.Unlock()
		return nil, e.reply(conn, 0, 0, nil)

	case protocol.ReqGetClientByUUID:
		var req protocol.UUIDRequest
		if err := protocol.ReadBody(conn, hdr.Size, &req); err != nil {
			return nil, err
		}
		want := req.UUID.String()
		for _, c := range e.snapshotClients() {
			if c.uuid.String() == want {
				var rep protocol.NameReply
				rep.Name.Set(c.name)
				return nil, e.reply(conn, 0, 0, &rep)
			}
		}
		return nil, e.reply(conn, protocol.StatusNoSuchClient|protocol.StatusFailure, 0, nil)

	case protocol.ReqGetUUIDByClientName:
		var req protocol.NameRequest
		if err := protocol.ReadBody(conn, hdr.Size, &req); err != nil {
			return nil, err
		}
		e.graphMu.RLock()
		c := e.clientByName(req.Name.String())
		e.graphMu.RUnlock()
		if c == nil {
			return nil, e.reply(conn, protocol.StatusNoSuchClient|protocol.StatusFailure, 0, nil)
		}
		var rep protocol.UUIDReply
		rep.UUID.Set(c.uuid.String())
		return nil, e.reply(conn, 0, 0, &rep)

	case protocol.ReqReserveName:
		var req protocol.ReserveNameRequest
		if err := protocol.ReadBody(conn, hdr.Size, &req); err != nil {
			return nil, err
		}
		return nil, e.handleReserveName(conn, &req)

	case protocol.ReqSessionNotify:
		var req protocol.SessionNotifyRequest
		if err := protocol.ReadBody(conn, hdr.Size, &req); err != nil {
			return nil, err
		}
		return nil, e.handleSessionNotify(conn, &req)

	case protocol.ReqSessionHasCallback:
		var req protocol.NameRequest
		if err := protocol.ReadBody(conn, hdr.Size, &req); err != nil {
			return nil, err
		}
		e.graphMu.RLock()
		c := e.clientByName(req.Name.String())
		e.graphMu.RUnlock()
		switch {
		case c == nil:
			return nil, e.reply(conn, protocol.StatusNoSuchClient|protocol.StatusFailure, 0, nil)
		case c.callbacks.Has(protocol.CBSession):
			return nil, e.reply(conn, 0, 0, nil)
		default:
			return nil, e.reply(conn, protocol.StatusFailure, 0, nil)
		}

	case protocol.ReqPropertyChangeNotify:
		var req protocol.PropertyChangeNotifyRequest
		if err := protocol.ReadBody(conn, hdr.Size, &req); err != nil {
			return nil, err
		}
		ev := &protocol.Event{Type: protocol.EvtPropertyChange, X: uint64(req.Change)}
		ev.Name.Set(req.Subject.String())
		ev.Name2.Set(req.Key.String())
		e.broadcastPortEvent(ev, protocol.CBProperty, nil)
		return nil, e.reply(conn, 0, 0, nil)

	case protocol.ReqSetClientCapabilities:
		var req protocol.CapabilitiesRequest
		if err := protocol.ReadBody(conn, hdr.Size, &req); err != nil {
			return nil, err
		}
		// Capability granting is a platform privilege operation; the
		// engine acknowledges and leaves scheduling classes to the OS.
		return nil, e.reply(conn, 0, 0, nil)

	case protocol.ReqGetPortLatency:
		var req protocol.PortLatencyRequest
		if err := protocol.ReadBody(conn, hdr.Size, &req); err != nil {
			return nil, err
		}
		r, total, err := e.portLatency(req.PortID, req.Mode)
		if err != nil {
			return nil, e.replyErr(conn, err)
		}
		return nil, e.reply(conn, 0, 0, &protocol.PortLatencyReply{Range: r, TotalLatency: total})

	case protocol.ReqGetPortInfo:
		var req protocol.PortInfoRequest
		if err := protocol.ReadBody(conn, hdr.Size, &req); err != nil {
			return nil, err
		}
		e.graphMu.RLock()
		var p *port
		if name := req.Name.String(); name != "" {
			p = e.portByNameLocked(name)
		} else {
			p = e.portByIDLocked(req.PortID)
		}
		if p == nil {
			e.graphMu.RUnlock()
			return nil, e.reply(conn, protocol.StatusFailure, 0, nil)
		}
		rep := protocol.PortInfoReply{PortID: p.id, Flags: uint32(p.flags), TypeID: p.ptype.ID}
		rep.Name.Set(p.name)
		rep.Owner.Set(p.owner.name)
		rep.UUID.Set(p.uuid.String())
		e.graphMu.RUnlock()
		return nil, e.reply(conn, 0, 0, &rep)

	case protocol.ReqRequestMonitor:
		var req protocol.MonitorRequest
		if err := protocol.ReadBody(conn, hdr.Size, &req); err != nil {
			return nil, err
		}
		return nil, e.replyErr(conn, e.requestMonitor(req.PortID, req.Onoff != 0))

	default:
		if err := protocol.DiscardBody(conn, hdr.Size); err != nil {
			return nil, err
		}
		return nil, e.reply(conn, protocol.StatusFailure, 0, nil)
	}
}

func (e *Engine) lookupClient(id uint32) *client {
	e.graphMu.RLock()
	defer e.graphMu.RUnlock()
	return e.clientByID(id)
}

// reply writes one reply frame.
func (e *Engine) reply(conn net.Conn, status protocol.Status, errno int32, body any) error {
	return protocol.WriteReply(conn, status, errno, body)
}

// replyErr maps a handler error onto the wire: errnoError carries its detail
// code, anything else is a plain failure.
func (e *Engine) replyErr(conn net.Conn, err error) error {
	if err == nil {
		return e.reply(conn, 0, 0, nil)
	}
	var ee *errnoError
	if errors.As(err, &ee) {
		return e.reply(conn, protocol.StatusFailure, ee.errno, nil)
	}
	e.logf("[engine] request failed: %v", err)
	return e.reply(conn, protocol.StatusFailure, 0, nil)
}

// handleClientOpen admits one new client.
func (e *Engine) handleClientOpen(conn net.Conn, req *protocol.ClientOpenRequest) (*client, error) {
	if req.Protocol != protocol.Version {
		return nil, e.reply(conn, protocol.StatusFailure|protocol.StatusVersionError, 0, nil)
	}
	if !protocol.ValidOpenOptions(req.Options) {
		return nil, e.reply(conn, protocol.StatusFailure|protocol.StatusInvalidOption, 0, nil)
	}

	if req.Options&protocol.LoadName != 0 || req.Type == protocol.ClientInternal {
		c, status := e.loadInternalClient(req.Name.String(), req.LoadName.String(), req.LoadInit.String(), req.Options)
		if status != 0 {
			return nil, e.reply(conn, status, 0, nil)
		}
		rep := protocol.ClientOpenReply{
			ClientID:   c.id,
			BufferSize: e.control.BufferSize(),
			SampleRate: e.control.SampleRate(),
			PortMax:    e.control.PortMax(),
		}
		rep.UUID.Set(c.uuid.String())
		rep.Name.Set(c.name)
		return nil, e.reply(conn, 0, 0, &rep)
	}

	sessionUUID := ""
	if req.Options&protocol.SessionID != 0 {
		sessionUUID = req.SessionUUID.String()
	}
	e.graphMu.Lock()
	c, err := e.addClientLocked(req.Name.String(), protocol.ClientExternal, sessionUUID, req.Options&protocol.UseExactName != 0)
	e.graphMu.Unlock()
	if err != nil {
		return nil, e.reply(conn, protocol.StatusFailure|protocol.StatusNameNotUnique, 0, nil)
	}

	rep := protocol.ClientOpenReply{
		ClientID:   c.id,
		BufferSize: e.control.BufferSize(),
		SampleRate: e.control.SampleRate(),
		PortMax:    e.control.PortMax(),
		EventKey:   c.eventKey,
	}
	rep.UUID.Set(c.uuid.String())
	rep.Name.Set(c.name)
	rep.ControlPath.Set(c.ctlSeg.Path)
	rep.PortTable.Set(e.portTabSeg.Path)
	if err := e.reply(conn, 0, 0, &rep); err != nil {
		e.removeClient(c)
		return nil, err
	}
	e.notifyClientRegistration(c, true)
	e.logf("[engine] new client %s", c)
	return c, nil
}

// handlePortRegister registers one port for an external client.
func (e *Engine) handlePortRegister(conn net.Conn, req *protocol.PortRegisterRequest) error {
	c := e.lookupClient(req.ClientID)
	if c == nil {
		return e.reply(conn, protocol.StatusNoSuchClient|protocol.StatusFailure, 0, nil)
	}
	e.graphMu.Lock()
	p, err := e.registerPortLocked(c, req.ShortName.String(), req.TypeName.String(),
		protocol.PortFlags(req.Flags), req.BufferSize)
	if err != nil {
		e.graphMu.Unlock()
		return e.replyErr(conn, err)
	}
	active := c.active
	if !active {
		c.deferredPorts = append(c.deferredPorts, p.id)
	}
	e.graphMu.Unlock()

	if err := e.reply(conn, 0, 0, &protocol.PortRegisterReply{PortID: p.id}); err != nil {
		return err
	}
	if active {
		e.broadcastPortRegistration(p.id, false)
	}
	return nil
}

// handleReserveName pins a client name to a session UUID.
func (e *Engine) handleReserveName(conn net.Conn, req *protocol.ReserveNameRequest) error {
	name := req.Name.String()
	u := req.UUID.String()
	if name == "" || u == "" {
		return e.reply(conn, protocol.StatusFailure, 0, nil)
	}
	if _, err := uuid.Parse(u); err != nil {
		return e.reply(conn, protocol.StatusFailure, 0, nil)
	}
	e.graphMu.Lock()
	defer e.graphMu.Unlock()
	if e.clientByName(name) != nil || e.nameReserved(name) {
		return e.reply(conn, protocol.StatusFailure|protocol.StatusNameNotUnique, 0, nil)
	}
	e.reservations[name] = u
	return e.reply(conn, 0, 0, nil)
}

// handleSessionNotify fans a SaveSession event to the target clients and
// returns the replies they posted before acking.
func (e *Engine) handleSessionNotify(conn net.Conn, req *protocol.SessionNotifyRequest) error {
	target := req.Target.String()
	var targets []*client
	for _, c := range e.snapshotClients() {
		if !c.active || !c.callbacks.Has(protocol.CBSession) {
			continue
		}
		if target != "" && c.name != target {
			continue
		}
		targets = append(targets, c)
	}

	e.sessions.begin()
	ev := &protocol.Event{Type: protocol.EvtSaveSession, X: uint64(req.EventType)}
	ev.Name.Set(req.Path.String())
	for _, c := range targets {
		c.sessionPath = req.Path.String()
		e.deliverEvent(c, ev)
	}
	replies := e.sessions.end()

	if err := e.reply(conn, 0, 0, &protocol.PortConnectionsReply{Count: uint32(len(replies))}); err != nil {
		return err
	}
	for i := range replies {
		if err := binary.Write(conn, binary.LittleEndian, &replies[i]); err != nil {
			return err
		}
	}
	return nil
}

// handleSessionReply records one client's answer to a pending SaveSession.
func (e *Engine) handleSessionReply(conn net.Conn, req *protocol.SessionReplyRequest) error {
	c := e.lookupClient(req.ClientID)
	if c == nil {
		return e.reply(conn, protocol.StatusNoSuchClient|protocol.StatusFailure, 0, nil)
	}
	var rec protocol.SessionReplyRecord
	rec.Name.Set(c.name)
	rec.UUID.Set(c.uuid.String())
	rec.CommandLine = req.CommandLine
	rec.Flags = req.Flags
	if !e.sessions.add(rec) {
		return e.reply(conn, protocol.StatusFailure, 0, nil)
	}
	return e.reply(conn, 0, 0, nil)
}
