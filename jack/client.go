// Package jack is the client library: it opens a connection to a running
// engine, attaches the shared memory surfaces, runs the process thread, and
// exposes the port, transport and metadata APIs.
package jack

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"gojack/internal/metadata"
	"gojack/internal/porttype"
	"gojack/internal/protocol"
	"gojack/internal/shm"
)

// Re-exported wire types, so callers rarely import internal packages.
type (
	Options        = protocol.Options
	Status         = protocol.Status
	PortFlags      = protocol.PortFlags
	LatencyMode    = protocol.LatencyMode
	LatencyRange   = protocol.LatencyRange
	TransportState = protocol.TransportState
)

// Open options.
const (
	NullOption     = protocol.NullOption
	NoStartServer  = protocol.NoStartServer
	UseExactName   = protocol.UseExactName
	WithServerName = protocol.ServerName
	SessionID      = protocol.SessionID
)

// Port flags.
const (
	PortIsInput    = protocol.PortIsInput
	PortIsOutput   = protocol.PortIsOutput
	PortIsPhysical = protocol.PortIsPhysical
	PortCanMonitor = protocol.PortCanMonitor
	PortIsTerminal = protocol.PortIsTerminal
)

// Port type names.
const (
	AudioType = porttype.AudioTypeName
	MidiType  = porttype.MidiTypeName
)

// Status bits, re-exported from the protocol.
const (
	StatusFailure       = protocol.StatusFailure
	StatusInvalidOption = protocol.StatusInvalidOption
	StatusNameNotUnique = protocol.StatusNameNotUnique
	StatusServerStarted = protocol.StatusServerStarted
	StatusServerFailed  = protocol.StatusServerFailed
	StatusServerError   = protocol.StatusServerError
	StatusNoSuchClient  = protocol.StatusNoSuchClient
	StatusLoadFailure   = protocol.StatusLoadFailure
	StatusInitFailure   = protocol.StatusInitFailure
	StatusShmFailure    = protocol.StatusShmFailure
	StatusVersionError  = protocol.StatusVersionError
	StatusBackendError  = protocol.StatusBackendError
	StatusClientZombie  = protocol.StatusClientZombie
)

// OpenError pairs the failure with the status bits the engine returned.
type OpenError struct {
	Status Status
	Msg    string
}

func (e *OpenError) Error() string { return fmt.Sprintf("%s (status %#x)", e.Msg, uint32(e.Status)) }

// OpenOpts carries the optional ClientOpen parameters.
type OpenOpts struct {
	ServerName  string
	SessionUUID string
	LoadName    string
	LoadInit    string
}

// Client is one connection to the engine.
type Client struct {
	name       string
	serverName string
	id         uint32
	uuid       string

	reqMu   sync.Mutex
	reqConn net.Conn

	// evtReqConn is a second request connection used only by the event
	// loop (latency replies, session replies). The engine blocks waiting
	// for our ack while those are in flight, so they cannot share reqConn.
	evtReqMu   sync.Mutex
	evtReqConn net.Conn

	evtConn net.Conn

	controlSeg *shm.Segment
	control    *shm.ControlPage
	ctlSeg     *shm.Segment
	ctl        *shm.ClientControl
	tableSeg   *shm.Segment
	table      *shm.PortTable

	types  *porttype.Registry
	arenas sync.Map // typeID uint32 -> *shm.Segment

	bufferSize atomic.Uint32
	sampleRate uint32
	portMax    uint32

	cb callbackSet

	portsMu sync.Mutex // the connection lock: guards ports and their conn caches
	ports   map[uint32]*Port

	// Process chain plumbing.
	fifoMu     sync.Mutex
	waitFifo   *shm.Fifo
	signalFifo *shm.Fifo
	retired    []*shm.Fifo // superseded FIFOs, closed by the process thread
	reordered  atomic.Bool

	activated atomic.Bool
	closed    atomic.Bool
	zombie    atomic.Bool

	procStop chan struct{}
	procDone chan struct{}
	evtDone  chan struct{}

	meta   *metadata.Store
	metaMu sync.Mutex
}

// Open connects to the engine and admits a new external client. The
// returned status carries informational bits even on success.
func Open(name string, opts Options, extra *OpenOpts) (*Client, Status, error) {
	if extra == nil {
		extra = &OpenOpts{}
	}
	if !protocol.ValidOpenOptions(opts) {
		return nil, protocol.StatusInvalidOption | protocol.StatusFailure,
			&OpenError{protocol.StatusInvalidOption, "invalid open options"}
	}
	// Loading an in-engine client produces no shm surfaces to attach; it
	// goes through Client.InternalClientLoad on an already-open client.
	if opts&(protocol.LoadName|protocol.LoadInit) != 0 {
		return nil, protocol.StatusInvalidOption | protocol.StatusFailure,
			&OpenError{protocol.StatusInvalidOption, "LoadName/LoadInit require InternalClientLoad"}
	}
	serverName := shm.ServerName(extra.ServerName)

	conn, err := net.DialTimeout("unix", shm.RequestSocketPath(serverName), 2*time.Second)
	if err != nil {
		return nil, protocol.StatusServerFailed | protocol.StatusFailure,
			&OpenError{protocol.StatusServerFailed, fmt.Sprintf("cannot contact server %q: %v", serverName, err)}
	}

	req := protocol.ClientOpenRequest{
		Protocol: protocol.Version,
		Options:  opts,
		Type:     protocol.ClientExternal,
		PID:      uint32(pid()),
	}
	req.Name.Set(name)
	req.SessionUUID.Set(extra.SessionUUID)
	req.LoadName.Set(extra.LoadName)
	req.LoadInit.Set(extra.LoadInit)

	if err := protocol.WriteRequest(conn, protocol.ReqClientOpen, &req); err != nil {
		conn.Close()
		return nil, protocol.StatusServerError | protocol.StatusFailure,
			&OpenError{protocol.StatusServerError, err.Error()}
	}
	var rep protocol.ClientOpenReply
	hdr, err := protocol.ReadReply(conn, &rep)
	if err != nil {
		conn.Close()
		return nil, protocol.StatusServerError | protocol.StatusFailure,
			&OpenError{protocol.StatusServerError, err.Error()}
	}
	if hdr.Status&protocol.StatusFailure != 0 {
		conn.Close()
		return nil, hdr.Status, &OpenError{hdr.Status, "open refused by server"}
	}

	c := &Client{
		name:       rep.Name.String(),
		serverName: serverName,
		id:         rep.ClientID,
		uuid:       rep.UUID.String(),
		reqConn:    conn,
		types:      porttype.NewRegistry(),
		ports:      make(map[uint32]*Port),
		sampleRate: rep.SampleRate,
		portMax:    rep.PortMax,
		procStop:   make(chan struct{}),
	}
	c.bufferSize.Store(rep.BufferSize)

	if err := c.attachShared(&rep); err != nil {
		c.teardown()
		return nil, protocol.StatusShmFailure | protocol.StatusFailure,
			&OpenError{protocol.StatusShmFailure, err.Error()}
	}
	if err := c.connectEventChannel(&rep); err != nil {
		c.teardown()
		return nil, protocol.StatusServerError | protocol.StatusFailure,
			&OpenError{protocol.StatusServerError, err.Error()}
	}

	status := hdr.Status
	if c.name != name {
		status |= protocol.StatusNameNotUnique
	}
	return c, status, nil
}

func pid() int { return os.Getpid() }

func (c *Client) attachShared(rep *protocol.ClientOpenReply) error {
	seg, err := shm.Attach(rep.ControlPath.String(), false)
	if err != nil {
		return err
	}
	ctlPage := shm.NewControlPage(seg.Data)
	if !ctlPage.Valid() || !ctlPage.EngineOK() {
		seg.Detach() //nolint:errcheck // attach failed anyway
		return errors.New("control page invalid")
	}
	c.controlSeg, c.control = seg, ctlPage

	cseg, err := shm.Attach(c.clientCtlPath(), true)
	if err != nil {
		return err
	}
	c.ctlSeg, c.ctl = cseg, shm.NewClientControl(cseg.Data)

	tseg, err := shm.Attach(rep.PortTable.String(), false)
	if err != nil {
		return err
	}
	c.tableSeg, c.table = tseg, shm.NewPortTable(tseg.Data)
	return nil
}

func (c *Client) clientCtlPath() string {
	return fmt.Sprintf("%s/jack-client-%d", shm.ServerDir(c.serverName), c.id)
}

func (c *Client) connectEventChannel(rep *protocol.ClientOpenReply) error {
	conn, err := net.DialTimeout("unix", shm.EventSocketPath(c.serverName), 2*time.Second)
	if err != nil {
		return fmt.Errorf("event socket: %w", err)
	}
	bind := protocol.EventBind{ClientID: c.id, EventKey: rep.EventKey}
	if err := binary.Write(conn, binary.LittleEndian, &bind); err != nil {
		conn.Close()
		return err
	}
	var confirm [1]byte
	if _, err := io.ReadFull(conn, confirm[:]); err != nil {
		conn.Close()
		return fmt.Errorf("event channel rejected: %w", err)
	}
	c.evtConn = conn
	c.evtDone = make(chan struct{})
	go c.eventLoop()
	return nil
}

// Name returns the client's final (possibly suffixed) name.
func (c *Client) Name() string { return c.name }

// UUID returns the client's textual UUID.
func (c *Client) UUID() string { return c.uuid }

// BufferSize returns the current period length in frames.
func (c *Client) BufferSize() uint32 { return c.bufferSize.Load() }

// SampleRate returns the engine sample rate.
func (c *Client) SampleRate() uint32 { return c.sampleRate }

// CPULoad returns the engine's rolling DSP load estimate, in percent.
func (c *Client) CPULoad() float32 { return c.control.CPULoad() }

// FrameTime returns the frame-timer frame count at the last cycle start.
func (c *Client) FrameTime() uint64 { return c.control.ReadTimer().Frames }

// request runs one synchronous request on the main request connection.
func (c *Client) request(t protocol.RequestType, body, reply any) (protocol.ReplyHeader, error) {
	c.reqMu.Lock()
	defer c.reqMu.Unlock()
	return doRequest(c.reqConn, t, body, reply)
}

// eventRequest runs one request on the event-loop connection.
func (c *Client) eventRequest(t protocol.RequestType, body, reply any) (protocol.ReplyHeader, error) {
	c.evtReqMu.Lock()
	defer c.evtReqMu.Unlock()
	if c.evtReqConn == nil {
		conn, err := net.DialTimeout("unix", shm.RequestSocketPath(c.serverName), 2*time.Second)
		if err != nil {
			return protocol.ReplyHeader{}, err
		}
		c.evtReqConn = conn
	}
	return doRequest(c.evtReqConn, t, body, reply)
}

func doRequest(conn net.Conn, t protocol.RequestType, body, reply any) (protocol.ReplyHeader, error) {
	if conn == nil {
		return protocol.ReplyHeader{}, errors.New("client closed")
	}
	if err := protocol.WriteRequest(conn, t, body); err != nil {
		return protocol.ReplyHeader{}, err
	}
	hdr, err := protocol.ReadReply(conn, reply)
	if err != nil {
		return hdr, err
	}
	if hdr.Status&protocol.StatusFailure != 0 {
		return hdr, statusError(t, hdr)
	}
	return hdr, nil
}

func statusError(t protocol.RequestType, hdr protocol.ReplyHeader) error {
	return &RequestError{Request: t, Status: hdr.Status, Errno: hdr.Errno}
}

// RequestError reports a request the engine refused.
type RequestError struct {
	Request protocol.RequestType
	Status  Status
	Errno   int32
}

func (e *RequestError) Error() string {
	if e.Errno != 0 {
		return fmt.Sprintf("%s failed: status %#x errno %d", e.Request, uint32(e.Status), e.Errno)
	}
	return fmt.Sprintf("%s failed: status %#x", e.Request, uint32(e.Status))
}

// Errno returns the POSIX detail code of a failed request, or 0.
func Errno(err error) int32 {
	var re *RequestError
	if errors.As(err, &re) {
		return re.Errno
	}
	return 0
}

// Activate publishes the callback mask, makes the client visible to the
// graph, and starts the process thread.
func (c *Client) Activate() error {
	if c.activated.Load() {
		return nil
	}
	if err := c.syncCallbackMask(); err != nil {
		return err
	}
	if _, err := c.request(protocol.ReqActivateClient, &protocol.ClientIDRequest{ClientID: c.id}, nil); err != nil {
		return err
	}
	c.activated.Store(true)
	if c.cb.mask().Has(protocol.CBProcess) || c.cb.mask().Has(protocol.CBThread) {
		c.procDone = make(chan struct{})
		go c.processThread()
	}
	return nil
}

// Deactivate pulls the client out of the graph and stops the process
// thread. The request goes first so the engine stops scheduling us before
// the thread quits answering the chain.
func (c *Client) Deactivate() error {
	if !c.activated.Swap(false) {
		return nil
	}
	_, err := c.request(protocol.ReqDeactivateClient, &protocol.ClientIDRequest{ClientID: c.id}, nil)
	c.stopProcessThread()
	return err
}

func (c *Client) stopProcessThread() {
	select {
	case <-c.procStop:
	default:
		close(c.procStop)
	}
	if c.procDone != nil {
		select {
		case <-c.procDone:
		case <-time.After(time.Second):
			log.Printf("[jack] process thread of %q did not stop in time", c.name)
		}
		c.procDone = nil
	}
	c.procStop = make(chan struct{})
}

// Close deactivates if needed, tells the engine goodbye, and releases every
// local resource.
func (c *Client) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	if c.activated.Load() {
		c.Deactivate() //nolint:errcheck // best-effort on the way out
	}
	if !c.zombie.Load() {
		c.request(protocol.ReqClientClose, &protocol.ClientIDRequest{ClientID: c.id}, nil) //nolint:errcheck // engine may be gone
	}
	c.teardown()
	return nil
}

func (c *Client) teardown() {
	c.reqMu.Lock()
	if c.reqConn != nil {
		c.reqConn.Close()
		c.reqConn = nil
	}
	c.reqMu.Unlock()
	c.evtReqMu.Lock()
	if c.evtReqConn != nil {
		c.evtReqConn.Close()
		c.evtReqConn = nil
	}
	c.evtReqMu.Unlock()
	if c.evtConn != nil {
		c.evtConn.Close()
	}
	if c.evtDone != nil {
		<-c.evtDone
	}
	c.fifoMu.Lock()
	for _, f := range c.retired {
		f.Close() //nolint:errcheck // teardown
	}
	c.retired = nil
	if c.waitFifo != nil {
		c.waitFifo.Close()
		c.waitFifo = nil
	}
	if c.signalFifo != nil {
		c.signalFifo.Close()
		c.signalFifo = nil
	}
	c.fifoMu.Unlock()
	c.arenas.Range(func(k, v any) bool {
		v.(*shm.Segment).Detach() //nolint:errcheck // teardown
		return true
	})
	for _, seg := range []*shm.Segment{c.tableSeg, c.ctlSeg, c.controlSeg} {
		if seg != nil {
			seg.Detach() //nolint:errcheck // teardown
		}
	}
	c.metaMu.Lock()
	if c.meta != nil {
		c.meta.Close() //nolint:errcheck // teardown
		c.meta = nil
	}
	c.metaMu.Unlock()
}
