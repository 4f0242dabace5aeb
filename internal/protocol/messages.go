package protocol

import "bytes"

// Fixed-size string fields. NUL-padded; contents past the first NUL are
// ignored on read.
type (
	ClientName [ClientNameSize]byte
	PortName   [PortNameSize]byte
	UUIDString [UUIDStringSize]byte
	Path       [PathSize]byte
)

func cstring(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		return string(b[:i])
	}
	return string(b)
}

func setCString(dst []byte, s string) {
	if len(s) >= len(dst) {
		s = s[:len(dst)-1] // keep room for the terminating NUL
	}
	n := copy(dst, s)
	for ; n < len(dst); n++ {
		dst[n] = 0
	}
}

func (n *ClientName) String() string { return cstring(n[:]) }
func (n *ClientName) Set(s string)   { setCString(n[:], s) }
func (n *PortName) String() string   { return cstring(n[:]) }
func (n *PortName) Set(s string)     { setCString(n[:], s) }
func (u *UUIDString) String() string { return cstring(u[:]) }
func (u *UUIDString) Set(s string)   { setCString(u[:], s) }
func (p *Path) String() string       { return cstring(p[:]) }
func (p *Path) Set(s string)         { setCString(p[:], s) }

// RequestHeader precedes every request body on the request socket.
type RequestHeader struct {
	Type RequestType
	Size uint32 // body size in bytes
}

// ReplyHeader precedes every reply body. Status carries the protocol-level
// outcome; Errno carries a POSIX errno-style detail code (EEXIST, EINVAL,
// ERANGE) when one applies, else 0.
type ReplyHeader struct {
	Status Status
	Errno  int32
	Size   uint32 // body size in bytes
}

// ClientOpenRequest is the first request on a fresh connection.
type ClientOpenRequest struct {
	Protocol    uint32
	Options     Options
	Type        ClientType
	PID         uint32
	Name        ClientName
	SessionUUID UUIDString
	LoadName    ClientName // internal client object name, LoadName option
	LoadInit    PortName   // internal client init string, LoadInit option
}

// ClientOpenReply returns the engine-side identity plus the shm geometry the
// client must attach before activating.
type ClientOpenReply struct {
	ClientID    uint32
	UUID        UUIDString
	Name        ClientName // final name after collision suffixing
	BufferSize  uint32
	SampleRate  uint32
	PortMax     uint32
	ControlPath Path   // control page segment
	PortTable   Path   // port buffer directory segment
	EventKey    uint64 // token the client presents on the event socket
}

// EventBind is the one message a client writes on a fresh event-socket
// connection, binding it to an open client.
type EventBind struct {
	ClientID uint32
	EventKey uint64
}

// PortRegisterRequest registers one port for the calling client.
type PortRegisterRequest struct {
	ClientID   uint32
	Flags      uint32
	BufferSize uint64 // per-port hint; 0 = type default
	ShortName  PortName
	TypeName   PortName
}

// PortRegisterReply carries the new port id.
type PortRegisterReply struct {
	PortID uint32
}

// PortRequest addresses a single existing port.
type PortRequest struct {
	ClientID uint32
	PortID   uint32
}

// PortRenameRequest renames a port owned by the calling client.
type PortRenameRequest struct {
	ClientID uint32
	PortID   uint32
	Name     PortName
}

// ConnectRequest names both ends of a connection.
type ConnectRequest struct {
	ClientID uint32
	Source   PortName
	Dest     PortName
}

// PortConnectionsReply is followed by Count PortName records.
type PortConnectionsReply struct {
	Count uint32
}

// ClientIDRequest addresses a client by id.
type ClientIDRequest struct {
	ClientID uint32
}

// BufferSizeRequest changes the global period size.
type BufferSizeRequest struct {
	BufferSize uint32
}

// TimebaseRequest claims or releases the timebase master role.
type TimebaseRequest struct {
	ClientID    uint32
	Conditional uint32 // nonzero: fail if a master already exists
}

// SyncTimeoutRequest sets the slow-sync barrier timeout.
type SyncTimeoutRequest struct {
	Timeout uint64 // usecs
}

// LocateRequest queues a transport reposition.
type LocateRequest struct {
	Frame uint64
}

// IntClientLoadRequest loads an internal client by registered object name.
type IntClientLoadRequest struct {
	Options  Options
	Name     ClientName
	LoadName ClientName
	LoadInit PortName
}

// IntClientReply identifies an internal client.
type IntClientReply struct {
	ClientID uint32
	Name     ClientName
}

// NameRequest addresses a client by name.
type NameRequest struct {
	Name ClientName
}

// UUIDRequest addresses a client by textual UUID.
type UUIDRequest struct {
	UUID UUIDString
}

// NameReply returns one client name.
type NameReply struct {
	Name ClientName
}

// UUIDReply returns one textual UUID.
type UUIDReply struct {
	UUID UUIDString
}

// ReserveNameRequest binds a client name to a session UUID ahead of open.
type ReserveNameRequest struct {
	Name ClientName
	UUID UUIDString
}

// SessionNotifyRequest fans a save-session event to one or all clients.
type SessionNotifyRequest struct {
	ClientID  uint32
	EventType uint32     // save, save-and-quit, save-template
	Target    ClientName // empty: all session-aware clients
	Path      Path
}

// SessionReplyRecord is one collected session answer; SessionNotify replies
// with a count followed by this many records.
type SessionReplyRecord struct {
	Name        ClientName
	UUID        UUIDString
	CommandLine Path
	Flags       uint32
}

// SessionReplyRequest is sent by a client answering EvtSaveSession.
type SessionReplyRequest struct {
	ClientID    uint32
	CommandLine Path
	Flags       uint32
}

// PropertyChangeNotifyRequest broadcasts a metadata mutation.
type PropertyChangeNotifyRequest struct {
	ClientID uint32
	Change   PropertyChangeKind
	Subject  UUIDString
	Key      PortName
}

// MonitorRequest toggles input monitoring on a port.
type MonitorRequest struct {
	ClientID uint32
	PortID   uint32
	Onoff    uint32
}

// CapabilitiesRequest asks the engine to grant the calling process
// real-time capabilities, where the platform supports it.
type CapabilitiesRequest struct {
	ClientID uint32
	PID      uint32
}

// Event is the single fixed-size record pushed on the event socket. X, Y and
// Name are interpreted per Type:
//
//	BufferSizeChange     X=nframes
//	SampleRateChange     X=rate
//	AttachPortSegment    X=port type id, Y=segment size, Name=segment path
//	PortConnected        X=src port id, Y=dst port id
//	PortDisconnected     X=src port id, Y=dst port id
//	GraphReordered       X=fifo index, Y=1 if upstream is the engine
//	PortRegistered       X=port id
//	PortUnregistered     X=port id
//	XRun                 (none)
//	StartFreewheel       (none)
//	StopFreewheel        (none)
//	ClientRegistered     Name=client name, Name2=client uuid
//	ClientUnregistered   Name=client name, Name2=client uuid
//	SaveSession          X=session event type, Name=session path
//	LatencyCallback      X=LatencyMode
//	PropertyChange       X=PropertyChangeKind, Name=subject uuid, Name2=key
//	PortRename           X=port id, Name=old name, Name2=new name
//	Shutdown             X=Status cause, Name=reason text
type Event struct {
	Type  EventType
	X     uint64
	Y     uint64
	Name  PortName
	Name2 PortName
}

// LatencyRange is a min/max frame latency pair.
type LatencyRange struct {
	Min uint32
	Max uint32
}

// SetCallbacksRequest publishes the client's callback-presence mask.
type SetCallbacksRequest struct {
	ClientID uint32
	Mask     CallbackMask
}

// PortLatencyRequest updates one port's latency range in the given mode.
type PortLatencyRequest struct {
	ClientID uint32
	PortID   uint32
	Mode     LatencyMode
	Range    LatencyRange
}

// PortLatencyReply returns a port's latency range and total latency.
type PortLatencyReply struct {
	Range        LatencyRange
	TotalLatency uint32
}

// RecomputeLatencyRequest addresses one port.
type RecomputeLatencyRequest struct {
	PortID uint32
}

// PortInfoRequest resolves a port by name (when non-empty) or by id.
type PortInfoRequest struct {
	PortID uint32
	Name   PortName
}

// PortInfoReply describes one port.
type PortInfoReply struct {
	PortID uint32
	Flags  uint32
	TypeID uint32
	Name   PortName
	Owner  ClientName
	UUID   UUIDString
}
