// Package protocol defines the wire types exchanged between the engine and
// its clients: synchronous requests on the request socket, pushed events on
// the event socket, and the status/option bitmasks shared by both sides.
//
// Every message body is a fixed-size struct encoded little-endian, so the
// layout is identical on 32- and 64-bit peers. Sizes and counts that would
// naturally be pointer-width are widened to 64 bits.
package protocol

// Version is embedded in every ClientOpen request. The engine refuses
// mismatched clients with StatusVersionError rather than guessing.
const Version = 25

// Limits on the wire. Names are NUL-padded inside their fixed arrays.
const (
	ClientNameSize = 64  // max client name, including NUL
	PortNameSize   = 256 // max full port name "client:port", including NUL
	UUIDStringSize = 37  // textual UUID plus NUL
	PathSize       = 256 // shm segment / fifo path
)

// RequestType identifies a request on the client→engine socket.
type RequestType uint32

const (
	ReqInvalid RequestType = iota
	ReqClientOpen
	ReqClientClose
	ReqActivateClient
	ReqDeactivateClient
	ReqRegisterPort
	ReqUnregisterPort
	ReqConnectPorts
	ReqDisconnectPorts
	ReqDisconnectPort
	ReqGetPortConnections
	ReqGetPortNConnections
	ReqSetBufferSize
	ReqSetFreewheel
	ReqStopFreewheel
	ReqSetTimebaseClient
	ReqResetTimebaseClient
	ReqSetSyncClient
	ReqResetSyncClient
	ReqSetSyncTimeout
	ReqTransportStart
	ReqTransportStop
	ReqTransportLocate
	ReqIntClientHandle
	ReqIntClientLoad
	ReqIntClientName
	ReqIntClientUnload
	ReqRecomputeTotalLatencies
	ReqRecomputeTotalLatency
	ReqSessionNotify
	ReqSessionReply
	ReqSessionHasCallback
	ReqGetClientByUUID
	ReqGetUUIDByClientName
	ReqReserveName
	ReqPropertyChangeNotify
	ReqSetClientCapabilities
	ReqPortRename
	ReqRequestMonitor
	ReqSetCallbacks
	ReqSetPortLatencyRange
	ReqGetPortInfo
	ReqGetPortLatency
)

var requestNames = map[RequestType]string{
	ReqClientOpen:              "ClientOpen",
	ReqClientClose:             "ClientClose",
	ReqActivateClient:          "ActivateClient",
	ReqDeactivateClient:        "DeactivateClient",
	ReqRegisterPort:            "RegisterPort",
	ReqUnregisterPort:          "UnregisterPort",
	ReqConnectPorts:            "ConnectPorts",
	ReqDisconnectPorts:         "DisconnectPorts",
	ReqDisconnectPort:          "DisconnectPort",
	ReqGetPortConnections:      "GetPortConnections",
	ReqGetPortNConnections:     "GetPortNConnections",
	ReqSetBufferSize:           "SetBufferSize",
	ReqSetFreewheel:            "SetFreewheel",
	ReqStopFreewheel:           "StopFreewheel",
	ReqSetTimebaseClient:       "SetTimebaseClient",
	ReqResetTimebaseClient:     "ResetTimebaseClient",
	ReqSetSyncClient:           "SetSyncClient",
	ReqResetSyncClient:         "ResetSyncClient",
	ReqSetSyncTimeout:          "SetSyncTimeout",
	ReqTransportStart:          "TransportStart",
	ReqTransportStop:           "TransportStop",
	ReqTransportLocate:         "TransportLocate",
	ReqIntClientHandle:         "IntClientHandle",
	ReqIntClientLoad:           "IntClientLoad",
	ReqIntClientName:           "IntClientName",
	ReqIntClientUnload:         "IntClientUnload",
	ReqRecomputeTotalLatencies: "RecomputeTotalLatencies",
	ReqRecomputeTotalLatency:   "RecomputeTotalLatency",
	ReqSessionNotify:           "SessionNotify",
	ReqSessionReply:            "SessionReply",
	ReqSessionHasCallback:      "SessionHasCallback",
	ReqGetClientByUUID:         "GetClientByUUID",
	ReqGetUUIDByClientName:     "GetUUIDByClientName",
	ReqReserveName:             "ReserveName",
	ReqPropertyChangeNotify:    "PropertyChangeNotify",
	ReqSetClientCapabilities:   "SetClientCapabilities",
	ReqPortRename:              "PortRename",
	ReqRequestMonitor:          "RequestMonitor",
	ReqSetCallbacks:            "SetCallbacks",
	ReqSetPortLatencyRange:     "SetPortLatencyRange",
	ReqGetPortInfo:             "GetPortInfo",
	ReqGetPortLatency:          "GetPortLatency",
}

func (t RequestType) String() string {
	if s, ok := requestNames[t]; ok {
		return s
	}
	return "Invalid"
}

// EventType identifies an event pushed on the engine→client socket.
type EventType uint32

const (
	EvtBufferSizeChange EventType = iota
	EvtSampleRateChange
	EvtAttachPortSegment
	EvtPortConnected
	EvtPortDisconnected
	EvtGraphReordered
	EvtPortRegistered
	EvtPortUnregistered
	EvtXRun
	EvtStartFreewheel
	EvtStopFreewheel
	EvtClientRegistered
	EvtClientUnregistered
	EvtSaveSession
	EvtLatencyCallback
	EvtPropertyChange
	EvtPortRename
	EvtShutdown
)

var eventNames = [...]string{
	"BufferSizeChange", "SampleRateChange", "AttachPortSegment",
	"PortConnected", "PortDisconnected", "GraphReordered",
	"PortRegistered", "PortUnregistered", "XRun",
	"StartFreewheel", "StopFreewheel", "ClientRegistered",
	"ClientUnregistered", "SaveSession", "LatencyCallback",
	"PropertyChange", "PortRename", "Shutdown",
}

func (t EventType) String() string {
	if int(t) < len(eventNames) {
		return eventNames[t]
	}
	return "Unknown"
}

// Status is the bitmask returned with every reply and with shutdown events.
type Status uint32

const (
	StatusFailure       Status = 1 << iota // overall failure
	StatusInvalidOption                    // option bits unknown or unusable
	StatusNameNotUnique                    // desired name taken and UseExactName set
	StatusServerStarted                    // server was started for this client
	StatusServerFailed                     // could not reach the server
	StatusServerError                      // error talking to the server
	StatusNoSuchClient                     // named client does not exist
	StatusLoadFailure                      // internal client module load failed
	StatusInitFailure                      // internal client initialize failed
	StatusShmFailure                       // shm segment attach failed
	StatusVersionError                     // protocol version mismatch
	StatusBackendError                     // backend/driver failure
	StatusClientZombie                     // client was zombified by the engine
)

// Options is the bitmask accepted by ClientOpen.
type Options uint32

const NullOption Options = 0

const (
	NoStartServer Options = 1 << iota
	UseExactName
	ServerName
	LoadName
	LoadInit
	SessionID
)

// openOptionsMask is the set of option bits ClientOpen understands. Anything
// outside it fails with StatusInvalidOption.
const openOptionsMask = NoStartServer | UseExactName | ServerName |
	LoadName | LoadInit | SessionID

// ValidOpenOptions reports whether opts contains only bits ClientOpen accepts.
func ValidOpenOptions(opts Options) bool {
	return opts&^openOptionsMask == 0
}

// ClientType mirrors the engine's client taxonomy on the wire.
type ClientType uint32

const (
	ClientInternal ClientType = iota
	ClientDriver
	ClientExternal
)

// LatencyMode selects the traversal direction of a latency recompute.
type LatencyMode uint32

const (
	CaptureLatency LatencyMode = iota
	PlaybackLatency
)

// PropertyChangeKind tags PropertyChange events.
type PropertyChangeKind uint32

const (
	PropertyCreated PropertyChangeKind = iota
	PropertyChanged
	PropertyDeleted
)

// TransportState mirrors the engine transport state on the control page.
type TransportState uint32

const (
	TransportStopped TransportState = iota
	TransportRolling
	TransportLooping
	TransportStarting
)

func (s TransportState) String() string {
	switch s {
	case TransportStopped:
		return "stopped"
	case TransportRolling:
		return "rolling"
	case TransportLooping:
		return "looping"
	case TransportStarting:
		return "starting"
	}
	return "unknown"
}

// PortFlags describe a port on the wire and in the engine registry.
type PortFlags uint32

const (
	PortIsInput PortFlags = 1 << iota
	PortIsOutput
	PortIsPhysical
	PortCanMonitor
	PortIsTerminal
)

// IsInput reports the Input direction bit.
func (f PortFlags) IsInput() bool { return f&PortIsInput != 0 }

// IsOutput reports the Output direction bit.
func (f PortFlags) IsOutput() bool { return f&PortIsOutput != 0 }

// CallbackMask encodes which callbacks a client has registered, one bit per
// kind, so the real-time path can skip unregistered hooks without a lookup.
// Updated only under the graph write lock; consulted wait-free.
type CallbackMask uint32

const (
	CBProcess CallbackMask = 1 << iota
	CBThread
	CBBufferSize
	CBSampleRate
	CBXRun
	CBPortConnect
	CBPortRegister
	CBClientRegister
	CBGraphOrder
	CBFreewheel
	CBSync
	CBTimebase
	CBSession
	CBLatency
	CBProperty
	CBPortRename
)

// Has reports whether all bits in want are set.
func (m CallbackMask) Has(want CallbackMask) bool { return m&want == want }
