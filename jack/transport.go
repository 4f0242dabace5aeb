package jack

import (
	"gojack/internal/protocol"
	"gojack/internal/shm"
)

// Transport states.
const (
	TransportStopped  = protocol.TransportStopped
	TransportRolling  = protocol.TransportRolling
	TransportLooping  = protocol.TransportLooping
	TransportStarting = protocol.TransportStarting
)

// Position valid-mask bits.
const (
	PositionBBT = shm.PositionBBT
)

// Position is the transport position as clients see it.
type Position struct {
	Seq            uint64
	Frame          uint64
	FrameRate      uint32
	Usecs          uint64
	Valid          uint32
	Bar            int32
	Beat           int32
	Tick           int32
	BarStartTick   float64
	BeatsPerBar    float64
	BeatType       float64
	TicksPerBeat   float64
	BeatsPerMinute float64
}

func positionFromSnapshot(s shm.TransportSnapshot, rate uint32) Position {
	return Position{
		Seq:            s.Seq,
		Frame:          s.Frame,
		FrameRate:      rate,
		Usecs:          s.Usecs,
		Valid:          s.Valid,
		Bar:            s.Bar,
		Beat:           s.Beat,
		Tick:           s.Tick,
		BarStartTick:   s.BarStartTick,
		BeatsPerBar:    s.BeatsPerBar,
		BeatType:       s.BeatType,
		TicksPerBeat:   s.TicksPerBeat,
		BeatsPerMinute: s.BeatsPerMinute,
	}
}

// TransportQuery returns the current state and position straight from the
// shared control page; no request round-trip.
func (c *Client) TransportQuery() (TransportState, Position) {
	snap := c.control.ReadTransport()
	return TransportState(snap.State), positionFromSnapshot(snap, c.sampleRate)
}

// TransportStart asks the transport to start rolling (after any slow-sync
// poll completes).
func (c *Client) TransportStart() error {
	_, err := c.request(protocol.ReqTransportStart, nil, nil)
	return err
}

// TransportStop halts the transport.
func (c *Client) TransportStop() error {
	_, err := c.request(protocol.ReqTransportStop, nil, nil)
	return err
}

// TransportLocate queues a reposition to frame, applied at the next cycle
// boundary.
func (c *Client) TransportLocate(frame uint64) error {
	_, err := c.request(protocol.ReqTransportLocate, &protocol.LocateRequest{Frame: frame}, nil)
	return err
}

// SetSyncCallback registers cb and marks this client slow-sync: the
// transport will not roll until it votes ready (or the sync timeout runs
// out).
func (c *Client) SetSyncCallback(cb SyncCallback) error {
	if err := c.setCallback(func(s *callbackSet) { s.sync = cb }); err != nil {
		return err
	}
	t := protocol.ReqSetSyncClient
	if cb == nil {
		t = protocol.ReqResetSyncClient
	}
	_, err := c.request(t, &protocol.ClientIDRequest{ClientID: c.id}, nil)
	return err
}

// SetTimebaseCallback claims the timebase master role. With conditional set
// the claim fails if another master already exists.
func (c *Client) SetTimebaseCallback(conditional bool, cb TimebaseCallback) error {
	if err := c.setCallback(func(s *callbackSet) { s.timebase = cb }); err != nil {
		return err
	}
	cond := uint32(0)
	if conditional {
		cond = 1
	}
	_, err := c.request(protocol.ReqSetTimebaseClient,
		&protocol.TimebaseRequest{ClientID: c.id, Conditional: cond}, nil)
	if err != nil {
		c.setCallback(func(s *callbackSet) { s.timebase = nil }) //nolint:errcheck // unwinding
	}
	return err
}

// ReleaseTimebase gives the timebase master role back.
func (c *Client) ReleaseTimebase() error {
	if err := c.setCallback(func(s *callbackSet) { s.timebase = nil }); err != nil {
		return err
	}
	_, err := c.request(protocol.ReqResetTimebaseClient, &protocol.ClientIDRequest{ClientID: c.id}, nil)
	return err
}

// SetSyncTimeout adjusts how long the transport waits for slow-sync votes.
func (c *Client) SetSyncTimeout(usecs uint64) error {
	_, err := c.request(protocol.ReqSetSyncTimeout, &protocol.SyncTimeoutRequest{Timeout: usecs}, nil)
	return err
}

// SetFreewheel toggles freewheel mode for the whole engine.
func (c *Client) SetFreewheel(on bool) error {
	t := protocol.ReqSetFreewheel
	if !on {
		t = protocol.ReqStopFreewheel
	}
	_, err := c.request(t, &protocol.ClientIDRequest{ClientID: c.id}, nil)
	return err
}

// SetBufferSize asks the engine to change the global period length.
func (c *Client) SetBufferSize(nframes uint32) error {
	_, err := c.request(protocol.ReqSetBufferSize, &protocol.BufferSizeRequest{BufferSize: nframes}, nil)
	return err
}
