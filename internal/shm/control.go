package shm

import (
	"encoding/binary"
	"math"
)

// ControlPage is the fixed-layout header at the front of the control
// segment. The engine is the only writer; clients read. Little-endian
// throughout, matching the wire protocol.
//
// The frame-timer block is protected by a generation guard: the engine bumps
// the guard to an odd value, writes the block, then bumps it even again.
// Readers retry until they see a stable even generation, so a mid-write
// snapshot is never used.
type ControlPage struct {
	b []byte
}

// ControlPageSize is the size of the control segment.
const ControlPageSize = 256

// Byte offsets of every control page field.
const (
	offMagic          = 0   // u32
	offEngineOK       = 4   // u32
	offBufferSize     = 8   // u32
	offSampleRate     = 12  // u32
	offPortMax        = 16  // u32
	offCPULoad        = 20  // f32
	offXRuns          = 24  // u64
	offTimerGuard     = 32  // u32 generation counter
	offTimerReset     = 36  // u32 reset-pending flag
	offFrames         = 40  // u64
	offCurrentWakeup  = 48  // u64 usecs
	offNextWakeup     = 56  // u64 usecs
	offPeriodUsecs    = 64  // f64
	offTransportState = 72  // u32
	offTransportNew   = 76  // u32 new_pos flag
	offTransportFrame = 80  // u64
	offTransportSeq   = 88  // u64 unique position sequence
	offBBTBar         = 96  // i32
	offBBTBeat        = 100 // i32
	offBBTTick        = 104 // i32
	offBBTValid       = 108 // u32 valid mask
	offBarStartTick   = 112 // f64
	offBeatsPerBar    = 120 // f64
	offBeatType       = 128 // f64
	offTicksPerBeat   = 136 // f64
	offBeatsPerMinute = 144 // f64
	offTransportUsecs = 152 // u64
	offClientCount    = 160 // u32
	offPortCount      = 164 // u32
	offFreewheeling   = 168 // u32
)

// ControlMagic marks an initialized control page.
const ControlMagic = 0x4a61436b // "JaCk"

// NewControlPage wraps a mapped control segment.
func NewControlPage(data []byte) *ControlPage {
	return &ControlPage{b: data[:ControlPageSize]}
}

func (c *ControlPage) u32(off int) uint32       { return binary.LittleEndian.Uint32(c.b[off:]) }
func (c *ControlPage) setU32(off int, v uint32) { binary.LittleEndian.PutUint32(c.b[off:], v) }
func (c *ControlPage) u64(off int) uint64       { return binary.LittleEndian.Uint64(c.b[off:]) }
func (c *ControlPage) setU64(off int, v uint64) { binary.LittleEndian.PutUint64(c.b[off:], v) }

func (c *ControlPage) f32(off int) float32 { return math.Float32frombits(c.u32(off)) }
func (c *ControlPage) setF32(off int, v float32) {
	c.setU32(off, math.Float32bits(v))
}
func (c *ControlPage) f64(off int) float64 { return math.Float64frombits(c.u64(off)) }
func (c *ControlPage) setF64(off int, v float64) {
	c.setU64(off, math.Float64bits(v))
}

// Init stamps a freshly created control page.
func (c *ControlPage) Init(bufferSize, sampleRate, portMax uint32) {
	c.setU32(offMagic, ControlMagic)
	c.setU32(offBufferSize, bufferSize)
	c.setU32(offSampleRate, sampleRate)
	c.setU32(offPortMax, portMax)
	c.setU32(offEngineOK, 1)
}

// Valid reports whether the page carries the control magic.
func (c *ControlPage) Valid() bool { return c.u32(offMagic) == ControlMagic }

func (c *ControlPage) EngineOK() bool          { return c.u32(offEngineOK) != 0 }
func (c *ControlPage) SetEngineOK(ok bool)     { c.setU32(offEngineOK, b32(ok)) }
func (c *ControlPage) BufferSize() uint32      { return c.u32(offBufferSize) }
func (c *ControlPage) SetBufferSize(n uint32)  { c.setU32(offBufferSize, n) }
func (c *ControlPage) SampleRate() uint32      { return c.u32(offSampleRate) }
func (c *ControlPage) SetSampleRate(n uint32)  { c.setU32(offSampleRate, n) }
func (c *ControlPage) PortMax() uint32         { return c.u32(offPortMax) }
func (c *ControlPage) CPULoad() float32        { return c.f32(offCPULoad) }
func (c *ControlPage) SetCPULoad(v float32)    { c.setF32(offCPULoad, v) }
func (c *ControlPage) XRuns() uint64           { return c.u64(offXRuns) }
func (c *ControlPage) AddXRun()                { c.setU64(offXRuns, c.u64(offXRuns)+1) }
func (c *ControlPage) ClientCount() uint32     { return c.u32(offClientCount) }
func (c *ControlPage) SetClientCount(n uint32) { c.setU32(offClientCount, n) }
func (c *ControlPage) PortCount() uint32       { return c.u32(offPortCount) }
func (c *ControlPage) SetPortCount(n uint32)   { c.setU32(offPortCount, n) }
func (c *ControlPage) Freewheeling() bool      { return c.u32(offFreewheeling) != 0 }
func (c *ControlPage) SetFreewheeling(on bool) { c.setU32(offFreewheeling, b32(on)) }

func b32(v bool) uint32 {
	if v {
		return 1
	}
	return 0
}

// FrameTimer is one coherent snapshot of the frame-timer block.
type FrameTimer struct {
	Frames        uint64
	CurrentWakeup uint64 // usecs
	NextWakeup    uint64 // usecs
	PeriodUsecs   float64
	ResetPending  bool
}

// WriteTimer publishes a frame-timer snapshot under the generation guard.
func (c *ControlPage) WriteTimer(t FrameTimer) {
	g := c.u32(offTimerGuard)
	c.setU32(offTimerGuard, g+1) // odd: write in progress
	c.setU64(offFrames, t.Frames)
	c.setU64(offCurrentWakeup, t.CurrentWakeup)
	c.setU64(offNextWakeup, t.NextWakeup)
	c.setF64(offPeriodUsecs, t.PeriodUsecs)
	c.setU32(offTimerReset, b32(t.ResetPending))
	c.setU32(offTimerGuard, g+2) // even: stable
}

// ReadTimer retries until it observes a stable snapshot.
func (c *ControlPage) ReadTimer() FrameTimer {
	for {
		g1 := c.u32(offTimerGuard)
		t := FrameTimer{
			Frames:        c.u64(offFrames),
			CurrentWakeup: c.u64(offCurrentWakeup),
			NextWakeup:    c.u64(offNextWakeup),
			PeriodUsecs:   c.f64(offPeriodUsecs),
			ResetPending:  c.u32(offTimerReset) != 0,
		}
		g2 := c.u32(offTimerGuard)
		if g1 == g2 && g1%2 == 0 {
			return t
		}
	}
}

// Position valid-mask bits for the BBT block.
const (
	PositionBBT uint32 = 1 << iota
	PositionTimecode
)

// TransportSnapshot is one coherent view of the transport block.
type TransportSnapshot struct {
	State          uint32
	NewPos         bool
	Frame          uint64
	Seq            uint64
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

// WriteTransport publishes the transport block. Callers hold the engine's
// cycle context, so no guard is needed beyond field ordering: Seq last.
func (c *ControlPage) WriteTransport(t TransportSnapshot) {
	c.setU32(offTransportState, t.State)
	c.setU32(offTransportNew, b32(t.NewPos))
	c.setU64(offTransportFrame, t.Frame)
	c.setU64(offTransportUsecs, t.Usecs)
	c.setU32(offBBTValid, t.Valid)
	c.setU32(offBBTBar, uint32(t.Bar))
	c.setU32(offBBTBeat, uint32(t.Beat))
	c.setU32(offBBTTick, uint32(t.Tick))
	c.setF64(offBarStartTick, t.BarStartTick)
	c.setF64(offBeatsPerBar, t.BeatsPerBar)
	c.setF64(offBeatType, t.BeatType)
	c.setF64(offTicksPerBeat, t.TicksPerBeat)
	c.setF64(offBeatsPerMinute, t.BeatsPerMinute)
	c.setU64(offTransportSeq, t.Seq)
}

// ReadTransport reads the transport block, retrying across a concurrent
// publish (detected by the sequence number changing underneath).
func (c *ControlPage) ReadTransport() TransportSnapshot {
	for {
		s1 := c.u64(offTransportSeq)
		t := TransportSnapshot{
			State:          c.u32(offTransportState),
			NewPos:         c.u32(offTransportNew) != 0,
			Frame:          c.u64(offTransportFrame),
			Usecs:          c.u64(offTransportUsecs),
			Valid:          c.u32(offBBTValid),
			Bar:            int32(c.u32(offBBTBar)),
			Beat:           int32(c.u32(offBBTBeat)),
			Tick:           int32(c.u32(offBBTTick)),
			BarStartTick:   c.f64(offBarStartTick),
			BeatsPerBar:    c.f64(offBeatsPerBar),
			BeatType:       c.f64(offBeatType),
			TicksPerBeat:   c.f64(offTicksPerBeat),
			BeatsPerMinute: c.f64(offBeatsPerMinute),
		}
		t.Seq = c.u64(offTransportSeq)
		if t.Seq == s1 {
			return t
		}
	}
}
